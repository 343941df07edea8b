package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3PutAPI is the slice of the S3 client the archiver needs
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver exports audit entries to object storage as newline-delimited JSON.
// Archiving copies entries; it never removes them from the database.
type Archiver struct {
	client s3PutAPI
	bucket string
	prefix string
	search func(ctx context.Context, filter SearchFilter) ([]*Entry, error)
}

// NewArchiver creates an archiver using ambient AWS configuration
func NewArchiver(ctx context.Context, logger *DBLogger, bucket, prefix string) (*Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		search: logger.Search,
	}, nil
}

// exportNDJSON renders entries as newline-delimited JSON
func exportNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// archiveBatchSize bounds a single archive object
const archiveBatchSize = 10000

// Archive exports every entry in [start, end) to the bucket and returns the
// number of entries written. Objects are keyed by window start time.
func (a *Archiver) Archive(ctx context.Context, start, end time.Time) (int, error) {
	total := 0
	offset := 0

	for {
		entries, err := a.search(ctx, SearchFilter{
			StartTime: &start,
			EndTime:   &end,
			Limit:     archiveBatchSize,
			Offset:    offset,
		})
		if err != nil {
			return total, fmt.Errorf("failed to load entries for archive: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		body, err := exportNDJSON(entries)
		if err != nil {
			return total, err
		}

		key := fmt.Sprintf("%saudit-%s-%06d.ndjson", a.prefix, start.UTC().Format("20060102T150405Z"), offset)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/x-ndjson"),
		})
		if err != nil {
			return total, fmt.Errorf("failed to upload archive object %q: %w", key, err)
		}

		total += len(entries)
		if len(entries) < archiveBatchSize {
			return total, nil
		}
		offset += archiveBatchSize
	}
}
