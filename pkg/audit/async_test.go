package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBackend captures everything written to it
type recordingBackend struct {
	mu       sync.Mutex
	entries  []*Entry
	security []*SecurityEntry
	err      error
	release  chan struct{}
}

func (b *recordingBackend) Log(ctx context.Context, entry *Entry) error {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.entries = append(b.entries, entry)
	return nil
}

func (b *recordingBackend) LogSecurity(ctx context.Context, entry *SecurityEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.security = append(b.security, entry)
	return nil
}

func (b *recordingBackend) Close() error { return nil }

func (b *recordingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) + len(b.security)
}

func TestAsyncLogger_DeliversEntries(t *testing.T) {
	backend := &recordingBackend{}
	logger := NewAsyncLogger(backend, AsyncOptions{QueueSize: 16})

	require.NoError(t, logger.Log(context.Background(), NewEntry("sample", "sample-1", ActionRead, OutcomeSuccess)))
	require.NoError(t, logger.LogSecurity(context.Background(), NewSecurityEntry(SecurityAccessDenied)))

	require.NoError(t, logger.Close())

	assert.Equal(t, 2, backend.count())
	assert.Len(t, backend.entries, 1)
	assert.Len(t, backend.security, 1)
}

func TestAsyncLogger_CloseDrainsQueue(t *testing.T) {
	backend := &recordingBackend{}
	logger := NewAsyncLogger(backend, AsyncOptions{QueueSize: 64})

	for i := 0; i < 50; i++ {
		require.NoError(t, logger.Log(context.Background(), NewEntry("report", "report-1", ActionRead, OutcomeSuccess)))
	}
	require.NoError(t, logger.Close())

	assert.Equal(t, 50, backend.count())
}

func TestAsyncLogger_FullQueueDropsWithoutBlocking(t *testing.T) {
	backend := &recordingBackend{release: make(chan struct{})}
	logger := NewAsyncLogger(backend, AsyncOptions{QueueSize: 2})

	// one entry occupies the drain goroutine, two fill the queue, the rest drop
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			logger.Log(context.Background(), NewEntry("sample", "sample-1", ActionRead, OutcomeSuccess))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a full queue")
	}

	assert.GreaterOrEqual(t, testutil.ToFloat64(logger.dropped), float64(7))

	close(backend.release)
	require.NoError(t, logger.Close())
}

func TestAsyncLogger_BackendFailuresSwallowed(t *testing.T) {
	backend := &recordingBackend{err: errors.New("database is down")}

	var mu sync.Mutex
	var reported []error
	logger := NewAsyncLogger(backend, AsyncOptions{
		QueueSize: 16,
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
	})

	// callers never see the backend failure
	assert.NoError(t, logger.Log(context.Background(), NewEntry("batch", "batch-1", ActionCreate, OutcomeSuccess)))
	require.NoError(t, logger.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.ErrorContains(t, reported[0], "database is down")
}

func TestAsyncLogger_CloseIdempotent(t *testing.T) {
	logger := NewAsyncLogger(&recordingBackend{}, AsyncOptions{QueueSize: 4})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}
