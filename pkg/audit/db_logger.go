package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// DBLogger implements audit logging to PostgreSQL. The tables are insert-only;
// no update or delete path exists anywhere in this package.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}

	if err := logger.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit tables: %w", err)
	}

	return logger, nil
}

// ensureTables creates the audit tables if they don't exist
func (l *DBLogger) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		object_type VARCHAR(50) NOT NULL,
		object_id VARCHAR(255) NOT NULL,
		action VARCHAR(20) NOT NULL,
		outcome VARCHAR(20) NOT NULL,
		actor_id VARCHAR(36),
		actor_workspace VARCHAR(36),
		actor_org_id VARCHAR(36),
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		message TEXT,
		details JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_object ON audit_logs(object_type, object_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_outcome ON audit_logs(outcome);

	CREATE TABLE IF NOT EXISTS security_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event VARCHAR(50) NOT NULL,
		actor_id VARCHAR(36),
		actor_org_id VARCHAR(36),
		object_type VARCHAR(50),
		object_id VARCHAR(255),
		reason TEXT,
		ip_address VARCHAR(45),
		details JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_security_logs_timestamp ON security_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_security_logs_event ON security_logs(event);
	CREATE INDEX IF NOT EXISTS idx_security_logs_actor ON security_logs(actor_id);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log writes an audit entry to the database
func (l *DBLogger) Log(ctx context.Context, entry *Entry) error {
	var detailsJSON []byte
	var err error

	if entry.Details != nil {
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, object_type, object_id, action, outcome,
			actor_id, actor_workspace, actor_org_id,
			ip_address, user_agent, request_id,
			message, details
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		entry.Timestamp, entry.ObjectType, entry.ObjectID, entry.Action, entry.Outcome,
		entry.ActorID, entry.ActorWorkspace, entry.ActorOrgID,
		entry.IPAddress, entry.UserAgent, entry.RequestID,
		entry.Message, detailsJSON,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// LogSecurity writes a security entry to the database
func (l *DBLogger) LogSecurity(ctx context.Context, entry *SecurityEntry) error {
	var detailsJSON []byte
	var err error

	if entry.Details != nil {
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO security_logs (
			timestamp, event, actor_id, actor_org_id,
			object_type, object_id, reason, ip_address, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		entry.Timestamp, entry.Event, entry.ActorID, entry.ActorOrgID,
		entry.ObjectType, entry.ObjectID, entry.Reason, entry.IPAddress, detailsJSON,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("failed to insert security log: %w", err)
	}

	return nil
}

// Search searches audit logs based on filters
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Entry, error) {
	query := `
		SELECT
			id, timestamp, object_type, object_id, action, outcome,
			actor_id, actor_workspace, actor_org_id,
			ip_address, user_agent, request_id,
			message, details
		FROM audit_logs
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, filter.ActorID)
		argCount++
	}

	if filter.ActorOrgID != "" {
		query += fmt.Sprintf(" AND actor_org_id = $%d", argCount)
		args = append(args, filter.ActorOrgID)
		argCount++
	}

	if len(filter.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		actionStrs := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actionStrs[i] = string(a)
		}
		args = append(args, pq.Array(actionStrs))
		argCount++
	}

	if filter.Outcome != nil {
		query += fmt.Sprintf(" AND outcome = $%d", argCount)
		args = append(args, string(*filter.Outcome))
		argCount++
	}

	if filter.ObjectType != "" {
		query += fmt.Sprintf(" AND object_type = $%d", argCount)
		args = append(args, filter.ObjectType)
		argCount++
	}

	if filter.ObjectID != "" {
		query += fmt.Sprintf(" AND object_id = $%d", argCount)
		args = append(args, filter.ObjectID)
		argCount++
	}

	if filter.IPAddress != "" {
		query += fmt.Sprintf(" AND ip_address = $%d", argCount)
		args = append(args, filter.IPAddress)
		argCount++
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		entry := &Entry{}
		var detailsJSON []byte
		var actorID, actorWorkspace, actorOrgID sql.NullString
		var ipAddress, userAgent, requestID, message sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.ObjectType, &entry.ObjectID, &entry.Action, &entry.Outcome,
			&actorID, &actorWorkspace, &actorOrgID,
			&ipAddress, &userAgent, &requestID,
			&message, &detailsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		entry.ActorID = actorID.String
		entry.ActorWorkspace = actorWorkspace.String
		entry.ActorOrgID = actorOrgID.String
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String
		entry.RequestID = requestID.String
		entry.Message = message.String

		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return entries, nil
}

// Close closes the database logger. The connection may be shared, so it is
// left open.
func (l *DBLogger) Close() error {
	return nil
}
