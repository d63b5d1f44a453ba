package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	q querier
}

// Log appends an audit entry; detail is stored as JSON text.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	const query = `INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`
	if _, err := s.q.ExecContext(ctx, query, event, string(detailJSON), toMicros(time.Now())); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, toMicros(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, toMicros(*opts.Until))
	}
	query += " ORDER BY id DESC"
	query, args = appendPaging(query, args, opts)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = fromMicros(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries rows: %w", err)
	}
	return entries, nil
}
