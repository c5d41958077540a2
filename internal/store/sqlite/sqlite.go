package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/omnisupport/omnisupport-server/internal/store"
)

// SQLiteStore implements store.DeliveryStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	webhook_id TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	event_type TEXT NOT NULL,
	url        TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	status     INTEGER NOT NULL DEFAULT 0,
	success    INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook
	ON webhook_deliveries (webhook_id, created_at DESC);
`

// New opens (or creates) the delivery log database.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordDelivery inserts one delivery attempt.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, d *store.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries
			(webhook_id, tenant_id, event_type, url, attempt, status, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		d.WebhookID, d.TenantID, d.EventType, d.URL, d.Attempt, d.StatusCode, d.Success, d.Error)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	d.ID = id
	return nil
}

// RecentDeliveries returns the latest attempts for a webhook, newest first.
func (s *SQLiteStore) RecentDeliveries(ctx context.Context, webhookID string, limit int) ([]store.WebhookDelivery, error) {
	query := `
		SELECT id, webhook_id, tenant_id, event_type, url, attempt, status, success, error, created_at
		FROM webhook_deliveries
		WHERE webhook_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []store.WebhookDelivery
	for rows.Next() {
		var d store.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.TenantID, &d.EventType, &d.URL,
			&d.Attempt, &d.StatusCode, &d.Success, &d.Error, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
