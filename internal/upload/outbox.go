package upload

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skillshot/bridge-agent/internal/callbackretry"
)

// outboxDDL is the SQLite schema for the upload retry outbox. One row
// per failed upload attempt, keyed by request_key + relative path so a
// retry of the same file within the same request is deduplicated.
const outboxDDL = `
CREATE TABLE IF NOT EXISTS upload_outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	dedup_key       TEXT    NOT NULL UNIQUE,
	request_key     TEXT    NOT NULL,
	abs_path        TEXT    NOT NULL,
	rel_path        TEXT    NOT NULL,
	upload_url      TEXT    NOT NULL,
	upload_token    TEXT    NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	created_at      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_outbox_created
	ON upload_outbox(created_at);
`

// MaxOutboxAttempts bounds how many times the flusher retries a row
// before leaving it for operator inspection.
const MaxOutboxAttempts = 8

// Outbox persists failed upload attempts so a background flusher can
// retry them without blocking or re-running the adapter.
type Outbox struct {
	db *sql.DB
}

// OpenOutbox opens (creating if needed) the SQLite database at path and
// runs the outbox migration.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	if _, err := db.Exec(outboxDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Close releases the underlying database handle.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Record inserts a failed upload attempt. It is idempotent per
// request_key + rel_path: a retry that fails again for the same pair
// does not create a duplicate row.
func (o *Outbox) Record(requestKey, absPath, relPath, uploadURL, uploadToken, lastError string) error {
	dedupKey := requestKey + "\x00" + relPath
	_, err := o.db.Exec(
		`INSERT INTO upload_outbox (dedup_key, request_key, abs_path, rel_path, upload_url, upload_token, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedup_key) DO UPDATE SET last_error = excluded.last_error`,
		dedupKey, requestKey, absPath, relPath, uploadURL, uploadToken, lastError, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

type outboxRow struct {
	id          int64
	absPath     string
	relPath     string
	uploadURL   string
	uploadToken string
	attempts    int
}

// Flush retries every outstanding outbox row once, using bounded
// exponential backoff per row. Rows that succeed are deleted; rows that
// exceed MaxOutboxAttempts are left in place with their attempts counter
// at the ceiling for operator inspection.
func (o *Outbox) Flush(ctx context.Context, client *Client) {
	rows, err := o.readAll()
	if err != nil {
		slog.Error("upload outbox: read failed", "error", err)
		return
	}

	for _, row := range rows {
		if row.attempts >= MaxOutboxAttempts {
			continue
		}

		row := row
		retryCfg := callbackretry.DefaultConfig()
		retryCfg.MaxAttempts = 1 // the outer Flush call provides the retry cadence

		err := callbackretry.Do(ctx, retryCfg, "upload_outbox_flush", func(ctx context.Context) error {
			_, ok := client.attempt(ctx, row.relPath, row.absPath, row.uploadURL, row.uploadToken)
			if !ok {
				return fmt.Errorf("outbox retry failed for %s", row.relPath)
			}
			return nil
		})

		if err != nil {
			o.bumpAttempts(row.id)
			continue
		}
		o.delete(row.id)
	}
}

func (o *Outbox) readAll() ([]outboxRow, error) {
	rows, err := o.db.Query(`SELECT id, abs_path, rel_path, upload_url, upload_token, attempts FROM upload_outbox ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.absPath, &r.relPath, &r.uploadURL, &r.uploadToken, &r.attempts); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (o *Outbox) bumpAttempts(id int64) {
	if _, err := o.db.Exec(`UPDATE upload_outbox SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		slog.Error("upload outbox: bump attempts failed", "id", id, "error", err)
	}
}

func (o *Outbox) delete(id int64) {
	if _, err := o.db.Exec(`DELETE FROM upload_outbox WHERE id = ?`, id); err != nil {
		slog.Error("upload outbox: delete failed", "id", id, "error", err)
	}
}
