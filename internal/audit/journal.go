// Package audit is the SQLite-backed durable ledger of DLQ records and
// forwarding outcomes: a second, durable home for records the DLQ stream
// and forwarding-DLQ stream carry transiently, so an operator can query
// history after the stream has been trimmed.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal persists DLQ and forwarding-outcome records to SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at dbPath.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS dlq_records (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		original_message_id  TEXT NOT NULL,
		original_stream      TEXT NOT NULL,
		error                TEXT NOT NULL,
		service              TEXT NOT NULL,
		instance_id          TEXT NOT NULL,
		recorded_at          DATETIME NOT NULL,
		created_at           DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dlq_stream ON dlq_records(original_stream);

	CREATE TABLE IF NOT EXISTS forwarding_outcomes (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		opportunity_id  TEXT NOT NULL,
		success         INTEGER NOT NULL,
		error           TEXT,
		recorded_at     DATETIME NOT NULL,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_forwarding_opp ON forwarding_outcomes(opportunity_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// DLQRecord is the subset of internal/streamconsumer.DLQRecord worth
// querying later; audit does not care about the full payload, only enough
// to locate and explain the rejection.
type DLQRecord struct {
	OriginalMessageID string
	OriginalStream    string
	Error             string
	Service           string
	InstanceID        string
	Timestamp         time.Time
}

// RecordDLQ persists one DLQ write.
func (j *Journal) RecordDLQ(rec DLQRecord) error {
	_, err := j.db.Exec(
		`INSERT INTO dlq_records (original_message_id, original_stream, error, service, instance_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.OriginalMessageID, rec.OriginalStream, rec.Error, rec.Service, rec.InstanceID,
		rec.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("audit: record dlq: %w", err)
	}
	return nil
}

// RecordForwardingOutcome persists one opportunity-forwarding attempt's
// result (success or the failure reason).
func (j *Journal) RecordForwardingOutcome(opportunityID string, success bool, forwardErr error, now time.Time) error {
	var errText *string
	if forwardErr != nil {
		s := forwardErr.Error()
		errText = &s
	}
	_, err := j.db.Exec(
		`INSERT INTO forwarding_outcomes (opportunity_id, success, error, recorded_at) VALUES (?, ?, ?, ?)`,
		opportunityID, success, errText, now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("audit: record forwarding outcome: %w", err)
	}
	return nil
}

// RecentDLQRecords returns the last N DLQ records, newest first.
func (j *Journal) RecentDLQRecords(limit int) ([]DLQRecord, error) {
	rows, err := j.db.Query(
		`SELECT original_message_id, original_stream, error, service, instance_id, recorded_at
		 FROM dlq_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query dlq records: %w", err)
	}
	defer rows.Close()

	var out []DLQRecord
	for rows.Next() {
		var rec DLQRecord
		var ts string
		if err := rows.Scan(&rec.OriginalMessageID, &rec.OriginalStream, &rec.Error, &rec.Service, &rec.InstanceID, &ts); err != nil {
			continue
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Ping verifies the database connection is alive, for liveness probes.
func (j *Journal) Ping() error {
	return j.db.Ping()
}
