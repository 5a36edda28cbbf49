// CleanSheet is a document sanitization gateway.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package database provides the sqlite-backed scan ledger. The ledger is
// an append-only record of terminal job outcomes; job control never reads
// it back, so losing it costs history, not correctness.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"cleansheet/pkg/models"

	_ "modernc.org/sqlite"
)

// DB wraps the database connection and provides methods for data access
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	slog.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS scan_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			original_name TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			pre_verdict TEXT,
			post_verdict TEXT,
			final_state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_records_sha256 ON scan_records(sha256)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_records_finished_at ON scan_records(finished_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// AppendScanRecord appends a terminal job outcome to the ledger.
func (db *DB) AppendScanRecord(ctx context.Context, rec models.ScanRecord) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO scan_records (job_id, original_name, sha256, pre_verdict, post_verdict, final_state, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.OriginalName, rec.SHA256, rec.PreVerdict, rec.PostVerdict,
		string(rec.FinalState), rec.CreatedAt.UTC(), rec.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append scan record: %w", err)
	}
	return nil
}

// RecentScanRecords returns the most recently finished records, newest
// first, capped at limit.
func (db *DB) RecentScanRecords(ctx context.Context, limit int) ([]models.ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT job_id, original_name, sha256, pre_verdict, post_verdict, final_state, created_at, finished_at
		 FROM scan_records ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.ScanRecord
	for rows.Next() {
		var rec models.ScanRecord
		var state string
		var created, finished time.Time
		if err := rows.Scan(&rec.JobID, &rec.OriginalName, &rec.SHA256,
			&rec.PreVerdict, &rec.PostVerdict, &state, &created, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		rec.FinalState = models.JobState(state)
		rec.CreatedAt = created
		rec.FinishedAt = finished
		records = append(records, rec)
	}
	return records, rows.Err()
}
