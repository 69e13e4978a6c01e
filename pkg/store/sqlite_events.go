package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// tsLayout is fixed width so text order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteEventStore indexes security events for the dashboard queries.
type SQLiteEventStore struct {
	db *sql.DB
}

// OpenSQLiteEventStore opens (or creates) the database at dsn.
func OpenSQLiteEventStore(dsn string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		// Every pooled connection would see its own empty database.
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLiteEventStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS security_events (
        id TEXT PRIMARY KEY,
        timestamp TEXT NOT NULL,
        user_id TEXT NOT NULL,
        result TEXT NOT NULL,
        severity TEXT NOT NULL,
        risk_score REAL NOT NULL,
        document JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS security_events_user ON security_events (user_id, timestamp);
    CREATE INDEX IF NOT EXISTS security_events_time ON security_events (timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close releases the database.
func (s *SQLiteEventStore) Close() error { return s.db.Close() }

// Write implements the audit sink contract.
func (s *SQLiteEventStore) Write(ctx context.Context, ev *contracts.SecurityEvent) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, timestamp, user_id, result, severity, risk_score, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp.UTC().Format(tsLayout), ev.UserID,
		string(ev.Result), string(ev.Severity), ev.RiskScore, string(doc))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *SQLiteEventStore) Query(ctx context.Context, f Filter) ([]contracts.SecurityEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.Until.UTC().Format(tsLayout))
	}

	query := "SELECT document FROM security_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.SecurityEvent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var ev contracts.SecurityEvent
		if err := json.Unmarshal([]byte(doc), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RiskHistory returns the risk scores of a user's most recent events,
// newest first.
func (s *SQLiteEventStore) RiskHistory(ctx context.Context, userID string, limit int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT risk_score FROM security_events WHERE user_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
