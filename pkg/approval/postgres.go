package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// PostgresStore keeps chains in the approval_chains table. The document
// column holds the full chain; version and status are denormalised for the
// check-and-set and the open-chain sweep.
//
//	CREATE TABLE approval_chains (
//	    id         TEXT PRIMARY KEY,
//	    version    BIGINT NOT NULL,
//	    status     TEXT NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    document   JSONB NOT NULL
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *contracts.ApprovalChain) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("approval: encode chain: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_chains (id, version, status, expires_at, created_at, document)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Version, string(c.Status), c.ExpiresAt, c.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("approval: insert chain: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.ApprovalChain, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM approval_chains WHERE id = $1", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get chain: %w", err)
	}
	return decodeChain(doc)
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, c *contracts.ApprovalChain, expected int64) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("approval: encode chain: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_chains SET version = $1, status = $2, document = $3
		 WHERE id = $4 AND version = $5`,
		c.Version, string(c.Status), doc, c.ID, expected)
	if err != nil {
		return fmt.Errorf("approval: update chain: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: update chain: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ListOpen(ctx context.Context) ([]*contracts.ApprovalChain, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT document FROM approval_chains WHERE status = $1 ORDER BY created_at, id",
		string(contracts.ChainOpen))
	if err != nil {
		return nil, fmt.Errorf("approval: list chains: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ApprovalChain
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("approval: scan chain: %w", err)
		}
		c, err := decodeChain(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeChain(doc []byte) (*contracts.ApprovalChain, error) {
	var c contracts.ApprovalChain
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("approval: decode chain: %w", err)
	}
	if c.Approvals == nil {
		c.Approvals = map[contracts.ApproverRole]contracts.Approval{}
	}
	return &c, nil
}
