package policystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

// ErrNoBundle is returned when a source holds no bundle yet.
var ErrNoBundle = errors.New("policystore: no bundle")

// FileSource loads a bundle from a YAML file.
type FileSource struct {
	Path string
}

// Load implements Source.
func (f FileSource) Load(_ context.Context) (*Bundle, error) {
	return LoadBundleFile(f.Path)
}

// PostgresSource keeps every published bundle in the policy_bundles table
// and loads the newest one.
//
//	CREATE TABLE policy_bundles (
//	    id         BIGSERIAL PRIMARY KEY,
//	    version    TEXT NOT NULL,
//	    hash       TEXT NOT NULL,
//	    document   JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
type PostgresSource struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db, clock: time.Now}
}

// Load implements Source.
func (p *PostgresSource) Load(ctx context.Context) (*Bundle, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT document FROM policy_bundles ORDER BY id DESC LIMIT 1")

	var doc []byte
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNoBundle
	}
	if err != nil {
		return nil, fmt.Errorf("policystore: load bundle: %w", err)
	}
	return ParseBundle(doc)
}

// Save implements Saver. Bundles are append-only; history is kept.
func (p *PostgresSource) Save(ctx context.Context, b *Bundle) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return contracts.NewError(contracts.KindConfiguration, "policystore.Save", err)
	}
	snapHash, err := bundleHash(b)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		"INSERT INTO policy_bundles (version, hash, document, created_at) VALUES ($1, $2, $3, $4)",
		b.Version, snapHash, doc, p.clock().UTC())
	if err != nil {
		return fmt.Errorf("policystore: persist bundle: %w", err)
	}
	return nil
}
