package policystore

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSource_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src := NewPostgresSource(db)
	ctx := context.Background()

	doc, err := json.Marshal(exampleBundle(t))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM policy_bundles ORDER BY id DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	b, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024.06.1", b.Version)
	assert.Len(t, b.Panels, 4)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM policy_bundles")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}))

	_, err = src.Load(ctx)
	assert.ErrorIs(t, err, ErrNoBundle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src := NewPostgresSource(db)
	b := exampleBundle(t)
	hash, err := bundleHash(b)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_bundles (version, hash, document, created_at) VALUES ($1, $2, $3, $4)")).
		WithArgs("2024.06.1", hash, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, src.Save(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadFromPostgresAndPersistProvisioning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src := NewPostgresSource(db)
	doc, err := json.Marshal(exampleBundle(t))
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM policy_bundles")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_bundles")).
		WithArgs("2024.06.1+prov-9", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))

	s := NewStore(WithSaver(src))
	_, err = s.Load(context.Background(), src)
	require.NoError(t, err)

	_, err = s.ApplyProvisioning(context.Background(), provisioning("prov-9", "u-cfo", "bancos"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
