package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresPut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO snapshots")).
		WithArgs("vaccination", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresStore(db)
	err = s.Put(context.Background(), Snapshot{
		Category: "vaccination",
		Payload:  []byte(`[{"rate": 1}]`),
		Metadata: []byte(`{"confidence_score": 0.9}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"category", "payload", "metadata", "payload_hash", "stored_at"}).
		AddRow("vaccination", []byte(`[{"rate": 1}]`), `{"confidence_score": 0.9}`, "abc123", time.Now().UTC())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT category, payload, metadata, payload_hash, stored_at")).
		WithArgs("vaccination").
		WillReturnRows(rows)

	s := NewPostgresStore(db)
	snap, err := s.Get(context.Background(), "vaccination", false)
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap.PayloadHash)
	assert.JSONEq(t, `{"confidence_score": 0.9}`, string(snap.Metadata))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT category")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"category", "payload", "metadata", "payload_hash", "stored_at"}))

	s := NewPostgresStore(db)
	_, err = s.Get(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestPostgresGetStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	old := time.Now().UTC().Add(-48 * time.Hour)
	makeRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"category", "payload", "metadata", "payload_hash", "stored_at"}).
			AddRow("c", []byte(`{}`), nil, "h", old)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT category")).WithArgs("c").WillReturnRows(makeRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT category")).WithArgs("c").WillReturnRows(makeRows())

	s := NewPostgresStore(db)

	_, err = s.Get(context.Background(), "c", false)
	assert.ErrorIs(t, err, ErrSnapshotStale)

	snap, err := s.Get(context.Background(), "c", true)
	require.NoError(t, err)
	assert.Equal(t, "h", snap.PayloadHash)
}
