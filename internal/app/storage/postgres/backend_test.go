package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumshield/backend/internal/app/domain/device"
	"github.com/quantumshield/backend/internal/app/storage"
)

func newMock(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestInsertConflict(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("devices", "d1", `{"id":"d1"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("devices", "d1", `{"id":"d1"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, b.Insert(context.Background(), "devices", "d1", []byte(`{"id":"d1"}`)))
	err := b.Insert(context.Background(), "devices", "d1", []byte(`{"id":"d1"}`))
	assert.True(t, errors.Is(err, storage.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectQuery("SELECT body FROM documents").
		WithArgs("devices", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	_, err := b.Get(context.Background(), "devices", "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBuildsFilteredQuery(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectQuery(`SELECT body FROM documents WHERE collection = \$1 AND body->>\$2 = \$3 AND body->>\$4 = \$5 AND id > \$6 ORDER BY seq DESC LIMIT \$7`).
		WithArgs("listings", "seller", "alice", "status", "open", "l-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow(`{"id":"l-3"}`).
			AddRow(`{"id":"l-2"}`))

	docs, err := b.List(context.Background(), "listings", storage.Filter{
		Equals:  map[string]any{"status": "open", "seller": "alice"},
		After:   "l-1",
		Limit:   2,
		Reverse: true,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.JSONEq(t, `{"id":"l-3"}`, string(docs[0]))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissing(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectExec("DELETE FROM documents").
		WithArgs("rules", "r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := b.Delete(context.Background(), "rules", "r1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestTypedStoreOverPostgres(t *testing.T) {
	b, mock := newMock(t)
	store := storage.NewStore(b)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("devices", "d1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT body FROM documents").
		WithArgs("devices", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"id":"d1","owner":"alice","status":"registered"}`))

	_, err := store.CreateDevice(context.Background(), device.Device{ID: "d1", Owner: "alice", Status: device.StatusRegistered})
	require.NoError(t, err)
	got, err := store.GetDevice(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackendIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	ctx := context.Background()
	b, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Migrate())

	store := storage.NewStore(b)
	_, err = store.CreateDevice(ctx, device.Device{ID: "it-device", Owner: "it"})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("create device: %v", err)
	}
	got, err := store.GetDevice(ctx, "it-device")
	require.NoError(t, err)
	assert.Equal(t, "it", got.Owner)
}
