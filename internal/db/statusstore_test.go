package db

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*StatusStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewStatusStoreFromDB(sqlx.NewDb(mockDB, "sqlmock"), zap.NewNop()), mock
}

func TestGetByIDs(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "connector_id", "status", "updated_at"}).
		AddRow("d1", "c1", "INDEXED", now).
		AddRow("d2", "c1", "PENDING", now)
	mock.ExpectQuery("SELECT id, connector_id, status, updated_at FROM documents").
		WithArgs("d1", "d2").
		WillReturnRows(rows)

	records, err := store.GetByIDs(context.Background(), []string{"d1", "d2"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, StatusIndexed, records[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDsEmptyInput(t *testing.T) {
	store, _ := newMockStore(t)
	records, err := store.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, records)
}

func TestIndexedIDsFiltersNonIndexed(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "connector_id", "status", "updated_at"}).
		AddRow("d1", "c1", "INDEXED", now).
		AddRow("d2", "c1", "FAILED", now).
		AddRow("d3", "c2", "PENDING", now)
	mock.ExpectQuery("SELECT id, connector_id, status, updated_at FROM documents").
		WillReturnRows(rows)

	indexed, err := store.IndexedIDs(context.Background(), []string{"d1", "d2", "d3"})
	require.NoError(t, err)
	require.Len(t, indexed, 1)
	_, ok := indexed["d1"]
	require.True(t, ok)
}
