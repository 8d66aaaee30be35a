package postgres

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimart/loyalty/internal/kvstore"
	"github.com/agrimart/loyalty/pkg/database"
)

var _ kvstore.Store = (*Store)(nil)

var fixedNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s := NewStore(mock, nil)
	s.nowFunc = func() time.Time { return fixedNow }
	return s, mock
}

// expiresAt matches the *time.Time expiry argument; zero want matches nil.
type expiresAt time.Time

func (e expiresAt) Match(v any) bool {
	got, ok := v.(*time.Time)
	if !ok {
		return false
	}
	want := time.Time(e)
	if want.IsZero() {
		return got == nil
	}
	return got != nil && got.Equal(want)
}

func TestStore_Get_Found(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries")).
		WithArgs("resendlock:0922982986|login", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(`{"v":1}`))

	v, found, err := s.Get(context.Background(), "resendlock:0922982986|login")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"v":1}`, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_MissingOrExpired(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries")).
		WithArgs("k", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	_, found, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_Error(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries")).
		WithArgs("k", fixedNow).
		WillReturnError(errors.New("connection refused"))

	_, _, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStore_Set_WithTTL(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_entries")).
		WithArgs("k", "v", expiresAt(fixedNow.Add(5*time.Minute))).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), "k", "v", 5*time.Minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Set_NoTTL(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_entries")).
		WithArgs("k", "v", expiresAt(time.Time{})).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), "k", "v", 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Remove(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM kv_entries WHERE key = $1")).
		WithArgs("k").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.Remove(context.Background(), "k"), "deleting a missing key is not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PurgeExpired(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM kv_entries WHERE expires_at IS NOT NULL")).
		WithArgs(fixedNow).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrations_Embedded(t *testing.T) {
	data, err := fs.ReadFile(Migrations(), "0001_kv_entries.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS kv_entries")
}
