package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpipe/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	run := testRun("run-1", "service_quote", time.Now(), model.DegradationMinimal)

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("run-1", "service_quote", "minimal", false, run.EstimatedCost, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	run := testRun("run-1", "", time.Now(), model.DegradationNone)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := s.SaveRun(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save run run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(testRun("run-1", "support_issue", time.Now().UTC(), model.DegradationNone))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT result FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(data))

	got, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "support_issue", got.Tag)
	assert.Equal(t, []string{"summary"}, got.Executed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT result FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	a, err := json.Marshal(testRun("a", "service_quote", time.Now().UTC(), model.DegradationModerate))
	require.NoError(t, err)

	mock.ExpectQuery(`AND tag = \$1 AND degradation = \$2 ORDER BY started_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("service_quote", "moderate", 5, 10).
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(a))

	runs, err := s.ListRuns(context.Background(), RunFilter{
		Tag:         "service_quote",
		Degradation: model.DegradationModerate,
		Limit:       5,
		Offset:      10,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`ORDER BY started_at DESC LIMIT \$1$`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows([]string{"result"}))

	runs, err := s.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_BadRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT result FROM runs`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow([]byte(`{not json`)))

	_, err := s.ListRuns(context.Background(), RunFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal run")
}

func TestPostgresStore_Close(t *testing.T) {
	s := &PostgresStore{}
	assert.NoError(t, s.Close())
}
