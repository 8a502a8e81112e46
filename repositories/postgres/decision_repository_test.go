package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/repositories"
	"github.com/upb/vc-policy-gateway/services"
	"go.uber.org/zap"
)

var decisionRowColumns = []string{
	"id", "request_id", "phase", "resource", "unit_name", "unit_version",
	"allowed", "reason", "reason_kind", "method", "path", "remote_ip",
	"latency_ms", "details", "timestamp",
}

func newMockRepo(t *testing.T) (repositories.DecisionRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db := NewDBFromConn(conn, zap.NewNop())
	return NewDecisionRepository(db, nil, zap.NewNop()), mock
}

func sampleRecord() *models.DecisionRecord {
	return models.NewDecisionRecord(models.PhaseAuthorize, "https://www.google.com", models.Allow()).
		WithUnit("anna-google", "1").
		WithRequest("req-1", "GET", "/search", "10.0.0.1").
		WithDetails(map[string]string{"state": "verdicted"})
}

func TestDecisionRepository_Insert(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := sampleRecord()

	mock.ExpectExec("INSERT INTO policy_decisions").
		WithArgs(
			sqlmock.AnyArg(), "req-1", "authorize", "https://www.google.com",
			"anna-google", "1", true, "", "", "GET", "/search", "10.0.0.1",
			0, sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Insert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionRepository_InsertError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO policy_decisions").WillReturnError(errors.New("connection reset"))

	err := repo.Insert(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert decision record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionRepository_InsertBatch(t *testing.T) {
	t.Run("commits all records", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO policy_decisions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO policy_decisions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := repo.InsertBatch(context.Background(), []*models.DecisionRecord{sampleRecord(), sampleRecord()})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO policy_decisions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO policy_decisions").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := repo.InsertBatch(context.Background(), []*models.DecisionRecord{sampleRecord(), sampleRecord()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		require.NoError(t, repo.InsertBatch(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDecisionRepository_GetByID(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		rows := sqlmock.NewRows(decisionRowColumns).AddRow(
			id.String(), "req-1", "authenticate", "https://www.google.com", "anna-google", "1",
			false, "invalid email: bob@gmaily.com", "", "GET", "/", "10.0.0.1",
			3, []byte(`{"state":"verdicted"}`), ts,
		)
		mock.ExpectQuery("SELECT (.+) FROM policy_decisions WHERE id").WithArgs(id).WillReturnRows(rows)

		rec, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, models.PhaseAuthenticate, rec.Phase)
		assert.False(t, rec.Allowed)
		assert.Equal(t, "invalid email: bob@gmaily.com", rec.Reason)
		require.NotNil(t, rec.UnitName)
		assert.Equal(t, "anna-google", *rec.UnitName)
		assert.Equal(t, 3, rec.LatencyMs)
		assert.JSONEq(t, `{"state":"verdicted"}`, string(rec.Details))
		assert.Equal(t, ts, rec.Timestamp)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nullable columns", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		rows := sqlmock.NewRows(decisionRowColumns).AddRow(
			id.String(), nil, "authorize", "https://evil.example.com", nil, nil,
			false, "PolicyUnitNotFound: no policy unit for resource", "PolicyUnitNotFound", nil, nil, nil,
			nil, nil, ts,
		)
		mock.ExpectQuery("SELECT (.+) FROM policy_decisions WHERE id").WithArgs(id).WillReturnRows(rows)

		rec, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, rec.UnitName)
		assert.Empty(t, rec.RequestID)
		assert.Nil(t, rec.Details)
		assert.Equal(t, models.KindPolicyUnitNotFound, rec.ReasonKind)
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectQuery("SELECT (.+) FROM policy_decisions WHERE id").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(decisionRowColumns))

		_, err := repo.GetByID(context.Background(), id)
		require.Error(t, err)
		assert.True(t, services.IsNotFoundError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDecisionRepository_GetByRequestID(t *testing.T) {
	repo, mock := newMockRepo(t)
	ts := time.Now().UTC()

	rows := sqlmock.NewRows(decisionRowColumns).
		AddRow(uuid.NewString(), "req-9", "authenticate", "r", "u", "1", true, "", "", "GET", "/", "::1", 1, nil, ts).
		AddRow(uuid.NewString(), "req-9", "authorize", "r", "u", "1", true, "", "", "GET", "/", "::1", 2, nil, ts)
	mock.ExpectQuery("FROM policy_decisions WHERE request_id").WithArgs("req-9").WillReturnRows(rows)

	recs, err := repo.GetByRequestID(context.Background(), "req-9")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, models.PhaseAuthenticate, recs[0].Phase)
	assert.Equal(t, models.PhaseAuthorize, recs[1].Phase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionRepository_List(t *testing.T) {
	denied := false
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter repositories.DecisionFilter
		query  string
		args   []driver.Value
	}{
		{
			name:   "no filter uses default limit",
			filter: repositories.DecisionFilter{},
			query:  `FROM policy_decisions ORDER BY timestamp DESC LIMIT \$1 OFFSET \$2`,
			args:   []driver.Value{DefaultListLimit, 0},
		},
		{
			name: "all filters",
			filter: repositories.DecisionFilter{
				Phase:    models.PhaseAuthorize,
				Resource: "https://www.google.com",
				Allowed:  &denied,
				Since:    since,
				Limit:    10,
				Offset:   20,
			},
			query: `WHERE phase = \$1 AND resource = \$2 AND allowed = \$3 AND timestamp >= \$4 ORDER BY timestamp DESC LIMIT \$5 OFFSET \$6`,
			args:  []driver.Value{"authorize", "https://www.google.com", false, since, 10, 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)

			mock.ExpectQuery(tt.query).WithArgs(tt.args...).WillReturnRows(sqlmock.NewRows(decisionRowColumns))

			recs, err := repo.List(context.Background(), tt.filter)
			require.NoError(t, err)
			assert.Empty(t, recs)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDecisionRepository_DeleteBefore(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec("DELETE FROM policy_decisions WHERE timestamp").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
