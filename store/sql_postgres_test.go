package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
)

func TestPostgresRebindPlaceholders(t *testing.T) {
	s := NewSQLStore(nil, DialectPostgres)
	assert.Equal(t,
		`UPDATE durable_instances SET status = $1, version = $2, generation = $3, data = $4, updated_at = $5 WHERE id = $6 AND version = $7`,
		s.updateInstanceQuery(),
	)
	query, args := s.listQuery(Filter{Statuses: []durable.Status{durable.StatusRunning, durable.StatusPending}, Name: "fanout"})
	assert.Equal(t, `SELECT data FROM durable_instances WHERE status IN ($1, $2) AND name = $3 ORDER BY created_at ASC, id ASC`, query)
	assert.Equal(t, []any{"RUNNING", "PENDING", "fanout"}, args)
}

func TestPostgresCreateMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, DialectPostgres)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(s.insertInstanceQuery())).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err = s.Create(context.Background(), newTestInstance("dup"), []durable.Event{startedEvent()})
	require.Error(t, err)
	assert.True(t, durable.HasCode(err, durable.CodeInstanceExists))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendDetectsStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, DialectPostgres)
	current := &durable.Instance{
		ID:         "p-1",
		Name:       "chaining",
		Status:     durable.StatusRunning,
		Version:    5,
		Generation: 1,
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(current)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(s.loadInstanceQuery())).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(string(data)))
	mock.ExpectRollback()

	_, err = s.Append(context.Background(), AppendRequest{
		InstanceID:      "p-1",
		ExpectedVersion: 4,
		Status:          durable.StatusRunning,
		Events:          []durable.Event{durable.NewOrchestratorStarted(time.Now())},
	})
	require.Error(t, err)
	assert.True(t, durable.HasCode(err, durable.CodeConcurrencyConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendWritesSnapshotAndEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, DialectPostgres)
	current := &durable.Instance{
		ID:         "p-2",
		Name:       "chaining",
		Status:     durable.StatusPending,
		Version:    1,
		Generation: 1,
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(current)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(s.loadInstanceQuery())).
		WithArgs("p-2").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(string(data)))
	mock.ExpectExec(regexp.QuoteMeta(s.updateInstanceQuery())).
		WithArgs("RUNNING", int64(3), 1, sqlmock.AnyArg(), sqlmock.AnyArg(), "p-2", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(s.insertEventQuery())).
		WithArgs("p-2", int64(2), 1, "OrchestratorStarted", int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(s.insertEventQuery())).
		WithArgs("p-2", int64(3), 1, "ActivityScheduled", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	version, err := s.Append(context.Background(), AppendRequest{
		InstanceID:      "p-2",
		ExpectedVersion: 1,
		Status:          durable.StatusRunning,
		Events: []durable.Event{
			durable.NewOrchestratorStarted(time.Now()),
			{Kind: durable.EventActivityScheduled, TaskID: 1, Name: "say_hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	require.NoError(t, mock.ExpectationsWereMet())
}
