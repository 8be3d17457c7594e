package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/errors"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Format: "text"})
	m.Run()
}

func newMockStore(t *testing.T) (*CallStore, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewCallStore(NewWithDB(raw)), mock
}

func callRows(call *models.Call) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "call_id", "phone_number", "caller_id", "status", "context",
		"extension", "priority", "timeout", "channel", "unique_id",
		"created_at", "dialed_at", "answered_at", "ended_at", "duration",
		"billable_duration", "failure_reason", "attempt_number",
		"max_attempts", "call_metadata", "version",
	})
	rows.AddRow(call.ID, call.CallID, call.PhoneNumber, call.CallerID,
		call.Status, call.Context, call.Extension, call.Priority, call.Timeout,
		nullable(call.Channel), nullable(call.UniqueID), call.CreatedAt,
		call.DialedAt, call.AnsweredAt, call.EndedAt, call.Duration,
		call.BillableDuration, nullable(call.FailureReason),
		call.AttemptNumber, call.MaxAttempts, nil, call.Version)
	return rows
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func sampleCall() *models.Call {
	return &models.Call{
		ID:            7,
		CallID:        "5b8f0f9e-1111-4222-8333-444455556666",
		PhoneNumber:   "+14155552671",
		CallerID:      "Outbound Call",
		Status:        models.CallStatusDialing,
		Context:       "outbound-ivr",
		Extension:     "s",
		Priority:      1,
		Timeout:       30000,
		Channel:       "chan-abc",
		CreatedAt:     time.Now().UTC(),
		AttemptNumber: 1,
		MaxAttempts:   3,
		Version:       1,
	}
}

func TestInsertSetsVersionZero(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO calls`).
		WillReturnResult(sqlmock.NewResult(42, 1))

	call := sampleCall()
	call.Version = 99 // stale; Insert resets it

	require.NoError(t, store.Insert(context.Background(), call))
	assert.Equal(t, int64(42), call.ID)
	assert.Equal(t, int64(0), call.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByChannel(t *testing.T) {
	store, mock := newMockStore(t)
	want := sampleCall()

	mock.ExpectQuery(`SELECT .+ FROM calls WHERE channel = \?`).
		WithArgs("chan-abc").
		WillReturnRows(callRows(want))

	got, err := store.GetByChannel(context.Background(), "chan-abc")
	require.NoError(t, err)
	assert.Equal(t, want.CallID, got.CallID)
	assert.Equal(t, want.Channel, got.Channel)
	assert.Equal(t, want.Version, got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByCallIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM calls WHERE call_id = \?`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetByCallID(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCallNotFound))
}

func TestUpdateVersionedWinsRace(t *testing.T) {
	store, mock := newMockStore(t)
	call := sampleCall()

	mock.ExpectExec(`UPDATE calls`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.UpdateVersioned(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), call.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateVersionedLosesRace(t *testing.T) {
	store, mock := newMockStore(t)
	call := sampleCall()

	mock.ExpectExec(`UPDATE calls`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.UpdateVersioned(context.Background(), call)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), call.Version, "version untouched on lost race")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM calls GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("DIALING", 2).
			AddRow("COMPLETED", 5))

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.CallStatusDialing])
	assert.Equal(t, int64(5), counts[models.CallStatusCompleted])
}
