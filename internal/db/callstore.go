package db

import (
	"context"
	"database/sql"

	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/errors"
)

// CallStore persists call records with optimistic versioning
type CallStore struct {
	db *DB
}

func NewCallStore(db *DB) *CallStore {
	return &CallStore{db: db}
}

const callColumns = `id, call_id, phone_number, caller_id, status, context, extension,
    priority, timeout, channel, unique_id, created_at, dialed_at, answered_at,
    ended_at, duration, billable_duration, failure_reason, attempt_number,
    max_attempts, call_metadata, version`

// Insert writes a new PENDING call with version 0
func (s *CallStore) Insert(ctx context.Context, call *models.Call) error {
	query := `
        INSERT INTO calls (call_id, phone_number, caller_id, status, context,
            extension, priority, timeout, attempt_number, max_attempts,
            call_metadata, version)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

	var meta interface{}
	if len(call.Metadata) > 0 {
		meta = call.Metadata
	}

	result, err := s.db.ExecContext(ctx, query,
		call.CallID, call.PhoneNumber, call.CallerID, call.Status,
		call.Context, call.Extension, call.Priority, call.Timeout,
		call.AttemptNumber, call.MaxAttempts, meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to insert call")
	}

	if id, err := result.LastInsertId(); err == nil {
		call.ID = id
	}
	call.Version = 0

	return nil
}

func (s *CallStore) scanCall(row *sql.Row) (*models.Call, error) {
	call := &models.Call{}
	var channel, uniqueID, failureReason sql.NullString
	var dialedAt, answeredAt, endedAt sql.NullTime
	var duration, billable sql.NullInt64

	err := row.Scan(&call.ID, &call.CallID, &call.PhoneNumber, &call.CallerID,
		&call.Status, &call.Context, &call.Extension, &call.Priority,
		&call.Timeout, &channel, &uniqueID, &call.CreatedAt, &dialedAt,
		&answeredAt, &endedAt, &duration, &billable, &failureReason,
		&call.AttemptNumber, &call.MaxAttempts, &call.Metadata, &call.Version)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCallNotFound, "call not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan call")
	}

	call.Channel = channel.String
	call.UniqueID = uniqueID.String
	call.FailureReason = failureReason.String
	if dialedAt.Valid {
		call.DialedAt = &dialedAt.Time
	}
	if answeredAt.Valid {
		call.AnsweredAt = &answeredAt.Time
	}
	if endedAt.Valid {
		call.EndedAt = &endedAt.Time
	}
	if duration.Valid {
		d := int(duration.Int64)
		call.Duration = &d
	}
	if billable.Valid {
		b := int(billable.Int64)
		call.BillableDuration = &b
	}

	return call, nil
}

// GetByCallID loads a call by its public UUID
func (s *CallStore) GetByCallID(ctx context.Context, callID string) (*models.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = ?`
	return s.scanCall(s.db.QueryRowContext(ctx, query, callID))
}

// GetByChannel loads a call by its PBX channel id
func (s *CallStore) GetByChannel(ctx context.Context, channel string) (*models.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE channel = ?`
	return s.scanCall(s.db.QueryRowContext(ctx, query, channel))
}

// UpdateVersioned persists a staged mutation with a compare-and-set on the
// version column. Returns false when another writer got there first; the
// caller re-reads and retries.
func (s *CallStore) UpdateVersioned(ctx context.Context, call *models.Call) (bool, error) {
	query := `
        UPDATE calls
        SET status = ?, channel = ?, unique_id = ?, dialed_at = ?,
            answered_at = ?, ended_at = ?, duration = ?, billable_duration = ?,
            failure_reason = ?, attempt_number = ?, version = version + 1
        WHERE id = ? AND version = ?`

	var channel, uniqueID, failureReason interface{}
	if call.Channel != "" {
		channel = call.Channel
	}
	if call.UniqueID != "" {
		uniqueID = call.UniqueID
	}
	if call.FailureReason != "" {
		failureReason = call.FailureReason
	}

	result, err := s.db.ExecContext(ctx, query,
		call.Status, channel, uniqueID, call.DialedAt, call.AnsweredAt,
		call.EndedAt, call.Duration, call.BillableDuration, failureReason,
		call.AttemptNumber, call.ID, call.Version)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrDatabase, "failed to update call")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrDatabase, "failed to read update result")
	}

	if affected == 0 {
		return false, nil
	}

	call.Version++
	return true, nil
}

// ListRecent returns the newest calls for operational tooling
func (s *CallStore) ListRecent(ctx context.Context, limit int) ([]*models.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list calls")
	}
	defer rows.Close()

	var calls []*models.Call
	for rows.Next() {
		call := &models.Call{}
		var channel, uniqueID, failureReason sql.NullString
		var dialedAt, answeredAt, endedAt sql.NullTime
		var duration, billable sql.NullInt64

		if err := rows.Scan(&call.ID, &call.CallID, &call.PhoneNumber, &call.CallerID,
			&call.Status, &call.Context, &call.Extension, &call.Priority,
			&call.Timeout, &channel, &uniqueID, &call.CreatedAt, &dialedAt,
			&answeredAt, &endedAt, &duration, &billable, &failureReason,
			&call.AttemptNumber, &call.MaxAttempts, &call.Metadata, &call.Version); err != nil {
			return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan call row")
		}

		call.Channel = channel.String
		call.UniqueID = uniqueID.String
		call.FailureReason = failureReason.String
		if dialedAt.Valid {
			call.DialedAt = &dialedAt.Time
		}
		if answeredAt.Valid {
			call.AnsweredAt = &answeredAt.Time
		}
		if endedAt.Valid {
			call.EndedAt = &endedAt.Time
		}
		if duration.Valid {
			d := int(duration.Int64)
			call.Duration = &d
		}
		if billable.Valid {
			b := int(billable.Int64)
			call.BillableDuration = &b
		}

		calls = append(calls, call)
	}

	return calls, rows.Err()
}

// CountByStatus returns call counts grouped by status
func (s *CallStore) CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to count calls")
	}
	defer rows.Close()

	counts := make(map[models.CallStatus]int64)
	for rows.Next() {
		var status models.CallStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan count row")
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
