package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"liveclass/internal/apperr"
)

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var recordColumns = []string{
	"session_id", "participant_id", "join_time", "leave_time", "accumulated_seconds",
	"classification", "first_joined_at", "reconnects", "updated_at",
}

// PostgresRepository persists attendance records in Postgres. The table has a
// unique key on (session_id, participant_id).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, sessionID, participantID string) (*Record, error) {
	query, args, err := psq.Select(recordColumns...).From("attendance_records").
		Where(sq.Eq{"session_id": sessionID, "participant_id": participantID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building attendance select: %w", err)
	}
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("attendance.get", "no attendance for participant %s in session %s", participantID, sessionID)
		}
		return nil, apperr.Transient("attendance.get", err)
	}
	return rec, nil
}

// Upsert writes rec, replacing the existing row for the pair.
func (r *PostgresRepository) Upsert(ctx context.Context, rec *Record) error {
	query, args, err := psq.Insert("attendance_records").Columns(recordColumns...).Values(
		rec.SessionID, rec.ParticipantID, nullTime(rec.JoinTime), rec.LeaveTime, rec.AccumulatedSeconds,
		string(rec.Classification), nullTime(rec.FirstJoinedAt), rec.Reconnects, rec.UpdatedAt,
	).Suffix(`ON CONFLICT (session_id, participant_id) DO UPDATE SET
		join_time = EXCLUDED.join_time,
		leave_time = EXCLUDED.leave_time,
		accumulated_seconds = EXCLUDED.accumulated_seconds,
		classification = EXCLUDED.classification,
		first_joined_at = EXCLUDED.first_joined_at,
		reconnects = EXCLUDED.reconnects,
		updated_at = EXCLUDED.updated_at`).ToSql()
	if err != nil {
		return fmt.Errorf("building attendance upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return apperr.Transient("attendance.upsert", err)
	}
	return nil
}

func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string) ([]*Record, error) {
	return r.list(ctx, "attendance.list_session", sq.Eq{"session_id": sessionID})
}

func (r *PostgresRepository) ListByParticipant(ctx context.Context, participantID string) ([]*Record, error) {
	return r.list(ctx, "attendance.list_participant", sq.Eq{"participant_id": participantID})
}

func (r *PostgresRepository) list(ctx context.Context, op string, where sq.Eq) ([]*Record, error) {
	query, args, err := psq.Select(recordColumns...).From("attendance_records").
		Where(where).OrderBy("session_id ASC", "participant_id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building attendance list: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec            Record
		join, first    sql.NullTime
		classification string
	)
	if err := row.Scan(&rec.SessionID, &rec.ParticipantID, &join, &rec.LeaveTime, &rec.AccumulatedSeconds,
		&classification, &first, &rec.Reconnects, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.JoinTime = join.Time
	rec.FirstJoinedAt = first.Time
	rec.Classification = Classification(classification)
	return &rec, nil
}

// nullTime stores the zero time as NULL; absent invitees never joined.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
