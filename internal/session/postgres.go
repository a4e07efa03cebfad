package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"liveclass/internal/apperr"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var sessionColumns = []string{
	"id", "title", "description", "program", "duration_minutes",
	"scheduled_start", "actual_start", "actual_end", "meeting_reference",
	"status", "invitees", "created_by", "finalized_at", "created_at", "updated_at",
}

// PostgresRepository persists sessions in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, s *Session) error {
	invitees, err := encodeInvitees(s.Invitees)
	if err != nil {
		return err
	}
	query, args, err := psq.Insert("sessions").Columns(sessionColumns...).Values(
		s.ID, s.Title, s.Description, s.Program, s.DurationMinutes,
		s.ScheduledStart, s.ActualStart, s.ActualEnd, s.MeetingReference,
		s.Status.String(), invitees, s.CreatedBy, s.FinalizedAt, s.CreatedAt, s.UpdatedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("building session insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return apperr.Transient("session.insert", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	query, args, err := psq.Select(sessionColumns...).From("sessions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session select: %w", err)
	}
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("session.get", "session %s not found", id)
		}
		return nil, apperr.Transient("session.get", err)
	}
	return s, nil
}

func (r *PostgresRepository) Update(ctx context.Context, s *Session) error {
	invitees, err := encodeInvitees(s.Invitees)
	if err != nil {
		return err
	}
	query, args, err := psq.Update("sessions").SetMap(map[string]any{
		"title":             s.Title,
		"description":       s.Description,
		"duration_minutes":  s.DurationMinutes,
		"scheduled_start":   s.ScheduledStart,
		"actual_start":      s.ActualStart,
		"actual_end":        s.ActualEnd,
		"meeting_reference": s.MeetingReference,
		"status":            s.Status.String(),
		"invitees":          invitees,
		"finalized_at":      s.FinalizedAt,
		"updated_at":        s.UpdatedAt,
	}).Where(sq.Eq{"id": s.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("building session update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Transient("session.update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Transient("session.update", err)
	}
	if n == 0 {
		return apperr.NotFound("session.update", "session %s not found", s.ID)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*Session, error) {
	qb := psq.Select(sessionColumns...).From("sessions")
	if f.Program != "" {
		qb = qb.Where(sq.Eq{"program": f.Program})
	}
	if len(f.Statuses) > 0 {
		names := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			names = append(names, st.String())
		}
		qb = qb.Where(sq.Eq{"status": names})
	}
	if f.Unfinalized {
		qb = qb.Where(sq.Eq{"finalized_at": nil})
	}
	query, args, err := qb.OrderBy("scheduled_start ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session list: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Transient("session.list", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Transient("session.list", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("session.list", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s        Session
		status   string
		invitees []byte
	)
	if err := row.Scan(&s.ID, &s.Title, &s.Description, &s.Program, &s.DurationMinutes,
		&s.ScheduledStart, &s.ActualStart, &s.ActualEnd, &s.MeetingReference,
		&status, &invitees, &s.CreatedBy, &s.FinalizedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	s.Status = st
	if len(invitees) > 0 {
		if err := json.Unmarshal(invitees, &s.Invitees); err != nil {
			return nil, fmt.Errorf("decoding invitees: %w", err)
		}
	}
	return &s, nil
}

func encodeInvitees(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encoding invitees: %w", err)
	}
	return b, nil
}
