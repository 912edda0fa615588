package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medcode/medcode/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const msgCols = `id, control_id, message_type, event_code, raw, source, outcome, error_detail,
	warnings, visit_id, encounter_id, duplicate_of, reprocess_count, received_at, processed_at`

// RecordAndCheck relies on the partial unique index
// raw_message_control_id_uq (control_id) WHERE duplicate_of IS NULL AND
// control_id <> ''. Two concurrent deliveries race on the index and exactly
// one insert wins.
func (r *repoPG) RecordAndCheck(ctx context.Context, m *RawMessage) (Result, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Outcome == "" {
		m.Outcome = OutcomeReceived
	}
	q := r.conn(ctx)

	if strings.TrimSpace(m.ControlID) != "" {
		err := q.QueryRow(ctx, `
			INSERT INTO raw_message (id, control_id, message_type, event_code, raw, source, outcome, warnings)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (control_id) WHERE duplicate_of IS NULL AND control_id <> '' DO NOTHING
			RETURNING received_at`,
			m.ID, m.ControlID, m.MessageType, m.EventCode, m.Raw, m.Source, m.Outcome, nonNil(m.Warnings),
		).Scan(&m.ReceivedAt)
		if err == nil {
			return New, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return New, fmt.Errorf("record message: %w", err)
		}

		var original uuid.UUID
		if err := q.QueryRow(ctx, `
			SELECT id FROM raw_message WHERE control_id = $1 AND duplicate_of IS NULL`,
			m.ControlID).Scan(&original); err != nil {
			return New, fmt.Errorf("find original of duplicate: %w", err)
		}
		m.Outcome = OutcomeDuplicate
		m.DuplicateOf = &original
		err = q.QueryRow(ctx, `
			INSERT INTO raw_message (id, control_id, message_type, event_code, raw, source, outcome, duplicate_of, processed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
			RETURNING received_at, processed_at`,
			m.ID, m.ControlID, m.MessageType, m.EventCode, m.Raw, m.Source, m.Outcome, m.DuplicateOf,
		).Scan(&m.ReceivedAt, &m.ProcessedAt)
		if err != nil {
			return Duplicate, fmt.Errorf("record duplicate: %w", err)
		}
		return Duplicate, nil
	}

	err := q.QueryRow(ctx, `
		INSERT INTO raw_message (id, control_id, message_type, event_code, raw, source, outcome, warnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING received_at`,
		m.ID, m.ControlID, m.MessageType, m.EventCode, m.Raw, m.Source, m.Outcome, nonNil(m.Warnings),
	).Scan(&m.ReceivedAt)
	if err != nil {
		return New, fmt.Errorf("record message: %w", err)
	}
	return New, nil
}

func (r *repoPG) Complete(ctx context.Context, id uuid.UUID, c Completion) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE raw_message SET outcome = $2, error_detail = $3, warnings = $4,
			visit_id = $5, encounter_id = $6, processed_at = NOW()
		WHERE id = $1 AND processed_at IS NULL`,
		id, c.Outcome, optional(c.Detail), nonNil(c.Warnings), optional(c.VisitID), c.EncounterID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

func (r *repoPG) RecordReprocess(ctx context.Context, id uuid.UUID, c Completion) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE raw_message SET outcome = $2, error_detail = $3, warnings = $4,
			visit_id = COALESCE($5, visit_id), encounter_id = COALESCE($6, encounter_id),
			reprocess_count = reprocess_count + 1, processed_at = NOW()
		WHERE id = $1`,
		id, c.Outcome, optional(c.Detail), nonNil(c.Warnings), optional(c.VisitID), c.EncounterID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*RawMessage, error) {
	m, err := scanMessage(r.conn(ctx).QueryRow(ctx, `SELECT `+msgCols+` FROM raw_message WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*RawMessage, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
	}
	if f.ControlID != "" {
		add("control_id = $%d", f.ControlID)
	}
	if f.VisitID != "" {
		add("visit_id = $%d", f.VisitID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM raw_message`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+msgCols+` FROM raw_message%s ORDER BY received_at DESC LIMIT $%d OFFSET $%d`,
			clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*RawMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func scanMessage(row pgx.Row) (*RawMessage, error) {
	var m RawMessage
	err := row.Scan(&m.ID, &m.ControlID, &m.MessageType, &m.EventCode, &m.Raw, &m.Source, &m.Outcome,
		&m.ErrorDetail, &m.Warnings, &m.VisitID, &m.EncounterID, &m.DuplicateOf, &m.ReprocessCount,
		&m.ReceivedAt, &m.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
