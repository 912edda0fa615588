package packet

import (
	"context"
	"encoding/json"
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

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// -- Snapshots --

const snapshotCols = `id, encounter_id, version, reason, data, created_by, created_at`

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var s Snapshot
	var data []byte
	if err := row.Scan(&s.ID, &s.EncounterID, &s.Version, &s.Reason, &data, &s.CreatedBy, &s.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(data, &s.Data); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
	}
	return &s, nil
}

func (r *repoPG) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	s.ID = uuid.New()
	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO snapshot (id, encounter_id, version, reason, data, created_by)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5 FROM snapshot WHERE encounter_id = $2
		RETURNING version, created_at`,
		s.ID, s.EncounterID, s.Reason, data, s.CreatedBy,
	).Scan(&s.Version, &s.CreatedAt)
}

func (r *repoPG) GetSnapshot(ctx context.Context, encounterID uuid.UUID, version int) (*Snapshot, error) {
	return scanSnapshot(r.conn(ctx).QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM snapshot WHERE encounter_id = $1 AND version = $2`, encounterID, version))
}

func (r *repoPG) GetSnapshotByID(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	return scanSnapshot(r.conn(ctx).QueryRow(ctx, `SELECT `+snapshotCols+` FROM snapshot WHERE id = $1`, id))
}

func (r *repoPG) ListSnapshots(ctx context.Context, encounterID uuid.UUID) ([]*Snapshot, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+snapshotCols+` FROM snapshot WHERE encounter_id = $1 ORDER BY version`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// -- Work queue items --

const itemCols = `id, encounter_id, visit_id, snapshot_id, snapshot_version, component, queue, status,
	service_line, payer_id, priority, routing_reasons, assigned_to, assigned_at, completed_by, completed_at,
	created_at, updated_at`

func scanItem(row pgx.Row) (*WorkQueueItem, error) {
	var w WorkQueueItem
	err := row.Scan(&w.ID, &w.EncounterID, &w.VisitID, &w.SnapshotID, &w.SnapshotVersion, &w.Component,
		&w.Queue, &w.Status, &w.ServiceLine, &w.PayerID, &w.Priority, &w.RoutingReasons, &w.AssignedTo,
		&w.AssignedAt, &w.CompletedBy, &w.CompletedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func collectItems(rows pgx.Rows) ([]*WorkQueueItem, error) {
	defer rows.Close()
	var out []*WorkQueueItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *repoPG) CreateItem(ctx context.Context, w *WorkQueueItem) error {
	w.ID = uuid.New()
	if w.RoutingReasons == nil {
		w.RoutingReasons = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO work_queue_item (id, encounter_id, visit_id, snapshot_id, snapshot_version, component,
			queue, status, service_line, payer_id, priority, routing_reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		w.ID, w.EncounterID, w.VisitID, w.SnapshotID, w.SnapshotVersion, w.Component,
		w.Queue, w.Status, w.ServiceLine, w.PayerID, w.Priority, w.RoutingReasons,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
}

func (r *repoPG) GetItem(ctx context.Context, id uuid.UUID) (*WorkQueueItem, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM work_queue_item WHERE id = $1`, id))
}

func (r *repoPG) UpdateItem(ctx context.Context, w *WorkQueueItem) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE work_queue_item SET snapshot_id = $2, snapshot_version = $3, queue = $4, status = $5,
			assigned_to = $6, assigned_at = $7, completed_by = $8, completed_at = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		w.ID, w.SnapshotID, w.SnapshotVersion, w.Queue, w.Status,
		w.AssignedTo, w.AssignedAt, w.CompletedBy, w.CompletedAt,
	).Scan(&w.UpdatedAt)
	return notFound(err)
}

func (r *repoPG) ListItems(ctx context.Context, f ItemFilter, limit, offset int) ([]*WorkQueueItem, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Queue != "" {
		add("queue = $%d", f.Queue)
	}
	if f.Component != "" {
		add("component = $%d", f.Component)
	}
	if f.ServiceLine != "" {
		add("service_line = $%d", f.ServiceLine)
	}
	if f.AssignedTo != "" {
		add("assigned_to = $%d", f.AssignedTo)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM work_queue_item WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT `+itemCols+` FROM work_queue_item WHERE %s
		ORDER BY priority DESC, created_at LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectItems(rows)
	return items, total, err
}

func (r *repoPG) ListItemsByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*WorkQueueItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM work_queue_item WHERE encounter_id = $1 ORDER BY created_at, component`, encounterID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}
