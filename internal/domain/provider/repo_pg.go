package provider

import (
	"context"
	"errors"

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

const provCols = `id, identifier, family_name, given_name, specialty, employment_type,
	is_active, created_at, updated_at, updated_by`

func (r *repoPG) GetByIdentifier(ctx context.Context, identifier string) (*Provider, error) {
	p, err := scanProvider(r.conn(ctx).QueryRow(ctx, `SELECT `+provCols+` FROM provider WHERE identifier = $1`, identifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *repoPG) Observe(ctx context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO provider (id, identifier, family_name, given_name, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (identifier) DO UPDATE SET
			family_name = COALESCE(provider.family_name, EXCLUDED.family_name),
			given_name = COALESCE(provider.given_name, EXCLUDED.given_name)`,
		p.ID, p.Identifier, p.FamilyName, p.GivenName,
	)
	return err
}

func (r *repoPG) Upsert(ctx context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO provider (id, identifier, family_name, given_name, specialty, employment_type, is_active, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (identifier) DO UPDATE SET
			family_name = COALESCE(EXCLUDED.family_name, provider.family_name),
			given_name = COALESCE(EXCLUDED.given_name, provider.given_name),
			specialty = COALESCE(EXCLUDED.specialty, provider.specialty),
			employment_type = EXCLUDED.employment_type,
			is_active = EXCLUDED.is_active,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		p.ID, p.Identifier, p.FamilyName, p.GivenName, p.Specialty, p.EmploymentType, p.Active, p.UpdatedBy,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) List(ctx context.Context, unconfiguredOnly bool, limit, offset int) ([]*Provider, int, error) {
	where := ""
	if unconfiguredOnly {
		where = ` WHERE employment_type IS NULL`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM provider`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+provCols+` FROM provider`+where+` ORDER BY identifier LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Identifier, &p.FamilyName, &p.GivenName, &p.Specialty, &p.EmploymentType,
		&p.Active, &p.CreatedAt, &p.UpdatedAt, &p.UpdatedBy)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
