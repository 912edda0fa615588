package tenantcfg

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

func (r *repoPG) GetConfig(ctx context.Context) (*CodingConfig, error) {
	var c CodingConfig
	var updatedBy *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT always_create_facility, always_create_professional,
			professional_component_services, facility_excluded_classes,
			encounter_timeout_hours, updated_at, updated_by
		FROM coding_configuration WHERE id = 1`).Scan(
		&c.AlwaysCreateFacility, &c.AlwaysCreateProfessional,
		&c.ProfessionalComponentServices, &c.FacilityExcludedClasses,
		&c.EncounterTimeoutHours, &c.UpdatedAt, &updatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if updatedBy != nil {
		c.UpdatedBy = *updatedBy
	}
	return &c, nil
}

func (r *repoPG) SaveConfig(ctx context.Context, c *CodingConfig) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO coding_configuration (
			id, always_create_facility, always_create_professional,
			professional_component_services, facility_excluded_classes,
			encounter_timeout_hours, updated_by, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			always_create_facility = EXCLUDED.always_create_facility,
			always_create_professional = EXCLUDED.always_create_professional,
			professional_component_services = EXCLUDED.professional_component_services,
			facility_excluded_classes = EXCLUDED.facility_excluded_classes,
			encounter_timeout_hours = EXCLUDED.encounter_timeout_hours,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
		RETURNING updated_at`,
		c.AlwaysCreateFacility, c.AlwaysCreateProfessional,
		nonNil(c.ProfessionalComponentServices), nonNil(c.FacilityExcludedClasses),
		c.EncounterTimeoutHours, c.UpdatedBy,
	).Scan(&c.UpdatedAt)
}

func (r *repoPG) ListRules(ctx context.Context) ([]ServiceLineRule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, rule_type, match_pattern, service_line, priority, is_active, created_at
		FROM service_line_rule ORDER BY priority, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []ServiceLineRule
	for rows.Next() {
		var sr ServiceLineRule
		if err := rows.Scan(&sr.ID, &sr.RuleType, &sr.Pattern, &sr.ServiceLine, &sr.Priority, &sr.Active, &sr.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, sr)
	}
	return rules, rows.Err()
}

// ReplaceRules swaps the whole rule list. Callers run it inside a
// transaction so readers never observe a partial list.
func (r *repoPG) ReplaceRules(ctx context.Context, rules []ServiceLineRule) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM service_line_rule`); err != nil {
		return err
	}
	for i := range rules {
		if rules[i].ID == uuid.Nil {
			rules[i].ID = uuid.New()
		}
		sr := &rules[i]
		if err := q.QueryRow(ctx, `
			INSERT INTO service_line_rule (id, rule_type, match_pattern, service_line, priority, is_active)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
			sr.ID, sr.RuleType, sr.Pattern, sr.ServiceLine, sr.Priority, sr.Active,
		).Scan(&sr.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
