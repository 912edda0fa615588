package encounter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// -- Patients --

const patientCols = `id, mrn, family_name, given_name, birth_date, sex, address_line, city, state,
	postal_code, phone, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FamilyName, &p.GivenName, &p.BirthDate, &p.Sex,
		&p.AddressLine, &p.City, &p.State, &p.PostalCode, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *repoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *repoPG) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE mrn = $1`, mrn))
}

func (r *repoPG) CreatePatient(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, mrn, family_name, given_name, birth_date, sex, address_line, city,
			state, postal_code, phone)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		p.ID, p.MRN, p.FamilyName, p.GivenName, p.BirthDate, p.Sex, p.AddressLine, p.City,
		p.State, p.PostalCode, p.Phone,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) UpdatePatient(ctx context.Context, p *Patient) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET family_name=$2, given_name=$3, birth_date=$4, sex=$5, address_line=$6,
			city=$7, state=$8, postal_code=$9, phone=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FamilyName, p.GivenName, p.BirthDate, p.Sex, p.AddressLine,
		p.City, p.State, p.PostalCode, p.Phone,
	).Scan(&p.UpdatedAt)
}

// -- Encounters --

const encCols = `id, visit_id, patient_id, encounter_class, location, attending_provider_id,
	admitting_provider_id, hospital_service, financial_class, payer_id, plan_id, service_line,
	admit_at, discharge_at, admit_reason, admitting_diagnosis, discharge_disposition,
	status, readiness_reason, requires_drg, procedure_code_system, needs_review, review_reason,
	last_activity_at, late_data_at, created_at, updated_at`

func scanEnc(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.VisitID, &e.PatientID, &e.Class, &e.Location, &e.AttendingProviderID,
		&e.AdmittingProviderID, &e.HospitalService, &e.FinancialClass, &e.PayerID, &e.PlanID, &e.ServiceLine,
		&e.AdmitAt, &e.DischargeAt, &e.AdmitReason, &e.AdmittingDiagnosis, &e.DischargeDisposition,
		&e.Status, &e.ReadinessReason, &e.RequiresDRG, &e.ProcedureCodeSystem, &e.NeedsReview, &e.ReviewReason,
		&e.LastActivityAt, &e.LateDataAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func collectEncs(rows pgx.Rows) ([]*Encounter, error) {
	defer rows.Close()
	var out []*Encounter
	for rows.Next() {
		e, err := scanEnc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, e *Encounter) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (
			id, visit_id, patient_id, encounter_class, location, attending_provider_id,
			admitting_provider_id, hospital_service, financial_class, payer_id, plan_id, service_line,
			admit_at, discharge_at, admit_reason, admitting_diagnosis, discharge_disposition,
			status, readiness_reason, requires_drg, procedure_code_system, needs_review, review_reason,
			last_activity_at, late_data_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,
			$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
		)
		RETURNING created_at, updated_at`,
		e.ID, e.VisitID, e.PatientID, e.Class, e.Location, e.AttendingProviderID,
		e.AdmittingProviderID, e.HospitalService, e.FinancialClass, e.PayerID, e.PlanID, e.ServiceLine,
		e.AdmitAt, e.DischargeAt, e.AdmitReason, e.AdmittingDiagnosis, e.DischargeDisposition,
		e.Status, e.ReadinessReason, e.RequiresDRG, e.ProcedureCodeSystem, e.NeedsReview, e.ReviewReason,
		e.LastActivityAt, e.LateDataAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1`, id))
}

func (r *repoPG) GetByVisit(ctx context.Context, visitID string) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE visit_id = $1`, visitID))
}

func (r *repoPG) Update(ctx context.Context, e *Encounter) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter SET
			encounter_class=$2, location=$3, attending_provider_id=$4, admitting_provider_id=$5,
			hospital_service=$6, financial_class=$7, payer_id=$8, plan_id=$9, service_line=$10,
			admit_at=$11, discharge_at=$12, admit_reason=$13, admitting_diagnosis=$14,
			discharge_disposition=$15, status=$16, readiness_reason=$17, requires_drg=$18,
			procedure_code_system=$19, needs_review=$20, review_reason=$21,
			last_activity_at=$22, late_data_at=$23, patient_id=$24, updated_at=NOW()
		WHERE id = $1`,
		e.ID, e.Class, e.Location, e.AttendingProviderID, e.AdmittingProviderID,
		e.HospitalService, e.FinancialClass, e.PayerID, e.PlanID, e.ServiceLine,
		e.AdmitAt, e.DischargeAt, e.AdmitReason, e.AdmittingDiagnosis,
		e.DischargeDisposition, e.Status, e.ReadinessReason, e.RequiresDRG,
		e.ProcedureCodeSystem, e.NeedsReview, e.ReviewReason,
		e.LastActivityAt, e.LateDataAt, e.PatientID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Encounter, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("e.status = $%d", f.Status)
	}
	if f.NeedsReview != nil {
		add("e.needs_review = $%d", *f.NeedsReview)
	}
	if f.LateData != nil {
		if *f.LateData {
			where = append(where, "e.late_data_at IS NOT NULL")
		} else {
			where = append(where, "e.late_data_at IS NULL")
		}
	}
	if f.ServiceLine != "" {
		add("e.service_line = $%d", f.ServiceLine)
	}
	if f.PatientMRN != "" {
		add("e.patient_id = (SELECT id FROM patient WHERE mrn = $%d)", f.PatientMRN)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM encounter e WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT `+prefixed("e.", encCols)+` FROM encounter e WHERE %s
		ORDER BY e.last_activity_at DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	encs, err := collectEncs(rows)
	return encs, total, err
}

// prefixed qualifies every column in a column list with p.
func prefixed(p, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func (r *repoPG) ListStaleCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Encounter, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+encCols+` FROM encounter
		WHERE status IN ('open', 'discharged') AND last_activity_at < $1
		ORDER BY last_activity_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectEncs(rows)
}

func (r *repoPG) ListWithUnlinkedResults(ctx context.Context, limit int) ([]*Encounter, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prefixed("e.", encCols)+` FROM encounter e
		WHERE EXISTS (SELECT 1 FROM observation o WHERE o.encounter_id = e.id AND o.order_id IS NULL
			AND (o.filler_id IS NOT NULL OR o.placer_id IS NOT NULL))
		ORDER BY e.last_activity_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectEncs(rows)
}

// -- Status history --

func (r *repoPG) AddStatusHistory(ctx context.Context, sh *StatusHistory) error {
	sh.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter_status_history (id, encounter_id, from_status, to_status, reason, actor)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING changed_at`,
		sh.ID, sh.EncounterID, sh.FromStatus, sh.ToStatus, sh.Reason, sh.Actor,
	).Scan(&sh.ChangedAt)
}

func (r *repoPG) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, encounter_id, from_status, to_status, reason, actor, changed_at
		FROM encounter_status_history WHERE encounter_id = $1 ORDER BY changed_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StatusHistory
	for rows.Next() {
		var sh StatusHistory
		if err := rows.Scan(&sh.ID, &sh.EncounterID, &sh.FromStatus, &sh.ToStatus, &sh.Reason, &sh.Actor, &sh.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, &sh)
	}
	return out, rows.Err()
}

// -- Line items --

// AddDiagnosis relies on the unique index (encounter_id, code, diagnosis_type).
func (r *repoPG) AddDiagnosis(ctx context.Context, d *Diagnosis) (bool, error) {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO diagnosis (id, encounter_id, raw_message_id, set_id, code, description,
			coding_system, diagnosis_type, diagnosed_at, late, warnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT DO NOTHING
		RETURNING created_at`,
		d.ID, d.EncounterID, d.RawMessageID, d.SetID, d.Code, d.Description,
		d.CodingSystem, d.DiagnosisType, d.DiagnosedAt, d.Late, nonNil(d.Warnings),
	).Scan(&d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// AddProcedure relies on the unique index over (encounter_id, code,
// performed_at) with a null performed_at treated as one value.
func (r *repoPG) AddProcedure(ctx context.Context, p *Procedure) (bool, error) {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO procedure_item (id, encounter_id, raw_message_id, code, description, coding_system,
			performed_at, surgeon_id, practitioner_id, late, warnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT DO NOTHING
		RETURNING created_at`,
		p.ID, p.EncounterID, p.RawMessageID, p.Code, p.Description, p.CodingSystem,
		p.PerformedAt, p.SurgeonID, p.PractitionerID, p.Late, nonNil(p.Warnings),
	).Scan(&p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

const orderCols = `id, encounter_id, raw_message_id, order_control, placer_id, filler_id, order_status,
	ordered_at, ordering_provider_id, service_code, service_text, diagnostic_section, result_status,
	interpreter_id, result_linked, interpretation, result_at, late, warnings, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.EncounterID, &o.RawMessageID, &o.OrderControl, &o.PlacerID, &o.FillerID, &o.OrderStatus,
		&o.OrderedAt, &o.OrderingProviderID, &o.ServiceCode, &o.ServiceText, &o.DiagnosticSection, &o.ResultStatus,
		&o.InterpreterID, &o.ResultLinked, &o.Interpretation, &o.ResultAt, &o.Late, &o.Warnings, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *repoPG) AddOrder(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_order (id, encounter_id, raw_message_id, order_control, placer_id, filler_id,
			order_status, ordered_at, ordering_provider_id, service_code, service_text, diagnostic_section,
			result_status, interpreter_id, result_linked, interpretation, result_at, late, warnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING created_at, updated_at`,
		o.ID, o.EncounterID, o.RawMessageID, o.OrderControl, o.PlacerID, o.FillerID,
		o.OrderStatus, o.OrderedAt, o.OrderingProviderID, o.ServiceCode, o.ServiceText, o.DiagnosticSection,
		o.ResultStatus, o.InterpreterID, o.ResultLinked, o.Interpretation, o.ResultAt, o.Late, nonNil(o.Warnings),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *repoPG) UpdateOrder(ctx context.Context, o *Order) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_order SET order_status=$2, result_status=$3, interpreter_id=$4,
			result_linked=$5, interpretation=$6, result_at=$7, diagnostic_section=$8,
			warnings=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		o.ID, o.OrderStatus, o.ResultStatus, o.InterpreterID,
		o.ResultLinked, o.Interpretation, o.ResultAt, o.DiagnosticSection,
		nonNil(o.Warnings),
	).Scan(&o.UpdatedAt)
}

// FindOrder matches by filler id first and placer id second.
func (r *repoPG) FindOrder(ctx context.Context, encounterID uuid.UUID, fillerID, placerID string) (*Order, error) {
	if fillerID != "" {
		o, err := scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM clinical_order
			WHERE encounter_id = $1 AND filler_id = $2 ORDER BY created_at LIMIT 1`, encounterID, fillerID))
		if !errors.Is(err, ErrNotFound) {
			return o, err
		}
	}
	if placerID != "" {
		return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM clinical_order
			WHERE encounter_id = $1 AND placer_id = $2 ORDER BY created_at LIMIT 1`, encounterID, placerID))
	}
	return nil, ErrNotFound
}

const obsCols = `id, encounter_id, raw_message_id, order_id, placer_id, filler_id, set_id, value_type,
	code, text, value, units, reference_range, abnormal_flag, result_status, observed_at,
	performer_id, late, warnings, created_at`

func scanObs(row pgx.Row) (*Observation, error) {
	var o Observation
	err := row.Scan(&o.ID, &o.EncounterID, &o.RawMessageID, &o.OrderID, &o.PlacerID, &o.FillerID, &o.SetID, &o.ValueType,
		&o.Code, &o.Text, &o.Value, &o.Units, &o.ReferenceRange, &o.AbnormalFlag, &o.ResultStatus, &o.ObservedAt,
		&o.PerformerID, &o.Late, &o.Warnings, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *repoPG) AddObservation(ctx context.Context, o *Observation) error {
	o.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO observation (id, encounter_id, raw_message_id, order_id, placer_id, filler_id, set_id,
			value_type, code, text, value, units, reference_range, abnormal_flag, result_status,
			observed_at, performer_id, late, warnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING created_at`,
		o.ID, o.EncounterID, o.RawMessageID, o.OrderID, o.PlacerID, o.FillerID, o.SetID,
		o.ValueType, o.Code, o.Text, o.Value, o.Units, o.ReferenceRange, o.AbnormalFlag, o.ResultStatus,
		o.ObservedAt, o.PerformerID, o.Late, nonNil(o.Warnings),
	).Scan(&o.CreatedAt)
}

func (r *repoPG) LinkObservation(ctx context.Context, observationID, orderID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE observation SET order_id = $2 WHERE id = $1 AND order_id IS NULL`,
		observationID, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListUnlinkedObservations(ctx context.Context, encounterID uuid.UUID) ([]*Observation, error) {
	return r.queryObs(ctx, `SELECT `+obsCols+` FROM observation
		WHERE encounter_id = $1 AND order_id IS NULL ORDER BY created_at, id`, encounterID)
}

func (r *repoPG) queryObs(ctx context.Context, sql string, args ...interface{}) ([]*Observation, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Observation
	for rows.Next() {
		o, err := scanObs(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *repoPG) AddDocument(ctx context.Context, d *Document) error {
	d.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO document (id, encounter_id, raw_message_id, document_type, document_status,
			unique_id, originated_at, author_id, content, late, warnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at`,
		d.ID, d.EncounterID, d.RawMessageID, d.DocumentType, d.Status,
		d.UniqueID, d.OriginatedAt, d.AuthorID, d.Content, d.Late, nonNil(d.Warnings),
	).Scan(&d.CreatedAt)
}

func (r *repoPG) AddCharge(ctx context.Context, c *Charge) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO charge (id, encounter_id, raw_message_id, transaction_id, transaction_at,
			transaction_type, charge_code, charge_text, revenue_code, quantity, amount, performer_id,
			ordering_provider_id, procedure_code, modifiers, component, needs_review, late, warnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING created_at`,
		c.ID, c.EncounterID, c.RawMessageID, c.TransactionID, c.TransactionAt,
		c.TransactionType, c.ChargeCode, c.ChargeText, c.RevenueCode, c.Quantity, c.Amount, c.PerformerID,
		c.OrderingProviderID, c.ProcedureCode, nonNil(c.Modifiers), c.Component, c.NeedsReview, c.Late,
		nonNil(c.Warnings),
	).Scan(&c.CreatedAt)
}

// -- Aggregate --

func (r *repoPG) LoadRecord(ctx context.Context, encounterID uuid.UUID) (*Record, error) {
	enc, err := r.GetByID(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	pat, err := r.GetPatient(ctx, enc.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	rec := &Record{Patient: pat, Encounter: enc}
	q := r.conn(ctx)

	rows, err := q.Query(ctx, `
		SELECT id, encounter_id, raw_message_id, set_id, code, description, coding_system,
			diagnosis_type, diagnosed_at, late, warnings, created_at
		FROM diagnosis WHERE encounter_id = $1 ORDER BY created_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	rec.Diagnoses, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Diagnosis, error) {
		var d Diagnosis
		err := row.Scan(&d.ID, &d.EncounterID, &d.RawMessageID, &d.SetID, &d.Code, &d.Description, &d.CodingSystem,
			&d.DiagnosisType, &d.DiagnosedAt, &d.Late, &d.Warnings, &d.CreatedAt)
		return &d, err
	})
	if err != nil {
		return nil, fmt.Errorf("load diagnoses: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, encounter_id, raw_message_id, code, description, coding_system, performed_at,
			surgeon_id, practitioner_id, late, warnings, created_at
		FROM procedure_item WHERE encounter_id = $1 ORDER BY created_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	rec.Procedures, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Procedure, error) {
		var p Procedure
		err := row.Scan(&p.ID, &p.EncounterID, &p.RawMessageID, &p.Code, &p.Description, &p.CodingSystem, &p.PerformedAt,
			&p.SurgeonID, &p.PractitionerID, &p.Late, &p.Warnings, &p.CreatedAt)
		return &p, err
	})
	if err != nil {
		return nil, fmt.Errorf("load procedures: %w", err)
	}

	rows, err = q.Query(ctx, `SELECT `+orderCols+` FROM clinical_order WHERE encounter_id = $1 ORDER BY created_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	rec.Orders, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}

	rec.Observations, err = r.queryObs(ctx, `SELECT `+obsCols+` FROM observation WHERE encounter_id = $1 ORDER BY created_at, id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, encounter_id, raw_message_id, document_type, document_status, unique_id,
			originated_at, author_id, content, late, warnings, created_at
		FROM document WHERE encounter_id = $1 ORDER BY created_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	rec.Documents, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Document, error) {
		var d Document
		err := row.Scan(&d.ID, &d.EncounterID, &d.RawMessageID, &d.DocumentType, &d.Status, &d.UniqueID,
			&d.OriginatedAt, &d.AuthorID, &d.Content, &d.Late, &d.Warnings, &d.CreatedAt)
		return &d, err
	})
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, encounter_id, raw_message_id, transaction_id, transaction_at, transaction_type,
			charge_code, charge_text, revenue_code, quantity, amount, performer_id, ordering_provider_id,
			procedure_code, modifiers, component, needs_review, late, warnings, created_at
		FROM charge WHERE encounter_id = $1 ORDER BY created_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	rec.Charges, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Charge, error) {
		var c Charge
		err := row.Scan(&c.ID, &c.EncounterID, &c.RawMessageID, &c.TransactionID, &c.TransactionAt, &c.TransactionType,
			&c.ChargeCode, &c.ChargeText, &c.RevenueCode, &c.Quantity, &c.Amount, &c.PerformerID, &c.OrderingProviderID,
			&c.ProcedureCode, &c.Modifiers, &c.Component, &c.NeedsReview, &c.Late, &c.Warnings, &c.CreatedAt)
		return &c, err
	})
	if err != nil {
		return nil, fmt.Errorf("load charges: %w", err)
	}
	return rec, nil
}
