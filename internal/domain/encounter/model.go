package encounter

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("encounter not found")

// Lifecycle statuses. Transitions between them are owned by the readiness
// state machine; the correlator only ever creates encounters as open.
const (
	StatusOpen        = "open"
	StatusDischarged  = "discharged"
	StatusReadyToCode = "ready_to_code"
	StatusCoded       = "coded"
	StatusStale       = "stale"
	StatusCancelled   = "cancelled"
)

// IsTerminal reports whether no further transition can leave status.
func IsTerminal(status string) bool {
	return status == StatusCoded || status == StatusCancelled
}

// Encounter classes derived from PV1-2.
const (
	ClassInpatient   = "inpatient"
	ClassOutpatient  = "outpatient"
	ClassEmergency   = "emergency"
	ClassObservation = "observation"
	ClassPreadmit    = "preadmit"
	ClassRecurring   = "recurring"
)

// MapClass converts a PV1-2 patient class code. Unknown codes are kept
// verbatim so nothing the source sent is lost.
func MapClass(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "":
		return ""
	case "I":
		return ClassInpatient
	case "O":
		return ClassOutpatient
	case "E":
		return ClassEmergency
	case "B", "OBS":
		return ClassObservation
	case "P":
		return ClassPreadmit
	case "R":
		return ClassRecurring
	}
	return strings.TrimSpace(code)
}

// Procedure code systems expected by coders for a class.
const (
	ProcedureSystemPCS = "ICD-10-PCS"
	ProcedureSystemCPT = "CPT/HCPCS"
)

// Billing components for charges and work items.
const (
	ComponentFacility     = "facility"
	ComponentProfessional = "professional"
	ComponentBoth         = "both"
)

// Patient is keyed by MRN within a tenant.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	MRN         string     `db:"mrn" json:"mrn"`
	FamilyName  *string    `db:"family_name" json:"family_name,omitempty"`
	GivenName   *string    `db:"given_name" json:"given_name,omitempty"`
	BirthDate   *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Sex         *string    `db:"sex" json:"sex,omitempty"`
	AddressLine *string    `db:"address_line" json:"address_line,omitempty"`
	City        *string    `db:"city" json:"city,omitempty"`
	State       *string    `db:"state" json:"state,omitempty"`
	PostalCode  *string    `db:"postal_code" json:"postal_code,omitempty"`
	Phone       *string    `db:"phone" json:"phone,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Encounter is the correlation root, keyed by visit number within a tenant.
type Encounter struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	VisitID              string     `db:"visit_id" json:"visit_id"`
	PatientID            uuid.UUID  `db:"patient_id" json:"patient_id"`
	Class                string     `db:"encounter_class" json:"encounter_class,omitempty"`
	Location             *string    `db:"location" json:"location,omitempty"`
	AttendingProviderID  *string    `db:"attending_provider_id" json:"attending_provider_id,omitempty"`
	AdmittingProviderID  *string    `db:"admitting_provider_id" json:"admitting_provider_id,omitempty"`
	HospitalService      *string    `db:"hospital_service" json:"hospital_service,omitempty"`
	FinancialClass       *string    `db:"financial_class" json:"financial_class,omitempty"`
	PayerID              *string    `db:"payer_id" json:"payer_id,omitempty"`
	PlanID               *string    `db:"plan_id" json:"plan_id,omitempty"`
	ServiceLine          *string    `db:"service_line" json:"service_line,omitempty"`
	AdmitAt              *time.Time `db:"admit_at" json:"admit_at,omitempty"`
	DischargeAt          *time.Time `db:"discharge_at" json:"discharge_at,omitempty"`
	AdmitReason          *string    `db:"admit_reason" json:"admit_reason,omitempty"`
	AdmittingDiagnosis   *string    `db:"admitting_diagnosis" json:"admitting_diagnosis,omitempty"`
	DischargeDisposition *string    `db:"discharge_disposition" json:"discharge_disposition,omitempty"`
	Status               string     `db:"status" json:"status"`
	ReadinessReason      *string    `db:"readiness_reason" json:"readiness_reason,omitempty"`
	RequiresDRG          bool       `db:"requires_drg" json:"requires_drg"`
	ProcedureCodeSystem  string     `db:"procedure_code_system" json:"procedure_code_system,omitempty"`
	NeedsReview          bool       `db:"needs_review" json:"needs_review"`
	ReviewReason         *string    `db:"review_reason" json:"review_reason,omitempty"`
	LastActivityAt       time.Time  `db:"last_activity_at" json:"last_activity_at"`
	LateDataAt           *time.Time `db:"late_data_at" json:"late_data_at,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// ApplyClass sets the class and recomputes the coding requirement flags
// that depend on it.
func (e *Encounter) ApplyClass(class string) {
	e.Class = class
	if class == ClassInpatient {
		e.RequiresDRG = true
		e.ProcedureCodeSystem = ProcedureSystemPCS
		return
	}
	e.RequiresDRG = false
	if class == "" {
		e.ProcedureCodeSystem = ""
		return
	}
	e.ProcedureCodeSystem = ProcedureSystemCPT
}

// FlagReview sets needs_review, keeping the first reason recorded.
func (e *Encounter) FlagReview(reason string) {
	if e.NeedsReview && e.ReviewReason != nil {
		return
	}
	e.NeedsReview = true
	e.ReviewReason = &reason
}

// PastReadiness reports whether coding has already been handed off, so new
// line items count as late data.
func (e *Encounter) PastReadiness() bool {
	return e.Status == StatusReadyToCode || e.Status == StatusCoded
}

// StatusHistory is one recorded lifecycle transition.
type StatusHistory struct {
	ID          uuid.UUID `db:"id" json:"id"`
	EncounterID uuid.UUID `db:"encounter_id" json:"encounter_id"`
	FromStatus  string    `db:"from_status" json:"from_status"`
	ToStatus    string    `db:"to_status" json:"to_status"`
	Reason      string    `db:"reason" json:"reason"`
	Actor       string    `db:"actor" json:"actor"`
	ChangedAt   time.Time `db:"changed_at" json:"changed_at"`
}

// Diagnosis is one DG1 entry. Unique per encounter on (code, type).
type Diagnosis struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	EncounterID   uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	RawMessageID  *uuid.UUID `db:"raw_message_id" json:"raw_message_id,omitempty"`
	SetID         *int       `db:"set_id" json:"set_id,omitempty"`
	Code          string     `db:"code" json:"code"`
	Description   *string    `db:"description" json:"description,omitempty"`
	CodingSystem  *string    `db:"coding_system" json:"coding_system,omitempty"`
	DiagnosisType string     `db:"diagnosis_type" json:"diagnosis_type"`
	DiagnosedAt   *time.Time `db:"diagnosed_at" json:"diagnosed_at,omitempty"`
	Late          bool       `db:"late" json:"late"`
	Warnings      []string   `db:"warnings" json:"warnings,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Procedure is one PR1 entry. Unique per encounter on (code, performed at).
type Procedure struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	EncounterID    uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	RawMessageID   *uuid.UUID `db:"raw_message_id" json:"raw_message_id,omitempty"`
	Code           string     `db:"code" json:"code"`
	Description    *string    `db:"description" json:"description,omitempty"`
	CodingSystem   *string    `db:"coding_system" json:"coding_system,omitempty"`
	PerformedAt    *time.Time `db:"performed_at" json:"performed_at,omitempty"`
	SurgeonID      *string    `db:"surgeon_id" json:"surgeon_id,omitempty"`
	PractitionerID *string    `db:"practitioner_id" json:"practitioner_id,omitempty"`
	Late           bool       `db:"late" json:"late"`
	Warnings       []string   `db:"warnings" json:"warnings,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Order is an ORC/OBR pair. It is the only line item that changes after
// creation, when a matching result arrives.
type Order struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	EncounterID        uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	RawMessageID       *uuid.UUID `db:"raw_message_id" json:"raw_message_id,omitempty"`
	OrderControl       *string    `db:"order_control" json:"order_control,omitempty"`
	PlacerID           *string    `db:"placer_id" json:"placer_id,omitempty"`
	FillerID           *string    `db:"filler_id" json:"filler_id,omitempty"`
	OrderStatus        *string    `db:"order_status" json:"order_status,omitempty"`
	OrderedAt          *time.Time `db:"ordered_at" json:"ordered_at,omitempty"`
	OrderingProviderID *string    `db:"ordering_provider_id" json:"ordering_provider_id,omitempty"`
	ServiceCode        *string    `db:"service_code" json:"service_code,omitempty"`
	ServiceText        *string    `db:"service_text" json:"service_text,omitempty"`
	DiagnosticSection  *string    `db:"diagnostic_section" json:"diagnostic_section,omitempty"`
	ResultStatus       *string    `db:"result_status" json:"result_status,omitempty"`
	InterpreterID      *string    `db:"interpreter_id" json:"interpreter_id,omitempty"`
	ResultLinked       bool       `db:"result_linked" json:"result_linked"`
	Interpretation     *string    `db:"interpretation" json:"interpretation,omitempty"`
	ResultAt           *time.Time `db:"result_at" json:"result_at,omitempty"`
	Late               bool       `db:"late" json:"late"`
	Warnings           []string   `db:"warnings" json:"warnings,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Observation is one OBX result value.
type Observation struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	EncounterID    uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	RawMessageID   *uuid.UUID `db:"raw_message_id" json:"raw_message_id,omitempty"`
	OrderID        *uuid.UUID `db:"order_id" json:"order_id,omitempty"`
	PlacerID       *string    `db:"placer_id" json:"placer_id,omitempty"`
	FillerID       *string    `db:"filler_id" json:"filler_id,omitempty"`
	SetID          *int       `db:"set_id" json:"set_id,omitempty"`
	ValueType      *string    `db:"value_type" json:"value_type,omitempty"`
	Code           string     `db:"code" json:"code"`
	Text           *string    `db:"text" json:"text,omitempty"`
	Value          *string    `db:"value" json:"value,omitempty"`
	Units          *string    `db:"units" json:"units,omitempty"`
	ReferenceRange *string    `db:"reference_range" json:"reference_range,omitempty"`
	AbnormalFlag   *string    `db:"abnormal_flag" json:"abnormal_flag,omitempty"`
	ResultStatus   *string    `db:"result_status" json:"result_status,omitempty"`
	ObservedAt     *time.Time `db:"observed_at" json:"observed_at,omitempty"`
	PerformerID    *string    `db:"performer_id" json:"performer_id,omitempty"`
	Late           bool       `db:"late" json:"late"`
	Warnings       []string   `db:"warnings" json:"warnings,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Document is a TXA entry with its text body.
type Document struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	EncounterID  uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	RawMessageID *uuid.UUID `db:"raw_message_id" json:"raw_message_id,omitempty"`
	DocumentType *string    `db:"document_type" json:"document_type,omitempty"`
	Status       *string    `db:"document_status" json:"document_status,omitempty"`
	UniqueID     *string    `db:"unique_id" json:"unique_id,omitempty"`
	OriginatedAt *time.Time `db:"originated_at" json:"originated_at,omitempty"`
	AuthorID     *string    `db:"author_id" json:"author_id,omitempty"`
	Content      *string    `db:"content" json:"content,omitempty"`
	Late         bool       `db:"late" json:"late"`
	Warnings     []string   `db:"warnings" json:"warnings,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Charge is one FT1 financial entry with its billing component.
type Charge struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	EncounterID        uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	RawMessageID       *uuid.UUID `db:"raw_message_id" json:"raw_message_id,omitempty"`
	TransactionID      *string    `db:"transaction_id" json:"transaction_id,omitempty"`
	TransactionAt      *time.Time `db:"transaction_at" json:"transaction_at,omitempty"`
	TransactionType    *string    `db:"transaction_type" json:"transaction_type,omitempty"`
	ChargeCode         string     `db:"charge_code" json:"charge_code"`
	ChargeText         *string    `db:"charge_text" json:"charge_text,omitempty"`
	RevenueCode        *string    `db:"revenue_code" json:"revenue_code,omitempty"`
	Quantity           *float64   `db:"quantity" json:"quantity,omitempty"`
	Amount             *float64   `db:"amount" json:"amount,omitempty"`
	PerformerID        *string    `db:"performer_id" json:"performer_id,omitempty"`
	OrderingProviderID *string    `db:"ordering_provider_id" json:"ordering_provider_id,omitempty"`
	ProcedureCode      *string    `db:"procedure_code" json:"procedure_code,omitempty"`
	Modifiers          []string   `db:"modifiers" json:"modifiers,omitempty"`
	Component          string     `db:"component" json:"component"`
	NeedsReview        bool       `db:"needs_review" json:"needs_review"`
	Late               bool       `db:"late" json:"late"`
	Warnings           []string   `db:"warnings" json:"warnings,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// Record is an encounter with its patient and every line item, read as of
// one instant.
type Record struct {
	Patient      *Patient       `json:"patient"`
	Encounter    *Encounter     `json:"encounter"`
	Diagnoses    []*Diagnosis   `json:"diagnoses"`
	Procedures   []*Procedure   `json:"procedures"`
	Orders       []*Order       `json:"orders"`
	Observations []*Observation `json:"observations"`
	Documents    []*Document    `json:"documents"`
	Charges      []*Charge      `json:"charges"`
}

// Filter narrows encounter listings.
type Filter struct {
	Status      string
	NeedsReview *bool
	LateData    *bool
	ServiceLine string
	PatientMRN  string
}

func strPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
