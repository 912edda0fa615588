package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("provider not found")

// Employment types. They decide whether the hospital bills the
// professional component for a provider's work.
const (
	EmploymentEmployed       = "hospital_employed"
	EmploymentContractor     = "independent_contractor"
	EmploymentPrivilegesOnly = "hospital_privileges_only"
	EmploymentLocumTenens    = "locum_tenens"
)

var validEmploymentTypes = map[string]bool{
	EmploymentEmployed:       true,
	EmploymentContractor:     true,
	EmploymentPrivilegesOnly: true,
	EmploymentLocumTenens:    true,
}

// Provider is a practitioner referenced by inbound messages. Identifier is
// the id the source system sends (usually an NPI).
type Provider struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Identifier     string    `db:"identifier" json:"identifier"`
	FamilyName     *string   `db:"family_name" json:"family_name,omitempty"`
	GivenName      *string   `db:"given_name" json:"given_name,omitempty"`
	Specialty      *string   `db:"specialty" json:"specialty,omitempty"`
	EmploymentType *string   `db:"employment_type" json:"employment_type,omitempty"`
	Active         bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
	UpdatedBy      *string   `db:"updated_by" json:"updated_by,omitempty"`
}

// Configured reports whether an administrator has set the employment type.
func (p *Provider) Configured() bool {
	return p.EmploymentType != nil && *p.EmploymentType != ""
}

// Employed reports a confirmed hospital billing relationship.
func (p *Provider) Employed() bool {
	if !p.Active || !p.Configured() {
		return false
	}
	return *p.EmploymentType == EmploymentEmployed || *p.EmploymentType == EmploymentLocumTenens
}

// CreatesProfessionalWork reports whether work by this provider produces a
// professional coding item. Unconfigured providers default to yes so no
// billable work is silently dropped.
func (p *Provider) CreatesProfessionalWork() bool {
	if !p.Configured() {
		return true
	}
	return *p.EmploymentType == EmploymentEmployed || *p.EmploymentType == EmploymentLocumTenens
}

// ValidateEmploymentType rejects unknown employment types.
func ValidateEmploymentType(t string) error {
	if !validEmploymentTypes[t] {
		return fmt.Errorf("invalid employment_type: %s", t)
	}
	return nil
}
