package tenantcfg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("configuration not found")
	ErrInvalidRule = errors.New("invalid service line rule")
)

// DefaultEncounterTimeoutHours applies when a tenant sets no timeout.
const DefaultEncounterTimeoutHours = 72

// Unassigned is the service line used when no rule matches.
const Unassigned = "unassigned"

// Rule types. Section rules match hospital service and diagnostic service
// section codes, range rules match procedure codes, and the default rule
// matches everything.
const (
	RuleDiagnosticSection = "diagnostic_section"
	RuleDepartment        = "department"
	RuleProcedureRange    = "procedure_range"
	RuleDefault           = "default"
)

// CodingConfig holds one tenant's packet routing flags.
type CodingConfig struct {
	AlwaysCreateFacility          bool      `db:"always_create_facility" json:"always_create_facility"`
	AlwaysCreateProfessional      bool      `db:"always_create_professional" json:"always_create_professional"`
	ProfessionalComponentServices []string  `db:"professional_component_services" json:"professional_component_services"`
	FacilityExcludedClasses       []string  `db:"facility_excluded_classes" json:"facility_excluded_classes"`
	EncounterTimeoutHours         int       `db:"encounter_timeout_hours" json:"encounter_timeout_hours"`
	UpdatedAt                     time.Time `db:"updated_at" json:"updated_at"`
	UpdatedBy                     string    `db:"updated_by" json:"updated_by,omitempty"`
}

// DefaultConfig is what a tenant without a stored configuration gets.
func DefaultConfig() CodingConfig {
	return CodingConfig{
		AlwaysCreateFacility:          true,
		AlwaysCreateProfessional:      false,
		ProfessionalComponentServices: []string{"radiology", "pathology", "cardiology", "surgery"},
		EncounterTimeoutHours:         DefaultEncounterTimeoutHours,
	}
}

// Validate checks the configuration for values that cannot be honoured.
func (c *CodingConfig) Validate() error {
	if c.EncounterTimeoutHours < 0 {
		return fmt.Errorf("encounter_timeout_hours must not be negative")
	}
	for _, s := range c.ProfessionalComponentServices {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("professional_component_services must not contain blank entries")
		}
	}
	return nil
}

// Timeout returns the inactivity threshold as a duration.
func (c *CodingConfig) Timeout() time.Duration {
	h := c.EncounterTimeoutHours
	if h <= 0 {
		h = DefaultEncounterTimeoutHours
	}
	return time.Duration(h) * time.Hour
}

// ExcludesFacility reports whether facility items are disabled for an
// encounter class.
func (c *CodingConfig) ExcludesFacility(class string) bool {
	for _, x := range c.FacilityExcludedClasses {
		if strings.EqualFold(x, class) {
			return true
		}
	}
	return false
}

// IsProfessionalService reports whether a service line is one that always
// carries a professional component. Matching is a case-insensitive
// substring test so "Interventional Radiology" matches "radiology".
func (c *CodingConfig) IsProfessionalService(serviceLine string) bool {
	if serviceLine == "" || serviceLine == Unassigned {
		return false
	}
	sl := strings.ToLower(serviceLine)
	for _, svc := range c.ProfessionalComponentServices {
		if svc != "" && strings.Contains(sl, strings.ToLower(svc)) {
			return true
		}
	}
	return false
}

// ServiceLineRule maps a pattern to a service line. Lower Priority values
// are evaluated first.
type ServiceLineRule struct {
	ID          uuid.UUID `db:"id" json:"id"`
	RuleType    string    `db:"rule_type" json:"rule_type"`
	Pattern     string    `db:"match_pattern" json:"match_pattern"`
	ServiceLine string    `db:"service_line" json:"service_line"`
	Priority    int       `db:"priority" json:"priority"`
	Active      bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Validate checks the rule type, the service line and, for procedure
// ranges, the range syntax.
func (r *ServiceLineRule) Validate() error {
	if strings.TrimSpace(r.ServiceLine) == "" {
		return fmt.Errorf("%w: service_line is required", ErrInvalidRule)
	}
	switch r.RuleType {
	case RuleDiagnosticSection, RuleDepartment:
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("%w: match_pattern is required", ErrInvalidRule)
		}
	case RuleProcedureRange:
		if _, _, ok := splitRange(r.Pattern); !ok {
			return fmt.Errorf("%w: procedure range %q must look like LOW-HIGH", ErrInvalidRule, r.Pattern)
		}
	case RuleDefault:
		if r.Pattern == "" {
			r.Pattern = "*"
		}
	default:
		return fmt.Errorf("%w: unknown rule_type %q", ErrInvalidRule, r.RuleType)
	}
	return nil
}

// Settings is the effective configuration for one tenant: stored flags
// merged over defaults plus the active rules in evaluation order.
type Settings struct {
	Config CodingConfig      `json:"config"`
	Rules  []ServiceLineRule `json:"service_line_rules"`
}
