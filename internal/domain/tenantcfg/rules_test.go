package tenantcfg

import "testing"

func testRules() []ServiceLineRule {
	return []ServiceLineRule{
		{RuleType: RuleDefault, Pattern: "*", ServiceLine: "General Medicine", Priority: 1000, Active: true},
		{RuleType: RuleDiagnosticSection, Pattern: "RAD", ServiceLine: "Radiology", Priority: 10, Active: true},
		{RuleType: RuleDiagnosticSection, Pattern: "CT", ServiceLine: "Radiology", Priority: 20, Active: true},
		{RuleType: RuleDepartment, Pattern: "CAR", ServiceLine: "Cardiology", Priority: 30, Active: true},
		{RuleType: RuleProcedureRange, Pattern: "70010-79999", ServiceLine: "Radiology", Priority: 50, Active: true},
		{RuleType: RuleProcedureRange, Pattern: "10004-69990", ServiceLine: "Surgery", Priority: 60, Active: true},
		{RuleType: RuleDiagnosticSection, Pattern: "LAB", ServiceLine: "Pathology", Priority: 40, Active: false},
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		rules    []ServiceLineRule
		sections []string
		procs    []string
		want     string
	}{
		{"section match", testRules(), []string{"rad"}, nil, "Radiology"},
		{"department match", testRules(), []string{"CAR"}, []string{"33533"}, "Cardiology"},
		{"sections beat procedures", testRules(), []string{"CAR"}, []string{"71045"}, "Cardiology"},
		{"procedure range", testRules(), []string{"MED"}, []string{"71045"}, "Radiology"},
		{"surgery range", testRules(), nil, []string{"44970"}, "Surgery"},
		{"inactive rule skipped", testRules(), []string{"LAB"}, nil, "General Medicine"},
		{"default catch-all", testRules(), []string{"XYZ"}, []string{"99213"}, "General Medicine"},
		{"no rules", nil, []string{"RAD"}, []string{"71045"}, Unassigned},
		{"no default", testRules()[1:], []string{"XYZ"}, nil, Unassigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.rules, tt.sections, tt.procs); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_PriorityOrder(t *testing.T) {
	rules := []ServiceLineRule{
		{RuleType: RuleDiagnosticSection, Pattern: "RAD", ServiceLine: "Imaging", Priority: 50, Active: true},
		{RuleType: RuleDiagnosticSection, Pattern: "RAD", ServiceLine: "Radiology", Priority: 5, Active: true},
	}
	if got := Resolve(rules, []string{"RAD"}, nil); got != "Radiology" {
		t.Errorf("expected lowest priority number to win, got %q", got)
	}
}

func TestInRange(t *testing.T) {
	tests := []struct {
		pattern, code string
		want          bool
	}{
		{"70010-79999", "70010", true},
		{"70010-79999", "79999", true},
		{"70010-79999", "80000", false},
		{"70010-79999", "7001", false},
		{"G0001-G9999", "g0101", true},
		{"0W", "0WJG0ZZ", true},
		{"0W", "0DJ08ZZ", false},
		{"70010-79999", "", false},
	}
	for _, tt := range tests {
		if got := InRange(tt.pattern, tt.code); got != tt.want {
			t.Errorf("InRange(%q, %q) = %v, want %v", tt.pattern, tt.code, got, tt.want)
		}
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    ServiceLineRule
		wantErr bool
	}{
		{"valid section", ServiceLineRule{RuleType: RuleDiagnosticSection, Pattern: "RAD", ServiceLine: "Radiology"}, false},
		{"valid range", ServiceLineRule{RuleType: RuleProcedureRange, Pattern: "70010-79999", ServiceLine: "Radiology"}, false},
		{"reversed range", ServiceLineRule{RuleType: RuleProcedureRange, Pattern: "79999-70010", ServiceLine: "Radiology"}, true},
		{"uneven range", ServiceLineRule{RuleType: RuleProcedureRange, Pattern: "700-79999", ServiceLine: "Radiology"}, true},
		{"missing service line", ServiceLineRule{RuleType: RuleDefault}, true},
		{"unknown type", ServiceLineRule{RuleType: "regex", Pattern: ".*", ServiceLine: "X"}, true},
		{"blank section", ServiceLineRule{RuleType: RuleDepartment, ServiceLine: "X"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCodingConfig_Helpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FacilityExcludedClasses = []string{"recurring"}

	if !cfg.IsProfessionalService("Interventional Radiology") {
		t.Error("expected substring match on radiology")
	}
	if cfg.IsProfessionalService("General Medicine") || cfg.IsProfessionalService(Unassigned) {
		t.Error("unexpected professional service match")
	}
	if !cfg.ExcludesFacility("Recurring") || cfg.ExcludesFacility("inpatient") {
		t.Error("facility exclusion mismatch")
	}
	cfg.EncounterTimeoutHours = 0
	if cfg.Timeout().Hours() != DefaultEncounterTimeoutHours {
		t.Errorf("expected default timeout, got %v", cfg.Timeout())
	}
}
