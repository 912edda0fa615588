package tenantcfg

import (
	"sort"
	"strings"
)

// SortRules orders rules for evaluation: priority ascending, ties kept in
// their stored order.
func SortRules(rules []ServiceLineRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}

// Resolve derives a service line. Section and department rules are tried
// against sections first, then procedure range rules against procedure
// codes, then the default rule. Within each stage rules are evaluated in
// priority order. Resolve returns Unassigned when nothing matches.
func Resolve(rules []ServiceLineRule, sections, procedureCodes []string) string {
	ordered := make([]ServiceLineRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			ordered = append(ordered, r)
		}
	}
	SortRules(ordered)

	for _, r := range ordered {
		if r.RuleType != RuleDiagnosticSection && r.RuleType != RuleDepartment {
			continue
		}
		for _, s := range sections {
			if s != "" && strings.EqualFold(strings.TrimSpace(r.Pattern), strings.TrimSpace(s)) {
				return r.ServiceLine
			}
		}
	}

	for _, r := range ordered {
		if r.RuleType != RuleProcedureRange {
			continue
		}
		for _, code := range procedureCodes {
			if InRange(r.Pattern, code) {
				return r.ServiceLine
			}
		}
	}

	for _, r := range ordered {
		if r.RuleType == RuleDefault {
			return r.ServiceLine
		}
	}
	return Unassigned
}

// InRange reports whether code falls in an inclusive "LOW-HIGH" range.
// Codes are compared as upper-cased strings of equal length, which orders
// both CPT ("70010-79999") and HCPCS ("G0001-G9999") codes correctly.
// A pattern without a dash matches by prefix.
func InRange(pattern, code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	lo, hi, ok := splitRange(pattern)
	if !ok {
		p := strings.ToUpper(strings.TrimSpace(pattern))
		return p != "" && strings.HasPrefix(code, p)
	}
	if len(code) != len(lo) {
		return false
	}
	return code >= lo && code <= hi
}

func splitRange(pattern string) (lo, hi string, ok bool) {
	parts := strings.SplitN(pattern, "-", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	lo = strings.ToUpper(strings.TrimSpace(parts[0]))
	hi = strings.ToUpper(strings.TrimSpace(parts[1]))
	if lo == "" || hi == "" || len(lo) != len(hi) || lo > hi {
		return "", "", false
	}
	return lo, hi, true
}
