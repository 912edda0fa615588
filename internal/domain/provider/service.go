package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, identifier string) (*Provider, error) {
	return s.repo.GetByIdentifier(ctx, identifier)
}

func (s *Service) List(ctx context.Context, unconfiguredOnly bool, limit, offset int) ([]*Provider, int, error) {
	return s.repo.List(ctx, unconfiguredOnly, limit, offset)
}

// Observe records a provider reference from a message so administrators
// can later configure it. Blank identifiers are ignored.
func (s *Service) Observe(ctx context.Context, identifier, family, given string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil
	}
	return s.repo.Observe(ctx, &Provider{
		Identifier: identifier,
		FamilyName: optional(family),
		GivenName:  optional(given),
	})
}

// Configure sets a provider's employment type and active flag, creating
// the provider when it has not been seen yet.
func (s *Service) Configure(ctx context.Context, identifier, employmentType string, active bool, actor string) (*Provider, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, fmt.Errorf("identifier is required")
	}
	if err := ValidateEmploymentType(employmentType); err != nil {
		return nil, err
	}
	p := &Provider{
		Identifier:     identifier,
		EmploymentType: &employmentType,
		Active:         active,
		UpdatedBy:      optional(actor),
	}
	if err := s.repo.Upsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// IsEmployed reports whether the provider is a confirmed, active employee
// or locum. Unknown and unconfigured providers are not employed.
func (s *Service) IsEmployed(ctx context.Context, identifier string) (bool, error) {
	if strings.TrimSpace(identifier) == "" {
		return false, nil
	}
	p, err := s.repo.GetByIdentifier(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Employed(), nil
}

// CreatesProfessionalWork applies the professional routing rule for a
// referenced physician: unknown or unconfigured providers qualify, as do
// employees and locums; contractors and privileges-only surgeons do not.
func (s *Service) CreatesProfessionalWork(ctx context.Context, identifier string) (bool, error) {
	if strings.TrimSpace(identifier) == "" {
		return false, nil
	}
	p, err := s.repo.GetByIdentifier(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return p.CreatesProfessionalWork(), nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
