package tenantcfg

import "context"

// Repository stores the configuration of the tenant in ctx.
type Repository interface {
	// GetConfig returns ErrNotFound when the tenant has never saved one.
	GetConfig(ctx context.Context) (*CodingConfig, error)
	SaveConfig(ctx context.Context, cfg *CodingConfig) error
	ListRules(ctx context.Context) ([]ServiceLineRule, error)
	ReplaceRules(ctx context.Context, rules []ServiceLineRule) error
}
