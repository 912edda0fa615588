package provider

import "context"

type Repository interface {
	GetByIdentifier(ctx context.Context, identifier string) (*Provider, error)
	// Observe records a provider seen in a message. Existing rows keep their
	// configuration; only missing names are filled in.
	Observe(ctx context.Context, p *Provider) error
	Upsert(ctx context.Context, p *Provider) error
	List(ctx context.Context, unconfiguredOnly bool, limit, offset int) ([]*Provider, int, error)
}
