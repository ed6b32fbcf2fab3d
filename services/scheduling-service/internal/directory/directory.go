// Package directory resolves provider/client/product references before
// booking. The default implementation reads the local entity tables; a
// remote gRPC lookup against a dedicated directory service is available
// behind the protogen build tag.
package directory

import (
	"context"
)

type Provider interface {
	ProviderExists(ctx context.Context, tenantID, id string) (bool, error)
	ClientExists(ctx context.Context, tenantID, id string) (bool, error)
	ProductExists(ctx context.Context, tenantID, id string) (bool, error)
}

// EntityStore is the subset of the entity repository the local provider
// needs.
type EntityStore interface {
	UserExists(ctx context.Context, tenantID, id string) (bool, error)
	ProductExists(ctx context.Context, tenantID, id string) (bool, error)
}

type storeProvider struct {
	store EntityStore
}

// NewStoreProvider checks references against the local entity tables.
// Providers and clients are both rows in users.
func NewStoreProvider(store EntityStore) Provider {
	return &storeProvider{store: store}
}

func (p *storeProvider) ProviderExists(ctx context.Context, tenantID, id string) (bool, error) {
	return p.store.UserExists(ctx, tenantID, id)
}

func (p *storeProvider) ClientExists(ctx context.Context, tenantID, id string) (bool, error) {
	return p.store.UserExists(ctx, tenantID, id)
}

func (p *storeProvider) ProductExists(ctx context.Context, tenantID, id string) (bool, error) {
	return p.store.ProductExists(ctx, tenantID, id)
}
