//go:build protogen

package directory

import (
	"context"
	"time"

	"github.com/agendaly/agendaly/libs/grpcx"
	directoryv1 "github.com/agendaly/agendaly/protos/gen/directory/v1"
)

type grpcProvider struct {
	client directoryv1.DirectoryServiceClient
}

func NewRemoteProvider(addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcProvider{client: directoryv1.NewDirectoryServiceClient(conn)}, nil
}

func (p *grpcProvider) ProviderExists(ctx context.Context, tenantID, id string) (bool, error) {
	return p.exists(ctx, tenantID, id, directoryv1.EntityKind_ENTITY_KIND_USER)
}

func (p *grpcProvider) ClientExists(ctx context.Context, tenantID, id string) (bool, error) {
	return p.exists(ctx, tenantID, id, directoryv1.EntityKind_ENTITY_KIND_USER)
}

func (p *grpcProvider) ProductExists(ctx context.Context, tenantID, id string) (bool, error) {
	return p.exists(ctx, tenantID, id, directoryv1.EntityKind_ENTITY_KIND_PRODUCT)
}

func (p *grpcProvider) exists(ctx context.Context, tenantID, id string, kind directoryv1.EntityKind) (bool, error) {
	resp, err := p.client.EntityExists(ctx, &directoryv1.EntityExistsRequest{
		TenantId: tenantID,
		EntityId: id,
		Kind:     kind,
	})
	if err != nil {
		return false, err
	}
	return resp.GetExists(), nil
}
