package pipeline

import (
	"context"
	"fmt"

	"github.com/shineum/mailvault/internal/email"
)

// Registry looks up registered addresses. A miss is (nil, nil).
type Registry interface {
	Lookup(ctx context.Context, address string) (*email.RegisteredAddress, error)
}

// Resolver decides whether an address is a known destination.
type Resolver struct {
	registry Registry
}

// NewResolver returns a Resolver backed by registry.
func NewResolver(registry Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve looks address up by exact match; callers normalize case first.
// A miss reports false with a nil error.
func (r *Resolver) Resolve(ctx context.Context, address string) (*email.RegisteredAddress, bool, error) {
	entry, err := r.registry.Lookup(ctx, address)
	if err != nil {
		return nil, false, fmt.Errorf("resolve %s: %w", address, err)
	}
	if entry == nil {
		return nil, false, nil
	}
	return entry, true, nil
}
