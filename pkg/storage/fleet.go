package storage

import (
	"context"
	"fmt"
)

// Fleet holds the configured providers in preference order. The first
// available provider serves new presign requests; finalize always routes to
// the provider that issued the session's credential.
type Fleet struct {
	providers []Provider
}

// NewFleet builds a fleet from the given providers, keeping their order.
func NewFleet(providers ...Provider) *Fleet {
	kept := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return &Fleet{providers: kept}
}

// Active returns the first provider whose availability check passes.
func (f *Fleet) Active(ctx context.Context) (Provider, error) {
	for _, p := range f.providers {
		if p.Available(ctx) {
			return p, nil
		}
	}
	return nil, ErrNoProviderAvailable
}

// ByName resolves a provider by its name.
func (f *Fleet) ByName(name string) (Provider, error) {
	for _, p := range f.providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
}

// Names lists the configured providers in preference order.
func (f *Fleet) Names() []string {
	names := make([]string, 0, len(f.providers))
	for _, p := range f.providers {
		names = append(names, p.Name())
	}
	return names
}
