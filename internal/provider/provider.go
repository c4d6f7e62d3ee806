// Package provider resolves record zones to model adapters.
//
// [Static] serves a fixed set of adapters, the usual setup for a private
// database. [PerZone] creates an adapter the first time a zone shows up,
// which is what a shared database needs: zones appear and disappear as other
// users share and unshare data.
package provider

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/njoerd114/zonesync/internal/adapter"
	"github.com/njoerd114/zonesync/internal/model"
	syncp "github.com/njoerd114/zonesync/internal/sync"
)

var (
	_ syncp.AdapterProvider = (*Static)(nil)
	_ syncp.AdapterProvider = (*PerZone)(nil)
)

// Static serves adapters handed to it at construction.
type Static struct {
	mu       sync.Mutex
	adapters []*adapter.Adapter
	owner    *PerZone
}

// NewStatic creates a provider for adapters. The caller keeps ownership of
// their stores.
func NewStatic(adapters ...*adapter.Adapter) *Static {
	return &Static{adapters: slices.Clone(adapters)}
}

// OpenStatic serves exactly zones, keeping their bookkeeping in the same
// directory layout as [PerZone]. Close releases the stores.
func OpenStatic(ctx context.Context, dir string, zones []model.ZoneID, newLocal LocalFactory, opts adapter.Options, logger *slog.Logger) (*Static, error) {
	pz, err := OpenPerZone(ctx, dir, newLocal, opts, logger)
	if err != nil {
		return nil, err
	}
	s := &Static{owner: pz}
	for _, zone := range zones {
		e, err := pz.entry(ctx, zone)
		if err != nil {
			_ = pz.Close()
			return nil, err
		}
		s.adapters = append(s.adapters, e.adapter)
	}
	return s, nil
}

// Close closes the stores opened by [OpenStatic]. It is a no-op for
// providers built with [NewStatic].
func (p *Static) Close() error {
	if p.owner == nil {
		return nil
	}
	return p.owner.Close()
}

func (p *Static) Adapters() []syncp.ModelAdapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]syncp.ModelAdapter, 0, len(p.adapters))
	for _, a := range p.adapters {
		out = append(out, a)
	}
	return out
}

func (p *Static) find(zone model.ZoneID) int {
	return slices.IndexFunc(p.adapters, func(a *adapter.Adapter) bool {
		return sameZone(a.RecordZoneID(), zone)
	})
}

// AdapterFor returns the adapter of zone, or (nil, nil) if there is none.
func (p *Static) AdapterFor(_ context.Context, zone model.ZoneID) (syncp.ModelAdapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.find(zone); i >= 0 {
		return p.adapters[i], nil
	}
	return nil, nil
}

// ZoneWasDeleted drops the zone's adapter after deleting its tracking. An
// adapter that never synced is kept.
func (p *Static) ZoneWasDeleted(ctx context.Context, zone model.ZoneID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.find(zone)
	if i < 0 {
		return nil
	}
	a := p.adapters[i]
	synced, err := a.HasSyncedOnce(ctx)
	if err != nil {
		return err
	}
	if !synced {
		return nil
	}
	if err := a.DeleteChangeTracking(ctx); err != nil {
		return err
	}
	p.adapters = slices.Delete(p.adapters, i, i+1)
	return nil
}

// Reset deletes the tracking of every adapter and drops them all.
func (p *Static) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, a := range p.adapters {
		if err := a.DeleteChangeTracking(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.adapters = nil
	return firstErr
}

// sameZone compares zone IDs, treating an empty owner as the default owner.
func sameZone(a, b model.ZoneID) bool {
	return a.Name == b.Name && ownerOf(a) == ownerOf(b)
}

func ownerOf(z model.ZoneID) string {
	if z.Owner == "" {
		return model.DefaultOwner
	}
	return z.Owner
}
