package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/zonesync/internal/adapter"
	"github.com/njoerd114/zonesync/internal/localstore"
	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/state"
	syncp "github.com/njoerd114/zonesync/internal/sync"
)

const (
	zonesDir     = "zones"
	metaFile     = "zone.yaml"
	stateFile    = "state.db"
	dirPerm      = 0o700
	metaFilePerm = 0o600
)

// LocalFactory returns the local store holding the objects of zone.
type LocalFactory func(zone model.ZoneID) (*localstore.Store, error)

// ZoneMeta is the content of a zone directory's zone.yaml.
type ZoneMeta struct {
	Name    string    `yaml:"name"`
	Owner   string    `yaml:"owner"`
	Created time.Time `yaml:"created"`
}

// ZoneID returns the zone described by m.
func (m ZoneMeta) ZoneID() model.ZoneID { return model.ZoneID{Name: m.Name, Owner: m.Owner} }

type zoneEntry struct {
	dir     string
	meta    ZoneMeta
	state   *state.Store
	adapter *adapter.Adapter
}

func (e *zoneEntry) close() error {
	e.adapter.Close()
	return e.state.Close()
}

// PerZone creates one adapter per zone, each with its own bookkeeping store
// under <dir>/zones/<slug>/. Zones created earlier are reopened by
// [OpenPerZone].
type PerZone struct {
	dir      string
	newLocal LocalFactory
	opts     adapter.Options
	log      *slog.Logger

	mu    sync.Mutex
	zones []*zoneEntry
}

// OpenPerZone opens the provider rooted at dir and reopens every zone found
// there. opts.Zone is ignored.
func OpenPerZone(ctx context.Context, dir string, newLocal LocalFactory, opts adapter.Options, logger *slog.Logger) (*PerZone, error) {
	p := &PerZone{dir: dir, newLocal: newLocal, opts: opts, log: logger}

	root := filepath.Join(dir, zonesDir)
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing zones in %q: %w", root, err)
	}
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		zdir := filepath.Join(root, de.Name())
		meta, err := ReadZoneMeta(zdir)
		if err != nil {
			p.log.Warn("skipping zone directory", "dir", zdir, "error", err)
			continue
		}
		e, err := p.open(ctx, zdir, meta)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.zones = append(p.zones, e)
	}
	return p, nil
}

// ReadZoneMeta reads zone.yaml from a zone directory.
func ReadZoneMeta(zdir string) (ZoneMeta, error) {
	var meta ZoneMeta
	data, err := os.ReadFile(filepath.Join(zdir, metaFile))
	if err != nil {
		return meta, err
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parsing %s: %w", metaFile, err)
	}
	if meta.Name == "" {
		return meta, fmt.Errorf("%s has no zone name", metaFile)
	}
	return meta, nil
}

// ZoneDirs lists the zone directories below dir, without opening them.
func ZoneDirs(dir string) ([]string, error) {
	root := filepath.Join(dir, zonesDir)
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, de := range entries {
		if de.IsDir() {
			out = append(out, filepath.Join(root, de.Name()))
		}
	}
	return out, nil
}

// StatePath returns the bookkeeping database of a zone directory.
func StatePath(zdir string) string { return filepath.Join(zdir, stateFile) }

// Slug returns the directory name used for zone.
func Slug(zone model.ZoneID) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return clean(ownerOf(zone)) + "~" + clean(zone.Name)
}

func (p *PerZone) open(ctx context.Context, zdir string, meta ZoneMeta) (*zoneEntry, error) {
	zone := meta.ZoneID()
	st, err := state.Open(ctx, StatePath(zdir))
	if err != nil {
		return nil, fmt.Errorf("opening bookkeeping of zone %s: %w", zone, err)
	}
	local, err := p.newLocal(zone)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening local store of zone %s: %w", zone, err)
	}
	opts := p.opts
	opts.Zone = zone
	a := adapter.New(local, st, opts, p.log)
	if n, err := a.TrackExisting(ctx); err != nil {
		a.Close()
		_ = st.Close()
		return nil, fmt.Errorf("tracking existing objects of zone %s: %w", zone, err)
	} else if n > 0 {
		p.log.Info("tracking existing objects", "zone", zone.String(), "count", n)
	}
	return &zoneEntry{dir: zdir, meta: meta, state: st, adapter: a}, nil
}

func (p *PerZone) findLocked(zone model.ZoneID) int {
	for i, e := range p.zones {
		if sameZone(e.meta.ZoneID(), zone) {
			return i
		}
	}
	return -1
}

func (p *PerZone) Adapters() []syncp.ModelAdapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]syncp.ModelAdapter, 0, len(p.zones))
	for _, e := range p.zones {
		out = append(out, e.adapter)
	}
	return out
}

// AdapterFor returns the adapter of zone, creating its directory and
// bookkeeping store on first use.
func (p *PerZone) AdapterFor(ctx context.Context, zone model.ZoneID) (syncp.ModelAdapter, error) {
	e, err := p.entry(ctx, zone)
	if err != nil {
		return nil, err
	}
	return e.adapter, nil
}

func (p *PerZone) entry(ctx context.Context, zone model.ZoneID) (*zoneEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.findLocked(zone); i >= 0 {
		return p.zones[i], nil
	}

	meta := ZoneMeta{Name: zone.Name, Owner: ownerOf(zone), Created: time.Now().UTC()}
	zdir := filepath.Join(p.dir, zonesDir, Slug(zone))
	if err := os.MkdirAll(zdir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating zone directory: %w", err)
	}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", metaFile, err)
	}
	if err := os.WriteFile(filepath.Join(zdir, metaFile), data, metaFilePerm); err != nil {
		return nil, fmt.Errorf("writing %s: %w", metaFile, err)
	}

	e, err := p.open(ctx, zdir, meta)
	if err != nil {
		return nil, err
	}
	p.zones = append(p.zones, e)
	p.log.Info("zone added", "zone", zone.String(), "dir", zdir)
	return e, nil
}

// ZoneWasDeleted removes the zone's adapter and directory if the zone ever
// synced. A zone that never synced has nothing to reconcile and is kept.
func (p *PerZone) ZoneWasDeleted(ctx context.Context, zone model.ZoneID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.findLocked(zone)
	if i < 0 {
		return nil
	}
	synced, err := p.zones[i].adapter.HasSyncedOnce(ctx)
	if err != nil {
		return err
	}
	if !synced {
		p.log.Info("ignoring deletion of a zone that never synced", "zone", zone.String())
		return nil
	}
	if err := p.teardownLocked(ctx, p.zones[i]); err != nil {
		return err
	}
	p.zones = append(p.zones[:i], p.zones[i+1:]...)
	return nil
}

// Purge tears down zone whether or not it ever synced. The next sync
// downloads it again from scratch. It reports whether the zone existed.
func (p *PerZone) Purge(ctx context.Context, zone model.ZoneID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.findLocked(zone)
	if i < 0 {
		return false, nil
	}
	if err := p.teardownLocked(ctx, p.zones[i]); err != nil {
		return true, err
	}
	p.zones = append(p.zones[:i], p.zones[i+1:]...)
	return true, nil
}

// Reset tears down every zone.
func (p *PerZone) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, e := range p.zones {
		if err := p.teardownLocked(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.zones = nil
	return firstErr
}

func (p *PerZone) teardownLocked(ctx context.Context, e *zoneEntry) error {
	if err := e.adapter.DeleteChangeTracking(ctx); err != nil {
		return err
	}
	if err := e.close(); err != nil {
		return fmt.Errorf("closing zone %s: %w", e.meta.ZoneID(), err)
	}
	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("removing %q: %w", e.dir, err)
	}
	p.log.Info("zone removed", "zone", e.meta.ZoneID().String())
	return nil
}

// Close closes every zone's adapter and bookkeeping store.
func (p *PerZone) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, e := range p.zones {
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.zones = nil
	return firstErr
}
