package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/njoerd114/zonesync/internal/adapter"
	"github.com/njoerd114/zonesync/internal/kv"
	"github.com/njoerd114/zonesync/internal/localstore"
	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/remote"
	"github.com/njoerd114/zonesync/internal/state"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	companies  = model.NewZoneID("Companies")
)

func testSchema() []localstore.EntityDescriptor {
	return []localstore.EntityDescriptor{
		{Name: "Company", PrimaryKey: "identifier"},
		{
			Name:          "Employee",
			PrimaryKey:    "identifier",
			ParentKey:     "company",
			Relationships: map[string]string{"company": "Company"},
		},
	}
}

// newTestAdapter opens a fresh local store and bookkeeping store for zone.
func newTestAdapter(t *testing.T, zone model.ZoneID, opts adapter.Options) (*adapter.Adapter, *localstore.Store) {
	t.Helper()
	local, err := localstore.New(testSchema()...)
	if err != nil {
		t.Fatalf("creating local store: %v", err)
	}
	st, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening state store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	opts.Zone = zone
	a := adapter.New(local, st, opts, testLogger)
	t.Cleanup(a.Close)
	return a, local
}

// --- Mock Adapter Provider ---------------------------------------------------

type mockProvider struct {
	mu       sync.Mutex
	adapters map[model.ZoneID]*adapter.Adapter
	order    []model.ZoneID
	factory  func(zone model.ZoneID) *adapter.Adapter
	deleted  []model.ZoneID
}

func newMockProvider(factory func(model.ZoneID) *adapter.Adapter, static ...*adapter.Adapter) *mockProvider {
	p := &mockProvider{adapters: make(map[model.ZoneID]*adapter.Adapter), factory: factory}
	for _, a := range static {
		p.adapters[a.RecordZoneID()] = a
		p.order = append(p.order, a.RecordZoneID())
	}
	return p
}

func (p *mockProvider) Adapters() []ModelAdapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ModelAdapter, 0, len(p.order))
	for _, z := range p.order {
		out = append(out, p.adapters[z])
	}
	return out
}

func (p *mockProvider) AdapterFor(_ context.Context, zone model.ZoneID) (ModelAdapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.adapters[zone]; ok {
		return a, nil
	}
	if p.factory == nil {
		return nil, nil
	}
	a := p.factory(zone)
	p.adapters[zone] = a
	p.order = append(p.order, zone)
	return a, nil
}

func (p *mockProvider) ZoneWasDeleted(ctx context.Context, zone model.ZoneID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.adapters[zone]
	if !ok {
		return nil
	}
	synced, err := a.HasSyncedOnce(ctx)
	if err != nil || !synced {
		return err
	}
	if err := a.DeleteChangeTracking(ctx); err != nil {
		return err
	}
	delete(p.adapters, zone)
	p.order = slices.DeleteFunc(p.order, func(z model.ZoneID) bool { return z == zone })
	p.deleted = append(p.deleted, zone)
	return nil
}

func (p *mockProvider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.adapters {
		if err := a.DeleteChangeTracking(ctx); err != nil {
			return err
		}
	}
	p.adapters = make(map[model.ZoneID]*adapter.Adapter)
	p.order = nil
	return nil
}

func (p *mockProvider) deletedZones() []model.ZoneID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.deleted)
}

// --- Device ------------------------------------------------------------------

// device is one client: a local store, its adapter and a synchronizer.
type device struct {
	local    *localstore.Store
	adapter  *adapter.Adapter
	provider *mockProvider
	kv       *kv.Memory
	sync     *Synchronizer
}

func newDevice(t *testing.T, db remote.Database, aopts adapter.Options, sopts Options) *device {
	t.Helper()
	a, local := newTestAdapter(t, companies, aopts)
	p := newMockProvider(nil, a)
	store := kv.NewMemory()
	return &device{
		local:    local,
		adapter:  a,
		provider: p,
		kv:       store,
		sync:     New(db, p, store, sopts, testLogger),
	}
}

func (d *device) synchronize(t *testing.T) Stats {
	t.Helper()
	r := d.sync.Synchronize(context.Background())
	if err := r.Wait(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	return r.Stats()
}

func (d *device) write(t *testing.T, fn func(tx *localstore.Tx) error) {
	t.Helper()
	if err := d.local.Write(context.Background(), fn); err != nil {
		t.Fatalf("local write: %v", err)
	}
}

func (d *device) value(t *testing.T, entity, key, field string) any {
	t.Helper()
	obj, ok := d.local.Get(model.ObjectRef{Entity: entity, Key: key})
	if !ok {
		t.Fatalf("%s.%s missing locally", entity, key)
	}
	return obj.Values[field]
}

func insertCompany(key, name string) func(tx *localstore.Tx) error {
	return func(tx *localstore.Tx) error {
		_, err := tx.Insert("Company", map[string]any{"identifier": key, "name": name})
		return err
	}
}

func insertEmployee(key, name, company string) func(tx *localstore.Tx) error {
	return func(tx *localstore.Tx) error {
		_, err := tx.Insert("Employee", map[string]any{
			"identifier": key,
			"name":       name,
			"company":    model.ObjectRef{Entity: "Company", Key: company},
		})
		return err
	}
}

func rename(entity, key, name string) func(tx *localstore.Tx) error {
	return func(tx *localstore.Tx) error {
		return tx.Update(model.ObjectRef{Entity: entity, Key: key}, map[string]any{"name": name})
	}
}

// --- Mock Delegate -----------------------------------------------------------

type recordingDelegate struct {
	NopDelegate
	mu         sync.Mutex
	events     []string
	panicHooks map[string]bool
}

func (d *recordingDelegate) record(event string) {
	d.mu.Lock()
	d.events = append(d.events, event)
	panics := d.panicHooks[event]
	d.mu.Unlock()
	if panics {
		panic("delegate failure in " + event)
	}
}

func (d *recordingDelegate) WillStart() { d.record("WillStart") }
func (d *recordingDelegate) WillCheckZones() { d.record("WillCheckZones") }
func (d *recordingDelegate) WillFetchChanges(model.ZoneID) { d.record("WillFetchChanges") }
func (d *recordingDelegate) DidFetchChanges(model.ZoneID, error) { d.record("DidFetchChanges") }
func (d *recordingDelegate) WillUploadChanges(model.ZoneID) { d.record("WillUploadChanges") }
func (d *recordingDelegate) DidSync(Stats) { d.record("DidSync") }
func (d *recordingDelegate) DidFail(error) { d.record("DidFail") }

func (d *recordingDelegate) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.events)
}

// --- Conflicting Database ----------------------------------------------------

// conflictingDatabase rejects every save with a conflict carrying a fresh
// server version of the same record.
type conflictingDatabase struct {
	remote.Database
	mu    sync.Mutex
	calls int
}

func (c *conflictingDatabase) ModifyRecords(_ context.Context, save []*model.Record, _ []model.RecordID) (*remote.ModifyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	res := &remote.ModifyResult{}
	for _, r := range save {
		server := r.Copy()
		server.ChangeTag = fmt.Sprintf("server-%d", c.calls)
		res.Conflicts = append(res.Conflicts, remote.Conflict{Client: r, Server: server})
	}
	return res, nil
}

func (c *conflictingDatabase) modifyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
