// Package tracking keeps the bookkeeping store consistent with the local
// object graph. A [Tracker] observes every insert, update, and delete on a
// [localstore.Store] and maintains one synced entity per tracked object.
//
// Notifications arrive while the local write transaction is still open. They
// are never applied there: the tracker queues them and flushes the queue once
// the transaction commits, so bookkeeping never races a half-applied write.
package tracking

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/zonesync/internal/localstore"
	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/state"
)

// ImportAuthor tags local writes made while applying downloaded records.
// The tracker does not turn them into pending uploads.
const ImportAuthor = "zonesync.import"

// queued is the accumulated change set for one identifier within a single
// transaction.
type queued struct {
	ref      model.ObjectRef
	inserted bool
	deleted  bool
	keys     []string
	imported bool
}

// Tracker is a [localstore.Observer] that records local mutations in the
// bookkeeping store.
type Tracker struct {
	local *localstore.Store
	state *state.Store
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	order   []string
	pending map[string]*queued

	// bk is held around every read-modify-write of an entity row, by commit
	// flushes and by [Tracker.Update] callers alike.
	bk sync.Mutex

	subMu      sync.Mutex
	hasChanges bool
	subs       map[int]func()
	nextSub    int

	unobserve func()
}

// New creates a Tracker and registers it with local. Call [Tracker.Close] to
// unregister it.
func New(local *localstore.Store, st *state.Store, logger *slog.Logger) *Tracker {
	t := &Tracker{
		local:   local,
		state:   st,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]*queued),
		subs:    make(map[int]func()),
	}
	t.unobserve = local.Observe(t)
	return t
}

// Close stops observing the local store. Queued changes are discarded.
func (t *Tracker) Close() {
	t.unobserve()
	t.mu.Lock()
	t.order = nil
	clear(t.pending)
	t.mu.Unlock()
}

// ObjectChanged queues a change. It must not touch the bookkeeping store: the
// local transaction that produced the change is still open.
func (t *Tracker) ObjectChanged(change localstore.Change, author string) {
	ref := change.Object()
	id := model.Identifier(ref.Entity, ref.Key)

	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.pending[id]
	if !ok {
		q = &queued{ref: ref}
		t.pending[id] = q
		t.order = append(t.order, id)
	}
	if author == ImportAuthor {
		q.imported = true
	}
	switch c := change.(type) {
	case localstore.Inserted:
		q.inserted = true
		q.deleted = false
	case localstore.Updated:
		for _, f := range c.Fields {
			if !slices.Contains(q.keys, f) {
				q.keys = append(q.keys, f)
			}
		}
	case localstore.Deleted:
		q.deleted = true
	}
}

// TransactionCommitted flushes the queue in arrival order.
func (t *Tracker) TransactionCommitted(string) {
	t.mu.Lock()
	order, pending := t.order, t.pending
	t.order, t.pending = nil, make(map[string]*queued)
	t.mu.Unlock()

	if len(order) == 0 {
		return
	}
	ctx := context.Background()
	base := t.now()
	t.bk.Lock()
	for i, id := range order {
		// Offsets keep arrival order stable in the oldest-first upload queue.
		at := base.Add(time.Duration(i) * time.Microsecond)
		if err := t.apply(ctx, id, pending[id], at); err != nil {
			t.log.Error("updating bookkeeping", "identifier", id, "error", err)
		}
	}
	t.bk.Unlock()
	t.Refresh(ctx)
}

// TransactionRolledBack drops everything queued by the failed transaction.
func (t *Tracker) TransactionRolledBack(string) {
	t.mu.Lock()
	t.order = nil
	clear(t.pending)
	t.mu.Unlock()
}

func (t *Tracker) apply(ctx context.Context, id string, q *queued, at time.Time) error {
	if q.imported {
		// The adapter owns bookkeeping for imported objects. Deletions it
		// did not see directly (cascaded children) are dropped here.
		if q.deleted {
			return t.state.DeleteEntities(ctx, id)
		}
		return nil
	}

	e, err := t.state.Entity(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case q.deleted:
		if e == nil {
			// Never tracked, or inserted and deleted within one transaction.
			return nil
		}
		e.State = state.StateDeleted

	case e == nil:
		e = &state.SyncedEntity{
			Identifier: id,
			EntityType: q.ref.Entity,
			State:      state.StateNew,
		}

	case q.inserted && e.State != state.StateNew:
		// Deleted and inserted again under the same key, in this transaction
		// or before the deletion was uploaded. The server record may still
		// exist, so every field is resent against its change tag.
		keys, err := t.allKeys(ctx, id, q.ref)
		if err != nil {
			return err
		}
		e.State = state.StateChanged
		e.ChangedKeys = keys

	default:
		for _, k := range q.keys {
			if !e.HasChangedKey(k) {
				e.ChangedKeys = append(e.ChangedKeys, k)
			}
		}
		if e.State == state.StateSynced && len(q.keys) > 0 {
			e.State = state.StateChanged
		}
	}

	e.Updated = at
	return t.state.SaveEntity(ctx, e)
}

// allKeys lists every field of the local object plus the fields of the last
// uploaded record, so fields missing from the new object are cleared.
func (t *Tracker) allKeys(ctx context.Context, id string, ref model.ObjectRef) ([]string, error) {
	d, _ := t.local.Descriptor(ref.Entity)
	var keys []string
	if obj, ok := t.local.Get(ref); ok {
		keys = slices.AppendSeq(keys, maps.Keys(obj.Values))
	}
	blob, err := t.state.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if blob != nil {
		rec, err := model.DecodeRecord(blob)
		if err != nil {
			t.log.Warn("decoding snapshot", "identifier", id, "error", err)
		} else {
			keys = slices.AppendSeq(keys, maps.Keys(rec.UserFields()))
		}
	}
	keys = slices.DeleteFunc(keys, func(k string) bool { return k == d.PrimaryKey })
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// Update runs fn on the entity for id while no commit flush can interleave,
// then saves what fn returns. fn receives nil for untracked identifiers and
// may return nil to save nothing. fn must not write to the local store.
func (t *Tracker) Update(ctx context.Context, id string, fn func(e *state.SyncedEntity) (*state.SyncedEntity, error)) error {
	t.bk.Lock()
	defer t.bk.Unlock()

	e, err := t.state.Entity(ctx, id)
	if err != nil {
		return err
	}
	e, err = fn(e)
	if err != nil || e == nil {
		return err
	}
	return t.state.SaveEntity(ctx, e)
}

// TrackExisting creates a new-state entity for every local object that has
// none yet. It is the initial setup for objects that existed before tracking
// was enabled.
func (t *Tracker) TrackExisting(ctx context.Context) (int, error) {
	created, err := t.trackExisting(ctx)
	if created > 0 {
		t.log.Info("tracking existing objects", "count", created)
	}
	t.Refresh(ctx)
	return created, err
}

func (t *Tracker) trackExisting(ctx context.Context) (int, error) {
	t.bk.Lock()
	defer t.bk.Unlock()

	created := 0
	for _, d := range t.local.Entities() {
		for _, obj := range t.local.All(d.Name) {
			id := model.Identifier(obj.Ref.Entity, obj.Ref.Key)
			e, err := t.state.Entity(ctx, id)
			if err != nil {
				return created, err
			}
			if e != nil {
				continue
			}
			err = t.state.SaveEntity(ctx, &state.SyncedEntity{
				Identifier: id,
				EntityType: d.Name,
				State:      state.StateNew,
				Updated:    t.now(),
			})
			if err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}

// HasChanges reports whether any entity is not synced.
func (t *Tracker) HasChanges(ctx context.Context) (bool, error) {
	n, err := t.state.CountPending(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Subscribe registers fn to be called each time the tracker goes from no
// pending changes to at least one. fn runs on the goroutine that committed
// the local write and must not block.
func (t *Tracker) Subscribe(fn func()) (cancel func()) {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
		})
	}
}

// Refresh re-reads the pending count and notifies subscribers on a rising
// edge. Callers invoke it after uploads or imports change entity states.
func (t *Tracker) Refresh(ctx context.Context) {
	has, err := t.HasChanges(ctx)
	if err != nil {
		t.log.Error("counting pending changes", "error", err)
		return
	}

	t.subMu.Lock()
	rising := has && !t.hasChanges
	t.hasChanges = has
	var fns []func()
	if rising {
		for _, id := range slices.Sorted(maps.Keys(t.subs)) {
			fns = append(fns, t.subs[id])
		}
	}
	t.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
