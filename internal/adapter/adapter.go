// Package adapter bridges a [localstore.Store] to the sync engine. An
// [Adapter] turns tracked local objects into records for upload, applies
// downloaded records under a merge policy, and keeps per-object and
// zone-wide share metadata.
//
// One Adapter serves exactly one record zone.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/zonesync/internal/localstore"
	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/state"
	"github.com/njoerd114/zonesync/internal/tracking"
)

// shareRelationship is the pending relationship name used to attach a share
// that has not been downloaded yet.
const shareRelationship = "share"

// errSkipRecord marks per-record import failures. They are logged and the
// rest of the batch continues.
var errSkipRecord = errors.New("skipping record")

// Options configures an [Adapter].
type Options struct {
	Zone        model.ZoneID
	MergePolicy MergePolicy

	// Resolver is consulted under MergeCustom. Nil keeps every local value.
	Resolver ConflictResolver
}

// Adapter is the model adapter for one local store and one zone.
type Adapter struct {
	local    *localstore.Store
	state    *state.Store
	tracker  *tracking.Tracker
	zone     model.ZoneID
	policy   MergePolicy
	resolver ConflictResolver
	log      *slog.Logger

	mu sync.Mutex
	// inflight holds the changed keys captured when a record was handed
	// out for upload. DidUpload clears only those.
	inflight map[string][]string
	// imported counts records applied since PrepareToImport.
	imported int
}

// New creates an Adapter and starts tracking local changes. The caller keeps
// ownership of st and closes it after [Adapter.Close].
func New(local *localstore.Store, st *state.Store, opts Options, logger *slog.Logger) *Adapter {
	zone := opts.Zone
	if zone.Owner == "" {
		zone.Owner = model.DefaultOwner
	}
	return &Adapter{
		local:    local,
		state:    st,
		tracker:  tracking.New(local, st, logger),
		zone:     zone,
		policy:   opts.MergePolicy,
		resolver: opts.Resolver,
		log:      logger.With("zone", zone.String()),
		inflight: make(map[string][]string),
	}
}

// Close stops tracking local changes.
func (a *Adapter) Close() {
	a.tracker.Close()
}

// RecordZoneID returns the zone this adapter syncs.
func (a *Adapter) RecordZoneID() model.ZoneID { return a.zone }

// TrackExisting enrolls local objects that predate tracking.
func (a *Adapter) TrackExisting(ctx context.Context) (int, error) {
	return a.tracker.TrackExisting(ctx)
}

// HasChanges reports whether any tracked object is not synced.
func (a *Adapter) HasChanges(ctx context.Context) (bool, error) {
	return a.tracker.HasChanges(ctx)
}

// SubscribeLocalChanges calls fn whenever the adapter goes from no pending
// changes to at least one.
func (a *Adapter) SubscribeLocalChanges(fn func()) (cancel func()) {
	return a.tracker.Subscribe(fn)
}

// ServerChangeToken returns the zone's stored change token, or nil.
func (a *Adapter) ServerChangeToken(ctx context.Context) (model.ChangeToken, error) {
	return a.state.Token(ctx, a.zone.String())
}

// SaveToken persists the zone change token. A nil token resets the feed.
func (a *Adapter) SaveToken(ctx context.Context, token model.ChangeToken) error {
	return a.state.SaveToken(ctx, a.zone.String(), token)
}

// HasSyncedOnce reports whether a fetch for this zone ever completed.
func (a *Adapter) HasSyncedOnce(ctx context.Context) (bool, error) {
	tok, err := a.ServerChangeToken(ctx)
	if err != nil {
		return false, err
	}
	return tok != nil, nil
}

// DeleteChangeTracking stops observing the local store and purges every
// bookkeeping row. Local objects are left untouched.
func (a *Adapter) DeleteChangeTracking(ctx context.Context) error {
	a.tracker.Close()
	a.mu.Lock()
	clear(a.inflight)
	a.mu.Unlock()
	if err := a.state.Purge(ctx); err != nil {
		return fmt.Errorf("purging bookkeeping for %s: %w", a.zone, err)
	}
	a.log.Info("change tracking deleted")
	return nil
}

// --- import ------------------------------------------------------------------

// PrepareToImport marks the start of an import batch.
func (a *Adapter) PrepareToImport() {
	a.mu.Lock()
	a.imported = 0
	a.mu.Unlock()
}

// SaveChanges applies downloaded records. Records that cannot be applied are
// logged and skipped; only bookkeeping failures abort the batch.
func (a *Adapter) SaveChanges(ctx context.Context, records []*model.Record) error {
	for _, rec := range records {
		var err error
		if rec.IsShare() {
			err = a.saveShareRecord(ctx, rec)
		} else {
			err = a.saveRecord(ctx, rec)
		}
		if errors.Is(err, errSkipRecord) {
			a.log.Error("importing record", "record", rec.ID.Name, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("importing %s: %w", rec.ID.Name, err)
		}
		a.mu.Lock()
		a.imported++
		a.mu.Unlock()
	}
	return nil
}

func (a *Adapter) saveRecord(ctx context.Context, rec *model.Record) error {
	id := rec.ID.Name
	ref, d, err := a.resolve(id)
	if err != nil {
		return err
	}

	var (
		skip     bool
		deferred []state.PendingRelationship
		bkErr    error
	)
	// The entity is read under the local write lock: every other local write,
	// and so every tracker flush, waits until the merged values are applied.
	err = a.local.Write(ctx, func(tx *localstore.Tx) error {
		e, err := a.state.Entity(ctx, id)
		if err != nil {
			bkErr = err
			return err
		}
		if e != nil && e.State == state.StateDeleted {
			// The local deletion wins and is uploaded next.
			skip = true
			return nil
		}
		dirty := e != nil && e.State != state.StateSynced
		var changedKeys []string
		if e != nil {
			changedKeys = e.ChangedKeys
		}

		current, exists := tx.Get(ref)
		var localValues map[string]any
		if exists {
			localValues = current.Values
		}

		var incoming, clears map[string]any
		incoming, clears, deferred, err = a.split(rec, d, dirty, changedKeys)
		if err != nil {
			return err
		}
		// The server record is complete: local fields it lacks were cleared.
		for k := range localValues {
			if _, ok := rec.Fields[k]; ok || k == d.PrimaryKey || d.IsRelationship(k) {
				continue
			}
			incoming[k] = nil
		}

		apply := make(map[string]any)
		maps.Copy(apply, a.filter(ref, incoming, localValues, dirty, changedKeys))
		maps.Copy(apply, clears)

		if !exists {
			apply[d.PrimaryKey] = ref.Key
			_, err := tx.Insert(ref.Entity, apply)
			return err
		}
		if len(apply) == 0 {
			return nil
		}
		return tx.Update(ref, apply)
	}, localstore.WithAuthor(tracking.ImportAuthor))
	switch {
	case bkErr != nil:
		return bkErr
	case errors.Is(err, errSkipRecord):
		return err
	case err != nil:
		return fmt.Errorf("%w: writing %s: %v", errSkipRecord, ref, err)
	case skip:
		return nil
	}

	for _, p := range deferred {
		if err := a.state.AddPendingRelationship(ctx, p); err != nil {
			return err
		}
	}

	// Re-read under the bookkeeping lock so a local edit committed after the
	// import write keeps its state and dirty keys.
	err = a.tracker.Update(ctx, id, func(e *state.SyncedEntity) (*state.SyncedEntity, error) {
		if e == nil {
			e = &state.SyncedEntity{
				Identifier: id,
				EntityType: ref.Entity,
				State:      state.StateSynced,
				Updated:    time.Now().UTC(),
			}
		}
		return e, a.attachShare(ctx, e, rec.Share)
	})
	if err != nil {
		return err
	}
	return a.saveSnapshot(ctx, rec)
}

// split sorts the user fields of rec into plain values, cleared
// relationships, and relationships deferred until their target exists.
// Relationships the client policy keeps are left out.
func (a *Adapter) split(rec *model.Record, d localstore.EntityDescriptor, dirty bool, changedKeys []string) (incoming, clears map[string]any, deferred []state.PendingRelationship, err error) {
	incoming = make(map[string]any)
	clears = make(map[string]any)
	for k, v := range rec.UserFields() {
		if k == d.PrimaryKey {
			continue
		}
		if !d.IsRelationship(k) {
			incoming[k] = v
			continue
		}
		if dirty && a.policy == MergeClient && slices.Contains(changedKeys, k) {
			continue
		}
		if v == nil {
			clears[k] = nil
			continue
		}
		target, ok := v.(model.Reference)
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: relationship %q holds %T", errSkipRecord, k, v)
		}
		deferred = append(deferred, state.PendingRelationship{
			ForIdentifier:    rec.ID.Name,
			Name:             k,
			TargetIdentifier: target.RecordID.Name,
		})
	}
	return incoming, clears, deferred, nil
}

// attachShare links e to the share referenced by a downloaded record, or
// defers the link until the share itself is imported.
func (a *Adapter) attachShare(ctx context.Context, e *state.SyncedEntity, share *model.Reference) error {
	if share == nil {
		e.ShareIdentifier = ""
		return nil
	}
	shareID := share.RecordID.Name
	se, err := a.state.Entity(ctx, shareID)
	if err != nil {
		return err
	}
	if se != nil {
		e.ShareIdentifier = shareID
		return nil
	}
	return a.state.AddPendingRelationship(ctx, state.PendingRelationship{
		ForIdentifier:    e.Identifier,
		Name:             shareRelationship,
		TargetIdentifier: shareID,
	})
}

// DeleteRecords deletes the local objects of remotely deleted records and
// drops their bookkeeping. Objects attached to a deleted share are detached.
func (a *Adapter) DeleteRecords(ctx context.Context, ids []model.RecordID) error {
	if len(ids) == 0 {
		return nil
	}
	var refs []model.ObjectRef
	names := make([]string, 0, len(ids))
	for _, rid := range ids {
		names = append(names, rid.Name)
		if ref, _, err := a.resolve(rid.Name); err == nil {
			refs = append(refs, ref)
		}
	}

	var bkErr error
	err := a.local.Write(ctx, func(tx *localstore.Tx) error {
		for _, ref := range refs {
			// Cascades may already have removed it.
			if _, ok := tx.Get(ref); !ok {
				continue
			}
			if err := tx.Delete(ref); err != nil {
				a.log.Error("deleting local object", "identifier", ref.String(), "error", err)
			}
		}
		// Dropped before the commit flush so a later local insert under the
		// same key starts from a fresh entity.
		if err := a.detachShares(ctx, names); err != nil {
			bkErr = err
			return nil
		}
		if err := a.state.DeleteEntities(ctx, names...); err != nil {
			bkErr = fmt.Errorf("dropping bookkeeping: %w", err)
		}
		return nil
	}, localstore.WithAuthor(tracking.ImportAuthor))
	if err != nil {
		return fmt.Errorf("deleting local objects: %w", err)
	}
	if bkErr != nil {
		return bkErr
	}

	a.mu.Lock()
	for _, n := range names {
		delete(a.inflight, n)
	}
	a.mu.Unlock()
	return nil
}

// detachShares clears the share link of every entity attached to one of
// shareIDs, in the entity and in its cached record.
func (a *Adapter) detachShares(ctx context.Context, shareIDs []string) error {
	owners, err := a.state.EntitiesSharedBy(ctx, shareIDs...)
	if err != nil {
		return err
	}
	for _, e := range owners {
		e.ShareIdentifier = ""
		if err := a.state.SaveEntity(ctx, e); err != nil {
			return err
		}
		rec, err := a.snapshot(ctx, e.Identifier)
		if err != nil {
			return err
		}
		if rec != nil {
			rec.Share = nil
			if err := a.saveSnapshot(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// PersistImportedChanges resolves pending relationships whose targets now
// exist locally. It is safe to call repeatedly.
func (a *Adapter) PersistImportedChanges(ctx context.Context) error {
	pending, err := a.state.PendingRelationships(ctx)
	if err != nil {
		return err
	}

	type link struct {
		p      state.PendingRelationship
		owner  model.ObjectRef
		target model.ObjectRef
	}
	var links []link
	var resolved []int64

	for _, p := range pending {
		if p.Name == shareRelationship {
			ok, err := a.resolveShare(ctx, p)
			if err != nil {
				return err
			}
			if ok {
				resolved = append(resolved, p.ID)
			}
			continue
		}

		owner, _, err := a.resolve(p.ForIdentifier)
		if err != nil {
			resolved = append(resolved, p.ID)
			continue
		}
		if _, ok := a.local.Get(owner); !ok {
			// Owner is gone; nothing left to wire.
			resolved = append(resolved, p.ID)
			continue
		}
		targetEntity, targetKey, ok := model.SplitIdentifier(p.TargetIdentifier)
		if !ok {
			resolved = append(resolved, p.ID)
			continue
		}
		target := model.ObjectRef{Entity: targetEntity, Key: targetKey}
		if _, ok := a.local.Get(target); !ok {
			continue
		}
		links = append(links, link{p: p, owner: owner, target: target})
	}

	if len(links) > 0 {
		err := a.local.Write(ctx, func(tx *localstore.Tx) error {
			for _, l := range links {
				if err := tx.Update(l.owner, map[string]any{l.p.Name: l.target}); err != nil {
					return fmt.Errorf("wiring %s.%s: %w", l.p.ForIdentifier, l.p.Name, err)
				}
			}
			return nil
		}, localstore.WithAuthor(tracking.ImportAuthor))
		if err != nil {
			return err
		}
		for _, l := range links {
			resolved = append(resolved, l.p.ID)
		}
	}

	for _, id := range resolved {
		if err := a.state.DeletePendingRelationship(ctx, id); err != nil {
			return err
		}
	}
	if len(resolved) > 0 {
		a.log.Debug("resolved pending relationships", "count", len(resolved), "remaining", len(pending)-len(resolved))
	}
	a.tracker.Refresh(ctx)
	return nil
}

func (a *Adapter) resolveShare(ctx context.Context, p state.PendingRelationship) (bool, error) {
	share, err := a.state.Entity(ctx, p.TargetIdentifier)
	if err != nil || share == nil {
		return false, err
	}
	err = a.tracker.Update(ctx, p.ForIdentifier, func(owner *state.SyncedEntity) (*state.SyncedEntity, error) {
		if owner != nil {
			owner.ShareIdentifier = p.TargetIdentifier
		}
		return owner, nil
	})
	return err == nil, err
}

// DidFinishImport ends an import batch and clears per-batch scratch state.
func (a *Adapter) DidFinishImport(err error) {
	a.mu.Lock()
	n := a.imported
	a.imported = 0
	a.mu.Unlock()
	if err != nil {
		a.log.Warn("import finished with error", "records", n, "error", err)
		return
	}
	if n > 0 {
		a.log.Info("import finished", "records", n)
	}
}

// HasRecordID reports whether the record is tracked by this adapter.
func (a *Adapter) HasRecordID(ctx context.Context, id model.RecordID) (bool, error) {
	e, err := a.state.Entity(ctx, id.Name)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// --- helpers -----------------------------------------------------------------

// resolve maps a record name to a local object and its descriptor.
func (a *Adapter) resolve(identifier string) (model.ObjectRef, localstore.EntityDescriptor, error) {
	entity, key, ok := model.SplitIdentifier(identifier)
	if !ok {
		return model.ObjectRef{}, localstore.EntityDescriptor{}, fmt.Errorf("%w: malformed identifier %q", errSkipRecord, identifier)
	}
	d, ok := a.local.Descriptor(entity)
	if !ok {
		return model.ObjectRef{}, localstore.EntityDescriptor{}, fmt.Errorf("%w: unknown entity %q", errSkipRecord, entity)
	}
	return model.ObjectRef{Entity: entity, Key: key}, d, nil
}

func (a *Adapter) saveSnapshot(ctx context.Context, rec *model.Record) error {
	blob, err := model.EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", errSkipRecord, err)
	}
	return a.state.SaveSnapshot(ctx, rec.ID.Name, blob)
}

func (a *Adapter) snapshot(ctx context.Context, identifier string) (*model.Record, error) {
	blob, err := a.state.Snapshot(ctx, identifier)
	if err != nil || blob == nil {
		return nil, err
	}
	return model.DecodeRecord(blob)
}
