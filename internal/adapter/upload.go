package adapter

import (
	"context"
	"fmt"
	"slices"

	"github.com/njoerd114/zonesync/internal/localstore"
	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/state"
)

// RecordsToUpload returns up to limit records for objects that are not
// synced, new objects first. Dirty ancestors of a candidate are emitted ahead
// of it even when that exceeds limit, so a child never reaches the server
// before its parent. Calling it again without DidUpload returns the same set.
func (a *Adapter) RecordsToUpload(ctx context.Context, limit int) ([]*model.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	candidates, err := a.state.EntitiesInState(ctx, limit, state.StateNew)
	if err != nil {
		return nil, err
	}
	if len(candidates) < limit {
		changed, err := a.state.EntitiesInState(ctx, limit-len(candidates), state.StateChanged)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, changed...)
	}

	emitted := make(map[string]bool)
	var out []*model.Record
	emit := func(e *state.SyncedEntity) error {
		if emitted[e.Identifier] {
			return nil
		}
		emitted[e.Identifier] = true
		rec, err := a.buildRecord(ctx, e, false)
		if err != nil {
			return err
		}
		if rec != nil {
			out = append(out, rec)
		}
		return nil
	}

	for _, e := range candidates {
		if e.EntityType == model.ShareRecordType || emitted[e.Identifier] {
			continue
		}
		ancestors, err := a.dirtyAncestors(ctx, e)
		if err != nil {
			return nil, err
		}
		for i := len(ancestors) - 1; i >= 0; i-- {
			if err := emit(ancestors[i]); err != nil {
				return nil, err
			}
		}
		if err := emit(e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// dirtyAncestors walks parent keys upwards from e and returns every ancestor
// that still has to be uploaded, nearest first.
func (a *Adapter) dirtyAncestors(ctx context.Context, e *state.SyncedEntity) ([]*state.SyncedEntity, error) {
	var out []*state.SyncedEntity
	seen := map[string]bool{e.Identifier: true}
	ref, _, err := a.resolve(e.Identifier)
	if err != nil {
		return nil, nil
	}
	for {
		parent, ok := a.parentOf(ref)
		if !ok {
			return out, nil
		}
		id := model.Identifier(parent.Entity, parent.Key)
		if seen[id] {
			return out, nil
		}
		seen[id] = true
		pe, err := a.state.Entity(ctx, id)
		if err != nil {
			return nil, err
		}
		if pe != nil && (pe.State == state.StateNew || pe.State == state.StateChanged) {
			out = append(out, pe)
		}
		ref = parent
	}
}

// parentOf returns the object referenced by ref's parent key.
func (a *Adapter) parentOf(ref model.ObjectRef) (model.ObjectRef, bool) {
	d, ok := a.local.Descriptor(ref.Entity)
	if !ok || d.ParentKey == "" {
		return model.ObjectRef{}, false
	}
	obj, ok := a.local.Get(ref)
	if !ok {
		return model.ObjectRef{}, false
	}
	parent, ok := obj.Values[d.ParentKey].(model.ObjectRef)
	return parent, ok && !parent.IsZero()
}

// buildRecord produces the upload record for e. It starts from the cached
// snapshot so the server change tag is carried along. New objects, objects
// without a snapshot, and full builds carry every field; otherwise only the
// changed keys are sent. It returns (nil, nil) when the local object is gone.
func (a *Adapter) buildRecord(ctx context.Context, e *state.SyncedEntity, full bool) (*model.Record, error) {
	ref, d, err := a.resolve(e.Identifier)
	if err != nil {
		return nil, fmt.Errorf("building record: %w", err)
	}
	obj, ok := a.local.Get(ref)
	if !ok {
		return nil, nil
	}

	rec, err := a.snapshot(ctx, e.Identifier)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot of %s: %w", e.Identifier, err)
	}
	if rec == nil {
		full = true
		rec = model.NewRecord(ref.Entity, model.RecordID{Name: e.Identifier, Zone: a.zone})
	}
	if e.State == state.StateNew {
		full = true
	}

	var keys []string
	if full {
		for k := range obj.Values {
			keys = append(keys, k)
		}
		// Fields present on the server but cleared locally.
		for k := range rec.UserFields() {
			if _, ok := obj.Values[k]; !ok {
				keys = append(keys, k)
			}
		}
	} else {
		keys = slices.Clone(e.ChangedKeys)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	for _, k := range keys {
		if k == d.PrimaryKey || model.IsReservedKey(k) {
			continue
		}
		v, present := obj.Values[k]
		if !present {
			delete(rec.Fields, k)
			continue
		}
		rec.Set(k, a.toWire(d, k, v))
	}

	rec.Parent = nil
	if parent, ok := a.parentOf(ref); ok {
		rec.Parent = &model.Reference{
			RecordID: model.RecordID{Name: model.Identifier(parent.Entity, parent.Key), Zone: a.zone},
			Action:   model.ActionNone,
		}
	}
	if e.ShareIdentifier != "" {
		rec.Share = &model.Reference{RecordID: model.RecordID{Name: e.ShareIdentifier, Zone: a.zone}}
	}

	a.mu.Lock()
	a.inflight[e.Identifier] = slices.Clone(e.ChangedKeys)
	a.mu.Unlock()
	return rec, nil
}

// toWire converts a local value to a record value. Relationships become
// references; the parent key cascades deletion on the server.
func (a *Adapter) toWire(d localstore.EntityDescriptor, field string, v any) any {
	switch x := v.(type) {
	case model.ObjectRef:
		action := model.ActionNone
		if field == d.ParentKey {
			action = model.ActionDeleteSelf
		}
		return model.Reference{
			RecordID: model.RecordID{Name: model.Identifier(x.Entity, x.Key), Zone: a.zone},
			Action:   action,
		}
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// DidUpload records that the server accepted records. Only the keys that
// were dirty when each record was built are cleared; anything changed while
// the upload was in flight stays pending.
func (a *Adapter) DidUpload(ctx context.Context, saved []*model.Record) error {
	for _, rec := range saved {
		if rec.IsShare() {
			if err := a.saveShareRecord(ctx, rec); err != nil {
				return err
			}
			continue
		}
		id := rec.ID.Name
		a.mu.Lock()
		sent, tracked := a.inflight[id]
		delete(a.inflight, id)
		a.mu.Unlock()

		ref, _, err := a.resolve(id)
		if err != nil {
			continue
		}
		err = a.tracker.Update(ctx, id, func(e *state.SyncedEntity) (*state.SyncedEntity, error) {
			if e == nil {
				// Untracked objects uploaded as part of a hierarchy.
				if _, ok := a.local.Get(ref); !ok {
					return nil, nil
				}
				e = &state.SyncedEntity{Identifier: id, EntityType: ref.Entity, State: state.StateNew}
			}
			if err := a.saveSnapshot(ctx, rec); err != nil {
				return nil, err
			}
			if e.State == state.StateDeleted {
				return nil, nil
			}
			e.ChangedKeys = remainingKeys(e, sent, tracked)
			if len(e.ChangedKeys) == 0 {
				e.State = state.StateSynced
			} else {
				e.State = state.StateChanged
			}
			return e, nil
		})
		if err != nil {
			return err
		}
	}
	a.tracker.Refresh(ctx)
	return nil
}

// remainingKeys returns the keys of e that were not part of the upload.
func remainingKeys(e *state.SyncedEntity, sent []string, tracked bool) []string {
	if !tracked {
		return nil
	}
	var out []string
	for _, k := range e.ChangedKeys {
		if !slices.Contains(sent, k) {
			out = append(out, k)
		}
	}
	return out
}

// RecordIDsMarkedForDeletion returns up to limit records whose local objects
// were deleted.
func (a *Adapter) RecordIDsMarkedForDeletion(ctx context.Context, limit int) ([]model.RecordID, error) {
	if limit <= 0 {
		return nil, nil
	}
	entities, err := a.state.EntitiesInState(ctx, limit, state.StateDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]model.RecordID, 0, len(entities))
	for _, e := range entities {
		out = append(out, model.RecordID{Name: e.Identifier, Zone: a.zone})
	}
	return out, nil
}

// DidDelete drops the bookkeeping of records the server deleted.
func (a *Adapter) DidDelete(ctx context.Context, ids []model.RecordID) error {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id.Name)
	}
	if err := a.state.DeleteEntities(ctx, names...); err != nil {
		return err
	}
	a.mu.Lock()
	for _, n := range names {
		delete(a.inflight, n)
	}
	a.mu.Unlock()
	a.tracker.Refresh(ctx)
	return nil
}

// RecordsToUpdateParentRelationshipsForRoot returns the full record of root
// followed by every descendant reachable through parent keys. It forces a
// re-upload of a hierarchy, for example before sharing objects that were
// uploaded before their parent references existed.
func (a *Adapter) RecordsToUpdateParentRelationshipsForRoot(ctx context.Context, root model.ObjectRef) ([]*model.Record, error) {
	var out []*model.Record
	seen := make(map[model.ObjectRef]bool)
	var walk func(ref model.ObjectRef) error
	walk = func(ref model.ObjectRef) error {
		if seen[ref] {
			return nil
		}
		seen[ref] = true
		rec, err := a.fullRecord(ctx, ref)
		if err != nil {
			return err
		}
		if rec != nil {
			out = append(out, rec)
		}
		for _, child := range a.local.Children(ref) {
			if err := walk(child.Ref); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// fullRecord builds a record with every field of ref, whatever its state.
func (a *Adapter) fullRecord(ctx context.Context, ref model.ObjectRef) (*model.Record, error) {
	id := model.Identifier(ref.Entity, ref.Key)
	e, err := a.state.Entity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = &state.SyncedEntity{Identifier: id, EntityType: ref.Entity, State: state.StateNew}
	}
	return a.buildRecord(ctx, e, true)
}
