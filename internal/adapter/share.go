package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/state"
)

// saveShareRecord stores a downloaded or uploaded share as a synced entity
// with its snapshot. Shares have no local object.
func (a *Adapter) saveShareRecord(ctx context.Context, share *model.Record) error {
	e := &state.SyncedEntity{
		Identifier: share.ID.Name,
		EntityType: model.ShareRecordType,
		State:      state.StateSynced,
		Updated:    time.Now().UTC(),
	}
	if err := a.state.SaveEntity(ctx, e); err != nil {
		return err
	}
	return a.saveSnapshot(ctx, share)
}

// Record returns the current record for ref: the last uploaded snapshot with
// every local field applied. It fails with [model.ErrRecordNotFound] if the
// object was never uploaded.
func (a *Adapter) Record(ctx context.Context, ref model.ObjectRef) (*model.Record, error) {
	id := model.Identifier(ref.Entity, ref.Key)
	e, err := a.state.Entity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%s: %w", id, model.ErrRecordNotFound)
	}
	snap, err := a.state.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%s: %w", id, model.ErrRecordNotFound)
	}
	rec, err := a.buildRecord(ctx, e, true)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s: %w", id, model.ErrRecordNotFound)
	}
	return rec, nil
}

// Share returns the share attached to ref, or (nil, nil).
func (a *Adapter) Share(ctx context.Context, ref model.ObjectRef) (*model.Record, error) {
	e, err := a.state.Entity(ctx, model.Identifier(ref.Entity, ref.Key))
	if err != nil || e == nil || e.ShareIdentifier == "" {
		return nil, err
	}
	return a.snapshot(ctx, e.ShareIdentifier)
}

// SaveShare attaches a share the server accepted to ref.
func (a *Adapter) SaveShare(ctx context.Context, share *model.Record, ref model.ObjectRef) error {
	id := model.Identifier(ref.Entity, ref.Key)
	return a.tracker.Update(ctx, id, func(e *state.SyncedEntity) (*state.SyncedEntity, error) {
		if e == nil {
			return nil, fmt.Errorf("%s: %w", id, model.ErrRecordNotFound)
		}
		if err := a.saveShareRecord(ctx, share); err != nil {
			return nil, fmt.Errorf("saving share of %s: %w", id, err)
		}
		e.ShareIdentifier = share.ID.Name
		return e, nil
	})
}

// DeleteShare detaches and forgets the share of ref.
func (a *Adapter) DeleteShare(ctx context.Context, ref model.ObjectRef) error {
	id := model.Identifier(ref.Entity, ref.Key)
	var shareID string
	err := a.tracker.Update(ctx, id, func(e *state.SyncedEntity) (*state.SyncedEntity, error) {
		if e == nil || e.ShareIdentifier == "" {
			return nil, nil
		}
		shareID, e.ShareIdentifier = e.ShareIdentifier, ""
		return e, nil
	})
	if err != nil || shareID == "" {
		return err
	}
	if rec, err := a.snapshot(ctx, id); err == nil && rec != nil {
		rec.Share = nil
		if err := a.saveSnapshot(ctx, rec); err != nil {
			return err
		}
	}
	return a.state.DeleteEntities(ctx, shareID)
}

// ShareForRecordZone returns the zone-wide share, or (nil, nil).
func (a *Adapter) ShareForRecordZone(ctx context.Context) (*model.Record, error) {
	return a.snapshot(ctx, model.ZoneShareRecordName)
}

// SaveShareForRecordZone stores the zone-wide share the server accepted.
func (a *Adapter) SaveShareForRecordZone(ctx context.Context, share *model.Record) error {
	return a.saveShareRecord(ctx, share)
}

// DeleteShareForRecordZone forgets the zone-wide share.
func (a *Adapter) DeleteShareForRecordZone(ctx context.Context) error {
	return a.state.DeleteEntities(ctx, model.ZoneShareRecordName)
}
