package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/remote"
)

func (s *Synchronizer) adapterFor(ctx context.Context, zone model.ZoneID) (ModelAdapter, error) {
	a, err := s.provider.AdapterFor(ctx, zone)
	if err != nil {
		return nil, fmt.Errorf("resolving adapter of zone %s: %w", zone, err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, zone)
	}
	return a, nil
}

// single saves and deletes records outside a round and fails unless the
// server accepted all of them.
func (s *Synchronizer) single(ctx context.Context, zone model.ZoneID, save []*model.Record, del []model.RecordID) (*remote.ModifyResult, error) {
	res, err := s.modify(ctx, save, del)
	if err != nil {
		return nil, err
	}
	if ids := rejectedIDs(res); len(ids) > 0 {
		return nil, &ConflictError{Zone: zone, Passes: 1, IDs: ids}
	}
	return res, nil
}

func savedByName(res *remote.ModifyResult, name string) *model.Record {
	for _, r := range res.Saved {
		if r.ID.Name == name {
			return r
		}
	}
	return nil
}

// Share creates a share rooted at the object ref and returns the saved share
// record. The object must have been uploaded; otherwise the error matches
// ErrRecordNotFound. An existing share is returned unchanged.
func (s *Synchronizer) Share(ctx context.Context, zone model.ZoneID, ref model.ObjectRef, permission model.Permission, title string) (*model.Record, error) {
	a, err := s.adapterFor(ctx, zone)
	if err != nil {
		return nil, err
	}
	if existing, err := a.Share(ctx, ref); err != nil || existing != nil {
		return existing, err
	}
	root, err := a.Record(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("sharing %s: %w", ref, err)
	}
	share := model.NewShare(root, permission, title)
	s.stamp([]*model.Record{root})

	res, err := s.single(ctx, zone, []*model.Record{root, share}, nil)
	if err != nil {
		return nil, fmt.Errorf("sharing %s: %w", ref, err)
	}
	savedRoot := savedByName(res, root.ID.Name)
	savedShare := savedByName(res, share.ID.Name)
	if err := a.DidUpload(ctx, []*model.Record{savedRoot}); err != nil {
		return nil, err
	}
	if err := a.SaveShare(ctx, savedShare, ref); err != nil {
		return nil, err
	}
	s.log.Info("object shared", "object", ref.String(), "share", savedShare.ID.Name, "permission", permission.String())
	return savedShare, nil
}

// RemoveShare deletes the share rooted at ref. Objects without a share are
// left alone.
func (s *Synchronizer) RemoveShare(ctx context.Context, zone model.ZoneID, ref model.ObjectRef) error {
	a, err := s.adapterFor(ctx, zone)
	if err != nil {
		return err
	}
	share, err := a.Share(ctx, ref)
	if err != nil || share == nil {
		return err
	}
	if _, err := s.single(ctx, zone, nil, []model.RecordID{share.ID}); err != nil {
		return fmt.Errorf("removing share of %s: %w", ref, err)
	}
	return a.DeleteShare(ctx, ref)
}

// ShareZone shares the whole zone. Calling it again updates the permission.
func (s *Synchronizer) ShareZone(ctx context.Context, zone model.ZoneID, permission model.Permission, title string) (*model.Record, error) {
	a, err := s.adapterFor(ctx, zone)
	if err != nil {
		return nil, err
	}
	share := model.NewZoneShare(a.RecordZoneID(), permission, title)
	existing, err := a.ShareForRecordZone(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		share.ChangeTag = existing.ChangeTag
	}
	res, err := s.single(ctx, zone, []*model.Record{share}, nil)
	if err != nil {
		return nil, fmt.Errorf("sharing zone %s: %w", zone, err)
	}
	saved := savedByName(res, model.ZoneShareRecordName)
	if err := a.SaveShareForRecordZone(ctx, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// RemoveZoneShare deletes the zone-wide share, if any.
func (s *Synchronizer) RemoveZoneShare(ctx context.Context, zone model.ZoneID) error {
	a, err := s.adapterFor(ctx, zone)
	if err != nil {
		return err
	}
	share, err := a.ShareForRecordZone(ctx)
	if err != nil || share == nil {
		return err
	}
	if _, err := s.single(ctx, zone, nil, []model.RecordID{share.ID}); err != nil {
		return fmt.Errorf("removing share of zone %s: %w", zone, err)
	}
	return a.DeleteShareForRecordZone(ctx)
}

// ReuploadHierarchy uploads root and every descendant in full, so the server
// learns their parent links. Use it before sharing data created before
// parent keys were declared.
func (s *Synchronizer) ReuploadHierarchy(ctx context.Context, zone model.ZoneID, root model.ObjectRef) error {
	a, err := s.adapterFor(ctx, zone)
	if err != nil {
		return err
	}
	recs, err := a.RecordsToUpdateParentRelationshipsForRoot(ctx, root)
	if err != nil {
		return fmt.Errorf("collecting hierarchy of %s: %w", root, err)
	}
	s.stamp(recs)
	var firstErr error
	for start := 0; start < len(recs); start += s.opts.BatchSize {
		batch := recs[start:min(start+s.opts.BatchSize, len(recs))]
		res, err := s.modify(ctx, batch, nil)
		if err != nil {
			return fmt.Errorf("uploading hierarchy of %s: %w", root, err)
		}
		if len(res.Saved) > 0 {
			if err := a.DidUpload(ctx, res.Saved); err != nil {
				return err
			}
		}
		if len(res.Conflicts) > 0 {
			if err := s.mergeConflicts(ctx, a, res.Conflicts); err != nil {
				return err
			}
		}
		if ids := rejectedIDs(res); len(ids) > 0 && firstErr == nil {
			firstErr = &ConflictError{Zone: zone, Passes: 1, IDs: ids}
		}
	}
	return firstErr
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func (s *Synchronizer) subscriptionKey(zone *model.ZoneID) string {
	key := "zonesync." + s.db.Scope().String() + ".subscription"
	if zone != nil {
		key += "." + zone.String()
	}
	return key
}

// SubscribeForChanges registers a change subscription for zone, or for the
// whole database if zone is nil, and returns its ID. An existing
// subscription is reused.
func (s *Synchronizer) SubscribeForChanges(ctx context.Context, zone *model.ZoneID) (string, error) {
	key := s.subscriptionKey(zone)
	existing, err := s.kv.Get(key)
	if err != nil {
		return "", fmt.Errorf("loading subscription: %w", err)
	}
	if existing != nil {
		return string(existing), nil
	}

	sub := model.Subscription{ID: uuid.NewString(), Zone: zone}
	op := remote.NewModifySubscriptionsOperation(s.db, []model.Subscription{sub}, nil, nil)
	op.Start(ctx)
	if _, err := op.Wait(); err != nil {
		return "", err
	}
	if err := s.kv.Set(key, []byte(sub.ID)); err != nil {
		return "", fmt.Errorf("saving subscription: %w", err)
	}
	return sub.ID, nil
}

// DeleteSubscription removes the subscription created by
// SubscribeForChanges for the same zone. A subscription the server no
// longer knows counts as deleted.
func (s *Synchronizer) DeleteSubscription(ctx context.Context, zone *model.ZoneID) error {
	key := s.subscriptionKey(zone)
	id, err := s.kv.Get(key)
	if err != nil || id == nil {
		return err
	}
	op := remote.NewModifySubscriptionsOperation(s.db, nil, []string{string(id)}, nil)
	op.Start(ctx)
	if _, err := op.Wait(); err != nil && remote.CodeOf(err) != remote.CodeUnknownItem {
		return err
	}
	return s.kv.Delete(key)
}

// ---------------------------------------------------------------------------
// Local reset
// ---------------------------------------------------------------------------

// EraseLocal forgets every token and tears down the tracking of every
// adapter. The next round downloads everything again. It fails with
// ErrAlreadySyncing while a round runs.
func (s *Synchronizer) EraseLocal(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadySyncing
	}
	defer s.running.Store(false)

	s.unwatchAll()
	if err := s.provider.Reset(ctx); err != nil {
		return fmt.Errorf("resetting adapters: %w", err)
	}
	if err := s.kv.Delete(s.databaseTokenKey()); err != nil {
		return fmt.Errorf("deleting database token: %w", err)
	}
	s.log.Info("local sync state erased")
	return nil
}
