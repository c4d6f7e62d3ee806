package recordstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/remote"
)

var _ remote.Database = (*Database)(nil)

// Database is one user's view of the server in one scope.
type Database struct {
	server *Server
	user   string
	scope  model.Scope
}

func (d *Database) Scope() model.Scope { return d.scope }

// User returns the user this view belongs to.
func (d *Database) User() string { return d.user }

func (d *Database) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn := d.server.interceptor(); fn != nil {
		return fn(ctx, d.user, op)
	}
	return nil
}

// key maps a client-side zone ID to the server's owner-qualified key.
func (d *Database) key(id model.ZoneID) zoneKey {
	if id.Owner == "" || id.Owner == model.DefaultOwner {
		return zoneKey{owner: d.user, name: id.Name}
	}
	return zoneKey{owner: id.Owner, name: id.Name}
}

// zoneID is the inverse of key.
func (d *Database) zoneID(k zoneKey) model.ZoneID {
	if k.owner == d.user {
		return model.NewZoneID(k.name)
	}
	return model.ZoneID{Name: k.name, Owner: k.owner}
}

// visibleLocked reports whether the zone is part of this view.
func (d *Database) visibleLocked(k zoneKey) bool {
	if d.scope == model.ScopePrivate {
		return k.owner == d.user
	}
	if k.owner == d.user {
		return false
	}
	z, ok := d.server.zones[k]
	return ok && sharePermission(z) != model.PermissionNone
}

func (d *Database) zoneLocked(id model.ZoneID) (*zone, error) {
	k := d.key(id)
	z, ok := d.server.zones[k]
	if !ok || !d.visibleLocked(k) {
		return nil, remote.NewError(remote.CodeZoneNotFound, fmt.Errorf("zone %s", id))
	}
	return z, nil
}

// rekey rewrites a record's zone IDs into this view's naming.
func (d *Database) rekey(r *model.Record, k zoneKey) *model.Record {
	zid := d.zoneID(k)
	r.ID.Zone = zid
	if r.Parent != nil {
		r.Parent.RecordID.Zone = zid
	}
	if r.Share != nil {
		r.Share.RecordID.Zone = zid
	}
	for f, v := range r.Fields {
		if ref, ok := v.(model.Reference); ok {
			ref.RecordID.Zone = zid
			r.Fields[f] = ref
		}
	}
	return r
}

// FetchDatabaseChanges reports zones of this view that changed or vanished
// since token. Zones that stop being shared are reported as deleted.
func (d *Database) FetchDatabaseChanges(ctx context.Context, token model.ChangeToken) (*remote.DatabaseChanges, error) {
	if err := d.check(ctx, "fetchDatabaseChanges"); err != nil {
		return nil, err
	}
	_, since, err := decodeToken(token)
	if err != nil {
		return nil, expired(err)
	}

	s := d.server
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make(map[zoneKey]bool)
	var order []zoneKey
	for _, ev := range s.feed {
		if ev.seq <= since {
			continue
		}
		if d.scope == model.ScopePrivate && ev.zone.owner != d.user {
			continue
		}
		if d.scope == model.ScopeShared && ev.zone.owner == d.user {
			continue
		}
		if _, seen := changed[ev.zone]; !seen {
			order = append(order, ev.zone)
		}
		changed[ev.zone] = true
	}

	res := &remote.DatabaseChanges{Token: encodeToken(0, s.seq)}
	for _, k := range order {
		if _, exists := s.zones[k]; exists && d.visibleLocked(k) {
			res.Changed = append(res.Changed, d.zoneID(k))
		} else {
			res.Deleted = append(res.Deleted, d.zoneID(k))
		}
	}
	return res, nil
}

// FetchZoneChanges returns records changed in zone since token, at most
// limit distinct records per page.
func (d *Database) FetchZoneChanges(ctx context.Context, id model.ZoneID, token model.ChangeToken, limit int) (*remote.ZoneChanges, error) {
	if err := d.check(ctx, "fetchZoneChanges"); err != nil {
		return nil, err
	}
	epoch, since, err := decodeToken(token)
	if err != nil {
		return nil, expired(err)
	}

	s := d.server
	s.mu.Lock()
	defer s.mu.Unlock()

	z, err := d.zoneLocked(id)
	if err != nil {
		return nil, err
	}
	if token != nil && epoch != z.epoch {
		return nil, expired(fmt.Errorf("token of zone %s is from epoch %d", id, epoch))
	}

	res := &remote.ZoneChanges{}
	seen := make(map[string]bool)
	last := since
	for i, ev := range z.feed {
		if ev.seq <= since {
			continue
		}
		if !seen[ev.name] && limit > 0 && len(seen) == limit {
			res.MoreComing = i < len(z.feed)
			break
		}
		seen[ev.name] = true
		last = ev.seq
	}
	if !res.MoreComing && len(z.feed) > 0 && last < z.feed[len(z.feed)-1].seq {
		last = z.feed[len(z.feed)-1].seq
	}

	for _, name := range slices.Sorted(maps.Keys(seen)) {
		if r, ok := z.records[name]; ok {
			res.Changed = append(res.Changed, d.rekey(r.Copy(), z.key))
		} else {
			res.Deleted = append(res.Deleted, model.RecordID{Name: name, Zone: d.zoneID(z.key)})
		}
	}
	res.Token = encodeToken(z.epoch, last)
	return res, nil
}

// ModifyRecords saves then deletes records. Saves are applied in order, so a
// parent saved earlier in the same request satisfies a child's parent
// reference.
func (d *Database) ModifyRecords(ctx context.Context, save []*model.Record, del []model.RecordID) (*remote.ModifyResult, error) {
	if err := d.check(ctx, "modifyRecords"); err != nil {
		return nil, err
	}

	s := d.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(save) + len(del); s.maxBatch > 0 && n > s.maxBatch {
		return nil, remote.NewError(remote.CodeLimitExceeded, fmt.Errorf("%d items exceed the limit of %d", n, s.maxBatch))
	}
	for _, r := range save {
		if _, err := d.zoneLocked(r.ID.Zone); err != nil {
			return nil, err
		}
	}
	for _, id := range del {
		if _, err := d.zoneLocked(id.Zone); err != nil {
			return nil, err
		}
	}

	res := &remote.ModifyResult{}
	for _, rec := range save {
		z, _ := d.zoneLocked(rec.ID.Zone)
		if err := d.writableLocked(z); err != nil {
			res.Failed = append(res.Failed, remote.RecordFailure{ID: rec.ID, Err: err})
			continue
		}
		existing, exists := z.records[rec.ID.Name]
		switch {
		case exists && existing.ChangeTag != rec.ChangeTag:
			res.Conflicts = append(res.Conflicts, remote.Conflict{
				Client: rec,
				Server: d.rekey(existing.Copy(), z.key),
			})
			continue
		case !exists && rec.ChangeTag != "":
			res.Failed = append(res.Failed, remote.RecordFailure{
				ID:  rec.ID,
				Err: remote.NewError(remote.CodeUnknownItem, fmt.Errorf("record %s was deleted", rec.ID.Name)),
			})
			continue
		}
		if rec.Parent != nil {
			if _, ok := z.records[rec.Parent.RecordID.Name]; !ok {
				res.Failed = append(res.Failed, remote.RecordFailure{
					ID:  rec.ID,
					Err: remote.NewError(remote.CodeUnknownItem, fmt.Errorf("parent %s of %s does not exist", rec.Parent.RecordID.Name, rec.ID.Name)),
				})
				continue
			}
		}
		saved := s.saveLocked(z, rec)
		res.Saved = append(res.Saved, d.rekey(saved, z.key))
	}

	for _, id := range del {
		z, _ := d.zoneLocked(id.Zone)
		if err := d.writableLocked(z); err != nil {
			res.Failed = append(res.Failed, remote.RecordFailure{ID: id, Err: err})
			continue
		}
		s.deleteLocked(z, id.Name)
		res.Deleted = append(res.Deleted, id)
	}
	return res, nil
}

var errReadOnly = errors.New("zone is shared read-only")

func (d *Database) writableLocked(z *zone) error {
	if z.key.owner == d.user || sharePermission(z) == model.PermissionReadWrite {
		return nil
	}
	return remote.NewError(remote.CodeNotAuthenticated, errReadOnly)
}

// ModifyZones creates and deletes zones. Only owners manage zones, so the
// shared scope rejects the call.
func (d *Database) ModifyZones(ctx context.Context, save []model.ZoneID, del []model.ZoneID) error {
	if err := d.check(ctx, "modifyZones"); err != nil {
		return err
	}
	if d.scope != model.ScopePrivate {
		return remote.NewError(remote.CodeNotAuthenticated, errors.New("zones can only be modified in the private scope"))
	}
	s := d.server
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range save {
		s.createZoneLocked(d.key(id))
	}
	for _, id := range del {
		s.deleteZoneLocked(d.key(id))
	}
	return nil
}

// ModifySubscriptions saves and deletes subscriptions of this user.
func (d *Database) ModifySubscriptions(ctx context.Context, save []model.Subscription, del []string) error {
	if err := d.check(ctx, "modifySubscriptions"); err != nil {
		return err
	}
	s := d.server
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscriptions[d.user]
	if subs == nil {
		subs = make(map[string]model.Subscription)
		s.subscriptions[d.user] = subs
	}
	for _, sub := range save {
		if sub.Zone != nil {
			if _, err := d.zoneLocked(*sub.Zone); err != nil {
				return err
			}
		}
		subs[sub.ID] = sub
	}
	for _, id := range del {
		if _, ok := subs[id]; !ok {
			return remote.NewError(remote.CodeUnknownItem, fmt.Errorf("subscription %s", id))
		}
		delete(subs, id)
	}
	return nil
}
