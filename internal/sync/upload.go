package sync

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/remote"
)

var errNoProgress = errors.New("server accepted nothing")

// uploadZone sends the adapter's pending records and deletions in batches
// until nothing is left. Conflicting records are merged with the server's
// version and retried in the next pass.
func (s *Synchronizer) uploadZone(ctx context.Context, a ModelAdapter, c *counters) (err error) {
	zone := a.RecordZoneID()
	has, err := a.HasChanges(ctx)
	if err != nil {
		return fmt.Errorf("checking changes of zone %s: %w", zone, err)
	}
	if !has {
		return nil
	}

	log := s.log.With("zone", zone.String())
	ctx, span := s.tracer.Start(ctx, spanUploadZone, trace.WithAttributes(attribute.String("zone", zone.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	s.notify("WillUploadChanges", func(d Delegate) { d.WillUploadChanges(zone) })

	batch := s.opts.BatchSize
	ensured := false
	rejectedPasses := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := a.RecordsToUpload(ctx, batch)
		if err != nil {
			return fmt.Errorf("collecting records of zone %s: %w", zone, err)
		}
		dels, err := a.RecordIDsMarkedForDeletion(ctx, batch)
		if err != nil {
			return fmt.Errorf("collecting deletions of zone %s: %w", zone, err)
		}
		if len(recs) == 0 && len(dels) == 0 {
			return nil
		}
		s.stamp(recs)

		res, err := s.modify(ctx, recs, dels)
		switch code := remote.CodeOf(err); {
		case err == nil:
		case code == remote.CodeZoneNotFound && !ensured && s.db.Scope() == model.ScopePrivate:
			log.Info("creating zone")
			if err := s.createZone(ctx, zone); err != nil {
				return err
			}
			ensured = true
			continue
		case code == remote.CodeLimitExceeded && batch > 1:
			batch /= 2
			log.Warn("upload batch too large, halving", "batch_size", batch)
			continue
		default:
			return err
		}

		if len(res.Saved) > 0 {
			if err := a.DidUpload(ctx, res.Saved); err != nil {
				return fmt.Errorf("marking uploaded records of zone %s: %w", zone, err)
			}
		}
		if len(res.Deleted) > 0 {
			if err := a.DidDelete(ctx, res.Deleted); err != nil {
				return fmt.Errorf("marking deleted records of zone %s: %w", zone, err)
			}
		}
		c.uploaded.Add(int64(len(res.Saved)))
		c.deleted.Add(int64(len(res.Deleted)))

		if len(res.Conflicts) > 0 {
			log.Info("merging conflicting records", "count", len(res.Conflicts))
			c.conflicts.Add(int64(len(res.Conflicts)))
			if err := s.mergeConflicts(ctx, a, res.Conflicts); err != nil {
				return fmt.Errorf("merging conflicts of zone %s: %w", zone, err)
			}
		}
		for _, f := range res.Failed {
			log.Warn("record rejected", "record", f.ID.Name, "error", f.Err)
		}

		rejected := rejectedIDs(res)
		if len(rejected) == 0 {
			continue
		}
		rejectedPasses++
		progress := len(res.Saved) + len(res.Deleted) + len(res.Conflicts)
		if progress == 0 || rejectedPasses >= s.opts.MaxUploadPasses {
			cerr := &ConflictError{Zone: zone, Passes: rejectedPasses, IDs: rejected}
			if progress == 0 {
				return fmt.Errorf("%w: %w", errNoProgress, cerr)
			}
			return cerr
		}
	}
}

// stamp writes the engine metadata into records about to be uploaded.
func (s *Synchronizer) stamp(recs []*model.Record) {
	for _, r := range recs {
		r.Set(model.FieldDeviceID, s.opts.DeviceID)
		r.Set(model.FieldModelVersion, s.opts.ModelVersion)
	}
}

func (s *Synchronizer) modify(ctx context.Context, save []*model.Record, del []model.RecordID) (*remote.ModifyResult, error) {
	op := remote.NewModifyRecordsOperation(s.db, save, del, nil)
	op.Start(ctx)
	return op.Wait()
}

func (s *Synchronizer) createZone(ctx context.Context, zone model.ZoneID) error {
	op := remote.NewModifyZonesOperation(s.db, []model.ZoneID{zone}, nil, nil)
	op.Start(ctx)
	_, err := op.Wait()
	return err
}

// mergeConflicts imports the server's version of conflicting records so the
// next upload starts from merged state.
func (s *Synchronizer) mergeConflicts(ctx context.Context, a ModelAdapter, conflicts []remote.Conflict) error {
	servers := make([]*model.Record, 0, len(conflicts))
	for _, cf := range conflicts {
		if cf.Server != nil {
			servers = append(servers, cf.Server)
		}
	}
	a.PrepareToImport()
	err := s.applyPage(ctx, a, servers, nil)
	a.DidFinishImport(err)
	return err
}

func rejectedIDs(res *remote.ModifyResult) []model.RecordID {
	ids := make([]model.RecordID, 0, len(res.Conflicts)+len(res.Failed))
	for _, cf := range res.Conflicts {
		if cf.Client != nil {
			ids = append(ids, cf.Client.ID)
		} else if cf.Server != nil {
			ids = append(ids, cf.Server.ID)
		}
	}
	for _, f := range res.Failed {
		ids = append(ids, f.ID)
	}
	return ids
}
