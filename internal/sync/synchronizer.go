package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/remote"
)

const (
	otelScope        = "zonesync/sync"
	spanSynchronize  = "zonesync.synchronize"
	spanFetchZone    = "zonesync.fetch_zone"
	spanUploadZone   = "zonesync.upload_zone"
	metricDownloaded = "zonesync.sync.records.downloaded"
	metricRemoved    = "zonesync.sync.records.removed"
	metricUploaded   = "zonesync.sync.records.uploaded"
	metricDeleted    = "zonesync.sync.records.deleted"
	metricConflicts  = "zonesync.sync.conflicts"
	metricErrors     = "zonesync.sync.errors"
)

// Defaults applied by [New] to zero-valued options.
const (
	DefaultBatchSize       = 200
	DefaultMaxUploadPasses = 5
	DefaultZoneConcurrency = 4
)

// Options configures a [Synchronizer].
type Options struct {
	// DeviceID is stamped into every uploaded record. Records carrying it
	// are not re-imported. Empty generates a random ID.
	DeviceID string

	// ModelVersion is this client's model compatibility version. Downloading
	// a record with a higher version fails with ErrHigherModelVersionFound.
	ModelVersion int64

	// BatchSize bounds both fetched pages and upload batches.
	BatchSize int

	// MaxUploadPasses caps the upload passes that end with conflicts or
	// rejected records before a zone gives up with a *ConflictError.
	MaxUploadPasses int

	// ZoneConcurrency bounds the zones fetched or uploaded in parallel.
	ZoneConcurrency int

	Delegate Delegate
}

// Stats summarizes one synchronization round.
type Stats struct {
	Downloaded int // records imported
	Removed    int // local objects deleted because the server deleted them
	Uploaded   int // records the server accepted
	Deleted    int // deletions the server accepted
	Conflicts  int // per-record conflicts merged
	Errors     int
}

type counters struct {
	downloaded, removed, uploaded, deleted, conflicts, errors atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Downloaded: int(c.downloaded.Load()),
		Removed:    int(c.removed.Load()),
		Uploaded:   int(c.uploaded.Load()),
		Deleted:    int(c.deleted.Load()),
		Conflicts:  int(c.conflicts.Load()),
		Errors:     int(c.errors.Load()),
	}
}

// Synchronizer reconciles the zones of one remote database with their model
// adapters. At most one round runs at a time. Create one with [New].
type Synchronizer struct {
	db       remote.Database
	provider AdapterProvider
	kv       KeyValueStore
	opts     Options
	delegate Delegate
	log      *slog.Logger

	running atomic.Bool
	current atomic.Pointer[Run]

	mu       sync.Mutex
	watching map[ModelAdapter]func()
	changes  chan struct{}

	// OTel instruments, never nil. No-ops when telemetry is disabled.
	tracer       trace.Tracer
	cntDown      metric.Int64Counter
	cntRemoved   metric.Int64Counter
	cntUp        metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// New creates a Synchronizer for db. Adapters already known to provider are
// watched for local changes right away.
func New(db remote.Database, provider AdapterProvider, kv KeyValueStore, opts Options, logger *slog.Logger) *Synchronizer {
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxUploadPasses <= 0 {
		opts.MaxUploadPasses = DefaultMaxUploadPasses
	}
	if opts.ZoneConcurrency <= 0 {
		opts.ZoneConcurrency = DefaultZoneConcurrency
	}
	delegate := opts.Delegate
	if delegate == nil {
		delegate = NopDelegate{}
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	s := &Synchronizer{
		db:       db,
		provider: provider,
		kv:       kv,
		opts:     opts,
		delegate: delegate,
		log:      logger.With("scope", db.Scope().String()),
		watching: make(map[ModelAdapter]func()),
		changes:  make(chan struct{}, 1),

		tracer:       tracer,
		cntDown:      mustCounter(metricDownloaded, "Number of records imported from the server"),
		cntRemoved:   mustCounter(metricRemoved, "Number of local objects removed by server deletions"),
		cntUp:        mustCounter(metricUploaded, "Number of records uploaded"),
		cntDeleted:   mustCounter(metricDeleted, "Number of record deletions uploaded"),
		cntConflicts: mustCounter(metricConflicts, "Number of per-record conflicts merged"),
		cntErrors:    mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
	for _, a := range provider.Adapters() {
		s.watch(a)
	}
	return s
}

// DeviceID returns the identifier stamped into uploaded records.
func (s *Synchronizer) DeviceID() string { return s.opts.DeviceID }

// LocalChanges delivers a value whenever an adapter goes from having no
// pending changes to having some. Deliveries coalesce.
func (s *Synchronizer) LocalChanges() <-chan struct{} { return s.changes }

// IsSyncing reports whether a round is running.
func (s *Synchronizer) IsSyncing() bool { return s.running.Load() }

func (s *Synchronizer) watch(a ModelAdapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watching[a]; ok {
		return
	}
	s.watching[a] = a.SubscribeLocalChanges(func() {
		select {
		case s.changes <- struct{}{}:
		default:
		}
	})
}

func (s *Synchronizer) unwatchAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for a, cancel := range s.watching {
		cancel()
		delete(s.watching, a)
	}
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// Run is the handle of one synchronization round.
type Run struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
	stats  Stats
}

func finishedRun(err error) *Run {
	r := &Run{done: make(chan struct{}), cancel: func() {}, err: err}
	close(r.done)
	return r
}

// Wait blocks until the round completed and returns its error.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// Done is closed once the round completed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops the round. Work already persisted is kept.
func (r *Run) Cancel() { r.cancel() }

// Stats returns the round's counters. Valid after Done is closed.
func (r *Run) Stats() Stats {
	<-r.done
	return r.stats
}

// Synchronize starts a round and returns immediately. A round requested
// while another is running completes at once with ErrAlreadySyncing.
func (s *Synchronizer) Synchronize(ctx context.Context) *Run {
	if !s.running.CompareAndSwap(false, true) {
		return finishedRun(ErrAlreadySyncing)
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Run{done: make(chan struct{}), cancel: cancel}
	s.current.Store(r)

	go func() {
		var c counters
		err := s.run(ctx, &c)
		if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		cancel()
		r.err, r.stats = err, c.snapshot()

		s.current.Store(nil)
		s.running.Store(false)
		if err != nil {
			s.log.Error("synchronization failed", "error", err)
			s.notify("DidFail", func(d Delegate) { d.DidFail(err) })
		} else {
			s.log.Info("synchronization finished",
				"downloaded", r.stats.Downloaded, "uploaded", r.stats.Uploaded,
				"deleted", r.stats.Deleted, "conflicts", r.stats.Conflicts)
			s.notify("DidSync", func(d Delegate) { d.DidSync(r.stats) })
		}
		close(r.done)
	}()
	return r
}

// Cancel cancels the running round, if any.
func (s *Synchronizer) Cancel() {
	if r := s.current.Load(); r != nil {
		r.Cancel()
	}
}

// run executes one round, recording a trace span and metrics.
func (s *Synchronizer) run(ctx context.Context, c *counters) (err error) {
	ctx, span := s.tracer.Start(ctx, spanSynchronize)
	defer func() {
		st := c.snapshot()
		if err != nil {
			c.errors.Add(1)
			st.Errors++
		}
		s.cntDown.Add(ctx, int64(st.Downloaded))
		s.cntRemoved.Add(ctx, int64(st.Removed))
		s.cntUp.Add(ctx, int64(st.Uploaded))
		s.cntDeleted.Add(ctx, int64(st.Deleted))
		s.cntConflicts.Add(ctx, int64(st.Conflicts))
		s.cntErrors.Add(ctx, int64(st.Errors))
		span.SetAttributes(
			attribute.Int("sync.downloaded", st.Downloaded),
			attribute.Int("sync.removed", st.Removed),
			attribute.Int("sync.uploaded", st.Uploaded),
			attribute.Int("sync.deleted", st.Deleted),
			attribute.Int("sync.conflicts", st.Conflicts),
			attribute.Int("sync.errors", st.Errors),
		)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	s.notify("WillStart", func(d Delegate) { d.WillStart() })

	s.notify("WillCheckZones", func(d Delegate) { d.WillCheckZones() })
	dbToken, err := s.checkZones(ctx)
	if err != nil {
		return err
	}

	adapters := s.provider.Adapters()
	for _, a := range adapters {
		s.watch(a)
	}

	if err := s.eachZone(adapters, func(a ModelAdapter) error { return s.fetchZone(ctx, a, c) }); err != nil {
		return err
	}
	if err := s.saveDatabaseToken(dbToken); err != nil {
		return err
	}
	return s.eachZone(adapters, func(a ModelAdapter) error { return s.uploadZone(ctx, a, c) })
}

// eachZone runs fn for every adapter with bounded concurrency. Every zone is
// processed; the first error is returned.
func (s *Synchronizer) eachZone(adapters []ModelAdapter, fn func(ModelAdapter) error) error {
	var g errgroup.Group
	g.SetLimit(s.opts.ZoneConcurrency)
	for _, a := range adapters {
		g.Go(func() error { return fn(a) })
	}
	return g.Wait()
}

// ---------------------------------------------------------------------------
// Checking zones
// ---------------------------------------------------------------------------

// DatabaseTokenKey is the key-value store key of the database change token
// for scope.
func DatabaseTokenKey(scope model.Scope) string {
	return "zonesync." + scope.String() + ".database_token"
}

func (s *Synchronizer) databaseTokenKey() string {
	return DatabaseTokenKey(s.db.Scope())
}

func (s *Synchronizer) databaseToken() (model.ChangeToken, error) {
	b, err := s.kv.Get(s.databaseTokenKey())
	if err != nil {
		return nil, fmt.Errorf("loading database token: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	return model.ChangeToken(b), nil
}

func (s *Synchronizer) saveDatabaseToken(tok model.ChangeToken) error {
	if tok == nil {
		return nil
	}
	if err := s.kv.Set(s.databaseTokenKey(), tok); err != nil {
		return fmt.Errorf("saving database token: %w", err)
	}
	return nil
}

// checkZones reads the database change feed, resolves adapters for changed
// zones and tears down deleted ones. It returns the token to persist once
// the zones were fetched.
func (s *Synchronizer) checkZones(ctx context.Context) (model.ChangeToken, error) {
	tok, err := s.databaseToken()
	if err != nil {
		return nil, err
	}

	fetch := func(tok model.ChangeToken) (*remote.DatabaseChanges, error) {
		op := remote.NewFetchDatabaseChangesOperation(s.db, tok, nil)
		op.Start(ctx)
		return op.Wait()
	}
	changes, err := fetch(tok)
	if err != nil && tok != nil && remote.CodeOf(err) == remote.CodeChangeTokenExpired {
		s.log.Warn("database change token expired, refetching from scratch")
		changes, err = fetch(nil)
	}
	if err != nil {
		return nil, err
	}

	for _, zone := range changes.Deleted {
		s.log.Info("zone deleted remotely", "zone", zone.String())
		if err := s.provider.ZoneWasDeleted(ctx, zone); err != nil {
			return nil, fmt.Errorf("tearing down zone %s: %w", zone, err)
		}
		s.notify("ZoneWasDeleted", func(d Delegate) { d.ZoneWasDeleted(zone) })
	}
	for _, zone := range changes.Changed {
		a, err := s.provider.AdapterFor(ctx, zone)
		if err != nil {
			return nil, fmt.Errorf("resolving adapter of zone %s: %w", zone, err)
		}
		if a == nil {
			s.log.Debug("ignoring changes of unserved zone", "zone", zone.String())
		}
	}
	return changes.Token, nil
}

// ---------------------------------------------------------------------------
// Fetching
// ---------------------------------------------------------------------------

// fetchZone pages through a zone's changes and imports them. The zone token
// only advances after a page was persisted.
func (s *Synchronizer) fetchZone(ctx context.Context, a ModelAdapter, c *counters) (err error) {
	zone := a.RecordZoneID()
	log := s.log.With("zone", zone.String())
	ctx, span := s.tracer.Start(ctx, spanFetchZone, trace.WithAttributes(attribute.String("zone", zone.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	s.notify("WillFetchChanges", func(d Delegate) { d.WillFetchChanges(zone) })
	defer func() {
		s.notify("DidFetchChanges", func(d Delegate) { d.DidFetchChanges(zone, err) })
	}()

	tok, err := a.ServerChangeToken(ctx)
	if err != nil {
		return fmt.Errorf("loading token of zone %s: %w", zone, err)
	}
	handler := func(ctx context.Context, page *remote.ZoneChanges) error {
		return s.importPage(ctx, a, page, c)
	}

	for {
		op := remote.NewFetchZoneChangesOperation(s.db, zone, tok, s.opts.BatchSize, handler, nil)
		op.Start(ctx)
		_, err = op.Wait()
		switch {
		case err == nil:
			return nil
		case tok != nil && remote.CodeOf(err) == remote.CodeChangeTokenExpired:
			log.Warn("zone change token expired, refetching from scratch")
			if err := a.SaveToken(ctx, nil); err != nil {
				return fmt.Errorf("resetting token of zone %s: %w", zone, err)
			}
			tok = nil
		case remote.CodeOf(err) == remote.CodeZoneNotFound:
			// Not created yet; the upload creates it.
			log.Debug("zone does not exist remotely")
			return nil
		default:
			return err
		}
	}
}

// importPage applies one page of changes to the adapter and persists the
// page's token afterwards.
func (s *Synchronizer) importPage(ctx context.Context, a ModelAdapter, page *remote.ZoneChanges, c *counters) error {
	records := make([]*model.Record, 0, len(page.Changed))
	for _, rec := range page.Changed {
		if v := rec.ModelVersion(); v > s.opts.ModelVersion {
			return fmt.Errorf("record %s has model version %d, this client supports %d: %w",
				rec.ID.Name, v, s.opts.ModelVersion, ErrHigherModelVersionFound)
		}
		if rec.DeviceID() == s.opts.DeviceID {
			known, err := a.HasRecordID(ctx, rec.ID)
			if err != nil {
				return err
			}
			if known {
				continue
			}
		}
		records = append(records, rec)
	}

	a.PrepareToImport()
	err := s.applyPage(ctx, a, records, page.Deleted)
	a.DidFinishImport(err)
	if err != nil {
		return err
	}
	c.downloaded.Add(int64(len(records)))
	c.removed.Add(int64(len(page.Deleted)))

	if err := a.SaveToken(ctx, page.Token); err != nil {
		return fmt.Errorf("saving token of zone %s: %w", a.RecordZoneID(), err)
	}
	return nil
}

func (s *Synchronizer) applyPage(ctx context.Context, a ModelAdapter, records []*model.Record, deleted []model.RecordID) error {
	if len(records) > 0 {
		if err := a.SaveChanges(ctx, records); err != nil {
			return fmt.Errorf("importing records: %w", err)
		}
	}
	if len(deleted) > 0 {
		if err := a.DeleteRecords(ctx, deleted); err != nil {
			return fmt.Errorf("importing deletions: %w", err)
		}
	}
	if err := a.PersistImportedChanges(ctx); err != nil {
		return fmt.Errorf("persisting imported changes: %w", err)
	}
	return nil
}
