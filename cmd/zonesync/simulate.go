package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/njoerd114/zonesync/internal/adapter"
	"github.com/njoerd114/zonesync/internal/config"
	"github.com/njoerd114/zonesync/internal/kv"
	"github.com/njoerd114/zonesync/internal/localstore"
	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/provider"
	"github.com/njoerd114/zonesync/internal/recordstore"
	"github.com/njoerd114/zonesync/internal/remote"
	syncp "github.com/njoerd114/zonesync/internal/sync"
)

// transportAttempts bounds retries of transient transport errors.
const transportAttempts = 3

// notesSchema is the local model used by the simulation: folders own notes.
func notesSchema() []localstore.EntityDescriptor {
	return []localstore.EntityDescriptor{
		{Name: "Folder", PrimaryKey: "identifier"},
		{
			Name:          "Note",
			PrimaryKey:    "identifier",
			ParentKey:     "folder",
			Relationships: map[string]string{"folder": "Folder"},
		},
	}
}

// simDevice is one installation taking part in a simulation.
type simDevice struct {
	name     string
	locals   map[model.ZoneID]*localstore.Store
	provider *provider.Static
	engine   *syncp.Engine
}

// openSimDevice lays out a device under dir the same way a real installation
// lays out cfg.DataDir, and connects it to server.
func openSimDevice(ctx context.Context, name, dir string, cfg *config.Config, server *recordstore.Server, logger *slog.Logger) (*simDevice, error) {
	dcfg := *cfg
	dcfg.DataDir = dir
	logger = logger.With("device", name)

	tokens, err := kv.OpenFile(dcfg.TokenFile())
	if err != nil {
		return nil, err
	}
	id, err := deviceID(tokens)
	if err != nil {
		return nil, err
	}

	d := &simDevice{name: name, locals: make(map[model.ZoneID]*localstore.Store)}
	newLocal := func(zone model.ZoneID) (*localstore.Store, error) {
		local, err := localstore.New(notesSchema()...)
		if err != nil {
			return nil, err
		}
		d.locals[zone] = local
		return local, nil
	}
	d.provider, err = provider.OpenStatic(ctx, dcfg.ZonesDir(), configuredZones(cfg), newLocal,
		adapter.Options{MergePolicy: cfg.ParsedMergePolicy(), Resolver: adapter.KeepLocal}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening zones of %s: %w", name, err)
	}

	db := remote.NewRetryingDatabase(server.Database(cfg.Container, model.ScopePrivate), transportAttempts, logger)
	s := syncp.New(db, d.provider, tokens, syncp.Options{
		DeviceID:        id,
		ModelVersion:    cfg.CompatibilityVersion,
		BatchSize:       cfg.BatchSize,
		MaxUploadPasses: cfg.MaxUploadPasses,
		ZoneConcurrency: cfg.ZoneConcurrency,
	}, logger)
	d.engine = syncp.NewEngine(s, cfg.PollInterval, logger)
	return d, nil
}

func (d *simDevice) close(logger *slog.Logger) {
	if err := d.provider.Close(); err != nil {
		logger.Error("closing device", "device", d.name, "error", err)
	}
}

// populate writes one folder holding n notes into every zone.
func (d *simDevice) populate(ctx context.Context, n int) error {
	for zone, local := range d.locals {
		err := local.Write(ctx, func(tx *localstore.Tx) error {
			folder, err := tx.Insert("Folder", map[string]any{
				"identifier": "inbox-" + zone.Name,
				"name":       "Inbox",
			})
			if err != nil {
				return err
			}
			for i := range n {
				if _, err := tx.Insert("Note", map[string]any{
					"identifier": fmt.Sprintf("%s-%d", zone.Name, i),
					"title":      fmt.Sprintf("Note %d", i+1),
					"folder":     folder,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("populating %s on %s: %w", zone, d.name, err)
		}
	}
	return nil
}

func (d *simDevice) sync(ctx context.Context, logger *slog.Logger) error {
	stats, err := d.engine.RunOnce(ctx)
	logger.Info("sync complete",
		"device", d.name,
		"downloaded", stats.Downloaded,
		"removed", stats.Removed,
		"uploaded", stats.Uploaded,
		"deleted", stats.Deleted,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
	)
	return err
}

// runSimulate syncs two devices through an in-process record store using
// the configured zones and limits, then compares what each device holds.
func runSimulate(args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	cfgPath := configFlag(fs)
	notes := fs.Int("notes", 25, "notes written per zone on the first device")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(*verbose)
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if len(cfg.Zones) == 0 {
		return fmt.Errorf("simulate needs at least one entry in zones")
	}
	defer setupTelemetry(cfg, "simulator", logger)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	dir, err := os.MkdirTemp("", "zonesync-simulate-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	server := recordstore.NewServer()
	server.SetMaxBatch(cfg.BatchSize)

	var devices []*simDevice
	for _, name := range []string{"laptop", "phone"} {
		d, err := openSimDevice(ctx, name, filepath.Join(dir, name), cfg, server, logger)
		if err != nil {
			return err
		}
		defer d.close(logger)
		devices = append(devices, d)
	}
	laptop, phone := devices[0], devices[1]

	if err := laptop.populate(ctx, *notes); err != nil {
		return err
	}
	for _, d := range []*simDevice{laptop, phone} {
		if err := d.sync(ctx, logger); err != nil {
			return fmt.Errorf("syncing %s: %w", d.name, err)
		}
	}

	mismatch := false
	for _, zone := range configuredZones(cfg) {
		a, b := len(laptop.locals[zone].All("Note")), len(phone.locals[zone].All("Note"))
		fmt.Printf("  %-24s laptop=%d phone=%d\n", zone.Name, a, b)
		if a != b {
			mismatch = true
		}
	}
	if mismatch {
		return fmt.Errorf("devices disagree after sync")
	}
	fmt.Println("✓ Both devices hold the same notes.")
	return nil
}
