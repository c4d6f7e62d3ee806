// zonesync keeps local object stores in sync with the record zones of a
// remote record store.
//
// Usage:
//
//	zonesync init [--config <path>]                       # interactive first-run wizard
//	zonesync status [--config <path>]                     # per-zone bookkeeping state
//	zonesync purge-zone [--config <path>] [--owner o] <zone>  # drop a zone's tracking
//	zonesync simulate [--config <path>] [--notes N]       # rehearse a sync between two devices
//	zonesync version                                      # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/zonesync/internal/adapter"
	"github.com/njoerd114/zonesync/internal/config"
	"github.com/njoerd114/zonesync/internal/kv"
	"github.com/njoerd114/zonesync/internal/localstore"
	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/provider"
	"github.com/njoerd114/zonesync/internal/setup"
	"github.com/njoerd114/zonesync/internal/state"
	syncp "github.com/njoerd114/zonesync/internal/sync"
	"github.com/njoerd114/zonesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// deviceIDKey stores this installation's device ID next to the tokens.
const deviceIDKey = "zonesync.device_id"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by the first argument.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "init":
		return runInit(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "purge-zone":
		return runPurgeZone(os.Args[2:])
	case "simulate":
		return runSimulate(os.Args[2:])
	case "version":
		fmt.Println("zonesync", version)
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "zonesync - sync local object stores with remote record zones")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  zonesync init [--config ...]                   Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  zonesync status [--config ...]                 Show per-zone bookkeeping state")
	fmt.Fprintln(os.Stderr, "  zonesync purge-zone [--config ...] <zone>      Drop a zone's change tracking")
	fmt.Fprintln(os.Stderr, "  zonesync simulate [--config ...] [--notes N]   Rehearse a sync between two devices")
	fmt.Fprintln(os.Stderr, "  zonesync version                               Print version")
}

// --- Shared helpers ----------------------------------------------------------

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func configFlag(fs *flag.FlagSet) *string {
	defaultCfg, _ := config.DefaultPath()
	return fs.String("config", defaultCfg, "path to config.yaml")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", path, err)
	}
	return cfg, nil
}

// deviceID returns the device ID stored in store, generating one on first use.
func deviceID(store kv.Store) (string, error) {
	b, err := store.Get(deviceIDKey)
	if err != nil {
		return "", err
	}
	if b != nil {
		return string(b), nil
	}
	id := uuid.NewString()
	if err := store.Set(deviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("saving device ID: %w", err)
	}
	return id, nil
}

// setupTelemetry starts telemetry if the config asks for it. The returned
// function flushes it and is never nil.
func setupTelemetry(cfg *config.Config, device string, logger *slog.Logger) func() {
	if cfg.Telemetry == nil {
		return func() {}
	}
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Headers:      cfg.Telemetry.Headers,
		Version:      version,
		DeviceID:     device,
		Container:    cfg.Container,
	})
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return func() {}
	}
	logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}
}

// emptyLocal backs adapters opened only to inspect or purge bookkeeping.
func emptyLocal(model.ZoneID) (*localstore.Store, error) { return localstore.New() }

// --- Subcommands -------------------------------------------------------------

// runInit launches the interactive setup wizard.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	_, err := setup.NewWizard(os.Stdin, os.Stdout, logger).Run(*cfgPath)
	return err
}

// runStatus prints the bookkeeping state of every zone in the data directory.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	fmt.Println("zonesync status")
	fmt.Println("───────────────")
	fmt.Printf("  Config:    %s\n", *cfgPath)
	fmt.Printf("  Container: %s (%s scope)\n", cfg.Container, cfg.ParsedScope())
	fmt.Printf("  Data dir:  %s\n", cfg.DataDir)

	if _, err := os.Stat(cfg.TokenFile()); err == nil {
		tokens, err := kv.OpenFile(cfg.TokenFile())
		if err != nil {
			return err
		}
		tok, err := tokens.Get(syncp.DatabaseTokenKey(cfg.ParsedScope()))
		if err != nil {
			return err
		}
		fmt.Printf("  DB token:  %s\n", presence(tok != nil))
		if id, _ := tokens.Get(deviceIDKey); id != nil {
			fmt.Printf("  Device:    %s\n", id)
		}
	} else {
		fmt.Println("  DB token:  none (never synced)")
	}

	dirs, err := provider.ZoneDirs(cfg.ZonesDir())
	if err != nil {
		return fmt.Errorf("listing zones: %w", err)
	}
	if len(dirs) == 0 {
		fmt.Println("  Zones:     none")
		return nil
	}
	fmt.Printf("  Zones:     %d\n", len(dirs))
	for _, dir := range dirs {
		if err := printZone(ctx, dir); err != nil {
			fmt.Printf("    %s: %v\n", dir, err)
		}
	}
	return nil
}

func printZone(ctx context.Context, dir string) error {
	meta, err := provider.ReadZoneMeta(dir)
	if err != nil {
		return err
	}
	zone := meta.ZoneID()

	st, err := state.Open(ctx, provider.StatePath(dir))
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.CountByState(ctx)
	if err != nil {
		return err
	}
	tok, err := st.Token(ctx, zone.String())
	if err != nil {
		return err
	}
	size := "?"
	if info, err := os.Stat(provider.StatePath(dir)); err == nil {
		size = humanSize(info.Size())
	}

	fmt.Printf("    %-32s new=%d changed=%d synced=%d deleted=%d token=%s db=%s\n",
		zone.String(),
		counts[state.StateNew], counts[state.StateChanged],
		counts[state.StateSynced], counts[state.StateDeleted],
		presence(tok != nil), size,
	)
	return nil
}

// runPurgeZone deletes the change tracking of one zone so the next sync
// downloads it again from scratch.
func runPurgeZone(args []string) error {
	fs := flag.NewFlagSet("purge-zone", flag.ExitOnError)
	cfgPath := configFlag(fs)
	owner := fs.String("owner", model.DefaultOwner, "owner of the zone (shared scope)")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: zonesync purge-zone [--config <path>] [--owner <owner>] <zone>")
	}
	logger := newLogger(*verbose)
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	zone := model.ZoneID{Name: fs.Arg(0), Owner: *owner}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	zones, err := provider.OpenPerZone(ctx, cfg.ZonesDir(), emptyLocal, adapter.Options{}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := zones.Close(); err != nil {
			logger.Error("closing zones", "error", err)
		}
	}()

	found, err := zones.Purge(ctx, zone)
	if err != nil {
		return fmt.Errorf("purging zone %s: %w", zone, err)
	}
	if !found {
		return fmt.Errorf("zone %s has no bookkeeping in %s", zone, cfg.ZonesDir())
	}

	// Zones of the shared scope are rediscovered from the database feed.
	if _, err := os.Stat(cfg.TokenFile()); err == nil {
		tokens, err := kv.OpenFile(cfg.TokenFile())
		if err != nil {
			return err
		}
		if err := tokens.Delete(syncp.DatabaseTokenKey(cfg.ParsedScope())); err != nil {
			return err
		}
	}

	fmt.Printf("✓ Zone %s purged. It is downloaded again on the next sync.\n", zone)
	return nil
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "none"
}

// configuredZones returns the zones listed in the config, owned by the
// current user.
func configuredZones(cfg *config.Config) []model.ZoneID {
	zones := make([]model.ZoneID, 0, len(cfg.Zones))
	for _, name := range cfg.Zones {
		zones = append(zones, model.NewZoneID(name))
	}
	return zones
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
