package setup

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/njoerd114/zonesync/internal/config"
)

var (
	scopes   = []string{"private", "shared"}
	policies = []string{"server", "client", "custom"}
)

// Wizard walks the user through writing a config file.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run asks for every setting and writes the result to path. An existing
// file is only replaced after confirmation. It returns the written config,
// or nil if the user kept the existing one.
func (wiz *Wizard) Run(path string) (*config.Config, error) {
	fmt.Fprintf(wiz.w, "\nWelcome to zonesync setup!\n\n")

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", path)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil, nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	cfg := &config.Config{}

	fmt.Fprintf(wiz.w, "Step 1/4: Container\n")
	cfg.Container = wiz.prompt.String("Container identifier", "")
	i, err := wiz.prompt.Select("Database scope", scopes)
	if err != nil {
		return nil, fmt.Errorf("selecting scope: %w", err)
	}
	cfg.Scope = scopes[i]
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 2/4: Zones\n")
	if cfg.Scope == "private" {
		cfg.Zones = wiz.prompt.List("Zone name", 1)
	} else {
		fmt.Fprintf(wiz.w, "  Shared zones are discovered automatically.\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 3/4: Sync behaviour\n")
	i, err = wiz.prompt.Select("Merge policy for unsynced local edits", policies)
	if err != nil {
		return nil, fmt.Errorf("selecting merge policy: %w", err)
	}
	cfg.MergePolicy = policies[i]
	cfg.PollInterval = wiz.prompt.Duration("Poll interval",
		config.DefaultPollInterval, config.MinPollInterval, config.MaxPollInterval)
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 4/4: Telemetry\n")
	if wiz.prompt.Confirm("Export traces and metrics over OTLP?", false) {
		cfg.Telemetry = &config.TelemetryConfig{
			OTLPEndpoint: wiz.prompt.String("Collector host:port", "localhost:4317"),
			Insecure:     wiz.prompt.Confirm("Disable TLS (local collector)?", true),
		}
	}
	fmt.Fprintf(wiz.w, "\n")

	if err := cfg.Write(path); err != nil {
		return nil, err
	}
	wiz.logger.Info("config written", "path", path, "container", cfg.Container, "zones", len(cfg.Zones))
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n", path)
	fmt.Fprintf(wiz.w, "  Data dir: %s\n", cfg.DataDir)
	fmt.Fprintf(wiz.w, "  Next:     zonesync simulate --config %s\n\n", path)
	return cfg, nil
}
