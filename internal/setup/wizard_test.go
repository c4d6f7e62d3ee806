package setup

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/zonesync/internal/adapter"
	"github.com/njoerd114/zonesync/internal/config"
	"github.com/njoerd114/zonesync/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func answers(lines ...string) io.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

func TestWizard_PrivateScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zonesync", "config.yaml")
	in := answers(
		"notes",   // container
		"1",       // private
		"",        // no zone yet: re-asked
		"Inbox",   // zone 1
		"Archive", // zone 2
		"",        // done
		"2",       // client policy
		"5s",      // too short: re-asked
		"2m",      // poll interval
		"y",       // telemetry
		"",        // default endpoint
		"n",       // keep TLS
	)
	var out bytes.Buffer

	cfg, err := NewWizard(in, &out, testLogger).Run(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "notes", loaded.Container)
	assert.Equal(t, model.ScopePrivate, loaded.ParsedScope())
	assert.Equal(t, []string{"Inbox", "Archive"}, loaded.Zones)
	assert.Equal(t, adapter.MergeClient, loaded.ParsedMergePolicy())
	assert.Equal(t, 2*time.Minute, loaded.PollInterval)
	require.NotNil(t, loaded.Telemetry)
	assert.Equal(t, "localhost:4317", loaded.Telemetry.OTLPEndpoint)
	assert.False(t, loaded.Telemetry.Insecure)

	assert.Contains(t, out.String(), "at least 1 required")
	assert.Contains(t, out.String(), "enter a duration between")
}

func TestWizard_SharedScopeSkipsZones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	in := answers("notes", "2", "", "", "")
	var out bytes.Buffer

	_, err := NewWizard(in, &out, testLogger).Run(path)
	require.NoError(t, err)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeShared, loaded.ParsedScope())
	assert.Empty(t, loaded.Zones)
	assert.Equal(t, adapter.MergeServer, loaded.ParsedMergePolicy())
	assert.Equal(t, config.DefaultPollInterval, loaded.PollInterval)
	assert.Nil(t, loaded.Telemetry)
}

func TestWizard_KeepsExistingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("container: keep\nzones: [A]\n"), 0o600))
	var out bytes.Buffer

	cfg, err := NewWizard(answers("n"), &out, testLogger).Run(path)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "container: keep")
}

func TestPrompter_Select(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(answers("9", "x", "3"), &out)
	i, err := p.Select("Pick", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, i)
	assert.Equal(t, 2, strings.Count(out.String(), "enter a number between 1 and 3"))

	_, err = NewPrompter(strings.NewReader(""), &out).Select("Pick", []string{"a"})
	assert.Error(t, err)
	_, err = p.Select("Pick", nil)
	assert.Error(t, err)
}

func TestPrompter_Confirm(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(answers("", "YES", "no"), &out)
	assert.True(t, p.Confirm("Continue?", true))
	assert.True(t, p.Confirm("Continue?", false))
	assert.False(t, p.Confirm("Continue?", true))
	assert.True(t, p.Confirm("Continue?", true), "exhausted input falls back to the default")
}
