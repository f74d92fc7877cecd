package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/berrythewa/meshplay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the command tree with a config file in a temp dir
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MESHPLAY_CONFIG_DIR", filepath.Join(dir, "config"))
	t.Setenv("MESHPLAY_DATA_DIR", filepath.Join(dir, "data"))
	t.Cleanup(func() {
		cfg, zapLogger = nil, nil
		configFile, verbose, quiet = "", false, false
	})

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(dir, "config.yaml"), "--quiet"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration written to")

	_, err = os.Stat(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	_, err = run(t, dir, "config", "init")
	require.Error(t, err)

	_, err = run(t, dir, "config", "init", "--force")
	require.NoError(t, err)
}

func TestConfigShowJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MESHPLAY_DEVICE_NAME", "den")

	out, err := run(t, dir, "config", "show", "-o", "json")
	require.NoError(t, err)

	var shown config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "den", shown.DeviceName)
	assert.Equal(t, config.TransportP2P, shown.Mesh.Transport)

	_, err = run(t, dir, "config", "show", "-o", "toml")
	require.Error(t, err)
}

func TestLibraryCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "library", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Library is empty")

	_, err = run(t, dir, "library", "add", "song-1", "--title", "Night Drive", "--artist", "Band", "--duration", "3m25s")
	require.NoError(t, err)

	out, err = run(t, dir, "library", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "song-1")
	assert.Contains(t, out, "Night Drive")
	assert.Contains(t, out, "3m25s")

	out, err = run(t, dir, "library", "remove", "song-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed song-1")

	_, err = run(t, dir, "library", "remove", "song-1")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "today", "abc123")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "none") })

	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "abc123")
}
