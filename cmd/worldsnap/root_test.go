package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateConfig points the XDG search path at an empty temp dir and clears --config.
func isolateConfig(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("XDG_CONFIG_DIRS", filepath.Join(home, "system"))
	xdg.Reload()

	prev := configFile
	configFile = ""
	t.Cleanup(func() {
		configFile = prev
		xdg.Reload()
	})
	return home
}

func quietCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd
}

func TestLoadConfig_NoConfigFile(t *testing.T) {
	isolateConfig(t)

	cfg, err := loadConfig(quietCommand())

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errConfigRequired))
}

func TestCommands_NoConfigFileReturnError(t *testing.T) {
	isolateConfig(t)

	commands := map[string]func(*cobra.Command, []string) error{
		"run":      runSnapshot,
		"status":   showStatus,
		"pause":    func(cmd *cobra.Command, _ []string) error { return setPaused(cmd, true) },
		"resume":   func(cmd *cobra.Command, _ []string) error { return setPaused(cmd, false) },
		"validate": validateConfig,
		"serve":    serve,
	}
	for name, fn := range commands {
		t.Run(name, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() { err = fn(quietCommand(), nil) })
			assert.True(t, errors.Is(err, errConfigRequired))
		})
	}
}

func TestResolveConfigFile_XDG(t *testing.T) {
	home := isolateConfig(t)
	path := filepath.Join(home, "worldsnap", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("source:\n  path: /srv/world\n"), 0o600))

	require.True(t, resolveConfigFile())
	assert.Equal(t, path, configFile)
}

func TestResolveConfigFile_FlagWins(t *testing.T) {
	isolateConfig(t)
	configFile = "/etc/worldsnap.yaml"

	require.True(t, resolveConfigFile())
	assert.Equal(t, "/etc/worldsnap.yaml", configFile)
}
