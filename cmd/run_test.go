package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("filter: \"udp\"\npriority: 5\n"), 0644))
	configFile = path
	t.Cleanup(func() { configFile = "" })

	cfg := loadConfig(runCmd, nil)
	assert.Equal(t, "udp", cfg.Filter)
	assert.Equal(t, int16(5), cfg.Priority)
}

func TestLoadConfigCommandLineWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("filter: \"udp\"\npriority: 5\n"), 0644))
	configFile = path
	t.Cleanup(func() { configFile = "" })

	require.NoError(t, runCmd.Flags().Set("priority", "900"))

	cfg := loadConfig(runCmd, []string{"tcp and dst port 80"})
	assert.Equal(t, "tcp and dst port 80", cfg.Filter)
	assert.Equal(t, int16(900), cfg.Priority)
}
