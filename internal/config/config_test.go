package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 2*time.Second, cfg.LibrarianDebounce)
	assert.Equal(t, 120*time.Second, cfg.AgentTimeout)
	assert.Equal(t, 3, cfg.MaxDepth)
	assert.Equal(t, 20, cfg.MaxCalls)
	assert.False(t, cfg.ProviderEnabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9191")
	t.Setenv("DATA_DIR", "/tmp/loom-test")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("LIBRARIAN_DEBOUNCE", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTPPort)
	assert.Equal(t, "/tmp/loom-test", cfg.DataDir)
	assert.Equal(t, 500*time.Millisecond, cfg.LibrarianDebounce)
	assert.True(t, cfg.ProviderEnabled())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{HTTPPort: -1, DataDir: "./data", MaxDepth: 3, MaxCalls: 20}
	assert.Error(t, cfg.Validate())
}

func TestInstructionDirDefault(t *testing.T) {
	cfg := &Config{DataDir: "/var/loom"}
	assert.Equal(t, "/var/loom/instruction-sets", cfg.InstructionDir())
	cfg.InstructionSetDir = "/etc/loom/instructions"
	assert.Equal(t, "/etc/loom/instructions", cfg.InstructionDir())
}
