package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "test")

	l, err := LoadParticipant(nil)
	require.NoError(t, err)
	c := l.Config
	assert.Empty(t, l.File)
	assert.Equal(t, "lobby", c.Room)
	assert.Equal(t, 150*time.Millisecond, c.RenegotiateDebounce)
	assert.Equal(t, 5*time.Second, c.DeferredWindow)
	assert.Equal(t, 10*time.Second, c.RestartTimeout)
	assert.Equal(t, 1, c.MaxICERestarts)
	assert.Equal(t, 500*time.Millisecond, c.Backoff.Initial)
	assert.Equal(t, 10*time.Second, c.Backoff.Max)
	assert.Equal(t, 2.0, c.Backoff.Multiplier)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, c.ICE.Servers)
	assert.Equal(t, "synthetic", c.Capture)
}

func TestParticipantFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte("room: standup\nname: Alice\ndeferred_window: 2s\nice:\n  servers: []\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "participant.test.yaml"), yaml, 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("MESH_MAX_ICE_RESTARTS", "3")

	l, err := LoadParticipant([]string{"--name", "Bob"})
	require.NoError(t, err)
	c := l.Config
	assert.Equal(t, "config/participant.test.yaml", l.File)
	assert.Equal(t, "standup", c.Room)
	assert.Equal(t, "Bob", c.Name, "flag beats file")
	assert.Equal(t, 2*time.Second, c.DeferredWindow)
	assert.Equal(t, 3, c.MaxICERestarts, "env beats default")
	assert.Empty(t, c.ICE.Servers)
}

func TestRelayDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "test")

	l, err := LoadRelay([]string{"--port", "9000"})
	require.NoError(t, err)
	c := l.Config
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, "release", c.Mode)
	assert.Equal(t, int64(32768), c.ReadLimit)
	assert.Equal(t, 54*time.Second, c.PingPeriod)
	assert.Equal(t, 10, c.JoinLimit)
	assert.Equal(t, time.Minute, c.JoinInterval)
}

func TestBadFlag(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := LoadRelay([]string{"--nope"})
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	require.NoError(t, SetLevel(""))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	assert.Error(t, SetLevel("loud"))
}
