package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-sensors/mash-sync-core/internal/framebuffer"
	"github.com/mash-sensors/mash-sync-core/internal/queue"
)

func Test_Load_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
superframe:
  slot_count: 16
buffer:
  eviction: drop_oldest
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Superframe.SlotCount)
	assert.Equal(t, int64(20_000), cfg.Superframe.DurationUS, "unset fields keep their default")

	fb, err := cfg.Framebuffer()
	require.NoError(t, err)
	assert.Equal(t, framebuffer.DropOldest, fb.Eviction)
}

func Test_Load_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func Test_Framebuffer_RejectsUnknownEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buffer.Eviction = "bogus"
	_, err := cfg.Framebuffer()
	assert.Error(t, err)
}

func Test_QueueConfigs_DefaultPolicies(t *testing.T) {
	cfg := DefaultConfig()

	cap_, policy, err := cfg.NodeOutboundQueue()
	require.NoError(t, err)
	assert.Equal(t, 64, cap_)
	assert.Equal(t, queue.Recording, policy)

	cap_, policy, err = cfg.SyncFrameOutQueue()
	require.NoError(t, err)
	assert.Equal(t, 64, cap_)
	assert.Equal(t, queue.Live, policy)
}
