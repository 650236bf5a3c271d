package comm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/gamenet/config"
)

func TestDefaultCommCfg(t *testing.T) {
	cfg := DefaultCommCfg()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "comm", cfg.GetName())
	assert.Equal(t, 65536, cfg.SendBufSize)
	assert.Equal(t, 65536, cfg.RecvBufSize)
	assert.Equal(t, 10*time.Second, cfg.ConnTimeout)
	assert.Equal(t, 100, cfg.MaxEventCount)
}

func TestCommCfg_Validate(t *testing.T) {
	cases := map[string]func(c *CommCfg){
		"pollerType":      func(c *CommCfg) { c.PollerType = "kqueue" },
		"pollerCount":     func(c *CommCfg) { c.PollerCount = -1 },
		"bufSize":         func(c *CommCfg) { c.SendBufSize = -1 },
		"connTimeout":     func(c *CommCfg) { c.ConnTimeout = -time.Second },
		"pollWait":        func(c *CommCfg) { c.PollWait = 0 },
		"maxEventCount":   func(c *CommCfg) { c.MaxEventCount = 0 },
		"listenBacklog":   func(c *CommCfg) { c.ListenBacklog = 0 },
		"maxDrivePerTick": func(c *CommCfg) { c.MaxDrivePerTick = 0 },
		"maxFrameSize":    func(c *CommCfg) { c.MaxFrameSize = 4 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultCommCfg()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLookupBackend(t *testing.T) {
	_, err := lookupBackend("kqueue")
	assert.True(t, IsCode(err, ErrNotImpl))

	for _, name := range Backends() {
		f, err := lookupBackend(name)
		require.NoError(t, err)
		assert.NotNil(t, f)
	}
}

func TestLoadCommCfg(t *testing.T) {
	dir := t.TempDir()
	body := "pollerType: select\npollerCount: 4\npollWait: 5ms\nmaxFrameSize: 65536\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm.yaml"), []byte(body), 0o644))

	cm := config.NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(dir)

	cfg, err := LoadCommCfg(cm)
	require.NoError(t, err)
	assert.Equal(t, PollerSelect, cfg.PollerType)
	assert.Equal(t, 4, cfg.PollerCount)
	assert.Equal(t, 5*time.Millisecond, cfg.PollWait)
	assert.Equal(t, 65536, cfg.MaxFrameSize)
	// absent keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.ConnTimeout)
	assert.Equal(t, 65536, cfg.SendBufSize)

	got, err := cm.GetConfig("comm")
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestLoadCommCfg_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm.yaml"), []byte("pollerType: kqueue\n"), 0o644))

	cm := config.NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(dir)

	_, err := LoadCommCfg(cm)
	assert.Error(t, err)

	_, err = LoadCommCfg(config.NewConfigManager())
	assert.Error(t, err, "missing file")
}
