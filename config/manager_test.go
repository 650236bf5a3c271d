package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mode int

func (m *mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "fast":
		*m = 1
	case "slow":
		*m = 2
	default:
		return fmt.Errorf("unknown mode %q", text)
	}
	return nil
}

// TestConfig test configuration structure
type TestConfig struct {
	Name     string        `mapstructure:"name"`
	Port     int           `mapstructure:"port"`
	Host     string        `mapstructure:"host"`
	MaxConns int           `mapstructure:"maxConns"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Mode     mode          `mapstructure:"mode"`
	Tags     []string      `mapstructure:"tags"`
}

func (c *TestConfig) GetName() string {
	return c.Name
}

func (c *TestConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func writeConfig(t testing.TB, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "test", `
name: "test-server"
port: 8080
host: "localhost"
maxConns: 1000
timeout: 10s
mode: fast
tags: a,b
`)

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	cfg := &TestConfig{}
	require.NoError(t, cm.LoadConfig("test", cfg))

	assert.Equal(t, "test-server", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 1000, cfg.MaxConns)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, mode(1), cfg.Mode)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)

	got, err := cm.GetConfig("test")
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestLoadConfigFailures(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "badmode", "name: x\nport: 1\nmode: warp\n")
	writeConfig(t, tmpDir, "invalid", "name: x\nport: 0\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	assert.Error(t, cm.LoadConfig("missing", &TestConfig{}))
	assert.Error(t, cm.LoadConfig("badmode", &TestConfig{}))
	assert.Error(t, cm.LoadConfig("invalid", &TestConfig{}))

	_, err := cm.GetConfig("invalid")
	assert.Error(t, err)
}

func TestConfigValidator(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "validated", "name: x\nport: 9100\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)
	cm.RegisterValidator("validated", func(c Config) error {
		if c.(*TestConfig).Port > 9000 {
			return fmt.Errorf("port too high")
		}
		return nil
	})

	err := cm.LoadConfig("validated", &TestConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port too high")
}

func TestEnvironmentConfig(t *testing.T) {
	tmpDir := t.TempDir()
	envDir := filepath.Join(tmpDir, "production")
	require.NoError(t, os.MkdirAll(envDir, 0o755))
	writeConfig(t, envDir, "env", "name: prod\nport: 7000\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)
	cm.SetEnvironment("production")

	cfg := &TestConfig{}
	require.NoError(t, cm.LoadConfig("env", cfg))
	assert.Equal(t, "prod", cfg.Name)
}

func TestEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "override", "name: file\nport: 7000\n")
	t.Setenv("OVERRIDE_PORT", "7100")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	cfg := &TestConfig{}
	require.NoError(t, cm.LoadConfig("override", cfg))
	assert.Equal(t, 7100, cfg.Port)
}

func TestReloadRunsHooks(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "reload", "name: v1\nport: 8080\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	var (
		mu      sync.Mutex
		oldName string
		newName string
	)
	cm.RegisterHook("reload", func(oldVal, newVal Config) error {
		mu.Lock()
		defer mu.Unlock()
		oldName = oldVal.(*TestConfig).Name
		newName = newVal.(*TestConfig).Name
		return nil
	})

	require.NoError(t, cm.LoadConfig("reload", &TestConfig{}))
	require.NoError(t, os.WriteFile(path, []byte("name: v2\nport: 8081\n"), 0o644))

	assert.Eventually(t, func() bool {
		got, err := cm.GetConfig("reload")
		return err == nil && got.(*TestConfig).Name == "v2"
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "v1", oldName)
	assert.Equal(t, "v2", newName)
}

func TestReloadKeepsUnsetKeys(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "partial", "name: v1\nport: 8080\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	require.NoError(t, cm.LoadConfig("partial", &TestConfig{Host: "10.0.0.1", MaxConns: 64}))
	require.NoError(t, os.WriteFile(path, []byte("name: v2\nport: 8081\n"), 0o644))

	var got *TestConfig
	require.Eventually(t, func() bool {
		cfg, err := cm.GetConfig("partial")
		if err != nil {
			return false
		}
		got = cfg.(*TestConfig)
		return got.Name == "v2"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 8081, got.Port)
	assert.Equal(t, "10.0.0.1", got.Host)
	assert.Equal(t, 64, got.MaxConns)
}

func TestReloadKeepsOldValueOnError(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "keep", "name: good\nport: 8080\n")

	var failures atomic.Int32
	cm := NewConfigManager(WithErrorHandler(func(name string, err error) {
		if name == "keep" && err != nil {
			failures.Add(1)
		}
	}))
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	require.NoError(t, cm.LoadConfig("keep", &TestConfig{}))
	require.NoError(t, os.WriteFile(path, []byte("name: good\nport: 0\n"), 0o644))

	assert.Eventually(t, func() bool { return failures.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	got, err := cm.GetConfig("keep")
	require.NoError(t, err)
	assert.Equal(t, 8080, got.(*TestConfig).Port)
}

func TestReloadHookErrorRejectsValue(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "reject", "name: a\nport: 8080\n")

	var failures atomic.Int32
	cm := NewConfigManager(WithErrorHandler(func(string, error) { failures.Add(1) }))
	defer cm.Close()
	cm.SetBasePath(tmpDir)
	cm.RegisterHook("reject", func(_, _ Config) error { return fmt.Errorf("no") })

	require.NoError(t, cm.LoadConfig("reject", &TestConfig{}))
	require.NoError(t, os.WriteFile(path, []byte("name: b\nport: 8080\n"), 0o644))

	assert.Eventually(t, func() bool { return failures.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	got, err := cm.GetConfig("reject")
	require.NoError(t, err)
	assert.Equal(t, "a", got.(*TestConfig).Name)
}

func TestConcurrentGetConfig(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "shared", "name: s\nport: 8080\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)
	require.NoError(t, cm.LoadConfig("shared", &TestConfig{}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got, err := cm.GetConfig("shared")
				if assert.NoError(t, err) {
					assert.Equal(t, "s", got.GetName())
				}
			}
		}()
	}
	wg.Wait()
}

func TestClose(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "closing", "name: c\nport: 8080\n")

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)
	require.NoError(t, cm.LoadConfig("closing", &TestConfig{}))

	assert.NoError(t, cm.Close())
	assert.NoError(t, cm.Close())
}
