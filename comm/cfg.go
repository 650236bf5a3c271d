package comm

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/lcx/gamenet/config"
	"github.com/lcx/gamenet/protocol"
)

// Poller backend names accepted by CommCfg.PollerType.
const (
	PollerSelect = "select"
	PollerEpoll  = "epoll"
	PollerIocp   = "iocp"
)

// CommCfg holds the static networking settings of a PollerMgr. Values are
// read once at construction; changing the file afterwards has no effect on
// a running manager.
type CommCfg struct {
	// PollerType selects the readiness backend. Empty picks the platform
	// default: epoll on linux, iocp on windows.
	PollerType string `mapstructure:"pollerType"`

	// PollerCount is the pool size used by PollerMgr.StartDefault.
	PollerCount int `mapstructure:"pollerCount"`

	// SendBufSize and RecvBufSize are applied as SO_SNDBUF / SO_RCVBUF once a
	// connection is established. Zero keeps the OS default.
	SendBufSize int `mapstructure:"sendBufSize"`
	RecvBufSize int `mapstructure:"recvBufSize"`

	// ConnTimeout bounds synchronous connects and pending async connects.
	ConnTimeout time.Duration `mapstructure:"connTimeout"`

	// PollWait is the longest a poller blocks in its kernel or queue wait.
	PollWait time.Duration `mapstructure:"pollWait"`

	// MaxEventCount is the epoll batch size.
	MaxEventCount int `mapstructure:"maxEventCount"`

	ListenBacklog int `mapstructure:"listenBacklog"`

	// MaxDrivePerTick caps the queued events a poller handles between two
	// kernel waits.
	MaxDrivePerTick int `mapstructure:"maxDrivePerTick"`

	// MaxFrameSize bounds frames in both directions at the raw layer.
	MaxFrameSize int `mapstructure:"maxFrameSize"`
}

// GetName returns the configuration name for CommCfg
func (c *CommCfg) GetName() string {
	return "comm"
}

// Validate validates the CommCfg parameters
func (c *CommCfg) Validate() error {
	switch c.PollerType {
	case "", PollerSelect, PollerEpoll, PollerIocp:
	default:
		return fmt.Errorf("unknown pollerType %q", c.PollerType)
	}
	if c.PollerCount < 0 {
		return fmt.Errorf("pollerCount must not be negative")
	}
	if c.SendBufSize < 0 || c.RecvBufSize < 0 {
		return fmt.Errorf("socket buffer sizes must not be negative")
	}
	if c.ConnTimeout < 0 {
		return fmt.Errorf("connTimeout must not be negative")
	}
	if c.PollWait <= 0 {
		return fmt.Errorf("pollWait must be positive")
	}
	if c.MaxEventCount <= 0 {
		return fmt.Errorf("maxEventCount must be positive")
	}
	if c.ListenBacklog <= 0 {
		return fmt.Errorf("listenBacklog must be positive")
	}
	if c.MaxDrivePerTick <= 0 {
		return fmt.Errorf("maxDrivePerTick must be positive")
	}
	if c.MaxFrameSize < protocol.FrameHeadSize {
		return fmt.Errorf("maxFrameSize must be at least %d", protocol.FrameHeadSize)
	}
	return nil
}

// DefaultCommCfg returns the settings used when no configuration file is
// loaded.
func DefaultCommCfg() *CommCfg {
	return &CommCfg{
		PollerCount:     1,
		SendBufSize:     65536,
		RecvBufSize:     65536,
		ConnTimeout:     10 * time.Second,
		PollWait:        20 * time.Millisecond,
		MaxEventCount:   100,
		ListenBacklog:   defaultBacklog,
		MaxDrivePerTick: 1024,
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
	}
}

// LoadCommCfg loads the "comm" configuration through cm over
// DefaultCommCfg, so the file only needs the keys it changes. Reloads are
// validated by cm and visible through cm.GetConfig; a running PollerMgr keeps
// the value it was built with.
func LoadCommCfg(cm config.ConfigManager) (*CommCfg, error) {
	cfg := DefaultCommCfg()
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, errors.Wrap(err, "load comm config")
	}
	return cfg, nil
}
