// Package discovery publishes listening sessions to Consul so that peers can
// find them.
package discovery

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"

	"github.com/lcx/gamenet/comm"
	"github.com/lcx/gamenet/config"
	"github.com/lcx/gamenet/log"
)

// ConsulCfg is the "consul" configuration.
type ConsulCfg struct {
	Address    string `mapstructure:"address"`
	Scheme     string `mapstructure:"scheme"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`

	// ServiceName is the Consul service every listener registers under. The
	// service id is "<ServiceName>-<sessionId>".
	ServiceName string   `mapstructure:"serviceName"`
	Tags        []string `mapstructure:"tags"`

	// AdvertiseHost replaces the bound address, which is useless to peers
	// when listening on 0.0.0.0.
	AdvertiseHost string `mapstructure:"advertiseHost"`

	// CheckInterval enables a TCP health check. Zero registers no check.
	CheckInterval   time.Duration `mapstructure:"checkInterval"`
	CheckTimeout    time.Duration `mapstructure:"checkTimeout"`
	DeregisterAfter time.Duration `mapstructure:"deregisterAfter"`
}

// GetName returns the configuration name for ConsulCfg
func (c *ConsulCfg) GetName() string {
	return "consul"
}

// Validate validates the ConsulCfg parameters
func (c *ConsulCfg) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("serviceName cannot be empty")
	}
	switch c.Scheme {
	case "", "http", "https":
	default:
		return fmt.Errorf("unknown scheme %q", c.Scheme)
	}
	if c.CheckInterval < 0 || c.CheckTimeout < 0 || c.DeregisterAfter < 0 {
		return fmt.Errorf("check durations must not be negative")
	}
	return nil
}

// LoadConsulCfg loads the "consul" configuration through cm.
func LoadConsulCfg(cm config.ConfigManager) (*ConsulCfg, error) {
	cfg := &ConsulCfg{}
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, errors.Wrap(err, "load consul config")
	}
	return cfg, nil
}

// ConsulRegistrar registers listening sessions with the local Consul agent.
type ConsulRegistrar struct {
	cfg    *ConsulCfg
	agent  *api.Agent
	logger *log.GameLogger
}

var _ comm.Registrar = (*ConsulRegistrar)(nil)

// NewConsulRegistrar creates a registrar talking to cfg.Address, or to the
// agent named by the CONSUL_HTTP_ADDR environment when it is empty.
func NewConsulRegistrar(cfg *ConsulCfg, logger *log.GameLogger) (*ConsulRegistrar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "consul config")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	conf := api.DefaultConfig()
	if cfg.Address != "" {
		conf.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		conf.Scheme = cfg.Scheme
	}
	if cfg.Datacenter != "" {
		conf.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		conf.Token = cfg.Token
	}
	client, err := api.NewClient(conf)
	if err != nil {
		return nil, errors.Wrap(err, "consul client")
	}
	return &ConsulRegistrar{cfg: cfg, agent: client.Agent(), logger: logger}, nil
}

// ServiceID is the Consul service id of a listening session.
func (r *ConsulRegistrar) ServiceID(sessionID int) string {
	return r.cfg.ServiceName + "-" + strconv.Itoa(sessionID)
}

// Register implements comm.Registrar.
func (r *ConsulRegistrar) Register(sessionID int, addr netip.AddrPort) error {
	host := addr.Addr().String()
	if r.cfg.AdvertiseHost != "" {
		host = r.cfg.AdvertiseHost
	}
	id := r.ServiceID(sessionID)

	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    r.cfg.ServiceName,
		Tags:    r.cfg.Tags,
		Address: host,
		Port:    int(addr.Port()),
		Meta:    map[string]string{"sessionId": strconv.Itoa(sessionID)},
	}
	if r.cfg.CheckInterval > 0 {
		check := &api.AgentServiceCheck{
			TCP:      net.JoinHostPort(host, strconv.Itoa(int(addr.Port()))),
			Interval: r.cfg.CheckInterval.String(),
		}
		if r.cfg.CheckTimeout > 0 {
			check.Timeout = r.cfg.CheckTimeout.String()
		}
		if r.cfg.DeregisterAfter > 0 {
			check.DeregisterCriticalServiceAfter = r.cfg.DeregisterAfter.String()
		}
		reg.Check = check
	}

	if err := r.agent.ServiceRegister(reg); err != nil {
		return errors.Wrapf(err, "consul register %s", id)
	}
	r.logger.Info().Str("serviceId", id).Str("address", host).Uint16("port", addr.Port()).Msg("service registered")
	return nil
}

// Deregister implements comm.Registrar.
func (r *ConsulRegistrar) Deregister(sessionID int) error {
	id := r.ServiceID(sessionID)
	if err := r.agent.ServiceDeregister(id); err != nil {
		return errors.Wrapf(err, "consul deregister %s", id)
	}
	r.logger.Info().Str("serviceId", id).Msg("service deregistered")
	return nil
}
