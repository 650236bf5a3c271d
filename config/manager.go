package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ConfigManager interface for configuration management
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	RegisterValidator(configName string, validator ValidatorFunc)
	RegisterHook(configName string, hook HookFunc)
	SetBasePath(path string)
	SetEnvironment(env string)
	Close() error
}

// ValidatorFunc configuration validation function
type ValidatorFunc func(Config) error

// HookFunc configuration change hook function
type HookFunc func(oldVal, newVal Config) error

// ErrorHandler receives failures that happen on the watcher goroutine, where
// there is no caller to return them to.
type ErrorHandler func(configName string, err error)

// Option customizes a ConfigManager.
type Option func(*configManager)

// WithErrorHandler replaces the default handler, which prints to stderr.
func WithErrorHandler(h ErrorHandler) Option {
	return func(cm *configManager) {
		cm.onError = h
	}
}

// configManager implementation of ConfigManager interface
type configManager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	watchers   map[string]*fsnotify.Watcher
	validators map[string]ValidatorFunc
	hooks      map[string][]HookFunc
	basePath   string
	env        string
	onError    ErrorHandler
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(opts ...Option) ConfigManager {
	cm := &configManager{
		configs:    make(map[string]Config),
		watchers:   make(map[string]*fsnotify.Watcher),
		validators: make(map[string]ValidatorFunc),
		hooks:      make(map[string][]HookFunc),
		basePath:   "./configs",
		env:        "development",
		onError: func(configName string, err error) {
			fmt.Fprintf(os.Stderr, "config %s: %v\n", configName, err)
		},
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// decodeHook lets durations ("10s") and any encoding.TextUnmarshaler
// (log levels, addresses) decode from strings.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// read builds a viper instance for configName and decodes it into config.
// Must be called with cm.mu held.
func (cm *configManager) read(configName string, config Config) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))

	// COMM_POLLERCOUNT=4 overrides pollerCount in comm.yaml
	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config failed")
	}

	if err := v.Unmarshal(config, decodeHook()); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config failed")
	}
	if validator, exists := cm.validators[configName]; exists {
		if err := validator(config); err != nil {
			return nil, errors.Wrap(err, "validate config failed")
		}
	}
	return v, nil
}

// LoadConfig loads configuration from file and starts watching it.
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v, err := cm.read(configName, config)
	if err != nil {
		return err
	}

	cm.configs[configName] = config

	if _, watching := cm.watchers[configName]; watching {
		return nil
	}
	if err := cm.watchConfigFile(configName, v); err != nil {
		return errors.Wrap(err, "watch config file failed")
	}

	return nil
}

// GetConfig returns the latest loaded value of configName.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, errors.Errorf("config %s not found", configName)
	}

	return config, nil
}

// RegisterValidator registers configuration validator
func (cm *configManager) RegisterValidator(configName string, validator ValidatorFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[configName] = validator
}

// RegisterHook registers configuration change hook
func (cm *configManager) RegisterHook(configName string, hook HookFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hooks[configName] = append(cm.hooks[configName], hook)
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

// watchConfigFile watches configuration file for changes
func (cm *configManager) watchConfigFile(configName string, v *viper.Viper) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	cm.watchers[configName] = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					cm.reloadConfig(configName)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cm.onError(configName, errors.Wrap(err, "watcher"))
			}
		}
	}()

	return watcher.Add(configFile)
}

// reloadConfig re-reads configName over a copy of the current value, so keys
// missing from the file keep their loaded value. On any failure the old value
// stays in place.
func (cm *configManager) reloadConfig(configName string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig, exists := cm.configs[configName]
	if !exists {
		return
	}

	cur := reflect.ValueOf(oldConfig).Elem()
	fresh := reflect.New(cur.Type())
	fresh.Elem().Set(cur)
	newConfig := fresh.Interface().(Config)
	if _, err := cm.read(configName, newConfig); err != nil {
		cm.onError(configName, errors.WithMessage(err, "reload"))
		return
	}

	for _, hook := range cm.hooks[configName] {
		if err := hook(oldConfig, newConfig); err != nil {
			cm.onError(configName, errors.Wrap(err, "reload hook failed"))
			return
		}
	}

	cm.configs[configName] = newConfig
}

// Close stops every file watcher.
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var first error
	for name, watcher := range cm.watchers {
		if err := watcher.Close(); err != nil && first == nil {
			first = err
		}
		delete(cm.watchers, name)
	}

	return first
}
