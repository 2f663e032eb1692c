package client

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const configReloadDebounce = 500 * time.Millisecond

// Config is the YAML file form of the client options.
type Config struct {
	GlobalEndpoint                string                  `yaml:"global_endpoint"`
	PreferredRegions              []string                `yaml:"preferred_regions"`
	ExcludedRegions               []string                `yaml:"excluded_regions"`
	EndpointDiscovery             *bool                   `yaml:"endpoint_discovery"`
	MultipleWriteLocations        *bool                   `yaml:"multiple_write_locations"`
	PartitionFailover             PartitionFailoverConfig `yaml:"partition_failover"`
	Throttle                      ThrottleConfig          `yaml:"throttle"`
	LocationRefreshInterval       time.Duration           `yaml:"location_refresh_interval"`
	UnavailableEndpointExpiration time.Duration           `yaml:"unavailable_endpoint_expiration"`
	Timeout                       time.Duration           `yaml:"timeout"`
	UserAgent                     string                  `yaml:"user_agent"`
	Auth                          AuthConfig              `yaml:"auth"`
	Headers                       map[string]string       `yaml:"headers"`
}

type PartitionFailoverConfig struct {
	AutomaticFailover     bool `yaml:"automatic_failover"`
	CircuitBreaker        bool `yaml:"circuit_breaker"`
	ReadFailureThreshold  int  `yaml:"read_failure_threshold"`
	WriteFailureThreshold int  `yaml:"write_failure_threshold"`
}

type ThrottleConfig struct {
	MaxRetries     *int          `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxWaitTime    time.Duration `yaml:"max_wait_time"`
}

type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Scheme   string `yaml:"scheme"`
	Token    string `yaml:"token"`
}

// LoadConfig reads, defaults and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.EndpointDiscovery == nil {
		enabled := true
		c.EndpointDiscovery = &enabled
	}

	if c.MultipleWriteLocations == nil {
		enabled := true
		c.MultipleWriteLocations = &enabled
	}

	if c.PartitionFailover.ReadFailureThreshold == 0 {
		c.PartitionFailover.ReadFailureThreshold = defaultCircuitBreakerReadThreshold
	}

	if c.PartitionFailover.WriteFailureThreshold == 0 {
		c.PartitionFailover.WriteFailureThreshold = defaultCircuitBreakerWriteThreshold
	}

	if c.Throttle.MaxRetries == nil {
		retries := defaultMaxThrottleRetryCount
		c.Throttle.MaxRetries = &retries
	}

	if c.Throttle.InitialBackoff == 0 {
		c.Throttle.InitialBackoff = defaultThrottleBackoff
	}

	if c.Throttle.MaxWaitTime == 0 {
		c.Throttle.MaxWaitTime = defaultMaxThrottleWaitTime
	}

	if c.LocationRefreshInterval == 0 {
		c.LocationRefreshInterval = defaultLocationRefreshInterval
	}

	if c.UnavailableEndpointExpiration == 0 {
		c.UnavailableEndpointExpiration = defaultUnavailableEndpointExpiration
	}

	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.GlobalEndpoint == "" {
		return errors.New("global_endpoint is required")
	}

	endpoint, err := url.Parse(c.GlobalEndpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return fmt.Errorf("global_endpoint %q must be an absolute URL", sanitizeURL(c.GlobalEndpoint))
	}

	seen := make(map[string]bool, len(c.PreferredRegions))
	for _, region := range c.PreferredRegions {
		key := normalizeRegion(region)
		if key == "" {
			return errors.New("preferred_regions must not contain empty names")
		}
		if seen[key] {
			return fmt.Errorf("duplicate preferred region: %s", region)
		}
		seen[key] = true
	}

	if c.PartitionFailover.ReadFailureThreshold < 0 || c.PartitionFailover.WriteFailureThreshold < 0 {
		return errors.New("partition_failover thresholds must be positive")
	}

	if c.Auth.Username != "" && c.Auth.Token != "" {
		return errors.New("auth: cannot use both basic auth and token auth - choose one")
	}

	// Bounds are shared with the functional options.
	opts := newClientOptions()
	for _, o := range c.Options() {
		o(opts)
	}

	if *c.Throttle.MaxRetries > maxThrottleRetryCount || *c.Throttle.MaxRetries < 0 {
		return fmt.Errorf("throttle.max_retries must be between 0 and %d", maxThrottleRetryCount)
	}

	if opts.throttleBackoff != c.Throttle.InitialBackoff {
		return fmt.Errorf("throttle.initial_backoff must be at least %v", minThrottleBackoff)
	}

	if opts.throttleMaxWaitTime != c.Throttle.MaxWaitTime {
		return fmt.Errorf("throttle.max_wait_time must be at least %v", minThrottleMaxWaitTime)
	}

	if opts.locationRefreshInterval != c.LocationRefreshInterval {
		return fmt.Errorf("location_refresh_interval must be between %v and %v", minLocationRefreshInterval, maxLocationRefreshInterval)
	}

	if opts.unavailableEndpointExpiration != c.UnavailableEndpointExpiration {
		return fmt.Errorf("unavailable_endpoint_expiration must be between %v and %v", minUnavailableEndpointDuration, maxUnavailableEndpointDuration)
	}

	if opts.timeout != c.Timeout {
		return fmt.Errorf("timeout must be between %v and %v", minTimeout, maxTimeout)
	}

	return opts.Validate()
}

// Options converts the file into client options. The global endpoint is passed to New
// separately.
func (c *Config) Options() []Option {
	opts := []Option{
		WithPreferredRegions(c.PreferredRegions...),
		WithExcludedRegions(c.ExcludedRegions...),
		WithPartitionLevelFailover(c.PartitionFailover.AutomaticFailover),
		WithPartitionLevelCircuitBreaker(c.PartitionFailover.CircuitBreaker, c.PartitionFailover.ReadFailureThreshold, c.PartitionFailover.WriteFailureThreshold),
		WithThrottleBackoff(c.Throttle.InitialBackoff),
		WithThrottleMaxWaitTime(c.Throttle.MaxWaitTime),
		WithLocationRefreshInterval(c.LocationRefreshInterval),
		WithUnavailableEndpointExpiration(c.UnavailableEndpointExpiration),
		WithTimeout(c.Timeout),
		WithUserAgent(c.UserAgent),
	}

	if c.EndpointDiscovery != nil {
		opts = append(opts, WithEndpointDiscovery(*c.EndpointDiscovery))
	}

	if c.MultipleWriteLocations != nil {
		opts = append(opts, WithMultipleWriteLocations(*c.MultipleWriteLocations))
	}

	if c.Throttle.MaxRetries != nil {
		opts = append(opts, WithThrottleRetryCount(*c.Throttle.MaxRetries))
	}

	for header, value := range c.Headers {
		opts = append(opts, WithRequestHeader(header, value))
	}

	if c.Auth.Username != "" {
		opts = append(opts, WithBasicAuth(c.Auth.Username, c.Auth.Password))
	}

	if c.Auth.Token != "" {
		opts = append(opts, WithAuthScheme(c.Auth.Scheme), WithAuthToken(c.Auth.Token))
	}

	return opts
}

// ConfigWatcher reloads a configuration file when it changes and hands the new
// configuration to the registered callbacks. Invalid files are logged and skipped.
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        RequestLogger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewConfigWatcher loads the file at configPath and starts watching it.
func NewConfigWatcher(configPath string, logger RequestLogger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = &NoopLogger{}
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		lastModTime: fileInfo.ModTime(),
	}

	if err := watcher.Add(configPath); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// Config returns the current configuration.
func (cw *ConfigWatcher) Config() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// AddReloadCallback registers a function called with every successfully reloaded
// configuration.
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				cw.scheduleReload()
			}

			// Some editors save by renaming a new file over the old one.
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(cw.configPath); err == nil {
					if err := cw.watcher.Add(cw.configPath); err != nil {
						cw.logger.Warnf("failed to re-watch config file %s: %v", cw.configPath, err)
						continue
					}
					cw.scheduleReload()
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Errorf("config watcher error: %v", err)
		}
	}
}

func (cw *ConfigWatcher) scheduleReload() {
	fileInfo, err := os.Stat(cw.configPath)
	if err != nil {
		cw.logger.Warnf("failed to stat config file %s: %v", cw.configPath, err)
		return
	}

	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	if !fileInfo.ModTime().After(cw.lastModTime) {
		return
	}
	cw.lastModTime = fileInfo.ModTime()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(configReloadDebounce, func() {
		if err := cw.reloadConfig(); err != nil {
			cw.logger.Errorf("failed to reload config file %s: %v", cw.configPath, err)
			return
		}
		cw.logger.Debugf("reloaded config file %s", cw.configPath)
	})
}

func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}

	return nil
}

// Close stops watching the file.
func (cw *ConfigWatcher) Close() error {
	cw.mutex.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mutex.Unlock()

	return cw.watcher.Close()
}
