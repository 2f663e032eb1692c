package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "globaldb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), "global_endpoint: https://account.example.com\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, *cfg.EndpointDiscovery)
	assert.True(t, *cfg.MultipleWriteLocations)
	assert.Equal(t, defaultCircuitBreakerReadThreshold, cfg.PartitionFailover.ReadFailureThreshold)
	assert.Equal(t, defaultCircuitBreakerWriteThreshold, cfg.PartitionFailover.WriteFailureThreshold)
	assert.Equal(t, defaultMaxThrottleRetryCount, *cfg.Throttle.MaxRetries)
	assert.Equal(t, defaultThrottleBackoff, cfg.Throttle.InitialBackoff)
	assert.Equal(t, defaultMaxThrottleWaitTime, cfg.Throttle.MaxWaitTime)
	assert.Equal(t, defaultLocationRefreshInterval, cfg.LocationRefreshInterval)
	assert.Equal(t, defaultUnavailableEndpointExpiration, cfg.UnavailableEndpointExpiration)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestLoadConfig_FullFile(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), `
global_endpoint: https://account.example.com
preferred_regions: [West US, East US]
excluded_regions: [North Europe]
endpoint_discovery: true
multiple_write_locations: false
partition_failover:
  automatic_failover: true
  circuit_breaker: true
  read_failure_threshold: 3
  write_failure_threshold: 2
throttle:
  max_retries: 0
  initial_backoff: 50ms
  max_wait_time: 2s
location_refresh_interval: 30s
unavailable_endpoint_expiration: 1m
timeout: 10s
user_agent: inventory-service/2.1
auth:
  token: secret
headers:
  X-Tenant: contoso
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"West US", "East US"}, cfg.PreferredRegions)
	assert.False(t, *cfg.MultipleWriteLocations)
	assert.Equal(t, 0, *cfg.Throttle.MaxRetries)

	opts := newClientOptions()
	for _, o := range cfg.Options() {
		o(opts)
	}

	assert.Equal(t, []string{"West US", "East US"}, opts.preferredRegions)
	assert.Equal(t, []string{"North Europe"}, opts.excludedRegions)
	assert.True(t, opts.enableEndpointDiscovery)
	assert.False(t, opts.useMultipleWriteLocations)
	assert.True(t, opts.enablePartitionFailover)
	assert.True(t, opts.enablePartitionCircuitBreaker)
	assert.Equal(t, 3, opts.circuitBreakerReadThreshold)
	assert.Equal(t, 2, opts.circuitBreakerWriteThreshold)
	assert.Equal(t, 0, opts.throttleRetryCount)
	assert.Equal(t, 50*time.Millisecond, opts.throttleBackoff)
	assert.Equal(t, 2*time.Second, opts.throttleMaxWaitTime)
	assert.Equal(t, 30*time.Second, opts.locationRefreshInterval)
	assert.Equal(t, time.Minute, opts.unavailableEndpointExpiration)
	assert.Equal(t, 10*time.Second, opts.timeout)
	assert.Equal(t, "inventory-service/2.1", opts.userAgent)
	assert.Equal(t, "Bearer", opts.authScheme)
	assert.Equal(t, "secret", opts.authToken)
	assert.Equal(t, "contoso", opts.requestHeaders["X-Tenant"])
	assert.NoError(t, opts.Validate())
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		content   string
		wantError string
	}{
		{
			name:      "invalid yaml",
			content:   "global_endpoint: [",
			wantError: "failed to parse config file",
		},
		{
			name:      "missing endpoint",
			content:   "preferred_regions: [West US]\n",
			wantError: "global_endpoint is required",
		},
		{
			name:      "relative endpoint",
			content:   "global_endpoint: account.example.com\n",
			wantError: "must be an absolute URL",
		},
		{
			name:      "empty preferred region",
			content:   "global_endpoint: https://a.example.com\npreferred_regions: [\"West US\", \"\"]\n",
			wantError: "preferred_regions must not contain empty names",
		},
		{
			name:      "duplicate preferred region",
			content:   "global_endpoint: https://a.example.com\npreferred_regions: [West US, westus]\n",
			wantError: "duplicate preferred region: westus",
		},
		{
			name:      "negative threshold",
			content:   "global_endpoint: https://a.example.com\npartition_failover:\n  read_failure_threshold: -1\n",
			wantError: "partition_failover thresholds must be positive",
		},
		{
			name:      "both auth methods",
			content:   "global_endpoint: https://a.example.com\nauth:\n  username: u\n  token: t\n",
			wantError: "cannot use both basic auth and token auth",
		},
		{
			name:      "too many throttle retries",
			content:   "global_endpoint: https://a.example.com\nthrottle:\n  max_retries: 101\n",
			wantError: "throttle.max_retries must be between 0 and 100",
		},
		{
			name:      "throttle backoff too small",
			content:   "global_endpoint: https://a.example.com\nthrottle:\n  initial_backoff: 1ms\n",
			wantError: "throttle.initial_backoff must be at least 10ms",
		},
		{
			name:      "refresh interval too long",
			content:   "global_endpoint: https://a.example.com\nlocation_refresh_interval: 2h\n",
			wantError: "location_refresh_interval must be between 1s and 1h0m0s",
		},
		{
			name:      "timeout too long",
			content:   "global_endpoint: https://a.example.com\ntimeout: 10m\n",
			wantError: "timeout must be between 1s and 5m0s",
		},
		{
			name:      "max wait below backoff",
			content:   "global_endpoint: https://a.example.com\nthrottle:\n  initial_backoff: 30s\n  max_wait_time: 10s\n",
			wantError: "throttleMaxWaitTime (10s) must be greater than or equal to throttleBackoff (30s)",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeConfigFile(t, t.TempDir(), tt.content)

			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantError)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfigWatcher_Reload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfigFile(t, dir, "global_endpoint: https://account.example.com\npreferred_regions: [East US]\n")

	watcher, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	assert.Equal(t, []string{"East US"}, watcher.Config().PreferredRegions)

	reloaded := make(chan *Config, 1)
	watcher.AddReloadCallback(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, dir, "global_endpoint: https://account.example.com\npreferred_regions: [West US, East US]\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, []string{"West US", "East US"}, cfg.PreferredRegions)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	assert.Equal(t, []string{"West US", "East US"}, watcher.Config().PreferredRegions)
}

func TestConfigWatcher_InvalidReloadKeepsConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfigFile(t, dir, "global_endpoint: https://account.example.com\n")
	logger := &recordingLogger{}

	watcher, err := NewConfigWatcher(path, logger)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, dir, "preferred_regions: [West US]\n")

	require.Eventually(t, func() bool {
		return logger.errorCount() > 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "https://account.example.com", watcher.Config().GlobalEndpoint)
}

func TestNewConfigWatcher_InvalidFile(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), "timeout: 1s\n")

	_, err := NewConfigWatcher(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load initial config")
}

func TestClient_WatchConfig(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t, false, okHandler, okHandler)
	client := connectedClient(t, account)

	dir := t.TempDir()
	path := writeConfigFile(t, dir, "global_endpoint: "+account.global.URL+"\n")

	watcher, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	require.NoError(t, client.WatchConfig(watcher))

	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, dir, "global_endpoint: "+account.global.URL+"\npreferred_regions: ["+regionName(1)+"]\n")

	require.Eventually(t, func() bool {
		endpoints := client.EndpointManager().ApplicableEndpoints(OperationKindRead, nil)
		return len(endpoints) > 0 && endpoints[0].String() == account.regions[1].URL
	}, 5*time.Second, 20*time.Millisecond)

	_, err = client.ReadDocument(context.Background(), "db", "coll", "doc1")
	assert.NoError(t, err)
}
