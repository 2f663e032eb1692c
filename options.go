package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	maxThrottleRetryCount          = 100
	minThrottleBackoff             = 10 * time.Millisecond
	maxThrottleBackoff             = 1 * time.Minute
	minThrottleMaxWaitTime         = 100 * time.Millisecond
	maxThrottleMaxWaitTime         = 5 * time.Minute
	minLocationRefreshInterval     = 1 * time.Second
	maxLocationRefreshInterval     = 1 * time.Hour
	minUnavailableEndpointDuration = 1 * time.Second
	maxUnavailableEndpointDuration = 1 * time.Hour
	maxCircuitBreakerThreshold     = 1000
	minTimeout                     = 1 * time.Second
	maxTimeout                     = 5 * time.Minute
	maxConnsPerHostLimit           = 100
	minIdleConnTimeout             = 1 * time.Second
	maxIdleConnTimeout             = 5 * time.Minute
	maxRedirectsLimit              = 20
)

// Option is a functional option for configuring a Client.
type Option func(*Options)

type Options struct {
	preferredRegions              []string
	excludedRegions               []string
	enableEndpointDiscovery       bool
	useMultipleWriteLocations     bool
	enablePartitionFailover       bool
	enablePartitionCircuitBreaker bool
	circuitBreakerReadThreshold   int
	circuitBreakerWriteThreshold  int
	throttleRetryCount            int
	throttleBackoff               time.Duration
	throttleMaxWaitTime           time.Duration
	locationRefreshInterval       time.Duration
	unavailableEndpointExpiration time.Duration
	requestLogger                 RequestLogger
	requestHeaders                map[string]string
	basicAuthUsername             string
	basicAuthPassword             string
	authScheme                    string
	authToken                     string
	timeout                       time.Duration
	userAgent                     string
	maxIdleConns                  int
	maxConnsPerHost               int
	idleConnTimeout               time.Duration
	disableKeepAlive              bool
	maxRedirects                  int
	tlsConfig                     *tls.Config
	accountEndpoint               string
	metricsRegisterer             prometheus.Registerer
	clock                         clock.Clock
}

func newClientOptions() *Options {
	return &Options{
		enableEndpointDiscovery:       true,
		useMultipleWriteLocations:     true,
		circuitBreakerReadThreshold:   defaultCircuitBreakerReadThreshold,
		circuitBreakerWriteThreshold:  defaultCircuitBreakerWriteThreshold,
		throttleRetryCount:            defaultMaxThrottleRetryCount,
		throttleBackoff:               defaultThrottleBackoff,
		throttleMaxWaitTime:           defaultMaxThrottleWaitTime,
		locationRefreshInterval:       defaultLocationRefreshInterval,
		unavailableEndpointExpiration: defaultUnavailableEndpointExpiration,
		requestLogger:                 &NoopLogger{},
		requestHeaders: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		},
		authScheme:      "Bearer",
		timeout:         30 * time.Second,
		userAgent:       "globaldb-go-client/1.0",
		maxIdleConns:    100,
		maxConnsPerHost: 10,
		idleConnTimeout: 90 * time.Second,
		maxRedirects:    10,
		accountEndpoint: "/",
		clock:           clock.NewClock(),
	}
}

// WithPreferredRegions sets the regions to prefer, in order, when routing requests.
// Empty names are ignored.
func WithPreferredRegions(regions ...string) Option {
	return func(o *Options) {
		o.preferredRegions = nonEmpty(regions)
	}
}

// WithExcludedRegions sets regions that requests are never routed to, unless no
// other region is left. Requests may override this with Request.ExcludedRegions.
func WithExcludedRegions(regions ...string) Option {
	return func(o *Options) {
		o.excludedRegions = nonEmpty(regions)
	}
}

// WithEndpointDiscovery enables or disables region discovery and cross-region failover.
func WithEndpointDiscovery(enabled bool) Option {
	return func(o *Options) {
		o.enableEndpointDiscovery = enabled
	}
}

// WithMultipleWriteLocations allows writes to go to any write region of a
// multi-write account.
func WithMultipleWriteLocations(enabled bool) Option {
	return func(o *Options) {
		o.useMultipleWriteLocations = enabled
	}
}

// WithPartitionLevelFailover enables per-partition automatic failover of writes on
// single-write accounts.
func WithPartitionLevelFailover(enabled bool) Option {
	return func(o *Options) {
		o.enablePartitionFailover = enabled
	}
}

// WithPartitionLevelCircuitBreaker enables the per-partition circuit breaker.
// Non-positive thresholds keep the defaults.
func WithPartitionLevelCircuitBreaker(enabled bool, readThreshold, writeThreshold int) Option {
	return func(o *Options) {
		o.enablePartitionCircuitBreaker = enabled

		if readThreshold > 0 {
			o.circuitBreakerReadThreshold = readThreshold
		}

		if writeThreshold > 0 {
			o.circuitBreakerWriteThreshold = writeThreshold
		}
	}
}

// WithThrottleRetryCount sets how many times a throttled (429) request is retried.
// Negative values are ignored. Maximum allowed is 100.
func WithThrottleRetryCount(count int) Option {
	return func(o *Options) {
		if count >= 0 {
			o.throttleRetryCount = count
		}
	}
}

// WithThrottleBackoff sets the first backoff for throttled requests without a
// server-provided retry delay. Values less than 10ms are ignored.
func WithThrottleBackoff(backoff time.Duration) Option {
	return func(o *Options) {
		if backoff >= minThrottleBackoff {
			o.throttleBackoff = backoff
		}
	}
}

// WithThrottleMaxWaitTime sets the maximum cumulative wait for throttled requests.
// Values less than 100ms are ignored.
func WithThrottleMaxWaitTime(maxWaitTime time.Duration) Option {
	return func(o *Options) {
		if maxWaitTime >= minThrottleMaxWaitTime {
			o.throttleMaxWaitTime = maxWaitTime
		}
	}
}

// WithLocationRefreshInterval sets how long account topology is cached.
// Values outside 1s to 1h are ignored.
func WithLocationRefreshInterval(interval time.Duration) Option {
	return func(o *Options) {
		if interval >= minLocationRefreshInterval && interval <= maxLocationRefreshInterval {
			o.locationRefreshInterval = interval
		}
	}
}

// WithUnavailableEndpointExpiration sets how long an endpoint stays demoted after
// being marked unavailable. Values outside 1s to 1h are ignored.
func WithUnavailableEndpointExpiration(expiration time.Duration) Option {
	return func(o *Options) {
		if expiration >= minUnavailableEndpointDuration && expiration <= maxUnavailableEndpointDuration {
			o.unavailableEndpointExpiration = expiration
		}
	}
}

// WithRequestLogger sets the logger for HTTP requests and retry decisions.
// Nil values are ignored.
func WithRequestLogger(logger RequestLogger) Option {
	return func(o *Options) {
		if logger != nil {
			o.requestLogger = logger
		}
	}
}

// WithRequestHeader adds a custom header to all requests.
// Empty header names and attempts to override Content-Type or Accept are ignored.
func WithRequestHeader(header, value string) Option {
	return func(o *Options) {
		header = strings.TrimSpace(header)

		if header == "" || strings.EqualFold(header, "Content-Type") || strings.EqualFold(header, "Accept") {
			return
		}

		o.requestHeaders[header] = strings.TrimSpace(value)
	}
}

// WithBasicAuth configures HTTP Basic Authentication.
// Cannot be used together with WithAuthToken.
func WithBasicAuth(username, password string) Option {
	return func(o *Options) {
		o.basicAuthUsername = username
		o.basicAuthPassword = password
	}
}

// WithAuthScheme sets the authentication scheme (e.g., "Bearer").
// Used together with WithAuthToken. Empty values are ignored.
func WithAuthScheme(scheme string) Option {
	return func(o *Options) {
		if scheme != "" {
			o.authScheme = scheme
		}
	}
}

// WithAuthToken sets the authentication token.
// Cannot be used together with WithBasicAuth.
func WithAuthToken(token string) Option {
	return func(o *Options) {
		o.authToken = token
	}
}

// WithTimeout sets the timeout of a single attempt.
// Values outside 1s to 5m are ignored.
func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout >= minTimeout && timeout <= maxTimeout {
			o.timeout = timeout
		}
	}
}

// WithUserAgent sets the User-Agent header. Empty values are ignored.
func WithUserAgent(userAgent string) Option {
	return func(o *Options) {
		if userAgent != "" {
			o.userAgent = userAgent
		}
	}
}

// WithMaxIdleConns sets the maximum number of idle connections across all hosts.
// Values less than 1 are ignored.
func WithMaxIdleConns(n int) Option {
	return func(o *Options) {
		if n >= 1 {
			o.maxIdleConns = n
		}
	}
}

// WithMaxConnsPerHost sets the maximum number of connections per regional endpoint.
// Values outside 1 to 100 are ignored.
func WithMaxConnsPerHost(n int) Option {
	return func(o *Options) {
		if n >= 1 && n <= maxConnsPerHostLimit {
			o.maxConnsPerHost = n
		}
	}
}

// WithIdleConnTimeout sets how long idle connections are kept.
// Values outside 1s to 5m are ignored.
func WithIdleConnTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout >= minIdleConnTimeout && timeout <= maxIdleConnTimeout {
			o.idleConnTimeout = timeout
		}
	}
}

// WithDisableKeepAlive disables HTTP keep-alives.
func WithDisableKeepAlive(disable bool) Option {
	return func(o *Options) {
		o.disableKeepAlive = disable
	}
}

// WithMaxRedirects sets the maximum number of redirects to follow.
// Values outside 0 to 20 are ignored.
func WithMaxRedirects(n int) Option {
	return func(o *Options) {
		if n >= 0 && n <= maxRedirectsLimit {
			o.maxRedirects = n
		}
	}
}

// WithTLSConfig sets the TLS configuration. Nil values are ignored.
func WithTLSConfig(config *tls.Config) Option {
	return func(o *Options) {
		if config != nil {
			o.tlsConfig = config
		}
	}
}

// WithAccountEndpoint sets the path, relative to the global endpoint, that serves
// the account topology. Empty values are ignored.
func WithAccountEndpoint(path string) Option {
	return func(o *Options) {
		path = strings.TrimSpace(path)
		if path != "" {
			o.accountEndpoint = path
		}
	}
}

// WithMetricsRegisterer registers the client metrics on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.metricsRegisterer = reg
	}
}

// WithClock replaces the wall clock used for retry delays and endpoint expiry.
// Nil values are ignored.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		if c != nil {
			o.clock = c
		}
	}
}

func (o *Options) Validate() error {
	if o.throttleRetryCount < 0 {
		return errors.New("throttleRetryCount must be non-negative")
	}

	if o.throttleRetryCount > maxThrottleRetryCount {
		return fmt.Errorf("throttleRetryCount must not exceed %d", maxThrottleRetryCount)
	}

	if o.throttleBackoff < minThrottleBackoff {
		return fmt.Errorf("throttleBackoff must be at least %v", minThrottleBackoff)
	}

	if o.throttleBackoff > maxThrottleBackoff {
		return fmt.Errorf("throttleBackoff must not exceed %v", maxThrottleBackoff)
	}

	if o.throttleMaxWaitTime < minThrottleMaxWaitTime {
		return fmt.Errorf("throttleMaxWaitTime must be at least %v", minThrottleMaxWaitTime)
	}

	if o.throttleMaxWaitTime > maxThrottleMaxWaitTime {
		return fmt.Errorf("throttleMaxWaitTime must not exceed %v", maxThrottleMaxWaitTime)
	}

	if o.throttleMaxWaitTime < o.throttleBackoff {
		return fmt.Errorf("throttleMaxWaitTime (%v) must be greater than or equal to throttleBackoff (%v)", o.throttleMaxWaitTime, o.throttleBackoff)
	}

	if o.circuitBreakerReadThreshold < 1 || o.circuitBreakerReadThreshold > maxCircuitBreakerThreshold {
		return fmt.Errorf("circuitBreakerReadThreshold must be between 1 and %d", maxCircuitBreakerThreshold)
	}

	if o.circuitBreakerWriteThreshold < 1 || o.circuitBreakerWriteThreshold > maxCircuitBreakerThreshold {
		return fmt.Errorf("circuitBreakerWriteThreshold must be between 1 and %d", maxCircuitBreakerThreshold)
	}

	if o.locationRefreshInterval < minLocationRefreshInterval {
		return fmt.Errorf("locationRefreshInterval must be at least %v", minLocationRefreshInterval)
	}

	if o.locationRefreshInterval > maxLocationRefreshInterval {
		return fmt.Errorf("locationRefreshInterval must not exceed %v", maxLocationRefreshInterval)
	}

	if o.unavailableEndpointExpiration < minUnavailableEndpointDuration {
		return fmt.Errorf("unavailableEndpointExpiration must be at least %v", minUnavailableEndpointDuration)
	}

	if o.unavailableEndpointExpiration > maxUnavailableEndpointDuration {
		return fmt.Errorf("unavailableEndpointExpiration must not exceed %v", maxUnavailableEndpointDuration)
	}

	if o.requestLogger == nil {
		return errors.New("requestLogger must not be nil")
	}

	if o.basicAuthUsername != "" && o.authToken != "" {
		return errors.New("cannot use both basic auth and token auth - choose one")
	}

	if o.timeout < minTimeout {
		return fmt.Errorf("timeout must be at least %v", minTimeout)
	}

	if o.timeout > maxTimeout {
		return fmt.Errorf("timeout must not exceed %v", maxTimeout)
	}

	if o.userAgent == "" {
		return errors.New("userAgent must not be empty")
	}

	if o.maxIdleConns < 1 {
		return errors.New("maxIdleConns must be at least 1")
	}

	if o.maxConnsPerHost < 1 {
		return errors.New("maxConnsPerHost must be at least 1")
	}

	if o.maxConnsPerHost > maxConnsPerHostLimit {
		return fmt.Errorf("maxConnsPerHost must not exceed %d", maxConnsPerHostLimit)
	}

	if o.idleConnTimeout < minIdleConnTimeout {
		return fmt.Errorf("idleConnTimeout must be at least %v", minIdleConnTimeout)
	}

	if o.idleConnTimeout > maxIdleConnTimeout {
		return fmt.Errorf("idleConnTimeout must not exceed %v", maxIdleConnTimeout)
	}

	if o.maxRedirects < 0 {
		return errors.New("maxRedirects must be non-negative")
	}

	if o.maxRedirects > maxRedirectsLimit {
		return fmt.Errorf("maxRedirects must not exceed %d", maxRedirectsLimit)
	}

	if o.accountEndpoint == "" {
		return errors.New("accountEndpoint must not be empty")
	}

	if o.clock == nil {
		return errors.New("clock must not be nil")
	}

	return nil
}

func nonEmpty(values []string) []string {
	result := make([]string, 0, len(values))

	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}

	return result
}
