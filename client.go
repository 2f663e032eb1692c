package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Client is an HTTP client for a globally replicated document store.
// Use New to create a Client, then call Connect to discover the account's regions.
// Call Close when finished to release resources.
type Client struct {
	globalEndpoint           string
	client                   *resty.Client
	options                  *Options
	once                     sync.Once
	connectErr               error
	transport                *http.Transport
	metrics                  *Metrics
	endpointManager          *GlobalEndpointManager
	partitionEndpointManager *GlobalPartitionEndpointManager
	accountURL               *url.URL
}

// apiErrorResponse represents the standard error response from the store.
type apiErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// New creates a new Client for the account's global endpoint.
// The client must be connected with Connect before sending requests.
func New(globalEndpoint string, opts ...Option) *Client {
	options := newClientOptions()

	for _, o := range opts {
		o(options)
	}

	return &Client{
		globalEndpoint: globalEndpoint,
		options:        options,
	}
}

// Connect initializes the HTTP client and reads the account topology from the global
// endpoint. This method is safe for concurrent use and will only initialize once.
// If Connect fails, subsequent calls will return the same error.
func (c *Client) Connect(ctx context.Context) error {
	c.once.Do(func() {
		if c.globalEndpoint == "" {
			c.connectErr = errors.New("global endpoint must be set")
			return
		}

		endpoint, err := url.Parse(c.globalEndpoint)
		if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
			c.connectErr = fmt.Errorf("global endpoint %q must be an absolute URL", sanitizeURL(c.globalEndpoint))
			return
		}

		if err := c.options.Validate(); err != nil {
			c.connectErr = fmt.Errorf("invalid options: %w", err)
			return
		}

		c.accountURL = endpoint.JoinPath(c.options.accountEndpoint)

		// Configure transport with connection pool settings
		c.transport = &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			MaxIdleConns:      c.options.maxIdleConns,
			MaxConnsPerHost:   c.options.maxConnsPerHost,
			IdleConnTimeout:   c.options.idleConnTimeout,
			DisableKeepAlives: c.options.disableKeepAlive,
			TLSClientConfig:   c.options.tlsConfig,
		}

		// Retries are driven by ClientRetryPolicy, one physical attempt per resty request.
		c.client = resty.New().
			SetTimeout(c.options.timeout).
			SetTransport(c.transport).
			SetRedirectPolicy(resty.FlexibleRedirectPolicy(c.options.maxRedirects)).
			SetRetryCount(0).
			SetLogger(c.options.requestLogger).
			SetHeader("User-Agent", c.options.userAgent)

		for key, value := range c.options.requestHeaders {
			c.client.SetHeader(key, value)
		}

		if c.options.basicAuthUsername != "" {
			c.client.SetBasicAuth(c.options.basicAuthUsername, c.options.basicAuthPassword)
		} else if c.options.authToken != "" {
			c.client.SetAuthScheme(c.options.authScheme)
			c.client.SetAuthToken(c.options.authToken)
		}

		c.metrics = NewMetrics(c.options.metricsRegisterer)

		c.endpointManager, err = NewGlobalEndpointManager(GlobalEndpointManagerOptions{
			DefaultEndpoint:               endpoint,
			PreferredLocations:            c.options.preferredRegions,
			EnableEndpointDiscovery:       c.options.enableEndpointDiscovery,
			UseMultipleWriteLocations:     c.options.useMultipleWriteLocations,
			RefreshInterval:               c.options.locationRefreshInterval,
			UnavailableEndpointExpiration: c.options.unavailableEndpointExpiration,
			Fetcher:                       c.fetchAccountProperties,
			Clock:                         c.options.clock,
			Logger:                        c.options.requestLogger,
			Metrics:                       c.metrics,
		})
		if err != nil {
			c.connectErr = fmt.Errorf("failed to create endpoint manager: %w", err)
			return
		}

		c.partitionEndpointManager = NewGlobalPartitionEndpointManager(c.endpointManager, PartitionEndpointManagerOptions{
			EnableAutomaticFailover: c.options.enablePartitionFailover,
			EnableCircuitBreaker:    c.options.enablePartitionCircuitBreaker,
			ReadFailureThreshold:    c.options.circuitBreakerReadThreshold,
			WriteFailureThreshold:   c.options.circuitBreakerWriteThreshold,
		})

		if c.options.enableEndpointDiscovery {
			err = c.endpointManager.RefreshLocation(ctx, true)
		} else {
			err = c.ping(ctx)
		}

		if err != nil {
			c.client = nil
			c.connectErr = fmt.Errorf("failed to read account properties: %w", err)
			return
		}
	})

	return c.connectErr
}

// Do executes req, retrying and failing over between regions as the retry policy
// decides. Connect must be called first.
//
// A non-success final response is returned together with an *Error of kind
// ErrorKindHTTPResponse. Transport failures are returned as *Error as well.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c == nil {
		return nil, errors.New("store client is nil")
	}

	if c.client == nil {
		return nil, errors.New("client not connected - call Connect() first")
	}

	if req == nil {
		return nil, errors.New("request must not be nil")
	}

	if req.Header == nil {
		req.Header = http.Header{}
	}

	if req.Header.Get(HeaderActivityID) == "" {
		req.Header.Set(HeaderActivityID, uuid.NewString())
	}

	if req.ExcludedRegions == nil && len(c.options.excludedRegions) > 0 {
		req.ExcludedRegions = append([]string(nil), c.options.excludedRegions...)
	}

	policy := c.newRetryPolicy()

	for {
		policy.BeforeSendRequest(ctx, req)

		resp, err := c.send(ctx, req)
		if err == nil && resp.IsSuccess() {
			if c.partitionEndpointManager != nil {
				c.partitionEndpointManager.RecordRequestSuccess(req)
			}
			return resp, nil
		}

		decision := policy.ShouldRetry(ctx, Outcome{Response: resp, Err: err})
		if !decision.Retry {
			if err != nil {
				return nil, err
			}
			return resp, newStatusError(resp)
		}

		if err := c.wait(ctx, decision.After); err != nil {
			return nil, err
		}
	}
}

// Close releases resources associated with the client.
// After Close is called, the client should not be used.
func (c *Client) Close() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
}

// Ping checks connectivity to the global endpoint.
// Connect must be called first. This can be used to verify
// the connection is still healthy after initial connect.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("store client is nil")
	}

	if c.client == nil {
		return errors.New("client not connected - call Connect() first")
	}

	return c.ping(ctx)
}

// RestyClient returns the underlying resty.Client for advanced use cases.
// Returns nil if Connect has not been called.
// Use with caution: modifications may affect client behavior.
func (c *Client) RestyClient() *resty.Client {
	return c.client
}

// EndpointManager returns the client's location cache.
// Returns nil if Connect has not been called.
func (c *Client) EndpointManager() *GlobalEndpointManager {
	return c.endpointManager
}

// WatchConfig applies region preferences reloaded by watcher to the connected client.
func (c *Client) WatchConfig(watcher *ConfigWatcher) error {
	if c.endpointManager == nil {
		return errors.New("client not connected - call Connect() first")
	}

	if watcher == nil {
		return errors.New("config watcher must not be nil")
	}

	watcher.AddReloadCallback(func(cfg *Config) {
		c.endpointManager.SetPreferredLocations(cfg.PreferredRegions)
		c.options.requestLogger.Debugf("preferred regions updated to %v", cfg.PreferredRegions)
	})

	return nil
}

func (c *Client) newRetryPolicy() *ClientRetryPolicy {
	return NewClientRetryPolicy(ClientRetryPolicyConfig{
		EndpointManager:          c.endpointManager,
		PartitionEndpointManager: c.partitionEndpointManager,
		ThrottlingRetryPolicy:    NewResourceThrottleRetryPolicy(c.options.throttleRetryCount, c.options.throttleBackoff, c.options.throttleMaxWaitTime, c.options.clock),
		EnableEndpointDiscovery:  c.options.enableEndpointDiscovery,
		Logger:                   c.options.requestLogger,
		Metrics:                  c.metrics,
	})
}

// send performs one physical attempt against the endpoint chosen by the retry policy.
func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	endpoint := req.RequestContext.LocationEndpointToRoute()
	if endpoint == nil {
		return nil, &Error{Kind: ErrorKindOther, Sent: RequestNotSent, Err: errors.New("no endpoint resolved for request")}
	}

	request := c.client.R().
		SetContext(ctx).
		SetHeaderMultiValues(req.Header)

	if req.PartitionKeyRangeID != "" {
		request.SetHeader(HeaderPartitionKeyRangeID, req.PartitionKeyRangeID)
	}

	if req.Body != nil {
		request.SetBody(req.Body)
	}

	target := endpoint.JoinPath(req.Path).String()

	response, err := request.Execute(req.OperationType.httpMethod(), target)
	if err != nil {
		return nil, newTransportError(err)
	}

	return newResponse(response.StatusCode(), response.Header(), response.Body()), nil
}

func (c *Client) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := c.options.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

func (c *Client) ping(ctx context.Context) error {
	_, err := c.fetchAccountProperties(ctx)
	return err
}

func (c *Client) fetchAccountProperties(ctx context.Context) (*AccountProperties, error) {
	target := c.accountURL.String()

	response, err := c.client.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, fmt.Errorf("GET %s failed: %w", sanitizeURL(target), err)
	}

	if !response.IsSuccess() {
		return nil, fmt.Errorf("GET %s failed with status code %d: %s", sanitizeURL(target), response.StatusCode(), getBodyErrorMessage(response.Body()))
	}

	var props AccountProperties
	if err := json.Unmarshal(response.Body(), &props); err != nil {
		return nil, fmt.Errorf("failed to decode account properties: %w", err)
	}

	return &props, nil
}

func getBodyErrorMessage(body []byte) string {
	if len(body) == 0 {
		return "(empty error body)"
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Error != "" {
			return apiErr.Error
		}
	}

	return string(body)
}

// sanitizeURL removes credentials (user info) from URLs to prevent leaking in logs.
func sanitizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if parsed.User == nil {
		return rawURL
	}

	// Rebuild URL with redacted credentials to avoid URL encoding issues
	result := parsed.Scheme + "://***:***@" + parsed.Host + parsed.RequestURI()
	if parsed.Fragment != "" {
		result += "#" + parsed.Fragment
	}

	return result
}
