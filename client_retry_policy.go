package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	retryInterval                    = 1000 * time.Millisecond
	maxRetryCountOnEndpointFailure   = 120
	maxRetryCountOnConnectionFailure = 3
)

// RetryDecision is the outcome of a retry policy evaluation. The zero value means
// "do not retry".
type RetryDecision struct {
	Retry bool
	After time.Duration
}

// DoNotRetry returns a decision to surface the outcome to the caller.
func DoNotRetry() RetryDecision {
	return RetryDecision{}
}

// RetryAfter returns a decision to resend the request after d.
func RetryAfter(d time.Duration) RetryDecision {
	if d < 0 {
		d = 0
	}
	return RetryDecision{Retry: true, After: d}
}

// Outcome is the result of one attempt: a response, or a transport error.
type Outcome struct {
	Response *Response
	Err      error
}

type retryReason string

const (
	reasonSuccess            retryReason = "success"
	reasonConnectionFailure  retryReason = "connection_failure"
	reasonEndpointFailure    retryReason = "endpoint_failure"
	reasonWriteForbidden     retryReason = "write_forbidden"
	reasonSessionUnavailable retryReason = "session_unavailable"
	reasonServiceUnavailable retryReason = "service_unavailable"
	reasonUnsafeWrite        retryReason = "unsafe_write"
	reasonThrottled          retryReason = "throttled"
)

// routingDirective is where the next attempt goes. It is overwritten by every
// decision that picks a new endpoint and never cleared on consumption.
type routingDirective struct {
	locationIndex         int
	usePreferredLocations bool
	routeToHub            bool
}

// endpointFailoverOptions selects the branches of a generic endpoint failover.
type endpointFailoverOptions struct {
	isRead                     bool
	markBothReadAndWrite       bool
	forceRefresh               bool
	retryOnPreferredLocations  bool
	overwriteEndpointDiscovery bool
}

// ClientRetryPolicyConfig holds the collaborators of a ClientRetryPolicy.
type ClientRetryPolicyConfig struct {
	EndpointManager          EndpointManager
	PartitionEndpointManager PartitionEndpointManager
	ThrottlingRetryPolicy    *ResourceThrottleRetryPolicy
	EnableEndpointDiscovery  bool
	Logger                   RequestLogger
	Metrics                  *Metrics
}

// ClientRetryPolicy decides whether, where and when to retry the attempts of one
// logical operation across regions. Create one per operation; it is not safe for
// concurrent use or reuse.
type ClientRetryPolicy struct {
	endpointManager          EndpointManager
	partitionEndpointManager PartitionEndpointManager
	throttlingRetry          *ResourceThrottleRetryPolicy
	logger                   RequestLogger
	metrics                  *Metrics
	enableEndpointDiscovery  bool

	failoverRetryCount           int
	sessionTokenRetryCount       int
	serviceUnavailableRetryCount int
	connectionRetryCount         int

	operationKind    OperationKind
	operationKindSet bool

	request                      *Request
	canUseMultipleWriteLocations bool
	locationEndpoint             *url.URL
	retryContext                 *routingDirective
	excludedRegions              mapset.Set[string]
}

// NewClientRetryPolicy creates a policy for a single logical operation.
// EndpointManager is required; the other collaborators have defaults.
func NewClientRetryPolicy(cfg ClientRetryPolicyConfig) *ClientRetryPolicy {
	partitionEndpointManager := cfg.PartitionEndpointManager
	if partitionEndpointManager == nil {
		partitionEndpointManager = noPartitionEndpointManager{}
	}

	throttlingRetry := cfg.ThrottlingRetryPolicy
	if throttlingRetry == nil {
		throttlingRetry = NewResourceThrottleRetryPolicy(defaultMaxThrottleRetryCount, defaultThrottleBackoff, defaultMaxThrottleWaitTime, nil)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}

	return &ClientRetryPolicy{
		endpointManager:          cfg.EndpointManager,
		partitionEndpointManager: partitionEndpointManager,
		throttlingRetry:          throttlingRetry,
		logger:                   logger,
		metrics:                  cfg.Metrics,
		enableEndpointDiscovery:  cfg.EnableEndpointDiscovery,
	}
}

// BeforeSendRequest routes req for its next attempt: it applies the routing chosen
// by the previous decision, resolves the endpoint and installs partition overrides.
func (p *ClientRetryPolicy) BeforeSendRequest(ctx context.Context, req *Request) {
	p.refreshLocation(ctx, false)

	p.operationKind = req.OperationKind()
	p.operationKindSet = true

	p.canUseMultipleWriteLocations = p.endpointManager.CanUseMultipleWriteLocations(req)
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if p.canUseMultipleWriteLocations {
		req.Header.Set(HeaderAllowTentativeWrites, "true")
	} else {
		req.Header.Del(HeaderAllowTentativeWrites)
	}

	p.excludedRegions = toRegionSet(req.ExcludedRegions)

	req.RequestContext.ClearRouteToLocation()

	if rc := p.retryContext; rc != nil {
		if rc.routeToHub {
			req.RequestContext.RouteToLocationEndpoint(p.endpointManager.HubURI())
		} else {
			req.RequestContext.RouteToLocationIndex(rc.locationIndex, rc.usePreferredLocations)
		}
	}

	p.locationEndpoint = p.endpointManager.ResolveServiceEndpoint(req)
	req.RequestContext.RouteToLocationEndpoint(p.locationEndpoint)

	if p.partitionEndpointManager.PartitionLevelFailoverEnabled() && req.IsPartitionScoped() {
		p.partitionEndpointManager.TryAddPartitionLevelLocationOverride(req)
	}

	p.request = req.Clone()
}

// ShouldRetry decides what to do with the outcome of the last attempt.
func (p *ClientRetryPolicy) ShouldRetry(ctx context.Context, outcome Outcome) RetryDecision {
	if outcome.Err != nil {
		return p.shouldRetryOnError(ctx, outcome.Err)
	}

	resp := outcome.Response
	if resp == nil || resp.StatusCode < http.StatusBadRequest {
		return DoNotRetry()
	}

	return p.shouldRetryOnResponse(ctx, resp)
}

func (p *ClientRetryPolicy) shouldRetryOnResponse(ctx context.Context, resp *Response) RetryDecision {
	if decision, ok := p.shouldRetryOnStatus(ctx, resp.StatusCode, resp.SubStatus); ok {
		return decision
	}

	return p.decide(reasonThrottled, p.throttlingRetry.ShouldRetryResponse(resp))
}

func (p *ClientRetryPolicy) shouldRetryOnError(ctx context.Context, err error) RetryDecision {
	sent := requestSentStatus(err)

	if sent == RequestNotSent {
		return p.shouldRetryOnConnectionFailure(ctx)
	}

	if errorKind(err) == ErrorKindIO {
		if p.isReadOnly() {
			return p.shouldRetryOnServiceUnavailable()
		}
		// The write may have been applied.
		return p.decide(reasonUnsafeWrite, DoNotRetry())
	}

	if statusCode, subStatus, ok := statusFromError(err); ok {
		if decision, ok := p.shouldRetryOnStatus(ctx, statusCode, subStatus); ok {
			return decision
		}
	}

	return p.decide(reasonThrottled, p.throttlingRetry.ShouldRetryError(err))
}

// shouldRetryOnStatus dispatches a failed status. The bool is false when no
// region-aware rule applies and the throttling policy should decide.
func (p *ClientRetryPolicy) shouldRetryOnStatus(ctx context.Context, statusCode int, subStatus SubStatusCode) (RetryDecision, bool) {
	switch {
	case statusCode == http.StatusForbidden && subStatus == SubStatusWriteForbidden:
		if p.partitionEndpointManager.PartitionLevelFailoverEnabled() && p.request != nil &&
			p.partitionEndpointManager.TryMarkEndpointUnavailableForPartitionKeyRange(p.request) {
			return p.decide(reasonWriteForbidden, RetryAfter(0)), true
		}
		return p.shouldRetryOnEndpointFailure(ctx, reasonWriteForbidden, endpointFailoverOptions{
			isRead:       false,
			forceRefresh: true,
		}), true

	case statusCode == http.StatusNotFound && subStatus == SubStatusReadSessionNotAvailable:
		return p.shouldRetryOnSessionNotAvailable(), true

	case p.canUseMultipleWriteLocations &&
		statusCode == http.StatusTooManyRequests &&
		subStatus == SubStatusSystemResourceNotAvailable:
		p.tryMarkEndpointUnavailableForPartitionKey(true)
		return p.shouldRetryOnServiceUnavailable(), true

	case statusCode == http.StatusServiceUnavailable:
		p.tryMarkEndpointUnavailableForPartitionKey(false)
		return p.shouldRetryOnServiceUnavailable(), true

	case statusCode == http.StatusGone && subStatus == SubStatusLeaseNotFound:
		return p.shouldRetryOnServiceUnavailable(), true

	case p.isReadOnly() && isRetryableReadStatus(statusCode):
		return p.shouldRetryOnServiceUnavailable(), true
	}

	return DoNotRetry(), false
}

// shouldRetryOnSessionNotAvailable retries on another endpoint that may already have
// the session the request depends on.
func (p *ClientRetryPolicy) shouldRetryOnSessionNotAvailable() RetryDecision {
	p.sessionTokenRetryCount++

	if !p.enableEndpointDiscovery {
		return p.decide(reasonSessionUnavailable, DoNotRetry())
	}

	if p.canUseMultipleWriteLocations {
		endpoints := p.endpointManager.ApplicableEndpoints(p.currentOperationKind(), p.excludedRegions)
		if p.sessionTokenRetryCount > len(endpoints) {
			p.logger.Warnf("session not available on any of %d endpoints, giving up", len(endpoints))
			return p.decide(reasonSessionUnavailable, DoNotRetry())
		}

		p.retryContext = &routingDirective{
			locationIndex:         p.sessionTokenRetryCount,
			usePreferredLocations: true,
		}
		return p.decide(reasonSessionUnavailable, RetryAfter(0))
	}

	// Single write region: the write region is the only alternative.
	if p.sessionTokenRetryCount > 1 {
		return p.decide(reasonSessionUnavailable, DoNotRetry())
	}

	p.retryContext = &routingDirective{
		locationIndex:         0,
		usePreferredLocations: false,
	}
	return p.decide(reasonSessionUnavailable, RetryAfter(0))
}

// shouldRetryOnConnectionFailure handles requests that never reached the server.
// They are safe to retry for reads and writes alike.
func (p *ClientRetryPolicy) shouldRetryOnConnectionFailure(ctx context.Context) RetryDecision {
	p.connectionRetryCount++

	if p.connectionRetryCount <= maxRetryCountOnConnectionFailure {
		return p.decide(reasonConnectionFailure, RetryAfter(retryInterval))
	}

	p.markCurrentEndpointUnavailable(true, true)

	p.failoverRetryCount++
	if p.failoverRetryCount > maxRetryCountOnEndpointFailure || !p.enableEndpointDiscovery {
		p.logger.Warnf("giving up after %d endpoint failovers", p.failoverRetryCount)
		return p.decide(reasonConnectionFailure, DoNotRetry())
	}

	p.refreshLocation(ctx, true)

	// Fresh local budget on the next endpoint.
	p.connectionRetryCount = 0
	p.retryContext = &routingDirective{
		locationIndex:         0,
		usePreferredLocations: true,
	}

	return p.decide(reasonConnectionFailure, RetryAfter(0))
}

// shouldRetryOnEndpointFailure marks the current endpoint unavailable and moves on.
func (p *ClientRetryPolicy) shouldRetryOnEndpointFailure(ctx context.Context, reason retryReason, opts endpointFailoverOptions) RetryDecision {
	if p.failoverRetryCount > maxRetryCountOnEndpointFailure ||
		(!p.enableEndpointDiscovery && !opts.overwriteEndpointDiscovery) {
		return p.decide(reason, DoNotRetry())
	}

	p.failoverRetryCount++

	if !opts.overwriteEndpointDiscovery {
		p.markCurrentEndpointUnavailable(
			opts.isRead || opts.markBothReadAndWrite,
			!opts.isRead || opts.markBothReadAndWrite,
		)
	}

	delay := retryInterval
	if !opts.isRead && p.failoverRetryCount <= 1 {
		delay = 0
	}

	p.refreshLocation(ctx, opts.forceRefresh)

	locationIndex := 0
	if !opts.retryOnPreferredLocations {
		locationIndex = p.failoverRetryCount
	}

	p.retryContext = &routingDirective{
		locationIndex:         locationIndex,
		usePreferredLocations: opts.retryOnPreferredLocations,
	}

	return p.decide(reason, RetryAfter(delay))
}

// shouldRetryOnServiceUnavailable walks the remaining applicable endpoints once.
func (p *ClientRetryPolicy) shouldRetryOnServiceUnavailable() RetryDecision {
	p.serviceUnavailableRetryCount++

	if !p.isReadOnly() && !p.canUseMultipleWriteLocations &&
		!p.partitionEndpointManager.PartitionLevelAutomaticFailoverEnabled() {
		return p.decide(reasonServiceUnavailable, DoNotRetry())
	}

	endpoints := p.endpointManager.ApplicableEndpoints(p.currentOperationKind(), p.excludedRegions)
	if p.serviceUnavailableRetryCount > len(endpoints) {
		p.logger.Warnf("all %d applicable endpoints exhausted", len(endpoints))
		return p.decide(reasonServiceUnavailable, DoNotRetry())
	}

	p.retryContext = &routingDirective{
		locationIndex:         p.serviceUnavailableRetryCount,
		usePreferredLocations: true,
	}

	return p.decide(reasonServiceUnavailable, RetryAfter(0))
}

// tryMarkEndpointUnavailableForPartitionKey moves the partition key range of the last
// request to another endpoint when the request qualifies for partition-level failover.
func (p *ClientRetryPolicy) tryMarkEndpointUnavailableForPartitionKey(isSystemResourceUnavailableForWrite bool) bool {
	pem := p.partitionEndpointManager
	if p.request == nil || !pem.PartitionLevelFailoverEnabled() {
		return false
	}

	if isSystemResourceUnavailableForWrite ||
		pem.IsRequestEligibleForPerPartitionAutomaticFailover(p.request) ||
		(pem.IsRequestEligibleForPartitionLevelCircuitBreaker(p.request) &&
			pem.IncrementRequestFailureCounterAndCheckIfPartitionCanFailover(p.request)) {
		return pem.TryMarkEndpointUnavailableForPartitionKeyRange(p.request)
	}

	return false
}

func (p *ClientRetryPolicy) markCurrentEndpointUnavailable(read, write bool) {
	if p.locationEndpoint == nil {
		return
	}

	if read {
		p.endpointManager.MarkEndpointUnavailableForRead(p.locationEndpoint)
	}

	if write {
		p.endpointManager.MarkEndpointUnavailableForWrite(p.locationEndpoint)
	}
}

// refreshLocation asks the endpoint manager for fresh topology. A failed refresh
// must never fail or stall the request, so the error is logged and dropped.
func (p *ClientRetryPolicy) refreshLocation(ctx context.Context, force bool) {
	if err := p.endpointManager.RefreshLocation(ctx, force); err != nil {
		p.logger.Warnf("location refresh failed (force=%t): %v", force, err)
	}
}

func (p *ClientRetryPolicy) isReadOnly() bool {
	return !p.operationKindSet || p.operationKind == OperationKindRead
}

func (p *ClientRetryPolicy) currentOperationKind() OperationKind {
	if !p.operationKindSet {
		return OperationKindRead
	}
	return p.operationKind
}

func (p *ClientRetryPolicy) decide(reason retryReason, decision RetryDecision) RetryDecision {
	p.metrics.observeDecision(reason, decision)

	endpoint := "<none>"
	if p.locationEndpoint != nil {
		endpoint = sanitizeURL(p.locationEndpoint.String())
	}

	if decision.Retry {
		p.logger.Debugf("retrying %s request after %v (reason=%s, endpoint=%s)", p.currentOperationKind(), decision.After, reason, endpoint)
	} else {
		p.logger.Debugf("not retrying %s request (reason=%s, endpoint=%s)", p.currentOperationKind(), reason, endpoint)
	}

	return decision
}

// FailoverRetryCount returns the number of endpoint failovers performed so far.
func (p *ClientRetryPolicy) FailoverRetryCount() int { return p.failoverRetryCount }

// SessionTokenRetryCount returns the number of session-unavailable outcomes seen.
func (p *ClientRetryPolicy) SessionTokenRetryCount() int { return p.sessionTokenRetryCount }

// ServiceUnavailableRetryCount returns the number of service-unavailable outcomes seen.
func (p *ClientRetryPolicy) ServiceUnavailableRetryCount() int {
	return p.serviceUnavailableRetryCount
}

// ConnectionRetryCount returns the connection failures seen on the current endpoint.
func (p *ClientRetryPolicy) ConnectionRetryCount() int { return p.connectionRetryCount }
