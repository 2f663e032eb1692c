package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLocationRefreshInterval       = 5 * time.Minute
	defaultUnavailableEndpointExpiration = 5 * time.Minute
)

// EndpointManager resolves regional endpoints and tracks their availability.
// Implementations are shared by all operations of a client and must be safe for
// concurrent use.
type EndpointManager interface {
	RefreshLocation(ctx context.Context, force bool) error
	CanUseMultipleWriteLocations(req *Request) bool
	ResolveServiceEndpoint(req *Request) *url.URL
	MarkEndpointUnavailableForRead(endpoint *url.URL)
	MarkEndpointUnavailableForWrite(endpoint *url.URL)
	ApplicableEndpoints(kind OperationKind, excludedRegions mapset.Set[string]) []*url.URL
	HubURI() *url.URL
}

// AccountRegion is a region of the account and its endpoint.
type AccountRegion struct {
	Name     string `json:"name"`
	Endpoint string `json:"databaseAccountEndpoint"`
}

// AccountProperties is the topology published by the global endpoint.
type AccountProperties struct {
	WritableLocations            []AccountRegion `json:"writableLocations"`
	ReadableLocations            []AccountRegion `json:"readableLocations"`
	EnableMultipleWriteLocations bool            `json:"enableMultipleWriteLocations"`
}

// AccountPropertiesFetcher reads the current account topology.
type AccountPropertiesFetcher func(ctx context.Context) (*AccountProperties, error)

// GlobalEndpointManagerOptions configures a GlobalEndpointManager.
type GlobalEndpointManagerOptions struct {
	DefaultEndpoint               *url.URL
	PreferredLocations            []string
	EnableEndpointDiscovery       bool
	UseMultipleWriteLocations     bool
	RefreshInterval               time.Duration
	UnavailableEndpointExpiration time.Duration
	Fetcher                       AccountPropertiesFetcher
	Clock                         clock.Clock
	Logger                        RequestLogger
	Metrics                       *Metrics
}

type regionalEndpoint struct {
	region   string
	endpoint *url.URL
}

type unavailability struct {
	read  time.Time
	write time.Time
}

// GlobalEndpointManager is the default EndpointManager. It caches the account's
// regions, orders them by the preferred locations and demotes endpoints that were
// recently marked unavailable.
type GlobalEndpointManager struct {
	defaultEndpoint           *url.URL
	enableEndpointDiscovery   bool
	useMultipleWriteLocations bool
	refreshInterval           time.Duration
	expiration                time.Duration
	fetcher                   AccountPropertiesFetcher
	clock                     clock.Clock
	logger                    RequestLogger
	metrics                   *Metrics
	refreshGroup              singleflight.Group

	mutex                        sync.RWMutex
	preferredLocations           []string
	writeRegions                 []regionalEndpoint
	readRegions                  []regionalEndpoint
	enableMultipleWriteLocations bool
	unavailable                  map[string]*unavailability
	lastRefresh                  time.Time
	refreshed                    bool
}

// NewGlobalEndpointManager creates an endpoint manager. Until the first successful
// refresh every request resolves to the default endpoint.
func NewGlobalEndpointManager(opts GlobalEndpointManagerOptions) (*GlobalEndpointManager, error) {
	if opts.DefaultEndpoint == nil {
		return nil, errors.New("default endpoint must be set")
	}

	if opts.Fetcher == nil {
		return nil, errors.New("account properties fetcher must be set")
	}

	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultLocationRefreshInterval
	}

	if opts.UnavailableEndpointExpiration <= 0 {
		opts.UnavailableEndpointExpiration = defaultUnavailableEndpointExpiration
	}

	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}

	if opts.Logger == nil {
		opts.Logger = &NoopLogger{}
	}

	return &GlobalEndpointManager{
		defaultEndpoint:           opts.DefaultEndpoint,
		enableEndpointDiscovery:   opts.EnableEndpointDiscovery,
		useMultipleWriteLocations: opts.UseMultipleWriteLocations,
		refreshInterval:           opts.RefreshInterval,
		expiration:                opts.UnavailableEndpointExpiration,
		fetcher:                   opts.Fetcher,
		clock:                     opts.Clock,
		logger:                    opts.Logger,
		metrics:                   opts.Metrics,
		preferredLocations:        append([]string(nil), opts.PreferredLocations...),
		unavailable:               make(map[string]*unavailability),
	}, nil
}

// RefreshLocation re-reads the account topology. Unless force is set, the refresh is
// skipped while the cached topology is younger than the refresh interval. Concurrent
// refreshes share one fetch, which does not inherit the cancellation of the caller
// that started it.
func (m *GlobalEndpointManager) RefreshLocation(ctx context.Context, force bool) error {
	if !m.enableEndpointDiscovery {
		return nil
	}

	if !force && !m.shouldRefresh() {
		return nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	_, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		props, err := m.fetcher(fetchCtx)
		if err != nil {
			m.metrics.observeRefreshFailure()
			return nil, fmt.Errorf("failed to fetch account properties: %w", err)
		}

		m.update(props)
		return nil, nil
	})

	return err
}

func (m *GlobalEndpointManager) shouldRefresh() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return !m.refreshed || m.clock.Since(m.lastRefresh) >= m.refreshInterval
}

func (m *GlobalEndpointManager) update(props *AccountProperties) {
	if props == nil {
		return
	}

	writeRegions := m.parseRegions(props.WritableLocations)
	readRegions := m.parseRegions(props.ReadableLocations)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.writeRegions = writeRegions
	m.readRegions = readRegions
	m.enableMultipleWriteLocations = props.EnableMultipleWriteLocations
	m.lastRefresh = m.clock.Now()
	m.refreshed = true

	for key, entry := range m.unavailable {
		if m.expired(entry.read) && m.expired(entry.write) {
			delete(m.unavailable, key)
		}
	}
}

func (m *GlobalEndpointManager) parseRegions(regions []AccountRegion) []regionalEndpoint {
	parsed := make([]regionalEndpoint, 0, len(regions))

	for _, region := range regions {
		endpoint, err := url.Parse(region.Endpoint)
		if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
			m.logger.Warnf("ignoring region %q with invalid endpoint %q", region.Name, region.Endpoint)
			continue
		}

		parsed = append(parsed, regionalEndpoint{region: region.Name, endpoint: endpoint})
	}

	return parsed
}

// SetPreferredLocations replaces the preferred region ordering.
func (m *GlobalEndpointManager) SetPreferredLocations(locations []string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.preferredLocations = append([]string(nil), locations...)
}

// CanUseMultipleWriteLocations reports whether req may be written to any write region.
func (m *GlobalEndpointManager) CanUseMultipleWriteLocations(req *Request) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.canUseMultipleWriteLocationsLocked(req)
}

func (m *GlobalEndpointManager) canUseMultipleWriteLocationsLocked(req *Request) bool {
	if !m.useMultipleWriteLocations || !m.enableMultipleWriteLocations {
		return false
	}

	return req.ResourceType == ResourceDocument ||
		(req.ResourceType == ResourceStoredProcedure && req.OperationType == OperationExecuteJavaScript)
}

// ResolveServiceEndpoint returns the endpoint the next attempt of req should use.
func (m *GlobalEndpointManager) ResolveServiceEndpoint(req *Request) *url.URL {
	if endpoint := req.RequestContext.LocationEndpointToRoute(); endpoint != nil {
		return endpoint
	}

	index := req.RequestContext.LocationIndexToRoute()
	if index < 0 {
		index = 0
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if !req.RequestContext.UsePreferredLocations() ||
		(req.OperationType.IsWriteOperation() && !m.canUseMultipleWriteLocationsLocked(req)) {
		// Single-master writes flip-flop between the first two write regions so that a
		// manual failover is picked up.
		if m.enableEndpointDiscovery && len(m.writeRegions) > 0 {
			index = min(index%2, len(m.writeRegions)-1)
			return m.writeRegions[index].endpoint
		}
		return m.defaultEndpoint
	}

	endpoints := m.applicableEndpointsLocked(req.OperationKind(), toRegionSet(req.ExcludedRegions))
	return endpoints[index%len(endpoints)]
}

// MarkEndpointUnavailableForRead demotes endpoint for reads until the mark expires.
func (m *GlobalEndpointManager) MarkEndpointUnavailableForRead(endpoint *url.URL) {
	m.markUnavailable(endpoint, OperationKindRead)
}

// MarkEndpointUnavailableForWrite demotes endpoint for writes until the mark expires.
func (m *GlobalEndpointManager) MarkEndpointUnavailableForWrite(endpoint *url.URL) {
	m.markUnavailable(endpoint, OperationKindWrite)
}

func (m *GlobalEndpointManager) markUnavailable(endpoint *url.URL, kind OperationKind) {
	if endpoint == nil {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := endpointKey(endpoint)
	entry, ok := m.unavailable[key]
	if !ok {
		entry = &unavailability{}
		m.unavailable[key] = entry
	}

	now := m.clock.Now()
	if kind == OperationKindWrite {
		entry.write = now
	} else {
		entry.read = now
	}

	m.metrics.observeEndpointMarked(kind)
	m.logger.Warnf("endpoint %s marked unavailable for %s", sanitizeURL(endpoint.String()), kind)
}

// IsEndpointUnavailable reports whether endpoint currently carries an unexpired mark.
func (m *GlobalEndpointManager) IsEndpointUnavailable(endpoint *url.URL, kind OperationKind) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.isUnavailableLocked(endpoint, kind)
}

func (m *GlobalEndpointManager) isUnavailableLocked(endpoint *url.URL, kind OperationKind) bool {
	entry, ok := m.unavailable[endpointKey(endpoint)]
	if !ok {
		return false
	}

	if kind == OperationKindWrite {
		return !m.expired(entry.write)
	}
	return !m.expired(entry.read)
}

func (m *GlobalEndpointManager) expired(markedAt time.Time) bool {
	return markedAt.IsZero() || m.clock.Since(markedAt) >= m.expiration
}

// ApplicableEndpoints returns the endpoints for kind in routing order: preferred
// regions first, unavailable endpoints last, excluded regions removed. The result is
// never empty; the default endpoint is the last resort.
func (m *GlobalEndpointManager) ApplicableEndpoints(kind OperationKind, excludedRegions mapset.Set[string]) []*url.URL {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.applicableEndpointsLocked(kind, excludedRegions)
}

func (m *GlobalEndpointManager) applicableEndpointsLocked(kind OperationKind, excludedRegions mapset.Set[string]) []*url.URL {
	ordered := m.orderedRegionsLocked(kind)

	endpoints := make([]*url.URL, 0, len(ordered))
	for _, region := range ordered {
		if excludedRegions != nil && excludedRegions.Contains(normalizeRegion(region.region)) {
			continue
		}
		endpoints = append(endpoints, region.endpoint)
	}

	if len(endpoints) == 0 {
		return []*url.URL{m.defaultEndpoint}
	}

	return endpoints
}

func (m *GlobalEndpointManager) orderedRegionsLocked(kind OperationKind) []regionalEndpoint {
	regions := m.readRegions
	if kind == OperationKindWrite {
		regions = m.writeRegions
	}

	if !m.enableEndpointDiscovery || len(regions) == 0 {
		return []regionalEndpoint{{endpoint: m.defaultEndpoint}}
	}

	canReorder := kind == OperationKindRead || (m.useMultipleWriteLocations && m.enableMultipleWriteLocations)
	if canReorder && len(m.preferredLocations) > 0 {
		if preferred := orderByPreference(regions, m.preferredLocations); len(preferred) > 0 {
			regions = preferred
		}
	}

	available := make([]regionalEndpoint, 0, len(regions))
	var unavailable []regionalEndpoint
	for _, region := range regions {
		if m.isUnavailableLocked(region.endpoint, kind) {
			unavailable = append(unavailable, region)
		} else {
			available = append(available, region)
		}
	}

	return append(available, unavailable...)
}

// HubURI returns the account's primary write endpoint.
func (m *GlobalEndpointManager) HubURI() *url.URL {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if len(m.writeRegions) > 0 {
		return m.writeRegions[0].endpoint
	}
	return m.defaultEndpoint
}

func orderByPreference(regions []regionalEndpoint, preferred []string) []regionalEndpoint {
	byName := make(map[string]regionalEndpoint, len(regions))
	for _, region := range regions {
		byName[normalizeRegion(region.region)] = region
	}

	ordered := make([]regionalEndpoint, 0, len(preferred))
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, name := range preferred {
		key := normalizeRegion(name)
		region, ok := byName[key]
		if !ok || seen.Contains(key) {
			continue
		}
		seen.Add(key)
		ordered = append(ordered, region)
	}

	return ordered
}

// normalizeRegion makes "West US", "westus" and "WESTUS" compare equal.
func normalizeRegion(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}

func toRegionSet(regions []string) mapset.Set[string] {
	if len(regions) == 0 {
		return nil
	}

	set := mapset.NewThreadUnsafeSet[string]()
	for _, region := range regions {
		set.Add(normalizeRegion(region))
	}
	return set
}

func endpointKey(endpoint *url.URL) string {
	return strings.ToLower(endpoint.Scheme + "://" + endpoint.Host)
}
