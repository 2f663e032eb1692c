package client

import (
	"net/url"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	defaultCircuitBreakerReadThreshold  = 10
	defaultCircuitBreakerWriteThreshold = 5
)

// PartitionEndpointManager tracks per-partition-key-range endpoint overrides used for
// partition-level failover and circuit breaking. Implementations are shared by all
// operations of a client and must be safe for concurrent use.
type PartitionEndpointManager interface {
	PartitionLevelFailoverEnabled() bool
	PartitionLevelAutomaticFailoverEnabled() bool
	TryAddPartitionLevelLocationOverride(req *Request) bool
	TryMarkEndpointUnavailableForPartitionKeyRange(req *Request) bool
	IsRequestEligibleForPerPartitionAutomaticFailover(req *Request) bool
	IsRequestEligibleForPartitionLevelCircuitBreaker(req *Request) bool
	IncrementRequestFailureCounterAndCheckIfPartitionCanFailover(req *Request) bool
	RecordRequestSuccess(req *Request)
}

// PartitionEndpointManagerOptions configures a GlobalPartitionEndpointManager.
type PartitionEndpointManagerOptions struct {
	// EnableAutomaticFailover moves single-master writes of a failing partition to
	// another region.
	EnableAutomaticFailover bool
	// EnableCircuitBreaker moves reads (and multi-master writes) of a partition that
	// keeps failing to another region.
	EnableCircuitBreaker  bool
	ReadFailureThreshold  int
	WriteFailureThreshold int
}

type partitionKey struct {
	collection string
	rangeID    string
	kind       OperationKind
}

type partitionOverride struct {
	current *url.URL
	failed  mapset.Set[string]
}

// GlobalPartitionEndpointManager is the default PartitionEndpointManager.
type GlobalPartitionEndpointManager struct {
	endpoints         EndpointManager
	automaticFailover bool
	circuitBreaker    bool
	readThreshold     int
	writeThreshold    int

	mutex     sync.Mutex
	overrides map[partitionKey]*partitionOverride
	failures  map[partitionKey]int
}

// NewGlobalPartitionEndpointManager creates a partition endpoint manager that picks
// failover candidates from endpoints.
func NewGlobalPartitionEndpointManager(endpoints EndpointManager, opts PartitionEndpointManagerOptions) *GlobalPartitionEndpointManager {
	if opts.ReadFailureThreshold <= 0 {
		opts.ReadFailureThreshold = defaultCircuitBreakerReadThreshold
	}

	if opts.WriteFailureThreshold <= 0 {
		opts.WriteFailureThreshold = defaultCircuitBreakerWriteThreshold
	}

	return &GlobalPartitionEndpointManager{
		endpoints:         endpoints,
		automaticFailover: opts.EnableAutomaticFailover,
		circuitBreaker:    opts.EnableCircuitBreaker,
		readThreshold:     opts.ReadFailureThreshold,
		writeThreshold:    opts.WriteFailureThreshold,
		overrides:         make(map[partitionKey]*partitionOverride),
		failures:          make(map[partitionKey]int),
	}
}

func (m *GlobalPartitionEndpointManager) PartitionLevelFailoverEnabled() bool {
	return m.automaticFailover || m.circuitBreaker
}

func (m *GlobalPartitionEndpointManager) PartitionLevelAutomaticFailoverEnabled() bool {
	return m.automaticFailover
}

// IsRequestEligibleForPerPartitionAutomaticFailover reports whether req is a
// partition-scoped write against a single write region.
func (m *GlobalPartitionEndpointManager) IsRequestEligibleForPerPartitionAutomaticFailover(req *Request) bool {
	return m.automaticFailover &&
		req.IsPartitionScoped() &&
		req.OperationType.IsWriteOperation() &&
		!m.endpoints.CanUseMultipleWriteLocations(req)
}

// IsRequestEligibleForPartitionLevelCircuitBreaker reports whether req is a
// partition-scoped read, or a partition-scoped write on a multi-write account.
func (m *GlobalPartitionEndpointManager) IsRequestEligibleForPartitionLevelCircuitBreaker(req *Request) bool {
	return m.circuitBreaker &&
		req.IsPartitionScoped() &&
		(!req.OperationType.IsWriteOperation() || m.endpoints.CanUseMultipleWriteLocations(req))
}

// TryAddPartitionLevelLocationOverride routes req to the override endpoint of its
// partition key range, if one is installed.
func (m *GlobalPartitionEndpointManager) TryAddPartitionLevelLocationOverride(req *Request) bool {
	if !m.eligible(req) {
		return false
	}

	key := keyFor(req)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	override, ok := m.overrides[key]
	if !ok || override.current == nil {
		return false
	}

	req.RequestContext.RouteToLocationEndpoint(override.current)
	return true
}

// TryMarkEndpointUnavailableForPartitionKeyRange records the endpoint req was routed
// to as failed for its partition key range and installs the next untried endpoint
// as override. It returns false when no candidate is left; the partition then
// starts over from the regular routing.
func (m *GlobalPartitionEndpointManager) TryMarkEndpointUnavailableForPartitionKeyRange(req *Request) bool {
	if !m.eligible(req) {
		return false
	}

	failed := req.RequestContext.LocationEndpointToRoute()
	if failed == nil {
		return false
	}

	// Automatic failover moves writes to regions that are read regions for the account.
	candidateKind := OperationKindRead
	if req.OperationType.IsWriteOperation() && m.endpoints.CanUseMultipleWriteLocations(req) {
		candidateKind = OperationKindWrite
	}
	candidates := m.endpoints.ApplicableEndpoints(candidateKind, toRegionSet(req.ExcludedRegions))

	key := keyFor(req)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	override, ok := m.overrides[key]
	if !ok {
		override = &partitionOverride{failed: mapset.NewThreadUnsafeSet[string]()}
		m.overrides[key] = override
	}
	override.failed.Add(endpointKey(failed))

	for _, candidate := range candidates {
		if override.failed.Contains(endpointKey(candidate)) {
			continue
		}

		override.current = candidate
		delete(m.failures, key)
		return true
	}

	delete(m.overrides, key)
	return false
}

// IncrementRequestFailureCounterAndCheckIfPartitionCanFailover counts a consecutive
// failure for the partition key range of req and reports whether the threshold for
// its operation kind is reached.
func (m *GlobalPartitionEndpointManager) IncrementRequestFailureCounterAndCheckIfPartitionCanFailover(req *Request) bool {
	if !req.IsPartitionScoped() {
		return false
	}

	key := keyFor(req)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.failures[key]++

	threshold := m.readThreshold
	if key.kind == OperationKindWrite {
		threshold = m.writeThreshold
	}

	return m.failures[key] >= threshold
}

// RecordRequestSuccess resets the failure counter of the partition key range of req,
// so only consecutive failures count towards the circuit breaker threshold.
func (m *GlobalPartitionEndpointManager) RecordRequestSuccess(req *Request) {
	if !req.IsPartitionScoped() {
		return
	}

	key := keyFor(req)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.failures, key)
}

// PartitionOverride returns the override endpoint currently installed for the
// partition key range of req.
func (m *GlobalPartitionEndpointManager) PartitionOverride(req *Request) (*url.URL, bool) {
	key := keyFor(req)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	override, ok := m.overrides[key]
	if !ok || override.current == nil {
		return nil, false
	}
	return override.current, true
}

func (m *GlobalPartitionEndpointManager) eligible(req *Request) bool {
	return m.IsRequestEligibleForPerPartitionAutomaticFailover(req) ||
		m.IsRequestEligibleForPartitionLevelCircuitBreaker(req)
}

func keyFor(req *Request) partitionKey {
	return partitionKey{
		collection: req.collectionLink(),
		rangeID:    req.PartitionKeyRangeID,
		kind:       req.OperationKind(),
	}
}

// noPartitionEndpointManager disables partition-level failover.
type noPartitionEndpointManager struct{}

func (noPartitionEndpointManager) PartitionLevelFailoverEnabled() bool {
	return false
}

func (noPartitionEndpointManager) PartitionLevelAutomaticFailoverEnabled() bool {
	return false
}

func (noPartitionEndpointManager) TryAddPartitionLevelLocationOverride(*Request) bool {
	return false
}

func (noPartitionEndpointManager) TryMarkEndpointUnavailableForPartitionKeyRange(*Request) bool {
	return false
}

func (noPartitionEndpointManager) IsRequestEligibleForPerPartitionAutomaticFailover(*Request) bool {
	return false
}

func (noPartitionEndpointManager) IsRequestEligibleForPartitionLevelCircuitBreaker(*Request) bool {
	return false
}

func (noPartitionEndpointManager) IncrementRequestFailureCounterAndCheckIfPartitionCanFailover(*Request) bool {
	return false
}

func (noPartitionEndpointManager) RecordRequestSuccess(*Request) {}
