package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
)

type fakeEndpointManager struct {
	mu           sync.Mutex
	endpoints    []*url.URL
	hub          *url.URL
	multiWrite   bool
	refreshErr   error
	refreshCalls []bool
	markedRead   []*url.URL
	markedWrite  []*url.URL
	lastExcluded mapset.Set[string]
}

func newFakeEndpointManager(t *testing.T, rawEndpoints ...string) *fakeEndpointManager {
	t.Helper()

	m := &fakeEndpointManager{}
	for _, raw := range rawEndpoints {
		m.endpoints = append(m.endpoints, mustParseURL(t, raw))
	}
	m.hub = m.endpoints[0]

	return m
}

func (m *fakeEndpointManager) RefreshLocation(_ context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshCalls = append(m.refreshCalls, force)
	return m.refreshErr
}

func (m *fakeEndpointManager) CanUseMultipleWriteLocations(*Request) bool {
	return m.multiWrite
}

func (m *fakeEndpointManager) ResolveServiceEndpoint(req *Request) *url.URL {
	if endpoint := req.RequestContext.LocationEndpointToRoute(); endpoint != nil {
		return endpoint
	}
	return m.endpoints[req.RequestContext.LocationIndexToRoute()%len(m.endpoints)]
}

func (m *fakeEndpointManager) MarkEndpointUnavailableForRead(endpoint *url.URL) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markedRead = append(m.markedRead, endpoint)
}

func (m *fakeEndpointManager) MarkEndpointUnavailableForWrite(endpoint *url.URL) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markedWrite = append(m.markedWrite, endpoint)
}

func (m *fakeEndpointManager) ApplicableEndpoints(_ OperationKind, excluded mapset.Set[string]) []*url.URL {
	m.lastExcluded = excluded
	return m.endpoints
}

func (m *fakeEndpointManager) HubURI() *url.URL {
	return m.hub
}

func (m *fakeEndpointManager) forcedRefreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, force := range m.refreshCalls {
		if force {
			n++
		}
	}
	return n
}

type fakePartitionEndpointManager struct {
	failoverEnabled    bool
	automaticFailover  bool
	ppafEligible       bool
	cbEligible         bool
	canFailover        bool
	markResult         bool
	override           *url.URL
	markCalls          int
	incrementCalls     int
	overrideCalls      int
	lastMarkedEndpoint *url.URL
}

func (f *fakePartitionEndpointManager) PartitionLevelFailoverEnabled() bool {
	return f.failoverEnabled
}

func (f *fakePartitionEndpointManager) PartitionLevelAutomaticFailoverEnabled() bool {
	return f.automaticFailover
}

func (f *fakePartitionEndpointManager) TryAddPartitionLevelLocationOverride(req *Request) bool {
	f.overrideCalls++
	if f.override == nil {
		return false
	}
	req.RequestContext.RouteToLocationEndpoint(f.override)
	return true
}

func (f *fakePartitionEndpointManager) TryMarkEndpointUnavailableForPartitionKeyRange(req *Request) bool {
	f.markCalls++
	f.lastMarkedEndpoint = req.RequestContext.LocationEndpointToRoute()
	return f.markResult
}

func (f *fakePartitionEndpointManager) IsRequestEligibleForPerPartitionAutomaticFailover(*Request) bool {
	return f.ppafEligible
}

func (f *fakePartitionEndpointManager) IsRequestEligibleForPartitionLevelCircuitBreaker(*Request) bool {
	return f.cbEligible
}

func (f *fakePartitionEndpointManager) IncrementRequestFailureCounterAndCheckIfPartitionCanFailover(*Request) bool {
	f.incrementCalls++
	return f.canFailover
}

func (f *fakePartitionEndpointManager) RecordRequestSuccess(*Request) {}

// recordingLogger keeps formatted messages per level.
type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
	debugs []string
}

func (l *recordingLogger) Errorf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Warnf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Debugf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

func (l *recordingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return u
}

func statusResponse(statusCode int, subStatus SubStatusCode) *Response {
	header := http.Header{}
	if subStatus != SubStatusNone {
		header.Set(HeaderSubStatus, strconv.Itoa(int(subStatus)))
	}
	return newResponse(statusCode, header, nil)
}

func responseOutcome(statusCode int, subStatus SubStatusCode) Outcome {
	return Outcome{Response: statusResponse(statusCode, subStatus)}
}

func readRequest() *Request {
	return NewRequest(OperationRead, ResourceDocument, "/dbs/db/colls/coll/docs/doc1")
}

func writeRequest() *Request {
	return NewRequest(OperationCreate, ResourceDocument, "/dbs/db/colls/coll/docs")
}
