package client

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Header names understood by the store.
const (
	HeaderSubStatus            = "x-ms-substatus"
	HeaderRetryAfterMs         = "x-ms-retry-after-ms"
	HeaderActivityID           = "x-ms-activity-id"
	HeaderAllowTentativeWrites = "x-ms-cosmos-allow-tentative-writes"
	HeaderPartitionKeyRangeID  = "x-ms-documentdb-partitionkeyrangeid"
	HeaderIsUpsert             = "x-ms-documentdb-is-upsert"
	HeaderIsQuery              = "x-ms-documentdb-isquery"
)

// SubStatusCode refines an HTTP status code returned by the store.
type SubStatusCode int

const (
	SubStatusNone                       SubStatusCode = 0
	SubStatusWriteForbidden             SubStatusCode = 3
	SubStatusReadSessionNotAvailable    SubStatusCode = 1002
	SubStatusLeaseNotFound              SubStatusCode = 1022
	SubStatusSystemResourceNotAvailable SubStatusCode = 3092
)

// OperationType identifies what a request does to its resource.
type OperationType int

const (
	OperationRead OperationType = iota
	OperationReadFeed
	OperationQuery
	OperationHead
	OperationCreate
	OperationReplace
	OperationUpsert
	OperationDelete
	OperationPatch
	OperationBatch
	OperationExecuteJavaScript
)

// IsWriteOperation reports whether the operation may change state on the server.
func (o OperationType) IsWriteOperation() bool {
	switch o {
	case OperationCreate, OperationReplace, OperationUpsert, OperationDelete,
		OperationPatch, OperationBatch, OperationExecuteJavaScript:
		return true
	default:
		return false
	}
}

func (o OperationType) String() string {
	switch o {
	case OperationRead:
		return "Read"
	case OperationReadFeed:
		return "ReadFeed"
	case OperationQuery:
		return "Query"
	case OperationHead:
		return "Head"
	case OperationCreate:
		return "Create"
	case OperationReplace:
		return "Replace"
	case OperationUpsert:
		return "Upsert"
	case OperationDelete:
		return "Delete"
	case OperationPatch:
		return "Patch"
	case OperationBatch:
		return "Batch"
	case OperationExecuteJavaScript:
		return "ExecuteJavaScript"
	default:
		return "Unknown"
	}
}

func (o OperationType) httpMethod() string {
	switch o {
	case OperationRead, OperationReadFeed:
		return http.MethodGet
	case OperationHead:
		return http.MethodHead
	case OperationReplace:
		return http.MethodPut
	case OperationDelete:
		return http.MethodDelete
	case OperationPatch:
		return http.MethodPatch
	default:
		return http.MethodPost
	}
}

// ResourceType identifies the kind of resource a request targets.
type ResourceType int

const (
	ResourceDatabaseAccount ResourceType = iota
	ResourceDatabase
	ResourceCollection
	ResourceDocument
	ResourceStoredProcedure
	ResourcePartitionKeyRange
)

// IsPartitioned reports whether resources of this type live inside a partition key range.
func (r ResourceType) IsPartitioned() bool {
	return r == ResourceDocument || r == ResourceStoredProcedure
}

// OperationKind is the read/write classification used for endpoint selection.
type OperationKind int

const (
	OperationKindRead OperationKind = iota
	OperationKindWrite
)

func (k OperationKind) String() string {
	if k == OperationKindWrite {
		return "write"
	}
	return "read"
}

// RequestContext carries the routing decision for the next attempt of a request.
// The zero value routes to location index 0 using the preferred region ordering.
type RequestContext struct {
	locationEndpointToRoute  *url.URL
	locationIndexToRoute     int
	ignorePreferredLocations bool
}

// RouteToLocationIndex routes the request to the endpoint at index, resolved against
// the preferred region ordering when usePreferredLocations is true and the account's
// own region ordering otherwise.
func (rc *RequestContext) RouteToLocationIndex(index int, usePreferredLocations bool) {
	rc.locationEndpointToRoute = nil
	rc.locationIndexToRoute = index
	rc.ignorePreferredLocations = !usePreferredLocations
}

// RouteToLocationEndpoint pins the request to a concrete endpoint.
func (rc *RequestContext) RouteToLocationEndpoint(endpoint *url.URL) {
	rc.locationEndpointToRoute = endpoint
}

// ClearRouteToLocation drops any routing decision.
func (rc *RequestContext) ClearRouteToLocation() {
	*rc = RequestContext{}
}

func (rc *RequestContext) LocationEndpointToRoute() *url.URL {
	return rc.locationEndpointToRoute
}

func (rc *RequestContext) LocationIndexToRoute() int {
	return rc.locationIndexToRoute
}

func (rc *RequestContext) UsePreferredLocations() bool {
	return !rc.ignorePreferredLocations
}

// Request is a single logical operation against the store. The retry policy mutates
// its headers and RequestContext between attempts.
type Request struct {
	OperationType       OperationType
	ResourceType        ResourceType
	Path                string
	Header              http.Header
	Body                []byte
	PartitionKeyRangeID string
	ExcludedRegions     []string
	RequestContext      RequestContext
}

// NewRequest creates a request for the resource at path.
func NewRequest(operation OperationType, resource ResourceType, path string) *Request {
	return &Request{
		OperationType: operation,
		ResourceType:  resource,
		Path:          path,
		Header:        http.Header{},
	}
}

// OperationKind returns the read/write classification of the request.
func (r *Request) OperationKind() OperationKind {
	if r.OperationType.IsWriteOperation() {
		return OperationKindWrite
	}
	return OperationKindRead
}

// IsPartitionScoped reports whether the request targets a single partition key range.
func (r *Request) IsPartitionScoped() bool {
	return r.ResourceType.IsPartitioned() && r.PartitionKeyRangeID != ""
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Header = r.Header.Clone()

	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}

	if r.ExcludedRegions != nil {
		clone.ExcludedRegions = append([]string(nil), r.ExcludedRegions...)
	}

	if ep := r.RequestContext.locationEndpointToRoute; ep != nil {
		u := *ep
		clone.RequestContext.locationEndpointToRoute = &u
	}

	return &clone
}

// collectionLink returns the "/dbs/{db}/colls/{coll}" prefix of the request path,
// or the trimmed path when it does not address a collection.
func (r *Request) collectionLink() string {
	segments := strings.Split(strings.Trim(r.Path, "/"), "/")
	if len(segments) >= 4 && segments[0] == "dbs" && segments[2] == "colls" {
		return "/" + strings.Join(segments[:4], "/")
	}
	return "/" + strings.Join(segments, "/")
}

// Response is a completed HTTP exchange with the store.
type Response struct {
	StatusCode int
	SubStatus  SubStatusCode
	Header     http.Header
	Body       []byte
}

func newResponse(statusCode int, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}

	return &Response{
		StatusCode: statusCode,
		SubStatus:  parseSubStatus(header),
		Header:     header,
		Body:       body,
	}
}

// IsSuccess reports whether the status code is 2xx or 3xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

func parseSubStatus(header http.Header) SubStatusCode {
	value := header.Get(HeaderSubStatus)
	if value == "" {
		return SubStatusNone
	}

	code, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return SubStatusNone
	}

	return SubStatusCode(code)
}
