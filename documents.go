package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// RequestOption customizes a request built by the document helpers.
type RequestOption func(*Request)

// WithPartitionKeyRange scopes the request to a partition key range, making it
// eligible for partition-level failover.
func WithPartitionKeyRange(id string) RequestOption {
	return func(r *Request) {
		r.PartitionKeyRangeID = id
	}
}

// WithRequestExcludedRegions overrides the client's excluded regions for one request.
func WithRequestExcludedRegions(regions ...string) RequestOption {
	return func(r *Request) {
		r.ExcludedRegions = nonEmpty(regions)
	}
}

// WithRequestHeaderValue sets a header on one request.
func WithRequestHeaderValue(header, value string) RequestOption {
	return func(r *Request) {
		r.Header.Set(header, value)
	}
}

// QueryParameter is a named parameter of a document query.
type QueryParameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type querySpec struct {
	Query      string           `json:"query"`
	Parameters []QueryParameter `json:"parameters,omitempty"`
}

// ReadDocument reads the document id of a collection.
func (c *Client) ReadDocument(ctx context.Context, database, collection, id string, opts ...RequestOption) (*Response, error) {
	if id == "" {
		return nil, errors.New("document id must not be empty")
	}

	req, err := newDocumentRequest(OperationRead, documentLink(database, collection, id), nil, opts)
	if err != nil {
		return nil, err
	}

	return c.Do(ctx, req)
}

// CreateDocument creates document in a collection. document is encoded as JSON.
func (c *Client) CreateDocument(ctx context.Context, database, collection string, document any, opts ...RequestOption) (*Response, error) {
	req, err := newDocumentRequest(OperationCreate, documentsLink(database, collection), document, opts)
	if err != nil {
		return nil, err
	}

	return c.Do(ctx, req)
}

// UpsertDocument creates or replaces document in a collection.
func (c *Client) UpsertDocument(ctx context.Context, database, collection string, document any, opts ...RequestOption) (*Response, error) {
	req, err := newDocumentRequest(OperationUpsert, documentsLink(database, collection), document, opts)
	if err != nil {
		return nil, err
	}

	req.Header.Set(HeaderIsUpsert, "true")

	return c.Do(ctx, req)
}

// DeleteDocument deletes the document id of a collection.
func (c *Client) DeleteDocument(ctx context.Context, database, collection, id string, opts ...RequestOption) (*Response, error) {
	if id == "" {
		return nil, errors.New("document id must not be empty")
	}

	req, err := newDocumentRequest(OperationDelete, documentLink(database, collection, id), nil, opts)
	if err != nil {
		return nil, err
	}

	return c.Do(ctx, req)
}

// QueryDocuments runs a query against a collection.
func (c *Client) QueryDocuments(ctx context.Context, database, collection, query string, params []QueryParameter, opts ...RequestOption) (*Response, error) {
	if query == "" {
		return nil, errors.New("query must not be empty")
	}

	req, err := newDocumentRequest(OperationQuery, documentsLink(database, collection), querySpec{Query: query, Parameters: params}, opts)
	if err != nil {
		return nil, err
	}

	req.Header.Set(HeaderIsQuery, "true")

	return c.Do(ctx, req)
}

func newDocumentRequest(op OperationType, path string, body any, opts []RequestOption) (*Request, error) {
	req := NewRequest(op, ResourceDocument, path)

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s body: %w", op, err)
		}
		req.Body = data
	}

	for _, o := range opts {
		o(req)
	}

	return req, nil
}

func documentsLink(database, collection string) string {
	return "/dbs/" + url.PathEscape(database) + "/colls/" + url.PathEscape(collection) + "/docs"
}

func documentLink(database, collection, id string) string {
	return documentsLink(database, collection) + "/" + url.PathEscape(id)
}
