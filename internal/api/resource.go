package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/marketplace-session/internal/gateway"
)

// Resource collections served by the marketplace API.
const (
	Profiles  = "/users/profiles"
	Stores    = "/users/store"
	Addresses = "/users/addresses"
	Ratings   = "/users/ratings"
)

// Resource is an opaque CRUD accessor for one collection. Bodies pass
// through unchanged.
type Resource struct {
	gw   Requester
	base string
}

// Resource returns the accessor for a collection path such as Stores.
func (c *Client) Resource(base string) *Resource {
	return &Resource{gw: c.gw, base: base}
}

func (r *Resource) itemPath(id string) string {
	return r.base + "/" + url.PathEscape(id)
}

func (r *Resource) do(ctx context.Context, spec gateway.Spec) (json.RawMessage, error) {
	resp, err := r.gw.Request(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", spec.Method, spec.Path, err)
	}

	return json.RawMessage(resp.Body), nil
}

// List returns the collection, filtered by query.
func (r *Resource) List(ctx context.Context, query url.Values) (json.RawMessage, error) {
	return r.do(ctx, gateway.Spec{Method: http.MethodGet, Path: r.base, Query: query})
}

// Get returns one item. Use "me" for the caller's own record where the
// server supports it.
func (r *Resource) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return r.do(ctx, gateway.Spec{Method: http.MethodGet, Path: r.itemPath(id)})
}

// Create posts a new item.
func (r *Resource) Create(ctx context.Context, body any) (json.RawMessage, error) {
	return r.do(ctx, gateway.Spec{Method: http.MethodPost, Path: r.base, Body: body})
}

// Update patches an item.
func (r *Resource) Update(ctx context.Context, id string, body any) (json.RawMessage, error) {
	return r.do(ctx, gateway.Spec{Method: http.MethodPatch, Path: r.itemPath(id), Body: body})
}

// Delete removes an item.
func (r *Resource) Delete(ctx context.Context, id string) error {
	_, err := r.do(ctx, gateway.Spec{Method: http.MethodDelete, Path: r.itemPath(id)})
	return err
}
