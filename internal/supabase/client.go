// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package supabase is a thin client for the three Supabase surfaces the
// heartbeat touches: PostgREST (/rest/v1), storage (/storage/v1) and the
// auth admin API (/auth/v1/admin). It authenticates with the service-role
// key, which bypasses row-level security.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/afterword-app/heartbeat/internal/httpclient"
)

// Config configures a Client.
type Config struct {
	// URL is the project base URL, e.g. https://abc.supabase.co.
	URL string
	// ServiceRoleKey is sent as both the apikey header and the bearer token.
	ServiceRoleKey string
	// HTTPClient handles transport and retries.
	HTTPClient *httpclient.Client
	// Logger defaults to logr.Discard.
	Logger logr.Logger
}

// Client issues requests against one Supabase project.
type Client struct {
	baseURL string
	key     string
	http    *httpclient.Client
	logger  logr.Logger
}

// New validates the config and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase URL is required")
	}
	if cfg.ServiceRoleKey == "" {
		return nil, errors.New("supabase service role key is required")
	}
	if cfg.HTTPClient == nil {
		return nil, errors.New("http client is required")
	}
	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		key:     cfg.ServiceRoleKey,
		http:    cfg.HTTPClient,
		logger:  logger,
	}, nil
}

// APIError is a non-2xx response from any Supabase surface.
type APIError struct {
	StatusCode int
	// Code is the PostgREST error code, e.g. 23505 for unique violations.
	// Empty for non-PostgREST surfaces.
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase: status %d code %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase: status %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a duplicate-key or conflict response.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Select fetches rows matching q into dest, which must be a pointer to a
// slice of row structs.
func (c *Client) Select(ctx context.Context, table string, q *Query, dest any) error {
	resp, err := c.do(ctx, http.MethodGet, c.restURL(table, q), nil, nil)
	if err != nil {
		return err
	}
	return decodeBody(resp, dest)
}

// SelectRange is Select with offset pagination via the Range header, used by
// the cleanup sweeps to walk large result sets page by page.
func (c *Client) SelectRange(ctx context.Context, table string, q *Query, from, to int, dest any) error {
	header := http.Header{
		"Range-Unit": []string{"items"},
		"Range":      []string{fmt.Sprintf("%d-%d", from, to)},
	}
	resp, err := c.do(ctx, http.MethodGet, c.restURL(table, q), header, nil)
	if err != nil {
		return err
	}
	return decodeBody(resp, dest)
}

// Count returns the exact number of rows matching q without fetching them.
func (c *Client) Count(ctx context.Context, table string, q *Query) (int, error) {
	header := http.Header{
		"Prefer":     []string{"count=exact"},
		"Range-Unit": []string{"items"},
		"Range":      []string{"0-0"},
	}
	resp, err := c.do(ctx, http.MethodGet, c.restURL(table, q), header, nil)
	if err != nil {
		return 0, err
	}
	contentRange := resp.Header.Get("Content-Range")
	_ = resp.Body.Close()
	return parseContentRangeTotal(contentRange)
}

// Update applies patch to all rows matching q. When dest is non-nil the
// updated rows are returned into it, letting callers detect conditional
// updates that matched nothing.
func (c *Client) Update(ctx context.Context, table string, q *Query, patch, dest any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode patch for %s: %w", table, err)
	}
	header := http.Header{
		"Content-Type": []string{"application/json"},
		"Prefer":       []string{"return=minimal"},
	}
	if dest != nil {
		header.Set("Prefer", "return=representation")
	}
	resp, err := c.do(ctx, http.MethodPatch, c.restURL(table, q), header, body)
	if err != nil {
		return err
	}
	if dest == nil {
		_ = resp.Body.Close()
		return nil
	}
	return decodeBody(resp, dest)
}

// Insert adds a single row.
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode row for %s: %w", table, err)
	}
	header := http.Header{
		"Content-Type": []string{"application/json"},
		"Prefer":       []string{"return=minimal"},
	}
	resp, err := c.do(ctx, http.MethodPost, c.restURL(table, nil), header, body)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Delete removes all rows matching q.
func (c *Client) Delete(ctx context.Context, table string, q *Query) error {
	resp, err := c.do(ctx, http.MethodDelete, c.restURL(table, q), nil, nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) restURL(table string, q *Query) string {
	u := c.baseURL + "/rest/v1/" + table
	if q != nil {
		if encoded := q.Encode(); encoded != "" {
			u += "?" + encoded
		}
	}
	return u
}

// do sends one request with auth headers attached and maps non-2xx
// responses to *APIError. The response body is open on success.
func (c *Client) do(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	if header == nil {
		header = http.Header{}
	}
	header.Set("apikey", c.key)
	header.Set("Authorization", "Bearer "+c.key)

	resp, err := c.http.Do(ctx, httpclient.Request{
		Method: method,
		URL:    url,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp)
	}
	return resp, nil
}

func newAPIError(resp *http.Response) error {
	raw := httpclient.ReadBody(resp)
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    raw,
	}
	var pgErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &pgErr); err == nil && pgErr.Message != "" {
		apiErr.Code = pgErr.Code
		apiErr.Message = pgErr.Message
	}
	return apiErr
}

func decodeBody(resp *http.Response, dest any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseContentRangeTotal extracts the total from a Content-Range header such
// as "0-0/57" or "*/0".
func parseContentRangeTotal(contentRange string) (int, error) {
	_, total, found := strings.Cut(contentRange, "/")
	if !found {
		return 0, fmt.Errorf("malformed Content-Range header %q", contentRange)
	}
	if total == "*" {
		return 0, fmt.Errorf("Content-Range header %q has no total", contentRange)
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range header %q: %w", contentRange, err)
	}
	return n, nil
}
