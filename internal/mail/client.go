// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/httpclient"
)

const defaultBaseURL = "https://api.resend.com"

// BatchLimit is the maximum number of emails Resend accepts per batch
// request.
const BatchLimit = 100

// Config holds what a Client needs to talk to Resend.
type Config struct {
	// APIKey authenticates with the Resend API.
	APIKey string
	// BaseURL overrides the Resend endpoint, for tests.
	BaseURL string
	// HTTPClient performs the requests.
	HTTPClient *httpclient.Client
	// Logger receives batch progress logs. Defaults to logr.Discard().
	Logger logr.Logger
}

// Client sends email through the Resend API.
type Client struct {
	apiKey  string
	baseURL string
	http    *httpclient.Client
	logger  logr.Logger
}

// New validates the config and returns a Client.
func New(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("resend API key is required")
	}
	if config.HTTPClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  config.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    config.HTTPClient,
		logger:  config.Logger,
	}, nil
}

// Send delivers a single message. idempotencyKey may be empty, in which case
// Resend applies no dedup.
func (c *Client) Send(ctx context.Context, msg Message, idempotencyKey string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode email: %w", err)
	}
	resp, err := c.post(ctx, c.baseURL+"/emails", body, idempotencyKey)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("resend: status %d: %s", resp.StatusCode, httpclient.ReadBody(resp))
	}
	drainBody(resp)
	return nil
}

// SendBatch delivers messages through the batch endpoint, splitting into
// chunks of BatchLimit. When more than one chunk is needed, each chunk's
// idempotency key gets a "-<index>" suffix for uniqueness. A chunk failure
// aborts the remaining chunks and returns an error; chunks already accepted
// stay delivered.
func (c *Client) SendBatch(ctx context.Context, msgs []Message, idempotencyKey string) error {
	if len(msgs) == 0 {
		return nil
	}
	chunked := len(msgs) > BatchLimit
	for start := 0; start < len(msgs); start += BatchLimit {
		end := start + BatchLimit
		if end > len(msgs) {
			end = len(msgs)
		}
		chunk := msgs[start:end]
		chunkIdx := start / BatchLimit

		chunkKey := idempotencyKey
		if chunkKey != "" && chunked {
			chunkKey = fmt.Sprintf("%s-%d", idempotencyKey, chunkIdx)
		}

		body, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("failed to encode batch chunk %d: %w", chunkIdx, err)
		}
		resp, err := c.post(ctx, c.baseURL+"/emails/batch", body, chunkKey)
		if err != nil {
			return fmt.Errorf("resend batch chunk %d: %w", chunkIdx, err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("resend batch chunk %d: status %d: %s",
				chunkIdx, resp.StatusCode, httpclient.ReadBody(resp))
		}
		c.logger.V(consts.LogLevelDebug).Info("Batch chunk accepted",
			"chunk", chunkIdx, "sent", acceptedCount(resp))
	}
	return nil
}

// acceptedCount parses the batch response {"data":[{"id":...},...]} for the
// number of messages Resend accepted. Zero when the body shape is unexpected.
func acceptedCount(resp *http.Response) int {
	var result struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(httpclient.ReadBody(resp)), &result); err != nil {
		return 0
	}
	return len(result.Data)
}

func (c *Client) post(ctx context.Context, url string, body []byte, idempotencyKey string) (*http.Response, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    url,
		Header: header,
		Body:   body,
	})
}

func drainBody(resp *http.Response) {
	// Response body is the Resend send id list, which callers do not use.
	_ = httpclient.ReadBody(resp)
}
