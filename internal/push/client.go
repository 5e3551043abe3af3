// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package push

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

const defaultBaseURL = "https://fcm.googleapis.com"

// DeviceSource provides the registered device tokens for a user and prunes
// tokens FCM reports as dead.
type DeviceSource interface {
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
	DeleteDeviceToken(ctx context.Context, token string) error
}

// Config holds what a Client needs to send through FCM.
type Config struct {
	// TokenSource mints the OAuth access tokens.
	TokenSource *TokenSource
	// Devices resolves and prunes device tokens.
	Devices DeviceSource
	// HTTPClient performs the requests.
	HTTPClient *httpclient.Client
	// BaseURL overrides the FCM endpoint, for tests.
	BaseURL string
	// Logger receives per-device delivery logs. Defaults to logr.Discard().
	Logger logr.Logger
}

// Client sends notifications through the FCM HTTP v1 API.
type Client struct {
	tokens  *TokenSource
	devices DeviceSource
	http    *httpclient.Client
	baseURL string
	logger  logr.Logger
}

// New validates the config and returns a Client.
func New(config Config) (*Client, error) {
	if config.TokenSource == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if config.Devices == nil {
		return nil, fmt.Errorf("device source is required")
	}
	if config.HTTPClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		tokens:  config.TokenSource,
		devices: config.Devices,
		http:    config.HTTPClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  config.Logger,
	}, nil
}

type fcmEnvelope struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// invalidTokenResponse reports whether an FCM error body indicates the device
// token itself is dead and should be pruned, as opposed to a transient or
// payload problem.
func invalidTokenResponse(body string) bool {
	lowered := strings.ToLower(body)
	return strings.Contains(lowered, "unregistered") ||
		strings.Contains(lowered, "registration-token-not-registered") ||
		strings.Contains(lowered, "invalid registration token") ||
		strings.Contains(lowered, "requested entity was not found")
}

// SendToUser delivers the notification to every registered device for the
// user and reports whether at least one delivery succeeded. Dead device
// tokens are pruned along the way. Per-device failures are logged, not
// returned; the only errors returned are device lookup failures and context
// cancellation.
func (c *Client) SendToUser(ctx context.Context, userID string, n Notification) (bool, error) {
	tokens, err := c.devices.DeviceTokens(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to list device tokens for user %s: %w", userID, err)
	}
	if len(tokens) == 0 {
		c.logger.V(consts.LogLevelDebug).Info("No FCM tokens for user, push skipped", "userID", userID)
		return false, nil
	}

	accessToken, err := c.tokens.Token(ctx)
	if err != nil {
		return false, err
	}

	delivered := false
	for _, deviceToken := range tokens {
		status, body, err := c.send(ctx, accessToken, deviceToken, n)
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			c.logger.Error(err, "Push request failed", "userID", userID)
			continue
		}

		// A rejected access token gets one mint-and-retry before the
		// response is treated as a delivery failure.
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			fresh, refreshErr := c.tokens.ForceRefresh(ctx)
			if refreshErr != nil {
				c.logger.Error(refreshErr, "Failed to refresh FCM access token", "userID", userID)
			} else {
				accessToken = fresh
				status, body, err = c.send(ctx, accessToken, deviceToken, n)
				if err != nil {
					if ctx.Err() != nil {
						return delivered, ctx.Err()
					}
					c.logger.Error(err, "Push retry failed", "userID", userID)
					continue
				}
			}
		}

		if status >= 400 {
			if invalidTokenResponse(body) {
				if delErr := c.devices.DeleteDeviceToken(ctx, deviceToken); delErr != nil {
					c.logger.Error(delErr, "Failed to prune dead device token", "userID", userID)
				} else {
					c.logger.V(consts.LogLevelDebug).Info("Pruned dead device token", "userID", userID)
				}
				continue
			}
			c.logger.V(consts.LogLevelWarning).Info("Push delivery failed",
				"userID", userID, "status", status, "body", body)
			continue
		}

		delivered = true
	}
	return delivered, nil
}

func (c *Client) send(ctx context.Context, accessToken, deviceToken string, n Notification) (int, string, error) {
	payload := fcmEnvelope{
		Message: fcmMessage{
			Token: deviceToken,
			Notification: fcmNotification{
				Title: n.Title,
				Body:  n.Body,
			},
			Data: n.Data,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("failed to encode push payload: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	header.Set("Content-Type", "application/json")

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.baseURL, c.tokens.ProjectID())
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    url,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, httpclient.ReadBody(resp), nil
}
