// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afterword-app/heartbeat/internal/httpclient"
)

type fakeDeviceSource struct {
	mu      sync.Mutex
	tokens  []string
	listErr error
	deleted []string
}

func (f *fakeDeviceSource) DeviceTokens(_ context.Context, _ string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tokens, nil
}

func (f *fakeDeviceSource) DeleteDeviceToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *fakeDeviceSource) deletedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fcmResponse struct {
	status int
	body   string
}

type fcmCall struct {
	path          string
	authorization string
	envelope      fcmEnvelope
}

// newFCMServer fakes the FCM v1 send endpoint, answering each request with
// the next scripted response (the last response repeats).
func newFCMServer(t *testing.T, responses ...fcmResponse) (*httptest.Server, func() []fcmCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []fcmCall
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var envelope fcmEnvelope
		require.NoError(t, json.Unmarshal(body, &envelope))

		mu.Lock()
		idx := len(calls)
		calls = append(calls, fcmCall{
			path:          r.URL.Path,
			authorization: r.Header.Get("Authorization"),
			envelope:      envelope,
		})
		mu.Unlock()

		resp := responses[len(responses)-1]
		if idx < len(responses) {
			resp = responses[idx]
		}
		w.WriteHeader(resp.status)
		fmt.Fprint(w, resp.body)
	}))
	t.Cleanup(server.Close)
	return server, func() []fcmCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]fcmCall(nil), calls...)
	}
}

func newTestPushClient(t *testing.T, fcmURL string, devices DeviceSource) (*Client, func() int) {
	t.Helper()
	endpoint, mintCount := newTokenEndpoint(t)
	source, err := NewTokenSource(testServiceAccountJSON(t, endpoint.URL), logr.Discard())
	require.NoError(t, err)

	hc, err := httpclient.New()
	require.NoError(t, err)

	client, err := New(Config{
		TokenSource: source,
		Devices:     devices,
		HTTPClient:  hc,
		BaseURL:     fcmURL,
	})
	require.NoError(t, err)
	return client, mintCount
}

func TestNew_validation(t *testing.T) {
	endpoint, _ := newTokenEndpoint(t)
	source, err := NewTokenSource(testServiceAccountJSON(t, endpoint.URL), logr.Discard())
	require.NoError(t, err)
	hc, err := httpclient.New()
	require.NoError(t, err)
	devices := &fakeDeviceSource{}

	tests := []struct {
		name    string
		config  Config
		wantErr assert.ErrorAssertionFunc
	}{
		{
			name:   "valid",
			config: Config{TokenSource: source, Devices: devices, HTTPClient: hc},
			wantErr: func(t assert.TestingT, err error, i ...interface{}) bool {
				return assert.NoError(t, err, i...)
			},
		},
		{
			name:   "missing-token-source",
			config: Config{Devices: devices, HTTPClient: hc},
			wantErr: func(t assert.TestingT, err error, i ...interface{}) bool {
				return assert.EqualError(t, err, "token source is required", i...)
			},
		},
		{
			name:   "missing-device-source",
			config: Config{TokenSource: source, HTTPClient: hc},
			wantErr: func(t assert.TestingT, err error, i ...interface{}) bool {
				return assert.EqualError(t, err, "device source is required", i...)
			},
		},
		{
			name:   "missing-http-client",
			config: Config{TokenSource: source, Devices: devices},
			wantErr: func(t assert.TestingT, err error, i ...interface{}) bool {
				return assert.EqualError(t, err, "http client is required", i...)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			tt.wantErr(t, err)
		})
	}
}

func TestClient_SendToUser(t *testing.T) {
	server, getCalls := newFCMServer(t,
		fcmResponse{status: http.StatusOK, body: `{"name":"projects/afterword-test/messages/1"}`},
	)
	devices := &fakeDeviceSource{tokens: []string{"device-1", "device-2"}}
	client, mintCount := newTestPushClient(t, server.URL, devices)

	n := NewWarningNotification("Maria",
		mustTime(t, "2026-02-08T00:00:00Z"), mustTime(t, "2026-02-07T00:00:00Z"), 0.05)
	delivered, err := client.SendToUser(context.Background(), "user-1", n)
	require.NoError(t, err)
	assert.True(t, delivered)

	calls := getCalls()
	require.Len(t, calls, 2)
	for i, call := range calls {
		assert.Equal(t, "/v1/projects/afterword-test/messages:send", call.path)
		assert.Equal(t, "Bearer test-token-1", call.authorization)
		assert.Equal(t, fmt.Sprintf("device-%d", i+1), call.envelope.Message.Token)
		assert.Equal(t, "Afterword — check in now", call.envelope.Message.Notification.Title)
		assert.Equal(t, map[string]string{"type": "warning"}, call.envelope.Message.Data)
	}
	assert.Equal(t, 1, mintCount())
	assert.Empty(t, devices.deletedTokens())
}

func TestClient_SendToUser_noDevices(t *testing.T) {
	server, getCalls := newFCMServer(t, fcmResponse{status: http.StatusOK})
	devices := &fakeDeviceSource{}
	client, mintCount := newTestPushClient(t, server.URL, devices)

	delivered, err := client.SendToUser(context.Background(), "user-1",
		NewExecutedNotification("entry-1", "Final words", "send"))
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, getCalls())
	// No token is minted when there is nothing to send.
	assert.Equal(t, 0, mintCount())
}

func TestClient_SendToUser_prunesDeadTokens(t *testing.T) {
	server, getCalls := newFCMServer(t,
		fcmResponse{
			status: http.StatusNotFound,
			body:   `{"error":{"status":"NOT_FOUND","message":"Requested entity was not found."}}`,
		},
		fcmResponse{status: http.StatusOK, body: `{"name":"projects/afterword-test/messages/1"}`},
	)
	devices := &fakeDeviceSource{tokens: []string{"dead-device", "live-device"}}
	client, _ := newTestPushClient(t, server.URL, devices)

	delivered, err := client.SendToUser(context.Background(), "user-1",
		NewExecutedNotification("entry-1", "Final words", "send"))
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, []string{"dead-device"}, devices.deletedTokens())
	assert.Len(t, getCalls(), 2)
}

func TestClient_SendToUser_refreshesRejectedAccessToken(t *testing.T) {
	server, getCalls := newFCMServer(t,
		fcmResponse{status: http.StatusUnauthorized, body: `{"error":{"status":"UNAUTHENTICATED"}}`},
		fcmResponse{status: http.StatusOK, body: `{"name":"projects/afterword-test/messages/1"}`},
	)
	devices := &fakeDeviceSource{tokens: []string{"device-1"}}
	client, mintCount := newTestPushClient(t, server.URL, devices)

	delivered, err := client.SendToUser(context.Background(), "user-1",
		NewExecutedNotification("entry-1", "Final words", "send"))
	require.NoError(t, err)
	assert.True(t, delivered)

	calls := getCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Bearer test-token-1", calls[0].authorization)
	assert.Equal(t, "Bearer test-token-2", calls[1].authorization)
	assert.Equal(t, 2, mintCount())
	assert.Empty(t, devices.deletedTokens())
}

func TestClient_SendToUser_deliveryFailureIsNotPruned(t *testing.T) {
	server, getCalls := newFCMServer(t,
		fcmResponse{
			status: http.StatusBadRequest,
			body:   `{"error":{"status":"INVALID_ARGUMENT","message":"Invalid JSON payload received."}}`,
		},
	)
	devices := &fakeDeviceSource{tokens: []string{"device-1"}}
	client, _ := newTestPushClient(t, server.URL, devices)

	delivered, err := client.SendToUser(context.Background(), "user-1",
		NewExecutedNotification("entry-1", "Final words", "send"))
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, devices.deletedTokens())
	assert.Len(t, getCalls(), 1)
}

func TestClient_SendToUser_deviceLookupError(t *testing.T) {
	server, getCalls := newFCMServer(t, fcmResponse{status: http.StatusOK})
	devices := &fakeDeviceSource{listErr: errors.New("connection refused")}
	client, _ := newTestPushClient(t, server.URL, devices)

	_, err := client.SendToUser(context.Background(), "user-1",
		NewExecutedNotification("entry-1", "Final words", "send"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to list device tokens for user user-1")
	assert.Empty(t, getCalls())
}

func Test_invalidTokenResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "unregistered",
			body: `{"error":{"details":[{"errorCode":"UNREGISTERED"}]}}`,
			want: true,
		},
		{
			name: "registration-token-not-registered",
			body: `registration-token-not-registered`,
			want: true,
		},
		{
			name: "invalid-registration-token",
			body: `Invalid registration token provided`,
			want: true,
		},
		{
			name: "entity-not-found",
			body: `{"error":{"message":"Requested entity was not found."}}`,
			want: true,
		},
		{
			name: "unrelated-error",
			body: `{"error":{"status":"INTERNAL","message":"server error"}}`,
			want: false,
		},
		{
			name: "empty-body",
			body: "",
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, invalidTokenResponse(tt.body))
		})
	}
}

func mustTime(t *testing.T, value string) (parsed time.Time) {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}
