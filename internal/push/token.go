// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package push delivers notifications to user devices through the FCM HTTP
// v1 API, minting OAuth access tokens from a Firebase service account.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"

	"github.com/afterword-app/heartbeat/internal/consts"
)

// Scope is the OAuth scope required to call the FCM v1 send API.
const Scope = "https://www.googleapis.com/auth/firebase.messaging"

// tokenTTL evicts cached access tokens well before their one-hour expiry, so
// a token minted early in a long run cannot go stale mid-batch.
const tokenTTL = 45 * time.Minute

const tokenCacheKey = "fcm-access-token"

// TokenSource mints and caches FCM access tokens from a Firebase service
// account key.
type TokenSource struct {
	mu        sync.Mutex
	projectID string
	config    *jwt.Config
	cache     *gocache.Cache
	logger    logr.Logger
}

// NewTokenSource parses the service account JSON and returns a TokenSource
// for its project. No token is minted until the first call to Token.
func NewTokenSource(serviceAccountJSON []byte, logger logr.Logger) (*TokenSource, error) {
	if len(serviceAccountJSON) == 0 {
		return nil, fmt.Errorf("service account JSON is empty")
	}

	var meta struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(serviceAccountJSON, &meta); err != nil {
		return nil, fmt.Errorf("invalid service account JSON: %w", err)
	}
	if meta.ProjectID == "" {
		return nil, fmt.Errorf("service account JSON missing project_id")
	}

	config, err := google.JWTConfigFromJSON(serviceAccountJSON, Scope)
	if err != nil {
		return nil, fmt.Errorf("invalid service account JSON: %w", err)
	}

	return &TokenSource{
		projectID: meta.ProjectID,
		config:    config,
		cache:     gocache.New(tokenTTL, 10*time.Minute),
		logger:    logger,
	}, nil
}

// ProjectID returns the Firebase project the source mints tokens for.
func (s *TokenSource) ProjectID() string {
	return s.projectID
}

// Token returns a cached access token, minting a fresh one when the cache
// has expired.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache.Get(tokenCacheKey); ok {
		return cached.(string), nil
	}
	return s.mintLocked(ctx)
}

// ForceRefresh discards any cached token and mints a fresh one. Called when
// FCM rejects the current token before its expected expiry.
func (s *TokenSource) ForceRefresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(tokenCacheKey)
	return s.mintLocked(ctx)
}

func (s *TokenSource) mintLocked(ctx context.Context) (string, error) {
	token, err := s.config.TokenSource(ctx).Token()
	if err != nil {
		return "", fmt.Errorf("failed to mint FCM access token: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("minted FCM access token is empty")
	}
	s.cache.Set(tokenCacheKey, token.AccessToken, tokenTTL)
	s.logger.V(consts.LogLevelDebug).Info("Minted FCM access token", "projectID", s.projectID)
	return token.AccessToken, nil
}
