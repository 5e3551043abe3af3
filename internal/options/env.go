// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package options

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// HeartbeatEnvOptions are the supported environment variable options.
// Service credentials keep their unprefixed deployment names; heartbeat
// tunables carry the HEARTBEAT_ prefix.
type HeartbeatEnvOptions struct {
	// SupabaseURL is the SUPABASE_URL environment variable option
	SupabaseURL string `split_words:"true" required:"true"`

	// SupabaseServiceRoleKey is the SUPABASE_SERVICE_ROLE_KEY environment
	// variable option
	SupabaseServiceRoleKey string `split_words:"true" required:"true"`

	// ServerSecret is the SERVER_SECRET environment variable option, the
	// secret behind the envelope crypto
	ServerSecret string `split_words:"true" required:"true"`

	// ResendAPIKey is the RESEND_API_KEY environment variable option
	ResendAPIKey string `split_words:"true" required:"true"`

	// ResendFromEmail is the RESEND_FROM_EMAIL environment variable option
	ResendFromEmail string `split_words:"true" required:"true"`

	// ViewerBaseURL is the VIEWER_BASE_URL environment variable option
	ViewerBaseURL string `split_words:"true" required:"true"`

	// FirebaseServiceAccountJSON is the FIREBASE_SERVICE_ACCOUNT_JSON
	// environment variable option. Push delivery is disabled when empty.
	FirebaseServiceAccountJSON string `split_words:"true"`

	// LogLevel is the HEARTBEAT_LOG_LEVEL environment variable option
	LogLevel string `envconfig:"heartbeat_log_level" default:"info"`

	// MetricsAddr is the HEARTBEAT_METRICS_ADDR environment variable option.
	// The metrics listener is disabled when empty.
	MetricsAddr string `envconfig:"heartbeat_metrics_addr"`

	// MaxRuntime is the HEARTBEAT_MAX_RUNTIME environment variable option.
	// The cycle stops starting new profile batches once this much time has
	// elapsed.
	MaxRuntime time.Duration `envconfig:"heartbeat_max_runtime" default:"5h30m"`

	// CACert is the HEARTBEAT_CA_CERT environment variable option, the path
	// to a PEM bundle of extra CAs to trust for outbound TLS
	CACert string `envconfig:"heartbeat_ca_cert"`

	// CAPath is the HEARTBEAT_CA_PATH environment variable option, a
	// directory of extra CA certificates to trust for outbound TLS
	CAPath string `envconfig:"heartbeat_ca_path"`
}

// Parse environment variable options
func (c *HeartbeatEnvOptions) Parse() error {
	return envconfig.Process("", c)
}
