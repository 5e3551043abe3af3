// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package heartbeat runs one cycle of the Afterword countdown protocol: it
// walks every active profile, reverts downgraded subscriptions, executes
// expired vaults, sends staged check-in reminders, and sweeps aged rows and
// abandoned accounts afterwards.
package heartbeat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/crypto"
	"github.com/afterword-app/heartbeat/internal/mail"
	"github.com/afterword-app/heartbeat/internal/push"
	"github.com/afterword-app/heartbeat/internal/store"
)

// severityCritical tags log lines the alerting pipeline pages on. Validation
// failures that preserve a send entry and the data-loss trip all carry it.
const severityCritical = "critical"

const (
	// staleSendingWindow is how long an entry may sit in sending state
	// before it is presumed orphaned by a dead run and requeued.
	staleSendingWindow = 30 * time.Minute

	// sentRetention is how long executed entries stay downloadable before
	// the cleanup sweep purges them. It also bounds the grace period of
	// inactive profiles.
	sentRetention = 30 * 24 * time.Hour

	// botAccountAge is the minimum account age before the bot sweep will
	// consider deleting a profile that shows no activity at all.
	botAccountAge = 90 * 24 * time.Hour

	// botCheckInTolerance allows for the initial check-in stamp written at
	// signup lagging created_at by a moment.
	botCheckInTolerance = time.Minute
)

// Datastore is the persistence surface one heartbeat cycle consumes.
// *store.Store implements it; tests substitute a stateful fake.
type Datastore interface {
	ActiveProfilesPage(ctx context.Context, afterID string, limit int) ([]store.Profile, error)
	ActiveEntriesForUsers(ctx context.Context, userIDs []string) ([]store.Entry, error)
	RequeueStaleSendingEntries(ctx context.Context, cutoff time.Time) (int, error)

	ClaimEntryForSending(ctx context.Context, entryID string) (bool, error)
	ReleaseEntryLock(ctx context.Context, entryID string) error
	MarkEntrySent(ctx context.Context, entryID string, sentAt time.Time) (bool, error)
	DeleteEntry(ctx context.Context, entry store.Entry) error

	PendingEntryCount(ctx context.Context, userID string) (int, error)
	EntryCount(ctx context.Context, userID string) (int, error)
	CountActiveAudioEntries(ctx context.Context, userID string) (int, error)
	ActiveAudioEntries(ctx context.Context, userID string) ([]store.Entry, error)

	MarkVaultActivity(ctx context.Context, userID string) error
	StartGracePeriod(ctx context.Context, userID string, now time.Time) error
	ResetProfileFresh(ctx context.Context, userID string, now time.Time) error
	RevertProfileToFree(ctx context.Context, userID string, now time.Time) error
	MarkPush66Sent(ctx context.Context, userID string, now time.Time) error
	MarkPush33Sent(ctx context.Context, userID string, now time.Time) error
	MarkWarningSent(ctx context.Context, userID string, now time.Time) error

	AgedSentEntriesPage(ctx context.Context, cutoff time.Time, offset, limit int) ([]store.Entry, error)
	SenderNames(ctx context.Context, userIDs []string) (map[string]string, error)
	InsertTombstone(ctx context.Context, t store.Tombstone) error
	TombstoneCount(ctx context.Context, userID string) (int, error)
	ExpiredGraceProfilesPage(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]store.Profile, error)
	StaleActiveProfilesPage(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]store.Profile, error)
	DeleteAuthUser(ctx context.Context, userID string) error
}

var _ Datastore = (*store.Store)(nil)

// Mailer sends transactional email, deduplicated by idempotency key.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message, idempotencyKey string) error
	SendBatch(ctx context.Context, msgs []mail.Message, idempotencyKey string) error
}

var _ Mailer = (*mail.Client)(nil)

// Pusher delivers a notification to every registered device of a user,
// reporting whether at least one delivery succeeded.
type Pusher interface {
	SendToUser(ctx context.Context, userID string, n push.Notification) (bool, error)
}

var _ Pusher = (*push.Client)(nil)

// Config collects the dependencies of a Heartbeat.
type Config struct {
	Store     Datastore
	Mailer    Mailer
	SecretBox *crypto.SecretBox

	// Pusher is optional; without it push reminders are skipped and only
	// email reminders go out.
	Pusher Pusher

	// FromEmail is the Resend sender address, with or without a display
	// name.
	FromEmail string

	// ViewerBaseURL is the public message viewer unlock emails link to.
	ViewerBaseURL string

	// MaxRuntime bounds one cycle; profiles not reached before the budget
	// runs out are picked up by the next run. Zero means no bound.
	MaxRuntime time.Duration

	// Metrics is optional; nil creates an unregistered set so callers
	// without a registry do not need to care.
	Metrics *Metrics

	Logger logr.Logger
}

// Heartbeat executes heartbeat cycles. All methods are safe for sequential
// use; cycles are not meant to run concurrently against the same project.
type Heartbeat struct {
	store         Datastore
	mailer        Mailer
	pusher        Pusher
	secretBox     *crypto.SecretBox
	fromEmail     string
	viewerBaseURL string
	maxRuntime    time.Duration
	metrics       *Metrics
	logger        logr.Logger
}

// New validates config and returns a Heartbeat.
func New(config Config) (*Heartbeat, error) {
	if config.Store == nil {
		return nil, errors.New("datastore is required")
	}
	if config.Mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if config.SecretBox == nil {
		return nil, errors.New("secret box is required")
	}
	if config.FromEmail == "" {
		return nil, errors.New("sender address is required")
	}
	if config.ViewerBaseURL == "" {
		return nil, errors.New("viewer base URL is required")
	}
	m := config.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Heartbeat{
		store:         config.Store,
		mailer:        config.Mailer,
		pusher:        config.Pusher,
		secretBox:     config.SecretBox,
		fromEmail:     config.FromEmail,
		viewerBaseURL: config.ViewerBaseURL,
		maxRuntime:    config.MaxRuntime,
		metrics:       m,
		logger:        config.Logger,
	}, nil
}

// subscriptionStatus normalizes the stored value; missing means free.
func subscriptionStatus(p store.Profile) string {
	if p.SubscriptionStatus == "" {
		return consts.SubscriptionStatusFree
	}
	return strings.ToLower(p.SubscriptionStatus)
}

// entryAction normalizes action_type; anything that is not destroy is a send.
func entryAction(e store.Entry) string {
	if strings.ToLower(e.ActionType) == consts.ActionTypeDestroy {
		return consts.ActionTypeDestroy
	}
	return consts.ActionTypeSend
}

func senderNameOrDefault(name string) string {
	if name == "" {
		return consts.SenderNameDefault
	}
	return name
}
