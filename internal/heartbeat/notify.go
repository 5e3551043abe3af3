// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"context"
	"time"

	"github.com/afterword-app/heartbeat/internal/mail"
	"github.com/afterword-app/heartbeat/internal/push"
	"github.com/afterword-app/heartbeat/internal/store"
	"github.com/afterword-app/heartbeat/internal/timer"
)

// paidStatuses are the subscription states that receive the 24h warning
// email. Push reminders go to everyone.
var paidStatuses = map[string]struct{}{
	"pro":      {},
	"lifetime": {},
	"premium":  {},
}

func isPaid(p store.Profile) bool {
	_, ok := paidStatuses[subscriptionStatus(p)]
	return ok
}

// shouldSendPush66 reports whether the first staged push reminder is due:
// two thirds of the timer remain and nothing was stamped since the last
// check-in.
func shouldSendPush66(p store.Profile, state timer.State, now time.Time) bool {
	if now.Before(state.Push66At) {
		return false
	}
	return !timer.AlreadyMarkedInCycle(p.Push66SentAt.TimeOrNil(), state.LastCheckIn)
}

// shouldSendPush33 reports whether the second staged push reminder is due.
func shouldSendPush33(p store.Profile, state timer.State, now time.Time) bool {
	if now.Before(state.Push33At) {
		return false
	}
	return !timer.AlreadyMarkedInCycle(p.Push33SentAt.TimeOrNil(), state.LastCheckIn)
}

// shouldSendWarningEmail reports whether the 24h warning email is due. Only
// paying subscribers get it.
func shouldSendWarningEmail(p store.Profile, state timer.State, now time.Time) bool {
	if now.Before(state.Email24hAt) {
		return false
	}
	if !isPaid(p) {
		return false
	}
	return !timer.AlreadyMarkedInCycle(p.WarningSentAt.TimeOrNil(), state.LastCheckIn)
}

// deliverWarningPush sends the check-in reminder push. True means at least
// one device accepted it, which is what gates the stamp; an undelivered
// reminder stays due so the next cycle retries.
func (h *Heartbeat) deliverWarningPush(ctx context.Context, profile store.Profile, state timer.State, now time.Time) bool {
	if h.pusher == nil {
		return false
	}
	n := push.NewWarningNotification(senderNameOrDefault(profile.SenderName),
		state.Deadline, now, state.RemainingFraction)
	sent, err := h.pusher.SendToUser(ctx, profile.ID, n)
	if err != nil {
		h.logger.Error(err, "Warning push failed", "userID", profile.ID)
		return false
	}
	if sent {
		h.metrics.PushesSent.WithLabelValues(metricsKindWarning).Inc()
	}
	return sent
}

// sendWarningEmail delivers the 24h warning and stamps the profile. The
// idempotency key is derived from the deadline date, so even if the stamp
// write fails Resend drops the duplicate a retrying cycle would produce.
func (h *Heartbeat) sendWarningEmail(ctx context.Context, profile store.Profile, state timer.State, now time.Time) error {
	msg, err := mail.NewWarningMessage(h.fromEmail, profile.Email,
		senderNameOrDefault(profile.SenderName), state.Deadline, state.RemainingFraction)
	if err != nil {
		return err
	}
	if err := h.mailer.Send(ctx, msg, mail.WarningIdempotencyKey(profile.ID, state.Deadline)); err != nil {
		return err
	}
	h.metrics.EmailsSent.WithLabelValues(metricsKindWarning).Inc()
	return h.store.MarkWarningSent(ctx, profile.ID, now)
}
