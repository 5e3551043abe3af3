// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"context"
	"time"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/store"
	"github.com/afterword-app/heartbeat/internal/timer"
)

// used for deterministic cycle timestamps in unit tests
var timeNow = time.Now

// Run executes one heartbeat cycle.
//
// The cycle timestamp is taken once up front so every decision within the
// cycle sees the same clock. Profiles are walked with keyset pagination,
// which stays stable while the passes below flip profile statuses. Each
// profile fails independently; an error is logged and the walk moves on.
// The cleanup sweeps run last and are likewise isolated from each other.
func (h *Heartbeat) Run(ctx context.Context) error {
	now := timeNow().UTC()
	start := timeNow()

	requeued, err := h.store.RequeueStaleSendingEntries(ctx, now.Add(-staleSendingWindow))
	if err != nil {
		return err
	}
	if requeued > 0 {
		h.metrics.StaleRequeued.Add(float64(requeued))
		h.logger.Info("Requeued stale sending entries", "count", requeued)
	}

	var processedProfiles, processedEntries int
	var afterID string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if h.maxRuntime > 0 {
			if elapsed := timeNow().Sub(start); elapsed > h.maxRuntime {
				h.logger.Info("Runtime budget reached, exiting gracefully; "+
					"remaining profiles will be processed next run", "elapsed", elapsed)
				break
			}
		}

		page, err := h.store.ActiveProfilesPage(ctx, afterID, store.ProfileBatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		userIDs := make([]string, 0, len(page))
		for _, p := range page {
			if p.ID != "" {
				userIDs = append(userIDs, p.ID)
			}
		}
		entries, err := h.store.ActiveEntriesForUsers(ctx, userIDs)
		if err != nil {
			return err
		}
		processedEntries += len(entries)
		h.metrics.EntriesProcessed.Add(float64(len(entries)))

		entriesByUser := make(map[string][]store.Entry, len(page))
		for _, e := range entries {
			entriesByUser[e.UserID] = append(entriesByUser[e.UserID], e)
		}

		for _, profile := range page {
			processedProfiles++
			h.metrics.ProfilesProcessed.Inc()
			if err := h.processProfile(ctx, profile, entriesByUser[profile.ID], now); err != nil {
				h.metrics.ProfileErrors.Inc()
				h.logger.Error(err, "Processing failed for user", "userID", profile.ID)
			}
		}
	}

	h.logger.Info("Heartbeat cycle complete",
		"profiles", processedProfiles, "entries", processedEntries)

	if err := h.cleanupSentEntries(ctx); err != nil {
		h.logger.Error(err, "Sent entry cleanup failed")
	}
	if err := h.cleanupBotAccounts(ctx, now); err != nil {
		h.logger.Error(err, "Bot account cleanup failed")
	}
	return nil
}

// processProfile applies the per-user passes in order: downgrade reversion,
// expiry execution, then the staged reminders. A profile with no recorded
// check-in cannot have a meaningful timer and is skipped entirely.
func (h *Heartbeat) processProfile(ctx context.Context, profile store.Profile, activeEntries []store.Entry, now time.Time) error {
	lastCheckIn := profile.LastCheckIn.TimeOrNil()
	if lastCheckIn == nil {
		return nil
	}

	state := timer.Build(*lastCheckIn, profile.TimerDays, now)
	hasEntries := len(activeEntries) > 0

	if subscriptionStatus(profile) == consts.SubscriptionStatusFree {
		reverted, err := h.revertDowngradedProfile(ctx, profile, activeEntries, now)
		if err != nil {
			// The revert may have partially applied; the next cycle
			// sees fresh rows and settles it. Carry on with the
			// passes the way an untouched profile would.
			h.logger.Error(err, "Subscription downgrade handling failed", "userID", profile.ID)
		} else if reverted {
			return nil
		}
	}

	if state.Expired() {
		if !hasEntries {
			// An empty vault has nothing to execute. The profile
			// stays active with its timer sitting expired until the
			// user checks in or adds entries.
			return nil
		}
		result := h.executeExpiredEntries(ctx, profile, activeEntries, now)
		return h.concludeExecution(ctx, profile, result, now)
	}

	if !hasEntries {
		return nil
	}

	if shouldSendPush66(profile, state, now) {
		if h.deliverWarningPush(ctx, profile, state, now) {
			if err := h.store.MarkPush66Sent(ctx, profile.ID, now); err != nil {
				return err
			}
		}
	}

	if shouldSendPush33(profile, state, now) {
		if h.deliverWarningPush(ctx, profile, state, now) {
			if err := h.store.MarkPush33Sent(ctx, profile.ID, now); err != nil {
				return err
			}
		}
	}

	if shouldSendWarningEmail(profile, state, now) {
		if err := h.sendWarningEmail(ctx, profile, state, now); err != nil {
			h.logger.Error(err, "Warning email failed", "userID", profile.ID)
		}
	}

	return nil
}
