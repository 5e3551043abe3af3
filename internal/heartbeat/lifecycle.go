// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"context"
	"time"

	"github.com/afterword-app/heartbeat/internal/store"
)

// concludeExecution moves a profile to its post-execution state.
//
// Entries still active or sending keep the profile active so the next cycle
// retries them. Delivered send entries start the grace period, during which
// recipients can still download and the owner's account sits inactive. A
// vault that was destroy-only resets to fresh immediately.
//
// The remaining case is the dangerous one: send entries existed, none were
// delivered, and none survive in the database. That should be impossible,
// because failed sends release their locks back to active. If it happens
// anyway the profile is left untouched so the loss is visible, instead of
// being papered over by a reset.
func (h *Heartbeat) concludeExecution(ctx context.Context, profile store.Profile, result executeResult, now time.Time) error {
	// Any execution, even destroy-only, marks the account as having had
	// real vault activity so the bot sweep never collects it.
	if err := h.store.MarkVaultActivity(ctx, profile.ID); err != nil {
		h.logger.Error(err, "Failed to mark vault activity", "userID", profile.ID)
	}

	pending, err := h.store.PendingEntryCount(ctx, profile.ID)
	if err != nil {
		return err
	}

	switch {
	case pending > 0:
		h.logger.Info("Entries still pending, keeping profile active for retry",
			"userID", profile.ID, "pending", pending)
	case result.hadSend:
		if err := h.store.StartGracePeriod(ctx, profile.ID, now); err != nil {
			return err
		}
		h.logger.Info("Protocol executed, grace period started", "userID", profile.ID)
	case result.inputSendCount > 0:
		h.logger.Error(nil, "Send entries existed but none were sent and none are pending; "+
			"data may have been lost, keeping profile active for investigation",
			"userID", profile.ID, "sendEntries", result.inputSendCount,
			"severity", severityCritical)
	default:
		if err := h.store.ResetProfileFresh(ctx, profile.ID, now); err != nil {
			return err
		}
		h.logger.Info("Destroy-only vault cleared, profile reset to fresh state",
			"userID", profile.ID)
	}
	return nil
}
