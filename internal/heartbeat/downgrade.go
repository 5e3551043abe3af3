// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"context"
	"strings"
	"time"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/mail"
	"github.com/afterword-app/heartbeat/internal/store"
)

// Free-tier cosmetic sets. Anything outside them is a paid artifact.
var (
	freeThemes = map[string]struct{}{
		"oledVoid":      {},
		"midnightFrost": {},
		"shadowRose":    {},
	}
	freeSoulFires = map[string]struct{}{
		"etherealOrb": {},
		"goldenPulse": {},
		"nebulaHeart": {},
	}
	// lifetimeSoulFires are exclusive to the lifetime tier; holding one
	// implies the account could also hold audio entries.
	lifetimeSoulFires = map[string]struct{}{
		"toxicCore":     {},
		"crystalAscend": {},
	}
)

func isLifetimeSoulFire(soulFire *string) bool {
	if soulFire == nil {
		return false
	}
	_, ok := lifetimeSoulFires[*soulFire]
	return ok
}

// revertDowngradedProfile strips paid artifacts from a profile whose
// subscription the billing webhook already set to free: the timer goes back
// to the default with a fresh check-in, reminder stamps and cosmetics clear,
// and former lifetime users lose their audio entries. Reported true means
// the stored profile changed and the in-memory row is stale, so the caller
// must skip the remaining passes for this cycle.
//
// Notification email goes out only on strong evidence of a genuine paid
// account, a custom timer length or audio entries. Cosmetics alone can come
// from testing or old bugs and are reset silently.
func (h *Heartbeat) revertDowngradedProfile(ctx context.Context, profile store.Profile, activeEntries []store.Entry, now time.Time) (bool, error) {
	hasCustomTimer := profile.TimerDays > consts.DefaultTimerDays
	hasCustomTheme := profile.SelectedTheme != nil && !inSet(freeThemes, *profile.SelectedTheme)
	hasCustomSoulFire := profile.SelectedSoulFire != nil && !inSet(freeSoulFires, *profile.SelectedSoulFire)
	hasProIndicators := hasCustomTimer || hasCustomTheme || hasCustomSoulFire

	var activeAudio []store.Entry
	for _, e := range activeEntries {
		if strings.ToLower(e.DataType) == consts.DataTypeAudio {
			activeAudio = append(activeAudio, e)
		}
	}
	hasAudio := len(activeAudio) > 0

	// The prefetched entries may be a partial view. Confirm with a count,
	// but only when something else already hints at a paid account; always
	// querying would cost a round trip for every free user at scale.
	if !hasAudio && (hasProIndicators || isLifetimeSoulFire(profile.SelectedSoulFire)) {
		n, err := h.store.CountActiveAudioEntries(ctx, profile.ID)
		if err != nil {
			h.logger.Error(err, "Failed to count audio entries during downgrade check",
				"userID", profile.ID)
		} else {
			hasAudio = n > 0
		}
	}

	if !hasProIndicators && !hasAudio {
		return false, nil
	}

	wasLifetime := hasAudio || (hasCustomSoulFire && isLifetimeSoulFire(profile.SelectedSoulFire))

	if err := h.store.RevertProfileToFree(ctx, profile.ID, now); err != nil {
		return false, err
	}

	var audioEntries []store.Entry
	if wasLifetime {
		audioEntries = activeAudio
		if len(audioEntries) == 0 {
			var err error
			audioEntries, err = h.store.ActiveAudioEntries(ctx, profile.ID)
			if err != nil {
				return false, err
			}
		}
		for _, e := range audioEntries {
			if err := h.store.DeleteEntry(ctx, e); err != nil {
				return false, err
			}
		}
		if len(audioEntries) > 0 {
			h.logger.Info("Deleted audio entries for downgraded lifetime user",
				"userID", profile.ID, "count", len(audioEntries))
		}
	}

	genuineDowngrade := hasCustomTimer || hasAudio
	if profile.Email != "" && genuineDowngrade {
		h.sendDowngradeEmail(ctx, profile, wasLifetime && len(audioEntries) > 0, now)
	}

	return true, nil
}

// sendDowngradeEmail is best effort; the revert already happened and must
// not be retried just because the notification could not be delivered.
func (h *Heartbeat) sendDowngradeEmail(ctx context.Context, profile store.Profile, audioRemoved bool, now time.Time) {
	msg, err := mail.NewDowngradeMessage(h.fromEmail, profile.Email,
		senderNameOrDefault(profile.SenderName), audioRemoved)
	if err != nil {
		h.logger.Error(err, "Failed to build downgrade email", "userID", profile.ID)
		return
	}
	if err := h.mailer.Send(ctx, msg, mail.DowngradeIdempotencyKey(profile.ID, now)); err != nil {
		h.logger.Error(err, "Failed to send downgrade email", "userID", profile.ID)
		return
	}
	h.metrics.EmailsSent.WithLabelValues(metricsKindDowngrade).Inc()
	h.logger.Info("Sent downgrade notification", "userID", profile.ID)
}

func inSet(set map[string]struct{}, value string) bool {
	_, ok := set[value]
	return ok
}
