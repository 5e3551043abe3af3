// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"context"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/store"
)

// senderNameCacheSize bounds the per-sweep sender name cache. One entry per
// distinct vault owner seen in the sweep.
const senderNameCacheSize = 4096

// cleanupSentEntries purges sent entries older than the retention window.
// Each entry leaves a tombstone behind for the owner's history view before
// its row and audio object are deleted. Owners left with an empty vault are
// reset to a fresh active state, ending their grace period; a second sweep
// catches inactive profiles whose grace expired without any rows left to
// purge.
func (h *Heartbeat) cleanupSentEntries(ctx context.Context) error {
	now := timeNow().UTC()
	cutoff := now.Add(-sentRetention)

	names, err := lru.New[string, string](senderNameCacheSize)
	if err != nil {
		return err
	}

	owners := make(map[string]struct{})
	for offset := 0; ; offset += store.PageSize {
		page, err := h.store.AgedSentEntriesPage(ctx, cutoff, offset, store.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		h.fillSenderNames(ctx, names, page)

		for _, entry := range page {
			owners[entry.UserID] = struct{}{}

			name, ok := names.Get(entry.UserID)
			if !ok {
				name = consts.SenderNameDefault
			}
			tombstone := store.Tombstone{
				VaultEntryID: entry.ID,
				UserID:       entry.UserID,
				SenderName:   name,
				SentAt:       entry.SentAt,
				ExpiredAt:    store.Timestamp{Time: now},
			}
			if err := h.store.InsertTombstone(ctx, tombstone); err != nil {
				h.logger.Error(err, "Failed to insert tombstone", "entryID", entry.ID)
			}
			if err := h.store.DeleteEntry(ctx, entry); err != nil {
				h.logger.Error(err, "Failed to delete aged sent entry", "entryID", entry.ID)
				continue
			}
			h.metrics.SentPurged.Inc()
		}

		if len(page) < store.PageSize {
			break
		}
	}

	// Owners whose last rows just vanished get their account back.
	ownerIDs := make([]string, 0, len(owners))
	for id := range owners {
		ownerIDs = append(ownerIDs, id)
	}
	slices.Sort(ownerIDs)
	for _, userID := range ownerIDs {
		remaining, err := h.store.EntryCount(ctx, userID)
		if err != nil {
			h.logger.Error(err, "Failed to count remaining entries", "userID", userID)
			continue
		}
		if remaining > 0 {
			continue
		}
		if err := h.store.ResetProfileFresh(ctx, userID, now); err != nil {
			h.logger.Error(err, "Failed to reset profile after grace period", "userID", userID)
			continue
		}
		h.logger.Info("Grace period ended, profile reset to fresh state", "userID", userID)
	}

	return h.resetExpiredGraceProfiles(ctx, cutoff, now)
}

// fillSenderNames batch-fetches display names for owners not yet cached.
// Lookups are best effort; absent or failed rows fall back to the default
// name so the sweep never stalls on a profile read.
func (h *Heartbeat) fillSenderNames(ctx context.Context, names *lru.Cache[string, string], page []store.Entry) {
	var unknown []string
	seen := make(map[string]struct{})
	for _, e := range page {
		if _, ok := seen[e.UserID]; ok {
			continue
		}
		seen[e.UserID] = struct{}{}
		if _, ok := names.Get(e.UserID); !ok {
			unknown = append(unknown, e.UserID)
		}
	}
	if len(unknown) == 0 {
		return
	}
	fetched, err := h.store.SenderNames(ctx, unknown)
	if err != nil {
		h.logger.Error(err, "Failed to fetch sender names for tombstones")
	}
	for _, userID := range unknown {
		name, ok := fetched[userID]
		if !ok {
			name = consts.SenderNameDefault
		}
		names.Add(userID, name)
	}
}

// resetExpiredGraceProfiles resets inactive profiles whose grace period
// ended but who no longer have rows in the sweep above, either because a
// prior sweep already purged them or because the vault never had send
// entries to begin with.
func (h *Heartbeat) resetExpiredGraceProfiles(ctx context.Context, cutoff, now time.Time) error {
	var afterID string
	for {
		page, err := h.store.ExpiredGraceProfilesPage(ctx, cutoff, afterID, store.ProfileBatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		afterID = page[len(page)-1].ID

		for _, profile := range page {
			remaining, err := h.store.EntryCount(ctx, profile.ID)
			if err != nil {
				h.logger.Error(err, "Failed to count entries for grace reset", "userID", profile.ID)
				continue
			}
			if remaining > 0 {
				continue
			}
			if err := h.store.ResetProfileFresh(ctx, profile.ID, now); err != nil {
				h.logger.Error(err, "Failed to reset expired grace profile", "userID", profile.ID)
				continue
			}
			h.logger.Info("Expired grace period reset", "userID", profile.ID)
		}
	}
}

// cleanupBotAccounts deletes accounts that have shown zero activity since
// signup once they pass the age threshold. Every guard errs toward keeping
// the account: a single check-in, any vault row past or present, or a prior
// execution disqualifies deletion. Deleting the auth user cascades to the
// profile and its push devices.
func (h *Heartbeat) cleanupBotAccounts(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-botAccountAge)

	var afterID string
	for {
		page, err := h.store.StaleActiveProfilesPage(ctx, cutoff, afterID, store.ProfileBatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		afterID = page[len(page)-1].ID

		for _, profile := range page {
			abandoned, err := h.isAbandonedAccount(ctx, profile)
			if err != nil {
				h.logger.Error(err, "Bot account check failed", "userID", profile.ID)
				continue
			}
			if !abandoned {
				continue
			}
			if err := h.store.DeleteAuthUser(ctx, profile.ID); err != nil {
				h.logger.Error(err, "Failed to delete bot account", "userID", profile.ID)
				continue
			}
			h.metrics.BotsDeleted.Inc()
			h.logger.Info("Deleted inactive bot account", "userID", profile.ID)
		}
	}
}

// isAbandonedAccount applies the bot heuristics to one aged profile.
func (h *Heartbeat) isAbandonedAccount(ctx context.Context, profile store.Profile) (bool, error) {
	created := profile.CreatedAt.TimeOrNil()
	lastCheckIn := profile.LastCheckIn.TimeOrNil()
	if created == nil || lastCheckIn == nil {
		return false, nil
	}

	// A check-in meaningfully after signup means a real person used the
	// app. The tolerance covers the stamp written at account creation.
	delta := lastCheckIn.Sub(*created)
	if delta < 0 {
		delta = -delta
	}
	if delta > botCheckInTolerance {
		return false, nil
	}

	if profile.HadVaultActivity {
		return false, nil
	}

	entries, err := h.store.EntryCount(ctx, profile.ID)
	if err != nil {
		return false, err
	}
	if entries > 0 {
		return false, nil
	}

	tombstones, err := h.store.TombstoneCount(ctx, profile.ID)
	if err != nil {
		return false, err
	}
	return tombstones == 0, nil
}
