// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package store is the typed data layer over Supabase: profile and entry
// queries, the sending-lock state machine, sweep pagination, and the
// storage/auth-admin side effects that accompany row changes.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/supabase"
)

const (
	// PageSize is the row cap per request when walking large result sets.
	PageSize = 1000
	// ProfileBatchSize is the keyset page size for profile iteration.
	ProfileBatchSize = 200
)

const (
	profileColumns = "id,email,sender_name,status,subscription_status,last_check_in,timer_days," +
		"hmac_key_encrypted,warning_sent_at,push_66_sent_at,push_33_sent_at," +
		"selected_theme,selected_soul_fire,created_at"
	entryColumns = "id,user_id,title,action_type,data_type,status,payload_encrypted," +
		"recipient_email_encrypted,data_key_encrypted,hmac_signature,audio_file_path"
)

// Store issues typed operations against one Supabase project.
type Store struct {
	client *supabase.Client
	logger logr.Logger
}

// New returns a Store. The logger is used for best-effort side effects that
// are logged rather than propagated.
func New(client *supabase.Client, logger logr.Logger) *Store {
	return &Store{client: client, logger: logger}
}

type idRow struct {
	ID string `json:"id"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ActiveProfilesPage returns one keyset page of active profiles ordered by
// id. Keyset pagination stays stable while the heartbeat flips profile
// statuses mid-run; offset pagination would skip rows as the filtered set
// shrinks. An empty afterID starts from the beginning.
func (s *Store) ActiveProfilesPage(ctx context.Context, afterID string, limit int) ([]Profile, error) {
	q := supabase.NewQuery().
		Columns(profileColumns).
		Eq("status", consts.ProfileStatusActive).
		OrderAsc("id").
		Limit(limit)
	if afterID != "" {
		q.Gt("id", afterID)
	}
	var profiles []Profile
	if err := s.client.Select(ctx, "profiles", q, &profiles); err != nil {
		return nil, fmt.Errorf("failed to list active profiles: %w", err)
	}
	return profiles, nil
}

// ActiveEntriesForUsers fetches every active entry belonging to the given
// users, paging through PageSize chunks, ordered by id.
func (s *Store) ActiveEntriesForUsers(ctx context.Context, userIDs []string) ([]Entry, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var all []Entry
	for offset := 0; ; offset += PageSize {
		q := supabase.NewQuery().
			Columns(entryColumns).
			Eq("status", consts.EntryStatusActive).
			In("user_id", userIDs).
			OrderAsc("id")
		var page []Entry
		if err := s.client.SelectRange(ctx, "vault_entries", q, offset, offset+PageSize-1, &page); err != nil {
			return nil, fmt.Errorf("failed to list active entries: %w", err)
		}
		all = append(all, page...)
		if len(page) < PageSize {
			return all, nil
		}
	}
}

// ClaimEntryForSending transitions an entry from active to sending. The
// status filter makes the update conditional; false means another worker won
// the claim or the entry is gone.
func (s *Store) ClaimEntryForSending(ctx context.Context, entryID string) (bool, error) {
	q := supabase.NewQuery().
		Eq("id", entryID).
		Eq("status", consts.EntryStatusActive)
	patch := map[string]string{"status": consts.EntryStatusSending}
	var updated []idRow
	if err := s.client.Update(ctx, "vault_entries", q, patch, &updated); err != nil {
		return false, fmt.Errorf("failed to claim entry %s: %w", entryID, err)
	}
	return len(updated) > 0, nil
}

// ReleaseEntryLock returns a sending entry to active so a later cycle can
// retry it. Releasing an entry that is no longer sending is a no-op.
func (s *Store) ReleaseEntryLock(ctx context.Context, entryID string) error {
	q := supabase.NewQuery().
		Eq("id", entryID).
		Eq("status", consts.EntryStatusSending)
	patch := map[string]string{"status": consts.EntryStatusActive}
	if err := s.client.Update(ctx, "vault_entries", q, patch, nil); err != nil {
		return fmt.Errorf("failed to release entry %s: %w", entryID, err)
	}
	return nil
}

type entrySentPatch struct {
	Status string    `json:"status"`
	SentAt Timestamp `json:"sent_at"`
}

// MarkEntrySent finalizes a sending entry after its email went out. The
// sending filter protects an already-sent row from being stamped twice.
// False means the row was not in sending state.
func (s *Store) MarkEntrySent(ctx context.Context, entryID string, sentAt time.Time) (bool, error) {
	q := supabase.NewQuery().
		Eq("id", entryID).
		Eq("status", consts.EntryStatusSending)
	patch := entrySentPatch{
		Status: consts.EntryStatusSent,
		SentAt: Timestamp{Time: sentAt},
	}
	var updated []idRow
	if err := s.client.Update(ctx, "vault_entries", q, patch, &updated); err != nil {
		return false, fmt.Errorf("failed to mark entry %s sent: %w", entryID, err)
	}
	return len(updated) > 0, nil
}

// RequeueStaleSendingEntries recovers entries stuck in sending after a
// previous run died between claiming and finalizing. Anything untouched for
// the stale window goes back to active.
func (s *Store) RequeueStaleSendingEntries(ctx context.Context, cutoff time.Time) (int, error) {
	q := supabase.NewQuery().
		Eq("status", consts.EntryStatusSending).
		Lt("updated_at", formatTime(cutoff))
	patch := map[string]string{"status": consts.EntryStatusActive}
	var updated []idRow
	if err := s.client.Update(ctx, "vault_entries", q, patch, &updated); err != nil {
		return 0, fmt.Errorf("failed to requeue stale sending entries: %w", err)
	}
	return len(updated), nil
}

// DeleteEntry removes the entry row, then its audio object if one exists.
// The object deletion is best-effort; an orphaned storage object is
// preferable to a dangling row pointing at deleted audio.
func (s *Store) DeleteEntry(ctx context.Context, entry Entry) error {
	q := supabase.NewQuery().Eq("id", entry.ID)
	if err := s.client.Delete(ctx, "vault_entries", q); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", entry.ID, err)
	}
	if entry.AudioFilePath != "" {
		if err := s.client.DeleteObjects(ctx, consts.AudioBucket, []string{entry.AudioFilePath}); err != nil {
			s.logger.Error(err, "Failed to delete audio object",
				"entryID", entry.ID, "path", entry.AudioFilePath)
		}
	}
	return nil
}

// PendingEntryCount counts a user's entries still in active or sending
// state, which keeps the profile active for retry after a partial execution.
func (s *Store) PendingEntryCount(ctx context.Context, userID string) (int, error) {
	q := supabase.NewQuery().
		Columns("id").
		Eq("user_id", userID).
		In("status", []string{consts.EntryStatusActive, consts.EntryStatusSending})
	n, err := s.client.Count(ctx, "vault_entries", q)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries for user %s: %w", userID, err)
	}
	return n, nil
}

// EntryCount counts all of a user's entries regardless of status.
func (s *Store) EntryCount(ctx context.Context, userID string) (int, error) {
	q := supabase.NewQuery().
		Columns("id").
		Eq("user_id", userID)
	n, err := s.client.Count(ctx, "vault_entries", q)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries for user %s: %w", userID, err)
	}
	return n, nil
}

// CountActiveAudioEntries counts a user's active audio entries.
func (s *Store) CountActiveAudioEntries(ctx context.Context, userID string) (int, error) {
	q := supabase.NewQuery().
		Columns("id").
		Eq("user_id", userID).
		Eq("data_type", consts.DataTypeAudio).
		Eq("status", consts.EntryStatusActive)
	n, err := s.client.Count(ctx, "vault_entries", q)
	if err != nil {
		return 0, fmt.Errorf("failed to count audio entries for user %s: %w", userID, err)
	}
	return n, nil
}

// ActiveAudioEntries lists a user's active audio entries with just enough
// columns to delete them and their storage objects.
func (s *Store) ActiveAudioEntries(ctx context.Context, userID string) ([]Entry, error) {
	q := supabase.NewQuery().
		Columns("id,audio_file_path").
		Eq("user_id", userID).
		Eq("data_type", consts.DataTypeAudio).
		Eq("status", consts.EntryStatusActive)
	var entries []Entry
	if err := s.client.Select(ctx, "vault_entries", q, &entries); err != nil {
		return nil, fmt.Errorf("failed to list audio entries for user %s: %w", userID, err)
	}
	return entries, nil
}

// MarkVaultActivity stamps had_vault_activity after a protocol execution so
// the bot sweep never mistakes the account for abandoned.
func (s *Store) MarkVaultActivity(ctx context.Context, userID string) error {
	q := supabase.NewQuery().Eq("id", userID)
	patch := map[string]bool{"had_vault_activity": true}
	if err := s.client.Update(ctx, "profiles", q, patch, nil); err != nil {
		return fmt.Errorf("failed to mark vault activity for user %s: %w", userID, err)
	}
	return nil
}

type gracePeriodPatch struct {
	Status             string     `json:"status"`
	TimerDays          int        `json:"timer_days"`
	ProtocolExecutedAt Timestamp  `json:"protocol_executed_at"`
	WarningSentAt      *Timestamp `json:"warning_sent_at"`
	Push66SentAt       *Timestamp `json:"push_66_sent_at"`
	Push33SentAt       *Timestamp `json:"push_33_sent_at"`
	LastEntryAt        *Timestamp `json:"last_entry_at"`
}

// StartGracePeriod marks a profile inactive after send entries were
// delivered. The 30-day grace window is measured from protocol_executed_at;
// last_check_in is deliberately left alone.
func (s *Store) StartGracePeriod(ctx context.Context, userID string, now time.Time) error {
	q := supabase.NewQuery().Eq("id", userID)
	patch := gracePeriodPatch{
		Status:             consts.ProfileStatusInactive,
		TimerDays:          consts.DefaultTimerDays,
		ProtocolExecutedAt: Timestamp{Time: now},
	}
	if err := s.client.Update(ctx, "profiles", q, patch, nil); err != nil {
		return fmt.Errorf("failed to start grace period for user %s: %w", userID, err)
	}
	return nil
}

type freshResetPatch struct {
	Status             string     `json:"status"`
	TimerDays          int        `json:"timer_days"`
	LastCheckIn        Timestamp  `json:"last_check_in"`
	ProtocolExecutedAt *Timestamp `json:"protocol_executed_at"`
	WarningSentAt      *Timestamp `json:"warning_sent_at"`
	Push66SentAt       *Timestamp `json:"push_66_sent_at"`
	Push33SentAt       *Timestamp `json:"push_33_sent_at"`
	LastEntryAt        *Timestamp `json:"last_entry_at"`
}

// ResetProfileFresh returns a profile to a clean active state with a full
// default timer, clearing every reminder stamp.
func (s *Store) ResetProfileFresh(ctx context.Context, userID string, now time.Time) error {
	q := supabase.NewQuery().Eq("id", userID)
	patch := freshResetPatch{
		Status:      consts.ProfileStatusActive,
		TimerDays:   consts.DefaultTimerDays,
		LastCheckIn: Timestamp{Time: now},
	}
	if err := s.client.Update(ctx, "profiles", q, patch, nil); err != nil {
		return fmt.Errorf("failed to reset profile %s: %w", userID, err)
	}
	return nil
}

type freeRevertPatch struct {
	TimerDays        int        `json:"timer_days"`
	LastCheckIn      Timestamp  `json:"last_check_in"`
	WarningSentAt    *Timestamp `json:"warning_sent_at"`
	Push66SentAt     *Timestamp `json:"push_66_sent_at"`
	Push33SentAt     *Timestamp `json:"push_33_sent_at"`
	SelectedTheme    *string    `json:"selected_theme"`
	SelectedSoulFire *string    `json:"selected_soul_fire"`
}

// RevertProfileToFree strips paid artifacts after a downgrade: default
// timer, fresh check-in, cleared stamps and cosmetics. Status and
// last_entry_at are untouched.
func (s *Store) RevertProfileToFree(ctx context.Context, userID string, now time.Time) error {
	q := supabase.NewQuery().Eq("id", userID)
	patch := freeRevertPatch{
		TimerDays:   consts.DefaultTimerDays,
		LastCheckIn: Timestamp{Time: now},
	}
	if err := s.client.Update(ctx, "profiles", q, patch, nil); err != nil {
		return fmt.Errorf("failed to revert profile %s to free tier: %w", userID, err)
	}
	return nil
}

// MarkPush66Sent stamps the 66% push reminder for the current cycle.
func (s *Store) MarkPush66Sent(ctx context.Context, userID string, now time.Time) error {
	return s.stampProfile(ctx, userID, "push_66_sent_at", now)
}

// MarkPush33Sent stamps the 33% push reminder for the current cycle.
func (s *Store) MarkPush33Sent(ctx context.Context, userID string, now time.Time) error {
	return s.stampProfile(ctx, userID, "push_33_sent_at", now)
}

// MarkWarningSent stamps the 24h warning email for the current cycle.
func (s *Store) MarkWarningSent(ctx context.Context, userID string, now time.Time) error {
	return s.stampProfile(ctx, userID, "warning_sent_at", now)
}

func (s *Store) stampProfile(ctx context.Context, userID, column string, now time.Time) error {
	q := supabase.NewQuery().Eq("id", userID)
	patch := map[string]Timestamp{column: {Time: now}}
	if err := s.client.Update(ctx, "profiles", q, patch, nil); err != nil {
		return fmt.Errorf("failed to stamp %s for user %s: %w", column, userID, err)
	}
	return nil
}

// AgedSentEntriesPage returns one offset page of sent entries whose sent_at
// predates the cutoff, ordered by id. Rows deleted between pages shift the
// offsets; missed rows are picked up on the next cycle.
func (s *Store) AgedSentEntriesPage(ctx context.Context, cutoff time.Time, offset, limit int) ([]Entry, error) {
	q := supabase.NewQuery().
		Columns("id,user_id,audio_file_path,sent_at").
		Eq("status", consts.EntryStatusSent).
		Lt("sent_at", formatTime(cutoff)).
		OrderAsc("id")
	var entries []Entry
	if err := s.client.SelectRange(ctx, "vault_entries", q, offset, offset+limit-1, &entries); err != nil {
		return nil, fmt.Errorf("failed to list aged sent entries: %w", err)
	}
	return entries, nil
}

// SenderNames fetches display names for the given users. Users without a
// stored name map to the default; absent rows are left to the caller.
func (s *Store) SenderNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	q := supabase.NewQuery().
		Columns("id,sender_name").
		In("id", userIDs)
	var profiles []Profile
	if err := s.client.Select(ctx, "profiles", q, &profiles); err != nil {
		return nil, fmt.Errorf("failed to fetch sender names: %w", err)
	}
	names := make(map[string]string, len(profiles))
	for _, p := range profiles {
		name := p.SenderName
		if name == "" {
			name = consts.SenderNameDefault
		}
		names[p.ID] = name
	}
	return names, nil
}

// InsertTombstone records an executed entry for the history view. A
// conflict means a previous run already recorded it, which is fine.
func (s *Store) InsertTombstone(ctx context.Context, t Tombstone) error {
	err := s.client.Insert(ctx, "vault_entry_tombstones", t)
	if err != nil && !supabase.IsConflict(err) {
		return fmt.Errorf("failed to insert tombstone for entry %s: %w", t.VaultEntryID, err)
	}
	return nil
}

// TombstoneCount counts a user's tombstones.
func (s *Store) TombstoneCount(ctx context.Context, userID string) (int, error) {
	q := supabase.NewQuery().
		Columns("vault_entry_id").
		Eq("user_id", userID)
	n, err := s.client.Count(ctx, "vault_entry_tombstones", q)
	if err != nil {
		return 0, fmt.Errorf("failed to count tombstones for user %s: %w", userID, err)
	}
	return n, nil
}

// ExpiredGraceProfilesPage returns one keyset page of inactive profiles
// whose grace period ended before the cutoff.
func (s *Store) ExpiredGraceProfilesPage(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]Profile, error) {
	q := supabase.NewQuery().
		Columns("id").
		Eq("status", consts.ProfileStatusInactive).
		Lt("protocol_executed_at", formatTime(cutoff)).
		OrderAsc("id").
		Limit(limit)
	if afterID != "" {
		q.Gt("id", afterID)
	}
	var profiles []Profile
	if err := s.client.Select(ctx, "profiles", q, &profiles); err != nil {
		return nil, fmt.Errorf("failed to list expired grace profiles: %w", err)
	}
	return profiles, nil
}

// StaleActiveProfilesPage returns one keyset page of active profiles created
// before the cutoff, the candidate set for the bot-account sweep.
func (s *Store) StaleActiveProfilesPage(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]Profile, error) {
	q := supabase.NewQuery().
		Columns("id,email,created_at,last_check_in,had_vault_activity").
		Eq("status", consts.ProfileStatusActive).
		Lt("created_at", formatTime(cutoff)).
		OrderAsc("id").
		Limit(limit)
	if afterID != "" {
		q.Gt("id", afterID)
	}
	var profiles []Profile
	if err := s.client.Select(ctx, "profiles", q, &profiles); err != nil {
		return nil, fmt.Errorf("failed to list stale active profiles: %w", err)
	}
	return profiles, nil
}

// DeviceTokens returns a user's FCM tokens, deduplicated preserving first
// occurrence, with empty rows dropped.
func (s *Store) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	q := supabase.NewQuery().
		Columns("fcm_token").
		Eq("user_id", userID)
	var devices []PushDevice
	if err := s.client.Select(ctx, "push_devices", q, &devices); err != nil {
		return nil, fmt.Errorf("failed to list push devices for user %s: %w", userID, err)
	}
	seen := make(map[string]struct{}, len(devices))
	var tokens []string
	for _, d := range devices {
		token := strings.TrimSpace(d.FCMToken)
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// DeleteDeviceToken removes a dead registration token reported by FCM.
func (s *Store) DeleteDeviceToken(ctx context.Context, token string) error {
	q := supabase.NewQuery().Eq("fcm_token", token)
	if err := s.client.Delete(ctx, "push_devices", q); err != nil {
		return fmt.Errorf("failed to delete push device: %w", err)
	}
	return nil
}

// DeleteAuthUser removes the auth record; profile and push device rows
// cascade from it.
func (s *Store) DeleteAuthUser(ctx context.Context, userID string) error {
	return s.client.DeleteAuthUser(ctx, userID)
}
