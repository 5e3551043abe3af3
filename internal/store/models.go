// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

// Profile is a row of public.profiles. Queries select different column
// subsets; unselected fields stay at their zero values.
type Profile struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	SenderName         string     `json:"sender_name"`
	Status             string     `json:"status"`
	SubscriptionStatus string     `json:"subscription_status"`
	LastCheckIn        *Timestamp `json:"last_check_in"`
	TimerDays          int        `json:"timer_days"`
	HMACKeyEncrypted   string     `json:"hmac_key_encrypted"`
	WarningSentAt      *Timestamp `json:"warning_sent_at"`
	Push66SentAt       *Timestamp `json:"push_66_sent_at"`
	Push33SentAt       *Timestamp `json:"push_33_sent_at"`
	SelectedTheme      *string    `json:"selected_theme"`
	SelectedSoulFire   *string    `json:"selected_soul_fire"`
	CreatedAt          *Timestamp `json:"created_at"`
	HadVaultActivity   bool       `json:"had_vault_activity"`
}

// Entry is a row of public.vault_entries. The encrypted columns hold
// three-part envelopes; hmac_signature covers payload and recipient.
type Entry struct {
	ID                      string     `json:"id"`
	UserID                  string     `json:"user_id"`
	Title                   string     `json:"title"`
	ActionType              string     `json:"action_type"`
	DataType                string     `json:"data_type"`
	Status                  string     `json:"status"`
	PayloadEncrypted        string     `json:"payload_encrypted"`
	RecipientEmailEncrypted string     `json:"recipient_email_encrypted"`
	DataKeyEncrypted        string     `json:"data_key_encrypted"`
	HMACSignature           string     `json:"hmac_signature"`
	AudioFilePath           string     `json:"audio_file_path"`
	SentAt                  *Timestamp `json:"sent_at"`
}

// Tombstone preserves history metadata after a sent entry's row and payload
// are purged. The primary key is VaultEntryID, so re-inserting for the same
// entry conflicts and is treated as already recorded.
type Tombstone struct {
	VaultEntryID string     `json:"vault_entry_id"`
	UserID       string     `json:"user_id"`
	SenderName   string     `json:"sender_name"`
	SentAt       *Timestamp `json:"sent_at"`
	ExpiredAt    Timestamp  `json:"expired_at"`
}

// PushDevice is a row of public.push_devices.
type PushDevice struct {
	FCMToken string `json:"fcm_token"`
}
