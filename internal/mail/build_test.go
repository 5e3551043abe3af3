// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package mail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFromAddress(t *testing.T) {
	tests := []struct {
		name string
		from string
		want string
	}{
		{
			name: "bare-address-gets-display-name",
			from: "noreply@afterword-app.com",
			want: "Afterword <noreply@afterword-app.com>",
		},
		{
			name: "formatted-address-passes-through",
			from: "Afterword Vault <noreply@afterword-app.com>",
			want: "Afterword Vault <noreply@afterword-app.com>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatFromAddress(tt.from))
		})
	}
}

func TestViewerLink(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		entryID string
		want    string
	}{
		{
			name:    "plain-base",
			baseURL: "https://viewer.afterword-app.com",
			entryID: "entry-1",
			want:    "https://viewer.afterword-app.com/?entry=entry-1",
		},
		{
			name:    "trailing-slash-trimmed",
			baseURL: "https://viewer.afterword-app.com/",
			entryID: "entry-1",
			want:    "https://viewer.afterword-app.com/?entry=entry-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ViewerLink(tt.baseURL, tt.entryID))
		})
	}
}

func TestNewUnlockMessage(t *testing.T) {
	msg, err := NewUnlockMessage(
		"noreply@afterword-app.com",
		"recipient@example.com",
		"Maria",
		"Final words",
		"https://viewer.afterword-app.com/?entry=entry-1",
		"c2VjdXJpdHkta2V5",
	)
	require.NoError(t, err)

	assert.Equal(t, "Afterword <noreply@afterword-app.com>", msg.From)
	assert.Equal(t, []string{"recipient@example.com"}, msg.To)
	assert.Equal(t, "Message from Maria", msg.Subject)
	assert.Equal(t,
		map[string]string{"List-Unsubscribe": "<mailto:afterword.app@gmail.com?subject=Unsubscribe>"},
		msg.Headers)

	assert.Contains(t, msg.Text,
		"Maria left you a secure message using Afterword, a time-locked digital vault app.")
	assert.Contains(t, msg.Text, "Title: Final words")
	assert.Contains(t, msg.Text, "Viewer: https://viewer.afterword-app.com/?entry=entry-1")
	assert.Contains(t, msg.Text, "Security Key: c2VjdXJpdHkta2V5")
	assert.Contains(t, msg.Text, "The security key is never sent to our servers.")
	assert.Contains(t, msg.Text, "will be permanently and automatically erased")
	assert.Contains(t, msg.Text, "If you do not recognize the sender")

	assert.Contains(t, msg.HTML, "<!DOCTYPE html>")
	assert.Contains(t, msg.HTML, "<strong>Maria</strong>")
	assert.Contains(t, msg.HTML, "Open Secure Message")
	assert.Contains(t, msg.HTML, "c2VjdXJpdHkta2V5")
	assert.Contains(t, msg.HTML, `href="https://viewer.afterword-app.com/?entry=entry-1"`)
	assert.Contains(t, msg.HTML, "Your message will be decrypted privately in your browser")
}

func TestNewUnlockMessage_defaultsEmptyTitle(t *testing.T) {
	msg, err := NewUnlockMessage(
		"noreply@afterword-app.com", "recipient@example.com", "Maria", "",
		"https://viewer.afterword-app.com/?entry=entry-1", "a2V5",
	)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "Title: Untitled")
	assert.Contains(t, msg.HTML, "Untitled")
}

func TestNewUnlockMessage_escapesHTML(t *testing.T) {
	msg, err := NewUnlockMessage(
		"noreply@afterword-app.com", "recipient@example.com",
		`<script>alert("x")</script>`, "a <b> title",
		"https://viewer.afterword-app.com/?entry=entry-1", "a2V5",
	)
	require.NoError(t, err)
	assert.NotContains(t, msg.HTML, `<script>alert`)
	assert.Contains(t, msg.HTML, "&lt;script&gt;")
	assert.NotContains(t, msg.HTML, "a <b> title")
	// Plain text is delivered as-is.
	assert.Contains(t, msg.Text, `<script>alert("x")</script>`)
}

func TestWarningTone(t *testing.T) {
	deadline := time.Date(2026, 2, 8, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name              string
		remainingFraction float64
		wantSubject       string
		wantUrgency       string
	}{
		{
			name:              "final-stretch",
			remainingFraction: 0.05,
			wantSubject:       "URGENT: Afterword timer expires Feb 08",
			wantUrgency:       "Your vault is about to execute.",
		},
		{
			name:              "exactly-ten-percent",
			remainingFraction: 0.10,
			wantSubject:       "URGENT: Afterword timer expires Feb 08",
			wantUrgency:       "Your vault is about to execute.",
		},
		{
			name:              "critically-low",
			remainingFraction: 0.25,
			wantSubject:       "Afterword warning: timer expires Feb 08",
			wantUrgency:       "Your timer is running critically low.",
		},
		{
			name:              "exactly-one-third",
			remainingFraction: 0.33,
			wantSubject:       "Afterword warning: timer expires Feb 08",
			wantUrgency:       "Your timer is running critically low.",
		},
		{
			name:              "past-halfway",
			remainingFraction: 0.5,
			wantSubject:       "Afterword reminder: check in before Feb 08",
			wantUrgency:       "Your timer is past the halfway mark.",
		},
		{
			name:              "plenty-of-time",
			remainingFraction: 0.9,
			wantSubject:       "Afterword reminder: check in now",
			wantUrgency:       "This is an automated check-in reminder.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, urgency := warningTone(deadline, tt.remainingFraction)
			assert.Equal(t, tt.wantSubject, subject)
			assert.Equal(t, tt.wantUrgency, urgency)
		})
	}
}

func TestNewWarningMessage(t *testing.T) {
	deadline := time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)
	msg, err := NewWarningMessage(
		"noreply@afterword-app.com", "owner@example.com", "Maria", deadline, 0.05,
	)
	require.NoError(t, err)

	assert.Equal(t, "Afterword <noreply@afterword-app.com>", msg.From)
	assert.Equal(t, []string{"owner@example.com"}, msg.To)
	assert.Equal(t, "URGENT: Afterword timer expires Feb 08", msg.Subject)

	assert.Contains(t, msg.Text, "Hi Maria,")
	assert.Contains(t, msg.Text, "Your vault is about to execute.")
	assert.Contains(t, msg.Text,
		"Your Afterword timer expires on Feb 08, 2026 at 12:00 AM UTC.")
	assert.Contains(t, msg.Text, "If you are safe, open Afterword today to reset your timer.")
	assert.Contains(t, msg.Text,
		"because you have an active Afterword account with vault entries.")

	assert.Contains(t, msg.HTML, "<!DOCTYPE html>")
	assert.Contains(t, msg.HTML, "<strong>Feb 08, 2026 at 12:00 AM UTC</strong>")
	assert.Contains(t, msg.HTML, "&mdash; The Afterword Team")
}

func TestNewWarningMessage_deadlineNormalizedToUTC(t *testing.T) {
	cest := time.FixedZone("CEST", 2*3600)
	deadline := time.Date(2026, 2, 8, 17, 45, 0, 0, cest)
	msg, err := NewWarningMessage(
		"noreply@afterword-app.com", "owner@example.com", "Maria", deadline, 0.5,
	)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "Feb 08, 2026 at 03:45 PM UTC")
}

func TestNewDowngradeMessage(t *testing.T) {
	tests := []struct {
		name         string
		audioRemoved bool
	}{
		{name: "with-audio-bullet", audioRemoved: true},
		{name: "without-audio-bullet", audioRemoved: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewDowngradeMessage(
				"noreply@afterword-app.com", "owner@example.com", "Maria", tt.audioRemoved,
			)
			require.NoError(t, err)

			assert.Equal(t, "Afterword — Subscription update", msg.Subject)
			assert.Contains(t, msg.Text, "reverted to the free tier")
			assert.Contains(t, msg.Text, "- Your timer has been reset to the default 30 days")
			assert.Contains(t, msg.Text, "- All your existing vault entries are preserved")
			assert.Contains(t, msg.Text, "resubscribe at any time to restore premium features")
			assert.Contains(t, msg.HTML, "Custom themes and styles have been reset to defaults")

			audioBullet := "Audio vault entries have been removed (Lifetime feature)"
			if tt.audioRemoved {
				assert.Contains(t, msg.Text, audioBullet)
				assert.Contains(t, msg.HTML, audioBullet)
			} else {
				assert.NotContains(t, msg.Text, audioBullet)
				assert.NotContains(t, msg.HTML, audioBullet)
			}
		})
	}
}

func TestIdempotencyKeys(t *testing.T) {
	now := time.Date(2026, 2, 5, 16, 33, 36, 0, time.UTC)
	deadline := time.Date(2026, 2, 8, 23, 59, 0, 0, time.UTC)

	assert.Equal(t, "warning-user-1-2026-02-08", WarningIdempotencyKey("user-1", deadline))
	assert.Equal(t, "downgrade-user-1-2026-02-05", DowngradeIdempotencyKey("user-1", now))
	assert.Equal(t, "unlock-batch-user-1-1770309216", UnlockBatchIdempotencyKey("user-1", now))
	assert.Equal(t, "unlock-entry-1", UnlockIdempotencyKey("entry-1"))
}

func TestWarningIdempotencyKey_keyFollowsDeadlineDate(t *testing.T) {
	// A check-in moves the deadline to a new date, which must produce a new
	// key so the next cycle's warning is not suppressed by Resend dedup.
	d1 := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 30)
	assert.NotEqual(t,
		WarningIdempotencyKey("user-1", d1),
		WarningIdempotencyKey("user-1", d2))
}
