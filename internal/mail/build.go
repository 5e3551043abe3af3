// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package mail

import (
	"fmt"
	"time"
)

// subjectDateLayout renders deadlines in warning subjects, e.g. "Feb 08".
const subjectDateLayout = "Jan 02"

// keyDateLayout renders the date portion of idempotency keys.
const keyDateLayout = "2006-01-02"

type unlockData struct {
	SenderName  string
	Title       string
	ViewerLink  string
	SecurityKey string
}

// NewUnlockMessage builds the email delivered to a recipient when a vault
// entry executes. The security key decrypts the message client-side and is
// never persisted server-side, so the email is the only copy.
func NewUnlockMessage(from, recipient, senderName, title, viewerLink, securityKey string) (Message, error) {
	data := unlockData{
		SenderName:  senderName,
		Title:       title,
		ViewerLink:  viewerLink,
		SecurityKey: securityKey,
	}
	text, err := renderText(unlockText, data)
	if err != nil {
		return Message{}, err
	}
	html, err := renderHTMLBody(unlockHTML, data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		From:    FormatFromAddress(from),
		To:      []string{recipient},
		Subject: fmt.Sprintf("Message from %s", senderName),
		Text:    text,
		HTML:    html,
		Headers: map[string]string{
			"List-Unsubscribe": listUnsubscribe,
		},
	}, nil
}

type warningData struct {
	SenderName  string
	UrgencyLine string
	Deadline    time.Time
}

// warningTone maps the remaining timer fraction to subject and urgency copy.
func warningTone(deadline time.Time, remainingFraction float64) (subject, urgencyLine string) {
	deadlineDate := deadline.UTC().Format(subjectDateLayout)
	switch {
	case remainingFraction <= 0.10:
		return fmt.Sprintf("URGENT: Afterword timer expires %s", deadlineDate),
			"Your vault is about to execute."
	case remainingFraction <= 0.33:
		return fmt.Sprintf("Afterword warning: timer expires %s", deadlineDate),
			"Your timer is running critically low."
	case remainingFraction <= 0.66:
		return fmt.Sprintf("Afterword reminder: check in before %s", deadlineDate),
			"Your timer is past the halfway mark."
	default:
		return "Afterword reminder: check in now",
			"This is an automated check-in reminder."
	}
}

// NewWarningMessage builds the check-in reminder email sent to a vault owner
// as their timer approaches its deadline. Urgency copy scales with how much
// of the timer remains.
func NewWarningMessage(from, email, senderName string, deadline time.Time, remainingFraction float64) (Message, error) {
	subject, urgencyLine := warningTone(deadline, remainingFraction)
	data := warningData{
		SenderName:  senderName,
		UrgencyLine: urgencyLine,
		Deadline:    deadline.UTC(),
	}
	text, err := renderText(warningText, data)
	if err != nil {
		return Message{}, err
	}
	html, err := renderHTMLBody(warningHTML, data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		From:    FormatFromAddress(from),
		To:      []string{email},
		Subject: subject,
		Text:    text,
		HTML:    html,
		Headers: map[string]string{
			"List-Unsubscribe": listUnsubscribe,
		},
	}, nil
}

type downgradeData struct {
	SenderName   string
	AudioRemoved bool
}

// NewDowngradeMessage builds the notification sent when a paid account
// reverts to the free tier. audioRemoved adds the bullet explaining that
// lifetime-only audio entries were deleted.
func NewDowngradeMessage(from, email, senderName string, audioRemoved bool) (Message, error) {
	data := downgradeData{
		SenderName:   senderName,
		AudioRemoved: audioRemoved,
	}
	text, err := renderText(downgradeText, data)
	if err != nil {
		return Message{}, err
	}
	html, err := renderHTMLBody(downgradeHTML, data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		From:    FormatFromAddress(from),
		To:      []string{email},
		Subject: "Afterword — Subscription update",
		Text:    text,
		HTML:    html,
		Headers: map[string]string{
			"List-Unsubscribe": listUnsubscribe,
		},
	}, nil
}

// WarningIdempotencyKey dedupes warning emails per user per deadline date.
// Checking in moves the deadline, which naturally issues a new key.
func WarningIdempotencyKey(userID string, deadline time.Time) string {
	return fmt.Sprintf("warning-%s-%s", userID, deadline.UTC().Format(keyDateLayout))
}

// DowngradeIdempotencyKey dedupes downgrade emails per user per day.
func DowngradeIdempotencyKey(userID string, now time.Time) string {
	return fmt.Sprintf("downgrade-%s-%s", userID, now.UTC().Format(keyDateLayout))
}

// UnlockBatchIdempotencyKey identifies one user's unlock batch within a
// heartbeat cycle.
func UnlockBatchIdempotencyKey(userID string, now time.Time) string {
	return fmt.Sprintf("unlock-batch-%s-%d", userID, now.Unix())
}

// UnlockIdempotencyKey dedupes a single unlock email by entry.
func UnlockIdempotencyKey(entryID string) string {
	return fmt.Sprintf("unlock-%s", entryID)
}
