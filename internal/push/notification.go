// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package push

import (
	"fmt"
	"time"

	"github.com/afterword-app/heartbeat/internal/consts"
)

// deadlineLayout renders deadlines inside notification bodies.
const deadlineLayout = "Jan 02, 2006 at 03:04 PM UTC"

// Notification is one push message. Data rides along for the app to route
// taps without parsing the body text.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// formatTimeLeft renders the remaining time in rough human terms. Notification
// copy deliberately avoids minute precision; the exact deadline follows in
// the same sentence.
func formatTimeLeft(deadline, now time.Time) string {
	remaining := deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	totalHours := remaining.Hours()
	totalDays := int(remaining / (24 * time.Hour))

	switch {
	case totalHours < 1:
		return "less than 1 hour"
	case totalHours < 24:
		h := int(totalHours)
		if h == 1 {
			return "~1 hour"
		}
		return fmt.Sprintf("~%d hours", h)
	case totalDays < 2:
		return "~1 day"
	default:
		return fmt.Sprintf("~%d days", totalDays)
	}
}

// NewWarningNotification builds the check-in reminder push. Urgency copy
// scales with how much of the timer remains, mirroring the warning email.
func NewWarningNotification(senderName string, deadline, now time.Time, remainingFraction float64) Notification {
	timeLeft := formatTimeLeft(deadline, now)
	deadlineText := deadline.UTC().Format(deadlineLayout)

	var urgency string
	switch {
	case remainingFraction <= 0.10:
		urgency = fmt.Sprintf("Only %s left — your vault executes %s.", timeLeft, deadlineText)
	case remainingFraction <= 0.33:
		urgency = fmt.Sprintf("%s remaining. Timer expires %s.", timeLeft, deadlineText)
	default:
		urgency = fmt.Sprintf("%s remaining. Deadline: %s.", timeLeft, deadlineText)
	}

	return Notification{
		Title: "Afterword — check in now",
		Body:  fmt.Sprintf("Hi %s, %s Open the app to check in.", senderName, urgency),
		Data:  map[string]string{"type": "warning"},
	}
}

// NewExecutedNotification builds the owner-facing push sent after an entry
// executes, for both send and destroy actions.
func NewExecutedNotification(entryID, entryTitle, actionType string) Notification {
	title := entryTitle
	if title == "" {
		title = "Untitled"
	}
	verb := "sent"
	if actionType == consts.ActionTypeDestroy {
		verb = "destroyed"
	}
	return Notification{
		Title: "Afterword executed",
		Body:  fmt.Sprintf("Your entry '%s' was %s.", title, verb),
		Data:  map[string]string{"type": "executed", "entry_id": entryID},
	}
}
