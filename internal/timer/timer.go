// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package timer derives countdown state for a profile from its last check-in
// and configured timer length. Everything here is pure; the heartbeat passes
// a single cycle-wide "now".
package timer

import (
	"math"
	"time"
)

const (
	secondsPerDay = 86400

	// Push66RemainingFraction and Push33RemainingFraction are the remaining
	// fractions at which the two staged push reminders fire.
	Push66RemainingFraction = 0.66
	Push33RemainingFraction = 0.33

	// WarningWindow is how long before the deadline the reminder email for
	// paid users becomes due.
	WarningWindow = 24 * time.Hour
)

// State holds the countdown instants derived from one (lastCheckIn,
// timerDays, now) triple.
type State struct {
	LastCheckIn       time.Time
	Deadline          time.Time
	TotalSeconds      int64
	RemainingSeconds  int64
	RemainingFraction float64
	Push66At          time.Time
	Push33At          time.Time
	Email24hAt        time.Time
}

// Expired reports whether the countdown has run out.
func (s State) Expired() bool {
	return s.RemainingSeconds <= 0
}

// Remaining is the time left on the countdown, never negative.
func (s State) Remaining() time.Duration {
	return time.Duration(s.RemainingSeconds) * time.Second
}

// NormalizeTimerDays clamps stored timer_days to at least one day. Rows
// written before validation existed may hold zero or negative values.
func NormalizeTimerDays(timerDays int) int {
	if timerDays < 1 {
		return 1
	}
	return timerDays
}

// Build computes the full countdown state.
func Build(lastCheckIn time.Time, timerDays int, now time.Time) State {
	totalSeconds := int64(NormalizeTimerDays(timerDays)) * secondsPerDay
	deadline := lastCheckIn.Add(time.Duration(totalSeconds) * time.Second)

	remainingSeconds := int64(deadline.Sub(now).Seconds())
	if remainingSeconds < 0 {
		remainingSeconds = 0
	}

	return State{
		LastCheckIn:       lastCheckIn,
		Deadline:          deadline,
		TotalSeconds:      totalSeconds,
		RemainingSeconds:  remainingSeconds,
		RemainingFraction: float64(remainingSeconds) / float64(totalSeconds),
		Push66At:          triggerFromRemaining(lastCheckIn, totalSeconds, Push66RemainingFraction),
		Push33At:          triggerFromRemaining(lastCheckIn, totalSeconds, Push33RemainingFraction),
		Email24hAt:        email24hAt(lastCheckIn, deadline),
	}
}

// triggerFromRemaining converts "fire when remainingFraction of the timer is
// left" into an absolute instant, rounded to the whole second.
func triggerFromRemaining(lastCheckIn time.Time, totalSeconds int64, remainingFraction float64) time.Time {
	elapsedFraction := 1.0 - remainingFraction
	if elapsedFraction < 0 {
		elapsedFraction = 0
	} else if elapsedFraction > 1 {
		elapsedFraction = 1
	}
	elapsedSeconds := math.Round(elapsedFraction * float64(totalSeconds))
	return lastCheckIn.Add(time.Duration(elapsedSeconds) * time.Second)
}

// email24hAt clamps the email trigger so it never precedes the check-in,
// which matters for timers shorter than the warning window.
func email24hAt(lastCheckIn, deadline time.Time) time.Time {
	at := deadline.Add(-WarningWindow)
	if at.Before(lastCheckIn) {
		return lastCheckIn
	}
	return at
}

// AlreadyMarkedInCycle reports whether a reminder stamp belongs to the
// current countdown window. A check-in newer than the stamp invalidates it,
// so the reminder fires again for the new window.
func AlreadyMarkedInCycle(sentAt *time.Time, lastCheckIn time.Time) bool {
	return sentAt != nil && !sentAt.Before(lastCheckIn)
}
