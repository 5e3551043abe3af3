// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"context"
	"strings"
	"time"
)

// maxCycleAttempts bounds how many times one process runs the cycle before
// giving up and leaving the remainder to the next scheduled invocation.
const maxCycleAttempts = 3

// cycleRetryDelays holds the sleep before the 2nd and 3rd attempt.
var cycleRetryDelays = []time.Duration{
	15 * time.Second,
	45 * time.Second,
}

// timeAfter is a hook for tests to skip the retry sleeps.
var timeAfter = time.After

// transientMarkers is matched case-insensitively against error text to
// decide whether a failed cycle is worth retrying in-process. Everything
// else is treated as a bug or bad configuration that a retry cannot fix.
var transientMarkers = []string{
	"500",
	"502",
	"503",
	"504",
	"429",
	"connection",
	"timeout",
	"temporar",
	"network",
}

// IsTransient reports whether err looks like a passing infrastructure
// failure. Errors that already consumed the HTTP client's own retry budget
// still surface here, so a cycle retry gets a fresh budget minutes later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// RunWithRetries runs cycles until one succeeds, an error is not worth
// retrying, or the attempt budget is spent. Entry-level idempotency keys
// and the conditional status transitions make a repeated cycle safe: work
// the failed attempt completed is skipped or deduplicated, not redone.
func (h *Heartbeat) RunWithRetries(ctx context.Context) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = h.Run(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !IsTransient(err) {
			h.logger.Error(err, "Cycle failed, not retrying", "attempt", attempt)
			return err
		}
		if attempt >= maxCycleAttempts {
			h.logger.Error(err, "Cycle failed, retry budget spent", "attempts", attempt)
			return err
		}

		delay := cycleRetryDelays[attempt-1]
		h.logger.Error(err, "Cycle failed, retrying", "attempt", attempt, "wait", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeAfter(delay):
		}
	}
}
