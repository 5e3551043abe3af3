// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/crypto"
	"github.com/afterword-app/heartbeat/internal/mail"
	"github.com/afterword-app/heartbeat/internal/push"
	"github.com/afterword-app/heartbeat/internal/store"
)

// recipientPattern is the minimal shape check applied to decrypted recipient
// addresses before they are handed to Resend.
var recipientPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// executeResult summarizes one vault execution. hadSend is true when at
// least one send entry was emailed; inputSendCount is how many send entries
// the vault held going in, delivered or not.
type executeResult struct {
	hadSend        bool
	inputSendCount int
}

// preparedSend is a validated, decrypted send entry waiting on the batch
// email call.
type preparedSend struct {
	entryID string
	title   string
	msg     mail.Message
}

// executeExpiredEntries runs the unlock protocol over a user's expired
// vault. Destroy entries are deleted immediately. Send entries go through
// three phases: validate and decrypt each one, deliver all unlock emails in
// a single batch call, then finalize rows and push notifications.
//
// A send entry is never deleted on failure. Every validation or delivery
// problem releases its lock so the row survives for the next cycle.
func (h *Heartbeat) executeExpiredEntries(ctx context.Context, profile store.Profile, entries []store.Entry, now time.Time) executeResult {
	var result executeResult
	for _, e := range entries {
		if entryAction(e) != consts.ActionTypeDestroy {
			result.inputSendCount++
		}
	}

	senderName := senderNameOrDefault(profile.SenderName)
	hmacKey := h.decryptProfileHMACKey(profile, result.inputSendCount)

	var prepared []preparedSend
	for _, entry := range entries {
		claimed, err := h.store.ClaimEntryForSending(ctx, entry.ID)
		if err != nil {
			h.logger.Error(err, "Failed to claim entry, skipping",
				"entryID", entry.ID, "userID", profile.ID)
			continue
		}
		if !claimed {
			// Another run owns it or the row is gone.
			h.logger.V(consts.LogLevelDebug).Info("Entry claim lost, skipping",
				"entryID", entry.ID, "userID", profile.ID, "reason", consts.ReasonClaimLost)
			continue
		}

		if entryAction(entry) == consts.ActionTypeDestroy {
			h.destroyEntry(ctx, profile.ID, entry)
			continue
		}

		msg, reason, err := h.prepareUnlockMessage(entry, senderName, hmacKey)
		if err != nil {
			h.logger.Error(err, "Send entry failed validation, preserved for retry",
				"entryID", entry.ID, "userID", profile.ID,
				"reason", reason, "severity", severityCritical)
			h.releaseEntry(ctx, entry.ID)
			continue
		}
		prepared = append(prepared, preparedSend{entryID: entry.ID, title: entry.Title, msg: msg})
	}

	if len(prepared) == 0 {
		return result
	}

	msgs := make([]mail.Message, len(prepared))
	for i, p := range prepared {
		msgs[i] = p.msg
	}
	h.logger.Info("Sending unlock email batch", "userID", profile.ID, "count", len(msgs))
	if err := h.mailer.SendBatch(ctx, msgs, mail.UnlockBatchIdempotencyKey(profile.ID, now)); err != nil {
		h.logger.Error(err, "Unlock batch send failed, releasing entries for retry",
			"userID", profile.ID, "count", len(msgs), "reason", consts.ReasonBatchSendFailed)
		for _, p := range prepared {
			h.releaseEntry(ctx, p.entryID)
		}
		return result
	}
	h.metrics.EmailsSent.WithLabelValues(metricsKindUnlock).Add(float64(len(msgs)))

	for _, p := range prepared {
		if err := h.markEntrySent(ctx, p.entryID, now); err != nil {
			h.logger.Error(err, "Failed to mark entry sent after delivery",
				"entryID", p.entryID, "userID", profile.ID)
		}
		// The email is out either way.
		result.hadSend = true
		h.metrics.EntriesExecuted.WithLabelValues(consts.ActionTypeSend).Inc()
		h.sendExecutedPush(ctx, profile.ID, p.entryID, p.title, consts.ActionTypeSend)
	}
	return result
}

// decryptProfileHMACKey opens the user's envelope-encrypted vault HMAC key.
// Both failure modes leave send entries undeliverable, so they are logged
// loudly here and surface again per entry as validation failures.
func (h *Heartbeat) decryptProfileHMACKey(profile store.Profile, sendCount int) []byte {
	if profile.HMACKeyEncrypted != "" {
		key, err := h.secretBox.Open(crypto.Envelope(profile.HMACKeyEncrypted))
		if err != nil {
			h.logger.Error(err, "Failed to decrypt vault HMAC key",
				"userID", profile.ID, "severity", severityCritical)
			return nil
		}
		return key
	}
	if sendCount > 0 {
		h.logger.Error(nil, "Profile has send entries but no encrypted HMAC key",
			"userID", profile.ID, "sendEntries", sendCount, "severity", severityCritical)
	}
	return nil
}

// destroyEntry executes a destroy entry: notify the owner, then delete the
// row and any audio object. A failed delete releases the claim so the entry
// is retried next cycle.
func (h *Heartbeat) destroyEntry(ctx context.Context, userID string, entry store.Entry) {
	h.sendExecutedPush(ctx, userID, entry.ID, entry.Title, consts.ActionTypeDestroy)
	if err := h.store.DeleteEntry(ctx, entry); err != nil {
		h.logger.Error(err, "Failed to destroy entry, releasing for retry",
			"entryID", entry.ID, "userID", userID)
		h.releaseEntry(ctx, entry.ID)
		return
	}
	h.metrics.EntriesExecuted.WithLabelValues(consts.ActionTypeDestroy).Inc()
}

// prepareUnlockMessage validates a claimed send entry and builds its unlock
// email. The integrity check runs before anything is decrypted: the stored
// signature must match the HMAC of payload and encrypted recipient under
// the user's vault key. Failures come back with the release reason for the
// log line.
func (h *Heartbeat) prepareUnlockMessage(entry store.Entry, senderName string, hmacKey []byte) (mail.Message, string, error) {
	if hmacKey == nil {
		return mail.Message{}, consts.ReasonHMACKeyUnavailable, errors.New("vault HMAC key unavailable")
	}

	signed := entry.PayloadEncrypted + "|" + entry.RecipientEmailEncrypted
	ok, err := crypto.ValidateSignature(signed, entry.HMACSignature, hmacKey)
	if err != nil {
		return mail.Message{}, consts.ReasonPrepareError, fmt.Errorf("failed to verify entry signature: %w", err)
	}
	if !ok {
		return mail.Message{}, consts.ReasonHMACMismatch, errors.New("entry signature mismatch")
	}

	if entry.RecipientEmailEncrypted == "" {
		return mail.Message{}, consts.ReasonEmptyRecipient, errors.New("entry has no encrypted recipient")
	}
	recipient, err := h.secretBox.OpenString(crypto.Envelope(crypto.ExtractServerCiphertext(entry.RecipientEmailEncrypted)))
	if err != nil {
		return mail.Message{}, consts.ReasonRecipientDecrypt, fmt.Errorf("failed to decrypt recipient: %w", err)
	}
	recipient = strings.TrimSpace(recipient)
	if !recipientPattern.MatchString(recipient) {
		return mail.Message{}, consts.ReasonRecipientInvalid, fmt.Errorf("invalid recipient email format %q", recipient)
	}

	if entry.DataKeyEncrypted == "" {
		return mail.Message{}, consts.ReasonDataKeyMissing, errors.New("entry has no encrypted data key")
	}
	dataKey, err := h.secretBox.Open(crypto.Envelope(crypto.ExtractServerCiphertext(entry.DataKeyEncrypted)))
	if err != nil {
		return mail.Message{}, consts.ReasonDataKeyDecrypt, fmt.Errorf("failed to decrypt data key: %w", err)
	}

	msg, err := mail.NewUnlockMessage(
		h.fromEmail,
		recipient,
		senderName,
		entry.Title,
		mail.ViewerLink(h.viewerBaseURL, entry.ID),
		base64.StdEncoding.EncodeToString(dataKey),
	)
	if err != nil {
		return mail.Message{}, consts.ReasonPrepareError, err
	}
	return msg, "", nil
}

// markEntrySent finalizes a delivered entry, retrying once when the row was
// not in sending state. That happens when a concurrent requeue raced the
// batch send; the second attempt usually wins the claim back.
func (h *Heartbeat) markEntrySent(ctx context.Context, entryID string, now time.Time) error {
	marked, err := h.store.MarkEntrySent(ctx, entryID, now)
	if err != nil {
		return err
	}
	if !marked {
		h.logger.V(consts.LogLevelWarning).Info("Entry was not in sending state, retrying mark",
			"entryID", entryID)
		if _, err := h.store.MarkEntrySent(ctx, entryID, now); err != nil {
			return err
		}
	}
	return nil
}

func (h *Heartbeat) releaseEntry(ctx context.Context, entryID string) {
	if err := h.store.ReleaseEntryLock(ctx, entryID); err != nil {
		h.logger.Error(err, "Failed to release entry lock", "entryID", entryID)
	}
}

// sendExecutedPush tells the vault owner an entry executed. Best effort;
// execution never fails on a push problem.
func (h *Heartbeat) sendExecutedPush(ctx context.Context, userID, entryID, title, actionType string) {
	if h.pusher == nil {
		return
	}
	sent, err := h.pusher.SendToUser(ctx, userID, push.NewExecutedNotification(entryID, title, actionType))
	if err != nil {
		h.logger.Error(err, "Executed push failed", "entryID", entryID, "userID", userID)
		return
	}
	if sent {
		h.metrics.PushesSent.WithLabelValues(metricsKindExecuted).Inc()
	}
}
