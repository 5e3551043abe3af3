// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package consts

const (
	ProfileStatusActive   = "active"
	ProfileStatusInactive = "inactive"
	ProfileStatusArchived = "archived"

	EntryStatusActive  = "active"
	EntryStatusSending = "sending"
	EntryStatusSent    = "sent"

	ActionTypeSend    = "send"
	ActionTypeDestroy = "destroy"

	SubscriptionStatusFree = "free"

	DataTypeAudio = "audio"

	// DefaultTimerDays is the free-tier countdown length, also used for
	// every profile reset.
	DefaultTimerDays = 30

	// AudioBucket is the object-store bucket holding audio entry payloads.
	AudioBucket = "vault-audio"

	// SenderNameDefault substitutes a missing profile sender_name anywhere
	// it is rendered.
	SenderNameDefault = "Afterword"
)
