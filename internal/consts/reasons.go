// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package consts

// Reasons an executor releases or skips a vault entry instead of sending it.
// They show up as log fields that alerting matches on, so keep them stable.
const (
	ReasonClaimLost          = "ClaimLost"
	ReasonHMACKeyUnavailable = "HMACKeyUnavailable"
	ReasonHMACMismatch       = "HMACMismatch"
	ReasonEmptyRecipient     = "EmptyRecipient"
	ReasonRecipientDecrypt   = "RecipientDecryptError"
	ReasonRecipientInvalid   = "InvalidRecipient"
	ReasonDataKeyMissing     = "DataKeyMissing"
	ReasonDataKeyDecrypt     = "DataKeyDecryptError"
	ReasonBatchSendFailed    = "BatchSendFailed"
	ReasonPrepareError       = "PrepareError"
)
