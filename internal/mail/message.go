// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mail renders and sends the product's transactional email through
// Resend: unlock deliveries for executed entries, 24h expiry warnings, and
// downgrade notices.
package mail

import "strings"

// listUnsubscribe is attached to every outbound message for CAN-SPAM
// compliance and deliverability.
const listUnsubscribe = "<mailto:afterword.app@gmail.com?subject=Unsubscribe>"

// Message is one email in the shape the Resend API accepts, for both the
// single-send and batch endpoints.
type Message struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	Text    string            `json:"text"`
	HTML    string            `json:"html"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FormatFromAddress ensures the from address carries a display name, which
// mail providers weigh for deliverability. Addresses already in
// "Name <addr>" form pass through.
func FormatFromAddress(from string) string {
	if strings.Contains(from, "<") {
		return from
	}
	return "Afterword <" + from + ">"
}

// ViewerLink builds the public viewer URL for an entry.
func ViewerLink(baseURL, entryID string) string {
	return strings.TrimRight(baseURL, "/") + "/?entry=" + entryID
}
