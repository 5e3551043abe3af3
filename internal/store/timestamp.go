// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"bytes"
	"fmt"
	"time"
)

// noZoneLayout matches timestamps Postgres renders without an offset; they
// are taken as UTC.
const noZoneLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is a time.Time that round-trips the ISO 8601 variants PostgREST
// emits ("...+00:00", "...Z", and zone-less timestamp columns).
type Timestamp struct {
	time.Time
}

// NewTimestamp returns a pointer suitable for the nullable fields of row and
// patch structs.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

// TimeOrNil converts a nullable Timestamp to a nullable time.Time.
func (t *Timestamp) TimeOrNil() *time.Time {
	if t == nil {
		return nil
	}
	tt := t.Time
	return &tt
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid timestamp %s", b)
	}
	s := string(b[1 : len(b)-1])

	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		parsed, err = time.Parse(noZoneLayout, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
	}
	t.Time = parsed.UTC()
	return nil
}
