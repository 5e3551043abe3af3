// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package supabase

import (
	"fmt"
	"net/url"
	"strings"
)

// Query builds PostgREST query strings. Filters are horizontal (rows),
// Columns is vertical (fields).
type Query struct {
	params url.Values
}

// NewQuery returns an empty query matching all rows of a table.
func NewQuery() *Query {
	return &Query{params: url.Values{}}
}

// Columns restricts the selected columns, e.g. "id,user_id,sent_at".
func (q *Query) Columns(columns string) *Query {
	q.params.Set("select", columns)
	return q
}

// Eq filters column = value.
func (q *Query) Eq(column, value string) *Query {
	return q.filter(column, "eq", value)
}

// Neq filters column != value.
func (q *Query) Neq(column, value string) *Query {
	return q.filter(column, "neq", value)
}

// Gt filters column > value.
func (q *Query) Gt(column, value string) *Query {
	return q.filter(column, "gt", value)
}

// Lt filters column < value.
func (q *Query) Lt(column, value string) *Query {
	return q.filter(column, "lt", value)
}

// IsNull filters column IS NULL.
func (q *Query) IsNull(column string) *Query {
	return q.filter(column, "is", "null")
}

// NotNull filters column IS NOT NULL.
func (q *Query) NotNull(column string) *Query {
	return q.filter(column, "not.is", "null")
}

// In filters column to any of values.
func (q *Query) In(column string, values []string) *Query {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = sanitizeListValue(v)
	}
	return q.filter(column, "in", "("+strings.Join(quoted, ",")+")")
}

// OrderAsc sorts ascending by column. Callable once per query.
func (q *Query) OrderAsc(column string) *Query {
	q.params.Set("order", column+".asc")
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.params.Set("limit", fmt.Sprintf("%d", n))
	return q
}

func (q *Query) filter(column, op, value string) *Query {
	q.params.Add(column, op+"."+value)
	return q
}

// Encode renders the query string, URL-escaped.
func (q *Query) Encode() string {
	return q.params.Encode()
}

// sanitizeListValue quotes values carrying PostgREST list syntax characters
// so they survive inside an in.(...) list. UUIDs and plain identifiers pass
// through untouched.
func sanitizeListValue(v string) string {
	if strings.ContainsAny(v, ",.:()\"' ") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}
