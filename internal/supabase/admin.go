// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package supabase

import (
	"context"
	"errors"
	"net/http"
)

// DeleteAuthUser removes a user from Supabase auth. Row deletions in the
// public schema cascade from the auth record via foreign keys.
func (c *Client) DeleteAuthUser(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/auth/v1/admin/users/"+userID, nil, nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
