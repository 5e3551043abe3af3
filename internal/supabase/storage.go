// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DeleteObjects removes objects from a storage bucket. Paths that no longer
// exist are not an error; storage returns success with an empty result.
func (c *Client) DeleteObjects(ctx context.Context, bucket string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return fmt.Errorf("failed to encode storage delete request: %w", err)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/storage/v1/object/"+bucket, header, body)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
