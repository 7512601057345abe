// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// SendDialogMessage posts one user message into a dialog. The returned id
// names the reply message whose events the server streams.
func (c *Client) SendDialogMessage(ctx context.Context, dialogID, content string) (string, error) {
	var body struct {
		MessageID string `json:"message_id"`
	}
	in := map[string]string{"dialog_id": dialogID, "content": content}
	if err := c.call(ctx, "/api/dialog/chat", in, &body); err != nil {
		return "", err
	}
	return body.MessageID, nil
}

// OpenDialogEvents opens the server-push stream carrying a dialog's reply
// events. Each event's data is JSON with message_id, delta or content, and
// finished. The caller owns the returned body; canceling ctx tears the
// stream down.
func (c *Client) OpenDialogEvents(ctx context.Context, dialogID string) (io.ReadCloser, error) {
	tok, err := c.session.Token(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "dialog events")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/dialog/"+dialogID+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("token", tok)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "open dialog events")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open dialog events: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
