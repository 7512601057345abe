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

package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/streamrpc"
)

const defaultChatPrompt = "List the tools you can use and what each one does, in one short sentence per tool."

type ChatReport struct {
	Prompt  string        `json:"prompt"`
	Reply   string        `json:"reply"`
	Elapsed time.Duration `json:"elapsed"`
}

// ChatRoundTrip sends one prompt into the dialog and waits for the reply
// message to finish streaming. The event stream is opened before the send,
// so no reply event can slip past. Any non-empty reply passes.
func (v *Verifier) ChatRoundTrip(ctx context.Context, dialogID string) (*ChatReport, error) {
	if v.hub == nil {
		return nil, fmt.Errorf("chat round trip needs a hub client")
	}
	prompt := v.chat.Prompt
	if prompt == "" {
		prompt = defaultChatPrompt
	}
	timeout := v.chat.Timeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := v.hub.OpenDialogEvents(ctx, dialogID)
	if err != nil {
		return nil, err
	}
	defer events.Close()

	started := time.Now()
	msgID, err := v.hub.SendDialogMessage(ctx, dialogID, prompt)
	if err != nil {
		return nil, fmt.Errorf("send chat prompt: %w", err)
	}
	log.Debug("chat round trip: dialog=%s message=%s", dialogID, msgID)

	reply, err := awaitReply(ctx, streamrpc.NewEventReader(events), msgID)
	if err != nil {
		return nil, err
	}
	return &ChatReport{Prompt: prompt, Reply: reply, Elapsed: time.Since(started)}, nil
}

// awaitReply collects the events for msgID until one is marked finished.
// Deltas accumulate; a full content field replaces what was collected.
func awaitReply(ctx context.Context, r *streamrpc.EventReader, msgID string) (string, error) {
	var reply strings.Builder
	for {
		ev, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("chat reply %s: %w", msgID, ctx.Err())
			}
			return "", fmt.Errorf("dialog stream ended before reply %s: %w", msgID, err)
		}
		var msg struct {
			MessageID string `json:"message_id"`
			Delta     string `json:"delta"`
			Content   string `json:"content"`
			Finished  bool   `json:"finished"`
		}
		if json.Unmarshal([]byte(ev.Data), &msg) != nil || msg.MessageID != msgID {
			continue
		}
		if msg.Content != "" {
			reply.Reset()
			reply.WriteString(msg.Content)
		} else if msg.Delta != "" {
			reply.WriteString(msg.Delta)
		}
		if msg.Finished {
			if reply.Len() == 0 {
				return "", fmt.Errorf("chat reply %s was empty", msgID)
			}
			return reply.String(), nil
		}
	}
}
