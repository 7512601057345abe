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

package streamrpc

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event. Name defaults to "message" when the
// stream does not carry an explicit event field.
type Event struct {
	Name string
	Data string
}

// EventReader parses a text/event-stream body. Comment lines are
// skipped, multi-line data fields are joined with newlines.
type EventReader struct {
	s *bufio.Scanner
}

func NewEventReader(r io.Reader) *EventReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &EventReader{s: s}
}

// Next blocks until a complete event arrives. It returns io.EOF when
// the stream ends cleanly.
func (r *EventReader) Next() (*Event, error) {
	name := ""
	var data []string
	seen := false
	for r.s.Scan() {
		line := r.s.Text()
		if line == "" {
			if !seen {
				continue
			}
			ev := &Event{Name: name, Data: strings.Join(data, "\n")}
			if ev.Name == "" {
				ev.Name = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	if err := r.s.Err(); err != nil {
		return nil, err
	}
	if seen {
		// Stream ended mid-event; surface what we have.
		ev := &Event{Name: name, Data: strings.Join(data, "\n")}
		if ev.Name == "" {
			ev.Name = "message"
		}
		return ev, nil
	}
	return nil, io.EOF
}
