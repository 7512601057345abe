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

package pipeline

import (
	"encoding/json"
	"os"
	"time"
)

// State is one job's working data. Steps read it and return patches;
// only the pipeline writes, so no locking is needed within a run.
type State struct {
	values  map[string]interface{}
	History []StepRecord
}

// StepRecord is an immutable log entry for one step attempt.
type StepRecord struct {
	StepName  string     `json:"step"`
	Attempt   int        `json:"attempt"`
	Status    StepStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
}

// StepStatus is the outcome of a single step attempt.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepRetry   StepStatus = "retry"
	StepSkipped StepStatus = "skipped"
)

func NewState(seed map[string]interface{}) *State {
	st := &State{values: map[string]interface{}{}}
	for k, v := range seed {
		st.values[k] = v
	}
	return st
}

func (s *State) Get(key string) (interface{}, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *State) GetString(key string) string {
	if v, ok := s.values[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

func (s *State) GetBool(key string) bool {
	if v, ok := s.values[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func (s *State) GetInt(key string) int {
	switch v := s.values[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Values returns a copy of the data bag, for condition evaluation and
// reporting.
func (s *State) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *State) Clone() *State {
	c := NewState(s.values)
	c.History = append([]StepRecord(nil), s.History...)
	return c
}

// apply merges a success patch into the bag. Later steps win on key
// collision; untouched keys survive.
func (s *State) apply(patch map[string]interface{}) {
	for k, v := range patch {
		s.values[k] = v
	}
}

// SaveToFile writes the bag and history as indented JSON, mainly for
// post-run inspection.
func (s *State) SaveToFile(path string) error {
	data, err := json.MarshalIndent(struct {
		Values  map[string]interface{} `json:"values"`
		History []StepRecord           `json:"history"`
	}{s.values, s.History}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
