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

package invoke

import (
	"errors"
	"fmt"
)

// Class is the failure classification of a call outcome. It decides
// how Do reacts: refresh and retry once, back off and retry, or stop.
type Class int

const (
	ClassNone Class = iota
	ClassAuthExpired
	ClassTransient
	ClassFatal
	ClassTimeout
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAuthExpired:
		return "auth_expired"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassTimeout:
		return "timeout"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// CallError is the terminal error of a failed call. Body holds the last
// response body, when there was one, so callers can decode structured
// API errors.
type CallError struct {
	Class    Class
	Status   int
	Attempts int
	Body     []byte
	Err      error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s after %d attempt(s), status %d: %v", e.Class, e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the whole call later could help.
func (e *CallError) Temporary() bool {
	return e.Class == ClassTransient || e.Class == ClassTimeout
}

// ClassOf extracts the classification from an error returned by Do.
func ClassOf(err error) Class {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassNone
}
