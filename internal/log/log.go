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

// Package log is a minimal leveled logger for CLI output.
// Messages below the configured level are dropped.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	ErrorLevel
)

var (
	level int32 = int32(InfoLevel)

	mu  sync.Mutex
	out io.Writer = os.Stderr
)

func SetLogLevel(l Level) {
	atomic.StoreInt32(&level, int32(l))
}

func GetLogLevel() Level {
	return Level(atomic.LoadInt32(&level))
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func Debug(format string, args ...interface{}) {
	logf(DebugLevel, "[DEBUG]", format, args...)
}

func Info(format string, args ...interface{}) {
	logf(InfoLevel, "[INFO]", format, args...)
}

func Error(format string, args ...interface{}) {
	logf(ErrorLevel, "[ERROR]", format, args...)
}

func logf(l Level, tag string, format string, args ...interface{}) {
	if GetLogLevel() > l {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "%s %s %s", time.Now().Format("2006-01-02 15:04:05.000"), tag, msg)
}
