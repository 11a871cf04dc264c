// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log contains a re-targetable context-aware logging system. It
// allows the enclosing worker to transparently provide appropriate logging
// context -- such as transform or bundle information -- for runtime and
// user code logging.
package log

import (
	"context"
	"fmt"
)

// Severity is the severity of the log message.
type Severity int

const (
	SevUnspecified Severity = iota
	SevDebug
	SevInfo
	SevWarn
	SevError
	SevFatal
)

// Logger is a context-aware logging backend. The richer context allows for
// more sophisticated logging setups. Must be concurrency safe.
type Logger interface {
	// Log logs the message in some implementation-dependent way. Log should
	// always return regardless of the severity.
	Log(ctx context.Context, sev Severity, calldepth int, msg string)
}

var (
	logger Logger = &Standard{}
)

// SetLogger sets the global Logger. Intended to be called during
// initialization only.
func SetLogger(l Logger) {
	if l == nil {
		panic("Logger cannot be nil")
	}
	logger = l
}

// Output logs the given message to the global logger. Calldepth is the
// count of the number of frames to skip when computing the file name and
// line number.
func Output(ctx context.Context, sev Severity, calldepth int, msg string) {
	logger.Log(ctx, sev, calldepth+1, msg) // +1 for this frame
}

// User-facing logging functions.

// Debugf writes the fmt.Sprintf-formatted arguments to the global logger
// with debug severity.
func Debugf(ctx context.Context, format string, v ...any) {
	Output(ctx, SevDebug, 2, fmt.Sprintf(format, v...))
}

// Infof writes the fmt.Sprintf-formatted arguments to the global logger
// with info severity.
func Infof(ctx context.Context, format string, v ...any) {
	Output(ctx, SevInfo, 2, fmt.Sprintf(format, v...))
}

// Warnf writes the fmt.Sprintf-formatted arguments to the global logger
// with warn severity.
func Warnf(ctx context.Context, format string, v ...any) {
	Output(ctx, SevWarn, 2, fmt.Sprintf(format, v...))
}

// Errorf writes the fmt.Sprintf-formatted arguments to the global logger
// with error severity.
func Errorf(ctx context.Context, format string, v ...any) {
	Output(ctx, SevError, 2, fmt.Sprintf(format, v...))
}

// Fatalf writes the fmt.Sprintf-formatted arguments to the global logger
// with fatal severity. It then panics.
func Fatalf(ctx context.Context, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	Output(ctx, SevFatal, 2, msg)
	panic(msg)
}
