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

package log

import (
	"context"
	"log"
	"strings"
)

// Standard is a wrapper over the standard Go logger. It is the default
// backend until the worker re-targets logging at setup.
type Standard struct{}

// Log logs the message to the standard Go logger, prefixed with its
// severity.
func (s *Standard) Log(ctx context.Context, sev Severity, _ int, msg string) {
	switch sev {
	case SevDebug:
		log.Print("DEBUG: ", msg)
	case SevInfo:
		log.Print("INFO: ", msg)
	case SevWarn:
		log.Print("WARN: ", msg)
	case SevError:
		log.Print("ERROR: ", msg)
	case SevFatal:
		log.Print("FATAL: ", msg)
	default:
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
		log.Print(msg)
	}
}
