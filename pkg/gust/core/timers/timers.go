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

// Package timers provides the time domains and timer records shared by
// user-facing timer handles and the runtime.
package timers

import (
	"strings"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/typex"
)

// TimeDomain identifies the clock a timer fires against.
type TimeDomain int32

const (
	// TimeDomainUnspecified is an invalid time domain.
	TimeDomainUnspecified TimeDomain = 0
	// TimeDomainEventTime timers fire when the input watermark passes their
	// timestamp.
	TimeDomainEventTime TimeDomain = 1
	// TimeDomainProcessingTime timers fire when the wall clock passes their
	// timestamp.
	TimeDomainProcessingTime TimeDomain = 2
)

func (d TimeDomain) String() string {
	switch d {
	case TimeDomainEventTime:
		return "EventTime"
	case TimeDomainProcessingTime:
		return "ProcessingTime"
	default:
		return "Unspecified"
	}
}

// NoHoldTimestamp is the hold timestamp of timers set with no output
// timestamp: one millisecond past the maximum timestamp, deliberately out
// of the normalized range so it never acts as a hold.
const NoHoldTimestamp = mtime.MaxTimestamp + 1

// FamilyPrefix marks local names that declare a timer family rather than a
// single timer. A family timer records its dynamic tag separately from the
// family id; a plain timer uses an empty dynamic tag.
const FamilyPrefix = "tfs-"

// IsFamily reports whether a local name declares a timer family.
func IsFamily(localName string) bool {
	return strings.HasPrefix(localName, FamilyPrefix)
}

// TimerRecord is a single timer modification: a set, a fire delivery, or a
// cleared tombstone. Records flow both inbound (fires delivered by the
// runner) and outbound (modifications made during a bundle).
type TimerRecord struct {
	// UserKey is the key of the element the timer is scoped to. Opaque to
	// the runtime; encoded with the input key coder on the wire.
	UserKey any
	// Tag is the dynamic timer tag within a family; empty for plain timers.
	Tag string
	// Windows are the windows the timer is set in.
	Windows []typex.Window
	// Clear marks a tombstone record. FireTimestamp and HoldTimestamp are
	// meaningless when set.
	Clear bool
	// FireTimestamp is the instant the timer is scheduled to fire at.
	FireTimestamp mtime.Time
	// HoldTimestamp is the output watermark hold while the timer is pending.
	HoldTimestamp mtime.Time
	// Pane is the pane of the value that set the timer.
	Pane typex.PaneInfo
}

// Cleared returns the tombstone record for the given key, tag and windows.
func Cleared(userKey any, tag string, ws []typex.Window) TimerRecord {
	return TimerRecord{UserKey: userKey, Tag: tag, Windows: ws, Clear: true}
}

// Equals reports whether two records describe the same modification. The
// user key is compared by interface equality; windows by list equality.
func (t TimerRecord) Equals(o TimerRecord) bool {
	if t.UserKey != o.UserKey || t.Tag != o.Tag || t.Clear != o.Clear {
		return false
	}
	if !t.Clear && (t.FireTimestamp != o.FireTimestamp || t.HoldTimestamp != o.HoldTimestamp) {
		return false
	}
	if len(t.Windows) != len(o.Windows) {
		return false
	}
	for i, w := range t.Windows {
		if !w.Equals(o.Windows[i]) {
			return false
		}
	}
	return true
}
