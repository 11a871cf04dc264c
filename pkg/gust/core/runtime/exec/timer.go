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

package exec

import (
	"time"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/graph/window"
	"github.com/gustflow/gust/pkg/gust/core/timers"
	"github.com/gustflow/gust/pkg/gust/core/typex"
)

// UserTimer is the timer handle presented to user code. Each handle is
// scoped to one logical timer -- a (family-or-id, dynamic tag) pair -- in
// the current key and window. All validation happens when the timer is
// set; Set, SetRelative and Clear record a modification with the bundle's
// timer tracker.
type UserTimer struct {
	r *TransformRunner

	familyOrID string
	userKey    any
	tag        string
	domain     timers.TimeDomain

	// fireTimestamp is the base instant for relative sets: the firing
	// timer's fire timestamp, the element timestamp, or the wall clock for
	// processing-time timers.
	fireTimestamp mtime.Time
	// elementOrHoldTimestamp is the default hold basis: the element
	// timestamp or the firing timer's hold timestamp.
	elementOrHoldTimestamp mtime.Time
	window                 typex.Window
	pane                   typex.PaneInfo

	outputTimestamp    mtime.Time
	hasOutputTimestamp bool
	noOutputTimestamp  bool
	period             time.Duration
	offset             time.Duration
}

// Set schedules the timer to fire at the given absolute instant. Event
// time timers may not be set past the expiration of the current window.
func (t *UserTimer) Set(absoluteTime mtime.Time) {
	if t.domain == timers.TimeDomainEventTime {
		expiry := window.GarbageCollectionTime(t.window, t.r.allowedLateness)
		if absoluteTime > expiry {
			panic(validationErrorf("attempted to set event time timer for %v but that is after the expiration of window %v",
				absoluteTime, expiry))
		}
	}
	t.modify(t.recordForTime(absoluteTime))
}

// SetRelative schedules the timer at the configured offset from its base
// instant, aligned to the configured period boundary if any. The target is
// clamped to the window expiration for event time timers.
func (t *UserTimer) SetRelative() {
	var target mtime.Time
	if t.period == 0 {
		target = t.fireTimestamp.Add(t.offset)
	} else {
		millisSinceStart := t.fireTimestamp.Add(t.offset).Milliseconds() % t.period.Milliseconds()
		if millisSinceStart == 0 {
			target = t.fireTimestamp
		} else {
			target = t.fireTimestamp.Add(t.period).Subtract(time.Duration(millisSinceStart) * time.Millisecond)
		}
	}
	target = t.minTargetAndGCTime(target)
	t.modify(t.recordForTime(target))
}

// Clear records a tombstone for the timer in its current window.
func (t *UserTimer) Clear() {
	t.modify(timers.Cleared(t.userKey, t.tag, []typex.Window{t.window}))
}

// Offset configures the offset used by SetRelative.
func (t *UserTimer) Offset(offset time.Duration) *UserTimer {
	t.offset = offset
	return t
}

// Align configures the period SetRelative aligns its target to.
func (t *UserTimer) Align(period time.Duration) *UserTimer {
	t.period = period
	return t
}

// WithOutputTimestamp sets the output watermark hold the timer keeps while
// pending.
func (t *UserTimer) WithOutputTimestamp(outputTime mtime.Time) *UserTimer {
	t.outputTimestamp = outputTime
	t.hasOutputTimestamp = true
	t.noOutputTimestamp = false
	return t
}

// WithNoOutputTimestamp disables the output watermark hold.
func (t *UserTimer) WithNoOutputTimestamp() *UserTimer {
	t.hasOutputTimestamp = false
	t.noOutputTimestamp = true
	return t
}

// CurrentRelativeTime returns the base instant relative sets are computed
// from.
func (t *UserTimer) CurrentRelativeTime() mtime.Time {
	return t.fireTimestamp
}

func (t *UserTimer) modify(rec timers.TimerRecord) {
	if err := t.r.timerTracker.timerModified(t.familyOrID, t.domain, rec); err != nil {
		panic(validationErrorf("recording timer modification for %q failed: %v", t.familyOrID, err))
	}
}

// minTargetAndGCTime clamps an event time target to the expiration of the
// current window.
func (t *UserTimer) minTargetAndGCTime(target mtime.Time) mtime.Time {
	if t.domain == timers.TimeDomainEventTime {
		expiry := window.GarbageCollectionTime(t.window, t.r.allowedLateness)
		if target > expiry {
			return expiry
		}
	}
	return target
}

// recordForTime resolves the output hold for a set at the scheduled time
// and validates all the timestamp bounds.
func (t *UserTimer) recordForTime(scheduledTime mtime.Time) timers.TimerRecord {
	if t.hasOutputTimestamp {
		// The allowed skew bound clamps at the minimum timestamp on
		// arithmetic underflow.
		lowerBound := t.elementOrHoldTimestamp.Subtract(t.r.allowedTimestampSkew)
		if t.outputTimestamp < lowerBound || t.outputTimestamp > mtime.MaxTimestamp {
			panic(validationErrorf("cannot set timer with output timestamp %v. Output timestamps must be no earlier than "+
				"the timestamp of the current input or timer hold (%v) minus the allowed skew (%v) and no later than %v",
				t.outputTimestamp, t.elementOrHoldTimestamp, t.r.allowedTimestampSkew, mtime.MaxTimestamp))
		}
	}

	hold := timers.NoHoldTimestamp
	switch {
	case t.noOutputTimestamp:
		// Hold disabled.
	case t.hasOutputTimestamp:
		hold = t.outputTimestamp
	case t.domain == timers.TimeDomainEventTime:
		// Event time timers hold at their own firing time.
		hold = scheduledTime
	default:
		// Processing time timers hold at the input element timestamp or the
		// firing timer's hold timestamp.
		hold = t.elementOrHoldTimestamp
	}

	if hold != timers.NoHoldTimestamp {
		expiry := window.GarbageCollectionTime(t.window, t.r.allowedLateness)
		if t.domain == timers.TimeDomainEventTime {
			if hold > scheduledTime {
				panic(validationErrorf("attempted to set an event time timer with an output timestamp of %v that is "+
					"after the timer firing timestamp %v", hold, scheduledTime))
			}
			if scheduledTime > expiry {
				panic(validationErrorf("attempted to set an event time timer with a firing timestamp of %v that is "+
					"after the expiration of window %v", scheduledTime, expiry))
			}
		} else {
			if hold > expiry {
				panic(validationErrorf("attempted to set a processing time timer with an output timestamp of %v that is "+
					"after the expiration of window %v", hold, expiry))
			}
		}
	}

	return timers.TimerRecord{
		UserKey:       t.userKey,
		Tag:           t.tag,
		Windows:       []typex.Window{t.window},
		FireTimestamp: scheduledTime,
		HoldTimestamp: hold,
		Pane:          t.pane,
	}
}

// UserTimerFamily creates per-tag timer handles sharing one family id,
// time domain and firing context.
type UserTimerFamily struct {
	r *TransformRunner

	familyID string
	userKey  any
	domain   timers.TimeDomain

	fireTimestamp          mtime.Time
	elementOrHoldTimestamp mtime.Time
	window                 typex.Window
	pane                   typex.PaneInfo
}

// Get returns the handle for the given dynamic tag.
func (f *UserTimerFamily) Get(tag string) *UserTimer {
	return &UserTimer{
		r:                      f.r,
		familyOrID:             f.familyID,
		userKey:                f.userKey,
		tag:                    tag,
		domain:                 f.domain,
		fireTimestamp:          f.fireTimestamp,
		elementOrHoldTimestamp: f.elementOrHoldTimestamp,
		window:                 f.window,
		pane:                   f.pane,
	}
}

// Set schedules the tagged timer at the given absolute instant.
func (f *UserTimerFamily) Set(tag string, absoluteTime mtime.Time) {
	f.Get(tag).Set(absoluteTime)
}
