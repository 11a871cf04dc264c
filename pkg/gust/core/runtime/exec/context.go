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
	"context"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/sdf"
	"github.com/gustflow/gust/pkg/gust/core/timers"
	"github.com/gustflow/gust/pkg/gust/core/typex"
)

// Phase tags the lifecycle hook a Context serves. Each phase supports a
// subset of the context operations; the rest fail fast.
type Phase int

const (
	PhaseInactive Phase = iota
	PhaseStartBundle
	PhaseProcessElement
	PhaseOnTimer
	PhaseOnWindowExpiration
	PhaseFinishBundle
)

func (p Phase) String() string {
	switch p {
	case PhaseStartBundle:
		return "StartBundle"
	case PhaseProcessElement:
		return "ProcessElement"
	case PhaseOnTimer:
		return "OnTimer"
	case PhaseOnWindowExpiration:
		return "OnWindowExpiration"
	case PhaseFinishBundle:
		return "FinishBundle"
	default:
		return "Inactive"
	}
}

type capability uint16

const (
	capElement capability = 1 << iota
	capTimestamp
	capWindow
	capPane
	capOutput
	capOutputWindowed
	capState
	capTimers
	capSideInput
	capRestriction
	capFireTimestamp
	capFinalizer
)

// phaseCaps is the capability table: which operations each phase supports.
var phaseCaps = map[Phase]capability{
	PhaseStartBundle: capFinalizer,
	PhaseProcessElement: capElement | capTimestamp | capWindow | capPane | capOutput |
		capState | capTimers | capSideInput | capRestriction | capFinalizer,
	PhaseOnTimer: capTimestamp | capWindow | capPane | capOutput |
		capState | capTimers | capSideInput | capFireTimestamp | capFinalizer,
	PhaseOnWindowExpiration: capTimestamp | capWindow | capPane | capOutput |
		capState | capFireTimestamp | capFinalizer,
	PhaseFinishBundle: capOutputWindowed | capFinalizer,
}

// Context provides user code with access to the element, window, state,
// timers, side inputs, output emitters, restriction and watermark
// estimator of the hook it is passed to. It borrows the runner's live
// cursors rather than owning any state of its own.
type Context struct {
	r     *TransformRunner
	phase Phase
}

func (c *Context) require(cap capability, op string) {
	if phaseCaps[c.phase]&cap == 0 {
		panic(validationErrorf("%v is unsupported while %v", op, c.phase))
	}
}

// Element returns the windowed value under processing. For splittable
// transforms the restriction pair has been peeled off; Elm holds the user
// value (or KV key, with Elm2 the KV value).
func (c *Context) Element() *FullValue {
	c.require(capElement, "Element")
	return c.r.currentElement
}

// Key returns the user key of the current element or firing timer. Fails
// fast when the element is not keyed.
func (c *Context) Key() any {
	if c.phase == PhaseOnTimer || c.phase == PhaseOnWindowExpiration {
		return c.r.currentTimer.UserKey
	}
	c.require(capElement, "Key")
	return c.r.elementKey()
}

// Timestamp returns the event timestamp of the current element, or the
// hold timestamp of the firing timer.
func (c *Context) Timestamp() mtime.Time {
	c.require(capTimestamp, "Timestamp")
	return c.r.currentInputTimestamp()
}

// Window returns the window under processing. Fails fast in
// non-window-observing contexts.
func (c *Context) Window() typex.Window {
	c.require(capWindow, "Window")
	if c.r.currentWindow == nil {
		panic(validationErrorf("Window is unsupported in a non-window-observing context"))
	}
	return c.r.currentWindow
}

// Pane returns the pane of the current element or firing timer.
func (c *Context) Pane() typex.PaneInfo {
	c.require(capPane, "Pane")
	if c.r.currentTimer != nil {
		return c.r.currentTimer.Pane
	}
	return c.r.currentElement.Pane
}

// Output emits a value on the given local output name with the current
// input timestamp and windows.
func (c *Context) Output(tag string, value any) {
	c.require(capOutput, "Output")
	c.r.outputWithDefaults(c.r.processingContext(), tag, value, c.r.currentInputTimestamp())
}

// OutputWithTimestamp emits a value with an explicit timestamp, validated
// against the allowed skew.
func (c *Context) OutputWithTimestamp(tag string, value any, ts mtime.Time) {
	c.require(capOutput, "OutputWithTimestamp")
	c.r.checkTimestamp(ts)
	c.r.outputWithDefaults(c.r.processingContext(), tag, value, ts)
}

// OutputWindowed emits a value into an explicit window with an explicit
// timestamp. Only available from the finish-bundle hook, where no element
// context exists.
func (c *Context) OutputWindowed(tag string, value any, ts mtime.Time, w typex.Window) {
	c.require(capOutputWindowed, "OutputWindowed")
	c.r.outputTo(c.r.processingContext(), tag, &FullValue{
		Elm:       value,
		Timestamp: ts,
		Windows:   []typex.Window{w},
		Pane:      typex.NoFiringPane(),
	})
}

// State returns the state cell for the given state id, scoped to the
// current key and window.
func (c *Context) State(stateID string) any {
	c.require(capState, "State")
	if c.r.state == nil {
		panic(validationErrorf("transform has no state accessor; state is unsupported"))
	}
	key := c.Key() // Fails fast in unkeyed contexts.
	if key == nil {
		panic(validationErrorf("accessing state %q in unkeyed context", stateID))
	}
	s, err := c.r.state.Get(stateID, c.Window())
	if err != nil {
		panic(validationErrorf("state %q unavailable: %v", stateID, err))
	}
	return s
}

// SideInput resolves the given side input view in the current window.
func (c *Context) SideInput(view string) any {
	c.require(capSideInput, "SideInput")
	if c.r.sideInputs == nil {
		panic(validationErrorf("transform has no side inputs; %q is unknown", view))
	}
	v, err := c.r.sideInputs.Get(view, c.Window())
	if err != nil {
		panic(validationErrorf("side input %q unavailable: %v", view, err))
	}
	return v
}

// Timer returns the handle for a plain timer declaration.
func (c *Context) Timer(localName string) *UserTimer {
	c.require(capTimers, "Timer")
	domain := c.r.timerDomain(localName)
	f := c.r.timerFamilyHandle(localName, domain)
	return f.Get("")
}

// TimerFamily returns the handle for a timer family declaration.
func (c *Context) TimerFamily(localName string) *UserTimerFamily {
	c.require(capTimers, "TimerFamily")
	if !timers.IsFamily(localName) {
		panic(validationErrorf("%q is not a timer family declaration", localName))
	}
	domain := c.r.timerDomain(localName)
	return c.r.timerFamilyHandle(localName, domain)
}

// Restriction returns the restriction under processing.
func (c *Context) Restriction() any {
	c.require(capRestriction, "Restriction")
	return c.r.currentRestriction
}

// RestrictionTracker returns the tracker over the current restriction.
func (c *Context) RestrictionTracker() sdf.RTracker {
	c.require(capRestriction, "RestrictionTracker")
	return c.r.currentTracker
}

// WatermarkEstimatorState returns the estimator state the current element
// arrived with.
func (c *Context) WatermarkEstimatorState() any {
	c.require(capRestriction, "WatermarkEstimatorState")
	return c.r.currentWatermarkEstimatorState
}

// WatermarkEstimator returns the thread-safe wrapper over the current
// element's watermark estimator.
func (c *Context) WatermarkEstimator() *sdf.ThreadSafeEstimator {
	c.require(capRestriction, "WatermarkEstimator")
	return c.r.currentWatermarkEstimator
}

// FireTimestamp returns the instant the current timer fired at.
func (c *Context) FireTimestamp() mtime.Time {
	c.require(capFireTimestamp, "FireTimestamp")
	return c.r.currentTimer.FireTimestamp
}

// HoldTimestamp returns the hold timestamp of the current timer.
func (c *Context) HoldTimestamp() mtime.Time {
	c.require(capFireTimestamp, "HoldTimestamp")
	return c.r.currentTimer.HoldTimestamp
}

// TimeDomain returns the domain of the firing timer.
func (c *Context) TimeDomain() timers.TimeDomain {
	c.require(capFireTimestamp, "TimeDomain")
	return c.r.currentTimeDomain
}

// BundleFinalizer registers end-of-bundle callbacks with the host.
func (c *Context) BundleFinalizer() BundleFinalizer {
	c.require(capFinalizer, "BundleFinalizer")
	if c.r.finalizer == nil {
		panic(validationErrorf("host provides no bundle finalizer"))
	}
	return c.r.finalizer
}

// processingContext is a plumbing helper so emitters reach the runner's
// stored invocation context.
func (r *TransformRunner) processingContext() context.Context {
	return r.invokeCtx
}
