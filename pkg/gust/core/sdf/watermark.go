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

package sdf

import (
	"sync"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
)

// WatermarkEstimator is a user-provided component that reports a lower
// bound on the event times of the outputs a splittable transform will
// produce from the rest of its restriction.
type WatermarkEstimator interface {
	// CurrentWatermark returns the estimator's current output lower bound.
	CurrentWatermark() mtime.Time
}

// TimestampObservingEstimator is an optional interface for estimators that
// derive their watermark from the timestamps of emitted outputs. The
// runtime reports every output timestamp to it before delivery.
type TimestampObservingEstimator interface {
	WatermarkEstimator
	// ObserveTimestamp is called with the event time of each output.
	ObserveTimestamp(t mtime.Time)
}

// StatefulEstimator is an optional interface for estimators whose state is
// carried in the element and restored on resumption. The returned state
// must be serializable by the estimator state coder.
type StatefulEstimator interface {
	WatermarkEstimator
	// State returns the estimator's current state.
	State() any
}

// ThreadSafeEstimator wraps a user estimator so that the watermark and
// state can be read as an internally consistent pair from a thread other
// than the one driving the user code.
type ThreadSafeEstimator struct {
	mu sync.Mutex
	we WatermarkEstimator
}

// ThreadSafe wraps the given estimator for concurrent access.
func ThreadSafe(we WatermarkEstimator) *ThreadSafeEstimator {
	return &ThreadSafeEstimator{we: we}
}

// WatermarkAndState atomically reads the current watermark together with
// the estimator state that produced it. For stateless estimators the state
// is nil.
func (e *ThreadSafeEstimator) WatermarkAndState() (mtime.Time, any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var state any
	if s, ok := e.we.(StatefulEstimator); ok {
		state = s.State()
	}
	return e.we.CurrentWatermark(), state
}

// ObserveTimestamp forwards an output timestamp to the wrapped estimator if
// it observes timestamps, under the same lock as WatermarkAndState.
func (e *ThreadSafeEstimator) ObserveTimestamp(t mtime.Time) {
	if o, ok := e.we.(TimestampObservingEstimator); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		o.ObserveTimestamp(t)
	}
}

// Observes reports whether the wrapped estimator observes output
// timestamps.
func (e *ThreadSafeEstimator) Observes() bool {
	_, ok := e.we.(TimestampObservingEstimator)
	return ok
}
