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
	"time"

	"github.com/gustflow/gust/pkg/gust/core/sdf"
	"github.com/gustflow/gust/pkg/gust/core/timers"
)

// UserFnDescriptor identifies which lifecycle hooks a user transform has
// and what each of them observes. It is produced by the host's signature
// discovery and consumed opaquely here.
type UserFnDescriptor struct {
	// ObservesWindows is set when the process-element hook reads the window,
	// requiring one invocation per window of each element.
	ObservesWindows bool
	// Splittable is set for transforms processing sized element/restriction
	// pairs.
	Splittable bool
	// Keyed is set when the main input is a KV; required for state and
	// timers.
	Keyed bool

	HasStartBundle        bool
	HasFinishBundle       bool
	HasTeardown           bool
	HasOnWindowExpiration bool

	// TimerFamilies maps each declared timer local name to its time domain.
	// Family declarations carry the timers.FamilyPrefix on the local name.
	TimerFamilies map[string]timers.TimeDomain

	// AllowedTimestampSkew bounds how far before the input timestamp an
	// output may be stamped.
	AllowedTimestampSkew time.Duration
	// AllowedLateness extends the window end to its garbage-collection time.
	AllowedLateness time.Duration
}

// Invoker invokes the hooks of one user transform instance given an
// argument-providing context. Hooks that the transform does not declare
// are never invoked.
type Invoker interface {
	StartBundle(ctx context.Context, p *Context) error
	// ProcessElement processes the current element. The continuation is
	// meaningful only for splittable transforms; others return
	// sdf.StopProcessing().
	ProcessElement(ctx context.Context, p *Context) (sdf.ProcessContinuation, error)
	FinishBundle(ctx context.Context, p *Context) error
	Teardown(ctx context.Context) error

	// OnTimer fires a timer. A plain timer arrives as (id, ""). A family
	// timer delivered by the host arrives as ("", family); a family timer
	// fired inline from the bundle's pending modifications arrives as
	// (dynamic tag, family).
	OnTimer(ctx context.Context, timerID, timerFamilyID string, p *Context) error
	// OnWindowExpiration runs the user cleanup hook for an expiring window.
	OnWindowExpiration(ctx context.Context, p *Context) error

	// NewTracker creates a restriction tracker for the current restriction.
	NewTracker(ctx context.Context, p *Context) (sdf.RTracker, error)
	// NewWatermarkEstimator creates a watermark estimator from the current
	// estimator state.
	NewWatermarkEstimator(ctx context.Context, p *Context) (sdf.WatermarkEstimator, error)
	// GetSize returns the size hint for the current restriction.
	GetSize(ctx context.Context, p *Context) (float64, error)
}
