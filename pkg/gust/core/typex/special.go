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

// Package typex contains the types that element-processing code and the
// runtime share: event timestamps, windows and pane metadata.
package typex

import (
	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
)

// EventTime is a timestamp that the runtime understands as attached to an
// element.
type EventTime = mtime.Time

// Window represents a concrete Window.
type Window interface {
	// MaxTimestamp returns the inclusive upper bound of timestamps for values
	// in this window.
	MaxTimestamp() EventTime

	// Equals returns true iff the windows are identical.
	Equals(o Window) bool
}

// Timing is the relationship between a pane's firing and the watermark
// passing the end of the window.
type Timing int

const (
	// PaneEarly is a firing before the watermark passed the end of the window.
	PaneEarly Timing = iota
	// PaneOnTime is the single firing produced when the watermark passes.
	PaneOnTime
	// PaneLate is a firing after the watermark passed the end of the window.
	PaneLate
	// PaneUnknown marks values whose firing timing is not known.
	PaneUnknown
)

// PaneInfo is metadata about which triggering firing produced a value.
type PaneInfo struct {
	Timing                     Timing
	IsFirst, IsLast            bool
	Index, NonSpeculativeIndex int64
}

// NoFiringPane returns the pane used for values not produced by a trigger
// firing: the first and only pane, with unknown timing.
func NoFiringPane() PaneInfo {
	return PaneInfo{Timing: PaneUnknown, IsFirst: true, IsLast: true}
}
