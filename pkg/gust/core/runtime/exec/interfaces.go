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
	"io"

	"github.com/gustflow/gust/pkg/gust/core/timers"
	"github.com/gustflow/gust/pkg/gust/core/typex"
)

// Receiver consumes the windowed values a transform emits on one of its
// local output names.
type Receiver interface {
	Receive(ctx context.Context, val *FullValue) error
}

// TimerReceiver consumes the outbound timer records for one timer family
// when a bundle's buffered modifications are flushed.
type TimerReceiver interface {
	ReceiveTimer(ctx context.Context, rec *timers.TimerRecord) error
}

// StateAccessor routes keyed state reads and writes through the remote
// state channel. State cells are opaque to the runner.
type StateAccessor interface {
	// Get returns the state cell for the given state id in the given window,
	// scoped to the current key.
	Get(stateID string, w typex.Window) (any, error)
	// Finalize flushes any outstanding state mutations at the end of a
	// bundle.
	Finalize() error
}

// SideInputAccessor resolves materialized side input views per window.
type SideInputAccessor interface {
	Get(view string, w typex.Window) (any, error)
}

// SplitListener receives the roots of dynamic splits performed while a
// bundle is in flight, for forwarding to the runner.
type SplitListener interface {
	Split(primaryRoots []*BundleApplication, residualRoots []*DelayedBundleApplication)
}

// BundleFinalizer lets user code register callbacks to run after the
// runner has durably committed the bundle's output.
type BundleFinalizer interface {
	RegisterCallback(callback func() error)
}

// ElementEncoder encodes an element value onto a stream, in the element
// coder's wire format. Used for the user key of timer records.
type ElementEncoder interface {
	Encode(elm any, w io.Writer) error
}

// WindowEncoder encodes a single window onto a stream in the window
// coder's wire format.
type WindowEncoder interface {
	EncodeSingle(window typex.Window, w io.Writer) error
}

// FullValueCoder encodes and decodes a complete windowed value, value and
// window alike. Split roots shipped back to the runner are encoded with
// the full input coder.
type FullValueCoder interface {
	Encode(val *FullValue) ([]byte, error)
	Decode(data []byte) (*FullValue, error)
}

// SplitDelegate hands element-level split and progress queries to the
// first splittable transform downstream, for runners that fuse a
// truncate step onto this transform. A splittable element is processed
// with exactly one of a restriction tracker or a split delegate.
type SplitDelegate interface {
	// TrySplit attempts an element split at the given fraction of remaining
	// work, returning nil if no split occurred.
	TrySplit(fraction float64) (*SplitResult, error)
	// GetProgress returns the fraction of the current element's work that
	// has been completed, in [0,1].
	GetProgress() float64
}
