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

// Package sdf contains the interfaces between splittable user transforms
// and the runtime: restriction trackers, watermark estimators, and process
// continuations.
package sdf

// RTracker is an interface used to interact with restrictions while
// processing splittable elements. Each implementation of RTracker is
// expected to track a single restriction type, which is the type used to
// create the RTracker, and output by TrySplit.
type RTracker interface {
	// TryClaim attempts to claim the block of work in the current restriction
	// located at a given position. This method must be used inside the user
	// process-element hook to claim work before performing it. If the claim
	// is successful, the hook must process the entire block. If the claim is
	// unsuccessful the hook must return without performing any additional
	// work or emitting any outputs.
	//
	// Claims must be monotonically increasing in reference to the
	// restriction's start and end points, and every block of work in a
	// restriction must be claimed.
	TryClaim(pos any) (ok bool)

	// GetError returns the error that made this RTracker stop executing, or
	// nil if no error occurred.
	GetError() error

	// TrySplit splits the current restriction into a primary and residual
	// based on a fraction of the work remaining. The split is performed at
	// the first valid split point located after the given fraction of the
	// remainder.
	//
	// The current restriction's endpoint is modified to turn it into the
	// primary, and the residual is returned. If no valid split point exists,
	// the returned residual is nil, with no error, and the current
	// restriction is left unchanged.
	TrySplit(fraction float64) (primary, residual any, err error)

	// GetRestriction returns the restriction this tracker is tracking.
	GetRestriction() any

	// IsDone returns whether all blocks inside the restriction have been
	// claimed. The runtime validates with this that a splittable transform
	// has processed all work in a restriction before moving on.
	IsDone() bool
}

// HasProgress is an optional interface for RTrackers that can report the
// amount of work done and remaining. The two values are abstract scalars
// with no specific units; they only need to be self-consistent.
//
// Trackers without it are treated by the runtime as having made no
// progress through a unit of unknown size.
type HasProgress interface {
	// GetProgress returns two abstract scalars representing the amount of
	// done and remaining work.
	GetProgress() (done, remaining float64)
}
