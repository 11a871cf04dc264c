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

// ClaimObserver is notified of the outcome of every TryClaim call made on
// an observed tracker. Callbacks run on the thread that called TryClaim.
type ClaimObserver interface {
	// OnClaimed is called when TryClaim returns true for a position.
	OnClaimed(pos any)
	// OnClaimFailed is called when TryClaim returns false for a position.
	OnClaimFailed(pos any)
}

// Observe wraps a tracker so that the given observer sees every claim
// outcome. The returned tracker reports progress iff the wrapped one does.
func Observe(rt RTracker, obs ClaimObserver) RTracker {
	if _, ok := rt.(HasProgress); ok {
		return &observedWithProgress{observed{Rt: rt, obs: obs}}
	}
	return &observed{Rt: rt, obs: obs}
}

type observed struct {
	Rt  RTracker
	obs ClaimObserver
}

func (o *observed) TryClaim(pos any) bool {
	ok := o.Rt.TryClaim(pos)
	if ok {
		o.obs.OnClaimed(pos)
	} else {
		o.obs.OnClaimFailed(pos)
	}
	return ok
}

func (o *observed) GetError() error {
	return o.Rt.GetError()
}

func (o *observed) TrySplit(fraction float64) (any, any, error) {
	return o.Rt.TrySplit(fraction)
}

func (o *observed) GetRestriction() any {
	return o.Rt.GetRestriction()
}

func (o *observed) IsDone() bool {
	return o.Rt.IsDone()
}

type observedWithProgress struct {
	observed
}

func (o *observedWithProgress) GetProgress() (float64, float64) {
	return o.Rt.(HasProgress).GetProgress()
}
