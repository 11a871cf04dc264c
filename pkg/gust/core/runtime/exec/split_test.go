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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/graph/window"
	"github.com/gustflow/gust/pkg/gust/core/typex"
	"github.com/gustflow/gust/pkg/gust/io/rtrackers/offsetrange"
)

// testTimestamp is a constant used to check that timestamps are retained.
const testTimestamp = mtime.Time(15)

// testWindows is a constant used to check that windows are retained.
var testWindows = []typex.Window{window.IntervalWindow{Start: 10, End: 20}}

// testMultiWindows is used for tests that care about multiple windows.
var testMultiWindows = []typex.Window{
	window.IntervalWindow{Start: 10, End: 20},
	window.IntervalWindow{Start: 11, End: 21},
	window.IntervalWindow{Start: 12, End: 22},
	window.IntervalWindow{Start: 13, End: 23},
}

// progressRTracker is an offset range tracker with directly settable
// progress, for exercising the split arithmetic.
type progressRTracker struct {
	offsetrange.Tracker
	done, remaining float64
}

func (rt *progressRTracker) GetProgress() (float64, float64) {
	return rt.done, rt.remaining
}

func newProgressRTracker(rest offsetrange.Restriction, done, remaining float64) *progressRTracker {
	rt := &progressRTracker{done: done, remaining: remaining}
	rt.Tracker = *offsetrange.NewTracker(rest)
	return rt
}

// halvingRTracker splits its restriction down the middle no matter the
// fraction, so split-structure tests are not hostage to rounding.
type halvingRTracker struct {
	progressRTracker
}

func (rt *halvingRTracker) TrySplit(float64) (any, any, error) {
	mid := (rt.Rest.Start + rt.Rest.End) / 2
	residual := offsetrange.Restriction{Start: mid, End: rt.Rest.End}
	rt.Rest.End = mid
	return rt.Rest, residual, nil
}

func splitElem(windows []typex.Window) *FullValue {
	return &FullValue{
		Elm:       1,
		Timestamp: testTimestamp,
		Windows:   windows,
		Pane:      typex.NoFiringPane(),
	}
}

func TestComputeSplitForProcess(t *testing.T) {
	wmState := watermarkAndState{Watermark: mtime.Time(20), State: "captured"}

	// Element in windows [W0, W1], tracker reporting (0, 1), split at 0.5
	// on the first window: the current window splits, and W1 becomes
	// residual wholesale.
	t.Run("SplitOnFirstOfTwoWindows", func(t *testing.T) {
		rt := &halvingRTracker{progressRTracker: *newProgressRTracker(offsetrange.Restriction{Start: 0, End: 4}, 0, 1)}
		windows := []typex.Window{testMultiWindows[0], testMultiWindows[1]}
		elem := splitElem(windows)
		got, err := computeSplitForProcess(elem, offsetrange.Restriction{Start: 0, End: 4}, windows[0], windows,
			"state", 0.5, rt, nil, wmState, 0, 2)
		if err != nil {
			t.Fatalf("computeSplitForProcess failed: %v", err)
		}
		if got == nil {
			t.Fatal("computeSplitForProcess returned no split")
		}
		if got.NewStopIndex != 1 {
			t.Errorf("new stop index: got %v, want 1", got.NewStopIndex)
		}
		if got.Windowed.PrimaryInFullyProcessedWindows != nil {
			t.Errorf("unexpected primary in fully processed windows: %v", got.Windowed.PrimaryInFullyProcessedWindows)
		}
		if got.Windowed.PrimarySplit == nil || got.Windowed.ResidualSplit == nil {
			t.Fatalf("expected an element split, got %+v", got.Windowed)
		}
		if !window.IsEqualList(got.Windowed.PrimarySplit.Windows, windows[0:1]) {
			t.Errorf("primary split windows: got %v, want %v", got.Windowed.PrimarySplit.Windows, windows[0:1])
		}
		if !window.IsEqualList(got.Windowed.ResidualSplit.Windows, windows[0:1]) {
			t.Errorf("residual split windows: got %v, want %v", got.Windowed.ResidualSplit.Windows, windows[0:1])
		}
		if got.Windowed.ResidualInUnprocessedWindows == nil {
			t.Fatal("expected a residual in unprocessed windows")
		}
		if !window.IsEqualList(got.Windowed.ResidualInUnprocessedWindows.Windows, windows[1:2]) {
			t.Errorf("residual unprocessed windows: got %v, want %v",
				got.Windowed.ResidualInUnprocessedWindows.Windows, windows[1:2])
		}
		// The residual of the element split carries the captured estimator
		// state; the primary keeps the pre-split state.
		if got.Windowed.ResidualSplit.Elm2.(*FullValue).Elm2 != "captured" {
			t.Errorf("residual split state: got %v, want captured", got.Windowed.ResidualSplit.Elm2.(*FullValue).Elm2)
		}
		if got.Windowed.PrimarySplit.Elm2.(*FullValue).Elm2 != "state" {
			t.Errorf("primary split state: got %v, want state", got.Windowed.PrimarySplit.Elm2.(*FullValue).Elm2)
		}
	})

	// Three windows, current window nearly complete: the scaled fraction
	// lands beyond the current window, so the split happens at a window
	// boundary with no element split, clamped to keep one residual window.
	t.Run("SplitBeyondCurrentWindow", func(t *testing.T) {
		rt := newProgressRTracker(offsetrange.Restriction{Start: 0, End: 4}, 0.9, 0.1)
		windows := []typex.Window{testMultiWindows[0], testMultiWindows[1], testMultiWindows[2]}
		elem := splitElem(windows)
		got, err := computeSplitForProcess(elem, offsetrange.Restriction{Start: 0, End: 4}, windows[0], windows,
			"state", 0.8, rt, nil, wmState, 0, 3)
		if err != nil {
			t.Fatalf("computeSplitForProcess failed: %v", err)
		}
		if got == nil {
			t.Fatal("computeSplitForProcess returned no split")
		}
		// scaledRemaining = 2.1*0.8 = 1.68 >= 0.1, and
		// round((0.9+1.68)/1.0) = 3 clamps to stop-1 = 2.
		if got.NewStopIndex != 2 {
			t.Errorf("new stop index: got %v, want 2", got.NewStopIndex)
		}
		if got.Windowed.PrimarySplit != nil || got.Windowed.ResidualSplit != nil {
			t.Errorf("unexpected element split: %+v", got.Windowed)
		}
		if !window.IsEqualList(got.Windowed.PrimaryInFullyProcessedWindows.Windows, windows[0:2]) {
			t.Errorf("primary windows: got %v, want %v", got.Windowed.PrimaryInFullyProcessedWindows.Windows, windows[0:2])
		}
		if !window.IsEqualList(got.Windowed.ResidualInUnprocessedWindows.Windows, windows[2:3]) {
			t.Errorf("residual windows: got %v, want %v", got.Windowed.ResidualInUnprocessedWindows.Windows, windows[2:3])
		}
	})

	// On the last live window the fraction applies directly, and a tracker
	// with nothing left to split yields no split at all.
	t.Run("LastWindowNoSplit", func(t *testing.T) {
		rest := offsetrange.Restriction{Start: 0, End: 4}
		rt := offsetrange.NewTracker(rest)
		for pos := int64(0); rt.TryClaim(pos); pos++ {
		}
		elem := splitElem(testWindows)
		got, err := computeSplitForProcess(elem, rest, testWindows[0], testWindows,
			"state", 0.5, rt, nil, wmState, 0, 1)
		if err != nil {
			t.Fatalf("computeSplitForProcess failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected no split on a finished tracker, got %+v", got)
		}
	})

	t.Run("LastWindowElementSplit", func(t *testing.T) {
		rest := offsetrange.Restriction{Start: 0, End: 4}
		rt := offsetrange.NewTracker(rest)
		if !rt.TryClaim(int64(0)) {
			t.Fatal("claim failed")
		}
		elem := splitElem(testWindows)
		got, err := computeSplitForProcess(elem, rest, testWindows[0], testWindows,
			"state", 0.5, rt, nil, wmState, 0, 1)
		if err != nil {
			t.Fatalf("computeSplitForProcess failed: %v", err)
		}
		if got == nil || got.Windowed.ResidualSplit == nil {
			t.Fatalf("expected an element split, got %+v", got)
		}
		if got.NewStopIndex != 1 {
			t.Errorf("new stop index: got %v, want 1", got.NewStopIndex)
		}
		prim := got.Windowed.ResidualSplit.Elm2.(*FullValue).Elm.(offsetrange.Restriction)
		if prim.End != rest.End {
			t.Errorf("residual restriction end: got %v, want %v", prim.End, rest.End)
		}
	})

	t.Run("TrackerAndDelegateExclusive", func(t *testing.T) {
		elem := splitElem(testWindows)
		if _, err := computeSplitForProcess(elem, nil, testWindows[0], testWindows,
			nil, 0.5, nil, nil, wmState, 0, 1); err == nil {
			t.Error("expected an error with neither tracker nor delegate")
		}
	})
}

// TestSplitWindowPartition checks that for any fraction the roots of a
// split partition the element's original window set with no duplicates.
func TestSplitWindowPartition(t *testing.T) {
	for _, frac := range []float64{0.01, 0.125, 0.25, 0.5, 0.75, 1.0} {
		rt := newProgressRTracker(offsetrange.Restriction{Start: 0, End: 4}, 1, 1)
		elem := splitElem(testMultiWindows)
		got, err := computeSplitForProcess(elem, offsetrange.Restriction{Start: 0, End: 4},
			testMultiWindows[1], testMultiWindows, "state", frac, rt, nil,
			watermarkAndState{Watermark: mtime.MinTimestamp}, 1, 4)
		if err != nil {
			t.Fatalf("computeSplitForProcess(%v) failed: %v", frac, err)
		}
		if got == nil {
			t.Fatalf("computeSplitForProcess(%v) returned no split", frac)
		}
		var union []typex.Window
		if w := got.Windowed.PrimaryInFullyProcessedWindows; w != nil {
			union = append(union, w.Windows...)
		}
		if w := got.Windowed.PrimarySplit; w != nil {
			union = append(union, w.Windows...)
		} else if got.Windowed.PrimaryInFullyProcessedWindows == nil ||
			len(got.Windowed.PrimaryInFullyProcessedWindows.Windows) < got.NewStopIndex {
			// The current window stayed primary without an element split.
			union = append(union, testMultiWindows[1])
		}
		if w := got.Windowed.ResidualInUnprocessedWindows; w != nil {
			union = append(union, w.Windows...)
		}
		// The residual-split window duplicates the primary-split window by
		// construction, so it is not part of the union.
		if diff := cmp.Diff(testMultiWindows, union); diff != "" {
			t.Errorf("split at %v does not partition windows (-want, +got):\n%v", frac, diff)
		}
	}
}
