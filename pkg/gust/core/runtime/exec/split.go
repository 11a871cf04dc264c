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
	"math"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/sdf"
	"github.com/gustflow/gust/pkg/gust/core/typex"
	"github.com/gustflow/gust/pkg/gust/internal/errors"
)

// WindowedSplitResult holds the up-to-four roots a dynamic split produces
// from one element: the windows already fully processed stay with the
// primary, the current window may split into a primary and residual
// restriction, and the windows not yet begun become residual wholesale.
type WindowedSplitResult struct {
	PrimaryInFullyProcessedWindows *FullValue
	PrimarySplit                   *FullValue
	ResidualSplit                  *FullValue
	ResidualInUnprocessedWindows   *FullValue
}

// SplitResultsWithStopIndex pairs the windowed split roots (or a
// downstream element split from a split delegate) with the new stop index
// the processing loop must respect.
type SplitResultsWithStopIndex struct {
	Windowed     *WindowedSplitResult
	Downstream   *SplitResult
	NewStopIndex int
}

// watermarkAndState is an atomically captured estimator snapshot. The
// residual of an element split carries the captured state; the primary
// retains the pre-split state.
type watermarkAndState struct {
	Watermark mtime.Time
	State     any
}

// elementSplit is a successful restriction split from a tracker.
type elementSplit struct {
	Primary, Residual any
}

// restrictionPair builds the (restriction, estimator state) nesting that
// travels inside a splittable element.
func restrictionPair(restriction, state any) *FullValue {
	return &FullValue{Elm: restriction, Elm2: state}
}

// elementValue extracts the user value of the element under processing,
// keeping KV pairs whole.
func elementValue(elem *FullValue) any {
	if elem.Elm2 != nil {
		return &FullValue{Elm: elem.Elm, Elm2: elem.Elm2}
	}
	return elem.Elm
}

// computeWindowSplitResult slices the element's windows around a split:
// windows [0,toIndex) stay primary, windows [fromIndex,stopIndex) become
// residual, and an element split (if any) lands in the current window.
func computeWindowSplitResult(
	currentElement *FullValue,
	currentRestriction any,
	currentWindow typex.Window,
	windows []typex.Window,
	currentWatermarkEstimatorState any,
	toIndex, fromIndex, stopIndex int,
	split *elementSplit,
	wmState watermarkAndState,
) *WindowedSplitResult {
	primaryWindows := windows[:toIndex]
	residualWindows := windows[fromIndex:stopIndex]
	value := elementValue(currentElement)

	res := &WindowedSplitResult{}
	if len(primaryWindows) > 0 {
		res.PrimaryInFullyProcessedWindows = &FullValue{
			Elm:       value,
			Elm2:      restrictionPair(currentRestriction, currentWatermarkEstimatorState),
			Timestamp: currentElement.Timestamp,
			Windows:   primaryWindows,
			Pane:      currentElement.Pane,
		}
	}
	if split != nil {
		res.PrimarySplit = &FullValue{
			Elm:       value,
			Elm2:      restrictionPair(split.Primary, currentWatermarkEstimatorState),
			Timestamp: currentElement.Timestamp,
			Windows:   []typex.Window{currentWindow},
			Pane:      currentElement.Pane,
		}
		res.ResidualSplit = &FullValue{
			Elm:       value,
			Elm2:      restrictionPair(split.Residual, wmState.State),
			Timestamp: currentElement.Timestamp,
			Windows:   []typex.Window{currentWindow},
			Pane:      currentElement.Pane,
		}
	}
	if len(residualWindows) > 0 {
		res.ResidualInUnprocessedWindows = &FullValue{
			Elm:       value,
			Elm2:      restrictionPair(currentRestriction, currentWatermarkEstimatorState),
			Timestamp: currentElement.Timestamp,
			Windows:   residualWindows,
			Pane:      currentElement.Pane,
		}
	}
	return res
}

// computeSplitForProcess is the pure split decision. Given the position of
// processing within the element's windows and a fraction of the remaining
// work, it either moves the window stop index to a window boundary (split
// beyond the current window) or attempts an element-level split inside the
// current window via the tracker or the downstream split delegate.
//
// Exactly one of currentTracker and splitDelegate must be provided. A nil
// return means no split occurred.
func computeSplitForProcess(
	currentElement *FullValue,
	currentRestriction any,
	currentWindow typex.Window,
	windows []typex.Window,
	currentWatermarkEstimatorState any,
	fractionOfRemainder float64,
	currentTracker sdf.RTracker,
	splitDelegate SplitDelegate,
	wmState watermarkAndState,
	currentWindowIndex, stopWindowIndex int,
) (*SplitResultsWithStopIndex, error) {
	if (currentTracker != nil) == (splitDelegate != nil) {
		return nil, errors.Errorf("exactly one of tracker or split delegate expected: tracker %v, delegate %v",
			currentTracker, splitDelegate)
	}

	var windowedSplitResult *WindowedSplitResult
	var downstreamSplitResult *SplitResult
	newWindowStopIndex := stopWindowIndex

	if currentWindowIndex != stopWindowIndex-1 {
		// Not on the last live window: the split may land on the current
		// window or on a window boundary beyond it.
		var elementProgress Progress
		if currentTracker != nil {
			if p, ok := currentTracker.(sdf.HasProgress); ok {
				done, remaining := p.GetProgress()
				elementProgress = Progress{Completed: done, Remaining: remaining}
			} else {
				elementProgress = Progress{Completed: 0, Remaining: 1}
			}
		} else {
			completed := splitDelegate.GetProgress()
			elementProgress = Progress{Completed: completed, Remaining: 1 - completed}
		}
		scaledProgress := scaleProgress(elementProgress, currentWindowIndex, stopWindowIndex)
		scaledFractionOfRemainder := scaledProgress.Remaining * fractionOfRemainder

		// A fraction landing exactly on the end of the current window still
		// splits the element rather than the window boundary.
		if scaledFractionOfRemainder > elementProgress.Remaining {
			// The fraction is out of the current window: split at the closest
			// window boundary, keeping at least one window of residual.
			boundary := int64(1)
			total := elementProgress.Completed + elementProgress.Remaining
			if total > 0 {
				if r := int64(math.Round((elementProgress.Completed + scaledFractionOfRemainder) / total)); r > 1 {
					boundary = r
				}
			}
			newWindowStopIndex = currentWindowIndex + int(boundary)
			if newWindowStopIndex > stopWindowIndex-1 {
				newWindowStopIndex = stopWindowIndex - 1
			}
			windowedSplitResult = computeWindowSplitResult(
				currentElement, currentRestriction, currentWindow, windows,
				currentWatermarkEstimatorState,
				newWindowStopIndex, newWindowStopIndex, stopWindowIndex,
				nil, wmState)
		} else {
			// Split inside the current window with the rescaled fraction.
			var split *elementSplit
			if currentTracker != nil {
				var err error
				split, err = tryTrackerSplit(currentTracker, scaledFractionOfRemainder/elementProgress.Remaining)
				if err != nil {
					return nil, err
				}
			} else {
				var err error
				downstreamSplitResult, err = splitDelegate.TrySplit(scaledFractionOfRemainder)
				if err != nil {
					return nil, err
				}
			}
			newWindowStopIndex = currentWindowIndex + 1
			toIndex := currentWindowIndex
			if split == nil && downstreamSplitResult == nil {
				toIndex = newWindowStopIndex
			}
			windowedSplitResult = computeWindowSplitResult(
				currentElement, currentRestriction, currentWindow, windows,
				currentWatermarkEstimatorState,
				toIndex, newWindowStopIndex, stopWindowIndex,
				split, wmState)
		}
	} else {
		// On the last live window: attempt the element split with the given
		// fraction directly.
		var split *elementSplit
		if currentTracker != nil {
			var err error
			split, err = tryTrackerSplit(currentTracker, fractionOfRemainder)
			if err != nil {
				return nil, err
			}
		} else {
			var err error
			downstreamSplitResult, err = splitDelegate.TrySplit(fractionOfRemainder)
			if err != nil {
				return nil, err
			}
		}
		if split == nil && downstreamSplitResult == nil {
			return nil, nil
		}
		windowedSplitResult = computeWindowSplitResult(
			currentElement, currentRestriction, currentWindow, windows,
			currentWatermarkEstimatorState,
			currentWindowIndex, stopWindowIndex, stopWindowIndex,
			split, wmState)
	}
	return &SplitResultsWithStopIndex{
		Windowed:     windowedSplitResult,
		Downstream:   downstreamSplitResult,
		NewStopIndex: newWindowStopIndex,
	}, nil
}

// tryTrackerSplit asks the tracker for a restriction split, mapping the
// tracker's nil-nil answer to "no split".
func tryTrackerSplit(rt sdf.RTracker, fraction float64) (*elementSplit, error) {
	primary, residual, err := rt.TrySplit(fraction)
	if err != nil {
		return nil, errors.Wrap(err, "restriction tracker split failed")
	}
	if residual == nil {
		return nil, nil
	}
	return &elementSplit{Primary: primary, Residual: residual}, nil
}
