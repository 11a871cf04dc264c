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
	"sync"
	"sync/atomic"
	"time"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/sdf"
	"github.com/gustflow/gust/pkg/gust/core/timers"
	"github.com/gustflow/gust/pkg/gust/core/typex"
	"github.com/gustflow/gust/pkg/gust/internal/errors"
	"github.com/gustflow/gust/pkg/gust/log"
	"github.com/gustflow/gust/pkg/gust/util/errorx"
)

// Status is the lifecycle state of a TransformRunner.
type Status int

const (
	// Up is a runner ready to start a bundle.
	Up Status = iota
	// Active is a runner with a bundle in flight.
	Active
	// Broken is a runner that failed and will not process further bundles.
	Broken
	// Down is a runner that has been torn down.
	Down
)

func (s Status) String() string {
	switch s {
	case Up:
		return "Up"
	case Active:
		return "Active"
	case Broken:
		return "Broken"
	default:
		return "Down"
	}
}

// RunnerConfig wires one user transform instance to its host: downstream
// consumers, state and side input accessors, split listener, timer sinks
// and the coders the runner needs for timers and split roots. All fields
// are capabilities owned by the host.
type RunnerConfig struct {
	TransformID string
	MainInputID string
	// MainOutput is the local name of the transform's main output; it must
	// name a registered output receiver. Outputs are routed only by the tag
	// user code passes when emitting.
	MainOutput string
	// OutputIDs are the wire output ids of the transform, used to build the
	// output watermark maps of residuals.
	OutputIDs []string

	Fn      UserFnDescriptor
	Invoker Invoker

	Consumers  map[string]Receiver
	State      StateAccessor
	SideInputs SideInputAccessor
	Splits     SplitListener
	Finalizer  BundleFinalizer
	TimerSinks map[string]TimerReceiver

	// KeyCoder and WindowCoder bucket timer modifications per key and
	// window. Required iff timer families are declared.
	KeyCoder    ElementEncoder
	WindowCoder WindowEncoder
	// FullInputCoder encodes split roots, value and window alike. Required
	// for splittable transforms.
	FullInputCoder FullValueCoder

	// Monitoring short ids registered by the host for progress snapshots.
	WorkCompletedShortID string
	WorkRemainingShortID string
}

// TransformRunner drives one user transform instance over the lifetime of
// a bundle. All processing happens on a single worker thread; GetProgress
// and TrySplit may be called concurrently from the bundle control thread.
type TransformRunner struct {
	transformID          string
	mainInputID          string
	mainOutput           string
	outputIDs            []string
	fn                   UserFnDescriptor
	invoker              Invoker
	consumers            map[string]Receiver
	state                StateAccessor
	sideInputs           SideInputAccessor
	splits               SplitListener
	finalizer            BundleFinalizer
	timerSinks           map[string]TimerReceiver
	fullInputCoder       FullValueCoder
	workCompletedShortID string
	workRemainingShortID string
	allowedTimestampSkew time.Duration
	allowedLateness      time.Duration

	// timerTracker buffers this bundle's timer modifications. Only touched
	// from the processing thread. Nil when no timer families are declared.
	timerTracker *timerBundleTracker

	status       Status
	errGuard     errorx.GuardedError
	bundleID     string
	elementCount int64
	bundleStart  time.Time
	invokeCtx    context.Context

	startCtx, processCtx, timerCtx, expirationCtx, finishCtx *Context

	// splitLock serializes installation and teardown of the per-window
	// processing state against the concurrent split and progress path. It
	// must never be held while user processing code runs.
	splitLock sync.Mutex

	currentElement *FullValue
	currentKey     any
	currentWindows []typex.Window
	// windowCurrentIndex and windowStopIndex bound the live windows of the
	// current splittable element; windowCurrentIndex is -1 and
	// windowStopIndex 0 outside processing.
	windowCurrentIndex int
	windowStopIndex    int

	currentRestriction             any
	currentWatermarkEstimatorState any
	currentWindow                  typex.Window
	currentTracker                 sdf.RTracker
	currentTrackerClaimed          *atomic.Bool
	currentWatermarkEstimator      *sdf.ThreadSafeEstimator
	initialWatermark               mtime.Time

	currentTimer      *timers.TimerRecord
	currentTimeDomain timers.TimeDomain
}

// NewTransformRunner validates the configuration and builds a runner in
// the Up state. Malformed configuration fails fast.
func NewTransformRunner(cfg RunnerConfig) (*TransformRunner, error) {
	if cfg.Invoker == nil {
		return nil, errors.Errorf("transform %v: no invoker provided", cfg.TransformID)
	}
	if _, ok := cfg.Consumers[cfg.MainOutput]; !ok {
		return nil, errors.Errorf("transform %v: unknown main output tag %q", cfg.TransformID, cfg.MainOutput)
	}
	if cfg.Fn.Splittable {
		if cfg.FullInputCoder == nil {
			return nil, errors.Errorf("transform %v: splittable transform requires the full input coder", cfg.TransformID)
		}
		if cfg.Splits == nil {
			return nil, errors.Errorf("transform %v: splittable transform requires a split listener", cfg.TransformID)
		}
	}
	r := &TransformRunner{
		transformID:          cfg.TransformID,
		mainInputID:          cfg.MainInputID,
		mainOutput:           cfg.MainOutput,
		outputIDs:            cfg.OutputIDs,
		fn:                   cfg.Fn,
		invoker:              cfg.Invoker,
		consumers:            cfg.Consumers,
		state:                cfg.State,
		sideInputs:           cfg.SideInputs,
		splits:               cfg.Splits,
		finalizer:            cfg.Finalizer,
		timerSinks:           cfg.TimerSinks,
		fullInputCoder:       cfg.FullInputCoder,
		workCompletedShortID: cfg.WorkCompletedShortID,
		workRemainingShortID: cfg.WorkRemainingShortID,
		allowedTimestampSkew: cfg.Fn.AllowedTimestampSkew,
		allowedLateness:      cfg.Fn.AllowedLateness,
		status:               Up,
		windowCurrentIndex:   -1,
	}
	if len(cfg.Fn.TimerFamilies) > 0 {
		if !cfg.Fn.Keyed {
			return nil, errors.Errorf("transform %v: timers require a keyed main input", cfg.TransformID)
		}
		if cfg.KeyCoder == nil || cfg.WindowCoder == nil {
			return nil, errors.Errorf("transform %v: timers require key and window coders", cfg.TransformID)
		}
		for name, domain := range cfg.Fn.TimerFamilies {
			if domain != timers.TimeDomainEventTime && domain != timers.TimeDomainProcessingTime {
				return nil, errors.Errorf("transform %v: timer family %q has unknown or unsupported time domain %v",
					cfg.TransformID, name, domain)
			}
			if _, ok := cfg.TimerSinks[name]; !ok {
				return nil, errors.Errorf("transform %v: no outbound timer sink for %q", cfg.TransformID, name)
			}
		}
		r.timerTracker = newTimerBundleTracker(cfg.KeyCoder, cfg.WindowCoder)
	}
	r.startCtx = &Context{r: r, phase: PhaseStartBundle}
	r.processCtx = &Context{r: r, phase: PhaseProcessElement}
	r.timerCtx = &Context{r: r, phase: PhaseOnTimer}
	r.expirationCtx = &Context{r: r, phase: PhaseOnWindowExpiration}
	r.finishCtx = &Context{r: r, phase: PhaseFinishBundle}
	return r, nil
}

// StartBundle invokes the user start-bundle hook. No element context
// exists yet.
func (r *TransformRunner) StartBundle(ctx context.Context, bundleID string) error {
	if r.status != Up {
		return errors.Errorf("invalid status for transform %v: %v, want Up", r.transformID, r.status)
	}
	r.status = Active
	r.bundleID = bundleID
	r.elementCount = 0
	r.bundleStart = time.Now()
	r.invokeCtx = ctx
	if r.timerTracker != nil {
		r.timerTracker.reset()
	}
	if r.fn.HasStartBundle {
		err := callNoPanic(ctx, func(ctx context.Context) error {
			return r.invoker.StartBundle(ctx, r.startCtx)
		})
		if err != nil {
			return r.fail(wrapUserCode(err))
		}
	}
	return nil
}

// ProcessElement dispatches one element to the strategy the transform
// shape requires: plain invocation, one invocation per window, or the
// splittable restriction loop.
func (r *TransformRunner) ProcessElement(ctx context.Context, elem *FullValue) error {
	if r.status != Active {
		return errors.Errorf("invalid status for transform %v: %v, want Active", r.transformID, r.status)
	}
	r.invokeCtx = ctx
	r.elementCount++
	switch {
	case r.fn.Splittable:
		// The splittable path is always window observing in this build.
		return r.processSizedElementAndRestriction(ctx, elem)
	case r.fn.ObservesWindows:
		return r.processElementPerWindow(ctx, elem)
	default:
		return r.processElementOnce(ctx, elem)
	}
}

func (r *TransformRunner) processElementOnce(ctx context.Context, elem *FullValue) error {
	r.currentElement = elem
	defer func() {
		r.currentElement = nil
	}()
	if _, err := r.invokeProcessElement(ctx); err != nil {
		return r.fail(err)
	}
	return nil
}

func (r *TransformRunner) processElementPerWindow(ctx context.Context, elem *FullValue) error {
	r.currentElement = elem
	defer func() {
		r.currentElement = nil
		r.currentWindow = nil
	}()
	for _, w := range elem.Windows {
		r.currentWindow = w
		if _, err := r.invokeProcessElement(ctx); err != nil {
			return r.fail(err)
		}
	}
	return nil
}

// claimObserver lazily raises the was-ever-claimed flag read by the
// concurrent checkpoint guard.
type claimObserver struct {
	claimed *atomic.Bool
}

func (o claimObserver) OnClaimed(pos any)     { o.claimed.Store(true) }
func (o claimObserver) OnClaimFailed(pos any) {}

// processSizedElementAndRestriction drives the splittable loop of spec'd
// behavior: per live window it installs a fresh tracker and estimator
// under the split lock, invokes the user hook outside the lock, and
// handles the continuation by self-checkpointing through the split
// listener.
func (r *TransformRunner) processSizedElementAndRestriction(ctx context.Context, elem *FullValue) error {
	sized, ok := elem.Elm.(*FullValue)
	if !ok {
		return r.fail(errors.Errorf("transform %v: malformed sized element %v: no (value, restriction) pair", r.transformID, elem))
	}
	pair, ok := sized.Elm2.(*FullValue)
	if !ok {
		return r.fail(errors.Errorf("transform %v: malformed sized element %v: no (restriction, estimator state) pair", r.transformID, elem))
	}

	// The element exposed to user code carries the user value with the
	// element's timestamp, windows and pane.
	if kv, ok := sized.Elm.(*FullValue); ok {
		r.currentElement = &FullValue{Elm: kv.Elm, Elm2: kv.Elm2, Timestamp: elem.Timestamp, Windows: elem.Windows, Pane: elem.Pane}
	} else {
		r.currentElement = elem.withValue(sized.Elm)
	}
	r.windowCurrentIndex = -1
	r.windowStopIndex = len(elem.Windows)
	r.currentWindows = append([]typex.Window(nil), elem.Windows...)

	for {
		r.splitLock.Lock()
		r.windowCurrentIndex++
		if r.windowCurrentIndex >= r.windowStopIndex {
			// Careful to reset the split state under the same lock hold.
			r.windowCurrentIndex = -1
			r.windowStopIndex = 0
			r.currentElement = nil
			r.currentWindows = nil
			r.currentRestriction = nil
			r.currentWatermarkEstimatorState = nil
			r.currentWindow = nil
			r.currentTracker = nil
			r.currentTrackerClaimed = nil
			r.currentWatermarkEstimator = nil
			r.initialWatermark = 0
			r.splitLock.Unlock()
			return nil
		}
		r.currentRestriction = pair.Elm
		r.currentWatermarkEstimatorState = pair.Elm2
		r.currentWindow = r.currentWindows[r.windowCurrentIndex]
		claimed := &atomic.Bool{}
		r.currentTrackerClaimed = claimed

		tracker, err := r.invoker.NewTracker(ctx, r.processCtx)
		if err != nil {
			r.splitLock.Unlock()
			return r.fail(wrapUserCode(err))
		}
		r.currentTracker = sdf.Observe(tracker, claimObserver{claimed: claimed})

		estimator, err := r.invoker.NewWatermarkEstimator(ctx, r.processCtx)
		if err != nil {
			r.splitLock.Unlock()
			return r.fail(wrapUserCode(err))
		}
		r.currentWatermarkEstimator = sdf.ThreadSafe(estimator)
		r.initialWatermark, _ = r.currentWatermarkEstimator.WatermarkAndState()
		r.splitLock.Unlock()

		// The split lock must not be held while user code runs, so that
		// concurrent splits stay responsive.
		continuation, err := r.invokeProcessElement(ctx)
		if err != nil {
			return r.fail(err)
		}
		if !continuation.ShouldResume() {
			// All the work must be done if the user does not resume.
			if err := r.checkDone(); err != nil {
				return r.fail(err)
			}
			continue
		}

		// Attempt to checkpoint the current restriction. The claim guard is
		// waived: the user explicitly asked to resume.
		split, err := r.trySplitForElementAndRestriction(ctx, 0, continuation.ResumeDelay(), false)
		if err != nil {
			return r.fail(err)
		}
		if split == nil {
			// Either the user unknowingly claimed the last block, or a
			// concurrent split already took the remainder. The restriction
			// must be done either way.
			if err := r.checkDone(); err != nil {
				return r.fail(err)
			}
			continue
		}
		r.splits.Split(split.PrimaryRoots, split.ResidualRoots)
	}
}

func (r *TransformRunner) invokeProcessElement(ctx context.Context) (sdf.ProcessContinuation, error) {
	var continuation sdf.ProcessContinuation
	err := callNoPanic(ctx, func(ctx context.Context) error {
		var err error
		continuation, err = r.invoker.ProcessElement(ctx, r.processCtx)
		return err
	})
	if err != nil {
		return continuation, wrapUserCode(err)
	}
	return continuation, nil
}

// checkDone validates that the tracker finished its restriction.
func (r *TransformRunner) checkDone() error {
	if r.currentTracker.IsDone() {
		return nil
	}
	if err := r.currentTracker.GetError(); err != nil {
		return errors.Wrapf(err, "transform %v: restriction not done", r.transformID)
	}
	return errors.Errorf("transform %v: process returned without resuming but the restriction is not done", r.transformID)
}

// ProcessTimer fires a delivered timer record for the named timer family
// in the given domain. Timers this bundle has scheduled at or before the
// delivered fire timestamp are fired inline first, with tombstones
// recorded so the runner's later redelivery of them is recognized as
// cleared. A delivered timer superseded by a newer in-bundle modification
// is not fired.
func (r *TransformRunner) ProcessTimer(ctx context.Context, localName string, domain timers.TimeDomain, rec *timers.TimerRecord) error {
	if r.status != Active {
		return errors.Errorf("invalid status for transform %v: %v, want Active", r.transformID, r.status)
	}
	if r.timerTracker == nil {
		return errors.Errorf("transform %v declares no timer families; cannot fire %q", r.transformID, localName)
	}
	if _, ok := r.fn.TimerFamilies[localName]; !ok {
		return errors.Errorf("transform %v: unknown timer family %q", r.transformID, localName)
	}
	r.invokeCtx = ctx
	defer func() {
		r.currentKey = nil
		r.currentTimer = nil
		r.currentTimeDomain = timers.TimeDomainUnspecified
		r.currentWindow = nil
	}()
	r.currentKey = rec.UserKey

	for _, w := range rec.Windows {
		r.currentWindow = w
		bucket, err := r.timerTracker.bucket(rec.UserKey, w)
		if err != nil {
			return r.fail(err)
		}
		firedInline := map[timerKey]bool{}
		if bucket != nil {
			for {
				queued := bucket.popEarlierOrEqual(domain, rec.FireTimestamp)
				if queued == nil {
					break
				}
				if bucket.isSuperseded(queued.key, queued.record) {
					continue
				}
				timerID := queued.key.familyOrID
				familyID := ""
				if queued.record.Tag != "" {
					timerID = queued.record.Tag
					familyID = queued.key.familyOrID
				}
				// The runner doesn't know this timer fired inline; without the
				// tombstone it would deliver it again. Inserted before firing
				// so a looping timer that re-sets itself wins over the
				// tombstone.
				bucket.tombstone(queued.key, queued.record)
				firedInline[queued.key] = true
				if err := r.fireTimer(ctx, timerID, familyID, queued.domain, queued.record); err != nil {
					return r.fail(err)
				}
			}
		}

		delivered := *rec
		delivered.Windows = []typex.Window{w}
		key := timerKey{familyOrID: localName, tag: rec.Tag}
		if bucket != nil && bucket.isSuperseded(key, delivered) {
			// An inline-fire tombstone guards against redelivery of the
			// fired version; it does not supersede this delivery. Anything
			// else -- a newer set, or a user clear -- does.
			if !firedInline[key] || !bucket.modified[key].Clear {
				continue
			}
		}
		timerID, familyID := localName, ""
		if timers.IsFamily(localName) {
			timerID, familyID = "", localName
		}
		if err := r.fireTimer(ctx, timerID, familyID, domain, delivered); err != nil {
			return r.fail(err)
		}
	}
	return nil
}

func (r *TransformRunner) fireTimer(ctx context.Context, timerID, familyID string, domain timers.TimeDomain, rec timers.TimerRecord) error {
	r.currentTimer = &rec
	r.currentTimeDomain = domain
	err := callNoPanic(ctx, func(ctx context.Context) error {
		return r.invoker.OnTimer(ctx, timerID, familyID, r.timerCtx)
	})
	if err != nil {
		return wrapUserCode(err)
	}
	return nil
}

// ProcessOnWindowExpiration runs the user on-window-expiration hook once
// per window of the expiration record, exposing the record's hold
// timestamp and pane.
func (r *TransformRunner) ProcessOnWindowExpiration(ctx context.Context, rec *timers.TimerRecord) error {
	if r.status != Active {
		return errors.Errorf("invalid status for transform %v: %v, want Active", r.transformID, r.status)
	}
	if !r.fn.HasOnWindowExpiration {
		return errors.Errorf("transform %v has no on-window-expiration hook", r.transformID)
	}
	r.invokeCtx = ctx
	defer func() {
		r.currentKey = nil
		r.currentTimer = nil
		r.currentWindow = nil
	}()
	r.currentKey = rec.UserKey
	r.currentTimer = rec
	for _, w := range rec.Windows {
		r.currentWindow = w
		err := callNoPanic(ctx, func(ctx context.Context) error {
			return r.invoker.OnWindowExpiration(ctx, r.expirationCtx)
		})
		if err != nil {
			return r.fail(wrapUserCode(err))
		}
	}
	return nil
}

// FinishBundle invokes the user finish-bundle hook, flushes the bundle's
// buffered timers, and finalizes state, in that order.
func (r *TransformRunner) FinishBundle(ctx context.Context) error {
	if r.status != Active {
		return errors.Errorf("invalid status for transform %v: %v, want Active", r.transformID, r.status)
	}
	r.status = Up
	r.invokeCtx = ctx
	if r.fn.HasFinishBundle {
		err := callNoPanic(ctx, func(ctx context.Context) error {
			return r.invoker.FinishBundle(ctx, r.finishCtx)
		})
		if err != nil {
			return r.fail(wrapUserCode(err))
		}
	}
	if r.timerTracker != nil {
		if err := r.timerTracker.outputTimers(ctx, func(familyOrID string) TimerReceiver {
			return r.timerSinks[familyOrID]
		}); err != nil {
			return r.fail(err)
		}
		r.timerTracker.reset()
	}
	if r.state != nil {
		if err := r.state.Finalize(); err != nil {
			return r.fail(errors.Wrapf(err, "transform %v: state finalization failed", r.transformID))
		}
	}
	log.Infof(ctx, "transform %v: bundle %v processed %d elements in %v",
		r.transformID, r.bundleID, r.elementCount, time.Since(r.bundleStart))
	return nil
}

// TearDown invokes the user teardown hook. It must be called exactly once
// per runner lifetime; a second call is an error.
func (r *TransformRunner) TearDown(ctx context.Context) error {
	if r.status == Down {
		return errors.Errorf("invalid status for transform %v: teardown already complete", r.transformID)
	}
	r.status = Down
	if r.fn.HasTeardown {
		err := callNoPanic(ctx, func(ctx context.Context) error {
			return r.invoker.Teardown(ctx)
		})
		if err != nil {
			r.errGuard.TrySetError(wrapUserCode(err))
		}
	}
	return r.errGuard.Error()
}

// GetProgress snapshots the scaled progress of the element under
// processing. It may be called concurrently with element processing; when
// called between elements, or when the tracker does not report progress,
// it returns nil.
func (r *TransformRunner) GetProgress() *Progress {
	r.splitLock.Lock()
	defer r.splitLock.Unlock()
	p, ok := r.currentTracker.(sdf.HasProgress)
	if !ok || r.currentWindow == nil {
		return nil
	}
	done, remaining := p.GetProgress()
	scaled := scaleProgress(Progress{Completed: done, Remaining: remaining}, r.windowCurrentIndex, r.windowStopIndex)
	return &scaled
}

// ElementProgress reports the fraction of the current element's work that
// has completed, for downstream split delegation.
func (r *TransformRunner) ElementProgress() float64 {
	if p := r.GetProgress(); p != nil {
		if total := p.Completed + p.Remaining; total > 0 {
			return p.Completed / total
		}
	}
	return 0
}

// MonitoringData fills the encoded progress snapshot of the current
// element under the host-registered short ids. The per-bundle monitoring
// callback invokes this on progress requests.
func (r *TransformRunner) MonitoringData(mon map[string][]byte) {
	p := r.GetProgress()
	if p == nil {
		return
	}
	if r.workCompletedShortID != "" {
		mon[r.workCompletedShortID] = EncodeProgress(p.Completed)
	}
	if r.workRemainingShortID != "" {
		mon[r.workRemainingShortID] = EncodeProgress(p.Remaining)
	}
}

// TrySplit attempts a dynamic split at the given fraction of remaining
// work on behalf of the runner. It may be called concurrently with
// element processing; between elements it returns nil.
func (r *TransformRunner) TrySplit(ctx context.Context, fraction float64) (*SplitResult, error) {
	return r.trySplitForElementAndRestriction(ctx, fraction, 0, true)
}

// trySplitForElementAndRestriction computes and commits a split of the
// element under processing. With requireClaim set, a checkpoint request
// (fraction zero) on a tracker that has never observed a successful claim
// returns nil, so a zero-work checkpoint cannot ship the entire
// restriction back as residual.
func (r *TransformRunner) trySplitForElementAndRestriction(ctx context.Context, fraction float64, resumeDelay time.Duration, requireClaim bool) (*SplitResult, error) {
	windowed, downstream, wmState, initialWatermark, err := r.computeAndCommitSplit(ctx, fraction, requireClaim)
	if err != nil || (windowed == nil && downstream == nil) {
		return nil, err
	}
	// Encoding the roots does not need the split lock; the committed stop
	// index already protects the loop.
	return constructSplitResult(windowed, downstream, r.fullInputCoder, initialWatermark, wmState,
		r.transformID, r.mainInputID, r.outputIDs, resumeDelay)
}

func (r *TransformRunner) computeAndCommitSplit(ctx context.Context, fraction float64, requireClaim bool) (*WindowedSplitResult, *SplitResult, watermarkAndState, mtime.Time, error) {
	r.splitLock.Lock()
	defer r.splitLock.Unlock()
	var none watermarkAndState
	// There is nothing to split between element and restriction processing.
	if r.currentTracker == nil {
		return nil, nil, none, 0, nil
	}
	// A checkpoint on a tracker that never claimed won't meaningfully
	// advance; report nothing to split.
	if fraction == 0 && requireClaim && r.currentTrackerClaimed != nil && !r.currentTrackerClaimed.Load() {
		return nil, nil, none, 0, nil
	}
	// Capture the output watermark before slicing so the lower bound
	// applies to the residual.
	wm, state := r.currentWatermarkEstimator.WatermarkAndState()
	wmState := watermarkAndState{Watermark: wm, State: state}
	split, err := computeSplitForProcess(
		r.currentElement, r.currentRestriction, r.currentWindow, r.currentWindows,
		r.currentWatermarkEstimatorState, fraction, r.currentTracker, nil,
		wmState, r.windowCurrentIndex, r.windowStopIndex)
	if err != nil {
		return nil, nil, none, 0, err
	}
	if split == nil {
		return nil, nil, none, 0, nil
	}
	r.windowStopIndex = split.NewStopIndex
	sized, err := r.calculateRestrictionSizes(ctx, split.Windowed)
	if err != nil {
		return nil, nil, none, 0, err
	}
	return sized, split.Downstream, wmState, r.initialWatermark, nil
}

// calculateRestrictionSizes pairs each present split root with the size
// hint of its restriction, producing the sized-element form
// ((value, (restriction, state)), size).
func (r *TransformRunner) calculateRestrictionSizes(ctx context.Context, windowed *WindowedSplitResult) (*WindowedSplitResult, error) {
	if windowed == nil {
		return nil, nil
	}
	var fullSize, primarySize, residualSize float64
	var err error
	if windowed.PrimaryInFullyProcessedWindows != nil || windowed.ResidualInUnprocessedWindows != nil {
		if fullSize, err = r.invokeGetSize(ctx, r.currentRestriction); err != nil {
			return nil, err
		}
	}
	if windowed.PrimarySplit != nil {
		if primarySize, err = r.invokeGetSize(ctx, windowed.PrimarySplit.Elm2.(*FullValue).Elm); err != nil {
			return nil, err
		}
	}
	if windowed.ResidualSplit != nil {
		if residualSize, err = r.invokeGetSize(ctx, windowed.ResidualSplit.Elm2.(*FullValue).Elm); err != nil {
			return nil, err
		}
	}
	return &WindowedSplitResult{
		PrimaryInFullyProcessedWindows: sizedRoot(windowed.PrimaryInFullyProcessedWindows, fullSize),
		PrimarySplit:                   sizedRoot(windowed.PrimarySplit, primarySize),
		ResidualSplit:                  sizedRoot(windowed.ResidualSplit, residualSize),
		ResidualInUnprocessedWindows:   sizedRoot(windowed.ResidualInUnprocessedWindows, fullSize),
	}, nil
}

// sizedRoot wraps a split root into its sized-element form.
func sizedRoot(root *FullValue, size float64) *FullValue {
	if root == nil {
		return nil
	}
	return &FullValue{
		Elm:       &FullValue{Elm: root.Elm, Elm2: root.Elm2},
		Elm2:      size,
		Timestamp: root.Timestamp,
		Windows:   root.Windows,
		Pane:      root.Pane,
	}
}

// invokeGetSize asks the user transform to size the given restriction. A
// fresh tracker over that restriction is installed for the duration of
// the call.
func (r *TransformRunner) invokeGetSize(ctx context.Context, restriction any) (float64, error) {
	savedRestriction := r.currentRestriction
	savedTracker := r.currentTracker
	defer func() {
		r.currentRestriction = savedRestriction
		r.currentTracker = savedTracker
	}()
	r.currentRestriction = restriction
	var size float64
	err := callNoPanic(ctx, func(ctx context.Context) error {
		tracker, err := r.invoker.NewTracker(ctx, r.processCtx)
		if err != nil {
			return err
		}
		r.currentTracker = tracker
		size, err = r.invoker.GetSize(ctx, r.processCtx)
		return err
	})
	if err != nil {
		return 0, wrapUserCode(err)
	}
	if size < 0 {
		return 0, errors.Errorf("size returned expected to be non-negative but received %v", size)
	}
	return size, nil
}

// elementKey resolves the user key of the current element or timer. Fails
// fast when the current element is not keyed.
func (r *TransformRunner) elementKey() any {
	if r.currentKey != nil {
		return r.currentKey
	}
	if r.currentElement != nil {
		if !r.fn.Keyed {
			panic(validationErrorf("accessing key in unkeyed context; current element is not a KV: %v", r.currentElement))
		}
		return r.currentElement.Elm
	}
	if r.currentTimer != nil {
		return r.currentTimer.UserKey
	}
	return nil
}

// currentInputTimestamp is the default output timestamp: the element's
// event timestamp, or the firing timer's hold timestamp.
func (r *TransformRunner) currentInputTimestamp() mtime.Time {
	if r.currentTimer != nil {
		return r.currentTimer.HoldTimestamp
	}
	return r.currentElement.Timestamp
}

func (r *TransformRunner) timerDomain(localName string) timers.TimeDomain {
	domain, ok := r.fn.TimerFamilies[localName]
	if !ok {
		panic(validationErrorf("transform %v: unknown timer family %q", r.transformID, localName))
	}
	return domain
}

// timerFamilyHandle builds the handle factory for one timer family in the
// current key, window and firing context.
func (r *TransformRunner) timerFamilyHandle(familyOrID string, domain timers.TimeDomain) *UserTimerFamily {
	if r.timerTracker == nil {
		panic(validationErrorf("transform %v declares no timer families", r.transformID))
	}
	if r.currentWindow == nil {
		panic(validationErrorf("timers are unsupported in a non-window-observing context"))
	}
	var fire mtime.Time
	switch domain {
	case timers.TimeDomainEventTime:
		if r.currentTimer != nil {
			fire = r.currentTimer.FireTimestamp
		} else {
			fire = r.currentElement.Timestamp
		}
	default:
		fire = mtime.Now()
	}
	var pane typex.PaneInfo
	if r.currentTimer != nil {
		pane = r.currentTimer.Pane
	} else {
		pane = r.currentElement.Pane
	}
	return &UserTimerFamily{
		r:                      r,
		familyID:               familyOrID,
		userKey:                r.elementKey(),
		domain:                 domain,
		fireTimestamp:          fire,
		elementOrHoldTimestamp: r.currentInputTimestamp(),
		window:                 r.currentWindow,
		pane:                   pane,
	}
}

// checkTimestamp validates an explicit output timestamp against the
// allowed skew. The lower bound clamps at the minimum timestamp on
// arithmetic underflow.
func (r *TransformRunner) checkTimestamp(ts mtime.Time) {
	base := r.currentInputTimestamp()
	lowerBound := base.Subtract(r.allowedTimestampSkew)
	if ts < lowerBound || ts > mtime.MaxTimestamp {
		panic(validationErrorf("cannot output with timestamp %v. Output timestamps must be no earlier than the "+
			"timestamp of the current input (%v) minus the allowed skew (%v) and no later than %v",
			ts, base, r.allowedTimestampSkew, mtime.MaxTimestamp))
	}
}

// outputWithDefaults emits a value inheriting the current window (or the
// element's windows in non-window-observing contexts) and pane.
func (r *TransformRunner) outputWithDefaults(ctx context.Context, tag string, value any, ts mtime.Time) {
	var windows []typex.Window
	if r.currentWindow != nil {
		windows = []typex.Window{r.currentWindow}
	} else {
		windows = r.currentElement.Windows
	}
	var pane typex.PaneInfo
	if r.currentTimer != nil {
		pane = r.currentTimer.Pane
	} else {
		pane = r.currentElement.Pane
	}
	r.outputTo(ctx, tag, &FullValue{Elm: value, Timestamp: ts, Windows: windows, Pane: pane})
}

// outputTo routes one value to the consumer registered for the tag. The
// watermark estimator observes the timestamp before delivery; consumer
// failures are raised as user code failures.
func (r *TransformRunner) outputTo(ctx context.Context, tag string, val *FullValue) {
	consumer, ok := r.consumers[tag]
	if !ok {
		panic(validationErrorf("transform %v: unknown output tag %q", r.transformID, tag))
	}
	if r.currentWatermarkEstimator != nil {
		r.currentWatermarkEstimator.ObserveTimestamp(val.Timestamp)
	}
	if err := consumer.Receive(ctx, val); err != nil {
		panic(wrapUserCode(err))
	}
}

func (r *TransformRunner) fail(err error) error {
	r.status = Broken
	r.errGuard.TrySetError(err)
	return err
}
