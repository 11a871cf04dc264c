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
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/graph/window"
	"github.com/gustflow/gust/pkg/gust/core/sdf"
	"github.com/gustflow/gust/pkg/gust/core/typex"
	"github.com/gustflow/gust/pkg/gust/io/rtrackers/offsetrange"
)

// sizedElem builds the sized-element form the splittable path expects:
// ((value, (restriction, state)), size).
func sizedElem(value any, rest offsetrange.Restriction, state any, windows []typex.Window) *FullValue {
	return &FullValue{
		Elm: &FullValue{
			Elm:  value,
			Elm2: &FullValue{Elm: rest, Elm2: state},
		},
		Elm2:      rest.Size(),
		Timestamp: testTimestamp,
		Windows:   windows,
		Pane:      typex.NoFiringPane(),
	}
}

func splittableConfig(inv Invoker, out *captureReceiver, splits *captureSplits) RunnerConfig {
	cfg := baseConfig(inv, out)
	cfg.Fn.Splittable = true
	cfg.Fn.ObservesWindows = true
	cfg.Splits = splits
	cfg.FullInputCoder = gobFullValueCoder{}
	cfg.WorkCompletedShortID = "m1"
	cfg.WorkRemainingShortID = "m2"
	return cfg
}

// TestSplittableProcessing_MultiWindow drives a splittable element through
// four windows, blocking in the second one to take a progress snapshot and
// a concurrent split, and checks that the committed split shrinks the
// remaining windows.
func TestSplittableProcessing_MultiWindow(t *testing.T) {
	blockW := 1
	block := make(chan struct{})
	out := &captureReceiver{}
	splits := &captureSplits{}
	inv := &testInvoker{
		processElement: func(_ context.Context, p *Context) (sdf.ProcessContinuation, error) {
			rt := p.RestrictionTracker()
			w := p.Window()
			for pos := int64(0); rt.TryClaim(pos); pos++ {
				if w.Equals(testMultiWindows[blockW]) && pos == 1 {
					block <- struct{}{}
					<-block
				}
			}
			p.Output("out", p.Element().Elm)
			return sdf.StopProcessing(), nil
		},
	}
	r := mustRunner(t, splittableConfig(inv, out, splits))
	startBundle(t, r)

	in := sizedElem(1, offsetrange.Restriction{Start: 0, End: 4}, "state", testMultiWindows)
	done := make(chan error, 1)
	go func() {
		done <- r.ProcessElement(context.Background(), in)
	}()

	// Blocked in the second window having claimed blocks 0 and 1 of four:
	// the tracker reports element progress (1, 3), so the scaled snapshot sits at 1.25 of 4
	// windows of work.
	<-block
	p := r.GetProgress()
	if p == nil {
		t.Fatal("GetProgress returned nil during processing")
	}
	if got, want := p.Completed/(p.Completed+p.Remaining), 1.25/4.0; !floatEquals(got, want, 0.00001) {
		t.Errorf("progress during processing: got %v, want %v", got, want)
	}
	mon := map[string][]byte{}
	r.MonitoringData(mon)
	if len(mon) != 2 {
		t.Errorf("MonitoringData entries: got %v, want 2", len(mon))
	}

	// A split at 0.5 lands inside the current window: the first window
	// stays fully primary, the second window's restriction splits, and the
	// remaining two windows become residual wholesale.
	res, err := r.TrySplit(context.Background(), 0.5)
	if err != nil {
		t.Fatalf("TrySplit failed: %v", err)
	}
	if res == nil {
		t.Fatal("TrySplit returned no result during processing")
	}
	if len(res.PrimaryRoots) != 2 || len(res.ResidualRoots) != 2 {
		t.Fatalf("TrySplit roots: got %v primaries, %v residuals, want 2 and 2",
			len(res.PrimaryRoots), len(res.ResidualRoots))
	}

	// Unblock and drain the loop: only the first two windows emit.
	block <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}
	if got, want := len(out.elements), 2; got != want {
		t.Fatalf("outputs after split: got %v, want %v", got, want)
	}
	for i, fv := range out.elements {
		if !window.IsEqualList(fv.Windows, testMultiWindows[i:i+1]) {
			t.Errorf("output %v windows: got %v, want %v", i, fv.Windows, testMultiWindows[i:i+1])
		}
	}

	// The roots round trip through the full input coder in the sized
	// element form: fully processed first window, split primary and
	// residual of the second, and the two untouched windows.
	coder := gobFullValueCoder{}
	wantPrimaries := []*FullValue{
		sizedElem(1, offsetrange.Restriction{Start: 0, End: 4}, "state", testMultiWindows[0:1]),
		sizedElem(1, offsetrange.Restriction{Start: 0, End: 3}, "state", testMultiWindows[1:2]),
	}
	for i, root := range res.PrimaryRoots {
		got, err := coder.Decode(root.Element)
		if err != nil {
			t.Fatalf("decoding primary root %v failed: %v", i, err)
		}
		if diff := cmp.Diff(wantPrimaries[i], got); diff != "" {
			t.Errorf("primary root %v (-want, +got):\n%v", i, diff)
		}
	}
	wantResiduals := []*FullValue{
		sizedElem(1, offsetrange.Restriction{Start: 0, End: 4}, "state", testMultiWindows[2:4]),
		sizedElem(1, offsetrange.Restriction{Start: 3, End: 4}, "state", testMultiWindows[1:2]),
	}
	// The split residual carries the estimator state captured at the
	// split; the default test estimator's state is nil.
	wantResiduals[1].Elm.(*FullValue).Elm2.(*FullValue).Elm2 = nil
	wantResiduals[1].Elm2 = 1.0
	for i, root := range res.ResidualRoots {
		got, err := coder.Decode(root.Application.Element)
		if err != nil {
			t.Fatalf("decoding residual root %v failed: %v", i, err)
		}
		if diff := cmp.Diff(wantResiduals[i], got); diff != "" {
			t.Errorf("residual root %v (-want, +got):\n%v", i, diff)
		}
	}
}

// TestSplittableProcessing_CheckpointGuard exercises the claim guard: a
// checkpoint split on a tracker that never observed a successful claim
// returns nil, and succeeds once a claim landed, carrying the requested
// resume delay.
func TestSplittableProcessing_CheckpointGuard(t *testing.T) {
	block := make(chan struct{})
	claim := make(chan struct{})
	out := &captureReceiver{}
	splits := &captureSplits{}
	inv := &testInvoker{
		processElement: func(_ context.Context, p *Context) (sdf.ProcessContinuation, error) {
			rt := p.RestrictionTracker()
			// Block before any claim.
			block <- struct{}{}
			<-block
			if !rt.TryClaim(int64(0)) {
				t.Error("claim failed")
			}
			claim <- struct{}{}
			<-claim
			for pos := int64(1); rt.TryClaim(pos); pos++ {
			}
			return sdf.StopProcessing(), nil
		},
	}
	r := mustRunner(t, splittableConfig(inv, out, splits))
	startBundle(t, r)

	in := sizedElem(1, offsetrange.Restriction{Start: 0, End: 4}, "state", testWindows)
	done := make(chan error, 1)
	go func() {
		done <- r.ProcessElement(context.Background(), in)
	}()

	<-block
	res, err := r.trySplitForElementAndRestriction(context.Background(), 0, 10*time.Millisecond, true)
	if err != nil {
		t.Fatalf("checkpoint before claim failed: %v", err)
	}
	if res != nil {
		t.Errorf("checkpoint before any claim: got %v, want nil", res)
	}
	block <- struct{}{}

	<-claim
	res, err = r.trySplitForElementAndRestriction(context.Background(), 0, 10*time.Millisecond, true)
	if err != nil {
		t.Fatalf("checkpoint after claim failed: %v", err)
	}
	if res == nil {
		t.Fatal("checkpoint after claim returned nil")
	}
	if len(res.ResidualRoots) != 1 {
		t.Fatalf("checkpoint residuals: got %v, want 1", len(res.ResidualRoots))
	}
	if got := res.ResidualRoots[0].RequestedTimeDelay.AsDuration(); got != 10*time.Millisecond {
		t.Errorf("requested time delay: got %v, want 10ms", got)
	}
	resid, err := gobFullValueCoder{}.Decode(res.ResidualRoots[0].Application.Element)
	if err != nil {
		t.Fatalf("decoding residual failed: %v", err)
	}
	rest := resid.Elm.(*FullValue).Elm2.(*FullValue).Elm.(offsetrange.Restriction)
	if rest.Start != 1 || rest.End != 4 {
		t.Errorf("checkpoint residual restriction: got %+v, want [1,4)", rest)
	}
	claim <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}
}

// TestSplittableProcessing_SelfCheckpoint has the user hook request
// resumption: the runner checkpoints the remainder itself and forwards
// the roots to the bundle split listener.
func TestSplittableProcessing_SelfCheckpoint(t *testing.T) {
	out := &captureReceiver{}
	splits := &captureSplits{}
	inv := &testInvoker{
		processElement: func(_ context.Context, p *Context) (sdf.ProcessContinuation, error) {
			rt := p.RestrictionTracker()
			if !rt.TryClaim(int64(0)) {
				t.Error("claim failed")
			}
			return sdf.ResumeProcessingIn(5 * time.Second), nil
		},
	}
	r := mustRunner(t, splittableConfig(inv, out, splits))
	startBundle(t, r)

	in := sizedElem(1, offsetrange.Restriction{Start: 0, End: 4}, "state", testWindows)
	if err := r.ProcessElement(context.Background(), in); err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}
	if len(splits.residuals) != 1 {
		t.Fatalf("split listener residuals: got %v, want 1", len(splits.residuals))
	}
	if got := splits.residuals[0].RequestedTimeDelay.AsDuration(); got != 5*time.Second {
		t.Errorf("resume delay: got %v, want 5s", got)
	}
	resid, err := gobFullValueCoder{}.Decode(splits.residuals[0].Application.Element)
	if err != nil {
		t.Fatalf("decoding residual failed: %v", err)
	}
	rest := resid.Elm.(*FullValue).Elm2.(*FullValue).Elm.(offsetrange.Restriction)
	if rest.Start != 1 || rest.End != 4 {
		t.Errorf("self-checkpoint residual: got %+v, want [1,4)", rest)
	}
}

// TestSplittableProcessing_ResidualWatermarks checks the output watermark
// rules: a non-minimum captured watermark is stamped on every output id of
// the element-split residual, in seconds and nanos.
func TestSplittableProcessing_ResidualWatermarks(t *testing.T) {
	out := &captureReceiver{}
	splits := &captureSplits{}
	inv := &testInvoker{
		processElement: func(_ context.Context, p *Context) (sdf.ProcessContinuation, error) {
			rt := p.RestrictionTracker()
			if !rt.TryClaim(int64(0)) {
				t.Error("claim failed")
			}
			// An output moves the observing estimator's watermark.
			p.OutputWithTimestamp("out", 1, mtime.FromMilliseconds(1500))
			return sdf.ResumeProcessingIn(time.Millisecond), nil
		},
	}
	cfg := splittableConfig(inv, out, splits)
	cfg.OutputIDs = []string{"o1", "o2"}
	r := mustRunner(t, cfg)
	startBundle(t, r)

	in := sizedElem(1, offsetrange.Restriction{Start: 0, End: 4}, "state", testWindows)
	if err := r.ProcessElement(context.Background(), in); err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}
	if len(splits.residuals) != 1 {
		t.Fatalf("residuals: got %v, want 1", len(splits.residuals))
	}
	ow := splits.residuals[0].OutputWatermarks
	if len(ow) != 2 {
		t.Fatalf("output watermarks: got %v entries, want 2", len(ow))
	}
	for _, id := range []string{"o1", "o2"} {
		ts, ok := ow[id]
		if !ok {
			t.Fatalf("missing output watermark for %v", id)
		}
		if ts.Seconds != 1 || ts.Nanos != 500000000 {
			t.Errorf("watermark for %v: got %v.%v, want 1.500000000", id, ts.Seconds, ts.Nanos)
		}
	}
}

// With a minimum-timestamp watermark the residual's map stays empty.
func TestSplittableProcessing_MinWatermarkOmitted(t *testing.T) {
	out := &captureReceiver{}
	splits := &captureSplits{}
	inv := &testInvoker{
		processElement: func(_ context.Context, p *Context) (sdf.ProcessContinuation, error) {
			rt := p.RestrictionTracker()
			if !rt.TryClaim(int64(0)) {
				t.Error("claim failed")
			}
			return sdf.ResumeProcessingIn(time.Millisecond), nil
		},
	}
	r := mustRunner(t, splittableConfig(inv, out, splits))
	startBundle(t, r)
	in := sizedElem(1, offsetrange.Restriction{Start: 0, End: 4}, "state", testWindows)
	if err := r.ProcessElement(context.Background(), in); err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}
	if got := splits.residuals[0].OutputWatermarks; len(got) != 0 {
		t.Errorf("output watermarks for min watermark: got %v, want none", got)
	}
}

// TestSplittableProcessing_NotDone fails the bundle when the hook returns
// without resuming and without claiming the whole restriction.
func TestSplittableProcessing_NotDone(t *testing.T) {
	out := &captureReceiver{}
	splits := &captureSplits{}
	inv := &testInvoker{
		processElement: func(_ context.Context, p *Context) (sdf.ProcessContinuation, error) {
			p.RestrictionTracker().TryClaim(int64(0))
			return sdf.StopProcessing(), nil
		},
	}
	r := mustRunner(t, splittableConfig(inv, out, splits))
	startBundle(t, r)
	in := sizedElem(1, offsetrange.Restriction{Start: 0, End: 4}, "state", testWindows)
	err := r.ProcessElement(context.Background(), in)
	if err == nil || !strings.Contains(err.Error(), "not done") {
		t.Errorf("expected a restriction-not-done error, got: %v", err)
	}
}

// TestSplittableProcessing_KeyedElement checks that KV-shaped splittable
// elements expose the key and value and keep them in split roots.
func TestSplittableProcessing_KeyedElement(t *testing.T) {
	out := &captureReceiver{}
	splits := &captureSplits{}
	inv := &testInvoker{
		processElement: func(_ context.Context, p *Context) (sdf.ProcessContinuation, error) {
			rt := p.RestrictionTracker()
			if !rt.TryClaim(int64(0)) {
				t.Error("claim failed")
			}
			p.Output("out", p.Element().Elm2)
			return sdf.ResumeProcessingIn(time.Millisecond), nil
		},
	}
	cfg := splittableConfig(inv, out, splits)
	cfg.Fn.Keyed = true
	r := mustRunner(t, cfg)
	startBundle(t, r)

	in := &FullValue{
		Elm: &FullValue{
			Elm:  &FullValue{Elm: "k", Elm2: 42},
			Elm2: &FullValue{Elm: offsetrange.Restriction{Start: 0, End: 4}, Elm2: "state"},
		},
		Elm2:      4.0,
		Timestamp: testTimestamp,
		Windows:   testWindows,
		Pane:      typex.NoFiringPane(),
	}
	if err := r.ProcessElement(context.Background(), in); err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}
	if got, want := out.elements[0].Elm, any(42); got != want {
		t.Errorf("output value: got %v, want %v", got, want)
	}
	resid, err := gobFullValueCoder{}.Decode(splits.residuals[0].Application.Element)
	if err != nil {
		t.Fatalf("decoding residual failed: %v", err)
	}
	kv := resid.Elm.(*FullValue).Elm.(*FullValue)
	if kv.Elm != "k" || kv.Elm2 != 42 {
		t.Errorf("residual key/value: got %v/%v, want k/42", kv.Elm, kv.Elm2)
	}
}
