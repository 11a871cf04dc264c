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
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/internal/errors"
)

// BundleApplication names a bundle of work for the runner: an encoded
// windowed value addressed at a transform input. The element is encoded
// with the full input coder, value and window alike.
type BundleApplication struct {
	TransformID string
	InputID     string
	Element     []byte
}

// DelayedBundleApplication is a residual returned to the runner, with an
// optional requested resumption delay and the output watermarks the
// residual holds per output id.
type DelayedBundleApplication struct {
	Application        *BundleApplication
	RequestedTimeDelay *durationpb.Duration
	OutputWatermarks   map[string]*timestamppb.Timestamp
}

// SplitResult is the wire form of a dynamic split: the work kept by this
// worker and the work returned to the runner.
type SplitResult struct {
	PrimaryRoots  []*BundleApplication
	ResidualRoots []*DelayedBundleApplication
}

// watermarkToProto converts a millisecond timestamp to the seconds+nanos
// wire representation.
func watermarkToProto(t mtime.Time) *timestamppb.Timestamp {
	millis := t.Milliseconds()
	return &timestamppb.Timestamp{
		Seconds: millis / 1000,
		Nanos:   int32(millis%1000) * 1000000,
	}
}

// outputWatermarksFor builds the per-output watermark map for a residual.
// The map is omitted entirely when the captured watermark is the minimum
// timestamp, since no meaningful lower bound was established.
func outputWatermarksFor(watermark mtime.Time, outputIDs []string) map[string]*timestamppb.Timestamp {
	if watermark == mtime.MinTimestamp {
		return nil
	}
	m := make(map[string]*timestamppb.Timestamp, len(outputIDs))
	for _, id := range outputIDs {
		m[id] = watermarkToProto(watermark)
	}
	return m
}

// constructSplitResult encodes the windowed split roots with the full
// input coder and assembles the wire-level split result. The residual in
// unprocessed windows carries the initial watermark captured when
// processing of the current window began; the element-split residual carries the watermark captured
// immediately before the split. A downstream element split contributes its
// roots verbatim.
func constructSplitResult(
	windowed *WindowedSplitResult,
	downstreamElementSplit *SplitResult,
	fullInputCoder FullValueCoder,
	initialWatermark mtime.Time,
	wmState watermarkAndState,
	transformID, mainInputID string,
	outputIDs []string,
	resumeDelay time.Duration,
) (*SplitResult, error) {
	if windowed != nil && windowed.ResidualSplit != nil && downstreamElementSplit != nil {
		return nil, errors.New("element split cannot come from both the windowed split and downstream")
	}

	res := &SplitResult{}
	if windowed != nil && windowed.PrimaryInFullyProcessedWindows != nil {
		data, err := fullInputCoder.Encode(windowed.PrimaryInFullyProcessedWindows)
		if err != nil {
			return nil, errors.Wrap(err, "encoding primary in fully processed windows failed")
		}
		res.PrimaryRoots = append(res.PrimaryRoots, &BundleApplication{
			TransformID: transformID,
			InputID:     mainInputID,
			Element:     data,
		})
	}
	if windowed != nil && windowed.ResidualInUnprocessedWindows != nil {
		data, err := fullInputCoder.Encode(windowed.ResidualInUnprocessedWindows)
		if err != nil {
			return nil, errors.Wrap(err, "encoding residual in unprocessed windows failed")
		}
		// No resume delay here: the checkpoint delay applies to the current
		// window only.
		res.ResidualRoots = append(res.ResidualRoots, &DelayedBundleApplication{
			Application: &BundleApplication{
				TransformID: transformID,
				InputID:     mainInputID,
				Element:     data,
			},
			OutputWatermarks: outputWatermarksFor(initialWatermark, outputIDs),
		})
	}

	switch {
	case windowed != nil && windowed.ResidualSplit != nil:
		primary, err := fullInputCoder.Encode(windowed.PrimarySplit)
		if err != nil {
			return nil, errors.Wrap(err, "encoding split primary failed")
		}
		residual, err := fullInputCoder.Encode(windowed.ResidualSplit)
		if err != nil {
			return nil, errors.Wrap(err, "encoding split residual failed")
		}
		res.PrimaryRoots = append(res.PrimaryRoots, &BundleApplication{
			TransformID: transformID,
			InputID:     mainInputID,
			Element:     primary,
		})
		res.ResidualRoots = append(res.ResidualRoots, &DelayedBundleApplication{
			Application: &BundleApplication{
				TransformID: transformID,
				InputID:     mainInputID,
				Element:     residual,
			},
			RequestedTimeDelay: durationpb.New(resumeDelay.Truncate(time.Millisecond)),
			OutputWatermarks:   outputWatermarksFor(wmState.Watermark, outputIDs),
		})
	case downstreamElementSplit != nil:
		if len(downstreamElementSplit.PrimaryRoots) != 1 || len(downstreamElementSplit.ResidualRoots) != 1 {
			return nil, errors.Errorf("downstream element split must have exactly one primary and residual root, got %v and %v",
				len(downstreamElementSplit.PrimaryRoots), len(downstreamElementSplit.ResidualRoots))
		}
		res.PrimaryRoots = append(res.PrimaryRoots, downstreamElementSplit.PrimaryRoots[0])
		res.ResidualRoots = append(res.ResidualRoots, downstreamElementSplit.ResidualRoots[0])
	}
	return res, nil
}
