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

package window

import (
	"testing"
	"time"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/typex"
)

func TestWindowEquality(t *testing.T) {
	tests := []struct {
		name        string
		windowOne   typex.Window
		windowTwo   typex.Window
		expEquality bool
	}{
		{
			"global window == global window",
			GlobalWindow{},
			GlobalWindow{},
			true,
		},
		{
			"interval window[0,10] == interval window[0,10]",
			IntervalWindow{Start: 0, End: 10},
			IntervalWindow{Start: 0, End: 10},
			true,
		},
		{
			"interval window[0,10] == interval window[11,20]",
			IntervalWindow{Start: 0, End: 10},
			IntervalWindow{Start: 11, End: 20},
			false,
		},
		{
			"interval window[0,10] == interval window[0,20]",
			IntervalWindow{Start: 0, End: 10},
			IntervalWindow{Start: 0, End: 20},
			false,
		},
		{
			"global window == interval window[0,10]",
			GlobalWindow{},
			IntervalWindow{Start: 0, End: 10},
			false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got, want := test.windowOne.Equals(test.windowTwo), test.expEquality; got != want {
				t.Errorf("(%v).Equals(%v) got %v, want %v", test.windowOne, test.windowTwo, got, want)
			}
		})
	}
}

func TestMaxTimestamp(t *testing.T) {
	if got, want := (IntervalWindow{Start: 0, End: 10}).MaxTimestamp(), mtime.Time(9); got != want {
		t.Errorf("interval max timestamp: got %v, want %v", got, want)
	}
	if got, want := (GlobalWindow{}).MaxTimestamp(), mtime.EndOfGlobalWindowTime; got != want {
		t.Errorf("global max timestamp: got %v, want %v", got, want)
	}
}

func TestGarbageCollectionTime(t *testing.T) {
	w := IntervalWindow{Start: 0, End: 10}
	if got, want := GarbageCollectionTime(w, 0), mtime.Time(9); got != want {
		t.Errorf("gc time with no lateness: got %v, want %v", got, want)
	}
	if got, want := GarbageCollectionTime(w, 50*time.Millisecond), mtime.Time(59); got != want {
		t.Errorf("gc time with lateness: got %v, want %v", got, want)
	}
	// The global window's deadline never overflows past the max timestamp.
	if got := GarbageCollectionTime(GlobalWindow{}, 48*time.Hour); got > mtime.MaxTimestamp {
		t.Errorf("gc time overflowed: %v", got)
	}
}

func TestIsEqualList(t *testing.T) {
	a := []typex.Window{IntervalWindow{Start: 0, End: 10}, GlobalWindow{}}
	b := []typex.Window{IntervalWindow{Start: 0, End: 10}, GlobalWindow{}}
	if !IsEqualList(a, b) {
		t.Error("equal lists reported unequal")
	}
	if IsEqualList(a, b[:1]) {
		t.Error("lists of different length reported equal")
	}
	if IsEqualList(a, []typex.Window{GlobalWindow{}, IntervalWindow{Start: 0, End: 10}}) {
		t.Error("reordered lists reported equal; ordering matters")
	}
}
