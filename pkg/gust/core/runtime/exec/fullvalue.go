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

// Package exec contains the per-transform execution core: it drives one
// user transform instance over the lifetime of a bundle, including
// splittable restriction processing with concurrent dynamic splits, timer
// scheduling, keyed state access and progress reporting.
package exec

import (
	"fmt"

	"github.com/gustflow/gust/pkg/gust/core/typex"
)

// FullValue represents the full runtime value for a data element, incl. the
// implicit context: event timestamp, window set and pane.
//
// Splittable elements arrive in the sized-element form and nest FullValues:
//
//	*FullValue {
//	  Elm: *FullValue {
//	    Elm:  element (or KV key with Elm2 as value)
//	    Elm2: *FullValue { Elm: restriction, Elm2: watermark estimator state }
//	  }
//	  Elm2: float64 (size)
//	  Timestamp, Windows, Pane
//	}
type FullValue struct {
	Elm  any // Element or KV key.
	Elm2 any // KV value, if any.

	Timestamp typex.EventTime
	Windows   []typex.Window
	Pane      typex.PaneInfo
}

func (v *FullValue) String() string {
	if v.Elm2 == nil {
		return fmt.Sprintf("%v [@%v:%v]", v.Elm, v.Timestamp, v.Windows)
	}
	return fmt.Sprintf("KV<%v,%v> [@%v:%v]", v.Elm, v.Elm2, v.Timestamp, v.Windows)
}

// withValue returns a copy of the value with Elm replaced and Elm2 cleared,
// retaining timestamp, windows and pane.
func (v *FullValue) withValue(elm any) *FullValue {
	return &FullValue{Elm: elm, Timestamp: v.Timestamp, Windows: v.Windows, Pane: v.Pane}
}
