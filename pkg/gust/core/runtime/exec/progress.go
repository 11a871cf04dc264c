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
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/gustflow/gust/pkg/gust/internal/errors"
)

// Progress is a snapshot of work completed and work remaining for the
// element under processing. The two values are abstract non-negative
// scalars, self-consistent but without units.
type Progress struct {
	Completed, Remaining float64
}

// scaleProgress scales element-level progress across the live windows of
// the element. Each fully processed window contributes its whole unit of
// completed work; each pending window contributes a whole unit of
// remaining work; the current window contributes its fraction.
func scaleProgress(p Progress, currWindowIndex, stopWindowIndex int) Progress {
	total := p.Completed + p.Remaining
	var frac float64
	if total > 0 {
		frac = p.Completed / total
	}
	completed := float64(currWindowIndex) + frac
	return Progress{
		Completed: completed,
		Remaining: float64(stopWindowIndex) - completed,
	}
}

// EncodeProgress encodes a progress scalar for the monitoring wire: a
// single-element length-prefixed sequence of big-endian IEEE-754 doubles.
func EncodeProgress(value float64) []byte {
	var buf bytes.Buffer
	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], 1)
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint64(scratch[:], math.Float64bits(value))
	buf.Write(scratch[:])
	return buf.Bytes()
}

// DecodeProgress decodes the wire form produced by EncodeProgress.
func DecodeProgress(r io.Reader) (float64, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return 0, errors.Wrap(err, "bad progress length prefix")
	}
	if n := binary.BigEndian.Uint32(scratch[:4]); n != 1 {
		return 0, errors.Errorf("progress must be a single-element sequence, got %v", n)
	}
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return 0, errors.Wrap(err, "bad progress value")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(scratch[:])), nil
}
