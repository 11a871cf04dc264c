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
	"context"
	"sort"

	"github.com/gustflow/gust/pkg/gust/core/graph/mtime"
	"github.com/gustflow/gust/pkg/gust/core/timers"
	"github.com/gustflow/gust/pkg/gust/core/typex"
	"github.com/gustflow/gust/pkg/gust/internal/errors"
)

// timerKey identifies one logical timer within a key-and-window bucket.
type timerKey struct {
	familyOrID string
	tag        string
}

// timerInfo is one buffered modification in fire-timestamp order. seq
// breaks ties between modifications at the same fire timestamp so inline
// firing drains them in insertion order.
type timerInfo struct {
	key    timerKey
	domain timers.TimeDomain
	seq    int
	record timers.TimerRecord
}

// bucketModifications buffers the timer modifications of one (user key,
// window) pair within a bundle. The modified table holds the final state
// per logical timer; later sets overwrite earlier ones, and a cleared
// timer stays as a tombstone. The ordered sets hold pending (non-cleared)
// sets per time domain in ascending fire-timestamp order.
type bucketModifications struct {
	modified map[timerKey]timers.TimerRecord
	ordered  map[timers.TimeDomain][]*timerInfo
}

func newBucketModifications() *bucketModifications {
	return &bucketModifications{
		modified: make(map[timerKey]timers.TimerRecord),
		ordered:  make(map[timers.TimeDomain][]*timerInfo),
	}
}

// isSuperseded reports whether the given record for the timer has been
// overwritten by a later, different modification in this bundle.
func (b *bucketModifications) isSuperseded(key timerKey, rec timers.TimerRecord) bool {
	mod, ok := b.modified[key]
	return ok && !mod.Equals(rec)
}

// insertOrdered adds info keeping the domain's set sorted by
// (fire timestamp, seq).
func (b *bucketModifications) insertOrdered(info *timerInfo) {
	set := b.ordered[info.domain]
	at := sort.Search(len(set), func(i int) bool {
		if set[i].record.FireTimestamp != info.record.FireTimestamp {
			return set[i].record.FireTimestamp > info.record.FireTimestamp
		}
		return set[i].seq > info.seq
	})
	set = append(set, nil)
	copy(set[at+1:], set[at:])
	set[at] = info
	b.ordered[info.domain] = set
}

// removeOrdered drops any pending entry for the given logical timer from
// the domain's ordered set.
func (b *bucketModifications) removeOrdered(domain timers.TimeDomain, key timerKey) {
	set := b.ordered[domain]
	for i, info := range set {
		if info.key == key {
			b.ordered[domain] = append(set[:i], set[i+1:]...)
			return
		}
	}
}

// popEarlierOrEqual removes and returns the earliest pending entry in the
// domain whose fire timestamp is at or before the given bound, or nil.
func (b *bucketModifications) popEarlierOrEqual(domain timers.TimeDomain, bound mtime.Time) *timerInfo {
	set := b.ordered[domain]
	if len(set) == 0 || set[0].record.FireTimestamp > bound {
		return nil
	}
	info := set[0]
	b.ordered[domain] = set[1:]
	return info
}

// timerBundleTracker buffers all timer modifications made while a bundle
// is in flight, bucketed per encoded (user key, window) pair, and flushes
// the final state of every logical timer to the outbound sinks on finish.
// It is only ever touched from the processing thread.
type timerBundleTracker struct {
	keyCoder    ElementEncoder
	windowCoder WindowEncoder

	seq         int
	buckets     map[string]*bucketModifications
	bucketOrder []string
}

func newTimerBundleTracker(keyCoder ElementEncoder, windowCoder WindowEncoder) *timerBundleTracker {
	return &timerBundleTracker{
		keyCoder:    keyCoder,
		windowCoder: windowCoder,
		buckets:     make(map[string]*bucketModifications),
	}
}

func (t *timerBundleTracker) bucketKey(userKey any, w typex.Window) (string, error) {
	var buf bytes.Buffer
	if err := t.keyCoder.Encode(userKey, &buf); err != nil {
		return "", errors.Wrap(err, "encoding timer user key failed")
	}
	buf.WriteByte(':')
	if err := t.windowCoder.EncodeSingle(w, &buf); err != nil {
		return "", errors.Wrap(err, "encoding timer window failed")
	}
	return buf.String(), nil
}

func (t *timerBundleTracker) bucketFor(userKey any, w typex.Window) (*bucketModifications, error) {
	bk, err := t.bucketKey(userKey, w)
	if err != nil {
		return nil, err
	}
	b, ok := t.buckets[bk]
	if !ok {
		b = newBucketModifications()
		t.buckets[bk] = b
		t.bucketOrder = append(t.bucketOrder, bk)
	}
	return b, nil
}

// bucket returns the modifications for the pair if any exist yet.
func (t *timerBundleTracker) bucket(userKey any, w typex.Window) (*bucketModifications, error) {
	bk, err := t.bucketKey(userKey, w)
	if err != nil {
		return nil, err
	}
	return t.buckets[bk], nil
}

// timerModified records a set or clear produced during the bundle. The
// record carries exactly one window. A newer modification for the same
// logical timer replaces the pending entry in the ordered set, so only the
// final state can fire inline or be emitted.
func (t *timerBundleTracker) timerModified(familyOrID string, domain timers.TimeDomain, rec timers.TimerRecord) error {
	if len(rec.Windows) != 1 {
		return errors.Errorf("timer modification for %q must carry exactly one window, got %v", familyOrID, len(rec.Windows))
	}
	b, err := t.bucketFor(rec.UserKey, rec.Windows[0])
	if err != nil {
		return err
	}
	key := timerKey{familyOrID: familyOrID, tag: rec.Tag}
	b.removeOrdered(domain, key)
	if !rec.Clear {
		t.seq++
		b.insertOrdered(&timerInfo{key: key, domain: domain, seq: t.seq, record: rec})
	}
	b.modified[key] = rec
	return nil
}

// tombstone overwrites the logical timer with a cleared record without
// touching the ordered set. Used just before firing a buffered timer
// inline so the runner's own delivery of it is recognized as stale.
func (b *bucketModifications) tombstone(key timerKey, rec timers.TimerRecord) {
	b.modified[key] = timers.Cleared(rec.UserKey, rec.Tag, rec.Windows)
}

// outputTimers flushes the final state of every modified timer, tombstones
// included, to the per-family outbound sinks.
func (t *timerBundleTracker) outputTimers(ctx context.Context, sink func(familyOrID string) TimerReceiver) error {
	for _, bk := range t.bucketOrder {
		b := t.buckets[bk]
		keys := make([]timerKey, 0, len(b.modified))
		for key := range b.modified {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].familyOrID != keys[j].familyOrID {
				return keys[i].familyOrID < keys[j].familyOrID
			}
			return keys[i].tag < keys[j].tag
		})
		for _, key := range keys {
			rec := b.modified[key]
			recv := sink(key.familyOrID)
			if recv == nil {
				return errors.Errorf("no outbound timer sink for %q", key.familyOrID)
			}
			if err := recv.ReceiveTimer(ctx, &rec); err != nil {
				return errors.Wrapf(err, "flushing timer %q tag %q failed", key.familyOrID, key.tag)
			}
		}
	}
	return nil
}

// reset drops all buffered modifications, for bundle reuse.
func (t *timerBundleTracker) reset() {
	t.seq = 0
	t.buckets = make(map[string]*bucketModifications)
	t.bucketOrder = nil
}
