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

package engine

import (
	"fmt"
	"log/slog"

	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/mtime"
)

// TimerID identifies a timer family on a specific transform.
type TimerID struct {
	Transform string
	Family    string
}

// DataInput is the input payload for one unit of schedulable work:
// per buffer-id element data, and per timer-family timer data.
type DataInput struct {
	Data   map[string]Buffer
	Timers map[TimerID]Buffer
}

// Empty reports whether the input carries no data at all.
func (in *DataInput) Empty() bool {
	return in == nil || (len(in.Data) == 0 && len(in.Timers) == 0)
}

// Merge folds the other input's buffers into this one. Fragments for
// a buffer both sides hold are extended; fragments only the other
// side holds are adopted.
func (in *DataInput) Merge(other *DataInput) error {
	for id, buf := range other.Data {
		if buf == nil {
			continue
		}
		if have, ok := in.Data[id]; ok && have != nil {
			// Both sides can reference the same shared buffer, whose
			// contents are already visible to the pending entry.
			if have == buf {
				continue
			}
			if err := have.Extend(buf); err != nil {
				return fmt.Errorf("merging data for %v: %w", id, err)
			}
			continue
		}
		if in.Data == nil {
			in.Data = map[string]Buffer{}
		}
		in.Data[id] = buf
	}
	for id, buf := range other.Timers {
		if buf == nil {
			continue
		}
		if have, ok := in.Timers[id]; ok && have != nil {
			if have == buf {
				continue
			}
			if err := have.Extend(buf); err != nil {
				return fmt.Errorf("merging timers for %v: %w", id, err)
			}
			continue
		}
		if in.Timers == nil {
			in.Timers = map[TimerID]Buffer{}
		}
		in.Timers[id] = buf
	}
	return nil
}

// KeyedQueue is a FIFO queue with at most one entry per key.
// Enqueueing a key already present merges the incoming input into the
// existing entry without moving its position, so a burst of data for
// the same not-yet-scheduled unit of work coalesces into one dequeue.
type KeyedQueue[K comparable] struct {
	order []K
	keyed map[K]*DataInput
}

func NewKeyedQueue[K comparable]() *KeyedQueue[K] {
	return &KeyedQueue[K]{keyed: map[K]*DataInput{}}
}

// Enqueue adds input under the given key, merging with any pending
// entry for that key. Inputs with no data are dropped.
func (q *KeyedQueue[K]) Enqueue(key K, input *DataInput) error {
	if input.Empty() {
		return nil
	}
	if have, ok := q.keyed[key]; ok {
		return have.Merge(input)
	}
	q.keyed[key] = input
	q.order = append(q.order, key)
	return nil
}

// Dequeue pops the oldest entry. ok is false when the queue is empty.
func (q *KeyedQueue[K]) Dequeue() (key K, input *DataInput, ok bool) {
	if len(q.order) == 0 {
		return key, nil, false
	}
	key = q.order[0]
	q.order = q.order[1:]
	input = q.keyed[key]
	delete(q.keyed, key)
	return key, input, true
}

// Peek returns the oldest key without removing it.
func (q *KeyedQueue[K]) Peek() (key K, ok bool) {
	if len(q.order) == 0 {
		return key, false
	}
	return q.order[0], true
}

// Keys returns the pending keys in queue order.
func (q *KeyedQueue[K]) Keys() []K {
	out := make([]K, len(q.order))
	copy(out, q.order)
	return out
}

// Len is the number of distinct keys pending.
func (q *KeyedQueue[K]) Len() int {
	return len(q.order)
}

func (q *KeyedQueue[K]) String() string {
	return fmt.Sprintf("<KeyedQueue len: %d %v>", len(q.order), q.order)
}

// StageAndTime keys the pending queues: work for a stage that becomes
// schedulable once a watermark or the wall clock reaches Time.
type StageAndTime struct {
	Stage string
	Time  mtime.Time
}

// QueueManager holds the three scheduling queues.
//
//   - Ready: work that can be scheduled now, keyed by stage.
//   - WatermarkPending: work blocked on the stage's watermark reaching
//     the key time. Seeding uses mtime.MaxTimestamp as a "wait until
//     explicitly advanced" sentinel.
//   - TimePending: work blocked on wall-clock time reaching the key time.
type QueueManager struct {
	Ready            *KeyedQueue[string]
	WatermarkPending *KeyedQueue[StageAndTime]
	TimePending      *KeyedQueue[StageAndTime]
}

func NewQueueManager() *QueueManager {
	return &QueueManager{
		Ready:            NewKeyedQueue[string](),
		WatermarkPending: NewKeyedQueue[StageAndTime](),
		TimePending:      NewKeyedQueue[StageAndTime](),
	}
}

// Empty reports whether no work is pending in any queue.
func (q *QueueManager) Empty() bool {
	return q.Ready.Len() == 0 && q.WatermarkPending.Len() == 0 && q.TimePending.Len() == 0
}

func (q *QueueManager) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("ready", q.Ready.Len()),
		slog.Int("watermarkPending", q.WatermarkPending.Len()),
		slog.Int("timePending", q.TimePending.Len()))
}
