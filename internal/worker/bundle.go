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

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	fnpb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/fnexecution_v1"
	"github.com/stratumflow/stratum/internal/engine"
)

// B represents an extant ProcessBundle instruction sent to an SDK worker.
// Generally manipulated by another package to interact with a worker.
type B struct {
	InstID string // ID for the instruction processing this bundle.
	PBDID  string // ID for the ProcessBundleDescriptor

	// Inputs is the data to send, keyed by the descriptor's data source
	// transforms. Every source transform of the descriptor must have an
	// entry, even an empty one, so its stream gets terminated.
	Inputs map[string][][]byte
	// InputTimers is timer data to fire within this bundle, keyed by
	// the receiving transform and family.
	InputTimers map[engine.TimerID][][]byte

	// OutputCount is the number of data and timer sinks this bundle
	// has. We need that many IsLast signals before output is complete.
	OutputCount int
	// dataSema counts down OutputCount; DataWait closes at zero.
	dataSema atomic.Int32
	DataWait chan struct{}

	OutputData engine.TentativeData
	Resp       chan *fnpb.InstructionResponse

	SinkToPCollection map[string]string

	// Started is when processing began, used for stall reporting.
	Started time.Time
}

// Init initializes the bundle's internal state for waiting on all
// output and for relaying a response back.
func (b *B) Init() {
	b.dataSema.Store(int32(b.OutputCount))
	b.DataWait = make(chan struct{})
	if b.OutputCount == 0 {
		close(b.DataWait)
	}
	b.Resp = make(chan *fnpb.InstructionResponse, 1)
}

// DataOrTimerDone signals that one of the bundle's output channels
// has sent its last element.
func (b *B) DataOrTimerDone() {
	if b.dataSema.Add(-1) == 0 {
		close(b.DataWait)
	}
}

// Respond relays the instruction response for this bundle.
func (b *B) Respond(resp *fnpb.InstructionResponse) {
	b.Resp <- resp
}

func (b *B) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("ID", b.InstID),
		slog.String("stage", b.PBDID))
}

// Age is how long the bundle has been processing.
func (b *B) Age(now time.Time) time.Duration {
	return now.Sub(b.Started)
}

// ProcessOn executes the given bundle on the given W, blocking until
// the worker responds and all output data is complete. A worker
// reported error fails this bundle only.
//
// Assumes Init was called and the descriptor is registered with the W.
//
// While this method mostly manipulates a W, putting it on a B avoids
// mixing the worker's public GRPC APIs up with local calls.
func (b *B) ProcessOn(ctx context.Context, wk *W) error {
	b.Started = time.Now()
	wk.mu.Lock()
	wk.activeInstructions[b.InstID] = b
	wk.mu.Unlock()
	defer func() {
		wk.mu.Lock()
		delete(wk.activeInstructions, b.InstID)
		wk.mu.Unlock()
	}()

	slog.Debug("processing", "bundle", b, "worker", wk)

	// Tell the SDK to start processing the bundle.
	wk.InstReqs <- &fnpb.InstructionRequest{
		InstructionId: b.InstID,
		Request: &fnpb.InstructionRequest_ProcessBundle{
			ProcessBundle: &fnpb.ProcessBundleRequest{
				ProcessBundleDescriptorId: b.PBDID,
			},
		},
	}

	// Send the input data per source, closing each stream with the
	// final element. A source with no data still needs the IsLast signal.
	tids := make([]string, 0, len(b.Inputs))
	for tid := range b.Inputs {
		tids = append(tids, tid)
	}
	sort.Strings(tids)
	for _, tid := range tids {
		data := b.Inputs[tid]
		for i, d := range data {
			wk.DataReqs <- &fnpb.Elements{
				Data: []*fnpb.Elements_Data{
					{
						InstructionId: b.InstID,
						TransformId:   tid,
						Data:          d,
						IsLast:        i+1 == len(data),
					},
				},
			}
		}
		if len(data) == 0 {
			wk.DataReqs <- &fnpb.Elements{
				Data: []*fnpb.Elements_Data{
					{
						InstructionId: b.InstID,
						TransformId:   tid,
						IsLast:        true,
					},
				},
			}
		}
	}
	for id, timers := range b.InputTimers {
		for i, d := range timers {
			wk.DataReqs <- &fnpb.Elements{
				Timers: []*fnpb.Elements_Timers{
					{
						InstructionId: b.InstID,
						TransformId:   id.Transform,
						TimerFamilyId: id.Family,
						Timers:        d,
						IsLast:        i+1 == len(timers),
					},
				},
			}
		}
	}

	slog.Debug("waiting on bundle response", "bundle", b)
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case resp := <-b.Resp:
		if resp.GetError() != "" {
			return fmt.Errorf("bundle %v failed: %v", b.InstID, resp.GetError())
		}
	}
	slog.Debug("waiting on data", "bundle", b)
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-b.DataWait:
	}
	return nil
}
