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

package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/mtime"
	pipepb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/pipeline_v1"
	"github.com/stratumflow/stratum/internal/engine"
	"github.com/stratumflow/stratum/internal/worker"
)

// RunPipeline drives the stage DAG to completion on the given worker.
// It schedules stages off the ready queue as their inputs arrive,
// promoting pending work as watermarks and the clock advance, until
// every queue drains. Any failing bundle fails the pipeline.
func RunPipeline(ctx context.Context, wk *worker.W, comps *pipepb.Components, stages []*Stage, numWorkers int, clk engine.Clock) error {
	ec, err := NewExecutionContext(wk, comps, stages, numWorkers)
	if err != nil {
		return err
	}
	defer ec.Close()
	if err := ec.Setup(); err != nil {
		return err
	}
	slog.Info("executing pipeline", "stages", len(stages), "workers", numWorkers)

	for !ec.Queues.Empty() {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		promoted := promoteTimePending(ec, clk)
		if promoteWatermarkPending(ec) {
			promoted = true
		}
		name, input, ok := ec.Queues.Ready.Dequeue()
		if !ok {
			if promoted {
				continue
			}
			// Bounded input has drained. Remaining processing time
			// timers fire eagerly rather than waiting out the clock.
			if key, in, ok := ec.Queues.TimePending.Dequeue(); ok {
				if err := ec.Queues.Ready.Enqueue(key.Stage, in); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("pipeline stalled: pending work %v can never become ready", ec.Queues.WatermarkPending.Keys())
		}
		if err := runStage(ctx, ec, clk, name, input); err != nil {
			return err
		}
	}
	slog.Info("pipeline complete")
	return nil
}

// promoteTimePending moves processing time work whose firing time has
// arrived onto the ready queue, reporting whether anything moved.
func promoteTimePending(ec *ExecutionContext, clk engine.Clock) bool {
	now := clk.Now()
	promoted := false
	for i, n := 0, ec.Queues.TimePending.Len(); i < n; i++ {
		key, in, _ := ec.Queues.TimePending.Dequeue()
		if key.Time <= now {
			ec.Queues.Ready.Enqueue(key.Stage, in)
			promoted = true
			continue
		}
		ec.Queues.TimePending.Enqueue(key, in)
	}
	return promoted
}

// promoteWatermarkPending moves work whose stage input watermark has
// reached the pending time onto the ready queue.
func promoteWatermarkPending(ec *ExecutionContext) bool {
	promoted := false
	for i, n := 0, ec.Queues.WatermarkPending.Len(); i < n; i++ {
		key, in, _ := ec.Queues.WatermarkPending.Dequeue()
		if ec.Watermarks.InputWatermark(key.Stage) >= key.Time {
			ec.Queues.Ready.Enqueue(key.Stage, in)
			promoted = true
			continue
		}
		ec.Queues.WatermarkPending.Enqueue(key, in)
	}
	return promoted
}

// runStage executes one unit of scheduled work: it splits the input
// into bundles, runs them on the worker, commits their output into the
// buffer table, schedules the consumers, and advances the watermark.
func runStage(ctx context.Context, ec *ExecutionContext, clk engine.Clock, name string, input *engine.DataInput) error {
	stage := ec.stages[name]
	bm, err := ec.BundleManagerFor(name)
	if err != nil {
		return err
	}
	slog.Debug("scheduling stage", "stage", stage)

	// Custom merging window fns fold their windows before the grouped
	// data is split and encoded.
	for tid, buf := range input.Data {
		if err := ec.mergeWindowsIfNeeded(ctx, ec.inputBuffers[tid], buf); err != nil {
			return fmt.Errorf("stage %v: %w", name, err)
		}
	}

	bundles, err := bm.Bundles(input)
	if err != nil {
		return err
	}
	errs := make([]error, len(bundles))
	var wg sync.WaitGroup
	for i, b := range bundles {
		wg.Add(1)
		go func(i int, b *worker.B) {
			defer wg.Done()
			errs[i] = b.ProcessOn(ctx, ec.wk)
		}(i, b)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("stage %v: %w", name, err)
		}
	}

	// The input buffers are spent. Dropping them from the table means a
	// later wave of data gets a fresh buffer instead of a consumed one.
	for tid := range input.Data {
		bufferID := ec.inputBuffers[tid]
		if ec.buffers[bufferID] == input.Data[tid] {
			delete(ec.buffers, bufferID)
		}
	}

	// Commit element outputs into the buffer table.
	outSet := map[string]bool{}
	for _, b := range bundles {
		bufferIDs := make([]string, 0, len(b.OutputData.Raw))
		for id := range b.OutputData.Raw {
			bufferIDs = append(bufferIDs, id)
		}
		sort.Strings(bufferIDs)
		for _, bufferID := range bufferIDs {
			buf, err := ec.GetBuffer(bufferID)
			if err != nil {
				return fmt.Errorf("stage %v: %w", name, err)
			}
			for _, blk := range b.OutputData.Raw[bufferID] {
				if len(blk) == 0 {
					continue
				}
				if err := buf.Append(blk); err != nil {
					return fmt.Errorf("stage %v: committing output to %v: %w", name, bufferID, err)
				}
			}
			outSet[bufferID] = true
		}
	}

	// Schedule the consumers of every buffer this stage wrote. Stages
	// gated on side inputs keep waiting under the sentinel time.
	outIDs := make([]string, 0, len(outSet))
	for id := range outSet {
		outIDs = append(outIDs, id)
	}
	sort.Strings(outIDs)
	for _, bufferID := range outIDs {
		buf := ec.buffers[bufferID]
		for _, c := range ec.consumers[bufferID] {
			in := &engine.DataInput{Data: map[string]engine.Buffer{c.Transform: buf}}
			if ec.stages[c.Stage].hasSideInputs() {
				if err := ec.Queues.WatermarkPending.Enqueue(engine.StageAndTime{Stage: c.Stage, Time: mtime.MaxTimestamp}, in); err != nil {
					return err
				}
				continue
			}
			if err := ec.Queues.Ready.Enqueue(c.Stage, in); err != nil {
				return err
			}
		}
	}

	// Fired timers loop back to this stage: event time timers are
	// immediately schedulable, processing time timers wait on the clock.
	for _, b := range bundles {
		for id, blocks := range b.OutputData.Timers {
			out, ok := bm.timerOutputs[id]
			if !ok {
				return fmt.Errorf("stage %v fired undeclared timer family %v", name, id)
			}
			var kept [][]byte
			for _, blk := range blocks {
				if len(blk) > 0 {
					kept = append(kept, blk)
				}
			}
			if len(kept) == 0 {
				continue
			}
			tbuf, err := ec.freshTimerBuffer(id)
			if err != nil {
				return fmt.Errorf("stage %v: %w", name, err)
			}
			for _, blk := range kept {
				if err := tbuf.Append(blk); err != nil {
					return err
				}
			}
			in := &engine.DataInput{Timers: map[engine.TimerID]engine.Buffer{id: tbuf}}
			if out.TimeDomain == pipepb.TimeDomain_PROCESSING_TIME {
				if err := ec.Queues.TimePending.Enqueue(engine.StageAndTime{Stage: name, Time: clk.Now()}, in); err != nil {
					return err
				}
				continue
			}
			if err := ec.Queues.Ready.Enqueue(name, in); err != nil {
				return err
			}
		}
	}

	ec.Watermarks.SetStageWatermark(name, mtime.MaxTimestamp)
	if err := ec.CommitSideInputsToState(name); err != nil {
		return fmt.Errorf("stage %v: %w", name, err)
	}
	slog.Debug("stage complete", "stage", stage, "queues", ec.Queues)
	return nil
}
