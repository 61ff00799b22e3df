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
	"fmt"

	fnpb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/fnexecution_v1"
	pipepb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/pipeline_v1"
	"github.com/google/uuid"
	"github.com/stratumflow/stratum/internal/engine"
	"github.com/stratumflow/stratum/internal/urns"
	"github.com/stratumflow/stratum/internal/worker"
)

// timerOutput is where a fired timer family's data lands and which
// time domain gates its rescheduling.
type timerOutput struct {
	BufferID   string
	TimeDomain pipepb.TimeDomain_Enum
}

// BundleManager owns the per-stage bundle machinery: the lazily built
// and registered ProcessBundleDescriptor, the stage's expected outputs,
// and the splitting of scheduled input into per-worker bundles.
type BundleManager struct {
	ec    *ExecutionContext
	stage *Stage

	pbdID string
	desc  *fnpb.ProcessBundleDescriptor

	// Sink transform to the buffer its output data commits to.
	dataOutputs map[string]string
	// Declared timer families and their wire coders.
	timerOutputs  map[engine.TimerID]timerOutput
	timerCoderIDs map[engine.TimerID]string
}

func newBundleManager(ec *ExecutionContext, stage *Stage) (*BundleManager, error) {
	bm := &BundleManager{
		ec:            ec,
		stage:         stage,
		pbdID:         "pbd-" + uuid.NewString(),
		dataOutputs:   map[string]string{},
		timerOutputs:  map[engine.TimerID]timerOutput{},
		timerCoderIDs: map[engine.TimerID]string{},
	}
	for _, t := range stage.Transforms {
		switch t.GetSpec().GetUrn() {
		case urns.TransformSink:
			bufferID, ok := ec.outputBuffers[t.GetUniqueName()]
			if !ok {
				return nil, fmt.Errorf("stage %v: sink %v has no output buffer", stage.Name, t.GetUniqueName())
			}
			bm.dataOutputs[t.GetUniqueName()] = bufferID
		case urns.TransformParDo:
			pardo, err := parDoPayload(t)
			if err != nil {
				return nil, err
			}
			for family, spec := range pardo.GetTimerFamilySpecs() {
				id := engine.TimerID{Transform: t.GetUniqueName(), Family: family}
				bm.timerOutputs[id] = timerOutput{
					BufferID:   engine.CreateBufferID(engine.BufferKindTimers, family),
					TimeDomain: spec.GetTimeDomain(),
				}
				bm.timerCoderIDs[id] = spec.GetTimerFamilyCoderId()
			}
		}
	}
	return bm, nil
}

// Descriptor builds and registers the stage's bundle descriptor on
// first use. The descriptor carries the full pipeline component tables,
// so transforms resolve whatever they reference.
func (bm *BundleManager) Descriptor() *fnpb.ProcessBundleDescriptor {
	if bm.desc != nil {
		return bm.desc
	}
	transforms := make(map[string]*pipepb.PTransform, len(bm.stage.Transforms))
	for _, t := range bm.stage.Transforms {
		transforms[t.GetUniqueName()] = t
	}
	bm.desc = &fnpb.ProcessBundleDescriptor{
		Id:                        bm.pbdID,
		Transforms:                transforms,
		Pcollections:              bm.ec.comps.GetPcollections(),
		Coders:                    bm.ec.allCoders(),
		WindowingStrategies:       bm.ec.comps.GetWindowingStrategies(),
		Environments:              bm.ec.comps.GetEnvironments(),
		StateApiServiceDescriptor: bm.ec.wk.StateEndpoint(),
		TimerApiServiceDescriptor: bm.ec.wk.DataEndpoint(),
	}
	bm.ec.wk.RegisterDescriptor(bm.desc)
	return bm.desc
}

// OutputCount is how many terminated output streams a bundle on this
// stage produces: one per data sink and one per timer family.
func (bm *BundleManager) OutputCount() int {
	return len(bm.dataOutputs) + len(bm.timerOutputs)
}

// InputFor resolves which data source transform ultimately feeds the
// given transform, walking back through restriction truncation.
func (bm *BundleManager) InputFor(transformID string) (string, error) {
	var t *pipepb.PTransform
	for _, c := range bm.stage.Transforms {
		if c.GetUniqueName() == transformID {
			t = c
			break
		}
	}
	if t == nil {
		return "", fmt.Errorf("stage %v: no transform %q", bm.stage.Name, transformID)
	}
	input := onlyElement(t.GetInputs())
	for {
		var producer *pipepb.PTransform
		for _, c := range bm.stage.Transforms {
			for _, out := range c.GetOutputs() {
				if out == input {
					producer = c
				}
			}
		}
		if producer == nil {
			return "", fmt.Errorf("stage %v: no data source feeds %q", bm.stage.Name, transformID)
		}
		switch producer.GetSpec().GetUrn() {
		case urns.TransformSource:
			return producer.GetUniqueName(), nil
		case urns.TransformTruncate:
			input = onlyElement(producer.GetInputs())
		default:
			return "", fmt.Errorf("stage %v: %q is fed by %v, not a data source", bm.stage.Name, transformID, producer.GetUniqueName())
		}
	}
}

// Bundles splits the scheduled input into per-worker bundles. Element
// data partitions across the worker count; a shard with no data and no
// timers is skipped, except that the first bundle always runs so the
// stage completes even on empty input. Timers aren't split and ride
// the first bundle.
func (bm *BundleManager) Bundles(input *engine.DataInput) ([]*worker.B, error) {
	bm.Descriptor()

	n := bm.ec.numWorkers
	shards := map[string][][][]byte{}
	for tid, buf := range input.Data {
		s, err := buf.Partition(n)
		if err != nil {
			return nil, fmt.Errorf("stage %v: partitioning input for %v: %w", bm.stage.Name, tid, err)
		}
		shards[tid] = s
	}
	var timers map[engine.TimerID][][]byte
	for id, buf := range input.Timers {
		blocks, err := buf.Elements()
		if err != nil {
			return nil, fmt.Errorf("stage %v: reading timers for %v: %w", bm.stage.Name, id, err)
		}
		if timers == nil {
			timers = map[engine.TimerID][][]byte{}
		}
		timers[id] = blocks
	}

	var bundles []*worker.B
	for i := 0; i < n; i++ {
		inputs := map[string][][]byte{}
		var hasData bool
		// Every source transform gets an entry so its stream terminates.
		for _, t := range bm.stage.Transforms {
			if t.GetSpec().GetUrn() != urns.TransformSource {
				continue
			}
			tid := t.GetUniqueName()
			inputs[tid] = nil
			if s, ok := shards[tid]; ok && len(s[i]) > 0 {
				inputs[tid] = s[i]
				hasData = true
			}
		}
		inputTimers := timers
		if i > 0 {
			inputTimers = nil
			if !hasData {
				continue
			}
		}
		b := &worker.B{
			InstID:            bm.ec.wk.NextInst(),
			PBDID:             bm.pbdID,
			Inputs:            inputs,
			InputTimers:       inputTimers,
			OutputCount:       bm.OutputCount(),
			SinkToPCollection: bm.dataOutputs,
		}
		b.Init()
		bundles = append(bundles, b)
	}
	return bundles, nil
}
