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
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/coder"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/mtime"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/window"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/runtime/exec"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/typex"
	fnpb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/fnexecution_v1"
	pipepb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/pipeline_v1"
	"github.com/stratumflow/stratum/internal/engine"
	"github.com/stratumflow/stratum/internal/urns"
	"github.com/stratumflow/stratum/internal/worker"
	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/proto"
)

// SideInputID names one side input: the transform consuming it and the
// local tag it's consumed under.
type SideInputID struct {
	Transform string
	Tag       string
}

// sideInputBinding is where a side input's data comes from and how the
// SDK will access it.
type sideInputBinding struct {
	BufferID      string
	AccessPattern string
}

// consumer is one (stage, source transform) pair reading a buffer.
type consumer struct {
	Stage     string
	Transform string
}

// ExecutionContext holds everything the driving loop shares across
// bundles: the pipeline components, the stage set, the scheduling
// queues and watermarks, the buffer table, and the index structures
// derived from the stage graph during Setup.
//
// All methods are called from the single driving goroutine.
type ExecutionContext struct {
	comps      *pipepb.Components
	stages     map[string]*Stage
	stageOrder []string
	wk         *worker.W
	numWorkers int

	Queues     *engine.QueueManager
	Watermarks *engine.WatermarkManager

	buffers map[string]engine.Buffer

	// Source and sink transforms map to buffer ids. Captured from the
	// transform payloads before Setup rewrites them to data ports.
	inputBuffers  map[string]string
	outputBuffers map[string]string
	// Buffer id to the (stage, transform) pairs that read it.
	consumers map[string][]consumer
	// Producing stage to the side inputs its output feeds. Committed
	// to state when that stage's data is complete.
	sideInputsByProducer map[string]map[SideInputID]sideInputBinding

	// Synthetic coders grown beside the pipeline's own coder table.
	coders         map[string]*pipepb.Coder
	windowedCoders map[string]string

	safeStrategies map[string]string
	mergeHandles   []string

	bundleManagers map[string]*BundleManager
}

// NewExecutionContext prepares a context over the given stages,
// executing on the given worker. Call Setup before scheduling.
func NewExecutionContext(wk *worker.W, comps *pipepb.Components, stages []*Stage, numWorkers int) (*ExecutionContext, error) {
	if numWorkers < 1 {
		return nil, fmt.Errorf("execution context: worker count %d", numWorkers)
	}
	ec := &ExecutionContext{
		comps:                comps,
		stages:               map[string]*Stage{},
		wk:                   wk,
		numWorkers:           numWorkers,
		Queues:               engine.NewQueueManager(),
		Watermarks:           engine.NewWatermarkManager(),
		buffers:              map[string]engine.Buffer{},
		inputBuffers:         map[string]string{},
		outputBuffers:        map[string]string{},
		consumers:            map[string][]consumer{},
		sideInputsByProducer: map[string]map[SideInputID]sideInputBinding{},
		coders:               map[string]*pipepb.Coder{},
		windowedCoders:       map[string]string{},
		safeStrategies:       map[string]string{},
		bundleManagers:       map[string]*BundleManager{},
	}
	for _, s := range stages {
		if _, ok := ec.stages[s.Name]; ok {
			return nil, fmt.Errorf("execution context: duplicate stage %q", s.Name)
		}
		ec.stages[s.Name] = s
		ec.stageOrder = append(ec.stageOrder, s.Name)
	}
	return ec, nil
}

// sideInputSpec carries one side input edge until its producing stage
// is known.
type sideInputSpec struct {
	id   SideInputID
	bind sideInputBinding
}

// Setup walks the stage graph once: it indexes source and sink buffer
// ids, rewrites the data boundary transforms to point at the worker's
// data plane, wires the watermark graph, and enqueues the impulse
// rooted stages.
func (ec *ExecutionContext) Setup() error {
	var specs []sideInputSpec
	producerOf := map[string]string{}

	for _, name := range ec.stageOrder {
		stage := ec.stages[name]
		var inputs, outputs []string
		for _, t := range stage.Transforms {
			switch t.GetSpec().GetUrn() {
			case urns.TransformSource:
				bufferID := string(t.GetSpec().GetPayload())
				ec.inputBuffers[t.GetUniqueName()] = bufferID
				ec.consumers[bufferID] = append(ec.consumers[bufferID], consumer{Stage: name, Transform: t.GetUniqueName()})
				inputs = append(inputs, bufferID)
				pcol := onlyElement(t.GetOutputs())
				t.GetSpec().Payload = portPayload(ec.windowedCoderID(pcol), ec.wk.Endpoint())
			case urns.TransformSink:
				bufferID := string(t.GetSpec().GetPayload())
				ec.outputBuffers[t.GetUniqueName()] = bufferID
				producerOf[bufferID] = name
				outputs = append(outputs, bufferID)
				pcol := onlyElement(t.GetInputs())
				t.GetSpec().Payload = portPayload(ec.windowedCoderID(pcol), ec.wk.Endpoint())
			case urns.TransformParDo:
				pardo, err := parDoPayload(t)
				if err != nil {
					return err
				}
				for tag, si := range pardo.GetSideInputs() {
					pcol := t.GetInputs()[tag]
					if pcol == "" {
						return fmt.Errorf("stage %v: side input %v of %v has no input collection", name, tag, t.GetUniqueName())
					}
					specs = append(specs, sideInputSpec{
						id: SideInputID{Transform: t.GetUniqueName(), Tag: tag},
						bind: sideInputBinding{
							BufferID:      engine.CreateBufferID(engine.BufferKindMaterialize, pcol),
							AccessPattern: si.GetAccessPattern().GetUrn(),
						},
					})
				}
			}
		}
		var sides []string
		for _, pcol := range stage.SideInputs() {
			sides = append(sides, engine.CreateBufferID(engine.BufferKindMaterialize, pcol))
		}
		ec.Watermarks.AddStage(name, inputs, sides, outputs)
	}

	// Side input edges index by producing stage, so a stage's data can
	// commit to state the moment the stage completes.
	for _, spec := range specs {
		pstage, ok := producerOf[spec.bind.BufferID]
		if !ok {
			return fmt.Errorf("no stage produces side input buffer %v for %v", spec.bind.BufferID, spec.id.Transform)
		}
		m := ec.sideInputsByProducer[pstage]
		if m == nil {
			m = map[SideInputID]sideInputBinding{}
			ec.sideInputsByProducer[pstage] = m
		}
		m[spec.id] = spec.bind
	}

	// Seed the queues with the impulse rooted stages. Stages gated on
	// side inputs wait for their producers under the max timestamp
	// sentinel; everything else is immediately schedulable.
	for _, name := range ec.stageOrder {
		stage := ec.stages[name]
		data := map[string]engine.Buffer{}
		for _, t := range stage.Transforms {
			if t.GetSpec().GetUrn() != urns.TransformSource {
				continue
			}
			if ec.inputBuffers[t.GetUniqueName()] != engine.ImpulseBuffer {
				continue
			}
			pcol := onlyElement(t.GetOutputs())
			cwvID := ec.windowedCoderID(pcol)
			all := ec.allCoders()
			buf := engine.NewListBuffer(pullDecoder(all[cwvID], all))
			if err := buf.Append(impulseBytes()); err != nil {
				return err
			}
			data[t.GetUniqueName()] = buf
		}
		if len(data) == 0 {
			continue
		}
		input := &engine.DataInput{Data: data}
		if stage.hasSideInputs() {
			if err := ec.Queues.WatermarkPending.Enqueue(engine.StageAndTime{Stage: name, Time: mtime.MaxTimestamp}, input); err != nil {
				return err
			}
			continue
		}
		if err := ec.Queues.Ready.Enqueue(name, input); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the merge handles registered for rewritten strategies.
func (ec *ExecutionContext) Close() {
	for _, h := range ec.mergeHandles {
		UnregisterWindower(h)
	}
	ec.mergeHandles = nil
}

// impulseBytes is the single synthetic element impulse sources read:
// an empty byte string in the global window at the minimum timestamp.
func impulseBytes() []byte {
	var buf bytes.Buffer
	enc := exec.MakeWindowEncoder(coder.NewGlobalWindow())
	if err := exec.EncodeWindowedValueHeader(enc, window.SingleGlobalWindow, mtime.MinTimestamp, typex.NoFiringPane(), &buf); err != nil {
		panic(fmt.Sprintf("encoding impulse value: %v", err))
	}
	if err := coder.EncodeVarInt(0, &buf); err != nil {
		panic(fmt.Sprintf("encoding impulse value: %v", err))
	}
	return buf.Bytes()
}

// allCoders is the union of the pipeline's coders and the synthetic
// ones grown during execution. Synthetic ids never collide with
// pipeline ids, so a flat overlay is safe.
func (ec *ExecutionContext) allCoders() map[string]*pipepb.Coder {
	all := make(map[string]*pipepb.Coder, len(ec.comps.GetCoders())+len(ec.coders))
	maps.Copy(all, ec.comps.GetCoders())
	maps.Copy(all, ec.coders)
	return all
}

// windowedCoderID returns the id of the data channel coder for the
// PCollection: its element coder, length prefixed where the runner
// can't parse it, wrapped with the collection's window coder.
func (ec *ExecutionContext) windowedCoderID(pcollID string) string {
	if id, ok := ec.windowedCoders[pcollID]; ok {
		return id
	}
	pcol, ok := ec.comps.GetPcollections()[pcollID]
	if !ok {
		panic(fmt.Sprintf("unknown pcollection %q", pcollID))
	}
	base := ec.comps.GetCoders()
	elem := lpUnknownCoders(pcol.GetCoderId(), ec.coders, base)
	ws, ok := ec.comps.GetWindowingStrategies()[pcol.GetWindowingStrategyId()]
	if !ok {
		panic(fmt.Sprintf("unknown windowing strategy %q for pcollection %q", pcol.GetWindowingStrategyId(), pcollID))
	}
	wcID := lpUnknownCoders(ws.GetWindowCoderId(), ec.coders, base)
	id := "cwv_" + pcollID
	ec.coders[id] = &pipepb.Coder{
		Spec:              &pipepb.FunctionSpec{Urn: urns.CoderWindowedValue},
		ComponentCoderIds: []string{elem, wcID},
	}
	reconcileCoders(ec.coders, base)
	ec.windowedCoders[pcollID] = id
	return id
}

// GetBuffer returns the buffer for the given id, constructing it with
// the right decoding behavior for its kind on first use.
func (ec *ExecutionContext) GetBuffer(bufferID string) (engine.Buffer, error) {
	if buf, ok := ec.buffers[bufferID]; ok {
		return buf, nil
	}
	kind, name := engine.SplitBufferID(bufferID)
	var buf engine.Buffer
	switch kind {
	case engine.BufferKindMaterialize:
		// Build the windowed coder before snapshotting the coder table,
		// or a first-use synthetic coder is missing from the snapshot.
		id := ec.windowedCoderID(name)
		all := ec.allCoders()
		buf = engine.NewListBuffer(pullDecoder(all[id], all))
	case engine.BufferKindTimers:
		cid, err := ec.timerFamilyCoderID(name)
		if err != nil {
			return nil, err
		}
		safe := lpUnknownCoders(cid, ec.coders, ec.comps.GetCoders())
		all := ec.allCoders()
		buf = engine.NewListBuffer(pullDecoder(all[safe], all))
	case engine.BufferKindGroup:
		gb, err := ec.groupingBuffer(name)
		if err != nil {
			return nil, err
		}
		buf = gb
	default:
		return nil, fmt.Errorf("unknown buffer kind in id %q", bufferID)
	}
	ec.buffers[bufferID] = buf
	return buf, nil
}

// groupingBuffer builds the shuffle buffer for the named grouping
// transform, using the safe codecs of its input collection.
func (ec *ExecutionContext) groupingBuffer(transformID string) (*engine.GroupingBuffer, error) {
	gbk, ok := ec.comps.GetTransforms()[transformID]
	if !ok {
		return nil, fmt.Errorf("grouping buffer: unknown transform %q", transformID)
	}
	inPcol := onlyElement(gbk.GetInputs())
	pcol := ec.comps.GetPcollections()[inPcol]
	kvID := lpUnknownCoders(pcol.GetCoderId(), ec.coders, ec.comps.GetCoders())
	all := ec.allCoders()
	kv := all[kvID]
	if kv.GetSpec().GetUrn() != urns.CoderKV {
		return nil, fmt.Errorf("grouping buffer: input of %v is coded with %v, want a KV", transformID, kv.GetSpec().GetUrn())
	}
	keyDec := pullDecoder(all[kv.GetComponentCoderIds()[0]], all)
	valDec := pullDecoder(all[kv.GetComponentCoderIds()[1]], all)

	safeID, err := ec.SafeWindowingStrategy(pcol.GetWindowingStrategyId())
	if err != nil {
		return nil, err
	}
	ws := ec.comps.GetWindowingStrategies()[safeID]
	wDec, wEnc := makeWindowCoders(ec.comps.GetCoders()[ws.GetWindowCoderId()])
	trivial := ws.GetWindowFn().GetUrn() == urns.WindowFnGlobal &&
		ws.GetMergeStatus() == pipepb.MergeStatus_NON_MERGING
	return engine.NewGroupingBuffer(keyDec, valDec, wDec, wEnc, trivial), nil
}

// timerFamilyCoderID finds the wire coder for a timer family by
// scanning the pipeline's ParDo specs.
func (ec *ExecutionContext) timerFamilyCoderID(family string) (string, error) {
	for _, t := range ec.comps.GetTransforms() {
		pardo, err := parDoPayload(t)
		if err != nil || pardo == nil {
			continue
		}
		if spec, ok := pardo.GetTimerFamilySpecs()[family]; ok {
			return spec.GetTimerFamilyCoderId(), nil
		}
	}
	return "", fmt.Errorf("no transform declares timer family %q", family)
}

// freshTimerBuffer builds an unshared buffer for one timer firing.
// Timer data lives exactly one scheduling round, so these are never
// memoized in the buffer table.
func (ec *ExecutionContext) freshTimerBuffer(id engine.TimerID) (engine.Buffer, error) {
	cid, err := ec.timerFamilyCoderID(id.Family)
	if err != nil {
		return nil, err
	}
	safe := lpUnknownCoders(cid, ec.coders, ec.comps.GetCoders())
	all := ec.allCoders()
	return engine.NewListBuffer(pullDecoder(all[safe], all)), nil
}

// SafeWindowingStrategy returns a strategy id equivalent to the given
// one that is safe to hand to any SDK. Standard window fns pass
// through. A custom non-merging fn is replaced by a generic fn carrying
// the window coder id, and a custom merging fn by a generic fn carrying
// a registered windower handle.
func (ec *ExecutionContext) SafeWindowingStrategy(id string) (string, error) {
	if safe, ok := ec.safeStrategies[id]; ok {
		return safe, nil
	}
	ws, ok := ec.comps.GetWindowingStrategies()[id]
	if !ok {
		return "", fmt.Errorf("unknown windowing strategy %q", id)
	}
	switch ws.GetWindowFn().GetUrn() {
	case urns.WindowFnGlobal, urns.WindowFnFixed, urns.WindowFnSliding, urns.WindowFnSession:
		ec.safeStrategies[id] = id
		return id, nil
	}
	safeID := id + "_safe"
	for ec.comps.GetWindowingStrategies()[safeID] != nil {
		safeID += "_"
	}
	cloned := proto.Clone(ws).(*pipepb.WindowingStrategy)
	switch ws.GetMergeStatus() {
	case pipepb.MergeStatus_NON_MERGING:
		cloned.WindowFn = &pipepb.FunctionSpec{
			Urn:     urns.WindowFnGenericNonMerging,
			Payload: []byte(ws.GetWindowCoderId()),
		}
	case pipepb.MergeStatus_NEEDS_MERGE:
		handle := RegisterWindower(NewMergingWindower(ec.wk, ws, ec.comps))
		ec.mergeHandles = append(ec.mergeHandles, handle)
		cloned.WindowFn = &pipepb.FunctionSpec{
			Urn:     urns.WindowFnGenericMerging,
			Payload: []byte(handle),
		}
	default:
		return "", fmt.Errorf("windowing strategy %v: cannot make merge status %v safe", id, ws.GetMergeStatus())
	}
	ec.comps.GetWindowingStrategies()[safeID] = cloned
	ec.safeStrategies[id] = safeID
	return safeID, nil
}

// mergeWindowsIfNeeded runs the registered windower over a grouping
// buffer whose input collection uses a custom merging window fn. Other
// buffers pass through untouched.
func (ec *ExecutionContext) mergeWindowsIfNeeded(ctx context.Context, bufferID string, buf engine.Buffer) error {
	gb, ok := buf.(*engine.GroupingBuffer)
	if !ok {
		return nil
	}
	_, name := engine.SplitBufferID(bufferID)
	gbk, ok := ec.comps.GetTransforms()[name]
	if !ok {
		return fmt.Errorf("merge windows: unknown transform %q", name)
	}
	pcol := ec.comps.GetPcollections()[onlyElement(gbk.GetInputs())]
	safeID, err := ec.SafeWindowingStrategy(pcol.GetWindowingStrategyId())
	if err != nil {
		return err
	}
	ws := ec.comps.GetWindowingStrategies()[safeID]
	if ws.GetWindowFn().GetUrn() != urns.WindowFnGenericMerging {
		return nil
	}
	handle := string(ws.GetWindowFn().GetPayload())
	mw, ok := LookupWindower(handle)
	if !ok {
		return fmt.Errorf("merge windows: no windower registered for %v", handle)
	}
	return gb.MergeWindows(func(windows []typex.Window) (map[typex.Window]typex.Window, error) {
		return mw.Merge(ctx, windows)
	})
}

// CommitSideInputsToState regroups the side input data the given stage
// produced by window and writes it into the worker's state store under
// the access pattern each consumer declared.
func (ec *ExecutionContext) CommitSideInputsToState(stageName string) error {
	bindings := ec.sideInputsByProducer[stageName]
	ids := make([]SideInputID, 0, len(bindings))
	for id := range bindings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Transform != ids[j].Transform {
			return ids[i].Transform < ids[j].Transform
		}
		return ids[i].Tag < ids[j].Tag
	})
	for _, sid := range ids {
		bind := bindings[sid]
		if err := ec.commitSideInput(sid, bind); err != nil {
			return fmt.Errorf("committing side input %v of %v: %w", sid.Tag, sid.Transform, err)
		}
	}
	return nil
}

func (ec *ExecutionContext) commitSideInput(sid SideInputID, bind sideInputBinding) error {
	_, pcol := engine.SplitBufferID(bind.BufferID)
	cwvID := ec.windowedCoderID(pcol)
	all := ec.allCoders()
	wv := all[cwvID]
	elem := all[wv.GetComponentCoderIds()[0]]
	wDec, wEnc := makeWindowCoders(all[wv.GetComponentCoderIds()[1]])

	// A producer that emitted nothing still commits: consumers then see
	// empty side input state rather than a missing key.
	buf, ok := ec.buffers[bind.BufferID]
	if !ok {
		buf = engine.NewListBuffer(nil)
		ec.buffers[bind.BufferID] = buf
	}
	blocks, err := buf.Elements()
	if err != nil {
		return err
	}

	var wgb *engine.WindowGroupingBuffer
	switch bind.AccessPattern {
	case urns.SideInputIterable:
		wgb = engine.NewIterableWindowBuffer(wDec, wEnc, pullDecoder(elem, all))
	case urns.SideInputMultiMap:
		if elem.GetSpec().GetUrn() != urns.CoderKV {
			return fmt.Errorf("multimap side input over %v coded values, want a KV", elem.GetSpec().GetUrn())
		}
		keyDec := pullDecoder(all[elem.GetComponentCoderIds()[0]], all)
		valDec := pullDecoder(all[elem.GetComponentCoderIds()[1]], all)
		wgb = engine.NewMultiMapWindowBuffer(wDec, wEnc, keyDec, valDec)
	default:
		return fmt.Errorf("unknown side input access pattern %q", bind.AccessPattern)
	}
	for _, blk := range blocks {
		if err := wgb.Append(blk); err != nil {
			return err
		}
	}
	items, err := wgb.EncodedItems()
	if err != nil {
		return err
	}

	for _, it := range items {
		switch bind.AccessPattern {
		case urns.SideInputIterable:
			key := &fnpb.StateKey{
				Type: &fnpb.StateKey_IterableSideInput_{
					IterableSideInput: &fnpb.StateKey_IterableSideInput{
						TransformId: sid.Transform,
						SideInputId: sid.Tag,
						Window:      it.Window,
					},
				},
			}
			if err := ec.wk.Store.AppendRaw(key, it.Values); err != nil {
				return err
			}
		case urns.SideInputMultiMap:
			valueKey := &fnpb.StateKey{
				Type: &fnpb.StateKey_MultimapSideInput_{
					MultimapSideInput: &fnpb.StateKey_MultimapSideInput{
						TransformId: sid.Transform,
						SideInputId: sid.Tag,
						Window:      it.Window,
						Key:         it.Key,
					},
				},
			}
			if err := ec.wk.Store.AppendRaw(valueKey, it.Values); err != nil {
				return err
			}
			keysKey := &fnpb.StateKey{
				Type: &fnpb.StateKey_MultimapKeysSideInput_{
					MultimapKeysSideInput: &fnpb.StateKey_MultimapKeysSideInput{
						TransformId: sid.Transform,
						SideInputId: sid.Tag,
						Window:      it.Window,
					},
				},
			}
			if err := ec.wk.Store.AppendRaw(keysKey, it.Key); err != nil {
				return err
			}
			// The keys-and-values view packs each group as the key, a
			// big endian value count, and the concatenated values.
			var kvBuf bytes.Buffer
			kvBuf.Write(it.Key)
			if err := coder.EncodeInt32(int32(it.Count), &kvBuf); err != nil {
				return err
			}
			kvBuf.Write(it.Values)
			kvKey := &fnpb.StateKey{
				Type: &fnpb.StateKey_MultimapKeysValuesSideInput_{
					MultimapKeysValuesSideInput: &fnpb.StateKey_MultimapKeysValuesSideInput{
						TransformId: sid.Transform,
						SideInputId: sid.Tag,
						Window:      it.Window,
					},
				},
			}
			if err := ec.wk.Store.AppendRaw(kvKey, kvBuf.Bytes()); err != nil {
				return err
			}
		}
	}
	return nil
}

// BundleManagerFor returns the cached per-stage bundle manager.
func (ec *ExecutionContext) BundleManagerFor(stageName string) (*BundleManager, error) {
	if bm, ok := ec.bundleManagers[stageName]; ok {
		return bm, nil
	}
	stage, ok := ec.stages[stageName]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stageName)
	}
	bm, err := newBundleManager(ec, stage)
	if err != nil {
		return nil, err
	}
	ec.bundleManagers[stageName] = bm
	return bm, nil
}
