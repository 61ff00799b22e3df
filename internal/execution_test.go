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
	"testing"

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
	"google.golang.org/protobuf/proto"
)

// testComponents builds a component table where every named
// PCollection is byte coded in the default global windowing.
func testComponents(pcolls ...string) *pipepb.Components {
	comps := &pipepb.Components{
		Transforms:   map[string]*pipepb.PTransform{},
		Pcollections: map[string]*pipepb.PCollection{},
		Coders: map[string]*pipepb.Coder{
			"cb":  {Spec: &pipepb.FunctionSpec{Urn: urns.CoderBytes}},
			"cgw": {Spec: &pipepb.FunctionSpec{Urn: urns.CoderGlobalWindow}},
		},
		WindowingStrategies: map[string]*pipepb.WindowingStrategy{
			"wsg": {
				WindowFn:      &pipepb.FunctionSpec{Urn: urns.WindowFnGlobal},
				WindowCoderId: "cgw",
				MergeStatus:   pipepb.MergeStatus_NON_MERGING,
			},
		},
		Environments: map[string]*pipepb.Environment{},
	}
	for _, p := range pcolls {
		comps.Pcollections[p] = &pipepb.PCollection{
			UniqueName:          p,
			CoderId:             "cb",
			WindowingStrategyId: "wsg",
		}
	}
	return comps
}

func sideInputParDo(t *testing.T, id, mainPcol, sidePcol, pattern string) *pipepb.PTransform {
	t.Helper()
	payload, err := proto.Marshal(&pipepb.ParDoPayload{
		DoFn: &pipepb.FunctionSpec{Urn: "test:dofn"},
		SideInputs: map[string]*pipepb.SideInput{
			"side0": {AccessPattern: &pipepb.FunctionSpec{Urn: pattern}},
		},
	})
	if err != nil {
		t.Fatalf("marshalling ParDoPayload: %v", err)
	}
	return &pipepb.PTransform{
		UniqueName: id,
		Spec:       &pipepb.FunctionSpec{Urn: urns.TransformParDo, Payload: payload},
		Inputs:     map[string]string{"i0": mainPcol, "side0": sidePcol},
		Outputs:    map[string]string{"i0": "pcOut"},
	}
}

// twoStageContext is an impulse rooted stage A feeding stage B's main
// input and side input.
func twoStageContext(t *testing.T, pattern string) (*ExecutionContext, *worker.W) {
	t.Helper()
	comps := testComponents("pcA", "pcB", "pcSide", "pcOut")
	stages := []*Stage{
		{
			Name: "A",
			Transforms: []*pipepb.PTransform{
				sourceTransform("A_src", []byte(engine.ImpulseBuffer), "pcA"),
				sinkTransform("A_sink", []byte(engine.CreateBufferID(engine.BufferKindMaterialize, "pcB")), "pcB"),
				sinkTransform("A_side", []byte(engine.CreateBufferID(engine.BufferKindMaterialize, "pcSide")), "pcSide"),
			},
		},
		{
			Name: "B",
			Transforms: []*pipepb.PTransform{
				sourceTransform("B_src", []byte(engine.CreateBufferID(engine.BufferKindMaterialize, "pcB")), "pcB"),
				sideInputParDo(t, "B_pardo", "pcB", "pcSide", pattern),
				sinkTransform("B_sink", []byte(engine.CreateBufferID(engine.BufferKindMaterialize, "pcOut")), "pcOut"),
			},
		},
	}
	wk := worker.New("test", "testEnv")
	ec, err := NewExecutionContext(wk, comps, stages, 1)
	if err != nil {
		t.Fatalf("NewExecutionContext() = %v", err)
	}
	if err := ec.Setup(); err != nil {
		t.Fatalf("Setup() = %v", err)
	}
	return ec, wk
}

func TestExecutionContext_Setup(t *testing.T) {
	ec, _ := twoStageContext(t, urns.SideInputIterable)

	// Only the impulse rooted stage is immediately schedulable.
	if got, want := ec.Queues.Ready.Keys(), []string{"A"}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("Ready.Keys() = %v, want %v", got, want)
	}
	if got := ec.Queues.WatermarkPending.Len(); got != 0 {
		t.Errorf("WatermarkPending.Len() = %v, want 0", got)
	}

	// Source and sink payloads were rewritten to data ports carrying
	// the windowed data channel coders.
	srcA := ec.stages["A"].Transforms[0]
	cid, err := portCoderID(srcA)
	if err != nil {
		t.Fatalf("portCoderID(A_src) = %v", err)
	}
	if want := "cwv_pcA"; cid != want {
		t.Errorf("A_src port coder = %v, want %v", cid, want)
	}
	if _, ok := ec.coders["cwv_pcA"]; !ok {
		t.Error("data channel coder cwv_pcA not registered")
	}

	// The side input edge indexes under its producing stage.
	bindings := ec.sideInputsByProducer["A"]
	bind, ok := bindings[SideInputID{Transform: "B_pardo", Tag: "side0"}]
	if !ok {
		t.Fatalf("no side input binding for B_pardo/side0, got %v", bindings)
	}
	if want := engine.CreateBufferID(engine.BufferKindMaterialize, "pcSide"); bind.BufferID != want {
		t.Errorf("side input buffer = %v, want %v", bind.BufferID, want)
	}
	if bind.AccessPattern != urns.SideInputIterable {
		t.Errorf("side input access pattern = %v, want %v", bind.AccessPattern, urns.SideInputIterable)
	}

	// B's input watermark is held by A; the impulse stage is unheld.
	if got, want := ec.Watermarks.InputWatermark("A"), mtime.MaxTimestamp; got != want {
		t.Errorf("InputWatermark(A) = %v, want %v", got, want)
	}
	if got, want := ec.Watermarks.InputWatermark("B"), mtime.MinTimestamp; got != want {
		t.Errorf("InputWatermark(B) = %v, want %v", got, want)
	}
}

func TestExecutionContext_watermarkPromotion(t *testing.T) {
	ec, _ := twoStageContext(t, urns.SideInputIterable)

	buf := engine.NewListBuffer(nil)
	if err := buf.Append([]byte{1}); err != nil {
		t.Fatal(err)
	}
	key := engine.StageAndTime{Stage: "B", Time: mtime.MaxTimestamp}
	in := &engine.DataInput{Data: map[string]engine.Buffer{"B_src": buf}}
	if err := ec.Queues.WatermarkPending.Enqueue(key, in); err != nil {
		t.Fatal(err)
	}

	if promoteWatermarkPending(ec) {
		t.Error("promoteWatermarkPending() promoted B while A is incomplete")
	}
	ec.Watermarks.SetStageWatermark("A", mtime.MaxTimestamp)
	if !promoteWatermarkPending(ec) {
		t.Error("promoteWatermarkPending() did not promote B after A completed")
	}
	keys := ec.Queues.Ready.Keys()
	found := false
	for _, k := range keys {
		if k == "B" {
			found = true
		}
	}
	if !found {
		t.Errorf("Ready.Keys() = %v, want B present", keys)
	}
}

func TestExecutionContext_SafeWindowingStrategy(t *testing.T) {
	comps := testComponents("pcA")
	comps.Coders["ciw"] = &pipepb.Coder{Spec: &pipepb.FunctionSpec{Urn: urns.CoderIntervalWindow}}
	comps.WindowingStrategies["custom_nm"] = &pipepb.WindowingStrategy{
		WindowFn:      &pipepb.FunctionSpec{Urn: "test:custom_window_fn", Payload: []byte("nm")},
		WindowCoderId: "ciw",
		MergeStatus:   pipepb.MergeStatus_NON_MERGING,
	}
	comps.WindowingStrategies["custom_m"] = &pipepb.WindowingStrategy{
		WindowFn:      &pipepb.FunctionSpec{Urn: "test:custom_window_fn", Payload: []byte("m")},
		WindowCoderId: "ciw",
		MergeStatus:   pipepb.MergeStatus_NEEDS_MERGE,
	}
	wk := worker.New("test", "testEnv")
	ec, err := NewExecutionContext(wk, comps, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Standard window fns pass through unchanged.
	got, err := ec.SafeWindowingStrategy("wsg")
	if err != nil {
		t.Fatalf("SafeWindowingStrategy(wsg) = %v", err)
	}
	if got != "wsg" {
		t.Errorf("SafeWindowingStrategy(wsg) = %v, want wsg", got)
	}

	// A custom non-merging fn is replaced by the generic fn carrying
	// the window coder id.
	safe, err := ec.SafeWindowingStrategy("custom_nm")
	if err != nil {
		t.Fatalf("SafeWindowingStrategy(custom_nm) = %v", err)
	}
	if safe != "custom_nm_safe" {
		t.Errorf("safe id = %v, want custom_nm_safe", safe)
	}
	ws := comps.GetWindowingStrategies()[safe]
	if got, want := ws.GetWindowFn().GetUrn(), urns.WindowFnGenericNonMerging; got != want {
		t.Errorf("safe window fn urn = %v, want %v", got, want)
	}
	if got, want := string(ws.GetWindowFn().GetPayload()), "ciw"; got != want {
		t.Errorf("safe window fn payload = %v, want %v", got, want)
	}
	again, err := ec.SafeWindowingStrategy("custom_nm")
	if err != nil || again != safe {
		t.Errorf("second SafeWindowingStrategy(custom_nm) = %v, %v, want memoized %v", again, err, safe)
	}

	// A custom merging fn registers a windower and carries its handle.
	safeM, err := ec.SafeWindowingStrategy("custom_m")
	if err != nil {
		t.Fatalf("SafeWindowingStrategy(custom_m) = %v", err)
	}
	wsM := comps.GetWindowingStrategies()[safeM]
	if got, want := wsM.GetWindowFn().GetUrn(), urns.WindowFnGenericMerging; got != want {
		t.Errorf("safe merging window fn urn = %v, want %v", got, want)
	}
	handle := string(wsM.GetWindowFn().GetPayload())
	if _, ok := LookupWindower(handle); !ok {
		t.Errorf("LookupWindower(%v) not found after rewrite", handle)
	}
	ec.Close()
	if _, ok := LookupWindower(handle); ok {
		t.Errorf("LookupWindower(%v) still registered after Close", handle)
	}
}

// encodeWindowedBytes encodes byte values as windowed elements of the
// default global windowing, matching the bytes data channel coder.
func encodeWindowedBytes(t *testing.T, vals ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := exec.MakeWindowEncoder(coder.NewGlobalWindow())
	for _, v := range vals {
		if err := exec.EncodeWindowedValueHeader(enc, window.SingleGlobalWindow, mtime.MinTimestamp, typex.NoFiringPane(), &buf); err != nil {
			t.Fatalf("encoding header: %v", err)
		}
		if err := coder.EncodeVarInt(int64(len(v)), &buf); err != nil {
			t.Fatal(err)
		}
		buf.Write(v)
	}
	return buf.Bytes()
}

// encodeWindowedKVBytes encodes KV<bytes, bytes> pairs the same way.
func encodeWindowedKVBytes(t *testing.T, pairs ...[2][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := exec.MakeWindowEncoder(coder.NewGlobalWindow())
	for _, kv := range pairs {
		if err := exec.EncodeWindowedValueHeader(enc, window.SingleGlobalWindow, mtime.MinTimestamp, typex.NoFiringPane(), &buf); err != nil {
			t.Fatalf("encoding header: %v", err)
		}
		for _, part := range kv {
			if err := coder.EncodeVarInt(int64(len(part)), &buf); err != nil {
				t.Fatal(err)
			}
			buf.Write(part)
		}
	}
	return buf.Bytes()
}

func TestExecutionContext_CommitSideInputsToState_iterable(t *testing.T) {
	ec, wk := twoStageContext(t, urns.SideInputIterable)

	bufferID := engine.CreateBufferID(engine.BufferKindMaterialize, "pcSide")
	buf, err := ec.GetBuffer(bufferID)
	if err != nil {
		t.Fatalf("GetBuffer(%v) = %v", bufferID, err)
	}
	if err := buf.Append(encodeWindowedBytes(t, []byte("a"), []byte("bc"))); err != nil {
		t.Fatal(err)
	}
	if err := ec.CommitSideInputsToState("A"); err != nil {
		t.Fatalf("CommitSideInputsToState(A) = %v", err)
	}

	key := &fnpb.StateKey{
		Type: &fnpb.StateKey_IterableSideInput_{
			IterableSideInput: &fnpb.StateKey_IterableSideInput{
				TransformId: "B_pardo",
				SideInputId: "side0",
				Window:      []byte{}, // global window encodes to nothing
			},
		},
	}
	got, err := wk.Store.Read(key)
	if err != nil {
		t.Fatalf("Store.Read() = %v", err)
	}
	// Each value keeps its varint length prefix.
	want := []byte{1, 'a', 2, 'b', 'c'}
	if !bytes.Equal(got, want) {
		t.Errorf("iterable side input state = %v, want %v", got, want)
	}
}

func TestExecutionContext_CommitSideInputsToState_multimap(t *testing.T) {
	comps := testComponents("pcA", "pcB", "pcSide", "pcOut")
	comps.Coders["ckv"] = &pipepb.Coder{
		Spec:              &pipepb.FunctionSpec{Urn: urns.CoderKV},
		ComponentCoderIds: []string{"cb", "cb"},
	}
	comps.Pcollections["pcSide"].CoderId = "ckv"
	stages := []*Stage{
		{
			Name: "A",
			Transforms: []*pipepb.PTransform{
				sourceTransform("A_src", []byte(engine.ImpulseBuffer), "pcA"),
				sinkTransform("A_side", []byte(engine.CreateBufferID(engine.BufferKindMaterialize, "pcSide")), "pcSide"),
			},
		},
		{
			Name: "B",
			Transforms: []*pipepb.PTransform{
				sourceTransform("B_src", []byte(engine.CreateBufferID(engine.BufferKindMaterialize, "pcB")), "pcB"),
				sideInputParDo(t, "B_pardo", "pcB", "pcSide", urns.SideInputMultiMap),
				sinkTransform("B_sink", []byte(engine.CreateBufferID(engine.BufferKindMaterialize, "pcOut")), "pcOut"),
			},
		},
	}
	wk := worker.New("test", "testEnv")
	ec, err := NewExecutionContext(wk, comps, stages, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := ec.Setup(); err != nil {
		t.Fatalf("Setup() = %v", err)
	}

	bufferID := engine.CreateBufferID(engine.BufferKindMaterialize, "pcSide")
	buf, err := ec.GetBuffer(bufferID)
	if err != nil {
		t.Fatal(err)
	}
	data := encodeWindowedKVBytes(t,
		[2][]byte{[]byte("k1"), []byte("v1")},
		[2][]byte{[]byte("k1"), []byte("v2")},
		[2][]byte{[]byte("k2"), []byte("w")},
	)
	if err := buf.Append(data); err != nil {
		t.Fatal(err)
	}
	if err := ec.CommitSideInputsToState("A"); err != nil {
		t.Fatalf("CommitSideInputsToState(A) = %v", err)
	}

	mmKey := func(key []byte) *fnpb.StateKey {
		return &fnpb.StateKey{
			Type: &fnpb.StateKey_MultimapSideInput_{
				MultimapSideInput: &fnpb.StateKey_MultimapSideInput{
					TransformId: "B_pardo",
					SideInputId: "side0",
					Window:      []byte{},
					Key:         key,
				},
			},
		}
	}
	got, err := wk.Store.Read(mmKey([]byte{2, 'k', '1'}))
	if err != nil {
		t.Fatalf("Store.Read(k1) = %v", err)
	}
	if want := []byte{2, 'v', '1', 2, 'v', '2'}; !bytes.Equal(got, want) {
		t.Errorf("multimap values for k1 = %v, want %v", got, want)
	}

	keysKey := &fnpb.StateKey{
		Type: &fnpb.StateKey_MultimapKeysSideInput_{
			MultimapKeysSideInput: &fnpb.StateKey_MultimapKeysSideInput{
				TransformId: "B_pardo",
				SideInputId: "side0",
				Window:      []byte{},
			},
		},
	}
	gotKeys, err := wk.Store.Read(keysKey)
	if err != nil {
		t.Fatalf("Store.Read(keys) = %v", err)
	}
	if want := []byte{2, 'k', '1', 2, 'k', '2'}; !bytes.Equal(gotKeys, want) {
		t.Errorf("multimap key enumeration = %v, want %v", gotKeys, want)
	}

	kvKey := &fnpb.StateKey{
		Type: &fnpb.StateKey_MultimapKeysValuesSideInput_{
			MultimapKeysValuesSideInput: &fnpb.StateKey_MultimapKeysValuesSideInput{
				TransformId: "B_pardo",
				SideInputId: "side0",
				Window:      []byte{},
			},
		},
	}
	gotKV, err := wk.Store.Read(kvKey)
	if err != nil {
		t.Fatalf("Store.Read(keys+values) = %v", err)
	}
	// Each group: key, big endian count, then the values.
	want := []byte{
		2, 'k', '1', 0, 0, 0, 2, 2, 'v', '1', 2, 'v', '2',
		2, 'k', '2', 0, 0, 0, 1, 1, 'w',
	}
	if !bytes.Equal(gotKV, want) {
		t.Errorf("multimap keys+values state = %v, want %v", gotKV, want)
	}
}

func TestExecutionContext_GetBuffer(t *testing.T) {
	comps := testComponents("pcA", "pcGrouped")
	comps.Coders["ckv"] = &pipepb.Coder{
		Spec:              &pipepb.FunctionSpec{Urn: urns.CoderKV},
		ComponentCoderIds: []string{"cb", "cb"},
	}
	comps.Pcollections["pcA"].CoderId = "ckv"
	comps.Transforms["gbk1"] = &pipepb.PTransform{
		UniqueName: "gbk1",
		Spec:       &pipepb.FunctionSpec{Urn: urns.TransformGBK},
		Inputs:     map[string]string{"i0": "pcA"},
		Outputs:    map[string]string{"i0": "pcGrouped"},
	}
	wk := worker.New("test", "testEnv")
	ec, err := NewExecutionContext(wk, comps, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	buf, err := ec.GetBuffer(engine.CreateBufferID(engine.BufferKindMaterialize, "pcA"))
	if err != nil {
		t.Fatalf("GetBuffer(materialize) = %v", err)
	}
	if _, ok := buf.(*engine.ListBuffer); !ok {
		t.Errorf("materialize buffer = %T, want *engine.ListBuffer", buf)
	}
	again, err := ec.GetBuffer(engine.CreateBufferID(engine.BufferKindMaterialize, "pcA"))
	if err != nil || again != buf {
		t.Errorf("second GetBuffer(materialize) = %v, %v, want memoized %v", again, err, buf)
	}

	gbuf, err := ec.GetBuffer(engine.CreateBufferID(engine.BufferKindGroup, "gbk1"))
	if err != nil {
		t.Fatalf("GetBuffer(group) = %v", err)
	}
	if _, ok := gbuf.(*engine.GroupingBuffer); !ok {
		t.Errorf("group buffer = %T, want *engine.GroupingBuffer", gbuf)
	}

	if _, err := ec.GetBuffer("bogus:what"); err == nil {
		t.Error("GetBuffer(bogus kind) succeeded, want error")
	}
}
