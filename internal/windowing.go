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
	"sync"

	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/coder"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/mtime"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/window"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/runtime/exec"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/typex"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/util/ioutilx"
	fnpb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/fnexecution_v1"
	pipepb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/pipeline_v1"
	"github.com/google/uuid"
	"github.com/stratumflow/stratum/internal/urns"
	"github.com/stratumflow/stratum/internal/worker"
	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/proto"
)

// The windower registry maps the opaque handles embedded in rewritten
// merging windowing strategies back to the adapter that serves them.
// Handles are process global so a strategy payload stays meaningful
// for the lifetime of its registration.
var (
	windowersMu sync.Mutex
	windowers   = map[string]*MergingWindower{}
)

// RegisterWindower assigns a fresh handle to the windower and makes it
// resolvable until UnregisterWindower is called with that handle.
func RegisterWindower(m *MergingWindower) string {
	handle := "merge-" + uuid.NewString()
	windowersMu.Lock()
	defer windowersMu.Unlock()
	windowers[handle] = m
	return handle
}

// LookupWindower resolves a handle from a rewritten strategy payload.
func LookupWindower(handle string) (*MergingWindower, bool) {
	windowersMu.Lock()
	defer windowersMu.Unlock()
	m, ok := windowers[handle]
	return m, ok
}

// UnregisterWindower releases a handle.
func UnregisterWindower(handle string) {
	windowersMu.Lock()
	defer windowersMu.Unlock()
	delete(windowers, handle)
}

// MergingWindower evaluates a custom merging window fn by proxying
// merge calls to the SDK that owns the fn. It lazily builds a synthetic
// bundle descriptor with a single MERGE_WINDOWS transform bracketed by
// data port transforms, and each Merge call round trips one bundle
// through it.
type MergingWindower struct {
	wk            *worker.W
	windowFn      *pipepb.FunctionSpec
	windowCoderID string
	environment   string
	comps         *pipepb.Components

	once     sync.Once
	buildErr error
	pbdID    string
	wDec     exec.WindowDecoder
	wEnc     exec.WindowEncoder
}

// NewMergingWindower returns a windower for the given strategy's
// window fn, executing merges on the given worker. The descriptor is
// not built or registered until the first Merge call.
func NewMergingWindower(wk *worker.W, ws *pipepb.WindowingStrategy, comps *pipepb.Components) *MergingWindower {
	return &MergingWindower{
		wk:            wk,
		windowFn:      ws.GetWindowFn(),
		windowCoderID: ws.GetWindowCoderId(),
		environment:   ws.GetEnvironmentId(),
		comps:         comps,
	}
}

func (m *MergingWindower) ensureDescriptor() error {
	m.once.Do(func() { m.buildErr = m.buildDescriptor() })
	return m.buildErr
}

// buildDescriptor assembles the merge descriptor. The SDK reads
// KV<K, Iterable<Window>> pairs off the data plane, runs the window
// fn's merge logic, and writes back KV<K, KV<Iterable<Window>,
// Iterable<KV<Window, Iterable<Window>>>>> pairs: the windows left
// unmerged, and one (merged, originals) pair per merge that happened.
func (m *MergingWindower) buildDescriptor() error {
	u := uuid.NewString()
	m.pbdID = "merge-" + u

	wc, ok := m.comps.GetCoders()[m.windowCoderID]
	if !ok {
		return fmt.Errorf("merging windower: unknown window coder %v", m.windowCoderID)
	}
	m.wDec, m.wEnc = makeWindowCoders(wc)

	// The descriptor gets every pipeline coder, so the window coder's
	// components resolve, plus the synthetic merge protocol coders.
	coders := map[string]*pipepb.Coder{}
	maps.Copy(coders, m.comps.GetCoders())
	mk := func(kind, urn string, comps ...string) string {
		id := fmt.Sprintf("c%s_%s", kind, u)
		coders[id] = &pipepb.Coder{
			Spec:              &pipepb.FunctionSpec{Urn: urn},
			ComponentCoderIds: comps,
		}
		return id
	}
	cBytes := mk("bytes", urns.CoderBytes)
	cGW := mk("gw", urns.CoderGlobalWindow)
	cIterW := mk("iterw", urns.CoderIterable, m.windowCoderID)
	cIn := mk("in", urns.CoderKV, cBytes, cIterW)
	cWVIn := mk("wvin", urns.CoderWindowedValue, cIn, cGW)
	cPair := mk("pair", urns.CoderKV, m.windowCoderID, cIterW)
	cIterPair := mk("iterpair", urns.CoderIterable, cPair)
	cMerged := mk("merged", urns.CoderKV, cIterW, cIterPair)
	cOut := mk("out", urns.CoderKV, cBytes, cMerged)
	cWVOut := mk("wvout", urns.CoderWindowedValue, cOut, cGW)

	wsID := "ws_" + u
	payload, err := proto.Marshal(m.windowFn)
	if err != nil {
		return fmt.Errorf("merging windower: marshalling window fn: %w", err)
	}
	desc := &fnpb.ProcessBundleDescriptor{
		Id: m.pbdID,
		Transforms: map[string]*pipepb.PTransform{
			"read": sourceTransform("read", portPayload(cWVIn, m.wk.Endpoint()), "input"),
			"merge": {
				UniqueName: "merge",
				Spec: &pipepb.FunctionSpec{
					Urn:     urns.TransformMergeWindows,
					Payload: payload,
				},
				Inputs:        map[string]string{"i0": "input"},
				Outputs:       map[string]string{"i0": "output"},
				EnvironmentId: m.environment,
			},
			"write": sinkTransform("write", portPayload(cWVOut, m.wk.Endpoint()), "output"),
		},
		Pcollections: map[string]*pipepb.PCollection{
			"input": {
				UniqueName:          "input",
				CoderId:             cIn,
				WindowingStrategyId: wsID,
			},
			"output": {
				UniqueName:          "output",
				CoderId:             cOut,
				WindowingStrategyId: wsID,
			},
		},
		WindowingStrategies: map[string]*pipepb.WindowingStrategy{
			wsID: {
				WindowFn:         &pipepb.FunctionSpec{Urn: urns.WindowFnGlobal},
				WindowCoderId:    cGW,
				MergeStatus:      pipepb.MergeStatus_NON_MERGING,
				AccumulationMode: pipepb.AccumulationMode_DISCARDING,
				OutputTime:       pipepb.OutputTime_END_OF_WINDOW,
				Trigger: &pipepb.Trigger{
					Trigger: &pipepb.Trigger_Default_{Default: &pipepb.Trigger_Default{}},
				},
			},
		},
		Coders:                    coders,
		Environments:              m.comps.GetEnvironments(),
		StateApiServiceDescriptor: m.wk.StateEndpoint(),
		TimerApiServiceDescriptor: m.wk.DataEndpoint(),
	}
	m.wk.RegisterDescriptor(desc)
	return nil
}

// Merge runs the window fn's merge logic over the given windows,
// returning a mapping from each merged-away original window to its
// replacement. Windows the fn left alone are absent from the mapping.
// A worker side failure fails this merge call only.
func (m *MergingWindower) Merge(ctx context.Context, windows []typex.Window) (map[typex.Window]typex.Window, error) {
	if err := m.ensureDescriptor(); err != nil {
		return nil, err
	}

	// One windowed KV<"", Iterable<Window>> element in the global window.
	var buf bytes.Buffer
	gwEnc := exec.MakeWindowEncoder(coder.NewGlobalWindow())
	if err := exec.EncodeWindowedValueHeader(gwEnc, window.SingleGlobalWindow, mtime.MinTimestamp, typex.NoFiringPane(), &buf); err != nil {
		return nil, fmt.Errorf("merging windower: encoding header: %w", err)
	}
	if err := coder.EncodeVarInt(0, &buf); err != nil {
		return nil, err
	}
	if err := coder.EncodeInt32(int32(len(windows)), &buf); err != nil {
		return nil, err
	}
	for _, w := range windows {
		if err := m.wEnc.EncodeSingle(w, &buf); err != nil {
			return nil, fmt.Errorf("merging windower: encoding window %v: %w", w, err)
		}
	}

	b := &worker.B{
		InstID:            m.wk.NextInst(),
		PBDID:             m.pbdID,
		Inputs:            map[string][][]byte{"read": {buf.Bytes()}},
		OutputCount:       1,
		SinkToPCollection: map[string]string{"write": "output"},
	}
	b.Init()
	if err := b.ProcessOn(ctx, m.wk); err != nil {
		return nil, fmt.Errorf("merging windower: %w", err)
	}

	mapping := map[typex.Window]typex.Window{}
	gwDec := exec.MakeWindowDecoder(coder.NewGlobalWindow())
	for _, blk := range b.OutputData.Raw["output"] {
		r := bytes.NewReader(blk)
		for r.Len() > 0 {
			if _, _, _, err := exec.DecodeWindowedValueHeader(gwDec, r); err != nil {
				return nil, fmt.Errorf("merging windower: decoding header: %w", err)
			}
			l, err := coder.DecodeVarInt(r)
			if err != nil {
				return nil, err
			}
			if _, err := ioutilx.ReadN(r, int(l)); err != nil {
				return nil, err
			}
			// Windows the fn didn't touch.
			n, err := coder.DecodeInt32(r)
			if err != nil {
				return nil, err
			}
			for i := int32(0); i < n; i++ {
				if _, err := m.wDec.DecodeSingle(r); err != nil {
					return nil, err
				}
			}
			// Merge results: merged window, then its originals.
			p, err := coder.DecodeInt32(r)
			if err != nil {
				return nil, err
			}
			for i := int32(0); i < p; i++ {
				merged, err := m.wDec.DecodeSingle(r)
				if err != nil {
					return nil, err
				}
				cnt, err := coder.DecodeInt32(r)
				if err != nil {
					return nil, err
				}
				for j := int32(0); j < cnt; j++ {
					orig, err := m.wDec.DecodeSingle(r)
					if err != nil {
						return nil, err
					}
					mapping[orig] = merged
				}
			}
		}
	}
	return mapping, nil
}
