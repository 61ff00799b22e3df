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

// stageNode tracks the progress of one stage through the pipeline.
type stageNode struct {
	name string
	// watermark is the stage's own completion watermark, advanced by
	// the driving loop as bundles for the stage finish.
	watermark mtime.Time

	inputs     []*pcollNode
	sideInputs []*pcollNode
	outputs    []*pcollNode
}

// pcollNode tracks the availability of one PCollection's data.
type pcollNode struct {
	name      string
	producers []*stageNode
}

// watermark of a PCollection is the least advanced of its producers.
// A PCollection with no producer (impulse data) is always complete.
func (n *pcollNode) watermark() mtime.Time {
	if len(n.producers) == 0 {
		return mtime.MaxTimestamp
	}
	w := mtime.MaxTimestamp
	for _, s := range n.producers {
		if sw := s.clamped(); sw < w {
			w = sw
		}
	}
	return w
}

// clamped is the stage's completion watermark, held back by its input
// watermark so a stage never reads as further along than its inputs.
// The graph is acyclic, so the recursion terminates at producerless
// PCollections.
func (s *stageNode) clamped() mtime.Time {
	w := s.watermark
	for _, n := range s.inputs {
		if nw := n.watermark(); nw < w {
			w = nw
		}
	}
	for _, n := range s.sideInputs {
		if nw := n.watermark(); nw < w {
			w = nw
		}
	}
	return w
}

// WatermarkManager tracks per-stage watermarks over the stage DAG.
// A stage is considered ready for work pending at time T once its
// input watermark, the minimum over the watermarks of every
// PCollection it reads as a main or side input, has reached T.
//
// All mutation happens on the single driving goroutine.
type WatermarkManager struct {
	stages map[string]*stageNode
	pcolls map[string]*pcollNode
}

func NewWatermarkManager() *WatermarkManager {
	return &WatermarkManager{
		stages: map[string]*stageNode{},
		pcolls: map[string]*pcollNode{},
	}
}

func (wm *WatermarkManager) pcoll(id string) *pcollNode {
	n, ok := wm.pcolls[id]
	if !ok {
		n = &pcollNode{name: id}
		wm.pcolls[id] = n
	}
	return n
}

// AddStage registers a stage and its PCollection edges. PCollection
// nodes are shared across stages, so registration order doesn't matter.
func (wm *WatermarkManager) AddStage(name string, inputs, sideInputs, outputs []string) {
	s := &stageNode{name: name, watermark: mtime.MinTimestamp}
	wm.stages[name] = s
	for _, id := range inputs {
		s.inputs = append(s.inputs, wm.pcoll(id))
	}
	for _, id := range sideInputs {
		s.sideInputs = append(s.sideInputs, wm.pcoll(id))
	}
	for _, id := range outputs {
		n := wm.pcoll(id)
		n.producers = append(n.producers, s)
		s.outputs = append(s.outputs, n)
	}
}

// InputWatermark is the minimum over the stage's input and side-input
// PCollection watermarks. A stage with no inputs is always ready.
func (wm *WatermarkManager) InputWatermark(stage string) mtime.Time {
	s, ok := wm.stages[stage]
	if !ok {
		panic(fmt.Sprintf("watermarks: unknown stage %q", stage))
	}
	w := mtime.MaxTimestamp
	for _, n := range s.inputs {
		if nw := n.watermark(); nw < w {
			w = nw
		}
	}
	for _, n := range s.sideInputs {
		if nw := n.watermark(); nw < w {
			w = nw
		}
	}
	return w
}

// StageWatermark is the stage's own completion watermark, clamped so
// it never runs ahead of the stage's input watermark.
func (wm *WatermarkManager) StageWatermark(stage string) mtime.Time {
	s, ok := wm.stages[stage]
	if !ok {
		panic(fmt.Sprintf("watermarks: unknown stage %q", stage))
	}
	return s.clamped()
}

// SetStageWatermark advances a stage's completion watermark.
// Watermarks never regress; a lower value is ignored.
func (wm *WatermarkManager) SetStageWatermark(stage string, t mtime.Time) {
	s, ok := wm.stages[stage]
	if !ok {
		panic(fmt.Sprintf("watermarks: unknown stage %q", stage))
	}
	if t <= s.watermark {
		return
	}
	slog.Debug("watermark advance", slog.String("stage", stage), slog.Any("to", t))
	s.watermark = t
}

// PCollectionWatermark is the minimum over the watermarks of the
// PCollection's producing stages.
func (wm *WatermarkManager) PCollectionWatermark(id string) mtime.Time {
	n, ok := wm.pcolls[id]
	if !ok {
		panic(fmt.Sprintf("watermarks: unknown pcollection %q", id))
	}
	return n.watermark()
}
