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
	"log/slog"
	"sort"

	fnpb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/fnexecution_v1"
	pipepb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/pipeline_v1"
	"github.com/stratumflow/stratum/internal/urns"
	"google.golang.org/protobuf/proto"
)

// Stage is one fused unit of the translated pipeline DAG: an ordered
// list of transforms executing in a single environment, bracketed by
// runner data source and sink transforms. Stages are produced by the
// translation layer and are immutable after construction, except that
// the execution context rewrites source/sink payloads to live data
// endpoints during setup.
type Stage struct {
	Name        string
	Transforms  []*pipepb.PTransform
	Environment string
}

func (s *Stage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", s.Name),
		slog.String("environment", s.Environment),
		slog.Int("transforms", len(s.Transforms)))
}

// SideInputs returns the PCollection ids this stage's transforms
// consume as side inputs, in a stable order.
func (s *Stage) SideInputs() []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range s.Transforms {
		pardo, err := parDoPayload(t)
		if err != nil || pardo == nil {
			continue
		}
		tags := make([]string, 0, len(pardo.GetSideInputs()))
		for tag := range pardo.GetSideInputs() {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			pcol := t.GetInputs()[tag]
			if pcol != "" && !seen[pcol] {
				seen[pcol] = true
				out = append(out, pcol)
			}
		}
	}
	return out
}

// hasSideInputs reports whether any transform in the stage consumes a
// side input, which gates the stage's initial scheduling.
func (s *Stage) hasSideInputs() bool {
	for _, t := range s.Transforms {
		pardo, err := parDoPayload(t)
		if err != nil {
			continue
		}
		if len(pardo.GetSideInputs()) > 0 {
			return true
		}
	}
	return false
}

// parDoPayload unmarshals a transform's ParDoPayload, returning nil
// for transforms that aren't ParDos.
func parDoPayload(t *pipepb.PTransform) (*pipepb.ParDoPayload, error) {
	if t.GetSpec().GetUrn() != urns.TransformParDo {
		return nil, nil
	}
	pardo := &pipepb.ParDoPayload{}
	if err := (proto.UnmarshalOptions{}).Unmarshal(t.GetSpec().GetPayload(), pardo); err != nil {
		return nil, fmt.Errorf("unable to decode ParDoPayload for %v: %w", t.GetUniqueName(), err)
	}
	return pardo, nil
}

// portPayload serializes a RemoteGrpcPort payload binding the given
// coder to the given data endpoint, for source and sink transforms.
func portPayload(coderID, endpoint string) []byte {
	port := &fnpb.RemoteGrpcPort{
		CoderId: coderID,
		ApiServiceDescriptor: &pipepb.ApiServiceDescriptor{
			Url: endpoint,
		},
	}
	b, err := proto.Marshal(port)
	if err != nil {
		panic(fmt.Sprintf("marshalling RemoteGrpcPort for %v: %v", endpoint, err))
	}
	return b
}

// portCoderID extracts the coder id from a source or sink transform's
// RemoteGrpcPort payload.
func portCoderID(t *pipepb.PTransform) (string, error) {
	port := &fnpb.RemoteGrpcPort{}
	if err := proto.Unmarshal(t.GetSpec().GetPayload(), port); err != nil {
		return "", fmt.Errorf("unable to decode RemoteGrpcPort for %v: %w", t.GetUniqueName(), err)
	}
	if port.GetCoderId() == "" {
		return "", fmt.Errorf("no coder on data port for %v", t.GetUniqueName())
	}
	return port.GetCoderId(), nil
}

// onlyElement returns the single value of a map, panicking when the
// map doesn't have exactly one entry.
func onlyElement(m map[string]string) string {
	if len(m) != 1 {
		panic(fmt.Sprintf("expected a single element, got %v", m))
	}
	for _, v := range m {
		return v
	}
	return ""
}

func sourceTransform(id string, portBytes []byte, outPID string) *pipepb.PTransform {
	return &pipepb.PTransform{
		UniqueName: id,
		Spec: &pipepb.FunctionSpec{
			Urn:     urns.TransformSource,
			Payload: portBytes,
		},
		Outputs: map[string]string{
			"i0": outPID,
		},
	}
}

func sinkTransform(id string, portBytes []byte, inPID string) *pipepb.PTransform {
	return &pipepb.PTransform{
		UniqueName: id,
		Spec: &pipepb.FunctionSpec{
			Urn:     urns.TransformSink,
			Payload: portBytes,
		},
		Inputs: map[string]string{
			"i0": inPID,
		},
	}
}
