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

// Package stratum executes fused pipeline stage graphs locally against
// SDK harnesses over the Fn API. The caller provides the pipeline
// components and the fused stages; stratum serves the control, data,
// state, and status planes, schedules stages as their inputs become
// available, and drives the pipeline to completion.
package stratum

import (
	"context"
	"fmt"
	"log/slog"

	pipepb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/pipeline_v1"
	"github.com/google/uuid"
	"github.com/stratumflow/stratum/internal"
	"github.com/stratumflow/stratum/internal/engine"
	"github.com/stratumflow/stratum/internal/urns"
	"github.com/stratumflow/stratum/internal/worker"
)

// Stage is one fused unit of the pipeline DAG: an ordered list of
// transforms bracketed by DataSource and DataSink boundary transforms,
// executing in a single environment.
type Stage = internal.Stage

// ImpulseBuffer is the buffer id DataSource transforms read to receive
// the synthetic impulse element.
const ImpulseBuffer = engine.ImpulseBuffer

// MaterializedBuffer is the buffer id carrying the elements of the
// given PCollection between stages.
func MaterializedBuffer(pcollection string) string {
	return engine.CreateBufferID(engine.BufferKindMaterialize, pcollection)
}

// GroupedBuffer is the buffer id carrying the shuffled output of the
// given grouping transform.
func GroupedBuffer(transform string) string {
	return engine.CreateBufferID(engine.BufferKindGroup, transform)
}

// DataSource returns a stage boundary transform that reads the given
// buffer and emits it as the given PCollection.
func DataSource(id, bufferID, outputPCollection string) *pipepb.PTransform {
	return &pipepb.PTransform{
		UniqueName: id,
		Spec: &pipepb.FunctionSpec{
			Urn:     urns.TransformSource,
			Payload: []byte(bufferID),
		},
		Outputs: map[string]string{"i0": outputPCollection},
	}
}

// DataSink returns a stage boundary transform that writes the given
// PCollection into the given buffer.
func DataSink(id, bufferID, inputPCollection string) *pipepb.PTransform {
	return &pipepb.PTransform{
		UniqueName: id,
		Spec: &pipepb.FunctionSpec{
			Urn:     urns.TransformSink,
			Payload: []byte(bufferID),
		},
		Inputs: map[string]string{"i0": inputPCollection},
	}
}

type options struct {
	workers     int
	environment string
	onServing   func(endpoint string)
	status      worker.StatusOptions
}

// Option configures Execute.
type Option func(*options)

// WithWorkerCount sets how many bundles a stage's input is split into.
// The default is 1.
func WithWorkerCount(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithEnvironment sets the environment id reported to SDK harnesses.
func WithEnvironment(id string) Option {
	return func(o *options) { o.environment = id }
}

// WithEndpointNotify registers a callback invoked with the worker
// endpoint once the Fn API services are listening, so the caller can
// launch or point an SDK harness at them.
func WithEndpointNotify(fn func(endpoint string)) Option {
	return func(o *options) { o.onServing = fn }
}

// WithStatusOptions configures the engine's own worker status
// reporting (stalled bundle warnings, heap dumps on status pages).
func WithStatusOptions(so worker.StatusOptions) Option {
	return func(o *options) { o.status = so }
}

// Execute runs the staged pipeline to completion. It serves the Fn API
// for the duration of the call and tears the services down on return.
// The context cancels all in-flight bundles.
func Execute(ctx context.Context, comps *pipepb.Components, stages []*Stage, opts ...Option) error {
	o := options{
		workers:     1,
		environment: "go",
	}
	for _, opt := range opts {
		opt(&o)
	}

	wk := worker.New("worker-"+uuid.NewString()[:8], o.environment)
	go wk.Serve()
	defer wk.Stop()
	slog.Info("serving", "worker", wk)

	h, err := worker.NewStatusHandler(ctx, wk.Endpoint(), wk, wk.Store, o.status)
	if err != nil {
		return fmt.Errorf("stratum: starting status handler: %w", err)
	}
	defer h.Close()

	if o.onServing != nil {
		o.onServing(wk.Endpoint())
	}
	if err := internal.RunPipeline(ctx, wk, comps, stages, o.workers, engine.RealClock{}); err != nil {
		return fmt.Errorf("stratum: %w", err)
	}
	return nil
}
