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
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	fnpb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/fnexecution_v1"
	"github.com/stratumflow/stratum/internal/engine"
)

func TestBundle_ProcessOn(t *testing.T) {
	wk := New("test", "testEnv")
	input := [][]byte{{1, 2, 3}, {4, 5, 6}}
	b := &B{
		InstID:      "inst",
		PBDID:       "pbd",
		Inputs:      map[string][][]byte{"source": input},
		OutputCount: 1,
	}
	b.Init()
	var completed sync.WaitGroup
	completed.Add(1)
	var procErr error
	go func() {
		defer completed.Done()
		procErr = b.ProcessOn(context.Background(), wk)
	}()

	req := <-wk.InstReqs
	if got, want := req.GetInstructionId(), "inst"; got != want {
		t.Errorf("InstructionId = %v, want %v", got, want)
	}
	if got, want := req.GetProcessBundle().GetProcessBundleDescriptorId(), "pbd"; got != want {
		t.Errorf("ProcessBundleDescriptorId = %v, want %v", got, want)
	}

	for i, want := range input {
		elms := <-wk.DataReqs
		d := elms.GetData()[0]
		if got := d.GetData(); !bytes.Equal(got, want) {
			t.Errorf("data[%d] = %v, want %v", i, got, want)
		}
		if got, want := d.GetIsLast(), i+1 == len(input); got != want {
			t.Errorf("data[%d] IsLast = %v, want %v", i, got, want)
		}
		if got, want := d.GetTransformId(), "source"; got != want {
			t.Errorf("data[%d] TransformId = %v, want %v", i, got, want)
		}
	}

	b.Respond(&fnpb.InstructionResponse{
		InstructionId: b.InstID,
		Response: &fnpb.InstructionResponse_ProcessBundle{
			ProcessBundle: &fnpb.ProcessBundleResponse{},
		},
	})
	b.DataOrTimerDone()
	completed.Wait()
	if procErr != nil {
		t.Errorf("ProcessOn() = %v, want nil", procErr)
	}
}

func TestBundle_ProcessOn_emptyInput(t *testing.T) {
	wk := New("test", "testEnv")
	b := &B{
		InstID:      "inst",
		PBDID:       "pbd",
		Inputs:      map[string][][]byte{"source": nil},
		OutputCount: 0,
	}
	b.Init()
	var completed sync.WaitGroup
	completed.Add(1)
	go func() {
		defer completed.Done()
		if err := b.ProcessOn(context.Background(), wk); err != nil {
			t.Errorf("ProcessOn() = %v, want nil", err)
		}
	}()

	<-wk.InstReqs
	// An empty input still produces a terminating element.
	elms := <-wk.DataReqs
	d := elms.GetData()[0]
	if len(d.GetData()) != 0 || !d.GetIsLast() {
		t.Errorf("empty input element = %v, want empty IsLast", d)
	}

	b.Respond(&fnpb.InstructionResponse{InstructionId: b.InstID})
	completed.Wait()
}

func TestBundle_ProcessOn_timers(t *testing.T) {
	wk := New("test", "testEnv")
	id := engine.TimerID{Transform: "tx", Family: "fam"}
	b := &B{
		InstID: "inst",
		PBDID:  "pbd",
		Inputs: map[string][][]byte{"source": {{1}}},
		InputTimers: map[engine.TimerID][][]byte{
			id: {{9}, {8}},
		},
		OutputCount: 0,
	}
	b.Init()
	var completed sync.WaitGroup
	completed.Add(1)
	go func() {
		defer completed.Done()
		if err := b.ProcessOn(context.Background(), wk); err != nil {
			t.Errorf("ProcessOn() = %v, want nil", err)
		}
	}()

	<-wk.InstReqs
	<-wk.DataReqs // data input
	for i, want := range b.InputTimers[id] {
		elms := <-wk.DataReqs
		tm := elms.GetTimers()[0]
		if got := tm.GetTimers(); !bytes.Equal(got, want) {
			t.Errorf("timers[%d] = %v, want %v", i, got, want)
		}
		if got, want := tm.GetTransformId(), id.Transform; got != want {
			t.Errorf("timers[%d] TransformId = %v, want %v", i, got, want)
		}
		if got, want := tm.GetTimerFamilyId(), id.Family; got != want {
			t.Errorf("timers[%d] TimerFamilyId = %v, want %v", i, got, want)
		}
		if got, want := tm.GetIsLast(), i+1 == len(b.InputTimers[id]); got != want {
			t.Errorf("timers[%d] IsLast = %v, want %v", i, got, want)
		}
	}

	b.Respond(&fnpb.InstructionResponse{InstructionId: b.InstID})
	completed.Wait()
}

func TestBundle_ProcessOn_workerError(t *testing.T) {
	wk := New("test", "testEnv")
	b := &B{
		InstID:      "inst",
		PBDID:       "pbd",
		Inputs:      map[string][][]byte{"source": {{1}}},
		OutputCount: 1, // never completes; the error must not hang.
	}
	b.Init()
	var completed sync.WaitGroup
	completed.Add(1)
	var procErr error
	go func() {
		defer completed.Done()
		procErr = b.ProcessOn(context.Background(), wk)
	}()

	<-wk.InstReqs
	<-wk.DataReqs
	b.Respond(&fnpb.InstructionResponse{
		InstructionId: b.InstID,
		Error:         "test error",
	})
	completed.Wait()
	if procErr == nil || !strings.Contains(procErr.Error(), "test error") {
		t.Errorf("ProcessOn() = %v, want error containing %q", procErr, "test error")
	}
}
