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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTentativeData_WriteData(t *testing.T) {
	var d TentativeData
	d.WriteData("pcA", []byte{1})
	d.WriteData("pcA", []byte{2})
	d.WriteData("pcB", []byte{3})

	want := map[string][][]byte{
		"pcA": {{1}, {2}},
		"pcB": {{3}},
	}
	if diff := cmp.Diff(want, d.Raw); diff != "" {
		t.Errorf("WriteData() result diff (-want, +got):\n%v", diff)
	}
}

func TestTentativeData_WriteTimers(t *testing.T) {
	var d TentativeData
	d.WriteTimers("tx", "fam", []byte{9})
	d.WriteTimers("tx", "fam", []byte{8})
	d.WriteTimers("tx", "other", []byte{7})

	want := map[TimerID][][]byte{
		{Transform: "tx", Family: "fam"}:   {{9}, {8}},
		{Transform: "tx", Family: "other"}: {{7}},
	}
	if diff := cmp.Diff(want, d.Timers); diff != "" {
		t.Errorf("WriteTimers() result diff (-want, +got):\n%v", diff)
	}
}
