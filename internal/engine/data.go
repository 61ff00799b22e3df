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

// TentativeData is where the data a bundle emits is put until the
// bundle completes successfully, at which point the driving loop
// commits it into the buffer table for downstream consumption.
type TentativeData struct {
	// Raw is emitted element data, keyed by output PCollection id.
	Raw map[string][][]byte
	// Timers is emitted timer data, keyed by transform and family.
	Timers map[TimerID][][]byte
}

// WriteData adds data to a given global collectionID.
func (d *TentativeData) WriteData(colID string, data []byte) {
	if d.Raw == nil {
		d.Raw = map[string][][]byte{}
	}
	d.Raw[colID] = append(d.Raw[colID], data)
}

// WriteTimers adds timers to the given timer family.
func (d *TentativeData) WriteTimers(transformID, familyID string, timers []byte) {
	if d.Timers == nil {
		d.Timers = map[TimerID][][]byte{}
	}
	id := TimerID{Transform: transformID, Family: familyID}
	d.Timers[id] = append(d.Timers[id], timers)
}
