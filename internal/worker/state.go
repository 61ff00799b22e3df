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
	"fmt"
	"sync"

	fnpb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/fnexecution_v1"
	"google.golang.org/protobuf/proto"
)

// StateServicer is the worker-visible keyed byte store. Side input
// data is committed here by the execution context, and the state RPC
// plane serves worker requests from it.
//
// Keys are full StateKey messages, canonicalized by deterministic
// proto serialization.
type StateServicer struct {
	mu    sync.RWMutex
	state map[string][][]byte
}

func NewStateServicer() *StateServicer {
	return &StateServicer{state: map[string][][]byte{}}
}

func keyBytes(key *fnpb.StateKey) (string, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("state: canonicalizing key: %w", err)
	}
	return string(b), nil
}

// AppendRaw adds data under the given state key.
func (s *StateServicer) AppendRaw(key *fnpb.StateKey, data []byte) error {
	k, err := keyBytes(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[k] = append(s.state[k], data)
	return nil
}

// Read returns the concatenation of all blobs appended under the key.
// A key never written reads as empty.
func (s *StateServicer) Read(key *fnpb.StateKey) ([]byte, error) {
	k, err := keyBytes(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []byte
	for _, b := range s.state[k] {
		out = append(out, b...)
	}
	return out, nil
}

// Clear drops all data under the key.
func (s *StateServicer) Clear(key *fnpb.StateKey) error {
	k, err := keyBytes(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, k)
	return nil
}

// Len is the number of distinct keys held.
func (s *StateServicer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state)
}
