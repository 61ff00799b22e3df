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
	"sync"
	"time"

	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/mtime"
)

// Clock tells the scheduler what time it is, so time-pending work can
// be promoted. The driving loop injects a TestClock for deterministic
// scheduling in tests.
type Clock interface {
	Now() mtime.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() mtime.Time {
	return mtime.FromTime(time.Now())
}

// TestClock is a manually advanced clock.
type TestClock struct {
	mu  sync.Mutex
	now mtime.Time
}

func NewTestClock(start mtime.Time) *TestClock {
	return &TestClock{now: start}
}

func (c *TestClock) Now() mtime.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t. Time never goes backwards; an earlier t
// is ignored.
func (c *TestClock) Set(t mtime.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}
