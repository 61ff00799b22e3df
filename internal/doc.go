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

// Package internal puts the less separable parts of the engine
// together to execute pipelines: the execution context that indexes
// the stage graph and owns the buffer table, the per-stage bundle
// machinery, the windowing strategy rewrites, and the driving loop
// that schedules stages as their data and watermarks arrive.
//
// The engine subpackage holds the pure data structures (buffers,
// queues, watermarks), and the worker subpackage speaks the Fn API to
// SDK harnesses. This package is where those meet.
package internal
