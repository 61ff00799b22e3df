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

// Package urns handles extracting urns from all the protos.
package urns

import (
	pipepb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/pipeline_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

type protoEnum interface {
	~int32
	Descriptor() protoreflect.EnumDescriptor
}

// quickUrn extracts the beam urn annotation from an enum value.
func quickUrn[E protoEnum](v E) string {
	return proto.GetExtension(v.Descriptor().Values().ByNumber(protoreflect.EnumNumber(v)).Options(), pipepb.E_BeamUrn).(string)
}

var (
	// SDK transforms.
	TransformParDo        = quickUrn(pipepb.StandardPTransforms_PAR_DO)
	TransformImpulse      = quickUrn(pipepb.StandardPTransforms_IMPULSE)
	TransformGBK          = quickUrn(pipepb.StandardPTransforms_GROUP_BY_KEY)
	TransformFlatten      = quickUrn(pipepb.StandardPTransforms_FLATTEN)
	TransformMergeWindows = quickUrn(pipepb.StandardPTransforms_MERGE_WINDOWS)
	TransformTruncate     = quickUrn(pipepb.StandardPTransforms_TRUNCATE_SIZED_RESTRICTION)

	// Runner transforms. These are the data plane boundaries of a
	// ProcessBundleDescriptor, not standard pipeline constructs.
	TransformSource = "beam:runner:source:v1"
	TransformSink   = "beam:runner:sink:v1"

	// Coders
	CoderBytes          = quickUrn(pipepb.StandardCoders_BYTES)
	CoderStringUTF8     = quickUrn(pipepb.StandardCoders_STRING_UTF8)
	CoderKV             = quickUrn(pipepb.StandardCoders_KV)
	CoderBool           = quickUrn(pipepb.StandardCoders_BOOL)
	CoderVarInt         = quickUrn(pipepb.StandardCoders_VARINT)
	CoderDouble         = quickUrn(pipepb.StandardCoders_DOUBLE)
	CoderIterable       = quickUrn(pipepb.StandardCoders_ITERABLE)
	CoderTimer          = quickUrn(pipepb.StandardCoders_TIMER)
	CoderIntervalWindow = quickUrn(pipepb.StandardCoders_INTERVAL_WINDOW)
	CoderLengthPrefix   = quickUrn(pipepb.StandardCoders_LENGTH_PREFIX)
	CoderGlobalWindow   = quickUrn(pipepb.StandardCoders_GLOBAL_WINDOW)
	CoderWindowedValue  = quickUrn(pipepb.StandardCoders_WINDOWED_VALUE)
	CoderRow            = quickUrn(pipepb.StandardCoders_ROW)

	// Window Fns
	WindowFnGlobal  = quickUrn(pipepb.GlobalWindowsPayload_PROPERTIES)
	WindowFnFixed   = quickUrn(pipepb.FixedWindowsPayload_PROPERTIES)
	WindowFnSliding = quickUrn(pipepb.SlidingWindowsPayload_PROPERTIES)
	WindowFnSession = quickUrn(pipepb.SessionWindowsPayload_PROPERTIES)

	// WindowFnGenericNonMerging and WindowFnGenericMerging stand in for
	// pipeline window fns the runner can't share over the wire verbatim.
	// The non-merging variant carries the window coder id as its payload.
	// The merging variant carries a handle registry id, so merge calls
	// round trip back to the exact adapter instance that was registered.
	WindowFnGenericNonMerging = "internal-generic-non-merging"
	WindowFnGenericMerging    = "internal-generic-merging"

	// Side Input access patterns
	SideInputIterable = quickUrn(pipepb.StandardSideInputTypes_ITERABLE)
	SideInputMultiMap = quickUrn(pipepb.StandardSideInputTypes_MULTIMAP)

	// Environment types
	EnvDocker   = quickUrn(pipepb.StandardEnvironments_DOCKER)
	EnvProcess  = quickUrn(pipepb.StandardEnvironments_PROCESS)
	EnvExternal = quickUrn(pipepb.StandardEnvironments_EXTERNAL)
)
