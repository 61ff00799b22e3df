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
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	fnpb "github.com/apache/beam/sdks/v2/go/pkg/beam/model/fnexecution_v1"
	"github.com/dustin/go-humanize"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// defaultLullTimeout is how long a bundle may process without
	// completing before it is logged as stalled.
	defaultLullTimeout = 5 * time.Minute
	// defaultLullPeriod is how often active bundles are polled for lulls.
	defaultLullPeriod = 2 * time.Minute
	// maxStalledBundles caps the stalled bundle report to avoid spamming.
	maxStalledBundles = 10
)

// doneResponse is the sentinel pushed onto the response queue by Close,
// telling the send loop to stop accepting responses.
var doneResponse = &fnpb.WorkerStatusResponse{}

// BundleTracker exposes the bundles currently processing, for status
// reports and lull detection.
type BundleTracker interface {
	ActiveBundles() []*B
}

// CacheStatser reports the size of the worker's state cache.
type CacheStatser interface {
	Len() int
}

// StatusOptions configures a StatusHandler. Zero values select defaults.
type StatusOptions struct {
	// EnableHeapDump includes memory statistics in status reports.
	EnableHeapDump bool
	// LullTimeout is how long a bundle may run before lull warnings.
	LullTimeout time.Duration
	// LullPeriod is how often the lull logger polls active bundles.
	LullPeriod time.Duration
}

// StatusHandler serves worker status requests over the bidirectional
// status stream: each inbound request yields a response with the same
// id carrying either a textual status report or an error. A failure
// generating one report is isolated to that response; the stream
// stays alive for subsequent requests.
//
// It runs fully decoupled from the execution context, on its own
// goroutines, and also periodically polls active bundles to warn
// about processing lulls.
type StatusHandler struct {
	conn    *grpc.ClientConn
	bundles BundleTracker
	cache   CacheStatser

	enableHeapDump bool
	lullTimeout    time.Duration
	lullPeriod     time.Duration
	lastLullLog    time.Time

	responses chan *fnpb.WorkerStatusResponse
	stopLull  chan struct{}
	done      chan struct{}
}

// NewStatusHandler connects to the status endpoint and starts serving
// status requests and the lull logger.
func NewStatusHandler(ctx context.Context, endpoint string, bundles BundleTracker, cache CacheStatser, opts StatusOptions) (*StatusHandler, error) {
	conn, err := grpc.DialContext(ctx, endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("status: dialing %v: %w", endpoint, err)
	}
	h := &StatusHandler{
		conn:           conn,
		bundles:        bundles,
		cache:          cache,
		enableHeapDump: opts.EnableHeapDump,
		lullTimeout:    opts.LullTimeout,
		lullPeriod:     opts.LullPeriod,
		responses:      make(chan *fnpb.WorkerStatusResponse, 10),
		stopLull:       make(chan struct{}),
		done:           make(chan struct{}),
	}
	if h.lullTimeout <= 0 {
		h.lullTimeout = defaultLullTimeout
	}
	if h.lullPeriod <= 0 {
		h.lullPeriod = defaultLullPeriod
	}
	stream, err := fnpb.NewBeamFnWorkerStatusClient(conn).WorkerStatus(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("status: opening status stream: %w", err)
	}
	go h.serve(stream)
	go h.logLulls()
	return h, nil
}

// serve responds to status requests until the stream ends or Close
// pushes the sentinel.
func (h *StatusHandler) serve(stream fnpb.BeamFnWorkerStatus_WorkerStatusClient) {
	defer close(h.done)
	go func() {
		for {
			resp, ok := <-h.responses
			if !ok || resp == doneResponse {
				stream.CloseSend()
				return
			}
			if err := stream.Send(resp); err != nil {
				slog.Debug("status.Send error", slog.Any("error", err))
				return
			}
		}
	}()
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			slog.Debug("status stream closed", slog.Any("error", err))
			return
		}
		h.responses <- h.statusResponse(req)
	}
}

// Close stops accepting responses and tears the stream down.
func (h *StatusHandler) Close() error {
	h.responses <- doneResponse
	close(h.stopLull)
	<-h.done
	return h.conn.Close()
}

func (h *StatusHandler) statusResponse(req *fnpb.WorkerStatusRequest) (resp *fnpb.WorkerStatusResponse) {
	// A panic while generating one status page fails only this
	// response, not the handler.
	defer func() {
		if r := recover(); r != nil {
			resp = &fnpb.WorkerStatusResponse{
				Id:    req.GetId(),
				Error: fmt.Sprintf("error encountered while generating status page: %v\n%s", r, debug.Stack()),
			}
		}
	}()
	return &fnpb.WorkerStatusResponse{
		Id:         req.GetId(),
		StatusInfo: h.generateStatus(),
	}
}

func section(b *strings.Builder, name string) {
	fmt.Fprintf(b, "%s %s %s\n", strings.Repeat("=", 10), name, strings.Repeat("=", 10))
}

func (h *StatusHandler) generateStatus() string {
	var b strings.Builder
	if h.cache != nil {
		section(&b, "CACHE STATS")
		fmt.Fprintf(&b, "state keys: %d\n", h.cache.Len())
	}
	if h.bundles != nil {
		h.activeBundlesState(&b)
	}
	section(&b, "GOROUTINE DUMP")
	b.Write(stackDump(true))
	b.WriteString("\n")
	if h.enableHeapDump {
		section(&b, "HEAP DUMP")
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		fmt.Fprintf(&b, "heap alloc: %s\n", humanize.Bytes(ms.HeapAlloc))
		fmt.Fprintf(&b, "heap in use: %s\n", humanize.Bytes(ms.HeapInuse))
		fmt.Fprintf(&b, "total alloc: %s\n", humanize.Bytes(ms.TotalAlloc))
		fmt.Fprintf(&b, "sys: %s\n", humanize.Bytes(ms.Sys))
		fmt.Fprintf(&b, "GC cycles: %d\n", ms.NumGC)
	}
	b.WriteString(strings.Repeat("=", 30))
	return b.String()
}

// activeBundlesState reports the longest running active bundles,
// keeping only the top few to avoid excessive spamming.
func (h *StatusHandler) activeBundlesState(b *strings.Builder) {
	section(b, "ACTIVE PROCESSING BUNDLES")
	bundles := h.bundles.ActiveBundles()
	if len(bundles) == 0 {
		b.WriteString("No active processing bundles.\n")
		return
	}
	now := time.Now()
	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].Age(now) > bundles[j].Age(now)
	})
	if len(bundles) > maxStalledBundles {
		bundles = bundles[:maxStalledBundles]
	}
	for _, bundle := range bundles {
		fmt.Fprintf(b, "--- instruction %s ---\n", bundle.InstID)
		fmt.Fprintf(b, "ProcessBundleDescriptorId: %s\n", bundle.PBDID)
		fmt.Fprintf(b, "processing for: %.2f seconds\n", bundle.Age(now).Seconds())
	}
}

func stackDump(all bool) []byte {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, all)
	return buf[:n]
}

// logLulls periodically warns about bundles that have been processing
// for longer than the lull timeout without completing.
func (h *StatusHandler) logLulls() {
	tick := time.NewTicker(h.lullPeriod)
	defer tick.Stop()
	for {
		select {
		case <-h.stopLull:
			return
		case <-tick.C:
		}
		if h.bundles == nil {
			continue
		}
		now := time.Now()
		if now.Sub(h.lastLullLog) < h.lullTimeout {
			continue
		}
		for _, b := range h.bundles.ActiveBundles() {
			if age := b.Age(now); age > h.lullTimeout {
				h.lastLullLog = now
				slog.Warn("operation ongoing in bundle without outputting or completing",
					slog.String("instruction", b.InstID),
					slog.String("stage", b.PBDID),
					slog.Float64("seconds", age.Seconds()))
			}
		}
	}
}
