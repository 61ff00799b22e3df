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
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/coder"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/mtime"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/graph/window"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/runtime/exec"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/typex"
)

// Buffer kinds, used as the tag prefix of a buffer id.
const (
	BufferKindMaterialize = "materialize"
	BufferKindGroup       = "group"
	BufferKindTimers      = "timers"
)

// ImpulseBuffer is the buffer id for synthetic impulse data.
// Impulse data is produced by no transform, so the id has no name part.
const ImpulseBuffer = "impulse"

// CreateBufferID builds the structured id used as the key into buffer
// tables: a kind tag, a colon, and a logical name (a PCollection id,
// a timer family id, or a grouping transform id).
func CreateBufferID(kind, name string) string {
	return kind + ":" + name
}

// SplitBufferID splits a buffer id into its kind tag and logical name.
func SplitBufferID(id string) (kind, name string) {
	kind, name, _ = strings.Cut(id, ":")
	return kind, name
}

// ElementDecoder pulls a single encoded element off the reader and
// returns the bytes that represent it, undecoded.
type ElementDecoder func(io.Reader) []byte

// Buffer is an append-only container of encoded element data, with
// support for partitioning its contents into shards for parallel
// execution. Buffers hold raw bytes between stage executions and are
// only ever decoded as far as partitioning requires.
type Buffer interface {
	// Append adds a block of encoded elements to the buffer.
	Append(data []byte) error
	// Extend adds the contents of a compatible buffer to this one.
	Extend(other Buffer) error
	// Elements returns all buffered data blocks in insertion order.
	Elements() ([][]byte, error)
	// Partition splits the buffered data into n shards of data blocks.
	Partition(n int) ([][][]byte, error)
	// Cleared reports whether the buffer has been cleared.
	Cleared() bool
	// Clear drops the buffer's contents and marks it cleared.
	Clear()
	// Reset un-marks a cleared buffer so it may be reused.
	Reset() error
}

// ListBuffer is a flat ordered list of encoded data blocks.
//
// Partitioning is strided when there are at least as many blocks as
// requested shards, and that split is recomputed on every call, so a
// ListBuffer may be re-partitioned with a different shard count. When
// there are fewer blocks than shards, the blocks are decoded into
// their individual elements which are dealt round-robin across the
// shards; that pass is computed once and memoized, and the buffer
// rejects further writes after it.
type ListBuffer struct {
	dec     ElementDecoder
	inputs  [][]byte
	grouped [][][]byte
	cleared bool
}

// NewListBuffer returns an empty ListBuffer. The decoder is used only
// for the fan-out partition path and may be nil if the buffer will
// always contain at least as many blocks as requested shards.
func NewListBuffer(dec ElementDecoder) *ListBuffer {
	return &ListBuffer{dec: dec}
}

func (b *ListBuffer) writable() error {
	if b.cleared {
		return fmt.Errorf("list buffer: write to a cleared buffer")
	}
	if b.grouped != nil {
		return fmt.Errorf("list buffer: write after read")
	}
	return nil
}

func (b *ListBuffer) Append(data []byte) error {
	if err := b.writable(); err != nil {
		return err
	}
	b.inputs = append(b.inputs, data)
	return nil
}

func (b *ListBuffer) Extend(other Buffer) error {
	if err := b.writable(); err != nil {
		return err
	}
	lb, ok := other.(*ListBuffer)
	if !ok {
		return fmt.Errorf("list buffer: cannot extend from %T", other)
	}
	b.inputs = append(b.inputs, lb.inputs...)
	return nil
}

func (b *ListBuffer) Elements() ([][]byte, error) {
	if b.cleared {
		return nil, fmt.Errorf("list buffer: read of a cleared buffer")
	}
	return b.inputs, nil
}

func (b *ListBuffer) Partition(n int) ([][][]byte, error) {
	if b.cleared {
		return nil, fmt.Errorf("list buffer: partition of a cleared buffer")
	}
	if n <= 0 {
		return nil, fmt.Errorf("list buffer: partition into %d shards", n)
	}
	if len(b.inputs) >= n || len(b.inputs) == 0 {
		// Enough blocks to deal whole. Recomputed every call, so the
		// same buffer may be re-partitioned for a different worker count.
		shards := make([][][]byte, n)
		for k := range shards {
			for i := k; i < len(b.inputs); i += n {
				shards[k] = append(shards[k], b.inputs[i])
			}
		}
		return shards, nil
	}
	if b.grouped == nil {
		if b.dec == nil {
			return nil, fmt.Errorf("list buffer: cannot split %d blocks into %d shards without a decoder", len(b.inputs), n)
		}
		// Fewer blocks than shards. Split the blocks into their
		// individual elements and deal those out instead.
		outs := make([]bytes.Buffer, n)
		idx := 0
		for _, input := range b.inputs {
			r := bytes.NewReader(input)
			for r.Len() > 0 {
				outs[idx].Write(b.dec(r))
				idx = (idx + 1) % n
			}
		}
		b.grouped = make([][][]byte, n)
		for i := range outs {
			b.grouped[i] = [][]byte{outs[i].Bytes()}
		}
	}
	return b.grouped, nil
}

func (b *ListBuffer) Cleared() bool { return b.cleared }

func (b *ListBuffer) Clear() {
	b.cleared = true
	b.inputs = nil
	b.grouped = nil
}

func (b *ListBuffer) Reset() error {
	if !b.cleared {
		return fmt.Errorf("list buffer: reset of a buffer that wasn't cleared")
	}
	b.cleared = false
	return nil
}

// onTimePane is the pane attached to rows emitted by grouping, which
// fire exactly once when their window closes.
var onTimePane = typex.PaneInfo{Timing: typex.PaneOnTime, IsFirst: true, IsLast: true}

type groupedRow struct {
	windows []typex.Window
	time    mtime.Time
	pane    typex.PaneInfo
	value   []byte
}

// GroupingBuffer accumulates grouped (shuffled) results. Incoming
// blocks are decoded as windowed key/value pairs into a per-key table;
// Partition re-encodes the table as windowed KV<K, Iterable<V>> rows.
//
// Partition is computed once and memoized. It will not be
// re-partitioned with a different shard count, and the table is
// released after the first call, so later writes fail.
type GroupingBuffer struct {
	keyDec ElementDecoder
	valDec ElementDecoder
	wDec   exec.WindowDecoder
	wEnc   exec.WindowEncoder
	// trivial is set when the input windowing strategy is the default
	// single-firing global window, which lets grouping ignore the
	// window of each decoded element entirely.
	trivial bool

	keys    []string
	table   map[string][]groupedRow
	grouped [][][]byte
}

// NewGroupingBuffer returns an empty GroupingBuffer over the given
// pre-grouping element codecs. The window encoder must match the
// post-grouping windowing strategy.
func NewGroupingBuffer(keyDec, valDec ElementDecoder, wDec exec.WindowDecoder, wEnc exec.WindowEncoder, trivialWindowing bool) *GroupingBuffer {
	return &GroupingBuffer{
		keyDec:  keyDec,
		valDec:  valDec,
		wDec:    wDec,
		wEnc:    wEnc,
		trivial: trivialWindowing,
		table:   map[string][]groupedRow{},
	}
}

func (b *GroupingBuffer) add(key string, row groupedRow) {
	if _, ok := b.table[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.table[key] = append(b.table[key], row)
}

func (b *GroupingBuffer) Append(data []byte) error {
	if b.grouped != nil {
		return fmt.Errorf("grouping buffer: write after read")
	}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		ws, et, pn, err := exec.DecodeWindowedValueHeader(b.wDec, r)
		if err != nil {
			return fmt.Errorf("grouping buffer: decoding windowed value header: %w", err)
		}
		key := b.keyDec(r)
		val := b.valDec(r)
		b.add(string(key), groupedRow{windows: ws, time: et, pane: pn, value: val})
	}
	return nil
}

// Extend merges another grouping buffer's table into this one.
// Extending from a ListBuffer source is deliberately a no-op: that
// path is superseded by state backed grouping and only remains so
// mixed buffer tables keep working.
func (b *GroupingBuffer) Extend(other Buffer) error {
	if _, ok := other.(*ListBuffer); ok {
		return nil
	}
	gb, ok := other.(*GroupingBuffer)
	if !ok {
		return fmt.Errorf("grouping buffer: cannot extend from %T", other)
	}
	if b.grouped != nil {
		return fmt.Errorf("grouping buffer: write after read")
	}
	for _, key := range gb.keys {
		for _, row := range gb.table[key] {
			b.add(key, row)
		}
	}
	return nil
}

// Elements returns the single-shard grouping of the buffer.
func (b *GroupingBuffer) Elements() ([][]byte, error) {
	shards, err := b.Partition(1)
	if err != nil {
		return nil, err
	}
	return shards[0], nil
}

// MergeWindows rewrites buffered rows through the given merge
// function. Window merging is per key: for each key with more than one
// distinct window, merge receives that key's windows and returns a
// mapping from original window to its merged replacement. Windows
// absent from the mapping are left as they are. Must be called before
// the first Partition.
func (b *GroupingBuffer) MergeWindows(merge func(windows []typex.Window) (map[typex.Window]typex.Window, error)) error {
	if b.grouped != nil {
		return fmt.Errorf("grouping buffer: merge after read")
	}
	for _, key := range b.keys {
		rows := b.table[key]
		var order []typex.Window
		seen := map[typex.Window]bool{}
		for _, row := range rows {
			for _, win := range row.windows {
				if !seen[win] {
					seen[win] = true
					order = append(order, win)
				}
			}
		}
		if len(order) < 2 {
			continue
		}
		mapping, err := merge(order)
		if err != nil {
			return fmt.Errorf("grouping buffer: merging windows for key %q: %w", key, err)
		}
		if len(mapping) == 0 {
			continue
		}
		for i := range rows {
			for j, win := range rows[i].windows {
				if m, ok := mapping[win]; ok {
					rows[i].windows[j] = m
				}
			}
		}
	}
	return nil
}

func (b *GroupingBuffer) Partition(n int) ([][][]byte, error) {
	if b.grouped != nil {
		return b.grouped, nil
	}
	if n <= 0 {
		return nil, fmt.Errorf("grouping buffer: partition into %d shards", n)
	}
	outs := make([]bytes.Buffer, n)
	for idx, key := range b.keys {
		if err := b.encodeKey(key, b.table[key], &outs[idx%n]); err != nil {
			return nil, err
		}
	}
	grouped := make([][][]byte, n)
	for i := range outs {
		grouped[i] = [][]byte{outs[i].Bytes()}
	}
	// Only memoize after the whole table encoded cleanly, then release it.
	b.grouped = grouped
	b.table = nil
	b.keys = nil
	return b.grouped, nil
}

// encodeKey writes the grouped rows for one key as windowed
// KV<K, Iterable<V>> records: one record at end of the global window
// under trivial windowing, otherwise one record per window observed
// for the key, stamped at that window's maximum timestamp.
func (b *GroupingBuffer) encodeKey(key string, rows []groupedRow, w io.Writer) error {
	if b.trivial {
		gw := window.GlobalWindow{}
		return b.encodeRow([]typex.Window{gw}, gw.MaxTimestamp(), key, values(rows), w)
	}
	var order []typex.Window
	byWindow := map[typex.Window][][]byte{}
	for _, row := range rows {
		for _, win := range row.windows {
			if _, ok := byWindow[win]; !ok {
				order = append(order, win)
			}
			byWindow[win] = append(byWindow[win], row.value)
		}
	}
	for _, win := range order {
		if err := b.encodeRow([]typex.Window{win}, win.MaxTimestamp(), key, byWindow[win], w); err != nil {
			return err
		}
	}
	return nil
}

func values(rows []groupedRow) [][]byte {
	vs := make([][]byte, 0, len(rows))
	for _, row := range rows {
		vs = append(vs, row.value)
	}
	return vs
}

func (b *GroupingBuffer) encodeRow(ws []typex.Window, et mtime.Time, key string, vs [][]byte, w io.Writer) error {
	if err := exec.EncodeWindowedValueHeader(b.wEnc, ws, et, onTimePane, w); err != nil {
		return fmt.Errorf("grouping buffer: encoding windowed value header: %w", err)
	}
	if _, err := w.Write([]byte(key)); err != nil {
		return err
	}
	if err := coder.EncodeInt32(int32(len(vs)), w); err != nil {
		return err
	}
	for _, v := range vs {
		if _, err := w.Write(v); err != nil {
			return err
		}
	}
	return nil
}

// Cleared, Clear and Reset only exist so GroupingBuffer satisfies the
// Buffer contract. Grouped data lives exactly one read cycle, so there
// is nothing to clear.
func (b *GroupingBuffer) Cleared() bool { return false }
func (b *GroupingBuffer) Clear()        {}
func (b *GroupingBuffer) Reset() error  { return nil }

type windowedKey struct {
	key string
	win typex.Window
}

// EncodedItem is one (key, window) group of a WindowGroupingBuffer,
// with its values concatenated in insertion order.
type EncodedItem struct {
	Key    []byte
	Window []byte
	Values []byte
	Count  int
}

// WindowGroupingBuffer groups windowed values by (key, window) for
// materialization as side input state. The iterable access pattern
// uses a single implicit empty key; the multimap pattern splits each
// value as a KV and keys by its first component.
type WindowGroupingBuffer struct {
	extract func(io.Reader) (key, value []byte)
	wDec    exec.WindowDecoder
	wEnc    exec.WindowEncoder

	order []windowedKey
	table map[windowedKey][][]byte
}

// NewIterableWindowBuffer returns a WindowGroupingBuffer for the
// iterable side input access pattern. Whole values group under an
// empty key.
func NewIterableWindowBuffer(wDec exec.WindowDecoder, wEnc exec.WindowEncoder, valDec ElementDecoder) *WindowGroupingBuffer {
	return &WindowGroupingBuffer{
		extract: func(r io.Reader) ([]byte, []byte) {
			return nil, valDec(r)
		},
		wDec:  wDec,
		wEnc:  wEnc,
		table: map[windowedKey][][]byte{},
	}
}

// NewMultiMapWindowBuffer returns a WindowGroupingBuffer for the
// multimap side input access pattern. Values are KVs, grouped by
// their encoded key component.
func NewMultiMapWindowBuffer(wDec exec.WindowDecoder, wEnc exec.WindowEncoder, keyDec, valDec ElementDecoder) *WindowGroupingBuffer {
	return &WindowGroupingBuffer{
		extract: func(r io.Reader) ([]byte, []byte) {
			k := keyDec(r)
			return k, valDec(r)
		},
		wDec:  wDec,
		wEnc:  wEnc,
		table: map[windowedKey][][]byte{},
	}
}

// Append decodes a block of windowed values, filing each value under
// every window it belongs to.
func (b *WindowGroupingBuffer) Append(data []byte) error {
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		ws, _, _, err := exec.DecodeWindowedValueHeader(b.wDec, r)
		if err != nil {
			return fmt.Errorf("window grouping buffer: decoding windowed value header: %w", err)
		}
		key, val := b.extract(r)
		for _, win := range ws {
			wk := windowedKey{key: string(key), win: win}
			if _, ok := b.table[wk]; !ok {
				b.order = append(b.order, wk)
			}
			b.table[wk] = append(b.table[wk], val)
		}
	}
	return nil
}

// EncodedItems returns the buffered groups in first-seen order, each
// with its window encoded and its values concatenated.
func (b *WindowGroupingBuffer) EncodedItems() ([]EncodedItem, error) {
	items := make([]EncodedItem, 0, len(b.order))
	for _, wk := range b.order {
		var wbuf, vbuf bytes.Buffer
		if err := b.wEnc.EncodeSingle(wk.win, &wbuf); err != nil {
			return nil, fmt.Errorf("window grouping buffer: encoding window: %w", err)
		}
		vs := b.table[wk]
		for _, v := range vs {
			vbuf.Write(v)
		}
		items = append(items, EncodedItem{
			Key:    []byte(wk.key),
			Window: wbuf.Bytes(),
			Values: vbuf.Bytes(),
			Count:  len(vs),
		})
	}
	return items, nil
}
