// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package output implements the unified output buffer (L1): a bounded,
// time-ordered, append-only ring of interleaved stdout/stderr lines
// shared by the task manager and the streaming services.
package output

import (
	"sync"
	"time"
)

// StreamType distinguishes the two multiplexed output channels.
type StreamType int

const (
	Stdout StreamType = iota
	Stderr
)

func (s StreamType) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// ParseStreamType maps the wire representation ("stdout"/"stderr")
// back to a StreamType, defaulting to Stdout for anything else.
func ParseStreamType(s string) StreamType {
	if s == "stderr" {
		return Stderr
	}
	return Stdout
}

// Line is a single captured line of output with ordering metadata.
type Line struct {
	Timestamp time.Time  `json:"timestamp"`
	Stream    StreamType `json:"stream"`
	Content   string     `json:"content"`
	Sequence  uint64     `json:"sequence"`
}

// Limits bounds a single buffer's memory footprint.
type Limits struct {
	MaxLines      int
	MaxLineLength int
}

// DefaultLimits matches the defaults used when a task does not
// override them.
func DefaultLimits() Limits {
	return Limits{MaxLines: 10000, MaxLineLength: 4096}
}

const truncatedSuffix = "…[TRUNCATED]"

// Buffer is the unified output buffer for one task or stream. One
// writer appends; any number of readers poll by sequence cursor.
// Append-only from one writer; multiple readers by sequence cursor.
type Buffer struct {
	mu                  sync.RWMutex
	limits              Limits
	lines               []Line
	totalLinesProcessed uint64
	currentSequence     uint64
}

// New creates a buffer honoring the given limits.
func New(limits Limits) *Buffer {
	return &Buffer{
		limits: limits,
		lines:  make([]Line, 0, limits.MaxLines),
	}
}

// Append adds a line, truncating oversized content and evicting the
// oldest line once the buffer exceeds MaxLines.
func (b *Buffer) Append(stream StreamType, content string) Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(content) > b.limits.MaxLineLength && b.limits.MaxLineLength > len(truncatedSuffix) {
		content = content[:b.limits.MaxLineLength-len(truncatedSuffix)] + truncatedSuffix
	}

	line := Line{
		Timestamp: time.Now(),
		Stream:    stream,
		Content:   content,
		Sequence:  b.currentSequence,
	}
	b.currentSequence++
	b.totalLinesProcessed++

	b.lines = append(b.lines, line)
	if b.limits.MaxLines > 0 {
		for len(b.lines) > b.limits.MaxLines {
			b.lines = b.lines[1:]
		}
	}
	return line
}

func (b *Buffer) AddStdout(content string) Line { return b.Append(Stdout, content) }
func (b *Buffer) AddStderr(content string) Line { return b.Append(Stderr, content) }

// Recent returns up to n of the newest lines in chronological order.
func (b *Buffer) Recent(n int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n >= len(b.lines) {
		return append([]Line(nil), b.lines...)
	}
	return append([]Line(nil), b.lines[len(b.lines)-n:]...)
}

// Since returns every line with sequence strictly greater than seq, in
// chronological order.
func (b *Buffer) Since(seq uint64) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Line, 0)
	for _, l := range b.lines {
		if l.Sequence > seq {
			out = append(out, l)
		}
	}
	return out
}

// ByStream filters the current buffer by stream type.
func (b *Buffer) ByStream(stream StreamType) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Line, 0)
	for _, l := range b.lines {
		if l.Stream == stream {
			out = append(out, l)
		}
	}
	return out
}

// LineCount returns the number of lines currently held in memory.
func (b *Buffer) LineCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// TotalLinesProcessed returns the count of lines ever appended,
// including evicted ones.
func (b *Buffer) TotalLinesProcessed() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalLinesProcessed
}

// HasTruncatedHistory reports whether any lines have been evicted.
// Monotonic: once true, always true for this buffer.
func (b *Buffer) HasTruncatedHistory() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalLinesProcessed > uint64(len(b.lines))
}

// Clear discards all buffered lines without resetting counters.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = b.lines[:0]
}
