// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendPreservesChronologicalOrderAcrossStreams(t *testing.T) {
	b := New(DefaultLimits())
	b.AddStdout("one")
	b.AddStderr("two")
	b.AddStdout("three")

	lines := b.Recent(0)
	assert.Equal(t, []string{"one", "two", "three"}, contents(lines))
	assert.Equal(t, uint64(0), lines[0].Sequence)
	assert.Equal(t, uint64(2), lines[2].Sequence)
}

func TestAppendEvictsOldestOnceOverCap(t *testing.T) {
	b := New(Limits{MaxLines: 3, MaxLineLength: 4096})
	b.AddStdout("a")
	b.AddStdout("b")
	b.AddStdout("c")
	b.AddStdout("d")

	lines := b.Recent(0)
	assert.Equal(t, []string{"b", "c", "d"}, contents(lines))
	assert.Equal(t, 3, b.LineCount())
	assert.Equal(t, uint64(4), b.TotalLinesProcessed())
}

func TestHasTruncatedHistoryIsMonotonic(t *testing.T) {
	b := New(Limits{MaxLines: 2, MaxLineLength: 4096})
	assert.False(t, b.HasTruncatedHistory())

	b.AddStdout("a")
	b.AddStdout("b")
	assert.False(t, b.HasTruncatedHistory())

	b.AddStdout("c")
	assert.True(t, b.HasTruncatedHistory())

	b.AddStdout("d")
	assert.True(t, b.HasTruncatedHistory())
}

func TestAppendTruncatesOversizedContent(t *testing.T) {
	b := New(Limits{MaxLines: 10, MaxLineLength: 20})
	line := b.Append(Stdout, "this content is far too long for the limit")

	assert.LessOrEqual(t, len(line.Content), 20)
	assert.Contains(t, line.Content, truncatedSuffix)
}

func TestSinceReturnsOnlyNewerLines(t *testing.T) {
	b := New(DefaultLimits())
	first := b.AddStdout("one")
	b.AddStdout("two")
	b.AddStdout("three")

	got := b.Since(first.Sequence)
	assert.Equal(t, []string{"two", "three"}, contents(got))
}

func TestByStreamFiltersExclusively(t *testing.T) {
	b := New(DefaultLimits())
	b.AddStdout("out-1")
	b.AddStderr("err-1")
	b.AddStdout("out-2")

	assert.Equal(t, []string{"out-1", "out-2"}, contents(b.ByStream(Stdout)))
	assert.Equal(t, []string{"err-1"}, contents(b.ByStream(Stderr)))
}

func TestRecentNCapsToNewest(t *testing.T) {
	b := New(DefaultLimits())
	b.AddStdout("a")
	b.AddStdout("b")
	b.AddStdout("c")

	assert.Equal(t, []string{"b", "c"}, contents(b.Recent(2)))
}

func TestParseStreamTypeRoundTrips(t *testing.T) {
	assert.Equal(t, Stderr, ParseStreamType("stderr"))
	assert.Equal(t, Stdout, ParseStreamType("stdout"))
	assert.Equal(t, Stdout, ParseStreamType("anything-else"))
	assert.Equal(t, "stderr", Stderr.String())
	assert.Equal(t, "stdout", Stdout.String())
}

func contents(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Content
	}
	return out
}
