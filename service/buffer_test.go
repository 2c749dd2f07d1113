package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/traced/abi"
)

func mkPayload(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

// TestTraceBufferEvictsOldestFirst: a ring buffer that wraps evicts the
// oldest resident chunks and counts them as overwritten (spec.md §4.5,
// §7's chunks_overwritten counter).
func TestTraceBufferEvictsOldestFirst(t *testing.T) {
	b := NewTraceBuffer(1, BufferConfig{SizeKB: 1}) // 1024 bytes

	for i := uint32(1); i <= 3; i++ {
		ok := b.CopyChunk(1000, abi.ChunkHeader{WriterID: 1, ChunkID: i, PacketCount: 1}, mkPayload(300, byte(i)))
		require.True(t, ok)
	}

	// 900/1024 used: the fourth write wraps to the start and lands on
	// top of chunk 1.
	ok := b.CopyChunk(1000, abi.ChunkHeader{WriterID: 1, ChunkID: 4, PacketCount: 1}, mkPayload(300, 4))
	require.True(t, ok)

	var ids []uint32
	for _, e := range b.Entries() {
		ids = append(ids, e.key.chunkID)
	}
	require.Equal(t, []uint32{2, 3, 4}, ids)

	stats := b.Stats()
	require.Equal(t, uint64(4), stats.ChunksWritten)
	require.Equal(t, uint64(1), stats.ChunksOverwritten)
	require.Equal(t, uint64(300), stats.BytesOverwritten)
}

// TestTraceBufferDiscardRefusesOverwrite: under DISCARD fill policy a
// full buffer refuses new chunks instead of evicting live data.
func TestTraceBufferDiscardRefusesOverwrite(t *testing.T) {
	b := NewTraceBuffer(1, BufferConfig{SizeKB: 1, FillPolicy: FillDiscard})

	for i := uint32(1); i <= 3; i++ {
		require.True(t, b.CopyChunk(1000, abi.ChunkHeader{WriterID: 1, ChunkID: i, PacketCount: 1}, mkPayload(300, byte(i))))
	}
	require.False(t, b.CopyChunk(1000, abi.ChunkHeader{WriterID: 1, ChunkID: 4, PacketCount: 1}, mkPayload(300, 4)))

	var ids []uint32
	for _, e := range b.Entries() {
		ids = append(ids, e.key.chunkID)
	}
	require.Equal(t, []uint32{1, 2, 3}, ids)
	require.Equal(t, uint64(1), b.Stats().ChunksDiscarded)
}

// TestApplyPatchDropsEvictedOrOutOfRange: patches for a chunk the
// buffer no longer holds, or with an offset past the chunk's payload,
// are dropped silently (spec.md §4.4.4 / §7).
func TestApplyPatchDropsEvictedOrOutOfRange(t *testing.T) {
	b := NewTraceBuffer(1, BufferConfig{SizeKB: 1})
	require.True(t, b.CopyChunk(1000, abi.ChunkHeader{WriterID: 1, ChunkID: 1, PacketCount: 1}, mkPayload(64, 0)))

	payload := [4]byte{0xde, 0xad, 0xbe, 0xef}
	require.False(t, b.ApplyPatch(1000, 1, 99, 0, payload), "unknown chunk")
	require.False(t, b.ApplyPatch(1000, 1, 1, 61, payload), "offset+4 past the payload")

	require.True(t, b.ApplyPatch(1000, 1, 1, 8, payload))
	e := b.Entries()[0]
	require.Equal(t, payload[:], e.payload[8:12])
}

// TestCloneIntoPreservesScrapedEntries: a scraped entry's inflated
// packet_count semantics (spec.md §4.4.6) must survive into a clone, or
// the clone's reader would treat the open trailing packet as complete.
func TestCloneIntoPreservesScrapedEntries(t *testing.T) {
	b := NewTraceBuffer(1, BufferConfig{SizeKB: 1})
	require.True(t, b.CopyScrapedChunk(1000, abi.ChunkHeader{WriterID: 1, ChunkID: 1, PacketCount: 3}, mkPayload(64, 0)))

	clone := b.CloneInto(2)
	entries := clone.Entries()
	require.Len(t, entries, 1)
	require.True(t, entries[0].scraped)
	require.Equal(t, uint16(3), entries[0].header.PacketCount)
}

// TestRetransmissionSupersedesScrapedEntry: a real commit for a chunk
// that was scraped earlier replaces the scraped copy; the reader only
// ever sees the newest version (spec.md §4.4.6's scrape-then-commit
// interleaving).
func TestRetransmissionSupersedesScrapedEntry(t *testing.T) {
	b := NewTraceBuffer(1, BufferConfig{SizeKB: 1})
	header := abi.ChunkHeader{WriterID: 1, ChunkID: 1, PacketCount: 2}
	require.True(t, b.CopyScrapedChunk(1000, header, mkPayload(64, 0xaa)))
	require.True(t, b.CopyChunk(1000, header, mkPayload(64, 0xbb)))

	entries := b.Entries()
	require.Len(t, entries, 1)
	require.False(t, entries[0].scraped)
	require.Equal(t, byte(0xbb), entries[0].payload[0])
}
