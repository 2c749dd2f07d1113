package abi

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidPageSize(t *testing.T) {
	assert.True(t, ValidPageSize(4096))
	assert.True(t, ValidPageSize(65536))
	assert.True(t, ValidPageSize(16384))
	assert.False(t, ValidPageSize(2048))  // below minimum
	assert.False(t, ValidPageSize(131072)) // above maximum
	assert.False(t, ValidPageSize(12288))  // not a power of two
}

func TestResolvePageSizeFallsBackToDefault(t *testing.T) {
	assert.Equal(t, uint32(4096), ResolvePageSize(12288, 0))
	assert.Equal(t, uint32(8192), ResolvePageSize(8192, 1<<20))
	// valid page size but doesn't divide the region size
	assert.Equal(t, uint32(DefaultPageSize), ResolvePageSize(4096, 10000))
}

func TestTryPartitionPageOnlySucceedsOnce(t *testing.T) {
	p := newPage(0, 4096)
	assert.True(t, p.TryPartitionPage(Layout4Chunks, 1))
	assert.False(t, p.TryPartitionPage(Layout4Chunks, 1))
	assert.Equal(t, uint16(1), p.TargetBuffer())
	assert.Equal(t, 4, p.Layout().NumChunks())
}

func TestTryAcquireChunkForWritingRequiresFreeAndMatchingBuffer(t *testing.T) {
	p := newPage(0, 4096)
	require.True(t, p.TryPartitionPage(Layout4Chunks, 7))

	_, ok := p.TryAcquireChunkForWriting(0, 99, ChunkHeader{WriterID: 1})
	assert.False(t, ok, "mismatched target buffer must fail")

	c, ok := p.TryAcquireChunkForWriting(0, 7, ChunkHeader{WriterID: 1, ChunkID: 5})
	require.True(t, ok)
	assert.Equal(t, ChunkBeingWritten, p.ChunkState(0))

	_, ok = p.TryAcquireChunkForWriting(0, 7, ChunkHeader{WriterID: 2})
	assert.False(t, ok, "chunk already BeingWritten must fail")

	assert.Equal(t, uint16(1), c.Header().WriterID)
	assert.Equal(t, uint32(5), c.Header().ChunkID)
}

func TestOnlyOneWriterEverOwnsAChunkUnderContention(t *testing.T) {
	p := newPage(0, 4096)
	require.True(t, p.TryPartitionPage(Layout4Chunks, 1))

	const attempts = 50
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(writerID uint16) {
			defer wg.Done()
			if _, ok := p.TryAcquireChunkForWriting(2, 1, ChunkHeader{WriterID: writerID}); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint16(i + 1))
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
}

func TestReleaseChunkAsCompleteReportsLastOnPage(t *testing.T) {
	p := newPage(0, 4096)
	require.True(t, p.TryPartitionPage(Layout2Chunks, 1))

	c0, _ := p.TryAcquireChunkForWriting(0, 1, ChunkHeader{WriterID: 1})
	c1, _ := p.TryAcquireChunkForWriting(1, 1, ChunkHeader{WriterID: 1})

	assert.False(t, c0.ReleaseAsComplete(), "chunk 1 still BeingWritten")
	assert.True(t, c1.ReleaseAsComplete(), "both chunks now resolved")
}

func TestAcquireAllChunksForReadingRequiresAllComplete(t *testing.T) {
	p := newPage(0, 4096)
	require.True(t, p.TryPartitionPage(Layout2Chunks, 1))

	c0, _ := p.TryAcquireChunkForWriting(0, 1, ChunkHeader{WriterID: 1})
	_, _ = p.TryAcquireChunkForWriting(1, 1, ChunkHeader{WriterID: 1})

	assert.False(t, p.TryAcquireAllChunksForReading(), "chunk 1 still BeingWritten")

	c0.ReleaseAsComplete()
	p.ReleaseChunkAsComplete(1)

	require.True(t, p.TryAcquireAllChunksForReading())
	assert.Equal(t, ChunkBeingRead, p.ChunkState(0))
	assert.Equal(t, ChunkBeingRead, p.ChunkState(1))

	p.ReleaseAllChunksAsFree()
	assert.Equal(t, ChunkFree, p.ChunkState(0))
	assert.Equal(t, ChunkFree, p.ChunkState(1))
}

func TestGetFreeChunksBitmask(t *testing.T) {
	p := newPage(0, 4096)
	require.True(t, p.TryPartitionPage(Layout4Chunks, 1))
	_, _ = p.TryAcquireChunkForWriting(1, 1, ChunkHeader{WriterID: 1})

	mask := p.GetFreeChunks()
	assert.Equal(t, uint32(0b1101), mask)
}

func TestChunkHeaderPackRoundTrip(t *testing.T) {
	h := ChunkHeader{
		WriterID:    42,
		ChunkID:     70000, // exceeds 16 bits, exercises wire truncation
		PacketCount: 12,
		Flags:       FlagChunkNeedsPatching | FlagFirstPacketContinuesFromPrevChunk,
	}
	got := unpackChunkHeader(h.pack())

	assert.Equal(t, h.WriterID, got.WriterID)
	wantChunkID := uint32(70000)
	assert.Equal(t, uint32(uint16(wantChunkID)), got.ChunkID)
	assert.Equal(t, h.PacketCount, got.PacketCount)
	assert.True(t, got.Flags.Has(FlagChunkNeedsPatching))
	assert.True(t, got.Flags.Has(FlagFirstPacketContinuesFromPrevChunk))
	assert.False(t, got.Flags.Has(FlagLastPacketContinuesOnNextChunk))
}

func TestChunkIDLessWrapsModulo2_16(t *testing.T) {
	assert.True(t, ChunkIDLess(5, 6))
	assert.True(t, ChunkIDLess(65535, 0), "wraps past 2^16")
	assert.False(t, ChunkIDLess(6, 5))
}

func TestNewRegionRejectsBadSizes(t *testing.T) {
	_, err := NewRegion(100, 4096)
	assert.Error(t, err)

	_, err = NewRegion(4096, 3000)
	assert.Error(t, err)

	r, err := NewRegion(4096*4, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4, r.NumPages())
}
