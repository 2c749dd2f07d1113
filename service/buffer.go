package service

import (
	"sync"

	"github.com/grafana/traced/abi"
)

// chunkKey identifies one chunk's copied-in bytes inside a TraceBuffer,
// spec.md §4.5: "(producer_uid, writer_id, chunk_id)".
type chunkKey struct {
	producerUID int32
	writerID    uint16
	chunkID     uint32
}

// chunkEntry is one chunk's worth of copied-in bytes, plus its header
// metadata, kept in TraceBuffer.order (arrival order) and indexed by
// chunkKey for patching and stitching.
type chunkEntry struct {
	key     chunkKey
	start   int // byte offset into TraceBuffer.data
	payload []byte
	header  abi.ChunkHeader
	seq     uint64
	// scraped marks an entry copied in from a still-BeingWritten chunk
	// (spec.md §4.4.6): its packet_count is one higher than the number
	// of complete, readable records, so the reader must stitch it with
	// stitcher.feedForScraping rather than stitcher.feed.
	scraped bool
}

// BufferStats mirrors the per-buffer counters spec.md §7 requires
// ("chunks_overwritten counter ... in each buffer's BufferStats").
type BufferStats struct {
	ChunksWritten     uint64
	ChunksOverwritten uint64
	ChunksDiscarded   uint64
	BytesWritten      uint64
	BytesOverwritten  uint64
}

// TraceBuffer is the service-side, per-{session,buffer} append-only ring
// described in spec.md §4.5. It is modeled as a single contiguous byte
// arena (capacity = BufferConfig.SizeKB*1024) that chunks are appended
// into sequentially, wrapping to the start once the tail can't fit the
// next chunk contiguously — the same "fixed capacity ring, oldest pages
// evicted first" behavior as a page-oriented ring, without needing a
// second, buffer-private notion of "page" distinct from the byte
// offsets chunkEntry already tracks (spec.md §4.5 notes page size here
// is chosen to equal the SMB page size "for implementation simplicity";
// tracking capacity in raw bytes is the same simplification one level
// further).
type TraceBuffer struct {
	ID  BufferID
	Cfg BufferConfig

	// mu guards everything below: CommitData (producer-driven) and
	// ReadBuffers/CloneSession (consumer-driven) touch the same buffer
	// from different goroutines.
	mu sync.Mutex

	capacity int
	data     []byte
	writePos int

	order []*chunkEntry
	index map[chunkKey]*chunkEntry

	nextSeq uint64
	stats   BufferStats
}

// NewTraceBuffer allocates a TraceBuffer of cfg.SizeKB KiB.
func NewTraceBuffer(id BufferID, cfg BufferConfig) *TraceBuffer {
	cap := int(cfg.SizeKB) * 1024
	return &TraceBuffer{
		ID:       id,
		Cfg:      cfg,
		capacity: cap,
		data:     make([]byte, cap),
		index:    make(map[chunkKey]*chunkEntry),
	}
}

// Stats returns a snapshot of this buffer's counters.
func (b *TraceBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// CopyChunk copies payload (the full chunk payload region, including any
// unused trailing bytes) into the buffer under (producerUID, header),
// evicting the oldest entries as needed under FillRingBuffer, or
// refusing the write under FillDiscard once there is no room left
// without eviction. Returns false if the write was refused.
func (b *TraceBuffer) CopyChunk(producerUID int32, header abi.ChunkHeader, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyChunk(producerUID, header, payload, false)
}

// CopyScrapedChunk is CopyChunk's counterpart for spec.md §4.4.6's
// scrape path: the resulting entry is flagged so callers stitch it
// with feedForScraping instead of feed.
func (b *TraceBuffer) CopyScrapedChunk(producerUID int32, header abi.ChunkHeader, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyChunk(producerUID, header, payload, true)
}

func (b *TraceBuffer) copyChunk(producerUID int32, header abi.ChunkHeader, payload []byte, scraped bool) bool {
	n := len(payload)
	if n == 0 || n > b.capacity {
		b.stats.ChunksDiscarded++
		return false
	}

	if b.capacity-b.writePos < n {
		// Not enough contiguous room before the end of the arena: pad
		// to the boundary and wrap, evicting anything that lived in
		// the padded tail.
		b.evictRange(b.writePos, b.capacity)
		b.writePos = 0
	}

	if b.Cfg.FillPolicy == FillDiscard && b.liveBytesInRange(b.writePos, b.writePos+n) > 0 {
		b.stats.ChunksDiscarded++
		return false
	}

	b.evictRange(b.writePos, b.writePos+n)

	copy(b.data[b.writePos:b.writePos+n], payload)

	key := chunkKey{producerUID: producerUID, writerID: header.WriterID, chunkID: header.ChunkID}
	e := &chunkEntry{
		key:     key,
		start:   b.writePos,
		payload: b.data[b.writePos : b.writePos+n : b.writePos+n],
		header:  header,
		seq:     b.nextSeq,
		scraped: scraped,
	}
	b.nextSeq++
	b.writePos += n

	// A producer retransmitting the same (writer_id, chunk_id) — e.g.
	// a scrape followed by the real CommitData for the same chunk —
	// replaces the old index entry but the old chunkEntry in `order`
	// is left to age out naturally; ReadBuffers dedups by key, always
	// preferring the newest (see readOrdered).
	b.index[key] = e
	b.order = append(b.order, e)

	b.stats.ChunksWritten++
	b.stats.BytesWritten += uint64(n)
	return true
}

// liveBytesInRange reports how many bytes in [start, end) belong to a
// still-indexed entry, used by FillDiscard to decide whether a write
// would require evicting live data.
func (b *TraceBuffer) liveBytesInRange(start, end int) int {
	live := 0
	for _, e := range b.order {
		es, ee := b.entryRange(e)
		if es == ee {
			continue
		}
		if es < end && ee > start {
			live += overlapLen(es, ee, start, end)
		}
	}
	return live
}

func overlapLen(aStart, aEnd, bStart, bEnd int) int {
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aEnd
	if bEnd < hi {
		hi = bEnd
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

func (b *TraceBuffer) entryRange(e *chunkEntry) (start, end int) {
	return e.start, e.start + len(e.payload)
}

// evictRange drops every still-indexed entry whose bytes overlap
// [start, end), oldest first, bumping ChunksOverwritten/BytesOverwritten.
func (b *TraceBuffer) evictRange(start, end int) {
	if start >= end {
		return
	}
	kept := b.order[:0]
	for _, e := range b.order {
		es, ee := b.entryRange(e)
		if es < end && ee > start && b.index[e.key] == e {
			delete(b.index, e.key)
			b.stats.ChunksOverwritten++
			b.stats.BytesOverwritten += uint64(len(e.payload))
			continue
		}
		kept = append(kept, e)
	}
	b.order = kept
}

// ApplyPatch rewrites 4 bytes at offset within the chunk identified by
// (producerUID, writerID, chunkID), if that chunk is still indexed.
// Returns false if the chunk has been evicted or the offset is out of
// range, in which case spec.md §4.4.4/§7 says to drop the patch
// silently.
func (b *TraceBuffer) ApplyPatch(producerUID int32, writerID uint16, chunkID uint32, offset uint32, payload [4]byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.index[chunkKey{producerUID: producerUID, writerID: writerID, chunkID: chunkID}]
	if !ok {
		return false
	}
	if int(offset)+4 > len(e.payload) {
		return false
	}
	copy(e.payload[offset:offset+4], payload[:])
	return true
}

// Entries returns every currently-indexed chunk in arrival order,
// deduplicated so a stale retransmission (e.g. a scrape later
// superseded by a real commit of the same chunk) never appears twice.
func (b *TraceBuffer) Entries() []*chunkEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entriesLocked()
}

func (b *TraceBuffer) entriesLocked() []*chunkEntry {
	out := make([]*chunkEntry, 0, len(b.order))
	for _, e := range b.order {
		if b.index[e.key] == e {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the buffer back to empty, used when a cloned buffer is
// flagged clear_before_clone or transfer_on_clone (spec.md §4.4.5).
func (b *TraceBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writePos = 0
	b.order = nil
	b.index = make(map[chunkKey]*chunkEntry)
	b.nextSeq = 0
}

// CloneInto copies every currently-indexed entry's bytes into a fresh
// TraceBuffer under newID (BufferID is globally unique across
// sessions, spec.md §3, so a clone cannot reuse the source's id), used
// by CloneSession (spec.md §4.4.5) so the clone's read-out is
// independent of further writes to the source. Scraped entries stay
// scraped in the clone: their inflated packet_count (spec.md §4.4.6)
// still applies to the copied bytes.
func (b *TraceBuffer) CloneInto(newID BufferID) *TraceBuffer {
	out := NewTraceBuffer(newID, b.Cfg)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entriesLocked() {
		out.copyChunk(e.key.producerUID, e.header, e.payload, e.scraped)
	}
	return out
}
