// Package abi implements the shared-memory ABI (SMB) described in
// spec.md §4.1: a region of pages, each partitioned into 1, 2, 4, 7 or
// 14 fixed-size chunks, with lock-free compare-and-swap transitions
// between Free, BeingWritten, Complete and BeingRead.
//
// The region is represented as a plain Go value (not a real mmap
// segment) because traced's transport and cross-process delivery are
// explicitly out of scope (spec.md §1); a Region is shared by handing
// the same *Region pointer to both the arbiter (producer side) and the
// service (consumer side) within a process, which is exactly the
// concurrency surface the rest of the ABI needs to arbitrate.
//
// Every page and chunk state transition goes through go.uber.org/atomic
// compare-and-swap, grounded on the same library's use for hot counters
// in the teacher's friggdb/pool package.
package abi

import (
	"fmt"

	"go.uber.org/atomic"
)

const (
	// MinPageSize is the smallest SMB page size traced accepts.
	MinPageSize = 4 * 1024
	// MaxPageSize is the largest SMB page size traced accepts.
	MaxPageSize = 64 * 1024
	// DefaultPageSize is used whenever a requested page size fails
	// validation (spec.md §8 boundary behavior).
	DefaultPageSize = 4 * 1024

	// DefaultSize is the SMB region size used when no explicit size is
	// negotiated.
	DefaultSize = 1024 * 1024

	// InvalidWriterID is reserved; no real writer is ever assigned it.
	InvalidWriterID uint16 = 0
)

// ValidPageSize reports whether size is usable as an SMB page size: a
// power-of-two multiple of 4 KiB, within [MinPageSize, MaxPageSize].
func ValidPageSize(size uint32) bool {
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	if size%MinPageSize != 0 {
		return false
	}
	return size&(size-1) == 0
}

// ResolvePageSize implements the page-size fallback table from
// spec.md §8: anything that fails validation, or that does not evenly
// divide totalSize, falls back to DefaultPageSize.
func ResolvePageSize(requested uint32, totalSize uint32) uint32 {
	if !ValidPageSize(requested) {
		return DefaultPageSize
	}
	if totalSize != 0 && totalSize%requested != 0 {
		return DefaultPageSize
	}
	return requested
}

// Region is a shared-memory buffer: a contiguous run of equally-sized
// Pages. Producers and the service each hold the same *Region.
type Region struct {
	pageSize uint32
	pages    []*Page
}

// NewRegion allocates a Region of totalSize bytes split into pages of
// pageSize bytes. Both must already be validated (ResolvePageSize /
// ResolvePageSize-derived totalSize) by the caller — Region itself does
// not apply fallback policy, it is the ABI's storage, not its config
// layer.
func NewRegion(totalSize, pageSize uint32) (*Region, error) {
	if !ValidPageSize(pageSize) {
		return nil, fmt.Errorf("abi: invalid page size %d", pageSize)
	}
	if totalSize == 0 || totalSize%pageSize != 0 {
		return nil, fmt.Errorf("abi: region size %d not a multiple of page size %d", totalSize, pageSize)
	}

	numPages := int(totalSize / pageSize)
	pages := make([]*Page, numPages)
	for i := range pages {
		pages[i] = newPage(i, pageSize)
	}

	return &Region{pageSize: pageSize, pages: pages}, nil
}

// PageSize returns the region's fixed page size in bytes.
func (r *Region) PageSize() uint32 { return r.pageSize }

// NumPages returns the number of pages in the region.
func (r *Region) NumPages() int { return len(r.pages) }

// Page returns the page at idx.
func (r *Region) Page(idx int) *Page { return r.pages[idx] }

// ChunkState is the 2-bit lifecycle state of a single chunk.
type ChunkState uint8

const (
	ChunkFree ChunkState = iota
	ChunkBeingWritten
	ChunkComplete
	ChunkBeingRead
)

func (s ChunkState) String() string {
	switch s {
	case ChunkFree:
		return "free"
	case ChunkBeingWritten:
		return "being_written"
	case ChunkComplete:
		return "complete"
	case ChunkBeingRead:
		return "being_read"
	default:
		return "unknown"
	}
}

// Layout is the 4-bit page layout selector: how many fixed-size chunks
// a partitioned page is divided into.
type Layout uint8

const (
	Layout1Chunk Layout = iota
	Layout2Chunks
	Layout4Chunks
	Layout7Chunks
	Layout14Chunks
)

// chunksPerLayout is the canonical layout -> chunk-count table from
// spec.md §3.
var chunksPerLayout = [...]int{1, 2, 4, 7, 14}

// NumChunks returns how many chunks a page with this layout is divided
// into.
func (l Layout) NumChunks() int {
	if int(l) >= len(chunksPerLayout) {
		return 0
	}
	return chunksPerLayout[l]
}

// BestLayoutFor returns the layout giving the most chunks whose size is
// still >= minChunkSize within a page of pageSize bytes, so writers get
// as much parallelism as the requested minimum chunk size allows.
func BestLayoutFor(pageSize uint32, minChunkSize uint32) Layout {
	best := Layout1Chunk
	for l := Layout(len(chunksPerLayout) - 1); ; l-- {
		n := chunksPerLayout[l]
		if chunkPayloadSize(pageSize, n) >= minChunkSize {
			best = l
			break
		}
		if l == 0 {
			break
		}
	}
	return best
}

const (
	pageHeaderBytes       = 16 // §6.4: layout:4|chunk_state[14]:28 (word0) + target_buffer:16|writer_id:16 (word1) + 8B reserved
	chunkHeaderBytes      = 8  // one atomic uint64 per chunk: writer_id:16|chunk_id:16|packet_count:10|flags:6, padded to a full word for CAS alignment
)

func chunkPayloadSize(pageSize uint32, numChunks int) uint32 {
	overhead := uint32(pageHeaderBytes + numChunks*chunkHeaderBytes)
	if overhead >= pageSize {
		return 0
	}
	return (pageSize - overhead) / uint32(numChunks)
}

// Page is one fixed-size page of the Region, lazily partitioned into
// chunks the first time a writer claims it.
type Page struct {
	index    int
	pageSize uint32

	// word0 packs layout (top 4 bits) and the 14 2-bit chunk states
	// (spec.md §6.4's first page-header word). A page that has never
	// been partitioned reads as layout=0, all chunks free, which is
	// indistinguishable from a partitioned, all-free Layout1Chunk page;
	// partitioned is tracked explicitly below to disambiguate.
	word0      atomic.Uint32
	word1      atomic.Uint32 // target_buffer:16 | advisory writer_id:16
	partitioned atomic.Bool

	chunkHeaders []atomic.Uint64
	chunkPayload [][]byte
}

func newPage(index int, pageSize uint32) *Page {
	return &Page{index: index, pageSize: pageSize}
}

// Index returns the page's position within its Region.
func (p *Page) Index() int { return p.index }

const (
	word0LayoutShift = 28
	word0LayoutMask  = 0xF
	chunkStateBits   = 2
	chunkStateMask   = 0x3
)

func packWord0(layout Layout, states [14]ChunkState) uint32 {
	w := uint32(layout) << word0LayoutShift
	for i, s := range states {
		w |= uint32(s&chunkStateMask) << uint(i*chunkStateBits)
	}
	return w
}

func unpackLayout(w uint32) Layout {
	return Layout((w >> word0LayoutShift) & word0LayoutMask)
}

func unpackChunkState(w uint32, chunkIdx int) ChunkState {
	return ChunkState((w >> uint(chunkIdx*chunkStateBits)) & chunkStateMask)
}

func setChunkState(w uint32, chunkIdx int, s ChunkState) uint32 {
	shift := uint(chunkIdx * chunkStateBits)
	w &^= chunkStateMask << shift
	w |= uint32(s&chunkStateMask) << shift
	return w
}

// TargetBuffer returns the page's advisory target buffer. Only
// meaningful once the page has been partitioned; the zero value (0) is
// never a valid BufferID (mirroring writer_id==0's reservation).
func (p *Page) TargetBuffer() uint16 {
	return uint16(p.word1.Load())
}

// Partitioned reports whether the page has ever been successfully
// partitioned (Free -> chunked). A page is never un-partitioned; once
// all its chunks cycle back to Free it is simply a partitioned page
// with every chunk free again, available for TryAcquireChunkForWriting
// without going through TryPartitionPage a second time.
func (p *Page) Partitioned() bool {
	return p.partitioned.Load()
}

// Layout returns the page's current chunk layout. Zero value if never
// partitioned.
func (p *Page) Layout() Layout {
	return unpackLayout(p.word0.Load())
}

// TryPartitionPage implements spec.md §4.1: compare-exchange a free
// page into a partitioned page whose chunks are all Free and whose
// target_buffer slot is set. Succeeds only if the page was not already
// partitioned.
func (p *Page) TryPartitionPage(layout Layout, targetBuffer uint16) bool {
	if !p.partitioned.CAS(false, true) {
		return false
	}

	n := layout.NumChunks()
	p.chunkHeaders = make([]atomic.Uint64, n)
	p.chunkPayload = make([][]byte, n)
	payloadSize := chunkPayloadSize(p.pageSize, n)
	for i := 0; i < n; i++ {
		p.chunkPayload[i] = make([]byte, payloadSize)
	}

	var states [14]ChunkState // zero value ChunkFree
	p.word0.Store(packWord0(layout, states))
	p.word1.Store(uint32(targetBuffer))
	return true
}

// GetFreeChunks returns a bitmask with bit i set iff chunk i is Free.
func (p *Page) GetFreeChunks() uint32 {
	if !p.Partitioned() {
		return 0
	}
	w := p.word0.Load()
	n := unpackLayout(w).NumChunks()
	var mask uint32
	for i := 0; i < n; i++ {
		if unpackChunkState(w, i) == ChunkFree {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// ChunkState returns the current state of chunk chunkIdx.
func (p *Page) ChunkState(chunkIdx int) ChunkState {
	return unpackChunkState(p.word0.Load(), chunkIdx)
}

// ChunkPayload returns the raw payload bytes backing chunk chunkIdx.
// Only the exclusive owner of a BeingWritten chunk may mutate it; the
// service treats it read-only once BeingRead. ABI itself does not
// enforce this (spec.md's invariant is an arbiter/service-discipline
// contract, not a runtime check), matching the "advisory, re-verified
// inside the CAS" posture of target_buffer checks.
func (p *Page) ChunkPayload(chunkIdx int) []byte {
	return p.chunkPayload[chunkIdx]
}

func (p *Page) transitionChunk(chunkIdx int, from, to ChunkState) bool {
	for {
		old := p.word0.Load()
		if unpackChunkState(old, chunkIdx) != from {
			return false
		}
		newW := setChunkState(old, chunkIdx, to)
		if p.word0.CAS(old, newW) {
			return true
		}
	}
}

// TryAcquireChunkForWriting implements spec.md §4.1: succeeds iff the
// chunk was Free and the page's target_buffer matches targetBuffer.
// The target_buffer check is advisory until re-verified inside the CAS
// retry loop, per §4.1's concurrency note.
func (p *Page) TryAcquireChunkForWriting(chunkIdx int, targetBuffer uint16, header ChunkHeader) (Chunk, bool) {
	if !p.Partitioned() || p.TargetBuffer() != targetBuffer {
		return Chunk{}, false
	}
	if !p.transitionChunk(chunkIdx, ChunkFree, ChunkBeingWritten) {
		return Chunk{}, false
	}
	p.chunkHeaders[chunkIdx].Store(header.pack())
	return Chunk{page: p, idx: chunkIdx}, true
}

// ReleaseChunkAsComplete transitions a BeingWritten chunk to Complete.
// Returns true if, immediately after this transition, every chunk on
// the page is Complete or BeingRead — i.e. this was plausibly the last
// writer on the page, a hint callers use to coalesce notifications
// (spec.md §4.2, ReturnCompletedChunk).
func (p *Page) ReleaseChunkAsComplete(chunkIdx int) (lastOnPage bool) {
	p.transitionChunk(chunkIdx, ChunkBeingWritten, ChunkComplete)

	w := p.word0.Load()
	n := unpackLayout(w).NumChunks()
	for i := 0; i < n; i++ {
		st := unpackChunkState(w, i)
		if st == ChunkFree || st == ChunkBeingWritten {
			return false
		}
	}
	return true
}

// TryAcquireAllChunksForReading is service-only: succeeds iff every
// chunk on the page is Complete, atomically moving them all to
// BeingRead.
func (p *Page) TryAcquireAllChunksForReading() bool {
	if !p.Partitioned() {
		return false
	}
	for {
		old := p.word0.Load()
		n := unpackLayout(old).NumChunks()
		newW := old
		for i := 0; i < n; i++ {
			if unpackChunkState(old, i) != ChunkComplete {
				return false
			}
			newW = setChunkState(newW, i, ChunkBeingRead)
		}
		if p.word0.CAS(old, newW) {
			return true
		}
	}
}

// ReleaseAllChunksAsFree is the service-only complement to
// TryAcquireAllChunksForReading.
func (p *Page) ReleaseAllChunksAsFree() {
	if !p.Partitioned() {
		return
	}
	for {
		old := p.word0.Load()
		n := unpackLayout(old).NumChunks()
		newW := old
		for i := 0; i < n; i++ {
			newW = setChunkState(newW, i, ChunkFree)
		}
		if p.word0.CAS(old, newW) {
			return
		}
	}
}

// ChunkHeaderOf returns the unpacked header currently stored for
// chunkIdx, regardless of chunk state (readable by the writer while
// BeingWritten, or by the service once Complete/BeingRead).
func (p *Page) ChunkHeaderOf(chunkIdx int) ChunkHeader {
	return unpackChunkHeader(p.chunkHeaders[chunkIdx].Load())
}

// Chunk is a lightweight handle into one chunk of one page. It is the
// unit the arbiter and TraceWriter pass around once a chunk has been
// acquired.
type Chunk struct {
	page *Page
	idx  int
}

// Valid reports whether the chunk handle refers to a real chunk (the
// zero Chunk{} is the "kDrop policy returned nothing" sentinel).
func (c Chunk) Valid() bool { return c.page != nil }

// Page returns the owning page.
func (c Chunk) Page() *Page { return c.page }

// Index returns the chunk's index within its page.
func (c Chunk) Index() int { return c.idx }

// Payload returns the chunk's raw payload bytes.
func (c Chunk) Payload() []byte { return c.page.ChunkPayload(c.idx) }

// Header returns the chunk's current header.
func (c Chunk) Header() ChunkHeader { return c.page.ChunkHeaderOf(c.idx) }

// SetHeader atomically overwrites the chunk's header in place — used by
// the writer to bump packet_count and flags without releasing the
// chunk's BeingWritten ownership.
func (c Chunk) SetHeader(h ChunkHeader) {
	c.page.chunkHeaders[c.idx].Store(h.pack())
}

// ReleaseAsComplete returns true if this was plausibly the page's last
// outstanding writer (see Page.ReleaseChunkAsComplete).
func (c Chunk) ReleaseAsComplete() bool {
	return c.page.ReleaseChunkAsComplete(c.idx)
}
