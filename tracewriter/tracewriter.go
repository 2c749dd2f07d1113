// Package tracewriter implements the producer-side TraceWriter
// (spec.md §4.3): it streams serialized TracePackets into SMB chunks
// obtained from a ChunkSource, handling fragmentation across chunk
// boundaries with the same redundant-varint-plus-patch-list mechanism
// the ABI's reserved length prefix exists for.
package tracewriter

import (
	"context"
	"fmt"
	"sync"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/arbiter"
	"github.com/grafana/traced/pkg/tracedpb"
)

// ChunkSource is the subset of *arbiter.Arbiter a TraceWriter needs.
// Accepting the narrow interface (rather than the concrete type) keeps
// this package testable without a real Region.
type ChunkSource interface {
	GetNewChunk(ctx context.Context, header abi.ChunkHeader, targetBuffer uint16, policy arbiter.Policy) (abi.Chunk, bool)
	ReturnCompletedChunk(chunk abi.Chunk)
	ApplyPatch(patch arbiter.ChunkPatch)
	Flush(flushRequestID uint64)
}

// pendingPatch records where an open packet's reserved length prefix
// lives once the chunk holding it has already been released — the
// flattened, single-level analogue of spec.md §4.3's "stack of nested
// open submessages" patch list (traced's wire format has no streaming
// submessage builder, so at most one prefix is ever outstanding per
// writer: the packet's own).
type pendingPatch struct {
	chunkID uint32
	offset  uint32
}

// TraceWriter streams TracePackets for a single WriterID into chunks
// acquired from src.
type TraceWriter struct {
	src          ChunkSource
	writerID     uint16
	targetBuffer uint16
	policy       arbiter.Policy

	mu sync.Mutex

	chunk    abi.Chunk
	header   abi.ChunkHeader
	cursor   uint32
	nextChID uint32

	open              bool
	packetStartOffset uint32
	packetStartChunk  abi.Chunk
	packetWritten     uint32
	pending           *pendingPatch

	emittedAny            bool
	previousPacketDropped bool
	dropPackets           bool

	pendingFlushes map[uint64]func()
}

// New creates a TraceWriter bound to src with the given WriterID and
// target BufferID. policy controls GetNewChunk's behavior on SMB
// exhaustion (spec.md §4.2).
func New(src ChunkSource, writerID uint16, targetBuffer uint16, policy arbiter.Policy) *TraceWriter {
	return &TraceWriter{
		src:            src,
		writerID:       writerID,
		targetBuffer:   targetBuffer,
		policy:         policy,
		pendingFlushes: make(map[uint64]func()),
	}
}

// NewTracePacket opens a new packet, first finalizing any packet still
// open from a previous call (spec.md §4.3: "If currently fragmenting,
// finalizes"). FirstPacketOnSequence reports whether the caller should
// set first_packet_on_sequence on the packet it is about to marshal.
func (w *TraceWriter) NewTracePacket(ctx context.Context) (firstPacketOnSequence bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.open {
		w.finishLocked()
	}

	if !w.dropPackets {
		if err := w.ensureSpaceLocked(ctx, tracedpb.ReservedSizeFieldLen); err != nil {
			return false, err
		}
	}

	if !w.dropPackets {
		w.packetStartChunk = w.chunk
		w.packetStartOffset = w.cursor
		w.pending = nil
		tracedpb.PutReservedVarint(w.chunk.Payload()[w.cursor:], 0)
		w.cursor += tracedpb.ReservedSizeFieldLen

		w.header.PacketCount++
		if w.header.PacketCount > abi.MaxPacketCount {
			w.header.PacketCount = abi.MaxPacketCount
		}
		w.chunk.SetHeader(w.header)
	}

	w.packetWritten = 0
	w.open = true

	first := !w.emittedAny
	w.emittedAny = true
	return first, nil
}

// ConsumePreviousPacketDropped reports and clears whether the packet
// about to be written follows one dropped under PolicyDrop (spec.md
// §4.2/§4.3): the caller sets previous_packet_dropped on the next
// packet it marshals.
func (w *TraceWriter) ConsumePreviousPacketDropped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.previousPacketDropped
	w.previousPacketDropped = false
	return v
}

// AppendBytes writes buf into the currently open packet, spilling into
// freshly acquired chunks as needed.
func (w *TraceWriter) AppendBytes(ctx context.Context, buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return fmt.Errorf("tracewriter: AppendBytes with no open packet")
	}

	if w.dropPackets {
		w.packetWritten += uint32(len(buf))
		return nil
	}

	for len(buf) > 0 {
		if w.dropPackets {
			w.packetWritten += uint32(len(buf))
			return nil
		}

		avail := uint32(len(w.chunk.Payload())) - w.cursor
		if avail == 0 {
			if err := w.overflowLocked(ctx); err != nil {
				return err
			}
			continue
		}
		n := avail
		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}
		copy(w.chunk.Payload()[w.cursor:], buf[:n])
		w.cursor += n
		w.packetWritten += n
		buf = buf[n:]
	}
	return nil
}

// FinishTracePacket closes the currently open packet, patching its
// reserved length prefix with the measured size — directly if the
// prefix's chunk is still held, or via the arbiter's patch path if it
// was already released to the service mid-fragment.
func (w *TraceWriter) FinishTracePacket() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return fmt.Errorf("tracewriter: FinishTracePacket with no open packet")
	}
	w.finishLocked()
	return nil
}

// FinishTracePacketForScraping is FinishTracePacket's TakeStreamWriter
// alternative (spec.md §4.3): it additionally inflates packet_count by
// one past what was actually written, giving the service a safe
// scraping boundary (§4.5) without allocating a further packet.
func (w *TraceWriter) FinishTracePacketForScraping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return fmt.Errorf("tracewriter: FinishTracePacketForScraping with no open packet")
	}
	w.finishLocked()
	if w.chunk.Valid() {
		w.header.PacketCount++
		if w.header.PacketCount > abi.MaxPacketCount {
			w.header.PacketCount = abi.MaxPacketCount
		}
		w.chunk.SetHeader(w.header)
	}
	return nil
}

func (w *TraceWriter) finishLocked() {
	defer func() {
		w.open = false
		w.pending = nil
	}()

	if w.dropPackets {
		return
	}

	var buf [tracedpb.ReservedSizeFieldLen]byte
	tracedpb.PutReservedVarint(buf[:], w.packetWritten)

	if w.pending != nil {
		w.src.ApplyPatch(arbiter.ChunkPatch{
			WriterID:      w.writerID,
			ChunkID:       w.pending.chunkID,
			OffsetInChunk: w.pending.offset,
			Payload:       buf,
		})
		return
	}

	copy(w.packetStartChunk.Payload()[w.packetStartOffset:], buf[:])
}

// ensureSpaceLocked guarantees the current chunk has at least n bytes
// free, acquiring a fresh chunk via GetNewChunk if none is held yet.
func (w *TraceWriter) ensureSpaceLocked(ctx context.Context, n uint32) error {
	if w.chunk.Valid() && uint32(len(w.chunk.Payload()))-w.cursor >= n {
		return nil
	}
	if w.chunk.Valid() {
		return w.overflowLocked(ctx)
	}
	return w.acquireFreshChunkLocked(ctx)
}

func (w *TraceWriter) acquireFreshChunkLocked(ctx context.Context) error {
	w.header = abi.ChunkHeader{WriterID: w.writerID, ChunkID: w.nextChID}
	w.nextChID++

	c, ok := w.src.GetNewChunk(ctx, w.header, w.targetBuffer, w.policy)
	if !ok {
		return w.handleNoChunkLocked(ctx)
	}
	w.chunk = c
	w.cursor = 0
	return nil
}

// overflowLocked implements spec.md §4.3's GetNewBuffer: completes the
// current chunk and acquires a new one, carrying the continuation
// flags and recording a pending patch if a packet is still open.
func (w *TraceWriter) overflowLocked(ctx context.Context) error {
	mustPatchPrefix := w.open && w.pending == nil && w.packetStartChunk == w.chunk

	if w.chunk.Valid() {
		w.header.Flags |= abi.FlagLastPacketContinuesOnNextChunk
		if mustPatchPrefix {
			// this chunk still holds an unpatched reserved length prefix;
			// flag it as needing a patch. The service reads the chunk
			// without checking this flag.
			w.header.Flags |= abi.FlagChunkNeedsPatching
		}
		w.chunk.SetHeader(w.header)
		w.src.ReturnCompletedChunk(w.chunk)

		if mustPatchPrefix {
			w.pending = &pendingPatch{chunkID: w.header.ChunkID, offset: w.packetStartOffset}
		}
	}

	w.header = abi.ChunkHeader{WriterID: w.writerID, ChunkID: w.nextChID}
	w.nextChID++
	if w.open {
		w.header.Flags |= abi.FlagFirstPacketContinuesFromPrevChunk
		w.header.PacketCount = 1
	}

	c, ok := w.src.GetNewChunk(ctx, w.header, w.targetBuffer, w.policy)
	if !ok {
		return w.handleNoChunkLocked(ctx)
	}
	w.chunk = c
	w.cursor = 0
	return nil
}

// handleNoChunkLocked is reached when GetNewChunk returns no chunk.
// Under PolicyDrop that's the expected "enter discard mode" outcome;
// under PolicyStall it only happens because ctx was canceled while
// waiting, which must surface as an error rather than silently
// dropping data.
func (w *TraceWriter) handleNoChunkLocked(ctx context.Context) error {
	if w.policy != arbiter.PolicyDrop {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("tracewriter: GetNewChunk aborted: %w", err)
		}
		return fmt.Errorf("tracewriter: GetNewChunk returned no chunk under PolicyStall")
	}
	w.dropPackets = true
	w.chunk = abi.Chunk{}
	w.cursor = 0
	return nil
}

// Flush completes the current chunk (if any) and asks the underlying
// arbiter to forward any pending commit tagged with flushRequestID.
// onAck fires once the service acknowledges that id via AckFlush.
func (w *TraceWriter) Flush(flushRequestID uint64, onAck func()) {
	w.mu.Lock()
	if w.chunk.Valid() {
		mustPatchPrefix := w.open && w.pending == nil && w.packetStartChunk == w.chunk
		if w.open {
			w.header.Flags |= abi.FlagLastPacketContinuesOnNextChunk
		}
		if mustPatchPrefix {
			w.header.Flags |= abi.FlagChunkNeedsPatching
		}
		w.chunk.SetHeader(w.header)
		w.src.ReturnCompletedChunk(w.chunk)
		if mustPatchPrefix {
			w.pending = &pendingPatch{chunkID: w.header.ChunkID, offset: w.packetStartOffset}
		}
		w.chunk = abi.Chunk{}
	}
	if onAck != nil {
		w.pendingFlushes[flushRequestID] = onAck
	}
	w.mu.Unlock()

	w.src.Flush(flushRequestID)
}

// AckFlush fires and clears the callback registered for flushRequestID
// by Flush, invoked by the service once it has processed the flush.
func (w *TraceWriter) AckFlush(flushRequestID uint64) {
	w.mu.Lock()
	cb := w.pendingFlushes[flushRequestID]
	delete(w.pendingFlushes, flushRequestID)
	w.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// BindStartupWriter replays everything buffered in sw through this
// writer, in write order, implementing the bind-time handoff spec.md
// §4.2's "Startup buffering" describes: the heap-buffered packets are
// re-emitted into freshly acquired SMB chunks, packet boundaries
// preserved, and further writes go through this writer directly. If the
// startup buffer overflowed while cold, the first packet the caller
// marshals after binding observes it via ConsumePreviousPacketDropped.
func (w *TraceWriter) BindStartupWriter(ctx context.Context, sw *arbiter.StartupTraceWriter) error {
	packets, overflowed := sw.Drain()
	if overflowed {
		w.mu.Lock()
		w.previousPacketDropped = true
		w.mu.Unlock()
	}
	for _, raw := range packets {
		if _, err := w.NewTracePacket(ctx); err != nil {
			return err
		}
		if err := w.AppendBytes(ctx, raw); err != nil {
			return err
		}
		if err := w.FinishTracePacket(); err != nil {
			return err
		}
	}
	return nil
}

// DroppingPackets reports whether this writer is currently discarding
// bytes after SMB exhaustion under PolicyDrop, waiting for a fresh
// chunk to resume (spec.md §4.2).
func (w *TraceWriter) DroppingPackets() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropPackets
}

// TryResume attempts to leave drop mode by acquiring a fresh chunk. On
// success, the next packet must have previous_packet_dropped set,
// surfaced via ConsumePreviousPacketDropped.
func (w *TraceWriter) TryResume(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dropPackets {
		return true
	}
	w.header = abi.ChunkHeader{WriterID: w.writerID, ChunkID: w.nextChID}
	c, ok := w.src.GetNewChunk(ctx, w.header, w.targetBuffer, w.policy)
	if !ok {
		return false
	}
	w.nextChID++
	w.chunk = c
	w.cursor = 0
	w.dropPackets = false
	w.previousPacketDropped = true
	return true
}
