package abi

// ChunkFlags are the per-chunk bits from spec.md §6.4.
type ChunkFlags uint8

const (
	// FlagFirstPacketContinuesFromPrevChunk marks that this chunk's
	// first packet is the continuation of a packet whose earlier bytes
	// live in a previous chunk.
	FlagFirstPacketContinuesFromPrevChunk ChunkFlags = 1 << iota
	// FlagLastPacketContinuesOnNextChunk marks that this chunk's last
	// packet continues into a following chunk.
	FlagLastPacketContinuesOnNextChunk
	// FlagChunkNeedsPatching marks that at least one patch targeting
	// this chunk has not yet been applied.
	FlagChunkNeedsPatching
)

func (f ChunkFlags) Has(flag ChunkFlags) bool { return f&flag != 0 }

const (
	chunkHeaderWriterIDShift    = 48
	chunkHeaderChunkIDShift     = 32
	chunkHeaderPacketCountShift = 6
	chunkHeaderPacketCountMask  = 0x3FF // 10 bits
	chunkHeaderFlagsMask        = 0x3F  // 6 bits

	// MaxPacketCount is the largest value packet_count's 10-bit wire
	// field can hold (spec.md §6.4).
	MaxPacketCount = chunkHeaderPacketCountMask
)

// ChunkHeader is the logical, unpacked form of spec.md §6.4's 6-byte
// on-wire chunk header: {writer_id:16, chunk_id:16, packet_count:10,
// flags:6}. WriterID and ChunkID are kept at full Go integer width
// (uint16/uint32) for convenience; only the wire-packed form truncates
// ChunkID to its low 16 bits, which is exactly the "chunk_id observed
// modulo 2^16" wraparound spec.md §8 requires.
type ChunkHeader struct {
	WriterID    uint16
	ChunkID     uint32
	PacketCount uint16
	Flags       ChunkFlags
}

func (h ChunkHeader) pack() uint64 {
	wireChunkID := uint16(h.ChunkID)
	pc := h.PacketCount
	if pc > MaxPacketCount {
		pc = MaxPacketCount
	}
	return uint64(h.WriterID)<<chunkHeaderWriterIDShift |
		uint64(wireChunkID)<<chunkHeaderChunkIDShift |
		uint64(pc)<<chunkHeaderPacketCountShift |
		uint64(h.Flags)&chunkHeaderFlagsMask
}

func unpackChunkHeader(w uint64) ChunkHeader {
	return ChunkHeader{
		WriterID:    uint16(w >> chunkHeaderWriterIDShift),
		ChunkID:     uint32(uint16(w >> chunkHeaderChunkIDShift)),
		PacketCount: uint16((w >> chunkHeaderPacketCountShift) & chunkHeaderPacketCountMask),
		Flags:       ChunkFlags(w & chunkHeaderFlagsMask),
	}
}

// ChunkIDLess reports whether a logically precedes b under the mod-2^16
// wraparound ordering spec.md §8 requires ("chunk_id values observed by
// the service are strictly increasing modulo 2^16").
func ChunkIDLess(a, b uint32) bool {
	return uint16(b-a) != 0 && uint16(b-a) < 0x8000
}
