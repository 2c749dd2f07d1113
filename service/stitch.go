package service

import (
	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/pkg/tracedpb"
)

// fragmentKey identifies one writer's in-flight fragmenting packet
// while stitching a TraceBuffer's entries back into whole packets
// (spec.md §4.5's "(producer_uid, writer_id, chunk_id) index").
type fragmentKey struct {
	producerUID int32
	writerID    uint16
}

// openFragment is a fragmenting packet's bytes collected so far, plus
// how many more bytes it needs and which chunk_id must supply them
// next — continuity is required (spec.md §8: "chunk_id values observed
// by the service are strictly increasing"); a gap means the
// intervening chunk was evicted or never arrived, and the fragment is
// unrecoverable.
type openFragment struct {
	buf         []byte
	remaining   uint32
	nextChunkID uint32
}

// stitcher reassembles fragmented packets across a sequence of
// chunkEntry values fed to it in arrival order, tracking one open
// fragment per writer.
type stitcher struct {
	open map[fragmentKey]*openFragment
}

func newStitcher() *stitcher {
	return &stitcher{open: make(map[fragmentKey]*openFragment)}
}

// feed decodes entry's packet records, delivering each complete packet
// (whether single-chunk or the tail end of a fragment) to deliver.
// packetCount governs how many logical records the chunk holds;
// callers that want the scraping semantics of spec.md §4.4.6 (stop one
// packet short of the open one) pass packetCount-1 via
// feedForScraping instead.
func (s *stitcher) feed(e *chunkEntry, deliver func([]byte)) {
	s.feedN(e, int(e.header.PacketCount), deliver)
}

// feedForScraping implements spec.md §4.4.6: a BeingWritten chunk's
// packet_count is inflated by one for the currently-open packet, so
// only packet_count-1 records are safe to read. A packet_count of 1
// (only the open packet) yields nothing.
func (s *stitcher) feedForScraping(e *chunkEntry, deliver func([]byte)) {
	n := int(e.header.PacketCount) - 1
	if n < 0 {
		n = 0
	}
	s.feedN(e, n, deliver)
}

func (s *stitcher) feedN(e *chunkEntry, count int, deliver func([]byte)) {
	key := fragmentKey{producerUID: e.key.producerUID, writerID: e.key.writerID}
	payload := e.payload
	cursor := 0

	if count == 0 {
		return
	}

	if e.header.Flags.Has(abi.FlagFirstPacketContinuesFromPrevChunk) {
		frag := s.open[key]
		if frag == nil || frag.nextChunkID != e.key.chunkID {
			// The chunk holding the rest of this packet's prefix and
			// earlier bytes is gone (evicted or never arrived): the
			// continuation's own length is unknowable, so the entire
			// chunk is unparseable past this point.
			delete(s.open, key)
			return
		}
		delete(s.open, key)

		consume := len(payload)
		if uint32(consume) > frag.remaining {
			consume = int(frag.remaining)
		}
		frag.buf = append(frag.buf, payload[:consume]...)
		frag.remaining -= uint32(consume)
		cursor = consume

		if frag.remaining > 0 {
			frag.nextChunkID = e.key.chunkID + 1
			s.open[key] = frag
			return
		}
		deliver(frag.buf)
		count--
	}

	for i := 0; i < count; i++ {
		if cursor+tracedpb.ReservedSizeFieldLen > len(payload) {
			return
		}
		l := tracedpb.ReservedVarint(payload[cursor : cursor+tracedpb.ReservedSizeFieldLen])
		cursor += tracedpb.ReservedSizeFieldLen
		avail := len(payload) - cursor

		if int(l) <= avail {
			deliver(append([]byte(nil), payload[cursor:cursor+int(l)]...))
			cursor += int(l)
			continue
		}

		buf := append([]byte(nil), payload[cursor:cursor+avail]...)
		s.open[key] = &openFragment{
			buf:         buf,
			remaining:   l - uint32(avail),
			nextChunkID: e.key.chunkID + 1,
		}
		return
	}
}
