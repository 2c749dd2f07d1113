package service

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/grafana/traced/pkg/tracedpb"
)

// producerByUID scans the producer table for the (first) Producer
// registered under uid, used by ReadBuffers to resolve the PID and
// ProducerID a chunk's recorded producer_uid belongs to. Two producers
// sharing a uid is possible but rare; the first match is as good a
// trust anchor as any single chunkEntry has room to record.
func (s *TracingService) producerByUID(uid int32) *Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.producers {
		if p.UID == uid {
			return p
		}
	}
	return nil
}

// trustedPacketSequenceID implements spec.md §4.4.8's "globally unique
// id derived from (producer_id, writer_id)": a stable hash so two
// writers (or the same writer reused by a later producer) never
// collide, without needing a process-wide counter the stitcher would
// have to persist across ReadBuffers calls.
func trustedPacketSequenceID(producerID ProducerID, writerID uint16) uint32 {
	var buf [6]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(producerID))
	binary.LittleEndian.PutUint16(buf[4:], writerID)
	return uint32(xxhash.Sum64(buf[:]))
}

// stampTrustedFields implements spec.md §4.4.8: every packet ReadBuffers
// delivers is decoded, tagged with the trusted identity of the producer
// that actually wrote it (never whatever the producer itself claims),
// and re-encoded. A packet that fails to decode is dropped rather than
// delivered unstamped, since an unstamped packet would defeat the
// untrusted-producer model this field exists for.
func stampTrustedFields(raw []byte, producerUID int32, producer *Producer, writerID uint16) ([]byte, bool) {
	var pkt tracedpb.TracePacket
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, false
	}

	pkt.TrustedUID = producerUID
	if producer != nil {
		pkt.TrustedPID = producer.PID
		pkt.TrustedPacketSequenceID = trustedPacketSequenceID(producer.ID, writerID)
	}

	out, err := pkt.Marshal()
	if err != nil {
		return nil, false
	}
	return out, true
}
