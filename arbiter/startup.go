package arbiter

import "sync"

// StartupTraceWriter buffers whole serialized TracePackets in a heap
// slice before a producer is bound to the service (spec.md §4.2 cold
// start). It preserves packet boundaries by storing one []byte per
// packet rather than a single concatenated buffer; at bind time the
// owning TraceWriter drains it and re-emits each packet through the
// real SMB path, so fragmentation and patch-list bookkeeping happen
// exactly once, in TraceWriter, instead of being duplicated here.
type StartupTraceWriter struct {
	mu               sync.Mutex
	packets          [][]byte
	bufferedBytes    int
	maxBufferedBytes int
	overflowed       bool
}

// NewStartupTraceWriter creates a startup buffer that holds at most
// maxBufferedBytes of packet payload before refusing further writes.
func NewStartupTraceWriter(maxBufferedBytes int) *StartupTraceWriter {
	return &StartupTraceWriter{maxBufferedBytes: maxBufferedBytes}
}

// Append buffers one already-serialized packet. Returns false if the
// buffer is full; the caller is responsible for deciding how to react
// (spec.md leaves cold-start overflow policy to the embedder, unlike
// GetNewChunk's kStall/kDrop).
func (s *StartupTraceWriter) Append(packet []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bufferedBytes+len(packet) > s.maxBufferedBytes {
		s.overflowed = true
		return false
	}
	buf := make([]byte, len(packet))
	copy(buf, packet)
	s.packets = append(s.packets, buf)
	s.bufferedBytes += len(packet)
	return true
}

// Drain returns every buffered packet in write order and resets the
// buffer, for the owning TraceWriter to replay once bound to a real
// Arbiter. Overflowed reports whether any Append call was refused
// while buffering, so the caller can set previous_packet_dropped on
// the first replayed packet.
func (s *StartupTraceWriter) Drain() (packets [][]byte, overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	packets = s.packets
	overflowed = s.overflowed
	s.packets = nil
	s.bufferedBytes = 0
	s.overflowed = false
	return packets, overflowed
}

// Len returns the number of packets currently buffered.
func (s *StartupTraceWriter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}
