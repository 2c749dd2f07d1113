package service

import (
	"regexp"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/pkg/tracedpb"
)

// applyTraceFilterToBuffer implements spec.md §4.4.7: reconstitute every
// packet in src, strip the fields outside the allowlist, run the
// string-redaction chain over what survives, and re-frame the results
// into a fresh, single-chunk-per-packet TraceBuffer for the clone.
// Re-framing (rather than patching the bytes in place) is necessary
// because redaction can change a field's encoded length, and traced's
// reserved-varint length prefix is sized for the original.
func applyTraceFilterToBuffer(src *TraceBuffer, newID BufferID, filter *TraceFilterConfig) *TraceBuffer {
	out := NewTraceBuffer(newID, src.Cfg)
	st := newStitcher()
	var chunkID uint32

	for _, e := range src.Entries() {
		st.feed(e, func(raw []byte) {
			filtered, ok := applyTraceFilterToPacket(raw, filter)
			if !ok {
				return
			}
			chunkID++
			header := abi.ChunkHeader{WriterID: e.header.WriterID, ChunkID: chunkID, PacketCount: 1}
			out.CopyChunk(e.key.producerUID, header, frameSinglePacket(filtered))
		})
	}
	return out
}

// applyTraceFilterToPacket runs one serialized packet through filter:
// fields outside the allowlist are stripped (not the whole packet —
// spec.md §8 scenario 5 expects a filtered packet to survive with
// has_timestamp=false, not to vanish because it carried a timestamp),
// then the string-redaction chain runs over what remains. Returns
// ok=false for a packet that fails to decode or strips down to nothing.
func applyTraceFilterToPacket(raw []byte, filter *TraceFilterConfig) ([]byte, bool) {
	var pkt tracedpb.TracePacket
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, false
	}
	stripDisallowedFields(&pkt, filter.AllowedFields)
	applyStringFilterChain(&pkt, filter.StringFilterChain)

	filtered, err := pkt.Marshal()
	if err != nil || len(filtered) == 0 {
		return nil, false
	}
	return filtered, true
}

// frameSinglePacket wraps payload in the reserved-varint length prefix
// every chunk payload uses, producing a one-record chunk.
func frameSinglePacket(payload []byte) []byte {
	buf := make([]byte, tracedpb.ReservedSizeFieldLen+len(payload))
	tracedpb.PutReservedVarint(buf[:tracedpb.ReservedSizeFieldLen], uint32(len(payload)))
	copy(buf[tracedpb.ReservedSizeFieldLen:], payload)
	return buf
}

// stripDisallowedFields clears every top-level field not named in
// allowed, leaving the rest of the packet intact. An empty allowed set
// means "no filter bytecode configured": everything passes untouched.
func stripDisallowedFields(pkt *tracedpb.TracePacket, allowed []int) {
	if len(allowed) == 0 {
		return
	}
	keep := func(f int) bool { return containsInt(allowed, f) }

	if !keep(tracedpb.FieldTimestamp) {
		pkt.HasTimestamp = false
		pkt.Timestamp = 0
	}
	if !keep(tracedpb.FieldForTesting) {
		pkt.ForTesting = nil
	}
	if !keep(tracedpb.FieldTrustedUID) {
		pkt.TrustedUID = 0
	}
	if !keep(tracedpb.FieldTrustedPID) {
		pkt.TrustedPID = 0
	}
	if !keep(tracedpb.FieldTrustedPacketSequenceID) {
		pkt.TrustedPacketSequenceID = 0
	}
	if !keep(tracedpb.FieldPreviousPacketDropped) {
		pkt.PreviousPacketDropped = false
	}
	if !keep(tracedpb.FieldFirstPacketOnSequence) {
		pkt.FirstPacketOnSequence = false
	}
	if !keep(tracedpb.FieldTrigger) {
		pkt.Trigger = nil
	}
	if !keep(tracedpb.FieldClockSnapshot) {
		pkt.ClockSnapshot = nil
	}
	if !keep(tracedpb.FieldTraceConfig) {
		pkt.TraceConfigEcho = nil
	}
	if !keep(tracedpb.FieldTraceUUID) {
		pkt.TraceUUID = nil
	}
	if !keep(tracedpb.FieldSystemInfo) {
		pkt.SystemInfo = nil
	}
	if !keep(tracedpb.FieldTracingServiceEvent) {
		pkt.TracingServiceEvent = nil
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// applyStringFilterChain implements spec.md §4.4.7's redaction step: a
// regex match against a string field either blanks out its capture
// groups or the whole match, byte-for-byte (never shortening the
// string, so offsets a consumer already captured stay valid — this
// matters most for the Timestamp-in-ForTesting.Str scenario in spec.md
// §8's clone test).
func applyStringFilterChain(pkt *tracedpb.TracePacket, chain []StringFilterRule) {
	for _, rule := range chain {
		if !isForTestingStrPath(rule.FieldPath) || pkt.ForTesting == nil || len(pkt.ForTesting.Str) == 0 {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		redacted := redactString(string(pkt.ForTesting.Str), re, rule.Action, rule.Replacement)
		pkt.ForTesting.Str = []byte(redacted)
	}
}

// isForTestingStrPath resolves the one field path this module's
// TracePacket actually carries redactable string content in. A real
// implementation would walk a generic descriptor; traced's hand-rolled
// message set is small enough that an explicit check is clearer than
// reflection (see DESIGN.md).
func isForTestingStrPath(path []int) bool {
	return len(path) == 2 && path[0] == tracedpb.FieldForTesting && path[1] == tracedpb.FieldForTestingStr
}

func redactString(s string, re *regexp.Regexp, action StringFilterAction, replacement byte) string {
	b := []byte(s)
	switch action {
	case StringFilterMatchRedactAll:
		loc := re.FindIndex(b)
		if loc == nil {
			return s
		}
		for i := loc[0]; i < loc[1]; i++ {
			b[i] = replacement
		}
	case StringFilterMatchRedactGroups:
		m := re.FindSubmatchIndex(b)
		if m == nil {
			return s
		}
		for g := 1; g*2+1 < len(m); g++ {
			lo, hi := m[g*2], m[g*2+1]
			if lo < 0 {
				continue
			}
			for i := lo; i < hi; i++ {
				b[i] = replacement
			}
		}
	}
	return string(b)
}
