// Package tracedpb holds the hand-rolled, length-delimited wire messages
// that flow through the tracing pipeline. Full protobuf codegen is out
// of scope for this module (spec.md §1); these types implement exactly
// the tag-length-delimited shapes the rest of traced needs, by hand, in
// the same spirit as gogo-protobuf's generated Marshal/Unmarshal pairs.
package tracedpb

import "fmt"

// Field numbers for TracePacket. Exported so tracewriter can emit the
// ForTesting.Str field incrementally (streamed across chunk boundaries)
// without going through a single in-memory Marshal call.
const (
	FieldTimestamp               = 1
	FieldForTesting              = 2
	FieldTrustedUID              = 3
	FieldTrustedPID              = 4
	FieldTrustedPacketSequenceID = 5
	FieldPreviousPacketDropped   = 6
	FieldFirstPacketOnSequence   = 7
	FieldTrigger                 = 8
	FieldClockSnapshot           = 9
	FieldTraceConfig             = 10
	FieldTraceUUID               = 11
	FieldSystemInfo              = 12
	FieldTracingServiceEvent     = 13

	FieldForTestingStr = 1

	FieldTriggerName         = 1
	FieldTriggerProducerName = 2

	FieldClockSnapshotTimestamp = 1

	FieldTraceUUIDLSB = 1
	FieldTraceUUIDMSB = 2

	FieldSystemInfoSysname = 1
	FieldSystemInfoRelease = 2

	FieldTSETracingStarted              = 1
	FieldTSEAllDataSourcesFlushed       = 2
	FieldTSEReadTracingBuffersCompleted = 3
	FieldTSETracingDisabled             = 4
	FieldTSELastFlushSlowDataSources    = 5
)

// ForTesting is the synthetic payload used by the conformance scenarios
// in spec.md §8 to exercise fragmentation and patching.
type ForTesting struct {
	Str []byte
}

// Trigger packet emitted into buffer 0 when a producer-originated
// trigger is admitted (spec.md §4.4.2 step 3).
type Trigger struct {
	TriggerName  string
	ProducerName string
}

type ClockSnapshot struct {
	Timestamp uint64
}

type TraceUUID struct {
	LSB uint64
	MSB uint64
}

type SystemInfo struct {
	Sysname string
	Release string
}

// TracingServiceEvent carries the trailing lifecycle markers ReadBuffers
// appends to the output stream (spec.md §4.4.8).
type TracingServiceEvent struct {
	TracingStarted              bool
	AllDataSourcesFlushed       bool
	ReadTracingBuffersCompleted bool
	TracingDisabled             bool
	LastFlushSlowDataSources    []string
}

// TracePacket is traced's single wire message type: every byte range a
// TraceWriter emits and every byte range ReadBuffers hands a consumer
// back is exactly one TracePacket.
type TracePacket struct {
	HasTimestamp bool
	Timestamp    uint64

	ForTesting *ForTesting

	TrustedUID              int32
	TrustedPID              int32
	TrustedPacketSequenceID uint32
	PreviousPacketDropped   bool
	FirstPacketOnSequence   bool

	Trigger *Trigger

	ClockSnapshot *ClockSnapshot
	// TraceConfigEcho carries the raw, already-serialized TraceConfig
	// bytes echoed verbatim into the preamble (spec.md §4.4.8); traced
	// never needs to interpret it once serialized, only pass it through.
	TraceConfigEcho []byte
	TraceUUID       *TraceUUID
	SystemInfo      *SystemInfo

	TracingServiceEvent *TracingServiceEvent
}

func putVarintField(buf []byte, field int, v uint64) []byte {
	buf = putTag(buf, field, wireVarint)
	return PutUvarint(buf, v)
}

func putBoolField(buf []byte, field int, v bool) []byte {
	if !v {
		return buf
	}
	return putVarintField(buf, field, 1)
}

func putBytesField(buf []byte, field int, v []byte) []byte {
	buf = putTag(buf, field, wireLengthDelim)
	buf = PutUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func putStringField(buf []byte, field int, v string) []byte {
	return putBytesField(buf, field, []byte(v))
}

// Marshal serializes the packet using the non-streaming path: suitable
// for any packet that does not need mid-flight chunk-boundary patching
// (i.e. everything except a TraceWriter-streamed ForTesting payload that
// spans chunks — see tracewriter.TraceWriter's NewTracePacket/AppendBytes/
// FinishTracePacket for that path).
func (p *TracePacket) Marshal() ([]byte, error) {
	var buf []byte

	if p.HasTimestamp {
		buf = putVarintField(buf, FieldTimestamp, p.Timestamp)
	}
	if p.ForTesting != nil {
		sub := putBytesField(nil, FieldForTestingStr, p.ForTesting.Str)
		buf = putBytesField(buf, FieldForTesting, sub)
	}
	if p.TrustedUID != 0 {
		buf = putVarintField(buf, FieldTrustedUID, uint64(uint32(p.TrustedUID)))
	}
	if p.TrustedPID != 0 {
		buf = putVarintField(buf, FieldTrustedPID, uint64(uint32(p.TrustedPID)))
	}
	if p.TrustedPacketSequenceID != 0 {
		buf = putVarintField(buf, FieldTrustedPacketSequenceID, uint64(p.TrustedPacketSequenceID))
	}
	buf = putBoolField(buf, FieldPreviousPacketDropped, p.PreviousPacketDropped)
	buf = putBoolField(buf, FieldFirstPacketOnSequence, p.FirstPacketOnSequence)

	if p.Trigger != nil {
		var sub []byte
		sub = putStringField(sub, FieldTriggerName, p.Trigger.TriggerName)
		sub = putStringField(sub, FieldTriggerProducerName, p.Trigger.ProducerName)
		buf = putBytesField(buf, FieldTrigger, sub)
	}

	if p.ClockSnapshot != nil {
		sub := putVarintField(nil, FieldClockSnapshotTimestamp, p.ClockSnapshot.Timestamp)
		buf = putBytesField(buf, FieldClockSnapshot, sub)
	}

	if p.TraceConfigEcho != nil {
		buf = putBytesField(buf, FieldTraceConfig, p.TraceConfigEcho)
	}

	if p.TraceUUID != nil {
		var sub []byte
		sub = putVarintField(sub, FieldTraceUUIDLSB, p.TraceUUID.LSB)
		sub = putVarintField(sub, FieldTraceUUIDMSB, p.TraceUUID.MSB)
		buf = putBytesField(buf, FieldTraceUUID, sub)
	}

	if p.SystemInfo != nil {
		var sub []byte
		sub = putStringField(sub, FieldSystemInfoSysname, p.SystemInfo.Sysname)
		sub = putStringField(sub, FieldSystemInfoRelease, p.SystemInfo.Release)
		buf = putBytesField(buf, FieldSystemInfo, sub)
	}

	if p.TracingServiceEvent != nil {
		tse := p.TracingServiceEvent
		var sub []byte
		sub = putBoolField(sub, FieldTSETracingStarted, tse.TracingStarted)
		sub = putBoolField(sub, FieldTSEAllDataSourcesFlushed, tse.AllDataSourcesFlushed)
		sub = putBoolField(sub, FieldTSEReadTracingBuffersCompleted, tse.ReadTracingBuffersCompleted)
		sub = putBoolField(sub, FieldTSETracingDisabled, tse.TracingDisabled)
		for _, name := range tse.LastFlushSlowDataSources {
			sub = putStringField(sub, FieldTSELastFlushSlowDataSources, name)
		}
		buf = putBytesField(buf, FieldTracingServiceEvent, sub)
	}

	return buf, nil
}

// Unmarshal decodes buf (the exact output of Marshal, or an equivalent
// byte-for-byte stream produced through tracewriter.TraceWriter) into p.
func (p *TracePacket) Unmarshal(buf []byte) error {
	*p = TracePacket{}

	for len(buf) > 0 {
		field, wt, n := readTag(buf)
		if n == 0 {
			return fmt.Errorf("tracedpb: truncated tag")
		}
		buf = buf[n:]

		switch wt {
		case wireVarint:
			v, n := Uvarint(buf)
			if n == 0 {
				return fmt.Errorf("tracedpb: truncated varint for field %d", field)
			}
			buf = buf[n:]
			if err := p.setVarintField(field, v); err != nil {
				return err
			}
		case wireLengthDelim:
			l, n := Uvarint(buf)
			if n == 0 {
				return fmt.Errorf("tracedpb: truncated length for field %d", field)
			}
			buf = buf[n:]
			if uint64(len(buf)) < l {
				return fmt.Errorf("tracedpb: short buffer for field %d", field)
			}
			payload := buf[:l]
			buf = buf[l:]
			if err := p.setBytesField(field, payload); err != nil {
				return err
			}
		default:
			return fmt.Errorf("tracedpb: unsupported wire type %d for field %d", wt, field)
		}
	}

	return nil
}

func (p *TracePacket) setVarintField(field int, v uint64) error {
	switch field {
	case FieldTimestamp:
		p.HasTimestamp = true
		p.Timestamp = v
	case FieldTrustedUID:
		p.TrustedUID = int32(uint32(v))
	case FieldTrustedPID:
		p.TrustedPID = int32(uint32(v))
	case FieldTrustedPacketSequenceID:
		p.TrustedPacketSequenceID = uint32(v)
	case FieldPreviousPacketDropped:
		p.PreviousPacketDropped = v != 0
	case FieldFirstPacketOnSequence:
		p.FirstPacketOnSequence = v != 0
	default:
		// unknown scalar field: ignored, matching proto3 forward compatibility
	}
	return nil
}

// subField is one decoded (field number, wire type, raw value) triple
// from a length-delimited submessage payload.
type subField struct {
	num    int
	wt     wireType
	varint uint64
	bytes  []byte
}

// iterSubFields walks a submessage payload, dispatching each field by
// its own wire type rather than assuming a uniform shape — a TSE
// submessage, for instance, mixes varint bools with a repeated
// length-delimited string.
func iterSubFields(payload []byte, fn func(subField) error) error {
	rest := payload
	for len(rest) > 0 {
		fnum, wt, tn := readTag(rest)
		if tn == 0 {
			return fmt.Errorf("tracedpb: truncated nested tag")
		}
		rest = rest[tn:]

		sf := subField{num: fnum, wt: wt}
		switch wt {
		case wireVarint:
			v, vn := Uvarint(rest)
			if vn == 0 {
				return fmt.Errorf("tracedpb: truncated nested varint")
			}
			rest = rest[vn:]
			sf.varint = v
		case wireLengthDelim:
			l, ln := Uvarint(rest)
			if ln == 0 || uint64(len(rest)-ln) < l {
				return fmt.Errorf("tracedpb: truncated nested length-delimited field")
			}
			rest = rest[ln:]
			sf.bytes = rest[:l]
			rest = rest[l:]
		default:
			return fmt.Errorf("tracedpb: unsupported nested wire type %d", wt)
		}

		if err := fn(sf); err != nil {
			return err
		}
	}
	return nil
}

func (p *TracePacket) setBytesField(field int, payload []byte) error {
	switch field {
	case FieldForTesting:
		sub := &ForTesting{}
		err := iterSubFields(payload, func(sf subField) error {
			if sf.num == FieldForTestingStr {
				sub.Str = append([]byte(nil), sf.bytes...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.ForTesting = sub
	case FieldTrigger:
		t := &Trigger{}
		err := iterSubFields(payload, func(sf subField) error {
			switch sf.num {
			case FieldTriggerName:
				t.TriggerName = string(sf.bytes)
			case FieldTriggerProducerName:
				t.ProducerName = string(sf.bytes)
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.Trigger = t
	case FieldClockSnapshot:
		cs := &ClockSnapshot{}
		err := iterSubFields(payload, func(sf subField) error {
			if sf.num == FieldClockSnapshotTimestamp {
				cs.Timestamp = sf.varint
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.ClockSnapshot = cs
	case FieldTraceConfig:
		p.TraceConfigEcho = append([]byte(nil), payload...)
	case FieldTraceUUID:
		u := &TraceUUID{}
		err := iterSubFields(payload, func(sf subField) error {
			switch sf.num {
			case FieldTraceUUIDLSB:
				u.LSB = sf.varint
			case FieldTraceUUIDMSB:
				u.MSB = sf.varint
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.TraceUUID = u
	case FieldSystemInfo:
		si := &SystemInfo{}
		err := iterSubFields(payload, func(sf subField) error {
			switch sf.num {
			case FieldSystemInfoSysname:
				si.Sysname = string(sf.bytes)
			case FieldSystemInfoRelease:
				si.Release = string(sf.bytes)
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.SystemInfo = si
	case FieldTracingServiceEvent:
		tse := &TracingServiceEvent{}
		err := iterSubFields(payload, func(sf subField) error {
			switch sf.num {
			case FieldTSETracingStarted:
				tse.TracingStarted = sf.varint != 0
			case FieldTSEAllDataSourcesFlushed:
				tse.AllDataSourcesFlushed = sf.varint != 0
			case FieldTSEReadTracingBuffersCompleted:
				tse.ReadTracingBuffersCompleted = sf.varint != 0
			case FieldTSETracingDisabled:
				tse.TracingDisabled = sf.varint != 0
			case FieldTSELastFlushSlowDataSources:
				tse.LastFlushSlowDataSources = append(tse.LastFlushSlowDataSources, string(sf.bytes))
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.TracingServiceEvent = tse
	default:
		// unknown length-delimited field: ignored
	}
	return nil
}
