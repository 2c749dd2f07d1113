package service

import (
	"fmt"
	"os"
	"time"

	"github.com/gogo/status"
	"google.golang.org/grpc/codes"

	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

	"github.com/grafana/traced/pkg/tracedpb"
)

// ReadBuffers implements spec.md §4.4.8: stitch every buffer's
// currently-resident chunks back into whole packets and deliver them
// to deliver, bracketed by the preamble (sent once per session, the
// first time ReadBuffers is called) and, once the session is DISABLED
// or CLONED_READ_ONLY, the trailer packets.
func (s *TracingService) ReadBuffers(id TracingSessionID, deliver func(packet []byte)) error {
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return status.Errorf(codes.NotFound, "service: unknown session %d", id)
	}

	sess.mu.Lock()
	blackedOut := sess.readsDisabled
	sendPreamble := !sess.filePreambleSent
	sess.filePreambleSent = true
	sess.mu.Unlock()

	// spec.md §4.4.2: after a CLONE_SNAPSHOT trigger the original
	// session's data lives only in the clone, and a START_TRACING session
	// whose trigger window expired has nothing to say either way.
	if blackedOut {
		return nil
	}

	// spec.md §4.4.7: every packet leaving through ReadBuffers or
	// write-into-file passes through the session's trace filter,
	// preamble and trailer included.
	cfg := sess.config()
	if cfg.TraceFilter != nil {
		inner := deliver
		filter := cfg.TraceFilter
		deliver = func(raw []byte) {
			if filtered, ok := applyTraceFilterToPacket(raw, filter); ok {
				inner(filtered)
			}
		}
	}

	if sendPreamble {
		for _, raw := range sess.preamblePackets() {
			deliver(raw)
		}
	}

	producerCache := make(map[int32]*Producer)
	stampingDeliver := func(e *chunkEntry) func([]byte) {
		uid := e.key.producerUID
		producer, cached := producerCache[uid]
		if !cached {
			producer = s.producerByUID(uid)
			producerCache[uid] = producer
		}
		return func(raw []byte) {
			if stamped, ok := stampTrustedFields(raw, uid, producer, e.key.writerID); ok {
				deliver(stamped)
			}
		}
	}

	st := newStitcher()
	for _, bid := range sess.bufferIDs {
		buf := sess.buffer(bid)
		if buf == nil {
			continue
		}
		for _, e := range buf.Entries() {
			if e.scraped {
				st.feedForScraping(e, stampingDeliver(e))
			} else {
				st.feed(e, stampingDeliver(e))
			}
		}
	}

	state := sess.State()
	if state == SessionDisabled || state == SessionClonedReadOnly {
		for _, raw := range sess.trailerPackets() {
			deliver(raw)
		}
	}
	return nil
}

// preamblePackets implements spec.md §4.4.8's header block: a
// ClockSnapshot, the echoed TraceConfig, the session's TraceUUID,
// SystemInfo, and a tracing_started TracingServiceEvent.
func (sess *TracingSession) preamblePackets() [][]byte {
	var out [][]byte

	add := func(p *tracedpb.TracePacket) {
		raw, err := p.Marshal()
		if err != nil {
			return
		}
		out = append(out, raw)
	}

	add(&tracedpb.TracePacket{HasTimestamp: true, Timestamp: uint64(time.Now().UnixNano())})
	add(&tracedpb.TracePacket{ClockSnapshot: &tracedpb.ClockSnapshot{Timestamp: uint64(time.Now().UnixNano())}})

	// The config echo is serialized as YAML, the same encoding the
	// process's own config file uses; consumers treat it as opaque bytes
	// (tracedpb.TracePacket.TraceConfigEcho is pass-through).
	if echo, err := yaml.Marshal(sess.config()); err == nil {
		add(&tracedpb.TracePacket{TraceConfigEcho: echo})
	}

	lsb, msb := sess.traceUUID.LSBMSB()
	add(&tracedpb.TracePacket{TraceUUID: &tracedpb.TraceUUID{LSB: lsb, MSB: msb}})

	add(&tracedpb.TracePacket{SystemInfo: &tracedpb.SystemInfo{Sysname: "linux", Release: version.Version}})

	add(&tracedpb.TracePacket{TracingServiceEvent: &tracedpb.TracingServiceEvent{TracingStarted: true}})

	return out
}

// trailerPackets implements spec.md §4.4.8's closing block.
// lastFlushSlowDataSources names any instance that was still pending
// a stop ack when data_source_stop_timeout_ms fired.
func (sess *TracingSession) trailerPackets() [][]byte {
	var out [][]byte
	add := func(p *tracedpb.TracePacket) {
		raw, err := p.Marshal()
		if err != nil {
			return
		}
		out = append(out, raw)
	}

	sess.mu.Lock()
	var slow []string
	for id := range sess.pendingStopAcks {
		for _, d := range sess.dataSources {
			if d.ID == id {
				slow = append(slow, d.Config.Name)
			}
		}
	}
	sess.mu.Unlock()

	add(&tracedpb.TracePacket{TracingServiceEvent: &tracedpb.TracingServiceEvent{AllDataSourcesFlushed: true}})
	add(&tracedpb.TracePacket{TracingServiceEvent: &tracedpb.TracingServiceEvent{ReadTracingBuffersCompleted: true}})
	add(&tracedpb.TracePacket{TracingServiceEvent: &tracedpb.TracingServiceEvent{TracingDisabled: true}})
	if len(slow) > 0 {
		add(&tracedpb.TracePacket{TracingServiceEvent: &tracedpb.TracingServiceEvent{LastFlushSlowDataSources: slow}})
	}
	return out
}

// WriteIntoFile implements spec.md §4.4.8's write_into_file mode:
// append ReadBuffers' output, framed with the same reserved-varint
// length prefix used on the wire, onto cfg.OutputPath.
func (s *TracingService) WriteIntoFile(id TracingSessionID) error {
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return status.Errorf(codes.NotFound, "service: unknown session %d", id)
	}
	cfg := sess.config()
	if !cfg.WriteIntoFile || cfg.OutputPath == "" {
		return nil
	}

	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("service: open output file: %w", err)
	}
	defer f.Close()

	var writeErr error
	written := uint64(0)
	limit := cfg.MaxFileSizeBytes

	s.ReadBuffers(id, func(packet []byte) {
		if writeErr != nil {
			return
		}
		if limit > 0 && written+uint64(len(packet)) > limit {
			return
		}
		framed := frameSinglePacket(packet)
		if _, err := f.Write(framed); err != nil {
			writeErr = err
			return
		}
		written += uint64(len(framed))
	})

	sess.mu.Lock()
	sess.fileOffset += written
	sess.lastFileWrite = time.Now()
	sess.mu.Unlock()

	return writeErr
}

// maybeFileWriteTick implements spec.md §4.4.8's file_write_period_ms:
// periodically flush buffered output to the configured file while the
// session is STARTED.
func (s *TracingService) maybeFileWriteTick(sess *TracingSession, now time.Time) {
	cfg := sess.config()
	if !cfg.WriteIntoFile || cfg.FileWritePeriod <= 0 || sess.State() != SessionStarted {
		return
	}
	sess.mu.Lock()
	due := sess.lastFileWrite.IsZero() || now.Sub(sess.lastFileWrite) >= cfg.FileWritePeriod
	sess.mu.Unlock()
	if due {
		_ = s.WriteIntoFile(sess.ID)
	}
}
