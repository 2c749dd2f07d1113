package service

import (
	"math"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/pkg/tracedpb"
	"github.com/grafana/traced/pkg/util/log"
)

// writerIDService is the writer id stamped on chunks the service itself
// injects into a session's buffer 0 (trigger packets, spec.md §4.4.2
// step 3). It sits at the very top of the uint16 space: a producer
// would need every one of its 65535 writer ids live at once before the
// pool hands this value out, and even then the buffer's chunk key still
// differs on producer uid unless that producer shares the session
// owner's uid.
const writerIDService uint16 = math.MaxUint16

// ReceivedTrigger is one admitted trigger, recorded into a session's
// trigger history (spec.md §4.4.2 step 3).
type ReceivedTrigger struct {
	Name         string
	ProducerName string
	At           time.Time
}

// triggerQuota enforces the per-rule 24h admission quota (spec.md
// §4.4.2 step 2): a process-wide, name-hash-keyed history of admission
// timestamps, encapsulated here rather than kept as an ambient global
// (DESIGN.md's "Global state" note).
type triggerQuota struct {
	mu      sync.Mutex
	history map[uint64][]time.Time
}

func newTriggerQuota() *triggerQuota {
	return &triggerQuota{history: make(map[uint64][]time.Time)}
}

func ruleNameHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

// admit prunes entries older than 24h for name's hash bucket and
// reports whether one more admission fits under maxPer24h; if so it
// records now into the bucket. maxPer24h == 0 means unlimited.
func (q *triggerQuota) admit(name string, maxPer24h uint32, now time.Time) bool {
	if maxPer24h == 0 {
		return true
	}
	h := ruleNameHash(name)
	cutoff := now.Add(-24 * time.Hour)

	q.mu.Lock()
	defer q.mu.Unlock()

	hist := q.history[h]
	kept := hist[:0]
	for _, t := range hist {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if uint32(len(kept)) >= maxPer24h {
		q.history[h] = kept
		return false
	}
	q.history[h] = append(kept, now)
	return true
}

// matchProducerRegex implements the trigger rule's producer_name_regex
// gate (spec.md §4.4.2 step 1): an empty pattern matches every
// producer.
func matchProducerRegex(pattern, producerName string) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(producerName)
}

// skipDraw implements the skip_probability check (spec.md §4.4.2 step
// 1): drop the trigger if a uniform [0,1) draw is < p. math/rand is
// used directly rather than a library, since nothing in the retrieved
// pack offers a fit closer to "draw one uniform float" than the
// standard library already provides (SPEC_FULL.md §2 notes this).
func skipDraw(p float64) bool {
	if p <= 0 {
		return false
	}
	return rand.Float64() < p
}

// ActivateTriggers implements spec.md §4.4.2: a producer-originated
// trigger signal is filtered, quota-checked, recorded and applied
// against every session whose TriggerConfig names one of the admitted
// trigger names.
func (s *TracingService) ActivateTriggers(producerID ProducerID, names []string) {
	s.mu.Lock()
	producer := s.producers[producerID]
	sessions := make([]*TracingSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if producer == nil {
		return
	}

	now := time.Now()
	for _, sess := range sessions {
		sess.handleTriggers(s, producer, names, now)
	}
}

// handleTriggers runs spec.md §4.4.2's per-session admission pipeline.
func (sess *TracingSession) handleTriggers(svc *TracingService, producer *Producer, names []string, now time.Time) {
	cfg := sess.config()
	if cfg.TriggerConfig == nil {
		return
	}

	for _, rule := range cfg.TriggerConfig.Triggers {
		if !containsName(names, rule.Name) {
			continue
		}
		if !matchProducerRegex(rule.ProducerNameRegex, producer.Name) {
			continue
		}
		if skipDraw(rule.SkipProbability) {
			continue
		}
		if !svc.triggerQuota.admit(rule.Name, rule.MaxPer24H, now) {
			continue
		}

		sess.recordTrigger(rule.Name, producer.Name, now)
		sess.emitTriggerPacket(rule.Name, producer.Name)
		sess.applyTriggerMode(svc, cfg.TriggerConfig.TriggerMode, rule)
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// emitTriggerPacket implements spec.md §4.4.2 step 3: record the
// admitted trigger as a Trigger packet in buffer 0, framed as a
// synthetic single-packet chunk under the service's own writer id so it
// flows through the same stitching path as producer data.
func (sess *TracingSession) emitTriggerPacket(name, producerName string) {
	buf := sess.bufferByIndex(0)
	if buf == nil {
		return
	}
	pkt := tracedpb.TracePacket{Trigger: &tracedpb.Trigger{TriggerName: name, ProducerName: producerName}}
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}

	sess.mu.Lock()
	sess.svcChunkID++
	chunkID := sess.svcChunkID
	uid := sess.uid
	sess.mu.Unlock()

	header := abi.ChunkHeader{WriterID: writerIDService, ChunkID: chunkID, PacketCount: 1}
	buf.CopyChunk(uid, header, frameSinglePacket(raw))
}

// expireTriggerWindow implements spec.md §4.4.2's timeout rule: a
// START_TRACING session still CONFIGURED when trigger_timeout_ms fires
// with no admitted trigger is torn down, and ReadBuffers on it returns
// empty from then on.
func (s *TracingService) expireTriggerWindow(sess *TracingSession) {
	sess.mu.Lock()
	expired := sess.state == SessionConfigured && len(sess.receivedTriggers) == 0
	if expired {
		sess.state = SessionDisabled
		sess.readsDisabled = true
	}
	sess.mu.Unlock()
	if !expired {
		return
	}

	for _, bid := range sess.bufferIDs {
		if b := sess.buffer(bid); b != nil {
			b.Reset()
		}
	}
	level.Info(log.Logger).Log("msg", "trigger window expired with no admitted trigger", "session", sess.ID)
	s.emitEvent(ServiceEvent{Type: EventTracingDisabled, SessionID: sess.ID})
}

func (sess *TracingSession) applyTriggerMode(svc *TracingService, mode TriggerMode, rule TriggerRule) {
	switch mode {
	case TriggerModeStartTracing:
		sess.mu.Lock()
		withinTimeout := sess.trigTimedOutAt.IsZero() || time.Now().Before(sess.trigTimedOutAt)
		deferred := sess.state == SessionConfigured
		sess.mu.Unlock()
		if withinTimeout && deferred {
			svc.StartTracing(sess.ID)
			delay := time.Duration(rule.StopDelayMs) * time.Millisecond
			svc.scheduleAfter(delay, func() { svc.DisableTracing(sess.ID) })
		}
	case TriggerModeStopTracing:
		sess.mu.Lock()
		already := sess.stopTriggerScheduled
		sess.stopTriggerScheduled = true
		sess.mu.Unlock()
		if !already {
			delay := time.Duration(rule.StopDelayMs) * time.Millisecond
			svc.scheduleAfter(delay, func() {
				svc.Flush(sess.ID, 0, nil, FlushFlags{Reason: FlushReasonFinalFlush}, nil)
				svc.DisableTracing(sess.ID)
			})
		}
	case TriggerModeCloneSnapshot:
		// spec.md §4.4.2: once a CLONE_SNAPSHOT trigger fires, the
		// original session's ReadBuffers returns empty; the data is only
		// reachable through the clone.
		sess.mu.Lock()
		sess.readsDisabled = true
		sess.mu.Unlock()
		svc.CloneSession(CloneArgs{
			SourceSessionID: sess.ID,
			RequesterUID:    sess.uid,
		}, func(CloneResult) {})
	}
}
