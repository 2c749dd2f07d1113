package service

import (
	"sync"
	"time"

	tracedUUID "github.com/grafana/traced/pkg/uuid"
)

// SessionState is TracingSession's lifecycle (spec.md §3).
type SessionState int

const (
	SessionConfigured SessionState = iota
	SessionStarted
	SessionDisablingWaitingStopAcks
	SessionDisabled
	// SessionClonedReadOnly is terminal: a clone's buffers never accept
	// further writes (spec.md §3, §4.4.5).
	SessionClonedReadOnly
)

func (s SessionState) String() string {
	switch s {
	case SessionConfigured:
		return "CONFIGURED"
	case SessionStarted:
		return "STARTED"
	case SessionDisablingWaitingStopAcks:
		return "DISABLING_WAITING_STOP_ACKS"
	case SessionDisabled:
		return "DISABLED"
	case SessionClonedReadOnly:
		return "CLONED_READ_ONLY"
	default:
		return "UNKNOWN"
	}
}

// TracingSession is the service-side session record (spec.md §3).
type TracingSession struct {
	ID  TracingSessionID
	uid int32

	mu    sync.Mutex
	state SessionState
	cfg   *TraceConfig

	bufferIDs []BufferID
	buffers   map[BufferID]*TraceBuffer

	dataSources       map[DataSourceInstanceID]*DataSourceInstance
	producerInstances map[ProducerID]map[DataSourceInstanceID]struct{}

	receivedTriggers     []ReceivedTrigger
	trigTimedOutAt       time.Time
	stopTriggerScheduled bool
	// readsDisabled blacks out ReadBuffers on this session: set when a
	// CLONE_SNAPSHOT trigger redirects the data to a clone, or when a
	// START_TRACING trigger window expires unanswered (spec.md §4.4.2).
	readsDisabled bool

	// svcChunkID counts synthetic chunks the service itself injects into
	// buffer 0 (trigger packets, spec.md §4.4.2 step 3), distinct from
	// any real producer's chunk_id space since they share writerIDService.
	svcChunkID uint32

	traceUUID tracedUUID.UUID

	// clonedFrom is non-zero when this session is itself a read-only
	// clone (spec.md §4.4.5).
	clonedFrom TracingSessionID

	consumerID ConsumerID
	detachKey  string

	fileOffset uint64

	pendingStopAcks map[DataSourceInstanceID]struct{}

	lastPeriodicFlush    time.Time
	lastFileWrite        time.Time
	lastIncrementalClear time.Time
	filePreambleSent     bool
}

func newTracingSession(id TracingSessionID, uid int32, cfg *TraceConfig, consumerID ConsumerID) *TracingSession {
	return &TracingSession{
		ID:                id,
		uid:               uid,
		state:             SessionConfigured,
		cfg:               cfg,
		buffers:           make(map[BufferID]*TraceBuffer),
		dataSources:       make(map[DataSourceInstanceID]*DataSourceInstance),
		producerInstances: make(map[ProducerID]map[DataSourceInstanceID]struct{}),
		consumerID:        consumerID,
	}
}

func (s *TracingSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *TracingSession) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// config returns the session's TraceConfig. Callers must not mutate
// the returned value; ChangeTraceConfig is the only sanctioned path
// for updating it in place.
func (s *TracingSession) config() *TraceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *TracingSession) recordTrigger(name, producerName string, at time.Time) {
	s.mu.Lock()
	s.receivedTriggers = append(s.receivedTriggers, ReceivedTrigger{Name: name, ProducerName: producerName, At: at})
	s.mu.Unlock()
}

// ReceivedTriggers returns a copy of the session's trigger history.
func (s *TracingSession) ReceivedTriggers() []ReceivedTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReceivedTrigger(nil), s.receivedTriggers...)
}

func (s *TracingSession) buffer(id BufferID) *TraceBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[id]
}

// bufferByIndex returns the Nth buffer declared in the TraceConfig
// (spec.md §6.3 "target_buffer" is an index into Buffers), or nil if
// out of range.
func (s *TracingSession) bufferByIndex(idx int) *TraceBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.bufferIDs) {
		return nil
	}
	return s.buffers[s.bufferIDs[idx]]
}

func (s *TracingSession) allDataSourceInstances() []*DataSourceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DataSourceInstance, 0, len(s.dataSources))
	for _, d := range s.dataSources {
		out = append(out, d)
	}
	return out
}

// instancesByProducer groups every live DataSourceInstance id by its
// owning producer, for fan-out calls like ClearIncrementalState that
// take a batch of instance ids per producer.
func (s *TracingSession) instancesByProducer() map[ProducerID][]DataSourceInstanceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ProducerID][]DataSourceInstanceID)
	for pid, set := range s.producerInstances {
		for dsID := range set {
			out[pid] = append(out[pid], dsID)
		}
	}
	return out
}

func (s *TracingSession) dataSourcesForProducer(id ProducerID) []*DataSourceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.producerInstances[id]
	out := make([]*DataSourceInstance, 0, len(set))
	for dsID := range set {
		out = append(out, s.dataSources[dsID])
	}
	return out
}

func (s *TracingSession) addDataSourceInstance(d *DataSourceInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataSources[d.ID] = d
	if s.producerInstances[d.ProducerID] == nil {
		s.producerInstances[d.ProducerID] = make(map[DataSourceInstanceID]struct{})
	}
	s.producerInstances[d.ProducerID][d.ID] = struct{}{}
}

func (s *TracingSession) removeDataSourceInstance(id DataSourceInstanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dataSources[id]
	if !ok {
		return
	}
	delete(s.dataSources, id)
	delete(s.producerInstances[d.ProducerID], id)
}

// participatingProducers returns every producer with at least one
// DataSourceInstance in this session, optionally excluding those whose
// every instance is no_flush (spec.md §4.4.3 step 1).
func (s *TracingSession) participatingProducers(excludeNoFlush bool) map[ProducerID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ProducerID]struct{})
	for pid, set := range s.producerInstances {
		if !excludeNoFlush {
			if len(set) > 0 {
				out[pid] = struct{}{}
			}
			continue
		}
		for dsID := range set {
			if !s.dataSources[dsID].NoFlush() {
				out[pid] = struct{}{}
				break
			}
		}
	}
	return out
}
