package service

import (
	"time"

	"github.com/go-kit/log/level"
	"github.com/gogo/status"
	"google.golang.org/grpc/codes"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/pkg/boundedwaitgroup"
	tracedUUID "github.com/grafana/traced/pkg/uuid"
	"github.com/grafana/traced/pkg/util/log"
)

// maxFlushFanout caps how many producers a single Flush dispatches to
// concurrently.
const maxFlushFanout = 10

// validateConfig implements spec.md §4.4.1's up-front rejection list:
// zero-sized buffers, an out-of-range Duration, an unsupported trigger
// mode, and a UniqueSessionName collision are all hard errors rather
// than best-effort corrections.
func (s *TracingService) validateConfig(cfg *TraceConfig) error {
	if len(cfg.Buffers) == 0 {
		return status.Error(codes.InvalidArgument, "service: trace config has no buffers")
	}
	for i, b := range cfg.Buffers {
		if b.SizeKB == 0 {
			return status.Errorf(codes.InvalidArgument, "service: buffer %d has zero size", i)
		}
	}
	if cfg.Duration > 0 && time.Duration(kMaxTraceDurationMs)*time.Millisecond <= cfg.Duration {
		return status.Errorf(codes.InvalidArgument, "service: duration %s exceeds maximum", cfg.Duration)
	}
	if cfg.TriggerConfig != nil && cfg.TriggerConfig.TriggerMode == TriggerModeHighPriority {
		return status.Error(codes.InvalidArgument, "service: HIGH_PRIORITY trigger mode is not supported")
	}
	if cfg.UniqueSessionName != "" {
		s.mu.Lock()
		_, collides := s.uniqueSessionNames[cfg.UniqueSessionName]
		s.mu.Unlock()
		if collides {
			return status.Errorf(codes.AlreadyExists, "service: unique_session_name %q already active", cfg.UniqueSessionName)
		}
	}
	for _, sem := range cfg.SessionSemaphores {
		s.mu.Lock()
		count := s.semaphoreCounts[sem.Name]
		s.mu.Unlock()
		if sem.MaxOtherSessionCount >= 0 && count > sem.MaxOtherSessionCount {
			return status.Errorf(codes.ResourceExhausted, "service: session semaphore %q at capacity", sem.Name)
		}
	}
	return nil
}

// EnableTracing implements spec.md §4.4.1: validate cfg, allocate a
// TracingSessionID and one TraceBuffer per cfg.Buffers entry, and
// instantiate a DataSourceInstance on every registered data source that
// matches a DataSourceConfigEntry's producer filter.
func (s *TracingService) EnableTracing(consumerID ConsumerID, cfg *TraceConfig) (TracingSessionID, error) {
	if err := s.validateConfig(cfg); err != nil {
		return 0, err
	}
	cfg = cfg.Clone()

	id, ok := s.ids.sessions.Alloc()
	if !ok {
		return 0, status.Error(codes.ResourceExhausted, "service: session id space exhausted")
	}

	s.mu.Lock()
	consumer := s.consumers[consumerID]
	s.mu.Unlock()
	var requesterUID int32
	if consumer != nil {
		requesterUID = consumer.UID
	}

	sess := newTracingSession(id, requesterUID, cfg, consumerID)
	sess.traceUUID = tracedUUID.New()
	if cfg.TraceUUIDLSB != 0 || cfg.TraceUUIDMSB != 0 {
		sess.traceUUID = tracedUUID.FromLSBMSB(cfg.TraceUUIDLSB, cfg.TraceUUIDMSB)
	}
	if cfg.TriggerConfig != nil && cfg.TriggerConfig.TriggerTimeout > 0 {
		sess.trigTimedOutAt = time.Now().Add(cfg.TriggerConfig.TriggerTimeout)
		if cfg.TriggerConfig.TriggerMode == TriggerModeStartTracing {
			s.scheduleAfter(cfg.TriggerConfig.TriggerTimeout, func() { s.expireTriggerWindow(sess) })
		}
	}

	for i, bc := range cfg.Buffers {
		bid, ok := s.ids.buffers.Alloc()
		if !ok {
			s.ids.sessions.Release(id)
			return 0, status.Error(codes.ResourceExhausted, "service: buffer id space exhausted")
		}
		sess.bufferIDs = append(sess.bufferIDs, bid)
		sess.buffers[bid] = NewTraceBuffer(bid, bc)
		_ = i
	}

	s.mu.Lock()
	s.sessions[id] = sess
	if cfg.UniqueSessionName != "" {
		s.uniqueSessionNames[cfg.UniqueSessionName] = id
	}
	for _, sem := range cfg.SessionSemaphores {
		s.semaphoreCounts[sem.Name]++
	}
	s.mu.Unlock()
	metricSessions.Set(float64(len(s.sessions)))

	s.setupDataSources(sess)

	level.Info(log.Logger).Log("msg", "tracing session configured", "session", id, "buffers", len(cfg.Buffers))

	if !cfg.DeferredStart {
		if err := s.StartTracing(id); err != nil {
			return id, err
		}
	}
	return id, nil
}

// setupDataSources implements spec.md §4.4.1 step 2: for every producer
// that has ever registered a data source, instantiate one
// DataSourceInstance per matching DataSourceConfigEntry and dispatch
// SetupDataSource to the producer.
func (s *TracingService) setupDataSources(sess *TracingSession) {
	cfg := sess.config()

	for _, entry := range cfg.DataSources {
		s.mu.Lock()
		candidates := append([]*registeredDataSource(nil), s.registeredDS[entry.Config.Name]...)
		s.mu.Unlock()

		for _, rds := range candidates {
			s.mu.Lock()
			producer := s.producers[rds.producerID]
			s.mu.Unlock()
			if producer == nil {
				continue
			}
			if !producer.matchesFilter(entry.ProducerNameFilter, entry.ProducerNameRegexFilter) {
				continue
			}
			// lockdown_mode=SET (SPEC_FULL.md §3): a locked-down session
			// only multiplexes producers whose uid matches the
			// requesting consumer's own uid.
			if cfg.LockdownMode == LockdownSet && producer.UID != sess.uid {
				continue
			}

			target := sess.bufferByIndex(entry.Config.TargetBuffer)
			if target == nil {
				continue
			}

			dsID, ok := s.ids.dsInstances.Alloc()
			if !ok {
				continue
			}
			inst := newDataSourceInstance(dsID, rds.producerID, sess.ID, entry.Config, target.ID, rds.descriptor)
			sess.addDataSourceInstance(inst)
			producer.allowBuffer(target.ID)

			inst.setState(DataSourceConfigured)
			producer.proxy.SetupDataSource(dsID, entry.Config)
		}
	}
}

// StartTracing implements spec.md §4.4.1 step 3: transition
// CONFIGURED -> STARTED, dispatch StartDataSource to every instance
// (tracking those that must wait for an explicit start ack), and arm
// the Duration timeout if set.
func (s *TracingService) StartTracing(id TracingSessionID) error {
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return status.Errorf(codes.NotFound, "service: unknown session %d", id)
	}
	if sess.State() != SessionConfigured {
		return nil
	}
	sess.setState(SessionStarted)

	for _, inst := range sess.allDataSourceInstances() {
		inst.setState(DataSourceStarting)
		s.mu.Lock()
		p := s.producers[inst.ProducerID]
		s.mu.Unlock()
		if p == nil {
			continue
		}
		p.proxy.StartDataSource(inst.ID)
		if !inst.WillNotifyOnStart() {
			inst.setState(DataSourceStarted)
		}
	}

	cfg := sess.config()
	if cfg.Duration > 0 {
		s.scheduleAfter(cfg.Duration, func() {
			s.Flush(id, 0, nil, FlushFlags{Reason: FlushReasonFinalFlush}, nil)
			_ = s.DisableTracing(id)
		})
	}
	level.Info(log.Logger).Log("msg", "tracing session started", "session", id)
	return nil
}

// NotifyDataSourceStarted implements spec.md §6.1: a producer's
// explicit ack that a will_notify_on_start instance finished starting.
func (s *TracingService) NotifyDataSourceStarted(id DataSourceInstanceID) {
	sess := s.sessionOwning(id)
	if sess == nil {
		return
	}
	for _, inst := range sess.allDataSourceInstances() {
		if inst.ID == id {
			inst.setState(DataSourceStarted)
			return
		}
	}
}

// NotifyDataSourceStopped implements spec.md §6.1, completing a
// DISABLING_WAITING_STOP_ACKS session once every instance has acked.
func (s *TracingService) NotifyDataSourceStopped(id DataSourceInstanceID) {
	sess := s.sessionOwning(id)
	if sess == nil {
		return
	}
	for _, inst := range sess.allDataSourceInstances() {
		if inst.ID == id {
			inst.setState(DataSourceStopped)
		}
	}
	s.maybeFinishDisabling(sess)
}

func (s *TracingService) sessionOwning(id DataSourceInstanceID) *TracingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		for _, inst := range sess.allDataSourceInstances() {
			if inst.ID == id {
				return sess
			}
		}
	}
	return nil
}

// DisableTracing implements spec.md §4.4.1 step 4: STARTED ->
// DISABLING_WAITING_STOP_ACKS, dispatch StopDataSource to every
// instance, then DISABLED once every will_notify_on_stop instance acks
// or the data_source_stop_timeout_ms elapses.
func (s *TracingService) DisableTracing(id TracingSessionID) error {
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return status.Errorf(codes.NotFound, "service: unknown session %d", id)
	}
	switch sess.State() {
	case SessionDisabled, SessionDisablingWaitingStopAcks, SessionClonedReadOnly:
		return nil
	}
	sess.setState(SessionDisablingWaitingStopAcks)

	pending := make(map[DataSourceInstanceID]struct{})
	for _, inst := range sess.allDataSourceInstances() {
		inst.setState(DataSourceStopping)
		s.mu.Lock()
		p := s.producers[inst.ProducerID]
		s.mu.Unlock()
		if p != nil {
			p.proxy.StopDataSource(inst.ID)
		}
		if inst.WillNotifyOnStop() {
			pending[inst.ID] = struct{}{}
		} else {
			inst.setState(DataSourceStopped)
		}
	}
	sess.mu.Lock()
	sess.pendingStopAcks = pending
	sess.mu.Unlock()

	timeout := sess.config().DataSourceStopTimeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultDataSourceStopTimeout
	}
	s.scheduleAfter(timeout, func() { s.finishDisabling(sess) })

	s.maybeFinishDisabling(sess)
	return nil
}

func (s *TracingService) maybeFinishDisabling(sess *TracingSession) {
	sess.mu.Lock()
	if sess.pendingStopAcks != nil {
		for instID := range sess.pendingStopAcks {
			for _, inst := range sess.dataSources {
				if inst.ID == instID && inst.State() == DataSourceStopped {
					delete(sess.pendingStopAcks, instID)
				}
			}
		}
	}
	done := sess.state == SessionDisablingWaitingStopAcks && len(sess.pendingStopAcks) == 0
	sess.mu.Unlock()
	if done {
		s.finishDisabling(sess)
	}
}

func (s *TracingService) finishDisabling(sess *TracingSession) {
	if sess.State() != SessionDisablingWaitingStopAcks {
		return
	}
	sess.setState(SessionDisabled)
	level.Info(log.Logger).Log("msg", "tracing session disabled", "session", sess.ID)
	s.emitEvent(ServiceEvent{Type: EventTracingDisabled, SessionID: sess.ID})
}

// ChangeTraceConfig implements spec.md §4.4.1's hot-update path: only
// producer filters on already-configured data sources may be changed
// in place; everything else requires a fresh EnableTracing call.
func (s *TracingService) ChangeTraceConfig(id TracingSessionID, dataSources []DataSourceConfigEntry) error {
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return status.Errorf(codes.NotFound, "service: unknown session %d", id)
	}

	sess.mu.Lock()
	sess.cfg.DataSources = dataSources
	sess.mu.Unlock()

	s.setupDataSources(sess)
	return nil
}

// FreeBuffers implements spec.md §4.4.1's terminal teardown: release
// every TraceBuffer and DataSourceInstance id, drop the session record.
func (s *TracingService) FreeBuffers(id TracingSessionID) error {
	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil {
		s.mu.Unlock()
		return status.Errorf(codes.NotFound, "service: unknown session %d", id)
	}
	delete(s.sessions, id)
	// spec.md §4.4.5 step 5: the source session ending fails any clone
	// still waiting on its pre-clone flush.
	if pc, ok := s.pendingClones[id]; ok {
		pc.fail(status.Error(codes.Aborted, "service: original session ended"))
	}
	cfg := sess.config()
	if cfg.UniqueSessionName != "" {
		delete(s.uniqueSessionNames, cfg.UniqueSessionName)
	}
	for _, sem := range cfg.SessionSemaphores {
		if s.semaphoreCounts[sem.Name] > 0 {
			s.semaphoreCounts[sem.Name]--
		}
	}
	s.mu.Unlock()

	for _, bid := range sess.bufferIDs {
		s.ids.buffers.Release(bid)
	}
	for _, inst := range sess.allDataSourceInstances() {
		s.ids.dsInstances.Release(inst.ID)
	}
	metricSessions.Set(float64(len(s.sessions)))
	return nil
}

// Flush implements spec.md §4.4.3: fan a FlushRequestID out to every
// participating producer (excluding no_flush instances), invoking cb
// once every producer has acked or flushTimeout elapses. A zero
// flushTimeout falls back to the session's configured FlushTimeout. cb
// may be nil for internal callers (clone, periodic tick, final drain)
// that don't need the result.
func (s *TracingService) Flush(id TracingSessionID, flushTimeout time.Duration, dsIDs []DataSourceInstanceID, flags FlushFlags, cb func(success bool)) FlushRequestID {
	if cb == nil {
		cb = func(bool) {}
	}
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return 0
	}

	producers := sess.participatingProducers(true)
	if len(producers) == 0 {
		return 0
	}

	fid, ok := s.ids.flushes.Alloc()
	if !ok {
		return 0
	}

	pf := newPendingFlush(fid, producers, cb)
	s.flush.register(pf)

	if flushTimeout <= 0 {
		flushTimeout = sess.config().FlushTimeout
	}
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	pf.timer = time.AfterFunc(flushTimeout, func() {
		if pf.expire() {
			s.flush.unregister(fid)
			s.ids.flushes.Release(fid)
		}
	})

	// Fan the dispatch out one goroutine per producer, capped so a
	// session with hundreds of producers doesn't turn into hundreds of
	// concurrent proxy calls. This also serves the clone fan-out, which
	// is this same Flush with Reason kTraceClone (spec.md §4.4.5 step 3).
	bg := boundedwaitgroup.New(maxFlushFanout)
	for pid := range producers {
		s.mu.Lock()
		p := s.producers[pid]
		s.mu.Unlock()
		if p == nil {
			// producer vanished between snapshot and dispatch: treat as
			// an immediate ack so the flush doesn't hang on a ghost.
			s.NotifyFlushComplete(pid, fid)
			continue
		}
		ids := dsIDs
		if len(ids) == 0 {
			for _, inst := range sess.dataSourcesForProducer(pid) {
				ids = append(ids, inst.ID)
			}
		}
		bg.Add(1)
		go func(p *Producer, ids []DataSourceInstanceID) {
			defer bg.Done()
			p.proxy.Flush(fid, ids, flags)
		}(p, ids)
	}
	bg.Wait()
	return fid
}

// NotifyFlushComplete implements spec.md §4.4.3 step 4: a producer's
// ack that it has committed everything up through req, which acks every
// pending flush with id <= req for that producer. Flush ids are only
// recycled once their PendingFlush fully resolves (here, or on its
// timeout), never per ack.
func (s *TracingService) NotifyFlushComplete(producerID ProducerID, req FlushRequestID) {
	for _, fid := range s.flush.notifyFlushComplete(producerID, req) {
		s.ids.flushes.Release(fid)
	}
}

// resolvePageSize applies spec.md §6.3's per-producer SMB sizing hints,
// falling back to abi's default resolution when a producer has no
// explicit ProducerConfig entry.
func (s *TracingService) resolvePageSize(cfg *TraceConfig, producerName string, totalSize uint32) uint32 {
	for _, pc := range cfg.Producers {
		if pc.ProducerName == producerName && pc.PageSizeKB > 0 {
			return abi.ResolvePageSize(pc.PageSizeKB*1024, totalSize)
		}
	}
	return abi.ResolvePageSize(0, totalSize)
}
