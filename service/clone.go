package service

import (
	"sync"
	"time"

	"github.com/gogo/status"
	"google.golang.org/grpc/codes"

	tracedUUID "github.com/grafana/traced/pkg/uuid"
)

// CloneArgs selects the source session and the requesting consumer's
// identity for CloneSession's authorization check (spec.md §4.4.5).
type CloneArgs struct {
	SourceSessionID TracingSessionID
	RequesterUID    int32
	// RequesterConsumerID ties the clone to a consumer connection so a
	// disconnect mid-clone cancels it (spec.md §4.4.5 step 5). Zero
	// (never a real ConsumerID) means the clone is service-originated,
	// e.g. by a CLONE_SNAPSHOT trigger, and survives any disconnect.
	RequesterConsumerID ConsumerID
	// SkipTraceFilter bypasses the source session's TraceFilter when
	// copying buffers, for a bugreport-triggered clone that wants raw
	// data (spec.md §4.4.5).
	SkipTraceFilter bool
}

// CloneResult is delivered to CloneSession's callback once the clone
// either completes or is rejected.
type CloneResult struct {
	ClonedSessionID TracingSessionID
	Err             error
}

// PendingClone tracks one in-flight clone waiting on the source
// session's pre-clone flush to complete (spec.md §4.4.5 step 2).
type PendingClone struct {
	args     CloneArgs
	callback func(CloneResult)

	mu     sync.Mutex
	failed error
}

// fail records the first cancellation reason; finishClone surfaces it
// instead of materializing the clone (spec.md §4.4.5 step 5).
func (pc *PendingClone) fail(err error) {
	pc.mu.Lock()
	if pc.failed == nil {
		pc.failed = err
	}
	pc.mu.Unlock()
}

func (pc *PendingClone) failure() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.failed
}

// CloneSession implements spec.md §4.4.5: flush the source session
// (excluding no_flush producers, same as a normal Flush), then copy
// every buffer of the source session into a brand-new read-only
// session.
//
// Resolved Open Question (see DESIGN.md): when a buffer has both
// transfer_on_clone and clear_before_clone set, transfer_on_clone wins
// — the clone gets the data and the source buffer is reset to empty, matching
// "transfer" taking priority as the more specific request.
func (s *TracingService) CloneSession(args CloneArgs, cb func(CloneResult)) {
	s.mu.Lock()
	src := s.sessions[args.SourceSessionID]
	s.mu.Unlock()
	if src == nil {
		cb(CloneResult{Err: status.Errorf(codes.NotFound, "service: unknown session %d", args.SourceSessionID)})
		return
	}

	// Authorization (spec.md §4.4.5 step 1): the requester must either
	// own the source session, or the source opted into bugreport-style
	// cloning by setting a positive BugreportScore.
	if args.RequesterUID != src.uid && src.config().BugreportScore <= 0 {
		cb(CloneResult{Err: status.Errorf(codes.PermissionDenied, "service: clone of session %d not authorized for uid %d", args.SourceSessionID, args.RequesterUID)})
		return
	}

	// spec.md §4.4.5: a buffer flagged clear_before_clone (and not also
	// transfer_on_clone, which takes priority per the resolution below)
	// is reset right here, at clone start, before the pre-clone flush is
	// even issued — so the clone that copies this buffer later only ever
	// sees data written during or after this flush, never whatever was
	// already resident when CloneSession was called.
	for _, bid := range src.bufferIDs {
		buf := src.buffer(bid)
		if buf != nil && buf.Cfg.ClearBeforeClone && !buf.Cfg.TransferOnClone {
			buf.Reset()
		}
	}

	pc := &PendingClone{args: args, callback: cb}
	s.mu.Lock()
	s.pendingClones[args.SourceSessionID] = pc
	s.mu.Unlock()

	fid := s.Flush(args.SourceSessionID, 0, nil, FlushFlags{Reason: FlushReasonTraceClone}, nil)
	if fid == 0 {
		// Nothing to flush (no participating producers, or the session
		// has no live data sources): proceed straight to the copy.
		s.finishClone(src, pc)
		return
	}

	s.flush.mu.Lock()
	pf := s.flush.byID[fid]
	s.flush.mu.Unlock()
	if pf == nil {
		s.finishClone(src, pc)
		return
	}
	pf.mu.Lock()
	pf.callback = func(bool) { s.finishClone(src, pc) }
	pf.mu.Unlock()
}

func (s *TracingService) finishClone(src *TracingSession, pc *PendingClone) {
	s.mu.Lock()
	delete(s.pendingClones, src.ID)
	s.mu.Unlock()

	if err := pc.failure(); err != nil {
		pc.callback(CloneResult{Err: err})
		return
	}

	id, ok := s.ids.sessions.Alloc()
	if !ok {
		pc.callback(CloneResult{Err: status.Error(codes.ResourceExhausted, "service: session id space exhausted")})
		return
	}

	cfg := src.config().Clone()
	clone := newTracingSession(id, pc.args.RequesterUID, cfg, src.consumerID)
	// spec.md §4.4.5 step 4: the clone keeps the source's LSB (so tools
	// can correlate the two traces) but takes a fresh random MSB, so the
	// clone's own identity is still unique.
	srcLSB, _ := src.traceUUID.LSBMSB()
	_, freshMSB := tracedUUID.New().LSBMSB()
	clone.traceUUID = tracedUUID.FromLSBMSB(srcLSB, freshMSB)
	clone.clonedFrom = src.ID
	clone.state = SessionClonedReadOnly

	filter := cfg.TraceFilter
	if pc.args.SkipTraceFilter {
		filter = nil
	}

	for _, bid := range src.bufferIDs {
		srcBuf := src.buffer(bid)

		newID, ok := s.ids.buffers.Alloc()
		if !ok {
			continue
		}

		var cloned *TraceBuffer
		if filter != nil {
			cloned = applyTraceFilterToBuffer(srcBuf, newID, filter)
		} else {
			cloned = srcBuf.CloneInto(newID)
		}
		clone.bufferIDs = append(clone.bufferIDs, newID)
		clone.buffers[newID] = cloned

		// transfer_on_clone moves the data to the clone, leaving the
		// source empty; this is the only remaining post-copy reset,
		// since clear_before_clone (without transfer_on_clone) was
		// already reset at clone start, above.
		if srcBuf.Cfg.TransferOnClone {
			srcBuf.Reset()
		}
	}

	s.mu.Lock()
	s.sessions[id] = clone
	s.mu.Unlock()
	metricSessions.Set(float64(len(s.sessions)))

	pc.callback(CloneResult{ClonedSessionID: id})
}

// maybePeriodicFlush implements spec.md §4.4.3's flush_period_ms tick:
// Flush is re-issued once per period for as long as the session stays
// STARTED.
func (s *TracingService) maybePeriodicFlush(sess *TracingSession, now time.Time) {
	cfg := sess.config()
	if cfg.FlushPeriod <= 0 || sess.State() != SessionStarted {
		return
	}
	sess.mu.Lock()
	due := sess.lastPeriodicFlush.IsZero() || now.Sub(sess.lastPeriodicFlush) >= cfg.FlushPeriod
	if due {
		sess.lastPeriodicFlush = now
	}
	sess.mu.Unlock()
	if due {
		s.Flush(sess.ID, 0, nil, FlushFlags{Reason: FlushReasonPeriodic}, nil)
	}
}
