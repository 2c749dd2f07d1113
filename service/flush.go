package service

import (
	"sync"
	"time"
)

// FlushReason tags why a Flush was initiated, for producer-side
// telemetry only (spec.md §4.4.3).
type FlushReason int

const (
	FlushReasonExplicit FlushReason = iota
	FlushReasonFinalFlush
	FlushReasonPeriodic
	FlushReasonTraceClone
)

// FlushFlags accompanies every Flush dispatched to a producer.
type FlushFlags struct {
	Initiator   string
	Reason      FlushReason
	CloneTarget TracingSessionID
	HasClone    bool
}

// PendingFlush tracks one in-flight Flush() call: the set of producers
// still owed an ack, and the callback to invoke once that set empties
// or the timeout fires (spec.md §4.4.3).
type PendingFlush struct {
	ID        FlushRequestID
	producers map[ProducerID]struct{}
	callback  func(success bool)

	mu    sync.Mutex
	done  bool
	timer *time.Timer
}

func newPendingFlush(id FlushRequestID, producers map[ProducerID]struct{}, cb func(success bool)) *PendingFlush {
	return &PendingFlush{ID: id, producers: producers, callback: cb}
}

// ack removes producerID from the pending set; if that empties it,
// fires the callback with success=true and reports done so the caller
// can clean this PendingFlush up. The done report is a claim: exactly
// one of ack and expire ever returns true, so cleanup (unregister, id
// release) runs once no matter how acks and the timeout interleave.
func (f *PendingFlush) ack(producerID ProducerID) (done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	delete(f.producers, producerID)
	if len(f.producers) == 0 {
		f.done = true
		if f.timer != nil {
			f.timer.Stop()
		}
		f.callback(true)
		return true
	}
	return false
}

// expire fires the callback with success=false, reporting whether it
// actually fired — false means a concurrent ack already reached zero
// first, and that path owns the cleanup.
func (f *PendingFlush) expire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	f.done = true
	f.callback(false)
	return true
}

// flushState holds every session's in-flight PendingFlush set plus the
// monotonic producer-ack bookkeeping spec.md §4.4.3/§8 require: "an ack
// for N implicitly acks all <= N".
type flushState struct {
	mu sync.Mutex
	// byID holds every pending flush of every session in the service,
	// keyed by id; flushes are inserted once per session-level Flush()
	// call so one id always maps to one PendingFlush.
	byID map[FlushRequestID]*PendingFlush
	// lastAcked records, per producer, the highest flush id it has
	// acked; nothing reads it. A completed PendingFlush is removed from
	// byID, so a later ack cannot fire its callback a second time.
	lastAcked map[ProducerID]FlushRequestID
}

func newFlushState() *flushState {
	return &flushState{
		byID:      make(map[FlushRequestID]*PendingFlush),
		lastAcked: make(map[ProducerID]FlushRequestID),
	}
}

func (s *flushState) register(pf *PendingFlush) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[pf.ID] = pf
}

func (s *flushState) unregister(id FlushRequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// notifyFlushComplete implements spec.md §4.4.3 step 4: an ack for id
// from producerID acks every PendingFlush with id' <= id for that
// producer (monotonic-ack semantics), since a producer processes
// CommitData/Flush requests in order and a later ack implies every
// earlier one was already applied.
func (s *flushState) notifyFlushComplete(producerID ProducerID, id FlushRequestID) []FlushRequestID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.lastAcked[producerID]; !ok || id > cur {
		s.lastAcked[producerID] = id
	}
	var done []FlushRequestID
	for fid, pf := range s.byID {
		if fid <= id {
			if pf.ack(producerID) {
				done = append(done, fid)
				delete(s.byID, fid)
			}
		}
	}
	return done
}
