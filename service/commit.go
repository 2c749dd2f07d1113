package service

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/arbiter"
	"github.com/grafana/traced/pkg/util/log"
)

var _ arbiter.CommitDataSink = (*TracingService)(nil)

var metricChunkPatchesDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "traced",
	Subsystem: "service",
	Name:      "chunk_patches_dropped_total",
	Help:      "Patches addressed to a chunk no longer resident in its target buffer.",
})

// CommitData implements arbiter.CommitDataSink per spec.md §4.4.4:
// apply a batch's moved chunks (copying payload bytes out of the
// producer's SMB and into the target TraceBuffer) and queued patches
// (rewriting 4 bytes in an already-copied chunk), in that order — a
// patch can legitimately target a chunk moved in the very same batch.
func (s *TracingService) CommitData(_ context.Context, batch arbiter.CommitData) {
	producerID := ProducerID(batch.ProducerID)
	s.mu.Lock()
	producer := s.producers[producerID]
	s.mu.Unlock()
	if producer == nil {
		return
	}

	producer.mu.Lock()
	region := producer.region
	producer.mu.Unlock()

	for _, mv := range batch.ChunksToMove {
		s.commitOneChunk(producer, region, mv)
	}
	for _, patch := range batch.ChunksToPatch {
		s.applyOneChunkPatch(producer, patch)
	}

	if batch.HasFlushRequestID {
		req := FlushRequestID(batch.FlushRequestID)
		s.NotifyFlushComplete(producerID, req)
		producer.proxy.NotifyFlushAcked(req)
	}
}

func (s *TracingService) commitOneChunk(producer *Producer, region *abi.Region, mv arbiter.ChunkToMove) {
	if region == nil || mv.PageIndex >= region.NumPages() {
		return
	}
	page := region.Page(mv.PageIndex)
	header := page.ChunkHeaderOf(mv.ChunkIndex)
	payload := page.ChunkPayload(mv.ChunkIndex)

	target := BufferID(mv.TargetBuffer)
	if !producer.isBufferAllowed(target) {
		metricChunksDiscarded.WithLabelValues(producer.Name).Inc()
		return
	}

	sess := s.sessionForBuffer(target)
	if sess == nil {
		return
	}
	buf := sess.buffer(target)
	if buf == nil {
		return
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	buf.CopyChunk(producer.UID, header, cp)

	// spec.md §4.4.4 step 3: release the SMB chunk as Free once copied,
	// zero-copy path only. The ABI only exposes whole-page
	// acquire/release for reading (abi.Page.TryAcquireAllChunksForReading),
	// so the page is only actually freed once every chunk on it has
	// reached Complete; until then this is a no-op that a later commit
	// for the page's last outstanding chunk will complete.
	if page.TryAcquireAllChunksForReading() {
		page.ReleaseAllChunksAsFree()
		producer.proxy.NotifyPagesFreed()
	}
}

func (s *TracingService) applyOneChunkPatch(producer *Producer, patch arbiter.ChunkPatch) {
	target, ok := producer.writerBuffersSnapshot()[patch.WriterID]
	if !ok {
		metricChunkPatchesDropped.Inc()
		return
	}
	sess := s.sessionForBuffer(target)
	if sess == nil {
		metricChunkPatchesDropped.Inc()
		return
	}
	buf := sess.buffer(target)
	if buf == nil || !buf.ApplyPatch(producer.UID, patch.WriterID, patch.ChunkID, patch.OffsetInChunk, patch.Payload) {
		metricChunkPatchesDropped.Inc()
	}
}

// sessionForBuffer finds the session owning target, since a BufferID is
// globally unique (spec.md §3) but TraceBuffer is stored per-session.
func (s *TracingService) sessionForBuffer(target BufferID) *TracingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.buffer(target) != nil {
			return sess
		}
	}
	return nil
}

// UpdateMemoryGuardrail implements spec.md §4.4.4's guardrail
// check: if totalSMBBytes exceeds limit, one warning carrying the total
// and the limit is logged; registrations are not refused. traced itself has no
// process-wide memory allocator to enforce against, so this stays a
// logging hook rather than an enforcement point (spec.md §1 scopes
// platform-specific memory accounting out).
func (s *TracingService) UpdateMemoryGuardrail(totalSMBBytes, limit uint64) {
	if limit > 0 && totalSMBBytes > limit {
		level.Warn(log.Logger).Log("msg", "shared memory guardrail exceeded", "bytes", totalSMBBytes, "limit", limit)
	}
}
