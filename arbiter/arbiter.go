// Package arbiter implements the producer-side SharedMemoryArbiter
// (spec.md §4.2): it hands out SMB chunks to TraceWriters, batches the
// CommitData notifications that tell the service about newly completed
// chunks, allocates per-producer WriterIDs, and applies patches either
// directly into still-owned chunks or via the queued patch list.
//
// The lifecycle (starting/running/stopping) follows the same
// services.Service + ticker/channel-driven loop the teacher uses for
// its backend job scheduler (modules/backendscheduler), generalized
// here into a single-purpose batched-commit task runner.
package arbiter

import (
	"context"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/pkg/idpool"
	"github.com/grafana/traced/pkg/util/log"
)

// Policy controls what GetNewChunk does when a full sweep of the
// region finds no usable chunk.
type Policy int

const (
	// PolicyStall blocks the caller until a page is freed.
	PolicyStall Policy = iota
	// PolicyDrop returns an invalid chunk immediately.
	PolicyDrop
)

var (
	metricChunksAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "traced",
		Subsystem: "arbiter",
		Name:      "chunks_acquired_total",
		Help:      "Chunks successfully acquired via GetNewChunk.",
	})
	metricChunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traced",
		Subsystem: "arbiter",
		Name:      "chunks_dropped_total",
		Help:      "GetNewChunk calls that returned no chunk under the kDrop policy.",
	}, []string{"producer"})
	metricStalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traced",
		Subsystem: "arbiter",
		Name:      "get_new_chunk_stalls_total",
		Help:      "Times GetNewChunk blocked waiting for a page to free up under the kStall policy.",
	}, []string{"producer"})
	metricCommitsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traced",
		Subsystem: "arbiter",
		Name:      "commits_sent_total",
		Help:      "Batched CommitData notifications sent to the service.",
	}, []string{"producer"})
	metricPendingQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "traced",
		Subsystem: "arbiter",
		Name:      "pending_commit_queue_length",
		Help:      "Chunks + patches currently waiting for the next batched CommitData.",
	}, []string{"producer"})
)

// ChunkToMove identifies a chunk that has transitioned to Complete and
// is ready for the service to stitch into a TraceBuffer.
type ChunkToMove struct {
	PageIndex    int
	ChunkIndex   int
	TargetBuffer uint16
}

// ChunkPatch is a single {writer_id, chunk_id, offset_in_chunk,
// 4-byte payload} patch entry, spec.md §4.2.
type ChunkPatch struct {
	WriterID       uint16
	ChunkID        uint32
	OffsetInChunk  uint32
	Payload        [4]byte
	HasMorePatches bool
}

// CommitData is the batched notification the arbiter sends to the
// service: newly completed chunks plus any patches that could not be
// applied directly.
type CommitData struct {
	ProducerID        uint32
	ChunksToMove      []ChunkToMove
	ChunksToPatch     []ChunkPatch
	FlushRequestID    uint64
	HasFlushRequestID bool
}

// CommitDataSink receives batched CommitData notifications. The
// service implements this.
type CommitDataSink interface {
	CommitData(ctx context.Context, data CommitData)
}

// Config controls an Arbiter's chunk-acquisition and batching policy.
type Config struct {
	Layout abi.Layout
	// BatchCommitsDuration is the batching window for ReturnCompletedChunk
	// notifications; zero means send immediately (spec.md §4.2).
	BatchCommitsDuration time.Duration
	// DirectPatchingSupported mirrors the service's advertised capability
	// to accept patches applied in place into still-owned chunks.
	DirectPatchingSupported bool
}

type ownedKey struct {
	writerID uint16
	chunkID  uint32
}

// Arbiter is the producer-side SharedMemoryArbiter for a single
// producer's Region.
type Arbiter struct {
	services.Service

	cfg        Config
	region     *abi.Region
	producerID uint32
	sink       CommitDataSink

	writerIDs *idpool.Pool[uint16]

	mu             sync.Mutex
	cursor         int
	owned          map[ownedKey]abi.Chunk
	pendingChunks  []ChunkToMove
	pendingPatches []ChunkPatch
	flushRequestID uint64
	hasFlush       bool
	commitPending  bool
	freedCh        chan struct{}

	commitRequested chan struct{}
}

// New builds an Arbiter over region for the given producer, sending
// batched commit notifications to sink.
func New(cfg Config, region *abi.Region, producerID uint32, sink CommitDataSink) *Arbiter {
	a := &Arbiter{
		cfg:             cfg,
		region:          region,
		producerID:      producerID,
		sink:            sink,
		writerIDs:       idpool.New[uint16](math.MaxUint16),
		owned:           make(map[ownedKey]abi.Chunk),
		freedCh:         make(chan struct{}),
		commitRequested: make(chan struct{}, 1),
	}
	a.Service = services.NewBasicService(nil, a.running, nil)
	return a
}

func (a *Arbiter) running(ctx context.Context) error {
	level.Debug(log.Logger).Log("msg", "arbiter running", "producer", a.producerID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.commitRequested:
			a.flushCommit(ctx)
		}
	}
}

// AllocWriterID allocates a fresh WriterID for a new TraceWriter on
// this producer. Returns false if the id space [1, 2^16-1] is
// exhausted, per spec.md §4.2.
func (a *Arbiter) AllocWriterID() (uint16, bool) {
	return a.writerIDs.Alloc()
}

// ReleaseWriterID returns a WriterID to the pool.
func (a *Arbiter) ReleaseWriterID(id uint16) {
	a.writerIDs.Release(id)
}

// NotifyPagesFree wakes any GetNewChunk call blocked under PolicyStall,
// typically invoked after the service completes a ReadBuffers pass
// that frees pages back to Free.
func (a *Arbiter) NotifyPagesFree() {
	a.mu.Lock()
	old := a.freedCh
	a.freedCh = make(chan struct{})
	a.mu.Unlock()
	close(old)
}

func (a *Arbiter) waitForFreedPage() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freedCh
}

// GetNewChunk implements spec.md §4.2's allocation algorithm: a
// rotating-cursor scan of the region for a free chunk matching
// targetBuffer, partitioning fresh pages as needed, falling back to
// policy when a full sweep finds nothing.
func (a *Arbiter) GetNewChunk(ctx context.Context, header abi.ChunkHeader, targetBuffer uint16, policy Policy) (abi.Chunk, bool) {
	for {
		if c, ok := a.sweep(header, targetBuffer); ok {
			metricChunksAcquired.Inc()
			return c, true
		}

		switch policy {
		case PolicyDrop:
			metricChunksDropped.WithLabelValues(a.producerLabel()).Inc()
			return abi.Chunk{}, false
		default: // PolicyStall
			metricStalls.WithLabelValues(a.producerLabel()).Inc()
			select {
			case <-a.waitForFreedPage():
			case <-ctx.Done():
				return abi.Chunk{}, false
			}
		}
	}
}

func (a *Arbiter) sweep(header abi.ChunkHeader, targetBuffer uint16) (abi.Chunk, bool) {
	n := a.region.NumPages()
	if n == 0 {
		return abi.Chunk{}, false
	}

	a.mu.Lock()
	start := a.cursor
	a.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		page := a.region.Page(idx)

		if !page.Partitioned() {
			page.TryPartitionPage(a.cfg.Layout, targetBuffer)
		}
		if !page.Partitioned() || page.TargetBuffer() != targetBuffer {
			continue
		}

		mask := page.GetFreeChunks()
		for mask != 0 {
			bit := bits.TrailingZeros32(mask)
			mask &^= 1 << uint(bit)

			if c, ok := page.TryAcquireChunkForWriting(bit, targetBuffer, header); ok {
				a.mu.Lock()
				a.cursor = (idx + 1) % n
				a.owned[ownedKey{header.WriterID, header.ChunkID}] = c
				a.mu.Unlock()
				return c, true
			}
		}
	}
	return abi.Chunk{}, false
}

// ReturnCompletedChunk implements spec.md §4.2's ReturnCompletedChunk:
// moves the chunk to Complete, queues a move notification, and
// schedules a batched CommitData if this is the first pending entry.
func (a *Arbiter) ReturnCompletedChunk(chunk abi.Chunk) {
	chunk.ReleaseAsComplete()
	header := chunk.Header()

	a.mu.Lock()
	delete(a.owned, ownedKey{header.WriterID, header.ChunkID})
	a.pendingChunks = append(a.pendingChunks, ChunkToMove{
		PageIndex:    chunk.Page().Index(),
		ChunkIndex:   chunk.Index(),
		TargetBuffer: chunk.Page().TargetBuffer(),
	})
	queueLen := len(a.pendingChunks) + len(a.pendingPatches)
	a.mu.Unlock()

	metricPendingQueueLength.WithLabelValues(a.producerLabel()).Set(float64(queueLen))
	a.scheduleCommit()
}

// ApplyPatch implements spec.md §4.2's direct-SMB-patching rule: a
// patch targeting a chunk this arbiter still owns (not yet released)
// is written in place when the service advertises support; otherwise
// it is queued into the next CommitData's chunks_to_patch.
func (a *Arbiter) ApplyPatch(patch ChunkPatch) {
	if a.cfg.DirectPatchingSupported {
		a.mu.Lock()
		chunk, ok := a.owned[ownedKey{patch.WriterID, patch.ChunkID}]
		a.mu.Unlock()
		if ok {
			payload := chunk.Payload()
			copy(payload[patch.OffsetInChunk:patch.OffsetInChunk+4], patch.Payload[:])
			return
		}
	}

	a.mu.Lock()
	a.pendingPatches = append(a.pendingPatches, patch)
	queueLen := len(a.pendingChunks) + len(a.pendingPatches)
	a.mu.Unlock()

	metricPendingQueueLength.WithLabelValues(a.producerLabel()).Set(float64(queueLen))
	a.scheduleCommit()
}

// Flush asks the arbiter to forward any pending commit immediately,
// tagged with flushRequestID; the service acks this id once it has
// applied the flush (spec.md §4.3).
func (a *Arbiter) Flush(flushRequestID uint64) {
	a.mu.Lock()
	a.flushRequestID = flushRequestID
	a.hasFlush = true
	a.mu.Unlock()
	a.requestCommit()
}

func (a *Arbiter) scheduleCommit() {
	a.mu.Lock()
	if a.commitPending {
		a.mu.Unlock()
		return
	}
	a.commitPending = true
	a.mu.Unlock()

	if a.cfg.BatchCommitsDuration <= 0 {
		a.requestCommit()
		return
	}
	time.AfterFunc(a.cfg.BatchCommitsDuration, a.requestCommit)
}

func (a *Arbiter) requestCommit() {
	select {
	case a.commitRequested <- struct{}{}:
	default:
	}
}

func (a *Arbiter) flushCommit(ctx context.Context) {
	a.mu.Lock()
	chunks := a.pendingChunks
	patches := a.pendingPatches
	flushID := a.flushRequestID
	hasFlush := a.hasFlush
	a.pendingChunks = nil
	a.pendingPatches = nil
	a.hasFlush = false
	a.commitPending = false
	a.mu.Unlock()

	metricPendingQueueLength.WithLabelValues(a.producerLabel()).Set(0)

	if len(chunks) == 0 && len(patches) == 0 && !hasFlush {
		return
	}

	metricCommitsSent.WithLabelValues(a.producerLabel()).Inc()
	a.sink.CommitData(ctx, CommitData{
		ProducerID:        a.producerID,
		ChunksToMove:      chunks,
		ChunksToPatch:     patches,
		FlushRequestID:    flushID,
		HasFlushRequestID: hasFlush,
	})
}

func (a *Arbiter) producerLabel() string {
	return producerLabelFor(a.producerID)
}
