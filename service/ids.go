// Package service implements the service-side Session Engine (spec.md
// §4.4): session lifecycle, data-source multiplexing across producers
// and buffers, flush/trigger/clone state machines, scraping and the
// output-side trace filter, plus the TraceBuffer (§4.5) that indexes
// and stitches chunks copied in from producers.
package service

import (
	"math"

	"github.com/grafana/traced/pkg/idpool"
)

// ProducerID identifies a connected producer process. spec.md §3 sizes
// this as uint16; the arbiter package's CommitData.ProducerID (the
// field this type round-trips through on every commit) is already
// uint32 in this tree, so ProducerID is widened to uint32 here rather
// than truncating on every CommitData dispatch — the same kind of
// wire/storage-width reconciliation already recorded for the chunk and
// page headers in DESIGN.md.
type ProducerID uint32

// BufferID identifies a TraceBuffer, unique across the whole service
// (spec.md §3: "global across sessions").
type BufferID uint16

// DataSourceInstanceID identifies one DataSourceInstance.
type DataSourceInstanceID uint64

// TracingSessionID identifies one TracingSession.
type TracingSessionID uint64

// FlushRequestID identifies one in-flight Flush() call.
type FlushRequestID uint64

// ConsumerID identifies a connected consumer process.
type ConsumerID uint32

const (
	// InvalidProducerID is reserved; see abi.InvalidWriterID for the
	// analogous convention on the writer-id space.
	InvalidProducerID ProducerID = 0
)

// idAllocators bundles every idpool.Pool the service needs, each keyed
// to its own id space per spec.md §3.
type idAllocators struct {
	producers   *idpool.Pool[ProducerID]
	buffers     *idpool.Pool[BufferID]
	dsInstances *idpool.Pool[DataSourceInstanceID]
	sessions    *idpool.Pool[TracingSessionID]
	flushes     *idpool.Pool[FlushRequestID]
	consumers   *idpool.Pool[ConsumerID]
}

func newIDAllocators() *idAllocators {
	return &idAllocators{
		producers:   idpool.New[ProducerID](math.MaxUint32),
		buffers:     idpool.New[BufferID](math.MaxUint16),
		dsInstances: idpool.New[DataSourceInstanceID](0),
		sessions:    idpool.New[TracingSessionID](0),
		flushes:     idpool.New[FlushRequestID](0),
		consumers:   idpool.New[ConsumerID](math.MaxUint32),
	}
}
