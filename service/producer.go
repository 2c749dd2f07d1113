package service

import (
	"regexp"
	"sync"

	"github.com/grafana/traced/abi"
)

// DataSourceDescriptor is what a producer advertises via
// RegisterDataSource (spec.md §6.1): a name plus the capability flags
// from spec.md §3's DataSourceInstance section.
type DataSourceDescriptor struct {
	Name                         string
	WillNotifyOnStart            bool
	WillNotifyOnStop             bool
	HandlesIncrementalStateClear bool
	NoFlush                      bool
}

// registeredDataSource is one producer's advertised data source, kept
// in the service's name-keyed multimap (spec.md §4.4.1: "scans the
// registered-data-source multi-map keyed by name").
type registeredDataSource struct {
	producerID ProducerID
	descriptor DataSourceDescriptor
}

// ProducerProxy is the service's outbound view of a connected producer:
// every call that crosses the process boundary toward a producer
// (spec.md §6's implicit "service calls out" half, dispatched by
// whatever transport embeds traced). A no-op default is registered for
// producers that never provide one, matching §9's "tagged variant of
// callbacks... a no-op default suffices for optional operations".
type ProducerProxy interface {
	SetupDataSource(id DataSourceInstanceID, cfg DataSourceConfig)
	StartDataSource(id DataSourceInstanceID)
	StopDataSource(id DataSourceInstanceID)
	Flush(req FlushRequestID, ids []DataSourceInstanceID, flags FlushFlags)
	ClearIncrementalState(ids []DataSourceInstanceID)
	// NotifyPagesFreed implements spec.md §4.2's kStall wakeup: the
	// service calls this once CommitData has released SMB pages back to
	// Free, so a real transport can relay it into the producer's own
	// Arbiter.NotifyPagesFree and unblock a GetNewChunk call stalled
	// waiting for room.
	NotifyPagesFreed()
	// NotifyFlushAcked implements the other half of tracewriter.TraceWriter.Flush's
	// documented contract (spec.md §4.3): once a CommitData batch
	// carrying req has been fully processed, the service calls this so a
	// real transport can relay it into the producer's own
	// TraceWriter.AckFlush and fire that writer's registered onAck.
	NotifyFlushAcked(req FlushRequestID)
}

// NoopProducerProxy implements ProducerProxy with no-ops; it is the
// default for producers registered without a real dispatch target
// (e.g. in tests that only exercise the service-side bookkeeping).
type NoopProducerProxy struct{}

func (NoopProducerProxy) SetupDataSource(DataSourceInstanceID, DataSourceConfig)   {}
func (NoopProducerProxy) StartDataSource(DataSourceInstanceID)                     {}
func (NoopProducerProxy) StopDataSource(DataSourceInstanceID)                      {}
func (NoopProducerProxy) Flush(FlushRequestID, []DataSourceInstanceID, FlushFlags) {}
func (NoopProducerProxy) ClearIncrementalState([]DataSourceInstanceID)             {}
func (NoopProducerProxy) NotifyPagesFreed()                                        {}
func (NoopProducerProxy) NotifyFlushAcked(FlushRequestID)                          {}

// Producer is the service-side record for one connected producer
// process (spec.md §3's "Producer (service-side record)").
type Producer struct {
	ID  ProducerID
	UID int32
	PID int32

	Name string

	proxy ProducerProxy

	// region is nil until a producer has shared (or been handed) an
	// SMB; CommitData's zero-copy path and scraping both need it.
	region *abi.Region
	// clientProvidedSMB mirrors spec.md §3's ownership distinction:
	// true means the producer allocated the SMB itself rather than the
	// service allocating it on the producer's behalf.
	clientProvidedSMB bool

	mu sync.Mutex
	// allowedTargetBuffers is the intersection of every session this
	// producer currently participates in's buffer set (spec.md §3).
	allowedTargetBuffers map[BufferID]struct{}
	// writerBuffers registers WriterID -> BufferID for scraping
	// (spec.md §6.1 RegisterTraceWriter).
	writerBuffers map[uint16]BufferID
	dataSources   map[string]*DataSourceDescriptor
}

func newProducer(id ProducerID, uid, pid int32, name string, proxy ProducerProxy) *Producer {
	if proxy == nil {
		proxy = NoopProducerProxy{}
	}
	return &Producer{
		ID:                   id,
		UID:                  uid,
		PID:                  pid,
		Name:                 name,
		proxy:                proxy,
		allowedTargetBuffers: make(map[BufferID]struct{}),
		writerBuffers:        make(map[uint16]BufferID),
		dataSources:          make(map[string]*DataSourceDescriptor),
	}
}

func (p *Producer) bindSMB(region *abi.Region, clientProvided bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.region = region
	p.clientProvidedSMB = clientProvided
}

func (p *Producer) allowBuffer(id BufferID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedTargetBuffers[id] = struct{}{}
}

func (p *Producer) disallowBuffer(id BufferID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allowedTargetBuffers, id)
}

func (p *Producer) isBufferAllowed(id BufferID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.allowedTargetBuffers[id]
	return ok
}

func (p *Producer) registerTraceWriter(writerID uint16, buf BufferID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writerBuffers[writerID] = buf
}

func (p *Producer) unregisterTraceWriter(writerID uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.writerBuffers, writerID)
}

func (p *Producer) writerBuffersSnapshot() map[uint16]BufferID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint16]BufferID, len(p.writerBuffers))
	for k, v := range p.writerBuffers {
		out[k] = v
	}
	return out
}

// matchesFilter implements the producer_name_filter / producer_name_regex_filter
// matching rule from spec.md §4.4.1: an empty filter set matches every
// producer; a non-empty set requires the producer's name to appear in
// the exact-match list or match one of the regexes.
func (p *Producer) matchesFilter(exact, regexes []string) bool {
	if len(exact) == 0 && len(regexes) == 0 {
		return true
	}
	for _, name := range exact {
		if name == p.Name {
			return true
		}
	}
	for _, pattern := range regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(p.Name) {
			return true
		}
	}
	return false
}
