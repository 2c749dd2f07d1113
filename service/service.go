package service

import (
	"context"
	"flag"
	"regexp"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gogo/status"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc/codes"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/pkg/util/log"
)

// kMaxTraceDurationMs is spec.md §8's boundary: EnableTracing rejects
// any duration at or beyond this ceiling.
const kMaxTraceDurationMs = 7 * 24 * time.Hour / time.Millisecond

var (
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "traced",
		Subsystem: "service",
		Name:      "sessions",
		Help:      "Currently live TracingSessions.",
	})
	metricProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "traced",
		Subsystem: "service",
		Name:      "producers",
		Help:      "Currently connected producers.",
	})
	metricChunksDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traced",
		Subsystem: "service",
		Name:      "chunks_discarded_total",
		Help:      "Chunks dropped because their target_buffer was not in the producer's allowed set.",
	}, []string{"producer"})
)

// Config controls a TracingService's process-wide defaults.
type Config struct {
	// DefaultDataSourceStopTimeout is used when a TraceConfig doesn't
	// set data_source_stop_timeout_ms (spec.md §5, default 5s).
	DefaultDataSourceStopTimeout time.Duration
	// TickInterval governs how often the background loop checks for
	// due periodic flushes and file writes.
	TickInterval time.Duration
}

// RegisterFlagsAndApplyDefaults wires Config into a flag.FlagSet in the
// same shape every Config in the teacher exposes (SPEC_FULL.md §1).
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&c.DefaultDataSourceStopTimeout, prefix+"service.default-datasource-stop-timeout", 5*time.Second,
		"Fallback data_source_stop_timeout_ms for a TraceConfig that doesn't set one.")
	f.DurationVar(&c.TickInterval, prefix+"service.tick-interval", 200*time.Millisecond,
		"How often the background loop checks for due periodic flushes and file writes.")
}

// applyZeroValueDefaults fills in a Config constructed by hand (e.g. by
// tests calling New(Config{}) directly, never touching a flag.FlagSet)
// with the same defaults RegisterFlagsAndApplyDefaults would have set.
func (c *Config) applyZeroValueDefaults() {
	if c.DefaultDataSourceStopTimeout == 0 {
		c.DefaultDataSourceStopTimeout = 5 * time.Second
	}
	if c.TickInterval == 0 {
		c.TickInterval = 200 * time.Millisecond
	}
}

// TracingService is the core of traced: the multi-process broker
// between Producers and Consumers (spec.md §2).
type TracingService struct {
	services.Service

	cfg Config
	ids *idAllocators

	mu                 sync.Mutex
	producers          map[ProducerID]*Producer
	consumers          map[ConsumerID]*Consumer
	sessions           map[TracingSessionID]*TracingSession
	uniqueSessionNames map[string]TracingSessionID
	detached           map[string]*TracingSession
	registeredDS       map[string][]*registeredDataSource
	semaphoreCounts    map[string]int

	smbScrapingEnabled bool

	flush        *flushState
	triggerQuota *triggerQuota

	observers map[ConsumerID]*observer

	pendingClones map[TracingSessionID]*PendingClone
}

// New constructs a TracingService. Call StartAsync/AwaitRunning (from
// services.Service) before driving any operation that depends on the
// background tick loop (periodic flush, periodic file write).
func New(cfg Config) *TracingService {
	cfg.applyZeroValueDefaults()
	s := &TracingService{
		cfg:                cfg,
		ids:                newIDAllocators(),
		producers:          make(map[ProducerID]*Producer),
		consumers:          make(map[ConsumerID]*Consumer),
		sessions:           make(map[TracingSessionID]*TracingSession),
		uniqueSessionNames: make(map[string]TracingSessionID),
		detached:           make(map[string]*TracingSession),
		registeredDS:       make(map[string][]*registeredDataSource),
		semaphoreCounts:    make(map[string]int),
		flush:              newFlushState(),
		triggerQuota:       newTriggerQuota(),
		observers:          make(map[ConsumerID]*observer),
		pendingClones:      make(map[TracingSessionID]*PendingClone),
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *TracingService) running(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *TracingService) tick(now time.Time) {
	s.mu.Lock()
	sessions := make([]*TracingSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.maybePeriodicFlush(sess, now)
		s.maybeFileWriteTick(sess, now)
		s.maybeIncrementalStateClear(sess, now)
	}
}

// maybeIncrementalStateClear implements incremental_state_config's
// clear_period: periodically ask every participating producer to drop
// its writers' incremental (interning) state, forcing the next packet
// on each sequence to re-emit it in full (SPEC_FULL.md §3).
func (s *TracingService) maybeIncrementalStateClear(sess *TracingSession, now time.Time) {
	cfg := sess.config()
	if cfg.IncrementalStateConfig == nil || cfg.IncrementalStateConfig.ClearPeriod <= 0 || sess.State() != SessionStarted {
		return
	}
	sess.mu.Lock()
	due := sess.lastIncrementalClear.IsZero() || now.Sub(sess.lastIncrementalClear) >= cfg.IncrementalStateConfig.ClearPeriod
	if due {
		sess.lastIncrementalClear = now
	}
	sess.mu.Unlock()
	if !due {
		return
	}

	for pid, ids := range sess.instancesByProducer() {
		s.mu.Lock()
		p := s.producers[pid]
		s.mu.Unlock()
		if p != nil {
			p.proxy.ClearIncrementalState(ids)
		}
	}
}

// RegisterProducer adds a new producer connection, returning its
// freshly allocated ProducerID.
func (s *TracingService) RegisterProducer(name string, uid, pid int32, proxy ProducerProxy) (ProducerID, error) {
	id, ok := s.ids.producers.Alloc()
	if !ok {
		return 0, status.Error(codes.ResourceExhausted, "service: producer id space exhausted")
	}
	p := newProducer(id, uid, pid, name, proxy)

	s.mu.Lock()
	s.producers[id] = p
	s.mu.Unlock()
	metricProducers.Set(float64(len(s.producers)))
	return id, nil
}

// BindProducerSMB attaches a producer's SMB region, for either the
// service-allocated or producer-provided ownership case (spec.md §3).
func (s *TracingService) BindProducerSMB(id ProducerID, region *abi.Region, clientProvided bool) {
	s.mu.Lock()
	p := s.producers[id]
	s.mu.Unlock()
	if p != nil {
		p.bindSMB(region, clientProvided)
	}
}

// DisconnectProducer implements spec.md §3's disconnect cascade: tear
// down every DataSourceInstance, scrape partial chunks if enabled,
// free the SMB, release the ProducerID.
func (s *TracingService) DisconnectProducer(id ProducerID) {
	s.mu.Lock()
	p, ok := s.producers[id]
	sessions := make([]*TracingSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	delete(s.producers, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, sess := range sessions {
		instances := sess.dataSourcesForProducer(id)
		if len(instances) == 0 {
			continue
		}
		if s.smbScrapingEnabled {
			s.scrapeProducer(sess, p)
		}
		for _, d := range instances {
			d.setState(DataSourceStopped)
			sess.removeDataSourceInstance(d.ID)
		}
	}

	s.ids.producers.Release(id)
	metricProducers.Set(float64(len(s.producers)))
}

// RegisterDataSource implements spec.md §6.1: advertise a data source
// by name and capability flags.
func (s *TracingService) RegisterDataSource(producerID ProducerID, desc DataSourceDescriptor) {
	s.mu.Lock()
	p := s.producers[producerID]
	if p == nil {
		s.mu.Unlock()
		return
	}
	p.mu.Lock()
	d := desc
	p.dataSources[desc.Name] = &d
	p.mu.Unlock()
	s.registeredDS[desc.Name] = append(s.registeredDS[desc.Name], &registeredDataSource{producerID: producerID, descriptor: desc})
	s.mu.Unlock()
	s.emitEvent(ServiceEvent{Type: EventDataSourceRegistered, DataSourceName: desc.Name})
}

// UpdateDataSource implements spec.md §6.1: replace a producer's
// descriptor for an already-registered data source name.
func (s *TracingService) UpdateDataSource(producerID ProducerID, desc DataSourceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rds := range s.registeredDS[desc.Name] {
		if rds.producerID == producerID {
			rds.descriptor = desc
		}
	}
	if p := s.producers[producerID]; p != nil {
		p.mu.Lock()
		d := desc
		p.dataSources[desc.Name] = &d
		p.mu.Unlock()
	}
}

// UnregisterDataSource implements spec.md §6.1: remove the
// registration and tear down any live instances of it.
func (s *TracingService) UnregisterDataSource(producerID ProducerID, name string) {
	s.mu.Lock()
	kept := s.registeredDS[name][:0]
	for _, rds := range s.registeredDS[name] {
		if rds.producerID != producerID {
			kept = append(kept, rds)
		}
	}
	s.registeredDS[name] = kept
	if p := s.producers[producerID]; p != nil {
		p.mu.Lock()
		delete(p.dataSources, name)
		p.mu.Unlock()
	}
	sessions := make([]*TracingSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		for _, d := range sess.dataSourcesForProducer(producerID) {
			if d.Config.Name == name {
				d.setState(DataSourceStopped)
				sess.removeDataSourceInstance(d.ID)
			}
		}
	}
	s.emitEvent(ServiceEvent{Type: EventDataSourceUnregistered, DataSourceName: name})
}

// SetSMBScrapingEnabled controls spec.md §4.4.6's optional scraping
// behavior, applied service-wide to every producer.
func (s *TracingService) SetSMBScrapingEnabled(enabled bool) {
	s.mu.Lock()
	s.smbScrapingEnabled = enabled
	s.mu.Unlock()
}

// RegisterTraceWriter implements spec.md §6.1: bind writer_id to
// buffer_id for scraping.
func (s *TracingService) RegisterTraceWriter(producerID ProducerID, writerID uint16, buf BufferID) {
	s.mu.Lock()
	p := s.producers[producerID]
	s.mu.Unlock()
	if p != nil {
		p.registerTraceWriter(writerID, buf)
	}
}

// UnregisterTraceWriter implements spec.md §6.1.
func (s *TracingService) UnregisterTraceWriter(producerID ProducerID, writerID uint16) {
	s.mu.Lock()
	p := s.producers[producerID]
	s.mu.Unlock()
	if p != nil {
		p.unregisterTraceWriter(writerID)
	}
}

// scheduleAfter runs fn once after d on its own goroutine, the
// lightweight analogue of posting a delayed task to a single-threaded
// task runner (spec.md §5) — traced's task runner is the Go scheduler
// itself, since every mutable structure it touches (TracingSession,
// TracingService maps) is already mutex-guarded.
func (s *TracingService) scheduleAfter(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	time.AfterFunc(d, fn)
}

func compileRegexOrNil(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		level.Warn(log.Logger).Log("msg", "invalid regex filter", "pattern", pattern, "err", err)
		return nil
	}
	return re
}
