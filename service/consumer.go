package service

import (
	"sync"

	"github.com/gogo/status"
	"google.golang.org/grpc/codes"
)

// Consumer is the service-side record for one connected consumer
// process (spec.md §3's consumer side, mirroring Producer).
type Consumer struct {
	ID  ConsumerID
	UID int32
}

// ConsumerProxy is the service's outbound view of a connected consumer:
// ObserveEvents notifications are dispatched through it (spec.md
// §4.4's "service calls out" half, same shape as ProducerProxy).
type ConsumerProxy interface {
	OnServiceEvent(ev ServiceEvent)
}

// NoopConsumerProxy discards every event; the default for consumers
// that never subscribed via ObserveEvents.
type NoopConsumerProxy struct{}

func (NoopConsumerProxy) OnServiceEvent(ServiceEvent) {}

// ServiceEventType enumerates the observable service events spec.md
// §6.2's ObserveEvents delivers (SPEC_FULL.md §3's ObserveEvents
// supplement).
type ServiceEventType int

const (
	EventDataSourceRegistered ServiceEventType = iota
	EventDataSourceUnregistered
	EventTracingDisabled
	EventAllDataSourcesStarted
)

// ServiceEvent is one notification delivered to a subscribed consumer.
type ServiceEvent struct {
	Type           ServiceEventType
	DataSourceName string
	SessionID      TracingSessionID
}

// observer holds one consumer's ObserveEvents subscription: which
// event types it asked for, and where to deliver them.
type observer struct {
	mu    sync.Mutex
	types map[ServiceEventType]struct{}
	proxy ConsumerProxy
}

func (o *observer) wants(t ServiceEventType) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.types[t]
	return ok
}

// RegisterConsumer adds a new consumer connection.
func (s *TracingService) RegisterConsumer(uid int32) (ConsumerID, error) {
	id, ok := s.ids.consumers.Alloc()
	if !ok {
		return 0, status.Error(codes.ResourceExhausted, "service: consumer id space exhausted")
	}
	s.mu.Lock()
	s.consumers[id] = &Consumer{ID: id, UID: uid}
	s.mu.Unlock()
	return id, nil
}

// DisconnectConsumer releases a consumer's id and any ObserveEvents
// subscription, and cancels any pending clone that consumer requested.
// It does not touch sessions (they outlive the consumer unless
// FreeBuffers is called explicitly — spec.md §4.4.1 treats buffer
// lifetime as independent of the owning consumer's connection).
func (s *TracingService) DisconnectConsumer(id ConsumerID) {
	s.mu.Lock()
	delete(s.consumers, id)
	delete(s.observers, id)
	// spec.md §4.4.5 step 5: a clone whose requesting consumer
	// disconnects mid-flight is cancelled, not delivered to nobody.
	for _, pc := range s.pendingClones {
		if pc.args.RequesterConsumerID == id {
			pc.fail(status.Error(codes.Canceled, "service: consumer disconnected during clone"))
		}
	}
	s.mu.Unlock()
	s.ids.consumers.Release(id)
}

// ObserveEvents implements spec.md §6.2 / SPEC_FULL.md §3: subscribe
// consumerID to the given event types, dispatched through proxy.
func (s *TracingService) ObserveEvents(consumerID ConsumerID, types []ServiceEventType, proxy ConsumerProxy) {
	if proxy == nil {
		proxy = NoopConsumerProxy{}
	}
	set := make(map[ServiceEventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	s.mu.Lock()
	s.observers[consumerID] = &observer{types: set, proxy: proxy}
	s.mu.Unlock()
}

// emitEvent fans ev out to every subscribed consumer.
func (s *TracingService) emitEvent(ev ServiceEvent) {
	s.mu.Lock()
	obs := make([]*observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()
	for _, o := range obs {
		if o.wants(ev.Type) {
			o.proxy.OnServiceEvent(ev)
		}
	}
}

// ServiceStateDataSource is one entry of QueryServiceState's result
// (spec.md §6.2).
type ServiceStateDataSource struct {
	Name              string
	ProducerID        ProducerID
	ProducerName      string
	WillNotifyOnStart bool
	WillNotifyOnStop  bool
}

// QueryServiceState implements spec.md §6.2: a snapshot of every
// currently-registered data source across every connected producer.
func (s *TracingService) QueryServiceState() []ServiceStateDataSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ServiceStateDataSource
	for name, entries := range s.registeredDS {
		for _, rds := range entries {
			p := s.producers[rds.producerID]
			pname := ""
			if p != nil {
				pname = p.Name
			}
			out = append(out, ServiceStateDataSource{
				Name:              name,
				ProducerID:        rds.producerID,
				ProducerName:      pname,
				WillNotifyOnStart: rds.descriptor.WillNotifyOnStart,
				WillNotifyOnStop:  rds.descriptor.WillNotifyOnStop,
			})
		}
	}
	return out
}

// ServiceCapabilities implements spec.md §6.2's QueryCapabilities: the
// fixed set of features this build of traced supports, since unlike
// the original there is no cross-version negotiation surface here
// (spec.md §1 scopes multi-version wire compatibility out).
type ServiceCapabilities struct {
	HasTraceFilter        bool
	HasClone              bool
	HasWriteIntoFile      bool
	HasTriggers           bool
	SupportedTriggerModes []TriggerMode
}

// QueryCapabilities implements spec.md §6.2.
func (s *TracingService) QueryCapabilities() ServiceCapabilities {
	return ServiceCapabilities{
		HasTraceFilter:   true,
		HasClone:         true,
		HasWriteIntoFile: true,
		HasTriggers:      true,
		SupportedTriggerModes: []TriggerMode{
			TriggerModeStartTracing,
			TriggerModeStopTracing,
			TriggerModeCloneSnapshot,
		},
	}
}

// Detach implements spec.md §6.2: mark a session as detachable under
// key so a different consumer connection can later Attach to it — the
// session keeps running and accumulating data across the consumer
// disconnect.
func (s *TracingService) Detach(id TracingSessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil {
		return status.Errorf(codes.NotFound, "service: unknown session %d", id)
	}
	if key == "" {
		return status.Error(codes.InvalidArgument, "service: empty detach key")
	}
	if _, exists := s.detached[key]; exists {
		return status.Errorf(codes.AlreadyExists, "service: detach key %q already in use", key)
	}
	sess.detachKey = key
	s.detached[key] = sess
	return nil
}

// Attach implements spec.md §6.2: reclaim a previously-detached session
// under a new consumer, returning its id.
func (s *TracingService) Attach(key string, consumerID ConsumerID) (TracingSessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.detached[key]
	if !ok {
		return 0, status.Errorf(codes.NotFound, "service: no detached session under key %q", key)
	}
	delete(s.detached, key)
	sess.mu.Lock()
	sess.consumerID = consumerID
	sess.detachKey = ""
	sess.mu.Unlock()
	return sess.ID, nil
}
