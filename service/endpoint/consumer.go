package endpoint

import (
	"time"

	"github.com/grafana/traced/service"
)

// ConsumerEndpoint is the service-side handle for one connected
// consumer process, implementing spec.md §6.2's call table.
type ConsumerEndpoint struct {
	svc *service.TracingService
	id  service.ConsumerID
	uid int32
}

// NewConsumerEndpoint registers a new consumer connection and returns
// its bound endpoint.
func NewConsumerEndpoint(svc *service.TracingService, uid int32) (*ConsumerEndpoint, error) {
	id, err := svc.RegisterConsumer(uid)
	if err != nil {
		return nil, err
	}
	return &ConsumerEndpoint{svc: svc, id: id, uid: uid}, nil
}

// ID returns the bound ConsumerID.
func (e *ConsumerEndpoint) ID() service.ConsumerID { return e.id }

// EnableTracing implements spec.md §6.2: start a new session owned by
// this consumer.
func (e *ConsumerEndpoint) EnableTracing(cfg *service.TraceConfig) (service.TracingSessionID, error) {
	return e.svc.EnableTracing(e.id, cfg)
}

// ChangeTraceConfig implements spec.md §6.2.
func (e *ConsumerEndpoint) ChangeTraceConfig(id service.TracingSessionID, dataSources []service.DataSourceConfigEntry) error {
	return e.svc.ChangeTraceConfig(id, dataSources)
}

// StartTracing implements spec.md §6.2, for sessions created with
// deferred_start.
func (e *ConsumerEndpoint) StartTracing(id service.TracingSessionID) error {
	return e.svc.StartTracing(id)
}

// DisableTracing implements spec.md §6.2.
func (e *ConsumerEndpoint) DisableTracing(id service.TracingSessionID) error {
	return e.svc.DisableTracing(id)
}

// FreeBuffers implements spec.md §6.2.
func (e *ConsumerEndpoint) FreeBuffers(id service.TracingSessionID) error {
	return e.svc.FreeBuffers(id)
}

// Flush implements spec.md §6.2: timeoutMs of zero falls back to the
// session's own FlushTimeout.
func (e *ConsumerEndpoint) Flush(id service.TracingSessionID, timeout time.Duration, cb func(success bool), flags service.FlushFlags) service.FlushRequestID {
	return e.svc.Flush(id, timeout, nil, flags, cb)
}

// ReadBuffers implements spec.md §6.2: stream data via deliver, playing
// the role of OnTraceData(batch, has_more) for an in-process caller
// (each invocation of deliver is one "batch"; has_more is implied by
// whether another invocation follows).
func (e *ConsumerEndpoint) ReadBuffers(id service.TracingSessionID, deliver func(packet []byte)) error {
	return e.svc.ReadBuffers(id, deliver)
}

// Detach implements spec.md §6.2.
func (e *ConsumerEndpoint) Detach(id service.TracingSessionID, key string) error {
	return e.svc.Detach(id, key)
}

// Attach implements spec.md §6.2, re-binding the reclaimed session to
// this endpoint's own ConsumerID.
func (e *ConsumerEndpoint) Attach(key string) (service.TracingSessionID, error) {
	return e.svc.Attach(key, e.id)
}

// CloneSession implements spec.md §6.2 / §4.4.5, stamping the request
// with this endpoint's own uid for the authorization check.
func (e *ConsumerEndpoint) CloneSession(sourceID service.TracingSessionID, skipTraceFilter bool, cb func(service.CloneResult)) {
	e.svc.CloneSession(service.CloneArgs{
		SourceSessionID:     sourceID,
		RequesterUID:        e.uid,
		RequesterConsumerID: e.id,
		SkipTraceFilter:     skipTraceFilter,
	}, cb)
}

// QueryServiceState implements spec.md §6.2.
func (e *ConsumerEndpoint) QueryServiceState() []service.ServiceStateDataSource {
	return e.svc.QueryServiceState()
}

// QueryCapabilities implements spec.md §6.2.
func (e *ConsumerEndpoint) QueryCapabilities() service.ServiceCapabilities {
	return e.svc.QueryCapabilities()
}

// ObserveEvents implements spec.md §6.2 / SPEC_FULL.md §3: subscribe
// this consumer to the given event types, delivered through proxy.
func (e *ConsumerEndpoint) ObserveEvents(types []service.ServiceEventType, proxy service.ConsumerProxy) {
	e.svc.ObserveEvents(e.id, types, proxy)
}

// Disconnect tears down this consumer's connection. Any session it
// owns outlives the disconnect (spec.md §4.4.1 treats buffer lifetime
// as independent of the consumer connection) unless the caller already
// called FreeBuffers.
func (e *ConsumerEndpoint) Disconnect() {
	e.svc.DisconnectConsumer(e.id)
}
