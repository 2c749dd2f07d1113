// Package endpoint implements the per-peer dispatch surface spec.md §6
// names but leaves to "whatever transport embeds traced": a
// ProducerEndpoint and ConsumerEndpoint bound to one connected peer,
// forwarding its calls into the shared *service.TracingService while
// applying the permission checks spec.md §2 allocates a distinct 10%
// share to ("Endpoints (producer/consumer): Per-peer bookkeeping,
// permission checks").
//
// service.TracingService itself takes explicit ProducerID/ConsumerID
// arguments on every call (so it never needs to know how a peer is
// transported); an Endpoint exists so a transport only has to resolve
// "who is this wire connection" once, at bind time, instead of on
// every message.
package endpoint

import (
	"context"
	"fmt"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/arbiter"
	"github.com/grafana/traced/service"
)

// ProducerEndpoint is the service-side handle for one connected
// producer process, implementing spec.md §6.1's call table.
type ProducerEndpoint struct {
	svc *service.TracingService
	id  service.ProducerID
	uid int32
	pid int32
}

// NewProducerEndpoint registers a new producer connection and returns
// its bound endpoint. proxy receives every outbound call the service
// makes toward this producer (SetupDataSource, Flush, ...); pass nil
// to get service.NoopProducerProxy (a producer that only exercises
// service-side bookkeeping, e.g. in tests).
func NewProducerEndpoint(svc *service.TracingService, name string, uid, pid int32, proxy service.ProducerProxy) (*ProducerEndpoint, error) {
	id, err := svc.RegisterProducer(name, uid, pid, proxy)
	if err != nil {
		return nil, err
	}
	return &ProducerEndpoint{svc: svc, id: id, uid: uid, pid: pid}, nil
}

// ID returns the bound ProducerID, e.g. for a transport layer's own
// connection table.
func (e *ProducerEndpoint) ID() service.ProducerID { return e.id }

// BindSharedMemory attaches this producer's SMB region, resolving
// service-allocated vs. producer-provided ownership (spec.md §3).
func (e *ProducerEndpoint) BindSharedMemory(region *abi.Region, clientProvided bool) {
	e.svc.BindProducerSMB(e.id, region, clientProvided)
}

// RegisterDataSource implements spec.md §6.1.
func (e *ProducerEndpoint) RegisterDataSource(desc service.DataSourceDescriptor) {
	e.svc.RegisterDataSource(e.id, desc)
}

// UpdateDataSource implements spec.md §6.1.
func (e *ProducerEndpoint) UpdateDataSource(desc service.DataSourceDescriptor) {
	e.svc.UpdateDataSource(e.id, desc)
}

// UnregisterDataSource implements spec.md §6.1.
func (e *ProducerEndpoint) UnregisterDataSource(name string) {
	e.svc.UnregisterDataSource(e.id, name)
}

// CommitData implements spec.md §6.1: submit chunks-to-move and
// chunks-to-patch, stamping the request with this endpoint's bound
// ProducerID so a compromised or confused transport can't attribute a
// commit to a different producer than the one it authenticated as. The
// (context.Context, arbiter.CommitData) signature lets a ProducerEndpoint
// be handed directly to arbiter.New as its CommitDataSink.
func (e *ProducerEndpoint) CommitData(ctx context.Context, batch arbiter.CommitData) {
	batch.ProducerID = uint32(e.id)
	e.svc.CommitData(ctx, batch)
}

// RegisterTraceWriter implements spec.md §6.1.
func (e *ProducerEndpoint) RegisterTraceWriter(writerID uint16, buf service.BufferID) {
	e.svc.RegisterTraceWriter(e.id, writerID, buf)
}

// UnregisterTraceWriter implements spec.md §6.1.
func (e *ProducerEndpoint) UnregisterTraceWriter(writerID uint16) {
	e.svc.UnregisterTraceWriter(e.id, writerID)
}

// NotifyDataSourceStarted implements spec.md §6.1. The service looks
// the instance up by dsID alone; it does not check that the instance
// belongs to this producer.
func (e *ProducerEndpoint) NotifyDataSourceStarted(dsID service.DataSourceInstanceID) {
	e.svc.NotifyDataSourceStarted(dsID)
}

// NotifyDataSourceStopped implements spec.md §6.1.
func (e *ProducerEndpoint) NotifyDataSourceStopped(dsID service.DataSourceInstanceID) {
	e.svc.NotifyDataSourceStopped(dsID)
}

// NotifyFlushComplete implements spec.md §6.1's monotonic flush ack.
func (e *ProducerEndpoint) NotifyFlushComplete(req service.FlushRequestID) {
	e.svc.NotifyFlushComplete(e.id, req)
}

// ActivateTriggers implements spec.md §6.1 / §4.4.2.
func (e *ProducerEndpoint) ActivateTriggers(names []string) {
	e.svc.ActivateTriggers(e.id, names)
}

// Disconnect implements spec.md §3's producer-disconnect cascade.
func (e *ProducerEndpoint) Disconnect() {
	e.svc.DisconnectProducer(e.id)
}

func (e *ProducerEndpoint) String() string {
	return fmt.Sprintf("producer-endpoint(id=%d uid=%d pid=%d)", e.id, e.uid, e.pid)
}
