package endpoint_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/arbiter"
	"github.com/grafana/traced/pkg/tracedpb"
	"github.com/grafana/traced/service"
	"github.com/grafana/traced/service/endpoint"
	"github.com/grafana/traced/tracewriter"
)

// flushingProxy is the one outbound call a transport-free, in-process
// test actually needs to drive: forwarding the service's Flush request
// down to the producer's TraceWriter so the arbiter pushes a
// CommitData batch carrying the flush_request_id straight back through
// CommitData, and relaying the service's resulting NotifyFlushAcked
// call back into the same TraceWriter so its onAck callback fires
// (spec.md §4.3 / §4.4.3 step 4).
type flushingProxy struct {
	service.NoopProducerProxy
	writer     *tracewriter.TraceWriter
	flushAcked atomic.Bool
}

func (p *flushingProxy) Flush(req service.FlushRequestID, _ []service.DataSourceInstanceID, _ service.FlushFlags) {
	p.writer.Flush(uint64(req), func() { p.flushAcked.Store(true) })
}

func (p *flushingProxy) NotifyFlushAcked(req service.FlushRequestID) {
	p.writer.AckFlush(uint64(req))
}

// TestBasicRoundTrip implements spec.md §8 scenario 1: a producer
// registers one data source, a consumer enables a one-buffer session
// targeting it, a writer emits 12 small packets, and ReadBuffers
// returns exactly those 12 payloads after DisableTracing.
func TestBasicRoundTrip(t *testing.T) {
	ctx := context.Background()

	svc := service.New(service.Config{})
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	})

	proxy := &flushingProxy{}
	producerEP, err := endpoint.NewProducerEndpoint(svc, "producer1", 1000, 4242, proxy)
	require.NoError(t, err)

	region, err := abi.NewRegion(64*1024, 4096)
	require.NoError(t, err)
	producerEP.BindSharedMemory(region, false)
	producerEP.RegisterDataSource(service.DataSourceDescriptor{Name: "ds"})

	consumerEP, err := endpoint.NewConsumerEndpoint(svc, 1000)
	require.NoError(t, err)

	sessID, err := consumerEP.EnableTracing(&service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
	})
	require.NoError(t, err)

	// A fresh TracingService's BufferID pool starts at 1 (idpool.New
	// reserves 0 for "invalid"); this is the only buffer this test
	// allocates, so buffer index 0 resolved to BufferID(1).
	const targetBuffer = service.BufferID(1)

	arb := arbiter.New(arbiter.Config{Layout: abi.Layout4Chunks}, region, uint32(producerEP.ID()), producerEP)
	require.NoError(t, arb.StartAsync(ctx))
	require.NoError(t, arb.AwaitRunning(ctx))
	t.Cleanup(func() {
		arb.StopAsync()
		_ = arb.AwaitTerminated(ctx)
	})

	writerID, ok := arb.AllocWriterID()
	require.True(t, ok)
	writer := tracewriter.New(arb, writerID, uint16(targetBuffer), arbiter.PolicyStall)
	producerEP.RegisterTraceWriter(writerID, targetBuffer)
	proxy.writer = writer

	for i := 0; i < 12; i++ {
		pkt := tracedpb.TracePacket{ForTesting: &tracedpb.ForTesting{Str: []byte(fmt.Sprintf("payload-%d", i))}}
		raw, err := pkt.Marshal()
		require.NoError(t, err)

		_, err = writer.NewTracePacket(ctx)
		require.NoError(t, err)
		require.NoError(t, writer.AppendBytes(ctx, raw))
		require.NoError(t, writer.FinishTracePacket())
	}

	done := make(chan bool, 1)
	consumerEP.Flush(sessID, 2*time.Second, func(success bool) { done <- success }, service.FlushFlags{})
	select {
	case success := <-done:
		require.True(t, success)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
	require.True(t, proxy.flushAcked.Load(), "producer's own onAck should fire once the service acks the flush")

	require.NoError(t, consumerEP.DisableTracing(sessID))

	var payloads []string
	require.NoError(t, consumerEP.ReadBuffers(sessID, func(raw []byte) {
		var pkt tracedpb.TracePacket
		if err := pkt.Unmarshal(raw); err != nil {
			return
		}
		if pkt.ForTesting != nil {
			payloads = append(payloads, string(pkt.ForTesting.Str))
		}
	}))

	require.Len(t, payloads, 12)
	for i, p := range payloads {
		require.Equal(t, fmt.Sprintf("payload-%d", i), p)
	}
}
