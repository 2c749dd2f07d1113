package tracewriter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/arbiter"
	"github.com/grafana/traced/pkg/tracedpb"
	"github.com/grafana/traced/service"
	"github.com/grafana/traced/tracewriter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type flushingProxy struct {
	service.NoopProducerProxy
	writer *tracewriter.TraceWriter
}

func (p *flushingProxy) Flush(req service.FlushRequestID, _ []service.DataSourceInstanceID, _ service.FlushFlags) {
	p.writer.Flush(uint64(req), nil)
}

// TestFragmentedPacketReassembles implements spec.md §8 scenario 2: a
// packet too large to fit in a single SMB chunk is fragmented across
// several small chunks (Layout14Chunks over a handful of 4096-byte
// pages), and the service's chunk-stitching index reassembles it back
// into one contiguous payload once read out through ReadBuffers —
// exercising the reserved-length-prefix-plus-patch mechanism
// tracewriter.TraceWriter implements for spec.md §4.3.
func TestFragmentedPacketReassembles(t *testing.T) {
	ctx := context.Background()

	svc := service.New(service.Config{})
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	})

	proxy := &flushingProxy{}
	producerID, err := svc.RegisterProducer("fragtest", 1000, 1, proxy)
	require.NoError(t, err)

	// Small pages with 14 chunks each keep each chunk's payload well
	// under 300 bytes, so a several-KB packet must span many chunks.
	region, err := abi.NewRegion(4096*6, 4096)
	require.NoError(t, err)
	svc.BindProducerSMB(producerID, region, false)
	svc.RegisterDataSource(producerID, service.DataSourceDescriptor{Name: "ds"})

	consumerID, err := svc.RegisterConsumer(1000)
	require.NoError(t, err)

	sessID, err := svc.EnableTracing(consumerID, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 256}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
	})
	require.NoError(t, err)
	const targetBuffer = service.BufferID(1)

	arb := arbiter.New(arbiter.Config{Layout: abi.Layout14Chunks}, region, uint32(producerID), svc)
	require.NoError(t, arb.StartAsync(ctx))
	require.NoError(t, arb.AwaitRunning(ctx))
	t.Cleanup(func() {
		arb.StopAsync()
		_ = arb.AwaitTerminated(ctx)
	})

	writerID, ok := arb.AllocWriterID()
	require.True(t, ok)
	writer := tracewriter.New(arb, writerID, uint16(targetBuffer), arbiter.PolicyStall)
	svc.RegisterTraceWriter(producerID, writerID, targetBuffer)
	proxy.writer = writer

	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	pkt := tracedpb.TracePacket{ForTesting: &tracedpb.ForTesting{Str: payload}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	_, err = writer.NewTracePacket(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.AppendBytes(ctx, raw))
	require.NoError(t, writer.FinishTracePacket())

	done := make(chan bool, 1)
	svc.Flush(sessID, 2*time.Second, nil, service.FlushFlags{}, func(success bool) { done <- success })
	select {
	case success := <-done:
		require.True(t, success)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for flush")
	}

	require.NoError(t, svc.DisableTracing(sessID))

	var payloads [][]byte
	require.NoError(t, svc.ReadBuffers(sessID, func(raw []byte) {
		var pkt tracedpb.TracePacket
		if err := pkt.Unmarshal(raw); err != nil {
			return
		}
		if pkt.ForTesting != nil {
			payloads = append(payloads, pkt.ForTesting.Str)
		}
	}))

	require.Len(t, payloads, 1)
	require.Equal(t, payload, payloads[0])
}

// TestBindStartupWriterReplaysColdStartPackets covers spec.md §4.2's
// startup-buffering handoff end to end: packets written into a
// StartupTraceWriter before any SMB exists are replayed through a real
// TraceWriter at bind time and read back in write order, followed by a
// packet written directly after the bind.
func TestBindStartupWriterReplaysColdStartPackets(t *testing.T) {
	ctx := context.Background()

	// Cold start: no region, no arbiter — just the heap buffer.
	startup := arbiter.NewStartupTraceWriter(64 * 1024)
	for _, s := range []string{"cold-0", "cold-1", "cold-2"} {
		pkt := tracedpb.TracePacket{ForTesting: &tracedpb.ForTesting{Str: []byte(s)}}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		require.True(t, startup.Append(raw))
	}

	svc := service.New(service.Config{})
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	})

	proxy := &flushingProxy{}
	producerID, err := svc.RegisterProducer("coldstart", 1000, 1, proxy)
	require.NoError(t, err)

	region, err := abi.NewRegion(64*1024, 4096)
	require.NoError(t, err)
	svc.BindProducerSMB(producerID, region, false)
	svc.RegisterDataSource(producerID, service.DataSourceDescriptor{Name: "ds"})

	consumerID, err := svc.RegisterConsumer(1000)
	require.NoError(t, err)
	sessID, err := svc.EnableTracing(consumerID, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
	})
	require.NoError(t, err)
	const targetBuffer = service.BufferID(1)

	arb := arbiter.New(arbiter.Config{Layout: abi.Layout4Chunks}, region, uint32(producerID), svc)
	require.NoError(t, arb.StartAsync(ctx))
	require.NoError(t, arb.AwaitRunning(ctx))
	t.Cleanup(func() {
		arb.StopAsync()
		_ = arb.AwaitTerminated(ctx)
	})

	writerID, ok := arb.AllocWriterID()
	require.True(t, ok)
	writer := tracewriter.New(arb, writerID, uint16(targetBuffer), arbiter.PolicyStall)
	svc.RegisterTraceWriter(producerID, writerID, targetBuffer)
	proxy.writer = writer

	require.NoError(t, writer.BindStartupWriter(ctx, startup))
	require.Zero(t, startup.Len(), "bind drains the startup buffer")

	pkt := tracedpb.TracePacket{ForTesting: &tracedpb.ForTesting{Str: []byte("live-0")}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = writer.NewTracePacket(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.AppendBytes(ctx, raw))
	require.NoError(t, writer.FinishTracePacket())

	done := make(chan bool, 1)
	svc.Flush(sessID, 2*time.Second, nil, service.FlushFlags{}, func(success bool) { done <- success })
	select {
	case success := <-done:
		require.True(t, success)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for flush")
	}

	var payloads []string
	require.NoError(t, svc.ReadBuffers(sessID, func(raw []byte) {
		var pkt tracedpb.TracePacket
		if err := pkt.Unmarshal(raw); err != nil {
			return
		}
		if pkt.ForTesting != nil {
			payloads = append(payloads, string(pkt.ForTesting.Str))
		}
	}))
	require.Equal(t, []string{"cold-0", "cold-1", "cold-2", "live-0"}, payloads)
}
