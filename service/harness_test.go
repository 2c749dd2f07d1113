package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/arbiter"
	"github.com/grafana/traced/pkg/tracedpb"
	"github.com/grafana/traced/service"
	"github.com/grafana/traced/tracewriter"
)

// harnessProxy forwards the service's Flush requests straight into the
// in-process TraceWriter (the role a real transport's flush-dispatch
// RPC plays), recording every request id it sees along the way.
type harnessProxy struct {
	service.NoopProducerProxy

	mu        sync.Mutex
	writer    *tracewriter.TraceWriter
	flushReqs []service.FlushRequestID
}

func (p *harnessProxy) Flush(req service.FlushRequestID, _ []service.DataSourceInstanceID, _ service.FlushFlags) {
	p.mu.Lock()
	p.flushReqs = append(p.flushReqs, req)
	w := p.writer
	p.mu.Unlock()
	if w != nil {
		w.Flush(uint64(req), nil)
	}
}

func (p *harnessProxy) setWriter(w *tracewriter.TraceWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = w
}

// harness wires a full in-process stack — service, one producer with a
// real SMB region and arbiter, one writer, one consumer-owned session —
// the same layering endpoint_test.go's round-trip test builds by hand.
type harness struct {
	svc        *service.TracingService
	proxy      *harnessProxy
	producerID service.ProducerID
	consumerID service.ConsumerID
	sessID     service.TracingSessionID
	writer     *tracewriter.TraceWriter
	writerID   uint16
}

// harnessTargetBuffer is the BufferID a fresh service hands the first
// (and, in these tests, only) buffer of the first session: idpool
// reserves 0 for "invalid" and allocates from 1.
const harnessTargetBuffer = service.BufferID(1)

func newHarness(t *testing.T, uid int32, cfg *service.TraceConfig) *harness {
	t.Helper()
	ctx := context.Background()

	svc := service.New(service.Config{})
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	})

	proxy := &harnessProxy{}
	producerID, err := svc.RegisterProducer("producer1", uid, 1, proxy)
	require.NoError(t, err)

	region, err := abi.NewRegion(64*1024, 4096)
	require.NoError(t, err)
	svc.BindProducerSMB(producerID, region, false)
	svc.RegisterDataSource(producerID, service.DataSourceDescriptor{Name: "ds"})

	consumerID, err := svc.RegisterConsumer(uid)
	require.NoError(t, err)

	sessID, err := svc.EnableTracing(consumerID, cfg)
	require.NoError(t, err)

	arb := arbiter.New(arbiter.Config{Layout: abi.Layout4Chunks}, region, uint32(producerID), svc)
	require.NoError(t, arb.StartAsync(ctx))
	require.NoError(t, arb.AwaitRunning(ctx))
	t.Cleanup(func() {
		arb.StopAsync()
		_ = arb.AwaitTerminated(ctx)
	})

	writerID, ok := arb.AllocWriterID()
	require.True(t, ok)
	writer := tracewriter.New(arb, writerID, uint16(harnessTargetBuffer), arbiter.PolicyStall)
	svc.RegisterTraceWriter(producerID, writerID, harnessTargetBuffer)
	proxy.setWriter(writer)

	return &harness{
		svc:        svc,
		proxy:      proxy,
		producerID: producerID,
		consumerID: consumerID,
		sessID:     sessID,
		writer:     writer,
		writerID:   writerID,
	}
}

// writePacket emits one already-marshaled TracePacket through the
// writer, whole.
func (h *harness) writePacket(t *testing.T, pkt tracedpb.TracePacket) {
	t.Helper()
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	ctx := context.Background()
	_, err = h.writer.NewTracePacket(ctx)
	require.NoError(t, err)
	require.NoError(t, h.writer.AppendBytes(ctx, raw))
	require.NoError(t, h.writer.FinishTracePacket())
}

func (h *harness) writePayload(t *testing.T, str string) {
	t.Helper()
	h.writePacket(t, tracedpb.TracePacket{ForTesting: &tracedpb.ForTesting{Str: []byte(str)}})
}

// flushWait drives a full Flush round-trip and requires success.
func (h *harness) flushWait(t *testing.T) {
	t.Helper()
	done := make(chan bool, 1)
	h.svc.Flush(h.sessID, 2*time.Second, nil, service.FlushFlags{}, func(success bool) { done <- success })
	select {
	case success := <-done:
		require.True(t, success)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
}

// readPackets returns every decodable packet ReadBuffers delivers for
// sessID, in delivery order.
func (h *harness) readPackets(t *testing.T, sessID service.TracingSessionID) []tracedpb.TracePacket {
	t.Helper()
	var out []tracedpb.TracePacket
	require.NoError(t, h.svc.ReadBuffers(sessID, func(raw []byte) {
		var pkt tracedpb.TracePacket
		if err := pkt.Unmarshal(raw); err != nil {
			return
		}
		out = append(out, pkt)
	}))
	return out
}

func payloadsOf(pkts []tracedpb.TracePacket) []string {
	var out []string
	for _, p := range pkts {
		if p.ForTesting != nil {
			out = append(out, string(p.ForTesting.Str))
		}
	}
	return out
}

func triggerNamesOf(pkts []tracedpb.TracePacket) []string {
	var out []string
	for _, p := range pkts {
		if p.Trigger != nil {
			out = append(out, p.Trigger.TriggerName)
		}
	}
	return out
}
