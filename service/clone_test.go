package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/traced/abi"
	"github.com/grafana/traced/arbiter"
	"github.com/grafana/traced/pkg/tracedpb"
	"github.com/grafana/traced/service"
	"github.com/grafana/traced/tracewriter"
)

type cloneTestProxy struct {
	service.NoopProducerProxy
	writer *tracewriter.TraceWriter
}

func (p *cloneTestProxy) Flush(req service.FlushRequestID, _ []service.DataSourceInstanceID, _ service.FlushFlags) {
	p.writer.Flush(uint64(req), nil)
}

func writeTestPacket(t *testing.T, ctx context.Context, writer *tracewriter.TraceWriter, str string) {
	t.Helper()
	pkt := tracedpb.TracePacket{ForTesting: &tracedpb.ForTesting{Str: []byte(str)}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = writer.NewTracePacket(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.AppendBytes(ctx, raw))
	require.NoError(t, writer.FinishTracePacket())
}

func flushAndWait(t *testing.T, svc *service.TracingService, sessID service.TracingSessionID) {
	t.Helper()
	done := make(chan bool, 1)
	svc.Flush(sessID, 2*time.Second, nil, service.FlushFlags{}, func(success bool) { done <- success })
	select {
	case success := <-done:
		require.True(t, success)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
}

func readForTestingPayloads(t *testing.T, svc *service.TracingService, sessID service.TracingSessionID) []string {
	t.Helper()
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
	return payloads
}

// TestCloneClearBeforeCloneExcludesPreCloneData implements spec.md
// §4.4.5 / §8's clone property: a buffer flagged clear_before_clone is
// reset at clone start, before the pre-clone flush — so the clone ends
// up with only the data written from clone start onward, and the
// original is left holding that same post-clone data (not the data
// that existed before the clone began).
func TestCloneClearBeforeCloneExcludesPreCloneData(t *testing.T) {
	ctx := context.Background()

	svc := service.New(service.Config{})
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	})

	proxy := &cloneTestProxy{}
	producerID, err := svc.RegisterProducer("clonetest", 1000, 1, proxy)
	require.NoError(t, err)

	region, err := abi.NewRegion(64*1024, 4096)
	require.NoError(t, err)
	svc.BindProducerSMB(producerID, region, false)
	svc.RegisterDataSource(producerID, service.DataSourceDescriptor{Name: "ds"})

	consumerID, err := svc.RegisterConsumer(1000)
	require.NoError(t, err)

	sessID, err := svc.EnableTracing(consumerID, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128, ClearBeforeClone: true}},
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

	writeTestPacket(t, ctx, writer, "pre-clone-packet")
	flushAndWait(t, svc, sessID)
	require.Equal(t, []string{"pre-clone-packet"}, readForTestingPayloads(t, svc, sessID))

	writeTestPacket(t, ctx, writer, "post-clone-packet")

	done := make(chan service.CloneResult, 1)
	svc.CloneSession(service.CloneArgs{SourceSessionID: sessID, RequesterUID: 1000}, func(res service.CloneResult) {
		done <- res
	})

	var result service.CloneResult
	select {
	case result = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for clone")
	}
	require.NoError(t, result.Err)

	clonePayloads := readForTestingPayloads(t, svc, result.ClonedSessionID)
	require.Equal(t, []string{"post-clone-packet"}, clonePayloads,
		fmt.Sprintf("clone must exclude data resident before clone start, got %v", clonePayloads))

	origPayloads := readForTestingPayloads(t, svc, sessID)
	require.Equal(t, []string{"post-clone-packet"}, origPayloads,
		"clear_before_clone must reset the original at clone start, not leave pre-clone data behind")
}
