package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/traced/service"
)

// TestFlushMonotonicAck implements spec.md §8 scenario 4: three flushes
// with a generous timeout and a fourth with a 10ms one; the producer
// acks only the third id. The monotonic-ack rule resolves flushes 1-3
// with success, and the fourth times out with failure.
func TestFlushMonotonicAck(t *testing.T) {
	ctx := context.Background()

	svc := service.New(service.Config{})
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	})

	// The proxy never forwards anywhere: acks are injected directly via
	// NotifyFlushComplete, the way a transport would relay them.
	proxy := &harnessProxy{}
	producerID, err := svc.RegisterProducer("producer1", 1000, 1, proxy)
	require.NoError(t, err)
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

	results := make([]chan bool, 4)
	fids := make([]service.FlushRequestID, 4)
	for i := 0; i < 4; i++ {
		results[i] = make(chan bool, 1)
		timeout := 30 * time.Second
		if i == 3 {
			timeout = 10 * time.Millisecond
		}
		ch := results[i]
		fids[i] = svc.Flush(sessID, timeout, nil, service.FlushFlags{}, func(ok bool) { ch <- ok })
		require.NotZero(t, fids[i])
	}
	require.True(t, fids[0] < fids[1] && fids[1] < fids[2] && fids[2] < fids[3])

	svc.NotifyFlushComplete(producerID, fids[2])

	for i := 0; i < 3; i++ {
		select {
		case ok := <-results[i]:
			require.True(t, ok, "flush %d should succeed via the monotonic ack for flush 3", i+1)
		case <-time.After(time.Second):
			t.Fatalf("flush %d never resolved", i+1)
		}
	}

	select {
	case ok := <-results[3]:
		require.False(t, ok, "flush 4 was never acked and must time out as failure")
	case <-time.After(time.Second):
		t.Fatal("flush 4 never resolved")
	}
}

// TestFlushTimeoutFiresFailure: a flush nobody acks resolves false
// after its own timeout, and the session keeps working (spec.md §7).
func TestFlushTimeoutFiresFailure(t *testing.T) {
	ctx := context.Background()

	svc := service.New(service.Config{})
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	})

	proxy := &harnessProxy{}
	producerID, err := svc.RegisterProducer("producer1", 1000, 1, proxy)
	require.NoError(t, err)
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

	done := make(chan bool, 1)
	fid := svc.Flush(sessID, 20*time.Millisecond, nil, service.FlushFlags{}, func(ok bool) { done <- ok })
	require.NotZero(t, fid)

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("flush never timed out")
	}

	// A late ack for an already-expired flush must not re-fire anything.
	svc.NotifyFlushComplete(producerID, fid)
	select {
	case <-done:
		t.Fatal("expired flush fired its callback twice")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestFlushExcludesNoFlushDataSources: a producer whose only data
// source is no_flush is left out of the fan-out entirely, so a flush
// against such a session resolves without it (spec.md §4.4.3 step 1).
func TestFlushExcludesNoFlushDataSources(t *testing.T) {
	ctx := context.Background()

	svc := service.New(service.Config{})
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	})

	proxy := &harnessProxy{}
	producerID, err := svc.RegisterProducer("producer1", 1000, 1, proxy)
	require.NoError(t, err)
	svc.RegisterDataSource(producerID, service.DataSourceDescriptor{Name: "ds", NoFlush: true})

	consumerID, err := svc.RegisterConsumer(1000)
	require.NoError(t, err)
	sessID, err := svc.EnableTracing(consumerID, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
	})
	require.NoError(t, err)

	fid := svc.Flush(sessID, time.Second, nil, service.FlushFlags{}, nil)
	require.Zero(t, fid, "no flush-capable producers means no pending flush at all")

	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	require.Empty(t, proxy.flushReqs)
}
