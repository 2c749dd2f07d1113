package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/traced/service"
)

// TestTriggerStopTracing implements spec.md §8 scenario 3: a
// STOP_TRACING trigger admitted after 10 payload packets leaves
// ReadBuffers holding a Trigger{t1} packet plus all 10 payloads.
func TestTriggerStopTracing(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
		TriggerConfig: &service.TriggerConfig{
			TriggerMode:    service.TriggerModeStopTracing,
			TriggerTimeout: 30 * time.Second,
			Triggers:       []service.TriggerRule{{Name: "t1", StopDelayMs: 1}},
		},
	})

	want := make([]string, 10)
	for i := range want {
		want[i] = "payload" + string(rune('0'+i))
		h.writePayload(t, want[i])
	}
	h.flushWait(t)

	h.svc.ActivateTriggers(h.producerID, []string{"t1"})

	require.Eventually(t, func() bool {
		pkts := h.readPackets(t, h.sessID)
		return len(payloadsOf(pkts)) == 10 && len(triggerNamesOf(pkts)) == 1
	}, 3*time.Second, 20*time.Millisecond)

	pkts := h.readPackets(t, h.sessID)
	require.Equal(t, want, payloadsOf(pkts))
	require.Equal(t, []string{"t1"}, triggerNamesOf(pkts))
	for _, p := range pkts {
		if p.Trigger != nil {
			require.Equal(t, "producer1", p.Trigger.ProducerName)
		}
	}
}

// TestTriggerStartTracingStartsDeferredSession covers spec.md §4.4.2's
// START_TRACING mode: a deferred session only starts once a matching
// trigger is admitted, and the admission is recorded as a Trigger
// packet ahead of the data.
func TestTriggerStartTracingStartsDeferredSession(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
		DeferredStart: true,
		TriggerConfig: &service.TriggerConfig{
			TriggerMode:    service.TriggerModeStartTracing,
			TriggerTimeout: time.Hour,
			Triggers:       []service.TriggerRule{{Name: "go", StopDelayMs: 600000}},
		},
	})

	h.svc.ActivateTriggers(h.producerID, []string{"go"})

	h.writePayload(t, "after-trigger")
	h.flushWait(t)

	require.Eventually(t, func() bool {
		pkts := h.readPackets(t, h.sessID)
		return len(triggerNamesOf(pkts)) == 1 && len(payloadsOf(pkts)) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

// TestTriggerWindowExpiryTearsDownDeferredSession covers spec.md
// §4.4.2's timeout rule: a START_TRACING session whose trigger window
// closes with no admitted trigger reads back empty — even data flushed
// in before the window closed is gone.
func TestTriggerWindowExpiryTearsDownDeferredSession(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
		DeferredStart: true,
		TriggerConfig: &service.TriggerConfig{
			TriggerMode:    service.TriggerModeStartTracing,
			TriggerTimeout: 50 * time.Millisecond,
			Triggers:       []service.TriggerRule{{Name: "never", StopDelayMs: 1}},
		},
	})

	h.writePayload(t, "doomed")
	h.flushWait(t)

	require.Eventually(t, func() bool {
		return len(h.readPackets(t, h.sessID)) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

// TestTriggerSkipProbabilityOneDropsEveryTrigger: a skip_probability of
// 1.0 means every uniform [0,1) draw falls below it, so the trigger is
// never admitted (spec.md §4.4.2 step 1).
func TestTriggerSkipProbabilityOneDropsEveryTrigger(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
		TriggerConfig: &service.TriggerConfig{
			TriggerMode:    service.TriggerModeStopTracing,
			TriggerTimeout: 30 * time.Second,
			Triggers:       []service.TriggerRule{{Name: "t1", StopDelayMs: 1, SkipProbability: 1.0}},
		},
	})

	for i := 0; i < 5; i++ {
		h.svc.ActivateTriggers(h.producerID, []string{"t1"})
	}
	require.Empty(t, triggerNamesOf(h.readPackets(t, h.sessID)))
}

// TestTriggerQuotaCapsAdmissionsPer24h: with max_per_24_h=1, the second
// activation of the same rule name is rejected by the quota (spec.md
// §4.4.2 step 2 / §8's quota property).
func TestTriggerQuotaCapsAdmissionsPer24h(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
		TriggerConfig: &service.TriggerConfig{
			TriggerMode:    service.TriggerModeStopTracing,
			TriggerTimeout: 30 * time.Second,
			Triggers:       []service.TriggerRule{{Name: "t-quota", StopDelayMs: 60000, MaxPer24H: 1}},
		},
	})

	h.svc.ActivateTriggers(h.producerID, []string{"t-quota"})
	h.svc.ActivateTriggers(h.producerID, []string{"t-quota"})

	require.Equal(t, []string{"t-quota"}, triggerNamesOf(h.readPackets(t, h.sessID)))
}

// TestTriggerProducerNameRegexGate: a trigger rule whose
// producer_name_regex doesn't match the activating producer is ignored
// (spec.md §4.4.2 step 1).
func TestTriggerProducerNameRegexGate(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
		TriggerConfig: &service.TriggerConfig{
			TriggerMode:    service.TriggerModeStopTracing,
			TriggerTimeout: 30 * time.Second,
			Triggers: []service.TriggerRule{
				{Name: "t1", StopDelayMs: 1, ProducerNameRegex: "^someone-else$"},
			},
		},
	})

	h.svc.ActivateTriggers(h.producerID, []string{"t1"})
	require.Empty(t, triggerNamesOf(h.readPackets(t, h.sessID)))
}
