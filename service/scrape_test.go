package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/traced/service"
)

// TestScrapeOnProducerDisconnect implements spec.md §8 scenario 6: a
// writer emits three complete packets and a fourth partial one, then
// the producer disconnects without ever flushing. With scraping
// enabled, the service lifts the three complete packets straight out of
// the still-BeingWritten SMB chunk; the partial fourth never appears.
func TestScrapeOnProducerDisconnect(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
	})
	h.svc.SetSMBScrapingEnabled(true)

	for _, p := range []string{"one", "two", "three"} {
		h.writePayload(t, p)
	}

	// Open a fourth packet and write part of it, but never finish it:
	// the chunk's packet_count now counts the open packet too, and the
	// scraper must stop one short of it (spec.md §4.4.6).
	ctx := context.Background()
	_, err := h.writer.NewTracePacket(ctx)
	require.NoError(t, err)
	require.NoError(t, h.writer.AppendBytes(ctx, []byte{0x12}))

	h.svc.DisconnectProducer(h.producerID)

	pkts := h.readPackets(t, h.sessID)
	require.Equal(t, []string{"one", "two", "three"}, payloadsOf(pkts))
}

// TestScrapeDisabledLosesUncommittedData is the control for the above:
// without scraping, a disconnect before any flush leaves the buffer
// empty — nothing but the preamble comes back.
func TestScrapeDisabledLosesUncommittedData(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
	})

	for _, p := range []string{"one", "two", "three"} {
		h.writePayload(t, p)
	}
	h.svc.DisconnectProducer(h.producerID)

	require.Empty(t, payloadsOf(h.readPackets(t, h.sessID)))
}

// TestScrapeSingleOpenPacketYieldsNothing: a chunk whose packet_count
// is 1 holds only the currently-open packet, so scraping it produces no
// packets at all (spec.md §4.4.6's boundary case).
func TestScrapeSingleOpenPacketYieldsNothing(t *testing.T) {
	h := newHarness(t, 1000, &service.TraceConfig{
		Buffers: []service.BufferConfig{{SizeKB: 128}},
		DataSources: []service.DataSourceConfigEntry{
			{Config: service.DataSourceConfig{Name: "ds", TargetBuffer: 0}},
		},
	})
	h.svc.SetSMBScrapingEnabled(true)

	ctx := context.Background()
	_, err := h.writer.NewTracePacket(ctx)
	require.NoError(t, err)
	require.NoError(t, h.writer.AppendBytes(ctx, []byte("half-written")))

	h.svc.DisconnectProducer(h.producerID)

	require.Empty(t, payloadsOf(h.readPackets(t, h.sessID)))
}
