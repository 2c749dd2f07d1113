package tracedpb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracePacketRoundTrip(t *testing.T) {
	p := &TracePacket{
		HasTimestamp:            true,
		Timestamp:               12345,
		ForTesting:              &ForTesting{Str: []byte("payload-0")},
		TrustedUID:              1000,
		TrustedPID:              42,
		TrustedPacketSequenceID: 7,
		FirstPacketOnSequence:   true,
	}

	b, err := p.Marshal()
	require.NoError(t, err)

	var got TracePacket
	require.NoError(t, got.Unmarshal(b))

	assert.Equal(t, p.Timestamp, got.Timestamp)
	assert.Equal(t, p.ForTesting.Str, got.ForTesting.Str)
	assert.Equal(t, p.TrustedUID, got.TrustedUID)
	assert.Equal(t, p.TrustedPID, got.TrustedPID)
	assert.Equal(t, p.TrustedPacketSequenceID, got.TrustedPacketSequenceID)
	assert.True(t, got.FirstPacketOnSequence)
	assert.False(t, got.PreviousPacketDropped)
}

func TestTracePacketOmitsAbsentTimestamp(t *testing.T) {
	p := &TracePacket{Trigger: &Trigger{TriggerName: "t1", ProducerName: "producer"}}

	b, err := p.Marshal()
	require.NoError(t, err)

	var got TracePacket
	require.NoError(t, got.Unmarshal(b))

	assert.False(t, got.HasTimestamp)
	assert.Equal(t, "t1", got.Trigger.TriggerName)
	assert.Equal(t, "producer", got.Trigger.ProducerName)
}

func TestTracingServiceEventRoundTrip(t *testing.T) {
	p := &TracePacket{
		TracingServiceEvent: &TracingServiceEvent{
			TracingStarted:           true,
			ReadTracingBuffersCompleted: true,
			LastFlushSlowDataSources: []string{"ds1", "ds2"},
		},
	}

	b, err := p.Marshal()
	require.NoError(t, err)

	var got TracePacket
	require.NoError(t, got.Unmarshal(b))

	require.NotNil(t, got.TracingServiceEvent)
	assert.True(t, got.TracingServiceEvent.TracingStarted)
	assert.True(t, got.TracingServiceEvent.ReadTracingBuffersCompleted)
	assert.False(t, got.TracingServiceEvent.TracingDisabled)
	assert.Equal(t, []string{"ds1", "ds2"}, got.TracingServiceEvent.LastFlushSlowDataSources)
}

func TestReservedVarintPadding(t *testing.T) {
	buf := make([]byte, ReservedSizeFieldLen)
	PutReservedVarint(buf, 5)
	assert.Equal(t, uint32(5), ReservedVarint(buf))

	// every byte but the last must carry the continuation bit, even
	// though the value fits in one 7-bit group.
	assert.Equal(t, byte(0x85), buf[0])
	assert.Equal(t, byte(0x80), buf[1])
	assert.Equal(t, byte(0x80), buf[2])
	assert.Equal(t, byte(0x00), buf[3])

	PutReservedVarint(buf, 1024)
	assert.Equal(t, uint32(1024), ReservedVarint(buf))
}
