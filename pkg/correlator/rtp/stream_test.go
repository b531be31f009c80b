package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmuPacket(seq uint16, rtpTs uint32, at time.Time) PacketInfo {
	return PacketInfo{
		FrameNumber:    uint32(seq),
		Timestamp:      at,
		SrcIP:          "10.100.1.50",
		SrcPort:        49170,
		DstIP:          "10.200.1.1",
		DstPort:        7078,
		PayloadType:    0, // PCMU
		SequenceNumber: seq,
		RTPTimestamp:   rtpTs,
		SSRC:           0x1234,
		PayloadSize:    160,
	}
}

func TestStream_PerfectStreamHasNoLossAndLowJitter(t *testing.T) {
	c := New()
	base := time.Unix(1700000000, 0)

	// 50 packets at exact 20 ms spacing, RTP clock 8 kHz (160/packet)
	for i := 0; i < 50; i++ {
		c.AddPacket(pcmuPacket(uint16(i+1), uint32(i)*160, base.Add(time.Duration(i)*20*time.Millisecond)))
	}
	c.Finalize()

	stream := c.FindBySsrcHelper(t, 0x1234)
	metrics := stream.CalculateMetrics()

	assert.Equal(t, uint32(50), metrics.PacketsReceived)
	assert.Equal(t, uint32(0), metrics.PacketsLost)
	assert.Equal(t, uint32(0), metrics.PacketsOutOfOrder)
	assert.Equal(t, uint32(0), metrics.PacketsDuplicated)
	assert.Less(t, metrics.JitterMs, 1.0)
	assert.Equal(t, "PCMU", metrics.CodecName)
	assert.Equal(t, uint32(8000), metrics.ClockRate)
	// Clean G.711 stream scores near the model ceiling
	assert.InDelta(t, 4.41, metrics.EstimatedMOS, 0.05)
}

func TestStream_LossDetection(t *testing.T) {
	c := New()
	base := time.Unix(1700000000, 0)

	// Sequence gap: 1,2,3, then 7,8 (4, 5 and 6 never arrive)
	seqs := []uint16{1, 2, 3, 7, 8}
	for i, seq := range seqs {
		c.AddPacket(pcmuPacket(seq, uint32(seq)*160, base.Add(time.Duration(i)*20*time.Millisecond)))
	}

	metrics := c.FindBySsrcHelper(t, 0x1234).CalculateMetrics()
	// Expected transitions sum to 7; 5 unique seen; 2 net missing
	assert.Equal(t, uint32(2), metrics.PacketsLost)
	assert.Greater(t, metrics.PacketLossRate, 0.0)
}

func TestStream_SequenceWraparound(t *testing.T) {
	c := New()
	base := time.Unix(1700000000, 0)

	seqs := []uint16{65534, 65535, 0, 1}
	for i, seq := range seqs {
		c.AddPacket(pcmuPacket(seq, uint32(i)*160, base.Add(time.Duration(i)*20*time.Millisecond)))
	}

	metrics := c.FindBySsrcHelper(t, 0x1234).CalculateMetrics()
	assert.Equal(t, uint32(1), metrics.SeqCycles)
	assert.Equal(t, uint32(0), metrics.PacketsLost)
	assert.Equal(t, uint32(0), metrics.PacketsOutOfOrder)
}

func TestStream_OutOfOrderDetection(t *testing.T) {
	c := New()
	base := time.Unix(1700000000, 0)

	seqs := []uint16{1, 3, 2, 4}
	for i, seq := range seqs {
		c.AddPacket(pcmuPacket(seq, uint32(seq)*160, base.Add(time.Duration(i)*20*time.Millisecond)))
	}

	metrics := c.FindBySsrcHelper(t, 0x1234).CalculateMetrics()
	assert.Equal(t, uint32(1), metrics.PacketsOutOfOrder)
}

func TestStream_DuplicateDetection(t *testing.T) {
	c := New()
	base := time.Unix(1700000000, 0)

	seqs := []uint16{1, 2, 2, 3}
	for i, seq := range seqs {
		c.AddPacket(pcmuPacket(seq, uint32(seq)*160, base.Add(time.Duration(i)*20*time.Millisecond)))
	}

	metrics := c.FindBySsrcHelper(t, 0x1234).CalculateMetrics()
	assert.Equal(t, uint32(1), metrics.PacketsDuplicated)
}

func TestEstimateMOS_CodecAndLoss(t *testing.T) {
	clean := EstimateMOS("PCMU", 0, 0)
	assert.InDelta(t, 4.41, clean, 0.05)

	// Loss degrades the estimate
	lossy := EstimateMOS("PCMU", 0.02, 0)
	assert.Less(t, lossy, clean)

	// G.729 starts below G.711
	g729 := EstimateMOS("G729", 0, 0)
	assert.Less(t, g729, clean)

	// Heavy loss and jitter stay clamped to the valid range
	floor := EstimateMOS("G723", 0.5, 200)
	assert.GreaterOrEqual(t, floor, 1.0)
	assert.LessOrEqual(t, floor, 4.5)
}

func TestEstimateMOS_JitterPenaltyOnlyAbove20ms(t *testing.T) {
	noJitter := EstimateMOS("AMR", 0, 10)
	withJitter := EstimateMOS("AMR", 0, 50)

	assert.Equal(t, EstimateMOS("AMR", 0, 0), noJitter)
	assert.Less(t, withJitter, noJitter)
}

func TestCorrelator_BindUEEndpoint(t *testing.T) {
	c := New()
	base := time.Unix(1700000000, 0)

	c.AddPacket(pcmuPacket(1, 160, base))
	c.AddPacket(pcmuPacket(2, 320, base.Add(20*time.Millisecond)))

	bound := c.BindUEEndpoint("10.100.1.50", 49170, "10.100.1.50")
	require.Len(t, bound, 1)
	assert.Equal(t, DirectionUplink, bound[0].Direction)
	assert.Equal(t, "10.100.1.50", bound[0].UEIP)

	byUE := c.FindByUEIP("10.100.1.50")
	require.Len(t, byUE, 1)
	assert.Equal(t, uint32(0x1234), byUE[0].SSRC)
}

func TestCorrelator_StreamsGroupedBySSRC(t *testing.T) {
	c := New()
	base := time.Unix(1700000000, 0)

	p1 := pcmuPacket(1, 160, base)
	p2 := pcmuPacket(2, 320, base.Add(20*time.Millisecond))
	other := pcmuPacket(1, 160, base)
	other.SSRC = 0x9999

	c.AddPacket(p1)
	c.AddPacket(p2)
	c.AddPacket(other)

	assert.Equal(t, 2, c.Stats().TotalStreams)
	assert.Equal(t, 3, c.Stats().TotalPackets)
	require.NotNil(t, c.FindBySSRC(0x9999))
	assert.Len(t, c.FindBySSRC(0x1234).Packets, 2)
}

// FindBySsrcHelper fails the test when the stream is missing.
func (c *Correlator) FindBySsrcHelper(t *testing.T, ssrc uint32) *Stream {
	t.Helper()
	stream := c.FindBySSRC(ssrc)
	require.NotNil(t, stream)
	return stream
}
