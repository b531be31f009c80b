package rtp

import (
	"math"
	"time"
)

// PacketInfo is one RTP packet as handed over by the decoder.
type PacketInfo struct {
	FrameNumber uint32    `json:"frame_number"`
	Timestamp   time.Time `json:"timestamp"` // arrival time

	SrcIP   string `json:"src_ip"`
	SrcPort uint16 `json:"src_port"`
	DstIP   string `json:"dst_ip"`
	DstPort uint16 `json:"dst_port"`

	Marker         bool   `json:"marker"`
	PayloadType    uint8  `json:"payload_type"`
	SequenceNumber uint16 `json:"sequence_number"`
	RTPTimestamp   uint32 `json:"rtp_timestamp"`
	SSRC           uint32 `json:"ssrc"`

	PayloadSize int `json:"payload_size"`
}

// Direction of a stream relative to the UE. Unset until the VoLTE
// correlator binds the UE media endpoint.
type Direction string

const (
	DirectionUnknown  Direction = "UNKNOWN"
	DirectionUplink   Direction = "UPLINK"
	DirectionDownlink Direction = "DOWNLINK"
)

// QualityMetrics are the derived per-stream statistics.
type QualityMetrics struct {
	PacketsReceived   uint32 `json:"packets_received"`
	PacketsLost       uint32 `json:"packets_lost"`
	PacketsOutOfOrder uint32 `json:"packets_out_of_order"`
	PacketsDuplicated uint32 `json:"packets_duplicated"`

	PacketLossRate float64 `json:"packet_loss_rate"` // 0.0 - 1.0

	JitterMs    float64 `json:"jitter_ms"` // RFC 3550 interarrival jitter
	MaxJitterMs float64 `json:"max_jitter_ms"`

	EstimatedMOS float64 `json:"estimated_mos,omitempty"` // 0 when not computable

	PayloadType uint8  `json:"payload_type"`
	CodecName   string `json:"codec_name"`
	ClockRate   uint32 `json:"clock_rate"`

	FirstSeq  uint16 `json:"first_seq"`
	LastSeq   uint16 `json:"last_seq"`
	SeqCycles uint32 `json:"seq_cycles"` // 16-bit wraparounds observed
}

// Stream is one unidirectional RTP stream identified by SSRC.
type Stream struct {
	SSRC uint32 `json:"ssrc"`

	SrcIP   string `json:"src_ip"`
	SrcPort uint16 `json:"src_port"`
	DstIP   string `json:"dst_ip"`
	DstPort uint16 `json:"dst_port"`

	Packets []PacketInfo `json:"-"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartFrame uint32    `json:"start_frame"`
	EndFrame   uint32    `json:"end_frame"`

	PayloadType uint8  `json:"payload_type"`
	CodecName   string `json:"codec_name"`
	ClockRate   uint32 `json:"clock_rate"`

	Direction Direction `json:"direction"`
	UEIP      string    `json:"ue_ip,omitempty"`

	// Jitter state per RFC 3550 Appendix A.8. Order-sensitive: packets
	// must be fed in capture order.
	lastArrival    time.Time
	lastRTPTs      uint32
	jitterEstimate float64
	jitterInit     bool
}

func newStream(first PacketInfo) *Stream {
	s := &Stream{
		SSRC:        first.SSRC,
		SrcIP:       first.SrcIP,
		SrcPort:     first.SrcPort,
		DstIP:       first.DstIP,
		DstPort:     first.DstPort,
		StartTime:   first.Timestamp,
		EndTime:     first.Timestamp,
		StartFrame:  first.FrameNumber,
		EndFrame:    first.FrameNumber,
		PayloadType: first.PayloadType,
		CodecName:   CodecName(first.PayloadType),
		ClockRate:   ClockRate(first.PayloadType),
		Direction:   DirectionUnknown,
	}
	s.addPacket(first)
	return s
}

func (s *Stream) addPacket(pkt PacketInfo) {
	s.Packets = append(s.Packets, pkt)

	if pkt.Timestamp.Before(s.StartTime) {
		s.StartTime = pkt.Timestamp
		s.StartFrame = pkt.FrameNumber
	}
	if pkt.Timestamp.After(s.EndTime) {
		s.EndTime = pkt.Timestamp
		s.EndFrame = pkt.FrameNumber
	}

	s.updateJitter(pkt)
}

// updateJitter applies the RFC 3550 Appendix A.8 estimator:
// J(i) = J(i-1) + (|D(i-1,i)| - J(i-1)) / 16, with D the difference in
// transit time measured in RTP timestamp units.
func (s *Stream) updateJitter(pkt PacketInfo) {
	if !s.jitterInit {
		s.lastArrival = pkt.Timestamp
		s.lastRTPTs = pkt.RTPTimestamp
		s.jitterInit = true
		return
	}

	rate := float64(s.ClockRate)
	arrivalUnits := timeSeconds(pkt.Timestamp) * rate
	lastArrivalUnits := timeSeconds(s.lastArrival) * rate

	transit := arrivalUnits - float64(pkt.RTPTimestamp)
	lastTransit := lastArrivalUnits - float64(s.lastRTPTs)
	d := math.Abs(transit - lastTransit)

	s.jitterEstimate += (d - s.jitterEstimate) / 16.0

	s.lastArrival = pkt.Timestamp
	s.lastRTPTs = pkt.RTPTimestamp
}

// DurationMs is the stream's observed time span in milliseconds.
func (s *Stream) DurationMs() int64 {
	return s.EndTime.Sub(s.StartTime).Milliseconds()
}

// IsUEEndpoint reports whether ip appears as source or destination.
func (s *Stream) IsUEEndpoint(ip string) bool {
	return s.SrcIP == ip || s.DstIP == ip
}

// CalculateMetrics derives loss, reordering, jitter and the MOS estimate
// for the stream. Call after all packets are added.
func (s *Stream) CalculateMetrics() QualityMetrics {
	metrics := QualityMetrics{
		PayloadType: s.PayloadType,
		CodecName:   s.CodecName,
		ClockRate:   s.ClockRate,
	}

	if len(s.Packets) == 0 {
		return metrics
	}

	metrics.PacketsReceived = uint32(len(s.Packets))

	seen := make(map[uint16]bool, len(s.Packets))
	sequences := make([]uint16, 0, len(s.Packets))
	for _, pkt := range s.Packets {
		sequences = append(sequences, pkt.SequenceNumber)
		if seen[pkt.SequenceNumber] {
			metrics.PacketsDuplicated++
		} else {
			seen[pkt.SequenceNumber] = true
		}
	}

	metrics.FirstSeq = sequences[0]
	metrics.LastSeq = sequences[len(sequences)-1]

	// Expected count by walking per-step increments with 16-bit
	// wraparound detection.
	var expected uint32
	prev := sequences[0]
	for _, curr := range sequences[1:] {
		if curr < prev {
			if prev > 60000 && curr < 5000 {
				metrics.SeqCycles++
				expected += uint32(65536-uint32(prev)) + uint32(curr)
			}
			// A backward step that is not a wraparound contributes no
			// expected packets; it is reordering, counted below.
		} else {
			expected += uint32(curr - prev)
		}
		prev = curr
	}

	if expected > 0 {
		if lost := int64(expected) - int64(len(seen)); lost > 0 {
			metrics.PacketsLost = uint32(lost)
		}
	}

	if total := metrics.PacketsReceived + metrics.PacketsLost; total > 0 {
		metrics.PacketLossRate = float64(metrics.PacketsLost) / float64(total)
	}

	// Out-of-order: backward step that is not a wraparound.
	prev = sequences[0]
	for _, curr := range sequences[1:] {
		if curr != prev+1 && !(prev == 65535 && curr == 0) {
			if curr < prev && !(prev > 60000 && curr < 5000) {
				metrics.PacketsOutOfOrder++
			}
		}
		prev = curr
	}

	if s.ClockRate > 0 {
		metrics.JitterMs = s.jitterEstimate / float64(s.ClockRate) * 1000.0
	}

	// Max instantaneous jitter across consecutive pairs
	maxJitter := 0.0
	for i := 1; i < len(s.Packets); i++ {
		prevPkt, currPkt := s.Packets[i-1], s.Packets[i]
		arrivalDiff := currPkt.Timestamp.Sub(prevPkt.Timestamp).Seconds()
		rtpDiff := float64(currPkt.RTPTimestamp-prevPkt.RTPTimestamp) / float64(s.ClockRate)
		if j := math.Abs(arrivalDiff-rtpDiff) * 1000.0; j > maxJitter {
			maxJitter = j
		}
	}
	metrics.MaxJitterMs = maxJitter

	metrics.EstimatedMOS = EstimateMOS(s.CodecName, metrics.PacketLossRate, metrics.JitterMs)

	return metrics
}

func timeSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
