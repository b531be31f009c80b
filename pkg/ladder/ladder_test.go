package ladder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/callflow/pkg/decoder"
)

var base = time.Unix(1700000000, 0)

func message(t decoder.MessageType, protocol decoder.Protocol, srcIP, dstIP string, srcPort, dstPort uint16, offset time.Duration) *decoder.Message {
	return &decoder.Message{
		FrameNumber: uint32(offset/time.Microsecond) + 1,
		Timestamp:   base.Add(offset),
		SrcIP:       srcIP,
		SrcPort:     srcPort,
		DstIP:       dstIP,
		DstPort:     dstPort,
		Protocol:    protocol,
		MessageType: t,
		Fields:      map[string]interface{}{},
	}
}

func TestAssemble_EventsAreTimeOrdered(t *testing.T) {
	a := NewAssembler(nil)

	// Deliberately out of order
	msgs := []*decoder.Message{
		message(decoder.GTPCreateSessionResp, decoder.ProtocolGTPv2C, "10.0.2.1", "10.0.1.1", 2123, 2123, 200*time.Millisecond),
		message(decoder.GTPCreateSessionReq, decoder.ProtocolGTPv2C, "10.0.1.1", "10.0.2.1", 2123, 2123, 100*time.Millisecond),
	}

	diagram := a.Assemble("test", "sess-1", msgs)

	require.Len(t, diagram.Events, 2)
	for i := 1; i < len(diagram.Events); i++ {
		assert.False(t, diagram.Events[i].Timestamp.Before(diagram.Events[i-1].Timestamp))
	}
}

func TestAssemble_RequestResponseLatency(t *testing.T) {
	a := NewAssembler(nil)

	msgs := []*decoder.Message{
		message(decoder.GTPCreateSessionReq, decoder.ProtocolGTPv2C, "10.0.1.1", "10.0.2.1", 2123, 2123, 0),
		message(decoder.GTPCreateSessionResp, decoder.ProtocolGTPv2C, "10.0.2.1", "10.0.1.1", 2123, 2123, 120*time.Millisecond),
	}

	diagram := a.Assemble("test", "sess-1", msgs)

	require.Len(t, diagram.Events, 2)
	assert.Equal(t, DirectionRequest, diagram.Events[0].Direction)
	assert.Equal(t, DirectionResponse, diagram.Events[1].Direction)
	assert.Equal(t, int64(120000), diagram.Events[1].LatencyUs)

	// Every latency is non-negative
	for _, event := range diagram.Events {
		assert.GreaterOrEqual(t, event.LatencyUs, int64(0))
	}

	assert.Equal(t, int64(120000), diagram.Metrics.Latencies[string(decoder.GTPCreateSessionResp)])
}

func TestAssemble_ParticipantDetectionByPort(t *testing.T) {
	a := NewAssembler(nil)

	msgs := []*decoder.Message{
		message(decoder.S1APInitialUEMessage, decoder.ProtocolS1AP, "10.0.1.50", "10.0.9.1", 36412, 36412, 0),
	}

	diagram := a.Assemble("test", "", msgs)

	require.Len(t, diagram.Events, 1)
	assert.Equal(t, "eNodeB", diagram.Events[0].FromParticipant)
	assert.Equal(t, "MME", diagram.Events[0].ToParticipant)
	assert.Equal(t, InterfaceS1MME, diagram.Events[0].Interface)
}

func TestAssemble_DiameterRolesAndInterface(t *testing.T) {
	a := NewAssembler(nil)

	gx := message(decoder.DiameterCCR, decoder.ProtocolDiameter, "10.1.1.1", "10.2.2.2", 41000, 3868, 0)
	gx.Fields["application_id"] = uint32(16777238)

	diagram := a.Assemble("test", "", []*decoder.Message{gx})

	require.Len(t, diagram.Events, 1)
	assert.Equal(t, "P-GW", diagram.Events[0].FromParticipant)
	assert.Equal(t, "PCRF", diagram.Events[0].ToParticipant)
	assert.Equal(t, InterfaceGx, diagram.Events[0].Interface)
}

func TestAssemble_ExplicitMappingOverridesDetection(t *testing.T) {
	detector := NewDetector()
	detector.AddMapping("10.0.1.50", "lab-enb-01", ParticipantENodeB)
	a := NewAssembler(detector)

	msgs := []*decoder.Message{
		message(decoder.S1APInitialUEMessage, decoder.ProtocolS1AP, "10.0.1.50", "10.0.9.1", 36412, 36412, 0),
	}

	diagram := a.Assemble("test", "", msgs)
	assert.Equal(t, "lab-enb-01", diagram.Events[0].FromParticipant)
}

func TestAssemble_ProcedureGrouping(t *testing.T) {
	a := NewAssembler(nil)

	m1 := message(decoder.S1APInitialUEMessage, decoder.ProtocolS1AP, "10.0.1.50", "10.0.9.1", 36412, 36412, 0)
	m1.Fields["procedure_id"] = "LTE_ATTACH_1"
	m2 := message(decoder.S1APDownlinkNASTransport, decoder.ProtocolS1AP, "10.0.9.1", "10.0.1.50", 36412, 36412, 50*time.Millisecond)
	m2.Fields["procedure_id"] = "LTE_ATTACH_1"

	diagram := a.Assemble("test", "", []*decoder.Message{m1, m2})

	require.Len(t, diagram.Procedures, 1)
	group := diagram.Procedures[0]
	assert.Equal(t, "LTE_ATTACH_1", group.ProcedureID)
	assert.Len(t, group.EventIDs, 2)
	assert.Equal(t, 50*time.Millisecond, group.Duration)
}

func TestAssemble_Metrics(t *testing.T) {
	a := NewAssembler(nil)

	msgs := []*decoder.Message{
		message(decoder.SIPInvite, decoder.ProtocolSIP, "10.1.1.1", "10.2.2.2", 5060, 5060, 0),
		message(decoder.SIPTrying, decoder.ProtocolSIP, "10.2.2.2", "10.1.1.1", 5060, 5060, 100*time.Millisecond),
		message(decoder.SIPOK, decoder.ProtocolSIP, "10.2.2.2", "10.1.1.1", 5060, 5060, 300*time.Millisecond),
	}

	diagram := a.Assemble("call", "", msgs)

	assert.Equal(t, 3, diagram.Metrics.TotalEvents)
	assert.Equal(t, 300*time.Millisecond, diagram.Metrics.TotalDuration)
	assert.Equal(t, 150*time.Millisecond, diagram.Metrics.AverageInterEvent)
	assert.Equal(t, InterfaceIMS, diagram.Events[0].Interface)
}

func TestAssemble_Empty(t *testing.T) {
	a := NewAssembler(nil)
	diagram := a.Assemble("empty", "", nil)

	assert.Empty(t, diagram.Events)
	assert.Equal(t, 0, diagram.Metrics.TotalEvents)
}

func TestIdentifyInterface_GTPBetweenGateways(t *testing.T) {
	detector := NewDetector()
	detector.AddMapping("10.3.3.3", "sgw", ParticipantSGW)
	detector.AddMapping("10.4.4.4", "pgw", ParticipantPGW)
	a := NewAssembler(detector)

	msg := message(decoder.GTPCreateSessionReq, decoder.ProtocolGTPv2C, "10.3.3.3", "10.4.4.4", 2123, 2123, 0)
	diagram := a.Assemble("test", "", []*decoder.Message{msg})

	assert.Equal(t, InterfaceS5S8, diagram.Events[0].Interface)
}
