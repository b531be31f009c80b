package s1ap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/callflow/pkg/decoder"
)

var base = time.Unix(1700000000, 0)

func s1apMsg(t decoder.MessageType, mmeID, enbID uint32, offset time.Duration) *decoder.Message {
	return &decoder.Message{
		FrameNumber: uint32(offset/time.Millisecond) + 1,
		Timestamp:   base.Add(offset),
		Protocol:    decoder.ProtocolS1AP,
		MessageType: t,
		Fields:      map[string]interface{}{},
		Key: decoder.CorrelationKey{
			MMEUES1APID: mmeID,
			ENBUES1APID: enbID,
			HasMMEUEID:  mmeID != 0,
			HasENBUEID:  enbID != 0,
		},
	}
}

func TestCorrelator_InitialUEMessageCreatesContext(t *testing.T) {
	c := New(nil, nil)

	// Initial UE Message arrives before the MME assigns its id
	c.AddMessage(s1apMsg(decoder.S1APInitialUEMessage, 0, 42, 0))

	ctx := c.FindContextByENBUEID(42)
	require.NotNil(t, ctx)
	assert.Equal(t, uint32(0), ctx.MMEUES1APID)
	assert.Equal(t, StateInitial, ctx.State)
}

func TestCorrelator_ReKeyOnFullPair(t *testing.T) {
	c := New(nil, nil)

	c.AddMessage(s1apMsg(decoder.S1APInitialUEMessage, 0, 42, 0))
	c.AddMessage(s1apMsg(decoder.S1APDownlinkNASTransport, 7, 42, 50*time.Millisecond))

	// The same context is now reachable by the full pair
	ctx := c.FindContext(7, 42)
	require.NotNil(t, ctx)
	assert.Same(t, ctx, c.FindContextByENBUEID(42))
	assert.Same(t, ctx, c.FindContextByMMEUEID(7))
	assert.Equal(t, uint32(7), ctx.MMEUES1APID)
	assert.Len(t, c.Contexts(), 1)
}

func TestCorrelator_StateTransitions(t *testing.T) {
	c := New(nil, nil)

	c.AddMessage(s1apMsg(decoder.S1APInitialUEMessage, 0, 42, 0))
	c.AddMessage(s1apMsg(decoder.S1APInitialContextSetupReq, 7, 42, 100*time.Millisecond))
	ctx := c.FindContext(7, 42)
	require.NotNil(t, ctx)
	assert.Equal(t, StateContextSetup, ctx.State)

	c.AddMessage(s1apMsg(decoder.S1APInitialContextSetupRsp, 7, 42, 150*time.Millisecond))
	assert.Equal(t, StateActive, ctx.State)

	release := s1apMsg(decoder.S1APUEContextReleaseCmd, 7, 42, 60*time.Second)
	release.Fields["cause"] = "user-inactivity"
	c.AddMessage(release)
	assert.Equal(t, StateReleasePending, ctx.State)
	assert.Equal(t, "user-inactivity", ctx.ReleaseCause)

	c.AddMessage(s1apMsg(decoder.S1APUEContextReleaseDone, 7, 42, 61*time.Second))
	assert.Equal(t, StateReleased, ctx.State)
}

func TestCorrelator_ERabTracking(t *testing.T) {
	c := New(nil, nil)

	setup := s1apMsg(decoder.S1APInitialContextSetupReq, 7, 42, 0)
	setup.Fields["erab_list"] = []map[string]interface{}{
		{"id": 5, "qci": 9, "transport_address": "192.168.1.10", "teid": uint32(0x1000)},
	}
	c.AddMessage(setup)

	ctx := c.FindContext(7, 42)
	require.NotNil(t, ctx)
	require.Len(t, ctx.ERabs, 1)
	assert.Equal(t, uint8(5), ctx.ERabs[0].ID)
	assert.Equal(t, uint8(9), ctx.ERabs[0].QCI)
	assert.Equal(t, uint32(0x1000), ctx.ERabs[0].TEID)
	assert.Equal(t, "192.168.1.10", ctx.ERabs[0].TransportAddress)
	assert.False(t, ctx.ERabs[0].SetupTime.IsZero())

	// Release closes the bearer
	c.AddMessage(s1apMsg(decoder.S1APUEContextReleaseDone, 7, 42, time.Minute))
	assert.False(t, ctx.ERabs[0].ReleaseTime.IsZero())
}

func TestCorrelator_NasPduForwarding(t *testing.T) {
	c := New(nil, nil)

	// Attach Request with a TBCD IMSI, as produced by the NAS layer
	nasPdu := []byte{
		0x07, 0x41, 0x71, 0x08,
		0x39, 0x01, 0x62, 0x10, 0x32, 0x54, 0x76, 0x98,
	}
	msg := s1apMsg(decoder.S1APInitialUEMessage, 0, 42, 0)
	msg.Fields["nas_pdu"] = nasPdu
	c.AddMessage(msg)
	c.Finalize()

	// The NAS correlator received the embedded PDU
	nasSessions := c.NasCorrelator().Sessions()
	require.Len(t, nasSessions, 1)
	assert.Equal(t, "310260123456789", nasSessions[0].IMSI)

	// The UE context learned the IMSI from the forwarded PDU
	ctx := c.FindContextByENBUEID(42)
	require.NotNil(t, ctx)
	assert.Equal(t, "310260123456789", ctx.IMSI)

	assert.Equal(t, 1, c.Stats().NASMessages)
}

func TestCorrelator_LocationExtraction(t *testing.T) {
	c := New(nil, nil)

	msg := s1apMsg(decoder.S1APInitialUEMessage, 0, 42, 0)
	msg.Fields["tai"] = "310260-12345"
	msg.Fields["ecgi"] = "310260-0000001"
	msg.Fields["s_tmsi"] = "02-12345678"
	msg.Fields["rrc_establishment_cause"] = "mo-Signalling"
	c.AddMessage(msg)

	ctx := c.FindContextByENBUEID(42)
	require.NotNil(t, ctx)
	assert.Equal(t, "310260-12345", ctx.TAI)
	assert.Equal(t, "310260-0000001", ctx.ECGI)
	assert.Equal(t, "02-12345678", ctx.STMSI)
	assert.Equal(t, "mo-Signalling", ctx.RRCEstablishmentCause)
}

func TestCorrelator_Stats(t *testing.T) {
	c := New(nil, nil)

	c.AddMessage(s1apMsg(decoder.S1APInitialUEMessage, 0, 1, 0))
	c.AddMessage(s1apMsg(decoder.S1APInitialContextSetupReq, 10, 1, time.Second))
	c.AddMessage(s1apMsg(decoder.S1APInitialContextSetupRsp, 10, 1, 2*time.Second))
	c.AddMessage(s1apMsg(decoder.S1APInitialUEMessage, 0, 2, 3*time.Second))
	c.Finalize()

	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalContexts)
	assert.Equal(t, 2, stats.InitialUEMessages)
	assert.Equal(t, 1, stats.ContextSetups)
	assert.Equal(t, 1, stats.ActiveContexts)
}

func TestCorrelator_MessageWithoutIDsSkipped(t *testing.T) {
	c := New(nil, nil)

	c.AddMessage(&decoder.Message{
		Timestamp:   base,
		Protocol:    decoder.ProtocolS1AP,
		MessageType: decoder.S1APDownlinkNASTransport,
	})
	c.Finalize()

	assert.Equal(t, 0, c.Stats().TotalContexts)
}
