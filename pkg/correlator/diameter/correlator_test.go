package diameter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/callflow/pkg/decoder"
)

var base = time.Unix(1700000000, 0)

func msg(sessionID string, offset time.Duration, fields map[string]interface{}) *decoder.Message {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["diameter_session_id"] = sessionID
	return &decoder.Message{
		Timestamp:   base.Add(offset),
		Protocol:    decoder.ProtocolDiameter,
		MessageType: decoder.DiameterAAR,
		Fields:      fields,
	}
}

func TestInterfaceFromApplicationID(t *testing.T) {
	cases := map[uint32]Interface{
		16777216: InterfaceCx,
		16777217: InterfaceSh,
		16777236: InterfaceRx,
		16777238: InterfaceGx,
		16777250: InterfaceS6d,
		16777251: InterfaceS6a,
		16777252: InterfaceS13,
		16777272: InterfaceSy,
		4:        InterfaceGy,
		99999:    InterfaceUnknown,
	}
	for appID, want := range cases {
		assert.Equal(t, want, InterfaceFromApplicationID(appID), "app id %d", appID)
	}
}

func TestCorrelator_GroupsBySessionID(t *testing.T) {
	c := New(nil)

	c.AddMessage(msg("sess-1", 0, map[string]interface{}{"application_id": uint32(16777251)}))
	c.AddMessage(msg("sess-1", time.Second, nil))
	c.AddMessage(msg("sess-2", 2*time.Second, map[string]interface{}{"application_id": uint32(16777238)}))
	c.Finalize()

	require.Len(t, c.Sessions(), 2)

	s1 := c.FindBySessionID("sess-1")
	require.NotNil(t, s1)
	assert.Equal(t, InterfaceS6a, s1.Interface)
	assert.Len(t, s1.Messages, 2)

	assert.Len(t, c.GxSessions(), 1)
	assert.Len(t, c.S6aSessions(), 1)
	assert.Empty(t, c.RxSessions())
}

func TestCorrelator_HopByHopPairing(t *testing.T) {
	c := New(nil)

	req := msg("sess-1", 0, map[string]interface{}{
		"is_request":    true,
		"hop_by_hop_id": uint32(0xABCD),
	})
	answer := msg("sess-1", 30*time.Millisecond, map[string]interface{}{
		"is_request":    false,
		"hop_by_hop_id": uint32(0xABCD),
	})

	c.AddMessage(req)
	c.AddMessage(answer)
	c.Finalize()

	s := c.FindBySessionID("sess-1")
	require.NotNil(t, s)
	require.Len(t, s.Pairs, 1)
	assert.Equal(t, 30*time.Millisecond, s.Pairs[0].Latency)

	assert.Equal(t, 1, c.Stats().LinkedPairs)
	assert.Same(t, s, c.FindByHopByHopID(0xABCD))
}

func TestCorrelator_HopByHopReuseOverwrites(t *testing.T) {
	c := New(nil)

	c.AddMessage(msg("sess-1", 0, map[string]interface{}{
		"is_request": true, "hop_by_hop_id": uint32(7),
	}))
	// Reused id on another connection: the newest binding wins
	c.AddMessage(msg("sess-2", time.Second, map[string]interface{}{
		"is_request": true, "hop_by_hop_id": uint32(7),
	}))
	c.Finalize()

	s := c.FindByHopByHopID(7)
	require.NotNil(t, s)
	assert.Equal(t, "sess-2", s.SessionID)
}

func TestSession_SubscriberExtraction(t *testing.T) {
	c := New(nil)

	c.AddMessage(msg("sess-1", 0, map[string]interface{}{
		"user_name":          "310260123456789@epc.mnc260.mcc310.3gppnetwork.org",
		"msisdn":             "+14155551234",
		"framed_ip":          "10.1.2.3",
		"framed_ipv6_prefix": "2001:db8:1:2::",
	}))
	c.Finalize()

	s := c.FindBySessionID("sess-1")
	require.NotNil(t, s)
	assert.Equal(t, "310260123456789", s.IMSI)
	assert.Equal(t, "+14155551234", s.MSISDN)
	assert.Equal(t, "10.1.2.3", s.FramedIP)
	assert.Equal(t, "2001:db8:1:2::", s.FramedIPv6Prefix)
}

func TestCorrelator_ReverseIndices(t *testing.T) {
	c := New(nil)

	c.AddMessage(msg("sess-1", 0, map[string]interface{}{
		"user_name": "310260123456789",
		"msisdn":    "+14155551234",
		"framed_ip": "10.1.2.3",
	}))
	c.Finalize()

	assert.Len(t, c.FindByIMSI("310260123456789"), 1)
	assert.Len(t, c.FindByMSISDN("+14155551234"), 1)
	assert.Len(t, c.FindByFramedIP("10.1.2.3"), 1)
	assert.Empty(t, c.FindByIMSI("999999999999999"))
}

func TestCorrelator_MessageWithoutSessionIDSkipped(t *testing.T) {
	c := New(nil)

	c.AddMessage(&decoder.Message{
		Timestamp:   base,
		Protocol:    decoder.ProtocolDiameter,
		MessageType: decoder.DiameterAAR,
	})
	c.Finalize()

	assert.Equal(t, 0, c.Stats().TotalSessions)
}

func TestCorrelator_ErrorResultCounted(t *testing.T) {
	c := New(nil)

	c.AddMessage(msg("sess-1", 0, map[string]interface{}{
		"is_request":  false,
		"result_code": uint32(5012),
	}))
	c.Finalize()

	assert.Equal(t, 1, c.Stats().ErrorResponses)
	assert.Equal(t, 1, c.FindBySessionID("sess-1").ErrorAnswers)
}
