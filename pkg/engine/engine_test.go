package engine

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/callflow/pkg/correlator/nas"
	"github.com/protei/callflow/pkg/decoder"
	"github.com/protei/callflow/pkg/volte"
)

func TestEngine_RoutesByProtocol(t *testing.T) {
	e := New(Config{})
	base := time.Unix(1700000000, 0)

	e.Ingest(&decoder.Message{
		Timestamp:   base,
		Protocol:    decoder.ProtocolSIP,
		MessageType: decoder.SIPInvite,
		Fields: map[string]interface{}{
			"from": "+14155551234",
			"sdp_media": []map[string]interface{}{
				{"media": "audio", "port": 49170},
			},
		},
		Key: decoder.CorrelationKey{SIPCallID: "call-1"},
	})

	e.Ingest(&decoder.Message{
		Timestamp:   base.Add(time.Second),
		Protocol:    decoder.ProtocolDiameter,
		MessageType: decoder.DiameterAAR,
		Fields: map[string]interface{}{
			"diameter_session_id": "d-1",
			"application_id":      uint32(16777236),
		},
	})

	e.Ingest(&decoder.Message{
		Timestamp:   base.Add(2 * time.Second),
		Protocol:    decoder.ProtocolRTP,
		MessageType: decoder.RTPPacket,
		SrcIP:       "10.0.0.1",
		DstIP:       "10.0.0.2",
		Fields: map[string]interface{}{
			"payload_type":    0,
			"sequence_number": 1,
			"rtp_timestamp":   160,
		},
		Key: decoder.CorrelationKey{RTPSSRC: 0xAA, HasSSRC: true},
	})

	e.Finalize()

	assert.Equal(t, 1, e.SIP.Stats().TotalMessages)
	assert.Equal(t, 1, e.Diameter.Stats().TotalMessages)
	assert.Equal(t, 1, e.RTP.Stats().TotalPackets)

	// The SIP INVITE also triggered a VoLTE call procedure
	assert.Equal(t, 1, e.Procedures.Stats().TotalProceduresDetected)
}

func TestEngine_CorrelateProducesFlows(t *testing.T) {
	e := New(Config{Volte: volte.Config{TimeTolerance: time.Second}})
	base := time.Unix(1700000000, 0)

	for _, m := range []struct {
		t      decoder.MessageType
		offset time.Duration
	}{
		{decoder.SIPInvite, 0},
		{decoder.SIPRinging, 2 * time.Second},
		{decoder.SIPOK, 3 * time.Second},
		{decoder.SIPBye, 60 * time.Second},
	} {
		fields := map[string]interface{}{}
		if m.t == decoder.SIPInvite {
			fields["from"] = "+14155551234"
			fields["to"] = "+14155555678"
			fields["sdp_media"] = []map[string]interface{}{
				{"media": "audio", "port": 49170},
			}
		}
		e.Ingest(&decoder.Message{
			Timestamp:   base.Add(m.offset),
			Protocol:    decoder.ProtocolSIP,
			MessageType: m.t,
			Fields:      fields,
			Key:         decoder.CorrelationKey{SIPCallID: "call-1"},
		})
	}

	e.Finalize()
	flows := e.Correlate()

	require.Len(t, flows, 1)
	assert.Equal(t, volte.FlowMOVoiceCall, flows[0].Type)
	assert.Equal(t, float64(3000), flows[0].Stats.SetupTimeMs)
}

func TestEngine_JSONDecodedFieldsReachNestedExtraction(t *testing.T) {
	e := New(Config{})
	base := time.Unix(1700000000, 0)

	// Fields exactly as the JSONL ingestion path produces them: arrays
	// as []interface{}, numbers as float64, byte buffers as base64
	var reqFields, respFields, nasFields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"bearer_contexts": [{"eps_bearer_id": 5, "qci": 9}]
	}`), &reqFields))
	require.NoError(t, json.Unmarshal([]byte(`{
		"bearer_contexts": [{
			"s1u_enb_fteid": {"teid": 4096, "ipv4": "192.168.1.10"},
			"s1u_sgw_fteid": {"teid": 8192, "ipv4": "192.168.2.10"}
		}]
	}`), &respFields))
	require.NoError(t, json.Unmarshal([]byte(`{
		"nas_pdu": "`+base64.StdEncoding.EncodeToString([]byte{
		0x07, 0x41, 0x71, 0x08,
		0x39, 0x01, 0x62, 0x10, 0x32, 0x54, 0x76, 0x98,
	})+`"
	}`), &nasFields))

	e.Ingest(&decoder.Message{
		Timestamp:   base,
		Protocol:    decoder.ProtocolGTPv2C,
		MessageType: decoder.GTPCreateSessionReq,
		Fields:      reqFields,
		Key:         decoder.CorrelationKey{IMSI: "310260123456789", TEIDS1U: 0x1000},
	})
	e.Ingest(&decoder.Message{
		Timestamp:   base.Add(100 * time.Millisecond),
		Protocol:    decoder.ProtocolGTPv2C,
		MessageType: decoder.GTPCreateSessionResp,
		Fields:      respFields,
		Key:         decoder.CorrelationKey{IMSI: "310260123456789", TEIDS1U: 0x1000, UEIPv4: "10.0.0.100"},
	})
	e.Ingest(&decoder.Message{
		Timestamp:   base.Add(200 * time.Millisecond),
		Protocol:    decoder.ProtocolNAS,
		MessageType: decoder.NASAttachRequest,
		Fields:      nasFields,
	})

	e.Finalize()

	// Bearer details survived the JSON round-trip into the tunnel
	tunnel := e.Tunnels.GetTunnel(0x1000)
	require.NotNil(t, tunnel)
	assert.Equal(t, uint8(5), tunnel.EPSBearerID)
	assert.Equal(t, uint8(9), tunnel.QCI)
	assert.Equal(t, uint32(8192), tunnel.TEIDDownlink)
	assert.Equal(t, "192.168.1.10", tunnel.PeerIPUplink)

	// The base64 NAS PDU was decoded and ingested
	require.Len(t, e.NAS.Sessions(), 1)
	assert.Equal(t, "310260123456789", e.NAS.Sessions()[0].IMSI)
}

func TestEngine_FinalizeClassifiesNASSessions(t *testing.T) {
	e := New(Config{})
	base := time.Unix(1700000000, 0)

	// ESM Activate Default Bearer Request for the IMS APN
	esmPdu := []byte{
		0x52,       // EBI 5 | PD ESM
		0x01,       // PTI
		0xC1,       // Activate Default EPS Bearer Context Request
		0x01, 0x01, // EPS QoS: QCI 1
		0x04, 0x03, 'i', 'm', 's',
		0x05, 0x01, 0x0A, 0x01, 0x02, 0x03,
	}

	e.Ingest(&decoder.Message{
		Timestamp:   base,
		Protocol:    decoder.ProtocolNAS,
		MessageType: decoder.NASAttachRequest,
		Fields:      map[string]interface{}{"nas_pdu": esmPdu},
		Key: decoder.CorrelationKey{
			MMEUES1APID: 1, ENBUES1APID: 2,
			HasMMEUEID: true, HasENBUEID: true,
		},
	})

	e.Finalize()

	// Finalize classified the session, so Phase-3 ESM matching sees it
	sessions := e.NAS.EsmSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, nas.PdnClassIMS, sessions[0].PdnClass)
	assert.Equal(t, 1, e.NAS.Stats().TotalSessions)
	assert.Equal(t, 1, e.NAS.Stats().ESMSessions)
}

func TestEngine_S1APFeedsNASAndProcedures(t *testing.T) {
	e := New(Config{})
	base := time.Unix(1700000000, 0)

	nasPdu := []byte{
		0x07, 0x41, 0x71, 0x08,
		0x39, 0x01, 0x62, 0x10, 0x32, 0x54, 0x76, 0x98,
	}

	e.Ingest(&decoder.Message{
		Timestamp:   base,
		Protocol:    decoder.ProtocolS1AP,
		MessageType: decoder.S1APInitialUEMessage,
		Fields: map[string]interface{}{
			"nas_pdu":          nasPdu,
			"nas_message_type": string(decoder.NASAttachRequest),
		},
		Key: decoder.CorrelationKey{
			IMSI:        "310260123456789",
			ENBUES1APID: 42,
			HasENBUEID:  true,
		},
	})

	e.Finalize()

	assert.Equal(t, 1, e.S1AP.Stats().TotalMessages)
	require.Len(t, e.NAS.Sessions(), 1)
	assert.Equal(t, "310260123456789", e.NAS.Sessions()[0].IMSI)
	assert.Equal(t, 1, e.Procedures.Stats().TotalProceduresDetected)
}
