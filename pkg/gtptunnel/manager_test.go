package gtptunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/callflow/pkg/decoder"
)

func gtpMessage(t decoder.MessageType, teid uint32, imsi string, at time.Time) *decoder.Message {
	return &decoder.Message{
		Timestamp:   at,
		Protocol:    decoder.ProtocolGTPv2C,
		MessageType: t,
		Fields:      map[string]interface{}{},
		Key: decoder.CorrelationKey{
			IMSI:    imsi,
			TEIDS1U: teid,
			APN:     "internet",
		},
	}
}

func createSessionReq(teid uint32, imsi string, at time.Time) *decoder.Message {
	msg := gtpMessage(decoder.GTPCreateSessionReq, teid, imsi, at)
	msg.Fields["bearer_contexts"] = []map[string]interface{}{
		{"eps_bearer_id": 5, "qci": 9},
	}
	return msg
}

func createSessionResp(teidUp, teidDown uint32, imsi string, at time.Time) *decoder.Message {
	msg := gtpMessage(decoder.GTPCreateSessionResp, teidUp, imsi, at)
	msg.Key.UEIPv4 = "10.0.0.100"
	msg.Fields["bearer_contexts"] = []map[string]interface{}{
		{
			"s1u_enb_fteid": map[string]interface{}{"teid": teidUp, "ipv4": "192.168.1.10"},
			"s1u_sgw_fteid": map[string]interface{}{"teid": teidDown, "ipv4": "192.168.2.10"},
		},
	}
	return msg
}

func TestManager_CreateTunnel(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)

	m.ProcessMessage(createSessionReq(0x12345678, "001010123456789", base))

	tunnel := m.GetTunnel(0x12345678)
	require.NotNil(t, tunnel)
	assert.Equal(t, StateCreating, tunnel.State)
	assert.Equal(t, "001010123456789", tunnel.IMSI)
	assert.Equal(t, "internet", tunnel.APN)
	assert.Equal(t, uint8(5), tunnel.EPSBearerID)
	assert.Equal(t, uint8(9), tunnel.QCI)
}

func TestManager_ActivateTunnel(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)

	m.ProcessMessage(createSessionReq(0x12345678, "001010123456789", base))
	m.ProcessMessage(createSessionResp(0x12345678, 0x87654321, "001010123456789", base.Add(100*time.Millisecond)))

	tunnel := m.GetTunnel(0x12345678)
	require.NotNil(t, tunnel)
	assert.Equal(t, StateActive, tunnel.State)
	assert.Equal(t, uint32(0x87654321), tunnel.TEIDDownlink)
	assert.Equal(t, "10.0.0.100", tunnel.UEIPv4)
	require.NotNil(t, tunnel.Activated)
}

func TestManager_DeleteTunnel(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)
	teid := uint32(0x12345678)

	m.ProcessMessage(createSessionReq(teid, "001010123456789", base))
	m.ProcessMessage(createSessionResp(teid, 0x87654321, "001010123456789", base.Add(time.Millisecond)))

	m.ProcessMessage(gtpMessage(decoder.GTPDeleteSessionReq, teid, "001010123456789", base.Add(time.Second)))
	assert.Equal(t, StateDeleting, m.GetTunnel(teid).State)

	m.ProcessMessage(gtpMessage(decoder.GTPDeleteSessionResp, teid, "001010123456789", base.Add(2*time.Second)))
	tunnel := m.GetTunnel(teid)
	assert.Equal(t, StateDeleted, tunnel.State)
	require.NotNil(t, tunnel.Deleted)

	// The deleted count follows the DELETE_SESSION_RESP transitions
	assert.Equal(t, 1, m.GetStatistics().DeletedTunnels)
}

func TestManager_HandoverDetection(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)
	imsi := "001010123456789"

	var callbackEvent *HandoverEvent
	var callbackTunnel *Tunnel
	m.OnHandover(func(event *HandoverEvent, old *Tunnel) {
		callbackEvent = event
		callbackTunnel = old
	})

	m.ProcessMessage(createSessionReq(0x11111111, imsi, base))
	m.ProcessMessage(createSessionResp(0x11111111, 0x11111112, imsi, base.Add(50*time.Millisecond)))

	// Modify Bearer Response with a new TEID for the same IMSI
	m.ProcessMessage(gtpMessage(decoder.GTPModifyBearerResp, 0x22222222, imsi, base.Add(10*time.Second)))

	tunnels := m.TunnelsByIMSI(imsi)
	require.Len(t, tunnels, 2)

	old := m.GetTunnel(0x11111111)
	require.NotNil(t, old)
	require.Len(t, old.Handovers, 1)
	assert.Equal(t, uint32(0x11111111), old.Handovers[0].OldTEID)
	assert.Equal(t, uint32(0x22222222), old.Handovers[0].NewTEID)
	assert.Equal(t, StateHandedOver, old.State)

	successor := m.GetTunnel(0x22222222)
	require.NotNil(t, successor)
	assert.Equal(t, StateActive, successor.State)
	assert.Equal(t, imsi, successor.IMSI)
	assert.Equal(t, old.UEIPv4, successor.UEIPv4)
	assert.Equal(t, old.APN, successor.APN)

	assert.Equal(t, 1, m.GetStatistics().HandoversDetected)

	require.NotNil(t, callbackEvent)
	assert.Same(t, old, callbackTunnel)
}

func TestManager_SameTeidModifyIsNotHandover(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)
	imsi := "001010123456789"

	m.ProcessMessage(createSessionReq(0x11111111, imsi, base))
	m.ProcessMessage(createSessionResp(0x11111111, 0x11111112, imsi, base.Add(time.Millisecond)))
	m.ProcessMessage(gtpMessage(decoder.GTPModifyBearerResp, 0x11111111, imsi, base.Add(time.Second)))

	assert.Equal(t, 0, m.GetStatistics().HandoversDetected)
	assert.Empty(t, m.GetTunnel(0x11111111).Handovers)
}

func TestManager_HandoverTypeFromObservedSignalling(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)
	imsi := "001010123456789"

	m.ProcessMessage(createSessionReq(0x11111111, imsi, base))
	m.ProcessMessage(createSessionResp(0x11111111, 0x11111112, imsi, base.Add(time.Millisecond)))

	// X2AP signalling seen before the TEID change
	x2 := &decoder.Message{
		Timestamp:   base.Add(5 * time.Second),
		Protocol:    decoder.ProtocolX2AP,
		MessageType: decoder.X2APHandoverRequest,
		Key:         decoder.CorrelationKey{IMSI: imsi},
	}
	m.ProcessMessage(x2)

	m.ProcessMessage(gtpMessage(decoder.GTPModifyBearerResp, 0x22222222, imsi, base.Add(10*time.Second)))

	old := m.GetTunnel(0x11111111)
	require.Len(t, old.Handovers, 1)
	assert.Equal(t, HandoverX2, old.Handovers[0].Type)
}

func TestManager_UserDataCounters(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)
	teid := uint32(0x12345678)

	m.ProcessMessage(createSessionReq(teid, "001010123456789", base))
	m.ProcessMessage(createSessionResp(teid, 0x87654321, "001010123456789", base.Add(time.Millisecond)))

	now := base.Add(time.Second)
	m.HandleUserData(teid, true, 1500, now)
	m.HandleUserData(teid, false, 3000, now)
	m.HandleUserData(teid, true, 500, now)
	m.HandleUserData(teid, false, 1000, now)

	tunnel := m.GetTunnel(teid)
	assert.Equal(t, uint64(2), tunnel.UplinkPackets)
	assert.Equal(t, uint64(2), tunnel.DownlinkPackets)
	assert.Equal(t, uint64(2000), tunnel.UplinkBytes)
	assert.Equal(t, uint64(4000), tunnel.DownlinkBytes)
}

func TestManager_InterruptionTime(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)
	imsi := "001010123456789"

	m.ProcessMessage(createSessionReq(0x11111111, imsi, base))
	m.ProcessMessage(createSessionResp(0x11111111, 0x11111112, imsi, base.Add(time.Millisecond)))

	// Last uplink data on the old tunnel
	m.HandleUserData(0x11111111, true, 100, base.Add(time.Second))

	m.ProcessMessage(gtpMessage(decoder.GTPModifyBearerResp, 0x22222222, imsi, base.Add(2*time.Second)))

	// First uplink data on the successor closes the window
	m.HandleUserData(0x22222222, true, 100, base.Add(2500*time.Millisecond))

	old := m.GetTunnel(0x11111111)
	require.Len(t, old.Handovers, 1)
	assert.Equal(t, 1500*time.Millisecond, old.Handovers[0].InterruptionTime)
}

func TestManager_Timeouts(t *testing.T) {
	m := NewManager(Config{ActivityTimeout: time.Millisecond})
	base := time.Now().Add(-time.Minute)

	m.ProcessMessage(createSessionReq(0x12345678, "001010123456789", base))
	m.ProcessMessage(createSessionResp(0x12345678, 0x87654321, "001010123456789", base.Add(time.Millisecond)))

	require.Equal(t, StateActive, m.GetTunnel(0x12345678).State)

	m.CheckTimeouts()

	assert.Equal(t, StateInactive, m.GetTunnel(0x12345678).State)
}

func TestManager_MaxTunnelsCap(t *testing.T) {
	m := NewManager(Config{MaxTunnels: 10})
	base := time.Unix(1700000000, 0)

	for i := 1; i <= 10; i++ {
		m.ProcessMessage(createSessionReq(uint32(0x10000000+i), "001010123456789", base))
	}
	require.Len(t, m.AllTunnels(), 10)

	// The 11th creation is rejected silently
	m.ProcessMessage(createSessionReq(0x20000000, "001010123456789", base))
	assert.Len(t, m.AllTunnels(), 10)
	assert.Nil(t, m.GetTunnel(0x20000000))
}

func TestManager_QueriesAndClear(t *testing.T) {
	m := NewManager(Config{})
	base := time.Unix(1700000000, 0)

	m.ProcessMessage(createSessionReq(0x11111111, "001010123456789", base))
	m.ProcessMessage(createSessionResp(0x11111111, 0x11111112, "001010123456789", base.Add(time.Millisecond)))
	m.ProcessMessage(createSessionReq(0x22222222, "001010123456789", base))

	assert.Len(t, m.TunnelsByIMSI("001010123456789"), 2)
	assert.Len(t, m.TunnelsByUEIP("10.0.0.100"), 1)
	assert.Len(t, m.ActiveTunnels(), 1)

	stats := m.GetStatistics()
	assert.Equal(t, 2, stats.TotalTunnels)
	assert.Equal(t, 1, stats.ActiveTunnels)

	m.Clear()
	assert.Empty(t, m.AllTunnels())
}
