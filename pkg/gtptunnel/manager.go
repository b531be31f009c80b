package gtptunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/decoder"
)

// Config bounds the tunnel manager.
type Config struct {
	// ACTIVE tunnels idle longer than this become INACTIVE on the next
	// CheckTimeouts sweep.
	ActivityTimeout time.Duration
	// Creation beyond this cap is rejected silently.
	MaxTunnels int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ActivityTimeout: 300 * time.Second,
		MaxTunnels:      100000,
	}
}

// HandoverCallback is invoked on every detected handover with the event
// and the old tunnel.
type HandoverCallback func(event *HandoverEvent, oldTunnel *Tunnel)

// Statistics summarises managed tunnels.
type Statistics struct {
	TotalTunnels      int `json:"total_tunnels"`
	ActiveTunnels     int `json:"active_tunnels"`
	InactiveTunnels   int `json:"inactive_tunnels"`
	DeletedTunnels    int `json:"deleted_tunnels"`
	HandoversDetected int `json:"handovers_detected"`
	RejectedCreations int `json:"rejected_creations"`
}

// Manager owns GTP tunnel lifecycle objects keyed by uplink TEID, with
// secondary per-IMSI and per-UE-IP indices. Messages drive the state
// machine; user-plane counters arrive via HandleUserData.
type Manager struct {
	mu      sync.RWMutex
	config  Config
	tunnels map[uint32]*Tunnel
	order   []uint32

	byIMSI map[string][]uint32
	byUEIP map[string][]uint32

	// Message kinds recently seen per IMSI, for handover type inference
	observedX2 map[string]bool
	observedS1 map[string]bool

	handoversDetected int
	rejectedCreations int

	onHandover HandoverCallback

	log *logger.Logger
}

// NewManager creates a tunnel manager with the given config; zero-value
// fields fall back to defaults.
func NewManager(config Config) *Manager {
	if config.ActivityTimeout == 0 {
		config.ActivityTimeout = DefaultConfig().ActivityTimeout
	}
	if config.MaxTunnels == 0 {
		config.MaxTunnels = DefaultConfig().MaxTunnels
	}
	return &Manager{
		config:     config,
		tunnels:    make(map[uint32]*Tunnel),
		byIMSI:     make(map[string][]uint32),
		byUEIP:     make(map[string][]uint32),
		observedX2: make(map[string]bool),
		observedS1: make(map[string]bool),
		log:        logger.Get().WithComponent("gtp-tunnel-manager"),
	}
}

// OnHandover registers the handover callback.
func (m *Manager) OnHandover(cb HandoverCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHandover = cb
}

// ProcessMessage drives the tunnel state machine from a GTPv2-C message.
func (m *Manager) ProcessMessage(msg *decoder.Message) {
	teid := msg.Key.TEIDS1U
	if teid == 0 {
		if v, ok := msg.Uint32Field("teid"); ok {
			teid = v
		}
	}

	// X2AP/S1AP handover signalling is only observed for type inference
	switch msg.MessageType {
	case decoder.X2APHandoverRequest, decoder.X2APHandoverRequestAck,
		decoder.X2APSNStatusTransfer, decoder.X2APUEContextRelease:
		if msg.Key.IMSI != "" {
			m.mu.Lock()
			m.observedX2[msg.Key.IMSI] = true
			m.mu.Unlock()
		}
		return
	case decoder.S1APHandoverRequired, decoder.S1APHandoverRequest, decoder.S1APHandoverNotify:
		if msg.Key.IMSI != "" {
			m.mu.Lock()
			m.observedS1[msg.Key.IMSI] = true
			m.mu.Unlock()
		}
		return
	}

	if teid == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.MessageType {
	case decoder.GTPCreateSessionReq:
		m.handleCreateSessionReq(msg, teid)
	case decoder.GTPCreateSessionResp:
		m.handleCreateSessionResp(msg, teid)
	case decoder.GTPModifyBearerResp:
		m.handleModifyBearerResp(msg, teid)
	case decoder.GTPDeleteSessionReq:
		if t := m.tunnels[teid]; t != nil {
			t.State = StateDeleting
			t.LastActivity = msg.Timestamp
		}
	case decoder.GTPDeleteSessionResp:
		if t := m.tunnels[teid]; t != nil {
			t.State = StateDeleted
			ts := msg.Timestamp
			t.Deleted = &ts
			t.LastActivity = msg.Timestamp
			t.recordEvent(EventDeletion, msg.Timestamp, "")
		}
	}
}

func (m *Manager) handleCreateSessionReq(msg *decoder.Message, teid uint32) {
	if _, exists := m.tunnels[teid]; exists {
		return
	}
	if len(m.tunnels) >= m.config.MaxTunnels {
		m.rejectedCreations++
		m.log.Debug("tunnel creation rejected, cap reached", "teid", teid)
		return
	}

	t := &Tunnel{
		TEIDUplink:   teid,
		IMSI:         msg.Key.IMSI,
		APN:          msg.Key.APN,
		EPSBearerID:  msg.Key.EPSBearerID,
		State:        StateCreating,
		Created:      msg.Timestamp,
		LastActivity: msg.Timestamp,
	}

	if bearers, ok := msg.MapSliceField("bearer_contexts"); ok && len(bearers) > 0 {
		first := bearers[0]
		if ebi := uint8From(first["eps_bearer_id"]); ebi != 0 {
			t.EPSBearerID = ebi
		}
		if qci := uint8From(first["qci"]); qci != 0 {
			t.QCI = qci
		}
	}
	if imsi, ok := msg.StringField("imsi"); ok && t.IMSI == "" {
		t.IMSI = imsi
	}
	if apn, ok := msg.StringField("apn"); ok && t.APN == "" {
		t.APN = apn
	}

	t.recordEvent(EventCreation, msg.Timestamp, "")

	m.tunnels[teid] = t
	m.order = append(m.order, teid)
	if t.IMSI != "" {
		m.byIMSI[t.IMSI] = append(m.byIMSI[t.IMSI], teid)
	}
}

func (m *Manager) handleCreateSessionResp(msg *decoder.Message, teid uint32) {
	t := m.tunnels[teid]
	if t == nil {
		return
	}

	t.State = StateActive
	ts := msg.Timestamp
	t.Activated = &ts
	t.LastActivity = msg.Timestamp

	if msg.Key.UEIPv4 != "" {
		t.UEIPv4 = msg.Key.UEIPv4
	} else if ip, ok := msg.StringField("ue_ipv4"); ok {
		t.UEIPv4 = ip
	}
	if msg.Key.UEIPv6 != "" {
		t.UEIPv6 = msg.Key.UEIPv6
	}

	if bearers, ok := msg.MapSliceField("bearer_contexts"); ok {
		for _, b := range bearers {
			if fteid, okF := b["s1u_enb_fteid"].(map[string]interface{}); okF {
				if ip, okIP := fteid["ipv4"].(string); okIP {
					t.PeerIPUplink = ip
				}
			}
			if fteid, okF := b["s1u_sgw_fteid"].(map[string]interface{}); okF {
				if dl := uint32From(fteid["teid"]); dl != 0 {
					t.TEIDDownlink = dl
				}
				if ip, okIP := fteid["ipv4"].(string); okIP {
					t.PeerIPDownlink = ip
				}
			}
		}
	}

	if t.UEIPv4 != "" {
		m.byUEIP[t.UEIPv4] = append(m.byUEIP[t.UEIPv4], teid)
	}
	if t.UEIPv6 != "" {
		m.byUEIP[t.UEIPv6] = append(m.byUEIP[t.UEIPv6], teid)
	}

	t.recordEvent(EventActivation, msg.Timestamp, "")
}

// handleModifyBearerResp detects handovers: a Modify Bearer Response
// carrying a TEID the manager has not seen, for an IMSI that already has
// a tunnel with a different TEID, means the bearer moved. Same-TEID
// modifies are QoS/routing changes and record nothing.
func (m *Manager) handleModifyBearerResp(msg *decoder.Message, teid uint32) {
	if t := m.tunnels[teid]; t != nil {
		// Known TEID: plain bearer modification
		t.LastActivity = msg.Timestamp
		return
	}

	imsi := msg.Key.IMSI
	if imsi == "" {
		if v, ok := msg.StringField("imsi"); ok {
			imsi = v
		}
	}
	if imsi == "" {
		return
	}

	old := m.latestTunnelForIMSI(imsi)
	if old == nil || old.TEIDUplink == teid {
		return
	}

	event := &HandoverEvent{
		OldTEID:   old.TEIDUplink,
		NewTEID:   teid,
		OldPeerIP: old.PeerIPUplink,
		Type:      m.classifyHandover(imsi),
		Timestamp: msg.Timestamp,
	}
	if newPeer, ok := msg.StringField("peer_ip"); ok {
		event.NewPeerIP = newPeer
	}

	// Preparation spans the old tunnel's create -> ack window
	if old.Activated != nil {
		event.PreparationTime = old.Activated.Sub(old.Created)
		event.ExecutionTime = msg.Timestamp.Sub(*old.Activated)
	}

	old.Handovers = append(old.Handovers, event)
	old.State = StateHandedOver
	old.recordEvent(EventHandover, msg.Timestamp,
		fmt.Sprintf("to TEID 0x%08x", teid))

	// The successor tunnel inherits the subscriber's addressing
	if len(m.tunnels) < m.config.MaxTunnels {
		successor := &Tunnel{
			TEIDUplink:   teid,
			IMSI:         old.IMSI,
			APN:          old.APN,
			UEIPv4:       old.UEIPv4,
			UEIPv6:       old.UEIPv6,
			EPSBearerID:  old.EPSBearerID,
			QCI:          old.QCI,
			State:        StateActive,
			Created:      msg.Timestamp,
			LastActivity: msg.Timestamp,
		}
		ts := msg.Timestamp
		successor.Activated = &ts
		successor.recordEvent(EventCreation, msg.Timestamp, "inherited on handover")

		m.tunnels[teid] = successor
		m.order = append(m.order, teid)
		m.byIMSI[imsi] = append(m.byIMSI[imsi], teid)
		if successor.UEIPv4 != "" {
			m.byUEIP[successor.UEIPv4] = append(m.byUEIP[successor.UEIPv4], teid)
		}
	} else {
		m.rejectedCreations++
	}

	m.handoversDetected++

	if m.onHandover != nil {
		m.onHandover(event, old)
	}

	m.log.Info("handover detected",
		"imsi", imsi, "old_teid", old.TEIDUplink, "new_teid", teid,
		"type", string(event.Type))
}

// HandleUserData increments per-direction byte/packet counters and, for
// uplink, the interruption-time bookkeeping of pending handovers.
func (m *Manager) HandleUserData(teid uint32, uplink bool, bytes int, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tunnels[teid]
	if t == nil {
		return
	}

	if uplink {
		t.UplinkBytes += uint64(bytes)
		t.UplinkPackets++
		tsCopy := ts
		t.LastUplinkData = &tsCopy

		// First uplink data on a successor closes the predecessor's
		// interruption window.
		if t.IMSI != "" && t.UplinkPackets == 1 {
			for _, oldTeid := range m.byIMSI[t.IMSI] {
				old := m.tunnels[oldTeid]
				if old == nil || old == t {
					continue
				}
				for _, ho := range old.Handovers {
					if ho.NewTEID == teid && ho.InterruptionTime == 0 && old.LastUplinkData != nil {
						ho.InterruptionTime = ts.Sub(*old.LastUplinkData)
					}
				}
			}
		}
	} else {
		t.DownlinkBytes += uint64(bytes)
		t.DownlinkPackets++
	}

	t.LastActivity = ts
	t.recordEvent(EventDataBurst, ts, "")
}

// CheckTimeouts moves ACTIVE tunnels idle past the activity timeout to
// INACTIVE. Driven by an external periodic tick; there is no timer here.
func (m *Manager) CheckTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.config.ActivityTimeout)
	for _, t := range m.tunnels {
		if t.State == StateActive && t.LastActivity.Before(cutoff) {
			t.State = StateInactive
		}
	}
}

// GetTunnel returns the tunnel for an uplink TEID, or nil.
func (m *Manager) GetTunnel(teid uint32) *Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tunnels[teid]
}

// TunnelsByIMSI returns all tunnels of an IMSI in creation order.
func (m *Manager) TunnelsByIMSI(imsi string) []*Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byIMSI[imsi])
}

// TunnelsByUEIP returns all tunnels serving a UE IP.
func (m *Manager) TunnelsByUEIP(ip string) []*Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byUEIP[ip])
}

// ActiveTunnels returns tunnels in ACTIVE state.
func (m *Manager) ActiveTunnels() []*Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Tunnel
	for _, teid := range m.order {
		if t := m.tunnels[teid]; t != nil && t.State == StateActive {
			result = append(result, t)
		}
	}
	return result
}

// AllTunnels returns every tunnel in creation order.
func (m *Manager) AllTunnels() []*Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Tunnel, 0, len(m.order))
	for _, teid := range m.order {
		if t := m.tunnels[teid]; t != nil {
			result = append(result, t)
		}
	}
	return result
}

// GetStatistics returns tunnel counts and the handover counter.
func (m *Manager) GetStatistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{
		TotalTunnels:      len(m.tunnels),
		HandoversDetected: m.handoversDetected,
		RejectedCreations: m.rejectedCreations,
	}
	for _, t := range m.tunnels {
		switch t.State {
		case StateActive:
			stats.ActiveTunnels++
		case StateInactive:
			stats.InactiveTunnels++
		case StateDeleted:
			stats.DeletedTunnels++
		}
	}
	return stats
}

// Clear drops all tunnels.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels = make(map[uint32]*Tunnel)
	m.order = nil
	m.byIMSI = make(map[string][]uint32)
	m.byUEIP = make(map[string][]uint32)
	m.observedX2 = make(map[string]bool)
	m.observedS1 = make(map[string]bool)
	m.handoversDetected = 0
	m.rejectedCreations = 0
}

// latestTunnelForIMSI returns the most recently created non-deleted
// tunnel of the IMSI. Caller holds the lock.
func (m *Manager) latestTunnelForIMSI(imsi string) *Tunnel {
	teids := m.byIMSI[imsi]
	for i := len(teids) - 1; i >= 0; i-- {
		if t := m.tunnels[teids[i]]; t != nil && t.State != StateDeleted {
			return t
		}
	}
	return nil
}

// classifyHandover infers the handover type from the signalling seen for
// the IMSI: X2AP messages imply X2, S1AP handover procedures imply S1;
// X2 is the default when nothing was observed. Caller holds the lock.
func (m *Manager) classifyHandover(imsi string) HandoverType {
	if m.observedX2[imsi] {
		return HandoverX2
	}
	if m.observedS1[imsi] {
		return HandoverS1
	}
	return HandoverX2
}

func (m *Manager) collect(teids []uint32) []*Tunnel {
	result := make([]*Tunnel, 0, len(teids))
	for _, teid := range teids {
		if t := m.tunnels[teid]; t != nil {
			result = append(result, t)
		}
	}
	return result
}

func uint8From(v interface{}) uint8 {
	switch x := v.(type) {
	case uint8:
		return x
	case int:
		return uint8(x)
	case int64:
		return uint8(x)
	case uint32:
		return uint8(x)
	case float64:
		return uint8(x)
	}
	return 0
}

func uint32From(v interface{}) uint32 {
	switch x := v.(type) {
	case uint32:
		return x
	case uint64:
		return uint32(x)
	case int:
		return uint32(x)
	case int64:
		return uint32(x)
	case float64:
		return uint32(x)
	}
	return 0
}
