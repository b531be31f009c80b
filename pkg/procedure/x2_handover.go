package procedure

import (
	"time"

	"github.com/protei/callflow/pkg/decoder"
)

type x2State int

const (
	x2Idle x2State = iota
	x2HandoverRequested
	x2HandoverPrepared
	x2SNStatusTransferred
	x2PathSwitchRequested
	x2BearerModified
	x2PathSwitchAcked
	x2ContextReleased
	x2Failed
)

var x2StateNames = map[x2State]string{
	x2Idle:                "IDLE",
	x2HandoverRequested:   "HANDOVER_REQUESTED",
	x2HandoverPrepared:    "HANDOVER_PREPARED",
	x2SNStatusTransferred: "SN_STATUS_TRANSFERRED",
	x2PathSwitchRequested: "PATH_SWITCH_REQUESTED",
	x2BearerModified:      "BEARER_MODIFIED",
	x2PathSwitchAcked:     "PATH_SWITCH_ACKNOWLEDGED",
	x2ContextReleased:     "CONTEXT_RELEASED",
	x2Failed:              "FAILED",
}

var x2StateDescriptions = map[x2State]string{
	x2Idle:                "Waiting for handover request",
	x2HandoverRequested:   "Handover requested, waiting for acknowledgment",
	x2HandoverPrepared:    "Handover prepared, waiting for SN status or path switch",
	x2SNStatusTransferred: "SN status transferred, waiting for path switch",
	x2PathSwitchRequested: "Path switch requested, waiting for bearer modification",
	x2BearerModified:      "Bearer modified, waiting for path switch acknowledgment",
	x2PathSwitchAcked:     "Path switch acknowledged, waiting for context release",
	x2ContextReleased:     "Context released, handover completed",
	x2Failed:              "Handover failed",
}

// X2HandoverMetrics is the timing block of a completed X2 handover.
type X2HandoverMetrics struct {
	IMSI           string `json:"imsi,omitempty"`
	MMEUES1APID    uint32 `json:"mme_ue_s1ap_id,omitempty"`
	OldENBUES1APID uint32 `json:"old_enb_ue_s1ap_id,omitempty"`
	NewENBUES1APID uint32 `json:"new_enb_ue_s1ap_id,omitempty"`
	OldTEIDS1U     uint32 `json:"old_teid_s1u,omitempty"`
	NewTEIDS1U     uint32 `json:"new_teid_s1u,omitempty"`
	SourceENBID    string `json:"source_enb_id,omitempty"`
	TargetENBID    string `json:"target_enb_id,omitempty"`

	RequestToAck           time.Duration `json:"handover_request_to_ack_ms"`
	PathSwitchToBearerMod  time.Duration `json:"path_switch_to_bearer_modify_ms"`
	BearerModifyLatency    time.Duration `json:"bearer_modify_latency_ms"`
	PreparationTime        time.Duration `json:"handover_preparation_time_ms"`
	ExecutionTime          time.Duration `json:"handover_execution_time_ms"`
	TotalHandoverTime      time.Duration `json:"total_handover_time_ms"`
	InterruptionTargetMet  bool          `json:"interruption_time_met"`
}

// X2HandoverMachine recognises the X2-based handover procedure.
type X2HandoverMachine struct {
	stepRecorder

	state x2State

	startTime time.Time
	endTime   time.Time

	requestTime       time.Time
	ackTime           time.Time
	pathSwitchTime    time.Time
	bearerModReqTime  time.Time

	metrics X2HandoverMetrics
}

// NewX2HandoverMachine returns an idle X2 handover recogniser.
func NewX2HandoverMachine() *X2HandoverMachine {
	return &X2HandoverMachine{state: x2Idle}
}

// ProcessMessage advances the machine; true on a transition.
func (m *X2HandoverMachine) ProcessMessage(msg *decoder.Message) bool {
	switch m.state {
	case x2Idle:
		if msg.MessageType == decoder.X2APHandoverRequest {
			m.startTime = msg.Timestamp
			m.requestTime = msg.Timestamp

			m.metrics.IMSI = msg.Key.IMSI
			m.metrics.MMEUES1APID = msg.Key.MMEUES1APID
			m.metrics.OldENBUES1APID = msg.Key.ENBUES1APID
			if v, ok := msg.StringField("source_enb_id"); ok {
				m.metrics.SourceENBID = v
			}

			m.record("X2 Handover Request", msg, true)
			m.state = x2HandoverRequested
			return true
		}

	case x2HandoverRequested:
		if msg.MessageType == decoder.X2APHandoverRequestAck {
			m.ackTime = msg.Timestamp
			m.metrics.RequestToAck = msg.Timestamp.Sub(m.requestTime)
			m.metrics.PreparationTime = m.metrics.RequestToAck
			if v, ok := msg.StringField("target_enb_id"); ok {
				m.metrics.TargetENBID = v
			}

			m.record("X2 Handover Request Acknowledge", msg, true)
			m.state = x2HandoverPrepared
			return true
		}
		if msg.MessageType == decoder.X2APHandoverCancel {
			m.record("X2 Handover Cancel", msg, false)
			m.state = x2Failed
			return true
		}

	case x2HandoverPrepared:
		if msg.MessageType == decoder.X2APSNStatusTransfer {
			m.record("SN Status Transfer", msg, true)
			m.state = x2SNStatusTransferred
			return true
		}
		// Some deployments skip SN Status Transfer
		if msg.MessageType == decoder.S1APPathSwitchRequest {
			m.enterPathSwitch(msg)
			return true
		}

	case x2SNStatusTransferred:
		if msg.MessageType == decoder.S1APPathSwitchRequest {
			m.enterPathSwitch(msg)
			return true
		}

	case x2PathSwitchRequested:
		if msg.MessageType == decoder.GTPModifyBearerReq {
			m.bearerModReqTime = msg.Timestamp
			m.metrics.PathSwitchToBearerMod = msg.Timestamp.Sub(m.pathSwitchTime)
			if teid, ok := msg.Uint32Field("old_teid"); ok {
				m.metrics.OldTEIDS1U = teid
			}

			m.record("Modify Bearer Request", msg, true)
			return true
		}
		if msg.MessageType == decoder.GTPModifyBearerResp {
			m.metrics.BearerModifyLatency = msg.Timestamp.Sub(m.bearerModReqTime)
			m.metrics.NewTEIDS1U = msg.Key.TEIDS1U
			if m.metrics.NewTEIDS1U == 0 {
				if teid, ok := msg.Uint32Field("teid_s1u"); ok {
					m.metrics.NewTEIDS1U = teid
				}
			}

			m.record("Modify Bearer Response", msg, true)
			m.state = x2BearerModified
			return true
		}

	case x2BearerModified:
		if msg.MessageType == decoder.S1APPathSwitchRequestAck {
			m.record("Path Switch Request Acknowledge", msg, true)
			m.state = x2PathSwitchAcked
			return true
		}

	case x2PathSwitchAcked:
		if msg.MessageType == decoder.X2APUEContextRelease {
			m.endTime = msg.Timestamp
			m.metrics.TotalHandoverTime = msg.Timestamp.Sub(m.requestTime)
			m.metrics.ExecutionTime = msg.Timestamp.Sub(m.ackTime)
			// 3GPP intra-frequency interruption target, approximated by
			// the execution window
			m.metrics.InterruptionTargetMet = m.metrics.ExecutionTime < 30*time.Millisecond

			m.record("UE Context Release", msg, true)
			m.state = x2ContextReleased
			return true
		}
	}

	return false
}

func (m *X2HandoverMachine) enterPathSwitch(msg *decoder.Message) {
	m.pathSwitchTime = msg.Timestamp
	if msg.Key.HasENBUEID || msg.Key.ENBUES1APID != 0 {
		m.metrics.NewENBUES1APID = msg.Key.ENBUES1APID
	}
	m.record("Path Switch Request", msg, true)
	m.state = x2PathSwitchRequested
}

// IsComplete reports the CONTEXT_RELEASED terminal state.
func (m *X2HandoverMachine) IsComplete() bool { return m.state == x2ContextReleased }

// IsFailed reports the FAILED terminal state.
func (m *X2HandoverMachine) IsFailed() bool { return m.state == x2Failed }

// ProcedureType identifies this machine.
func (m *X2HandoverMachine) ProcedureType() Type { return TypeX2Handover }

// StateName returns the stable textual state.
func (m *X2HandoverMachine) StateName() string { return x2StateNames[m.state] }

// StateDescription returns a human-readable state description.
func (m *X2HandoverMachine) StateDescription() string { return x2StateDescriptions[m.state] }

// StartTime is when the trigger message arrived.
func (m *X2HandoverMachine) StartTime() time.Time { return m.startTime }

// EndTime is when the procedure completed; ok is false until then.
func (m *X2HandoverMachine) EndTime() (time.Time, bool) {
	return m.endTime, m.state == x2ContextReleased
}

// HandoverMetrics returns the typed metrics block.
func (m *X2HandoverMachine) HandoverMetrics() X2HandoverMetrics { return m.metrics }

// Metrics returns the metrics block with performance indicators.
func (m *X2HandoverMachine) Metrics() map[string]interface{} {
	out := map[string]interface{}{
		"imsi": m.metrics.IMSI,
		"timings": map[string]int64{
			"handover_request_to_ack_ms":      durationMs(m.metrics.RequestToAck),
			"path_switch_to_bearer_modify_ms": durationMs(m.metrics.PathSwitchToBearerMod),
			"bearer_modify_latency_ms":        durationMs(m.metrics.BearerModifyLatency),
			"handover_preparation_time_ms":    durationMs(m.metrics.PreparationTime),
			"handover_execution_time_ms":      durationMs(m.metrics.ExecutionTime),
			"total_handover_time_ms":          durationMs(m.metrics.TotalHandoverTime),
		},
		"performance": map[string]bool{
			"total_within_target":       m.metrics.TotalHandoverTime < 500*time.Millisecond,
			"preparation_within_target": m.metrics.RequestToAck < 50*time.Millisecond,
			"interruption_time_met":     m.metrics.InterruptionTargetMet,
		},
	}
	if m.metrics.OldTEIDS1U != 0 {
		out["old_teid_s1u"] = m.metrics.OldTEIDS1U
	}
	if m.metrics.NewTEIDS1U != 0 {
		out["new_teid_s1u"] = m.metrics.NewTEIDS1U
	}
	if m.metrics.SourceENBID != "" {
		out["source_enb_id"] = m.metrics.SourceENBID
	}
	if m.metrics.TargetENBID != "" {
		out["target_enb_id"] = m.metrics.TargetENBID
	}
	return out
}
