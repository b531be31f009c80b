package procedure

import (
	"time"

	"github.com/protei/callflow/pkg/decoder"
)

// LTE attach states, in canonical order.
type lteAttachState int

const (
	attachIdle lteAttachState = iota
	attachRequested
	attachAuthInProgress
	attachAuthComplete
	attachSecurityInProgress
	attachSecurityComplete
	attachGtpCreationInProgress
	attachGtpCreated
	attachContextSetupInProgress
	attachAccepted
	attachAttached
	attachFailed
)

var lteAttachStateNames = map[lteAttachState]string{
	attachIdle:                   "IDLE",
	attachRequested:              "ATTACH_REQUESTED",
	attachAuthInProgress:         "AUTHENTICATION_IN_PROGRESS",
	attachAuthComplete:           "AUTHENTICATION_COMPLETE",
	attachSecurityInProgress:     "SECURITY_MODE_IN_PROGRESS",
	attachSecurityComplete:       "SECURITY_MODE_COMPLETE",
	attachGtpCreationInProgress:  "GTP_SESSION_CREATION_IN_PROGRESS",
	attachGtpCreated:             "GTP_SESSION_CREATED",
	attachContextSetupInProgress: "INITIAL_CONTEXT_SETUP_IN_PROGRESS",
	attachAccepted:               "ATTACH_ACCEPTED",
	attachAttached:               "ATTACHED",
	attachFailed:                 "FAILED",
}

var lteAttachStateDescriptions = map[lteAttachState]string{
	attachIdle:                   "Waiting for Attach Request",
	attachRequested:              "Attach requested, waiting for authentication",
	attachAuthInProgress:         "Authentication in progress",
	attachAuthComplete:           "Authentication complete, waiting for security mode",
	attachSecurityInProgress:     "Security mode command in progress",
	attachSecurityComplete:       "Security established, waiting for GTP session creation",
	attachGtpCreationInProgress:  "GTP session being created",
	attachGtpCreated:             "GTP session created, waiting for context setup",
	attachContextSetupInProgress: "Initial context setup in progress",
	attachAccepted:               "Attach accepted, waiting for completion",
	attachAttached:               "Attach procedure completed successfully",
	attachFailed:                 "Attach procedure failed",
}

// LTEAttachMetrics is the timing block of a completed attach.
type LTEAttachMetrics struct {
	IMSI        string `json:"imsi,omitempty"`
	MMEUES1APID uint32 `json:"mme_ue_s1ap_id,omitempty"`
	ENBUES1APID uint32 `json:"enb_ue_s1ap_id,omitempty"`
	TEIDS1U     uint32 `json:"teid_s1u,omitempty"`
	UEIP        string `json:"ue_ip,omitempty"`
	APN         string `json:"apn,omitempty"`

	AttachToAuthRequest   time.Duration `json:"attach_to_auth_ms"`
	AuthRequestToResponse time.Duration `json:"auth_req_to_resp_ms"`
	AuthToSecurityMode    time.Duration `json:"auth_to_security_ms"`
	SecurityToGtpCreate   time.Duration `json:"security_to_gtp_ms"`
	GtpCreateLatency      time.Duration `json:"gtp_create_latency_ms"`
	GtpToContextSetup     time.Duration `json:"gtp_to_context_setup_ms"`
	ContextToAccept       time.Duration `json:"context_to_accept_ms"`
	AcceptToComplete      time.Duration `json:"accept_to_complete_ms"`
	TotalAttachTime       time.Duration `json:"total_attach_time_ms"`
}

// LTEAttachMachine recognises the 11-step LTE attach procedure from the
// S1AP/NAS/GTP message stream.
type LTEAttachMachine struct {
	stepRecorder

	state lteAttachState

	startTime time.Time
	endTime   time.Time

	attachRequestTime    time.Time
	authRequestTime      time.Time
	authResponseTime     time.Time
	securityCommandTime  time.Time
	securityCompleteTime time.Time
	gtpCreateTime        time.Time
	gtpResponseTime      time.Time
	contextSetupTime     time.Time
	attachAcceptTime     time.Time

	metrics LTEAttachMetrics
}

// NewLTEAttachMachine returns an idle attach recogniser.
func NewLTEAttachMachine() *LTEAttachMachine {
	return &LTEAttachMachine{state: attachIdle}
}

// ProcessMessage advances the machine; true on a transition.
func (m *LTEAttachMachine) ProcessMessage(msg *decoder.Message) bool {
	switch m.state {
	case attachIdle:
		if msg.MessageType == decoder.S1APInitialUEMessage &&
			msg.HasNasType(decoder.NASAttachRequest) {
			m.startTime = msg.Timestamp
			m.attachRequestTime = msg.Timestamp

			m.metrics.IMSI = msg.Key.IMSI
			m.metrics.MMEUES1APID = msg.Key.MMEUES1APID
			m.metrics.ENBUES1APID = msg.Key.ENBUES1APID
			m.metrics.APN = msg.Key.APN

			m.record("Attach Request", msg, true)
			m.state = attachRequested
			return true
		}

	case attachRequested:
		if msg.MessageType == decoder.S1APDownlinkNASTransport &&
			msg.HasNasType(decoder.NASAuthRequest) {
			m.authRequestTime = msg.Timestamp
			m.metrics.AttachToAuthRequest = msg.Timestamp.Sub(m.attachRequestTime)

			m.record("Authentication Request", msg, true)
			m.state = attachAuthInProgress
			return true
		}

	case attachAuthInProgress:
		if msg.MessageType == decoder.S1APUplinkNASTransport &&
			msg.HasNasType(decoder.NASAuthResponse) {
			m.authResponseTime = msg.Timestamp
			m.metrics.AuthRequestToResponse = msg.Timestamp.Sub(m.authRequestTime)

			m.record("Authentication Response", msg, true)
			m.state = attachAuthComplete
			return true
		}
		if msg.MessageType == decoder.S1APUplinkNASTransport &&
			msg.HasNasType(decoder.NASAuthFailure) {
			m.record("Authentication Failure", msg, false)
			m.state = attachFailed
			return true
		}

	case attachAuthComplete:
		if msg.MessageType == decoder.S1APDownlinkNASTransport &&
			msg.HasNasType(decoder.NASSecurityModeCommand) {
			m.securityCommandTime = msg.Timestamp
			m.metrics.AuthToSecurityMode = msg.Timestamp.Sub(m.authResponseTime)

			m.record("Security Mode Command", msg, true)
			m.state = attachSecurityInProgress
			return true
		}

	case attachSecurityInProgress:
		if msg.MessageType == decoder.S1APUplinkNASTransport &&
			msg.HasNasType(decoder.NASSecurityModeComplete) {
			m.securityCompleteTime = msg.Timestamp

			m.record("Security Mode Complete", msg, true)
			m.state = attachSecurityComplete
			return true
		}

	case attachSecurityComplete:
		if msg.MessageType == decoder.GTPCreateSessionReq {
			m.gtpCreateTime = msg.Timestamp
			m.metrics.SecurityToGtpCreate = msg.Timestamp.Sub(m.securityCompleteTime)

			m.record("GTP Create Session Request", msg, true)
			m.state = attachGtpCreationInProgress
			return true
		}

	case attachGtpCreationInProgress:
		if msg.MessageType == decoder.GTPCreateSessionResp {
			m.gtpResponseTime = msg.Timestamp
			m.metrics.GtpCreateLatency = msg.Timestamp.Sub(m.gtpCreateTime)

			m.metrics.TEIDS1U = msg.Key.TEIDS1U
			if m.metrics.TEIDS1U == 0 {
				if teid, ok := msg.Uint32Field("teid_s1u"); ok {
					m.metrics.TEIDS1U = teid
				}
			}
			if msg.Key.UEIPv4 != "" {
				m.metrics.UEIP = msg.Key.UEIPv4
			} else if ip, ok := msg.StringField("ue_ipv4"); ok {
				m.metrics.UEIP = ip
			}

			m.record("GTP Create Session Response", msg, true)
			m.state = attachGtpCreated
			return true
		}

	case attachGtpCreated:
		if msg.MessageType == decoder.S1APInitialContextSetupReq {
			m.contextSetupTime = msg.Timestamp
			m.metrics.GtpToContextSetup = msg.Timestamp.Sub(m.gtpResponseTime)

			m.record("Initial Context Setup Request", msg, true)
			m.state = attachContextSetupInProgress
			return true
		}

	case attachContextSetupInProgress:
		// Setup Response is an acknowledgment; accept without transition
		if msg.MessageType == decoder.S1APInitialContextSetupRsp {
			m.record("Initial Context Setup Response", msg, true)
			return false
		}
		if msg.MessageType == decoder.S1APDownlinkNASTransport &&
			msg.HasNasType(decoder.NASAttachAccept) {
			m.attachAcceptTime = msg.Timestamp
			m.metrics.ContextToAccept = msg.Timestamp.Sub(m.contextSetupTime)

			m.record("Attach Accept", msg, true)
			m.state = attachAccepted
			return true
		}
		if msg.MessageType == decoder.S1APDownlinkNASTransport &&
			msg.HasNasType(decoder.NASAttachReject) {
			m.record("Attach Reject", msg, false)
			m.state = attachFailed
			return true
		}

	case attachAccepted:
		if msg.MessageType == decoder.S1APUplinkNASTransport &&
			msg.HasNasType(decoder.NASAttachComplete) {
			m.endTime = msg.Timestamp
			m.metrics.AcceptToComplete = msg.Timestamp.Sub(m.attachAcceptTime)
			m.metrics.TotalAttachTime = msg.Timestamp.Sub(m.attachRequestTime)

			m.record("Attach Complete", msg, true)
			m.state = attachAttached
			return true
		}
	}

	return false
}

// IsComplete reports the ATTACHED terminal state.
func (m *LTEAttachMachine) IsComplete() bool { return m.state == attachAttached }

// IsFailed reports the FAILED terminal state.
func (m *LTEAttachMachine) IsFailed() bool { return m.state == attachFailed }

// ProcedureType identifies this machine.
func (m *LTEAttachMachine) ProcedureType() Type { return TypeLTEAttach }

// StateName returns the stable textual state.
func (m *LTEAttachMachine) StateName() string { return lteAttachStateNames[m.state] }

// StateDescription returns a human-readable state description.
func (m *LTEAttachMachine) StateDescription() string { return lteAttachStateDescriptions[m.state] }

// StartTime is when the trigger message arrived.
func (m *LTEAttachMachine) StartTime() time.Time { return m.startTime }

// EndTime is when the procedure completed; ok is false until then.
func (m *LTEAttachMachine) EndTime() (time.Time, bool) {
	return m.endTime, m.state == attachAttached
}

// AttachMetrics returns the typed metrics block.
func (m *LTEAttachMachine) AttachMetrics() LTEAttachMetrics { return m.metrics }

// Metrics returns the metrics block with performance indicators.
func (m *LTEAttachMachine) Metrics() map[string]interface{} {
	out := map[string]interface{}{
		"imsi": m.metrics.IMSI,
		"timings": map[string]int64{
			"attach_to_auth_ms":        durationMs(m.metrics.AttachToAuthRequest),
			"auth_req_to_resp_ms":      durationMs(m.metrics.AuthRequestToResponse),
			"auth_to_security_ms":      durationMs(m.metrics.AuthToSecurityMode),
			"security_to_gtp_ms":       durationMs(m.metrics.SecurityToGtpCreate),
			"gtp_create_latency_ms":    durationMs(m.metrics.GtpCreateLatency),
			"gtp_to_context_setup_ms":  durationMs(m.metrics.GtpToContextSetup),
			"context_to_accept_ms":     durationMs(m.metrics.ContextToAccept),
			"accept_to_complete_ms":    durationMs(m.metrics.AcceptToComplete),
			"total_attach_time_ms":     durationMs(m.metrics.TotalAttachTime),
		},
		"performance": map[string]bool{
			"total_within_target": m.metrics.TotalAttachTime < time.Second,
			"gtp_within_target":   m.metrics.GtpCreateLatency < 200*time.Millisecond,
			"auth_within_target":  m.metrics.AuthRequestToResponse < 100*time.Millisecond,
		},
	}
	if m.metrics.MMEUES1APID != 0 {
		out["mme_ue_s1ap_id"] = m.metrics.MMEUES1APID
	}
	if m.metrics.ENBUES1APID != 0 {
		out["enb_ue_s1ap_id"] = m.metrics.ENBUES1APID
	}
	if m.metrics.TEIDS1U != 0 {
		out["teid_s1u"] = m.metrics.TEIDS1U
	}
	if m.metrics.UEIP != "" {
		out["ue_ip"] = m.metrics.UEIP
	}
	if m.metrics.APN != "" {
		out["apn"] = m.metrics.APN
	}
	return out
}
