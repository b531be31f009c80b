package procedure

import (
	"time"

	"github.com/protei/callflow/pkg/decoder"
)

type volteState int

const (
	volteIdle volteState = iota
	volteInviteSent
	volteTryingReceived
	volteMediaAuthInProgress
	volteMediaAuthorized
	voltePolicyInProgress
	voltePolicyInstalled
	volteBearerInProgress
	volteBearerCreated
	volteRinging
	volteCallConnected
	volteMediaActive
	volteCallReleased
	volteFailed
)

var volteStateNames = map[volteState]string{
	volteIdle:                "IDLE",
	volteInviteSent:          "INVITE_SENT",
	volteTryingReceived:      "TRYING_RECEIVED",
	volteMediaAuthInProgress: "MEDIA_AUTHORIZATION_IN_PROGRESS",
	volteMediaAuthorized:     "MEDIA_AUTHORIZED",
	voltePolicyInProgress:    "POLICY_INSTALLATION_IN_PROGRESS",
	voltePolicyInstalled:     "POLICY_INSTALLED",
	volteBearerInProgress:    "DEDICATED_BEARER_CREATION_IN_PROGRESS",
	volteBearerCreated:       "DEDICATED_BEARER_CREATED",
	volteRinging:             "RINGING",
	volteCallConnected:       "CALL_CONNECTED",
	volteMediaActive:         "MEDIA_ACTIVE",
	volteCallReleased:        "CALL_RELEASED",
	volteFailed:              "FAILED",
}

var volteStateDescriptions = map[volteState]string{
	volteIdle:                "Waiting for SIP INVITE",
	volteInviteSent:          "INVITE sent, waiting for response",
	volteTryingReceived:      "100 Trying received, waiting for media authorization",
	volteMediaAuthInProgress: "Media authorization in progress (Diameter Rx)",
	volteMediaAuthorized:     "Media authorized, waiting for policy installation",
	voltePolicyInProgress:    "Policy installation in progress (Diameter Gx)",
	voltePolicyInstalled:     "Policy installed, waiting for dedicated bearer",
	volteBearerInProgress:    "Dedicated bearer being created",
	volteBearerCreated:       "Dedicated bearer created, waiting for ringing",
	volteRinging:             "Ringing, waiting for answer",
	volteCallConnected:       "Call connected, waiting for media",
	volteMediaActive:         "Media active, call in progress",
	volteCallReleased:        "Call released",
	volteFailed:              "Call setup failed",
}

// VoLTECallMetrics is the timing block of a VoLTE call setup.
type VoLTECallMetrics struct {
	SIPCallID     string `json:"sip_call_id,omitempty"`
	IMSI          string `json:"imsi,omitempty"`
	CallingNumber string `json:"calling_number,omitempty"`
	CalledNumber  string `json:"called_number,omitempty"`
	ICID          string `json:"icid,omitempty"`

	DedicatedBearerTEID uint32 `json:"dedicated_bearer_teid,omitempty"`
	DedicatedBearerQCI  uint8  `json:"dedicated_bearer_qci,omitempty"` // should be 1 for voice
	RTPSSRC             uint32 `json:"rtp_ssrc,omitempty"`
	GBRUplink           uint32 `json:"gbr_ul_kbps,omitempty"`
	GBRDownlink         uint32 `json:"gbr_dl_kbps,omitempty"`

	InviteToTrying      time.Duration `json:"invite_to_trying_ms"`
	MediaAuthorization  time.Duration `json:"media_authorization_time_ms"`
	PolicyInstallation  time.Duration `json:"policy_installation_time_ms"`
	DedicatedBearerTime time.Duration `json:"dedicated_bearer_setup_time_ms"`
	PostDialDelay       time.Duration `json:"post_dial_delay_ms"`   // INVITE -> 180
	CallSetupTime       time.Duration `json:"call_setup_time_ms"`   // INVITE -> 200
	AnswerToMedia       time.Duration `json:"answer_to_media_ms"`
}

// VoLTECallMachine recognises the VoLTE call setup sequence across SIP,
// Diameter Rx/Gx, GTP bearer management and RTP.
type VoLTECallMachine struct {
	stepRecorder

	state volteState

	startTime time.Time
	endTime   time.Time

	inviteTime    time.Time
	rxAARTime     time.Time
	gxRARTime     time.Time
	bearerReqTime time.Time
	okTime        time.Time

	metrics VoLTECallMetrics
}

// NewVoLTECallMachine returns an idle VoLTE call recogniser.
func NewVoLTECallMachine() *VoLTECallMachine {
	return &VoLTECallMachine{state: volteIdle}
}

// ProcessMessage advances the machine; true on a transition. SIP ACK is
// accepted and recorded but never transitions.
func (m *VoLTECallMachine) ProcessMessage(msg *decoder.Message) bool {
	switch m.state {
	case volteIdle:
		if msg.MessageType == decoder.SIPInvite {
			m.startTime = msg.Timestamp
			m.inviteTime = msg.Timestamp

			m.metrics.SIPCallID = msg.Key.SIPCallID
			if m.metrics.SIPCallID == "" {
				if v, ok := msg.StringField("call_id"); ok {
					m.metrics.SIPCallID = v
				}
			}
			if v, ok := msg.StringField("from"); ok {
				m.metrics.CallingNumber = v
			}
			if v, ok := msg.StringField("to"); ok {
				m.metrics.CalledNumber = v
			}
			if v, ok := msg.StringField("icid"); ok {
				m.metrics.ICID = v
			}
			m.metrics.IMSI = msg.Key.IMSI

			m.record("SIP INVITE", msg, true)
			m.state = volteInviteSent
			return true
		}

	case volteInviteSent:
		if msg.MessageType == decoder.SIPTrying {
			m.metrics.InviteToTrying = msg.Timestamp.Sub(m.inviteTime)
			m.record("SIP 100 Trying", msg, true)
			m.state = volteTryingReceived
			return true
		}
		// Some traces miss the 100 Trying
		if msg.MessageType == decoder.DiameterAAR {
			m.rxAARTime = msg.Timestamp
			m.record("Diameter Rx AAR", msg, true)
			m.state = volteMediaAuthInProgress
			return true
		}

	case volteTryingReceived:
		if msg.MessageType == decoder.DiameterAAR {
			m.rxAARTime = msg.Timestamp
			m.record("Diameter Rx AAR", msg, true)
			m.state = volteMediaAuthInProgress
			return true
		}

	case volteMediaAuthInProgress:
		if msg.MessageType == decoder.DiameterAAA {
			m.metrics.MediaAuthorization = msg.Timestamp.Sub(m.rxAARTime)
			m.record("Diameter Rx AAA", msg, true)
			m.state = volteMediaAuthorized
			return true
		}

	case volteMediaAuthorized:
		if msg.MessageType == decoder.DiameterRAR {
			m.gxRARTime = msg.Timestamp
			if qci, ok := msg.Uint32Field("qci"); ok {
				m.metrics.DedicatedBearerQCI = uint8(qci)
			}
			if gbr, ok := msg.Uint32Field("gbr_ul"); ok {
				m.metrics.GBRUplink = gbr
			}
			if gbr, ok := msg.Uint32Field("gbr_dl"); ok {
				m.metrics.GBRDownlink = gbr
			}

			m.record("Diameter Gx RAR", msg, true)
			m.state = voltePolicyInProgress
			return true
		}

	case voltePolicyInProgress:
		if msg.MessageType == decoder.DiameterRAA {
			m.metrics.PolicyInstallation = msg.Timestamp.Sub(m.gxRARTime)
			m.record("Diameter Gx RAA", msg, true)
			m.state = voltePolicyInstalled
			return true
		}

	case voltePolicyInstalled:
		if msg.MessageType == decoder.GTPCreateBearerReq {
			m.bearerReqTime = msg.Timestamp
			m.record("GTP Create Bearer Request", msg, true)
			m.state = volteBearerInProgress
			return true
		}

	case volteBearerInProgress:
		if msg.MessageType == decoder.GTPCreateBearerResp {
			m.metrics.DedicatedBearerTime = msg.Timestamp.Sub(m.bearerReqTime)
			m.metrics.DedicatedBearerTEID = msg.Key.TEIDS1U
			if m.metrics.DedicatedBearerTEID == 0 {
				if teid, ok := msg.Uint32Field("teid_s1u"); ok {
					m.metrics.DedicatedBearerTEID = teid
				}
			}

			m.record("GTP Create Bearer Response", msg, true)
			m.state = volteBearerCreated
			return true
		}

	case volteBearerCreated:
		if msg.MessageType == decoder.SIPRinging {
			m.metrics.PostDialDelay = msg.Timestamp.Sub(m.inviteTime)
			m.record("SIP 180 Ringing", msg, true)
			m.state = volteRinging
			return true
		}

	case volteRinging:
		if msg.MessageType == decoder.SIPOK {
			m.okTime = msg.Timestamp
			m.metrics.CallSetupTime = msg.Timestamp.Sub(m.inviteTime)
			m.record("SIP 200 OK", msg, true)
			m.state = volteCallConnected
			return true
		}
		if msg.MessageType == decoder.SIPBye || msg.MessageType == decoder.SIPCancel {
			m.record("Call Rejected/Cancelled", msg, false)
			m.state = volteFailed
			return true
		}

	case volteCallConnected:
		if msg.MessageType == decoder.SIPACK {
			m.record("SIP ACK", msg, true)
			return false
		}
		if msg.Protocol == decoder.ProtocolRTP {
			m.endTime = msg.Timestamp
			m.metrics.AnswerToMedia = msg.Timestamp.Sub(m.okTime)
			if msg.Key.HasSSRC || msg.Key.RTPSSRC != 0 {
				m.metrics.RTPSSRC = msg.Key.RTPSSRC
			}

			m.record("RTP Media Start", msg, true)
			m.state = volteMediaActive
			return true
		}

	case volteMediaActive:
		if msg.MessageType == decoder.SIPBye {
			m.record("SIP BYE", msg, true)
			m.state = volteCallReleased
			return true
		}
	}

	return false
}

// IsComplete reports MEDIA_ACTIVE or CALL_RELEASED.
func (m *VoLTECallMachine) IsComplete() bool {
	return m.state == volteMediaActive || m.state == volteCallReleased
}

// IsFailed reports the FAILED terminal state.
func (m *VoLTECallMachine) IsFailed() bool { return m.state == volteFailed }

// ProcedureType identifies this machine.
func (m *VoLTECallMachine) ProcedureType() Type { return TypeVoLTECallSetup }

// StateName returns the stable textual state.
func (m *VoLTECallMachine) StateName() string { return volteStateNames[m.state] }

// StateDescription returns a human-readable state description.
func (m *VoLTECallMachine) StateDescription() string { return volteStateDescriptions[m.state] }

// StartTime is when the INVITE arrived.
func (m *VoLTECallMachine) StartTime() time.Time { return m.startTime }

// EndTime is when media started; ok is false before MEDIA_ACTIVE.
func (m *VoLTECallMachine) EndTime() (time.Time, bool) {
	return m.endTime, m.state == volteMediaActive || m.state == volteCallReleased
}

// CallMetrics returns the typed metrics block.
func (m *VoLTECallMachine) CallMetrics() VoLTECallMetrics { return m.metrics }

// Metrics returns the metrics block with performance indicators.
func (m *VoLTECallMachine) Metrics() map[string]interface{} {
	out := map[string]interface{}{
		"sip_call_id": m.metrics.SIPCallID,
		"timings": map[string]int64{
			"invite_to_trying_ms":            durationMs(m.metrics.InviteToTrying),
			"media_authorization_time_ms":    durationMs(m.metrics.MediaAuthorization),
			"policy_installation_time_ms":    durationMs(m.metrics.PolicyInstallation),
			"dedicated_bearer_setup_time_ms": durationMs(m.metrics.DedicatedBearerTime),
			"post_dial_delay_ms":             durationMs(m.metrics.PostDialDelay),
			"call_setup_time_ms":             durationMs(m.metrics.CallSetupTime),
			"answer_to_media_ms":             durationMs(m.metrics.AnswerToMedia),
		},
		"performance": map[string]bool{
			"call_setup_within_target": m.metrics.CallSetupTime < 3*time.Second,
			"pdd_within_target":        m.metrics.PostDialDelay < 2*time.Second,
			"qci_correct":              m.metrics.DedicatedBearerQCI == 1,
		},
	}
	if m.metrics.IMSI != "" {
		out["imsi"] = m.metrics.IMSI
	}
	if m.metrics.CallingNumber != "" {
		out["calling_number"] = m.metrics.CallingNumber
	}
	if m.metrics.CalledNumber != "" {
		out["called_number"] = m.metrics.CalledNumber
	}
	if m.metrics.ICID != "" {
		out["icid"] = m.metrics.ICID
	}
	if m.metrics.DedicatedBearerTEID != 0 {
		out["dedicated_bearer_teid"] = m.metrics.DedicatedBearerTEID
	}
	if m.metrics.DedicatedBearerQCI != 0 {
		out["dedicated_bearer_qci"] = m.metrics.DedicatedBearerQCI
	}
	if m.metrics.RTPSSRC != 0 {
		out["rtp_ssrc"] = m.metrics.RTPSSRC
	}
	if m.metrics.GBRUplink != 0 || m.metrics.GBRDownlink != 0 {
		out["qos"] = map[string]uint32{
			"gbr_ul_kbps": m.metrics.GBRUplink,
			"gbr_dl_kbps": m.metrics.GBRDownlink,
		}
	}
	return out
}
