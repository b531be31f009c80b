package procedure

import (
	"time"

	"github.com/protei/callflow/pkg/decoder"
)

type regState int

const (
	regIdle regState = iota
	regRequested
	regAuthInProgress
	regAuthComplete
	regSecurityInProgress
	regSecurityComplete
	regContextSetupInProgress
	regAccepted
	regRegistered
	regFailed
)

var regStateNames = map[regState]string{
	regIdle:                   "IDLE",
	regRequested:              "REGISTRATION_REQUESTED",
	regAuthInProgress:         "AUTHENTICATION_IN_PROGRESS",
	regAuthComplete:           "AUTHENTICATION_COMPLETE",
	regSecurityInProgress:     "SECURITY_MODE_IN_PROGRESS",
	regSecurityComplete:       "SECURITY_MODE_COMPLETE",
	regContextSetupInProgress: "INITIAL_CONTEXT_SETUP_IN_PROGRESS",
	regAccepted:               "REGISTRATION_ACCEPTED",
	regRegistered:             "REGISTERED",
	regFailed:                 "FAILED",
}

var regStateDescriptions = map[regState]string{
	regIdle:                   "Waiting for Registration Request",
	regRequested:              "Registration requested",
	regAuthInProgress:         "Authentication in progress",
	regAuthComplete:           "Authentication complete",
	regSecurityInProgress:     "Security mode in progress",
	regSecurityComplete:       "Security mode complete",
	regContextSetupInProgress: "Initial context setup in progress",
	regAccepted:               "Registration accepted",
	regRegistered:             "Registration complete",
	regFailed:                 "Registration failed",
}

// FiveGRegistrationMetrics is the metrics block of a 5G registration.
type FiveGRegistrationMetrics struct {
	SUPI        string `json:"supi,omitempty"`
	AMFUENGAPID uint64 `json:"amf_ue_ngap_id,omitempty"`
	RANUENGAPID uint64 `json:"ran_ue_ngap_id,omitempty"`

	TotalRegistrationTime time.Duration `json:"total_registration_time_ms"`
}

// FiveGRegistrationMachine recognises the 5G initial registration
// procedure over NGAP/NAS, analogous to LTE attach without GTP.
type FiveGRegistrationMachine struct {
	stepRecorder

	state regState

	startTime time.Time
	endTime   time.Time

	metrics FiveGRegistrationMetrics
}

// NewFiveGRegistrationMachine returns an idle registration recogniser.
func NewFiveGRegistrationMachine() *FiveGRegistrationMachine {
	return &FiveGRegistrationMachine{state: regIdle}
}

// ProcessMessage advances the machine; true on a transition.
func (m *FiveGRegistrationMachine) ProcessMessage(msg *decoder.Message) bool {
	switch m.state {
	case regIdle:
		if msg.MessageType == decoder.NGAPInitialUEMessage &&
			msg.HasNasType(decoder.NAS5GRegistrationRequest) {
			m.startTime = msg.Timestamp
			m.metrics.SUPI = msg.Key.SUPI
			m.metrics.AMFUENGAPID = msg.Key.AMFUENGAPID
			m.metrics.RANUENGAPID = msg.Key.RANUENGAPID

			m.record("Registration Request", msg, true)
			m.state = regRequested
			return true
		}

	case regRequested:
		if msg.MessageType == decoder.NGAPDownlinkNASTransport &&
			msg.HasNasType(decoder.NAS5GAuthRequest) {
			m.record("Authentication Request", msg, true)
			m.state = regAuthInProgress
			return true
		}

	case regAuthInProgress:
		if msg.MessageType == decoder.NGAPUplinkNASTransport &&
			msg.HasNasType(decoder.NAS5GAuthResponse) {
			m.record("Authentication Response", msg, true)
			m.state = regAuthComplete
			return true
		}

	case regAuthComplete:
		if msg.MessageType == decoder.NGAPDownlinkNASTransport &&
			msg.HasNasType(decoder.NAS5GSecurityModeCommand) {
			m.record("Security Mode Command", msg, true)
			m.state = regSecurityInProgress
			return true
		}

	case regSecurityInProgress:
		if msg.MessageType == decoder.NGAPUplinkNASTransport &&
			msg.HasNasType(decoder.NAS5GSecurityModeComplete) {
			m.record("Security Mode Complete", msg, true)
			m.state = regSecurityComplete
			return true
		}

	case regSecurityComplete:
		if msg.MessageType == decoder.NGAPInitialContextSetupReq {
			m.record("Initial Context Setup Request", msg, true)
			m.state = regContextSetupInProgress
			return true
		}

	case regContextSetupInProgress:
		if msg.MessageType == decoder.NGAPDownlinkNASTransport &&
			msg.HasNasType(decoder.NAS5GRegistrationAccept) {
			m.record("Registration Accept", msg, true)
			m.state = regAccepted
			return true
		}

	case regAccepted:
		if msg.MessageType == decoder.NGAPUplinkNASTransport &&
			msg.HasNasType(decoder.NAS5GRegistrationComplete) {
			m.endTime = msg.Timestamp
			m.metrics.TotalRegistrationTime = msg.Timestamp.Sub(m.startTime)

			m.record("Registration Complete", msg, true)
			m.state = regRegistered
			return true
		}
	}

	return false
}

// IsComplete reports the REGISTERED terminal state.
func (m *FiveGRegistrationMachine) IsComplete() bool { return m.state == regRegistered }

// IsFailed reports the FAILED terminal state.
func (m *FiveGRegistrationMachine) IsFailed() bool { return m.state == regFailed }

// ProcedureType identifies this machine.
func (m *FiveGRegistrationMachine) ProcedureType() Type { return TypeFiveGRegistration }

// StateName returns the stable textual state.
func (m *FiveGRegistrationMachine) StateName() string { return regStateNames[m.state] }

// StateDescription returns a human-readable state description.
func (m *FiveGRegistrationMachine) StateDescription() string {
	return regStateDescriptions[m.state]
}

// StartTime is when the trigger message arrived.
func (m *FiveGRegistrationMachine) StartTime() time.Time { return m.startTime }

// EndTime is when the procedure completed; ok is false until then.
func (m *FiveGRegistrationMachine) EndTime() (time.Time, bool) {
	return m.endTime, m.state == regRegistered
}

// RegistrationMetrics returns the typed metrics block.
func (m *FiveGRegistrationMachine) RegistrationMetrics() FiveGRegistrationMetrics {
	return m.metrics
}

// Metrics returns the metrics block.
func (m *FiveGRegistrationMachine) Metrics() map[string]interface{} {
	out := map[string]interface{}{
		"total_registration_time_ms": durationMs(m.metrics.TotalRegistrationTime),
	}
	if m.metrics.SUPI != "" {
		out["supi"] = m.metrics.SUPI
	}
	if m.metrics.AMFUENGAPID != 0 {
		out["amf_ue_ngap_id"] = m.metrics.AMFUENGAPID
	}
	if m.metrics.RANUENGAPID != 0 {
		out["ran_ue_ngap_id"] = m.metrics.RANUENGAPID
	}
	return out
}
