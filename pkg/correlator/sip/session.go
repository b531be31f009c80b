package sip

import (
	"strings"
	"time"

	"github.com/protei/callflow/pkg/decoder"
	"github.com/protei/callflow/pkg/identity"
)

// SessionType classifies what a SIP dialog was for.
type SessionType string

const (
	SessionRegistration   SessionType = "REGISTRATION"
	SessionDeregistration SessionType = "DEREGISTRATION"
	SessionVoiceCall      SessionType = "VOICE_CALL"
	SessionVideoCall      SessionType = "VIDEO_CALL"
	SessionForwarding     SessionType = "CALL_FORWARDING"
	SessionSMS            SessionType = "SMS_MESSAGE"
	SessionOther          SessionType = "OTHER"
	SessionUnknown        SessionType = "UNKNOWN"
)

// DialogState tracks the SIP dialog lifecycle.
type DialogState string

const (
	DialogInit       DialogState = "INIT"
	DialogProceeding DialogState = "PROCEEDING"
	DialogRinging    DialogState = "RINGING"
	DialogConfirmed  DialogState = "CONFIRMED"
	DialogTerminated DialogState = "TERMINATED"
)

// MediaEndpoint is an RTP endpoint advertised in SDP.
type MediaEndpoint struct {
	IP    string `json:"ip"`
	Port  uint16 `json:"port"`
	Media string `json:"media"` // "audio" or "video"
}

// Session groups the SIP messages of one Call-ID and the state extracted
// from them.
type Session struct {
	CallID    string `json:"call_id"`
	SessionID string `json:"session_id"` // intra-correlator id

	Messages []*decoder.Message `json:"-"`

	Type  SessionType `json:"type"`
	State DialogState `json:"state"`

	CallerMSISDN string `json:"caller_msisdn,omitempty"`
	CalleeMSISDN string `json:"callee_msisdn,omitempty"`
	FromURI      string `json:"from_uri,omitempty"`
	ToURI        string `json:"to_uri,omitempty"`

	CallerIP string `json:"caller_ip,omitempty"`
	CalleeIP string `json:"callee_ip,omitempty"`

	ICID string `json:"icid,omitempty"` // P-Charging-Vector

	MediaEndpoints []MediaEndpoint `json:"media_endpoints,omitempty"`

	HasAudio   bool `json:"has_audio"`
	HasVideo   bool `json:"has_video"`
	Forwarding bool `json:"forwarding"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartFrame uint32    `json:"start_frame"`
	EndFrame   uint32    `json:"end_frame"`

	// Response arrival times for call metrics
	InviteTime  time.Time `json:"-"`
	RingingTime time.Time `json:"-"`
	AnswerTime  time.Time `json:"-"`
	ByeTime     time.Time `json:"-"`
}

func newSession(callID, sessionID string) *Session {
	return &Session{
		CallID:    callID,
		SessionID: sessionID,
		Type:      SessionUnknown,
		State:     DialogInit,
	}
}

func (s *Session) addMessage(msg *decoder.Message) {
	s.Messages = append(s.Messages, msg)
	s.updateTimeWindow(msg)
	s.extractParties(msg)
	s.extractMedia(msg)
	s.updateDialogState(msg)
}

func (s *Session) updateTimeWindow(msg *decoder.Message) {
	if s.StartTime.IsZero() || msg.Timestamp.Before(s.StartTime) {
		s.StartTime = msg.Timestamp
		s.StartFrame = msg.FrameNumber
	}
	if msg.Timestamp.After(s.EndTime) {
		s.EndTime = msg.Timestamp
		s.EndFrame = msg.FrameNumber
	}
}

func (s *Session) extractParties(msg *decoder.Message) {
	if from, ok := msg.StringField("from"); ok && s.FromURI == "" {
		s.FromURI = from
		if norm := identity.NormalizeMSISDN(from); !norm.IsEmpty() {
			s.CallerMSISDN = norm.Raw
		}
	}
	if to, ok := msg.StringField("to"); ok && s.ToURI == "" {
		s.ToURI = to
		if norm := identity.NormalizeMSISDN(to); !norm.IsEmpty() {
			s.CalleeMSISDN = norm.Raw
		}
	}

	// Caller IP from the first Via hop of the request
	if via, ok := msg.StringField("via"); ok && s.CallerIP == "" {
		s.CallerIP = extractViaHost(via)
	}

	// Callee media IP from the SDP connection line of responses
	if c, ok := msg.StringField("sdp_connection"); ok {
		if isRequest(msg.MessageType) {
			if s.CallerIP == "" {
				s.CallerIP = c
			}
		} else if s.CalleeIP == "" {
			s.CalleeIP = c
		}
	}

	if icid, ok := msg.StringField("icid"); ok && s.ICID == "" {
		s.ICID = icid
	}

	// Forwarding indicators: 3xx responses or isub-tagged contacts
	if status, ok := msg.Uint32Field("status_code"); ok && status >= 300 && status < 400 {
		s.Forwarding = true
	}
	if contact, ok := msg.StringField("contact"); ok && strings.Contains(contact, ";isub=") {
		s.Forwarding = true
	}
}

func (s *Session) extractMedia(msg *decoder.Message) {
	media, ok := msg.MapSliceField("sdp_media")
	if !ok {
		return
	}

	conn, _ := msg.StringField("sdp_connection")

	for _, m := range media {
		kind, _ := m["media"].(string)
		var port uint16
		switch p := m["port"].(type) {
		case int:
			port = uint16(p)
		case uint16:
			port = p
		case float64:
			port = uint16(p)
		}

		switch kind {
		case "audio":
			s.HasAudio = true
		case "video":
			s.HasVideo = true
		}

		s.MediaEndpoints = append(s.MediaEndpoints, MediaEndpoint{
			IP:    conn,
			Port:  port,
			Media: kind,
		})
	}
}

func (s *Session) updateDialogState(msg *decoder.Message) {
	switch msg.MessageType {
	case decoder.SIPInvite:
		if s.InviteTime.IsZero() {
			s.InviteTime = msg.Timestamp
		}
	case decoder.SIPTrying:
		if s.State == DialogInit {
			s.State = DialogProceeding
		}
	case decoder.SIPRinging:
		s.State = DialogRinging
		if s.RingingTime.IsZero() {
			s.RingingTime = msg.Timestamp
		}
	case decoder.SIPOK:
		if s.State != DialogTerminated {
			s.State = DialogConfirmed
		}
		if s.AnswerTime.IsZero() {
			s.AnswerTime = msg.Timestamp
		}
	case decoder.SIPBye, decoder.SIPCancel:
		s.State = DialogTerminated
		if s.ByeTime.IsZero() {
			s.ByeTime = msg.Timestamp
		}
	}
}

// finalize classifies the session from the first request method, SDP
// media lines and the forwarding indicators.
func (s *Session) finalize() {
	var firstRequest decoder.MessageType
	expiresZero := false

	for _, msg := range s.Messages {
		if isRequest(msg.MessageType) && firstRequest == "" {
			firstRequest = msg.MessageType
		}
		if exp, ok := msg.Uint32Field("expires"); ok && exp == 0 {
			expiresZero = true
		}
	}

	switch firstRequest {
	case decoder.SIPRegister:
		if expiresZero {
			s.Type = SessionDeregistration
		} else {
			s.Type = SessionRegistration
		}
	case decoder.SIPMessage:
		s.Type = SessionSMS
	case decoder.SIPInvite:
		switch {
		case s.Forwarding:
			s.Type = SessionForwarding
		case s.HasVideo:
			s.Type = SessionVideoCall
		case s.HasAudio:
			s.Type = SessionVoiceCall
		default:
			s.Type = SessionVoiceCall
		}
	case decoder.SIPOptions, decoder.SIPInfo, decoder.SIPPublish:
		s.Type = SessionOther
	default:
		s.Type = SessionOther
	}
}

// IsCall reports voice, video or forwarded call sessions.
func (s *Session) IsCall() bool {
	return s.Type == SessionVoiceCall || s.Type == SessionVideoCall || s.Type == SessionForwarding
}

// UEMediaEndpoint returns the audio endpoint the caller advertised, if any.
func (s *Session) UEMediaEndpoint() (MediaEndpoint, bool) {
	for _, ep := range s.MediaEndpoints {
		if ep.Media == "audio" && ep.IP != "" {
			return ep, true
		}
	}
	if len(s.MediaEndpoints) > 0 {
		return s.MediaEndpoints[0], s.MediaEndpoints[0].IP != ""
	}
	return MediaEndpoint{}, false
}

func isRequest(t decoder.MessageType) bool {
	switch t {
	case decoder.SIPInvite, decoder.SIPRegister, decoder.SIPMessage,
		decoder.SIPBye, decoder.SIPCancel, decoder.SIPACK,
		decoder.SIPOptions, decoder.SIPInfo, decoder.SIPPublish:
		return true
	}
	return false
}

// extractViaHost pulls the host from a Via header value like
// "SIP/2.0/UDP 10.0.0.1:5060;branch=..."
func extractViaHost(via string) string {
	fields := strings.Fields(via)
	if len(fields) < 2 {
		return ""
	}
	hostport := fields[1]
	if semi := strings.IndexByte(hostport, ';'); semi >= 0 {
		hostport = hostport[:semi]
	}
	if colon := strings.LastIndexByte(hostport, ':'); colon >= 0 && !strings.Contains(hostport[colon+1:], "]") {
		if !strings.Contains(hostport, "::") {
			hostport = hostport[:colon]
		}
	}
	return hostport
}
