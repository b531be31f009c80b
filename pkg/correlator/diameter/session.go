package diameter

import (
	"strings"
	"time"

	"github.com/protei/callflow/pkg/decoder"
)

// Interface is the 3GPP reference point a Diameter session runs over.
type Interface string

const (
	InterfaceCx      Interface = "Cx"
	InterfaceSh      Interface = "Sh"
	InterfaceRx      Interface = "Rx"
	InterfaceGx      Interface = "Gx"
	InterfaceS6d     Interface = "S6d"
	InterfaceS6a     Interface = "S6a"
	InterfaceS13     Interface = "S13"
	InterfaceSy      Interface = "Sy"
	InterfaceGy      Interface = "Gy"
	InterfaceUnknown Interface = "Unknown"
)

// applicationInterfaces is the canonical 3GPP Application-ID table.
var applicationInterfaces = map[uint32]Interface{
	16777216: InterfaceCx,
	16777217: InterfaceSh,
	16777236: InterfaceRx,
	16777238: InterfaceGx,
	16777250: InterfaceS6d,
	16777251: InterfaceS6a,
	16777252: InterfaceS13,
	16777272: InterfaceSy,
	4:        InterfaceGy,
}

// InterfaceFromApplicationID maps an Application-ID to its interface tag.
func InterfaceFromApplicationID(appID uint32) Interface {
	if iface, ok := applicationInterfaces[appID]; ok {
		return iface
	}
	return InterfaceUnknown
}

// RequestAnswerPair links a request to its answer via Hop-by-Hop-ID.
type RequestAnswerPair struct {
	Request *decoder.Message `json:"-"`
	Answer  *decoder.Message `json:"-"`
	Latency time.Duration    `json:"latency"`
}

// Session groups the Diameter messages of one Session-ID.
type Session struct {
	SessionID      string `json:"session_id"`
	IntraSessionID string `json:"intra_session_id"`

	Interface     Interface `json:"interface"`
	ApplicationID uint32    `json:"application_id"`

	Messages []*decoder.Message   `json:"-"`
	Pairs    []*RequestAnswerPair `json:"-"`

	IMSI             string `json:"imsi,omitempty"`
	MSISDN           string `json:"msisdn,omitempty"`
	FramedIP         string `json:"framed_ip,omitempty"`
	FramedIPv6Prefix string `json:"framed_ipv6_prefix,omitempty"`

	OriginHosts []string `json:"origin_hosts,omitempty"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartFrame uint32    `json:"start_frame"`
	EndFrame   uint32    `json:"end_frame"`

	ErrorAnswers int `json:"error_answers"`
}

func newSession(sessionID, intraID string) *Session {
	return &Session{
		SessionID:      sessionID,
		IntraSessionID: intraID,
		Interface:      InterfaceUnknown,
	}
}

func (s *Session) addMessage(msg *decoder.Message) {
	s.Messages = append(s.Messages, msg)
	s.updateTimeWindow(msg)
	s.extractSubscriberInfo(msg)

	if appID, ok := msg.Uint32Field("application_id"); ok && s.Interface == InterfaceUnknown {
		s.ApplicationID = appID
		s.Interface = InterfaceFromApplicationID(appID)
	}

	if host, ok := msg.StringField("origin_host"); ok {
		s.addOriginHost(host)
	}

	if code, ok := msg.Uint32Field("result_code"); ok && code >= 3000 {
		s.ErrorAnswers++
	}
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

// extractSubscriberInfo pulls subscriber identifiers from the standard
// AVPs: User-Name (IMSI@realm), 3GPP-MSISDN, Framed-IP-Address and
// Framed-IPv6-Prefix.
func (s *Session) extractSubscriberInfo(msg *decoder.Message) {
	if s.IMSI == "" {
		if userName, ok := msg.StringField("user_name"); ok {
			s.IMSI = imsiFromUserName(userName)
		} else if msg.Key.IMSI != "" {
			s.IMSI = msg.Key.IMSI
		}
	}

	if s.MSISDN == "" {
		if msisdn, ok := msg.StringField("msisdn"); ok {
			s.MSISDN = msisdn
		} else if msg.Key.MSISDN != "" {
			s.MSISDN = msg.Key.MSISDN
		}
	}

	if s.FramedIP == "" {
		if ip, ok := msg.StringField("framed_ip"); ok {
			s.FramedIP = ip
		}
	}
	if s.FramedIPv6Prefix == "" {
		if prefix, ok := msg.StringField("framed_ipv6_prefix"); ok {
			s.FramedIPv6Prefix = prefix
		}
	}
}

func (s *Session) addOriginHost(host string) {
	for _, h := range s.OriginHosts {
		if h == host {
			return
		}
	}
	s.OriginHosts = append(s.OriginHosts, host)
}

// imsiFromUserName strips the realm from a Diameter User-Name value.
func imsiFromUserName(userName string) string {
	if at := strings.IndexByte(userName, '@'); at >= 0 {
		return userName[:at]
	}
	return userName
}
