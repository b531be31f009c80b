package decoder

import (
	"encoding/base64"
	"time"
)

// Protocol represents a telecom protocol type
type Protocol string

const (
	ProtocolSIP      Protocol = "SIP"
	ProtocolDiameter Protocol = "Diameter"
	ProtocolGTPv2C   Protocol = "GTPv2-C"
	ProtocolGTPU     Protocol = "GTP-U"
	ProtocolS1AP     Protocol = "S1AP"
	ProtocolX2AP     Protocol = "X2AP"
	ProtocolNGAP     Protocol = "NGAP"
	ProtocolNAS      Protocol = "NAS"
	ProtocolRTP      Protocol = "RTP"
	ProtocolRTCP     Protocol = "RTCP"
	ProtocolPFCP     Protocol = "PFCP"
	ProtocolHTTP2    Protocol = "HTTP/2"
	ProtocolUnknown  Protocol = "Unknown"
)

// MessageType identifies a specific signalling message
type MessageType string

const (
	// S1AP
	S1APInitialUEMessage       MessageType = "S1AP_INITIAL_UE_MESSAGE"
	S1APDownlinkNASTransport   MessageType = "S1AP_DOWNLINK_NAS_TRANSPORT"
	S1APUplinkNASTransport     MessageType = "S1AP_UPLINK_NAS_TRANSPORT"
	S1APInitialContextSetupReq MessageType = "S1AP_INITIAL_CONTEXT_SETUP_REQ"
	S1APInitialContextSetupRsp MessageType = "S1AP_INITIAL_CONTEXT_SETUP_RESP"
	S1APUEContextReleaseCmd    MessageType = "S1AP_UE_CONTEXT_RELEASE_CMD"
	S1APUEContextReleaseDone   MessageType = "S1AP_UE_CONTEXT_RELEASE_COMPLETE"
	S1APPathSwitchRequest      MessageType = "S1AP_PATH_SWITCH_REQUEST"
	S1APPathSwitchRequestAck   MessageType = "S1AP_PATH_SWITCH_REQUEST_ACK"
	S1APERABSetupReq           MessageType = "S1AP_ERAB_SETUP_REQ"
	S1APERABSetupRsp           MessageType = "S1AP_ERAB_SETUP_RESP"
	S1APERABReleaseCmd         MessageType = "S1AP_ERAB_RELEASE_CMD"
	S1APHandoverRequired       MessageType = "S1AP_HANDOVER_REQUIRED"
	S1APHandoverRequest        MessageType = "S1AP_HANDOVER_REQUEST"
	S1APHandoverNotify         MessageType = "S1AP_HANDOVER_NOTIFY"

	// X2AP
	X2APHandoverRequest    MessageType = "X2AP_HANDOVER_REQUEST"
	X2APHandoverRequestAck MessageType = "X2AP_HANDOVER_REQUEST_ACK"
	X2APHandoverCancel     MessageType = "X2AP_HANDOVER_CANCEL"
	X2APSNStatusTransfer   MessageType = "X2AP_SN_STATUS_TRANSFER"
	X2APUEContextRelease   MessageType = "X2AP_UE_CONTEXT_RELEASE"

	// NGAP
	NGAPInitialUEMessage       MessageType = "NGAP_INITIAL_UE_MESSAGE"
	NGAPDownlinkNASTransport   MessageType = "NGAP_DOWNLINK_NAS_TRANSPORT"
	NGAPUplinkNASTransport     MessageType = "NGAP_UPLINK_NAS_TRANSPORT"
	NGAPInitialContextSetupReq MessageType = "NGAP_INITIAL_CONTEXT_SETUP_REQ"

	// GTPv2-C
	GTPCreateSessionReq  MessageType = "GTP_CREATE_SESSION_REQ"
	GTPCreateSessionResp MessageType = "GTP_CREATE_SESSION_RESP"
	GTPModifyBearerReq   MessageType = "GTP_MODIFY_BEARER_REQ"
	GTPModifyBearerResp  MessageType = "GTP_MODIFY_BEARER_RESP"
	GTPCreateBearerReq   MessageType = "GTP_CREATE_BEARER_REQ"
	GTPCreateBearerResp  MessageType = "GTP_CREATE_BEARER_RESP"
	GTPDeleteSessionReq  MessageType = "GTP_DELETE_SESSION_REQ"
	GTPDeleteSessionResp MessageType = "GTP_DELETE_SESSION_RESP"
	GTPDeleteBearerReq   MessageType = "GTP_DELETE_BEARER_REQ"
	GTPDeleteBearerResp  MessageType = "GTP_DELETE_BEARER_RESP"

	// SIP
	SIPInvite   MessageType = "SIP_INVITE"
	SIPTrying   MessageType = "SIP_100_TRYING"
	SIPRinging  MessageType = "SIP_180_RINGING"
	SIPOK       MessageType = "SIP_200_OK"
	SIPACK      MessageType = "SIP_ACK"
	SIPBye      MessageType = "SIP_BYE"
	SIPCancel   MessageType = "SIP_CANCEL"
	SIPRegister MessageType = "SIP_REGISTER"
	SIPMessage  MessageType = "SIP_MESSAGE"
	SIPOptions  MessageType = "SIP_OPTIONS"
	SIPInfo     MessageType = "SIP_INFO"
	SIPPublish  MessageType = "SIP_PUBLISH"

	// Diameter
	DiameterAAR MessageType = "DIAMETER_AAR"
	DiameterAAA MessageType = "DIAMETER_AAA"
	DiameterRAR MessageType = "DIAMETER_RAR"
	DiameterRAA MessageType = "DIAMETER_RAA"
	DiameterCCR MessageType = "DIAMETER_CCR"
	DiameterCCA MessageType = "DIAMETER_CCA"
	DiameterULR MessageType = "DIAMETER_ULR"
	DiameterULA MessageType = "DIAMETER_ULA"
	DiameterAIR MessageType = "DIAMETER_AIR"
	DiameterAIA MessageType = "DIAMETER_AIA"

	// NAS EMM
	NASAttachRequest        MessageType = "NAS_ATTACH_REQUEST"
	NASAttachAccept         MessageType = "NAS_ATTACH_ACCEPT"
	NASAttachComplete       MessageType = "NAS_ATTACH_COMPLETE"
	NASAttachReject         MessageType = "NAS_ATTACH_REJECT"
	NASAuthRequest          MessageType = "NAS_AUTHENTICATION_REQUEST"
	NASAuthResponse         MessageType = "NAS_AUTHENTICATION_RESPONSE"
	NASAuthFailure          MessageType = "NAS_AUTHENTICATION_FAILURE"
	NASSecurityModeCommand  MessageType = "NAS_SECURITY_MODE_COMMAND"
	NASSecurityModeComplete MessageType = "NAS_SECURITY_MODE_COMPLETE"
	NASDetachRequest        MessageType = "NAS_DETACH_REQUEST"
	NASDetachAccept         MessageType = "NAS_DETACH_ACCEPT"
	NASTAURequest           MessageType = "NAS_TAU_REQUEST"
	NASTAUAccept            MessageType = "NAS_TAU_ACCEPT"

	// NAS 5GMM
	NAS5GRegistrationRequest  MessageType = "NAS5G_REGISTRATION_REQUEST"
	NAS5GRegistrationAccept   MessageType = "NAS5G_REGISTRATION_ACCEPT"
	NAS5GRegistrationComplete MessageType = "NAS5G_REGISTRATION_COMPLETE"
	NAS5GAuthRequest          MessageType = "NAS5G_AUTHENTICATION_REQUEST"
	NAS5GAuthResponse         MessageType = "NAS5G_AUTHENTICATION_RESPONSE"
	NAS5GSecurityModeCommand  MessageType = "NAS5G_SECURITY_MODE_COMMAND"
	NAS5GSecurityModeComplete MessageType = "NAS5G_SECURITY_MODE_COMPLETE"

	// RTP
	RTPPacket MessageType = "RTP_PACKET"
)

// CorrelationKey carries the identifiers a decoder could extract from a
// message. All fields are optional hints; zero values mean "not present",
// except the numeric UE ids which have explicit presence flags.
type CorrelationKey struct {
	IMSI   string `json:"imsi,omitempty"`
	SUPI   string `json:"supi,omitempty"`
	MSISDN string `json:"msisdn,omitempty"`
	IMEI   string `json:"imei,omitempty"`

	TEIDS1U      uint32 `json:"teid_s1u,omitempty"`
	EPSBearerID  uint8  `json:"eps_bearer_id,omitempty"`
	PDUSessionID uint8  `json:"pdu_session_id,omitempty"`

	ENBUES1APID uint32 `json:"enb_ue_s1ap_id,omitempty"`
	MMEUES1APID uint32 `json:"mme_ue_s1ap_id,omitempty"`
	RANUENGAPID uint64 `json:"ran_ue_ngap_id,omitempty"`
	AMFUENGAPID uint64 `json:"amf_ue_ngap_id,omitempty"`

	UEIPv4 string `json:"ue_ipv4,omitempty"`
	UEIPv6 string `json:"ue_ipv6,omitempty"`

	APN string `json:"apn,omitempty"`
	DNN string `json:"dnn,omitempty"`

	SIPCallID string `json:"sip_call_id,omitempty"`
	RTPSSRC   uint32 `json:"rtp_ssrc,omitempty"`

	HasMMEUEID bool `json:"-"`
	HasENBUEID bool `json:"-"`
	HasSSRC    bool `json:"-"`
}

// Message is the parsed message handed over by the protocol decoders.
// Wire-format parsing happens upstream; by the time a Message reaches the
// correlation engine every protocol field of interest is in Fields or in
// the correlation key.
type Message struct {
	FrameNumber uint32    `json:"frame_number"`
	Timestamp   time.Time `json:"timestamp"`

	SrcIP     string `json:"src_ip"`
	SrcPort   uint16 `json:"src_port"`
	DstIP     string `json:"dst_ip"`
	DstPort   uint16 `json:"dst_port"`
	Transport string `json:"transport"`

	Protocol    Protocol    `json:"protocol"`
	MessageType MessageType `json:"message_type"`

	// Protocol-specific parsed fields
	Fields map[string]interface{} `json:"fields,omitempty"`

	Key CorrelationKey `json:"correlation_key"`

	PayloadSize int `json:"payload_size,omitempty"`
}

// FromCaptureSeconds converts a capture timestamp in float seconds
// since the epoch into the model's wall-clock type.
func FromCaptureSeconds(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// StringField fetches a string field from the parsed-data map.
func (m *Message) StringField(name string) (string, bool) {
	if m.Fields == nil {
		return "", false
	}
	v, ok := m.Fields[name].(string)
	return v, ok
}

// Uint32Field fetches an unsigned field from the parsed-data map,
// tolerating the numeric types JSON decoding produces.
func (m *Message) Uint32Field(name string) (uint32, bool) {
	if m.Fields == nil {
		return 0, false
	}
	switch v := m.Fields[name].(type) {
	case uint32:
		return v, true
	case uint64:
		return uint32(v), true
	case int:
		return uint32(v), true
	case int64:
		return uint32(v), true
	case float64:
		return uint32(v), true
	}
	return 0, false
}

// MapSliceField fetches a list of objects from the parsed-data map.
// Tolerates both the native []map[string]interface{} shape produced by
// in-process decoders and the []interface{} shape JSON decoding
// produces; non-object elements are dropped.
func (m *Message) MapSliceField(name string) ([]map[string]interface{}, bool) {
	if m.Fields == nil {
		return nil, false
	}
	switch v := m.Fields[name].(type) {
	case []map[string]interface{}:
		return v, true
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if obj, ok := item.(map[string]interface{}); ok {
				out = append(out, obj)
			}
		}
		return out, true
	}
	return nil, false
}

// BytesField fetches a byte buffer from the parsed-data map. Tolerates
// the base64 string shape byte buffers take after JSON decoding.
func (m *Message) BytesField(name string) ([]byte, bool) {
	if m.Fields == nil {
		return nil, false
	}
	switch v := m.Fields[name].(type) {
	case []byte:
		return v, len(v) > 0
	case string:
		if v == "" {
			return nil, false
		}
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, false
		}
		return data, len(data) > 0
	}
	return nil, false
}

// NasType returns the embedded NAS message type carried by a transport
// message, if the decoder extracted one.
func (m *Message) NasType() (MessageType, bool) {
	if m.Fields == nil {
		return "", false
	}
	switch v := m.Fields["nas_message_type"].(type) {
	case MessageType:
		return v, true
	case string:
		return MessageType(v), true
	}
	return "", false
}

// HasNasType reports whether the message embeds the given NAS message type.
func (m *Message) HasNasType(t MessageType) bool {
	nt, ok := m.NasType()
	return ok && nt == t
}
