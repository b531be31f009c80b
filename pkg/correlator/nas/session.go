package nas

import (
	"fmt"
	"strings"
	"time"

	"github.com/protei/callflow/pkg/identity"
)

// SessionClass is EMM or ESM, set at finalisation from the messages seen.
type SessionClass string

const (
	SessionClassUnknown SessionClass = "UNKNOWN"
	SessionClassEMM     SessionClass = "EMM"
	SessionClassESM     SessionClass = "ESM"
)

// EmmState tracks the mobility-management state of a UE.
type EmmState string

const (
	EmmDeregistered            EmmState = "DEREGISTERED"
	EmmRegisteredInitiated     EmmState = "REGISTERED_INITIATED"
	EmmRegistered              EmmState = "REGISTERED"
	EmmDeregisteredInitiated   EmmState = "DEREGISTERED_INITIATED"
	EmmTAUInitiated            EmmState = "TAU_INITIATED"
	EmmServiceRequestInitiated EmmState = "SERVICE_REQUEST_INITIATED"
)

// PdnClass classifies the PDN a session is about by its APN.
type PdnClass string

const (
	PdnClassIMS      PdnClass = "IMS"
	PdnClassInternet PdnClass = "INTERNET"
	PdnClassOther    PdnClass = "OTHER"
)

// ClassifyPdnFromApn classifies an APN string: "ims" or anything carrying
// an "ims." label is the IMS PDN, "internet" names the default data PDN.
func ClassifyPdnFromApn(apn string) PdnClass {
	lower := strings.ToLower(apn)
	if lower == "ims" || strings.Contains(lower, "ims.") {
		return PdnClassIMS
	}
	if lower == "internet" || strings.Contains(lower, "internet.") {
		return PdnClassInternet
	}
	return PdnClassOther
}

// Session groups NAS messages belonging to one UE signalling connection.
// Keyed by the S1AP UE id pair when available, else IMSI, else TMSI.
type Session struct {
	Key string `json:"key"`

	MMEUES1APID uint32 `json:"mme_ue_s1ap_id,omitempty"`
	ENBUES1APID uint32 `json:"enb_ue_s1ap_id,omitempty"`

	Class SessionClass `json:"class"`

	Messages []*Message `json:"-"`

	IMSI   string           `json:"imsi,omitempty"`
	IMEI   string           `json:"imei,omitempty"`
	IMEISV string           `json:"imeisv,omitempty"`
	GUTI   *identity.GUTI4G `json:"guti,omitempty"`
	TMSI   *uint32          `json:"tmsi,omitempty"`

	APN         string   `json:"apn,omitempty"`
	PDNAddress  string   `json:"pdn_address,omitempty"`
	PDNType     string   `json:"pdn_type,omitempty"`
	EPSBearerID uint8    `json:"eps_bearer_id,omitempty"`
	QCI         uint8    `json:"qci,omitempty"`
	PdnClass    PdnClass `json:"pdn_class"`

	State             EmmState `json:"emm_state"`
	SecurityActivated bool     `json:"security_activated"`

	TAI *TrackingAreaIdentity `json:"tai,omitempty"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartFrame uint32    `json:"start_frame"`
	EndFrame   uint32    `json:"end_frame"`
}

// SessionKeyForIDs builds the session key for an S1AP UE id pair.
func SessionKeyForIDs(mmeUEID, enbUEID uint32) string {
	return fmt.Sprintf("s1ap:%d:%d", mmeUEID, enbUEID)
}

func newSession(key string) *Session {
	return &Session{
		Key:      key,
		Class:    SessionClassUnknown,
		State:    EmmDeregistered,
		PdnClass: PdnClassOther,
	}
}

func (s *Session) addMessage(msg *Message) {
	s.Messages = append(s.Messages, msg)
	s.updateTimeWindow(msg)
	s.extractIdentifiers(msg)
	s.extractPdnInfo(msg)
	s.updateEmmState(msg)
}

func (s *Session) updateTimeWindow(msg *Message) {
	if s.StartTime.IsZero() || msg.Timestamp.Before(s.StartTime) {
		s.StartTime = msg.Timestamp
		s.StartFrame = msg.FrameNumber
	}
	if msg.Timestamp.After(s.EndTime) {
		s.EndTime = msg.Timestamp
		s.EndFrame = msg.FrameNumber
	}
}

func (s *Session) extractIdentifiers(msg *Message) {
	if msg.IMSI != "" && s.IMSI == "" {
		s.IMSI = msg.IMSI
	}
	if msg.IMEI != "" && s.IMEI == "" {
		s.IMEI = msg.IMEI
	}
	if msg.IMEISV != "" && s.IMEISV == "" {
		s.IMEISV = msg.IMEISV
	}
	if msg.GUTI != nil && s.GUTI == nil {
		s.GUTI = msg.GUTI
	}
	if msg.TMSI != nil && s.TMSI == nil {
		s.TMSI = msg.TMSI
	}
	if msg.TAI != nil && s.TAI == nil {
		s.TAI = msg.TAI
	}
}

func (s *Session) extractPdnInfo(msg *Message) {
	if msg.APN != "" && s.APN == "" {
		s.APN = msg.APN
	}
	if msg.PDNAddress != "" && s.PDNAddress == "" {
		s.PDNAddress = msg.PDNAddress
		s.PDNType = msg.PDNType
	}
	if msg.EPSBearerID != 0 && s.EPSBearerID == 0 {
		s.EPSBearerID = msg.EPSBearerID
	}
	if msg.QCI != 0 && s.QCI == 0 {
		s.QCI = msg.QCI
	}
}

func (s *Session) updateEmmState(msg *Message) {
	if msg.EmmType == nil {
		return
	}

	switch *msg.EmmType {
	case EmmAttachRequest:
		s.State = EmmRegisteredInitiated
	case EmmAttachAccept, EmmTAUAccept:
		s.State = EmmRegistered
	case EmmDetachRequest:
		s.State = EmmDeregisteredInitiated
	case EmmDetachAccept:
		s.State = EmmDeregistered
	case EmmTAURequest:
		s.State = EmmTAUInitiated
	case EmmExtServiceRequest:
		s.State = EmmServiceRequestInitiated
	case EmmSecurityModeComplete:
		s.SecurityActivated = true
	}
}

// finalize classifies the session and its PDN.
func (s *Session) finalize() {
	for _, msg := range s.Messages {
		if msg.IsEMM() {
			s.Class = SessionClassEMM
			break
		}
		if msg.IsESM() {
			s.Class = SessionClassESM
		}
	}

	if s.APN != "" {
		s.PdnClass = ClassifyPdnFromApn(s.APN)
	}
}
