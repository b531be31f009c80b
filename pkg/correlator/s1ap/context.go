package s1ap

import (
	"time"

	"github.com/protei/callflow/pkg/decoder"
)

// ContextState is the lifecycle of a UE's S1 connection.
type ContextState string

const (
	StateInitial        ContextState = "INITIAL"
	StateContextSetup   ContextState = "CONTEXT_SETUP"
	StateActive         ContextState = "ACTIVE"
	StateReleasePending ContextState = "RELEASE_PENDING"
	StateReleased       ContextState = "RELEASED"
)

// ERab is one E-UTRAN radio access bearer of a UE context.
type ERab struct {
	ID               uint8     `json:"id"`
	QCI              uint8     `json:"qci"`
	TransportAddress string    `json:"transport_address,omitempty"`
	TEID             uint32    `json:"teid,omitempty"`
	SetupTime        time.Time `json:"setup_time,omitempty"`
	ReleaseTime      time.Time `json:"release_time,omitempty"`
}

// UEContext tracks one UE's S1AP signalling connection, keyed by the
// (MME-UE-S1AP-ID, eNB-UE-S1AP-ID) pair.
type UEContext struct {
	MMEUES1APID uint32 `json:"mme_ue_s1ap_id"`
	ENBUES1APID uint32 `json:"enb_ue_s1ap_id"`

	State ContextState `json:"state"`

	Messages []*decoder.Message `json:"-"`

	ERabs []*ERab `json:"erabs,omitempty"`

	TAI  string `json:"tai,omitempty"`
	ECGI string `json:"ecgi,omitempty"`

	RRCEstablishmentCause string `json:"rrc_establishment_cause,omitempty"`
	ReleaseCause          string `json:"release_cause,omitempty"`

	STMSI string `json:"s_tmsi,omitempty"`

	IMSI string `json:"imsi,omitempty"` // filled from forwarded NAS PDUs

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartFrame uint32    `json:"start_frame"`
	EndFrame   uint32    `json:"end_frame"`
}

func newUEContext(mmeUEID, enbUEID uint32) *UEContext {
	return &UEContext{
		MMEUES1APID: mmeUEID,
		ENBUES1APID: enbUEID,
		State:       StateInitial,
	}
}

func (c *UEContext) addMessage(msg *decoder.Message) {
	c.Messages = append(c.Messages, msg)
	c.updateTimeWindow(msg)
	c.extractLocation(msg)
	c.updateState(msg)
	c.updateERabs(msg)
}

func (c *UEContext) updateTimeWindow(msg *decoder.Message) {
	if c.StartTime.IsZero() || msg.Timestamp.Before(c.StartTime) {
		c.StartTime = msg.Timestamp
		c.StartFrame = msg.FrameNumber
	}
	if msg.Timestamp.After(c.EndTime) {
		c.EndTime = msg.Timestamp
		c.EndFrame = msg.FrameNumber
	}
}

func (c *UEContext) extractLocation(msg *decoder.Message) {
	if tai, ok := msg.StringField("tai"); ok && tai != "" {
		c.TAI = tai
	}
	if ecgi, ok := msg.StringField("ecgi"); ok && ecgi != "" {
		c.ECGI = ecgi
	}
	if stmsi, ok := msg.StringField("s_tmsi"); ok && c.STMSI == "" {
		c.STMSI = stmsi
	}
	if cause, ok := msg.StringField("rrc_establishment_cause"); ok && c.RRCEstablishmentCause == "" {
		c.RRCEstablishmentCause = cause
	}
}

func (c *UEContext) updateState(msg *decoder.Message) {
	switch msg.MessageType {
	case decoder.S1APInitialUEMessage:
		if c.State == "" {
			c.State = StateInitial
		}
	case decoder.S1APInitialContextSetupReq:
		c.State = StateContextSetup
	case decoder.S1APInitialContextSetupRsp:
		c.State = StateActive
	case decoder.S1APUEContextReleaseCmd:
		c.State = StateReleasePending
		if cause, ok := msg.StringField("cause"); ok {
			c.ReleaseCause = cause
		}
	case decoder.S1APUEContextReleaseDone:
		c.State = StateReleased
		c.releaseERabs(msg.Timestamp)
	}
}

// updateERabs applies the E-RAB list carried by setup/release messages.
func (c *UEContext) updateERabs(msg *decoder.Message) {
	list, ok := msg.MapSliceField("erab_list")
	if !ok {
		return
	}

	for _, item := range list {
		id := uint8From(item["id"])
		existing := c.findERab(id)

		switch msg.MessageType {
		case decoder.S1APInitialContextSetupReq, decoder.S1APInitialContextSetupRsp,
			decoder.S1APERABSetupReq, decoder.S1APERABSetupRsp:
			if existing == nil {
				existing = &ERab{ID: id, SetupTime: msg.Timestamp}
				c.ERabs = append(c.ERabs, existing)
			}
			if qci := uint8From(item["qci"]); qci != 0 {
				existing.QCI = qci
			}
			if addr, okAddr := item["transport_address"].(string); okAddr && addr != "" {
				existing.TransportAddress = addr
			}
			if teid := uint32From(item["teid"]); teid != 0 {
				existing.TEID = teid
			}
		case decoder.S1APERABReleaseCmd:
			if existing != nil && existing.ReleaseTime.IsZero() {
				existing.ReleaseTime = msg.Timestamp
			}
		}
	}
}

func (c *UEContext) releaseERabs(ts time.Time) {
	for _, erab := range c.ERabs {
		if erab.ReleaseTime.IsZero() {
			erab.ReleaseTime = ts
		}
	}
}

func (c *UEContext) findERab(id uint8) *ERab {
	for _, erab := range c.ERabs {
		if erab.ID == id {
			return erab
		}
	}
	return nil
}

func (c *UEContext) finalize() {
	// Released contexts with no explicit complete stay as observed; no
	// derived state beyond the stored fields.
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
