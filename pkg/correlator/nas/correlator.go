package nas

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/identity"
)

// Stats counts what the correlator has seen.
type Stats struct {
	TotalMessages int `json:"total_messages"`
	TotalSessions int `json:"total_sessions"`
	EMMSessions   int `json:"emm_sessions"`
	ESMSessions   int `json:"esm_sessions"`
	ParseErrors   int `json:"parse_errors"`
}

// Correlator groups NAS messages into sessions. Key preference:
// (MME-UE-S1AP-ID, eNB-UE-S1AP-ID) pair, else IMSI, else TMSI.
type Correlator struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	imsiIndex map[string]string // IMSI -> session key

	ctxManager *identity.Manager

	stats Stats

	log *logger.Logger
}

// New creates a NAS correlator. The subscriber context manager may be nil.
func New(ctxManager *identity.Manager) *Correlator {
	return &Correlator{
		sessions:   make(map[string]*Session),
		imsiIndex:  make(map[string]string),
		ctxManager: ctxManager,
		log:        logger.Get().WithComponent("nas-correlator"),
	}
}

// AddPdu parses and ingests a raw NAS PDU forwarded by the S1AP layer
// along with the enclosing UE S1AP ids (zero when unknown). Thread-safe.
func (c *Correlator) AddPdu(data []byte, frame uint32, ts time.Time, mmeUEID, enbUEID uint32) *Message {
	msg, err := Parse(data, frame, ts)
	if err != nil {
		c.mu.Lock()
		c.stats.ParseErrors++
		c.mu.Unlock()
		c.log.Debug("NAS PDU parse failed", "frame", frame, "error", err.Error())
		return nil
	}

	c.AddMessage(msg, mmeUEID, enbUEID)
	return msg
}

// AddMessage ingests an already-parsed NAS message. Thread-safe.
func (c *Correlator) AddMessage(msg *Message, mmeUEID, enbUEID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.sessionKeyFor(msg, mmeUEID, enbUEID)
	if key == "" {
		c.log.Debug("NAS message without usable session key skipped", "frame", msg.FrameNumber)
		return
	}

	session, found := c.sessions[key]
	if !found {
		session = newSession(key)
		session.MMEUES1APID = mmeUEID
		session.ENBUES1APID = enbUEID
		c.sessions[key] = session
		c.order = append(c.order, key)
	}

	session.addMessage(msg)
	c.stats.TotalMessages++

	if session.IMSI != "" {
		c.imsiIndex[session.IMSI] = key
	}
}

// sessionKeyFor picks the best key available for this message. Caller
// holds the lock.
func (c *Correlator) sessionKeyFor(msg *Message, mmeUEID, enbUEID uint32) string {
	if mmeUEID != 0 || enbUEID != 0 {
		return SessionKeyForIDs(mmeUEID, enbUEID)
	}
	if msg.IMSI != "" {
		if key, ok := c.imsiIndex[msg.IMSI]; ok {
			return key
		}
		return "imsi:" + msg.IMSI
	}
	if msg.TMSI != nil {
		return fmt.Sprintf("tmsi:%08x", *msg.TMSI)
	}
	return ""
}

// Finalize classifies sessions and updates the subscriber graph. Call
// once after ingestion.
func (c *Correlator) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.order {
		session := c.sessions[key]
		session.finalize()

		c.stats.TotalSessions++
		switch session.Class {
		case SessionClassEMM:
			c.stats.EMMSessions++
		case SessionClassESM:
			c.stats.ESMSessions++
		}

		if c.ctxManager != nil && session.IMSI != "" {
			b := identity.NewBuilder(c.ctxManager).FromNasIMSI(session.IMSI)
			if session.IMEI != "" {
				b.FromNasIMEI(session.IMEI)
			} else if session.IMEISV != "" {
				b.FromNasIMEI(session.IMEISV)
			}
			if session.GUTI != nil {
				b.FromNasGUTI(*session.GUTI)
			}
			if session.TMSI != nil {
				b.FromNasTMSI(*session.TMSI)
			}
			if session.PDNAddress != "" {
				b.FromGtpPDNAddress(session.PDNAddress)
			}
			if session.APN != "" {
				b.FromGtpAPN(session.APN)
			}
			b.Build()
		}
	}
}

// Sessions returns all sessions sorted by start time.
func (c *Correlator) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Session, 0, len(c.order))
	for _, key := range c.order {
		result = append(result, c.sessions[key])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// EsmSessions returns the ESM-classified sessions.
func (c *Correlator) EsmSessions() []*Session {
	var result []*Session
	for _, s := range c.Sessions() {
		if s.Class == SessionClassESM {
			result = append(result, s)
		}
	}
	return result
}

// FindByKey returns the session for a key, or nil.
func (c *Correlator) FindByKey(key string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[key]
}

// FindByUEIDs returns the session for an S1AP id pair, or nil.
func (c *Correlator) FindByUEIDs(mmeUEID, enbUEID uint32) *Session {
	return c.FindByKey(SessionKeyForIDs(mmeUEID, enbUEID))
}

// FindByIMSI returns sessions carrying the IMSI.
func (c *Correlator) FindByIMSI(imsi string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*Session
	for _, key := range c.order {
		if s := c.sessions[key]; s.IMSI == imsi {
			result = append(result, s)
		}
	}
	return result
}

// Stats returns ingestion counters.
func (c *Correlator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Clear drops all sessions.
func (c *Correlator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*Session)
	c.order = nil
	c.imsiIndex = make(map[string]string)
	c.stats = Stats{}
}
