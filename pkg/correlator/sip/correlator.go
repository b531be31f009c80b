package sip

import (
	"fmt"
	"sort"
	"sync"

	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/decoder"
	"github.com/protei/callflow/pkg/identity"
)

// Stats counts what the correlator has seen.
type Stats struct {
	TotalMessages        int `json:"total_messages"`
	TotalSessions        int `json:"total_sessions"`
	RegistrationSessions int `json:"registration_sessions"`
	VoiceCallSessions    int `json:"voice_call_sessions"`
	VideoCallSessions    int `json:"video_call_sessions"`
	SMSSessions          int `json:"sms_sessions"`
	OtherSessions        int `json:"other_sessions"`
}

// Correlator groups SIP messages into sessions by Call-ID.
type Correlator struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // Call-IDs in insertion order

	ctxManager *identity.Manager

	sessionSeq int
	stats      Stats

	log *logger.Logger
}

// New creates a SIP correlator. The subscriber context manager may be nil.
func New(ctxManager *identity.Manager) *Correlator {
	return &Correlator{
		sessions:   make(map[string]*Session),
		ctxManager: ctxManager,
		log:        logger.Get().WithComponent("sip-correlator"),
	}
}

// AddMessage ingests one parsed SIP message. Thread-safe.
func (c *Correlator) AddMessage(msg *decoder.Message) {
	callID := msg.Key.SIPCallID
	if callID == "" {
		if v, ok := msg.StringField("call_id"); ok {
			callID = v
		}
	}
	if callID == "" {
		c.log.Debug("SIP message without Call-ID skipped", "frame", msg.FrameNumber)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	session, found := c.sessions[callID]
	if !found {
		c.sessionSeq++
		session = newSession(callID, fmt.Sprintf("%d_S_%d", msg.Timestamp.UnixMicro(), c.sessionSeq))
		c.sessions[callID] = session
		c.order = append(c.order, callID)
	}

	session.addMessage(msg)
	c.stats.TotalMessages++
}

// Finalize classifies all sessions and pushes party identities into the
// subscriber context manager. Call once after ingestion.
func (c *Correlator) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, callID := range c.order {
		session := c.sessions[callID]
		session.finalize()

		c.stats.TotalSessions++
		switch session.Type {
		case SessionRegistration, SessionDeregistration:
			c.stats.RegistrationSessions++
		case SessionVoiceCall, SessionForwarding:
			c.stats.VoiceCallSessions++
		case SessionVideoCall:
			c.stats.VideoCallSessions++
		case SessionSMS:
			c.stats.SMSSessions++
		default:
			c.stats.OtherSessions++
		}

		if c.ctxManager != nil {
			c.updateSubscriberContext(session)
		}
	}
}

// Sessions returns all sessions sorted by start time.
func (c *Correlator) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Session, 0, len(c.order))
	for _, callID := range c.order {
		result = append(result, c.sessions[callID])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// CallSessions returns voice/video/forwarded call sessions sorted by
// start time.
func (c *Correlator) CallSessions() []*Session {
	var result []*Session
	for _, s := range c.Sessions() {
		if s.IsCall() {
			result = append(result, s)
		}
	}
	return result
}

// SessionsByType returns sessions of the given type sorted by start time.
func (c *Correlator) SessionsByType(t SessionType) []*Session {
	var result []*Session
	for _, s := range c.Sessions() {
		if s.Type == t {
			result = append(result, s)
		}
	}
	return result
}

// FindByCallID returns the session for a Call-ID, or nil.
func (c *Correlator) FindByCallID(callID string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[callID]
}

// FindByMSISDN returns sessions whose caller or callee fuzzily matches
// the number.
func (c *Correlator) FindByMSISDN(msisdn string) []*Session {
	norm := identity.NormalizeMSISDN(msisdn)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*Session
	for _, callID := range c.order {
		s := c.sessions[callID]
		caller := identity.NormalizeMSISDN(s.CallerMSISDN)
		callee := identity.NormalizeMSISDN(s.CalleeMSISDN)
		if norm.Matches(caller) || norm.Matches(callee) {
			result = append(result, s)
		}
	}
	return result
}

// FindByFrame returns the session whose frame window contains the frame.
func (c *Correlator) FindByFrame(frame uint32) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, callID := range c.order {
		s := c.sessions[callID]
		if frame >= s.StartFrame && frame <= s.EndFrame {
			return s
		}
	}
	return nil
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
	c.sessionSeq = 0
	c.stats = Stats{}
}

func (c *Correlator) updateSubscriberContext(session *Session) {
	if session.CallerMSISDN != "" {
		identity.NewBuilder(c.ctxManager).
			FromSipFrom(session.CallerMSISDN).
			FromSipContact("", session.CallerIP).
			Build()
	}
	if session.CalleeMSISDN != "" {
		identity.NewBuilder(c.ctxManager).
			FromSipFrom(session.CalleeMSISDN).
			FromSipContact("", session.CalleeIP).
			Build()
	}
}
