package diameter

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
	TotalMessages       int               `json:"total_messages"`
	TotalSessions       int               `json:"total_sessions"`
	SessionsByInterface map[Interface]int `json:"sessions_by_interface"`
	RequestCount        int               `json:"request_count"`
	AnswerCount         int               `json:"answer_count"`
	LinkedPairs         int               `json:"linked_pairs"`
	ErrorResponses      int               `json:"error_responses"`
}

// Correlator groups Diameter messages into sessions by Session-ID and
// links request/answer pairs by Hop-by-Hop-ID.
type Correlator struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	// Hop-by-Hop-ID is unique only per connection at a time; reuse
	// overwrites and the latest binding is authoritative.
	hopToRequest map[uint32]*decoder.Message
	hopToSession map[uint32]string

	imsiToSessions   map[string][]string
	msisdnToSessions map[string][]string
	ipToSessions     map[string][]string

	ctxManager *identity.Manager

	sessionSeq int
	stats      Stats

	log *logger.Logger
}

// New creates a Diameter correlator. The subscriber context manager may
// be nil.
func New(ctxManager *identity.Manager) *Correlator {
	return &Correlator{
		sessions:         make(map[string]*Session),
		hopToRequest:     make(map[uint32]*decoder.Message),
		hopToSession:     make(map[uint32]string),
		imsiToSessions:   make(map[string][]string),
		msisdnToSessions: make(map[string][]string),
		ipToSessions:     make(map[string][]string),
		ctxManager:       ctxManager,
		log:              logger.Get().WithComponent("diameter-correlator"),
	}
}

// AddMessage ingests one parsed Diameter message. Thread-safe.
func (c *Correlator) AddMessage(msg *decoder.Message) {
	sessionID, ok := msg.StringField("diameter_session_id")
	if !ok || sessionID == "" {
		c.log.Debug("Diameter message without Session-ID skipped", "frame", msg.FrameNumber)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	session, found := c.sessions[sessionID]
	if !found {
		c.sessionSeq++
		session = newSession(sessionID, fmt.Sprintf("%d_D_%d", msg.Timestamp.UnixMicro(), c.sessionSeq))
		c.sessions[sessionID] = session
		c.order = append(c.order, sessionID)
	}

	session.addMessage(msg)
	c.stats.TotalMessages++

	isRequest, _ := msg.Fields["is_request"].(bool)
	hopByHop, hasHop := msg.Uint32Field("hop_by_hop_id")

	if isRequest {
		c.stats.RequestCount++
		if hasHop {
			c.hopToRequest[hopByHop] = msg
			c.hopToSession[hopByHop] = sessionID
		}
	} else {
		c.stats.AnswerCount++
		if hasHop {
			if req, reqFound := c.hopToRequest[hopByHop]; reqFound {
				session.Pairs = append(session.Pairs, &RequestAnswerPair{
					Request: req,
					Answer:  msg,
					Latency: msg.Timestamp.Sub(req.Timestamp),
				})
				c.stats.LinkedPairs++
			}
		}
		if code, okCode := msg.Uint32Field("result_code"); okCode && code >= 3000 {
			c.stats.ErrorResponses++
		}
	}
}

// Finalize builds reverse indices and pushes extracted identities into
// the subscriber context manager. Call once after ingestion.
func (c *Correlator) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sessionID := range c.order {
		session := c.sessions[sessionID]

		c.stats.TotalSessions++
		if c.stats.SessionsByInterface == nil {
			c.stats.SessionsByInterface = make(map[Interface]int)
		}
		c.stats.SessionsByInterface[session.Interface]++

		if session.IMSI != "" {
			c.imsiToSessions[session.IMSI] = append(c.imsiToSessions[session.IMSI], sessionID)
		}
		if session.MSISDN != "" {
			norm := identity.NormalizeMSISDN(session.MSISDN)
			c.msisdnToSessions[norm.International] = append(c.msisdnToSessions[norm.International], sessionID)
		}
		if session.FramedIP != "" {
			c.ipToSessions[session.FramedIP] = append(c.ipToSessions[session.FramedIP], sessionID)
		}

		if c.ctxManager != nil {
			b := identity.NewBuilder(c.ctxManager)
			if session.IMSI != "" {
				b.FromDiameterIMSI(session.IMSI)
			}
			if session.MSISDN != "" {
				b.FromDiameterMSISDN(session.MSISDN)
			}
			if session.FramedIP != "" {
				b.FromDiameterFramedIP(session.FramedIP)
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
	for _, id := range c.order {
		result = append(result, c.sessions[id])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// SessionsByInterface returns sessions on the given interface.
func (c *Correlator) SessionsByInterface(iface Interface) []*Session {
	var result []*Session
	for _, s := range c.Sessions() {
		if s.Interface == iface {
			result = append(result, s)
		}
	}
	return result
}

// GxSessions returns the Gx sessions.
func (c *Correlator) GxSessions() []*Session { return c.SessionsByInterface(InterfaceGx) }

// RxSessions returns the Rx sessions.
func (c *Correlator) RxSessions() []*Session { return c.SessionsByInterface(InterfaceRx) }

// S6aSessions returns the S6a sessions.
func (c *Correlator) S6aSessions() []*Session { return c.SessionsByInterface(InterfaceS6a) }

// CxSessions returns the Cx sessions.
func (c *Correlator) CxSessions() []*Session { return c.SessionsByInterface(InterfaceCx) }

// ShSessions returns the Sh sessions.
func (c *Correlator) ShSessions() []*Session { return c.SessionsByInterface(InterfaceSh) }

// FindBySessionID returns the session for a Session-ID, or nil.
func (c *Correlator) FindBySessionID(sessionID string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

// FindByIMSI returns sessions associated with the IMSI.
func (c *Correlator) FindByIMSI(imsi string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collect(c.imsiToSessions[imsi])
}

// FindByMSISDN returns sessions associated with the MSISDN.
func (c *Correlator) FindByMSISDN(msisdn string) []*Session {
	norm := identity.NormalizeMSISDN(msisdn)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collect(c.msisdnToSessions[norm.International])
}

// FindByFramedIP returns sessions whose Framed-IP-Address equals ip.
func (c *Correlator) FindByFramedIP(ip string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collect(c.ipToSessions[ip])
}

// FindByHopByHopID returns the session that owns the most recent request
// with this Hop-by-Hop-ID, or nil.
func (c *Correlator) FindByHopByHopID(hopByHop uint32) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sessionID, ok := c.hopToSession[hopByHop]; ok {
		return c.sessions[sessionID]
	}
	return nil
}

// Stats returns ingestion counters.
func (c *Correlator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Clear drops all sessions and indices.
func (c *Correlator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*Session)
	c.order = nil
	c.hopToRequest = make(map[uint32]*decoder.Message)
	c.hopToSession = make(map[uint32]string)
	c.imsiToSessions = make(map[string][]string)
	c.msisdnToSessions = make(map[string][]string)
	c.ipToSessions = make(map[string][]string)
	c.sessionSeq = 0
	c.stats = Stats{}
}

func (c *Correlator) collect(ids []string) []*Session {
	result := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.sessions[id]; ok {
			result = append(result, s)
		}
	}
	return result
}
