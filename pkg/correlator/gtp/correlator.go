package gtp

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/decoder"
	"github.com/protei/callflow/pkg/gtptunnel"
	"github.com/protei/callflow/pkg/identity"
)

// BearerContext is one EPS bearer of a GTPv2 session.
type BearerContext struct {
	EPSBearerID uint8  `json:"eps_bearer_id"`
	QCI         uint8  `json:"qci,omitempty"`
	TEIDUplink  uint32 `json:"teid_uplink,omitempty"`
	TEIDDownlnk uint32 `json:"teid_downlink,omitempty"`
	PeerIP      string `json:"peer_ip,omitempty"`
	Dedicated   bool   `json:"dedicated"`
}

// Session groups the GTPv2-C messages of one control-plane TEID pair.
type Session struct {
	Key            string `json:"key"`
	IntraSessionID string `json:"intra_session_id"`

	LocalTEID  uint32 `json:"local_teid"`
	RemoteTEID uint32 `json:"remote_teid"`

	Messages []*decoder.Message `json:"-"`

	Bearers []*BearerContext `json:"bearers,omitempty"`

	IMSI   string `json:"imsi,omitempty"`
	MSISDN string `json:"msisdn,omitempty"`
	MEI    string `json:"mei,omitempty"`
	APN    string `json:"apn,omitempty"`
	UEIPv4 string `json:"ue_ipv4,omitempty"`
	UEIPv6 string `json:"ue_ipv6,omitempty"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartFrame uint32    `json:"start_frame"`
	EndFrame   uint32    `json:"end_frame"`
}

func (s *Session) addMessage(msg *decoder.Message) {
	s.Messages = append(s.Messages, msg)

	if s.StartTime.IsZero() || msg.Timestamp.Before(s.StartTime) {
		s.StartTime = msg.Timestamp
		s.StartFrame = msg.FrameNumber
	}
	if msg.Timestamp.After(s.EndTime) {
		s.EndTime = msg.Timestamp
		s.EndFrame = msg.FrameNumber
	}

	if s.IMSI == "" && msg.Key.IMSI != "" {
		s.IMSI = msg.Key.IMSI
	}
	if s.MSISDN == "" && msg.Key.MSISDN != "" {
		s.MSISDN = msg.Key.MSISDN
	}
	if s.MEI == "" && msg.Key.IMEI != "" {
		s.MEI = msg.Key.IMEI
	}
	if s.APN == "" && msg.Key.APN != "" {
		s.APN = msg.Key.APN
	}
	if s.UEIPv4 == "" && msg.Key.UEIPv4 != "" {
		s.UEIPv4 = msg.Key.UEIPv4
	}
	if s.UEIPv6 == "" && msg.Key.UEIPv6 != "" {
		s.UEIPv6 = msg.Key.UEIPv6
	}

	s.updateBearers(msg)
}

// updateBearers applies the bearer context IEs of session and bearer
// management messages.
func (s *Session) updateBearers(msg *decoder.Message) {
	list, ok := msg.MapSliceField("bearer_contexts")
	if !ok {
		return
	}

	dedicated := msg.MessageType == decoder.GTPCreateBearerReq ||
		msg.MessageType == decoder.GTPCreateBearerResp

	for _, item := range list {
		id := uint8From(item["eps_bearer_id"])
		bearer := s.findBearer(id)
		if bearer == nil {
			bearer = &BearerContext{EPSBearerID: id, Dedicated: dedicated}
			s.Bearers = append(s.Bearers, bearer)
		}

		if qci := uint8From(item["qci"]); qci != 0 {
			bearer.QCI = qci
		}
		if fteid, okF := item["s1u_enb_fteid"].(map[string]interface{}); okF {
			if teid := uint32From(fteid["teid"]); teid != 0 {
				bearer.TEIDUplink = teid
			}
			if ip, okIP := fteid["ipv4"].(string); okIP {
				bearer.PeerIP = ip
			}
		}
		if fteid, okF := item["s1u_sgw_fteid"].(map[string]interface{}); okF {
			if teid := uint32From(fteid["teid"]); teid != 0 {
				bearer.TEIDDownlnk = teid
			}
		}
	}
}

func (s *Session) findBearer(id uint8) *BearerContext {
	for _, b := range s.Bearers {
		if b.EPSBearerID == id {
			return b
		}
	}
	return nil
}

// Stats counts what the correlator has seen.
type Stats struct {
	TotalMessages int `json:"total_messages"`
	TotalSessions int `json:"total_sessions"`
}

// Correlator groups GTPv2-C messages by control TEID pair and feeds the
// tunnel manager on every state-changing message.
type Correlator struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	imsiIndex map[string][]string

	tunnelManager *gtptunnel.Manager
	ctxManager    *identity.Manager

	sessionSeq int
	stats      Stats

	log *logger.Logger
}

// New creates a GTPv2 correlator. Both collaborators may be nil.
func New(ctxManager *identity.Manager, tunnelManager *gtptunnel.Manager) *Correlator {
	return &Correlator{
		sessions:      make(map[string]*Session),
		imsiIndex:     make(map[string][]string),
		tunnelManager: tunnelManager,
		ctxManager:    ctxManager,
		log:           logger.Get().WithComponent("gtp-correlator"),
	}
}

// AddMessage ingests one parsed GTPv2-C message. Thread-safe.
func (c *Correlator) AddMessage(msg *decoder.Message) {
	localTEID, _ := msg.Uint32Field("local_teid")
	remoteTEID, _ := msg.Uint32Field("remote_teid")
	if localTEID == 0 && remoteTEID == 0 && msg.Key.TEIDS1U == 0 {
		c.log.Debug("GTP message without TEIDs skipped", "frame", msg.FrameNumber)
		return
	}

	key := sessionKey(localTEID, remoteTEID)

	c.mu.Lock()
	session, found := c.sessions[key]
	if !found {
		// The response direction swaps the pair
		if s, ok := c.sessions[sessionKey(remoteTEID, localTEID)]; ok {
			session, found = s, true
		}
	}
	if !found {
		c.sessionSeq++
		session = &Session{
			Key:            key,
			IntraSessionID: fmt.Sprintf("%d_G_%d", msg.Timestamp.UnixMicro(), c.sessionSeq),
			LocalTEID:      localTEID,
			RemoteTEID:     remoteTEID,
		}
		c.sessions[key] = session
		c.order = append(c.order, key)
	}

	session.addMessage(msg)
	c.stats.TotalMessages++
	if session.IMSI != "" {
		c.imsiIndex[session.IMSI] = appendUniqueString(c.imsiIndex[session.IMSI], session.Key)
	}
	c.mu.Unlock()

	if c.tunnelManager != nil {
		c.tunnelManager.ProcessMessage(msg)
	}
}

// Finalize builds indices and pushes identities into the subscriber
// graph. Call once after ingestion.
func (c *Correlator) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalSessions = len(c.order)

	if c.ctxManager == nil {
		return
	}

	for _, key := range c.order {
		session := c.sessions[key]

		b := identity.NewBuilder(c.ctxManager)
		if session.IMSI != "" {
			b.FromGtpIMSI(session.IMSI)
		}
		if session.MSISDN != "" {
			b.FromGtpMSISDN(session.MSISDN)
		}
		if session.MEI != "" {
			b.FromGtpMEI(session.MEI)
		}
		if session.UEIPv4 != "" {
			b.FromGtpPDNAddress(session.UEIPv4)
		} else if session.UEIPv6 != "" {
			b.FromGtpPDNAddress(session.UEIPv6)
		}
		if session.APN != "" {
			b.FromGtpAPN(session.APN)
		}
		for _, bearer := range session.Bearers {
			if bearer.TEIDUplink != 0 {
				b.FromGtpFTEID(bearer.PeerIP, bearer.TEIDUplink)
			}
		}
		b.Build()
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

// FindByKey returns the session for a TEID-pair key, or nil.
func (c *Correlator) FindByKey(key string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[key]
}

// FindByIMSI returns sessions carrying the IMSI.
func (c *Correlator) FindByIMSI(imsi string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := c.imsiIndex[imsi]
	result := make([]*Session, 0, len(keys))
	for _, key := range keys {
		if s, ok := c.sessions[key]; ok {
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
	c.imsiIndex = make(map[string][]string)
	c.sessionSeq = 0
	c.stats = Stats{}
}

func sessionKey(localTEID, remoteTEID uint32) string {
	return fmt.Sprintf("%08x:%08x", localTEID, remoteTEID)
}

func appendUniqueString(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
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
