package volte

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/correlator/diameter"
	"github.com/protei/callflow/pkg/correlator/gtp"
	"github.com/protei/callflow/pkg/correlator/nas"
	"github.com/protei/callflow/pkg/correlator/rtp"
	"github.com/protei/callflow/pkg/correlator/sip"
	"github.com/protei/callflow/pkg/identity"
)

// Config tunes the correlation windows.
type Config struct {
	// Phase-3 time window tolerance for Gx/Rx/GTP matching
	TimeTolerance time.Duration
	// Looser tolerance for long-lived Cx/Sh sessions
	CxShTolerance time.Duration
	// Suffix length for fuzzy MSISDN matching
	MsisdnSuffixDigits int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TimeTolerance:      time.Second,
		CxShTolerance:      30 * time.Second,
		MsisdnSuffixDigits: 9,
	}
}

// Correlator joins per-protocol sessions into VoLTE call flows through a
// six-phase pipeline run after all intra-correlators are finalised. The
// pipeline is deterministic and re-runnable: Correlate resets all state
// and rebuilds the same flows from the same inputs.
type Correlator struct {
	mu sync.Mutex

	config Config

	sipCorrelator      *sip.Correlator
	diameterCorrelator *diameter.Correlator
	gtpCorrelator      *gtp.Correlator
	nasCorrelator      *nas.Correlator
	rtpCorrelator      *rtp.Correlator
	subscriberManager  *identity.Manager

	flows []*CallFlow

	flowIDIndex map[string]*CallFlow
	msisdnIndex map[string][]*CallFlow
	imsiIndex   map[string][]*CallFlow
	frameIndex  map[uint32]*CallFlow

	correlatedSIP      map[string]bool
	correlatedDiameter map[string]bool
	correlatedGTP      map[string]bool
	correlatedNAS      map[string]bool
	correlatedRTP      map[uint32]bool

	stats Stats

	log *logger.Logger
}

// New creates a VoLTE inter-correlator over the given per-protocol
// correlators. All correlators must be finalised before Correlate runs.
func New(config Config,
	sipC *sip.Correlator,
	diameterC *diameter.Correlator,
	gtpC *gtp.Correlator,
	nasC *nas.Correlator,
	rtpC *rtp.Correlator,
	manager *identity.Manager,
) *Correlator {
	if config.TimeTolerance == 0 {
		config.TimeTolerance = DefaultConfig().TimeTolerance
	}
	if config.CxShTolerance == 0 {
		config.CxShTolerance = DefaultConfig().CxShTolerance
	}
	if config.MsisdnSuffixDigits == 0 {
		config.MsisdnSuffixDigits = DefaultConfig().MsisdnSuffixDigits
	}
	return &Correlator{
		config:             config,
		sipCorrelator:      sipC,
		diameterCorrelator: diameterC,
		gtpCorrelator:      gtpC,
		nasCorrelator:      nasC,
		rtpCorrelator:      rtpC,
		subscriberManager:  manager,
		log:                logger.Get().WithComponent("volte-correlator"),
	}
}

// Correlate runs all six phases. Idempotent: a second run on the same
// inputs produces the same flows.
func (c *Correlator) Correlate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()

	c.phase1LinkIdentities()
	c.phase2DetectSipCalls()
	c.phase3CorrelateWithinCallWindow()
	c.phase4LinkResidualSessions()
	c.phase5ResolveRoles()
	c.phase6CalculateStatistics()

	c.log.Info("VoLTE correlation finished",
		"flows", len(c.flows),
		"voice", c.stats.VoiceCalls,
		"data", c.stats.DataSessions)
}

func (c *Correlator) reset() {
	c.flows = nil
	c.flowIDIndex = make(map[string]*CallFlow)
	c.msisdnIndex = make(map[string][]*CallFlow)
	c.imsiIndex = make(map[string][]*CallFlow)
	c.frameIndex = make(map[uint32]*CallFlow)
	c.correlatedSIP = make(map[string]bool)
	c.correlatedDiameter = make(map[string]bool)
	c.correlatedGTP = make(map[string]bool)
	c.correlatedNAS = make(map[string]bool)
	c.correlatedRTP = make(map[uint32]bool)
	c.stats = Stats{}
}

// Phase 1: feed every session's extracted identifiers into the
// subscriber graph and run the propagation sweep once.
func (c *Correlator) phase1LinkIdentities() {
	if c.subscriberManager == nil {
		return
	}

	for _, s := range c.sipCorrelator.Sessions() {
		b := identity.NewBuilder(c.subscriberManager)
		if s.CallerMSISDN != "" {
			b.FromSipFrom(s.CallerMSISDN)
		}
		if s.CallerIP != "" {
			b.FromSipContact("", s.CallerIP)
		}
		b.Build()
	}

	for _, s := range c.diameterCorrelator.Sessions() {
		b := identity.NewBuilder(c.subscriberManager)
		if s.IMSI != "" {
			b.FromDiameterIMSI(s.IMSI)
		}
		if s.MSISDN != "" {
			b.FromDiameterMSISDN(s.MSISDN)
		}
		if s.FramedIP != "" {
			b.FromDiameterFramedIP(s.FramedIP)
		}
		b.Build()
	}

	for _, s := range c.gtpCorrelator.Sessions() {
		b := identity.NewBuilder(c.subscriberManager)
		if s.IMSI != "" {
			b.FromGtpIMSI(s.IMSI)
		}
		if s.MSISDN != "" {
			b.FromGtpMSISDN(s.MSISDN)
		}
		if s.UEIPv4 != "" {
			b.FromGtpPDNAddress(s.UEIPv4)
		}
		if s.APN != "" {
			b.FromGtpAPN(s.APN)
		}
		b.Build()
	}

	for _, s := range c.nasCorrelator.Sessions() {
		if s.IMSI == "" {
			continue
		}
		b := identity.NewBuilder(c.subscriberManager).FromNasIMSI(s.IMSI)
		if s.GUTI != nil {
			b.FromNasGUTI(*s.GUTI)
		}
		if s.PDNAddress != "" {
			b.FromGtpPDNAddress(s.PDNAddress)
		}
		b.Build()
	}

	c.subscriberManager.PropagateIdentities()
}

// Phase 2: every SIP call session seeds one flow.
func (c *Correlator) phase2DetectSipCalls() {
	for _, s := range c.sipCorrelator.CallSessions() {
		flow := &CallFlow{
			FlowID:      generateFlowID(s.CallID, s.StartTime),
			Type:        c.classifyCall(s),
			Caller:      Party{Role: "UEa", MSISDN: s.CallerMSISDN, IPv4: s.CallerIP},
			Callee:      Party{Role: "UEb", MSISDN: s.CalleeMSISDN, IPv4: s.CalleeIP},
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			StartFrame:  s.StartFrame,
			EndFrame:    s.EndFrame,
			SIPSessions: []string{s.CallID},
		}

		c.correlatedSIP[s.CallID] = true
		c.addFlow(flow)
	}
}

func (c *Correlator) classifyCall(s *sip.Session) FlowType {
	switch s.Type {
	case sip.SessionVideoCall:
		return FlowMOVideoCall
	case sip.SessionForwarding:
		return FlowCallForwarding
	default:
		return FlowMOVoiceCall
	}
}

// Phase 3: attach Diameter/GTP/NAS/RTP sessions to each SIP-seeded flow
// using identity, IP, and time-window matching.
func (c *Correlator) phase3CorrelateWithinCallWindow() {
	for _, flow := range c.flows {
		c.correlateDiameterGx(flow)
		c.correlateDiameterRx(flow)
		c.correlateDiameterCxSh(flow)
		c.correlateGtpImsBearer(flow)
		c.correlateNasEsm(flow)
		c.correlateRtp(flow)
	}
}

func (c *Correlator) correlateDiameterGx(flow *CallFlow) {
	ueIP := flow.Caller.IPv4
	if ueIP == "" {
		return
	}

	for _, s := range c.diameterCorrelator.GxSessions() {
		if !c.matchesUeIP(s.FramedIP, ueIP) && !c.matchesUeIP(s.FramedIPv6Prefix, flow.Caller.IPv6Prefix) {
			continue
		}
		if !c.overlaps(s.StartTime, s.EndTime, flow.StartTime, flow.EndTime, c.config.TimeTolerance) {
			continue
		}
		c.attachDiameter(flow, s)
	}
}

func (c *Correlator) correlateDiameterRx(flow *CallFlow) {
	for _, s := range c.diameterCorrelator.RxSessions() {
		if s.MSISDN == "" {
			continue
		}
		if !c.matchesMsisdn(s.MSISDN, flow.Caller.MSISDN) &&
			!c.matchesMsisdn(s.MSISDN, flow.Callee.MSISDN) {
			continue
		}
		if !c.overlaps(s.StartTime, s.EndTime, flow.StartTime, flow.EndTime, c.config.TimeTolerance) {
			continue
		}
		c.attachDiameter(flow, s)
	}
}

// Cx/Sh sessions are long-lived; match on subscriber identity with the
// looser window.
func (c *Correlator) correlateDiameterCxSh(flow *CallFlow) {
	flowIMSI := c.flowIMSI(flow)

	sessions := append(c.diameterCorrelator.CxSessions(), c.diameterCorrelator.ShSessions()...)
	for _, s := range sessions {
		matched := false
		if flowIMSI != "" && s.IMSI == flowIMSI {
			matched = true
		}
		if !matched && s.MSISDN != "" &&
			(c.matchesMsisdn(s.MSISDN, flow.Caller.MSISDN) || c.matchesMsisdn(s.MSISDN, flow.Callee.MSISDN)) {
			matched = true
		}
		if !matched {
			continue
		}
		if !c.overlaps(s.StartTime, s.EndTime, flow.StartTime, flow.EndTime, c.config.CxShTolerance) {
			continue
		}
		c.attachDiameter(flow, s)
	}
}

func (c *Correlator) correlateGtpImsBearer(flow *CallFlow) {
	for _, s := range c.gtpCorrelator.Sessions() {
		matched := false
		if s.MSISDN != "" &&
			(c.matchesMsisdn(s.MSISDN, flow.Caller.MSISDN) || c.matchesMsisdn(s.MSISDN, flow.Callee.MSISDN)) {
			matched = true
		}
		if !matched && flow.Caller.IPv4 != "" && s.UEIPv4 == flow.Caller.IPv4 {
			matched = true
		}
		if !matched {
			continue
		}
		if !c.overlaps(s.StartTime, s.EndTime, flow.StartTime, flow.EndTime, c.config.TimeTolerance) {
			continue
		}

		flow.GTPSessions = appendUniqueString(flow.GTPSessions, s.Key)
		c.correlatedGTP[s.Key] = true
		flow.Stats.GTPMessages += uint32(len(s.Messages))

		if flow.Caller.IMSI == "" && s.IMSI != "" {
			flow.Caller.IMSI = s.IMSI
		}
	}
}

func (c *Correlator) correlateNasEsm(flow *CallFlow) {
	flowIMSI := c.flowIMSI(flow)
	if flowIMSI == "" {
		return
	}

	for _, s := range c.nasCorrelator.EsmSessions() {
		if s.IMSI != flowIMSI {
			continue
		}
		if s.PdnClass != nas.PdnClassIMS {
			continue
		}

		flow.NASSessions = appendUniqueString(flow.NASSessions, s.Key)
		c.correlatedNAS[s.Key] = true
		flow.Stats.NASMessages += uint32(len(s.Messages))
	}
}

func (c *Correlator) correlateRtp(flow *CallFlow) {
	sipSession := c.sipCorrelator.FindByCallID(flow.SIPSessions[0])
	if sipSession == nil {
		return
	}

	ep, ok := sipSession.UEMediaEndpoint()
	if !ok {
		// Fall back to the caller's signalling IP
		if flow.Caller.IPv4 == "" {
			return
		}
		ep = sip.MediaEndpoint{IP: flow.Caller.IPv4}
	}

	ueIP := flow.Caller.IPv4
	if ueIP == "" {
		ueIP = ep.IP
	}

	for _, stream := range c.rtpCorrelator.BindUEEndpoint(ep.IP, ep.Port, ueIP) {
		flow.RTPSSRCs = appendUniqueUint32(flow.RTPSSRCs, stream.SSRC)
		c.correlatedRTP[stream.SSRC] = true
		flow.Stats.RTPPackets += uint32(len(stream.Packets))
	}
}

// Phase 4: group leftover sessions into synthetic flows. Leftover
// Diameter/GTP/NAS sessions sharing an IMSI become one DATA_SESSION flow
// spanning all their windows; the windows are not checked for overlap, so
// sessions of the same IMSI far apart in time land in the same flow.
// Leftover SMS and registration SIP sessions become flows of their own.
func (c *Correlator) phase4LinkResidualSessions() {
	for _, s := range c.sipCorrelator.SessionsByType(sip.SessionSMS) {
		if c.correlatedSIP[s.CallID] {
			continue
		}
		flow := &CallFlow{
			FlowID:      generateFlowID(s.CallID, s.StartTime),
			Type:        FlowMOSMS,
			Caller:      Party{Role: "UEa", MSISDN: s.CallerMSISDN, IPv4: s.CallerIP},
			Callee:      Party{Role: "UEb", MSISDN: s.CalleeMSISDN},
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			StartFrame:  s.StartFrame,
			EndFrame:    s.EndFrame,
			SIPSessions: []string{s.CallID},
		}
		c.correlatedSIP[s.CallID] = true
		c.addFlow(flow)
	}

	registrations := append(c.sipCorrelator.SessionsByType(sip.SessionRegistration),
		c.sipCorrelator.SessionsByType(sip.SessionDeregistration)...)
	for _, s := range registrations {
		if c.correlatedSIP[s.CallID] {
			continue
		}
		flow := &CallFlow{
			FlowID:      generateFlowID(s.CallID, s.StartTime),
			Type:        FlowIMSRegistration,
			Caller:      Party{Role: "UEa", MSISDN: s.CallerMSISDN, IPv4: s.CallerIP},
			Callee:      Party{Role: "UEb"},
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			StartFrame:  s.StartFrame,
			EndFrame:    s.EndFrame,
			SIPSessions: []string{s.CallID},
		}
		c.correlatedSIP[s.CallID] = true
		c.addFlow(flow)
	}

	// Residual Diameter/GTP/NAS grouped by IMSI into data-session flows
	type residualGroup struct {
		diameterSessions []*diameter.Session
		gtpSessions      []*gtp.Session
		nasSessions      []*nas.Session
		start, end       time.Time
	}
	groups := make(map[string]*residualGroup)
	var groupOrder []string

	addToGroup := func(imsi string, start, end time.Time) *residualGroup {
		g, ok := groups[imsi]
		if !ok {
			g = &residualGroup{start: start, end: end}
			groups[imsi] = g
			groupOrder = append(groupOrder, imsi)
		}
		if start.Before(g.start) {
			g.start = start
		}
		if end.After(g.end) {
			g.end = end
		}
		return g
	}

	for _, s := range c.diameterCorrelator.Sessions() {
		if c.correlatedDiameter[s.SessionID] || s.IMSI == "" {
			continue
		}
		g := addToGroup(s.IMSI, s.StartTime, s.EndTime)
		g.diameterSessions = append(g.diameterSessions, s)
	}
	for _, s := range c.gtpCorrelator.Sessions() {
		if c.correlatedGTP[s.Key] || s.IMSI == "" {
			continue
		}
		g := addToGroup(s.IMSI, s.StartTime, s.EndTime)
		g.gtpSessions = append(g.gtpSessions, s)
	}
	for _, s := range c.nasCorrelator.Sessions() {
		if c.correlatedNAS[s.Key] || s.IMSI == "" {
			continue
		}
		g := addToGroup(s.IMSI, s.StartTime, s.EndTime)
		g.nasSessions = append(g.nasSessions, s)
	}

	for _, imsi := range groupOrder {
		g := groups[imsi]
		flow := &CallFlow{
			FlowID:    fmt.Sprintf("data_%s_%d", imsi, g.start.Unix()),
			Type:      FlowDataSession,
			Caller:    Party{Role: "UEa", IMSI: imsi},
			Callee:    Party{Role: "UEb"},
			StartTime: g.start,
			EndTime:   g.end,
		}
		for _, s := range g.diameterSessions {
			c.attachDiameter(flow, s)
		}
		for _, s := range g.gtpSessions {
			flow.GTPSessions = appendUniqueString(flow.GTPSessions, s.Key)
			c.correlatedGTP[s.Key] = true
			flow.Stats.GTPMessages += uint32(len(s.Messages))
		}
		for _, s := range g.nasSessions {
			flow.NASSessions = appendUniqueString(flow.NASSessions, s.Key)
			c.correlatedNAS[s.Key] = true
			flow.Stats.NASMessages += uint32(len(s.Messages))
		}
		c.addFlow(flow)
	}
}

// Phase 5: fill party identities from the subscriber graph, mark the
// forward target, and derive the network path from the SIP routing
// headers and Diameter origin hosts.
func (c *Correlator) phase5ResolveRoles() {
	for _, flow := range c.flows {
		c.resolveParty(&flow.Caller)
		c.resolveParty(&flow.Callee)

		// Index identities resolved after flow creation
		for _, p := range []*Party{&flow.Caller, &flow.Callee} {
			if p.IMSI != "" && !containsFlow(c.imsiIndex[p.IMSI], flow) {
				c.imsiIndex[p.IMSI] = append(c.imsiIndex[p.IMSI], flow)
			}
		}

		if len(flow.SIPSessions) == 0 {
			continue
		}
		sipSession := c.sipCorrelator.FindByCallID(flow.SIPSessions[0])
		if sipSession == nil {
			continue
		}

		if sipSession.Forwarding && flow.ForwardTarget == nil {
			flow.ForwardTarget = &Party{Role: "UEc"}
		}

		flow.NetworkPath = c.deriveNetworkPath(flow, sipSession)
	}
}

// resolveParty fills the party's missing identifiers from the
// subscriber graph.
func (c *Correlator) resolveParty(p *Party) {
	if c.subscriberManager == nil {
		return
	}

	var ctx *identity.SubscriberIdentity
	if p.MSISDN != "" {
		ctx = c.subscriberManager.FindByMSISDN(p.MSISDN)
	}
	if ctx == nil && p.IMSI != "" {
		ctx = c.subscriberManager.FindByIMSI(p.IMSI)
	}
	if ctx == nil && p.IPv4 != "" {
		ctx = c.subscriberManager.FindByUEIP(p.IPv4)
	}
	if ctx == nil {
		return
	}

	if p.IMSI == "" && ctx.IMSI != nil {
		p.IMSI = ctx.IMSI.Digits
	}
	if p.MSISDN == "" && ctx.MSISDN != nil {
		p.MSISDN = ctx.MSISDN.Raw
	}
	if p.IMEI == "" && ctx.IMEI != nil {
		p.IMEI = ctx.IMEI.IMEI
	}
	for _, ep := range ctx.Endpoints {
		if p.IPv4 == "" && ep.HasIPv4() {
			p.IPv4 = ep.IPv4
		}
		if p.IPv6Prefix == "" && ep.HasIPv6() {
			p.IPv6Prefix = ep.IPv6Prefix64()
		}
	}
}

// deriveNetworkPath walks the SIP Via/Record-Route hops and the linked
// Diameter sessions' origin hosts into an ordered element list.
func (c *Correlator) deriveNetworkPath(flow *CallFlow, sipSession *sip.Session) []string {
	var path []string
	seen := make(map[string]bool)

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			path = append(path, name)
		}
	}

	for _, msg := range sipSession.Messages {
		if via, ok := msg.StringField("via"); ok {
			add(via)
		}
		if rr, ok := msg.StringField("record_route"); ok {
			add(rr)
		}
	}

	for _, ref := range flow.DiameterSessions {
		if s := c.diameterCorrelator.FindBySessionID(ref.SessionID); s != nil {
			for _, host := range s.OriginHosts {
				add(host)
			}
		}
	}

	return path
}

// Phase 6: message counts and timing/quality metrics per flow.
func (c *Correlator) phase6CalculateStatistics() {
	for _, flow := range c.flows {
		for _, callID := range flow.SIPSessions {
			s := c.sipCorrelator.FindByCallID(callID)
			if s == nil {
				continue
			}
			flow.Stats.SIPMessages += uint32(len(s.Messages))
			for _, msg := range s.Messages {
				flow.FrameNumbers = append(flow.FrameNumbers, msg.FrameNumber)
			}

			if !s.InviteTime.IsZero() {
				if !s.RingingTime.IsZero() {
					flow.Stats.RingTimeMs = float64(s.RingingTime.Sub(s.InviteTime).Milliseconds())
					flow.Stats.HasTiming = true
				}
				if !s.AnswerTime.IsZero() {
					flow.Stats.SetupTimeMs = float64(s.AnswerTime.Sub(s.InviteTime).Milliseconds())
					flow.Stats.HasTiming = true
				}
			}
			if !s.AnswerTime.IsZero() && !s.ByeTime.IsZero() {
				flow.Stats.CallDurationMs = float64(s.ByeTime.Sub(s.AnswerTime).Milliseconds())
				flow.Stats.HasTiming = true
			}
		}

		// RTP quality weighted by packet count across the flow's streams
		var totalPackets uint32
		var jitterSum, lossSum, mosSum float64
		for _, ssrc := range flow.RTPSSRCs {
			stream := c.rtpCorrelator.FindBySSRC(ssrc)
			if stream == nil {
				continue
			}
			metrics := stream.CalculateMetrics()
			weight := float64(metrics.PacketsReceived)
			totalPackets += metrics.PacketsReceived
			jitterSum += metrics.JitterMs * weight
			lossSum += metrics.PacketLossRate * 100.0 * weight
			mosSum += metrics.EstimatedMOS * weight
		}
		if totalPackets > 0 {
			w := float64(totalPackets)
			flow.Stats.RTPJitterMs = jitterSum / w
			flow.Stats.RTPPacketLoss = lossSum / w
			flow.Stats.EstimatedMOS = mosSum / w
			flow.Stats.HasQuality = true
		}

		for _, frame := range flow.FrameNumbers {
			if _, taken := c.frameIndex[frame]; !taken {
				c.frameIndex[frame] = flow
			}
		}

		c.updateFlowTypeStats(flow)
	}

	c.stats.TotalCallFlows = len(c.flows)
	c.countUncorrelated()
}

func (c *Correlator) updateFlowTypeStats(flow *CallFlow) {
	switch flow.Type {
	case FlowMOVoiceCall, FlowMTVoiceCall, FlowCallForwarding:
		c.stats.VoiceCalls++
	case FlowMOVideoCall, FlowMTVideoCall:
		c.stats.VideoCalls++
	case FlowMOSMS, FlowMTSMS:
		c.stats.SMSSessions++
	case FlowIMSRegistration:
		c.stats.Registrations++
	case FlowDataSession:
		c.stats.DataSessions++
	}
}

func (c *Correlator) countUncorrelated() {
	for _, s := range c.sipCorrelator.Sessions() {
		if !c.correlatedSIP[s.CallID] {
			c.stats.UncorrelatedSIPSessions++
		}
	}
	for _, s := range c.diameterCorrelator.Sessions() {
		if !c.correlatedDiameter[s.SessionID] {
			c.stats.UncorrelatedDiameterSessions++
		}
	}
	for _, s := range c.gtpCorrelator.Sessions() {
		if !c.correlatedGTP[s.Key] {
			c.stats.UncorrelatedGTPSessions++
		}
	}
	for _, s := range c.nasCorrelator.Sessions() {
		if !c.correlatedNAS[s.Key] {
			c.stats.UncorrelatedNASSessions++
		}
	}
	for _, s := range c.rtpCorrelator.Streams() {
		if !c.correlatedRTP[s.SSRC] {
			c.stats.UncorrelatedRTPStreams++
		}
	}
}

// CallFlows returns all flows of the last Correlate run.
func (c *Correlator) CallFlows() []*CallFlow {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*CallFlow, len(c.flows))
	copy(out, c.flows)
	return out
}

// CallFlowsByType returns flows of the given type.
func (c *Correlator) CallFlowsByType(t FlowType) []*CallFlow {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*CallFlow
	for _, f := range c.flows {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// VoiceCalls returns voice and forwarded call flows.
func (c *Correlator) VoiceCalls() []*CallFlow {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*CallFlow
	for _, f := range c.flows {
		switch f.Type {
		case FlowMOVoiceCall, FlowMTVoiceCall, FlowCallForwarding:
			out = append(out, f)
		}
	}
	return out
}

// FindByFlowID returns the flow with the id, or nil.
func (c *Correlator) FindByFlowID(id string) *CallFlow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowIDIndex[id]
}

// FindByMSISDN returns flows involving the number as any party.
func (c *Correlator) FindByMSISDN(msisdn string) []*CallFlow {
	norm := identity.NormalizeMSISDN(msisdn)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msisdnIndex[norm.International]
}

// FindByIMSI returns flows involving the IMSI as any party.
func (c *Correlator) FindByIMSI(imsi string) []*CallFlow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imsiIndex[imsi]
}

// FindByFrame returns the flow owning the captured frame, or nil.
func (c *Correlator) FindByFrame(frame uint32) *CallFlow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameIndex[frame]
}

// Stats returns the counters of the last Correlate run.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Correlator) addFlow(flow *CallFlow) {
	c.flows = append(c.flows, flow)
	c.flowIDIndex[flow.FlowID] = flow
	c.indexFlowParties(flow)
}

// indexFlowParties adds the flow to the MSISDN/IMSI multi-indices; frame
// entries are added in phase 6 once frame numbers are collected.
func (c *Correlator) indexFlowParties(flow *CallFlow) {
	for _, p := range []*Party{&flow.Caller, &flow.Callee} {
		if p.MSISDN != "" {
			key := identity.NormalizeMSISDN(p.MSISDN).International
			c.msisdnIndex[key] = append(c.msisdnIndex[key], flow)
		}
		if p.IMSI != "" {
			c.imsiIndex[p.IMSI] = append(c.imsiIndex[p.IMSI], flow)
		}
	}
	if flow.ForwardTarget != nil && flow.ForwardTarget.MSISDN != "" {
		key := identity.NormalizeMSISDN(flow.ForwardTarget.MSISDN).International
		c.msisdnIndex[key] = append(c.msisdnIndex[key], flow)
	}
}

func (c *Correlator) attachDiameter(flow *CallFlow, s *diameter.Session) {
	for _, ref := range flow.DiameterSessions {
		if ref.SessionID == s.SessionID {
			return
		}
	}
	flow.DiameterSessions = append(flow.DiameterSessions, DiameterSessionRef{
		SessionID: s.SessionID,
		Interface: string(s.Interface),
	})
	c.correlatedDiameter[s.SessionID] = true
	flow.Stats.DiameterMessages += uint32(len(s.Messages))

	if flow.Caller.IMSI == "" && s.IMSI != "" {
		flow.Caller.IMSI = s.IMSI
	}
}

// flowIMSI resolves the flow's subscriber IMSI, consulting the graph by
// caller MSISDN or IP when the flow does not carry one yet.
func (c *Correlator) flowIMSI(flow *CallFlow) string {
	if flow.Caller.IMSI != "" {
		return flow.Caller.IMSI
	}
	if c.subscriberManager == nil {
		return ""
	}
	var ctx *identity.SubscriberIdentity
	if flow.Caller.MSISDN != "" {
		ctx = c.subscriberManager.FindByMSISDN(flow.Caller.MSISDN)
	}
	if ctx == nil && flow.Caller.IPv4 != "" {
		ctx = c.subscriberManager.FindByUEIP(flow.Caller.IPv4)
	}
	if ctx != nil && ctx.IMSI != nil {
		return ctx.IMSI.Digits
	}
	return ""
}

func (c *Correlator) matchesMsisdn(m1, m2 string) bool {
	if m1 == "" || m2 == "" {
		return false
	}
	n1 := identity.NormalizeMSISDN(m1)
	n2 := identity.NormalizeMSISDN(m2)
	return identity.MsisdnMatches(n1, n2, c.config.MsisdnSuffixDigits)
}

// matchesUeIP compares IPv4 exactly and IPv6 by /64 prefix.
func (c *Correlator) matchesUeIP(ip1, ip2 string) bool {
	if ip1 == "" || ip2 == "" {
		return false
	}
	if ip1 == ip2 {
		return true
	}
	p1 := identity.IPv6Prefix64(ip1)
	p2 := identity.IPv6Prefix64(ip2)
	return p1 != "" && p1 != ip1 && p1 == p2
}

// overlaps reports whether [s1,e1] and [s2,e2] intersect once widened by
// the tolerance.
func (c *Correlator) overlaps(s1, e1, s2, e2 time.Time, tolerance time.Duration) bool {
	return !s1.After(e2.Add(tolerance)) && !e1.Before(s2.Add(-tolerance))
}

// generateFlowID builds the flow id from the Call-ID's leading hex and
// the start time.
func generateFlowID(callID string, start time.Time) string {
	h := hex.EncodeToString([]byte(callID))
	if len(h) > 6 {
		h = h[:6]
	}
	return fmt.Sprintf("%s_%d", h, start.Unix())
}

func containsFlow(list []*CallFlow, flow *CallFlow) bool {
	for _, f := range list {
		if f == flow {
			return true
		}
	}
	return false
}

func appendUniqueString(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func appendUniqueUint32(list []uint32, v uint32) []uint32 {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
