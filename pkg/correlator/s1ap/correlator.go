package s1ap

import (
	"fmt"
	"sync"

	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/correlator/nas"
	"github.com/protei/callflow/pkg/decoder"
	"github.com/protei/callflow/pkg/identity"
)

// Stats counts what the correlator has seen.
type Stats struct {
	TotalMessages     int `json:"total_messages"`
	TotalContexts     int `json:"total_contexts"`
	ActiveContexts    int `json:"active_contexts"`
	ReleasedContexts  int `json:"released_contexts"`
	InitialUEMessages int `json:"initial_ue_messages"`
	ContextSetups     int `json:"context_setups"`
	ContextReleases   int `json:"context_releases"`
	Handovers         int `json:"handovers"`
	NASMessages       int `json:"nas_messages"`
}

// Correlator maintains S1AP UE contexts keyed by the UE S1AP id pair,
// re-keying Initial UE Message contexts once the MME id is assigned, and
// forwards embedded NAS-PDUs into the NAS correlator.
type Correlator struct {
	mu       sync.RWMutex
	contexts []*UEContext

	pairIndex  map[string]*UEContext
	mmeIDIndex map[uint32]*UEContext
	enbIDIndex map[uint32]*UEContext

	nasCorrelator *nas.Correlator
	ownsNas       bool
	ctxManager    *identity.Manager

	stats Stats

	log *logger.Logger
}

// New creates an S1AP correlator. nasCorrelator receives forwarded
// NAS-PDUs; when nil one is created and owned (and finalised) by this
// correlator. ctxManager may be nil.
func New(ctxManager *identity.Manager, nasCorrelator *nas.Correlator) *Correlator {
	ownsNas := false
	if nasCorrelator == nil {
		nasCorrelator = nas.New(ctxManager)
		ownsNas = true
	}
	return &Correlator{
		pairIndex:     make(map[string]*UEContext),
		mmeIDIndex:    make(map[uint32]*UEContext),
		enbIDIndex:    make(map[uint32]*UEContext),
		nasCorrelator: nasCorrelator,
		ownsNas:       ownsNas,
		ctxManager:    ctxManager,
		log:           logger.Get().WithComponent("s1ap-correlator"),
	}
}

// NasCorrelator returns the NAS correlator fed by this S1AP correlator.
func (c *Correlator) NasCorrelator() *nas.Correlator {
	return c.nasCorrelator
}

// AddMessage ingests one parsed S1AP message. Thread-safe.
func (c *Correlator) AddMessage(msg *decoder.Message) {
	c.mu.Lock()

	c.stats.TotalMessages++

	ctx := c.findOrCreateContext(msg)
	if ctx == nil {
		c.mu.Unlock()
		c.log.Debug("S1AP message without UE ids skipped", "frame", msg.FrameNumber)
		return
	}

	ctx.addMessage(msg)

	switch msg.MessageType {
	case decoder.S1APInitialUEMessage:
		c.stats.InitialUEMessages++
	case decoder.S1APInitialContextSetupReq:
		c.stats.ContextSetups++
	case decoder.S1APUEContextReleaseDone:
		c.stats.ContextReleases++
	case decoder.S1APHandoverNotify, decoder.S1APPathSwitchRequest:
		c.stats.Handovers++
	}

	var nasPdu []byte
	if raw, ok := msg.BytesField("nas_pdu"); ok {
		nasPdu = raw
		c.stats.NASMessages++
	}
	mmeID, enbID := ctx.MMEUES1APID, ctx.ENBUES1APID

	// Forward outside our lock; lock ordering is manager -> correlator
	// and the NAS correlator takes its own.
	c.mu.Unlock()

	if nasPdu != nil {
		nasMsg := c.nasCorrelator.AddPdu(nasPdu, msg.FrameNumber, msg.Timestamp, mmeID, enbID)
		if nasMsg != nil && nasMsg.IMSI != "" {
			c.mu.Lock()
			if ctx.IMSI == "" {
				ctx.IMSI = nasMsg.IMSI
			}
			c.mu.Unlock()
		}
	}
}

// Finalize settles context states, and the NAS correlator when this
// correlator owns it. Call once after ingestion.
func (c *Correlator) Finalize() {
	if c.ownsNas {
		c.nasCorrelator.Finalize()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalContexts = len(c.contexts)
	c.stats.ActiveContexts = 0
	c.stats.ReleasedContexts = 0

	for _, ctx := range c.contexts {
		ctx.finalize()
		switch ctx.State {
		case StateActive, StateContextSetup:
			c.stats.ActiveContexts++
		case StateReleased:
			c.stats.ReleasedContexts++
		}
	}
}

// Contexts returns all UE contexts in insertion order.
func (c *Correlator) Contexts() []*UEContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*UEContext, len(c.contexts))
	copy(result, c.contexts)
	return result
}

// FindContext returns the context for the UE id pair, or nil.
func (c *Correlator) FindContext(mmeUEID, enbUEID uint32) *UEContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pairIndex[pairKey(mmeUEID, enbUEID)]
}

// FindContextByMMEUEID returns the context for an MME UE id, or nil.
func (c *Correlator) FindContextByMMEUEID(mmeUEID uint32) *UEContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mmeIDIndex[mmeUEID]
}

// FindContextByENBUEID returns the context for an eNB UE id, or nil.
func (c *Correlator) FindContextByENBUEID(enbUEID uint32) *UEContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enbIDIndex[enbUEID]
}

// Stats returns ingestion counters.
func (c *Correlator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Clear drops all contexts.
func (c *Correlator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts = nil
	c.pairIndex = make(map[string]*UEContext)
	c.mmeIDIndex = make(map[uint32]*UEContext)
	c.enbIDIndex = make(map[uint32]*UEContext)
	c.stats = Stats{}
}

// findOrCreateContext resolves the UE context for a message. Initial UE
// Messages arrive before the MME assigns its id, so those contexts are
// indexed by eNB id alone and re-keyed when the full pair appears.
// Caller holds the lock.
func (c *Correlator) findOrCreateContext(msg *decoder.Message) *UEContext {
	hasMME := msg.Key.HasMMEUEID || msg.Key.MMEUES1APID != 0
	hasENB := msg.Key.HasENBUEID || msg.Key.ENBUES1APID != 0

	if msg.MessageType == decoder.S1APInitialUEMessage && hasENB && !hasMME {
		ctx := newUEContext(0, msg.Key.ENBUES1APID)
		c.enbIDIndex[msg.Key.ENBUES1APID] = ctx
		c.contexts = append(c.contexts, ctx)
		return ctx
	}

	if !hasMME || !hasENB {
		return nil
	}

	mmeID, enbID := msg.Key.MMEUES1APID, msg.Key.ENBUES1APID

	if ctx, ok := c.pairIndex[pairKey(mmeID, enbID)]; ok {
		return ctx
	}

	// Re-key a context created from the Initial UE Message once the MME
	// id shows up.
	if ctx, ok := c.enbIDIndex[enbID]; ok && ctx.MMEUES1APID == 0 {
		ctx.MMEUES1APID = mmeID
		c.pairIndex[pairKey(mmeID, enbID)] = ctx
		c.mmeIDIndex[mmeID] = ctx
		return ctx
	}

	ctx := newUEContext(mmeID, enbID)
	c.pairIndex[pairKey(mmeID, enbID)] = ctx
	c.mmeIDIndex[mmeID] = ctx
	c.enbIDIndex[enbID] = ctx
	c.contexts = append(c.contexts, ctx)
	return ctx
}

func pairKey(mmeUEID, enbUEID uint32) string {
	return fmt.Sprintf("%d:%d", mmeUEID, enbUEID)
}
