package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/protei/callflow/internal/logger"
)

// ErrInvalidIdentifier is returned when normalisation cannot produce a
// valid canonical form for the input.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Manager is the shared repository of SubscriberIdentity aggregates.
// It maintains one context per real subscriber, indexed by every known
// identifier, and merges contexts when links reveal they are the same
// subscriber. Safe for concurrent use: lookups take a read lock, all
// mutations a write lock.
type Manager struct {
	mu sync.RWMutex

	contexts []*SubscriberIdentity

	imsiIndex   map[string]*SubscriberIdentity // IMSI digits
	msisdnIndex map[string]*SubscriberIdentity // international form
	imeiIndex   map[string]*SubscriberIdentity // 14-digit body
	ipIndex     map[string]*SubscriberIdentity // UE IP, either family
	tmsiIndex   map[uint32]*SubscriberIdentity
	gutiIndex   map[string]*SubscriberIdentity // GUTI4G.IndexKey()

	mergeOperations int

	log *logger.Logger
}

// ManagerStats summarises the managed contexts.
type ManagerStats struct {
	TotalContexts      int `json:"total_contexts"`
	ContextsWithIMSI   int `json:"contexts_with_imsi"`
	ContextsWithMSISDN int `json:"contexts_with_msisdn"`
	ContextsWithIMEI   int `json:"contexts_with_imei"`
	ContextsWithUEIP   int `json:"contexts_with_ue_ip"`
	MergeOperations    int `json:"merge_operations"`
}

// NewManager creates an empty subscriber context manager.
func NewManager() *Manager {
	return &Manager{
		imsiIndex:   make(map[string]*SubscriberIdentity),
		msisdnIndex: make(map[string]*SubscriberIdentity),
		imeiIndex:   make(map[string]*SubscriberIdentity),
		ipIndex:     make(map[string]*SubscriberIdentity),
		tmsiIndex:   make(map[uint32]*SubscriberIdentity),
		gutiIndex:   make(map[string]*SubscriberIdentity),
		log:         logger.Get().WithComponent("subscriber-manager"),
	}
}

// GetOrCreateByIMSI returns the context owning this IMSI, creating one if
// none exists. Returns ErrInvalidIdentifier when the IMSI does not
// normalise.
func (m *Manager) GetOrCreateByIMSI(imsi string) (*SubscriberIdentity, error) {
	norm, ok := NormalizeIMSI(imsi)
	if !ok {
		return nil, ErrInvalidIdentifier
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx, found := m.imsiIndex[norm.Digits]; found {
		return ctx, nil
	}

	ctx := m.newContext()
	ctx.IMSI = &norm
	m.imsiIndex[norm.Digits] = ctx
	return ctx, nil
}

// GetOrCreateByMSISDN returns the context owning this MSISDN, creating one
// if none exists.
func (m *Manager) GetOrCreateByMSISDN(msisdn string) (*SubscriberIdentity, error) {
	norm := NormalizeMSISDN(msisdn)
	if norm.IsEmpty() {
		return nil, ErrInvalidIdentifier
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx, found := m.msisdnIndex[norm.International]; found {
		return ctx, nil
	}

	ctx := m.newContext()
	ctx.MSISDN = &norm
	m.msisdnIndex[norm.International] = ctx
	return ctx, nil
}

// GetOrCreateByIMEI returns the context owning this IMEI, creating one if
// none exists.
func (m *Manager) GetOrCreateByIMEI(imei string) (*SubscriberIdentity, error) {
	norm, ok := NormalizeIMEI(imei)
	if !ok {
		return nil, ErrInvalidIdentifier
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx, found := m.imeiIndex[norm.IMEI]; found {
		return ctx, nil
	}

	ctx := m.newContext()
	ctx.IMEI = &norm
	m.imeiIndex[norm.IMEI] = ctx
	return ctx, nil
}

// GetOrCreateByUEIP returns the context owning this UE IP (either family),
// creating one if none exists.
func (m *Manager) GetOrCreateByUEIP(ip string) (*SubscriberIdentity, error) {
	if ip == "" {
		return nil, ErrInvalidIdentifier
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx, found := m.ipIndex[ip]; found {
		return ctx, nil
	}

	ctx := m.newContext()
	ctx.AddEndpoint(endpointForIP(ip))
	m.ipIndex[ip] = ctx
	return ctx, nil
}

// FindByIMSI returns the context for the IMSI, or nil.
func (m *Manager) FindByIMSI(imsi string) *SubscriberIdentity {
	norm, ok := NormalizeIMSI(imsi)
	if !ok {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.imsiIndex[norm.Digits]
}

// FindByMSISDN returns the context for the MSISDN, or nil.
func (m *Manager) FindByMSISDN(msisdn string) *SubscriberIdentity {
	norm := NormalizeMSISDN(msisdn)
	if norm.IsEmpty() {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.msisdnIndex[norm.International]
}

// FindByIMEI returns the context for the IMEI, or nil.
func (m *Manager) FindByIMEI(imei string) *SubscriberIdentity {
	norm, ok := NormalizeIMEI(imei)
	if !ok {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.imeiIndex[norm.IMEI]
}

// FindByUEIP returns the context for the UE IP, or nil.
func (m *Manager) FindByUEIP(ip string) *SubscriberIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ipIndex[ip]
}

// FindByGUTI returns the context for the 4G GUTI, or nil.
func (m *Manager) FindByGUTI(guti GUTI4G) *SubscriberIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gutiIndex[guti.IndexKey()]
}

// FindByTMSI returns the context for the bare TMSI, or nil.
func (m *Manager) FindByTMSI(tmsi uint32) *SubscriberIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tmsiIndex[tmsi]
}

// LinkIMSIMSISDN records that the IMSI and MSISDN belong to the same
// subscriber, merging contexts when both already exist apart. Invalid
// identifiers are silently ignored: callers feed raw wire data.
func (m *Manager) LinkIMSIMSISDN(imsi, msisdn string) {
	imsiNorm, ok := NormalizeIMSI(imsi)
	if !ok {
		return
	}
	msisdnNorm := NormalizeMSISDN(msisdn)
	if msisdnNorm.IsEmpty() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	imsiCtx := m.imsiIndex[imsiNorm.Digits]
	msisdnCtx := m.msisdnIndex[msisdnNorm.International]

	switch {
	case imsiCtx == nil && msisdnCtx == nil:
		ctx := m.newContext()
		ctx.IMSI = &imsiNorm
		ctx.MSISDN = &msisdnNorm
		m.imsiIndex[imsiNorm.Digits] = ctx
		m.msisdnIndex[msisdnNorm.International] = ctx
	case imsiCtx != nil && msisdnCtx == nil:
		if imsiCtx.MSISDN == nil {
			imsiCtx.MSISDN = &msisdnNorm
		}
		m.msisdnIndex[msisdnNorm.International] = imsiCtx
	case imsiCtx == nil && msisdnCtx != nil:
		if msisdnCtx.IMSI == nil {
			msisdnCtx.IMSI = &imsiNorm
		}
		m.imsiIndex[imsiNorm.Digits] = msisdnCtx
	case imsiCtx != msisdnCtx:
		m.mergeContexts(imsiCtx, msisdnCtx)
	}
}

// LinkIMSIIMEI records that the IMSI and IMEI belong together.
func (m *Manager) LinkIMSIIMEI(imsi, imei string) {
	imsiNorm, ok := NormalizeIMSI(imsi)
	if !ok {
		return
	}
	imeiNorm, ok := NormalizeIMEI(imei)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	imsiCtx := m.imsiIndex[imsiNorm.Digits]
	imeiCtx := m.imeiIndex[imeiNorm.IMEI]

	switch {
	case imsiCtx == nil && imeiCtx == nil:
		ctx := m.newContext()
		ctx.IMSI = &imsiNorm
		ctx.IMEI = &imeiNorm
		m.imsiIndex[imsiNorm.Digits] = ctx
		m.imeiIndex[imeiNorm.IMEI] = ctx
	case imsiCtx != nil && imeiCtx == nil:
		if imsiCtx.IMEI == nil {
			imsiCtx.IMEI = &imeiNorm
		}
		m.imeiIndex[imeiNorm.IMEI] = imsiCtx
	case imsiCtx == nil && imeiCtx != nil:
		if imeiCtx.IMSI == nil {
			imeiCtx.IMSI = &imsiNorm
		}
		m.imsiIndex[imsiNorm.Digits] = imeiCtx
	case imsiCtx != imeiCtx:
		m.mergeContexts(imsiCtx, imeiCtx)
	}
}

// LinkIMSIUEIP records that the UE IP belongs to the IMSI's subscriber.
func (m *Manager) LinkIMSIUEIP(imsi, ip string) {
	imsiNorm, ok := NormalizeIMSI(imsi)
	if !ok || ip == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	imsiCtx := m.imsiIndex[imsiNorm.Digits]
	ipCtx := m.ipIndex[ip]

	switch {
	case imsiCtx == nil && ipCtx == nil:
		ctx := m.newContext()
		ctx.IMSI = &imsiNorm
		ctx.AddEndpoint(endpointForIP(ip))
		m.imsiIndex[imsiNorm.Digits] = ctx
		m.ipIndex[ip] = ctx
	case imsiCtx != nil && ipCtx == nil:
		imsiCtx.AddEndpoint(endpointForIP(ip))
		m.ipIndex[ip] = imsiCtx
	case imsiCtx == nil && ipCtx != nil:
		if ipCtx.IMSI == nil {
			ipCtx.IMSI = &imsiNorm
		}
		m.imsiIndex[imsiNorm.Digits] = ipCtx
	case imsiCtx != ipCtx:
		m.mergeContexts(imsiCtx, ipCtx)
	}
}

// LinkMSISDNUEIP records that the UE IP belongs to the MSISDN's subscriber.
func (m *Manager) LinkMSISDNUEIP(msisdn, ip string) {
	msisdnNorm := NormalizeMSISDN(msisdn)
	if msisdnNorm.IsEmpty() || ip == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msisdnCtx := m.msisdnIndex[msisdnNorm.International]
	ipCtx := m.ipIndex[ip]

	switch {
	case msisdnCtx == nil && ipCtx == nil:
		ctx := m.newContext()
		ctx.MSISDN = &msisdnNorm
		ctx.AddEndpoint(endpointForIP(ip))
		m.msisdnIndex[msisdnNorm.International] = ctx
		m.ipIndex[ip] = ctx
	case msisdnCtx != nil && ipCtx == nil:
		msisdnCtx.AddEndpoint(endpointForIP(ip))
		m.ipIndex[ip] = msisdnCtx
	case msisdnCtx == nil && ipCtx != nil:
		if ipCtx.MSISDN == nil {
			ipCtx.MSISDN = &msisdnNorm
		}
		m.msisdnIndex[msisdnNorm.International] = ipCtx
	case msisdnCtx != ipCtx:
		m.mergeContexts(msisdnCtx, ipCtx)
	}
}

// LinkIMSIGUTI records the current GUTI allocation for the IMSI.
// Temporary identifiers overwrite: a reallocation repoints the index.
func (m *Manager) LinkIMSIGUTI(imsi string, guti GUTI4G) {
	imsiNorm, ok := NormalizeIMSI(imsi)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	imsiCtx := m.imsiIndex[imsiNorm.Digits]
	gutiCtx := m.gutiIndex[guti.IndexKey()]

	switch {
	case imsiCtx == nil && gutiCtx == nil:
		ctx := m.newContext()
		ctx.IMSI = &imsiNorm
		g := guti
		ctx.GUTI = &g
		m.imsiIndex[imsiNorm.Digits] = ctx
		m.gutiIndex[guti.IndexKey()] = ctx
	case imsiCtx != nil && gutiCtx == nil:
		g := guti
		imsiCtx.GUTI = &g
		m.gutiIndex[guti.IndexKey()] = imsiCtx
	case imsiCtx == nil && gutiCtx != nil:
		if gutiCtx.IMSI == nil {
			gutiCtx.IMSI = &imsiNorm
		}
		m.imsiIndex[imsiNorm.Digits] = gutiCtx
	case imsiCtx != gutiCtx:
		m.mergeContexts(imsiCtx, gutiCtx)
	}
}

// LinkIMSITMSI records the current TMSI allocation for the IMSI.
func (m *Manager) LinkIMSITMSI(imsi string, tmsi uint32) {
	imsiNorm, ok := NormalizeIMSI(imsi)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	imsiCtx := m.imsiIndex[imsiNorm.Digits]
	tmsiCtx := m.tmsiIndex[tmsi]

	switch {
	case imsiCtx == nil && tmsiCtx == nil:
		ctx := m.newContext()
		ctx.IMSI = &imsiNorm
		t := tmsi
		ctx.TMSI = &t
		m.imsiIndex[imsiNorm.Digits] = ctx
		m.tmsiIndex[tmsi] = ctx
	case imsiCtx != nil && tmsiCtx == nil:
		t := tmsi
		imsiCtx.TMSI = &t
		m.tmsiIndex[tmsi] = imsiCtx
	case imsiCtx == nil && tmsiCtx != nil:
		if tmsiCtx.IMSI == nil {
			tmsiCtx.IMSI = &imsiNorm
		}
		m.imsiIndex[imsiNorm.Digits] = tmsiCtx
	case imsiCtx != tmsiCtx:
		m.mergeContexts(imsiCtx, tmsiCtx)
	}
}

// AddGTPUTunnel attaches a GTP-U tunnel endpoint to the subscriber known
// by the given IMSI or MSISDN.
func (m *Manager) AddGTPUTunnel(imsiOrMsisdn, peerIP string, teid uint32) {
	var ctx *SubscriberIdentity
	if c := m.FindByIMSI(imsiOrMsisdn); c != nil {
		ctx = c
	} else if c := m.FindByMSISDN(imsiOrMsisdn); c != nil {
		ctx = c
	}
	if ctx == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ctx.AddEndpoint(NetworkEndpoint{
		GTPUPeerIP: peerIP,
		GTPUTeid:   teid,
		HasTeid:    true,
	})
}

// PropagateIdentities runs the offline fill sweep after bulk ingestion:
// contexts sharing a UE IP or a GUTI/TMSI are merged, which forward- and
// backward-fills identifiers between them (a context with IMSI but no
// MSISDN inherits the MSISDN of a linked context, and vice versa).
func (m *Manager) PropagateIdentities() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.correlateByIPAddress()
	m.correlateByGUTI()
}

// AllContexts returns a snapshot of all live contexts.
func (m *Manager) AllContexts() []*SubscriberIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SubscriberIdentity, len(m.contexts))
	copy(out, m.contexts)
	return out
}

// Stats summarises context counts and merge activity.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{
		TotalContexts:   len(m.contexts),
		MergeOperations: m.mergeOperations,
	}
	for _, ctx := range m.contexts {
		if ctx.HasIMSI() {
			stats.ContextsWithIMSI++
		}
		if ctx.HasMSISDN() {
			stats.ContextsWithMSISDN++
		}
		if ctx.HasIMEI() {
			stats.ContextsWithIMEI++
		}
		if len(ctx.Endpoints) > 0 {
			stats.ContextsWithUEIP++
		}
	}
	return stats
}

// Clear drops all contexts and indices.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.contexts = nil
	m.imsiIndex = make(map[string]*SubscriberIdentity)
	m.msisdnIndex = make(map[string]*SubscriberIdentity)
	m.imeiIndex = make(map[string]*SubscriberIdentity)
	m.ipIndex = make(map[string]*SubscriberIdentity)
	m.tmsiIndex = make(map[uint32]*SubscriberIdentity)
	m.gutiIndex = make(map[string]*SubscriberIdentity)
	m.mergeOperations = 0
}

// newContext allocates a context and registers it. Caller holds the
// write lock.
func (m *Manager) newContext() *SubscriberIdentity {
	ctx := NewSubscriberIdentity(time.Now())
	m.contexts = append(m.contexts, ctx)
	return ctx
}

// mergeContexts folds secondary into primary and repoints every index
// entry. The context with more populated fields wins the primary role;
// tie-break is the older first_seen. Caller holds the write lock.
func (m *Manager) mergeContexts(a, b *SubscriberIdentity) {
	primary, secondary := a, b
	if b.populatedFields() > a.populatedFields() ||
		(b.populatedFields() == a.populatedFields() && b.FirstSeen.Before(a.FirstSeen)) {
		primary, secondary = b, a
	}

	primary.Merge(secondary)

	for k, v := range m.imsiIndex {
		if v == secondary {
			m.imsiIndex[k] = primary
		}
	}
	for k, v := range m.msisdnIndex {
		if v == secondary {
			m.msisdnIndex[k] = primary
		}
	}
	for k, v := range m.imeiIndex {
		if v == secondary {
			m.imeiIndex[k] = primary
		}
	}
	for k, v := range m.ipIndex {
		if v == secondary {
			m.ipIndex[k] = primary
		}
	}
	for k, v := range m.tmsiIndex {
		if v == secondary {
			m.tmsiIndex[k] = primary
		}
	}
	for k, v := range m.gutiIndex {
		if v == secondary {
			m.gutiIndex[k] = primary
		}
	}

	for i, ctx := range m.contexts {
		if ctx == secondary {
			m.contexts = append(m.contexts[:i], m.contexts[i+1:]...)
			break
		}
	}

	m.mergeOperations++
	m.log.Debug("merged subscriber contexts", "primary", primary.PrimaryKey())
}

// correlateByIPAddress merges contexts that share a UE IP. Caller holds
// the write lock.
func (m *Manager) correlateByIPAddress() {
	ipOwners := make(map[string]*SubscriberIdentity)

	for _, ctx := range m.AllContextsLocked() {
		for _, ep := range ctx.Endpoints {
			for _, ip := range []string{ep.IPv4, ep.IPv6} {
				if ip == "" {
					continue
				}
				if owner, seen := ipOwners[ip]; seen && owner != ctx && m.isLive(owner) {
					m.mergeContexts(owner, ctx)
					break
				}
				ipOwners[ip] = ctx
			}
		}
	}
}

// correlateByGUTI merges contexts that share a GUTI or TMSI value.
// Caller holds the write lock.
func (m *Manager) correlateByGUTI() {
	gutiOwners := make(map[string]*SubscriberIdentity)
	tmsiOwners := make(map[uint32]*SubscriberIdentity)

	for _, ctx := range m.AllContextsLocked() {
		if ctx.GUTI != nil {
			key := ctx.GUTI.IndexKey()
			if owner, seen := gutiOwners[key]; seen && owner != ctx && m.isLive(owner) {
				m.mergeContexts(owner, ctx)
				continue
			}
			gutiOwners[key] = ctx
		}
		if ctx.TMSI != nil {
			if owner, seen := tmsiOwners[*ctx.TMSI]; seen && owner != ctx && m.isLive(owner) {
				m.mergeContexts(owner, ctx)
				continue
			}
			tmsiOwners[*ctx.TMSI] = ctx
		}
	}
}

// AllContextsLocked snapshots contexts while the caller already holds a
// lock. The copy is required because merges shrink the backing slice.
func (m *Manager) AllContextsLocked() []*SubscriberIdentity {
	out := make([]*SubscriberIdentity, len(m.contexts))
	copy(out, m.contexts)
	return out
}

func (m *Manager) isLive(ctx *SubscriberIdentity) bool {
	for _, c := range m.contexts {
		if c == ctx {
			return true
		}
	}
	return false
}

func endpointForIP(ip string) NetworkEndpoint {
	if isIPv6(ip) {
		return NetworkEndpoint{IPv6: ip}
	}
	return NetworkEndpoint{IPv4: ip}
}

func isIPv6(ip string) bool {
	for i := 0; i < len(ip); i++ {
		if ip[i] == ':' {
			return true
		}
	}
	return false
}
