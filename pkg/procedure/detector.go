package procedure

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/decoder"
)

// DetectorStats counts what the detector has seen.
type DetectorStats struct {
	TotalProceduresDetected int          `json:"total_procedures_detected"`
	ProceduresCompleted     int          `json:"procedures_completed"`
	ProceduresFailed        int          `json:"procedures_failed"`
	ByType                  map[Type]int `json:"by_type"`
}

// Detector dispatches incoming messages to matching active procedures
// and spawns new procedure machines on the canonical trigger messages.
type Detector struct {
	mu sync.Mutex

	procedures map[string]StateMachine

	// Correlation keys -> procedure ids. SUPI shares the IMSI map.
	imsiIndex    map[string][]string
	callIDIndex  map[string][]string
	mmeUEIDIndex map[uint32][]string

	stats DetectorStats

	log *logger.Logger
}

// NewDetector creates an empty procedure detector.
func NewDetector() *Detector {
	return &Detector{
		procedures:   make(map[string]StateMachine),
		imsiIndex:    make(map[string][]string),
		callIDIndex:  make(map[string][]string),
		mmeUEIDIndex: make(map[uint32][]string),
		stats:        DetectorStats{ByType: make(map[Type]int)},
		log:          logger.Get().WithComponent("procedure-detector"),
	}
}

// ProcessMessage routes a message to matching active procedures, or
// starts a new one when the message is a canonical trigger. Returns the
// ids of procedures whose state changed.
func (d *Detector) ProcessMessage(msg *decoder.Message) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changed []string

	matching := d.findMatchingProcedures(msg)
	for _, id := range matching {
		machine := d.procedures[id]
		if machine == nil {
			continue
		}
		if machine.ProcessMessage(msg) {
			changed = append(changed, id)
			if machine.IsComplete() {
				d.stats.ProceduresCompleted++
				d.log.Debug("procedure completed", "id", id)
			} else if machine.IsFailed() {
				d.stats.ProceduresFailed++
				d.log.Debug("procedure failed", "id", id)
			}
		}
	}

	if len(matching) == 0 {
		if id := d.tryStartProcedure(msg); id != "" {
			changed = append(changed, id)
		}
	}

	return changed
}

// tryStartProcedure checks the canonical trigger messages and spawns the
// matching machine. Caller holds the lock.
func (d *Detector) tryStartProcedure(msg *decoder.Message) string {
	var machine StateMachine

	switch {
	case msg.MessageType == decoder.S1APInitialUEMessage &&
		msg.HasNasType(decoder.NASAttachRequest):
		machine = NewLTEAttachMachine()
	case msg.MessageType == decoder.X2APHandoverRequest:
		machine = NewX2HandoverMachine()
	case msg.MessageType == decoder.SIPInvite:
		machine = NewVoLTECallMachine()
	case msg.MessageType == decoder.NGAPInitialUEMessage &&
		msg.HasNasType(decoder.NAS5GRegistrationRequest):
		machine = NewFiveGRegistrationMachine()
	default:
		return ""
	}

	id := fmt.Sprintf("%s_%s", machine.ProcedureType(), uuid.NewString()[:8])

	machine.ProcessMessage(msg)
	d.procedures[id] = machine
	d.addCorrelationKeys(id, msg)

	d.stats.TotalProceduresDetected++
	d.stats.ByType[machine.ProcedureType()]++

	d.log.Info("new procedure detected", "id", id, "type", string(machine.ProcedureType()))

	return id
}

// findMatchingProcedures collects active procedures indexed under any of
// the message's correlation keys. Caller holds the lock.
func (d *Detector) findMatchingProcedures(msg *decoder.Message) []string {
	seen := make(map[string]bool)
	var matching []string

	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				matching = append(matching, id)
			}
		}
	}

	if msg.Key.IMSI != "" {
		add(d.imsiIndex[msg.Key.IMSI])
	}
	if msg.Key.SUPI != "" {
		add(d.imsiIndex[msg.Key.SUPI])
	}
	if msg.Key.SIPCallID != "" {
		add(d.callIDIndex[msg.Key.SIPCallID])
	}
	if msg.Key.HasMMEUEID || msg.Key.MMEUES1APID != 0 {
		add(d.mmeUEIDIndex[msg.Key.MMEUES1APID])
	}

	// Completed and failed procedures no longer claim messages
	active := matching[:0]
	for _, id := range matching {
		machine := d.procedures[id]
		if machine == nil || machine.IsComplete() || machine.IsFailed() {
			continue
		}
		active = append(active, id)
	}
	return active
}

// addCorrelationKeys indexes the procedure under all keys the trigger
// message carried. Caller holds the lock.
func (d *Detector) addCorrelationKeys(id string, msg *decoder.Message) {
	if msg.Key.IMSI != "" {
		d.imsiIndex[msg.Key.IMSI] = append(d.imsiIndex[msg.Key.IMSI], id)
	}
	if msg.Key.SUPI != "" {
		d.imsiIndex[msg.Key.SUPI] = append(d.imsiIndex[msg.Key.SUPI], id)
	}
	if msg.Key.SIPCallID != "" {
		d.callIDIndex[msg.Key.SIPCallID] = append(d.callIDIndex[msg.Key.SIPCallID], id)
	}
	if msg.Key.HasMMEUEID || msg.Key.MMEUES1APID != 0 {
		d.mmeUEIDIndex[msg.Key.MMEUES1APID] = append(d.mmeUEIDIndex[msg.Key.MMEUES1APID], id)
	}
}

// removeCorrelationKeys drops all index entries pointing at the
// procedure. Caller holds the lock.
func (d *Detector) removeCorrelationKeys(id string) {
	for key, ids := range d.imsiIndex {
		d.imsiIndex[key] = removeString(ids, id)
	}
	for key, ids := range d.callIDIndex {
		d.callIDIndex[key] = removeString(ids, id)
	}
	for key, ids := range d.mmeUEIDIndex {
		d.mmeUEIDIndex[key] = removeString(ids, id)
	}
}

// ActiveProcedures returns machines that are neither complete nor failed.
func (d *Detector) ActiveProcedures() []StateMachine {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []StateMachine
	for _, machine := range d.procedures {
		if !machine.IsComplete() && !machine.IsFailed() {
			out = append(out, machine)
		}
	}
	return out
}

// CompletedProcedures returns machines in a complete terminal state.
func (d *Detector) CompletedProcedures() []StateMachine {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []StateMachine
	for _, machine := range d.procedures {
		if machine.IsComplete() {
			out = append(out, machine)
		}
	}
	return out
}

// FailedProcedures returns machines in a failed terminal state.
func (d *Detector) FailedProcedures() []StateMachine {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []StateMachine
	for _, machine := range d.procedures {
		if machine.IsFailed() {
			out = append(out, machine)
		}
	}
	return out
}

// Procedure returns the machine for an id, or nil.
func (d *Detector) Procedure(id string) StateMachine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.procedures[id]
}

// AllProcedures returns every tracked machine.
func (d *Detector) AllProcedures() []StateMachine {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]StateMachine, 0, len(d.procedures))
	for _, machine := range d.procedures {
		out = append(out, machine)
	}
	return out
}

// Stats returns detection counters.
func (d *Detector) Stats() DetectorStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.stats
	out.ByType = make(map[Type]int, len(d.stats.ByType))
	for k, v := range d.stats.ByType {
		out.ByType[k] = v
	}
	return out
}

// Cleanup discards completed/failed procedures whose end is older than
// the retention window, removing their index entries.
func (d *Detector) Cleanup(retention time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var toRemove []string

	for id, machine := range d.procedures {
		if !machine.IsComplete() && !machine.IsFailed() {
			continue
		}
		end, ok := machine.EndTime()
		if !ok {
			// Failed machines have no end time; age them by their steps
			steps := machine.Steps()
			if len(steps) == 0 {
				continue
			}
			end = steps[len(steps)-1].Timestamp
		}
		if end.Before(cutoff) {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		d.removeCorrelationKeys(id)
		delete(d.procedures, id)
	}

	if len(toRemove) > 0 {
		d.log.Info("cleaned up old procedures", "count", len(toRemove))
	}
	return len(toRemove)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
