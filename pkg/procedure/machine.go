package procedure

import (
	"time"

	"github.com/protei/callflow/pkg/decoder"
)

// Type names a recognised 3GPP procedure.
type Type string

const (
	TypeLTEAttach       Type = "LTE_ATTACH"
	TypeX2Handover      Type = "LTE_HANDOVER_X2"
	TypeVoLTECallSetup  Type = "VOLTE_CALL_SETUP"
	TypeFiveGRegistration Type = "FIVEG_REGISTRATION"
)

// Step records one accepted message of a procedure.
type Step struct {
	Name        string              `json:"name"`
	MessageType decoder.MessageType `json:"message_type"`
	Frame       uint32              `json:"frame"`
	Timestamp   time.Time           `json:"timestamp"`
	// Latency since the previous recorded step; zero for the first.
	LatencyFromPrevious time.Duration `json:"latency_from_previous_ms"`
	// False when the step is a failure/reject off the canonical sequence.
	Expected bool `json:"expected"`
}

// StateMachine is the contract every procedure recogniser implements.
// ProcessMessage returns true on a state transition; a message the
// machine cannot accept in its current state causes no transition and
// records no step.
type StateMachine interface {
	ProcessMessage(msg *decoder.Message) bool
	IsComplete() bool
	IsFailed() bool
	ProcedureType() Type
	StateName() string
	StateDescription() string
	StartTime() time.Time
	EndTime() (time.Time, bool)
	Steps() []Step
	Metrics() map[string]interface{}
}

// stepRecorder is the shared step bookkeeping embedded by the machines.
type stepRecorder struct {
	steps []Step
}

func (r *stepRecorder) record(name string, msg *decoder.Message, expected bool) {
	step := Step{
		Name:        name,
		MessageType: msg.MessageType,
		Frame:       msg.FrameNumber,
		Timestamp:   msg.Timestamp,
		Expected:    expected,
	}
	if len(r.steps) > 0 {
		step.LatencyFromPrevious = msg.Timestamp.Sub(r.steps[len(r.steps)-1].Timestamp)
	}
	r.steps = append(r.steps, step)
}

func (r *stepRecorder) Steps() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

func durationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
