package ladder

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/protei/callflow/pkg/decoder"
)

// Interface tags the 3GPP reference point a message travelled over.
type Interface string

const (
	InterfaceS1MME   Interface = "S1-MME"
	InterfaceS1U     Interface = "S1-U"
	InterfaceS5S8    Interface = "S5/S8"
	InterfaceS11     Interface = "S11"
	InterfaceX2      Interface = "X2"
	InterfaceN2      Interface = "N2"
	InterfaceN3      Interface = "N3"
	InterfaceN4      Interface = "N4"
	InterfaceS6a     Interface = "S6a"
	InterfaceGx      Interface = "Gx"
	InterfaceRx      Interface = "Rx"
	InterfaceCx      Interface = "Cx"
	InterfaceSh      Interface = "Sh"
	InterfaceSBI     Interface = "SBI"
	InterfaceIMS     Interface = "IMS"
	InterfaceUnknown Interface = "UNKNOWN"
)

// Direction of a ladder event.
type Direction string

const (
	DirectionRequest    Direction = "REQUEST"
	DirectionResponse   Direction = "RESPONSE"
	DirectionIndication Direction = "INDICATION"
)

// Event is one message rendered into the diagram.
type Event struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	TimestampUs int64     `json:"timestamp_us"`

	FromParticipant string `json:"from_participant"`
	ToParticipant   string `json:"to_participant"`

	Interface Interface           `json:"interface"`
	Protocol  decoder.Protocol    `json:"protocol"`
	Message   decoder.MessageType `json:"message"`

	Direction Direction `json:"direction"`

	ProcedureID string `json:"procedure_id,omitempty"`
	LatencyUs   int64  `json:"latency_us,omitempty"` // request -> this response
	Frame       uint32 `json:"frame"`
}

// ProcedureGroup collects the events of one detected procedure.
type ProcedureGroup struct {
	ProcedureID string        `json:"procedure_id"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration_ms"`
	EventIDs    []string      `json:"event_ids"`
}

// Metrics summarises a diagram.
type Metrics struct {
	TotalEvents       int              `json:"total_events"`
	TotalDuration     time.Duration    `json:"total_duration_ms"`
	AverageInterEvent time.Duration    `json:"average_inter_event_ms"`
	Latencies         map[string]int64 `json:"latencies_us,omitempty"` // named request latencies
}

// Diagram is the immutable assembled result.
type Diagram struct {
	Title     string    `json:"title"`
	SessionID string    `json:"session_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Participants []Participant    `json:"participants"`
	Events       []Event          `json:"events"`
	Procedures   []ProcedureGroup `json:"procedures,omitempty"`
	Metrics      Metrics          `json:"metrics"`
}

// Assembler builds ladder diagrams from sets of correlated messages.
type Assembler struct {
	detector *Detector
}

// NewAssembler creates a ladder assembler; detector may carry explicit
// participant mappings.
func NewAssembler(detector *Detector) *Assembler {
	if detector == nil {
		detector = NewDetector()
	}
	return &Assembler{detector: detector}
}

// requestPeers maps each request message type to its response.
var requestPeers = map[decoder.MessageType]decoder.MessageType{
	decoder.GTPCreateSessionReq:       decoder.GTPCreateSessionResp,
	decoder.GTPModifyBearerReq:        decoder.GTPModifyBearerResp,
	decoder.GTPCreateBearerReq:        decoder.GTPCreateBearerResp,
	decoder.GTPDeleteSessionReq:       decoder.GTPDeleteSessionResp,
	decoder.GTPDeleteBearerReq:        decoder.GTPDeleteBearerResp,
	decoder.S1APInitialContextSetupReq: decoder.S1APInitialContextSetupRsp,
	decoder.S1APPathSwitchRequest:     decoder.S1APPathSwitchRequestAck,
	decoder.S1APERABSetupReq:          decoder.S1APERABSetupRsp,
	decoder.X2APHandoverRequest:       decoder.X2APHandoverRequestAck,
	decoder.DiameterAAR:               decoder.DiameterAAA,
	decoder.DiameterRAR:               decoder.DiameterRAA,
	decoder.DiameterCCR:               decoder.DiameterCCA,
	decoder.DiameterULR:               decoder.DiameterULA,
	decoder.DiameterAIR:               decoder.DiameterAIA,
	decoder.SIPInvite:                 decoder.SIPOK,
}

var responseTypes = func() map[decoder.MessageType]bool {
	out := make(map[decoder.MessageType]bool, len(requestPeers))
	for _, resp := range requestPeers {
		out[resp] = true
	}
	return out
}()

// Assemble builds a diagram from the given messages: sorts by timestamp
// (stable on ties), detects participants and interfaces, pairs requests
// to responses with microsecond latencies, and groups by procedure id.
func (a *Assembler) Assemble(title, sessionID string, messages []*decoder.Message) *Diagram {
	sorted := make([]*decoder.Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	diagram := &Diagram{
		Title:     title,
		SessionID: sessionID,
	}

	events := make([]Event, 0, len(sorted))

	// Outstanding requests per message type; a response closes the
	// earliest open request of its peer type.
	type openRequest struct {
		eventIdx int
		ts       time.Time
	}
	pending := make(map[decoder.MessageType][]openRequest)
	// Responses that close a request by peer type
	requestOf := make(map[decoder.MessageType]decoder.MessageType)
	for req, resp := range requestPeers {
		requestOf[resp] = req
	}

	for _, msg := range sorted {
		src := a.detector.Detect(msg, true)
		dst := a.detector.Detect(msg, false)

		event := Event{
			EventID:         uuid.NewString(),
			Timestamp:       msg.Timestamp,
			TimestampUs:     msg.Timestamp.UnixMicro(),
			FromParticipant: src.ID,
			ToParticipant:   dst.ID,
			Interface:       identifyInterface(msg, src.Type, dst.Type),
			Protocol:        msg.Protocol,
			Message:         msg.MessageType,
			Direction:       classifyDirection(msg.MessageType),
			Frame:           msg.FrameNumber,
		}
		if procID, ok := msg.StringField("procedure_id"); ok {
			event.ProcedureID = procID
		}

		if _, isReq := requestPeers[msg.MessageType]; isReq {
			pending[msg.MessageType] = append(pending[msg.MessageType], openRequest{
				eventIdx: len(events),
				ts:       msg.Timestamp,
			})
		} else if reqType, isResp := requestOf[msg.MessageType]; isResp {
			if open := pending[reqType]; len(open) > 0 {
				req := open[0]
				pending[reqType] = open[1:]
				event.LatencyUs = msg.Timestamp.Sub(req.ts).Microseconds()
			}
		}

		events = append(events, event)
	}

	diagram.Events = events
	diagram.Participants = a.detector.All()
	diagram.Procedures = groupProcedures(events)

	if len(events) > 0 {
		diagram.StartTime = events[0].Timestamp
		diagram.EndTime = events[len(events)-1].Timestamp
	}
	diagram.Metrics = computeMetrics(events)

	return diagram
}

// identifyInterface derives the 3GPP interface from protocol, port and
// the participant types at both ends.
func identifyInterface(msg *decoder.Message, src, dst ParticipantType) Interface {
	switch msg.Protocol {
	case decoder.ProtocolS1AP:
		return InterfaceS1MME
	case decoder.ProtocolX2AP:
		return InterfaceX2
	case decoder.ProtocolNGAP:
		return InterfaceN2
	case decoder.ProtocolPFCP:
		return InterfaceN4
	case decoder.ProtocolSIP, decoder.ProtocolRTP, decoder.ProtocolRTCP:
		return InterfaceIMS
	case decoder.ProtocolHTTP2:
		return InterfaceSBI
	case decoder.ProtocolGTPv2C:
		// S11 between MME and S-GW, S5/S8 between the gateways
		if src == ParticipantMME || dst == ParticipantMME {
			return InterfaceS11
		}
		if (src == ParticipantSGW && dst == ParticipantPGW) ||
			(src == ParticipantPGW && dst == ParticipantSGW) {
			return InterfaceS5S8
		}
		return InterfaceS11
	case decoder.ProtocolGTPU:
		if src == ParticipantGNodeB || dst == ParticipantGNodeB ||
			src == ParticipantUPF || dst == ParticipantUPF {
			return InterfaceN3
		}
		return InterfaceS1U
	case decoder.ProtocolDiameter:
		if appID, ok := msg.Uint32Field("application_id"); ok {
			switch appID {
			case appIDS6a:
				return InterfaceS6a
			case appIDGx:
				return InterfaceGx
			case appIDRx:
				return InterfaceRx
			case appIDCx:
				return InterfaceCx
			case appIDSh:
				return InterfaceSh
			}
		}
		return InterfaceUnknown
	}

	switch msg.DstPort {
	case portS1AP:
		return InterfaceS1MME
	case portNGAP:
		return InterfaceN2
	case portPFCP:
		return InterfaceN4
	}

	return InterfaceUnknown
}

func classifyDirection(t decoder.MessageType) Direction {
	if _, ok := requestPeers[t]; ok {
		return DirectionRequest
	}
	if responseTypes[t] {
		return DirectionResponse
	}
	return DirectionIndication
}

func groupProcedures(events []Event) []ProcedureGroup {
	byProc := make(map[string]*ProcedureGroup)
	var order []string

	for _, event := range events {
		if event.ProcedureID == "" {
			continue
		}
		group, ok := byProc[event.ProcedureID]
		if !ok {
			group = &ProcedureGroup{
				ProcedureID: event.ProcedureID,
				StartTime:   event.Timestamp,
				EndTime:     event.Timestamp,
			}
			byProc[event.ProcedureID] = group
			order = append(order, event.ProcedureID)
		}
		if event.Timestamp.Before(group.StartTime) {
			group.StartTime = event.Timestamp
		}
		if event.Timestamp.After(group.EndTime) {
			group.EndTime = event.Timestamp
		}
		group.EventIDs = append(group.EventIDs, event.EventID)
	}

	out := make([]ProcedureGroup, 0, len(order))
	for _, id := range order {
		group := byProc[id]
		group.Duration = group.EndTime.Sub(group.StartTime)
		out = append(out, *group)
	}
	return out
}

func computeMetrics(events []Event) Metrics {
	metrics := Metrics{
		TotalEvents: len(events),
		Latencies:   make(map[string]int64),
	}

	if len(events) == 0 {
		return metrics
	}

	metrics.TotalDuration = events[len(events)-1].Timestamp.Sub(events[0].Timestamp)
	if len(events) > 1 {
		metrics.AverageInterEvent = metrics.TotalDuration / time.Duration(len(events)-1)
	}

	for _, event := range events {
		if event.LatencyUs > 0 {
			metrics.Latencies[string(event.Message)] = event.LatencyUs
		}
	}

	return metrics
}
