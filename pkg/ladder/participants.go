package ladder

import (
	"fmt"

	"github.com/protei/callflow/pkg/decoder"
)

// Well-known signalling ports
const (
	portS1AP     = 36412
	portNGAP     = 38412
	portGTPC     = 2123
	portGTPU     = 2152
	portPFCP     = 8805
	portDiameter = 3868
)

// Diameter application ids used for role detection
const (
	appIDS6a uint32 = 16777251
	appIDGx  uint32 = 16777238
	appIDRx  uint32 = 16777236
	appIDSh  uint32 = 16777217
	appIDCx  uint32 = 16777216
)

// ParticipantType classifies a network element.
type ParticipantType string

const (
	ParticipantUE      ParticipantType = "UE"
	ParticipantENodeB  ParticipantType = "eNodeB"
	ParticipantGNodeB  ParticipantType = "gNodeB"
	ParticipantMME     ParticipantType = "MME"
	ParticipantAMF     ParticipantType = "AMF"
	ParticipantSGW     ParticipantType = "S-GW"
	ParticipantPGW     ParticipantType = "P-GW"
	ParticipantSMF     ParticipantType = "SMF"
	ParticipantUPF     ParticipantType = "UPF"
	ParticipantHSS     ParticipantType = "HSS"
	ParticipantPCRF    ParticipantType = "PCRF"
	ParticipantPCSCF   ParticipantType = "P-CSCF"
	ParticipantSCSCF   ParticipantType = "S-CSCF"
	ParticipantAS      ParticipantType = "AS"
	ParticipantUnknown ParticipantType = "UNKNOWN"
)

// Participant is one detected network element of a diagram.
type Participant struct {
	ID           string          `json:"id"`
	Type         ParticipantType `json:"type"`
	IP           string          `json:"ip"`
	Port         uint16          `json:"port,omitempty"`
	FriendlyName string          `json:"friendly_name,omitempty"`
}

// Detector maps IPs to participants, combining port/protocol/Diameter
// role heuristics with explicit user mappings that take precedence.
type Detector struct {
	byIP     map[string]Participant
	byIPPort map[string]Participant

	typeCounters map[ParticipantType]int
}

// NewDetector creates an empty participant detector.
func NewDetector() *Detector {
	return &Detector{
		byIP:         make(map[string]Participant),
		byIPPort:     make(map[string]Participant),
		typeCounters: make(map[ParticipantType]int),
	}
}

// AddMapping registers an explicit name for an IP, overriding detection.
func (d *Detector) AddMapping(ip, name string, t ParticipantType) {
	d.byIP[ip] = Participant{ID: name, Type: t, IP: ip, FriendlyName: name}
}

// AddMappingWithPort registers an explicit name for an IP:port pair.
func (d *Detector) AddMappingWithPort(ip string, port uint16, name string, t ParticipantType) {
	p := Participant{ID: name, Type: t, IP: ip, Port: port, FriendlyName: name}
	d.byIP[ip] = p
	d.byIPPort[ipPortKey(ip, port)] = p
}

// Detect resolves the participant at one end of a message.
func (d *Detector) Detect(msg *decoder.Message, isSource bool) Participant {
	ip, port := msg.SrcIP, msg.SrcPort
	if !isSource {
		ip, port = msg.DstIP, msg.DstPort
	}

	if p, ok := d.byIPPort[ipPortKey(ip, port)]; ok {
		return p
	}
	if p, ok := d.byIP[ip]; ok {
		return p
	}

	t := d.detectFromProtocol(msg, isSource)
	if t == ParticipantUnknown {
		t = d.detectFromMessageType(msg, isSource)
	}
	if t == ParticipantUnknown && msg.Protocol == decoder.ProtocolDiameter {
		t = d.detectFromDiameter(msg, isSource)
	}

	p := Participant{
		ID:   d.generateID(t, ip, port),
		Type: t,
		IP:   ip,
		Port: port,
	}

	d.byIP[ip] = p
	if port != 0 {
		d.byIPPort[ipPortKey(ip, port)] = p
	}

	return p
}

// All returns every participant seen so far.
func (d *Detector) All() []Participant {
	out := make([]Participant, 0, len(d.byIP))
	for _, p := range d.byIP {
		out = append(out, p)
	}
	return out
}

func (d *Detector) detectFromProtocol(msg *decoder.Message, isSource bool) ParticipantType {
	port := msg.SrcPort
	peerPort := msg.DstPort
	if !isSource {
		port, peerPort = peerPort, port
	}

	switch {
	case msg.Protocol == decoder.ProtocolS1AP || port == portS1AP || peerPort == portS1AP:
		// eNodeB initiates towards the MME's well-known port
		if isSource {
			return ParticipantENodeB
		}
		return ParticipantMME
	case msg.Protocol == decoder.ProtocolNGAP || port == portNGAP || peerPort == portNGAP:
		if isSource {
			return ParticipantGNodeB
		}
		return ParticipantAMF
	case msg.Protocol == decoder.ProtocolPFCP || port == portPFCP || peerPort == portPFCP:
		if isSource {
			return ParticipantSMF
		}
		return ParticipantUPF
	}

	return ParticipantUnknown
}

func (d *Detector) detectFromMessageType(msg *decoder.Message, isSource bool) ParticipantType {
	switch msg.MessageType {
	case decoder.S1APInitialUEMessage:
		if isSource {
			return ParticipantENodeB
		}
		return ParticipantMME
	case decoder.NGAPInitialUEMessage:
		if isSource {
			return ParticipantGNodeB
		}
		return ParticipantAMF
	case decoder.GTPCreateSessionReq:
		if isSource {
			return ParticipantMME
		}
		return ParticipantSGW
	case decoder.GTPCreateSessionResp:
		if isSource {
			return ParticipantSGW
		}
		return ParticipantMME
	case decoder.SIPRegister:
		if isSource {
			return ParticipantUE
		}
		return ParticipantPCSCF
	}
	return ParticipantUnknown
}

func (d *Detector) detectFromDiameter(msg *decoder.Message, isSource bool) ParticipantType {
	appID, ok := msg.Uint32Field("application_id")
	if !ok {
		return ParticipantUnknown
	}

	switch appID {
	case appIDS6a:
		if isSource {
			return ParticipantMME
		}
		return ParticipantHSS
	case appIDGx:
		if isSource {
			return ParticipantPGW
		}
		return ParticipantPCRF
	case appIDRx:
		if isSource {
			return ParticipantPCSCF
		}
		return ParticipantPCRF
	case appIDSh:
		if isSource {
			return ParticipantAS
		}
		return ParticipantHSS
	case appIDCx:
		if isSource {
			return ParticipantSCSCF
		}
		return ParticipantHSS
	}
	return ParticipantUnknown
}

func (d *Detector) generateID(t ParticipantType, ip string, port uint16) string {
	if t == ParticipantUE {
		return "UE"
	}
	if t == ParticipantUnknown {
		if port != 0 {
			return fmt.Sprintf("UNKNOWN-%s:%d", ip, port)
		}
		return "UNKNOWN-" + ip
	}

	d.typeCounters[t]++
	if d.typeCounters[t] == 1 {
		return string(t)
	}
	return fmt.Sprintf("%s-%02d", t, d.typeCounters[t])
}

func ipPortKey(ip string, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
