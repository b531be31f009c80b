package gtptunnel

import (
	"time"
)

// State is the lifecycle state of a GTP tunnel.
type State string

const (
	StateCreating  State = "CREATING"
	StateActive    State = "ACTIVE"
	StateInactive  State = "INACTIVE"
	StateDeleting  State = "DELETING"
	StateDeleted   State = "DELETED"
	StateHandedOver State = "HANDED_OVER"
)

// EventKind labels entries of a tunnel's chronological event list.
type EventKind string

const (
	EventCreation  EventKind = "CREATION"
	EventActivation EventKind = "ACTIVATION"
	EventHandover  EventKind = "HANDOVER"
	EventDataBurst EventKind = "DATA_BURST"
	EventDeletion  EventKind = "DELETION"
)

// Event is one entry in a tunnel's history.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// HandoverType classifies how a bearer moved between nodes.
type HandoverType string

const (
	HandoverX2      HandoverType = "X2"
	HandoverS1      HandoverType = "S1"
	HandoverXn      HandoverType = "Xn"
	HandoverN2      HandoverType = "N2"
	HandoverUnknown HandoverType = "UNKNOWN"
)

// HandoverEvent records a detected TEID change for the same IMSI.
type HandoverEvent struct {
	OldTEID   uint32       `json:"old_teid"`
	NewTEID   uint32       `json:"new_teid"`
	OldPeerIP string       `json:"old_peer_ip,omitempty"`
	NewPeerIP string       `json:"new_peer_ip,omitempty"`
	Type      HandoverType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`

	// Request -> ack on the old tunnel
	PreparationTime time.Duration `json:"preparation_time_ms"`
	// Ack on the old tunnel -> the Modify Bearer Response that moved the
	// bearer; the context release is not observed by the tunnel manager
	ExecutionTime time.Duration `json:"execution_time_ms"`
	// Last uplink data on the old tunnel -> first uplink data on the new
	InterruptionTime time.Duration `json:"interruption_time_ms"`
}

// Tunnel is one GTP bearer's lifecycle object, keyed by uplink TEID.
type Tunnel struct {
	TEIDUplink   uint32 `json:"teid_uplink"`
	TEIDDownlink uint32 `json:"teid_downlink,omitempty"`

	PeerIPUplink   string `json:"peer_ip_uplink,omitempty"`
	PeerIPDownlink string `json:"peer_ip_downlink,omitempty"`

	IMSI        string `json:"imsi,omitempty"`
	APN         string `json:"apn,omitempty"`
	UEIPv4      string `json:"ue_ip_v4,omitempty"`
	UEIPv6      string `json:"ue_ip_v6,omitempty"`
	EPSBearerID uint8  `json:"eps_bearer_id,omitempty"`
	QCI         uint8  `json:"qci,omitempty"`

	State State `json:"state"`

	UplinkBytes     uint64 `json:"uplink_bytes"`
	DownlinkBytes   uint64 `json:"downlink_bytes"`
	UplinkPackets   uint64 `json:"uplink_packets"`
	DownlinkPackets uint64 `json:"downlink_packets"`

	Created      time.Time  `json:"created"`
	Activated    *time.Time `json:"activated,omitempty"`
	Deleted      *time.Time `json:"deleted,omitempty"`
	LastActivity time.Time  `json:"last_activity"`

	LastUplinkData *time.Time `json:"last_uplink_data,omitempty"`

	Events    []Event          `json:"events"`
	Handovers []*HandoverEvent `json:"handovers,omitempty"`
}

// DurationHours is the tunnel's lifetime in hours, from creation until
// deletion or the last activity seen.
func (t *Tunnel) DurationHours() float64 {
	end := t.LastActivity
	if t.Deleted != nil {
		end = *t.Deleted
	}
	if end.Before(t.Created) {
		return 0
	}
	return end.Sub(t.Created).Hours()
}

func (t *Tunnel) recordEvent(kind EventKind, ts time.Time, detail string) {
	t.Events = append(t.Events, Event{Kind: kind, Timestamp: ts, Detail: detail})
}
