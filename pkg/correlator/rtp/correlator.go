package rtp

import (
	"sort"
	"sync"

	"github.com/protei/callflow/internal/logger"
)

// Stats counts what the correlator has seen.
type Stats struct {
	TotalPackets int `json:"total_packets"`
	TotalStreams int `json:"total_streams"`
}

// Correlator groups RTP packets into streams by SSRC.
type Correlator struct {
	mu      sync.RWMutex
	streams map[uint32]*Stream
	order   []uint32

	ipIndex   map[string][]uint32
	ueIPIndex map[string][]uint32

	stats Stats

	log *logger.Logger
}

// New creates an RTP correlator.
func New() *Correlator {
	return &Correlator{
		streams:   make(map[uint32]*Stream),
		ipIndex:   make(map[string][]uint32),
		ueIPIndex: make(map[string][]uint32),
		log:       logger.Get().WithComponent("rtp-correlator"),
	}
}

// AddPacket ingests one RTP packet. Packets of one SSRC must arrive in
// capture order for the jitter estimate to be meaningful. Thread-safe.
func (c *Correlator) AddPacket(pkt PacketInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalPackets++

	stream, found := c.streams[pkt.SSRC]
	if !found {
		stream = newStream(pkt)
		c.streams[pkt.SSRC] = stream
		c.order = append(c.order, pkt.SSRC)
		c.indexStream(stream)
		c.stats.TotalStreams++
		return
	}

	stream.addPacket(pkt)
}

// Finalize is a no-op hook for contract symmetry; metrics are computed
// lazily per stream.
func (c *Correlator) Finalize() {}

// Streams returns all streams sorted by start time.
func (c *Correlator) Streams() []*Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Stream, 0, len(c.order))
	for _, ssrc := range c.order {
		result = append(result, c.streams[ssrc])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// FindBySSRC returns the stream for an SSRC, or nil.
func (c *Correlator) FindBySSRC(ssrc uint32) *Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams[ssrc]
}

// FindByIP returns streams with the IP as either endpoint.
func (c *Correlator) FindByIP(ip string) []*Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collect(c.ipIndex[ip])
}

// FindByUEIP returns streams bound to the UE IP.
func (c *Correlator) FindByUEIP(ueIP string) []*Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collect(c.ueIPIndex[ueIP])
}

// FindByEndpoint returns streams with ip:port as either endpoint.
func (c *Correlator) FindByEndpoint(ip string, port uint16) []*Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*Stream
	for _, ssrc := range c.ipIndex[ip] {
		stream := c.streams[ssrc]
		if stream == nil {
			continue
		}
		if (stream.SrcIP == ip && stream.SrcPort == port) ||
			(stream.DstIP == ip && stream.DstPort == port) {
			result = append(result, stream)
		}
	}
	return result
}

// BindUEEndpoint marks streams on the given media endpoint as belonging
// to the UE and sets their direction: UPLINK when the UE is the source.
// Returns the affected streams.
func (c *Correlator) BindUEEndpoint(ip string, port uint16, ueIP string) []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bound []*Stream
	for _, ssrc := range c.ipIndex[ip] {
		stream := c.streams[ssrc]
		if stream == nil {
			continue
		}
		matchesSrc := stream.SrcIP == ip && (port == 0 || stream.SrcPort == port)
		matchesDst := stream.DstIP == ip && (port == 0 || stream.DstPort == port)
		if !matchesSrc && !matchesDst {
			continue
		}

		stream.UEIP = ueIP
		if matchesSrc {
			stream.Direction = DirectionUplink
		} else {
			stream.Direction = DirectionDownlink
		}
		c.ueIPIndex[ueIP] = appendUnique(c.ueIPIndex[ueIP], ssrc)
		bound = append(bound, stream)
	}

	return bound
}

// Stats returns ingestion counters.
func (c *Correlator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Clear drops all streams.
func (c *Correlator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = make(map[uint32]*Stream)
	c.order = nil
	c.ipIndex = make(map[string][]uint32)
	c.ueIPIndex = make(map[string][]uint32)
	c.stats = Stats{}
}

func (c *Correlator) indexStream(stream *Stream) {
	c.ipIndex[stream.SrcIP] = appendUnique(c.ipIndex[stream.SrcIP], stream.SSRC)
	c.ipIndex[stream.DstIP] = appendUnique(c.ipIndex[stream.DstIP], stream.SSRC)
}

func (c *Correlator) collect(ssrcs []uint32) []*Stream {
	result := make([]*Stream, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		if s, ok := c.streams[ssrc]; ok {
			result = append(result, s)
		}
	}
	return result
}

func appendUnique(list []uint32, v uint32) []uint32 {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
