package engine

import (
	"time"

	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/correlator/diameter"
	"github.com/protei/callflow/pkg/correlator/gtp"
	"github.com/protei/callflow/pkg/correlator/nas"
	"github.com/protei/callflow/pkg/correlator/rtp"
	"github.com/protei/callflow/pkg/correlator/sip"
	"github.com/protei/callflow/pkg/correlator/s1ap"
	"github.com/protei/callflow/pkg/decoder"
	"github.com/protei/callflow/pkg/gtptunnel"
	"github.com/protei/callflow/pkg/identity"
	"github.com/protei/callflow/pkg/procedure"
	"github.com/protei/callflow/pkg/volte"
)

// Config tunes the engine's collaborators.
type Config struct {
	Volte  volte.Config
	Tunnel gtptunnel.Config
	// Retention for completed procedures
	ProcedureRetention time.Duration
}

// Engine wires the per-protocol correlators, the subscriber graph, the
// procedure detector and the tunnel manager behind one ingestion entry
// point. Ingest may be called concurrently; Finalize and Correlate run
// single-threaded after ingestion.
type Engine struct {
	Subscribers *identity.Manager

	SIP      *sip.Correlator
	Diameter *diameter.Correlator
	NAS      *nas.Correlator
	S1AP     *s1ap.Correlator
	RTP      *rtp.Correlator
	GTP      *gtp.Correlator

	Tunnels    *gtptunnel.Manager
	Procedures *procedure.Detector

	VoLTE *volte.Correlator

	config Config
	log    *logger.Logger
}

// New builds a fully wired engine.
func New(config Config) *Engine {
	if config.ProcedureRetention == 0 {
		config.ProcedureRetention = time.Hour
	}

	subscribers := identity.NewManager()
	tunnels := gtptunnel.NewManager(config.Tunnel)

	nasCorrelator := nas.New(subscribers)
	sipCorrelator := sip.New(subscribers)
	diameterCorrelator := diameter.New(subscribers)
	s1apCorrelator := s1ap.New(subscribers, nasCorrelator)
	rtpCorrelator := rtp.New()
	gtpCorrelator := gtp.New(subscribers, tunnels)

	return &Engine{
		Subscribers: subscribers,
		SIP:         sipCorrelator,
		Diameter:    diameterCorrelator,
		NAS:         nasCorrelator,
		S1AP:        s1apCorrelator,
		RTP:         rtpCorrelator,
		GTP:         gtpCorrelator,
		Tunnels:     tunnels,
		Procedures:  procedure.NewDetector(),
		VoLTE: volte.New(config.Volte,
			sipCorrelator, diameterCorrelator, gtpCorrelator,
			nasCorrelator, rtpCorrelator, subscribers),
		config: config,
		log:    logger.Get().WithComponent("engine"),
	}
}

// Ingest routes one parsed message into its protocol correlator and the
// procedure detector. Safe for concurrent callers.
func (e *Engine) Ingest(msg *decoder.Message) {
	switch msg.Protocol {
	case decoder.ProtocolSIP:
		e.SIP.AddMessage(msg)
	case decoder.ProtocolDiameter:
		e.Diameter.AddMessage(msg)
	case decoder.ProtocolS1AP:
		e.S1AP.AddMessage(msg)
	case decoder.ProtocolGTPv2C:
		e.GTP.AddMessage(msg)
	case decoder.ProtocolX2AP:
		e.Tunnels.ProcessMessage(msg)
	case decoder.ProtocolNAS:
		// Standalone NAS (not embedded in S1AP) goes straight in
		if raw, ok := msg.BytesField("nas_pdu"); ok {
			e.NAS.AddPdu(raw, msg.FrameNumber, msg.Timestamp,
				msg.Key.MMEUES1APID, msg.Key.ENBUES1APID)
		}
	case decoder.ProtocolRTP:
		e.RTP.AddPacket(rtp.PacketInfo{
			FrameNumber:    msg.FrameNumber,
			Timestamp:      msg.Timestamp,
			SrcIP:          msg.SrcIP,
			SrcPort:        msg.SrcPort,
			DstIP:          msg.DstIP,
			DstPort:        msg.DstPort,
			PayloadType:    uint8(fieldUint32(msg, "payload_type")),
			SequenceNumber: uint16(fieldUint32(msg, "sequence_number")),
			RTPTimestamp:   fieldUint32(msg, "rtp_timestamp"),
			SSRC:           msg.Key.RTPSSRC,
			PayloadSize:    msg.PayloadSize,
		})
	default:
		e.log.Debug("message with unhandled protocol skipped",
			"protocol", string(msg.Protocol), "frame", msg.FrameNumber)
	}

	e.Procedures.ProcessMessage(msg)
}

// Finalize settles all per-protocol correlators. Call once after all
// ingestion is done.
func (e *Engine) Finalize() {
	e.SIP.Finalize()
	e.Diameter.Finalize()
	e.S1AP.Finalize()
	e.NAS.Finalize()
	e.GTP.Finalize()
	e.RTP.Finalize()
}

// Correlate runs the VoLTE inter-correlation phases and returns the
// resulting flows.
func (e *Engine) Correlate() []*volte.CallFlow {
	e.VoLTE.Correlate()
	return e.VoLTE.CallFlows()
}

// CleanupProcedures discards stale completed procedures.
func (e *Engine) CleanupProcedures() int {
	return e.Procedures.Cleanup(e.config.ProcedureRetention)
}

func fieldUint32(msg *decoder.Message, name string) uint32 {
	v, _ := msg.Uint32Field(name)
	return v
}
