package volte

import (
	"time"
)

// FlowJSON renders a call flow into the wire shape consumed by the
// downstream serialiser: flat maps ready for encoding/json.
func FlowJSON(flow *CallFlow) map[string]interface{} {
	out := map[string]interface{}{
		"flow_id": flow.FlowID,
		"type":    string(flow.Type),
	}

	parties := map[string]interface{}{
		"caller": partyJSON(flow.Caller),
		"callee": partyJSON(flow.Callee),
	}
	if flow.ForwardTarget != nil {
		parties["forward_target"] = partyJSON(*flow.ForwardTarget)
	}
	out["parties"] = parties

	out["time_window"] = map[string]interface{}{
		"start_time":  flow.StartTime.UTC().Format(time.RFC3339Nano),
		"end_time":    flow.EndTime.UTC().Format(time.RFC3339Nano),
		"start_frame": flow.StartFrame,
		"end_frame":   flow.EndFrame,
	}

	sessions := map[string]interface{}{}
	if len(flow.SIPSessions) > 0 {
		sessions["sip"] = flow.SIPSessions
	}
	if len(flow.DiameterSessions) > 0 {
		sessions["diameter"] = diameterJSON(flow.DiameterSessions)
	}
	if len(flow.GTPSessions) > 0 {
		sessions["gtpv2"] = flow.GTPSessions
	}
	if len(flow.NASSessions) > 0 {
		sessions["nas"] = flow.NASSessions
	}
	if len(flow.RTPSSRCs) > 0 {
		sessions["rtp_ssrcs"] = flow.RTPSSRCs
	}
	out["protocol_sessions"] = sessions

	stats := map[string]interface{}{
		"message_counts": map[string]uint32{
			"sip":      flow.Stats.SIPMessages,
			"diameter": flow.Stats.DiameterMessages,
			"gtp":      flow.Stats.GTPMessages,
			"nas":      flow.Stats.NASMessages,
			"rtp":      flow.Stats.RTPPackets,
		},
	}
	timing := map[string]interface{}{}
	if flow.Stats.HasTiming {
		if flow.Stats.SetupTimeMs != 0 {
			timing["setup_time_ms"] = flow.Stats.SetupTimeMs
		}
		if flow.Stats.RingTimeMs != 0 {
			timing["ring_time_ms"] = flow.Stats.RingTimeMs
		}
		if flow.Stats.CallDurationMs != 0 {
			timing["call_duration_ms"] = flow.Stats.CallDurationMs
		}
	}
	stats["timing"] = timing

	quality := map[string]interface{}{}
	if flow.Stats.HasQuality {
		quality["rtp_jitter_ms"] = flow.Stats.RTPJitterMs
		quality["rtp_packet_loss_percent"] = flow.Stats.RTPPacketLoss
		quality["estimated_mos"] = flow.Stats.EstimatedMOS
	}
	stats["quality"] = quality
	out["statistics"] = stats

	if len(flow.NetworkPath) > 0 {
		out["network_path"] = flow.NetworkPath
	}
	out["total_frames"] = len(flow.FrameNumbers)

	return out
}

// SummaryJSON aggregates a set of flows: counts by type, message totals
// and average metrics.
func SummaryJSON(flows []*CallFlow) map[string]interface{} {
	out := map[string]interface{}{
		"total_flows": len(flows),
	}

	byType := make(map[string]int)
	var totalSip, totalDiameter, totalGtp, totalNas, totalRtp uint64

	var setupSum, durationSum, jitterSum, lossSum, mosSum float64
	var setupN, durationN, qualityN int

	var earliest, latest time.Time

	for _, flow := range flows {
		byType[string(flow.Type)]++
		totalSip += uint64(flow.Stats.SIPMessages)
		totalDiameter += uint64(flow.Stats.DiameterMessages)
		totalGtp += uint64(flow.Stats.GTPMessages)
		totalNas += uint64(flow.Stats.NASMessages)
		totalRtp += uint64(flow.Stats.RTPPackets)

		if flow.Stats.SetupTimeMs != 0 {
			setupSum += flow.Stats.SetupTimeMs
			setupN++
		}
		if flow.Stats.CallDurationMs != 0 {
			durationSum += flow.Stats.CallDurationMs
			durationN++
		}
		if flow.Stats.HasQuality {
			jitterSum += flow.Stats.RTPJitterMs
			lossSum += flow.Stats.RTPPacketLoss
			mosSum += flow.Stats.EstimatedMOS
			qualityN++
		}

		if earliest.IsZero() || flow.StartTime.Before(earliest) {
			earliest = flow.StartTime
		}
		if flow.EndTime.After(latest) {
			latest = flow.EndTime
		}
	}

	out["flows_by_type"] = byType
	out["aggregate_statistics"] = map[string]uint64{
		"total_sip_messages":      totalSip,
		"total_diameter_messages": totalDiameter,
		"total_gtp_messages":      totalGtp,
		"total_nas_messages":      totalNas,
		"total_rtp_packets":       totalRtp,
	}

	averages := map[string]float64{}
	if setupN > 0 {
		averages["avg_setup_time_ms"] = setupSum / float64(setupN)
	}
	if durationN > 0 {
		averages["avg_call_duration_ms"] = durationSum / float64(durationN)
	}
	if qualityN > 0 {
		averages["avg_jitter_ms"] = jitterSum / float64(qualityN)
		averages["avg_packet_loss_percent"] = lossSum / float64(qualityN)
		averages["avg_mos"] = mosSum / float64(qualityN)
	}
	out["average_metrics"] = averages

	if len(flows) > 0 {
		out["time_range"] = map[string]interface{}{
			"start":            earliest.UTC().Format(time.RFC3339Nano),
			"end":              latest.UTC().Format(time.RFC3339Nano),
			"duration_seconds": latest.Sub(earliest).Seconds(),
		}
	}

	return out
}

func partyJSON(p Party) map[string]interface{} {
	out := map[string]interface{}{"role": p.Role}
	if p.MSISDN != "" {
		out["msisdn"] = p.MSISDN
	}
	if p.IMSI != "" {
		out["imsi"] = p.IMSI
	}
	if p.IMEI != "" {
		out["imei"] = p.IMEI
	}
	if p.IPv4 != "" {
		out["ip_v4"] = p.IPv4
	}
	if p.IPv6Prefix != "" {
		out["ip_v6_prefix"] = p.IPv6Prefix
	}
	return out
}

func diameterJSON(refs []DiameterSessionRef) map[string][]string {
	out := make(map[string][]string)
	for _, ref := range refs {
		key := "other"
		switch ref.Interface {
		case "Gx":
			key = "gx"
		case "Rx":
			key = "rx"
		case "Cx":
			key = "cx"
		case "Sh":
			key = "sh"
		}
		out[key] = append(out[key], ref.SessionID)
	}
	return out
}
