package rtp

// CodecName maps an RTP payload type to a codec name. Static assignments
// per RFC 3551; the dynamic range 96-127 uses the values VoLTE networks
// conventionally pick.
func CodecName(pt uint8) string {
	switch pt {
	case 0:
		return "PCMU"
	case 3:
		return "GSM"
	case 4:
		return "G723"
	case 5:
		return "DVI4-8000"
	case 6:
		return "DVI4-16000"
	case 7:
		return "LPC"
	case 8:
		return "PCMA"
	case 9:
		return "G722"
	case 10:
		return "L16-2"
	case 11:
		return "L16"
	case 12:
		return "QCELP"
	case 13:
		return "CN"
	case 14:
		return "MPA"
	case 15:
		return "G728"
	case 16:
		return "DVI4-11025"
	case 17:
		return "DVI4-22050"
	case 18:
		return "G729"
	case 25:
		return "CelB"
	case 26:
		return "JPEG"
	case 28:
		return "nv"
	case 31:
		return "H261"
	case 32:
		return "MPV"
	case 33:
		return "MP2T"
	case 34:
		return "H263"
	case 96:
		return "AMR"
	case 97, 98:
		return "AMR-WB"
	case 99, 102:
		return "H264"
	case 100:
		return "VP8"
	case 101:
		return "telephone-event"
	case 103:
		return "H265"
	}
	if pt >= 96 && pt <= 127 {
		return "dynamic"
	}
	return "unknown"
}

// ClockRate maps an RTP payload type to its clock rate in Hz. Dynamic
// types fall back to conservative defaults.
func ClockRate(pt uint8) uint32 {
	switch pt {
	case 0, 3, 4, 5, 7, 8, 12, 13, 15, 18:
		return 8000
	case 6:
		return 16000
	case 9:
		// G.722 samples at 16 kHz but its RTP clock is 8 kHz per RFC 3551
		return 8000
	case 10, 11:
		return 44100
	case 14:
		return 90000
	case 16:
		return 11025
	case 17:
		return 22050
	case 25, 26, 28, 31, 32, 33, 34:
		return 90000
	case 96, 101:
		return 8000
	case 97, 98:
		return 16000
	case 99, 100, 102, 103:
		return 90000
	}
	return 8000
}

// codecImpairment is the E-Model equipment impairment Ie per codec.
func codecImpairment(codec string) float64 {
	switch codec {
	case "PCMU", "PCMA":
		return 0.0
	case "G729":
		return 11.0
	case "G723":
		return 15.0
	case "AMR":
		return 5.0
	case "AMR-WB":
		return 2.0
	default:
		return 5.0
	}
}

// EstimateMOS computes the E-Model MOS estimate per ITU-T G.107,
// simplified: R = 93.2 - Id(jitter) - Ie(codec, loss), then the standard
// R-to-MOS polynomial, clamped to [1.0, 4.5].
func EstimateMOS(codec string, packetLossRate, jitterMs float64) float64 {
	r := 93.2

	// Delay impairment, jitter as the delay-variation proxy
	if jitterMs > 20.0 {
		r -= 0.024 * jitterMs
	}

	ie := codecImpairment(codec)

	lossPercent := packetLossRate * 100.0
	if lossPercent > 0 {
		if lossPercent < 5.0 {
			ie += 2.5 * lossPercent
		} else {
			ie += 10.0 + (lossPercent-5.0)*5.0
		}
	}

	r -= ie

	if r < 0 {
		r = 0
	}
	if r > 100 {
		r = 100
	}

	mos := 1.0 + 0.035*r + r*(r-60.0)*(100.0-r)*7.0e-6

	if mos < 1.0 {
		mos = 1.0
	}
	if mos > 4.5 {
		mos = 4.5
	}

	return mos
}
