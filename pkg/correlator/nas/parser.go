package nas

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/protei/callflow/pkg/identity"
)

// MobileIdentityType is the low 3 bits of a Mobile Identity IE's first byte.
type MobileIdentityType uint8

const (
	MobileIdentityNone   MobileIdentityType = 0
	MobileIdentityIMSI   MobileIdentityType = 1
	MobileIdentityIMEI   MobileIdentityType = 2
	MobileIdentityIMEISV MobileIdentityType = 3
	MobileIdentityTMSI   MobileIdentityType = 4
	MobileIdentityGUTI   MobileIdentityType = 6
)

// EMM IE tags handled by the parser (TS 24.301 §9.9).
const (
	ieTagOldGuti uint8 = 0x50
	ieTagTai     uint8 = 0x52
)

var errTruncated = errors.New("truncated NAS buffer")

// Parse decodes a NAS PDU: header octet (security header type high
// nibble, protocol discriminator low nibble), optional 5 security bytes
// (MAC + sequence number), message type and the IEs we correlate on.
// A truncated or undecodable IE unsets only the affected field.
func Parse(data []byte, frame uint32, ts time.Time) (*Message, error) {
	if len(data) < 2 {
		return nil, errTruncated
	}

	msg := &Message{
		FrameNumber: frame,
		Timestamp:   ts,
		Raw:         data,
	}

	offset := 0
	octet1 := data[offset]
	offset++

	msg.Discriminator = ProtocolDiscriminator(octet1 & 0x0F)
	// For ESM PDUs the high nibble is the EPS bearer id, not a security
	// header type; security-protected PDUs always carry the EMM PD.
	if msg.Discriminator != PDESM {
		msg.SecurityHeader = SecurityHeaderType((octet1 >> 4) & 0x0F)
	}

	// Security-protected messages wrap the plain PDU after a 4-byte MAC
	// and a 1-byte sequence number; re-read the plain header behind it.
	if msg.SecurityHeader != SecurityPlain && msg.SecurityHeader != SecurityServiceRequest {
		if len(data) < offset+6 {
			return nil, errTruncated
		}
		offset += 5
		octet1 = data[offset]
		offset++
		msg.Discriminator = ProtocolDiscriminator(octet1 & 0x0F)
	}

	switch msg.Discriminator {
	case PDEMM:
		if len(data) <= offset {
			return nil, errTruncated
		}
		t := EmmMessageType(data[offset])
		offset++
		msg.EmmType = &t
		parseEmmBody(msg, data[offset:])
	case PDESM:
		// ESM: the EPS bearer id shares octet 1's high nibble; the PTI
		// and message type follow.
		msg.EPSBearerID = (octet1 >> 4) & 0x0F
		if len(data) < offset+2 {
			return nil, errTruncated
		}
		msg.PTI = data[offset]
		offset++
		t := EsmMessageType(data[offset])
		offset++
		msg.EsmType = &t
		parseEsmBody(msg, data[offset:])
	default:
		return nil, errors.New("unknown NAS protocol discriminator")
	}

	return msg, nil
}

// parseEmmBody scans the EMM message body for TLV IEs we use: Mobile
// Identity shapes (attach request carries it LV up front for some types,
// otherwise tagged), old GUTI and TAI. Unknown IEs are skipped by their
// length byte.
func parseEmmBody(msg *Message, body []byte) {
	if msg.EmmType == nil {
		return
	}

	offset := 0

	switch *msg.EmmType {
	case EmmAttachRequest, EmmTAURequest:
		// Skip the EPS attach/update type + NAS key set identifier octet,
		// then an LV-encoded EPS mobile identity follows.
		if len(body) < 2 {
			return
		}
		offset = 1
		l := int(body[offset])
		offset++
		if len(body) >= offset+l {
			parseMobileIdentity(msg, body[offset:offset+l])
			offset += l
		} else {
			return
		}
	case EmmIdentityResponse:
		if len(body) < 1 {
			return
		}
		l := int(body[offset])
		offset++
		if len(body) >= offset+l {
			parseMobileIdentity(msg, body[offset:offset+l])
			offset += l
		} else {
			return
		}
	case EmmAttachAccept:
		// Attach result + T3412 + LV TAI list, then tagged IEs.
		if len(body) < 2 {
			return
		}
		offset = 2
		if len(body) > offset {
			l := int(body[offset])
			offset++
			offset += l
		}
	}

	parseTaggedIEs(msg, body, offset)
}

// parseEsmBody scans the ESM body for the APN, PDN address and EPS QoS
// IEs carried by bearer activation and PDN connectivity messages.
func parseEsmBody(msg *Message, body []byte) {
	if msg.EsmType == nil {
		return
	}

	offset := 0

	switch *msg.EsmType {
	case EsmActDefaultBearerReq:
		// LV EPS QoS, LV APN, LV PDN address, then tagged IEs.
		if len(body) < 1 {
			return
		}
		l := int(body[offset])
		offset++
		if len(body) >= offset+l && l >= 1 {
			msg.QCI = body[offset]
		}
		offset += l

		if len(body) > offset {
			l = int(body[offset])
			offset++
			if len(body) >= offset+l {
				msg.APN = decodeAPN(body[offset : offset+l])
			}
			offset += l
		}

		if len(body) > offset {
			l = int(body[offset])
			offset++
			if len(body) >= offset+l {
				msg.PDNAddress, msg.PDNType = decodePdnAddress(body[offset : offset+l])
			}
			offset += l
		}
	case EsmPdnConnectivityReq:
		// PDN type + request type share one octet; APN arrives tagged.
		offset = 1
	}

	parseTaggedIEs(msg, body, offset)
}

// parseTaggedIEs walks TLV-encoded optional IEs from the given offset.
func parseTaggedIEs(msg *Message, body []byte, offset int) {
	for offset < len(body) {
		tag := body[offset]
		offset++

		// Type-1/2 IEs carry their value in the tag octet itself
		if tag&0x80 != 0 && msg.IsESM() {
			continue
		}

		if offset >= len(body) {
			return
		}
		l := int(body[offset])
		offset++
		if offset+l > len(body) {
			return
		}
		value := body[offset : offset+l]
		offset += l

		switch tag {
		case ieTagOldGuti:
			if guti, ok := parseGutiIE(value); ok {
				msg.GUTI = &guti
			}
		case ieTagTai:
			if tai, ok := parseTaiIE(value); ok {
				msg.TAI = &tai
			}
		case 0x28: // APN (ESM tagged form)
			if msg.APN == "" {
				msg.APN = decodeAPN(value)
			}
		case 0x23: // Mobile identity (tagged form)
			parseMobileIdentity(msg, value)
		}
	}
}

// parseMobileIdentity decodes the Mobile Identity IE value. The identity
// type lives in the low 3 bits of the first byte; for IMSI/IMEI the first
// digit shares that byte's high nibble and the rest is TBCD.
func parseMobileIdentity(msg *Message, value []byte) {
	if len(value) < 1 {
		return
	}

	idType := MobileIdentityType(value[0] & 0x07)

	switch idType {
	case MobileIdentityIMSI:
		if imsi, ok := decodeOddTbcdIdentity(value); ok && len(imsi) == 15 {
			msg.IMSI = imsi
		}
	case MobileIdentityIMEI:
		if imei, ok := decodeOddTbcdIdentity(value); ok {
			msg.IMEI = imei
		}
	case MobileIdentityIMEISV:
		if imeisv, ok := decodeOddTbcdIdentity(value); ok {
			msg.IMEISV = imeisv
		}
	case MobileIdentityTMSI:
		if len(value) >= 5 {
			tmsi := binary.BigEndian.Uint32(value[1:5])
			msg.TMSI = &tmsi
		}
	case MobileIdentityGUTI:
		if len(value) >= 12 {
			if guti, ok := parseGutiIE(value[1:]); ok {
				msg.GUTI = &guti
			}
		}
	}
}

// decodeOddTbcdIdentity expands an identity whose first digit sits in the
// high nibble of the type byte, with the rest TBCD-encoded.
func decodeOddTbcdIdentity(value []byte) (string, bool) {
	first := (value[0] >> 4) & 0x0F
	if first > 9 {
		return "", false
	}

	digits := make([]byte, 0, len(value)*2)
	digits = append(digits, '0'+first)

	for _, b := range value[1:] {
		low := b & 0x0F
		if low == 0x0F {
			break
		}
		if low > 9 {
			return "", false
		}
		digits = append(digits, '0'+low)

		high := (b >> 4) & 0x0F
		if high == 0x0F {
			break
		}
		if high > 9 {
			return "", false
		}
		digits = append(digits, '0'+high)
	}

	return string(digits), true
}

// parseGutiIE decodes an 11-byte GUTI from a Mobile Identity or old-GUTI
// IE value (without the identity type octet).
func parseGutiIE(value []byte) (identity.GUTI4G, bool) {
	return identity.ParseGUTI4G(value)
}

// parseTaiIE decodes a 5-byte TAI: 3 bytes PLMN + 2 bytes TAC.
func parseTaiIE(value []byte) (TrackingAreaIdentity, bool) {
	if len(value) < 5 {
		return TrackingAreaIdentity{}, false
	}

	var tai TrackingAreaIdentity
	tai.MCC, tai.MNC = decodePlmn(value[:3])
	tai.TAC = binary.BigEndian.Uint16(value[3:5])
	return tai, true
}

// decodeAPN expands the length-prefixed label encoding of TS 23.003 into
// a dotted name.
func decodeAPN(value []byte) string {
	labels := make([]byte, 0, len(value))
	offset := 0

	for offset < len(value) {
		l := int(value[offset])
		offset++
		if l == 0 || offset+l > len(value) {
			break
		}
		if len(labels) > 0 {
			labels = append(labels, '.')
		}
		labels = append(labels, value[offset:offset+l]...)
		offset += l
	}

	return string(labels)
}

// decodePdnAddress unpacks the PDN address IE: type in the low 3 bits of
// the first byte, then the address bytes.
func decodePdnAddress(value []byte) (string, string) {
	if len(value) < 1 {
		return "", ""
	}

	pdnType := value[0] & 0x07
	addr := value[1:]

	switch pdnType {
	case 0x01: // IPv4
		if len(addr) >= 4 {
			return formatIPv4(addr[:4]), "ipv4"
		}
	case 0x02: // IPv6 (interface id only on the wire; keep the suffix)
		if len(addr) >= 8 {
			return formatIPv6Suffix(addr[:8]), "ipv6"
		}
	case 0x03: // IPv4v6
		if len(addr) >= 12 {
			return formatIPv4(addr[8:12]), "ipv4v6"
		}
	}

	return "", ""
}

// decodePlmn unpacks the shared 3-byte PLMN BCD block.
func decodePlmn(data []byte) (string, string) {
	mcc := string([]byte{
		'0' + data[0]&0x0F,
		'0' + (data[0]>>4)&0x0F,
		'0' + data[1]&0x0F,
	})

	mnc := []byte{
		'0' + data[2]&0x0F,
		'0' + (data[2]>>4)&0x0F,
	}
	if d3 := (data[1] >> 4) & 0x0F; d3 != 0x0F {
		mnc = append(mnc, '0'+d3)
	}

	return mcc, string(mnc)
}

func formatIPv4(b []byte) string {
	return uitoa(b[0]) + "." + uitoa(b[1]) + "." + uitoa(b[2]) + "." + uitoa(b[3])
}

func formatIPv6Suffix(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, 24)
	for i := 0; i < 8; i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexdigits[b[i]>>4], hexdigits[b[i]&0x0F],
			hexdigits[b[i+1]>>4], hexdigits[b[i+1]&0x0F])
	}
	return string(out)
}

func uitoa(v byte) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := 3
	for v > 0 {
		i--
		buf[i] = '0' + v%10
		v /= 10
	}
	return string(buf[i:])
}
