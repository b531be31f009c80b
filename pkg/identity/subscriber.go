package identity

import (
	"fmt"
	"strings"
	"time"
)

// NetworkEndpoint is one IP identity of a subscriber, optionally carrying
// the GTP-U tunnel that serves it.
type NetworkEndpoint struct {
	IPv4 string `json:"ipv4,omitempty"`
	IPv6 string `json:"ipv6,omitempty"`
	Port uint16 `json:"port,omitempty"`

	GTPUPeerIP string `json:"gtpu_peer_ip,omitempty"`
	GTPUTeid   uint32 `json:"gtpu_teid,omitempty"`
	HasTeid    bool   `json:"-"`
}

// HasIPv4 reports whether an IPv4 address is set.
func (e NetworkEndpoint) HasIPv4() bool { return e.IPv4 != "" }

// HasIPv6 reports whether an IPv6 address is set.
func (e NetworkEndpoint) HasIPv6() bool { return e.IPv6 != "" }

// MatchesIP reports whether the endpoint carries the given address in
// either family.
func (e NetworkEndpoint) MatchesIP(ip string) bool {
	if ip == "" {
		return false
	}
	return e.IPv4 == ip || e.IPv6 == ip
}

// IPv6Prefix64 returns the /64 prefix portion of the IPv6 address
// (the first four hextets), empty when no IPv6 is set.
func (e NetworkEndpoint) IPv6Prefix64() string {
	return IPv6Prefix64(e.IPv6)
}

// IPv6Prefix64 extracts the first 64 bits of a textual IPv6 address as a
// comparable prefix string.
func IPv6Prefix64(ipv6 string) string {
	if ipv6 == "" {
		return ""
	}
	parts := strings.Split(ipv6, ":")
	if len(parts) < 4 {
		return ipv6
	}
	return strings.Join(parts[:4], ":")
}

// SubscriberIdentity aggregates every identifier learned about one real
// subscriber. Owned by the Manager; do not mutate outside it.
type SubscriberIdentity struct {
	IMSI   *NormalizedIMSI   `json:"imsi,omitempty"`
	MSISDN *NormalizedMSISDN `json:"msisdn,omitempty"`
	IMEI   *NormalizedIMEI   `json:"imei,omitempty"`

	GUTI  *GUTI4G `json:"guti,omitempty"`
	TMSI  *uint32 `json:"tmsi,omitempty"`
	PTMSI *uint32 `json:"p_tmsi,omitempty"`

	GUTI5G *GUTI5G `json:"guti_5g,omitempty"`
	TMSI5G *uint32 `json:"tmsi_5g,omitempty"`

	Endpoints []NetworkEndpoint `json:"endpoints,omitempty"`

	APN     string `json:"apn,omitempty"`
	PDNType string `json:"pdn_type,omitempty"` // "ipv4", "ipv6", "ipv4v6"

	Confidence map[string]float64 `json:"confidence,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewSubscriberIdentity returns an empty aggregate stamped with now.
func NewSubscriberIdentity(now time.Time) *SubscriberIdentity {
	return &SubscriberIdentity{
		Confidence: make(map[string]float64),
		FirstSeen:  now,
		LastSeen:   now,
	}
}

// HasIMSI reports whether an IMSI is known.
func (s *SubscriberIdentity) HasIMSI() bool { return s.IMSI != nil }

// HasMSISDN reports whether an MSISDN is known.
func (s *SubscriberIdentity) HasMSISDN() bool { return s.MSISDN != nil }

// HasIMEI reports whether an IMEI is known.
func (s *SubscriberIdentity) HasIMEI() bool { return s.IMEI != nil }

// AddEndpoint unions an endpoint into the set, deduplicating by IP of
// either family. An existing entry absorbs missing fields from the new one.
func (s *SubscriberIdentity) AddEndpoint(ep NetworkEndpoint) {
	for i := range s.Endpoints {
		existing := &s.Endpoints[i]
		if (ep.IPv4 != "" && existing.MatchesIP(ep.IPv4)) ||
			(ep.IPv6 != "" && existing.MatchesIP(ep.IPv6)) {
			if existing.IPv4 == "" {
				existing.IPv4 = ep.IPv4
			}
			if existing.IPv6 == "" {
				existing.IPv6 = ep.IPv6
			}
			if existing.Port == 0 {
				existing.Port = ep.Port
			}
			if !existing.HasTeid && ep.HasTeid {
				existing.GTPUPeerIP = ep.GTPUPeerIP
				existing.GTPUTeid = ep.GTPUTeid
				existing.HasTeid = true
			}
			return
		}
	}
	s.Endpoints = append(s.Endpoints, ep)
}

// Touch widens the first/last-seen window to include ts.
func (s *SubscriberIdentity) Touch(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if s.FirstSeen.IsZero() || ts.Before(s.FirstSeen) {
		s.FirstSeen = ts
	}
	if ts.After(s.LastSeen) {
		s.LastSeen = ts
	}
}

// MatchesAny reports whether the two aggregates share any identifier
// (permanent ids, current temporary ids, or an IP).
func (s *SubscriberIdentity) MatchesAny(other *SubscriberIdentity) bool {
	if s.IMSI != nil && other.IMSI != nil && s.IMSI.Digits == other.IMSI.Digits {
		return true
	}
	if s.MSISDN != nil && other.MSISDN != nil && s.MSISDN.Matches(*other.MSISDN) {
		return true
	}
	if s.IMEI != nil && other.IMEI != nil && s.IMEI.IMEI == other.IMEI.IMEI {
		return true
	}
	if s.GUTI != nil && other.GUTI != nil &&
		s.GUTI.MTMSI == other.GUTI.MTMSI &&
		s.GUTI.MCC == other.GUTI.MCC && s.GUTI.MNC == other.GUTI.MNC {
		return true
	}
	if s.GUTI5G != nil && other.GUTI5G != nil &&
		s.GUTI5G.TMSI5G == other.GUTI5G.TMSI5G &&
		s.GUTI5G.MCC == other.GUTI5G.MCC && s.GUTI5G.MNC == other.GUTI5G.MNC {
		return true
	}
	for _, ep1 := range s.Endpoints {
		for _, ep2 := range other.Endpoints {
			if (ep2.IPv4 != "" && ep1.MatchesIP(ep2.IPv4)) ||
				(ep2.IPv6 != "" && ep1.MatchesIP(ep2.IPv6)) {
				return true
			}
		}
	}
	return false
}

// Merge copies everything missing from other into s. Permanent identifiers
// fill only when absent; temporary identifiers are overwritten with the
// latest value; endpoints are unioned; confidence keeps the higher score;
// the time window widens.
func (s *SubscriberIdentity) Merge(other *SubscriberIdentity) {
	if s.IMSI == nil && other.IMSI != nil {
		s.IMSI = other.IMSI
	}
	if s.MSISDN == nil && other.MSISDN != nil {
		s.MSISDN = other.MSISDN
	}
	if s.IMEI == nil && other.IMEI != nil {
		s.IMEI = other.IMEI
	}

	if other.GUTI != nil {
		s.GUTI = other.GUTI
	}
	if other.GUTI5G != nil {
		s.GUTI5G = other.GUTI5G
	}
	if other.TMSI != nil {
		s.TMSI = other.TMSI
	}
	if other.PTMSI != nil {
		s.PTMSI = other.PTMSI
	}
	if other.TMSI5G != nil {
		s.TMSI5G = other.TMSI5G
	}

	for _, ep := range other.Endpoints {
		s.AddEndpoint(ep)
	}

	if s.APN == "" && other.APN != "" {
		s.APN = other.APN
	}
	if s.PDNType == "" && other.PDNType != "" {
		s.PDNType = other.PDNType
	}

	for k, v := range other.Confidence {
		if s.Confidence[k] < v {
			s.Confidence[k] = v
		}
	}

	if !other.FirstSeen.IsZero() && (s.FirstSeen.IsZero() || other.FirstSeen.Before(s.FirstSeen)) {
		s.FirstSeen = other.FirstSeen
	}
	if other.LastSeen.After(s.LastSeen) {
		s.LastSeen = other.LastSeen
	}
}

// PrimaryKey returns the best stable key for this subscriber, preferring
// permanent identifiers over temporary ones over IPs.
func (s *SubscriberIdentity) PrimaryKey() string {
	switch {
	case s.IMSI != nil:
		return "imsi:" + s.IMSI.Digits
	case s.MSISDN != nil:
		return "msisdn:" + s.MSISDN.International
	case s.IMEI != nil:
		return "imei:" + s.IMEI.IMEI
	case s.GUTI != nil:
		return fmt.Sprintf("guti:%s%s-%x", s.GUTI.MCC, s.GUTI.MNC, s.GUTI.MTMSI)
	case s.GUTI5G != nil:
		return fmt.Sprintf("5g-guti:%s%s-%x", s.GUTI5G.MCC, s.GUTI5G.MNC, s.GUTI5G.TMSI5G)
	}
	if len(s.Endpoints) > 0 {
		if s.Endpoints[0].HasIPv4() {
			return "ip:" + s.Endpoints[0].IPv4
		}
		if s.Endpoints[0].HasIPv6() {
			return "ip:" + s.Endpoints[0].IPv6
		}
	}
	return "unknown"
}

// populatedFields counts how much this aggregate knows; used to pick the
// primary side of a merge.
func (s *SubscriberIdentity) populatedFields() int {
	n := 0
	if s.IMSI != nil {
		n++
	}
	if s.MSISDN != nil {
		n++
	}
	if s.IMEI != nil {
		n++
	}
	if s.GUTI != nil {
		n++
	}
	if s.GUTI5G != nil {
		n++
	}
	if s.TMSI != nil {
		n++
	}
	if s.TMSI5G != nil {
		n++
	}
	if s.APN != "" {
		n++
	}
	n += len(s.Endpoints)
	return n
}
