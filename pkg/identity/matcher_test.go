package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityWith(fill func(*SubscriberIdentity)) *SubscriberIdentity {
	id := NewSubscriberIdentity(time.Now())
	fill(id)
	return id
}

func TestMatch_IMSIExact(t *testing.T) {
	imsi, ok := NormalizeIMSI("310260123456789")
	require.True(t, ok)

	a := identityWith(func(s *SubscriberIdentity) { s.IMSI = &imsi })
	b := identityWith(func(s *SubscriberIdentity) { s.IMSI = &imsi })

	result := Match(a, b)
	assert.Equal(t, ConfidenceExact, result.Confidence)
	assert.Equal(t, 1.0, result.Score)
}

func TestMatch_Symmetric(t *testing.T) {
	m1 := NormalizeMSISDN("+14155551234")
	m2 := NormalizeMSISDN("tel:+14155551234")

	a := identityWith(func(s *SubscriberIdentity) { s.MSISDN = &m1 })
	b := identityWith(func(s *SubscriberIdentity) { s.MSISDN = &m2 })

	ab := Match(a, b)
	ba := Match(b, a)
	assert.Equal(t, ab.Confidence, ba.Confidence)
	assert.Equal(t, ab.Score, ba.Score)
}

func TestMatch_SelfIsExact(t *testing.T) {
	m := NormalizeMSISDN("+14155551234")
	a := identityWith(func(s *SubscriberIdentity) { s.MSISDN = &m })

	result := Match(a, a)
	assert.Equal(t, ConfidenceExact, result.Confidence)
	assert.Equal(t, 1.0, result.Score)
}

func TestMatch_IMEITacOnly(t *testing.T) {
	i1, _ := NormalizeIMEI("49015420323751")
	i2, _ := NormalizeIMEI("49015420999999")

	a := identityWith(func(s *SubscriberIdentity) { s.IMEI = &i1 })
	b := identityWith(func(s *SubscriberIdentity) { s.IMEI = &i2 })

	result := Match(a, b)
	assert.Equal(t, ConfidenceLow, result.Confidence)
	assert.InDelta(t, 0.3, result.Score, 0.001)
}

func TestMatch_GUTISamePool(t *testing.T) {
	g1 := GUTI4G{MCC: "310", MNC: "260", MMEGroupID: 1, MMECode: 2, MTMSI: 0x1111}
	g2 := GUTI4G{MCC: "310", MNC: "260", MMEGroupID: 1, MMECode: 3, MTMSI: 0x2222}

	a := identityWith(func(s *SubscriberIdentity) { s.GUTI = &g1 })
	b := identityWith(func(s *SubscriberIdentity) { s.GUTI = &g2 })

	result := Match(a, b)
	assert.Equal(t, ConfidenceLow, result.Confidence)
}

func TestMatch_TMSIBare(t *testing.T) {
	tmsi := uint32(0xC0FFEE00)
	a := identityWith(func(s *SubscriberIdentity) { s.TMSI = &tmsi })
	b := identityWith(func(s *SubscriberIdentity) { s.TMSI = &tmsi })

	result := Match(a, b)
	assert.Equal(t, ConfidenceMedium, result.Confidence)
}

func TestMatch_IPAndAPN(t *testing.T) {
	a := identityWith(func(s *SubscriberIdentity) {
		s.AddEndpoint(NetworkEndpoint{IPv4: "10.1.2.3"})
		s.APN = "ims"
	})
	b := identityWith(func(s *SubscriberIdentity) {
		s.AddEndpoint(NetworkEndpoint{IPv4: "10.1.2.3"})
		s.APN = "ims"
	})

	result := Match(a, b)
	assert.Equal(t, ConfidenceHigh, result.Confidence)
	assert.InDelta(t, 0.9, result.Score, 0.001)
}

func TestMatch_IPOnlyIsMedium(t *testing.T) {
	a := identityWith(func(s *SubscriberIdentity) {
		s.AddEndpoint(NetworkEndpoint{IPv4: "10.1.2.3"})
	})
	b := identityWith(func(s *SubscriberIdentity) {
		s.AddEndpoint(NetworkEndpoint{IPv4: "10.1.2.3"})
	})

	result := Match(a, b)
	assert.Equal(t, ConfidenceMedium, result.Confidence)
	assert.InDelta(t, 0.75, result.Score, 0.001)
}

func TestMatch_IPv6Prefix(t *testing.T) {
	a := identityWith(func(s *SubscriberIdentity) {
		s.AddEndpoint(NetworkEndpoint{IPv6: "2001:db8:1:2:aaaa:bbbb:cccc:dddd"})
	})
	b := identityWith(func(s *SubscriberIdentity) {
		s.AddEndpoint(NetworkEndpoint{IPv6: "2001:db8:1:2:1111:2222:3333:4444"})
	})

	result := Match(a, b)
	assert.Equal(t, ConfidenceLow, result.Confidence)
	assert.InDelta(t, 0.5, result.Score, 0.001)
}

func TestMatch_TEID(t *testing.T) {
	a := identityWith(func(s *SubscriberIdentity) {
		s.AddEndpoint(NetworkEndpoint{IPv4: "192.168.1.1", GTPUTeid: 0x1000, HasTeid: true})
	})
	b := identityWith(func(s *SubscriberIdentity) {
		s.AddEndpoint(NetworkEndpoint{IPv4: "192.168.2.2", GTPUTeid: 0x1000, HasTeid: true})
	})

	result := Match(a, b)
	assert.Equal(t, ConfidenceHigh, result.Confidence)
	assert.InDelta(t, 0.85, result.Score, 0.001)
}

func TestMatch_NoIdentifiers(t *testing.T) {
	a := NewSubscriberIdentity(time.Now())
	b := NewSubscriberIdentity(time.Now())

	result := Match(a, b)
	assert.Equal(t, ConfidenceNone, result.Confidence)
	assert.Equal(t, 0.0, result.Score)
}

func TestCalculateMatchScore_TakesMaximum(t *testing.T) {
	imsi, _ := NormalizeIMSI("310260123456789")
	a := identityWith(func(s *SubscriberIdentity) {
		s.IMSI = &imsi
		s.AddEndpoint(NetworkEndpoint{IPv4: "10.0.0.1"})
	})
	b := identityWith(func(s *SubscriberIdentity) {
		s.IMSI = &imsi
		s.AddEndpoint(NetworkEndpoint{IPv4: "10.9.9.9"})
	})

	assert.Equal(t, 1.0, CalculateMatchScore(a, b))
}

func TestScoreConfidenceMapping(t *testing.T) {
	assert.Equal(t, ConfidenceExact, ScoreToConfidence(1.0))
	assert.Equal(t, ConfidenceHigh, ScoreToConfidence(0.85))
	assert.Equal(t, ConfidenceMedium, ScoreToConfidence(0.65))
	assert.Equal(t, ConfidenceLow, ScoreToConfidence(0.35))
	assert.Equal(t, ConfidenceNone, ScoreToConfidence(0.1))

	assert.Equal(t, 1.0, ConfidenceToScore(ConfidenceExact))
	assert.Equal(t, 0.0, ConfidenceToScore(ConfidenceNone))
}
