package identity

import (
	"strings"
)

// NormalizedMSISDN holds the comparable representations of a phone number.
type NormalizedMSISDN struct {
	Raw           string `json:"raw"`
	DigitsOnly    string `json:"digits_only"`
	National      string `json:"national"`      // country code and leading zeros stripped
	International string `json:"international"` // E.164 digits
	CountryCode   string `json:"country_code"`
}

// countryCodes maps dialing prefixes to a region label. Longest-prefix match
// wins during detection (3-, then 2-, then 1-digit codes).
var countryCodes = map[string]string{
	"1":   "US/CA",
	"44":  "UK",
	"49":  "DE",
	"33":  "FR",
	"81":  "JP",
	"86":  "CN",
	"91":  "IN",
	"90":  "TR",
	"7":   "RU",
	"39":  "IT",
	"34":  "ES",
	"82":  "KR",
	"61":  "AU",
	"55":  "BR",
	"52":  "MX",
	"31":  "NL",
	"46":  "SE",
	"47":  "NO",
	"45":  "DK",
	"41":  "CH",
	"43":  "AT",
	"32":  "BE",
	"351": "PT",
	"353": "IE",
	"358": "FI",
	"420": "CZ",
	"421": "SK",
	"48":  "PL",
	"30":  "GR",
}

// IsEmpty reports whether no digits were found in the input.
func (m NormalizedMSISDN) IsEmpty() bool {
	return m.DigitsOnly == ""
}

// NormalizeMSISDN canonicalises a phone number from any of the wire shapes
// we see: SIP/SIPS URI, TEL URI, msisdn- prefixed, or plain digits with or
// without visual separators and +. Never fails hard: when the input carries
// no digits the result's IsEmpty reports true.
func NormalizeMSISDN(input string) NormalizedMSISDN {
	result := NormalizedMSISDN{Raw: input}
	working := input

	switch {
	case strings.HasPrefix(working, "sip:"), strings.HasPrefix(working, "sips:"):
		return msisdnFromSipURI(input)
	case strings.HasPrefix(working, "tel:"):
		return msisdnFromTelURI(input)
	}

	working = strings.TrimPrefix(working, "msisdn-")
	working = removeSeparators(working)

	result.DigitsOnly = extractDigits(working)
	if result.DigitsOnly == "" {
		return result
	}

	hasPlus := strings.Contains(input, "+")
	fillMsisdnForms(&result, hasPlus)
	return result
}

// msisdnFromSipURI extracts the user part of a SIP URI and normalises it.
func msisdnFromSipURI(uri string) NormalizedMSISDN {
	result := NormalizedMSISDN{Raw: uri}

	working := strings.TrimPrefix(uri, "sips:")
	if working == uri {
		working = strings.TrimPrefix(uri, "sip:")
	}

	if at := strings.IndexByte(working, '@'); at >= 0 {
		working = working[:at]
	}
	working = removeURIParameters(working)
	working = removeSeparators(working)

	result.DigitsOnly = extractDigits(working)
	if result.DigitsOnly == "" {
		return result
	}

	hasPlus := strings.Contains(uri, "+")
	fillMsisdnForms(&result, hasPlus)
	return result
}

// msisdnFromTelURI extracts the number from a TEL URI and normalises it.
func msisdnFromTelURI(uri string) NormalizedMSISDN {
	result := NormalizedMSISDN{Raw: uri}

	working := strings.TrimPrefix(uri, "tel:")
	working = removeURIParameters(working)
	working = removeSeparators(working)

	result.DigitsOnly = extractDigits(working)
	if result.DigitsOnly == "" {
		return result
	}

	hasPlus := strings.Contains(uri, "+")
	fillMsisdnForms(&result, hasPlus)
	return result
}

// fillMsisdnForms derives national/international forms from DigitsOnly.
// A + in the original or a digit run longer than 10 is treated as
// international with country code detection; everything else is national.
func fillMsisdnForms(m *NormalizedMSISDN, hasPlus bool) {
	if hasPlus || len(m.DigitsOnly) > 10 {
		m.CountryCode = detectCountryCode(m.DigitsOnly)
		m.International = m.DigitsOnly
		if m.CountryCode != "" {
			m.National = stripLeadingZeros(m.DigitsOnly[len(m.CountryCode):])
		} else {
			m.National = stripLeadingZeros(m.DigitsOnly)
		}
		return
	}

	m.National = stripLeadingZeros(m.DigitsOnly)
	m.International = m.DigitsOnly
}

// MsisdnMatches applies the fuzzy matching rules: equal national forms,
// equal international forms, equal last-N-digit suffix, or containment of
// one national form in the other when both exceed six digits.
func MsisdnMatches(m1, m2 NormalizedMSISDN, suffixDigits int) bool {
	if m1.National != "" && m2.National != "" && m1.National == m2.National {
		return true
	}
	if m1.International != "" && m2.International != "" && m1.International == m2.International {
		return true
	}

	if suffixDigits > 0 &&
		len(m1.DigitsOnly) >= suffixDigits && len(m2.DigitsOnly) >= suffixDigits {
		s1 := m1.DigitsOnly[len(m1.DigitsOnly)-suffixDigits:]
		s2 := m2.DigitsOnly[len(m2.DigitsOnly)-suffixDigits:]
		if s1 == s2 {
			return true
		}
	}

	if len(m1.National) > 6 && len(m2.National) > 6 {
		if strings.Contains(m1.National, m2.National) ||
			strings.Contains(m2.National, m1.National) {
			return true
		}
	}

	return false
}

// Matches reports whether two numbers refer to the same subscriber using
// the default 9-digit suffix rule.
func (m NormalizedMSISDN) Matches(other NormalizedMSISDN) bool {
	return MsisdnMatches(m, other, 9)
}

func detectCountryCode(digits string) string {
	for l := 3; l >= 1; l-- {
		if len(digits) > l {
			if _, ok := countryCodes[digits[:l]]; ok {
				return digits[:l]
			}
		}
	}
	return ""
}

func removeURIParameters(s string) string {
	if semi := strings.IndexByte(s, ';'); semi >= 0 {
		return s[:semi]
	}
	return s
}

func removeSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', '(', ')', ' ':
			return -1
		}
		return r
	}, s)
}
