package identity

import (
	"strconv"
	"strings"
)

// NormalizedIMSI is a validated 15-digit IMSI with its PLMN split out.
type NormalizedIMSI struct {
	Raw    string `json:"raw"`
	Digits string `json:"digits"` // 15-digit canonical form
	MCC    string `json:"mcc"`
	MNC    string `json:"mnc"` // 2 or 3 digits, decided by MCC
	MSIN   string `json:"msin"`
}

// mccWith3DigitMnc lists the MCCs whose networks allocate 3-digit MNCs.
// Everything else defaults to 2 digits. Mostly North America and the
// Caribbean per the ITU assignments.
var mccWith3DigitMnc = map[string]bool{
	"302": true, // Canada
	"310": true, // USA
	"311": true, // USA
	"312": true, // USA
	"313": true, // USA
	"316": true, // USA
	"334": true, // Mexico
	"338": true, // Jamaica
	"342": true, // Barbados
	"344": true, // Antigua and Barbuda
	"346": true, // Cayman Islands
	"348": true, // British Virgin Islands
	"350": true, // Bermuda
	"352": true, // Grenada
	"354": true, // Montserrat
	"356": true, // Saint Kitts and Nevis
	"358": true, // Saint Lucia
	"360": true, // Saint Vincent and the Grenadines
	"362": true, // Bonaire, Sint Eustatius and Saba
	"363": true, // Aruba
	"364": true, // Bahamas
	"365": true, // Anguilla
	"366": true, // Dominica
	"368": true, // Cuba
	"370": true, // Dominican Republic
	"372": true, // Haiti
	"374": true, // Trinidad and Tobago
	"376": true, // Turks and Caicos Islands
	"732": true, // Colombia
}

// PLMN returns MCC+MNC.
func (i NormalizedIMSI) PLMN() string {
	return i.MCC + i.MNC
}

// NormalizeIMSI canonicalises an IMSI from a plain digit string, an
// imsi-/imsi: prefixed string, or a Diameter User-Name (IMSI@realm).
// The second return value is false when the input does not yield a valid
// 15-digit IMSI with MCC in [200, 799].
func NormalizeIMSI(input string) (NormalizedIMSI, bool) {
	if input == "" {
		return NormalizedIMSI{}, false
	}

	working := stripImsiPrefix(input)

	if strings.ContainsRune(working, '@') {
		working = working[:strings.IndexByte(working, '@')]
		working = stripImsiPrefix(working)
	}

	digits := extractDigits(working)
	if len(digits) != 15 || !validIMSIDigits(digits) {
		return NormalizedIMSI{}, false
	}

	result := NormalizedIMSI{
		Raw:    input,
		Digits: digits,
		MCC:    digits[:3],
	}

	mncLen := MncLength(result.MCC)
	result.MNC = digits[3 : 3+mncLen]
	result.MSIN = digits[3+mncLen:]

	return result, true
}

// IMSIFromBCD decodes a BCD buffer (2 digits per byte, low nibble first,
// 0xF filler) and normalises the result.
func IMSIFromBCD(data []byte) (NormalizedIMSI, bool) {
	if len(data) == 0 {
		return NormalizedIMSI{}, false
	}

	digits, ok := decodeBcdDigits(data)
	if !ok || len(digits) != 15 {
		return NormalizedIMSI{}, false
	}

	return NormalizeIMSI(digits)
}

// MncLength returns the MNC length (2 or 3) the given MCC implies.
func MncLength(mcc string) int {
	if mccWith3DigitMnc[mcc] {
		return 3
	}
	return 2
}

func validIMSIDigits(digits string) bool {
	if len(digits) != 15 || !isAllDigits(digits) {
		return false
	}
	mcc, err := strconv.Atoi(digits[:3])
	if err != nil {
		return false
	}
	return mcc >= 200 && mcc <= 799
}

func stripImsiPrefix(s string) string {
	switch {
	case strings.HasPrefix(s, "imsi-"):
		return s[5:]
	case strings.HasPrefix(s, "imsi:"):
		return s[5:]
	case strings.HasPrefix(s, "IMSI"):
		return s[4:]
	}
	return s
}
