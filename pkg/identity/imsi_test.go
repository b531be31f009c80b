package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIMSI_Plain(t *testing.T) {
	imsi, ok := NormalizeIMSI("310260123456789")

	require.True(t, ok)
	assert.Equal(t, "310260123456789", imsi.Digits)
	assert.Equal(t, "310", imsi.MCC)
	assert.Equal(t, "260", imsi.MNC) // 3-digit MNC for MCC 310
	assert.Equal(t, "123456789", imsi.MSIN)
	assert.Equal(t, "310260", imsi.PLMN())
}

func TestNormalizeIMSI_TwoDigitMnc(t *testing.T) {
	imsi, ok := NormalizeIMSI("262011234567890")

	require.True(t, ok)
	assert.Equal(t, "262", imsi.MCC)
	assert.Equal(t, "01", imsi.MNC)
	assert.Equal(t, "1234567890", imsi.MSIN)
}

func TestNormalizeIMSI_Prefixed(t *testing.T) {
	for _, input := range []string{
		"imsi-310260123456789",
		"imsi:310260123456789",
		"IMSI310260123456789",
	} {
		imsi, ok := NormalizeIMSI(input)
		require.True(t, ok, "input %q", input)
		assert.Equal(t, "310260123456789", imsi.Digits)
	}
}

func TestNormalizeIMSI_DiameterUserName(t *testing.T) {
	imsi, ok := NormalizeIMSI("310260123456789@ims.mnc260.mcc310.3gppnetwork.org")

	require.True(t, ok)
	assert.Equal(t, "310260123456789", imsi.Digits)
}

func TestNormalizeIMSI_Invalid(t *testing.T) {
	cases := []string{
		"",
		"12345",            // too short
		"1234567890123456", // too long
		"123260123456789",  // MCC 123 out of [200, 799]
		"999260123456789",  // MCC 999 out of range
	}
	for _, input := range cases {
		_, ok := NormalizeIMSI(input)
		assert.False(t, ok, "input %q", input)
	}
}

func TestNormalizeIMSI_Idempotent(t *testing.T) {
	first, ok := NormalizeIMSI("310260123456789")
	require.True(t, ok)

	second, ok := NormalizeIMSI(first.Digits)
	require.True(t, ok)
	assert.Equal(t, first.Digits, second.Digits)
	assert.Equal(t, first.MCC, second.MCC)
	assert.Equal(t, first.MNC, second.MNC)
}

func TestIMSIFromBCD(t *testing.T) {
	// 310260123456789, two digits per byte, low nibble first, 0xF filler
	data := []byte{0x13, 0x20, 0x06, 0x21, 0x43, 0x65, 0x87, 0xF9}

	imsi, ok := IMSIFromBCD(data)
	require.True(t, ok)
	assert.Equal(t, "310260123456789", imsi.Digits)
	assert.Equal(t, "310", imsi.MCC)
	assert.Equal(t, "260", imsi.MNC)
	assert.Equal(t, "123456789", imsi.MSIN)
}

func TestIMSIFromBCD_Invalid(t *testing.T) {
	_, ok := IMSIFromBCD(nil)
	assert.False(t, ok)

	// Non-digit nibble mid-buffer
	_, ok = IMSIFromBCD([]byte{0x13, 0xA0, 0x06, 0x21, 0x43, 0x65, 0x87, 0xF9})
	assert.False(t, ok)

	// Truncated: fewer than 15 digits
	_, ok = IMSIFromBCD([]byte{0x13, 0x20, 0x06})
	assert.False(t, ok)
}
