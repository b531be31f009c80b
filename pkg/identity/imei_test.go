package identity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIMEI_FourteenDigits(t *testing.T) {
	imei, ok := NormalizeIMEI("49015420323751")

	require.True(t, ok)
	assert.Equal(t, "49015420323751", imei.IMEI)
	assert.Equal(t, "49015420", imei.TAC)
	assert.Equal(t, "323751", imei.SNR)
	assert.Empty(t, imei.IMEISV)
	assert.False(t, imei.CheckDigitBad)
}

func TestNormalizeIMEI_FifteenDigitsValidLuhn(t *testing.T) {
	body := "49015420323751"
	check := CalculateIMEICheckDigit(body)
	require.GreaterOrEqual(t, check, 0)

	imei, ok := NormalizeIMEI(fmt.Sprintf("%s%d", body, check))
	require.True(t, ok)
	assert.Equal(t, body, imei.IMEI)
	assert.False(t, imei.CheckDigitBad)
}

func TestNormalizeIMEI_FifteenDigitsBadLuhnFlagged(t *testing.T) {
	body := "49015420323751"
	check := CalculateIMEICheckDigit(body)
	wrong := (check + 1) % 10

	imei, ok := NormalizeIMEI(fmt.Sprintf("%s%d", body, wrong))
	require.True(t, ok) // tolerated
	assert.Equal(t, body, imei.IMEI)
	assert.True(t, imei.CheckDigitBad)
}

func TestNormalizeIMEI_IMEISV(t *testing.T) {
	imei, ok := NormalizeIMEI("4901542032375101")

	require.True(t, ok)
	assert.Equal(t, "49015420323751", imei.IMEI)
	assert.Equal(t, "4901542032375101", imei.IMEISV)
}

func TestNormalizeIMEI_Prefixes(t *testing.T) {
	for _, input := range []string{
		"imei-49015420323751",
		"imei:49015420323751",
		"imeisv-4901542032375101",
		"imeisv:4901542032375101",
	} {
		imei, ok := NormalizeIMEI(input)
		require.True(t, ok, "input %q", input)
		assert.Equal(t, "49015420323751", imei.IMEI)
	}
}

func TestNormalizeIMEI_Invalid(t *testing.T) {
	for _, input := range []string{"", "12345", "12345678901234567"} {
		_, ok := NormalizeIMEI(input)
		assert.False(t, ok, "input %q", input)
	}
}

func TestVerifyIMEICheckDigit_Property(t *testing.T) {
	// For every valid body, body || calculated check digit verifies
	bodies := []string{
		"49015420323751",
		"35209900176148",
		"86753090000000",
		"01194800000000",
	}
	for _, body := range bodies {
		check := CalculateIMEICheckDigit(body)
		require.GreaterOrEqual(t, check, 0)
		full := fmt.Sprintf("%s%d", body, check)
		assert.True(t, VerifyIMEICheckDigit(full), "body %s", body)
	}
}

func TestIMEIFromBCD(t *testing.T) {
	// 49015420323751 low-nibble-first
	data := []byte{0x94, 0x10, 0x45, 0x02, 0x23, 0x73, 0x15}

	imei, ok := IMEIFromBCD(data)
	require.True(t, ok)
	assert.Equal(t, "49015420323751", imei.IMEI)
}
