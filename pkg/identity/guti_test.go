package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGUTI4G(t *testing.T) {
	// MCC 310, MNC 260 (byte0 = mcc2|mcc1, byte1 = mnc3|mcc3,
	// byte2 = mnc2|mnc1), MME group 1, MME code 2, M-TMSI 0x12345678
	data := []byte{0x13, 0x00, 0x62, 0x00, 0x01, 0x02, 0x12, 0x34, 0x56, 0x78, 0xFF}

	guti, ok := ParseGUTI4G(data)
	require.True(t, ok)
	assert.Equal(t, "310", guti.MCC)
	assert.Equal(t, "260", guti.MNC)
	assert.Equal(t, uint16(1), guti.MMEGroupID)
	assert.Equal(t, uint8(2), guti.MMECode)
	assert.Equal(t, uint32(0x12345678), guti.MTMSI)
}

func TestParseGUTI4G_TwoDigitMnc(t *testing.T) {
	// MCC 262, MNC 01: byte1 high nibble 0xF marks the 2-digit MNC
	data := []byte{0x62, 0xF2, 0x10, 0x12, 0x34, 0x05, 0xAA, 0xBB, 0xCC, 0xDD, 0xFF}

	guti, ok := ParseGUTI4G(data)
	require.True(t, ok)
	assert.Equal(t, "262", guti.MCC)
	assert.Equal(t, "01", guti.MNC)
	assert.Equal(t, uint16(0x1234), guti.MMEGroupID)
	assert.Equal(t, uint8(0x05), guti.MMECode)
	assert.Equal(t, uint32(0xAABBCCDD), guti.MTMSI)
}

func TestGUTI4G_EncodeDecodeRoundTrip(t *testing.T) {
	original := GUTI4G{
		MCC:        "310",
		MNC:        "260",
		MMEGroupID: 0x0102,
		MMECode:    0x2A,
		MTMSI:      0xDEADBEEF,
	}

	encoded := EncodeGUTI4G(original)
	require.Len(t, encoded, 11)

	decoded, ok := ParseGUTI4G(encoded)
	require.True(t, ok)
	assert.Equal(t, original, decoded)
}

func TestGUTI5G_EncodeDecodeRoundTrip(t *testing.T) {
	original := GUTI5G{
		MCC:         "262",
		MNC:         "01",
		AMFRegionID: 0x11,
		AMFSetID:    0x3FF,
		AMFPointer:  0x3F,
		TMSI5G:      0x01020304,
	}

	encoded := EncodeGUTI5G(original)
	require.Len(t, encoded, 11)

	decoded, ok := ParseGUTI5G(encoded)
	require.True(t, ok)
	assert.Equal(t, original, decoded)
}

func TestParseGUTI5G_SetIDPointerPacking(t *testing.T) {
	// Bytes 4-5 carry a 10-bit set id in the top bits and a 6-bit
	// pointer in the low bits (TS 24.501): 0x0220 -> set 8, pointer 32
	data := []byte{0x13, 0x00, 0x62, 0x07, 0x02, 0x20, 0x00, 0x00, 0x00, 0x01, 0xFF}

	guti, ok := ParseGUTI5G(data)
	require.True(t, ok)
	assert.Equal(t, uint8(0x07), guti.AMFRegionID)
	assert.Equal(t, uint16(8), guti.AMFSetID)
	assert.Equal(t, uint8(32), guti.AMFPointer)
	assert.Equal(t, uint32(1), guti.TMSI5G)
}

func TestParseGUTI_TooShort(t *testing.T) {
	_, ok := ParseGUTI4G([]byte{0x13, 0x00})
	assert.False(t, ok)

	_, ok = ParseGUTI5G(nil)
	assert.False(t, ok)
}

func TestParseGUTI4GFromHex(t *testing.T) {
	guti, ok := ParseGUTI4GFromHex("13 00 62 00 01 02 12 34 56 78 ff")
	require.True(t, ok)
	assert.Equal(t, "310", guti.MCC)
	assert.Equal(t, uint32(0x12345678), guti.MTMSI)
}

func TestSameMMEPool(t *testing.T) {
	g1 := GUTI4G{MCC: "310", MNC: "260", MMEGroupID: 1, MMECode: 2, MTMSI: 0x1111}
	g2 := GUTI4G{MCC: "310", MNC: "260", MMEGroupID: 1, MMECode: 9, MTMSI: 0x2222}
	g3 := GUTI4G{MCC: "310", MNC: "260", MMEGroupID: 2, MMECode: 2, MTMSI: 0x1111}

	assert.True(t, SameMMEPool(g1, g2))
	assert.False(t, SameMMEPool(g1, g3))
}

func TestSameAMFSet(t *testing.T) {
	g1 := GUTI5G{MCC: "310", MNC: "260", AMFRegionID: 1, AMFSetID: 5, AMFPointer: 1, TMSI5G: 0x1}
	g2 := GUTI5G{MCC: "310", MNC: "260", AMFRegionID: 1, AMFSetID: 5, AMFPointer: 9, TMSI5G: 0x2}
	g3 := GUTI5G{MCC: "310", MNC: "260", AMFRegionID: 2, AMFSetID: 5, AMFPointer: 1, TMSI5G: 0x1}

	assert.True(t, SameAMFSet(g1, g2))
	assert.False(t, SameAMFSet(g1, g3))
}
