package nas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Unix(1700000000, 0)

// attachRequestPdu builds a plain EMM Attach Request carrying an IMSI
// mobile identity: header octet (plain EMM), message type, attach type
// octet, LV EPS mobile identity (TBCD IMSI 310260123456789).
func attachRequestPdu() []byte {
	identity := []byte{
		0x39, // first digit 3 in the high nibble, odd flag + type IMSI
		0x01, 0x62, 0x10, 0x32, 0x54, 0x76, 0x98,
	}
	pdu := []byte{0x07, 0x41, 0x71, byte(len(identity))}
	return append(pdu, identity...)
}

func TestParse_AttachRequest(t *testing.T) {
	msg, err := Parse(attachRequestPdu(), 1, base)
	require.NoError(t, err)

	assert.True(t, msg.IsEMM())
	require.NotNil(t, msg.EmmType)
	assert.Equal(t, EmmAttachRequest, *msg.EmmType)
	assert.Equal(t, "310260123456789", msg.IMSI)
	assert.Equal(t, DirectionUplink, msg.GetDirection())
}

func TestParse_SecurityProtectedHeaderSkipped(t *testing.T) {
	// Integrity-protected wrapper: security header 1, 4-byte MAC,
	// 1-byte sequence number, then the plain PDU
	plain := attachRequestPdu()
	protected := append([]byte{0x17, 0xAA, 0xBB, 0xCC, 0xDD, 0x05}, plain...)

	msg, err := Parse(protected, 1, base)
	require.NoError(t, err)
	assert.Equal(t, SecurityIntegrity, msg.SecurityHeader)
	assert.True(t, msg.IsIntegrityProtected())
	require.NotNil(t, msg.EmmType)
	assert.Equal(t, EmmAttachRequest, *msg.EmmType)
	assert.Equal(t, "310260123456789", msg.IMSI)
}

func TestParse_EsmActivateDefaultBearer(t *testing.T) {
	// ESM: EBI 5 in the header high nibble, PTI, message type, then
	// LV EPS QoS (QCI 9), LV APN ("ims"), LV PDN address (IPv4)
	pdu := []byte{
		0x52,       // EBI 5 | PD ESM
		0x01,       // PTI
		0xC1,       // Activate Default EPS Bearer Context Request
		0x01, 0x09, // EPS QoS: QCI 9
		0x04, 0x03, 'i', 'm', 's', // APN: one label "ims"
		0x05, 0x01, 0x0A, 0x01, 0x02, 0x03, // PDN address: IPv4 10.1.2.3
	}

	msg, err := Parse(pdu, 2, base)
	require.NoError(t, err)

	assert.True(t, msg.IsESM())
	assert.Equal(t, uint8(5), msg.EPSBearerID)
	require.NotNil(t, msg.EsmType)
	assert.Equal(t, EsmActDefaultBearerReq, *msg.EsmType)
	assert.Equal(t, uint8(9), msg.QCI)
	assert.Equal(t, "ims", msg.APN)
	assert.Equal(t, "10.1.2.3", msg.PDNAddress)
	assert.Equal(t, "ipv4", msg.PDNType)
	assert.Equal(t, DirectionDownlink, msg.GetDirection())
}

func TestParse_Truncated(t *testing.T) {
	_, err := Parse(nil, 1, base)
	assert.Error(t, err)

	_, err = Parse([]byte{0x07}, 1, base)
	assert.Error(t, err)

	// Security header claims 5 extra bytes that are missing
	_, err = Parse([]byte{0x17, 0x01}, 1, base)
	assert.Error(t, err)
}

func TestDecodeAPN_MultiLabel(t *testing.T) {
	value := []byte{3, 'i', 'm', 's', 3, 'm', 'n', 'c', 3, 'a', 'b', 'c'}
	assert.Equal(t, "ims.mnc.abc", decodeAPN(value))
}

func TestClassifyPdnFromApn(t *testing.T) {
	assert.Equal(t, PdnClassIMS, ClassifyPdnFromApn("ims"))
	assert.Equal(t, PdnClassIMS, ClassifyPdnFromApn("IMS"))
	assert.Equal(t, PdnClassIMS, ClassifyPdnFromApn("ims.mnc260.mcc310.gprs"))
	assert.Equal(t, PdnClassInternet, ClassifyPdnFromApn("internet"))
	assert.Equal(t, PdnClassOther, ClassifyPdnFromApn("enterprise"))
}

func TestCorrelator_KeyPreference(t *testing.T) {
	c := New(nil)

	// With UE ids: keyed by the pair
	msg1, err := Parse(attachRequestPdu(), 1, base)
	require.NoError(t, err)
	c.AddMessage(msg1, 100, 200)

	s := c.FindByUEIDs(100, 200)
	require.NotNil(t, s)
	assert.Equal(t, "310260123456789", s.IMSI)

	// Without UE ids but with a matching IMSI the session is reused
	msg2, err := Parse(attachRequestPdu(), 2, base.Add(time.Second))
	require.NoError(t, err)
	c.AddMessage(msg2, 0, 0)

	c.Finalize()
	assert.Equal(t, 2, c.Stats().TotalMessages)
}

func TestCorrelator_EmmStateProgression(t *testing.T) {
	c := New(nil)

	attach, err := Parse(attachRequestPdu(), 1, base)
	require.NoError(t, err)
	c.AddMessage(attach, 1, 2)

	s := c.FindByUEIDs(1, 2)
	require.NotNil(t, s)
	assert.Equal(t, EmmRegisteredInitiated, s.State)

	// Attach Accept moves to REGISTERED
	acceptType := EmmAttachAccept
	c.AddMessage(&Message{
		FrameNumber:   2,
		Timestamp:     base.Add(time.Second),
		Discriminator: PDEMM,
		EmmType:       &acceptType,
	}, 1, 2)
	assert.Equal(t, EmmRegistered, s.State)

	// Security Mode Complete sets the flag without a state change
	smcType := EmmSecurityModeComplete
	c.AddMessage(&Message{
		FrameNumber:   3,
		Timestamp:     base.Add(2 * time.Second),
		Discriminator: PDEMM,
		EmmType:       &smcType,
	}, 1, 2)
	assert.True(t, s.SecurityActivated)
	assert.Equal(t, EmmRegistered, s.State)
}

func TestCorrelator_SessionClassification(t *testing.T) {
	c := New(nil)

	attach, err := Parse(attachRequestPdu(), 1, base)
	require.NoError(t, err)
	c.AddMessage(attach, 1, 2)
	c.Finalize()

	s := c.FindByUEIDs(1, 2)
	require.NotNil(t, s)
	assert.Equal(t, SessionClassEMM, s.Class)
	assert.Equal(t, 1, c.Stats().EMMSessions)
}

func TestCorrelator_ParseErrorCounted(t *testing.T) {
	c := New(nil)

	result := c.AddPdu([]byte{0x07}, 1, base, 1, 2)
	assert.Nil(t, result)
	assert.Equal(t, 1, c.Stats().ParseErrors)
}
