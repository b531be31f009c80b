package decoder

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSliceField_NativeShape(t *testing.T) {
	msg := &Message{Fields: map[string]interface{}{
		"bearer_contexts": []map[string]interface{}{
			{"eps_bearer_id": 5, "qci": 9},
		},
	}}

	list, ok := msg.MapSliceField("bearer_contexts")
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, 5, list[0]["eps_bearer_id"])
}

func TestMapSliceField_JSONDecodedShape(t *testing.T) {
	// JSON arrays decode to []interface{} of map[string]interface{}
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"bearer_contexts": [
			{"eps_bearer_id": 5, "qci": 9,
			 "s1u_sgw_fteid": {"teid": 4096, "ipv4": "192.168.2.10"}}
		]
	}`), &fields))

	msg := &Message{Fields: fields}

	list, ok := msg.MapSliceField("bearer_contexts")
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, float64(9), list[0]["qci"])

	fteid, ok := list[0]["s1u_sgw_fteid"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(4096), fteid["teid"])
}

func TestMapSliceField_Missing(t *testing.T) {
	msg := &Message{Fields: map[string]interface{}{"other": 1}}

	_, ok := msg.MapSliceField("bearer_contexts")
	assert.False(t, ok)

	empty := &Message{}
	_, ok = empty.MapSliceField("bearer_contexts")
	assert.False(t, ok)
}

func TestBytesField_NativeShape(t *testing.T) {
	msg := &Message{Fields: map[string]interface{}{
		"nas_pdu": []byte{0x07, 0x41},
	}}

	data, ok := msg.BytesField("nas_pdu")
	require.True(t, ok)
	assert.Equal(t, []byte{0x07, 0x41}, data)
}

func TestBytesField_Base64Shape(t *testing.T) {
	raw := []byte{0x07, 0x41, 0x71, 0x08}
	var fields map[string]interface{}
	encoded, err := json.Marshal(map[string]interface{}{
		"nas_pdu": base64.StdEncoding.EncodeToString(raw),
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(encoded, &fields))

	msg := &Message{Fields: fields}

	data, ok := msg.BytesField("nas_pdu")
	require.True(t, ok)
	assert.Equal(t, raw, data)
}

func TestBytesField_Invalid(t *testing.T) {
	msg := &Message{Fields: map[string]interface{}{
		"nas_pdu": "not base64 !!!",
		"empty":   "",
	}}

	_, ok := msg.BytesField("nas_pdu")
	assert.False(t, ok)

	_, ok = msg.BytesField("empty")
	assert.False(t, ok)

	_, ok = msg.BytesField("missing")
	assert.False(t, ok)
}
