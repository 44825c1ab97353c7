package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mensageria/internal/database"
)

func TestEncodeMessage_BinaryFieldsAreBase64(t *testing.T) {
	m := database.Message{
		ID:          "m1",
		SenderID:    "alice",
		RecipientID: "bob",
		Sequence:    3,
		Ciphertext:  []byte{0xde, 0xad},
		Nonce:       []byte{0x01},
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	raw, err := EncodeMessage(m)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, TypeMessage, generic["type"])
	payload := generic["payload"].(map[string]any)
	assert.Equal(t, "3q0=", payload["ciphertext"])
	assert.Equal(t, "m1", payload["messageId"])
	assert.EqualValues(t, 3, payload["sequence"])
}

func TestDecode(t *testing.T) {
	f, err := Decode([]byte(`{"type":"message","payload":{"recipientId":"bob","ciphertext":"3q0=","nonce":"AQ=="}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, f.Type)

	var in SendMessage
	require.NoError(t, DecodePayload(f, &in))
	assert.Equal(t, "bob", in.RecipientID)
	assert.Equal(t, []byte{0xde, 0xad}, in.Ciphertext)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	assert.Error(t, DecodePayload(Frame{Type: TypeAuth}, &Auth{}))
}

func TestEncode_NoPayload(t *testing.T) {
	raw, err := Encode(TypePong, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(raw))
}
