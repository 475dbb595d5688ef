package retry

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/Fortunatusmokaya/bails/pkg/mediakeys"
	"github.com/Fortunatusmokaya/bails/pkg/wabinary"
	"github.com/Fortunatusmokaya/bails/pkg/waproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMediaKey() []byte {
	key := make([]byte, mediakeys.MediaKeyLength)
	for i := range key {
		key[i] = byte(i * 5)
	}
	return key
}

func TestEncryptedRequestShape(t *testing.T) {
	key := MessageKey{
		ID:        "3EB0C431C26A1916E07E",
		RemoteJID: "5678@s.whatsapp.net",
		FromMe:    true,
	}

	node, err := EncryptedRequest(key, testMediaKey(), "1234:7@s.whatsapp.net")
	require.NoError(t, err)

	assert.Equal(t, "receipt", node.Tag)
	assert.Equal(t, key.ID, node.Attrs["id"])
	assert.Equal(t, "server-error", node.Attrs["type"])
	// The device suffix is stripped from the own JID.
	assert.Equal(t, "1234@s.whatsapp.net", node.Attrs["to"])

	enc, ok := node.GetChildByTag("encrypt")
	require.True(t, ok, "encrypt child missing")

	encP, ok := enc.GetChildByTag("enc_p")
	require.True(t, ok, "enc_p child missing")
	encIV, ok := enc.GetChildByTag("enc_iv")
	require.True(t, ok, "enc_iv child missing")

	receipt := waproto.ServerErrorReceipt{StanzaID: key.ID}
	// GCM appends a 16-byte tag to the encoded receipt.
	assert.Len(t, encP.Bytes(), len(receipt.Marshal())+16)
	assert.Len(t, encIV.Bytes(), 12)

	rmr, ok := node.GetChildByTag("rmr")
	require.True(t, ok, "rmr child missing")
	assert.Equal(t, key.RemoteJID, rmr.Attrs["jid"])
	assert.Equal(t, "true", rmr.Attrs["from_me"])
	_, hasParticipant := rmr.Attrs["participant"]
	assert.False(t, hasParticipant)
}

// sealNotification plays the peer's side: seal a notification for the
// given message with the retry subkey.
func sealNotification(t *testing.T, notif *waproto.MediaRetryNotification, mediaKey []byte, msgID string) (ciphertext, iv []byte) {
	t.Helper()

	retryKey, err := mediakeys.RetryKey(mediaKey)
	require.NoError(t, err)

	block, err := aes.NewCipher(retryKey[:])
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)

	iv = bytes.Repeat([]byte{7}, 12)
	ciphertext = aead.Seal(nil, iv, notif.Marshal(), []byte(msgID))
	return ciphertext, iv
}

func TestRetryResponseRoundTrip(t *testing.T) {
	mediaKey := testMediaKey()
	msgID := "3EB0AABBCCDD"
	want := &waproto.MediaRetryNotification{
		StanzaID:   msgID,
		DirectPath: "/v/t62.7118-24/fresh.enc",
		Result:     waproto.RetrySuccess,
	}
	ciphertext, iv := sealNotification(t, want, mediaKey, msgID)

	node := &wabinary.Node{
		Tag:   "receipt",
		Attrs: map[string]string{"id": msgID},
		Content: []wabinary.Node{
			{
				Tag: "encrypt",
				Content: []wabinary.Node{
					{Tag: "enc_p", Content: ciphertext},
					{Tag: "enc_iv", Content: iv},
				},
			},
			{Tag: "rmr", Attrs: map[string]string{
				"jid":     "5678@s.whatsapp.net",
				"from_me": "false",
			}},
		},
	}

	update, err := DecodeResponse(node)
	require.NoError(t, err)
	require.Nil(t, update.Error)
	assert.Equal(t, msgID, update.Key.ID)
	assert.Equal(t, "5678@s.whatsapp.net", update.Key.RemoteJID)
	assert.False(t, update.Key.FromMe)

	notif, err := DecryptNotification(update.Ciphertext, update.IV, mediaKey, update.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, want.StanzaID, notif.StanzaID)
	assert.Equal(t, want.DirectPath, notif.DirectPath)
	assert.Equal(t, want.Result, notif.Result)
}

func TestDecryptNotificationWrongAAD(t *testing.T) {
	mediaKey := testMediaKey()
	notif := &waproto.MediaRetryNotification{StanzaID: "id-1", Result: waproto.RetrySuccess}
	ciphertext, iv := sealNotification(t, notif, mediaKey, "id-1")

	_, err := DecryptNotification(ciphertext, iv, mediaKey, "id-2")
	assert.Error(t, err, "a mismatched message id must fail authentication")
}

func TestDecodeResponseMissingRMR(t *testing.T) {
	node := &wabinary.Node{Tag: "receipt", Attrs: map[string]string{"id": "x"}}
	_, err := DecodeResponse(node)
	assert.ErrorIs(t, err, ErrMissingRMR)
}

func TestDecodeResponseErrorCodes(t *testing.T) {
	cases := map[string]int{
		"success":          200,
		"decryption-error": 412,
		"not-found":        404,
		"general-error":    418,
	}
	for kind, code := range cases {
		node := &wabinary.Node{
			Tag:   "receipt",
			Attrs: map[string]string{"id": "x"},
			Content: []wabinary.Node{
				{Tag: "rmr", Attrs: map[string]string{"jid": "1@s.whatsapp.net", "from_me": "false"}},
				{Tag: "error", Attrs: map[string]string{"type": kind}},
			},
		}
		update, err := DecodeResponse(node)
		require.NoError(t, err)
		require.NotNil(t, update.Error, kind)
		assert.Equal(t, code, update.Error.Code, kind)
	}
}

func TestDecodeResponseMissingPayload(t *testing.T) {
	node := &wabinary.Node{
		Tag:   "receipt",
		Attrs: map[string]string{"id": "x"},
		Content: []wabinary.Node{
			{Tag: "rmr", Attrs: map[string]string{"jid": "1@s.whatsapp.net", "from_me": "false"}},
			{Tag: "encrypt", Content: []wabinary.Node{{Tag: "enc_p", Content: []byte{1}}}},
		},
	}
	update, err := DecodeResponse(node)
	require.NoError(t, err)
	require.NotNil(t, update.Error)
	assert.Equal(t, 404, update.Error.Code)
}

func TestNormalizeJID(t *testing.T) {
	assert.Equal(t, "1234@s.whatsapp.net", normalizeJID("1234:99@s.whatsapp.net"))
	assert.Equal(t, "1234@s.whatsapp.net", normalizeJID("1234@s.whatsapp.net"))
	assert.Equal(t, "no-server", normalizeJID("no-server"))
}
