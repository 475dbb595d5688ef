// Package retry implements the media retry protocol: asking a peer to
// re-upload media whose stored copy vanished, and decrypting the
// notification that carries the fresh download parameters. The receipt
// payload is sealed with AES-256-GCM under a retry-specific subkey of
// the original media key.
package retry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/Fortunatusmokaya/bails/pkg/mediakeys"
	"github.com/Fortunatusmokaya/bails/pkg/wabinary"
	"github.com/Fortunatusmokaya/bails/pkg/waproto"
)

// gcmIVLength is the nonce size of the retry receipt seal.
const gcmIVLength = 12

var (
	ErrMissingRMR     = errors.New("retry: response node has no rmr child")
	ErrMissingPayload = errors.New("retry: response node has no usable encrypt payload")
)

// MessageKey identifies the message whose media is being re-requested.
type MessageKey struct {
	ID          string
	RemoteJID   string
	FromMe      bool
	Participant string
}

// Error is a server-reported retry failure with its HTTP-like code.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: %s (status %d)", e.Reason, e.Code)
}

// statusCodes maps the error child's type attribute onto status codes.
var statusCodes = map[string]int{
	"success":          200,
	"decryption-error": 412,
	"not-found":        404,
	"general-error":    418,
}

// MediaUpdate is a decoded retry response, either carrying the sealed
// notification or the server's error.
type MediaUpdate struct {
	Key        MessageKey
	Ciphertext []byte
	IV         []byte
	Error      *Error
}

// normalizeJID strips the device suffix from a JID's user part.
func normalizeJID(jid string) string {
	user, server, found := strings.Cut(jid, "@")
	if !found {
		return jid
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user + "@" + server
}

// EncryptedRequest builds the receipt node that asks the peer to
// re-upload the message's media. The receipt body is the encoded
// server-error receipt sealed with AES-256-GCM, AAD-bound to the
// message ID.
func EncryptedRequest(key MessageKey, mediaKey []byte, meJID string) (wabinary.Node, error) {
	retryKey, err := mediakeys.RetryKey(mediaKey)
	if err != nil {
		return wabinary.Node{}, err
	}

	iv := make([]byte, gcmIVLength)
	if _, err := rand.Read(iv); err != nil {
		return wabinary.Node{}, fmt.Errorf("generate iv: %w", err)
	}

	receipt := waproto.ServerErrorReceipt{StanzaID: key.ID}
	ciphertext, err := sealGCM(retryKey, iv, receipt.Marshal(), []byte(key.ID))
	if err != nil {
		return wabinary.Node{}, err
	}

	rmrAttrs := map[string]string{
		"jid":     key.RemoteJID,
		"from_me": fmt.Sprintf("%t", key.FromMe),
	}
	if key.Participant != "" {
		rmrAttrs["participant"] = key.Participant
	}

	return wabinary.Node{
		Tag: "receipt",
		Attrs: map[string]string{
			"id":   key.ID,
			"to":   normalizeJID(meJID),
			"type": "server-error",
		},
		Content: []wabinary.Node{
			{
				Tag: "encrypt",
				Content: []wabinary.Node{
					{Tag: "enc_p", Content: ciphertext},
					{Tag: "enc_iv", Content: iv},
				},
			},
			{Tag: "rmr", Attrs: rmrAttrs},
		},
	}, nil
}

// DecodeResponse extracts the message key and sealed payload (or the
// server error) from an incoming retry notification node.
func DecodeResponse(node *wabinary.Node) (*MediaUpdate, error) {
	rmr, ok := node.GetChildByTag("rmr")
	if !ok {
		return nil, ErrMissingRMR
	}

	ag := rmr.AttrGetter()
	update := &MediaUpdate{
		Key: MessageKey{
			ID:          node.Attrs["id"],
			RemoteJID:   ag.String("jid"),
			FromMe:      ag.OptionalString("from_me") == "true",
			Participant: ag.OptionalString("participant"),
		},
	}
	if err := ag.Error(); err != nil {
		return nil, fmt.Errorf("decode rmr: %w", err)
	}

	if errNode, ok := node.GetChildByTag("error"); ok {
		kind := errNode.Attrs["type"]
		code, known := statusCodes[kind]
		if !known {
			code = 418
		}
		update.Error = &Error{Code: code, Reason: "server returned " + kind}
		return update, nil
	}

	enc, ok := node.GetChildByTag("encrypt")
	if !ok {
		update.Error = &Error{Code: 404, Reason: ErrMissingPayload.Error()}
		return update, nil
	}
	encP, okP := enc.GetChildByTag("enc_p")
	encIV, okIV := enc.GetChildByTag("enc_iv")
	if !okP || !okIV || encP.Bytes() == nil || encIV.Bytes() == nil {
		update.Error = &Error{Code: 404, Reason: ErrMissingPayload.Error()}
		return update, nil
	}

	update.Ciphertext = encP.Bytes()
	update.IV = encIV.Bytes()
	return update, nil
}

// DecryptNotification opens a sealed retry payload and decodes the
// embedded notification.
func DecryptNotification(ciphertext, iv, mediaKey []byte, msgID string) (*waproto.MediaRetryNotification, error) {
	retryKey, err := mediakeys.RetryKey(mediaKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := openGCM(retryKey, iv, ciphertext, []byte(msgID))
	if err != nil {
		return nil, fmt.Errorf("open retry payload: %w", err)
	}

	var notif waproto.MediaRetryNotification
	if err := notif.Unmarshal(plaintext); err != nil {
		return nil, fmt.Errorf("decode retry notification: %w", err)
	}
	return &notif, nil
}

func sealGCM(key [32]byte, iv, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

func openGCM(key [32]byte, iv, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, iv, ciphertext, aad)
}

func newGCM(key [32]byte, nonceSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if nonceSize <= 0 {
		nonceSize = gcmIVLength
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
