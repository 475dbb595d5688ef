// Package mediakeys derives the per-object symmetric key material used
// by the media encryption pipelines. A 32-byte media key is expanded
// with HKDF-SHA256 into an IV, an AES-256 cipher key, an HMAC key and a
// reserved ref key. The expansion info string is fixed per media type
// and is part of the wire protocol.
package mediakeys

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MediaType tags a media object and selects its HKDF info label and
// server upload path.
type MediaType string

const (
	MediaImage              MediaType = "image"
	MediaVideo              MediaType = "video"
	MediaAudio              MediaType = "audio"
	MediaDocument           MediaType = "document"
	MediaSticker            MediaType = "sticker"
	MediaThumbnailImage     MediaType = "thumbnail-image"
	MediaThumbnailVideo     MediaType = "thumbnail-video"
	MediaProductImage       MediaType = "product-image"
	MediaNewsletterImage    MediaType = "newsletter-image"
	MediaNewsletterVideo    MediaType = "newsletter-video"
	MediaNewsletterAudio    MediaType = "newsletter-audio"
	MediaNewsletterDocument MediaType = "newsletter-document"
	MediaPTV                MediaType = "ptv"
)

// MediaKeyLength is the required length of a raw media key.
const MediaKeyLength = 32

// expandedKeyLength is the total HKDF output consumed per media key:
// 16 (iv) + 32 (cipher) + 32 (mac) + 32 (ref).
const expandedKeyLength = 112

var ErrInvalidKey = errors.New("mediakeys: media key must be 32 bytes")

// hkdfLabels maps each media type to the label embedded in the HKDF
// info string. Newsletter variants share the label of their base type.
var hkdfLabels = map[MediaType]string{
	MediaImage:              "Image",
	MediaVideo:              "Video",
	MediaAudio:              "Audio",
	MediaDocument:           "Document",
	MediaSticker:            "Image",
	MediaThumbnailImage:     "Image Thumbnail",
	MediaThumbnailVideo:     "Video Thumbnail",
	MediaProductImage:       "Product Image",
	MediaNewsletterImage:    "Image",
	MediaNewsletterVideo:    "Video",
	MediaNewsletterAudio:    "Audio",
	MediaNewsletterDocument: "Document",
	MediaPTV:                "Video",
}

// mediaPaths maps each media type to the server-side upload path
// segment. The newsletter rewrite happens in the upload dispatcher.
var mediaPaths = map[MediaType]string{
	MediaImage:              "/mms/image",
	MediaVideo:              "/mms/video",
	MediaAudio:              "/mms/audio",
	MediaDocument:           "/mms/document",
	MediaSticker:            "/mms/image",
	MediaThumbnailImage:     "/mms/image",
	MediaThumbnailVideo:     "/mms/image",
	MediaProductImage:       "/product/image",
	MediaNewsletterImage:    "/mms/image",
	MediaNewsletterVideo:    "/mms/video",
	MediaNewsletterAudio:    "/mms/audio",
	MediaNewsletterDocument: "/mms/document",
	MediaPTV:                "/mms/video",
}

// retryInfo is the HKDF info string for the media retry subkey.
const retryInfo = "WhatsApp Media Retry Notification"

// Keys is the expanded key material for one encrypt or decrypt
// operation. It must not outlive the operation; call Zero when done.
type Keys struct {
	IV        [16]byte
	CipherKey [32]byte
	MacKey    [32]byte
	RefKey    [32]byte
}

// HKDFInfo returns the exact ASCII info string used for the HKDF
// expansion of this media type.
func (t MediaType) HKDFInfo() string {
	label, ok := hkdfLabels[t]
	if !ok {
		// Unknown types fall back to the document label so that a key
		// is still derivable; the server will reject the path anyway.
		label = "Document"
	}
	return "WhatsApp " + label + " Keys"
}

// MediaPath returns the server upload path segment for this media type.
func (t MediaType) MediaPath() string {
	p, ok := mediaPaths[t]
	if !ok {
		return mediaPaths[MediaDocument]
	}
	return p
}

// DeriveKeys expands a raw 32-byte media key into the full key set for
// the given media type. The expansion is deterministic.
func DeriveKeys(mediaKey []byte, t MediaType) (Keys, error) {
	if len(mediaKey) != MediaKeyLength {
		return Keys{}, fmt.Errorf("%w, got %d", ErrInvalidKey, len(mediaKey))
	}

	expanded := make([]byte, expandedKeyLength)
	r := hkdf.New(sha256.New, mediaKey, nil, []byte(t.HKDFInfo()))
	if _, err := io.ReadFull(r, expanded); err != nil {
		return Keys{}, fmt.Errorf("expand media key: %w", err)
	}

	var k Keys
	copy(k.IV[:], expanded[:16])
	copy(k.CipherKey[:], expanded[16:48])
	copy(k.MacKey[:], expanded[48:80])
	copy(k.RefKey[:], expanded[80:112])

	zero(expanded)
	return k, nil
}

// DeriveKeysFromString accepts a media key that arrived over a text
// boundary: base64, optionally carrying a "data:;base64," prefix.
func DeriveKeysFromString(mediaKey string, t MediaType) (Keys, error) {
	raw, err := DecodeKeyString(mediaKey)
	if err != nil {
		return Keys{}, err
	}
	defer zero(raw)
	return DeriveKeys(raw, t)
}

// DecodeKeyString strips an optional data-URL prefix and decodes the
// base64 payload.
func DecodeKeyString(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "data:;base64,")
	if s == "" {
		return nil, ErrInvalidKey
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode media key: %w", err)
	}
	return raw, nil
}

// RetryKey derives the 32-byte AES-GCM subkey used by the media retry
// protocol.
func RetryKey(mediaKey []byte) ([32]byte, error) {
	var k [32]byte
	if len(mediaKey) != MediaKeyLength {
		return k, fmt.Errorf("%w, got %d", ErrInvalidKey, len(mediaKey))
	}
	r := hkdf.New(sha256.New, mediaKey, nil, []byte(retryInfo))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return k, fmt.Errorf("expand retry key: %w", err)
	}
	return k, nil
}

// Zero wipes the key material. The zero value is not a usable key set
// afterwards.
func (k *Keys) Zero() {
	zero(k.IV[:])
	zero(k.CipherKey[:])
	zero(k.MacKey[:])
	zero(k.RefKey[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
