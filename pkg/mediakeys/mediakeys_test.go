package mediakeys

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"testing"

	"golang.org/x/crypto/hkdf"
	"pgregory.net/rapid"
)

func TestDeriveKeysLengthsAndDeterminism(t *testing.T) {
	key := make([]byte, MediaKeyLength)
	for i := range key {
		key[i] = byte(i)
	}

	k1, err := DeriveKeys(key, MediaImage)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	k2, err := DeriveKeys(key, MediaImage)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	// The 16/32/32/32 lengths are fixed by the Keys array types, so the
	// remaining property to check is determinism.
	if k1 != k2 {
		t.Error("DeriveKeys not deterministic")
	}
}

func TestDeriveKeysZeroKeyImage(t *testing.T) {
	// Fixed vector: all-zero media key, image type. The expansion must
	// match a direct HKDF-SHA256 of 112 bytes with the image info.
	key := make([]byte, MediaKeyLength)

	expanded := make([]byte, 112)
	r := hkdf.New(sha256.New, key, nil, []byte("WhatsApp Image Keys"))
	if _, err := io.ReadFull(r, expanded); err != nil {
		t.Fatalf("reference expand: %v", err)
	}

	k, err := DeriveKeys(key, MediaImage)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	if !bytes.Equal(k.IV[:], expanded[:16]) {
		t.Error("iv mismatch")
	}
	if !bytes.Equal(k.CipherKey[:], expanded[16:48]) {
		t.Error("cipher key mismatch")
	}
	if !bytes.Equal(k.MacKey[:], expanded[48:80]) {
		t.Error("mac key mismatch")
	}
	if !bytes.Equal(k.RefKey[:], expanded[80:112]) {
		t.Error("ref key mismatch")
	}
}

func TestDeriveKeysInvalidLength(t *testing.T) {
	if _, err := DeriveKeys(nil, MediaImage); err == nil {
		t.Error("expected error for nil key")
	}
	if _, err := DeriveKeys(make([]byte, 16), MediaVideo); err == nil {
		t.Error("expected error for short key")
	}
}

func TestHKDFInfoLabels(t *testing.T) {
	cases := map[MediaType]string{
		MediaImage:              "WhatsApp Image Keys",
		MediaVideo:              "WhatsApp Video Keys",
		MediaAudio:              "WhatsApp Audio Keys",
		MediaDocument:           "WhatsApp Document Keys",
		MediaSticker:            "WhatsApp Image Keys",
		MediaThumbnailImage:     "WhatsApp Image Thumbnail Keys",
		MediaThumbnailVideo:     "WhatsApp Video Thumbnail Keys",
		MediaProductImage:       "WhatsApp Product Image Keys",
		MediaNewsletterImage:    "WhatsApp Image Keys",
		MediaNewsletterVideo:    "WhatsApp Video Keys",
		MediaNewsletterAudio:    "WhatsApp Audio Keys",
		MediaNewsletterDocument: "WhatsApp Document Keys",
		MediaPTV:                "WhatsApp Video Keys",
	}
	for mt, want := range cases {
		if got := mt.HKDFInfo(); got != want {
			t.Errorf("%s: expected %q, got %q", mt, want, got)
		}
	}
}

func TestMediaPaths(t *testing.T) {
	if MediaImage.MediaPath() != "/mms/image" {
		t.Error("image path mismatch")
	}
	if MediaSticker.MediaPath() != "/mms/image" {
		t.Error("sticker should share the image path")
	}
	if MediaProductImage.MediaPath() != "/product/image" {
		t.Error("product image path mismatch")
	}
}

func TestDeriveKeysFromString(t *testing.T) {
	key := make([]byte, MediaKeyLength)
	for i := range key {
		key[i] = byte(255 - i)
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	fromRaw, err := DeriveKeys(key, MediaAudio)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	fromPlain, err := DeriveKeysFromString(encoded, MediaAudio)
	if err != nil {
		t.Fatalf("DeriveKeysFromString: %v", err)
	}
	if fromPlain != fromRaw {
		t.Error("base64 key derivation mismatch")
	}

	fromPrefixed, err := DeriveKeysFromString("data:;base64,"+encoded, MediaAudio)
	if err != nil {
		t.Fatalf("DeriveKeysFromString with prefix: %v", err)
	}
	if fromPrefixed != fromRaw {
		t.Error("data-URL prefixed key derivation mismatch")
	}

	if _, err := DeriveKeysFromString("", MediaAudio); err == nil {
		t.Error("expected error for empty key string")
	}
}

func TestRetryKeyDiffersFromMediaKeys(t *testing.T) {
	key := make([]byte, MediaKeyLength)
	rk, err := RetryKey(key)
	if err != nil {
		t.Fatalf("RetryKey: %v", err)
	}
	k, err := DeriveKeys(key, MediaImage)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if rk == k.CipherKey {
		t.Error("retry key must not collide with the media cipher key")
	}
}

func TestDeriveKeysProperty(t *testing.T) {
	types := []MediaType{
		MediaImage, MediaVideo, MediaAudio, MediaDocument, MediaSticker,
		MediaThumbnailImage, MediaThumbnailVideo, MediaProductImage, MediaPTV,
	}
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), MediaKeyLength, MediaKeyLength).Draw(t, "key")
		mt := rapid.SampledFrom(types).Draw(t, "type")

		k1, err := DeriveKeys(key, mt)
		if err != nil {
			t.Fatalf("DeriveKeys: %v", err)
		}
		k2, err := DeriveKeys(key, mt)
		if err != nil {
			t.Fatalf("DeriveKeys: %v", err)
		}
		if k1 != k2 {
			t.Error("expansion not deterministic")
		}
	})
}
