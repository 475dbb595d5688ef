// Package transfer moves encrypted media objects between the client
// and the media servers: canonical URL derivation, ranged downloads
// through the decrypting pipeline, and the multi-host upload
// dispatcher.
package transfer

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
)

// DefaultMediaHost serves downloads addressed by direct path.
const DefaultMediaHost = "https://mmg.whatsapp.net"

// DefaultOrigin is sent as the Origin header on media requests.
const DefaultOrigin = "https://web.whatsapp.com"

// trustedURLPrefix gates which message-supplied URLs are used as-is.
const trustedURLPrefix = DefaultMediaHost + "/"

var ErrInvalidMediaURL = errors.New("transfer: neither url nor direct path usable")

// DownloadableMessage carries the download parameters extracted from a
// media message.
type DownloadableMessage struct {
	MediaKey   []byte
	DirectPath string
	// URL is optional and only honored when it points at the media
	// host; anything else is derived from DirectPath instead.
	URL string
	// FileEncSHA256 is the ciphertext digest when the message carries
	// one; it keys the local media cache.
	FileEncSHA256 []byte
}

// DirectPathToURL turns a server-relative direct path into a download
// URL. The path is preserved verbatim.
func DirectPathToURL(directPath string) (string, error) {
	if directPath == "" {
		return "", ErrInvalidMediaURL
	}
	return DefaultMediaHost + directPath, nil
}

// ResolveDownloadURL picks the URL for a message: the embedded URL when
// it is on the trusted host, the direct path otherwise.
func ResolveDownloadURL(msg DownloadableMessage) (string, error) {
	if strings.HasPrefix(msg.URL, trustedURLPrefix) {
		return msg.URL, nil
	}
	return DirectPathToURL(msg.DirectPath)
}

// EncodeBase64ForUpload rewrites a standard base64 string into the
// URL-safe unpadded percent-encoded form the upload endpoint expects.
// Applying it to an already URL-safe unpadded string changes nothing.
func EncodeBase64ForUpload(s string) string {
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.TrimRight(s, "=")
	return url.QueryEscape(s)
}

// UploadToken encodes a ciphertext digest for use in the upload URL
// path and token query parameter.
func UploadToken(fileEncSHA256 []byte) string {
	return EncodeBase64ForUpload(base64.StdEncoding.EncodeToString(fileEncSHA256))
}
