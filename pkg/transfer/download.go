package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Fortunatusmokaya/bails/pkg/mediacrypt"
	"github.com/Fortunatusmokaya/bails/pkg/mediakeys"
)

// Downloader fetches encrypted objects and feeds them through the
// decrypting pipeline.
type Downloader struct {
	// HTTP is the client used for fetches; http.DefaultClient when nil.
	HTTP *http.Client
	// Origin overrides the Origin request header.
	Origin string
	// MediaHost overrides the scheme+host downloads are derived from.
	// Message URLs on the default trusted host still take precedence.
	MediaHost string
	// VerifyMAC enables verification of the appended MAC. It only
	// applies to whole-object downloads; ranged fetches cannot see the
	// full ciphertext.
	VerifyMAC bool
	// Log is optional.
	Log *slog.Logger
}

func (d *Downloader) client() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return http.DefaultClient
}

func (d *Downloader) origin() string {
	if d.Origin != "" {
		return d.Origin
	}
	return DefaultOrigin
}

func (d *Downloader) resolveURL(msg DownloadableMessage) (string, error) {
	if d.MediaHost == "" {
		return ResolveDownloadURL(msg)
	}
	if strings.HasPrefix(msg.URL, trustedURLPrefix) {
		return msg.URL, nil
	}
	if msg.DirectPath == "" {
		return "", ErrInvalidMediaURL
	}
	return d.MediaHost + msg.DirectPath, nil
}

// Download streams the plaintext window rng of the message's media
// object. The caller owns the returned stream and must close it.
func (d *Downloader) Download(ctx context.Context, msg DownloadableMessage, mediaType mediakeys.MediaType, rng mediacrypt.Range) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := d.resolveURL(msg)
	if err != nil {
		return nil, err
	}
	keys, err := mediakeys.DeriveKeys(msg.MediaKey, mediaType)
	if err != nil {
		return nil, err
	}

	spec := rng.FetchSpec()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Origin", d.origin())
	if spec.RangeHeader != "" {
		req.Header.Set("Range", spec.RangeHeader)
	}

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &StatusError{
			Code:   resp.StatusCode,
			Reason: "media fetch rejected",
		}
	}

	if d.VerifyMAC && !rng.Ranged() {
		return d.verifyAndDecrypt(resp.Body, keys)
	}

	if d.Log != nil {
		d.Log.Debug("downloading media", "url", target, "range", spec.RangeHeader)
	}
	return mediacrypt.NewDecryptReader(resp.Body, keys, rng)
}

// DownloadBytes fetches and decrypts a whole object into memory.
func (d *Downloader) DownloadBytes(ctx context.Context, msg DownloadableMessage, mediaType mediakeys.MediaType) ([]byte, error) {
	r, err := d.Download(ctx, msg, mediaType, mediacrypt.Range{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// verifyAndDecrypt buffers the whole object, checks the appended MAC
// over iv || ciphertext, and decrypts from the buffer.
func (d *Downloader) verifyAndDecrypt(body io.ReadCloser, keys mediakeys.Keys) (io.ReadCloser, error) {
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	if len(data) <= mediacrypt.MACLength {
		return nil, fmt.Errorf("%w: body of %d bytes", mediacrypt.ErrTruncated, len(data))
	}

	ciphertext := data[:len(data)-mediacrypt.MACLength]
	macTag := data[len(data)-mediacrypt.MACLength:]
	if !mediacrypt.VerifyMAC(keys, ciphertext, macTag) {
		return nil, &StatusError{Code: http.StatusPreconditionFailed, Reason: "media mac mismatch"}
	}

	return mediacrypt.NewDecryptReader(bytes.NewReader(ciphertext), keys, mediacrypt.Range{})
}
