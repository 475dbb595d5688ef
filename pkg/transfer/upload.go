package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Fortunatusmokaya/bails/pkg/mediaconn"
	"github.com/Fortunatusmokaya/bails/pkg/mediakeys"
)

var ErrUploadFailed = errors.New("transfer: upload rejected by every host")

// StatusError carries an HTTP-like status code alongside the reason,
// with the offending server payload when one exists.
type StatusError struct {
	Code    int
	Reason  string
	Payload []byte
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (status %d): %v", e.Reason, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (status %d)", e.Reason, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// UploadOptions parameterize one upload.
type UploadOptions struct {
	MediaType     mediakeys.MediaType
	FileEncSHA256 []byte
	// Newsletter rewrites the upload path for channel media.
	Newsletter bool
	// Timeout bounds each per-host POST. Zero disables the bound.
	Timeout time.Duration
}

// UploadResult is the server's record of the stored object.
type UploadResult struct {
	MediaURL   string `json:"url"`
	DirectPath string `json:"direct_path"`
	Handle     string `json:"handle"`
}

// Uploader walks the ordered upload host list until one accepts the
// ciphertext body. Custom hosts are tried before server-provided ones.
type Uploader struct {
	Conn        *mediaconn.Store
	HTTP        *http.Client
	Origin      string
	CustomHosts []mediaconn.Host
	Log         *slog.Logger
}

func (u *Uploader) client() *http.Client {
	if u.HTTP != nil {
		return u.HTTP
	}
	return http.DefaultClient
}

func (u *Uploader) origin() string {
	if u.Origin != "" {
		return u.Origin
	}
	return DefaultOrigin
}

func (u *Uploader) log() *slog.Logger {
	if u.Log != nil {
		return u.Log
	}
	return slog.Default()
}

// uploadPath resolves the URL path for the media type, applying the
// newsletter rewrite.
func uploadPath(mediaType mediakeys.MediaType, newsletter bool) string {
	p := mediaType.MediaPath()
	if newsletter {
		p = strings.Replace(p, "/mms/", "/newsletter/newsletter-", 1)
	}
	return p
}

// Upload sends the ciphertext to the first host that accepts it. The
// body is buffered in full first; the server does not take chunked
// media uploads. Each host is attempted at most once, in list order.
func (u *Uploader) Upload(ctx context.Context, ciphertext io.Reader, opts UploadOptions) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(opts.FileEncSHA256) == 0 {
		return nil, errors.New("transfer: missing ciphertext digest")
	}

	conn, err := u.Conn.Get(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("media conn: %w", err)
	}
	hosts := append(append([]mediaconn.Host{}, u.CustomHosts...), conn.Hosts...)
	if len(hosts) == 0 {
		return nil, &StatusError{Code: http.StatusServiceUnavailable, Reason: "no upload hosts", Err: ErrUploadFailed}
	}

	body, err := io.ReadAll(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}

	token := UploadToken(opts.FileEncSHA256)
	path := uploadPath(opts.MediaType, opts.Newsletter)

	var lastErr error
	var lastPayload []byte
	for _, host := range hosts {
		if host.MaxContentLength > 0 && int64(len(body)) > host.MaxContentLength {
			u.log().Warn("upload host skipped, body too large",
				"host", host.Hostname, "max", host.MaxContentLength, "size", len(body))
			lastErr = &StatusError{
				Code:   http.StatusRequestEntityTooLarge,
				Reason: "body exceeds host maximum",
			}
			continue
		}

		result, payload, err := u.post(ctx, host, path, token, conn.Auth, body, opts.Timeout)
		if err == nil && result != nil {
			return result, nil
		}
		lastErr = err
		if payload != nil {
			lastPayload = payload
		}
		u.log().Warn("upload attempt failed, trying next host", "host", host.Hostname, "error", err)

		// A reachable host that answered without usable fields usually
		// means the auth token went stale.
		if payload != nil {
			if conn, err = u.Conn.Get(ctx, true); err != nil {
				return nil, fmt.Errorf("refresh media conn: %w", err)
			}
		}
	}

	return nil, &StatusError{
		Code:    http.StatusInternalServerError,
		Reason:  "upload failed on all hosts",
		Payload: lastPayload,
		Err:     errors.Join(ErrUploadFailed, lastErr),
	}
}

// post performs one host attempt. A nil result with a nil error never
// happens; a non-nil payload marks a response that arrived but was
// unusable (unparseable, or missing both url and direct path).
func (u *Uploader) post(ctx context.Context, host mediaconn.Host, path, token, auth string, body []byte, timeout time.Duration) (*UploadResult, []byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := fmt.Sprintf("https://%s%s/%s?auth=%s&token=%s",
		host.Hostname, path, token, url.QueryEscape(auth), token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Origin", u.origin())
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.client().Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("post to %s: %w", host.Hostname, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response from %s: %w", host.Hostname, err)
	}

	var result UploadResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, payload, &StatusError{
			Code:    resp.StatusCode,
			Reason:  "unparseable upload response",
			Payload: payload,
			Err:     err,
		}
	}
	if result.MediaURL == "" && result.DirectPath == "" {
		return nil, payload, &StatusError{
			Code:    resp.StatusCode,
			Reason:  "upload response missing url and direct path",
			Payload: payload,
		}
	}
	return &result, nil, nil
}
