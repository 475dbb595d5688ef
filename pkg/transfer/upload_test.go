package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Fortunatusmokaya/bails/pkg/mediaconn"
	"github.com/Fortunatusmokaya/bails/pkg/mediakeys"
)

func staticConn(hosts ...mediaconn.Host) *mediaconn.Store {
	return mediaconn.NewStore(func(ctx context.Context) (*mediaconn.Conn, error) {
		return &mediaconn.Conn{
			Auth:      "auth-token",
			TTL:       time.Minute,
			Hosts:     hosts,
			FetchedAt: time.Now(),
		}, nil
	})
}

func testHost(srv *httptest.Server) mediaconn.Host {
	return mediaconn.Host{Hostname: strings.TrimPrefix(srv.URL, "https://")}
}

func TestUploadFallbackOverSizeCappedHost(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("unexpected content type %q", ct)
		}
		if origin := r.Header.Get("Origin"); origin != DefaultOrigin {
			t.Errorf("unexpected origin %q", origin)
		}
		if auth := r.URL.Query().Get("auth"); auth != "auth-token" {
			t.Errorf("unexpected auth %q", auth)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"url":         "https://mmg.whatsapp.net/v/t.enc",
			"direct_path": "/v/t.enc",
			"handle":      "h",
		})
	}))
	defer srv.Close()

	// First host caps content at 10 bytes and must be skipped without a
	// request; the body is 100 bytes.
	u := &Uploader{
		Conn: staticConn(
			mediaconn.Host{Hostname: "h1.invalid", MaxContentLength: 10},
			testHost(srv),
		),
		HTTP: srv.Client(),
	}

	body := bytes.Repeat([]byte{1}, 100)
	result, err := u.Upload(context.Background(), bytes.NewReader(body), UploadOptions{
		MediaType:     mediakeys.MediaImage,
		FileEncSHA256: bytes.Repeat([]byte{2}, 32),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if result.DirectPath != "/v/t.enc" || result.Handle != "h" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.MediaURL != "https://mmg.whatsapp.net/v/t.enc" {
		t.Errorf("unexpected media url %q", result.MediaURL)
	}
}

func TestUploadAllHostsFail(t *testing.T) {
	u := &Uploader{
		Conn: staticConn(
			mediaconn.Host{Hostname: "h1.invalid", MaxContentLength: 1},
			mediaconn.Host{Hostname: "h2.invalid", MaxContentLength: 1},
		),
	}

	_, err := u.Upload(context.Background(), bytes.NewReader([]byte("too big")), UploadOptions{
		MediaType:     mediakeys.MediaImage,
		FileEncSHA256: bytes.Repeat([]byte{3}, 32),
	})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}

	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatal("expected a StatusError")
	}
}

func TestUploadRefreshesAuthOnUnusableResponse(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			// Answer without url/direct_path to force an auth refresh.
			w.Write([]byte(`{}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"direct_path": "/v/fresh.enc"})
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	store := mediaconn.NewStore(func(ctx context.Context) (*mediaconn.Conn, error) {
		refreshes.Add(1)
		return &mediaconn.Conn{
			Auth:      "auth-token",
			TTL:       time.Minute,
			Hosts:     []mediaconn.Host{testHost(srv), testHost(srv)},
			FetchedAt: time.Now(),
		}, nil
	})

	u := &Uploader{Conn: store, HTTP: srv.Client()}
	result, err := u.Upload(context.Background(), bytes.NewReader([]byte("payload")), UploadOptions{
		MediaType:     mediakeys.MediaVideo,
		FileEncSHA256: bytes.Repeat([]byte{4}, 32),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if result.DirectPath != "/v/fresh.enc" {
		t.Errorf("unexpected direct path %q", result.DirectPath)
	}
	// One initial grant plus one forced refresh after the empty answer.
	if refreshes.Load() != 2 {
		t.Errorf("expected 2 refreshes, got %d", refreshes.Load())
	}
}

func TestUploadNewsletterPathRewrite(t *testing.T) {
	if got := uploadPath(mediakeys.MediaImage, true); got != "/newsletter/newsletter-image" {
		t.Errorf("unexpected newsletter path %q", got)
	}
	if got := uploadPath(mediakeys.MediaImage, false); got != "/mms/image" {
		t.Errorf("unexpected path %q", got)
	}
}

func TestUploadRequiresDigest(t *testing.T) {
	u := &Uploader{Conn: staticConn(mediaconn.Host{Hostname: "h.invalid"})}
	if _, err := u.Upload(context.Background(), bytes.NewReader(nil), UploadOptions{}); err == nil {
		t.Error("expected error for missing digest")
	}
}
