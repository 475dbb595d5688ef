// Package bails is the media cryptography and transport core of a
// WhatsApp-compatible client: per-object key derivation, streaming
// authenticated encryption for uploads, ranged decrypting downloads,
// and the media retry signaling payloads.
package bails

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Fortunatusmokaya/bails/internal/config"
	"github.com/Fortunatusmokaya/bails/internal/source"
	"github.com/Fortunatusmokaya/bails/pkg/mediacache"
	"github.com/Fortunatusmokaya/bails/pkg/mediaconn"
	"github.com/Fortunatusmokaya/bails/pkg/mediacrypt"
	"github.com/Fortunatusmokaya/bails/pkg/mediakeys"
	"github.com/Fortunatusmokaya/bails/pkg/retry"
	"github.com/Fortunatusmokaya/bails/pkg/transfer"
	"github.com/Fortunatusmokaya/bails/pkg/wabinary"
	"github.com/Fortunatusmokaya/bails/pkg/waproto"
)

// Config configures a media client.
type Config struct {
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger
	// HTTP overrides the client used for media fetches and uploads.
	HTTP *http.Client
	// RefreshMediaConn fetches a fresh media connection grant from the
	// signaling layer. Required for uploads.
	RefreshMediaConn mediaconn.RefreshFunc
	// CustomUploadHosts are tried before the server-provided hosts.
	CustomUploadHosts []mediaconn.Host
	// Origin overrides the Origin header on media requests.
	Origin string
	// MediaHost overrides the scheme+host downloads are derived from.
	MediaHost string
	// CachePath enables the local media cache when non-empty.
	CachePath string
	// TempDir overrides where plaintext copies are teed during upload.
	TempDir string
	// UploadTimeout bounds each per-host upload attempt.
	UploadTimeout time.Duration
	// VerifyDownloadMAC enables MAC verification on whole-object
	// downloads.
	VerifyDownloadMAC bool
}

// Client ties the media subsystems together. Independent operations
// may run concurrently; the only shared state is the media connection
// grant and the optional cache.
type Client struct {
	log    *slog.Logger
	config Config

	conn       *mediaconn.Store
	uploader   *transfer.Uploader
	downloader *transfer.Downloader
	cache      *mediacache.Cache

	closeOnce sync.Once
}

// UploadOptions tune Client.Upload.
type UploadOptions struct {
	SaveOriginal     bool
	MaxContentLength int64
	Newsletter       bool
}

// MediaUpload is the combined result of encrypting and storing one
// media object.
type MediaUpload struct {
	MediaURL   string
	DirectPath string
	Handle     string

	MediaKey      []byte
	FileLength    int64
	FileSHA256    []byte
	FileEncSHA256 []byte
	BodyPath      string
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a media client. New does not perform I/O beyond
// opening the cache when one is configured.
func New(conf Config) (*Client, error) {
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}

	c := &Client{
		log:    conf.Logger,
		config: conf,
		conn:   mediaconn.NewStore(conf.RefreshMediaConn),
	}
	c.uploader = &transfer.Uploader{
		Conn:        c.conn,
		HTTP:        conf.HTTP,
		Origin:      conf.Origin,
		CustomHosts: conf.CustomUploadHosts,
		Log:         conf.Logger,
	}
	c.downloader = &transfer.Downloader{
		HTTP:      conf.HTTP,
		Origin:    conf.Origin,
		MediaHost: conf.MediaHost,
		VerifyMAC: conf.VerifyDownloadMAC,
		Log:       conf.Logger,
	}

	if conf.CachePath != "" {
		cache, err := mediacache.Open(mediacache.Config{Path: conf.CachePath})
		if err != nil {
			return nil, fmt.Errorf("open media cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// NewFromConfigFile builds a client from a YAML configuration file.
// The refresh function cannot live in a file and is passed alongside;
// nil is accepted for download-only clients.
func NewFromConfigFile(path string, refresh mediaconn.RefreshFunc) (*Client, error) {
	fileConf, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	hosts := make([]mediaconn.Host, 0, len(fileConf.CustomUploadHosts))
	for _, h := range fileConf.CustomUploadHosts {
		hosts = append(hosts, mediaconn.Host{
			Hostname:         h.Hostname,
			MaxContentLength: h.MaxContentLength,
		})
	}

	return New(Config{
		RefreshMediaConn:  refresh,
		CustomUploadHosts: hosts,
		Origin:            fileConf.Origin,
		CachePath:         fileConf.CachePath,
		TempDir:           fileConf.TempDir,
		UploadTimeout:     fileConf.UploadTimeout(),
	})
}

// Upload encrypts the media from spec (bytes, path, URL, or stream)
// and stores the ciphertext on the first accepting host.
func (c *Client) Upload(ctx context.Context, spec source.Spec, mediaType mediakeys.MediaType, opts UploadOptions) (*MediaUpload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := source.Open(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	artifact, err := mediacrypt.Encrypt(ctx, src, mediaType, mediacrypt.EncryptOptions{
		MaxContentLength: opts.MaxContentLength,
		SaveOriginal:     opts.SaveOriginal,
		TempDir:          c.config.TempDir,
	})
	if err != nil {
		return nil, err
	}

	result, err := c.uploader.Upload(ctx, bytes.NewReader(artifact.Ciphertext), transfer.UploadOptions{
		MediaType:     mediaType,
		FileEncSHA256: artifact.FileEncSHA256[:],
		Newsletter:    opts.Newsletter,
		Timeout:       c.config.UploadTimeout,
	})
	if err != nil {
		if artifact.BodyPath != "" {
			os.Remove(artifact.BodyPath)
		}
		return nil, err
	}

	c.log.Info("media uploaded",
		"type", string(mediaType),
		"size", artifact.FileLength,
		"directPath", result.DirectPath)

	return &MediaUpload{
		MediaURL:      result.MediaURL,
		DirectPath:    result.DirectPath,
		Handle:        result.Handle,
		MediaKey:      artifact.MediaKey,
		FileLength:    artifact.FileLength,
		FileSHA256:    artifact.FileSHA256[:],
		FileEncSHA256: artifact.FileEncSHA256[:],
		BodyPath:      artifact.BodyPath,
	}, nil
}

// Download streams the plaintext window rng of the message's media.
// Whole-object downloads go through the cache when one is configured.
func (c *Client) Download(ctx context.Context, msg transfer.DownloadableMessage, mediaType mediakeys.MediaType, rng mediacrypt.Range) (io.ReadCloser, error) {
	cacheable := c.cache != nil && !rng.Ranged() && len(msg.FileEncSHA256) > 0
	if cacheable {
		if plaintext, ok, err := c.cache.Get(msg.FileEncSHA256); err == nil && ok {
			return io.NopCloser(bytes.NewReader(plaintext)), nil
		}
	}

	stream, err := c.downloader.Download(ctx, msg, mediaType, rng)
	if err != nil {
		return nil, err
	}
	if !cacheable {
		return stream, nil
	}

	plaintext, err := io.ReadAll(stream)
	stream.Close()
	if err != nil {
		return nil, err
	}
	if cerr := c.cache.Put(msg.FileEncSHA256, plaintext); cerr != nil {
		c.log.Warn("media cache write failed", "error", cerr)
	}
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// BuildMediaRetryRequest builds the receipt node asking the peer to
// re-upload the message's media.
func (c *Client) BuildMediaRetryRequest(key retry.MessageKey, mediaKey []byte, meJID string) (wabinary.Node, error) {
	return retry.EncryptedRequest(key, mediaKey, meJID)
}

// HandleMediaRetryResponse decodes an incoming retry node and, when it
// carries a sealed payload, decrypts the notification.
func (c *Client) HandleMediaRetryResponse(node *wabinary.Node, mediaKey []byte) (*waproto.MediaRetryNotification, error) {
	update, err := retry.DecodeResponse(node)
	if err != nil {
		return nil, err
	}
	if update.Error != nil {
		return nil, update.Error
	}
	return retry.DecryptNotification(update.Ciphertext, update.IV, mediaKey, update.Key.ID)
}

// Close releases the cache. Close is idempotent.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		if c.cache != nil {
			if err := c.cache.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close cache: %w", err))
			}
		}
		c.log.Info("media client closed")
	})
	return closeErr
}
