// Package source normalizes the inputs a media pipeline can read from:
// in-memory buffers, local files, remote URLs and preexisting streams.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// ChunkSize is the read granularity of chunked iteration.
const ChunkSize = 256 * 1024

// Spec is anything Open understands: []byte, a path or URL string, or
// an io.Reader.
type Spec any

// Open adapts spec into a byte stream. The stream is consumable once
// and must be closed by the caller on every path.
func Open(ctx context.Context, spec Spec) (io.ReadCloser, error) {
	switch v := spec.(type) {
	case []byte:
		return io.NopCloser(bytes.NewReader(v)), nil
	case string:
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			return openURL(ctx, v)
		}
		f, err := os.Open(v)
		if err != nil {
			return nil, fmt.Errorf("open file: %w", err)
		}
		return f, nil
	case io.ReadCloser:
		return v, nil
	case io.Reader:
		return io.NopCloser(v), nil
	default:
		return nil, fmt.Errorf("source: unsupported spec type %T", spec)
	}
}

func openURL(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch source: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Chunker iterates a stream in fixed-size chunks.
type Chunker interface {
	// Next returns the next chunk, or io.EOF when the stream ends.
	Next() ([]byte, error)
}

type sizeSplitterChunker struct {
	splitter boxochunker.Splitter
}

// NewChunker wraps r in a fixed-size splitter.
func NewChunker(r io.Reader) Chunker {
	return &sizeSplitterChunker{
		splitter: boxochunker.NewSizeSplitter(r, ChunkSize),
	}
}

func (c *sizeSplitterChunker) Next() ([]byte, error) {
	return c.splitter.NextBytes()
}
