package mediacrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/Fortunatusmokaya/bails/pkg/mediakeys"
)

var (
	ErrBadPadding = errors.New("mediacrypt: invalid pkcs7 padding")
	ErrTruncated  = errors.New("mediacrypt: ciphertext truncated")
)

// Range selects a plaintext byte window [Start, End). End <= 0 means
// "until the end of the object". A set End disables padding validation
// because the fetched tail is not the true end of the ciphertext.
type Range struct {
	Start int64
	End   int64
}

// Ranged reports whether the range selects less than the whole object.
func (r Range) Ranged() bool {
	return r.Start > 0 || r.End > 0
}

func (r Range) hasEnd() bool {
	return r.End > 0
}

func floorBlock(n int64) int64 {
	return n / BlockSize * BlockSize
}

// FetchSpec describes the ciphertext window to request from the server
// for a plaintext range.
type FetchSpec struct {
	// Offset is the first ciphertext byte to fetch.
	Offset int64
	// RangeHeader is the HTTP Range header value, empty for a whole
	// object fetch.
	RangeHeader string
	// FirstBlockIsIV marks that the first fetched block is the CBC IV
	// for the window rather than ciphertext.
	FirstBlockIsIV bool
}

// FetchSpec computes the ciphertext window for this plaintext range.
// When the window does not start at the object head, one extra block is
// fetched in front and consumed as the IV.
func (r Range) FetchSpec() FetchSpec {
	if !r.Ranged() {
		return FetchSpec{}
	}

	var spec FetchSpec
	chunkStart := floorBlock(r.Start)
	spec.Offset = chunkStart
	if chunkStart > 0 {
		spec.Offset = chunkStart - BlockSize
		spec.FirstBlockIsIV = true
	}

	if r.hasEnd() {
		chunkEnd := floorBlock(r.End) + BlockSize
		spec.RangeHeader = fmt.Sprintf("bytes=%d-%d", spec.Offset, chunkEnd)
	} else {
		spec.RangeHeader = fmt.Sprintf("bytes=%d-", spec.Offset)
	}
	return spec
}

// DecryptReader is the streaming inverse of the encryption pipeline.
// It consumes ciphertext (optionally a ranged window, including the
// IV block in front) and yields the plaintext window. A trailing
// partial block, such as the appended 10-byte MAC, is discarded.
type DecryptReader struct {
	src   io.Reader
	block cipher.Block
	cbc   cipher.BlockMode

	firstBlockIsIV bool
	iv             [BlockSize]byte

	padding  bool
	residual []byte // undecrypted ciphertext tail
	held     []byte // last decrypted block, kept back for unpadding
	out      bytes.Buffer

	skip  int64 // plaintext bytes to drop before emitting
	quota int64 // plaintext bytes still to emit; -1 when unlimited

	in   []byte
	done bool
	err  error
}

// NewDecryptReader builds the decrypting transform for one object.
// The src must deliver the ciphertext window described by rng.FetchSpec.
func NewDecryptReader(src io.Reader, keys mediakeys.Keys, rng Range) (*DecryptReader, error) {
	block, err := aes.NewCipher(keys.CipherKey[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	spec := rng.FetchSpec()
	d := &DecryptReader{
		src:            src,
		block:          block,
		firstBlockIsIV: spec.FirstBlockIsIV,
		padding:        !rng.hasEnd(),
		skip:           rng.Start - floorBlock(rng.Start),
		quota:          -1,
		in:             make([]byte, readChunkSize),
	}
	d.iv = keys.IV
	if rng.hasEnd() {
		d.quota = rng.End - rng.Start
	}
	if !spec.FirstBlockIsIV {
		d.cbc = cipher.NewCBCDecrypter(block, d.iv[:])
	}
	return d, nil
}

func (d *DecryptReader) Read(p []byte) (int, error) {
	for {
		if d.out.Len() > 0 {
			return d.out.Read(p)
		}
		if d.err != nil {
			return 0, d.err
		}
		if d.done {
			return 0, io.EOF
		}

		n, rerr := d.src.Read(d.in)
		if n > 0 {
			if perr := d.process(d.in[:n]); perr != nil {
				d.err = perr
				return 0, perr
			}
		}
		if rerr == io.EOF {
			if ferr := d.finalize(); ferr != nil {
				d.err = ferr
				return 0, ferr
			}
			d.done = true
			continue
		}
		if rerr != nil {
			d.err = fmt.Errorf("read ciphertext: %w", rerr)
			return 0, d.err
		}
	}
}

// Close releases the underlying source when it is closable.
func (d *DecryptReader) Close() error {
	if c, ok := d.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *DecryptReader) process(chunk []byte) error {
	d.residual = append(d.residual, chunk...)

	if d.cbc == nil {
		if len(d.residual) < BlockSize {
			return nil
		}
		copy(d.iv[:], d.residual[:BlockSize])
		d.residual = append(d.residual[:0], d.residual[BlockSize:]...)
		d.cbc = cipher.NewCBCDecrypter(d.block, d.iv[:])
	}

	full := len(d.residual) / BlockSize * BlockSize
	if full == 0 {
		return nil
	}
	plain := make([]byte, full)
	d.cbc.CryptBlocks(plain, d.residual[:full])
	d.residual = append(d.residual[:0], d.residual[full:]...)

	if d.padding {
		// Keep the most recent block back until the stream ends so the
		// padding can be stripped from the true final block.
		d.held = append(d.held, plain...)
		if cut := len(d.held) - BlockSize; cut > 0 {
			d.emit(d.held[:cut])
			d.held = append(d.held[:0], d.held[cut:]...)
		}
		return nil
	}
	d.emit(plain)
	return nil
}

func (d *DecryptReader) finalize() error {
	if d.cbc == nil {
		return fmt.Errorf("%w: no complete block received", ErrTruncated)
	}
	if !d.padding {
		return nil
	}
	if len(d.held) != BlockSize {
		return fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(d.held))
	}

	pad := int(d.held[BlockSize-1])
	if pad < 1 || pad > BlockSize {
		return ErrBadPadding
	}
	for _, b := range d.held[BlockSize-pad:] {
		if int(b) != pad {
			return ErrBadPadding
		}
	}
	d.emit(d.held[:BlockSize-pad])
	d.held = nil
	return nil
}

// emit applies the range trim before handing plaintext to the consumer.
func (d *DecryptReader) emit(p []byte) {
	if d.skip > 0 {
		if int64(len(p)) <= d.skip {
			d.skip -= int64(len(p))
			return
		}
		p = p[d.skip:]
		d.skip = 0
	}
	if d.quota == 0 {
		return
	}
	if d.quota > 0 && int64(len(p)) > d.quota {
		p = p[:d.quota]
	}
	if d.quota > 0 {
		d.quota -= int64(len(p))
	}
	d.out.Write(p)
}

// DecryptBytes decrypts a whole in-memory object. The input may carry
// the trailing 10-byte MAC; any partial trailing block is ignored.
func DecryptBytes(data []byte, keys mediakeys.Keys) ([]byte, error) {
	r, err := NewDecryptReader(bytes.NewReader(data), keys, Range{})
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
