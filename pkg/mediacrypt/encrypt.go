// Package mediacrypt implements the streaming AES-256-CBC + HMAC-SHA256
// pipelines for media objects. Encryption consumes a plaintext stream
// and produces ciphertext with a truncated MAC appended, computing the
// plaintext and ciphertext digests in the same pass. Decryption runs
// the inverse transform and supports byte-range windows where the
// previous ciphertext block serves as the IV.
package mediacrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/Fortunatusmokaya/bails/internal/source"
	"github.com/Fortunatusmokaya/bails/pkg/mediakeys"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/disk"
)

// BlockSize is the AES block size the CBC layer operates on.
const BlockSize = aes.BlockSize

// MACLength is the number of HMAC-SHA256 bytes appended to the
// ciphertext.
const MACLength = 10

// readChunkSize is the ciphertext read granularity of the decrypt
// pipeline. The encrypt pipeline reads in source.ChunkSize chunks.
const readChunkSize = 64 * 1024

var (
	ErrSizeExceeded = errors.New("mediacrypt: plaintext exceeds configured maximum length")
	ErrNoSpace      = errors.New("mediacrypt: not enough free disk space for original copy")
)

// EncryptOptions tunes a single encryption pass.
type EncryptOptions struct {
	// MaxContentLength aborts the pass once the plaintext grows past
	// this many bytes. Zero means unlimited.
	MaxContentLength int64
	// SaveOriginal tees the plaintext into a temp file whose path is
	// reported on the artifact. The file is removed on error.
	SaveOriginal bool
	// TempDir overrides the OS temp directory for the original copy.
	TempDir string
	// Sink, when set, receives the ciphertext and MAC as they are
	// produced instead of buffering them on the artifact.
	Sink io.Writer
}

// Artifact is the result of one encryption pass.
type Artifact struct {
	MediaKey      []byte
	Ciphertext    []byte // ciphertext || mac; nil when a Sink was used
	FileLength    int64
	FileSHA256    [sha256.Size]byte
	FileEncSHA256 [sha256.Size]byte
	MAC           [MACLength]byte
	BodyPath      string
}

// Encrypt generates a fresh 32-byte media key and runs one streaming
// encryption pass over src.
func Encrypt(ctx context.Context, src io.Reader, mediaType mediakeys.MediaType, opts EncryptOptions) (*Artifact, error) {
	mediaKey := make([]byte, mediakeys.MediaKeyLength)
	if _, err := rand.Read(mediaKey); err != nil {
		return nil, fmt.Errorf("generate media key: %w", err)
	}
	return EncryptWithKey(ctx, src, mediaKey, mediaType, opts)
}

// EncryptWithKey runs one streaming encryption pass over src using the
// caller's media key. The pass computes SHA-256 of the plaintext and
// of the emitted ciphertext||mac simultaneously with the cipher.
func EncryptWithKey(ctx context.Context, src io.Reader, mediaKey []byte, mediaType mediakeys.MediaType, opts EncryptOptions) (_ *Artifact, err error) {
	keys, err := mediakeys.DeriveKeys(mediaKey, mediaType)
	if err != nil {
		return nil, err
	}
	defer keys.Zero()

	block, err := aes.NewCipher(keys.CipherKey[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	cbc := cipher.NewCBCEncrypter(block, keys.IV[:])

	mac := hmac.New(sha256.New, keys.MacKey[:])
	mac.Write(keys.IV[:])
	shaPlain := sha256.New()
	shaEnc := sha256.New()

	var cipherBuf bytes.Buffer
	sink := opts.Sink
	if sink == nil {
		sink = &cipherBuf
	}

	var body *os.File
	if opts.SaveOriginal {
		body, err = createOriginalFile(opts)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				name := body.Name()
				body.Close()
				os.Remove(name)
			}
		}()
	}

	emit := func(p []byte) error {
		mac.Write(p)
		shaEnc.Write(p)
		if _, werr := sink.Write(p); werr != nil {
			return fmt.Errorf("write ciphertext: %w", werr)
		}
		return nil
	}

	var total int64
	residual := make([]byte, 0, BlockSize)
	out := make([]byte, 0, source.ChunkSize+BlockSize)
	chunks := source.NewChunker(src)

	for {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}

		chunk, rerr := chunks.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("read source: %w", rerr)
		}

		total += int64(len(chunk))
		if opts.MaxContentLength > 0 && total > opts.MaxContentLength {
			return nil, fmt.Errorf("%w (%d > %d)", ErrSizeExceeded, total, opts.MaxContentLength)
		}

		shaPlain.Write(chunk)
		if body != nil {
			if _, werr := body.Write(chunk); werr != nil {
				return nil, fmt.Errorf("write original copy: %w", werr)
			}
		}

		residual = append(residual, chunk...)
		full := len(residual) / BlockSize * BlockSize
		if full > 0 {
			out = out[:full]
			cbc.CryptBlocks(out, residual[:full])
			if eerr := emit(out); eerr != nil {
				return nil, eerr
			}
			residual = append(residual[:0], residual[full:]...)
		}
	}

	// PKCS#7 tail. An empty or block-aligned plaintext still produces a
	// full padding block.
	pad := BlockSize - len(residual)%BlockSize
	for i := 0; i < pad; i++ {
		residual = append(residual, byte(pad))
	}
	tail := make([]byte, len(residual))
	cbc.CryptBlocks(tail, residual)
	if eerr := emit(tail); eerr != nil {
		return nil, eerr
	}

	art := &Artifact{
		MediaKey:   mediaKey,
		FileLength: total,
	}
	copy(art.MAC[:], mac.Sum(nil)[:MACLength])
	shaEnc.Write(art.MAC[:])
	if _, werr := sink.Write(art.MAC[:]); werr != nil {
		return nil, fmt.Errorf("write mac: %w", werr)
	}

	sumInto(art.FileSHA256[:], shaPlain)
	sumInto(art.FileEncSHA256[:], shaEnc)
	if opts.Sink == nil {
		art.Ciphertext = cipherBuf.Bytes()
	}
	if body != nil {
		art.BodyPath = body.Name()
		if cerr := body.Close(); cerr != nil {
			os.Remove(art.BodyPath)
			return nil, fmt.Errorf("close original copy: %w", cerr)
		}
	}
	return art, nil
}

func sumInto(dst []byte, h hash.Hash) {
	copy(dst, h.Sum(nil))
}

// createOriginalFile opens the temp file the plaintext is teed into,
// refusing when the target filesystem is nearly full.
func createOriginalFile(opts EncryptOptions) (*os.File, error) {
	dir := opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}

	if usage, err := disk.Usage(dir); err == nil {
		needed := uint64(opts.MaxContentLength)
		if needed == 0 {
			needed = 16 << 20
		}
		if usage.Free < needed {
			return nil, fmt.Errorf("%w: %d bytes free in %s", ErrNoSpace, usage.Free, dir)
		}
	}

	path := filepath.Join(dir, "bails-media-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create original copy: %w", err)
	}
	return f, nil
}

// VerifyMAC recomputes the truncated HMAC over iv || ciphertext and
// compares it in constant time.
func VerifyMAC(keys mediakeys.Keys, ciphertext, macTag []byte) bool {
	h := hmac.New(sha256.New, keys.MacKey[:])
	h.Write(keys.IV[:])
	h.Write(ciphertext)
	return hmac.Equal(h.Sum(nil)[:MACLength], macTag)
}
