package engine

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexjbarnes/hub-sync/internal/source"
)

var (
	// chunkWindow bounds how many raw bytes are resident during a
	// chunked read. Must be a multiple of 3: each chunk's base64
	// encoding then carries no padding, so the concatenation of
	// independently encoded chunks decodes back to the original bytes.
	chunkWindow = int64(9 * 1024 * 1024)

	// singlePassThreshold is the size above which a file is always read
	// in chunks and base64-encoded, regardless of classification.
	singlePassThreshold = int64(48 * 1024 * 1024)
)

// Encoding tags how a payload's content string represents the file bytes.
type Encoding string

const (
	EncodingText   Encoding = "text"
	EncodingBase64 Encoding = "base64"
)

// Payload is the encoded content of one file, ready for transport.
// Owned exclusively by the pipeline stage processing that file.
type Payload struct {
	Path     string
	Content  string
	Encoding Encoding

	// BlobSHA is the git blob hash of the raw bytes,
	// sha1("blob <len>\0" || bytes), computed while streaming. It
	// matches the content hash the remote store reports for the same
	// bytes, enabling skip-unchanged comparison without a second read.
	BlobSHA string
}

// ReadError tags a failed chunk read with the file path and chunk
// offset. Chunks are never silently skipped.
type ReadError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// readPayload reads and encodes a file without materializing more than
// chunkWindow raw bytes at once. Binary files (and any file above
// singlePassThreshold) are base64-encoded chunk by chunk; small text
// files are read in one pass and carried as UTF-8. Control yields
// between chunks so cancellation is observed promptly on large files.
func readPayload(ctx context.Context, f source.File, isBinary bool) (*Payload, error) {
	hash := sha1.New()
	fmt.Fprintf(hash, "blob %d\x00", f.Size)

	if !isBinary && f.Size <= singlePassThreshold {
		data, err := f.ReadChunk(0, int(f.Size))
		if err != nil {
			return nil, &ReadError{Path: f.RelPath, Offset: 0, Err: err}
		}

		if int64(len(data)) != f.Size {
			return nil, &ReadError{Path: f.RelPath, Offset: 0, Err: fmt.Errorf("file changed during read: got %d bytes, want %d", len(data), f.Size)}
		}

		hash.Write(data)

		return &Payload{
			Path:     f.RelPath,
			Content:  string(data),
			Encoding: EncodingText,
			BlobSHA:  hex.EncodeToString(hash.Sum(nil)),
		}, nil
	}

	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(int(f.Size)))

	for offset := int64(0); offset < f.Size; offset += chunkWindow {
		// Cancellation is cooperative and checked between chunks; an
		// in-flight chunk read always completes or fails first.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		want := int(chunkWindow)
		if remaining := f.Size - offset; remaining < chunkWindow {
			want = int(remaining)
		}

		chunk, err := f.ReadChunk(offset, want)
		if err != nil {
			return nil, &ReadError{Path: f.RelPath, Offset: offset, Err: err}
		}

		if len(chunk) != want {
			return nil, &ReadError{Path: f.RelPath, Offset: offset, Err: fmt.Errorf("file changed during read: got %d bytes, want %d", len(chunk), want)}
		}

		hash.Write(chunk)
		sb.WriteString(base64.StdEncoding.EncodeToString(chunk))
	}

	return &Payload{
		Path:     f.RelPath,
		Content:  sb.String(),
		Encoding: EncodingBase64,
		BlobSHA:  hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// wireContent returns the payload content as the store expects it:
// base64 always. Text payloads are encoded here, at the transport
// boundary, so the rest of the pipeline sees readable content.
func wireContent(p *Payload) string {
	if p.Encoding == EncodingBase64 {
		return p.Content
	}

	return base64.StdEncoding.EncodeToString([]byte(p.Content))
}
