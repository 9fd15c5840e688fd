package engine

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gitBlobSHA computes the reference blob hash for a byte slice, the
// same value the store reports for identical content.
func gitBlobSHA(data []byte) string {
	hash := sha1.New()
	fmt.Fprintf(hash, "blob %d\x00", len(data))
	hash.Write(data)

	return hex.EncodeToString(hash.Sum(nil))
}

// shrinkWindows lowers the chunking thresholds so multi-chunk paths are
// exercised with small fixtures. The window stays a multiple of 3 to
// preserve padding-free per-chunk base64.
func shrinkWindows(t *testing.T, window, threshold int64) {
	t.Helper()

	origWindow, origThreshold := chunkWindow, singlePassThreshold
	chunkWindow, singlePassThreshold = window, threshold
	t.Cleanup(func() {
		chunkWindow, singlePassThreshold = origWindow, origThreshold
	})
}

// --- readPayload: single-pass text ---

func TestReadPayload_SmallTextSinglePass(t *testing.T) {
	content := []byte("# notes\n\nplain markdown body\n")
	f := newSourceFile(t, "docs/notes.md", content)

	payload, err := readPayload(t.Context(), f, false)
	require.NoError(t, err)

	assert.Equal(t, "docs/notes.md", payload.Path)
	assert.Equal(t, EncodingText, payload.Encoding)
	assert.Equal(t, string(content), payload.Content)
	assert.Equal(t, gitBlobSHA(content), payload.BlobSHA)
}

func TestReadPayload_EmptyFile(t *testing.T) {
	f := newSourceFile(t, "empty.txt", nil)

	payload, err := readPayload(t.Context(), f, false)
	require.NoError(t, err)

	assert.Equal(t, EncodingText, payload.Encoding)
	assert.Empty(t, payload.Content)
	assert.Equal(t, gitBlobSHA(nil), payload.BlobSHA)
}

// --- readPayload: chunked base64 ---

func TestReadPayload_BinaryMultiChunkRoundTrip(t *testing.T) {
	shrinkWindows(t, 6, 48)

	// 20 bytes across a 6-byte window: three full chunks plus a short
	// final chunk. Includes NUL and high bytes.
	content := []byte{0x00, 0x01, 0xFF, 'a', 'b', 'c', 0x7F, 0x80, 0x90, 'd', 'e', 'f', 1, 2, 3, 4, 5, 6, 7, 8}
	f := newSourceFile(t, "data.bin", content)

	payload, err := readPayload(t.Context(), f, true)
	require.NoError(t, err)

	assert.Equal(t, EncodingBase64, payload.Encoding)
	assert.Equal(t, gitBlobSHA(content), payload.BlobSHA)

	decoded, err := base64.StdEncoding.DecodeString(payload.Content)
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
}

func TestReadPayload_ChunkSizeExactMultiple(t *testing.T) {
	shrinkWindows(t, 6, 48)

	content := []byte("exactly twelve")[:12]
	f := newSourceFile(t, "even.bin", content)

	payload, err := readPayload(t.Context(), f, true)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(payload.Content)
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
}

func TestReadPayload_LargeTextForcedToBase64(t *testing.T) {
	// Above the single-pass threshold even text files take the chunked
	// base64 path.
	shrinkWindows(t, 6, 10)

	content := []byte("plain ascii text longer than the threshold")
	f := newSourceFile(t, "big.txt", content)

	payload, err := readPayload(t.Context(), f, false)
	require.NoError(t, err)

	assert.Equal(t, EncodingBase64, payload.Encoding)

	decoded, err := base64.StdEncoding.DecodeString(payload.Content)
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
}

// --- readPayload: failures ---

func TestReadPayload_ReadErrorCarriesPathAndOffset(t *testing.T) {
	f := newSourceFile(t, "gone.bin", []byte("0123456789"))
	require.NoError(t, os.Remove(f.AbsPath))

	_, err := readPayload(t.Context(), f, true)
	require.Error(t, err)

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, "gone.bin", readErr.Path)
	assert.Equal(t, int64(0), readErr.Offset)
}

func TestReadPayload_TruncatedDuringRead(t *testing.T) {
	f := newSourceFile(t, "shrunk.txt", []byte("full content here"))
	// Scan recorded a larger size than the file now has.
	f.Size += 100

	_, err := readPayload(t.Context(), f, false)

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Contains(t, readErr.Error(), "file changed during read")
}

func TestReadPayload_CancelledBetweenChunks(t *testing.T) {
	shrinkWindows(t, 6, 48)

	f := newSourceFile(t, "data.bin", []byte("0123456789abcdef"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := readPayload(ctx, f, true)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- wireContent ---

func TestWireContent_TextEncodedAtBoundary(t *testing.T) {
	p := &Payload{Content: "hello", Encoding: EncodingText}

	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), wireContent(p))
}

func TestWireContent_Base64PassesThrough(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{0x00, 0xFF})
	p := &Payload{Content: encoded, Encoding: EncodingBase64}

	assert.Equal(t, encoded, wireContent(p))
}
