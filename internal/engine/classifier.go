package engine

import (
	"path/filepath"
	"strings"

	"github.com/alexjbarnes/hub-sync/internal/source"
)

// classifySampleSize is how many leading bytes are sampled when the
// extension and MIME hint are inconclusive.
const classifySampleSize = 1024

// binaryExtensions marks common binary types (images, archives,
// executables, fonts, media) as binary outright, without sampling.
var binaryExtensions = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "webp": {}, "ico": {}, "bmp": {}, "tiff": {},
	"zip": {}, "gz": {}, "tgz": {}, "bz2": {}, "xz": {}, "7z": {}, "rar": {}, "tar": {},
	"exe": {}, "dll": {}, "so": {}, "dylib": {}, "bin": {}, "wasm": {}, "class": {}, "jar": {},
	"woff": {}, "woff2": {}, "ttf": {}, "otf": {}, "eot": {},
	"mp3": {}, "mp4": {}, "m4a": {}, "mov": {}, "avi": {}, "mkv": {}, "webm": {}, "ogg": {}, "wav": {}, "flac": {},
	"pdf": {}, "sqlite": {}, "db": {},
}

var binaryMIMEPrefixes = []string{"image/", "audio/", "video/", "font/"}

var binaryMIMETypes = map[string]struct{}{
	"application/zip":          {},
	"application/gzip":         {},
	"application/pdf":          {},
	"application/octet-stream": {},
	"application/wasm":         {},
}

// classify decides whether a file gets base64-safe binary handling or
// text handling. Extension and MIME hint matches short-circuit; the
// remainder sample the first 1 KiB and classify as text only when every
// byte is ASCII with no NUL. Deterministic for a given byte sample and
// free of side effects. A sample read failure is never fatal: the file
// defaults to binary-safe handling and the real read reports the error.
func classify(f source.File) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.RelPath), "."))
	if _, ok := binaryExtensions[ext]; ok {
		return true
	}

	if isBinaryMIME(f.MimeHint) {
		return true
	}

	sample, err := f.ReadChunk(0, classifySampleSize)
	if err != nil {
		return true
	}

	for _, b := range sample {
		if b == 0x00 || b > 0x7F {
			return true
		}
	}

	return false
}

func isBinaryMIME(hint string) bool {
	if hint == "" {
		return false
	}

	// Strip parameters like "; charset=utf-8".
	if idx := strings.Index(hint, ";"); idx >= 0 {
		hint = hint[:idx]
	}

	hint = strings.TrimSpace(hint)

	for _, prefix := range binaryMIMEPrefixes {
		if strings.HasPrefix(hint, prefix) {
			return true
		}
	}

	_, ok := binaryMIMETypes[hint]

	return ok
}
