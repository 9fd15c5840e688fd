// Package source supplies the local file set for a sync run: scanning a
// directory into relative-path file handles and reading file bytes in
// bounded chunks so large files never need to be resident in memory.
package source

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// File identifies one local file by its slash-separated, case-sensitive
// path relative to the scanned root. Immutable once reading begins.
type File struct {
	// RelPath is the NFC-normalized relative path used as the remote
	// resource path.
	RelPath string

	// AbsPath locates the file on disk.
	AbsPath string

	// Size is the byte length recorded at scan time.
	Size int64

	// MimeHint is the declared MIME type derived from the file
	// extension. Advisory only; classification samples real bytes.
	MimeHint string
}

// ReadChunk reads up to length bytes starting at offset. The final chunk
// of a file may be shorter than requested; a read past the end returns
// an empty slice. The file handle is not held between calls, so a sync
// run never keeps more than one descriptor open.
func (f *File) ReadChunk(offset int64, length int) ([]byte, error) {
	fh, err := os.Open(f.AbsPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.RelPath, err)
	}
	defer fh.Close()

	buf := make([]byte, length)

	n, err := fh.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading %s at offset %d: %w", f.RelPath, offset, err)
	}

	return buf[:n], nil
}

// normalizePath converts a path to slash-separated NFC form. macOS
// reports NFD filenames; the remote store treats paths as opaque byte
// strings, so both sides must agree on one normal form.
func normalizePath(path string) string {
	return norm.NFC.String(filepath.ToSlash(path))
}

// mimeHint returns the MIME type implied by the file extension, or
// empty when unknown.
func mimeHint(path string) string {
	return mime.TypeByExtension(filepath.Ext(path))
}
