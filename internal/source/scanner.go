package source

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Scan walks dir and returns the files eligible for sync. Directories
// are not returned: the remote store creates parent paths implicitly on
// write. Hidden files and directories, editor droppings, and symlinks
// are always skipped; rules (if non-nil) filter the remainder.
func Scan(dir string, rules *Rules, logger *slog.Logger) ([]File, error) {
	var files []File

	err := filepath.WalkDir(dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(dir, absPath)
		if err != nil {
			return err
		}

		// Skip the root directory itself.
		if relPath == "." {
			return nil
		}

		relPath = normalizePath(relPath)

		if shouldIgnore(absPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip symlinks to prevent following links to files outside the
		// source tree or to special files (devices, FIFOs) that could
		// hang or produce unexpected data.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink during scan", slog.String("path", relPath))
			return nil
		}

		if d.IsDir() {
			return nil
		}

		if !rules.Allow(relPath) {
			logger.Debug("skipping filtered path", slog.String("path", relPath))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during scan", slog.String("path", relPath), slog.String("error", err.Error()))
			return nil
		}

		files = append(files, File{
			RelPath:  relPath,
			AbsPath:  absPath,
			Size:     info.Size(),
			MimeHint: mimeHint(relPath),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	return files, nil
}

// ScanPaths stats the given relative paths under dir, returning files
// that currently exist and pass the rules. Used by watch mode to build
// an incremental job from dirty paths.
func ScanPaths(dir string, relPaths []string, rules *Rules, logger *slog.Logger) []File {
	var files []File

	for _, relPath := range relPaths {
		relPath = normalizePath(relPath)

		absPath := filepath.Join(dir, filepath.FromSlash(relPath))
		if shouldIgnore(absPath) || !rules.Allow(relPath) {
			continue
		}

		info, err := os.Lstat(absPath)
		if err != nil {
			// Deleted between the event and the scan, or never existed.
			logger.Debug("skipping unreadable path", slog.String("path", relPath))
			continue
		}

		if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		files = append(files, File{
			RelPath:  relPath,
			AbsPath:  absPath,
			Size:     info.Size(),
			MimeHint: mimeHint(relPath),
		})
	}

	return files
}

// shouldIgnore applies the built-in ignores that no rules file can
// override: hidden files and directories, dependency trees, and editor
// temp files.
func shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	return base == "node_modules"
}
