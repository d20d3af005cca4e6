package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxFileSize         = 500 * 1024 * 1024      // per extracted file
	maxTotalExtractSize = 2 * 1024 * 1024 * 1024 // cumulative
	maxFileCount        = 10000
)

// Format identifies a supported archive encoding.
type Format string

const (
	FormatUnknown Format = ""
	FormatZip     Format = "zip"
	FormatTarGz   Format = "tar.gz"
)

// IsArchivePath reports whether the file name carries a supported extension.
func IsArchivePath(p string) bool {
	lower := strings.ToLower(p)
	return strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz")
}

// DetectFormat sniffs the archive type, first by extension then by magic bytes.
func DetectFormat(path string) Format {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	}
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown
	}
	defer f.Close()
	header := make([]byte, 4)
	n, err := f.Read(header)
	if err != nil || n < 2 {
		return FormatUnknown
	}
	switch {
	case header[0] == 0x50 && header[1] == 0x4B: // PK
		return FormatZip
	case header[0] == 0x1F && header[1] == 0x8B:
		return FormatTarGz
	}
	return FormatUnknown
}

// Extract unpacks archivePath into destDir. Entries that escape destDir,
// symlinks and hard links are rejected.
func Extract(ctx context.Context, archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	switch DetectFormat(archivePath) {
	case FormatZip:
		return extractZip(ctx, archivePath, destDir)
	case FormatTarGz:
		return extractTarGz(ctx, archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}
}

func safeTarget(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid path in archive: %s", name)
	}
	return target, nil
}

// writeEntry copies one entry to target and returns the bytes written.
func writeEntry(target string, r io.Reader, mode fs.FileMode, name string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode&0o777|0o600)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(out, io.LimitReader(r, maxFileSize+1))
	closeErr := out.Close()
	if copyErr != nil {
		return written, copyErr
	}
	if closeErr != nil {
		return written, fmt.Errorf("close extracted file %s: %w", name, closeErr)
	}
	if written > maxFileSize {
		return written, fmt.Errorf("file %s exceeds maximum size (%d bytes)", name, maxFileSize)
	}
	return written, nil
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	var total int64
	for i, f := range r.File {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		if i >= maxFileCount {
			return fmt.Errorf("archive contains too many files (max %d)", maxFileCount)
		}
		if f.FileInfo().Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive contains symlink (not allowed): %s", f.Name)
		}
		target, err := safeTarget(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", f.Name, err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		n, err := writeEntry(target, rc, f.Mode(), f.Name)
		rc.Close()
		if err != nil {
			return err
		}
		if total += n; total > maxTotalExtractSize {
			return fmt.Errorf("archive exceeds total extraction limit (%d bytes)", maxTotalExtractSize)
		}
	}
	return nil
}

func extractTarGz(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	for count := 0; ; count++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if count >= maxFileCount {
			return fmt.Errorf("archive contains too many files (max %d)", maxFileCount)
		}
		if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
			return fmt.Errorf("archive contains link entry (not allowed): %s", header.Name)
		}
		// GitHub tarballs carry a pax_global_header entry
		if header.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		target, err := safeTarget(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			n, err := writeEntry(target, tr, fs.FileMode(header.Mode), header.Name)
			if err != nil {
				return err
			}
			if total += n; total > maxTotalExtractSize {
				return fmt.Errorf("archive exceeds total extraction limit (%d bytes)", maxTotalExtractSize)
			}
		}
	}
}

// SingleRoot returns the only subdirectory of dir when dir holds exactly one
// entry and it is a directory (the usual layout of release archives).
// Otherwise dir itself is returned.
func SingleRoot(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, entries[0].Name())
}
