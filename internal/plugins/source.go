package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"braindrive/internal/archive"
	"braindrive/internal/common/fsutil"
	"braindrive/internal/lifecycle"
	"braindrive/pkg/types"
)

// installation types recorded in installation_metadata.
const (
	sourceLocalDir     = "local_directory"
	sourceLocalArchive = "local_archive"
	sourceRemote       = "remote_archive"
	sourceShared       = "shared_storage"
)

// resolveSource turns the source into a directory holding the plugin files.
// Archives are checked against the SHA-256 when one is given. The returned
// cleanup removes any temporary files.
func (s *Service) resolveSource(ctx context.Context, source types.PluginSource) (dir, kind string, cleanup func(), err error) {
	cleanup = func() {}
	src := strings.TrimSpace(source.URL)
	sum := strings.TrimSpace(source.SHA256)
	if src == "" {
		return "", "", cleanup, failf(CodeUnavailable, "plugin files not in shared storage and no source provided")
	}

	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		archivePath, err := s.downloader.Download(ctx, src)
		if err != nil {
			return "", "", cleanup, failf(CodeUnavailable, "download plugin: %v", err)
		}
		if sum != "" {
			if err := archive.VerifySHA256(archivePath, sum); err != nil {
				os.Remove(archivePath)
				return "", "", cleanup, failf(CodeInvalid, "plugin archive: %v", err)
			}
		}
		dir, extractCleanup, err := s.extract(ctx, archivePath)
		os.Remove(archivePath)
		if err != nil {
			return "", "", cleanup, err
		}
		return dir, sourceRemote, extractCleanup, nil
	}

	local := strings.TrimPrefix(src, "file://")
	local, err = fsutil.ExpandHome(local)
	if err != nil {
		return "", "", cleanup, failf(CodeInvalid, "source path: %v", err)
	}
	fi, err := os.Stat(local)
	if err != nil {
		return "", "", cleanup, failf(CodeUnavailable, "source %s: %v", src, err)
	}
	if fi.IsDir() {
		if sum != "" {
			return "", "", cleanup, failf(CodeInvalid, "sha256 applies to archives, %s is a directory", src)
		}
		return pluginRoot(local), sourceLocalDir, cleanup, nil
	}
	if !archive.IsArchivePath(local) && archive.DetectFormat(local) == archive.FormatUnknown {
		return "", "", cleanup, failf(CodeInvalid, "source %s is neither a directory nor a supported archive", src)
	}
	if sum != "" {
		if err := archive.VerifySHA256(local, sum); err != nil {
			return "", "", cleanup, failf(CodeInvalid, "plugin archive: %v", err)
		}
	}
	dir, cleanup, err = s.extract(ctx, local)
	if err != nil {
		return "", "", func() {}, err
	}
	return dir, sourceLocalArchive, cleanup, nil
}

func (s *Service) extract(ctx context.Context, archivePath string) (string, func(), error) {
	tmp, err := os.MkdirTemp(s.storage.TempDir(), "extract-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tmp) }
	if err := archive.Extract(ctx, archivePath, tmp); err != nil {
		cleanup()
		return "", func() {}, failf(CodeInvalid, "extract plugin archive: %v", err)
	}
	return pluginRoot(tmp), cleanup, nil
}

// pluginRoot finds the directory holding the lifecycle descriptor: dir itself
// or its single top-level subdirectory.
func pluginRoot(dir string) string {
	if _, err := lifecycle.FindDescriptor(dir); err == nil {
		return dir
	}
	if inner := archive.SingleRoot(dir); inner != dir {
		if _, err := lifecycle.FindDescriptor(inner); err == nil {
			return inner
		}
	}
	return filepath.Clean(dir)
}
