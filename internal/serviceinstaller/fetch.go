package serviceinstaller

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"braindrive/internal/archive"
	"braindrive/internal/common/fsutil"
)

// fallbackBranches are tried, in order, after the declared branch.
var fallbackBranches = []string{"main", "master"}

// githubArchiveBase prefixes branch archive URLs.
var githubArchiveBase = "https://github.com"

// archiveCandidates lists the URLs to try for a source. GitHub repository
// URLs expand to branch archives; anything else is used as is.
func archiveCandidates(sourceURL, branch string) []string {
	u, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || !strings.EqualFold(u.Host, "github.com") || archive.IsArchivePath(u.Path) {
		return []string{sourceURL}
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return []string{sourceURL}
	}
	repo := strings.TrimSuffix(parts[1], ".git")
	if len(parts) >= 4 && parts[2] == "tree" && branch == "" {
		branch = strings.Join(parts[3:], "/")
	}
	seen := map[string]bool{}
	var out []string
	for _, b := range append([]string{branch}, fallbackBranches...) {
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, fmt.Sprintf("%s/%s/%s/archive/refs/heads/%s.zip", githubArchiveBase, parts[0], repo, b))
	}
	return out
}

// fetch populates dir with the service source. A populated dir is reused.
func (in *Installer) fetch(ctx context.Context, dir, sourceURL, branch string) (reused bool, err error) {
	if fsutil.IsDir(dir) && !fsutil.IsEmptyDir(dir) {
		return true, nil
	}
	if sourceURL == "" {
		return false, fmt.Errorf("service has no source_url and %s is empty", dir)
	}
	if fsutil.IsDir(sourceURL) {
		if err := fsutil.CopyDir(sourceURL, dir); err != nil {
			return false, fmt.Errorf("copy service source: %w", err)
		}
		return false, nil
	}

	var lastErr error
	for _, candidate := range archiveCandidates(sourceURL, branch) {
		path, err := in.downloader.Download(ctx, candidate)
		if err != nil {
			lastErr = err
			if archive.IsNotFound(err) {
				in.log.Debug().Str("op", "fetch").Str("url", candidate).Msg("not found; trying next branch")
				continue
			}
			return false, err
		}
		err = in.unpack(ctx, path, dir)
		os.Remove(path)
		if err != nil {
			return false, err
		}
		in.log.Info().Str("op", "fetch").Str("url", candidate).Str("dir", dir).Msg("service source fetched")
		return false, nil
	}
	return false, fmt.Errorf("fetch %s: %w", sourceURL, lastErr)
}

// unpack extracts into a sibling staging dir and renames the archive root into place.
func (in *Installer) unpack(ctx context.Context, archivePath, dir string) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, ".staging-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	if err := archive.Extract(ctx, archivePath, staging); err != nil {
		return fmt.Errorf("extract service source: %w", err)
	}
	// an empty placeholder dir may exist from an earlier failed attempt
	if fsutil.IsEmptyDir(dir) {
		_ = os.Remove(dir)
	}
	return os.Rename(archive.SingleRoot(staging), dir)
}
