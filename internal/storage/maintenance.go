package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"braindrive/internal/common/fsutil"
)

// RemoveStaleTemp deletes entries under cache/temp last modified more than
// retention ago and returns how many were removed.
func (m *Manager) RemoveStaleTemp(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := m.now().Add(-retention)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.tempDir, e.Name())); err != nil {
			m.log.Warn().Err(err).Str("op", "remove_stale_temp").Str("entry", e.Name()).Msg("remove failed")
			continue
		}
		removed++
	}
	return removed, nil
}

// RemoveEmptyDirs prunes empty shared/<slug>/v*/, shared/<slug>/ and
// users/<id>/ directories. Held under the metadata lock so it cannot race a
// registration creating a user directory.
func (m *Manager) RemoveEmptyDirs() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	slugs, err := os.ReadDir(m.sharedDir)
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	for _, s := range slugs {
		if !s.IsDir() {
			continue
		}
		slugDir := filepath.Join(m.sharedDir, s.Name())
		versions, _ := os.ReadDir(slugDir)
		for _, v := range versions {
			vd := filepath.Join(slugDir, v.Name())
			if v.IsDir() && strings.HasPrefix(v.Name(), "v") && fsutil.IsEmptyDir(vd) {
				if os.Remove(vd) == nil {
					removed++
				}
			}
		}
		if fsutil.IsEmptyDir(slugDir) && os.Remove(slugDir) == nil {
			removed++
		}
	}
	users, err := os.ReadDir(m.usersDir)
	if err != nil && !os.IsNotExist(err) {
		return removed, err
	}
	for _, u := range users {
		ud := filepath.Join(m.usersDir, u.Name())
		if u.IsDir() && fsutil.IsEmptyDir(ud) && os.Remove(ud) == nil {
			removed++
		}
	}
	return removed, nil
}
