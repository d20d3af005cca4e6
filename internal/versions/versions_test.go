package versions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"braindrive/internal/storage"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.10.0", -1},
		{"1.10.0", "1.2.0", 1},
		{"1.2.0-beta", "1.2.0", -1},
		{"v1.2.0", "1.2.0", 0},
		{"2.0.0", "10.0.0", -1},
		{"1.0.0.1", "1.0.0.2", -1},
		{"1.0.0", "1.0.0.1", -1},
		{"1.0.a", "1.0.1", 1},
		{"1.0.alpha", "1.0.beta", -1},
		{"2024.10", "2024.9", 1},
		{"1.2", "1.2.0", 0},
		{"1.2.0.1", "1.2.0-beta", 1},
		{"1.2.0-alpha.2", "1.2.0-alpha.10", -1},
		{"1.2.0-rc.1", "1.2.0-beta", 1},
		{"1.2.0+build.5", "1.2.0", 0},
	}
	for _, c := range cases {
		require.Equalf(t, c.want, Compare(c.a, c.b), "Compare(%q, %q)", c.a, c.b)
	}
}

func TestCompareIsTotalOrder(t *testing.T) {
	vs := []string{
		"1.2.0-beta", "1.2.0", "1.2.0.1", "1.2", "v1.2.0-rc.1", "1.2.0-01",
		"1.10.0", "1.2.a", "2.0.0-alpha", "2.0", "0.9.9.9", "1.2.0-beta.2",
	}
	for _, a := range vs {
		for _, b := range vs {
			require.Equalf(t, -Compare(b, a), Compare(a, b), "antisymmetry %q %q", a, b)
			for _, c := range vs {
				if Compare(a, b) <= 0 && Compare(b, c) <= 0 {
					require.LessOrEqualf(t, Compare(a, c), 0, "%q <= %q <= %q", a, b, c)
				}
			}
		}
	}
}

func TestSatisfies(t *testing.T) {
	cases := []struct {
		version, req string
		want         bool
	}{
		{"1.2.0", ">=1.0.0", true},
		{"0.9.0", ">=1.0.0", false},
		{"1.0.0", ">1.0.0", false},
		{"1.0.0", "<=1.0.0", true},
		{"1.9.9", "<2.0.0", true},
		{"1.2.9", "~1.2.3", true},
		{"1.3.0", "~1.2.3", false},
		{"1.2.2", "~1.2.3", false},
		{"1.9.0", "^1.2.0", true},
		{"2.0.0", "^1.2.0", false},
		{"1.2.0", "1.2.0", true},
		{"1.2.0", "=1.2.1", false},
		{"1.5.0", ">=1.0.0, <2.0.0", true},
		{"2.5.0", ">= 1.0.0 < 2.0.0", false},
		{"3.0.0", "*", true},
		{"", ">=1.0.0", false},
	}
	for _, c := range cases {
		require.Equalf(t, c.want, Satisfies(c.version, c.req), "Satisfies(%q, %q)", c.version, c.req)
	}
}

func newTestManager(t *testing.T) (*Manager, *storage.Manager) {
	t.Helper()
	st, err := storage.New(t.TempDir(), storage.WithGracePeriod(0))
	require.NoError(t, err)
	return New(st, zerolog.Nop()), st
}

func TestRegisterOrderingAndPersistence(t *testing.T) {
	m, st := newTestManager(t)
	m.RegisterVersion("notes", "1.10.0", Metadata{})
	m.RegisterVersion("notes", "1.2.0", Metadata{})
	m.RegisterVersion("notes", "1.2.0-beta", Metadata{})
	require.Equal(t, []string{"1.2.0-beta", "1.2.0", "1.10.0"}, m.AvailableVersions("notes"))
	latest, ok := m.LatestVersion("notes")
	require.True(t, ok)
	require.Equal(t, "1.10.0", latest)

	reloaded := New(st, zerolog.Nop())
	require.Equal(t, m.AvailableVersions("notes"), reloaded.AvailableVersions("notes"))

	m.UnregisterVersion("notes", "9.9.9")
	m.UnregisterVersion("notes", "1.2.0")
	require.Equal(t, []string{"1.2.0-beta", "1.10.0"}, m.AvailableVersions("notes"))
}

func TestCorruptCacheStartsEmpty(t *testing.T) {
	st, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(st.CacheDir(), cacheFile), []byte("{"), 0o644))
	m := New(st, zerolog.Nop())
	require.Empty(t, m.AvailableVersions("x"))
}

func TestCheckCompatibility(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterVersion("chat", "2.0.0", Metadata{
		Dependencies:  map[string]string{"core": ">=1.2.0"},
		Compatibility: map[string]bool{"legacy-chat": false, "notes": true},
	})

	require.True(t, m.CheckCompatibility("chat", "2.0.0", map[string]string{"core": "1.3.0", "notes": "1.0.0"}))
	require.False(t, m.CheckCompatibility("chat", "2.0.0", map[string]string{"core": "1.1.0"}))
	require.False(t, m.CheckCompatibility("chat", "2.0.0", map[string]string{}))

	err := m.Explain("chat", "2.0.0", map[string]string{"core": "1.3.0", "legacy-chat": "0.1.0"})
	require.Error(t, err)
	require.True(t, IsIncompatible(err))
	require.Contains(t, err.Error(), "legacy-chat")

	// unregistered versions declare nothing
	require.True(t, m.CheckCompatibility("other", "1.0.0", nil))
}

func TestUpdateCandidatesAndSweep(t *testing.T) {
	m, st := newTestManager(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644))
	p1, err := st.InstallPluginFiles("notes", "1.0.0", src)
	require.NoError(t, err)
	_, err = st.InstallPluginFiles("notes", "1.1.0", src)
	require.NoError(t, err)
	_, err = st.InstallPluginFiles("orphan", "0.1.0", src)
	require.NoError(t, err)

	require.Equal(t, 3, m.Discover(func(id storage.VersionID, _ string) Metadata {
		if id.Slug == "notes" {
			return Metadata{Dependencies: map[string]string{"core": ">=1"}}
		}
		return Metadata{}
	}))
	rec, ok := m.Record("notes", "1.1.0")
	require.True(t, ok)
	require.Equal(t, ">=1", rec.Dependencies["core"])
	require.Equal(t, st.SharedPath("notes", "1.1.0"), rec.SharedPath)
	require.Equal(t, 0, m.Discover(nil))

	require.True(t, st.RegisterUserPlugin("u1", "notes", "1.0.0", p1, storage.Registration{Enabled: true}))
	require.Equal(t, map[string]string{"notes": "1.1.0"}, m.UpdateCandidates("u1"))

	removed := m.CleanupUnusedVersions()
	require.Len(t, removed, 2)
	require.Equal(t, []string{"1.0.0"}, m.AvailableVersions("notes"))
	require.Empty(t, m.AvailableVersions("orphan"))
	require.Empty(t, m.UpdateCandidates("u1"))
}
