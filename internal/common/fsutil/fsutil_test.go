package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
	// raw path unaffected
	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// empty path
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	p, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p != home {
		t.Fatalf("expected %q, got %q", home, p)
	}
	exp, err := ExpandHome("~/plugins")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if exp != filepath.Join(home, "plugins") {
		t.Fatalf("unexpected expanded path: %q", exp)
	}
}

func TestWithin(t *testing.T) {
	cases := []struct {
		root, target string
		want         bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/b/c", true},
		{"/a/b", "/a/b/../c", false},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/a", false},
		{"/a/b", "/a/b/..x", true},
	}
	for _, c := range cases {
		if got := Within(c.root, c.target); got != c.want {
			t.Fatalf("Within(%q,%q)=%v want %v", c.root, c.target, got, c.want)
		}
	}
}

func TestResolveWithin_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p, ok := ResolveWithin(root, "index.js"); !ok || p != filepath.Join(root, "index.js") {
		t.Fatalf("expected index.js to resolve, got %q ok=%v", p, ok)
	}
	for _, rel := range []string{"../../etc/passwd", "/etc/passwd", "", "a/../../x", "missing.js"} {
		if _, ok := ResolveWithin(root, rel); ok {
			t.Fatalf("expected %q rejected", rel)
		}
	}
}

func TestResolveWithin_RejectsEscapingSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret")
	if err := os.WriteFile(secret, []byte("s"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, ok := ResolveWithin(root, "link"); ok {
		t.Fatalf("symlink escaping root must be rejected")
	}
}

func TestWriteFileAtomicAndCopyDir(t *testing.T) {
	src := t.TempDir()
	if err := WriteFileAtomic(filepath.Join(src, "nested", "a.json"), []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("atomic write: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(src, "nested"))
	if len(entries) != 1 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
	dst := filepath.Join(t.TempDir(), "copy")
	if err := CopyDir(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dst, "nested", "a.json"))
	if err != nil || string(b) != `{"a":1}` {
		t.Fatalf("copied content=%q err=%v", string(b), err)
	}
	if !IsDir(dst) || IsEmptyDir(dst) {
		t.Fatalf("expected populated dst dir")
	}
}
