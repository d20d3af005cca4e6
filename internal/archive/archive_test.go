package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func buildTarGz(t *testing.T, headers []*tar.Header, bodies []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for i, h := range headers {
		if err := tw.WriteHeader(h); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if bodies[i] != "" {
			if _, err := tw.Write([]byte(bodies[i])); err != nil {
				t.Fatalf("tar write: %v", err)
			}
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "plugin.zip", buildZip(t, map[string]string{
		"notes-1.0.0/lifecycle_manager.yaml": "kind: manifest\n",
		"notes-1.0.0/dist/index.js":          "console.log(1)",
	}))
	dest := filepath.Join(dir, "out")
	if err := Extract(context.Background(), p, dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	root := SingleRoot(dest)
	if filepath.Base(root) != "notes-1.0.0" {
		t.Fatalf("single root=%s", root)
	}
	b, err := os.ReadFile(filepath.Join(root, "dist", "index.js"))
	if err != nil || string(b) != "console.log(1)" {
		t.Fatalf("content=%q err=%v", b, err)
	}
}

func TestExtractZip_RejectsSlip(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "evil.zip", buildZip(t, map[string]string{"../evil.txt": "x"}))
	if err := Extract(context.Background(), p, filepath.Join(dir, "out")); err == nil {
		t.Fatalf("expected zip slip to be rejected")
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.txt")); err == nil {
		t.Fatalf("file escaped destination")
	}
}

func TestExtractTarGz_RejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	data := buildTarGz(t,
		[]*tar.Header{
			{Name: "pkg/a.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1},
			{Name: "pkg/link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"},
		},
		[]string{"a", ""},
	)
	p := writeFile(t, dir, "p.tar.gz", data)
	if err := Extract(context.Background(), p, filepath.Join(dir, "out")); err == nil {
		t.Fatalf("expected symlink entry to be rejected")
	}
}

func TestDetectFormat_MagicBytes(t *testing.T) {
	dir := t.TempDir()
	z := writeFile(t, dir, "noext1", buildZip(t, map[string]string{"a": "b"}))
	g := writeFile(t, dir, "noext2", buildTarGz(t, []*tar.Header{{Name: "a", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}}, []string{"b"}))
	o := writeFile(t, dir, "noext3", []byte("hello"))
	if DetectFormat(z) != FormatZip || DetectFormat(g) != FormatTarGz || DetectFormat(o) != FormatUnknown {
		t.Fatalf("detect: %q %q %q", DetectFormat(z), DetectFormat(g), DetectFormat(o))
	}
}

func TestDownload(t *testing.T) {
	payload := buildZip(t, map[string]string{"x.txt": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := NewDownloader(WithRetries(1, time.Millisecond, 5*time.Millisecond), WithTempDir(t.TempDir()))
	p, err := d.Download(context.Background(), srv.URL+"/plugin.zip")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer os.Remove(p)
	if filepath.Ext(p) != ".zip" {
		t.Fatalf("expected .zip suffix, got %s", p)
	}
	sum := sha256.Sum256(payload)
	if err := VerifySHA256(p, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifySHA256(p, "deadbeef"); err == nil {
		t.Fatalf("expected mismatch")
	}

	if _, err := d.Download(context.Background(), srv.URL+"/missing.zip"); !IsNotFound(err) {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if _, err := d.Download(context.Background(), "file:///etc/passwd"); err == nil {
		t.Fatalf("expected scheme rejection")
	}
}

func TestDownload_MaxSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()
	d := NewDownloader(WithMaxSize(16), WithTempDir(t.TempDir()))
	if _, err := d.Download(context.Background(), srv.URL+"/big.zip"); err == nil {
		t.Fatalf("expected size limit error")
	}
}
