package config

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadEnv_ParsesDotenv(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, ".env", "# comment\nOPENAI_API_KEY=sk-123\nexport DB_URL=postgres://x\nEMPTY=\nQUOTED=\"hello world\"\n")
	env, err := LoadEnv(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, ok := env.Lookup("OPENAI_API_KEY"); !ok || v != "sk-123" {
		t.Fatalf("OPENAI_API_KEY=%q ok=%v", v, ok)
	}
	if v, _ := env.Lookup("DB_URL"); v != "postgres://x" {
		t.Fatalf("export prefix not handled: %q", v)
	}
	if v, _ := env.Lookup("QUOTED"); v != "hello world" {
		t.Fatalf("quotes not stripped: %q", v)
	}
	missing := env.Missing([]string{"OPENAI_API_KEY", "EMPTY", "NOT_THERE"})
	if !reflect.DeepEqual(missing, []string{"EMPTY", "NOT_THERE"}) {
		t.Fatalf("missing=%v", missing)
	}
	sub := env.Subset([]string{"DB_URL", "NOT_THERE"})
	if len(sub) != 1 || sub["DB_URL"] != "postgres://x" {
		t.Fatalf("subset=%v", sub)
	}
}

func TestLoadEnv_MissingFileIsEmpty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nope.env")
	env, err := LoadEnv(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if env.Path() != p {
		t.Fatalf("path=%s", env.Path())
	}
	if got := env.Missing([]string{"A"}); len(got) != 1 {
		t.Fatalf("expected A missing, got %v", got)
	}
}
