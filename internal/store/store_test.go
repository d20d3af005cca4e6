package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPluginRowsCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	db := s.DB()

	if err := InsertPlugin(ctx, db, PluginRow{UserID: "u1", Slug: "notes", Name: "Notes", Version: "1.0.0", Enabled: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := InsertPlugin(ctx, db, PluginRow{UserID: "u1", Slug: "notes", Version: "1.0.0"}); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}
	for _, name := range []string{"editor", "viewer"} {
		if err := InsertModule(ctx, db, ModuleRow{UserID: "u1", PluginSlug: "notes", Name: name, Enabled: true}); err != nil {
			t.Fatalf("insert module: %v", err)
		}
	}
	row, err := GetPlugin(ctx, db, "u1", "notes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.ID != "u1_notes" || !row.Enabled || row.Version != "1.0.0" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if n, _ := CountModules(ctx, db, "u1", "notes"); n != 2 {
		t.Fatalf("modules=%d", n)
	}
	if err := UpdatePluginVersion(ctx, db, "u1", "notes", "1.1.0"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := UpdatePluginVersion(ctx, db, "u2", "notes", "1.1.0"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := SetPluginEnabled(ctx, db, "u1", "notes", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	rows, err := ListPlugins(ctx, db, "")
	if err != nil || len(rows) != 1 || rows[0].Version != "1.1.0" || rows[0].Enabled {
		t.Fatalf("list rows=%+v err=%v", rows, err)
	}
	if n, err := DeletePlugin(ctx, db, "u1", "notes"); err != nil || n != 1 {
		t.Fatalf("delete n=%d err=%v", n, err)
	}
	if n, _ := CountModules(ctx, db, "u1", "notes"); n != 0 {
		t.Fatalf("modules left after delete: %d", n)
	}
	if _, err := GetPlugin(ctx, db, "u1", "notes"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := InsertPlugin(ctx, tx, PluginRow{UserID: "u1", Slug: "p", Version: "1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := GetPlugin(ctx, s.DB(), "u1", "p"); !IsNotFound(err) {
		t.Fatalf("row should have been rolled back: %v", err)
	}
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return InsertPlugin(ctx, tx, PluginRow{UserID: "u1", Slug: "p", Version: "1"})
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := GetPlugin(ctx, s.DB(), "u1", "p"); err != nil {
		t.Fatalf("row should be committed: %v", err)
	}
}
