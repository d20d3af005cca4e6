package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PluginRow is one user's installed plugin as recorded in the database.
type PluginRow struct {
	ID          string
	UserID      string
	Slug        string
	Name        string
	Version     string
	Description string
	PluginType  string
	Enabled     bool
	SourceURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ModuleRow is a module exposed by an installed plugin.
type ModuleRow struct {
	ID          string
	UserID      string
	PluginSlug  string
	Name        string
	DisplayName string
	Description string
	Enabled     bool
	CreatedAt   time.Time
}

// PluginID is the deterministic primary key for a user's plugin row.
func PluginID(userID, slug string) string { return userID + "_" + slug }

// ModuleID is the deterministic primary key for a module row.
func ModuleID(userID, slug, name string) string { return userID + "_" + slug + "_" + name }

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// InsertPlugin inserts a plugin row. A duplicate (user, slug) is an error.
func InsertPlugin(ctx context.Context, s Session, row PluginRow) error {
	if row.UserID == "" || row.Slug == "" {
		return errors.New("store: plugin row requires user id and slug")
	}
	if row.ID == "" {
		row.ID = PluginID(row.UserID, row.Slug)
	}
	if row.PluginType == "" {
		row.PluginType = "frontend"
	}
	now := formatTime(row.CreatedAt)
	_, err := s.ExecContext(ctx, `INSERT INTO plugins
		(id, user_id, slug, name, version, description, plugin_type, enabled, source_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.Slug, row.Name, row.Version, row.Description, row.PluginType,
		boolToInt(row.Enabled), row.SourceURL, now, now)
	if err != nil {
		return fmt.Errorf("store: insert plugin %s/%s: %w", row.UserID, row.Slug, err)
	}
	return nil
}

// UpdatePluginVersion moves an existing plugin row to a new version.
func UpdatePluginVersion(ctx context.Context, s Session, userID, slug, version string) error {
	res, err := s.ExecContext(ctx, `UPDATE plugins SET version = ?, updated_at = ? WHERE user_id = ? AND slug = ?`,
		version, formatTime(time.Now()), userID, slug)
	if err != nil {
		return fmt.Errorf("store: update plugin version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "plugin", Key: PluginID(userID, slug)}
	}
	return nil
}

// SetPluginEnabled toggles the enabled flag.
func SetPluginEnabled(ctx context.Context, s Session, userID, slug string, enabled bool) error {
	res, err := s.ExecContext(ctx, `UPDATE plugins SET enabled = ?, updated_at = ? WHERE user_id = ? AND slug = ?`,
		boolToInt(enabled), formatTime(time.Now()), userID, slug)
	if err != nil {
		return fmt.Errorf("store: set plugin enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "plugin", Key: PluginID(userID, slug)}
	}
	return nil
}

// DeletePlugin removes the plugin row and its modules. It reports how many
// plugin rows were removed.
func DeletePlugin(ctx context.Context, s Session, userID, slug string) (int64, error) {
	if _, err := DeleteModules(ctx, s, userID, slug); err != nil {
		return 0, err
	}
	res, err := s.ExecContext(ctx, `DELETE FROM plugins WHERE user_id = ? AND slug = ?`, userID, slug)
	if err != nil {
		return 0, fmt.Errorf("store: delete plugin: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const pluginColumns = `id, user_id, slug, name, version, description, plugin_type, enabled, source_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(sc rowScanner) (PluginRow, error) {
	var (
		row              PluginRow
		enabled          int
		created, updated string
	)
	if err := sc.Scan(&row.ID, &row.UserID, &row.Slug, &row.Name, &row.Version, &row.Description,
		&row.PluginType, &enabled, &row.SourceURL, &created, &updated); err != nil {
		return row, err
	}
	row.Enabled = enabled != 0
	row.CreatedAt = parseTime(created)
	row.UpdatedAt = parseTime(updated)
	return row, nil
}

// GetPlugin loads a single plugin row.
func GetPlugin(ctx context.Context, s Session, userID, slug string) (PluginRow, error) {
	row, err := scanPlugin(s.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE user_id = ? AND slug = ?`, userID, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return row, NotFoundError{Entity: "plugin", Key: PluginID(userID, slug)}
	}
	if err != nil {
		return row, fmt.Errorf("store: get plugin: %w", err)
	}
	return row, nil
}

// ListPlugins returns plugin rows for userID, or for every user when userID is empty.
func ListPlugins(ctx context.Context, s Session, userID string) ([]PluginRow, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins`
	var args []any
	if strings.TrimSpace(userID) != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, slug`
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list plugins: %w", err)
	}
	defer rows.Close()
	var out []PluginRow
	for rows.Next() {
		row, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan plugin: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertModule inserts a module row for a plugin.
func InsertModule(ctx context.Context, s Session, row ModuleRow) error {
	if row.UserID == "" || row.PluginSlug == "" || row.Name == "" {
		return errors.New("store: module row requires user id, plugin slug and name")
	}
	if row.ID == "" {
		row.ID = ModuleID(row.UserID, row.PluginSlug, row.Name)
	}
	_, err := s.ExecContext(ctx, `INSERT INTO modules
		(id, user_id, plugin_slug, name, display_name, description, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.PluginSlug, row.Name, row.DisplayName, row.Description,
		boolToInt(row.Enabled), formatTime(row.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert module %s: %w", row.Name, err)
	}
	return nil
}

// DeleteModules removes all module rows of a plugin.
func DeleteModules(ctx context.Context, s Session, userID, slug string) (int64, error) {
	res, err := s.ExecContext(ctx, `DELETE FROM modules WHERE user_id = ? AND plugin_slug = ?`, userID, slug)
	if err != nil {
		return 0, fmt.Errorf("store: delete modules: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteModule removes one module row.
func DeleteModule(ctx context.Context, s Session, userID, slug, name string) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM modules WHERE user_id = ? AND plugin_slug = ? AND name = ?`,
		userID, slug, name); err != nil {
		return fmt.Errorf("store: delete module %s: %w", name, err)
	}
	return nil
}

// CountModules returns the number of module rows for a plugin.
func CountModules(ctx context.Context, s Session, userID, slug string) (int, error) {
	var n int
	if err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM modules WHERE user_id = ? AND plugin_slug = ?`,
		userID, slug).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count modules: %w", err)
	}
	return n, nil
}

// ListModules returns module rows of a plugin ordered by name.
func ListModules(ctx context.Context, s Session, userID, slug string) ([]ModuleRow, error) {
	rows, err := s.QueryContext(ctx, `SELECT id, user_id, plugin_slug, name, display_name, description, enabled, created_at
		FROM modules WHERE user_id = ? AND plugin_slug = ? ORDER BY name`, userID, slug)
	if err != nil {
		return nil, fmt.Errorf("store: list modules: %w", err)
	}
	defer rows.Close()
	var out []ModuleRow
	for rows.Next() {
		var (
			m       ModuleRow
			enabled int
			created string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.PluginSlug, &m.Name, &m.DisplayName, &m.Description, &enabled, &created); err != nil {
			return nil, fmt.Errorf("store: scan module: %w", err)
		}
		m.Enabled = enabled != 0
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
