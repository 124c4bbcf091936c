package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS listings (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// configKey is the well-known settings key the app config blob lives under.
const configKey = "config"

// Catalog is the shared local database holding the diagram directory and the
// persisted app config. One catalog per data dir, shared by all diagrams.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog creates or opens the shared catalog database under dir.
func OpenCatalog(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "diagramListings.db"))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// GetListing returns the directory entry for one diagram.
func (c *Catalog) GetListing(ctx context.Context, id string) (*models.DiagramListing, error) {
	var name string
	err := c.db.QueryRowContext(ctx, `SELECT name FROM listings WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "listing", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return &models.DiagramListing{ID: id, Name: name}, nil
}

// PutListing inserts or renames a directory entry.
func (c *Catalog) PutListing(ctx context.Context, l *models.DiagramListing) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO listings (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		l.ID, l.Name)
	if err != nil {
		return fmt.Errorf("put listing %s: %w", l.ID, err)
	}
	return nil
}

// DeleteListing removes a directory entry. Deleting an unknown id is a no-op.
func (c *Catalog) DeleteListing(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM listings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete listing %s: %w", id, err)
	}
	return nil
}

// ListListings returns every diagram directory entry, ordered by name.
func (c *Catalog) ListListings(ctx context.Context) ([]models.DiagramListing, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, name FROM listings ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var out []models.DiagramListing
	for rows.Next() {
		var l models.DiagramListing
		if err := rows.Scan(&l.ID, &l.Name); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LoadConfig returns the persisted app config, or *NotFoundError on first run.
func (c *Catalog) LoadConfig(ctx context.Context) (*models.AppConfig, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, configKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "config", Key: configKey}
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	var cfg models.AppConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig persists the app config blob under its well-known key.
func (c *Catalog) SaveConfig(ctx context.Context, cfg *models.AppConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		configKey, string(raw))
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
