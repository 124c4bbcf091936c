package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// SweepStats tracks what happened in a single maintenance sweep.
type SweepStats struct {
	Removed []string
	Errors  []error
}

// SweepOrphans deletes per-diagram database files under dir whose diagram no
// longer has a catalog listing, including WAL and SHM sidecars. The shared
// catalog database itself is never touched. Removal failures are collected
// rather than aborting the sweep.
func SweepOrphans(ctx context.Context, dir string, catalog *Catalog) (SweepStats, error) {
	var stats SweepStats

	listings, err := catalog.ListListings(ctx)
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}
	live := make(map[string]bool, len(listings))
	for _, l := range listings {
		live[l.ID] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := diagramIDFromFile(entry.Name())
		if !ok || live[id] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("remove %s: %w", entry.Name(), err))
			continue
		}
		stats.Removed = append(stats.Removed, entry.Name())
	}

	if len(stats.Removed) > 0 {
		log.Info().Int("files", len(stats.Removed)).Str("dir", dir).Msg("swept orphaned diagram files")
	}
	return stats, nil
}

// diagramIDFromFile maps a data-dir file name back to its diagram id. Returns
// false for the shared catalog and anything that is not a diagram database.
func diagramIDFromFile(name string) (string, bool) {
	base := name
	for _, sidecar := range []string{"-wal", "-shm"} {
		base = strings.TrimSuffix(base, sidecar)
	}
	if !strings.HasSuffix(base, ".db") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".db")
	if id == "" || id == "diagramListings" {
		return "", false
	}
	return id, true
}
