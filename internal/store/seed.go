package store

import (
	"context"
	"embed"
	"encoding/json"
	"log/slog"
	"path"
	"strings"
)

//go:embed fixtures/*.json
var fixtures embed.FS

// SeedDataIfEmpty fills every empty store that has a fixture file. It is
// best-effort: failures are logged and skipped. Returns the number of
// records written.
func (g *Gateway) SeedDataIfEmpty(ctx context.Context) int {
	return g.seedFrom(ctx, fixtures, "fixtures")
}

func (g *Gateway) seedFrom(ctx context.Context, fsys embed.FS, dir string) int {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		slog.Error("Failed to read seed fixtures", "error", err)
		return 0
	}

	seeded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		storeName := strings.TrimSuffix(entry.Name(), ".json")
		if _, ok := g.schema.Store(storeName); !ok {
			slog.Warn("Skipping fixture for unknown store", "store", storeName)
			continue
		}

		n, err := g.Count(ctx, storeName)
		if err != nil {
			slog.Error("Failed to count store before seeding", "store", storeName, "error", err)
			continue
		}
		if n > 0 {
			continue
		}

		data, err := fsys.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			slog.Error("Failed to read fixture", "store", storeName, "error", err)
			continue
		}
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			slog.Error("Failed to parse fixture", "store", storeName, "error", err)
			continue
		}

		for i, rec := range records {
			if err := g.Add(ctx, storeName, rec); err != nil {
				slog.Warn("Failed to seed record", "store", storeName, "index", i, "error", err)
				continue
			}
			seeded++
		}
		slog.Debug("Seeded store", "store", storeName, "records", len(records))
	}
	return seeded
}
