package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/destination"
)

// fileFetcher reads from a local directory or a mounted network share.
type fileFetcher struct {
	root string
}

func newFileFetcher(kind db.DestinationKind, configJSON string) (Fetcher, error) {
	if kind == db.DestNetworkShare {
		cfg, err := decode[destination.NetworkShareConfig](configJSON)
		if err != nil {
			return nil, err
		}
		return &fileFetcher{root: filepath.Join(cfg.BasePath, cfg.SubFolder)}, nil
	}
	cfg, err := decode[destination.LocalConfig](configJSON)
	if err != nil {
		return nil, err
	}
	return &fileFetcher{root: cfg.BasePath}, nil
}

func (f *fileFetcher) Fetch(ctx context.Context, pattern, rule string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("source: read dir %s: %w", f.root, err)
	}

	var candidates []Item
	for _, entry := range entries {
		if entry.IsDir() || !matchPattern(pattern, entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, Item{
			Identifier: filepath.Join(f.root, entry.Name()),
			ModTime:    info.ModTime(),
		})
	}

	selected := applySelection(candidates, rule)
	for i := range selected {
		content, err := os.ReadFile(selected[i].Identifier)
		if err != nil {
			return nil, fmt.Errorf("source: read %s: %w", selected[i].Identifier, err)
		}
		selected[i].Content = content
	}
	return selected, nil
}

func (f *fileFetcher) Archive(ctx context.Context, identifier, archivePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(archivePath, 0o755); err != nil {
		return fmt.Errorf("source: archive mkdir: %w", err)
	}
	target := filepath.Join(archivePath, filepath.Base(identifier))
	if err := os.Rename(identifier, target); err != nil {
		return fmt.Errorf("source: archive move: %w", err)
	}
	return nil
}
