package tracklight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/tracklight/tracklight-mcp/mcpserver"
)

// catalogFile is the on-disk shape of the tool catalog. Tools absent from the
// file keep their defaults; listed tools can be disabled or re-described.
type catalogFile struct {
	Tools []catalogEntry `json:"tools"`
}

type catalogEntry struct {
	Name        string `json:"name"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Description string `json:"description,omitempty"`
}

// Catalog applies an operator-editable tool catalog file to a registry and
// keeps it applied as the file changes on disk. Changes fan out to connected
// clients as tools/list_changed notifications via the registry.
type Catalog struct {
	path     string
	client   *Client
	registry *mcpserver.Registry
	log      *slog.Logger
}

// NewCatalog builds a catalog bound to path. An empty path means no file:
// Load installs every tool and Watch is a no-op.
func NewCatalog(path string, client *Client, registry *mcpserver.Registry, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{path: path, client: client, registry: registry, log: log}
}

// Load reads the catalog file and replaces the registry's tool set with the
// enabled subset. A missing file is not an error; it installs the defaults.
func (c *Catalog) Load(ctx context.Context) error {
	defs := AllTools(c.client)
	if c.path == "" {
		c.registry.Replace(ctx, defs...)
		return nil
	}

	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.log.InfoContext(ctx, "catalog file missing, using defaults", slog.String("path", c.path))
			c.registry.Replace(ctx, defs...)
			return nil
		}
		return fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}

	entries := make(map[string]catalogEntry, len(file.Tools))
	for _, e := range file.Tools {
		entries[e.Name] = e
	}

	kept := defs[:0]
	for _, def := range defs {
		e, listed := entries[def.Descriptor.Name]
		if listed && e.Enabled != nil && !*e.Enabled {
			continue
		}
		if listed && e.Description != "" {
			def.Descriptor.Description = e.Description
		}
		kept = append(kept, def)
	}

	c.registry.Replace(ctx, kept...)
	c.log.InfoContext(ctx, "catalog applied",
		slog.String("path", c.path),
		slog.Int("tools", len(kept)),
	)
	return nil
}

// Watch reloads the catalog whenever the file is written, created, or
// replaced. It blocks until ctx is canceled. Reload failures keep the last
// good tool set.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify unavailable: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Watch the directory rather than the file so atomic rename-into-place
	// edits keep being observed.
	dir := filepath.Dir(c.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target, err := filepath.Abs(c.path)
	if err != nil {
		return fmt.Errorf("resolve catalog path: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || abs != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Load(ctx); err != nil {
				c.log.WarnContext(ctx, "catalog reload failed", slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.WarnContext(ctx, "catalog watch error", slog.String("err", err.Error()))
		}
	}
}
