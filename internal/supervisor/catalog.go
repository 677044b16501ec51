package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/usibridge/internal/logger"
)

var (
	// ErrUnknownEngine means no catalog entry has the requested id.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrEngineNotConfigured means the entry exists but has no executable.
	ErrEngineNotConfigured = errors.New("engine is not configured")
)

// Engine is one catalog entry. Path never leaves the host.
type Engine struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Descriptor is the public view of an Engine returned by "list".
type Descriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Catalog maps engine ids to executables. Entries come from the
// environment and, optionally, a JSON file that overrides them and is
// reloaded when it changes.
type Catalog struct {
	mu       sync.RWMutex
	static   map[string]Engine
	fromFile map[string]Engine
	file     string
	baseDir  string
}

// NewCatalog builds a catalog from id=path pairs and an optional JSON file.
// Relative paths resolve against baseDir.
func NewCatalog(engines map[string]string, file, baseDir string) *Catalog {
	static := make(map[string]Engine, len(engines))
	for id, path := range engines {
		static[id] = Engine{ID: id, Name: id, Path: path}
	}
	return &Catalog{
		static:   static,
		fromFile: map[string]Engine{},
		file:     file,
		baseDir:  baseDir,
	}
}

// Load (re)reads the catalog file. A file that fails to parse leaves the
// previous entries in place.
func (c *Catalog) Load() error {
	if c.file == "" {
		return nil
	}

	data, err := os.ReadFile(c.file)
	if err != nil {
		return fmt.Errorf("read engine catalog: %w", err)
	}

	var entries []Engine
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse engine catalog %s: %w", c.file, err)
	}

	next := make(map[string]Engine, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("parse engine catalog %s: entry without id", c.file)
		}
		if e.Name == "" {
			e.Name = e.ID
		}
		next[e.ID] = e
	}

	c.mu.Lock()
	c.fromFile = next
	c.mu.Unlock()

	logger.Info("Engine catalog loaded from %s (%d entries)", c.file, len(next))
	return nil
}

// Lookup returns the absolute executable path for id.
func (c *Catalog) Lookup(id string) (string, error) {
	c.mu.RLock()
	e, ok := c.fromFile[id]
	if !ok {
		e, ok = c.static[id]
	}
	c.mu.RUnlock()

	if !ok {
		return "", ErrUnknownEngine
	}
	if e.Path == "" {
		return "", ErrEngineNotConfigured
	}
	return c.resolve(e.Path), nil
}

// List returns the public descriptors sorted by id.
func (c *Catalog) List() []Descriptor {
	c.mu.RLock()
	merged := make(map[string]Engine, len(c.static)+len(c.fromFile))
	for id, e := range c.static {
		merged[id] = e
	}
	for id, e := range c.fromFile {
		merged[id] = e
	}
	c.mu.RUnlock()

	out := make([]Descriptor, 0, len(merged))
	for _, e := range merged {
		out = append(out, Descriptor{ID: e.ID, Name: e.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the catalog file whenever it is written or replaced, until
// ctx is done. It returns immediately when no file is configured.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.file == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	target := filepath.Clean(c.file)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := c.Load(); err != nil {
				logger.Warn("Engine catalog reload failed, keeping previous entries: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("Engine catalog watcher error: %v", err)
		}
	}
}

func (c *Catalog) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.baseDir, path)
}
