//go:build !no_macro

package macro

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// validID checks that a macro ID is safe to use as a filename component.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// Manager reads macros from a directory. Files are re-read on every call so
// edits take effect without a restart.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates a manager rooted at dir, creating the directory if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create macros dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "macro")}, nil
}

// List returns every macro in the directory sorted by ID. Unreadable files
// are skipped.
func (m *Manager) List() ([]*Macro, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read macros dir: %w", err)
	}

	var macros []*Macro
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		mc, err := m.parseFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skipping macro", "file", e.Name(), "err", err)
			continue
		}
		macros = append(macros, mc)
	}
	sort.Slice(macros, func(i, j int) bool { return macros[i].ID < macros[j].ID })
	return macros, nil
}

// Get returns one macro by ID.
func (m *Manager) Get(id string) (*Macro, error) {
	if !validID(id) {
		return nil, fmt.Errorf("macro id %q: %w", id, av.ErrInvalidParameter)
	}
	mc, err := m.parseFile(filepath.Join(m.dir, id+".lua"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("macro %s: %w", id, av.ErrNotFound)
	}
	return mc, err
}

// parseFile reads a macro. An optional first line of the form
// `-- {"name": "...", "description": "..."}` carries metadata.
func (m *Manager) parseFile(path string) (*Macro, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	mc := &Macro{
		ID:       strings.TrimSuffix(filepath.Base(path), ".lua"),
		FilePath: path,
	}

	code := string(data)
	first, rest, _ := strings.Cut(code, "\n")
	if strings.HasPrefix(first, "-- {") {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &mc.Meta); err != nil {
			m.logger.Warn("macro metadata parse error", "file", path, "err", err)
		}
		code = rest
	}
	if mc.Meta.Name == "" {
		mc.Meta.Name = mc.ID
	}
	mc.LuaCode = strings.TrimLeft(code, "\n")
	return mc, nil
}
