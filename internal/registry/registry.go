// Package registry is the durable source of truth for service
// definitions. Every mutation is flushed to a single JSON file before
// it is acknowledged; flushes are atomic via write-temp-then-rename so
// the file is never observed half written. On persist failure the
// in-memory mutation is rolled back.
package registry

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/userservers/userservers/internal/service"
)

// Registry holds the named service definitions and mirrors them to
// disk on every change.
type Registry struct {
	mu      sync.RWMutex
	path    string
	entries map[string]service.Definition
	// lastSum is the checksum of the last payload this process wrote,
	// used by the watcher to tell self-writes from external edits.
	lastSum [sha256.Size]byte
}

// Open loads the registry file at path, creating an empty registry if
// the file does not exist yet. A corrupt file is an error; the caller
// decides whether to abort or start fresh.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[string]service.Definition)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return r, nil
	}
	entries, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	r.entries = entries
	r.lastSum = sha256.Sum256(data)
	return r, nil
}

// Path returns the backing file path.
func (r *Registry) Path() string { return r.path }

// Add registers a new definition and persists it. The definition must
// already be normalized and validated.
func (r *Registry) Add(def service.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	r.entries[def.Name] = def
	if err := r.persistLocked(); err != nil {
		delete(r.entries, def.Name)
		return &PersistenceError{Op: "add", Err: err}
	}
	return nil
}

// Edit replaces an existing definition and persists the change.
func (r *Registry) Edit(def service.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[def.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, def.Name)
	}
	r.entries[def.Name] = def
	if err := r.persistLocked(); err != nil {
		r.entries[def.Name] = prev
		return &PersistenceError{Op: "edit", Err: err}
	}
	return nil
}

// Remove deletes a definition and persists the deletion.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.entries, name)
	if err := r.persistLocked(); err != nil {
		r.entries[name] = prev
		return &PersistenceError{Op: "remove", Err: err}
	}
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (service.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.entries[name]
	if !ok {
		return service.Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, nil
}

// All returns every definition sorted by name.
func (r *Registry) All() []service.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]service.Definition, 0, len(r.entries))
	for _, def := range r.entries {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) persistLocked() error {
	data, err := encode(r.entries)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := renameio.WriteFile(r.path, data, 0o600); err != nil {
		return err
	}
	r.lastSum = sha256.Sum256(data)
	return nil
}

// ownWrite reports whether data matches the last payload written by
// this process.
func (r *Registry) ownWrite(data []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sha256.Sum256(data) == r.lastSum
}

// Reload replaces the in-memory entries with the given set without
// persisting. The watcher uses it after an accepted external edit.
func (r *Registry) Reload(entries map[string]service.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
}

func encode(entries map[string]service.Definition) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

func decode(data []byte) (map[string]service.Definition, error) {
	entries := make(map[string]service.Definition)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	for name, def := range entries {
		if def.Name == "" {
			def.Name = name
		}
		def.Normalize()
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("entry %q: %w", name, err)
		}
		entries[name] = def
	}
	return entries, nil
}
