// Package persist implements the opaque key-value persistence hint store
// used for topology hints (slot_for_node_<id>) and node identity
// (custom_node_id). Writes are best-effort — failures are logged, never
// propagated, and the core falls back to in-memory state.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// SlotKey is the persistence key for a node's last-known slot assignment.
func SlotKey(nodeID uint8) string {
	return fmt.Sprintf("slot_for_node_%d", nodeID)
}

// CustomNodeIDKey is the persistence key for an operator-assigned node
// identity override.
const CustomNodeIDKey = "custom_node_id"

// HWAddrKey is the persistence key for a node's generated hardware
// address, stable across restarts once set.
const HWAddrKey = "hw_addr"

// Store is an opaque key-value persistence hint store. Implementations
// must be safe for concurrent use.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// Memory is an in-memory Store. It is always available and never fails;
// every other implementation falls back to one of these on error.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: map[string]string{}}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// File is a JSON-file-backed Store with an in-memory Memory fallback: a
// read failure on construction, or a write failure on Set, is logged and
// otherwise ignored — the in-memory copy stays authoritative for the rest
// of the process lifetime.
type File struct {
	mem  *Memory
	path string
	log  *zap.SugaredLogger
}

// NewFile loads path (if it exists) into memory and returns a File store.
// A missing or malformed file is treated as an empty store; the failure
// (if any) is logged, not returned: persistence failures never propagate
// to the caller.
func NewFile(path string, log *zap.SugaredLogger) *File {
	f := &File{mem: NewMemory(), path: path, log: log}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && log != nil {
			log.Warnw("persist: failed to read hint file, starting empty", "path", path, "error", err)
		}
		return f
	}

	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		if log != nil {
			log.Warnw("persist: hint file is malformed, starting empty", "path", path, "error", err)
		}
		return f
	}
	f.mem.mu.Lock()
	f.mem.data = data
	f.mem.mu.Unlock()
	return f
}

func (f *File) Get(key string) (string, bool) {
	return f.mem.Get(key)
}

// Set updates the in-memory copy immediately, then flushes the full
// snapshot to disk via a temp-file-plus-rename so readers never observe a
// partial write. A flush failure is logged and otherwise swallowed.
func (f *File) Set(key, value string) {
	f.mem.Set(key, value)

	f.mem.mu.RLock()
	snapshot := make(map[string]string, len(f.mem.data))
	for k, v := range f.mem.data {
		snapshot[k] = v
	}
	f.mem.mu.RUnlock()

	if err := f.flush(snapshot); err != nil && f.log != nil {
		f.log.Warnw("persist: failed to flush hint file, continuing in-memory", "path", f.path, "error", err)
	}
}

func (f *File) flush(data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".persist-*.tmp")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("persist: rename into place: %w", err)
	}
	return nil
}
