package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKV keeps every record in one JSON object on local disk, the on-device
// equivalent of browser local storage. Writes go through a temp file and a
// rename so a crash never leaves a half-written file behind.
type FileKV struct {
	mu   sync.Mutex
	path string
}

func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

func (f *FileKV) All(_ context.Context) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := f.readLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

func (f *FileKV) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := f.readLocked()
	if err != nil {
		// an unreadable file is replaced rather than blocking every write
		raw = make(map[string]json.RawMessage)
	}
	raw[key] = json.RawMessage(value)
	return f.writeLocked(raw)
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := f.readLocked()
	if err != nil {
		return err
	}
	delete(raw, key)
	return f.writeLocked(raw)
}

func (f *FileKV) readLocked() (map[string]json.RawMessage, error) {
	raw := make(map[string]json.RawMessage)
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(b) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return raw, nil
}

func (f *FileKV) writeLocked(raw map[string]json.RawMessage) error {
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
