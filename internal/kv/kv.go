// Package kv persists small values that live outside any zone's bookkeeping
// store, such as the database change token and subscription IDs.
package kv

import (
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is a flat key-value store. Get returns (nil, nil) for missing keys.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// --- Memory ------------------------------------------------------------------

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// --- File --------------------------------------------------------------------

// fileContents is the on-disk layout. Values are base64 so arbitrary token
// bytes survive YAML.
type fileContents struct {
	Values map[string]string `yaml:"values"`
}

// File is a Store backed by a YAML file. Every write rewrites the file
// through a temporary file and a rename, so a crash never leaves a partial
// file behind.
type File struct {
	path string

	mu     sync.Mutex
	values map[string][]byte
}

// OpenFile loads the store at path. A missing file is an empty store.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, values: make(map[string][]byte)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}

	var c fileContents
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	for k, v := range c.Values {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decoding key %q of %q: %w", k, path, err)
		}
		f.values[k] = b
	}
	return f, nil
}

// Path returns the file backing the store.
func (f *File) Path() string { return f.path }

func (f *File) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (f *File) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := maps.Clone(f.values)
	next[key] = append([]byte(nil), value...)
	if err := f.writeLocked(next); err != nil {
		return err
	}
	f.values = next
	return nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	next := maps.Clone(f.values)
	delete(next, key)
	if err := f.writeLocked(next); err != nil {
		return err
	}
	f.values = next
	return nil
}

func (f *File) writeLocked(values map[string][]byte) error {
	c := fileContents{Values: make(map[string]string, len(values))}
	for k, v := range values {
		c.Values[k] = base64.StdEncoding.EncodeToString(v)
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encoding key-value store: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %q: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing %q: %w", f.path, err)
	}
	return nil
}
