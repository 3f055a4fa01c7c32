package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConfigBackend abstracts where persisted config keys live. Keys are dotted
// paths such as "server.port".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// fileBackend stores keys in a TOML file, one table per config section.
type fileBackend struct {
	path string
	tree map[string]any
}

// openFileBackend reads path. A missing file yields an empty backend.
func openFileBackend(path string) (*fileBackend, error) {
	b := &fileBackend{path: path, tree: map[string]any{}}
	if path == "" {
		return b, nil
	}
	if _, err := toml.DecodeFile(path, &b.tree); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return b, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return b, nil
}

func (b *fileBackend) lookup(key string) (any, bool) {
	parts := strings.Split(key, ".")
	node := b.tree
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			return nil, false
		}
		node = next
	}
	v, ok := node[parts[len(parts)-1]]
	return v, ok
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", false, fmt.Errorf("%s: expected string, got %T", key, v)
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	i, isInt := v.(int64)
	if !isInt {
		return 0, false, fmt.Errorf("%s: expected integer, got %T", key, v)
	}
	return int(i), true, nil
}

func (b *fileBackend) GetFloat(key string) (float64, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch f := v.(type) {
	case float64:
		return f, true, nil
	case int64:
		return float64(f), true, nil
	}
	return 0, false, fmt.Errorf("%s: expected number, got %T", key, v)
}

func (b *fileBackend) GetBool(key string) (bool, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return false, false, nil
	}
	bv, isBool := v.(bool)
	if !isBool {
		return false, false, fmt.Errorf("%s: expected boolean, got %T", key, v)
	}
	return bv, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	b.set(key, val)
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.set(key, int64(val))
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	parts := strings.Split(key, ".")
	node := b.tree
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			return nil
		}
		node = next
	}
	delete(node, parts[len(parts)-1])
	return b.save()
}

func (b *fileBackend) set(key string, val any) {
	parts := strings.Split(key, ".")
	node := b.tree
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = val
}

func (b *fileBackend) save() error {
	if b.path == "" {
		return errors.New("config file path is not set")
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(b.tree); err != nil {
		f.Close()
		return fmt.Errorf("encoding config file: %w", err)
	}
	return f.Close()
}
