package pingtriage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend loads and saves the whole collection. Load returns (nil, nil)
// when nothing has been persisted yet.
type StateBackend interface {
	Load() (*Collection, error)
	Save(state *Collection) error
}

// StateLocker is implemented by backends that can be shared between
// processes. The store holds the lock across reload, mutation and save.
type StateLocker interface {
	Lock() (unlock func() error, err error)
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*Collection, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, ioFailure("read "+b.Path, err)
	}
	return decodeCollection(data, b.Path)
}

func (b *JSONFileStateBackend) Save(state *Collection) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := encodeCollection(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ioFailure("create state dir", err)
		}
	}
	return ioFailure("write "+b.Path, writeFileAtomic(b.Path, data, 0o644))
}

// Lock takes an exclusive advisory lock on a sibling ".lock" file.
func (b *JSONFileStateBackend) Lock() (func() error, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return func() error { return nil }, nil
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ioFailure("create state dir", err)
		}
	}
	unlock, err := lockFile(b.Path + ".lock")
	if err != nil {
		return nil, ioFailure("lock "+b.Path, err)
	}
	return unlock, nil
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*Collection, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return decodeCollection(b.snapshot, "memory")
}

func (b *InMemoryStateBackend) Save(state *Collection) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := encodeCollection(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}

func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	// file://relative/state.json puts the first segment in Host.
	if host := strings.TrimSpace(parsed.Host); host != "" && host != "localhost" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func encodeCollection(state *Collection) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeCollection(data []byte, source string) (*Collection, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrCorruptState, source, err)
	}
	if top == nil {
		return nil, corruptStatef("%s does not hold a state object", source)
	}
	_, hasPings := top["pings"]
	_, hasMetadata := top["metadata"]
	if !hasPings && !hasMetadata {
		return nil, corruptStatef("%s has neither pings nor metadata", source)
	}
	var snapshot Collection
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrCorruptState, source, err)
	}
	snapshot.normalize()
	if err := snapshot.validate(); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
