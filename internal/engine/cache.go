package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"kiln/internal/dataid"
)

// FunctionCache is a map from a key's fingerprint to the DataID of
// its stored result. It holds only pointers; the values themselves
// live in the CAS. Get/Set must be safe for concurrent use; Set may be
// called more than once for the same fingerprint and must be
// idempotent.
type FunctionCache interface {
	Get(fingerprint dataid.DataID) (dataid.DataID, bool, error)
	Set(fingerprint dataid.DataID, value dataid.DataID) error
}

// MemoryFunctionCache is an in-process FunctionCache backed by a
// concurrent map, optionally fronted by a bounded LRU for hot
// fingerprints so a long-running engine doesn't keep every fingerprint
// it has ever seen resident forever.
type MemoryFunctionCache struct {
	mu      sync.RWMutex
	entries map[dataid.DataID]dataid.DataID
	hot     *lru.Cache[dataid.DataID, dataid.DataID]
}

// NewMemoryFunctionCache returns a MemoryFunctionCache whose LRU front
// cache holds up to hotCapacity entries (0 disables the front cache;
// every Get then falls through to the authoritative map).
func NewMemoryFunctionCache(hotCapacity int) *MemoryFunctionCache {
	c := &MemoryFunctionCache{entries: make(map[dataid.DataID]dataid.DataID)}
	if hotCapacity > 0 {
		hot, err := lru.New[dataid.DataID, dataid.DataID](hotCapacity)
		if err == nil {
			c.hot = hot
		}
	}
	return c
}

func (c *MemoryFunctionCache) Get(fingerprint dataid.DataID) (dataid.DataID, bool, error) {
	if c.hot != nil {
		if v, ok := c.hot.Get(fingerprint); ok {
			return v, true, nil
		}
	}
	c.mu.RLock()
	v, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if ok && c.hot != nil {
		c.hot.Add(fingerprint, v)
	}
	return v, ok, nil
}

func (c *MemoryFunctionCache) Set(fingerprint dataid.DataID, value dataid.DataID) error {
	c.mu.Lock()
	if existing, ok := c.entries[fingerprint]; ok {
		c.mu.Unlock()
		if !existing.Equal(value) {
			return fmt.Errorf("engine: function cache set mismatch for %s: existing %s, new %s", fingerprint, existing, value)
		}
		return nil
	}
	c.entries[fingerprint] = value
	c.mu.Unlock()
	if c.hot != nil {
		c.hot.Add(fingerprint, value)
	}
	return nil
}

// Delete evicts fingerprint so the next Get misses. Used by resume
// handling to force re-execution of keys whose cached values no
// longer resolve.
func (c *MemoryFunctionCache) Delete(fingerprint dataid.DataID) error {
	c.mu.Lock()
	delete(c.entries, fingerprint)
	c.mu.Unlock()
	if c.hot != nil {
		c.hot.Remove(fingerprint)
	}
	return nil
}

// FileFunctionCache persists the function cache as a flat directory
// of files named by fingerprint, each containing the encoded value
// DataID.
type FileFunctionCache struct {
	dir string
}

// NewFileFunctionCache returns a FileFunctionCache rooted at dir,
// creating dir if needed.
func NewFileFunctionCache(dir string) (*FileFunctionCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create function cache dir: %w", err)
	}
	return &FileFunctionCache{dir: dir}, nil
}

func (f *FileFunctionCache) path(fingerprint dataid.DataID) string {
	return filepath.Join(f.dir, fingerprint.String())
}

func (f *FileFunctionCache) Get(fingerprint dataid.DataID) (dataid.DataID, bool, error) {
	b, err := os.ReadFile(f.path(fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return dataid.DataID{}, false, nil
		}
		return dataid.DataID{}, false, fmt.Errorf("engine: read function cache entry: %w", err)
	}
	id, err := dataid.FromBytes(b)
	if err != nil {
		return dataid.DataID{}, false, fmt.Errorf("engine: decode function cache entry: %w", err)
	}
	return id, true, nil
}

// Delete evicts fingerprint's entry file; a missing entry is a no-op.
func (f *FileFunctionCache) Delete(fingerprint dataid.DataID) error {
	if err := os.Remove(f.path(fingerprint)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("engine: delete function cache entry: %w", err)
	}
	return nil
}

// Values returns the value DataID of every entry in the cache, used
// as the root set for CAS garbage collection.
func (f *FileFunctionCache) Values() ([]dataid.DataID, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("engine: list function cache: %w", err)
	}
	var out []dataid.DataID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("engine: read function cache entry %s: %w", e.Name(), err)
		}
		id, err := dataid.FromBytes(b)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (f *FileFunctionCache) Set(fingerprint dataid.DataID, value dataid.DataID) error {
	path := f.path(fingerprint)
	if existing, err := os.ReadFile(path); err == nil {
		if id, derr := dataid.FromBytes(existing); derr == nil && id.Equal(value) {
			return nil
		}
	}
	return writeFileAtomic(path, value.Bytes(), 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
