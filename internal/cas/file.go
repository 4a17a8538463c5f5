package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kiln/internal/dataid"
)

// FileDatabase is the file-backed CAS reference implementation: a flat
// directory holding a pair of files per object, "data.<id>" and
// "refs.<id>". Writes are create-if-absent with a size check so a
// concurrent duplicate write of different content under the same id is
// caught rather than silently corrupting the store.
type FileDatabase struct {
	dir string
}

// NewFileDatabase returns a FileDatabase rooted at dir, creating dir if
// it does not exist.
func NewFileDatabase(dir string) (*FileDatabase, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: create store dir: %w", err)
	}
	return &FileDatabase{dir: dir}, nil
}

func (f *FileDatabase) dataPath(id dataid.DataID) string {
	return filepath.Join(f.dir, "data."+id.String())
}

func (f *FileDatabase) refsPath(id dataid.DataID) string {
	return filepath.Join(f.dir, "refs."+id.String())
}

func (f *FileDatabase) Contains(_ context.Context, id dataid.DataID) (bool, error) {
	_, err := os.Stat(f.dataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cas: stat %s: %w", id, err)
	}
	return true, nil
}

func (f *FileDatabase) Get(_ context.Context, id dataid.DataID) (Object, bool, error) {
	data, err := os.ReadFile(f.dataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, false, nil
		}
		return Object{}, false, fmt.Errorf("cas: read data for %s: %w", id, err)
	}
	refs, err := readRefs(f.refsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			// data.<id> was read but refs.<id> is gone: a Remove ran
			// between the two reads (writes put refs.<id> in place
			// before data.<id>). Treat as absent rather than returning
			// a partial object.
			return Object{}, false, nil
		}
		return Object{}, false, fmt.Errorf("cas: read refs for %s: %w", id, err)
	}
	return Object{Refs: refs, Data: data}, true, nil
}

func (f *FileDatabase) Identify(refs []dataid.DataID, data []byte) dataid.DataID {
	return dataid.Identify(refs, data)
}

func (f *FileDatabase) Put(ctx context.Context, refs []dataid.DataID, data []byte) (dataid.DataID, error) {
	id := dataid.Identify(refs, data)
	if err := f.writeObject(id, refs, data); err != nil {
		return dataid.DataID{}, err
	}
	return id, nil
}

func (f *FileDatabase) PutKnown(ctx context.Context, id dataid.DataID, refs []dataid.DataID, data []byte) (dataid.DataID, error) {
	computed := dataid.Identify(refs, data)
	if !computed.Equal(id) {
		return dataid.DataID{}, &ErrCorrupt{Supplied: id, Computed: computed}
	}
	if err := f.writeObject(id, refs, data); err != nil {
		return dataid.DataID{}, err
	}
	return id, nil
}

func (f *FileDatabase) Features() Features {
	return Features{PreservesIDs: true}
}

// List returns the id of every stored object.
func (f *FileDatabase) List(_ context.Context) ([]dataid.DataID, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("cas: list store dir: %w", err)
	}
	var out []dataid.DataID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "data.") {
			continue
		}
		var id dataid.DataID
		if err := id.UnmarshalText([]byte(strings.TrimPrefix(name, "data."))); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Remove deletes id's object files; removing an absent id is a no-op.
// The data file goes first so a reader racing the removal sees the
// object as absent rather than as data without refs.
func (f *FileDatabase) Remove(_ context.Context, id dataid.DataID) error {
	for _, path := range []string{f.dataPath(id), f.refsPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cas: remove %s: %w", id, err)
		}
	}
	return nil
}

func (f *FileDatabase) writeObject(id dataid.DataID, refs []dataid.DataID, data []byte) error {
	existing, err := os.ReadFile(f.dataPath(id))
	if err == nil {
		if len(existing) != len(data) {
			return &ErrSizeMismatch{ID: id, ExistingSize: len(existing), NewSize: len(data)}
		}
		// Identical id with identical size: idempotent, nothing to do.
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("cas: stat existing object %s: %w", id, err)
	}

	if err := writeFileAtomic(f.refsPath(id), encodeRefs(refs), 0o644); err != nil {
		return fmt.Errorf("cas: write refs for %s: %w", id, err)
	}
	if err := writeFileAtomic(f.dataPath(id), data, 0o644); err != nil {
		return fmt.Errorf("cas: write data for %s: %w", id, err)
	}
	return nil
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
