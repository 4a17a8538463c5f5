package cas

import (
	"context"
	"fmt"
	"net/url"

	badger "github.com/dgraph-io/badger/v4"

	"kiln/internal/dataid"
)

// BadgerDatabase is an optional persistent CAS backend backed by an
// embedded badger key-value store, registered under the "badger" URL
// scheme. It trades the file-backed store's "one pair of files per
// object" simplicity for badger's LSM-tree compaction and single-file
// value log, which suits stores with very large object counts.
type BadgerDatabase struct {
	db *badger.DB
}

// RegisterBadger installs the "badger" scheme on r, resolving
// badger://<path> to a BadgerDatabase rooted at <path> with badger's
// default options. Query parameters are ignored.
func RegisterBadger(r *Registry) {
	r.Register("badger", badgerFactory)
}

func badgerFactory(u *url.URL) (Database, error) {
	if u.Path == "" {
		return nil, fmt.Errorf("cas: badger:// requires a path, got %q", u.String())
	}
	return OpenBadgerDatabase(u.Path)
}

// OpenBadgerDatabase opens (creating if necessary) a badger-backed CAS
// at dir.
func OpenBadgerDatabase(dir string) (*BadgerDatabase, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cas: open badger store at %s: %w", dir, err)
	}
	return &BadgerDatabase{db: db}, nil
}

// Close releases the underlying badger database.
func (b *BadgerDatabase) Close() error {
	return b.db.Close()
}

func dataKey(id dataid.DataID) []byte { return append([]byte("d:"), id.Bytes()...) }
func refsKey(id dataid.DataID) []byte { return append([]byte("r:"), id.Bytes()...) }

func (b *BadgerDatabase) Contains(_ context.Context, id dataid.DataID) (bool, error) {
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(dataKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cas: badger contains %s: %w", id, err)
	}
	return found, nil
}

func (b *BadgerDatabase) Get(_ context.Context, id dataid.DataID) (Object, bool, error) {
	var obj Object
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		dataItem, err := txn.Get(dataKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := dataItem.ValueCopy(nil)
		if err != nil {
			return err
		}
		refsItem, err := txn.Get(refsKey(id))
		if err != nil {
			return err
		}
		refsBytes, err := refsItem.ValueCopy(nil)
		if err != nil {
			return err
		}
		refs, err := decodeRefs(refsBytes)
		if err != nil {
			return err
		}
		obj = Object{Refs: refs, Data: data}
		found = true
		return nil
	})
	if err != nil {
		return Object{}, false, fmt.Errorf("cas: badger get %s: %w", id, err)
	}
	return obj, found, nil
}

func (b *BadgerDatabase) Identify(refs []dataid.DataID, data []byte) dataid.DataID {
	return dataid.Identify(refs, data)
}

func (b *BadgerDatabase) Put(ctx context.Context, refs []dataid.DataID, data []byte) (dataid.DataID, error) {
	id := dataid.Identify(refs, data)
	return id, b.writeObject(id, refs, data)
}

func (b *BadgerDatabase) PutKnown(ctx context.Context, id dataid.DataID, refs []dataid.DataID, data []byte) (dataid.DataID, error) {
	computed := dataid.Identify(refs, data)
	if !computed.Equal(id) {
		return dataid.DataID{}, &ErrCorrupt{Supplied: id, Computed: computed}
	}
	return id, b.writeObject(id, refs, data)
}

func (b *BadgerDatabase) Features() Features {
	return Features{PreservesIDs: true}
}

// List returns the id of every stored object.
func (b *BadgerDatabase) List(_ context.Context) ([]dataid.DataID, error) {
	var out []dataid.DataID
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte("d:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := dataid.FromBytes(it.Item().Key()[len(prefix):])
			if err != nil {
				continue
			}
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cas: badger list: %w", err)
	}
	return out, nil
}

// Remove deletes id's entries; removing an absent id is a no-op.
func (b *BadgerDatabase) Remove(_ context.Context, id dataid.DataID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(dataKey(id)); err != nil {
			return err
		}
		return txn.Delete(refsKey(id))
	})
	if err != nil {
		return fmt.Errorf("cas: badger remove %s: %w", id, err)
	}
	return nil
}

func (b *BadgerDatabase) writeObject(id dataid.DataID, refs []dataid.DataID, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dataKey(id)); err == nil {
			// Already present; idempotent no-op.
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(refsKey(id), encodeRefs(refs)); err != nil {
			return err
		}
		return txn.Set(dataKey(id), data)
	})
}
