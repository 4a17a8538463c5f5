package cas

import (
	"context"
	"sync"

	"kiln/internal/dataid"
)

// MemoryDatabase is the in-memory reference implementation: a
// concurrent hash map, exact and id-preserving. List and Remove make it
// collectable by Collect.
type MemoryDatabase struct {
	mu      sync.RWMutex
	objects map[dataid.DataID]Object
}

// NewMemoryDatabase returns an empty in-memory CAS.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{objects: make(map[dataid.DataID]Object)}
}

func (m *MemoryDatabase) Contains(_ context.Context, id dataid.DataID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id]
	return ok, nil
}

func (m *MemoryDatabase) Get(_ context.Context, id dataid.DataID) (Object, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[id]
	if !ok {
		return Object{}, false, nil
	}
	// Return copies so callers can't mutate stored bytes through an
	// aliased slice.
	return cloneObject(obj), true, nil
}

func (m *MemoryDatabase) Identify(refs []dataid.DataID, data []byte) dataid.DataID {
	return dataid.Identify(refs, data)
}

func (m *MemoryDatabase) Put(_ context.Context, refs []dataid.DataID, data []byte) (dataid.DataID, error) {
	id := dataid.Identify(refs, data)
	m.store(id, refs, data)
	return id, nil
}

func (m *MemoryDatabase) PutKnown(_ context.Context, id dataid.DataID, refs []dataid.DataID, data []byte) (dataid.DataID, error) {
	computed := dataid.Identify(refs, data)
	if !computed.Equal(id) {
		return zeroDataID, &ErrCorrupt{Supplied: id, Computed: computed}
	}
	m.store(id, refs, data)
	return id, nil
}

func (m *MemoryDatabase) Features() Features {
	return Features{PreservesIDs: true}
}

// List returns the id of every stored object, in no particular order.
func (m *MemoryDatabase) List(_ context.Context) ([]dataid.DataID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]dataid.DataID, 0, len(m.objects))
	for id := range m.objects {
		out = append(out, id)
	}
	return out, nil
}

// Remove deletes id from the store; removing an absent id is a no-op.
func (m *MemoryDatabase) Remove(_ context.Context, id dataid.DataID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

func (m *MemoryDatabase) store(id dataid.DataID, refs []dataid.DataID, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[id]; exists {
		return
	}
	m.objects[id] = cloneObject(Object{Refs: refs, Data: data})
}

func cloneObject(obj Object) Object {
	refs := append([]dataid.DataID(nil), obj.Refs...)
	data := append([]byte(nil), obj.Data...)
	return Object{Refs: refs, Data: data}
}

var zeroDataID dataid.DataID // explicit zero-value sentinel for error returns
