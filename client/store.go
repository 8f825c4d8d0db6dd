package client

import (
	"sync"

	"varys"
)

// objectStore holds the serialized objects this client published in memory.
// Entries are only ever inserted and removed whole, never mutated in place,
// so the data server can hand slices out without copying.
type objectStore struct {
	mu      sync.RWMutex
	objects map[varys.DataID][]byte
}

func newObjectStore() *objectStore {
	return &objectStore{objects: make(map[varys.DataID][]byte)}
}

// Get implements dataplane.ObjectStore.
func (o *objectStore) Get(id varys.DataID) ([]byte, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.objects[id]
	return b, ok
}

func (o *objectStore) Put(id varys.DataID, b []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[id] = b
}

func (o *objectStore) Delete(id varys.DataID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, id)
}

// DeleteCoflow drops every object published under the coflow.
func (o *objectStore) DeleteCoflow(cfid varys.CoflowID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.objects {
		if id.CoflowID == cfid {
			delete(o.objects, id)
		}
	}
}
