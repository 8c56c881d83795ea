package keys

import (
	"bytes"
	"maps"
	"slices"

	"github.com/fruitsalade/cloudmirror/internal/models"
)

// Ring holds the account's master key and every share or user key learned
// so far, indexed by the handle node keys are wrapped under.
type Ring struct {
	self   models.Handle
	master []byte
	keys   map[models.Handle][]byte
}

// NewRing creates a ring for the user self.
func NewRing(self models.Handle, master []byte) *Ring {
	return &Ring{
		self:   self,
		master: slices.Clone(master),
		keys:   make(map[models.Handle][]byte),
	}
}

// Self returns the owning user's handle.
func (r *Ring) Self() models.Handle {
	return r.self
}

// Master returns the master key.
func (r *Ring) Master() []byte {
	return r.master
}

// Put stores key under h and reports whether this is new material.
func (r *Ring) Put(h models.Handle, key []byte) bool {
	if old, ok := r.keys[h]; ok && bytes.Equal(old, key) {
		return false
	}
	r.keys[h] = slices.Clone(key)
	return true
}

// Delete forgets the key stored under h.
func (r *Ring) Delete(h models.Handle) {
	delete(r.keys, h)
}

// Lookup returns the key-encryption key for owner. The owning user's
// handle resolves to the master key.
func (r *Ring) Lookup(owner models.Handle) ([]byte, bool) {
	if owner == r.self && r.self != "" {
		return r.master, true
	}
	k, ok := r.keys[owner]
	return k, ok
}

// Len returns the number of non-master keys.
func (r *Ring) Len() int {
	return len(r.keys)
}

// Clone returns an independent copy, used to hand key material to a
// background decode task.
func (r *Ring) Clone() *Ring {
	c := NewRing(r.self, r.master)
	for h, k := range r.keys {
		c.keys[h] = slices.Clone(k)
	}
	return c
}

// Handles returns the handles with a stored key.
func (r *Ring) Handles() []models.Handle {
	out := slices.Collect(maps.Keys(r.keys))
	slices.Sort(out)
	return out
}
