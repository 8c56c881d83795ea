package decode

import (
	"maps"
	"slices"

	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

// MissingKeySet holds the handles whose attributes could not be decoded yet.
type MissingKeySet struct {
	set map[models.Handle]struct{}
}

func newMissingKeySet() *MissingKeySet {
	return &MissingKeySet{set: make(map[models.Handle]struct{})}
}

// Add records h and reports whether it was new.
func (m *MissingKeySet) Add(h models.Handle) bool {
	if _, ok := m.set[h]; ok {
		return false
	}
	m.set[h] = struct{}{}
	metrics.SetMissingKeys(len(m.set))
	return true
}

// Remove drops h and reports whether it was present.
func (m *MissingKeySet) Remove(h models.Handle) bool {
	if _, ok := m.set[h]; !ok {
		return false
	}
	delete(m.set, h)
	metrics.SetMissingKeys(len(m.set))
	return true
}

func (m *MissingKeySet) Has(h models.Handle) bool {
	_, ok := m.set[h]
	return ok
}

func (m *MissingKeySet) Len() int {
	return len(m.set)
}

// Handles returns the missing handles, sorted.
func (m *MissingKeySet) Handles() []models.Handle {
	out := slices.Collect(maps.Keys(m.set))
	slices.Sort(out)
	return out
}
