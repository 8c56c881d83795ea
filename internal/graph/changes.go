package graph

import (
	"github.com/fruitsalade/cloudmirror/internal/events"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

// changeset accumulates what changed between two flushes.
type changeset struct {
	handles handleSet
	parents handleSet
	removed handleSet
}

func newChangeset() changeset {
	return changeset{
		handles: make(handleSet),
		parents: make(handleSet),
		removed: make(handleSet),
	}
}

func (c changeset) touch(h, parent models.Handle) {
	c.handles[h] = struct{}{}
	delete(c.removed, h)
	c.parent(parent)
}

func (c changeset) parent(p models.Handle) {
	if p != "" {
		c.parents[p] = struct{}{}
	}
}

func (c changeset) remove(h models.Handle) {
	delete(c.handles, h)
	c.removed[h] = struct{}{}
}

func (c changeset) empty() bool {
	return len(c.handles) == 0 && len(c.parents) == 0 && len(c.removed) == 0
}

func (c changeset) event() events.GraphChanged {
	return events.GraphChanged{
		Handles: c.handles.sorted(),
		Parents: c.parents.sorted(),
		Removed: c.removed.sorted(),
	}
}
