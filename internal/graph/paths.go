package graph

import (
	"slices"

	"github.com/fruitsalade/cloudmirror/internal/models"
)

// PathTo returns the parent chain of h ordered from the top-most known
// ancestor down to h itself. A parent handle that is not loaded (a contact
// that has not arrived yet, for instance) still ends the path.
func (s *Store) PathTo(h models.Handle) []models.Handle {
	var path []models.Handle
	seen := make(handleSet)

	cur := h
	for cur != "" {
		if _, loop := seen[cur]; loop {
			break
		}
		seen[cur] = struct{}{}
		path = append(path, cur)

		n, ok := s.nodes[cur]
		if !ok {
			break
		}
		cur = n.Parent
	}

	slices.Reverse(path)
	return path
}

// RootOf returns the top-most ancestor of h.
func (s *Store) RootOf(h models.Handle) models.Handle {
	path := s.PathTo(h)
	if len(path) == 0 {
		return ""
	}
	return path[0]
}

// IsAncestor reports whether a lies on the path from the top down to h,
// h included.
func (s *Store) IsAncestor(a, h models.Handle) bool {
	return slices.Contains(s.PathTo(h), a)
}

// ShareRootOf returns the incoming-share root containing h.
func (s *Store) ShareRootOf(h models.Handle) (*models.Node, bool) {
	path := s.PathTo(h)
	for i := len(path) - 1; i >= 0; i-- {
		if n, ok := s.nodes[path[i]]; ok && n.IsInShareRoot() {
			return n, true
		}
	}
	return nil, false
}

// InShareRights returns the access level on h granted by the incoming share
// that contains it. The boolean is false when h is not inside an incoming
// share.
func (s *Store) InShareRights(h models.Handle) (models.Rights, bool) {
	root, ok := s.ShareRootOf(h)
	if !ok {
		return models.ReadOnly, false
	}
	return root.ShareRights, true
}
