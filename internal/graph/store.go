// Package graph holds the mirrored node graph: the handle map, the
// children-by-parent index and the content-hash index.
//
// A Store is owned by a single goroutine (the processor's loop or whoever
// drives the engine). It is not safe for concurrent use.
package graph

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/fruitsalade/cloudmirror/internal/events"
	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

var (
	// ErrNotFound is returned for operations on an absent handle.
	ErrNotFound = errors.New("node not found")
	// ErrInvalidNode is returned by AddNode for nodes without a handle.
	ErrInvalidNode = errors.New("invalid node")
)

type handleSet map[models.Handle]struct{}

func (s handleSet) sorted() []models.Handle {
	out := slices.Collect(maps.Keys(s))
	slices.Sort(out)
	return out
}

// Store is the canonical handle → node map with its indices.
type Store struct {
	nodes    map[models.Handle]*models.Node
	children map[models.Handle]handleSet
	byHash   map[string]handleSet

	// declared maps a temporarily relinked node to the parent it declared;
	// awaiting is the reverse index keyed by that missing parent.
	declared map[models.Handle]models.Handle
	awaiting map[models.Handle]handleSet

	root, inbox, rubbish models.Handle

	notifier events.Notifier
	changes  changeset
}

// New creates an empty store publishing to notifier (may be nil).
func New(notifier events.Notifier) *Store {
	if notifier == nil {
		notifier = events.Discard{}
	}
	return &Store{
		nodes:    make(map[models.Handle]*models.Node),
		children: make(map[models.Handle]handleSet),
		byHash:   make(map[string]handleSet),
		declared: make(map[models.Handle]models.Handle),
		awaiting: make(map[models.Handle]handleSet),
		notifier: notifier,
		changes:  newChangeset(),
	}
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	return len(s.nodes)
}

// Get returns the node for h. The returned node belongs to the store and
// must only be changed through SetAttributes.
func (s *Store) Get(h models.Handle) (*models.Node, bool) {
	n, ok := s.nodes[h]
	return n, ok
}

// Has reports whether h is present.
func (s *Store) Has(h models.Handle) bool {
	_, ok := s.nodes[h]
	return ok
}

// ChildrenOf returns the handles whose parent is p, sorted.
func (s *Store) ChildrenOf(p models.Handle) []models.Handle {
	return s.children[p].sorted()
}

// HasChildren reports whether p has at least one child.
func (s *Store) HasChildren(p models.Handle) bool {
	return len(s.children[p]) > 0
}

// FindByContentHash returns the decoded file nodes carrying hash, sorted.
func (s *Store) FindByContentHash(hash string) []models.Handle {
	if hash == "" {
		return nil
	}
	return s.byHash[hash].sorted()
}

// Each calls fn for every node until fn returns false. Order is unspecified.
func (s *Store) Each(fn func(*models.Node) bool) {
	for _, n := range s.nodes {
		if !fn(n) {
			return
		}
	}
}

// Handles returns every handle in the store, sorted.
func (s *Store) Handles() []models.Handle {
	out := slices.Collect(maps.Keys(s.nodes))
	slices.Sort(out)
	return out
}

// RootHandle, InboxHandle and RubbishHandle return the account's top-level
// nodes once they have been loaded.
func (s *Store) RootHandle() models.Handle    { return s.root }
func (s *Store) InboxHandle() models.Handle   { return s.inbox }
func (s *Store) RubbishHandle() models.Handle { return s.rubbish }

// DeclaredParent returns the parent n declared when it is temporarily linked
// under its share owner.
func (s *Store) DeclaredParent(h models.Handle) (models.Handle, bool) {
	p, ok := s.declared[h]
	return p, ok
}

// AddNode inserts n, taking ownership of it. Adding a handle that already
// exists updates it in place; its kind may not change.
//
// A parent that is not in the store yet is tolerated. When n carries share
// metadata it is linked under the share owner until the declared parent
// arrives.
func (s *Store) AddNode(n *models.Node) error {
	if n == nil || n.Handle == "" {
		return ErrInvalidNode
	}
	if existing, ok := s.nodes[n.Handle]; ok {
		return s.refresh(existing, n)
	}

	if n.Kind == models.KindContact && n.Parent == "" {
		n.Parent = models.ContactsRoot
	}
	s.nodes[n.Handle] = n
	s.trackTopLevel(n)
	s.link(n, n.Parent)
	s.indexHash(n, "")
	s.changes.touch(n.Handle, n.Parent)

	s.adoptAwaiting(n.Handle)
	return nil
}

// refresh updates an existing node from a re-delivered copy.
func (s *Store) refresh(existing, n *models.Node) error {
	patch := models.Patch{
		Kind:        &n.Kind,
		Parent:      &n.Parent,
		Size:        &n.Size,
		Keys:        n.Keys,
		ShareKey:    n.ShareKey,
		ShareOwner:  &n.ShareOwner,
		ShareRights: &n.ShareRights,
	}
	if n.Owner != "" {
		existing.Owner = n.Owner
	}
	if n.Timestamp != 0 {
		patch.Timestamp = &n.Timestamp
	}
	if n.EncAttr != nil && !slices.Equal(n.EncAttr, existing.EncAttr) {
		patch.EncAttr = n.EncAttr
		patch.Decoded = models.Ptr(false)
	}
	if n.Decoded {
		patch.Attrs = &n.Attrs
		patch.Decoded = models.Ptr(true)
		patch.Key = n.Key
	}
	if n.Kind == models.KindContact {
		patch.Email = &n.Email
		patch.ContactLevel = &n.ContactLevel
		if n.Parent == "" {
			patch.Parent = models.Ptr(models.ContactsRoot)
		}
	}
	return s.SetAttributes(existing.Handle, patch)
}

// SetAttributes applies patch to the node h, keeping every index in step.
func (s *Store) SetAttributes(h models.Handle, patch models.Patch) error {
	n, ok := s.nodes[h]
	if !ok {
		return fmt.Errorf("set attributes on %s: %w", h, ErrNotFound)
	}

	oldParent := n.Parent
	oldHash := n.Attrs.Hash
	oldDecoded := n.Decoded

	// A parent patch repeating the temporary share-owner link keeps the
	// node waiting for its declared parent.
	if patch.Parent != nil && *patch.Parent != oldParent {
		if declared, waiting := s.declared[h]; waiting && declared == *patch.Parent {
			patch.Parent = nil
		}
	}

	if err := patch.Apply(n); err != nil {
		return fmt.Errorf("set attributes on %s: %w", h, err)
	}

	if n.Parent != oldParent {
		newParent := n.Parent
		n.Parent = oldParent
		s.unlink(n)
		s.link(n, newParent)
		s.changes.parent(oldParent)
	}
	if !oldDecoded {
		oldHash = ""
	}
	s.indexHash(n, oldHash)
	s.changes.touch(h, n.Parent)
	return nil
}

// DeleteNode removes h and all of its descendants. Deleting an absent
// handle is a no-op; the return value reports whether anything was removed.
func (s *Store) DeleteNode(h models.Handle) bool {
	n, ok := s.nodes[h]
	if !ok {
		return false
	}

	s.unlink(n)
	s.changes.parent(n.Parent)

	stack := []models.Handle{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for child := range s.children[cur] {
			stack = append(stack, child)
		}
		delete(s.children, cur)

		if node, ok := s.nodes[cur]; ok {
			s.unindexHash(node)
			s.forgetDeclared(cur)
			delete(s.nodes, cur)
		}
		s.untrackTopLevel(cur)
		s.changes.remove(cur)
	}
	return true
}

// Flush publishes one graph-changed notification covering every mutation
// since the previous flush. It returns false when there was nothing to send.
func (s *Store) Flush() bool {
	metrics.SetStoreNodes(len(s.nodes))
	if s.changes.empty() {
		return false
	}
	s.notifier.GraphChanged(s.changes.event())
	s.changes = newChangeset()
	return true
}

// link indexes n under parent, or under its share owner while parent is
// missing.
func (s *Store) link(n *models.Node, parent models.Handle) {
	if parent != "" && !s.Has(parent) && n.ShareOwner != "" && parent != n.ShareOwner {
		s.declared[n.Handle] = parent
		if s.awaiting[parent] == nil {
			s.awaiting[parent] = make(handleSet)
		}
		s.awaiting[parent][n.Handle] = struct{}{}
		parent = n.ShareOwner
	} else {
		s.forgetDeclared(n.Handle)
	}

	n.Parent = parent
	if parent == "" {
		return
	}
	if s.children[parent] == nil {
		s.children[parent] = make(handleSet)
	}
	s.children[parent][n.Handle] = struct{}{}
}

func (s *Store) unlink(n *models.Node) {
	if set, ok := s.children[n.Parent]; ok {
		delete(set, n.Handle)
		if len(set) == 0 {
			delete(s.children, n.Parent)
		}
	}
}

// adoptAwaiting moves nodes that were waiting for parent under it.
func (s *Store) adoptAwaiting(parent models.Handle) {
	waiting := s.awaiting[parent]
	if len(waiting) == 0 {
		return
	}
	delete(s.awaiting, parent)
	for h := range waiting {
		delete(s.declared, h)
		child, ok := s.nodes[h]
		if !ok {
			continue
		}
		s.changes.parent(child.Parent)
		s.unlink(child)
		s.link(child, parent)
		s.changes.touch(h, parent)
	}
}

func (s *Store) forgetDeclared(h models.Handle) {
	parent, ok := s.declared[h]
	if !ok {
		return
	}
	delete(s.declared, h)
	if set := s.awaiting[parent]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(s.awaiting, parent)
		}
	}
}

func (s *Store) indexHash(n *models.Node, oldHash string) {
	newHash := ""
	if n.Decoded && n.Kind == models.KindFile {
		newHash = n.Attrs.Hash
	}
	if oldHash == newHash {
		return
	}
	if oldHash != "" {
		s.dropHash(oldHash, n.Handle)
	}
	if newHash != "" {
		if s.byHash[newHash] == nil {
			s.byHash[newHash] = make(handleSet)
		}
		s.byHash[newHash][n.Handle] = struct{}{}
	}
}

func (s *Store) unindexHash(n *models.Node) {
	if n.Attrs.Hash != "" {
		s.dropHash(n.Attrs.Hash, n.Handle)
	}
}

func (s *Store) dropHash(hash string, h models.Handle) {
	if set := s.byHash[hash]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(s.byHash, hash)
		}
	}
}

func (s *Store) trackTopLevel(n *models.Node) {
	switch n.Kind {
	case models.KindRoot:
		s.root = n.Handle
	case models.KindInbox:
		s.inbox = n.Handle
	case models.KindRubbish:
		s.rubbish = n.Handle
	}
}

func (s *Store) untrackTopLevel(h models.Handle) {
	switch h {
	case s.root:
		s.root = ""
	case s.inbox:
		s.inbox = ""
	case s.rubbish:
		s.rubbish = ""
	}
}

// Verify checks that the child index and the parent fields agree. It is
// meant for tests and debugging.
func (s *Store) Verify() error {
	for parent, set := range s.children {
		if len(set) == 0 {
			return fmt.Errorf("empty child set kept for %s", parent)
		}
		for h := range set {
			n, ok := s.nodes[h]
			if !ok {
				return fmt.Errorf("%s indexed under %s but not in store", h, parent)
			}
			if n.Parent != parent {
				return fmt.Errorf("%s indexed under %s but parent is %s", h, parent, n.Parent)
			}
		}
	}
	for h, n := range s.nodes {
		if n.Parent == "" {
			continue
		}
		if _, ok := s.children[n.Parent][h]; !ok {
			return fmt.Errorf("%s has parent %s but is not indexed", h, n.Parent)
		}
	}
	return nil
}
