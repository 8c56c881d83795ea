// Package movecopy decides whether moving nodes to a destination is a
// plain move, a copy, a copy followed by a delete, or not allowed at all.
package movecopy

import (
	"slices"

	"github.com/fruitsalade/cloudmirror/internal/models"
)

// Op is the kind of operation a move request turns into.
type Op int

const (
	Disallowed Op = iota
	Move
	Copy
	CopyAndDelete
)

func (o Op) String() string {
	switch o {
	case Move:
		return "move"
	case Copy:
		return "copy"
	case CopyAndDelete:
		return "copy+delete"
	default:
		return "disallowed"
	}
}

// Graph is the read-only view of the node store the validator needs.
type Graph interface {
	Get(h models.Handle) (*models.Node, bool)
	PathTo(h models.Handle) []models.Handle
	InShareRights(h models.Handle) (models.Rights, bool)
	ShareRootOf(h models.Handle) (*models.Node, bool)
	RootHandle() models.Handle
	InboxHandle() models.Handle
	RubbishHandle() models.Handle
}

// Classify computes the operation for moving sources into dst. The rules
// run in order and every rule that applies overwrites the result; the
// cycle check runs last and always wins.
func Classify(g Graph, sources []models.Handle, dst models.Handle) Op {
	if len(sources) == 0 || dst == "" {
		return Disallowed
	}

	var (
		root    = g.RootHandle()
		inbox   = g.InboxHandle()
		rubbish = g.RubbishHandle()
		dstTop  = top(g, dst)
	)
	inCloud := func(h models.Handle) bool { return root != "" && top(g, h) == root }
	inRubbishOrInbox := func(h models.Handle) bool {
		t := top(g, h)
		return t != "" && (t == rubbish || t == inbox)
	}
	inShareWith := func(required models.Rights) func(models.Handle) bool {
		return func(h models.Handle) bool {
			r, ok := g.InShareRights(h)
			return ok && r.Satisfies(required)
		}
	}
	inShare := func(h models.Handle) bool {
		_, ok := g.InShareRights(h)
		return ok
	}

	op := Disallowed

	// Own cloud drive to own cloud drive, or to the rubbish bin.
	if dstTop == root && root != "" && all(sources, inCloud) {
		op = Move
	}
	if dstTop == rubbish && rubbish != "" && all(sources, inCloud) {
		op = Move
	}

	// Restoring from the rubbish bin or the inbox.
	if dstTop == root && root != "" && all(sources, inRubbishOrInbox) {
		op = Move
	}

	// Taking a copy out of an incoming share.
	if dstTop == root && root != "" && all(sources, inShare) {
		op = Copy
	}

	// Into a writable incoming share or onto a contact.
	if r, ok := g.InShareRights(dst); ok && r.Satisfies(models.ReadWrite) {
		op = Copy
	}
	if isContact(g, dst) {
		op = Copy
	}

	// Rearranging inside one incoming share with full access.
	if share, ok := g.ShareRootOf(dst); ok && share.ShareRights == models.Full &&
		all(sources, func(h models.Handle) bool { s, ok := g.ShareRootOf(h); return ok && s.Handle == share.Handle }) {
		op = Move
	}

	// Out of a full-access share into the rubbish bin.
	if dstTop == rubbish && rubbish != "" && all(sources, inShareWith(models.Full)) {
		op = CopyAndDelete
	}

	// Pointless or forbidden destinations.
	if dst == inbox || dst == models.ContactsRoot {
		op = Disallowed
	}
	if d, ok := g.Get(dst); ok && !d.Kind.IsContainer() {
		op = Disallowed
	}
	for _, src := range sources {
		n, ok := g.Get(src)
		if !ok || n.Parent == dst || n.Kind.IsTopLevel() || n.Kind == models.KindContact {
			op = Disallowed
		}
	}

	for _, src := range sources {
		if IsCircular(g, src, dst) {
			return Disallowed
		}
	}
	return op
}

// IsCircular reports whether moving src into dst would put src inside its
// own subtree: the top-down path to dst starts with the full path to src.
func IsCircular(g Graph, src, dst models.Handle) bool {
	if src == dst {
		return true
	}
	srcPath := g.PathTo(src)
	dstPath := g.PathTo(dst)
	if len(srcPath) == 0 || len(dstPath) < len(srcPath) {
		return false
	}
	return slices.Equal(dstPath[:len(srcPath)], srcPath)
}

func top(g Graph, h models.Handle) models.Handle {
	path := g.PathTo(h)
	if len(path) == 0 {
		return ""
	}
	return path[0]
}

// isContact reports whether h is a loaded contact. A user the account
// has no contact node for is not a destination.
func isContact(g Graph, h models.Handle) bool {
	n, ok := g.Get(h)
	return ok && n.Kind == models.KindContact
}

func all(hs []models.Handle, pred func(models.Handle) bool) bool {
	for _, h := range hs {
		if !pred(h) {
			return false
		}
	}
	return true
}
