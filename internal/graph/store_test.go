package graph

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cloudmirror/internal/events"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

const (
	rootH    models.Handle = "ROOTROOT"
	rubbishH models.Handle = "RUBBISH1"
	owner    models.Handle = "U1abcdefghi"
)

func folder(h, p models.Handle) *models.Node {
	return &models.Node{Handle: h, Parent: p, Kind: models.KindFolder}
}

func file(h, p models.Handle, hash string) *models.Node {
	return &models.Node{
		Handle: h, Parent: p, Kind: models.KindFile,
		Decoded: hash != "", Attrs: models.Attributes{Name: string(h), Hash: hash},
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(nil)
	require.NoError(t, s.AddNode(&models.Node{Handle: rootH, Kind: models.KindRoot}))
	require.NoError(t, s.AddNode(&models.Node{Handle: rubbishH, Kind: models.KindRubbish}))
	return s
}

func TestAddNodeAndChildren(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddNode(folder("AAAAAAAA", rootH)))
	require.NoError(t, s.AddNode(file("BBBBBBBB", "AAAAAAAA", "")))

	assert.Equal(t, []models.Handle{"BBBBBBBB"}, s.ChildrenOf("AAAAAAAA"))
	assert.Equal(t, []models.Handle{"AAAAAAAA"}, s.ChildrenOf(rootH))
	assert.Equal(t, rootH, s.RootHandle())
	assert.Equal(t, rubbishH, s.RubbishHandle())
	assert.Equal(t, []models.Handle{rootH, "AAAAAAAA", "BBBBBBBB"}, s.PathTo("BBBBBBBB"))
	require.NoError(t, s.Verify())
}

func TestAddNodeRejectsInvalid(t *testing.T) {
	s := New(nil)
	assert.ErrorIs(t, s.AddNode(nil), ErrInvalidNode)
	assert.ErrorIs(t, s.AddNode(&models.Node{}), ErrInvalidNode)
}

func TestAddNodeKindIsImmutable(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddNode(folder("AAAAAAAA", rootH)))

	err := s.AddNode(file("AAAAAAAA", rootH, ""))
	assert.ErrorIs(t, err, models.ErrKindImmutable)
	n, _ := s.Get("AAAAAAAA")
	assert.Equal(t, models.KindFolder, n.Kind)
}

func TestAddExistingMoves(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddNode(folder("AAAAAAAA", rootH)))
	require.NoError(t, s.AddNode(folder("CCCCCCCC", rootH)))
	require.NoError(t, s.AddNode(file("BBBBBBBB", "AAAAAAAA", "")))

	require.NoError(t, s.AddNode(file("BBBBBBBB", "CCCCCCCC", "")))
	assert.Empty(t, s.ChildrenOf("AAAAAAAA"))
	assert.Equal(t, []models.Handle{"BBBBBBBB"}, s.ChildrenOf("CCCCCCCC"))
	require.NoError(t, s.Verify())
}

func TestDeleteNodeRecursiveAndIdempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddNode(folder("AAAAAAAA", rootH)))
	require.NoError(t, s.AddNode(folder("BBBBBBBB", "AAAAAAAA")))
	require.NoError(t, s.AddNode(file("CCCCCCCC", "BBBBBBBB", "hash1")))

	assert.True(t, s.DeleteNode("AAAAAAAA"))
	for _, h := range []models.Handle{"AAAAAAAA", "BBBBBBBB", "CCCCCCCC"} {
		assert.False(t, s.Has(h), "%s should be gone", h)
	}
	assert.Empty(t, s.ChildrenOf(rootH))
	assert.Empty(t, s.FindByContentHash("hash1"))

	assert.False(t, s.DeleteNode("AAAAAAAA"), "second delete is a no-op")
	assert.False(t, s.DeleteNode("NEVERSEEN"))
	require.NoError(t, s.Verify())
}

func TestContentHashIndex(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddNode(file("AAAAAAAA", rootH, "same")))
	require.NoError(t, s.AddNode(file("BBBBBBBB", rootH, "same")))
	require.NoError(t, s.AddNode(file("CCCCCCCC", rootH, "")))

	assert.Equal(t, []models.Handle{"AAAAAAAA", "BBBBBBBB"}, s.FindByContentHash("same"))
	assert.Nil(t, s.FindByContentHash(""))

	require.NoError(t, s.SetAttributes("AAAAAAAA", models.Patch{Hash: models.Ptr("other")}))
	assert.Equal(t, []models.Handle{"BBBBBBBB"}, s.FindByContentHash("same"))
	assert.Equal(t, []models.Handle{"AAAAAAAA"}, s.FindByContentHash("other"))

	// Decoding a node later indexes its hash.
	require.NoError(t, s.SetAttributes("CCCCCCCC", models.Patch{
		Attrs:   &models.Attributes{Name: "c", Hash: "same"},
		Decoded: models.Ptr(true),
	}))
	assert.Equal(t, []models.Handle{"BBBBBBBB", "CCCCCCCC"}, s.FindByContentHash("same"))
}

func TestSetAttributesMissing(t *testing.T) {
	s := newStore(t)
	err := s.SetAttributes("NOPENOPE", models.Patch{Name: models.Ptr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetAttributesMove(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddNode(folder("AAAAAAAA", rootH)))
	require.NoError(t, s.AddNode(file("BBBBBBBB", "AAAAAAAA", "")))

	require.NoError(t, s.SetAttributes("BBBBBBBB", models.Patch{Parent: models.Ptr(rubbishH)}))
	assert.Empty(t, s.ChildrenOf("AAAAAAAA"))
	assert.Equal(t, []models.Handle{"BBBBBBBB"}, s.ChildrenOf(rubbishH))
	require.NoError(t, s.Verify())
}

func TestMissingParentLinkedUnderShareOwner(t *testing.T) {
	s := newStore(t)

	// A child of an incoming share arrives before its parent.
	child := &models.Node{
		Handle: "CHILD001", Parent: "SHROOT01", Kind: models.KindFile,
		ShareOwner: owner, ShareRights: models.ReadWrite,
	}
	require.NoError(t, s.AddNode(child))

	assert.Equal(t, owner, child.Parent)
	assert.Equal(t, []models.Handle{"CHILD001"}, s.ChildrenOf(owner))
	declared, ok := s.DeclaredParent("CHILD001")
	require.True(t, ok)
	assert.Equal(t, models.Handle("SHROOT01"), declared)
	require.NoError(t, s.Verify())

	// The real parent arrives and the link is corrected.
	require.NoError(t, s.AddNode(&models.Node{
		Handle: "SHROOT01", Parent: owner, Kind: models.KindFolder,
		ShareOwner: owner, ShareRights: models.ReadWrite,
	}))
	assert.Equal(t, models.Handle("SHROOT01"), child.Parent)
	assert.Equal(t, []models.Handle{"CHILD001"}, s.ChildrenOf("SHROOT01"))
	assert.Equal(t, []models.Handle{"SHROOT01"}, s.ChildrenOf(owner))
	_, ok = s.DeclaredParent("CHILD001")
	assert.False(t, ok)
	require.NoError(t, s.Verify())

	rights, inShare := s.InShareRights("CHILD001")
	assert.True(t, inShare)
	assert.Equal(t, models.ReadWrite, rights)
}

func TestMissingParentWithoutShareMetadata(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddNode(file("BBBBBBBB", "AAAAAAAA", "")))

	assert.Equal(t, []models.Handle{"BBBBBBBB"}, s.ChildrenOf("AAAAAAAA"))
	require.NoError(t, s.AddNode(folder("AAAAAAAA", rootH)))
	assert.Equal(t, []models.Handle{rootH, "AAAAAAAA", "BBBBBBBB"}, s.PathTo("BBBBBBBB"))
	require.NoError(t, s.Verify())
}

func TestDeleteAwaitingChild(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddNode(&models.Node{
		Handle: "CHILD001", Parent: "SHROOT01", Kind: models.KindFile, ShareOwner: owner,
	}))
	s.DeleteNode("CHILD001")
	require.NoError(t, s.AddNode(folder("SHROOT01", owner)))
	assert.Empty(t, s.ChildrenOf("SHROOT01"))
	require.NoError(t, s.Verify())
}

func TestContactDefaultsToContactsRoot(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.AddNode(&models.Node{Handle: owner, Kind: models.KindContact, Email: "u1@example.com"}))
	assert.Equal(t, []models.Handle{owner}, s.ChildrenOf(models.ContactsRoot))
}

func TestFlushPublishesOneEvent(t *testing.T) {
	rec := &events.Recorder{}
	s := New(rec)
	require.NoError(t, s.AddNode(&models.Node{Handle: rootH, Kind: models.KindRoot}))
	require.NoError(t, s.AddNode(folder("AAAAAAAA", rootH)))
	require.NoError(t, s.AddNode(file("BBBBBBBB", "AAAAAAAA", "")))
	s.DeleteNode("BBBBBBBB")

	assert.True(t, s.Flush())
	assert.False(t, s.Flush(), "nothing left to flush")
	require.Len(t, rec.Graph, 1)
	e := rec.Graph[0]
	assert.Equal(t, []models.Handle{"AAAAAAAA", rootH}, e.Handles)
	assert.Equal(t, []models.Handle{"BBBBBBBB"}, e.Removed)
	assert.Contains(t, e.Parents, models.Handle("AAAAAAAA"))
}

// childrenByScan is the brute-force reference for ChildrenOf.
func childrenByScan(s *Store, p models.Handle) []models.Handle {
	var out []models.Handle
	s.Each(func(n *models.Node) bool {
		if n.Parent == p {
			out = append(out, n.Handle)
		}
		return true
	})
	slices.Sort(out)
	return out
}

func TestChildrenOfMatchesScanUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	s := newStore(t)

	pool := make([]models.Handle, 40)
	for i := range pool {
		pool[i] = models.Handle(fmt.Sprintf("N%07d", i))
	}
	parents := append([]models.Handle{rootH, rubbishH}, pool...)

	for step := 0; step < 2000; step++ {
		h := pool[rng.IntN(len(pool))]
		switch rng.IntN(3) {
		case 0, 1:
			n := folder(h, parents[rng.IntN(len(parents))])
			if n.Parent == h {
				n.Parent = rootH
			}
			if err := s.AddNode(n); err != nil && !errors.Is(err, models.ErrKindImmutable) {
				t.Fatalf("step %d: AddNode: %v", step, err)
			}
		case 2:
			s.DeleteNode(h)
		}

		if err := s.Verify(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		for _, p := range parents {
			if got, want := s.ChildrenOf(p), childrenByScan(s, p); !slices.Equal(got, want) {
				t.Fatalf("step %d: ChildrenOf(%s) = %v, want %v", step, p, got, want)
			}
		}
	}
}
