package fmcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cloudmirror/internal/ledger"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

const self models.Handle = "SELFabcdefg"

func openCache(t *testing.T, dir string) *Cache {
	t.Helper()
	c, err := Open(context.Background(), Config{Dir: dir})
	require.NoError(t, err)
	return c
}

func sample() Snapshot {
	withdrawn := time.Unix(200, 0).UTC()
	return Snapshot{
		Seq:  77,
		Self: self,
		Nodes: []*models.Node{
			{Handle: "AAAAAAAA", Kind: models.KindFolder, Parent: "ROOTROOT", Decoded: true, Attrs: models.Attributes{Name: "docs"}},
			{Handle: "ROOTROOT", Kind: models.KindRoot},
			{
				Handle: "SHROOT01", Kind: models.KindFolder, Parent: "U1abcdefghi",
				EncAttr: []byte{1, 2, 3}, Keys: map[models.Handle][]byte{"U1abcdefghi": {9}},
				ShareOwner: "U1abcdefghi", ShareRights: models.ReadWrite,
			},
		},
		Keys: map[models.Handle][]byte{"SHROOT01": {7, 7, 7}, "U1abcdefghi": {8}},
		Snapshot: ledger.Snapshot{
			Shares:        []models.ShareRecord{{Node: "AAAAAAAA", Grantee: models.PublicGrantee, Rights: models.ReadOnly, Timestamp: 3}},
			PendingShares: []models.PendingShare{{Node: "AAAAAAAA", PendingContact: "PCID0001", Rights: models.Full}},
			Outgoing:      []models.PendingContact{{ID: "PCID0001", Address: "a@example.com", Sent: time.Unix(100, 0).UTC()}},
			Incoming:      []models.PendingContact{{ID: "PCID0002", Address: "b@example.com", Withdrawn: &withdrawn, Status: models.StatusIgnored}},
		},
	}
}

func TestSaveLoadAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c := openCache(t, dir)
	want := sample()
	require.NoError(t, c.Save(ctx, want))
	require.NoError(t, c.Close())

	c = openCache(t, dir)
	defer c.Close()
	got, ok, err := c.Load(ctx, self)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, want.Seq, got.Seq)
	assert.Equal(t, want.Self, got.Self)
	// Nodes come back in key order.
	assert.Equal(t, want.Nodes, got.Nodes)
	assert.Equal(t, want.Keys, got.Keys)
	assert.Equal(t, want.Snapshot, got.Snapshot)
}

func TestLoadEmpty(t *testing.T) {
	c := openCache(t, t.TempDir())
	defer c.Close()

	_, ok, err := c.Load(context.Background(), self)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, t.TempDir())
	defer c.Close()

	require.NoError(t, c.Save(ctx, sample()))
	require.NoError(t, c.Save(ctx, Snapshot{Seq: 78, Self: self, Nodes: []*models.Node{{Handle: "ROOTROOT", Kind: models.KindRoot}}}))

	got, ok, err := c.Load(ctx, self)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(78), got.Seq)
	assert.Len(t, got.Nodes, 1)
	assert.Empty(t, got.Shares)
	assert.Empty(t, got.Outgoing)
	assert.Empty(t, got.Keys)
}

func TestLoadForeignCache(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, t.TempDir())
	defer c.Close()

	require.NoError(t, c.Save(ctx, sample()))
	_, _, err := c.Load(ctx, "OTHERabcdef")
	assert.ErrorIs(t, err, ErrForeignCache)

	_, ok, err := c.Load(ctx, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncodingIsDeterministic(t *testing.T) {
	n := &models.Node{
		Handle: "AAAAAAAA", Kind: models.KindFile,
		Keys: map[models.Handle][]byte{"ZZZZZZZZ": {1}, "AAAAAAAA": {2}, "U1abcdefghi": {3}},
	}
	first, err := marshal(n)
	require.NoError(t, err)
	for range 10 {
		again, err := marshal(n.Clone())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, Config{InMemory: true})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Save(ctx, sample()))
	got, ok, err := c.Load(ctx, self)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Nodes, 3)
}
