package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cloudmirror/internal/fmcache"
	"github.com/fruitsalade/cloudmirror/internal/keys"
	"github.com/fruitsalade/cloudmirror/internal/ledger"
	"github.com/fruitsalade/cloudmirror/internal/models"
	"github.com/fruitsalade/cloudmirror/internal/movecopy"
	"github.com/fruitsalade/cloudmirror/internal/packet"
	"github.com/fruitsalade/cloudmirror/internal/transport"
)

const (
	self    models.Handle = "SELFabcdefg"
	other   models.Handle = "U2abcdefghi"
	rootH   models.Handle = "ROOTROOT"
	rubbish models.Handle = "RUBBISH1"
)

type reply struct {
	res json.RawMessage
	err error
}

// fakeServer records commands and answers them from per-action queues.
// Unscripted commands get "0".
type fakeServer struct {
	mu      sync.Mutex
	cmds    []transport.Command
	replies map[string][]reply
}

func newFakeServer() *fakeServer {
	return &fakeServer{replies: make(map[string][]reply)}
}

func (s *fakeServer) script(action string, res string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[action] = append(s.replies[action], reply{res: json.RawMessage(res), err: err})
}

func (s *fakeServer) Do(_ context.Context, cmd transport.Command) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	q := s.replies[cmd.Action]
	if len(q) == 0 {
		return json.RawMessage("0"), nil
	}
	s.replies[cmd.Action] = q[1:]
	return q[0].res, q[0].err
}

func (s *fakeServer) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cmds))
	for i, c := range s.cmds {
		out[i] = c.Action
	}
	return out
}

func (s *fakeServer) last() transport.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmds[len(s.cmds)-1]
}

type fixture struct {
	codec  *keys.XChaCha
	master []byte
	server *fakeServer
	engine *Engine
}

func newFixture(t *testing.T, cache *fmcache.Cache) *fixture {
	t.Helper()
	f := &fixture{codec: keys.NewXChaCha(), master: keys.NewKey(), server: newFakeServer()}
	f.engine = f.build(t, cache)
	return f
}

func (f *fixture) build(t *testing.T, cache *fmcache.Cache) *Engine {
	t.Helper()
	e, err := New(Options{
		Self:      self,
		Master:    f.master,
		Codec:     f.codec,
		Requester: f.server,
		Cache:     cache,
		Session:   "session-tag",
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) own(t *testing.T, h, parent models.Handle, kind models.Kind) *models.Node {
	t.Helper()
	n := f.sealed(t, h, parent, kind, self, f.master)
	n.Owner = self
	return n
}

// sealed builds an encrypted node whose key is wrapped under kek for holder.
func (f *fixture) sealed(t *testing.T, h, parent models.Handle, kind models.Kind, holder models.Handle, kek []byte) *models.Node {
	t.Helper()
	key := keys.NewKey()
	blob, err := f.codec.EncryptAttributes(models.Attributes{Name: "name-" + string(h)}, key)
	require.NoError(t, err)
	wrapped, err := f.codec.WrapKey(key, kek)
	require.NoError(t, err)
	return &models.Node{
		Handle: h, Parent: parent, Kind: kind,
		EncAttr: blob, Keys: map[models.Handle][]byte{holder: wrapped},
	}
}

// load installs:
//
//	ROOTROOT/AAAAAAAA/FILE0001
//	ROOTROOT/BBBBBBBB
//	RUBBISH1
//	contacts/U2abcdefghi/SHAREFUL/FULL0001   (full share)
func (f *fixture) load(t *testing.T) {
	t.Helper()
	nodes := []*models.Node{
		{Handle: rootH, Kind: models.KindRoot},
		{Handle: rubbish, Kind: models.KindRubbish},
		f.own(t, "AAAAAAAA", rootH, models.KindFolder),
		f.own(t, "FILE0001", "AAAAAAAA", models.KindFile),
		f.own(t, "BBBBBBBB", rootH, models.KindFolder),
		{Handle: other, Kind: models.KindContact, Email: "u2@example.com"},
		{Handle: "SHAREFUL", Parent: other, Kind: models.KindFolder, ShareOwner: other, ShareRights: models.Full},
		{Handle: "FULL0001", Parent: "SHAREFUL", Kind: models.KindFile},
	}
	_, err := f.engine.LoadInitialGraph(context.Background(), InitialGraph{Seq: 1, Nodes: nodes})
	require.NoError(t, err)
}

func TestNewRejectsInvalidAccount(t *testing.T) {
	_, err := New(Options{Self: "short", Master: keys.NewKey()})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = New(Options{Self: self, Master: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestLoadInitialGraph(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	foreign := f.own(t, "FOREIGN1", rootH, models.KindFile)
	foreign.Keys = map[models.Handle][]byte{other: foreign.Keys[self]}

	missing, err := f.engine.LoadInitialGraph(ctx, InitialGraph{
		Seq: 7,
		Nodes: []*models.Node{
			{Handle: rootH, Kind: models.KindRoot},
			f.own(t, "AAAAAAAA", rootH, models.KindFolder),
			foreign,
		},
		Ledger: ledger.Snapshot{Shares: []models.ShareRecord{{Node: "AAAAAAAA", Grantee: other, Rights: models.ReadWrite}}},
	})
	require.NoError(t, err)
	assert.True(t, missing)
	assert.Equal(t, uint64(7), f.engine.Seq())

	n, err := f.engine.Node(ctx, "AAAAAAAA")
	require.NoError(t, err)
	assert.True(t, n.Decoded)
	assert.Equal(t, "name-AAAAAAAA", n.Name())

	hs, err := f.engine.MissingKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Handle{"FOREIGN1"}, hs)

	shares, err := f.engine.Shares(ctx, "AAAAAAAA")
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, other, shares[0].Grantee)

	roots, err := f.engine.Roots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Handle{rootH}, roots)
}

func TestFromTree(t *testing.T) {
	f := newFixture(t, nil)
	folder := f.own(t, "AAAAAAAA", rootH, models.KindFolder)
	tree := &transport.Tree{
		Seq: 42,
		Nodes: []packet.NodeRecord{
			packet.RecordOf(&models.Node{Handle: rootH, Kind: models.KindRoot}),
			packet.RecordOf(folder),
			{Handle: "NOTYPE01"},
		},
		Shares:        []packet.ShareEntry{{Node: "AAAAAAAA", Grantee: other, Rights: 1}, {Node: "AAAAAAAA", Grantee: "U3abcdefghi", Rights: 9}},
		PendingShares: []packet.PendingShareEntry{{Node: "AAAAAAAA", PendingContact: "PCID0001", Rights: 0}},
		Outgoing:      []packet.PendingContactEntry{{ID: "PCID0001", Address: "x@example.com", Sent: 1700000000}},
	}

	g, err := FromTree(tree)
	require.Error(t, err)
	assert.Equal(t, uint64(42), g.Seq)
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Ledger.Shares, 1)
	assert.Equal(t, models.ReadWrite, g.Ledger.Shares[0].Rights)
	require.Len(t, g.Ledger.PendingShares, 1)
	require.Len(t, g.Ledger.Outgoing, 1)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), g.Ledger.Outgoing[0].Sent.UTC())

	missing, err := f.engine.LoadInitialGraph(context.Background(), g)
	require.NoError(t, err)
	assert.False(t, missing)
	contacts, err := f.engine.PendingContacts(context.Background(), models.Outgoing)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "x@example.com", contacts[0].Address)
}

func TestMoveDisallowedSendsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	tests := []struct {
		name    string
		sources []models.Handle
		dst     models.Handle
	}{
		{"into own subtree", []models.Handle{"AAAAAAAA"}, "FILE0001"},
		{"onto itself", []models.Handle{"AAAAAAAA"}, "AAAAAAAA"},
		{"current parent", []models.Handle{"FILE0001"}, "AAAAAAAA"},
		{"top-level source", []models.Handle{rootH}, "BBBBBBBB"},
		{"unknown source", []models.Handle{"NOSUCH01"}, "BBBBBBBB"},
		{"into a file", []models.Handle{"BBBBBBBB"}, "FILE0001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := f.engine.Move(context.Background(), tt.sources, tt.dst)
			assert.ErrorIs(t, err, ErrDisallowed)
			assert.Equal(t, movecopy.Disallowed, op)
		})
	}
	assert.Empty(t, f.server.actions())
}

func TestMoveWithinCloud(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()
	sub := f.engine.Subscribe()
	defer f.engine.Unsubscribe(sub)

	op, err := f.engine.Move(ctx, []models.Handle{"FILE0001"}, "BBBBBBBB")
	require.NoError(t, err)
	assert.Equal(t, movecopy.Move, op)

	cmd := f.server.last()
	assert.Equal(t, "m", cmd.Action)
	assert.Equal(t, models.Handle("FILE0001"), cmd.Args["n"])
	assert.Equal(t, models.Handle("BBBBBBBB"), cmd.Args["t"])
	assert.NotEmpty(t, cmd.Tag)

	n, err := f.engine.Node(ctx, "FILE0001")
	require.NoError(t, err)
	assert.Equal(t, models.Handle("BBBBBBBB"), n.Parent)

	select {
	case ev := <-sub.Graph:
		assert.Contains(t, ev.Handles, models.Handle("FILE0001"))
	case <-time.After(time.Second):
		t.Fatal("no graph event")
	}
}

func TestMoveRejectedByServerChangesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	f.server.script("m", "", &transport.APIError{Command: "m", Code: transport.EACCESS})

	_, err := f.engine.Move(context.Background(), []models.Handle{"FILE0001"}, "BBBBBBBB")
	var apiErr *transport.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, transport.EACCESS, apiErr.Code)

	n, err := f.engine.Node(context.Background(), "FILE0001")
	require.NoError(t, err)
	assert.Equal(t, models.Handle("AAAAAAAA"), n.Parent)
}

func (f *fixture) copyReply(t *testing.T, nodes ...*models.Node) string {
	t.Helper()
	recs := make([]packet.NodeRecord, len(nodes))
	for i, n := range nodes {
		recs[i] = packet.RecordOf(n)
	}
	data, err := json.Marshal(map[string]any{"f": recs})
	require.NoError(t, err)
	return string(data)
}

func TestMoveOutOfFullShareToRubbish(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()
	f.server.script("cp", f.copyReply(t, f.own(t, "COPY0001", rubbish, models.KindFile)), nil)

	op, err := f.engine.Move(ctx, []models.Handle{"FULL0001"}, rubbish)
	require.NoError(t, err)
	assert.Equal(t, movecopy.CopyAndDelete, op)
	assert.Equal(t, []string{"cp", "d"}, f.server.actions())

	copied, err := f.engine.Node(ctx, "COPY0001")
	require.NoError(t, err)
	assert.Equal(t, rubbish, copied.Parent)
	assert.True(t, copied.Decoded)

	_, err = f.engine.Node(ctx, "FULL0001")
	assert.Error(t, err)
}

func TestRenameReencrypts(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Rename(ctx, "FILE0001", "report.pdf"))
	require.NoError(t, f.engine.SetFavorite(ctx, "FILE0001", true))

	n, err := f.engine.Node(ctx, "FILE0001")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", n.Name())
	assert.True(t, n.Attrs.Favorite)

	cmd := f.server.last()
	assert.Equal(t, "a", cmd.Action)
	blob, ok := cmd.Args["at"].([]byte)
	require.True(t, ok)
	attrs, err := f.codec.DecryptAttributes(blob, n.Key)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", attrs.Name)
	assert.True(t, attrs.Favorite)
}

func TestRenameUndecodedNode(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	err := f.engine.Rename(context.Background(), "FULL0001", "x")
	assert.ErrorIs(t, err, keys.ErrKeyMissing)
	assert.Empty(t, f.server.actions())
}

func TestShareWithUserReusesShareKey(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Share(ctx, "AAAAAAAA", string(other), models.ReadWrite))
	first := f.server.last()
	require.NoError(t, f.engine.Share(ctx, "AAAAAAAA", "U3abcdefghi", models.ReadOnly))
	second := f.server.last()

	unwrap := func(cmd transport.Command) []byte {
		w, ok := cmd.Args["ok"].([]byte)
		require.True(t, ok)
		k, err := f.codec.UnwrapKey(w, f.master)
		require.NoError(t, err)
		return k
	}
	assert.Equal(t, unwrap(first), unwrap(second))

	shares, err := f.engine.Shares(ctx, "AAAAAAAA")
	require.NoError(t, err)
	require.Len(t, shares, 2)

	n, err := f.engine.Node(ctx, "AAAAAAAA")
	require.NoError(t, err)
	assert.NotEmpty(t, n.ShareKey)

	require.NoError(t, f.engine.RemoveShare(ctx, "AAAAAAAA", other))
	shares, err = f.engine.Shares(ctx, "AAAAAAAA")
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, models.Handle("U3abcdefghi"), shares[0].Grantee)
}

func TestShareByEmailCreatesPendingShare(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()
	f.server.script("s", `{"p":"PCID0001"}`, nil)
	sub := f.engine.Subscribe()
	defer f.engine.Unsubscribe(sub)

	// Same length as a user handle.
	require.NoError(t, f.engine.Share(ctx, "BBBBBBBB", "a@b.example", models.ReadOnly))
	assert.Equal(t, "a@b.example", f.server.last().Args["m"])

	contacts, err := f.engine.PendingContacts(ctx, models.Outgoing)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, models.Handle("PCID0001"), contacts[0].ID)

	pending, err := f.engine.PendingShares(ctx, "BBBBBBBB")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ReadOnly, pending[0].Rights)

	for {
		select {
		case ev := <-sub.Share:
			if ev.Pending == "PCID0001" && ev.Node == "" {
				assert.False(t, ev.UserFacing)
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no pending contact event")
		}
	}
}

func TestShareByEmailReusesPendingContact(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()
	sent := time.Unix(100, 0).UTC()
	require.NoError(t, f.engine.ApplyActionPackets(ctx, packet.Batch{Seq: 2, Packets: []packet.Packet{
		&packet.PendingContact{Direction: models.Outgoing, ID: "PCID0001", Address: "c@example.com", Sent: sent},
	}}))
	f.server.script("s", `{"p":"PCID0001"}`, nil)

	require.NoError(t, f.engine.Share(ctx, "AAAAAAAA", "c@example.com", models.ReadWrite))

	contacts, err := f.engine.PendingContacts(ctx, models.Outgoing)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.True(t, sent.Equal(contacts[0].Sent), "original request kept")
	pending, err := f.engine.PendingShares(ctx, "AAAAAAAA")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.Handle("PCID0001"), pending[0].PendingContact)
}

func TestRemovePendingShare(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()
	f.server.script("s", `{"p":"PCID0001"}`, nil)
	require.NoError(t, f.engine.Share(ctx, "BBBBBBBB", "new@example.com", models.ReadOnly))

	require.NoError(t, f.engine.RemovePendingShare(ctx, "BBBBBBBB", "PCID0001"))
	pending, err := f.engine.PendingShares(ctx, "BBBBBBBB")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInviteContact(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()
	f.server.script("upc", `{"p":"PCID0002","m":"friend@example.com","ts":1700000000}`, nil)

	id, err := f.engine.InviteContact(ctx, "friend@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.Handle("PCID0002"), id)

	contacts, err := f.engine.PendingContacts(ctx, models.Outgoing)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "friend@example.com", contacts[0].Address)
}

func TestExportAndRemoveLink(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	ctx := context.Background()
	f.server.script("l", `"PUBLINK1"`, nil)

	ph, err := f.engine.ExportLink(ctx, "FILE0001")
	require.NoError(t, err)
	assert.Equal(t, models.Handle("PUBLINK1"), ph)

	n, err := f.engine.Node(ctx, "FILE0001")
	require.NoError(t, err)
	assert.Equal(t, ph, n.PublicHandle)
	shares, err := f.engine.Shares(ctx, "FILE0001")
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.True(t, shares[0].IsPublic())

	require.NoError(t, f.engine.RemoveLink(ctx, "FILE0001"))
	n, err = f.engine.Node(ctx, "FILE0001")
	require.NoError(t, err)
	assert.Empty(t, n.PublicHandle)

	_, err = f.engine.ExportLink(ctx, rootH)
	assert.ErrorIs(t, err, ErrDisallowed)
}

func TestOperationsNeedTransport(t *testing.T) {
	e, err := New(Options{Self: self, Master: keys.NewKey()})
	require.NoError(t, err)

	_, err = e.Move(context.Background(), []models.Handle{"AAAAAAAA"}, rootH)
	assert.ErrorIs(t, err, ErrNoTransport)
	_, err = e.InviteContact(context.Background(), "a@example.com")
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestWarmStartFromCache(t *testing.T) {
	ctx := context.Background()
	cache, err := fmcache.Open(ctx, fmcache.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	f := newFixture(t, cache)
	f.load(t)
	require.NoError(t, f.engine.ApplyActionPackets(ctx, packet.Batch{Seq: 5, Packets: []packet.Packet{
		&packet.Tree{Nodes: []*models.Node{f.own(t, "NEWFILE1", "BBBBBBBB", models.KindFile)}},
	}}))

	warm := f.build(t, cache)
	ok, err := warm.WarmStart(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), warm.Seq())

	n, err := warm.Node(ctx, "NEWFILE1")
	require.NoError(t, err)
	assert.True(t, n.Decoded)
	assert.Equal(t, "name-NEWFILE1", n.Name())

	// Local operations are saved too.
	_, err = f.engine.Move(ctx, []models.Handle{"NEWFILE1"}, "AAAAAAAA")
	require.NoError(t, err)
	again := f.build(t, cache)
	ok, err = again.WarmStart(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	n, err = again.Node(ctx, "NEWFILE1")
	require.NoError(t, err)
	assert.Equal(t, models.Handle("AAAAAAAA"), n.Parent)
}

func TestWarmStartKeepsExchangedKeys(t *testing.T) {
	ctx := context.Background()
	cache, err := fmcache.Open(ctx, fmcache.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	f := newFixture(t, cache)
	f.load(t)
	sk := keys.NewKey()
	wrapped, err := f.codec.WrapKey(sk, f.master)
	require.NoError(t, err)
	require.NoError(t, f.engine.ApplyActionPackets(ctx, packet.Batch{Seq: 2, Packets: []packet.Packet{
		&packet.KeyExchange{Keys: []packet.KeyEntry{{Handle: "SHAREFUL", Key: wrapped}}},
		&packet.Tree{Nodes: []*models.Node{f.sealed(t, "INSIDE01", "SHAREFUL", models.KindFile, "SHAREFUL", sk)}},
	}}))
	n, err := f.engine.Node(ctx, "INSIDE01")
	require.NoError(t, err)
	require.True(t, n.Decoded)

	// The key packet is not replayed after a warm start.
	warm := f.build(t, cache)
	ok, err := warm.WarmStart(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	missing, err := warm.MissingKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)
	n, err = warm.Node(ctx, "INSIDE01")
	require.NoError(t, err)
	assert.True(t, n.Decoded)
	assert.Equal(t, "name-INSIDE01", n.Name())
	assert.NotEmpty(t, n.Key)
	assert.NoError(t, warm.Rename(ctx, "INSIDE01", "inside"))
}

func TestWarmStartWithoutCache(t *testing.T) {
	f := newFixture(t, nil)
	ok, err := f.engine.WarmStart(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, f.engine.SaveCache(context.Background()))
}
