// Package mirror is the entry point of the node-graph mirror. It wires the
// store, the share ledger, the key ring, the decode pipeline and the
// processor together, persists them to the local cache, and issues
// caller operations to the server.
package mirror

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/decode"
	"github.com/fruitsalade/cloudmirror/internal/events"
	"github.com/fruitsalade/cloudmirror/internal/fmcache"
	"github.com/fruitsalade/cloudmirror/internal/graph"
	"github.com/fruitsalade/cloudmirror/internal/keys"
	"github.com/fruitsalade/cloudmirror/internal/ledger"
	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/models"
	"github.com/fruitsalade/cloudmirror/internal/movecopy"
	"github.com/fruitsalade/cloudmirror/internal/packet"
	"github.com/fruitsalade/cloudmirror/internal/processor"
	"github.com/fruitsalade/cloudmirror/internal/retry"
	"github.com/fruitsalade/cloudmirror/internal/transport"
)

var (
	// ErrDisallowed is returned for a move the validator rejects.
	ErrDisallowed = errors.New("operation disallowed")
	// ErrNoTransport is returned by caller operations on an engine built
	// without a requester.
	ErrNoTransport = errors.New("no transport configured")
	// ErrInvalidAccount is returned for a missing user handle or a master
	// key of the wrong size.
	ErrInvalidAccount = errors.New("invalid account credentials")
)

// Options configures an Engine.
type Options struct {
	Self   models.Handle
	Master []byte

	// Codec defaults to XChaCha20-Poly1305.
	Codec     keys.Codec
	Requester transport.Requester
	// Cache, when set, is saved after every applied batch.
	Cache *fmcache.Cache

	Runner    decode.Runner
	Threshold int
	Retry     retry.Config

	Billing processor.BillingSink
	// Session is the tag the server echoes on packets caused by this
	// session.
	Session     string
	EventBuffer int
}

// Engine owns one mirrored account.
type Engine struct {
	self   models.Handle
	codec  keys.Codec
	req    transport.Requester
	cache  *fmcache.Cache
	hub    *events.Hub
	origin *processor.Origin

	store   *graph.Store
	ledger  *ledger.Ledger
	ring    *keys.Ring
	decoder *decode.Pipeline
	proc    *processor.Processor
}

// New builds an empty engine.
func New(opts Options) (*Engine, error) {
	if !opts.Self.IsUser() {
		return nil, fmt.Errorf("%w: user handle %q", ErrInvalidAccount, opts.Self)
	}
	if len(opts.Master) != keys.KeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes", ErrInvalidAccount, len(opts.Master))
	}
	if opts.Codec == nil {
		opts.Codec = keys.NewXChaCha()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	e := &Engine{
		self:   opts.Self,
		codec:  opts.Codec,
		req:    opts.Requester,
		cache:  opts.Cache,
		hub:    events.NewHub(opts.EventBuffer),
		origin: processor.NewOrigin(opts.Session),
		ring:   keys.NewRing(opts.Self, opts.Master),
	}
	e.store = graph.New(e.hub)
	e.ledger = ledger.New(e.hub)

	decodeOpts := []decode.Option{decode.WithNotifier(e.hub)}
	if opts.Threshold > 0 {
		decodeOpts = append(decodeOpts, decode.WithThreshold(opts.Threshold))
	}
	if opts.Runner != nil {
		decodeOpts = append(decodeOpts, decode.WithRunner(opts.Runner))
	}
	if opts.Retry.MaxAttempts > 0 {
		decodeOpts = append(decodeOpts, decode.WithRetry(opts.Retry))
	}
	e.decoder = decode.New(e.codec, decodeOpts...)

	procOpts := processor.Options{
		Self:    opts.Self,
		Origin:  e.origin,
		Billing: opts.Billing,
	}
	if e.cache != nil {
		procOpts.AfterBatch = e.persist
	}
	e.proc = processor.New(e.store, e.ledger, e.decoder, e.ring, e.codec, procOpts)
	return e, nil
}

// Self returns the account's user handle.
func (e *Engine) Self() models.Handle {
	return e.self
}

// Seq returns the sequence number of the last applied batch.
func (e *Engine) Seq() uint64 {
	return e.proc.Seq()
}

// Subscribe returns a subscription to graph, decode and share events.
func (e *Engine) Subscribe() *events.Subscription {
	return e.hub.Subscribe()
}

// Unsubscribe closes a subscription.
func (e *Engine) Unsubscribe(s *events.Subscription) {
	e.hub.Unsubscribe(s)
}

// LoadInitialGraph installs a bulk snapshot and decodes it before
// returning. missingKeys reports whether some nodes stay undecoded until
// their keys arrive. Malformed nodes are skipped.
func (e *Engine) LoadInitialGraph(ctx context.Context, g InitialGraph) (missingKeys bool, err error) {
	log := logging.WithContext(ctx)
	err = e.proc.Exclusive(ctx, func(ctx context.Context) error {
		if err := e.proc.AddNodes(g.Nodes); err != nil {
			log.Warn("initial graph has invalid nodes", zap.Error(err))
		}
		e.ledger.Import(g.Ledger)
		e.installKeys(ctx, g.Keys)
		if g.Seq > e.proc.Seq() {
			e.proc.SetSeq(g.Seq)
		}
		if err := e.proc.DecodeNow(ctx); err != nil {
			return err
		}
		missingKeys = e.decoder.Missing().Len() > 0
		metrics.SetStoreNodes(e.store.Len())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("load initial graph: %w", err)
	}
	log.Info("initial graph loaded",
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("shares", len(g.Ledger.Shares)),
		zap.Uint64("seq", g.Seq),
		zap.Bool("missing_keys", missingKeys))
	return missingKeys, nil
}

// ApplyActionPackets applies one batch.
func (e *Engine) ApplyActionPackets(ctx context.Context, b packet.Batch) error {
	return e.proc.ApplyActionPackets(ctx, b)
}

// Run applies batches until ctx ends or the channel closes, merging
// background decodes as they complete.
func (e *Engine) Run(ctx context.Context, batches <-chan packet.Batch) error {
	return e.proc.Run(ctx, batches)
}

// WarmStart loads the cached snapshot, if any.
func (e *Engine) WarmStart(ctx context.Context) (bool, error) {
	if e.cache == nil {
		return false, nil
	}
	snap, ok, err := e.cache.Load(ctx, e.self)
	if err != nil || !ok {
		return false, err
	}
	g := InitialGraph{Seq: snap.Seq, Nodes: snap.Nodes, Keys: snap.Keys, Ledger: snap.Snapshot}
	if _, err := e.LoadInitialGraph(ctx, g); err != nil {
		return false, err
	}
	return true, nil
}

// SaveCache writes the current state to the cache.
func (e *Engine) SaveCache(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.proc.Exclusive(ctx, func(ctx context.Context) error {
		return e.cache.Save(ctx, e.snapshot(e.proc.Seq()))
	})
}

// persist runs under the processor's writer lock.
func (e *Engine) persist(ctx context.Context, seq uint64) {
	metrics.SetStoreNodes(e.store.Len())
	if err := e.cache.Save(ctx, e.snapshot(seq)); err != nil {
		logging.WithContext(ctx).Warn("cache save failed", zap.Error(err))
	}
}

// snapshot must be called under the writer lock. Nodes still waiting for
// their parent are stored with the parent the server declared.
func (e *Engine) snapshot(seq uint64) fmcache.Snapshot {
	nodes := make([]*models.Node, 0, e.store.Len())
	e.store.Each(func(n *models.Node) bool {
		if declared, ok := e.store.DeclaredParent(n.Handle); ok {
			n = n.Clone()
			n.Parent = declared
		}
		nodes = append(nodes, n)
		return true
	})
	return fmcache.Snapshot{Seq: seq, Self: e.self, Nodes: nodes, Keys: e.wrappedKeys(), Snapshot: e.ledger.Export()}
}

// wrappedKeys returns the ring's keys wrapped under the master key.
func (e *Engine) wrappedKeys() map[models.Handle][]byte {
	out := make(map[models.Handle][]byte, e.ring.Len())
	for _, h := range e.ring.Handles() {
		key, _ := e.ring.Lookup(h)
		wrapped, err := e.codec.WrapKey(key, e.ring.Master())
		if err != nil {
			logging.Warn("key not cached", logging.Handle("handle", h), zap.Error(err))
			continue
		}
		out[h] = wrapped
	}
	return out
}

// installKeys unwraps cached keys into the ring. It runs under the writer
// lock, before the nodes that need them are decoded.
func (e *Engine) installKeys(ctx context.Context, wrapped map[models.Handle][]byte) {
	for h, w := range wrapped {
		key, err := e.codec.UnwrapKey(w, e.ring.Master())
		if err != nil {
			logging.WithContext(ctx).Warn("cached key unusable", logging.Handle("handle", h), zap.Error(err))
			continue
		}
		e.ring.Put(h, key)
		if !h.IsUser() {
			e.ledger.SetShareKey(h, key)
		}
	}
}

// mutate applies a local change outside any batch and saves the cache.
func (e *Engine) mutate(ctx context.Context, fn func() error) error {
	return e.proc.Exclusive(ctx, func(ctx context.Context) error {
		if err := fn(); err != nil {
			return err
		}
		if e.cache != nil {
			e.persist(ctx, e.proc.Seq())
		}
		return nil
	})
}

// view runs fn with the engine's state held still.
func (e *Engine) view(ctx context.Context, fn func() error) error {
	return e.proc.Exclusive(ctx, func(context.Context) error { return fn() })
}

// Node returns a copy of node h.
func (e *Engine) Node(ctx context.Context, h models.Handle) (*models.Node, error) {
	var out *models.Node
	err := e.view(ctx, func() error {
		n, ok := e.store.Get(h)
		if !ok {
			return fmt.Errorf("node %s: %w", h, graph.ErrNotFound)
		}
		out = n.Clone()
		return nil
	})
	return out, err
}

// Walk visits the subtree under h depth first, children in handle order.
// fn sees copies.
func (e *Engine) Walk(ctx context.Context, h models.Handle, fn func(n *models.Node, depth int)) error {
	return e.view(ctx, func() error {
		var walk func(h models.Handle, depth int)
		walk = func(h models.Handle, depth int) {
			if n, ok := e.store.Get(h); ok {
				fn(n.Clone(), depth)
			}
			for _, c := range e.store.ChildrenOf(h) {
				walk(c, depth+1)
			}
		}
		walk(h, 0)
		return nil
	})
}

// Roots returns the top-level handles: cloud root, inbox, rubbish and the
// contacts pseudo-root when it has children.
func (e *Engine) Roots(ctx context.Context) ([]models.Handle, error) {
	var out []models.Handle
	err := e.view(ctx, func() error {
		for _, h := range []models.Handle{e.store.RootHandle(), e.store.InboxHandle(), e.store.RubbishHandle()} {
			if h != "" {
				out = append(out, h)
			}
		}
		if e.store.HasChildren(models.ContactsRoot) {
			out = append(out, models.ContactsRoot)
		}
		return nil
	})
	return out, err
}

// Classify asks the validator what moving sources to dst would do.
func (e *Engine) Classify(ctx context.Context, sources []models.Handle, dst models.Handle) (movecopy.Op, error) {
	op := movecopy.Disallowed
	err := e.view(ctx, func() error {
		op = movecopy.Classify(e.store, sources, dst)
		return nil
	})
	return op, err
}

// Shares returns the share records of node h.
func (e *Engine) Shares(ctx context.Context, h models.Handle) ([]models.ShareRecord, error) {
	var out []models.ShareRecord
	err := e.view(ctx, func() error {
		out = e.ledger.SharesOf(h)
		return nil
	})
	return out, err
}

// PendingContacts returns the pending contacts in one direction.
func (e *Engine) PendingContacts(ctx context.Context, dir models.Direction) ([]models.PendingContact, error) {
	var out []models.PendingContact
	err := e.view(ctx, func() error {
		out = e.ledger.PendingContacts(dir)
		return nil
	})
	return out, err
}

// PendingShares returns the shares of node h offered to pending contacts.
func (e *Engine) PendingShares(ctx context.Context, h models.Handle) ([]models.PendingShare, error) {
	var out []models.PendingShare
	err := e.view(ctx, func() error {
		out = e.ledger.PendingSharesOf(h)
		return nil
	})
	return out, err
}

// MissingKeys returns the nodes waiting for a key.
func (e *Engine) MissingKeys(ctx context.Context) ([]models.Handle, error) {
	var out []models.Handle
	err := e.view(ctx, func() error {
		out = e.decoder.Missing().Handles()
		return nil
	})
	return out, err
}
