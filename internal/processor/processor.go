// Package processor applies action-packet batches to the node store and
// the share ledger, strictly in delivery order and one batch at a time.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/decode"
	"github.com/fruitsalade/cloudmirror/internal/graph"
	"github.com/fruitsalade/cloudmirror/internal/keys"
	"github.com/fruitsalade/cloudmirror/internal/ledger"
	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/models"
	"github.com/fruitsalade/cloudmirror/internal/packet"
)

// ErrReentrant is returned when the processor is entered again from code
// it is running, such as a billing sink.
var ErrReentrant = errors.New("action-packet batch already in flight")

type inFlightKey struct{}

// State is the processor's position in its batch cycle.
type State int32

const (
	Idle State = iota
	Classifying
	Applying
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Classifying:
		return "classifying"
	case Applying:
		return "applying"
	case Flushing:
		return "flushing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BillingSink receives billing packets, which the mirror does not
// interpret.
type BillingSink interface {
	Billing(ctx context.Context, raw json.RawMessage)
}

// BillingFunc adapts a function to BillingSink.
type BillingFunc func(ctx context.Context, raw json.RawMessage)

func (f BillingFunc) Billing(ctx context.Context, raw json.RawMessage) { f(ctx, raw) }

// Options configures a Processor.
type Options struct {
	// Self is the account's own user handle. Shares owned by it are
	// outgoing.
	Self    models.Handle
	Origin  *Origin
	Billing BillingSink
	// AfterBatch runs under the writer lock after every applied batch.
	AfterBatch func(ctx context.Context, seq uint64)
}

// Processor is the single writer of the store and the ledger.
type Processor struct {
	store   *graph.Store
	ledger  *ledger.Ledger
	decoder *decode.Pipeline
	ring    *keys.Ring
	codec   keys.Codec
	origin  *Origin
	billing BillingSink
	after   func(ctx context.Context, seq uint64)
	self    models.Handle

	// mu serializes every writer: batches, merges and Exclusive callers.
	mu      sync.Mutex
	state   atomic.Int32
	lastSeq atomic.Uint64

	// Per-batch scratch, valid while state is not Idle.
	cur         current
	fresh       map[models.Handle]struct{}
	freshOrder  []models.Handle
	keysArrived bool

	pending []*decode.Job
}

type current struct {
	ctx      context.Context
	fromSelf bool
}

// New wires a processor to its collaborators.
func New(store *graph.Store, l *ledger.Ledger, decoder *decode.Pipeline, ring *keys.Ring, codec keys.Codec, opts Options) *Processor {
	if opts.Origin == nil {
		opts.Origin = NewOrigin("")
	}
	if opts.Self == "" {
		opts.Self = ring.Self()
	}
	return &Processor{
		store:   store,
		ledger:  l,
		decoder: decoder,
		ring:    ring,
		codec:   codec,
		origin:  opts.Origin,
		billing: opts.Billing,
		after:   opts.AfterBatch,
		self:    opts.Self,
		fresh:   make(map[models.Handle]struct{}),
	}
}

var _ packet.Visitor = (*Processor)(nil)

// State returns the current batch state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Seq returns the sequence number of the last applied batch.
func (p *Processor) Seq() uint64 {
	return p.lastSeq.Load()
}

// SetSeq sets the last applied sequence, used when resuming from a cache.
func (p *Processor) SetSeq(seq uint64) {
	p.lastSeq.Store(seq)
}

// Pending returns the number of background decode jobs not merged yet.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// enter takes the writer lock. Calls carrying a context handed out by the
// processor itself are rejected instead of deadlocking.
func (p *Processor) enter(ctx context.Context, to State) (context.Context, error) {
	if ctx.Value(inFlightKey{}) != nil {
		return ctx, ErrReentrant
	}
	p.mu.Lock()
	p.state.Store(int32(to))
	return context.WithValue(ctx, inFlightKey{}, struct{}{}), nil
}

func (p *Processor) leave() {
	p.state.Store(int32(Idle))
	p.mu.Unlock()
}

// oldest returns the oldest pending background job, or nil.
func (p *Processor) oldest() *decode.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	return p.pending[0]
}

// ApplyActionPackets applies one batch. Packets are applied in order; a
// packet that fails is logged and skipped. A batch whose sequence number
// is not above the last applied one is a replay and is ignored; zero means
// unsequenced. Concurrent callers wait their turn.
func (p *Processor) ApplyActionPackets(ctx context.Context, b packet.Batch) error {
	ctx, err := p.enter(ctx, Classifying)
	if err != nil {
		return err
	}
	defer p.leave()

	start := time.Now()
	ctx = logging.WithBatch(ctx, b.Seq)
	log := logging.WithContext(ctx)

	if last := p.lastSeq.Load(); b.Seq != 0 && b.Seq <= last {
		log.Debug("replayed batch ignored", zap.Uint64("last_seq", last))
		metrics.RecordBatch("replayed", 0)
		return nil
	}

	fromSelf := make([]bool, len(b.Packets))
	selfCount := 0
	for i, pk := range b.Packets {
		fromSelf[i] = p.origin.IsSelf(pk.Head().Tag)
		if fromSelf[i] {
			selfCount++
		}
	}

	if b.Seq != 0 {
		p.lastSeq.Store(b.Seq)
	}
	p.applyAll(ctx, b.Packets, fromSelf)

	elapsed := time.Since(start)
	metrics.RecordBatch("applied", elapsed.Seconds())
	log.Debug("batch applied",
		zap.Int("packets", len(b.Packets)),
		zap.Int("self", selfCount),
		zap.Int("pending_decodes", len(p.pending)),
		zap.Duration("elapsed", elapsed))
	return nil
}

// ApplyLocal applies packets describing a change this client made and the
// server accepted. They count as self-originated and do not move the
// sequence number.
func (p *Processor) ApplyLocal(ctx context.Context, packets ...packet.Packet) error {
	ctx, err := p.enter(ctx, Applying)
	if err != nil {
		return err
	}
	defer p.leave()

	fromSelf := make([]bool, len(packets))
	for i := range fromSelf {
		fromSelf[i] = true
	}
	p.applyAll(ctx, packets, fromSelf)
	return nil
}

func (p *Processor) applyAll(ctx context.Context, packets []packet.Packet, fromSelf []bool) {
	p.state.Store(int32(Applying))
	p.mergeFinished(ctx)
	for i, pk := range packets {
		p.apply(ctx, pk, fromSelf[i])
	}

	p.state.Store(int32(Flushing))
	p.dispatchDecode(ctx)
	p.store.Flush()
	if p.after != nil {
		p.after(ctx, p.lastSeq.Load())
	}
}

// Exclusive runs fn with the processor held as if a batch were in flight,
// then dispatches decodes for nodes fn introduced and flushes the store.
// Caller-issued operations use it for their local mutations.
func (p *Processor) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, err := p.enter(ctx, Applying)
	if err != nil {
		return err
	}
	defer p.leave()

	p.cur = current{ctx: ctx}
	err = fn(ctx)

	p.state.Store(int32(Flushing))
	p.dispatchDecode(ctx)
	p.store.Flush()
	return err
}

// AddNodes inserts nodes and queues them for decoding. It must be called
// from inside Exclusive.
func (p *Processor) AddNodes(nodes []*models.Node) error {
	var errs []error
	for _, n := range nodes {
		if err := p.addNode(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodeNow decodes every queued node and waits for the result, merging
// it before returning. It must be called from inside Exclusive.
func (p *Processor) DecodeNow(ctx context.Context) error {
	p.dispatchDecode(ctx)
	for len(p.pending) > 0 {
		if err := p.pending[0].Wait(ctx); err != nil {
			return err
		}
		p.mergeFinished(ctx)
	}
	return nil
}

// Run applies batches from the channel and merges background decode
// results as they complete, all on the calling goroutine. It returns when
// ctx ends or the channel is closed and every pending decode is merged.
func (p *Processor) Run(ctx context.Context, batches <-chan packet.Batch) error {
	for {
		var done <-chan struct{}
		if job := p.oldest(); job != nil {
			done = job.Done()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-batches:
			if !ok {
				return p.Drain(ctx)
			}
			if err := p.ApplyActionPackets(ctx, b); err != nil {
				logging.WithContext(ctx).Warn("batch not applied", zap.Uint64("batch_seq", b.Seq), zap.Error(err))
			}
		case <-done:
			if err := p.MergeDecoded(ctx); err != nil {
				logging.WithContext(ctx).Warn("decode merge deferred", zap.Error(err))
			}
		}
	}
}

// MergeDecoded merges every finished background decode job and flushes
// the resulting changes.
func (p *Processor) MergeDecoded(ctx context.Context) error {
	ctx, err := p.enter(ctx, Flushing)
	if err != nil {
		return err
	}
	defer p.leave()

	p.mergeFinished(ctx)
	p.dispatchDecode(ctx)
	p.store.Flush()
	return nil
}

// Drain waits for every pending background decode and merges it.
func (p *Processor) Drain(ctx context.Context) error {
	for job := p.oldest(); job != nil; job = p.oldest() {
		if err := job.Wait(ctx); err != nil {
			return err
		}
		if err := p.MergeDecoded(ctx); err != nil {
			return err
		}
	}
	return nil
}

// apply runs one packet. Nothing escapes it: errors and panics are logged
// and counted.
func (p *Processor) apply(ctx context.Context, pk packet.Packet, fromSelf bool) {
	kind := string(pk.Kind())
	log := logging.WithContext(ctx).With(zap.String("kind", kind), zap.Int("index", pk.Head().Index))

	defer func() {
		if r := recover(); r != nil {
			log.Error("packet handler panicked", zap.Any("panic", r))
			metrics.RecordPacket(kind, "panic")
		}
	}()

	p.cur = current{ctx: ctx, fromSelf: fromSelf}
	err := pk.Accept(p)

	var drop *dropped
	switch {
	case err == nil:
		metrics.RecordPacket(kind, "applied")
	case errors.As(err, &drop):
		log.Debug("packet dropped", zap.String("reason", drop.reason))
		metrics.RecordPacket(kind, "dropped")
	case errors.Is(err, errInvalid):
		log.Warn("invalid packet skipped", zap.Error(err))
		metrics.RecordPacket(kind, "invalid")
	default:
		log.Warn("packet failed", zap.Error(err))
		metrics.RecordPacket(kind, "failed")
	}
}

// dispatchDecode hands the nodes queued during this batch to the decode
// pipeline, and retries the missing set if new keys arrived.
func (p *Processor) dispatchDecode(ctx context.Context) {
	if len(p.freshOrder) > 0 {
		nodes := make([]*models.Node, 0, len(p.freshOrder))
		for _, h := range p.freshOrder {
			if _, ok := p.fresh[h]; !ok {
				continue
			}
			if n, ok := p.store.Get(h); ok {
				nodes = append(nodes, n)
			}
		}
		clear(p.fresh)
		p.freshOrder = p.freshOrder[:0]
		if len(nodes) > 0 {
			p.track(ctx, p.decoder.Dispatch(ctx, nodes, p.ring))
		}
	}

	if p.keysArrived {
		p.keysArrived = false
		if job := p.decoder.RetryMissing(ctx, p.store, p.ring); job != nil {
			p.track(ctx, job)
		}
	}
}

func (p *Processor) track(ctx context.Context, job *decode.Job) {
	if !job.Background() {
		p.merge(ctx, job)
		return
	}
	p.pending = append(p.pending, job)
}

// mergeFinished merges the background jobs that are done, in any order;
// stale results are caught by the pipeline.
func (p *Processor) mergeFinished(ctx context.Context) {
	kept := p.pending[:0]
	var done []*decode.Job
	for _, job := range p.pending {
		select {
		case <-job.Done():
			done = append(done, job)
		default:
			kept = append(kept, job)
		}
	}
	p.pending = kept
	for _, job := range done {
		p.merge(ctx, job)
	}
}

func (p *Processor) merge(ctx context.Context, job *decode.Job) {
	rep := p.decoder.Merge(ctx, p.store, p.ring, job)
	for h, sk := range rep.ShareKeys {
		if p.store.Has(h) {
			p.ledger.SetShareKey(h, sk)
		}
	}
	// Share keys found while decoding may unlock nodes from earlier batches.
	if len(rep.ShareKeys) > 0 && p.decoder.Missing().Len() > 0 {
		p.keysArrived = true
	}
}

// queueDecode marks h as needing a decode at the end of the batch.
func (p *Processor) queueDecode(h models.Handle) {
	if _, ok := p.fresh[h]; ok {
		return
	}
	p.fresh[h] = struct{}{}
	p.freshOrder = append(p.freshOrder, h)
}
