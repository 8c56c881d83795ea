// Package decode turns freshly delivered encrypted nodes into decoded
// attributes. Small batches are decoded inline; large ones are shuffled and
// handed to a background Runner. Results are merged into the store by its
// owning goroutine, never by the background task.
package decode

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/events"
	"github.com/fruitsalade/cloudmirror/internal/keys"
	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/models"
	"github.com/fruitsalade/cloudmirror/internal/retry"
)

// DefaultThreshold is the batch size from which decoding moves off the
// caller's goroutine.
const DefaultThreshold = 200

// Path records how a batch was decoded.
type Path string

const (
	PathInline     Path = "inline"
	PathBackground Path = "background"
	PathFallback   Path = "fallback"
)

// Decoded is the outcome for one node.
type Decoded struct {
	Attrs models.Attributes
	Key   []byte
}

// Result is what a decode pass produces. It never references store nodes.
type Result struct {
	Attrs map[models.Handle]Decoded
	// ShareKeys are share keys unwrapped while decoding share roots.
	ShareKeys map[models.Handle][]byte
	Missing   []models.Handle
	// MissingKeys is set when at least one failure was for lack of a key.
	MissingKeys bool
	Path        Path
}

// Store is the part of the node store the pipeline merges into.
type Store interface {
	Get(h models.Handle) (*models.Node, bool)
	SetAttributes(h models.Handle, patch models.Patch) error
}

// Job is one dispatched batch. Done is closed once its result is ready to
// be merged.
type Job struct {
	nodes      []*models.Node
	ring       *keys.Ring
	blobs      map[models.Handle][]byte
	background bool
	dispatched time.Time

	done   chan struct{}
	result *Result
	err    error
	merged bool
}

func newJob(nodes []*models.Node, ring *keys.Ring) *Job {
	j := &Job{
		nodes:      nodes,
		ring:       ring,
		blobs:      make(map[models.Handle][]byte, len(nodes)),
		dispatched: time.Now(),
		done:       make(chan struct{}),
	}
	for _, n := range nodes {
		j.blobs[n.Handle] = n.EncAttr
	}
	return j
}

func (j *Job) finish(res *Result, err error) {
	j.result, j.err = res, err
	close(j.done)
}

// Done is closed when the job can be merged.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Len returns the number of nodes in the job.
func (j *Job) Len() int {
	return len(j.nodes)
}

// Background reports whether the job was handed to the runner.
func (j *Job) Background() bool {
	return j.background
}

// Wait blocks until the job is done or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report summarises one merge.
type Report struct {
	Path    Path
	Decoded []models.Handle
	// Resolved are handles that were in the missing set before this merge.
	Resolved []models.Handle
	Stale    []models.Handle
	Missing  []models.Handle
	// ShareKeys holds the share keys that were new to the owner's ring.
	ShareKeys map[models.Handle][]byte
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithThreshold sets the inline/background cut-over.
func WithThreshold(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithRunner sets the background runner. Without one every batch is
// decoded inline.
func WithRunner(r Runner) Option {
	return func(p *Pipeline) { p.runner = r }
}

// WithRetry sets the schedule used when the runner is busy.
func WithRetry(cfg retry.Config) Option {
	return func(p *Pipeline) { p.retry = cfg }
}

// WithNotifier sets where node-decoded events go.
func WithNotifier(n events.Notifier) Option {
	return func(p *Pipeline) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithSeed makes batch shuffling reproducible.
func WithSeed(seed uint64) Option {
	return func(p *Pipeline) { p.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// Pipeline dispatches and merges decode jobs. Dispatch and Merge must be
// called from the store's owning goroutine.
type Pipeline struct {
	codec     keys.Codec
	runner    Runner
	threshold int
	retry     retry.Config
	notifier  events.Notifier
	missing   *MissingKeySet
	rng       *rand.Rand
}

// New creates a pipeline around codec.
func New(codec keys.Codec, opts ...Option) *Pipeline {
	p := &Pipeline{
		codec:     codec,
		threshold: DefaultThreshold,
		retry:     retry.DefaultConfig(),
		notifier:  events.Discard{},
		missing:   newMissingKeySet(),
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Threshold returns the inline/background cut-over.
func (p *Pipeline) Threshold() int {
	return p.threshold
}

// Missing returns the set of handles waiting for key material.
func (p *Pipeline) Missing() *MissingKeySet {
	return p.missing
}

// Dispatch starts decoding nodes with a snapshot of ring. Nodes without an
// attribute blob are skipped. The nodes are copied, so the store may keep
// changing while a background job runs.
func (p *Pipeline) Dispatch(ctx context.Context, nodes []*models.Node, ring *keys.Ring) *Job {
	var todo []*models.Node
	for _, n := range nodes {
		if n != nil && len(n.EncAttr) > 0 {
			todo = append(todo, n.Clone())
		}
	}
	job := newJob(todo, ring.Clone())

	if len(todo) < p.threshold {
		res, err := decodeAll(ctx, p.codec, job.ring, job.nodes)
		if res != nil {
			res.Path = PathInline
		}
		job.finish(res, err)
		return job
	}

	p.rng.Shuffle(len(job.nodes), func(i, k int) {
		job.nodes[i], job.nodes[k] = job.nodes[k], job.nodes[i]
	})

	if p.runner == nil || !p.runner.Available() {
		job.finish(p.inline(ctx, job, PathFallback), nil)
		return job
	}

	task := func(ctx context.Context) (*Result, error) {
		res, err := decodeAll(ctx, p.codec, job.ring, job.nodes)
		if res != nil {
			res.Path = PathBackground
		}
		return res, err
	}
	done, err := retry.DoWithResult(ctx, p.retry, func() (<-chan Completion, error) {
		return p.runner.Submit(ctx, task)
	})
	if err != nil {
		logging.Warn("decode runner rejected batch, decoding inline",
			zap.Int("nodes", len(todo)), zap.Error(err))
		job.finish(p.inline(ctx, job, PathFallback), nil)
		return job
	}

	job.background = true
	go func() {
		c := <-done
		job.finish(c.Result, c.Err)
	}()
	return job
}

func (p *Pipeline) inline(ctx context.Context, job *Job, path Path) *Result {
	res, err := decodeAll(ctx, p.codec, job.ring, job.nodes)
	if err != nil {
		// Only cancellation gets here; everything is still missing.
		res = &Result{Attrs: map[models.Handle]Decoded{}}
		for _, n := range job.nodes {
			res.Missing = append(res.Missing, n.Handle)
		}
		res.MissingKeys = len(res.Missing) > 0
	}
	res.Path = path
	return res
}

// Merge applies a finished job to store and installs any share keys it
// unwrapped into ring. A background job that failed is decoded inline
// here. Entries whose attribute blob changed since dispatch are not applied
// and go to the missing set instead, unless the newer blob is already
// decoded. Merging a job twice does nothing.
func (p *Pipeline) Merge(ctx context.Context, store Store, ring *keys.Ring, job *Job) Report {
	if job.merged {
		return Report{}
	}
	job.merged = true

	res := job.result
	if job.err != nil || res == nil {
		if job.err != nil && !errors.Is(job.err, context.Canceled) {
			logging.Warn("background decode failed, decoding inline",
				zap.Int("nodes", len(job.nodes)), zap.Error(job.err))
		}
		res = p.inline(ctx, job, PathFallback)
	}
	metrics.RecordDecodeBatch(string(res.Path))

	rep := Report{Path: res.Path}
	for h, sk := range res.ShareKeys {
		if ring.Put(h, sk) {
			if rep.ShareKeys == nil {
				rep.ShareKeys = make(map[models.Handle][]byte)
			}
			rep.ShareKeys[h] = sk
		}
	}

	handles := slices.Collect(maps.Keys(res.Attrs))
	slices.Sort(handles)
	for _, h := range handles {
		n, ok := store.Get(h)
		if !ok {
			p.missing.Remove(h)
			continue
		}
		if !bytes.Equal(n.EncAttr, job.blobs[h]) {
			rep.Stale = append(rep.Stale, h)
			// A newer job may already have decoded the current blob.
			if !n.Decoded {
				p.missing.Add(h)
			}
			continue
		}
		d := res.Attrs[h]
		attrs := d.Attrs
		if err := store.SetAttributes(h, models.Patch{Attrs: &attrs, Key: d.Key, Decoded: models.Ptr(true)}); err != nil {
			logging.Warn("merge decoded attributes", logging.Handle("handle", h), zap.Error(err))
			continue
		}
		rep.Decoded = append(rep.Decoded, h)
		if p.missing.Remove(h) {
			rep.Resolved = append(rep.Resolved, h)
		}
	}

	for _, h := range res.Missing {
		if _, ok := store.Get(h); ok {
			p.missing.Add(h)
			rep.Missing = append(rep.Missing, h)
		}
	}
	metrics.RecordDecodeFailures(len(rep.Missing))

	if job.background {
		logging.Debug("decode batch merged",
			zap.String("path", string(res.Path)),
			zap.Int("decoded", len(rep.Decoded)),
			zap.Int("missing", len(rep.Missing)),
			zap.Int("stale", len(rep.Stale)),
			zap.Duration("elapsed", time.Since(job.dispatched)))
	}
	if len(rep.Resolved) > 0 {
		p.notifier.NodeDecoded(events.NodeDecoded{Handles: rep.Resolved})
	}
	return rep
}

// RetryMissing dispatches the nodes in the missing set that are still in
// the store. It returns nil when there is nothing to retry.
func (p *Pipeline) RetryMissing(ctx context.Context, store Store, ring *keys.Ring) *Job {
	var nodes []*models.Node
	for _, h := range p.missing.Handles() {
		n, ok := store.Get(h)
		if !ok {
			p.missing.Remove(h)
			continue
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil
	}
	return p.Dispatch(ctx, nodes, ring)
}

// decodeAll decodes nodes with ring, installing share keys into ring as
// they are unwrapped. Share roots go first, repeated while a pass installs
// new keys so that nested shares resolve; the rest follows.
func decodeAll(ctx context.Context, codec keys.Codec, ring *keys.Ring, nodes []*models.Node) (*Result, error) {
	res := &Result{
		Attrs:     make(map[models.Handle]Decoded, len(nodes)),
		ShareKeys: make(map[models.Handle][]byte),
	}

	var bearers, rest []*models.Node
	for _, n := range nodes {
		if n.IsShareKeyBearer() {
			bearers = append(bearers, n)
		} else {
			rest = append(rest, n)
		}
	}

	var failed []*models.Node
	lastErrs := make(map[models.Handle]error)
	pending := bearers
	for len(pending) > 0 {
		installed := false
		failed = failed[:0]
		for _, n := range pending {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if sk, ok := unwrapShareKey(codec, ring, n); ok {
				res.ShareKeys[n.Handle] = sk
				if ring.Put(n.Handle, sk) {
					installed = true
				}
			}
			d, err := decodeNode(codec, ring, n)
			if err != nil {
				lastErrs[n.Handle] = err
				failed = append(failed, n)
				continue
			}
			res.Attrs[n.Handle] = d
			delete(lastErrs, n.Handle)
		}
		if !installed {
			break
		}
		pending = slices.Clone(failed)
	}

	for _, n := range rest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := decodeNode(codec, ring, n)
		if err != nil {
			lastErrs[n.Handle] = err
			continue
		}
		res.Attrs[n.Handle] = d
	}

	for h, err := range lastErrs {
		res.Missing = append(res.Missing, h)
		if errors.Is(err, keys.ErrKeyMissing) {
			res.MissingKeys = true
		}
	}
	slices.Sort(res.Missing)
	return res, nil
}

func unwrapShareKey(codec keys.Codec, ring *keys.Ring, n *models.Node) ([]byte, bool) {
	if sk, ok := ring.Lookup(n.Handle); ok {
		return sk, true
	}
	sk, err := codec.UnwrapKey(n.ShareKey, ring.Master())
	if err != nil {
		return nil, false
	}
	return sk, true
}

// decodeNode tries the node's own key first, then every key owner the ring
// knows about.
func decodeNode(codec keys.Codec, ring *keys.Ring, n *models.Node) (Decoded, error) {
	if len(n.Key) > 0 {
		if attrs, err := codec.DecryptAttributes(n.EncAttr, n.Key); err == nil {
			return Decoded{Attrs: attrs, Key: n.Key}, nil
		}
	}

	lastErr := keys.ErrKeyMissing
	for _, owner := range n.KeyOwners() {
		kek, ok := ring.Lookup(owner)
		if !ok {
			continue
		}
		key, err := codec.UnwrapKey(n.Keys[owner], kek)
		if err != nil {
			lastErr = err
			continue
		}
		attrs, err := codec.DecryptAttributes(n.EncAttr, key)
		if err != nil {
			lastErr = err
			continue
		}
		return Decoded{Attrs: attrs, Key: key}, nil
	}
	return Decoded{}, lastErr
}
