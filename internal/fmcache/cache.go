// Package fmcache persists the mirrored graph and share ledger between runs
// in an embedded badger database.
package fmcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/ledger"
	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

// Key layout. meta/seq is written last by Save, so a snapshot without it is
// incomplete and Load ignores it.
const (
	prefixNode         = "n/"
	prefixShare        = "s/"
	prefixPendingShare = "ps/"
	prefixOutgoing     = "po/"
	prefixIncoming     = "pi/"
	prefixKey          = "k/"
	keySeq             = "meta/seq"
	keySelf            = "meta/self"
)

var allPrefixes = [][]byte{
	[]byte(keySeq),
	[]byte(keySelf),
	[]byte(prefixNode),
	[]byte(prefixShare),
	[]byte(prefixPendingShare),
	[]byte(prefixOutgoing),
	[]byte(prefixIncoming),
	[]byte(prefixKey),
}

// ErrForeignCache is returned when the cache belongs to another account.
var ErrForeignCache = errors.New("cache belongs to another user")

// Snapshot is everything needed to warm-start the mirror.
type Snapshot struct {
	Seq   uint64
	Self  models.Handle
	Nodes []*models.Node
	// Keys are the share and user keys learned from the server, wrapped
	// under the master key.
	Keys map[models.Handle][]byte
	ledger.Snapshot
}

// Cache is a badger-backed snapshot store.
type Cache struct {
	db *badger.DB
}

// Config holds cache configuration.
type Config struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// Open opens (or creates) the cache.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(badgerLogger{logging.Named(ctx, "badger").Sugar()}).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %s: %w", cfg.Dir, err)
	}
	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Save replaces the stored snapshot.
func (c *Cache) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.db.DropPrefix(allPrefixes...); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	put := func(key string, v any) error {
		data, err := marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		return wb.Set([]byte(key), data)
	}

	for _, n := range snap.Nodes {
		if err := put(prefixNode+string(n.Handle), n); err != nil {
			return err
		}
	}
	for _, rec := range snap.Shares {
		if err := put(prefixShare+string(rec.Node)+"/"+string(rec.Grantee), rec); err != nil {
			return err
		}
	}
	for _, ps := range snap.PendingShares {
		if err := put(prefixPendingShare+string(ps.Node)+"/"+string(ps.PendingContact), ps); err != nil {
			return err
		}
	}
	for _, pc := range snap.Outgoing {
		if err := put(prefixOutgoing+string(pc.ID), pc); err != nil {
			return err
		}
	}
	for _, pc := range snap.Incoming {
		if err := put(prefixIncoming+string(pc.ID), pc); err != nil {
			return err
		}
	}
	for h, wrapped := range snap.Keys {
		if err := wb.Set([]byte(prefixKey+string(h)), wrapped); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keySelf), []byte(snap.Self)); err != nil {
			return err
		}
		return txn.Set([]byte(keySeq), binary.BigEndian.AppendUint64(nil, snap.Seq))
	})
	if err != nil {
		return fmt.Errorf("write sequence: %w", err)
	}

	logging.Debug("cache saved",
		logging.Int("nodes", len(snap.Nodes)),
		logging.Int("shares", len(snap.Shares)),
		logging.Int("keys", len(snap.Keys)),
		logging.Int64("seq", int64(snap.Seq)))
	return nil
}

// Load returns the stored snapshot. ok is false when nothing complete has
// been saved. A cache saved for a different user than self (when self is
// set) yields ErrForeignCache.
func (c *Cache) Load(ctx context.Context, self models.Handle) (snap Snapshot, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySeq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt sequence record (%d bytes)", len(v))
			}
			snap.Seq = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return err
		}

		if item, err := txn.Get([]byte(keySelf)); err == nil {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			snap.Self = models.Handle(v)
		}
		if self != "" && snap.Self != "" && snap.Self != self {
			return fmt.Errorf("%w: %s", ErrForeignCache, snap.Self)
		}

		if err := scan(txn, prefixNode, func() any { return new(models.Node) }, func(v any) {
			snap.Nodes = append(snap.Nodes, v.(*models.Node))
		}); err != nil {
			return err
		}
		if err := scan(txn, prefixShare, func() any { return new(models.ShareRecord) }, func(v any) {
			snap.Shares = append(snap.Shares, *v.(*models.ShareRecord))
		}); err != nil {
			return err
		}
		if err := scan(txn, prefixPendingShare, func() any { return new(models.PendingShare) }, func(v any) {
			snap.PendingShares = append(snap.PendingShares, *v.(*models.PendingShare))
		}); err != nil {
			return err
		}
		if err := scan(txn, prefixOutgoing, func() any { return new(models.PendingContact) }, func(v any) {
			snap.Outgoing = append(snap.Outgoing, *v.(*models.PendingContact))
		}); err != nil {
			return err
		}
		if err := scan(txn, prefixIncoming, func() any { return new(models.PendingContact) }, func(v any) {
			snap.Incoming = append(snap.Incoming, *v.(*models.PendingContact))
		}); err != nil {
			return err
		}
		if snap.Keys, err = scanKeys(txn); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load cache: %w", err)
	}
	return snap, ok, nil
}

// scan decodes every record under prefix in key order.
func scan(txn *badger.Txn, prefix string, alloc func() any, add func(any)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		v := alloc()
		if err := item.Value(func(data []byte) error {
			return unmarshal(data, v)
		}); err != nil {
			return fmt.Errorf("decode %s: %w", item.Key(), err)
		}
		add(v)
	}
	return nil
}

// scanKeys reads the raw wrapped keys stored under prefixKey.
func scanKeys(txn *badger.Txn) (map[models.Handle][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixKey)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out map[models.Handle][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", item.Key(), err)
		}
		if out == nil {
			out = make(map[models.Handle][]byte)
		}
		out[models.Handle(item.Key()[len(prefixKey):])] = v
	}
	return out, nil
}

// badgerLogger routes badger's logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
