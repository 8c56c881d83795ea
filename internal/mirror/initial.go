package mirror

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/cloudmirror/internal/ledger"
	"github.com/fruitsalade/cloudmirror/internal/models"
	"github.com/fruitsalade/cloudmirror/internal/transport"
)

// InitialGraph is a bulk snapshot: nodes, the share ledger and the
// sequence number the action-packet stream resumes from.
type InitialGraph struct {
	Seq   uint64
	Nodes []*models.Node
	// Keys are share and user keys wrapped under the master key. A fetched
	// tree carries none; a cached snapshot carries the ones the stream
	// delivered.
	Keys   map[models.Handle][]byte
	Ledger ledger.Snapshot
}

// FromTree converts a fetched tree. Records that cannot be converted are
// left out and reported together in the returned error, which is
// non-nil only alongside a usable graph.
func FromTree(t *transport.Tree) (InitialGraph, error) {
	g := InitialGraph{Seq: t.Seq, Nodes: make([]*models.Node, 0, len(t.Nodes))}
	var errs []error

	for _, rec := range t.Nodes {
		n, err := rec.Node()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.Nodes = append(g.Nodes, n)
	}
	for _, s := range t.Shares {
		rights, err := models.ParseRights(s.Rights)
		if err != nil {
			errs = append(errs, fmt.Errorf("share %s/%s: %w", s.Node, s.Grantee, err))
			continue
		}
		g.Ledger.Shares = append(g.Ledger.Shares, models.ShareRecord{
			Node: s.Node, Grantee: s.Grantee, Rights: rights, Timestamp: s.Timestamp,
		})
	}
	for _, ps := range t.PendingShares {
		rights, err := models.ParseRights(ps.Rights)
		if err != nil {
			errs = append(errs, fmt.Errorf("pending share %s/%s: %w", ps.Node, ps.PendingContact, err))
			continue
		}
		g.Ledger.PendingShares = append(g.Ledger.PendingShares, models.PendingShare{
			Node: ps.Node, PendingContact: ps.PendingContact, Rights: rights, Timestamp: ps.Timestamp,
		})
	}
	for _, e := range t.Outgoing {
		pc, err := e.PendingContact()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.Ledger.Outgoing = append(g.Ledger.Outgoing, pc)
	}
	for _, e := range t.Incoming {
		pc, err := e.PendingContact()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.Ledger.Incoming = append(g.Ledger.Incoming, pc)
	}
	return g, errors.Join(errs...)
}
