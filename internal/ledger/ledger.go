// Package ledger tracks shares, pending contacts and pending shares.
package ledger

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/fruitsalade/cloudmirror/internal/events"
	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

// ErrNoPendingShare is returned when promoting a pair that was never pending.
var ErrNoPendingShare = errors.New("no pending share")

type pair struct {
	node, pending models.Handle
}

// Ledger is owned by the same goroutine as the graph store.
type Ledger struct {
	shares    map[models.Handle]map[models.Handle]models.ShareRecord
	shareKeys map[models.Handle][]byte

	outgoing map[models.Handle]*models.PendingContact
	incoming map[models.Handle]*models.PendingContact

	pendingShares map[models.Handle]map[models.Handle]models.PendingShare
	// promoted remembers every (node, pending contact) pair already turned
	// into a share record, with the grantee it produced.
	promoted map[pair]models.Handle
	// resolved maps pending contact ids to the user handle that accepted.
	resolved map[models.Handle]models.Handle

	notifier events.Notifier
}

// New creates an empty ledger publishing to notifier (may be nil).
func New(notifier events.Notifier) *Ledger {
	if notifier == nil {
		notifier = events.Discard{}
	}
	return &Ledger{
		shares:        make(map[models.Handle]map[models.Handle]models.ShareRecord),
		shareKeys:     make(map[models.Handle][]byte),
		outgoing:      make(map[models.Handle]*models.PendingContact),
		incoming:      make(map[models.Handle]*models.PendingContact),
		pendingShares: make(map[models.Handle]map[models.Handle]models.PendingShare),
		promoted:      make(map[pair]models.Handle),
		resolved:      make(map[models.Handle]models.Handle),
		notifier:      notifier,
	}
}

// ─── Shares ─────────────────────────────────────────────────────────────────

// GrantShare records (or updates) a share of node to grantee.
func (l *Ledger) GrantShare(node, grantee models.Handle, rights models.Rights, ts int64) models.ShareRecord {
	rec := models.ShareRecord{Node: node, Grantee: grantee, Rights: rights, Timestamp: ts}
	if l.shares[node] == nil {
		l.shares[node] = make(map[models.Handle]models.ShareRecord)
	}
	l.shares[node][grantee] = rec
	l.publish(events.ShareChanged{Node: node, Grantee: grantee, UserFacing: true})
	return rec
}

// RevokeShare removes the share of node to grantee. Revoking the last
// grantee clears the node's share list and its cached share key.
func (l *Ledger) RevokeShare(node, grantee models.Handle) bool {
	set, ok := l.shares[node]
	if !ok {
		return false
	}
	if _, ok := set[grantee]; !ok {
		return false
	}
	delete(set, grantee)
	if len(set) == 0 {
		delete(l.shares, node)
		delete(l.shareKeys, node)
	}
	l.publish(events.ShareChanged{Node: node, Grantee: grantee, Removed: true, UserFacing: true})
	return true
}

// SharesOf returns the share records of node ordered by grantee.
func (l *Ledger) SharesOf(node models.Handle) []models.ShareRecord {
	set := l.shares[node]
	out := slices.Collect(maps.Values(set))
	slices.SortFunc(out, func(a, b models.ShareRecord) int { return cmp.Compare(a.Grantee, b.Grantee) })
	return out
}

// Share returns one share record.
func (l *Ledger) Share(node, grantee models.Handle) (models.ShareRecord, bool) {
	rec, ok := l.shares[node][grantee]
	return rec, ok
}

// IsShared reports whether node has at least one share record.
func (l *Ledger) IsShared(node models.Handle) bool {
	return len(l.shares[node]) > 0
}

// SharedNodes returns every node with at least one share record.
func (l *Ledger) SharedNodes() []models.Handle {
	out := slices.Collect(maps.Keys(l.shares))
	slices.Sort(out)
	return out
}

// ShareCount returns the total number of share records.
func (l *Ledger) ShareCount() int {
	n := 0
	for _, set := range l.shares {
		n += len(set)
	}
	return n
}

// SetShareKey caches the unwrapped share key of node.
func (l *Ledger) SetShareKey(node models.Handle, key []byte) {
	l.shareKeys[node] = slices.Clone(key)
}

// ShareKey returns the cached share key of node.
func (l *Ledger) ShareKey(node models.Handle) ([]byte, bool) {
	k, ok := l.shareKeys[node]
	return k, ok
}

// ForgetNode drops everything the ledger knows about a deleted node.
func (l *Ledger) ForgetNode(node models.Handle) {
	_, shared := l.shares[node]
	_, pending := l.pendingShares[node]
	delete(l.shares, node)
	delete(l.shareKeys, node)
	delete(l.pendingShares, node)
	for p := range l.promoted {
		if p.node == node {
			delete(l.promoted, p)
		}
	}
	if shared || pending {
		l.publish(events.ShareChanged{Node: node, Removed: true, UserFacing: true})
	}
}

// ─── Pending contacts ───────────────────────────────────────────────────────

func (l *Ledger) contacts(dir models.Direction) map[models.Handle]*models.PendingContact {
	if dir == models.Incoming {
		return l.incoming
	}
	return l.outgoing
}

// AddPendingContact records (or replaces) a pending contact.
func (l *Ledger) AddPendingContact(dir models.Direction, pc models.PendingContact, userFacing bool) {
	c := pc
	l.contacts(dir)[pc.ID] = &c
	if pc.User != "" {
		l.resolved[pc.ID] = pc.User
	}
	l.publish(events.ShareChanged{Pending: pc.ID, UserFacing: userFacing})
}

// RemovePendingContact removes a pending contact in one direction only.
func (l *Ledger) RemovePendingContact(dir models.Direction, id models.Handle, userFacing bool) bool {
	set := l.contacts(dir)
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	l.publish(events.ShareChanged{Pending: id, Removed: true, UserFacing: userFacing})
	return true
}

// PendingContact returns a pending contact by id.
func (l *Ledger) PendingContact(dir models.Direction, id models.Handle) (models.PendingContact, bool) {
	pc, ok := l.contacts(dir)[id]
	if !ok {
		return models.PendingContact{}, false
	}
	return *pc, true
}

// PendingContacts returns the pending contacts of one direction by id.
func (l *Ledger) PendingContacts(dir models.Direction) []models.PendingContact {
	set := l.contacts(dir)
	out := make([]models.PendingContact, 0, len(set))
	for _, pc := range set {
		out = append(out, *pc)
	}
	slices.SortFunc(out, func(a, b models.PendingContact) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// FindPendingContactByAddress looks a pending contact up by counterpart address.
func (l *Ledger) FindPendingContactByAddress(dir models.Direction, address string) (models.PendingContact, bool) {
	for _, pc := range l.contacts(dir) {
		if pc.Address == address {
			return *pc, true
		}
	}
	return models.PendingContact{}, false
}

// SetPendingContactStatus records the counterpart's answer. Accepting
// remembers the user handle so pending shares can be promoted later.
func (l *Ledger) SetPendingContactStatus(dir models.Direction, id models.Handle, status models.ContactStatus, user models.Handle, userFacing bool) bool {
	if user != "" && status == models.StatusAccepted {
		l.resolved[id] = user
	}
	pc, ok := l.contacts(dir)[id]
	if !ok {
		return false
	}
	pc.Status = status
	if user != "" {
		pc.User = user
	}
	l.publish(events.ShareChanged{Pending: id, UserFacing: userFacing})
	return true
}

// ResolvedUser returns the user that accepted pending contact id.
func (l *Ledger) ResolvedUser(id models.Handle) (models.Handle, bool) {
	u, ok := l.resolved[id]
	return u, ok
}

// ─── Pending shares ─────────────────────────────────────────────────────────

// AddPendingShare records a share offered to a pending contact. A pair that
// has already been promoted is not pending again.
func (l *Ledger) AddPendingShare(ps models.PendingShare) bool {
	if _, done := l.promoted[pair{ps.Node, ps.PendingContact}]; done {
		return false
	}
	if l.pendingShares[ps.Node] == nil {
		l.pendingShares[ps.Node] = make(map[models.Handle]models.PendingShare)
	}
	l.pendingShares[ps.Node][ps.PendingContact] = ps
	l.publish(events.ShareChanged{Node: ps.Node, Pending: ps.PendingContact, UserFacing: true})
	return true
}

// RemovePendingShare removes the pending share of node to pending contact id.
func (l *Ledger) RemovePendingShare(node, id models.Handle) bool {
	set, ok := l.pendingShares[node]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(l.pendingShares, node)
	}
	l.publish(events.ShareChanged{Node: node, Pending: id, Removed: true, UserFacing: true})
	return true
}

// DropPendingSharesFor removes every pending share offered to pending
// contact id and returns the affected nodes.
func (l *Ledger) DropPendingSharesFor(id models.Handle) []models.Handle {
	var nodes []models.Handle
	for node, set := range l.pendingShares {
		if _, ok := set[id]; ok {
			nodes = append(nodes, node)
		}
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		l.RemovePendingShare(node, id)
	}
	return nodes
}

// PendingSharesOf returns the pending shares of node.
func (l *Ledger) PendingSharesOf(node models.Handle) []models.PendingShare {
	out := slices.Collect(maps.Values(l.pendingShares[node]))
	slices.SortFunc(out, func(a, b models.PendingShare) int { return cmp.Compare(a.PendingContact, b.PendingContact) })
	return out
}

// PendingSharesFor returns the pending shares offered to pending contact id.
func (l *Ledger) PendingSharesFor(id models.Handle) []models.PendingShare {
	var out []models.PendingShare
	for _, set := range l.pendingShares {
		if ps, ok := set[id]; ok {
			out = append(out, ps)
		}
	}
	slices.SortFunc(out, func(a, b models.PendingShare) int { return cmp.Compare(a.Node, b.Node) })
	return out
}

// PromotePendingShareToFull turns the pending share of node to pending
// contact id into a share record. Each pair is promoted exactly once;
// repeating the call returns the existing record and false.
func (l *Ledger) PromotePendingShareToFull(node, id models.Handle) (models.ShareRecord, bool, error) {
	key := pair{node, id}
	if grantee, done := l.promoted[key]; done {
		rec, _ := l.Share(node, grantee)
		return rec, false, nil
	}

	ps, ok := l.pendingShares[node][id]
	if !ok {
		return models.ShareRecord{}, false, fmt.Errorf("promote %s/%s: %w", node, id, ErrNoPendingShare)
	}

	grantee, ok := l.resolved[id]
	if !ok {
		grantee = id
		if pc, found := l.outgoing[id]; found && pc.Address != "" {
			grantee = models.Handle(pc.Address)
		}
	}

	l.RemovePendingShare(node, id)
	rec := l.GrantShare(node, grantee, ps.Rights, ps.Timestamp)
	l.promoted[key] = grantee
	return rec, true, nil
}

func (l *Ledger) publish(e events.ShareChanged) {
	metrics.SetSharesActive(l.ShareCount())
	l.notifier.ShareChanged(e)
}
