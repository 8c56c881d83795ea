package ledger

import (
	"cmp"
	"slices"

	"github.com/fruitsalade/cloudmirror/internal/events"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

// Snapshot is the persistable state of a ledger. Cached share keys are not
// part of it; they are re-derived from the nodes' wrapped share keys and
// the persisted key ring.
type Snapshot struct {
	Shares        []models.ShareRecord    `cbor:"shares"`
	PendingShares []models.PendingShare   `cbor:"pending_shares"`
	Outgoing      []models.PendingContact `cbor:"outgoing"`
	Incoming      []models.PendingContact `cbor:"incoming"`
}

// Export returns the ledger's state in a stable order.
func (l *Ledger) Export() Snapshot {
	var snap Snapshot
	for _, node := range l.SharedNodes() {
		snap.Shares = append(snap.Shares, l.SharesOf(node)...)
	}
	for _, set := range l.pendingShares {
		for _, ps := range set {
			snap.PendingShares = append(snap.PendingShares, ps)
		}
	}
	slices.SortFunc(snap.PendingShares, func(a, b models.PendingShare) int {
		return cmp.Or(cmp.Compare(a.Node, b.Node), cmp.Compare(a.PendingContact, b.PendingContact))
	})
	snap.Outgoing = l.PendingContacts(models.Outgoing)
	snap.Incoming = l.PendingContacts(models.Incoming)
	return snap
}

// Import loads a snapshot without publishing notifications.
func (l *Ledger) Import(snap Snapshot) {
	notifier := l.notifier
	l.notifier = events.Discard{}
	defer func() { l.notifier = notifier }()

	for _, rec := range snap.Shares {
		l.GrantShare(rec.Node, rec.Grantee, rec.Rights, rec.Timestamp)
	}
	for _, ps := range snap.PendingShares {
		l.AddPendingShare(ps)
	}
	for _, pc := range snap.Outgoing {
		l.AddPendingContact(models.Outgoing, pc, false)
	}
	for _, pc := range snap.Incoming {
		l.AddPendingContact(models.Incoming, pc, false)
	}
}
