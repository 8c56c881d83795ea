package processor

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/models"
	"github.com/fruitsalade/cloudmirror/internal/packet"
)

var errInvalid = errors.New("invalid packet")

// dropped marks a packet that was deliberately not applied, usually
// because it refers to a node that is not loaded.
type dropped struct {
	reason string
}

func (d *dropped) Error() string { return "dropped: " + d.reason }

func drop(format string, args ...any) error {
	return &dropped{reason: fmt.Sprintf(format, args...)}
}

// VisitTree applies creations and moves. Missing parents are tolerated by
// the store, so tree packets are never dropped.
func (p *Processor) VisitTree(t *packet.Tree) error {
	var errs []error
	for _, n := range t.Nodes {
		if err := p.addNode(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) addNode(n *models.Node) error {
	existing, ok := p.store.Get(n.Handle)
	var oldBlob []byte
	if ok {
		oldBlob = existing.EncAttr
	}
	if err := p.store.AddNode(n); err != nil {
		return fmt.Errorf("node %s: %w", n.Handle, err)
	}
	cur, _ := p.store.Get(n.Handle)
	if len(cur.EncAttr) > 0 && (!ok || !cur.Decoded || !bytes.Equal(oldBlob, cur.EncAttr)) {
		p.queueDecode(n.Handle)
	}
	return nil
}

// VisitDelete removes a node and its subtree. An unknown node is already
// in the desired state.
func (p *Processor) VisitDelete(d *packet.Delete) error {
	if !p.store.Has(d.Node) {
		return drop("delete of unknown node %s", d.Node)
	}
	p.removeSubtree(d.Node)
	return nil
}

func (p *Processor) removeSubtree(h models.Handle) {
	handles := []models.Handle{h}
	for i := 0; i < len(handles); i++ {
		handles = append(handles, p.store.ChildrenOf(handles[i])...)
	}
	p.store.DeleteNode(h)
	for _, gone := range handles {
		p.ledger.ForgetNode(gone)
		p.decoder.Missing().Remove(gone)
		delete(p.fresh, gone)
	}
}

// VisitUpdate replaces encrypted attributes. Updates for unknown nodes are
// dropped: the node will arrive with current attributes.
func (p *Processor) VisitUpdate(u *packet.Update) error {
	n, ok := p.store.Get(u.Node)
	if !ok {
		return drop("update of unknown node %s", u.Node)
	}
	patch := models.Patch{Keys: u.Keys}
	if u.Timestamp != 0 {
		patch.Timestamp = &u.Timestamp
	}
	changed := len(u.EncAttr) > 0 && !bytes.Equal(u.EncAttr, n.EncAttr)
	if changed {
		patch.EncAttr = u.EncAttr
		patch.Decoded = models.Ptr(false)
	}
	if err := p.store.SetAttributes(u.Node, patch); err != nil {
		return err
	}
	if changed || (len(u.Keys) > 0 && !n.Decoded) {
		p.queueDecode(u.Node)
	}
	return nil
}

func (p *Processor) outgoing(s *packet.Share) bool {
	if s.Owner != "" {
		return s.Owner == p.self
	}
	return s.Grantee != p.self
}

// VisitShare grants or revokes a share. Outgoing shares are recorded even
// when the node is not loaded. An incoming revoke removes the shared
// subtree from the mirror.
func (p *Processor) VisitShare(s *packet.Share) error {
	if p.outgoing(s) {
		if s.Revoke() {
			if !p.ledger.RevokeShare(s.Node, s.Grantee) {
				return drop("revoke of unrecorded share %s/%s", s.Node, s.Grantee)
			}
			return p.forgetShareKey(s.Node)
		}
		p.ledger.GrantShare(s.Node, s.Grantee, *s.Rights, s.Timestamp)
		return p.installShareKey(s.Node, s.ShareKey)
	}

	if s.Revoke() {
		if !p.store.Has(s.Node) {
			return drop("incoming revoke for unknown node %s", s.Node)
		}
		p.removeSubtree(s.Node)
		p.ring.Delete(s.Node)
		return nil
	}
	if err := p.installShareKey(s.Node, s.ShareKey); err != nil {
		return err
	}
	if p.store.Has(s.Node) && s.Owner != "" {
		return p.store.SetAttributes(s.Node, models.Patch{ShareOwner: &s.Owner, ShareRights: s.Rights})
	}
	return nil
}

// forgetShareKey drops the share key of a node nobody is granted any more.
func (p *Processor) forgetShareKey(node models.Handle) error {
	if p.ledger.IsShared(node) {
		return nil
	}
	p.ring.Delete(node)
	if p.store.Has(node) {
		return p.store.SetAttributes(node, models.Patch{ClearShareKey: true})
	}
	return nil
}

// installShareKey unwraps a share key delivered with a grant.
func (p *Processor) installShareKey(node models.Handle, wrapped []byte) error {
	if len(wrapped) == 0 {
		return nil
	}
	sk, err := p.codec.UnwrapKey(wrapped, p.ring.Master())
	if err != nil {
		return fmt.Errorf("share key for %s: %w", node, err)
	}
	if p.ring.Put(node, sk) {
		p.keysArrived = true
	}
	p.ledger.SetShareKey(node, sk)
	if p.store.Has(node) {
		return p.store.SetAttributes(node, models.Patch{ShareKey: wrapped})
	}
	return nil
}

// VisitPendingShare records a share offered to a pending contact whether
// or not the node is loaded. An offer to a contact that already accepted
// is promoted straight away.
func (p *Processor) VisitPendingShare(s *packet.PendingShare) error {
	if s.Removed {
		if !p.ledger.RemovePendingShare(s.Node, s.PendingContact) {
			return drop("removal of unknown pending share %s/%s", s.Node, s.PendingContact)
		}
		return nil
	}
	ok := p.ledger.AddPendingShare(models.PendingShare{
		Node:           s.Node,
		PendingContact: s.PendingContact,
		Rights:         s.Rights,
		Timestamp:      s.Timestamp,
	})
	if !ok {
		return drop("pending share %s/%s already promoted", s.Node, s.PendingContact)
	}
	if _, accepted := p.ledger.ResolvedUser(s.PendingContact); accepted {
		_, _, err := p.ledger.PromotePendingShareToFull(s.Node, s.PendingContact)
		return err
	}
	return nil
}

// VisitPendingContact adds or withdraws a pending contact. Withdrawing an
// outgoing request also withdraws the shares offered with it.
func (p *Processor) VisitPendingContact(c *packet.PendingContact) error {
	userFacing := !p.cur.fromSelf
	if c.Withdrawn != nil {
		removed := p.ledger.RemovePendingContact(c.Direction, c.ID, userFacing)
		if c.Direction == models.Outgoing {
			p.ledger.DropPendingSharesFor(c.ID)
		}
		if !removed {
			return drop("withdrawal of unknown pending contact %s", c.ID)
		}
		return nil
	}
	p.ledger.AddPendingContact(c.Direction, models.PendingContact{
		ID:      c.ID,
		Address: c.Address,
		Sent:    c.Sent,
	}, userFacing)
	return nil
}

// VisitPendingContactStatus records the counterpart's answer. Acceptance
// promotes the pending shares; denial drops them. Both end the request.
func (p *Processor) VisitPendingContactStatus(s *packet.PendingContactStatus) error {
	userFacing := !p.cur.fromSelf
	p.ledger.SetPendingContactStatus(s.Direction, s.ID, s.Status, s.User, userFacing)

	switch s.Status {
	case models.StatusAccepted:
		var errs []error
		if s.Direction == models.Outgoing {
			for _, ps := range p.ledger.PendingSharesFor(s.ID) {
				if _, _, err := p.ledger.PromotePendingShareToFull(ps.Node, s.ID); err != nil {
					errs = append(errs, err)
				}
			}
		}
		p.ledger.RemovePendingContact(s.Direction, s.ID, userFacing)
		return errors.Join(errs...)
	case models.StatusDenied:
		if s.Direction == models.Outgoing {
			p.ledger.DropPendingSharesFor(s.ID)
		}
		p.ledger.RemovePendingContact(s.Direction, s.ID, userFacing)
	}
	return nil
}

// VisitPublicLink exports or un-exports a loaded node. A public link is a
// share to the public grantee.
func (p *Processor) VisitPublicLink(l *packet.PublicLink) error {
	if !p.store.Has(l.Node) {
		return drop("public link for unknown node %s", l.Node)
	}
	if l.Removed {
		p.ledger.RevokeShare(l.Node, models.PublicGrantee)
		if err := p.forgetShareKey(l.Node); err != nil {
			return err
		}
		return p.store.SetAttributes(l.Node, models.Patch{PublicHandle: models.Ptr(models.Handle(""))})
	}
	p.ledger.GrantShare(l.Node, models.PublicGrantee, models.ReadOnly, 0)
	return p.store.SetAttributes(l.Node, models.Patch{PublicHandle: &l.PublicHandle})
}

// VisitContact creates or updates contact pseudo-nodes.
func (p *Processor) VisitContact(c *packet.Contact) error {
	var errs []error
	for _, u := range c.Users {
		if !u.User.IsUser() {
			errs = append(errs, fmt.Errorf("%w: contact handle %q", errInvalid, u.User))
			continue
		}
		if p.store.Has(u.User) {
			patch := models.Patch{ContactLevel: models.Ptr(u.Level)}
			if u.Email != "" {
				patch.Email = &u.Email
			}
			if err := p.store.SetAttributes(u.User, patch); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		n := &models.Node{Handle: u.User, Kind: models.KindContact, Email: u.Email, ContactLevel: u.Level}
		if err := p.store.AddNode(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// VisitKeyExchange installs share and user keys and schedules a retry of
// the nodes that were waiting for keys.
func (p *Processor) VisitKeyExchange(k *packet.KeyExchange) error {
	var errs []error
	for _, e := range k.Keys {
		key, err := p.codec.UnwrapKey(e.Key, p.ring.Master())
		if err != nil {
			errs = append(errs, fmt.Errorf("key for %s: %w", e.Handle, err))
			continue
		}
		if p.ring.Put(e.Handle, key) {
			p.keysArrived = true
		}
		if !e.Handle.IsUser() {
			p.ledger.SetShareKey(e.Handle, key)
		}
	}
	return errors.Join(errs...)
}

// VisitBilling passes the payload to the billing sink.
func (p *Processor) VisitBilling(b *packet.Billing) error {
	if p.billing == nil {
		return drop("no billing sink")
	}
	p.billing.Billing(p.cur.ctx, b.Raw)
	return nil
}

// VisitInvalid reports the decode error.
func (p *Processor) VisitInvalid(inv *packet.Invalid) error {
	logging.WithContext(p.cur.ctx).Debug("undecodable packet", zap.ByteString("raw", inv.Raw))
	if inv.Wire != "" {
		return fmt.Errorf("%w %q: %v", errInvalid, inv.Wire, inv.Err)
	}
	return fmt.Errorf("%w: %v", errInvalid, inv.Err)
}
