// Package packet defines the action-packet variants delivered by the
// server and decodes them from their JSON wire form.
package packet

import (
	"encoding/json"
	"time"

	"github.com/fruitsalade/cloudmirror/internal/models"
)

// Kind is the wire discriminator of a packet.
type Kind string

const (
	KindTree            Kind = "t"
	KindDelete          Kind = "d"
	KindUpdate          Kind = "u"
	KindShare           Kind = "s"
	KindPendingShare    Kind = "s2"
	KindOutgoingContact Kind = "opc"
	KindIncomingContact Kind = "ipc"
	KindIncomingStatus  Kind = "upci"
	KindOutgoingStatus  Kind = "upco"
	KindPublicLink      Kind = "ph"
	KindContact         Kind = "c"
	KindKeyExchange     Kind = "k"
	KindBilling         Kind = "psts"
	KindInvalid         Kind = "invalid"
)

// Header is common to every packet.
type Header struct {
	// Index is the packet's position in its batch.
	Index int
	// Tag is the request id the server echoes for packets caused by a
	// client request. Empty for foreign changes.
	Tag string
}

func (h Header) Head() Header { return h }

// SetTag stamps a locally built packet with the request that caused it.
func (h *Header) SetTag(tag string) { h.Tag = tag }

// Packet is one action packet. The set of implementations is closed; a
// Visitor handles each of them.
type Packet interface {
	Kind() Kind
	Head() Header
	Accept(v Visitor) error
}

// Visitor has one method per packet variant.
type Visitor interface {
	VisitTree(*Tree) error
	VisitDelete(*Delete) error
	VisitUpdate(*Update) error
	VisitShare(*Share) error
	VisitPendingShare(*PendingShare) error
	VisitPendingContact(*PendingContact) error
	VisitPendingContactStatus(*PendingContactStatus) error
	VisitPublicLink(*PublicLink) error
	VisitContact(*Contact) error
	VisitKeyExchange(*KeyExchange) error
	VisitBilling(*Billing) error
	VisitInvalid(*Invalid) error
}

// Batch is a list of packets delivered together.
type Batch struct {
	Seq     uint64
	Packets []Packet
}

// Tree creates nodes or moves existing ones. Nodes are listed parents
// first.
type Tree struct {
	Header
	Nodes []*models.Node
}

// Delete removes a node and its subtree.
type Delete struct {
	Header
	Node models.Handle
}

// Update replaces a node's encrypted attributes.
type Update struct {
	Header
	Node      models.Handle
	EncAttr   []byte
	Keys      map[models.Handle][]byte
	Timestamp int64
}

// Share grants or, when Rights is nil, revokes a share.
type Share struct {
	Header
	Node    models.Handle
	Grantee models.Handle
	Owner   models.Handle
	Rights  *models.Rights
	// ShareKey is the wrapped share key sent along with a grant.
	ShareKey  []byte
	Timestamp int64
}

// Revoke reports whether the packet removes the share.
func (s *Share) Revoke() bool { return s.Rights == nil }

// PendingShare offers a share to a pending contact, or withdraws the offer
// when Removed is set.
type PendingShare struct {
	Header
	Node           models.Handle
	PendingContact models.Handle
	Rights         models.Rights
	Timestamp      int64
	Removed        bool
}

// PendingContact creates or withdraws a pending contact request.
type PendingContact struct {
	Header
	Direction models.Direction
	ID        models.Handle
	Address   string
	Sent      time.Time
	Withdrawn *time.Time
}

// PendingContactStatus carries the counterpart's answer.
type PendingContactStatus struct {
	Header
	Direction models.Direction
	ID        models.Handle
	Status    models.ContactStatus
	// User is the counterpart's handle, known once it accepted.
	User models.Handle
}

// PublicLink exports or un-exports a node.
type PublicLink struct {
	Header
	Node         models.Handle
	PublicHandle models.Handle
	Removed      bool
}

// ContactEntry is one relationship change.
type ContactEntry struct {
	User  models.Handle
	Level int
	Email string
}

// Contact updates contact relationships.
type Contact struct {
	Header
	Users []ContactEntry
}

// KeyEntry is one key delivered by a key-exchange packet. The key is
// wrapped under the account's master key.
type KeyEntry struct {
	Handle models.Handle
	Key    []byte
}

// KeyExchange delivers share keys or user keys.
type KeyExchange struct {
	Header
	Keys []KeyEntry
}

// Billing is passed through untouched.
type Billing struct {
	Header
	Raw json.RawMessage
}

// Invalid stands in for an entry that could not be decoded.
type Invalid struct {
	Header
	// Wire is the discriminator found on the entry, if any.
	Wire string
	Raw  json.RawMessage
	Err  error
}

func (*Tree) Kind() Kind         { return KindTree }
func (*Delete) Kind() Kind       { return KindDelete }
func (*Update) Kind() Kind       { return KindUpdate }
func (*Share) Kind() Kind        { return KindShare }
func (*PendingShare) Kind() Kind { return KindPendingShare }
func (*PublicLink) Kind() Kind   { return KindPublicLink }
func (*Contact) Kind() Kind      { return KindContact }
func (*KeyExchange) Kind() Kind  { return KindKeyExchange }
func (*Billing) Kind() Kind      { return KindBilling }
func (*Invalid) Kind() Kind      { return KindInvalid }

func (p *PendingContact) Kind() Kind {
	if p.Direction == models.Incoming {
		return KindIncomingContact
	}
	return KindOutgoingContact
}

func (p *PendingContactStatus) Kind() Kind {
	if p.Direction == models.Incoming {
		return KindIncomingStatus
	}
	return KindOutgoingStatus
}

func (p *Tree) Accept(v Visitor) error                 { return v.VisitTree(p) }
func (p *Delete) Accept(v Visitor) error               { return v.VisitDelete(p) }
func (p *Update) Accept(v Visitor) error               { return v.VisitUpdate(p) }
func (p *Share) Accept(v Visitor) error                { return v.VisitShare(p) }
func (p *PendingShare) Accept(v Visitor) error         { return v.VisitPendingShare(p) }
func (p *PendingContact) Accept(v Visitor) error       { return v.VisitPendingContact(p) }
func (p *PendingContactStatus) Accept(v Visitor) error { return v.VisitPendingContactStatus(p) }
func (p *PublicLink) Accept(v Visitor) error           { return v.VisitPublicLink(p) }
func (p *Contact) Accept(v Visitor) error              { return v.VisitContact(p) }
func (p *KeyExchange) Accept(v Visitor) error          { return v.VisitKeyExchange(p) }
func (p *Billing) Accept(v Visitor) error              { return v.VisitBilling(p) }
func (p *Invalid) Accept(v Visitor) error              { return v.VisitInvalid(p) }
