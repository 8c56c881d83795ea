package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fruitsalade/cloudmirror/internal/models"
)

var (
	// ErrMalformedBatch is returned when the batch envelope itself cannot
	// be read. Individual bad entries never cause it.
	ErrMalformedBatch = errors.New("malformed action-packet batch")
	errMissingField   = errors.New("missing field")
)

// NodeRecord is the wire form of a node, shared by tree packets and the
// initial fetch.
type NodeRecord struct {
	Handle      models.Handle            `json:"h"`
	Parent      models.Handle            `json:"p,omitempty"`
	Type        *int                     `json:"t"`
	Owner       models.Handle            `json:"u,omitempty"`
	Size        int64                    `json:"s,omitempty"`
	Timestamp   int64                    `json:"ts,omitempty"`
	Attr        []byte                   `json:"a,omitempty"`
	Keys        map[models.Handle][]byte `json:"k,omitempty"`
	ShareKey    []byte                   `json:"sk,omitempty"`
	ShareOwner  models.Handle            `json:"su,omitempty"`
	ShareRights *int                     `json:"r,omitempty"`
	Email       string                   `json:"m,omitempty"`
	Level       int                      `json:"c,omitempty"`
}

// Node converts the record, rejecting records without handle or type.
func (r NodeRecord) Node() (*models.Node, error) {
	if r.Handle == "" {
		return nil, fmt.Errorf("node handle: %w", errMissingField)
	}
	if r.Type == nil {
		return nil, fmt.Errorf("node %s type: %w", r.Handle, errMissingField)
	}
	kind, err := models.ParseKind(*r.Type)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", r.Handle, err)
	}
	n := &models.Node{
		Handle:       r.Handle,
		Parent:       r.Parent,
		Kind:         kind,
		Owner:        r.Owner,
		Size:         r.Size,
		Timestamp:    r.Timestamp,
		EncAttr:      r.Attr,
		Keys:         r.Keys,
		ShareKey:     r.ShareKey,
		ShareOwner:   r.ShareOwner,
		Email:        r.Email,
		ContactLevel: r.Level,
	}
	if r.ShareRights != nil {
		if n.ShareRights, err = models.ParseRights(*r.ShareRights); err != nil {
			return nil, fmt.Errorf("node %s: %w", r.Handle, err)
		}
	}
	return n, nil
}

// RecordOf is the inverse of NodeRecord.Node.
func RecordOf(n *models.Node) NodeRecord {
	t := int(n.Kind)
	r := NodeRecord{
		Handle:     n.Handle,
		Parent:     n.Parent,
		Type:       &t,
		Owner:      n.Owner,
		Size:       n.Size,
		Timestamp:  n.Timestamp,
		Attr:       n.EncAttr,
		Keys:       n.Keys,
		ShareKey:   n.ShareKey,
		ShareOwner: n.ShareOwner,
		Email:      n.Email,
		Level:      n.ContactLevel,
	}
	if n.ShareOwner != "" {
		rights := int(n.ShareRights)
		r.ShareRights = &rights
	}
	return r
}

// ShareEntry is the wire form of a share record.
type ShareEntry struct {
	Node      models.Handle `json:"h"`
	Grantee   models.Handle `json:"u"`
	Rights    int           `json:"r"`
	Timestamp int64         `json:"ts,omitempty"`
}

// PendingShareEntry is the wire form of a pending share.
type PendingShareEntry struct {
	Node           models.Handle `json:"h"`
	PendingContact models.Handle `json:"p"`
	Rights         int           `json:"r"`
	Timestamp      int64         `json:"ts,omitempty"`
}

// PendingContactEntry is the wire form of a pending contact.
type PendingContactEntry struct {
	ID        models.Handle `json:"p"`
	Address   string        `json:"m"`
	Sent      int64         `json:"ts"`
	Withdrawn int64         `json:"dts,omitempty"`
	Status    int           `json:"s,omitempty"`
	User      models.Handle `json:"u,omitempty"`
}

// PendingContact converts the entry.
func (e PendingContactEntry) PendingContact() (models.PendingContact, error) {
	if e.ID == "" {
		return models.PendingContact{}, fmt.Errorf("pending contact id: %w", errMissingField)
	}
	status, err := models.ParseContactStatus(e.Status)
	if err != nil {
		return models.PendingContact{}, err
	}
	pc := models.PendingContact{
		ID:      e.ID,
		Address: e.Address,
		Sent:    unix(e.Sent),
		Status:  status,
		User:    e.User,
	}
	if e.Withdrawn != 0 {
		w := unix(e.Withdrawn)
		pc.Withdrawn = &w
	}
	return pc, nil
}

func unix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

type envelope struct {
	Seq     *uint64           `json:"sn"`
	Packets []json.RawMessage `json:"a"`
}

// wirePacket is the union of every packet's fields.
type wirePacket struct {
	Action string `json:"a"`
	Tag    string `json:"i,omitempty"`

	Nodes []NodeRecord `json:"f,omitempty"`

	Node       models.Handle            `json:"n,omitempty"`
	Attr       []byte                   `json:"at,omitempty"`
	Keys       map[models.Handle][]byte `json:"k,omitempty"`
	Timestamp  int64                    `json:"ts,omitempty"`
	Grantee    models.Handle            `json:"u,omitempty"`
	Owner      models.Handle            `json:"o,omitempty"`
	Rights     *int                     `json:"r,omitempty"`
	ShareKey   []byte                   `json:"ok,omitempty"`
	Pending    models.Handle            `json:"p,omitempty"`
	Address    string                   `json:"m,omitempty"`
	Withdrawn  int64                    `json:"dts,omitempty"`
	Status     *int                     `json:"s,omitempty"`
	Handle     models.Handle            `json:"h,omitempty"`
	PublicLink models.Handle            `json:"ph,omitempty"`
	Removed    int                      `json:"d,omitempty"`
	Contacts   []wireContact            `json:"c,omitempty"`
	KeyEntries []wireKey                `json:"sr,omitempty"`
}

type wireContact struct {
	User  models.Handle `json:"u"`
	Level int           `json:"c"`
	Email string        `json:"m,omitempty"`
}

type wireKey struct {
	Handle models.Handle `json:"h"`
	Key    []byte        `json:"k"`
}

// DecodeBatch parses a batch envelope. Entries that cannot be decoded are
// returned as *Invalid so that the rest of the batch still applies.
func DecodeBatch(data []byte) (Batch, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if env.Seq == nil {
		return Batch{}, fmt.Errorf("%w: no sequence number", ErrMalformedBatch)
	}

	b := Batch{Seq: *env.Seq, Packets: make([]Packet, 0, len(env.Packets))}
	for i, raw := range env.Packets {
		b.Packets = append(b.Packets, Decode(i, raw))
	}
	return b, nil
}

// Decode parses one packet. It never fails: problems yield an *Invalid.
func Decode(index int, raw json.RawMessage) Packet {
	var head struct {
		Action string `json:"a"`
		Tag    string `json:"i"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return &Invalid{Header: Header{Index: index}, Raw: raw, Err: err}
	}
	h := Header{Index: index, Tag: head.Tag}

	// Billing payloads are opaque and may not fit the shared field set.
	if Kind(head.Action) == KindBilling {
		return &Billing{Header: h, Raw: raw}
	}

	var w wirePacket
	if err := json.Unmarshal(raw, &w); err != nil {
		return &Invalid{Header: h, Wire: head.Action, Raw: raw, Err: err}
	}
	p, err := w.packet(h)
	if err != nil {
		return &Invalid{Header: h, Wire: head.Action, Raw: raw, Err: err}
	}
	return p
}

func (w *wirePacket) packet(h Header) (Packet, error) {
	switch Kind(w.Action) {
	case KindTree:
		if len(w.Nodes) == 0 {
			return nil, fmt.Errorf("tree nodes: %w", errMissingField)
		}
		p := &Tree{Header: h, Nodes: make([]*models.Node, 0, len(w.Nodes))}
		for _, r := range w.Nodes {
			n, err := r.Node()
			if err != nil {
				return nil, err
			}
			p.Nodes = append(p.Nodes, n)
		}
		return p, nil

	case KindDelete:
		if w.Node == "" {
			return nil, fmt.Errorf("delete node: %w", errMissingField)
		}
		return &Delete{Header: h, Node: w.Node}, nil

	case KindUpdate:
		if w.Node == "" {
			return nil, fmt.Errorf("update node: %w", errMissingField)
		}
		return &Update{Header: h, Node: w.Node, EncAttr: w.Attr, Keys: w.Keys, Timestamp: w.Timestamp}, nil

	case KindShare:
		if w.Node == "" || w.Grantee == "" {
			return nil, fmt.Errorf("share node and grantee: %w", errMissingField)
		}
		p := &Share{Header: h, Node: w.Node, Grantee: w.Grantee, Owner: w.Owner, ShareKey: w.ShareKey, Timestamp: w.Timestamp}
		if w.Rights != nil {
			r, err := models.ParseRights(*w.Rights)
			if err != nil {
				return nil, err
			}
			p.Rights = &r
		}
		return p, nil

	case KindPendingShare:
		if w.Node == "" || w.Pending == "" {
			return nil, fmt.Errorf("pending share node and contact: %w", errMissingField)
		}
		p := &PendingShare{Header: h, Node: w.Node, PendingContact: w.Pending, Timestamp: w.Timestamp, Removed: w.Rights == nil}
		if w.Rights != nil {
			r, err := models.ParseRights(*w.Rights)
			if err != nil {
				return nil, err
			}
			p.Rights = r
		}
		return p, nil

	case KindOutgoingContact, KindIncomingContact:
		if w.Pending == "" {
			return nil, fmt.Errorf("pending contact id: %w", errMissingField)
		}
		p := &PendingContact{Header: h, Direction: direction(w.Action), ID: w.Pending, Address: w.Address, Sent: unix(w.Timestamp)}
		if w.Withdrawn != 0 {
			t := unix(w.Withdrawn)
			p.Withdrawn = &t
		}
		return p, nil

	case KindIncomingStatus, KindOutgoingStatus:
		if w.Pending == "" || w.Status == nil {
			return nil, fmt.Errorf("pending contact status: %w", errMissingField)
		}
		s, err := models.ParseContactStatus(*w.Status)
		if err != nil {
			return nil, err
		}
		return &PendingContactStatus{Header: h, Direction: direction(w.Action), ID: w.Pending, Status: s, User: w.Grantee}, nil

	case KindPublicLink:
		if w.Handle == "" {
			return nil, fmt.Errorf("public link node: %w", errMissingField)
		}
		if w.Removed == 0 && w.PublicLink == "" {
			return nil, fmt.Errorf("public handle: %w", errMissingField)
		}
		return &PublicLink{Header: h, Node: w.Handle, PublicHandle: w.PublicLink, Removed: w.Removed != 0}, nil

	case KindContact:
		if len(w.Contacts) == 0 {
			return nil, fmt.Errorf("contact users: %w", errMissingField)
		}
		p := &Contact{Header: h}
		for _, c := range w.Contacts {
			if c.User == "" {
				return nil, fmt.Errorf("contact user: %w", errMissingField)
			}
			p.Users = append(p.Users, ContactEntry{User: c.User, Level: c.Level, Email: c.Email})
		}
		return p, nil

	case KindKeyExchange:
		if len(w.KeyEntries) == 0 {
			return nil, fmt.Errorf("key entries: %w", errMissingField)
		}
		p := &KeyExchange{Header: h}
		for _, k := range w.KeyEntries {
			if k.Handle == "" || len(k.Key) == 0 {
				return nil, fmt.Errorf("key entry: %w", errMissingField)
			}
			p.Keys = append(p.Keys, KeyEntry{Handle: k.Handle, Key: k.Key})
		}
		return p, nil

	case "":
		return nil, fmt.Errorf("discriminator: %w", errMissingField)
	default:
		return nil, fmt.Errorf("unknown packet kind %q", w.Action)
	}
}

func direction(action string) models.Direction {
	switch Kind(action) {
	case KindIncomingContact, KindIncomingStatus:
		return models.Incoming
	default:
		return models.Outgoing
	}
}
