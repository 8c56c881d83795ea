// Package models contains the value types shared by every part of the mirror.
package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Handle is an opaque, fixed-length identifier. Nodes use 8-character
// handles; users and contacts use 11-character handles.
type Handle string

const (
	NodeHandleLen = 8
	UserHandleLen = 11

	// ContactsRoot is the virtual parent of every contact pseudo-node.
	ContactsRoot Handle = "contacts"
)

// IsUser reports whether h has the user/contact form.
func (h Handle) IsUser() bool {
	return len(h) == UserHandleLen
}

func (h Handle) String() string {
	return string(h)
}

// Kind is the immutable type of a node. The numeric values of the first five
// kinds match the wire encoding.
type Kind int

const (
	KindFile Kind = iota
	KindFolder
	KindRoot
	KindInbox
	KindRubbish
	KindContact
)

// ErrKindImmutable is returned when a mutation tries to change a node's kind.
var ErrKindImmutable = errors.New("node kind is immutable")

// ParseKind maps a wire type number to a Kind.
func ParseKind(t int) (Kind, error) {
	if t < int(KindFile) || t > int(KindContact) {
		return 0, fmt.Errorf("unknown node type %d", t)
	}
	return Kind(t), nil
}

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	case KindRoot:
		return "root"
	case KindInbox:
		return "inbox"
	case KindRubbish:
		return "rubbish"
	case KindContact:
		return "contact"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsContainer reports whether nodes of this kind can have children.
func (k Kind) IsContainer() bool {
	return k != KindFile
}

// IsTopLevel reports whether the kind is one of the account's own roots.
func (k Kind) IsTopLevel() bool {
	return k == KindRoot || k == KindInbox || k == KindRubbish
}

// Attributes are the decoded contents of a node's encrypted attribute blob.
type Attributes struct {
	Name     string `json:"n" cbor:"n"`
	ModTime  int64  `json:"mt,omitempty" cbor:"mt,omitempty"`
	Favorite bool   `json:"fav,omitempty" cbor:"fav,omitempty"`
	Label    int    `json:"lbl,omitempty" cbor:"lbl,omitempty"`
	Hash     string `json:"c,omitempty" cbor:"c,omitempty"`
}

// Node is one entry of the mirrored graph.
type Node struct {
	Handle    Handle `cbor:"h"`
	Parent    Handle `cbor:"p,omitempty"`
	Kind      Kind   `cbor:"t"`
	Owner     Handle `cbor:"u,omitempty"`
	Size      int64  `cbor:"s,omitempty"`
	Timestamp int64  `cbor:"ts,omitempty"`

	// EncAttr is the attribute blob as delivered by the server.
	EncAttr []byte `cbor:"a,omitempty"`
	// Keys holds the wrapped node key per key-owner handle (own user,
	// share root or another user).
	Keys map[Handle][]byte `cbor:"k,omitempty"`
	// ShareKey is the wrapped share key carried by share roots.
	ShareKey []byte `cbor:"sk,omitempty"`

	// Key is the unwrapped node key once decoding succeeded. It is never
	// persisted.
	Key     []byte     `cbor:"-"`
	Attrs   Attributes `cbor:"attrs"`
	Decoded bool       `cbor:"dec,omitempty"`

	// ShareOwner and ShareRights are set on the root of an incoming share.
	ShareOwner  Handle `cbor:"su,omitempty"`
	ShareRights Rights `cbor:"r,omitempty"`

	PublicHandle Handle `cbor:"ph,omitempty"`

	// Contact pseudo-node fields.
	Email        string `cbor:"m,omitempty"`
	ContactLevel int    `cbor:"c,omitempty"`
}

// IsInShareRoot reports whether n is the top of an incoming share.
func (n *Node) IsInShareRoot() bool {
	return n.ShareOwner != ""
}

// IsShareKeyBearer reports whether n carries a share key that other nodes'
// keys may depend on.
func (n *Node) IsShareKeyBearer() bool {
	return len(n.ShareKey) > 0
}

// Name returns the decoded name, or the handle while the node is undecoded.
func (n *Node) Name() string {
	if n.Decoded && n.Attrs.Name != "" {
		return n.Attrs.Name
	}
	if n.Kind == KindContact && n.Email != "" {
		return n.Email
	}
	return string(n.Handle)
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.EncAttr = slices.Clone(n.EncAttr)
	c.ShareKey = slices.Clone(n.ShareKey)
	c.Key = slices.Clone(n.Key)
	if n.Keys != nil {
		c.Keys = make(map[Handle][]byte, len(n.Keys))
		for h, k := range n.Keys {
			c.Keys[h] = slices.Clone(k)
		}
	}
	return &c
}

// KeyOwners returns the key-owner handles of n in a stable order.
func (n *Node) KeyOwners() []Handle {
	owners := slices.Collect(maps.Keys(n.Keys))
	slices.Sort(owners)
	return owners
}
