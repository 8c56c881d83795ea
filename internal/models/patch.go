package models

import "slices"

// Patch is a structured, optional-field update of a Node. A nil field leaves
// the corresponding node field untouched.
type Patch struct {
	Parent *Handle
	// Kind may only repeat the node's current kind.
	Kind *Kind

	Size      *int64
	Timestamp *int64

	EncAttr []byte
	Keys    map[Handle][]byte
	Key     []byte

	ShareKey      []byte
	ClearShareKey bool

	Attrs    *Attributes
	Name     *string
	ModTime  *int64
	Favorite *bool
	Label    *int
	Hash     *string
	Decoded  *bool

	ShareOwner  *Handle
	ShareRights *Rights

	PublicHandle *Handle

	Email        *string
	ContactLevel *int
}

// Apply mutates n according to p. It is the only place node fields change
// after creation.
func (p Patch) Apply(n *Node) error {
	if p.Kind != nil && *p.Kind != n.Kind {
		return ErrKindImmutable
	}
	if p.Parent != nil {
		n.Parent = *p.Parent
	}
	if p.Size != nil {
		n.Size = *p.Size
	}
	if p.Timestamp != nil {
		n.Timestamp = *p.Timestamp
	}
	if p.EncAttr != nil {
		n.EncAttr = slices.Clone(p.EncAttr)
	}
	if len(p.Keys) > 0 {
		if n.Keys == nil {
			n.Keys = make(map[Handle][]byte, len(p.Keys))
		}
		for h, k := range p.Keys {
			n.Keys[h] = slices.Clone(k)
		}
	}
	if p.Key != nil {
		n.Key = slices.Clone(p.Key)
	}
	if p.ClearShareKey {
		n.ShareKey = nil
	} else if p.ShareKey != nil {
		n.ShareKey = slices.Clone(p.ShareKey)
	}

	if p.Attrs != nil {
		n.Attrs = *p.Attrs
	}
	if p.Name != nil {
		n.Attrs.Name = *p.Name
	}
	if p.ModTime != nil {
		n.Attrs.ModTime = *p.ModTime
	}
	if p.Favorite != nil {
		n.Attrs.Favorite = *p.Favorite
	}
	if p.Label != nil {
		n.Attrs.Label = *p.Label
	}
	if p.Hash != nil {
		n.Attrs.Hash = *p.Hash
	}
	if p.Decoded != nil {
		n.Decoded = *p.Decoded
	}

	if p.ShareOwner != nil {
		n.ShareOwner = *p.ShareOwner
	}
	if p.ShareRights != nil {
		n.ShareRights = *p.ShareRights
	}
	if p.PublicHandle != nil {
		n.PublicHandle = *p.PublicHandle
	}
	if p.Email != nil {
		n.Email = *p.Email
	}
	if p.ContactLevel != nil {
		n.ContactLevel = *p.ContactLevel
	}
	return nil
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
