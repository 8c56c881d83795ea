package models

import (
	"fmt"
	"time"
)

// Rights is an access level on a shared node.
// Full > ReadWrite > ReadOnly
type Rights int

const (
	ReadOnly Rights = iota
	ReadWrite
	Full
)

// ParseRights maps a wire rights number to Rights.
func ParseRights(r int) (Rights, error) {
	if r < int(ReadOnly) || r > int(Full) {
		return 0, fmt.Errorf("unknown access level %d", r)
	}
	return Rights(r), nil
}

// Satisfies checks if r grants at least the required level.
func (r Rights) Satisfies(required Rights) bool {
	return r >= required
}

func (r Rights) String() string {
	switch r {
	case ReadOnly:
		return "read"
	case ReadWrite:
		return "write"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("rights(%d)", int(r))
	}
}

// PublicGrantee marks a ShareRecord that models an exported public link.
const PublicGrantee Handle = "EXP"

// ShareRecord is one grant of access on a node.
type ShareRecord struct {
	Node      Handle `cbor:"h"`
	Grantee   Handle `cbor:"u"`
	Rights    Rights `cbor:"r"`
	Timestamp int64  `cbor:"ts,omitempty"`
}

// IsPublic reports whether the record is a public link.
func (s ShareRecord) IsPublic() bool {
	return s.Grantee == PublicGrantee
}

// Direction tells outgoing from incoming pending contacts.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// ContactStatus is the counterpart's answer to a pending contact request.
type ContactStatus int

const (
	StatusPending ContactStatus = iota
	StatusIgnored
	StatusAccepted
	StatusDenied
)

// ParseContactStatus maps a wire status number to ContactStatus.
func ParseContactStatus(s int) (ContactStatus, error) {
	if s < int(StatusPending) || s > int(StatusDenied) {
		return 0, fmt.Errorf("unknown contact status %d", s)
	}
	return ContactStatus(s), nil
}

func (s ContactStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusIgnored:
		return "ignored"
	case StatusAccepted:
		return "accepted"
	case StatusDenied:
		return "denied"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// PendingContact is a not-yet-accepted invitation between two users.
type PendingContact struct {
	ID        Handle        `cbor:"id"`
	Address   string        `cbor:"m"`
	Sent      time.Time     `cbor:"ts"`
	Withdrawn *time.Time    `cbor:"dts,omitempty"`
	Status    ContactStatus `cbor:"s,omitempty"`
	// User is the counterpart's user handle once it is known.
	User Handle `cbor:"u,omitempty"`
}

// PendingShare is a share granted to a pending contact.
type PendingShare struct {
	Node           Handle `cbor:"h"`
	PendingContact Handle `cbor:"p"`
	Rights         Rights `cbor:"r"`
	Timestamp      int64  `cbor:"ts,omitempty"`
}
