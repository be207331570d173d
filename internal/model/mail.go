package model

import "time"

// BodyState describes how much of a message body has been mirrored.
// The state only ever advances: absent -> headers -> full.
type BodyState string

const (
	BodyAbsent  BodyState = "absent"
	BodyHeaders BodyState = "headers"
	BodyFull    BodyState = "full"
)

// rank maps a body state to its position in the advancement order.
func (s BodyState) rank() int {
	switch s {
	case BodyHeaders:
		return 1
	case BodyFull:
		return 2
	default:
		return 0
	}
}

// Advances reports whether moving from s to next is a forward transition.
func (s BodyState) Advances(next BodyState) bool {
	return next.rank() > s.rank()
}

// Address is a single mail address with an optional display name.
type Address struct {
	Name string
	Addr string
}

// Folder is the mirrored state of one remote mailbox folder.
//
// Validity is the remote's opaque invalidation marker (UIDVALIDITY for
// IMAP): when it changes, every envelope and body previously mirrored
// for the folder is meaningless and must be discarded. Cursor is the
// watermark of the last committed reconciliation; empty means no
// incremental baseline exists and the next sync repopulates fully.
type Folder struct {
	Name     string
	Desc     string
	Validity uint32
	Cursor   string
	SyncedAt time.Time
}

// Envelope is the mirrored metadata of one message within a folder.
// UID is unique only within a (folder, validity) pair; MessageID is the
// protocol-level identifier and is best-effort stable across validity
// changes.
type Envelope struct {
	UID           uint32
	MessageID     string
	Subject       string
	From          *Address
	To            *Address
	Date          time.Time
	Size          int64
	Flags         []string
	InReplyTo     string
	HasAttachment bool
}

// MessageBody is the mirrored body content for one envelope.
type MessageBody struct {
	UID   uint32
	State BodyState
	Raw   []byte
}
