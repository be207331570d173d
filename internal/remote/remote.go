package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailmirror/internal/model"
)

// ErrorKind distinguishes retryable remote failures from definitive ones.
type ErrorKind int

const (
	// Transient covers network faults and timeouts; a later sync pass
	// may succeed without any local change.
	Transient ErrorKind = iota

	// Permanent covers definitive conditions such as a folder that no
	// longer exists on the remote.
	Permanent
)

// Error wraps a remote mailbox failure with its kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err (or any error in its chain) is a
// permanent remote failure.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == Permanent
}

// IsTransient reports whether err (or any error in its chain) is a
// transient remote failure.
func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == Transient
}

// BodyMode selects how much of a message body to fetch.
type BodyMode int

const (
	ModeHeaders BodyMode = iota
	ModeFull
)

// BodyState maps a fetch mode to the mirror body state it produces.
func (m BodyMode) BodyState() model.BodyState {
	if m == ModeFull {
		return model.BodyFull
	}
	return model.BodyHeaders
}

// FolderInfo describes one remote folder as seen during listing.
type FolderInfo struct {
	Name     string
	Desc     string
	Validity uint32
}

// Changes is the result of reconciling one folder against the remote.
//
// Validity is the folder's live invalidation marker at the time of the
// listing; when it differs from what the caller has stored, the rest of
// the change set must be discarded and a fresh full listing requested
// (cursor and known set empty). Tombstones only ever name UIDs the
// remote explicitly no longer reports; an incomplete remote enumeration
// produces no tombstones.
type Changes struct {
	Validity    uint32
	Cursor      string
	Upserts     []model.Envelope
	FlagUpdates []FlagChange
	Tombstones  []uint32
}

// FlagChange is a flag-set update for an envelope the caller already has.
type FlagChange struct {
	UID   uint32
	Flags []string
}

// Mailbox is read access to one remote account. Implementations own
// their connection handling and retry policy; callers only see the
// eventual Transient/Permanent outcome.
type Mailbox interface {
	// ListFolders enumerates remote folders with their validity markers.
	ListFolders(ctx context.Context) ([]FolderInfo, error)

	// ListEnvelopeChanges reconciles one folder. cursor is the last
	// committed watermark ("" requests a full listing); known is the
	// caller's mirrored UID set, used to derive explicit tombstones.
	ListEnvelopeChanges(ctx context.Context, folder, cursor string, known []uint32) (*Changes, error)

	// FetchBody retrieves a message body (headers only or full).
	FetchBody(ctx context.Context, folder string, uid uint32, mode BodyMode) ([]byte, error)

	Close() error
}

// Dialer opens a Mailbox for an account.
type Dialer func(ctx context.Context, account model.AccountConfig) (Mailbox, error)
