package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailmirror/internal/model"
)

// ErrNotFound is returned when a folder, envelope, or body is not mirrored.
var ErrNotFound = errors.New("not found in mirror")

// ErrSchemaMismatch is returned when a mirror database carries a schema
// version this build does not understand. The database is treated as
// corrupt and must be rebuilt, never patched in place.
var ErrSchemaMismatch = errors.New("mirror schema version mismatch")

// ErrLeaseHeld is returned when another sync pass holds the write lease
// for a folder.
var ErrLeaseHeld = errors.New("folder sync lease held")

// FolderSnapshot is a committed, consistent view of one mirrored folder.
type FolderSnapshot struct {
	Folder    model.Folder
	Envelopes []model.Envelope
}

// FlagUpdate carries a flag-only change for an already-mirrored envelope.
type FlagUpdate struct {
	UID   uint32
	Flags []string
}

// FolderTxn is a single-folder write transaction. All writes from one
// sync pass for one folder go through one transaction; nothing becomes
// visible to readers until Commit returns.
type FolderTxn interface {
	// Replace discards every envelope and body mirrored for the folder
	// and installs the given state under the folder's new validity
	// marker. Used when the validity changed or a full resync was
	// requested.
	Replace(folder model.Folder, envelopes []model.Envelope) error

	// UpsertFolder updates the folder row (cursor, desc, sync time)
	// without touching envelopes.
	UpsertFolder(folder model.Folder) error

	// UpsertEnvelopes inserts or replaces envelopes by UID.
	UpsertEnvelopes(envelopes []model.Envelope) error

	// UpdateFlags replaces the flag sets of known envelopes.
	UpdateFlags(updates []FlagUpdate) error

	// DeleteEnvelopes removes envelopes (and their bodies) by UID.
	DeleteEnvelopes(uids []uint32) error

	Commit() error
	Rollback() error
}

// Store is the local mirror for one account, partitioned by folder.
// The sync engine is its only writer; the command router reads only.
type Store interface {
	ListFolders(ctx context.Context) ([]model.Folder, error)
	GetFolder(ctx context.Context, folder string) (*model.Folder, error)
	Snapshot(ctx context.Context, folder string) (*FolderSnapshot, error)
	ListUIDs(ctx context.Context, folder string) ([]uint32, error)
	GetEnvelope(ctx context.Context, folder string, uid uint32) (*model.Envelope, error)
	GetBody(ctx context.Context, folder string, uid uint32) (*model.MessageBody, error)

	// SaveBody records body content for an envelope. The body state only
	// advances (absent -> headers -> full); a write that would downgrade
	// the stored state is a no-op.
	SaveBody(ctx context.Context, folder string, uid uint32, state model.BodyState, raw []byte) error

	Begin(ctx context.Context, folder string) (FolderTxn, error)

	// AcquireLease claims the write lease for a folder so that only one
	// sync pass targets it at a time, across processes. The lease
	// expires after ttl in case the holder dies without releasing.
	AcquireLease(ctx context.Context, folder, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, folder, holder string) error

	Close() error
}

// Opener opens the mirror store for an account, rebuilding it from
// scratch when the on-disk database is corrupt or carries an unknown
// schema. The second return reports whether a rebuild happened.
type Opener func(account string) (Store, bool, error)
