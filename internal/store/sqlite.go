package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"

	"github.com/nhle/mailmirror/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
// One database holds the mirror for one account.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Pragmas are per-connection, so the pool must stay at one.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// NewOpener returns an Opener that maps each account to a database file
// under dataDir. A corrupt or schema-incompatible database is removed
// and recreated empty; the caller learns about the rebuild via the
// second return value. Any other open failure (busy, permissions, I/O)
// surfaces as-is and leaves the files alone.
func NewOpener(dataDir string) Opener {
	return func(account string) (Store, bool, error) {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, false, fmt.Errorf("creating data directory %s: %w", dataDir, err)
		}

		dbPath := filepath.Join(dataDir, safeFileName(account)+".db")
		s, err := NewSQLiteStore(dbPath)
		if err == nil {
			return s, false, nil
		}
		if !isCorrupt(err) {
			return nil, false, err
		}

		// Corrupt or incompatible database: rebuild the account's
		// partition from scratch. Partial repair is never attempted.
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(dbPath + suffix)
		}
		s, retryErr := NewSQLiteStore(dbPath)
		if retryErr != nil {
			return nil, true, fmt.Errorf("rebuilding mirror %s: %w", dbPath, retryErr)
		}
		return s, true, nil
	}
}

// SQLite primary result codes that mark the database file itself as
// unreadable, as opposed to transiently unavailable.
const (
	sqliteCorrupt = 11
	sqliteNotADB  = 26
)

// isCorrupt reports whether an open failure is definitive damage that
// warrants a rebuild. A schema from a newer build counts; a locked,
// unreachable, or unwritable file does not.
func isCorrupt(err error) bool {
	if errors.Is(err, ErrSchemaMismatch) {
		return true
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqliteCorrupt, sqliteNotADB:
			return true
		}
	}
	return false
}

// RemoveMirror deletes the on-disk mirror database for an account.
// Missing files are not an error.
func RemoveMirror(dataDir, account string) error {
	dbPath := filepath.Join(dataDir, safeFileName(account)+".db")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing mirror %s: %w", dbPath+suffix, err)
		}
	}
	return nil
}

// safeFileName flattens path separators out of an account name.
func safeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	return strings.ReplaceAll(name, "\\", "_")
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order. A database from a newer build is
// reported as ErrSchemaMismatch.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	if currentVersion > latestSchemaVersion {
		return fmt.Errorf("database at v%d, build understands v%d: %w",
			currentVersion, latestSchemaVersion, ErrSchemaMismatch)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// ListFolders returns all mirrored folders ordered by name.
func (s *SQLiteStore) ListFolders(ctx context.Context) ([]model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT name, description, validity, cursor, synced_at FROM folders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}

	return folders, rows.Err()
}

// GetFolder returns one mirrored folder by name.
func (s *SQLiteStore) GetFolder(ctx context.Context, folder string) (*model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT name, description, validity, cursor, synced_at FROM folders WHERE name = ?`, folder)
	if err != nil {
		return nil, fmt.Errorf("querying folder %s: %w", folder, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying folder %s: %w", folder, err)
		}
		return nil, ErrNotFound
	}
	f, err := scanFolder(rows)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Snapshot returns the committed folder state with all its envelopes.
func (s *SQLiteStore) Snapshot(ctx context.Context, folder string) (*FolderSnapshot, error) {
	f, err := s.GetFolder(ctx, folder)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT uid, message_id, subject, from_name, from_addr, to_name, to_addr,
		       date, size, flags, in_reply_to, has_attachment
		FROM envelopes WHERE folder = ? ORDER BY uid`, folder)
	if err != nil {
		return nil, fmt.Errorf("querying envelopes for %s: %w", folder, err)
	}
	defer rows.Close()

	snap := &FolderSnapshot{Folder: *f}
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		snap.Envelopes = append(snap.Envelopes, env)
	}

	return snap, rows.Err()
}

// ListUIDs returns the UIDs mirrored for a folder in ascending order.
func (s *SQLiteStore) ListUIDs(ctx context.Context, folder string) ([]uint32, error) {
	var uids []uint32
	err := s.db.SelectContext(ctx, &uids,
		`SELECT uid FROM envelopes WHERE folder = ? ORDER BY uid`, folder)
	if err != nil {
		return nil, fmt.Errorf("querying uids for %s: %w", folder, err)
	}
	return uids, nil
}

// GetEnvelope returns a single mirrored envelope.
func (s *SQLiteStore) GetEnvelope(ctx context.Context, folder string, uid uint32) (*model.Envelope, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT uid, message_id, subject, from_name, from_addr, to_name, to_addr,
		       date, size, flags, in_reply_to, has_attachment
		FROM envelopes WHERE folder = ? AND uid = ?`, folder, uid)
	if err != nil {
		return nil, fmt.Errorf("querying envelope %s/%d: %w", folder, uid, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying envelope %s/%d: %w", folder, uid, err)
		}
		return nil, ErrNotFound
	}
	env, err := scanEnvelope(rows)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// GetBody returns the mirrored body for an envelope. An envelope with no
// body row yet is reported as an absent body, not as ErrNotFound.
func (s *SQLiteStore) GetBody(ctx context.Context, folder string, uid uint32) (*model.MessageBody, error) {
	if _, err := s.GetEnvelope(ctx, folder, uid); err != nil {
		return nil, err
	}

	var (
		state string
		raw   []byte
	)
	row := s.db.QueryRowxContext(ctx,
		`SELECT state, raw FROM bodies WHERE folder = ? AND uid = ?`, folder, uid)
	err := row.Scan(&state, &raw)
	if err == sql.ErrNoRows {
		return &model.MessageBody{UID: uid, State: model.BodyAbsent}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying body %s/%d: %w", folder, uid, err)
	}

	return &model.MessageBody{UID: uid, State: model.BodyState(state), Raw: raw}, nil
}

// SaveBody stores body content in its own short transaction. A write
// that would downgrade the recorded state is silently dropped.
func (s *SQLiteStore) SaveBody(ctx context.Context, folder string, uid uint32, state model.BodyState, raw []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning body transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowxContext(ctx,
		`SELECT state FROM bodies WHERE folder = ? AND uid = ?`, folder, uid).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading body state %s/%d: %w", folder, uid, err)
	}
	if err == nil && !model.BodyState(current).Advances(state) {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO bodies (folder, uid, state, raw, fetched_at)
		VALUES (?, ?, ?, ?, ?)`,
		folder, uid, string(state), raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving body %s/%d: %w", folder, uid, err)
	}

	return tx.Commit()
}

// Begin starts a write transaction scoped to one folder.
func (s *SQLiteStore) Begin(ctx context.Context, folder string) (FolderTxn, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning folder transaction: %w", err)
	}
	return &folderTxn{ctx: ctx, tx: tx, folder: folder}, nil
}

// AcquireLease claims the per-folder write lease, evicting an expired
// or previously-held one. SQLite's own locking makes the claim safe
// across processes.
func (s *SQLiteStore) AcquireLease(ctx context.Context, folder, holder string, ttl time.Duration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`DELETE FROM sync_leases WHERE folder = ? AND (expires_at <= ? OR holder = ?)`,
		folder, now, holder)
	if err != nil {
		return fmt.Errorf("expiring lease for %s: %w", folder, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_leases (folder, holder, expires_at)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM sync_leases WHERE folder = ?)`,
		folder, holder, now.Add(ttl), folder)
	if err != nil {
		return fmt.Errorf("claiming lease for %s: %w", folder, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claiming lease for %s: %w", folder, err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}

	return tx.Commit()
}

// ReleaseLease drops the lease if this holder still owns it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, folder, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_leases WHERE folder = ? AND holder = ?`, folder, holder)
	if err != nil {
		return fmt.Errorf("releasing lease for %s: %w", folder, err)
	}
	return nil
}

// folderTxn implements FolderTxn on a sqlx transaction.
type folderTxn struct {
	ctx    context.Context
	tx     *sqlx.Tx
	folder string
}

func (t *folderTxn) Replace(folder model.Folder, envelopes []model.Envelope) error {
	// Old-validity rows must be gone before any new-validity row lands;
	// the cascade also clears bodies.
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM envelopes WHERE folder = ?`, t.folder); err != nil {
		return fmt.Errorf("clearing envelopes for %s: %w", t.folder, err)
	}

	if err := t.UpsertFolder(folder); err != nil {
		return err
	}
	return t.UpsertEnvelopes(envelopes)
}

func (t *folderTxn) UpsertFolder(folder model.Folder) error {
	var syncedAt interface{}
	if !folder.SyncedAt.IsZero() {
		syncedAt = folder.SyncedAt.UTC()
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO folders (name, description, validity, cursor, synced_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.folder, folder.Desc, folder.Validity, folder.Cursor, syncedAt)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", t.folder, err)
	}
	return nil
}

func (t *folderTxn) UpsertEnvelopes(envelopes []model.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	const query = `
		INSERT OR REPLACE INTO envelopes (
			folder, uid, message_id, subject,
			from_name, from_addr, to_name, to_addr,
			date, size, flags, in_reply_to, has_attachment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := t.tx.PreparexContext(t.ctx, query)
	if err != nil {
		return fmt.Errorf("preparing envelope upsert: %w", err)
	}
	defer stmt.Close()

	for _, env := range envelopes {
		flags, err := json.Marshal(orEmpty(env.Flags))
		if err != nil {
			return fmt.Errorf("marshaling flags for uid %d: %w", env.UID, err)
		}

		var fromName, fromAddr, toName, toAddr interface{}
		if env.From != nil {
			fromName, fromAddr = env.From.Name, env.From.Addr
		}
		if env.To != nil {
			toName, toAddr = env.To.Name, env.To.Addr
		}
		var date interface{}
		if !env.Date.IsZero() {
			date = env.Date.UTC()
		}

		_, err = stmt.ExecContext(t.ctx,
			t.folder, env.UID, env.MessageID, env.Subject,
			fromName, fromAddr, toName, toAddr,
			date, env.Size, string(flags), env.InReplyTo,
			boolToInt(env.HasAttachment),
		)
		if err != nil {
			return fmt.Errorf("upserting envelope %d: %w", env.UID, err)
		}
	}

	return nil
}

func (t *folderTxn) UpdateFlags(updates []FlagUpdate) error {
	for _, u := range updates {
		flags, err := json.Marshal(orEmpty(u.Flags))
		if err != nil {
			return fmt.Errorf("marshaling flags for uid %d: %w", u.UID, err)
		}
		_, err = t.tx.ExecContext(t.ctx,
			`UPDATE envelopes SET flags = ? WHERE folder = ? AND uid = ?`,
			string(flags), t.folder, u.UID)
		if err != nil {
			return fmt.Errorf("updating flags for uid %d: %w", u.UID, err)
		}
	}
	return nil
}

func (t *folderTxn) DeleteEnvelopes(uids []uint32) error {
	for _, uid := range uids {
		_, err := t.tx.ExecContext(t.ctx,
			`DELETE FROM envelopes WHERE folder = ? AND uid = ?`, t.folder, uid)
		if err != nil {
			return fmt.Errorf("deleting envelope %d: %w", uid, err)
		}
	}
	return nil
}

func (t *folderTxn) Commit() error {
	return t.tx.Commit()
}

func (t *folderTxn) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// scanFolder scans a folder row from a sqlx.Rows result set.
func scanFolder(rows *sqlx.Rows) (model.Folder, error) {
	var (
		f        model.Folder
		syncedAt sql.NullTime
	)
	err := rows.Scan(&f.Name, &f.Desc, &f.Validity, &f.Cursor, &syncedAt)
	if err != nil {
		return model.Folder{}, fmt.Errorf("scanning folder row: %w", err)
	}
	if syncedAt.Valid {
		f.SyncedAt = syncedAt.Time
	}
	return f, nil
}

// scanEnvelope scans an envelope row from a sqlx.Rows result set.
func scanEnvelope(rows *sqlx.Rows) (model.Envelope, error) {
	var (
		env           model.Envelope
		fromName      sql.NullString
		fromAddr      sql.NullString
		toName        sql.NullString
		toAddr        sql.NullString
		date          sql.NullTime
		flags         string
		hasAttachment int
	)

	err := rows.Scan(
		&env.UID, &env.MessageID, &env.Subject,
		&fromName, &fromAddr, &toName, &toAddr,
		&date, &env.Size, &flags, &env.InReplyTo, &hasAttachment,
	)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("scanning envelope row: %w", err)
	}

	if fromAddr.Valid || fromName.Valid {
		env.From = &model.Address{Name: fromName.String, Addr: fromAddr.String}
	}
	if toAddr.Valid || toName.Valid {
		env.To = &model.Address{Name: toName.String, Addr: toAddr.String}
	}
	if date.Valid {
		env.Date = date.Time
	}
	env.HasAttachment = hasAttachment != 0

	if flags != "" {
		if err := json.Unmarshal([]byte(flags), &env.Flags); err != nil {
			return model.Envelope{}, fmt.Errorf("unmarshaling flags: %w", err)
		}
	}
	if len(env.Flags) == 0 {
		env.Flags = nil
	}

	return env, nil
}

// orEmpty keeps flag sets JSON-encoded as [] rather than null.
func orEmpty(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
