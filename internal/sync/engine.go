package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
)

// leaseTTL bounds how long a crashed sync pass can block a folder.
const leaseTTL = 10 * time.Minute

// Options controls one sync invocation.
type Options struct {
	// Accounts selects accounts by name; empty means all configured.
	Accounts []string

	// Folders restricts the pass to the named folders; empty means all.
	Folders []string

	// Full forces a complete resync, ignoring stored cursors.
	Full bool

	// Quiet suppresses the interactive progress display.
	Quiet bool
}

// FolderResult records the outcome of syncing one folder. An empty
// Folder name marks an account-level failure (store or connection).
type FolderResult struct {
	Account     string
	Folder      string
	Invalidated bool
	Added       int
	Updated     int
	Removed     int
	Bodies      int
	Err         error
}

// Summary aggregates the results of one sync pass.
type Summary struct {
	Results  []FolderResult
	Rebuilt  []string
	Started  time.Time
	Finished time.Time
}

// Failed counts results that ended in an error.
func (s *Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Engine reconciles remote mailboxes into per-account local mirrors.
// Accounts sync with bounded parallelism; folders within an account are
// strictly sequential because the adapter holds a single connection.
type Engine struct {
	cfg      *model.AppConfig
	open     store.Opener
	dial     remote.Dialer
	log      *logrus.Logger
	reporter Reporter
}

// New creates an Engine.
func New(cfg *model.AppConfig, open store.Opener, dial remote.Dialer, log *logrus.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		open:     open,
		dial:     dial,
		log:      log,
		reporter: nopReporter{},
	}
}

// SetReporter installs a progress reporter for body mirroring.
func (e *Engine) SetReporter(r Reporter) {
	if r == nil {
		r = nopReporter{}
	}
	e.reporter = r
}

// SyncAccounts runs one sync pass over the selected accounts. Folder
// failures are collected in the summary, never propagated as an error;
// the returned error covers invocation problems only (unknown account).
func (e *Engine) SyncAccounts(ctx context.Context, opts Options) (*Summary, error) {
	accounts, err := e.selectAccounts(opts.Accounts)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Started: time.Now()}

	reporter := e.reporter
	if opts.Quiet {
		reporter = nopReporter{}
	}

	sem := make(chan struct{}, e.cfg.Sync.Parallel)
	var (
		wg gosync.WaitGroup
		mu gosync.Mutex
	)
	for _, acct := range accounts {
		wg.Add(1)
		go func(acct model.AccountConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results, rebuilt := e.syncAccount(ctx, acct, opts, reporter)

			mu.Lock()
			summary.Results = append(summary.Results, results...)
			if rebuilt {
				summary.Rebuilt = append(summary.Rebuilt, acct.Name)
			}
			mu.Unlock()
		}(acct)
	}
	wg.Wait()

	summary.Finished = time.Now()
	return summary, nil
}

// selectAccounts resolves the account filter against the configuration.
func (e *Engine) selectAccounts(names []string) ([]model.AccountConfig, error) {
	if len(names) == 0 {
		if len(e.cfg.Accounts) == 0 {
			return nil, errors.New("no accounts configured")
		}
		return e.cfg.Accounts, nil
	}

	var accounts []model.AccountConfig
	for _, name := range names {
		acct, ok := e.cfg.Account(name)
		if !ok {
			return nil, fmt.Errorf("unknown account %q", name)
		}
		accounts = append(accounts, *acct)
	}
	return accounts, nil
}

// syncAccount opens the account's mirror and connection and syncs its
// folders one at a time.
func (e *Engine) syncAccount(ctx context.Context, acct model.AccountConfig, opts Options, reporter Reporter) ([]FolderResult, bool) {
	log := e.log.WithField("account", acct.Name)

	st, rebuilt, err := e.open(acct.Name)
	if err != nil {
		log.WithError(err).Error("opening mirror store")
		return []FolderResult{{Account: acct.Name, Err: err}}, rebuilt
	}
	defer st.Close()
	if rebuilt {
		log.Warn("mirror store was corrupt and has been rebuilt")
	}

	mbox, err := e.dial(ctx, acct)
	if err != nil {
		log.WithError(err).Error("connecting to remote mailbox")
		return []FolderResult{{Account: acct.Name, Err: err}}, rebuilt
	}
	defer mbox.Close()

	infos, err := mbox.ListFolders(ctx)
	if err != nil {
		log.WithError(err).Error("listing remote folders")
		return []FolderResult{{Account: acct.Name, Err: err}}, rebuilt
	}

	infos, missing := filterFolders(infos, opts.Folders)

	var results []FolderResult
	for _, name := range missing {
		results = append(results, FolderResult{
			Account: acct.Name,
			Folder:  name,
			Err:     fmt.Errorf("folder %q not found on remote", name),
		})
	}

	for _, info := range infos {
		res := e.syncFolder(ctx, st, mbox, acct, info, opts, reporter)
		if res.Err != nil {
			log.WithField("folder", info.Name).WithError(res.Err).Warn("folder sync failed")
		} else {
			log.WithFields(logrus.Fields{
				"folder":  info.Name,
				"added":   res.Added,
				"updated": res.Updated,
				"removed": res.Removed,
			}).Info("folder synced")
		}
		results = append(results, res)
	}

	return results, rebuilt
}

// filterFolders applies the folder subset filter, reporting filter
// names with no remote counterpart.
func filterFolders(infos []remote.FolderInfo, filter []string) ([]remote.FolderInfo, []string) {
	if len(filter) == 0 {
		return infos, nil
	}

	byName := make(map[string]remote.FolderInfo, len(infos))
	for _, info := range infos {
		byName[info.Name] = info
	}

	var (
		selected []remote.FolderInfo
		missing  []string
	)
	for _, name := range filter {
		if info, ok := byName[name]; ok {
			selected = append(selected, info)
		} else {
			missing = append(missing, name)
		}
	}
	return selected, missing
}

// syncFolder reconciles one folder inside a single committed
// transaction, then mirrors bodies for additions if configured.
func (e *Engine) syncFolder(ctx context.Context, st store.Store, mbox remote.Mailbox, acct model.AccountConfig, info remote.FolderInfo, opts Options, reporter Reporter) FolderResult {
	res := FolderResult{Account: acct.Name, Folder: info.Name}

	holder := uuid.NewString()
	if err := st.AcquireLease(ctx, info.Name, holder, leaseTTL); err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = st.ReleaseLease(ctx, info.Name, holder) }()

	// Decide between incremental and full. Only an identical validity
	// marker lets the stored cursor be trusted.
	var (
		cursor string
		known  []uint32
	)
	stored, err := st.GetFolder(ctx, info.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		stored = nil
	case err != nil:
		res.Err = err
		return res
	case !opts.Full && stored.Validity == info.Validity:
		cursor = stored.Cursor
		if cursor != "" {
			if known, err = st.ListUIDs(ctx, info.Name); err != nil {
				res.Err = err
				return res
			}
		}
	}

	changes, err := mbox.ListEnvelopeChanges(ctx, info.Name, cursor, known)
	if err != nil {
		res.Err = err
		return res
	}

	// The validity may move between folder listing and selection; a
	// change set computed against a dead validity must be discarded.
	if cursor != "" && stored != nil && changes.Validity != stored.Validity {
		cursor = ""
		if changes, err = mbox.ListEnvelopeChanges(ctx, info.Name, "", nil); err != nil {
			res.Err = err
			return res
		}
	}

	folderRow := model.Folder{
		Name:     info.Name,
		Desc:     info.Desc,
		Validity: changes.Validity,
		Cursor:   changes.Cursor,
		SyncedAt: time.Now(),
	}

	txn, err := st.Begin(ctx, info.Name)
	if err != nil {
		res.Err = err
		return res
	}

	if cursor == "" {
		res.Invalidated = stored != nil && (opts.Full || stored.Validity != changes.Validity)
		res.Added = len(changes.Upserts)
		err = txn.Replace(folderRow, changes.Upserts)
	} else {
		res.Added = len(changes.Upserts)
		res.Updated = len(changes.FlagUpdates)
		res.Removed = len(changes.Tombstones)
		err = applyIncremental(txn, folderRow, changes)
	}
	if err == nil {
		err = txn.Commit()
	}
	if err != nil {
		_ = txn.Rollback()
		res.Err = err
		return res
	}

	if e.cfg.Sync.Bodies == model.BodiesEager && len(changes.Upserts) > 0 {
		res.Bodies = e.mirrorBodies(ctx, st, mbox, acct.Name, info.Name, changes.Upserts, reporter)
	}

	return res
}

// applyIncremental writes an incremental change set into the folder
// transaction.
func applyIncremental(txn store.FolderTxn, folder model.Folder, changes *remote.Changes) error {
	if err := txn.UpsertFolder(folder); err != nil {
		return err
	}
	if err := txn.UpsertEnvelopes(changes.Upserts); err != nil {
		return err
	}

	updates := make([]store.FlagUpdate, 0, len(changes.FlagUpdates))
	for _, u := range changes.FlagUpdates {
		updates = append(updates, store.FlagUpdate{UID: u.UID, Flags: u.Flags})
	}
	if err := txn.UpdateFlags(updates); err != nil {
		return err
	}

	return txn.DeleteEnvelopes(changes.Tombstones)
}

// mirrorBodies fetches full bodies for newly-added envelopes. Each body
// commits on its own; a fetch failure costs only that body, never the
// already-committed envelope metadata.
func (e *Engine) mirrorBodies(ctx context.Context, st store.Store, mbox remote.Mailbox, account, folder string, added []model.Envelope, reporter Reporter) int {
	log := e.log.WithFields(logrus.Fields{"account": account, "folder": folder})

	reporter.StartFolder(account, folder, len(added))
	defer reporter.FinishFolder()

	count := 0
	for _, env := range added {
		if ctx.Err() != nil {
			break
		}

		existing, err := st.GetBody(ctx, folder, env.UID)
		if err == nil && existing.State == model.BodyFull {
			reporter.BodyDone()
			continue
		}

		raw, err := mbox.FetchBody(ctx, folder, env.UID, remote.ModeFull)
		if err != nil {
			log.WithField("uid", env.UID).WithError(err).Warn("body fetch failed")
			reporter.BodyDone()
			continue
		}
		if err := validateMessage(raw); err != nil {
			log.WithField("uid", env.UID).WithError(err).Warn("discarding unparseable body")
			reporter.BodyDone()
			continue
		}

		if err := st.SaveBody(ctx, folder, env.UID, model.BodyFull, raw); err != nil {
			log.WithField("uid", env.UID).WithError(err).Warn("body save failed")
		} else {
			count++
		}
		reporter.BodyDone()
	}

	return count
}

// EnsureBody fetches and caches a message body on demand, for the read
// path when lazy body mirroring is enabled. It returns the cached body
// when one is already present.
func (e *Engine) EnsureBody(ctx context.Context, account, folder string, uid uint32) (*model.MessageBody, error) {
	acct, ok := e.cfg.Account(account)
	if !ok {
		return nil, fmt.Errorf("unknown account %q", account)
	}

	st, _, err := e.open(acct.Name)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	body, err := st.GetBody(ctx, folder, uid)
	if err != nil {
		return nil, err
	}
	if body.State == model.BodyFull {
		return body, nil
	}

	mbox, err := e.dial(ctx, *acct)
	if err != nil {
		return nil, err
	}
	defer mbox.Close()

	raw, err := mbox.FetchBody(ctx, folder, uid, remote.ModeFull)
	if err != nil {
		return nil, err
	}
	if err := validateMessage(raw); err != nil {
		return nil, fmt.Errorf("remote returned unparseable message: %w", err)
	}

	if err := st.SaveBody(ctx, folder, uid, model.BodyFull, raw); err != nil {
		return nil, err
	}

	return st.GetBody(ctx, folder, uid)
}
