package router

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/credential"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
	mailsync "github.com/nhle/mailmirror/internal/sync"
)

// Status tells how an invocation was resolved.
type Status int

const (
	// StatusServed means the answer came from the local mirror.
	StatusServed Status = iota
	// StatusForwarded means the invocation was handed to the upstream
	// client by classification.
	StatusForwarded
	// StatusMissForwarded means a servable invocation fell through to
	// the upstream because the mirror could not answer it.
	StatusMissForwarded
	// StatusFailed means an internal command failed.
	StatusFailed
)

// Exit codes for internal commands. Forwarded invocations exit with
// whatever the upstream process exited with.
const (
	exitOK         = 0
	exitSyncFailed = 1
	exitUsage      = 2
	exitMirrorLost = 7
)

// Outcome is the result of routing one invocation.
type Outcome struct {
	Status   Status
	ExitCode int
}

// Syncer runs sync passes. Satisfied by *sync.Engine.
type Syncer interface {
	SyncAccounts(ctx context.Context, opts mailsync.Options) (*mailsync.Summary, error)
}

// BodyFetcher retrieves message bodies on demand for the read path.
// Satisfied by *sync.Engine.
type BodyFetcher interface {
	EnsureBody(ctx context.Context, account, folder string, uid uint32) (*model.MessageBody, error)
}

// Forwarder hands an argument vector to the upstream client and
// returns its exit code.
type Forwarder interface {
	Forward(ctx context.Context, argv []string) int
}

// Router classifies invocations and serves the cache-servable ones
// from the local mirror, forwarding everything else upstream.
type Router struct {
	cfg        *model.AppConfig
	configPath string
	open       store.Opener
	syncer     Syncer
	fetcher    BodyFetcher
	forward    Forwarder
	stdout     io.Writer
	stderr     io.Writer
	log        *logrus.Logger

	// dropCredential removes an account's stored password. Swappable
	// so tests stay off the system keyring.
	dropCredential func(account string) error
}

// New creates a Router. fetcher may be nil; without one, missing
// bodies fall through to the upstream.
func New(cfg *model.AppConfig, configPath string, open store.Opener, syncer Syncer, fetcher BodyFetcher, forward Forwarder, stdout, stderr io.Writer, log *logrus.Logger) *Router {
	return &Router{
		cfg:            cfg,
		configPath:     configPath,
		open:           open,
		syncer:         syncer,
		fetcher:        fetcher,
		forward:        forward,
		stdout:         stdout,
		stderr:         stderr,
		log:            log,
		dropCredential: credential.Delete,
	}
}

// Route handles one argument vector end to end.
func (r *Router) Route(ctx context.Context, argv []string) Outcome {
	inv := Classify(argv)

	if inv.BadUsage != "" {
		fmt.Fprintf(r.stderr, "error: %s\n", inv.BadUsage)
		return Outcome{Status: StatusFailed, ExitCode: exitUsage}
	}

	switch inv.Kind {
	case KindForward:
		return r.forwardUpstream(ctx, inv.Argv, StatusForwarded)
	case KindSync:
		return r.runSync(ctx, inv)
	case KindAccountConfigure:
		return r.runConfigure(ctx)
	case KindAccountRemove:
		return r.runRemove(inv)
	case KindAccountList:
		return r.serveAccountList()
	case KindFolderList:
		return r.serveFolderList(ctx, inv)
	case KindEnvelopeList:
		return r.serveEnvelopeList(ctx, inv)
	case KindMessageRead:
		return r.serveMessageRead(ctx, inv)
	}

	return r.forwardUpstream(ctx, inv.Argv, StatusForwarded)
}

func (r *Router) forwardUpstream(ctx context.Context, argv []string, status Status) Outcome {
	if status == StatusMissForwarded {
		r.log.WithField("argv", argv).Debug("mirror miss, forwarding upstream")
	}
	code := r.forward.Forward(ctx, argv)
	return Outcome{Status: status, ExitCode: code}
}

func (r *Router) runSync(ctx context.Context, inv Invocation) Outcome {
	opts := mailsync.Options{
		Folders: inv.Folders,
		Full:    inv.Full,
		Quiet:   inv.Quiet,
	}
	if inv.Account != "" {
		opts.Accounts = []string{inv.Account}
	}

	summary, err := r.syncer.SyncAccounts(ctx, opts)
	if err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}

	if !inv.Quiet {
		fmt.Fprint(r.stdout, mailsync.RenderSummary(summary))
	}
	if summary.Failed() > 0 {
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}
	return Outcome{Status: StatusServed, ExitCode: exitOK}
}

func (r *Router) serveAccountList() Outcome {
	out, err := renderAccountList(r.cfg.Accounts)
	if err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}
	fmt.Fprintln(r.stdout, string(out))
	return Outcome{Status: StatusServed, ExitCode: exitOK}
}

// openMirror resolves the account and opens its mirror store. A nil
// store with a nil error means the invocation cannot be served and
// must fall through to the upstream.
func (r *Router) openMirror(account string) (store.Store, *Outcome) {
	acct, ok := r.cfg.Account(account)
	if !ok {
		// Unknown accounts are the upstream's to reject; its error
		// output is the contract.
		return nil, nil
	}

	st, rebuilt, err := r.open(acct.Name)
	if err != nil {
		fmt.Fprintf(r.stderr, "error: mirror for %s is unusable: %v\n", acct.Name, err)
		return nil, &Outcome{Status: StatusFailed, ExitCode: exitMirrorLost}
	}
	if rebuilt {
		r.log.WithField("account", acct.Name).Warn("mirror store was corrupt and has been rebuilt")
	}
	return st, nil
}

func (r *Router) serveFolderList(ctx context.Context, inv Invocation) Outcome {
	st, failed := r.openMirror(inv.Account)
	if failed != nil {
		return *failed
	}
	if st == nil {
		return r.forwardUpstream(ctx, inv.Argv, StatusMissForwarded)
	}
	defer st.Close()

	folders, err := st.ListFolders(ctx)
	if err != nil || len(folders) == 0 {
		// An empty mirror means no sync pass has run yet.
		return r.forwardUpstream(ctx, inv.Argv, StatusMissForwarded)
	}

	out, err := renderFolderList(folders)
	if err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}
	fmt.Fprintln(r.stdout, string(out))
	return Outcome{Status: StatusServed, ExitCode: exitOK}
}

func (r *Router) serveEnvelopeList(ctx context.Context, inv Invocation) Outcome {
	st, failed := r.openMirror(inv.Account)
	if failed != nil {
		return *failed
	}
	if st == nil {
		return r.forwardUpstream(ctx, inv.Argv, StatusMissForwarded)
	}
	defer st.Close()

	snap, err := st.Snapshot(ctx, inv.Folder)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WithError(err).Warn("reading mirror snapshot")
		}
		return r.forwardUpstream(ctx, inv.Argv, StatusMissForwarded)
	}

	out, err := renderEnvelopeList(snap.Envelopes)
	if err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}
	fmt.Fprintln(r.stdout, string(out))
	return Outcome{Status: StatusServed, ExitCode: exitOK}
}

func (r *Router) serveMessageRead(ctx context.Context, inv Invocation) Outcome {
	st, failed := r.openMirror(inv.Account)
	if failed != nil {
		return *failed
	}
	if st == nil {
		return r.forwardUpstream(ctx, inv.Argv, StatusMissForwarded)
	}
	defer st.Close()

	body, err := st.GetBody(ctx, inv.Folder, inv.UID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WithError(err).Warn("reading mirrored body")
		}
		return r.forwardUpstream(ctx, inv.Argv, StatusMissForwarded)
	}

	if body.State != model.BodyFull {
		if r.fetcher == nil || r.cfg.Sync.Bodies == model.BodiesOff {
			return r.forwardUpstream(ctx, inv.Argv, StatusMissForwarded)
		}
		account := inv.Account
		if account == "" {
			if acct, ok := r.cfg.Account(""); ok {
				account = acct.Name
			}
		}
		body, err = r.fetcher.EnsureBody(ctx, account, inv.Folder, inv.UID)
		if err != nil {
			r.log.WithError(err).Warn("on-demand body fetch failed")
			return r.forwardUpstream(ctx, inv.Argv, StatusMissForwarded)
		}
	}

	out, err := renderMessage(body.Raw)
	if err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}
	fmt.Fprint(r.stdout, string(out))
	return Outcome{Status: StatusServed, ExitCode: exitOK}
}
