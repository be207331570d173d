package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
	mailsync "github.com/nhle/mailmirror/internal/sync"
)

type fakeForwarder struct {
	argv []string
	code int
}

func (f *fakeForwarder) Forward(ctx context.Context, argv []string) int {
	f.argv = argv
	return f.code
}

type fakeSyncer struct {
	opts    mailsync.Options
	summary *mailsync.Summary
	err     error
}

func (f *fakeSyncer) SyncAccounts(ctx context.Context, opts mailsync.Options) (*mailsync.Summary, error) {
	f.opts = opts
	return f.summary, f.err
}

type fakeFetcher struct {
	body  *model.MessageBody
	err   error
	calls int
}

func (f *fakeFetcher) EnsureBody(ctx context.Context, account, folder string, uid uint32) (*model.MessageBody, error) {
	f.calls++
	return f.body, f.err
}

type routerFixture struct {
	router     *Router
	cfg        *model.AppConfig
	configPath string
	open       store.Opener
	forward    *fakeForwarder
	syncer     *fakeSyncer
	fetcher    *fakeFetcher
	stdout     *bytes.Buffer
	stderr     *bytes.Buffer
	dropped    []string
}

func newFixture(t *testing.T, bodies string) *routerFixture {
	t.Helper()

	cfg := &model.AppConfig{
		DataDir: t.TempDir(),
		Accounts: []model.AccountConfig{
			{Name: "work", Backend: "imap", Host: "mail.example.com", Port: 993, TLS: true, Default: true},
			{Name: "personal", Backend: "imap", Host: "imap.example.org", Port: 143},
		},
		Sync:     model.SyncConfig{Parallel: 2, Bodies: bodies},
		Upstream: model.UpstreamConfig{Binary: "himalaya"},
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	fx := &routerFixture{
		cfg:        cfg,
		configPath: filepath.Join(t.TempDir(), "config.yaml"),
		open:       store.NewOpener(cfg.DataDir),
		forward:    &fakeForwarder{},
		syncer:     &fakeSyncer{summary: &mailsync.Summary{}},
		fetcher:    &fakeFetcher{},
		stdout:     &bytes.Buffer{},
		stderr:     &bytes.Buffer{},
	}
	fx.router = New(cfg, fx.configPath, fx.open, fx.syncer, fx.fetcher, fx.forward, fx.stdout, fx.stderr, log)
	fx.router.dropCredential = func(account string) error {
		fx.dropped = append(fx.dropped, account)
		return nil
	}
	return fx
}

// seedFolder commits a folder with envelopes into the account's mirror.
func (fx *routerFixture) seedFolder(t *testing.T, account string, folder model.Folder, envs []model.Envelope) {
	t.Helper()

	st, _, err := fx.open(account)
	require.NoError(t, err)
	defer st.Close()

	txn, err := st.Begin(context.Background(), folder.Name)
	require.NoError(t, err)
	require.NoError(t, txn.Replace(folder, envs))
	require.NoError(t, txn.Commit())
}

func (fx *routerFixture) seedBody(t *testing.T, account, folder string, uid uint32, raw []byte) {
	t.Helper()

	st, _, err := fx.open(account)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.SaveBody(context.Background(), folder, uid, model.BodyFull, raw))
}

func TestRouteForwardsUnknownCommands(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.forward.code = 3

	out := fx.router.Route(context.Background(), []string{"message", "send", "--body", "hi"})

	assert.Equal(t, StatusForwarded, out.Status)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, []string{"message", "send", "--body", "hi"}, fx.forward.argv)
	assert.Empty(t, fx.stdout.String())
}

func TestRouteSyncBadUsage(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)

	out := fx.router.Route(context.Background(), []string{"sync", "--turbo"})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 2, out.ExitCode)
	assert.Contains(t, fx.stderr.String(), "unknown argument --turbo")
	assert.Nil(t, fx.forward.argv)
}

func TestRouteSyncPassesOptions(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)

	out := fx.router.Route(context.Background(),
		[]string{"sync", "-a", "work", "-f", "INBOX", "--full", "--quiet"})

	assert.Equal(t, StatusServed, out.Status)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, mailsync.Options{
		Accounts: []string{"work"},
		Folders:  []string{"INBOX"},
		Full:     true,
		Quiet:    true,
	}, fx.syncer.opts)
}

func TestRouteSyncFailureExitCode(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.syncer.summary = &mailsync.Summary{Results: []mailsync.FolderResult{
		{Account: "work", Folder: "INBOX", Err: errors.New("lease held")},
	}}

	out := fx.router.Route(context.Background(), []string{"sync", "--quiet"})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 1, out.ExitCode)
}

func TestRouteAccountList(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)

	out := fx.router.Route(context.Background(), []string{"account", "list", "-o", "json"})

	assert.Equal(t, StatusServed, out.Status)
	assert.Equal(t, 0, out.ExitCode)

	want := `[
  {
    "name": "work",
    "backend": "imap",
    "default": true
  },
  {
    "name": "personal",
    "backend": "imap",
    "default": false
  }
]
`
	assert.Equal(t, want, fx.stdout.String())
}

func TestRouteAccountRemove(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.seedFolder(t, "personal", model.Folder{Name: "INBOX", Validity: 100}, nil)

	out := fx.router.Route(context.Background(), []string{"account", "remove", "personal"})

	assert.Equal(t, StatusServed, out.Status)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, []string{"personal"}, fx.dropped)
	assert.Contains(t, fx.stdout.String(), "account personal removed")

	// The account is gone from the config in memory and on disk.
	_, ok := fx.cfg.Account("personal")
	assert.False(t, ok)
	saved, err := model.LoadConfig(fx.configPath)
	require.NoError(t, err)
	require.Len(t, saved.Accounts, 1)
	assert.Equal(t, "work", saved.Accounts[0].Name)

	// The mirror database is gone too.
	_, err = os.Stat(filepath.Join(fx.cfg.DataDir, "personal.db"))
	assert.True(t, os.IsNotExist(err))
}

func TestRouteAccountRemoveUnknown(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)

	out := fx.router.Route(context.Background(), []string{"account", "remove", "stranger"})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 1, out.ExitCode)
	assert.Empty(t, fx.dropped)
	assert.Contains(t, fx.stderr.String(), "unknown account")
}

func TestRouteFolderListServed(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.seedFolder(t, "work", model.Folder{Name: "INBOX", Desc: "all mail", Validity: 100}, nil)
	fx.seedFolder(t, "work", model.Folder{Name: "Sent", Validity: 100}, nil)

	out := fx.router.Route(context.Background(), []string{"folder", "list", "-o", "json"})

	assert.Equal(t, StatusServed, out.Status)
	assert.Equal(t, 0, out.ExitCode)

	want := `[
  {
    "name": "INBOX",
    "desc": "all mail"
  },
  {
    "name": "Sent",
    "desc": null
  }
]
`
	assert.Equal(t, want, fx.stdout.String())
}

func TestRouteFolderListEmptyMirrorForwards(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.forward.code = 0

	out := fx.router.Route(context.Background(), []string{"folder", "list", "-o", "json"})

	assert.Equal(t, StatusMissForwarded, out.Status)
	assert.Equal(t, []string{"folder", "list", "-o", "json"}, fx.forward.argv)
}

func TestRouteUnknownAccountForwards(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.forward.code = 1

	out := fx.router.Route(context.Background(),
		[]string{"folder", "list", "-a", "stranger", "-o", "json"})

	assert.Equal(t, StatusMissForwarded, out.Status)
	assert.Equal(t, 1, out.ExitCode)
}

func TestRouteEnvelopeListGolden(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.seedFolder(t, "work", model.Folder{Name: "INBOX", Validity: 100, Cursor: "3"}, []model.Envelope{
		{
			UID:     1,
			Subject: "older",
			From:    &model.Address{Addr: "alice@example.com"},
			To:      &model.Address{Addr: "bob@example.com"},
			Date:    time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		},
		{
			UID:           2,
			Subject:       "newer",
			From:          &model.Address{Name: "Alice", Addr: "alice@example.com"},
			To:            &model.Address{Addr: "bob@example.com"},
			Date:          time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC),
			Flags:         []string{"\\Seen"},
			HasAttachment: true,
		},
		{
			UID:     3,
			Subject: "undated",
		},
	})

	out := fx.router.Route(context.Background(),
		[]string{"envelope", "list", "-f", "INBOX", "-o", "json"})

	assert.Equal(t, StatusServed, out.Status)
	assert.Equal(t, 0, out.ExitCode)

	// Sorted newest first; undated entries sink to the bottom.
	want := `[
  {
    "id": "2",
    "flags": [
      "\\Seen"
    ],
    "subject": "newer",
    "from": {
      "name": "Alice",
      "addr": "alice@example.com"
    },
    "to": {
      "name": null,
      "addr": "bob@example.com"
    },
    "date": "2024-03-11 09:30+00:00",
    "has_attachment": true
  },
  {
    "id": "1",
    "flags": [],
    "subject": "older",
    "from": {
      "name": null,
      "addr": "alice@example.com"
    },
    "to": {
      "name": null,
      "addr": "bob@example.com"
    },
    "date": "2024-03-10 12:00+00:00",
    "has_attachment": false
  },
  {
    "id": "3",
    "flags": [],
    "subject": "undated",
    "from": null,
    "to": null,
    "date": null,
    "has_attachment": false
  }
]
`
	assert.Equal(t, want, fx.stdout.String())
}

func TestRouteEnvelopeListUnknownFolderForwards(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.seedFolder(t, "work", model.Folder{Name: "INBOX", Validity: 100}, nil)

	out := fx.router.Route(context.Background(),
		[]string{"envelope", "list", "-f", "Archive", "-o", "json"})

	assert.Equal(t, StatusMissForwarded, out.Status)
	assert.Equal(t, []string{"envelope", "list", "-f", "Archive", "-o", "json"}, fx.forward.argv)
}

func TestRouteMessageReadServed(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.seedFolder(t, "work", model.Folder{Name: "INBOX", Validity: 100}, []model.Envelope{{UID: 7, Subject: "hello"}})
	fx.seedBody(t, "work", "INBOX", 7,
		[]byte("Subject: hello\r\n\r\nfirst line\r\nsecond line\r\n"))

	out := fx.router.Route(context.Background(),
		[]string{"message", "read", "-f", "INBOX", "-o", "json", "7"})

	assert.Equal(t, StatusServed, out.Status)
	assert.Equal(t, 0, out.ExitCode)

	// Line endings normalized, single JSON string, no trailing newline.
	want := `"Subject: hello\n\nfirst line\nsecond line\n"`
	assert.Equal(t, want, fx.stdout.String())
}

func TestRouteMessageReadLazyFetch(t *testing.T) {
	fx := newFixture(t, model.BodiesLazy)
	fx.seedFolder(t, "work", model.Folder{Name: "INBOX", Validity: 100}, []model.Envelope{{UID: 7}})
	fx.fetcher.body = &model.MessageBody{
		UID:   7,
		State: model.BodyFull,
		Raw:   []byte("Subject: fetched\r\n\r\nbody\r\n"),
	}

	out := fx.router.Route(context.Background(),
		[]string{"message", "read", "-f", "INBOX", "-o", "json", "7"})

	assert.Equal(t, StatusServed, out.Status)
	assert.Equal(t, 1, fx.fetcher.calls)
	assert.Equal(t, `"Subject: fetched\n\nbody\n"`, fx.stdout.String())
}

func TestRouteMessageReadBodiesOffMissForwards(t *testing.T) {
	fx := newFixture(t, model.BodiesOff)
	fx.seedFolder(t, "work", model.Folder{Name: "INBOX", Validity: 100}, []model.Envelope{{UID: 7}})

	out := fx.router.Route(context.Background(),
		[]string{"message", "read", "-f", "INBOX", "-o", "json", "7"})

	assert.Equal(t, StatusMissForwarded, out.Status)
	assert.Equal(t, 0, fx.fetcher.calls)
	assert.Equal(t, []string{"message", "read", "-f", "INBOX", "-o", "json", "7"}, fx.forward.argv)
}

func TestRouteMessageReadFetchFailureMissForwards(t *testing.T) {
	fx := newFixture(t, model.BodiesLazy)
	fx.seedFolder(t, "work", model.Folder{Name: "INBOX", Validity: 100}, []model.Envelope{{UID: 7}})
	fx.fetcher.err = errors.New("connection refused")
	fx.forward.code = 1

	out := fx.router.Route(context.Background(),
		[]string{"message", "read", "-f", "INBOX", "-o", "json", "7"})

	assert.Equal(t, StatusMissForwarded, out.Status)
	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, 1, fx.fetcher.calls)
}

func TestRouteMessageReadUnknownUIDForwards(t *testing.T) {
	fx := newFixture(t, model.BodiesLazy)
	fx.seedFolder(t, "work", model.Folder{Name: "INBOX", Validity: 100}, []model.Envelope{{UID: 7}})

	out := fx.router.Route(context.Background(),
		[]string{"message", "read", "-f", "INBOX", "-o", "json", "99"})

	assert.Equal(t, StatusMissForwarded, out.Status)
	assert.Equal(t, 0, fx.fetcher.calls)
}
