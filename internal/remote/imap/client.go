package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
)

// PasswordFunc resolves the IMAP password for an account name.
type PasswordFunc func(account string) (string, error)

// Dial attempts apply to the initial connection only; once connected,
// command failures surface directly.
const (
	dialAttempts = 3
	dialBackoff  = 2500 * time.Millisecond
)

// NewDialer returns a remote.Dialer that connects to the account's IMAP
// server, resolving the password through lookup.
func NewDialer(lookup PasswordFunc) remote.Dialer {
	return func(ctx context.Context, account model.AccountConfig) (remote.Mailbox, error) {
		password, err := lookup(account.Name)
		if err != nil {
			return nil, &remote.Error{
				Kind: remote.Permanent,
				Op:   "credentials",
				Err:  fmt.Errorf("resolving password for %s: %w", account.Name, err),
			}
		}

		client, err := connectWithRetry(ctx, account, password)
		if err != nil {
			return nil, err
		}
		return &Mailbox{client: client}, nil
	}
}

// connectWithRetry dials and authenticates, retrying transient dial
// failures a few times before giving up.
func connectWithRetry(ctx context.Context, account model.AccountConfig, password string) (*imapclient.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		client, err := connect(account, password)
		if err == nil {
			return client, nil
		}
		if remote.IsPermanent(err) {
			return nil, err
		}
		lastErr = err

		if attempt < dialAttempts {
			select {
			case <-ctx.Done():
				return nil, &remote.Error{Kind: remote.Transient, Op: "dial", Err: ctx.Err()}
			case <-time.After(dialBackoff):
			}
		}
	}
	return nil, lastErr
}

// connect establishes a single connection and authenticates.
func connect(account model.AccountConfig, password string) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if account.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &remote.Error{
			Kind: remote.Transient,
			Op:   "dial",
			Err:  fmt.Errorf("connecting to IMAP %s: %w", addr, err),
		}
	}

	if err := client.Login(account.Username, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &remote.Error{
			Kind: remote.Permanent,
			Op:   "login",
			Err:  fmt.Errorf("authentication failed for %s: %w", account.Username, err),
		}
	}

	return client, nil
}
