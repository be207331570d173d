package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/mailmirror/internal/credential"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
)

// runConfigure walks the user through adding or updating an account,
// stores the password in the system keyring, and rewrites the config
// file.
func (r *Router) runConfigure(ctx context.Context) Outcome {
	var (
		name       = ""
		host       = ""
		port       = ""
		username   = ""
		password   = ""
		useTLS     = true
		setDefault = len(r.cfg.Accounts) == 0
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Account Name").
				Description("The account identifier, shared with the upstream client").
				Placeholder("work").
				Value(&name).
				Validate(validateRequired("Account name")),
			huh.NewInput().
				Title("IMAP Host").
				Description("IMAP server hostname").
				Placeholder("imap.example.com").
				Value(&host).
				Validate(validateRequired("IMAP host")),
			huh.NewInput().
				Title("IMAP Port").
				Description("Leave empty for the protocol default (993 TLS, 143 STARTTLS)").
				Placeholder("993").
				Value(&port).
				Validate(validatePort),
			huh.NewConfirm().
				Title("Use TLS").
				Description("Implicit TLS; answering No uses STARTTLS").
				Affirmative("Yes").
				Negative("No").
				Value(&useTLS),
			huh.NewInput().
				Title("Username").
				Description("IMAP login name").
				Placeholder("user@example.com").
				Value(&username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				Description("Stored in the system keyring, never in the config file").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(validateRequired("Password")),
			huh.NewConfirm().
				Title("Default Account").
				Description("Use this account when none is named").
				Affirmative("Yes").
				Negative("No").
				Value(&setDefault),
		),
	)

	if err := form.RunWithContext(ctx); err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}

	if err := credential.Set(name, password); err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}

	acct := model.AccountConfig{
		Name:     name,
		Backend:  "imap",
		Host:     host,
		TLS:      useTLS,
		Username: username,
		Default:  setDefault,
	}
	if port != "" {
		acct.Port, _ = strconv.Atoi(port)
	} else if useTLS {
		acct.Port = 993
	} else {
		acct.Port = 143
	}

	upsertAccount(r.cfg, acct)
	if err := model.SaveConfig(r.configPath, r.cfg); err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}

	fmt.Fprintf(r.stdout, "account %s configured\n", name)
	return Outcome{Status: StatusServed, ExitCode: exitOK}
}

// runRemove deletes an account: its keyring credential, its config
// entry, and its mirror database. A missing keyring entry only warns;
// the config write is the part that must succeed.
func (r *Router) runRemove(inv Invocation) Outcome {
	acct, ok := r.cfg.Account(inv.Account)
	if !ok {
		fmt.Fprintf(r.stderr, "error: unknown account %q\n", inv.Account)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}

	if err := r.dropCredential(acct.Name); err != nil {
		r.log.WithError(err).Warn("removing stored credential")
	}

	accounts := make([]model.AccountConfig, 0, len(r.cfg.Accounts))
	for _, a := range r.cfg.Accounts {
		if a.Name != acct.Name {
			accounts = append(accounts, a)
		}
	}
	r.cfg.Accounts = accounts

	if err := model.SaveConfig(r.configPath, r.cfg); err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return Outcome{Status: StatusFailed, ExitCode: exitSyncFailed}
	}

	if err := store.RemoveMirror(r.cfg.DataDir, acct.Name); err != nil {
		r.log.WithError(err).Warn("removing mirror database")
	}

	fmt.Fprintf(r.stdout, "account %s removed\n", acct.Name)
	return Outcome{Status: StatusServed, ExitCode: exitOK}
}

// upsertAccount inserts or replaces the account by name. Marking an
// account default clears the flag on every other account.
func upsertAccount(cfg *model.AppConfig, acct model.AccountConfig) {
	if acct.Default {
		for i := range cfg.Accounts {
			cfg.Accounts[i].Default = false
		}
	}
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Name == acct.Name {
			cfg.Accounts[i] = acct
			return
		}
	}
	cfg.Accounts = append(cfg.Accounts, acct)
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validatePort(s string) error {
	for _, c := range s {
		if c < '0' || c > '9' {
			return fmt.Errorf("port must be a number")
		}
	}
	return nil
}
