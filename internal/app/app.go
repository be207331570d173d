package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/nhle/mailmirror/internal/credential"
	"github.com/nhle/mailmirror/internal/model"
	imapremote "github.com/nhle/mailmirror/internal/remote/imap"
	"github.com/nhle/mailmirror/internal/router"
	"github.com/nhle/mailmirror/internal/store"
	mailsync "github.com/nhle/mailmirror/internal/sync"
)

// configPathEnv overrides the config file location, mostly for tests.
const configPathEnv = "MAILMIRROR_CONFIG"

// Run wires the application together and routes one invocation. The
// returned value is the process exit code.
func Run(argv []string) int {
	configPath := os.Getenv(configPathEnv)
	if configPath == "" {
		configPath = model.DefaultConfigPath()
	}

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	log := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open := store.NewOpener(cfg.DataDir)
	dial := imapremote.NewDialer(credential.Get)

	engine := mailsync.New(cfg, open, dial, log)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		engine.SetReporter(mailsync.NewTerminalReporter())
	}

	forward := &router.ExecForwarder{
		Binary: cfg.Upstream.Binary,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	rt := router.New(cfg, configPath, open, engine, engine, forward, os.Stdout, os.Stderr, log)
	outcome := rt.Route(ctx, argv)
	return outcome.ExitCode
}

// newLogger builds the process logger. Logs go to stderr so they never
// contaminate forwarded or mirrored command output on stdout.
func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.WarnLevel
	}
	log.SetLevel(parsed)

	return log
}
