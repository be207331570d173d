package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Accounts)
	assert.Equal(t, 2, cfg.Sync.Parallel)
	assert.Equal(t, BodiesLazy, cfg.Sync.Bodies)
	assert.Equal(t, "himalaya", cfg.Upstream.Binary)
}

func TestLoadConfigAppliesAccountDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - name: work
    host: mail.example.com
    tls: true
    username: me@example.com
    default: true
  - name: personal
    host: imap.example.org
    username: me@example.org
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	assert.Equal(t, "imap", cfg.Accounts[0].Backend)
	assert.Equal(t, 993, cfg.Accounts[0].Port)
	assert.Equal(t, 143, cfg.Accounts[1].Port)
}

func TestLoadConfigRejectsInvalidBodies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  bodies: sometimes\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := defaultAppConfig()
	cfg.Accounts = []AccountConfig{{
		Name: "work", Backend: "imap", Host: "mail.example.com",
		Port: 993, TLS: true, Username: "me@example.com", Default: true,
	}}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, cfg.Accounts[0], loaded.Accounts[0])
	assert.Equal(t, cfg.Sync, loaded.Sync)
}

func TestAccountLookup(t *testing.T) {
	cfg := &AppConfig{Accounts: []AccountConfig{
		{Name: "work", Default: true},
		{Name: "personal"},
	}}

	acct, ok := cfg.Account("personal")
	require.True(t, ok)
	assert.Equal(t, "personal", acct.Name)

	acct, ok = cfg.Account("")
	require.True(t, ok)
	assert.Equal(t, "work", acct.Name)

	_, ok = cfg.Account("stranger")
	assert.False(t, ok)
}

func TestAccountLookupSingleAccountFallback(t *testing.T) {
	cfg := &AppConfig{Accounts: []AccountConfig{{Name: "only"}}}

	acct, ok := cfg.Account("")
	require.True(t, ok)
	assert.Equal(t, "only", acct.Name)
}

func TestBodyStateAdvances(t *testing.T) {
	assert.True(t, BodyAbsent.Advances(BodyHeaders))
	assert.True(t, BodyAbsent.Advances(BodyFull))
	assert.True(t, BodyHeaders.Advances(BodyFull))

	assert.False(t, BodyFull.Advances(BodyHeaders))
	assert.False(t, BodyFull.Advances(BodyAbsent))
	assert.False(t, BodyHeaders.Advances(BodyHeaders))
}
