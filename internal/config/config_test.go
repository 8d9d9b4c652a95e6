package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Decode(v)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Mail.Inbound.MaxMessages)
	assert.Equal(t, time.Minute, cfg.Mail.Inbound.PollInterval)
	assert.True(t, cfg.Mail.Inbound.Peek)
	assert.True(t, cfg.Mail.Inbound.MarkSeen)
	assert.Equal(t, "INBOX", cfg.Mail.Inbound.Folder)
	assert.Equal(t, "starttls", cfg.Mail.SMTP.TLSMode)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.GetServerAddr())
	assert.False(t, cfg.App.IsProduction())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TALENTDESK_MAIL_INBOUND_MAX_MESSAGES", "7")
	t.Setenv("TALENTDESK_MAIL_INBOUND_POLL_INTERVAL", "30s")
	t.Setenv("TALENTDESK_MAIL_SYSTEM_ADDRESSES", "support@talentdesk.io,jobs@talentdesk.io")
	t.Setenv("TALENTDESK_DATABASE_DRIVER", "memory")

	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Decode(v)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Mail.Inbound.MaxMessages)
	assert.Equal(t, 30*time.Second, cfg.Mail.Inbound.PollInterval)
	assert.Equal(t, []string{"support@talentdesk.io", "jobs@talentdesk.io"}, cfg.Mail.SystemAddresses)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestConfigFilesMerge(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(`
mail:
  inbound:
    host: imap.example.com
    folder: Support
  smtp:
    host: smtp.example.com
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
mail:
  inbound:
    folder: Careers
    archive_folder: Processed
`), 0o600))

	v, err := NewViper(dir)
	require.NoError(t, err)
	cfg, err := Decode(v)
	require.NoError(t, err)

	assert.Equal(t, "imap.example.com", cfg.Mail.Inbound.Host)
	assert.Equal(t, "Careers", cfg.Mail.Inbound.Folder)
	assert.Equal(t, "Processed", cfg.Mail.Inbound.ArchiveFolder)
	assert.Equal(t, "smtp.example.com", cfg.Mail.SMTP.Host)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), v.ConfigFileUsed())
}

func TestMissingConfigDirectoryIsNotAnError(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Decode(v)
	require.NoError(t, err)

	bad := *cfg
	bad.Database.Driver = "oracle"
	bad.Mail.Inbound.MaxMessages = 0
	bad.Mail.Inbound.Enabled = true
	bad.Mail.SMTP.TLSMode = "ssl3"
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "max_messages")
	assert.Contains(t, err.Error(), "mail.inbound.host")
	assert.Contains(t, err.Error(), "tls_mode")
}

func TestValidateLockOutlivesPoll(t *testing.T) {
	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Decode(v)
	require.NoError(t, err)

	ok := *cfg
	ok.Redis.Enabled = true
	ok.Redis.LockTTL = 5 * time.Minute
	ok.Mail.Inbound.PollTimeout = 2 * time.Minute
	require.NoError(t, ok.Validate())

	short := ok
	short.Redis.LockTTL = time.Minute
	err = short.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.lock_ttl")

	unbounded := ok
	unbounded.Mail.Inbound.PollTimeout = 0
	require.Error(t, unbounded.Validate())

	// without redis the in-process lock has no expiry
	local := short
	local.Redis.Enabled = false
	require.NoError(t, local.Validate())
}
