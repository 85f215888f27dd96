package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/syncdb"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	store, err := cfg.userStore()
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncdbd.yaml")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"-c", path, "user", "add", "Alice", "--password", "pw", "--channel", "a", "--channel", "b"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "user alice saved\n", out.String())

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "alice", cfg.Users[0].Name)
	assert.Equal(t, []string{"a", "b"}, cfg.Users[0].Channels)

	store, err := cfg.userStore()
	require.NoError(t, err)
	u, err := store.Authenticate("alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, u.Channels)

	cfg.setUser(UserConfig{Name: "alice", Channels: []string{"c"}, Password: cfg.Users[0].Password})
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, []string{"c"}, cfg.Users[0].Channels)

	assert.True(t, cfg.removeUser("alice"))
	assert.False(t, cfg.removeUser("alice"))
	require.NoError(t, saveConfig(path, cfg))

	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Users)

	root = newRootCommand()
	root.SetArgs([]string{"-c", path, "user", "remove", "alice"})
	assert.Error(t, root.Execute())
}

func TestDatabasePassword(t *testing.T) {
	cfg := defaultConfig()
	opt, err := cfg.dbOptions()
	require.NoError(t, err)
	assert.Nil(t, opt.EncryptionKey)

	cfg.PasswordEnv = "SYNCDBD_TEST_PASSWORD"
	t.Setenv("SYNCDBD_TEST_PASSWORD", "")
	_, err = cfg.dbOptions()
	assert.Error(t, err)

	t.Setenv("SYNCDBD_TEST_PASSWORD", "hunter2")
	opt, err = cfg.dbOptions()
	require.NoError(t, err)
	assert.Equal(t, syncdb.DeriveEncryptionKey("hunter2"), opt.EncryptionKey)
}
