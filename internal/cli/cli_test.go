package cli

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberelf/claude-code-server/internal/auth"
	"github.com/cyberelf/claude-code-server/internal/config"
	"github.com/cyberelf/claude-code-server/internal/engine/acp"
	"github.com/cyberelf/claude-code-server/internal/engine/claudecli"
	"github.com/cyberelf/claude-code-server/internal/logging"
	"github.com/cyberelf/claude-code-server/internal/persistence"
	"github.com/cyberelf/claude-code-server/internal/session"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	v, err := config.New("")
	require.NoError(t, err)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "version")
}

func TestVersionCmd(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "claude-code-server version "+Version+"\n", out.String())
}

func TestServeCmd_InvalidConfig(t *testing.T) {
	t.Setenv("SESSION_MAX_CONCURRENT", "0")
	root := NewRootCmd()
	root.SetArgs([]string{"serve"})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.max_concurrent")
}

func TestBindServeFlags(t *testing.T) {
	t.Setenv("SERVER_PORT", "7000")
	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Set("port", "9100"))

	v, err := config.New("")
	require.NoError(t, err)
	require.NoError(t, bindServeFlags(cmd, v))

	assert.Equal(t, 9100, v.GetInt("server.port"))
	assert.Equal(t, "0.0.0.0", v.GetString("server.host"))
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, s session.Store)
	}{
		{
			name:   "memory",
			mutate: func(c *config.Config) { c.StorageType = config.StorageMemory },
			check: func(t *testing.T, s session.Store) {
				assert.IsType(t, &session.MemoryStore{}, s)
			},
		},
		{
			name: "sqlite",
			mutate: func(c *config.Config) {
				c.StorageType = config.StorageSQLite
				c.SQLitePath = filepath.Join(t.TempDir(), "sessions.db")
			},
			check: func(t *testing.T, s session.Store) {
				assert.IsType(t, &persistence.SQLiteStore{}, s)
			},
		},
		{
			name: "redis",
			mutate: func(c *config.Config) {
				c.StorageType = config.StorageRedis
				c.RedisURL = "redis://" + mr.Addr() + "/0"
			},
			check: func(t *testing.T, s session.Store) {
				assert.IsType(t, &persistence.RedisStore{}, s)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadConfig(t)
			tc.mutate(cfg)
			store, err := openStore(context.Background(), cfg, logging.Discard())
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			tc.check(t, store)

			list, err := store.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestNewAdapter(t *testing.T) {
	cfg := loadConfig(t)
	assert.IsType(t, &claudecli.Adapter{}, newAdapter(cfg, logging.Discard()))

	cfg.EngineType = config.EngineACP
	cfg.ContainerMode = true
	assert.IsType(t, &acp.Adapter{}, newAdapter(cfg, logging.Discard()))
}

func TestEngineEnv(t *testing.T) {
	cfg := loadConfig(t)
	assert.Nil(t, engineEnv(cfg))
	cfg.ClaudeAPIKey = "sk-test"
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=sk-test"}, engineEnv(cfg))
}

func TestNewAuthenticator(t *testing.T) {
	cfg := loadConfig(t)
	a, err := newAuthenticator(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, a)

	cfg.AuthEnabled = true
	cfg.APIKey = "k"
	a, err = newAuthenticator(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &auth.APIKey{}, a)

	cfg.AuthType = "basic"
	_, err = newAuthenticator(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApp_ServesUntilCanceled(t *testing.T) {
	port := freePort(t)
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", strconv.Itoa(port))
	cfg := loadConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := build(ctx, cfg, logging.Discard())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
