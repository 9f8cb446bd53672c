package main

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/maxrdz/Am-I-Alive/internal/auth"
	"github.com/maxrdz/Am-I-Alive/internal/config"
	"github.com/stretchr/testify/require"
)

func exampleConfigPath(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "ex.config.toml")
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := config.LoadServerConfig(exampleConfigPath(t))
	require.NoError(t, err)
	require.Equal(t, "Max", cfg.Global.Name)
	require.Equal(t, -5, cfg.Global.UTCOffset)
	require.Equal(t, 4, cfg.PoW.Difficulty)
	require.Len(t, cfg.Voters, 3)
	require.Equal(t, "nats", cfg.Notify.Kind)
	require.Equal(t, "exec", cfg.Will.Kind)
	require.NotEmpty(t, cfg.State.Memorial.Messages)

	_, err = auth.ParseArgon2Hash(cfg.Global.HeartbeatAuthHash)
	require.NoError(t, err)
}

func TestRunInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	var out bytes.Buffer

	require.NoError(t, run(path, true, false, false, false, nil, &out))
	require.Contains(t, out.String(), "wrote config template")
	require.Error(t, run(path, true, false, false, false, nil, &out))

	out.Reset()
	require.NoError(t, run(path, false, false, true, false, nil, &out))
	require.Contains(t, out.String(), "validated config")

	require.Error(t, run(filepath.Join(t.TempDir(), "missing.toml"), false, false, true, false, nil, &out))
}

func TestRunHashPassword(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run("", false, false, false, true, strings.NewReader("s3cret\n"), &out))

	h, err := auth.ParseArgon2Hash(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.NoError(t, h.Validate("s3cret"))

	require.Error(t, run("", false, false, false, true, strings.NewReader("\n"), &out))
}
