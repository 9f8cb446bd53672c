package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `[global]
name = "Max"
heartbeat_auth_hash = "$argon2id$v=19$m=64,t=1,p=1$c2FsdA$aGFzaA"

[pow]
secret = "s3cret"

[[voters]]
id = "ann"
token = "t-ann"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "Max", cfg.Global.FullName)
	require.Equal(t, DefaultAddr, cfg.Global.Addr)
	require.Equal(t, DefaultDatabasePath, cfg.Global.DatabasePath)
	require.Equal(t, DefaultDifficulty, cfg.PoW.Difficulty)
	require.Equal(t, 10*time.Second, Duration(cfg.PoW.ValidFor))
	require.Equal(t, 24*time.Hour, Duration(cfg.State.GracePeriod))
	require.Equal(t, 72*time.Hour, Duration(cfg.State.MaxSilencePeriod))
	require.Equal(t, 5*time.Minute, Duration(cfg.RateLimit.BaseDelay))
	require.Equal(t, DefaultGlobalThreshold, cfg.RateLimit.Threshold())
	require.Equal(t, "log", cfg.Notify.Kind)
	require.Equal(t, "log", cfg.Will.Kind)
	require.NotEmpty(t, cfg.State.Display("memorial").Messages)
}

func TestZeroGlobalThresholdDisablesDetection(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, minimalConfig+"\n[ratelimit]\nglobal_threshold = 0\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.RateLimit.GlobalThreshold)
	require.Zero(t, cfg.RateLimit.Threshold())

	cfg, err = LoadServerConfig(writeConfig(t, minimalConfig+"\n[ratelimit]\nglobal_threshold = 7\n"))
	require.NoError(t, err)
	require.Equal(t, 7, cfg.RateLimit.Threshold())

	_, err = LoadServerConfig(writeConfig(t, minimalConfig+"\n[ratelimit]\nglobal_threshold = -1\n"))
	require.Error(t, err)

	require.Equal(t, DefaultGlobalThreshold, RateLimitConfig{}.Threshold())
}

func TestLoadServerConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing name":      strings.Replace(minimalConfig, `name = "Max"`, "", 1),
		"missing hash":      strings.Replace(minimalConfig, `heartbeat_auth_hash`, `other_hash`, 1),
		"missing secret":    strings.Replace(minimalConfig, `secret = "s3cret"`, "", 1),
		"difficulty range":  strings.Replace(minimalConfig, `secret = "s3cret"`, "secret = \"s\"\ndifficulty = 9", 1),
		"bad target":        strings.Replace(minimalConfig, `secret = "s3cret"`, "secret = \"s\"\ntarget = \"xyz\"", 1),
		"no voters":         strings.Split(minimalConfig, "[[voters]]")[0],
		"voter token":       strings.Replace(minimalConfig, `token = "t-ann"`, "", 1),
		"silence <= grace":  minimalConfig + "\n[state]\ngrace_period = \"72h\"\nmax_silence_period = \"24h\"\n",
		"bad duration":      minimalConfig + "\n[state]\ntick_interval = \"soon\"\n",
		"max below base":    minimalConfig + "\n[ratelimit]\nbase_delay = \"1h\"\nmax_delay = \"1m\"\n",
		"webhook needs url": minimalConfig + "\n[notify]\nkind = \"webhook\"\n",
		"unknown will":      minimalConfig + "\n[will]\nkind = \"carrier-pigeon\"\n",
		"exec needs cmd":    minimalConfig + "\n[will]\nkind = \"exec\"\n",
		"utc offset":        strings.Replace(minimalConfig, `name = "Max"`, "name = \"Max\"\nutc_offset = 20", 1),
		"duplicate voter":   minimalConfig + "\n[[voters]]\nid = \"ann\"\ntoken = \"x\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadServerConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadServerConfigNATSDefaultsSubject(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, minimalConfig+"\n[notify]\nkind = \"nats\"\nurl = \"nats://127.0.0.1:4222\"\n"))
	require.NoError(t, err)
	require.Equal(t, DefaultNotifySubject, cfg.Notify.Subject)
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "config load failed")
}

func TestTemplateIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, WriteTemplate(path, "server", false))
	require.Error(t, WriteTemplate(path, "server", false), "refuses to overwrite")
	require.NoError(t, WriteTemplate(path, "", true))

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Voters, 2)

	_, err = Template("agent")
	require.Error(t, err)
}

func TestLocation(t *testing.T) {
	require.Equal(t, time.UTC, GlobalConfig{}.Location())
	loc := GlobalConfig{UTCOffset: -5}.Location()
	_, offset := time.Date(2026, 1, 1, 0, 0, 0, 0, loc).Zone()
	require.Equal(t, -5*3600, offset)
}
