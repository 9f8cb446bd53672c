package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "server":
		return serverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `[global]
name = "Max"
full_name = "Max Rodriguez"
utc_offset = 0
addr = ":8080"
# argon2id PHC string; generate with: alivectl -hash-password
heartbeat_auth_hash = "$argon2id$v=19$m=19456,t=2,p=1$c29tZXNhbHRzb21lc2FsdA$qdwmLOTpzcpZdP6mmR+xH+cC1UGVrCeTPk5PAmGa38w"
cors_origins = ["http://localhost:3000"]
trusted_proxies = []
database_path = "alive.toml"

[pow]
secret = "change-me"
difficulty = 3
valid_for = "10s"

[state]
tick_interval = "1m"
grace_period = "24h"
max_silence_period = "72h"
minimum_uptime = "10m"

[ratelimit]
base_delay = "5m"
max_delay = "24h"
global_threshold = 50
global_window = "10m"

[[voters]]
id = "ann"
name = "Ann"
token = "change-me-ann"
address = "ann@example.org"

[[voters]]
id = "bo"
name = "Bo"
token = "change-me-bo"
address = "bo@example.org"

[notify]
kind = "log"

[will]
kind = "log"
`
