package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type ServerConfig struct {
	Global    GlobalConfig    `toml:"global"`
	PoW       PoWConfig       `toml:"pow"`
	State     StateConfig     `toml:"state"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Voters    []VoterConfig   `toml:"voters"`
	Notify    NotifyConfig    `toml:"notify"`
	Will      WillConfig      `toml:"will"`
}

type GlobalConfig struct {
	Name     string `toml:"name"`
	FullName string `toml:"full_name"`
	// UTCOffset is in whole hours, used when rendering timestamps.
	UTCOffset         int      `toml:"utc_offset"`
	Addr              string   `toml:"addr"`
	HeartbeatAuthHash string   `toml:"heartbeat_auth_hash"`
	CorsOrigins       []string `toml:"cors_origins"`
	TrustedProxies    []string `toml:"trusted_proxies"`
	DatabasePath      string   `toml:"database_path"`
}

type PoWConfig struct {
	Secret string `toml:"secret"`
	// Difficulty is a preset 1..5; Target overrides it when set.
	Difficulty int    `toml:"difficulty"`
	Target     string `toml:"target"`
	ValidFor   string `toml:"valid_for"`
}

type StateConfig struct {
	TickInterval     string `toml:"tick_interval"`
	GracePeriod      string `toml:"grace_period"`
	MaxSilencePeriod string `toml:"max_silence_period"`
	MinimumUptime    string `toml:"minimum_uptime"`

	Alive         StateDisplay `toml:"alive"`
	ProbablyAlive StateDisplay `toml:"probably_alive"`
	DeadOrMissing StateDisplay `toml:"dead_or_missing"`
	Incapacitated StateDisplay `toml:"incapacitated"`
	Memorial      StateDisplay `toml:"memorial"`
}

// StateDisplay holds the status page text for one state. Messages may use
// {0} for the name, {1} for whole hours since the last heartbeat and {2}
// for the plural suffix.
type StateDisplay struct {
	Images   []string `toml:"images"`
	Messages []string `toml:"messages"`
}

type RateLimitConfig struct {
	BaseDelay       string `toml:"base_delay"`
	MaxDelay        string `toml:"max_delay"`
	// GlobalThreshold is nil when the key is absent; an explicit 0 disables
	// brute-force detection.
	GlobalThreshold *int   `toml:"global_threshold"`
	GlobalWindow    string `toml:"global_window"`
}

// Threshold returns the configured global failure threshold.
func (r RateLimitConfig) Threshold() int {
	if r.GlobalThreshold == nil {
		return DefaultGlobalThreshold
	}
	return *r.GlobalThreshold
}

type VoterConfig struct {
	ID      string `toml:"id"`
	Name    string `toml:"name"`
	Token   string `toml:"token"`
	Address string `toml:"address"`
}

type NotifyConfig struct {
	Kind    string `toml:"kind"`
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
	Timeout string `toml:"timeout"`
}

type WillConfig struct {
	Kind    string   `toml:"kind"`
	URL     string   `toml:"url"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Timeout string   `toml:"timeout"`
}

const (
	DefaultAddr             = ":8080"
	DefaultDatabasePath     = "alive.toml"
	DefaultDifficulty       = 3
	DefaultValidFor         = "10s"
	DefaultTickInterval     = "1m"
	DefaultGracePeriod      = "24h"
	DefaultMaxSilencePeriod = "72h"
	DefaultMinimumUptime    = "10m"
	DefaultBaseDelay        = "5m"
	DefaultMaxDelay         = "24h"
	DefaultGlobalThreshold  = 50
	DefaultGlobalWindow     = "10m"
	DefaultNotifySubject    = "alive.votes"
)

var defaultDisplay = StateDisplay{
	Messages: []string{"The last heartbeat received from {0} was {1} hour{2} ago."},
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	ApplyDefaults(&cfg)
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ApplyDefaults(cfg *ServerConfig) {
	g := &cfg.Global
	if strings.TrimSpace(g.Addr) == "" {
		g.Addr = DefaultAddr
	}
	if strings.TrimSpace(g.DatabasePath) == "" {
		g.DatabasePath = DefaultDatabasePath
	}
	if strings.TrimSpace(g.FullName) == "" {
		g.FullName = g.Name
	}

	p := &cfg.PoW
	if p.Difficulty == 0 && strings.TrimSpace(p.Target) == "" {
		p.Difficulty = DefaultDifficulty
	}
	setDefault(&p.ValidFor, DefaultValidFor)

	s := &cfg.State
	setDefault(&s.TickInterval, DefaultTickInterval)
	setDefault(&s.GracePeriod, DefaultGracePeriod)
	setDefault(&s.MaxSilencePeriod, DefaultMaxSilencePeriod)
	setDefault(&s.MinimumUptime, DefaultMinimumUptime)
	for _, d := range []*StateDisplay{&s.Alive, &s.ProbablyAlive, &s.DeadOrMissing, &s.Incapacitated, &s.Memorial} {
		if len(d.Messages) == 0 {
			d.Messages = append([]string(nil), defaultDisplay.Messages...)
		}
	}

	r := &cfg.RateLimit
	setDefault(&r.BaseDelay, DefaultBaseDelay)
	setDefault(&r.MaxDelay, DefaultMaxDelay)
	setDefault(&r.GlobalWindow, DefaultGlobalWindow)
	if r.GlobalThreshold == nil {
		threshold := DefaultGlobalThreshold
		r.GlobalThreshold = &threshold
	}

	n := &cfg.Notify
	setDefault(&n.Kind, "log")
	if strings.EqualFold(strings.TrimSpace(n.Kind), "nats") {
		setDefault(&n.Subject, DefaultNotifySubject)
	}
	setDefault(&n.Timeout, "15s")

	w := &cfg.Will
	setDefault(&w.Kind, "log")
	setDefault(&w.Timeout, "1m")
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func ValidateServerConfig(cfg ServerConfig) error {
	g := cfg.Global
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("global config missing name")
	}
	if strings.TrimSpace(g.Addr) == "" {
		return fmt.Errorf("global config missing addr")
	}
	if strings.TrimSpace(g.HeartbeatAuthHash) == "" {
		return fmt.Errorf("global config missing heartbeat_auth_hash")
	}
	if g.UTCOffset < -12 || g.UTCOffset > 14 {
		return fmt.Errorf("global utc_offset %d out of range", g.UTCOffset)
	}

	p := cfg.PoW
	if strings.TrimSpace(p.Secret) == "" {
		return fmt.Errorf("pow config missing secret")
	}
	if strings.TrimSpace(p.Target) != "" {
		raw := strings.TrimPrefix(strings.TrimSpace(p.Target), "0x")
		if _, err := hex.DecodeString(padEven(raw)); err != nil {
			return fmt.Errorf("pow target is not hex: %w", err)
		}
	} else if p.Difficulty < 1 || p.Difficulty > 5 {
		return fmt.Errorf("pow difficulty must be 1..5, got %d", p.Difficulty)
	}
	if err := positiveDuration("pow.valid_for", p.ValidFor); err != nil {
		return err
	}

	s := cfg.State
	for name, raw := range map[string]string{
		"state.tick_interval":      s.TickInterval,
		"state.grace_period":       s.GracePeriod,
		"state.max_silence_period": s.MaxSilencePeriod,
	} {
		if err := positiveDuration(name, raw); err != nil {
			return err
		}
	}
	grace, _ := time.ParseDuration(s.GracePeriod)
	silence, _ := time.ParseDuration(s.MaxSilencePeriod)
	if silence <= grace {
		return fmt.Errorf("state.max_silence_period must exceed state.grace_period")
	}
	if d, err := time.ParseDuration(s.MinimumUptime); err != nil || d < 0 {
		return fmt.Errorf("state.minimum_uptime invalid: %q", s.MinimumUptime)
	}

	r := cfg.RateLimit
	for name, raw := range map[string]string{
		"ratelimit.base_delay":    r.BaseDelay,
		"ratelimit.max_delay":     r.MaxDelay,
		"ratelimit.global_window": r.GlobalWindow,
	} {
		if err := positiveDuration(name, raw); err != nil {
			return err
		}
	}
	base, _ := time.ParseDuration(r.BaseDelay)
	maxDelay, _ := time.ParseDuration(r.MaxDelay)
	if maxDelay < base {
		return fmt.Errorf("ratelimit.max_delay must be >= ratelimit.base_delay")
	}
	if r.Threshold() < 0 {
		return fmt.Errorf("ratelimit.global_threshold must be >= 0")
	}

	if len(cfg.Voters) == 0 {
		return fmt.Errorf("at least one [[voters]] entry is required")
	}
	seen := make(map[string]struct{}, len(cfg.Voters))
	for i, v := range cfg.Voters {
		if err := ValidateVoterEntry(v); err != nil {
			return fmt.Errorf("voter[%d] invalid: %w", i, err)
		}
		id := strings.TrimSpace(v.ID)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("voter[%d] invalid: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
	}

	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}
	return validateWill(cfg.Will)
}

func ValidateVoterEntry(v VoterConfig) error {
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(v.Token) == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

func validateNotify(n NotifyConfig) error {
	switch strings.ToLower(strings.TrimSpace(n.Kind)) {
	case "log":
	case "webhook":
		if strings.TrimSpace(n.URL) == "" {
			return fmt.Errorf("notify.url is required for webhook")
		}
	case "nats":
		if strings.TrimSpace(n.URL) == "" {
			return fmt.Errorf("notify.url is required for nats")
		}
		if strings.TrimSpace(n.Subject) == "" {
			return fmt.Errorf("notify.subject is required for nats")
		}
	default:
		return fmt.Errorf("notify.kind %q unsupported", n.Kind)
	}
	return positiveDuration("notify.timeout", n.Timeout)
}

func validateWill(w WillConfig) error {
	switch strings.ToLower(strings.TrimSpace(w.Kind)) {
	case "log":
	case "webhook":
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("will.url is required for webhook")
		}
	case "exec":
		if strings.TrimSpace(w.Command) == "" {
			return fmt.Errorf("will.command is required for exec")
		}
	default:
		return fmt.Errorf("will.kind %q unsupported", w.Kind)
	}
	return positiveDuration("will.timeout", w.Timeout)
}

func positiveDuration(name, raw string) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s invalid: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", name)
	}
	return nil
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

// Duration parses a field already checked by ValidateServerConfig.
func Duration(raw string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(raw))
	return d
}

// Location returns the fixed zone for the configured UTC offset.
func (g GlobalConfig) Location() *time.Location {
	if g.UTCOffset == 0 {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", g.UTCOffset), g.UTCOffset*3600)
}

// Display returns the status text for a state name.
func (s StateConfig) Display(state string) StateDisplay {
	switch state {
	case "alive":
		return s.Alive
	case "probably_alive":
		return s.ProbablyAlive
	case "dead_or_missing":
		return s.DeadOrMissing
	case "incapacitated":
		return s.Incapacitated
	case "memorial":
		return s.Memorial
	default:
		return defaultDisplay
	}
}
