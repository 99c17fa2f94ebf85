package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/devblac/event-tracker/internal/chain/evm"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverPebble   = "pebble"
)

const defaultDBPath = "event-tracker.db"

// Config holds the YAML configuration.
type Config struct {
	Version  int           `yaml:"version"`
	Global   GlobalConfig  `yaml:"global"`
	Chain    ChainConfig   `yaml:"chain"`
	Storage  StorageConfig `yaml:"storage"`
	Trackers []Tracker     `yaml:"trackers"`
	Sinks    []Sink        `yaml:"sinks"`
	Routes   []Route       `yaml:"routes"`
}

type GlobalConfig struct {
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type ChainConfig struct {
	RPCURL       string  `yaml:"rpc_url"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
	QueryTimeout string  `yaml:"query_timeout"`
}

// StorageConfig selects where resume points live. The sqlite database at
// global.db_path always holds the delivery ledger and dedupe keys.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

type Tracker struct {
	ID              string         `yaml:"id"`
	StartBlock      uint64         `yaml:"start_block"`
	IntervalMinutes int            `yaml:"interval_minutes"`
	BatchSize       uint64         `yaml:"batch_size"`
	OnPersistError  string         `yaml:"on_persist_error"`
	Subscriptions   []Subscription `yaml:"subscriptions"`
}

type Subscription struct {
	Name    string     `yaml:"name"`
	Address string     `yaml:"address"`
	Topics  [][]string `yaml:"topics"`
}

type Dedupe struct {
	Key string `yaml:"key"`
	TTL string `yaml:"ttl"`
}

// Route sends events of one tracker, optionally narrowed to one subscription,
// to a set of sinks.
type Route struct {
	Tracker      string   `yaml:"tracker"`
	Subscription string   `yaml:"subscription"`
	Sinks        []string `yaml:"sinks"`
	Where        []string `yaml:"where"`
	Dedupe       *Dedupe  `yaml:"dedupe,omitempty"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks and fills defaults.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Global.DBPath == "" {
		c.Global.DBPath = defaultDBPath
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if len(c.Trackers) == 0 {
		return errors.New("at least one tracker is required")
	}

	trackers := map[string]map[string]struct{}{}
	for i := range c.Trackers {
		t := &c.Trackers[i]
		if _, exists := trackers[t.ID]; exists {
			return fmt.Errorf("duplicate tracker id: %s", t.ID)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tracker %s: %w", t.ID, err)
		}
		subs := map[string]struct{}{}
		for _, s := range t.Subscriptions {
			subs[s.Name] = struct{}{}
		}
		trackers[t.ID] = subs
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	for i, r := range c.Routes {
		if err := r.Validate(trackers, sinkIDs); err != nil {
			return fmt.Errorf("route %d (%s): %w", i, r.Tracker, err)
		}
	}

	return nil
}

func (c *ChainConfig) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if c.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	if c.RateBurst < 0 {
		return errors.New("rate_burst must not be negative")
	}
	if c.QueryTimeout != "" {
		if _, err := time.ParseDuration(c.QueryTimeout); err != nil {
			return fmt.Errorf("invalid query_timeout: %w", err)
		}
	}
	return nil
}

// QueryTimeoutDuration returns the parsed per-query timeout, zero when unset.
func (c ChainConfig) QueryTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.QueryTimeout)
	return d
}

func (s *StorageConfig) Validate() error {
	if s.Driver == "" {
		s.Driver = DriverSQLite
	}
	switch strings.ToLower(s.Driver) {
	case DriverSQLite:
	case DriverPostgres:
		if s.DSN == "" {
			return errors.New("dsn is required for postgres storage")
		}
	case DriverFile, DriverPebble:
		if s.Path == "" {
			return fmt.Errorf("path is required for %s storage", s.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", s.Driver)
	}
	s.Driver = strings.ToLower(s.Driver)
	return nil
}

func (t *Tracker) Validate() error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if strings.ContainsAny(t.ID, `/\`) {
		return errors.New("id must not contain path separators")
	}
	if t.IntervalMinutes < 0 {
		return errors.New("interval_minutes must not be negative")
	}
	switch strings.ToLower(t.OnPersistError) {
	case "", "stop", "continue":
	default:
		return fmt.Errorf("unsupported on_persist_error: %s", t.OnPersistError)
	}
	if len(t.Subscriptions) == 0 {
		return errors.New("at least one subscription is required")
	}

	names := map[string]struct{}{}
	for _, s := range t.Subscriptions {
		if s.Name == "" {
			return errors.New("subscription name is required")
		}
		if _, exists := names[s.Name]; exists {
			return fmt.Errorf("duplicate subscription name: %s", s.Name)
		}
		names[s.Name] = struct{}{}
		if _, err := evm.ParseAddress(s.Address); err != nil {
			return fmt.Errorf("subscription %s: %w", s.Name, err)
		}
		if _, err := evm.ParseTopics(s.Topics); err != nil {
			return fmt.Errorf("subscription %s: %w", s.Name, err)
		}
	}
	return nil
}

func (r *Route) Validate(trackers map[string]map[string]struct{}, sinkIDs map[string]*Sink) error {
	if r.Tracker == "" {
		return errors.New("tracker is required")
	}
	subs, ok := trackers[r.Tracker]
	if !ok {
		return fmt.Errorf("unknown tracker: %s", r.Tracker)
	}
	if r.Subscription != "" {
		if _, ok := subs[r.Subscription]; !ok {
			return fmt.Errorf("unknown subscription: %s", r.Subscription)
		}
	}

	if len(r.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	for _, sinkID := range r.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}

	if r.Dedupe != nil {
		if r.Dedupe.Key == "" || r.Dedupe.TTL == "" {
			return errors.New("dedupe.key and dedupe.ttl are required when dedupe is set")
		}
		if _, err := time.ParseDuration(r.Dedupe.TTL); err != nil {
			return fmt.Errorf("invalid dedupe.ttl: %w", err)
		}
	}

	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "log":
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
