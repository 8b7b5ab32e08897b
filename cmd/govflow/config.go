package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

// Store backends for engine actions and the audit log. Process graphs,
// hosts and scheduled jobs always live in the libSQL database.
const (
	BackendLibSQL = "libsql"
	BackendRedis  = "redis"
)

// Config holds all govflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath         string   `json:"db_path"`
	Backend        string   `json:"backend"`
	RedisAddr      string   `json:"redis_addr"`
	RedisPassword  string   `json:"redis_password,omitempty"`
	RedisDB        int      `json:"redis_db"`
	LogLevel       string   `json:"log_level"`
	WorkerID       string   `json:"worker_id"`
	Engines        []string `json:"engines,omitempty"`
	PollInterval   string   `json:"poll_interval"`
	PoolSize       int      `json:"pool_size"`
	ListenAddr     string   `json:"listen_addr"`
	MetricsAddr    string   `json:"metrics_addr"`
	DefinitionsDir string   `json:"definitions_dir,omitempty"`
	Tracing        bool     `json:"tracing"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(govflowDir(), "govflow.db"),
		Backend:      BackendLibSQL,
		RedisAddr:    "localhost:6379",
		LogLevel:     "info",
		PollInterval: "2s",
		PoolSize:     4,
		ListenAddr:   ":4100",
		MetricsAddr:  ":9464",
	}
}

func govflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".govflow"
	}
	return filepath.Join(home, ".govflow")
}

func settingsPath() string {
	return filepath.Join(govflowDir(), "settings.json")
}

// loadConfig layers settings.json and GOVFLOW_* variables over the defaults.
func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// settings.json is optional.
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	if v := getenv("GOVFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("GOVFLOW_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := getenv("GOVFLOW_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := getenv("GOVFLOW_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := getenv("GOVFLOW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := getenv("GOVFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("GOVFLOW_WORKER_ID"); v != "" {
		cfg.WorkerID = v
	}
	if v := getenv("GOVFLOW_ENGINES"); v != "" {
		cfg.Engines = splitList(v)
	}
	if v := getenv("GOVFLOW_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := getenv("GOVFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("GOVFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("GOVFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("GOVFLOW_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := getenv("GOVFLOW_TRACING"); v != "" {
		cfg.Tracing = v == "true" || v == "1"
	}
	return cfg
}

// applyFlags overrides cfg with every global flag set on the command line.
func applyFlags(cfg *Config, cmd *cli.Command) {
	if cmd.IsSet("db-path") {
		cfg.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("backend") {
		cfg.Backend = cmd.String("backend")
	}
	if cmd.IsSet("redis-addr") {
		cfg.RedisAddr = cmd.String("redis-addr")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("worker-id") {
		cfg.WorkerID = cmd.String("worker-id")
	}
	if cmd.IsSet("engines") {
		cfg.Engines = cmd.StringSlice("engines")
	}
	if cmd.IsSet("poll-interval") {
		cfg.PollInterval = cmd.String("poll-interval")
	}
	if cmd.IsSet("pool-size") {
		cfg.PoolSize = cmd.Int("pool-size")
	}
	if cmd.IsSet("listen-addr") {
		cfg.ListenAddr = cmd.String("listen-addr")
	}
	if cmd.IsSet("metrics-addr") {
		cfg.MetricsAddr = cmd.String("metrics-addr")
	}
	if cmd.IsSet("definitions") {
		cfg.DefinitionsDir = cmd.String("definitions")
	}
	if cmd.IsSet("tracing") {
		cfg.Tracing = cmd.Bool("tracing")
	}
}

// Validate reports settings that cannot be used.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendLibSQL, BackendRedis:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendLibSQL, BackendRedis)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Backend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required for the redis backend")
	}
	if _, err := c.Poll(); err != nil {
		return err
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	return nil
}

// Poll parses the host poll interval.
func (c Config) Poll() (time.Duration, error) {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid poll_interval %q: %w", c.PollInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll_interval must be positive, got %s", d)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
