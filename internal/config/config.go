package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/agent"
	"github.com/alvmarrod/web-shuttle/internal/faults"
	"github.com/alvmarrod/web-shuttle/internal/target"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration parameters
type Config struct {
	Links              []string `json:"links"`
	LinksFile          string   `json:"links_file"`
	Proxies            []string `json:"proxies"`
	ProxiesFile        string   `json:"proxies_file"`
	ConcurrentWorkers  int      `json:"concurrent_workers"`
	MaxCooldownSeconds int      `json:"max_cooldown_seconds"`
	Passes             int      `json:"passes"`
	Strategy           string   `json:"strategy"`
	BrowserPath        string   `json:"browser_path"`
	BrowserArgs        []string `json:"browser_args"`
	BrowserTimeoutMs   int      `json:"browser_timeout_ms"`
	UserAgent          string   `json:"user_agent"`
	RequestTimeoutMs   int      `json:"request_timeout_ms"`
	DBPath             string   `json:"db_path"`
	MetricsPath        string   `json:"metrics_path"`
	MonitorAddr        string   `json:"monitor_addr"`
	LogLevel           string   `json:"log_level"`
	LogFormat          string   `json:"log_format"`

	// baseDir resolves relative list files
	baseDir string
}

// LoadConfig reads and validates configuration from a JSON file. A .env file
// next to it is loaded first and SHUTTLE_* variables override file values.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	cfg.baseDir = filepath.Dir(path)

	if err := godotenv.Load(filepath.Join(cfg.baseDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	applyEnv(&cfg)

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides file values with SHUTTLE_* environment variables
func applyEnv(cfg *Config) {
	overrideFromEnvInt(&cfg.ConcurrentWorkers, "SHUTTLE_CONCURRENT_WORKERS")
	overrideFromEnvInt(&cfg.MaxCooldownSeconds, "SHUTTLE_MAX_COOLDOWN_SECONDS")
	overrideFromEnvInt(&cfg.Passes, "SHUTTLE_PASSES")
	overrideFromEnvInt(&cfg.RequestTimeoutMs, "SHUTTLE_REQUEST_TIMEOUT_MS")
	overrideFromEnvInt(&cfg.BrowserTimeoutMs, "SHUTTLE_BROWSER_TIMEOUT_MS")
	overrideFromEnvString(&cfg.Strategy, "SHUTTLE_STRATEGY")
	overrideFromEnvString(&cfg.BrowserPath, "SHUTTLE_BROWSER_PATH")
	overrideFromEnvString(&cfg.UserAgent, "SHUTTLE_USER_AGENT")
	overrideFromEnvString(&cfg.LinksFile, "SHUTTLE_LINKS_FILE")
	overrideFromEnvString(&cfg.ProxiesFile, "SHUTTLE_PROXIES_FILE")
	overrideFromEnvString(&cfg.DBPath, "SHUTTLE_DB_PATH")
	overrideFromEnvString(&cfg.MonitorAddr, "SHUTTLE_MONITOR_ADDR")
	overrideFromEnvString(&cfg.LogLevel, "SHUTTLE_LOG_LEVEL")
	overrideFromEnvString(&cfg.LogFormat, "SHUTTLE_LOG_FORMAT")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue, ok := os.LookupEnv(envName); ok {
		*target = envValue
	}
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.ConcurrentWorkers == 0 {
		cfg.ConcurrentWorkers = 4
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "direct"
	}
	if cfg.BrowserPath == "" {
		cfg.BrowserPath = "browse"
	}
	if cfg.BrowserTimeoutMs == 0 {
		cfg.BrowserTimeoutMs = 60000
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 30000
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "shuttle.db"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.log"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if len(cfg.Links) == 0 && cfg.LinksFile == "" {
		return faults.Configf("links or links_file is required")
	}
	if cfg.ConcurrentWorkers < 1 {
		return faults.Configf("concurrent_workers must be >= 1")
	}
	if cfg.MaxCooldownSeconds < 0 {
		return faults.Configf("max_cooldown_seconds must be >= 0")
	}
	if cfg.Passes < 0 {
		return faults.Configf("passes must be >= 0")
	}
	switch cfg.Strategy {
	case "direct", "delegated":
	default:
		return faults.Configf("strategy must be direct or delegated, got %q", cfg.Strategy)
	}
	if cfg.RequestTimeoutMs < 1000 {
		return faults.Configf("request_timeout_ms must be >= 1000")
	}
	if cfg.BrowserTimeoutMs < 1000 {
		return faults.Configf("browser_timeout_ms must be >= 1000")
	}
	if cfg.UserAgent != "" {
		if err := agent.Validate(cfg.UserAgent); err != nil {
			return err
		}
	}
	switch cfg.LogFormat {
	case "text", "json", "color":
	default:
		return faults.Configf("log_format must be text, json or color, got %q", cfg.LogFormat)
	}
	return nil
}

// RejectedLine is an input entry that failed validation
type RejectedLine struct {
	Source string
	Line   int
	Text   string
	Reason error
}

func (r RejectedLine) String() string {
	return fmt.Sprintf("%s:%d: %s (%v)", r.Source, r.Line, r.Text, r.Reason)
}

// Targets is the validated work of a run
type Targets struct {
	Links    []string
	Proxies  []target.Proxy
	Rejected []RejectedLine
}

// LoadTargets merges inline lists with the list files and validates them.
// Invalid entries are returned in Rejected rather than failing the load.
func (c *Config) LoadTargets() (*Targets, error) {
	linkLines, linkSources, err := c.collect(c.Links, c.LinksFile, "links")
	if err != nil {
		return nil, err
	}
	proxyLines, proxySources, err := c.collect(c.Proxies, c.ProxiesFile, "proxies")
	if err != nil {
		return nil, err
	}

	t := &Targets{}
	var rejected []target.Rejected

	t.Links, rejected = target.ParseLinks(linkLines)
	for _, r := range rejected {
		t.Rejected = append(t.Rejected, linkSources[r.Line-1].reject(r))
	}

	t.Proxies, rejected = target.ParseProxies(proxyLines)
	for _, r := range rejected {
		t.Rejected = append(t.Rejected, proxySources[r.Line-1].reject(r))
	}

	return t, nil
}

type lineSource struct {
	source string
	line   int
}

func (s lineSource) reject(r target.Rejected) RejectedLine {
	return RejectedLine{Source: s.source, Line: s.line, Text: r.Text, Reason: r.Reason}
}

func (c *Config) collect(inline []string, file, name string) ([]string, []lineSource, error) {
	var lines []string
	var sources []lineSource

	for i, entry := range inline {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		lines = append(lines, entry)
		sources = append(sources, lineSource{source: name, line: i + 1})
	}

	if file == "" {
		return lines, sources, nil
	}

	path := file
	if !filepath.IsAbs(path) && c.baseDir != "" {
		path = filepath.Join(c.baseDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s file: %w", name, err)
	}
	defer f.Close()

	fileLines, numbers, err := target.ReadLines(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s file: %w", name, err)
	}
	for i, line := range fileLines {
		lines = append(lines, line)
		sources = append(sources, lineSource{source: path, line: numbers[i]})
	}
	return lines, sources, nil
}

// RequestTimeout bounds one direct visit
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// BrowserTimeout bounds one delegated browser process
func (c *Config) BrowserTimeout() time.Duration {
	return time.Duration(c.BrowserTimeoutMs) * time.Millisecond
}
