// Package config provides configuration management for the capture agent.
// It supports loading configuration from a YAML file, environment variables, and command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
	OutputFormatYAML OutputFormat = "yaml"
)

// Default configuration values.
const (
	DefaultAPIURL        = "https://getupsight.com"
	DefaultConfigDir     = ".penf"
	DefaultConfigFile    = "capture.yaml"
	DefaultDataDir       = "~/.penf/capture"
	DefaultRecordingDir  = "~/.penf/capture/recordings"
	DefaultTimeout       = 15 * time.Second
	DefaultOutputFormat  = OutputFormatText
	DefaultLogFormat     = "auto"
	DefaultBridgeListen  = "127.0.0.1:7345"
	DefaultChannelPrefix = "events.capture"

	DefaultMinBatch          = 3
	DefaultMaxBatch          = 8
	DefaultSettleDelay       = time.Second
	DefaultIdleTimeout       = 4 * time.Second
	DefaultExtractionTimeout = 15 * time.Second
	DefaultMergeWindow       = 15 * time.Second

	DefaultUploadSettleDelay = 3 * time.Second
	DefaultMediaWait         = 30 * time.Second
	DefaultInterviewWait     = 2 * time.Minute
	DefaultFinalizeTimeout   = 30 * time.Second
	DefaultUploadTimeout     = 5 * time.Minute

	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 10
)

// LogConfig controls log output.
type LogConfig struct {
	// Format is auto, console or json. auto picks console on a terminal.
	Format     string `yaml:"format"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// ExtractionConfig holds the evidence extraction batching tunables.
type ExtractionConfig struct {
	MinBatch       int           `yaml:"min_batch"`
	MaxBatch       int           `yaml:"max_batch"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// UploadConfig holds the end-of-recording pipeline timings.
type UploadConfig struct {
	SettleDelay     time.Duration `yaml:"settle_delay"`
	MediaWait       time.Duration `yaml:"media_wait"`
	// InterviewWait bounds interview creation, rate limit backoff included.
	// Finalize waits for creation to finish.
	InterviewWait   time.Duration `yaml:"interview_wait"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
}

// RateLimitConfig throttles backend calls.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RedisConfig enables publishing capture events to Redis. Empty Address disables it.
type RedisConfig struct {
	Address       string `yaml:"address,omitempty"`
	Password      string `yaml:"password,omitempty"`
	DB            int    `yaml:"db,omitempty"`
	ChannelPrefix string `yaml:"channel_prefix,omitempty"`
}

// AuthConfig describes the token endpoint used to refresh the stored session.
type AuthConfig struct {
	TokenURL string `yaml:"token_url,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
}

// CaptureConfig holds the agent configuration.
type CaptureConfig struct {
	// APIURL is the backend base URL.
	APIURL string `yaml:"api_url"`

	// DataDir holds meetings.json.
	DataDir string `yaml:"data_dir"`

	// RecordingDir is where the capture SDK writes media files.
	RecordingDir string `yaml:"recording_dir"`

	// Timeout is the default timeout for backend requests.
	Timeout time.Duration `yaml:"timeout"`

	OutputFormat OutputFormat `yaml:"output_format"`
	Debug        bool         `yaml:"debug,omitempty"`

	// AutoRecord joins every detected meeting without waiting for a join request.
	AutoRecord bool `yaml:"auto_record,omitempty"`

	// MergeWindow is the same-speaker window for folding transcript fragments.
	MergeWindow time.Duration `yaml:"merge_window"`

	// BridgeListen is the websocket address the capture SDK connects to.
	BridgeListen string `yaml:"bridge_listen"`

	// MetricsListen serves /metrics when set.
	MetricsListen string `yaml:"metrics_listen,omitempty"`

	Log        LogConfig        `yaml:"log"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Upload     UploadConfig     `yaml:"upload"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
}

// DefaultConfig returns a CaptureConfig with default values.
func DefaultConfig() *CaptureConfig {
	return &CaptureConfig{
		APIURL:       DefaultAPIURL,
		DataDir:      DefaultDataDir,
		RecordingDir: DefaultRecordingDir,
		Timeout:      DefaultTimeout,
		OutputFormat: DefaultOutputFormat,
		MergeWindow:  DefaultMergeWindow,
		BridgeListen: DefaultBridgeListen,
		Log:          LogConfig{Format: DefaultLogFormat},
		Extraction: ExtractionConfig{
			MinBatch:       DefaultMinBatch,
			MaxBatch:       DefaultMaxBatch,
			SettleDelay:    DefaultSettleDelay,
			IdleTimeout:    DefaultIdleTimeout,
			RequestTimeout: DefaultExtractionTimeout,
		},
		Upload: UploadConfig{
			SettleDelay:     DefaultUploadSettleDelay,
			MediaWait:       DefaultMediaWait,
			InterviewWait:   DefaultInterviewWait,
			FinalizeTimeout: DefaultFinalizeTimeout,
			UploadTimeout:   DefaultUploadTimeout,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: DefaultRequestsPerSecond,
			Burst:             DefaultBurst,
		},
		Redis: RedisConfig{ChannelPrefix: DefaultChannelPrefix},
	}
}

// ConfigDir returns the configuration directory path.
// Uses $PENF_CONFIG_DIR if set, otherwise ~/.penf
func ConfigDir() (string, error) {
	if dir := os.Getenv("PENF_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads the configuration from file and environment variables.
// Configuration is loaded in this order (later sources override earlier):
// 1. Default values
// 2. Config file (~/.penf/capture.yaml or $PENF_CONFIG_DIR/capture.yaml)
// 3. Environment variables (PENF_API_URL, PENF_DATA_DIR, ...)
func LoadConfig() (*CaptureConfig, error) {
	cfg := DefaultConfig()

	configPath, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	loadFromEnv(cfg)
	cfg.ResolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// configFile mirrors CaptureConfig with durations as strings.
type configFile struct {
	APIURL        string       `yaml:"api_url,omitempty"`
	DataDir       string       `yaml:"data_dir,omitempty"`
	RecordingDir  string       `yaml:"recording_dir,omitempty"`
	Timeout       string       `yaml:"timeout,omitempty"`
	OutputFormat  OutputFormat `yaml:"output_format,omitempty"`
	Debug         bool         `yaml:"debug,omitempty"`
	AutoRecord    bool         `yaml:"auto_record,omitempty"`
	MergeWindow   string       `yaml:"merge_window,omitempty"`
	BridgeListen  string       `yaml:"bridge_listen,omitempty"`
	MetricsListen string       `yaml:"metrics_listen,omitempty"`
	Log           LogConfig    `yaml:"log,omitempty"`
	Extraction    struct {
		MinBatch       int    `yaml:"min_batch,omitempty"`
		MaxBatch       int    `yaml:"max_batch,omitempty"`
		SettleDelay    string `yaml:"settle_delay,omitempty"`
		IdleTimeout    string `yaml:"idle_timeout,omitempty"`
		RequestTimeout string `yaml:"request_timeout,omitempty"`
	} `yaml:"extraction,omitempty"`
	Upload struct {
		SettleDelay     string `yaml:"settle_delay,omitempty"`
		MediaWait       string `yaml:"media_wait,omitempty"`
		InterviewWait   string `yaml:"interview_wait,omitempty"`
		FinalizeTimeout string `yaml:"finalize_timeout,omitempty"`
		UploadTimeout   string `yaml:"upload_timeout,omitempty"`
	} `yaml:"upload,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Redis     RedisConfig     `yaml:"redis,omitempty"`
	Auth      AuthConfig      `yaml:"auth,omitempty"`
}

func loadFromFile(cfg *CaptureConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc configFile
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	setString(&cfg.APIURL, fc.APIURL)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.RecordingDir, fc.RecordingDir)
	setString(&cfg.BridgeListen, fc.BridgeListen)
	setString(&cfg.MetricsListen, fc.MetricsListen)
	if fc.OutputFormat != "" {
		cfg.OutputFormat = fc.OutputFormat
	}
	cfg.Debug = fc.Debug
	cfg.AutoRecord = fc.AutoRecord

	setString(&cfg.Log.Format, fc.Log.Format)
	setString(&cfg.Log.File, fc.Log.File)
	if fc.Log.MaxSizeMB > 0 {
		cfg.Log.MaxSizeMB = fc.Log.MaxSizeMB
	}
	if fc.Log.MaxBackups > 0 {
		cfg.Log.MaxBackups = fc.Log.MaxBackups
	}

	if fc.Extraction.MinBatch > 0 {
		cfg.Extraction.MinBatch = fc.Extraction.MinBatch
	}
	if fc.Extraction.MaxBatch > 0 {
		cfg.Extraction.MaxBatch = fc.Extraction.MaxBatch
	}
	if fc.RateLimit.RequestsPerSecond > 0 {
		cfg.RateLimit.RequestsPerSecond = fc.RateLimit.RequestsPerSecond
	}
	if fc.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = fc.RateLimit.Burst
	}

	setString(&cfg.Redis.Address, fc.Redis.Address)
	setString(&cfg.Redis.Password, fc.Redis.Password)
	setString(&cfg.Redis.ChannelPrefix, fc.Redis.ChannelPrefix)
	if fc.Redis.DB > 0 {
		cfg.Redis.DB = fc.Redis.DB
	}
	setString(&cfg.Auth.TokenURL, fc.Auth.TokenURL)
	setString(&cfg.Auth.ClientID, fc.Auth.ClientID)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeout", fc.Timeout, &cfg.Timeout},
		{"merge_window", fc.MergeWindow, &cfg.MergeWindow},
		{"extraction.settle_delay", fc.Extraction.SettleDelay, &cfg.Extraction.SettleDelay},
		{"extraction.idle_timeout", fc.Extraction.IdleTimeout, &cfg.Extraction.IdleTimeout},
		{"extraction.request_timeout", fc.Extraction.RequestTimeout, &cfg.Extraction.RequestTimeout},
		{"upload.settle_delay", fc.Upload.SettleDelay, &cfg.Upload.SettleDelay},
		{"upload.media_wait", fc.Upload.MediaWait, &cfg.Upload.MediaWait},
		{"upload.interview_wait", fc.Upload.InterviewWait, &cfg.Upload.InterviewWait},
		{"upload.finalize_timeout", fc.Upload.FinalizeTimeout, &cfg.Upload.FinalizeTimeout},
		{"upload.upload_timeout", fc.Upload.UploadTimeout, &cfg.Upload.UploadTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *CaptureConfig) {
	if v := os.Getenv("PENF_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("PENF_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PENF_RECORDING_DIR"); v != "" {
		cfg.RecordingDir = v
	}
	if v := os.Getenv("PENF_TIMEOUT"); v != "" {
		if timeout, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = timeout
		}
	}
	if v := os.Getenv("PENF_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	if v := os.Getenv("PENF_DEBUG"); v == "true" || v == "1" {
		cfg.Debug = true
	}
	if v := os.Getenv("PENF_AUTO_RECORD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoRecord = b
		}
	}
	if v := os.Getenv("PENF_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PENF_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("PENF_REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("PENF_BRIDGE_LISTEN"); v != "" {
		cfg.BridgeListen = v
	}
	if v := os.Getenv("PENF_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
}

// ResolvePaths expands ~ in the configured directories.
func (c *CaptureConfig) ResolvePaths() {
	c.DataDir = expandPath(c.DataDir)
	c.RecordingDir = expandPath(c.RecordingDir)
	c.Log.File = expandPath(c.Log.File)
}

// MeetingsFile returns the path of the meetings document.
func (c *CaptureConfig) MeetingsFile() string {
	return filepath.Join(c.DataDir, "meetings.json")
}

// Validate checks that the configuration is valid.
func (c *CaptureConfig) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("api_url must be an http(s) URL: %q", c.APIURL)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q (must be auto, console, or json)", c.Log.Format)
	}
	if c.MergeWindow <= 0 {
		return fmt.Errorf("merge_window must be positive")
	}
	if c.Extraction.MinBatch < 1 {
		return fmt.Errorf("extraction.min_batch must be at least 1")
	}
	if c.Extraction.MaxBatch < c.Extraction.MinBatch {
		return fmt.Errorf("extraction.max_batch (%d) must be >= min_batch (%d)", c.Extraction.MaxBatch, c.Extraction.MinBatch)
	}
	if c.Extraction.SettleDelay <= 0 || c.Extraction.IdleTimeout <= 0 {
		return fmt.Errorf("extraction delays must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}
	return nil
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

func (f OutputFormat) String() string {
	return string(f)
}

// EnsureDirs creates the data and recording directories.
func (c *CaptureConfig) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.RecordingDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// MarshalYAML renders durations as strings so `config show` round-trips through LoadConfig.
func (c *CaptureConfig) MarshalYAML() (interface{}, error) {
	var fc configFile
	fc.APIURL = c.APIURL
	fc.DataDir = c.DataDir
	fc.RecordingDir = c.RecordingDir
	fc.Timeout = c.Timeout.String()
	fc.OutputFormat = c.OutputFormat
	fc.Debug = c.Debug
	fc.AutoRecord = c.AutoRecord
	fc.MergeWindow = c.MergeWindow.String()
	fc.BridgeListen = c.BridgeListen
	fc.MetricsListen = c.MetricsListen
	fc.Log = c.Log
	fc.Extraction.MinBatch = c.Extraction.MinBatch
	fc.Extraction.MaxBatch = c.Extraction.MaxBatch
	fc.Extraction.SettleDelay = c.Extraction.SettleDelay.String()
	fc.Extraction.IdleTimeout = c.Extraction.IdleTimeout.String()
	fc.Extraction.RequestTimeout = c.Extraction.RequestTimeout.String()
	fc.Upload.SettleDelay = c.Upload.SettleDelay.String()
	fc.Upload.MediaWait = c.Upload.MediaWait.String()
	fc.Upload.InterviewWait = c.Upload.InterviewWait.String()
	fc.Upload.FinalizeTimeout = c.Upload.FinalizeTimeout.String()
	fc.Upload.UploadTimeout = c.Upload.UploadTimeout.String()
	fc.RateLimit = c.RateLimit
	fc.Redis = c.Redis
	fc.Auth = c.Auth
	return fc, nil
}

// SaveConfig writes the configuration to the config file.
func SaveConfig(cfg *CaptureConfig) error {
	configDir, err := ConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory: %w", err)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(configDir, DefaultConfigFile), data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
