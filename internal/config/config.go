// Package config handles configuration loading and validation for curator.
package config

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvDataDir    = "CURATOR_DATA_DIR"
	EnvBucket     = "CURATOR_BUCKET"
	EnvDataset    = "CURATOR_DATASET"
	EnvAuthToken  = "CURATOR_AUTH_TOKEN"
	EnvWebhookURL = "CURATOR_WEBHOOK_URL"
)

// LandingConfig holds the prefixes that make up the archive queue.
type LandingConfig struct {
	Prefix           string `yaml:"prefix"`
	ProcessingPrefix string `yaml:"processing_prefix"`
	FailedPrefix     string `yaml:"failed_prefix"`
}

// ExtractConfig holds configuration for the archive extractor.
type ExtractConfig struct {
	SpillThreshold bytesize.Size `yaml:"spill_threshold"` // In-memory bound before spooling, e.g. "200MB"
	SpillDir       string        `yaml:"spill_dir"`       // Defaults to the OS temp dir
	ImageExts      []string      `yaml:"image_exts"`
	Workers        int           `yaml:"workers"`
}

// NormalizeConfig holds configuration for the image normalizer.
type NormalizeConfig struct {
	TargetSide  int    `yaml:"target_side"`
	PadColor    string `yaml:"pad_color"` // "#rrggbb"
	JPEGQuality int    `yaml:"jpeg_quality"`
	Workers     int    `yaml:"workers"`
}

// BalanceConfig holds the optional class balancing policy.
type BalanceConfig struct {
	Enabled        bool `yaml:"enabled"`
	PerClassCap    int  `yaml:"per_class_cap"`
	MinClassImages int  `yaml:"min_class_images"`
}

// ManifestConfig holds configuration for the manifest builder.
type ManifestConfig struct {
	ValidationFraction float64       `yaml:"validation_fraction"`
	MinBoxWidth        int           `yaml:"min_box_width"`
	MinBoxHeight       int           `yaml:"min_box_height"`
	MaxBoxesPerClass   int           `yaml:"max_boxes_per_class"`
	MaxBoxesPerImage   int           `yaml:"max_boxes_per_image"`
	FuzzyCutoff        float64       `yaml:"fuzzy_cutoff"`
	Seed               int64         `yaml:"seed"`          // 0 seeds from the clock
	URIScheme          string        `yaml:"uri_scheme"`    // Scheme used in source-ref (default: s3)
	ProjectBoxes       bool          `yaml:"project_boxes"` // Map source-pixel boxes into the letterboxed frame
	Balance            BalanceConfig `yaml:"balance"`
}

// OrchestratorConfig holds configuration for chaining the stages.
type OrchestratorConfig struct {
	WaitForNormalize bool   `yaml:"wait_for_normalize"`
	ReadyTimeout     string `yaml:"ready_timeout"`  // Duration string, e.g. "10m"
	ReadyInterval    string `yaml:"ready_interval"` // Duration string, e.g. "5s"
	RunValidator     bool   `yaml:"run_validator"`
}

// ServerConfig holds configuration for `curator serve`.
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	AuthToken  string `yaml:"auth_token"`  // HMAC secret for bearer tokens; empty disables auth
	Schedule   string `yaml:"schedule"`    // Periodic run interval, "0" disables
	WebhookURL string `yaml:"webhook_url"` // When set, stage triggers POST here
}

// Config is the complete curator configuration.
type Config struct {
	DataDir       string             `yaml:"data_dir"`
	Bucket        string             `yaml:"bucket"`
	Dataset       string             `yaml:"dataset"`
	EncryptionKey string             `yaml:"encryption_key"`
	Landing       LandingConfig      `yaml:"landing"`
	Extract       ExtractConfig      `yaml:"extract"`
	Normalize     NormalizeConfig    `yaml:"normalize"`
	Manifest      ManifestConfig     `yaml:"manifest"`
	Orchestrator  OrchestratorConfig `yaml:"orchestrator"`
	Server        ServerConfig       `yaml:"server"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Orchestrator: OrchestratorConfig{
			WaitForNormalize: true,
			RunValidator:     true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file. An empty path yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Extract.SpillDir = expandHome(cfg.Extract.SpillDir)

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.curator"
	}
	if c.Bucket == "" {
		c.Bucket = "dermavision-offline"
	}
	if c.Dataset == "" {
		c.Dataset = "default"
	}

	if c.Landing.Prefix == "" {
		c.Landing.Prefix = "landing/"
	}
	if c.Landing.ProcessingPrefix == "" {
		c.Landing.ProcessingPrefix = "landing/_processing/"
	}
	if c.Landing.FailedPrefix == "" {
		c.Landing.FailedPrefix = "landing/_failed/"
	}

	if c.Extract.SpillThreshold == 0 {
		c.Extract.SpillThreshold = bytesize.Size(200 * bytesize.MB)
	}
	if c.Extract.SpillDir == "" {
		c.Extract.SpillDir = os.TempDir()
	}
	if len(c.Extract.ImageExts) == 0 {
		c.Extract.ImageExts = []string{".jpg", ".jpeg", ".png"}
	}
	if c.Extract.Workers == 0 {
		c.Extract.Workers = 2
	}

	if c.Normalize.TargetSide == 0 {
		c.Normalize.TargetSide = 640
	}
	if c.Normalize.PadColor == "" {
		c.Normalize.PadColor = "#000000"
	}
	if c.Normalize.JPEGQuality == 0 {
		c.Normalize.JPEGQuality = 90
	}
	if c.Normalize.Workers == 0 {
		c.Normalize.Workers = 4
	}

	m := &c.Manifest
	if m.ValidationFraction == 0 {
		m.ValidationFraction = 0.1
	}
	if m.MinBoxWidth == 0 {
		m.MinBoxWidth = 8
	}
	if m.MinBoxHeight == 0 {
		m.MinBoxHeight = 8
	}
	if m.MaxBoxesPerClass == 0 {
		m.MaxBoxesPerClass = 25
	}
	if m.MaxBoxesPerImage == 0 {
		m.MaxBoxesPerImage = 50
	}
	if m.FuzzyCutoff == 0 {
		m.FuzzyCutoff = 0.6
	}
	if m.URIScheme == "" {
		m.URIScheme = "s3"
	}
	if m.Balance.PerClassCap == 0 {
		m.Balance.PerClassCap = 90
	}
	if m.Balance.MinClassImages == 0 {
		m.Balance.MinClassImages = 40
	}

	if c.Orchestrator.ReadyTimeout == "" {
		c.Orchestrator.ReadyTimeout = "10m"
	}
	if c.Orchestrator.ReadyInterval == "" {
		c.Orchestrator.ReadyInterval = "5s"
	}

	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.Schedule == "" {
		c.Server.Schedule = "15m"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvBucket); v != "" {
		c.Bucket = v
	}
	if v := os.Getenv(EnvDataset); v != "" {
		c.Dataset = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv(EnvWebhookURL); v != "" {
		c.Server.WebhookURL = v
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if err := dataset.ValidName(c.Dataset); err != nil {
		return err
	}
	for name, p := range map[string]string{
		"landing.prefix":            c.Landing.Prefix,
		"landing.processing_prefix": c.Landing.ProcessingPrefix,
		"landing.failed_prefix":     c.Landing.FailedPrefix,
	} {
		if !strings.HasSuffix(p, "/") {
			return fmt.Errorf("%s must end with /", name)
		}
	}
	if c.Extract.Workers < 1 {
		return fmt.Errorf("extract.workers must be at least 1")
	}
	if c.Extract.SpillThreshold < 0 {
		return fmt.Errorf("extract.spill_threshold must not be negative")
	}
	for _, ext := range c.Extract.ImageExts {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extract.image_exts entry %q must start with a dot", ext)
		}
	}
	if c.Normalize.TargetSide < 1 {
		return fmt.Errorf("normalize.target_side must be positive")
	}
	if c.Normalize.JPEGQuality < 1 || c.Normalize.JPEGQuality > 100 {
		return fmt.Errorf("normalize.jpeg_quality must be between 1 and 100")
	}
	if c.Normalize.Workers < 1 {
		return fmt.Errorf("normalize.workers must be at least 1")
	}
	if _, err := c.PadColor(); err != nil {
		return err
	}
	m := c.Manifest
	if m.ValidationFraction <= 0 || m.ValidationFraction >= 1 {
		return fmt.Errorf("manifest.validation_fraction must be between 0 and 1")
	}
	if m.MinBoxWidth < 0 || m.MinBoxHeight < 0 {
		return fmt.Errorf("manifest min box size must not be negative")
	}
	if m.MaxBoxesPerClass < 1 || m.MaxBoxesPerImage < 1 {
		return fmt.Errorf("manifest box caps must be positive")
	}
	if m.FuzzyCutoff <= 0 || m.FuzzyCutoff > 1 {
		return fmt.Errorf("manifest.fuzzy_cutoff must be in (0, 1]")
	}
	if m.Balance.PerClassCap < 1 || m.Balance.MinClassImages < 0 {
		return fmt.Errorf("manifest.balance caps must be positive")
	}
	if _, err := c.ReadyTimeout(); err != nil {
		return err
	}
	if _, err := c.ReadyInterval(); err != nil {
		return err
	}
	if _, err := c.ScheduleInterval(); err != nil {
		return err
	}
	return nil
}

// ReadyTimeout returns the parsed readiness wait bound.
func (c *Config) ReadyTimeout() (time.Duration, error) {
	return parsePositiveDuration("orchestrator.ready_timeout", c.Orchestrator.ReadyTimeout)
}

// ReadyInterval returns the parsed readiness poll interval.
func (c *Config) ReadyInterval() (time.Duration, error) {
	return parsePositiveDuration("orchestrator.ready_interval", c.Orchestrator.ReadyInterval)
}

// ScheduleInterval returns the periodic run interval; zero disables scheduling.
func (c *Config) ScheduleInterval() (time.Duration, error) {
	if c.Server.Schedule == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Server.Schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid server.schedule: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("server.schedule must not be negative")
	}
	return d, nil
}

func parsePositiveDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

// PadColor parses normalize.pad_color ("#rrggbb" or "rrggbb").
func (c *Config) PadColor() (color.NRGBA, error) {
	s := strings.TrimPrefix(c.Normalize.PadColor, "#")
	if len(s) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid normalize.pad_color %q", c.Normalize.PadColor)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid normalize.pad_color %q", c.Normalize.PadColor)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
