package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the TOML-driven migration configuration.
type Config struct {
	// Migrations are the pairs to run, in order. Empty runs all of them.
	Migrations       []string     `toml:"migrations"`
	EnableExclusions bool         `toml:"enable_exclusions"`
	Debug            bool         `toml:"debug"`
	Timezone         string       `toml:"timezone"`
	ProgressEvery    int          `toml:"progress_every"`
	Source           SourceConfig `toml:"source"`
	Target           TargetConfig `toml:"target"`
	Media            MediaConfig  `toml:"media"`
	Log              LogConfig    `toml:"log"`
	Hooks            HooksConfig  `toml:"hooks"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
	location  *time.Location
}

// SourceConfig identifies the legacy database engine and connection string.
type SourceConfig struct {
	Type string `toml:"type"` // "mysql" or "sqlite"
	DSN  string `toml:"dsn"`
}

type TargetConfig struct {
	DSN    string `toml:"dsn"`
	Schema string `toml:"schema"`
}

// MediaConfig locates legacy media files. Files missing under Root are
// fetched from DownloadURL or the S3 bucket when one is set.
type MediaConfig struct {
	Root        string `toml:"root"`
	DownloadURL string `toml:"download_url"`
	S3Bucket    string `toml:"s3_bucket"`
	S3Prefix    string `toml:"s3_prefix"`
	S3Region    string `toml:"s3_region"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type HooksConfig struct {
	BeforeRun []string `toml:"before_run"`
	AfterRun  []string `toml:"after_run"`
}

const defaultTimezone = "Europe/Amsterdam"

// loadConfig reads a TOML config file and returns a Config with defaults and
// environment overrides applied. A .env file next to the config is loaded
// first; variables already set win over it.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		EnableExclusions: true,
		Timezone:         defaultTimezone,
		ProgressEvery:    50,
		Source:           SourceConfig{Type: "mysql"},
		Log:              LogConfig{Level: "info", Format: "console"},
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	cfg.configDir = dir

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies the LEGACY_MIGRATIONS_* and RECORDFERRY_* overrides.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("LEGACY_MIGRATIONS"); ok {
		c.Migrations = splitList(v)
	}
	for name, dst := range map[string]*bool{
		"LEGACY_MIGRATIONS_ENABLE_EXCLUSIONS": &c.EnableExclusions,
		"LEGACY_MIGRATIONS_DEBUG":             &c.Debug,
	} {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	for name, dst := range map[string]*string{
		"LEGACY_MIGRATIONS_MEDIA_ROOT": &c.Media.Root,
		"RECORDFERRY_SOURCE_DSN":       &c.Source.DSN,
		"RECORDFERRY_TARGET_DSN":       &c.Target.DSN,
		"RECORDFERRY_S3_ACCESS_KEY":    &c.Media.S3AccessKey,
		"RECORDFERRY_S3_SECRET_KEY":    &c.Media.S3SecretKey,
	} {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Source.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("source.type must be one of: mysql, sqlite")
	}
	if c.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required")
	}
	if c.Source.Type == "sqlite" {
		c.Source.DSN = c.resolvePath(c.Source.DSN)
	}
	if c.Target.DSN == "" {
		return fmt.Errorf("target.dsn is required")
	}
	c.Target.Schema = strings.TrimSpace(c.Target.Schema)

	if c.Media.Root == "" {
		return fmt.Errorf("media.root is required")
	}
	c.Media.Root = c.resolvePath(c.Media.Root)
	if c.Media.DownloadURL != "" && c.Media.S3Bucket != "" {
		return fmt.Errorf("media.download_url and media.s3_bucket are mutually exclusive")
	}
	if (c.Media.S3AccessKey == "") != (c.Media.S3SecretKey == "") {
		return fmt.Errorf("media.s3_access_key and media.s3_secret_key must be set together")
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	c.location = loc

	if c.ProgressEvery <= 0 {
		return fmt.Errorf("progress_every must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be one of: console, json")
	}
	if c.Log.File != "" {
		c.Log.File = c.resolvePath(c.Log.File)
	}
	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "file:") {
		return p
	}
	return filepath.Join(c.configDir, p)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
