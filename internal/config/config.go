package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/threadcorpus/internal/codec"
)

type Config struct {
	Parser  ParserConfig
	Filter  FilterConfig
	Archive ArchiveConfig
	Output  OutputConfig
	Storage StorageConfig
	Status  StatusConfig
	Log     LogConfig
}

type ParserConfig struct {
	CacheCapacity  int
	OutputFileSize int64
	ReportInterval int
}

type FilterConfig struct {
	CommunityAllowlist []string
	CommunityDenylist  []string
	SubstringDenylist  []string
}

type ArchiveConfig struct {
	InputDir   string
	IDField    string
	GroupField string
}

type OutputConfig struct {
	Dir         string
	BaseName    string
	Compression string
	ReportFile  string
}

type StorageConfig struct {
	DataDir string
}

type StatusConfig struct {
	Addr  string
	Token string // bearer token for the status API; env only
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Parser: ParserConfig{
			CacheCapacity:  1_000_000,
			OutputFileSize: 100 * 1024 * 1024,
			ReportInterval: 100_000,
		},
		Archive: ArchiveConfig{
			InputDir:   "datasets",
			IDField:    "name",
			GroupField: "subreddit",
		},
		Output: OutputConfig{
			Dir:         "parsed",
			BaseName:    "corpus",
			Compression: "bz2",
			ReportFile:  "subreddits.txt",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the default config file
// ($XDG_CONFIG_HOME/threadcorpus/config.yaml) and environment variables.
func Load() (Config, error) {
	return LoadFrom("")
}

// LoadFrom reads configuration from the YAML file at path, or from the
// default location when path is empty. A missing file is not an error.
// Environment variables (THREADCORPUS_*) override file values.
func LoadFrom(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Validate reports settings a parse run cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Parser.CacheCapacity <= 0 {
		errs = append(errs, fmt.Errorf("parser.cache_capacity must be positive, got %d", c.Parser.CacheCapacity))
	}
	if c.Parser.OutputFileSize <= 0 {
		errs = append(errs, fmt.Errorf("parser.output_file_size must be positive, got %d", c.Parser.OutputFileSize))
	}
	if c.Parser.ReportInterval < 0 {
		errs = append(errs, fmt.Errorf("parser.report_interval must not be negative, got %d", c.Parser.ReportInterval))
	}
	if _, err := codec.Lookup(c.Output.Compression); err != nil {
		errs = append(errs, fmt.Errorf("output.compression: %w", err))
	}
	if strings.TrimSpace(c.Output.BaseName) == "" {
		errs = append(errs, errors.New("output.base_name must not be empty"))
	}
	if c.Output.ReportFile == "" || strings.ContainsRune(c.Output.ReportFile, filepath.Separator) {
		errs = append(errs, fmt.Errorf("output.report_file must be a plain file name, got %q", c.Output.ReportFile))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ReportPath is where the group report is written.
func (c Config) ReportPath() string {
	return filepath.Join(c.Output.Dir, c.Output.ReportFile)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "threadcorpus-data"
		}
	}
	return filepath.Join(dir, "threadcorpus")
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/threadcorpus/config.yaml.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "threadcorpus", "config.yaml")
}
