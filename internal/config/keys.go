package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kStrings
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "parser.cache_capacity", typ: kInt, env: "THREADCORPUS_PARSER_CACHE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Parser.CacheCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Parser.CacheCapacity },
	},
	{
		key: "parser.output_file_size", typ: kInt, env: "THREADCORPUS_PARSER_OUTPUT_FILE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Parser.OutputFileSize = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Parser.OutputFileSize },
	},
	{
		key: "parser.report_interval", typ: kInt, env: "THREADCORPUS_PARSER_REPORT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Parser.ReportInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Parser.ReportInterval },
	},
	{
		key: "filter.community_allowlist", typ: kStrings, env: "THREADCORPUS_FILTER_COMMUNITY_ALLOWLIST",
		apply:   func(cfg *Config, v any) { cfg.Filter.CommunityAllowlist = v.([]string) },
		extract: func(cfg Config) any { return cfg.Filter.CommunityAllowlist },
	},
	{
		key: "filter.community_denylist", typ: kStrings, env: "THREADCORPUS_FILTER_COMMUNITY_DENYLIST",
		apply:   func(cfg *Config, v any) { cfg.Filter.CommunityDenylist = v.([]string) },
		extract: func(cfg Config) any { return cfg.Filter.CommunityDenylist },
	},
	{
		key: "filter.substring_denylist", typ: kStrings, env: "THREADCORPUS_FILTER_SUBSTRING_DENYLIST",
		apply:   func(cfg *Config, v any) { cfg.Filter.SubstringDenylist = v.([]string) },
		extract: func(cfg Config) any { return cfg.Filter.SubstringDenylist },
	},
	{
		key: "archive.input_dir", typ: kString, env: "THREADCORPUS_ARCHIVE_INPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Archive.InputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.InputDir },
	},
	{
		key: "archive.id_field", typ: kString, env: "THREADCORPUS_ARCHIVE_ID_FIELD",
		apply:   func(cfg *Config, v any) { cfg.Archive.IDField = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.IDField },
	},
	{
		key: "archive.group_field", typ: kString, env: "THREADCORPUS_ARCHIVE_GROUP_FIELD",
		apply:   func(cfg *Config, v any) { cfg.Archive.GroupField = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.GroupField },
	},
	{
		key: "output.dir", typ: kString, env: "THREADCORPUS_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Output.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Output.Dir },
	},
	{
		key: "output.base_name", typ: kString, env: "THREADCORPUS_OUTPUT_BASE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Output.BaseName = v.(string) },
		extract: func(cfg Config) any { return cfg.Output.BaseName },
	},
	{
		key: "output.compression", typ: kString, env: "THREADCORPUS_OUTPUT_COMPRESSION",
		apply:   func(cfg *Config, v any) { cfg.Output.Compression = v.(string) },
		extract: func(cfg Config) any { return cfg.Output.Compression },
	},
	{
		key: "output.report_file", typ: kString, env: "THREADCORPUS_OUTPUT_REPORT_FILE",
		apply:   func(cfg *Config, v any) { cfg.Output.ReportFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Output.ReportFile },
	},
	{
		key: "storage.data_dir", typ: kString, env: "THREADCORPUS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "status.addr", typ: kString, env: "THREADCORPUS_STATUS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Status.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Status.Addr },
	},
	{
		key: "status.token", typ: kString, env: "THREADCORPUS_STATUS_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Status.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Status.Token },
	},
	{
		key: "log.level", typ: kString, env: "THREADCORPUS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "THREADCORPUS_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from config key %s: %v. Using default value.\n", s.key, err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
		case kStrings:
			v, ok, err := b.GetStrings(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kStrings:
			s.apply(cfg, splitList(raw))
		}
	}
}

// splitList parses a comma-separated list, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
