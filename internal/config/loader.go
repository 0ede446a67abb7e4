// Package config provides configuration loading for the urbanscope harvester.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load loads configuration from a YAML file, then overrides with environment
// variables.
//
// Configuration precedence (highest to lowest):
//  1. NCBI_* compatibility variables (NCBI_API_KEY, NCBI_EMAIL, NCBI_TOOL)
//  2. URBANSCOPE_-prefixed environment variables (URBANSCOPE_CLIENT_API_KEY, ...)
//  3. YAML config file
//  4. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, no file
// is read and configuration comes from the environment and defaults alone — a
// missing config file is the normal case for scheduled runs.
//
// # Environment Variable Mapping
//
// Only variables carrying the URBANSCOPE_ prefix are read, so unrelated
// variables in the calling environment never become config. After the prefix
// is stripped, the transformer maps the first underscore to the section
// boundary:
//
//	URBANSCOPE_CLIENT_API_KEY    -> client.api_key
//	URBANSCOPE_HARVEST_PAGE_SIZE -> harvest.page_size
//	URBANSCOPE_STORAGE_DATA_DIR  -> storage.data_dir
//
// The bare NCBI_API_KEY / NCBI_EMAIL / NCBI_TOOL variables are also honored
// for compatibility with the scheduling wrapper; they win over everything.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Use rawbytes provider to avoid re-opening the file
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables.
	// Example: URBANSCOPE_CLIENT_API_KEY -> client.api_key
	if err := k.Load(env.Provider("URBANSCOPE_", ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, "URBANSCOPE_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		// section.field_name: split on the first underscore only so
		// compound field names keep their underscores.
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// NCBI compatibility variables win over everything else.
	if v := os.Getenv("NCBI_API_KEY"); v != "" {
		cfg.Client.APIKey = Secret(strings.TrimSpace(v))
	}
	if v := os.Getenv("NCBI_EMAIL"); v != "" {
		cfg.Client.Email = v
	}
	if v := os.Getenv("NCBI_TOOL"); v != "" {
		cfg.Client.Tool = v
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
