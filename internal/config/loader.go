package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding config.yaml.
// A .env file next to the config is loaded first so ${VAR} placeholders can
// refer to it; variables already present in the environment win.
func Load(configPath string) (*Config, error) {
	cfg, paths, err := loadTree(configPath)
	if err != nil {
		return nil, err
	}
	if err := VerifyChecksums(paths); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Files returns the absolute paths of the root config file and every file it
// includes, sorted. Checksums are not verified.
func Files(configPath string) ([]string, error) {
	_, paths, err := loadTree(configPath)
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func loadTree(configPath string) (*Config, []string, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, nil, err
	}

	envPath := filepath.Join(filepath.Dir(absPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.SourceFiles = map[string]*yaml.Node{}
	if node, err := parseNode(absPath); err == nil {
		cfg.SourceFiles[absPath] = node
	}

	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, nil, err
	}

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return cfg, paths, nil
}

// ResolvePath turns a file or directory argument into the absolute path of
// the root config file.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config by checking standard locations.
// Priority order: $SWITCHBOARD_CONFIG_DIR, ~/.config/switchboard, /etc/switchboard, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("SWITCHBOARD_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "switchboard")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}
	if _, err := os.Stat("/etc/switchboard"); err == nil {
		return "/etc/switchboard", nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: $SWITCHBOARD_CONFIG_DIR, ~/.config/switchboard, /etc/switchboard, ./config.yaml)")
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolved)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, absPath, baseDir)
		}
		visited[absPath] = true

		if node, err := parseNode(absPath); err == nil {
			cfg.SourceFiles[absPath] = node
		}
		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

func parseNode(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// mergeConfig merges src into dst; non-zero src values win and sites are additive.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.Dispatch.Timeout != 0 {
		dst.Dispatch.Timeout = src.Dispatch.Timeout
	}
	if src.Dispatch.OrphanDelay != 0 {
		dst.Dispatch.OrphanDelay = src.Dispatch.OrphanDelay
	}
	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	if src.Redis.Enabled {
		dst.Redis = src.Redis
	}
	if src.Webhooks != nil {
		if dst.Webhooks == nil {
			dst.Webhooks = &WebhooksConfig{}
		}
		if src.Webhooks.Listen != "" {
			dst.Webhooks.Listen = src.Webhooks.Listen
		}
		dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, src.Webhooks.Endpoints...)
	}
	if len(src.Sites) > 0 {
		if dst.Sites == nil {
			dst.Sites = make(map[string]SiteConfig)
		}
		for id, site := range src.Sites {
			dst.Sites[id] = site
		}
	}
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Dispatch.Timeout == 0 {
		cfg.Dispatch.Timeout = defaults.Dispatch.Timeout
	}
	if cfg.Dispatch.OrphanDelay == 0 {
		cfg.Dispatch.OrphanDelay = defaults.Dispatch.OrphanDelay
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Webhooks != nil && cfg.Webhooks.Listen == "" {
		cfg.Webhooks.Listen = "127.0.0.1:8081"
	}

	r := &cfg.Redis
	if r.Addr == "" {
		r.Addr = defaults.Redis.Addr
	}
	if r.InboundStream == "" {
		r.InboundStream = defaults.Redis.InboundStream
	}
	if r.OutboundStream == "" {
		r.OutboundStream = defaults.Redis.OutboundStream
	}
	if r.PostedStream == "" {
		r.PostedStream = defaults.Redis.PostedStream
	}
	if r.Group == "" {
		r.Group = defaults.Redis.Group
	}
	if r.Consumer == "" {
		r.Consumer = defaults.Redis.Consumer
	}

	if cfg.Sites == nil {
		cfg.Sites = make(map[string]SiteConfig)
	}
	for id, site := range cfg.Sites {
		site.ID = id
		if site.Plugs.Mode == "" {
			site.Plugs = NoPlugs()
		}
		cfg.Sites[id] = site
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Dispatch.Timeout < 0 {
		return fmt.Errorf("dispatch.timeout must be positive")
	}
	if cfg.Dispatch.OrphanDelay < 0 {
		return fmt.Errorf("dispatch.orphan_delay must be positive")
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires an api_key or at least one token when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := checkUnresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Redis.Enabled {
		if err := checkUnresolved("redis.password", cfg.Redis.Password); err != nil {
			return err
		}
	}

	if cfg.Webhooks != nil {
		for i, ep := range cfg.Webhooks.Endpoints {
			if ep.Path == "" || !strings.HasPrefix(ep.Path, "/") {
				return fmt.Errorf("webhooks.endpoints[%d].path must start with /", i)
			}
			if _, ok := cfg.Sites[ep.Site]; !ok {
				return fmt.Errorf("webhooks.endpoints[%d]: unknown site %q", i, ep.Site)
			}
			if ep.Secret == "" {
				return fmt.Errorf("webhooks.endpoints[%d].secret is required", i)
			}
			if err := checkUnresolved(fmt.Sprintf("webhooks.endpoints[%d].secret", i), ep.Secret); err != nil {
				return err
			}
		}
	}

	for id, site := range cfg.Sites {
		if site.Prefix == "" {
			return fmt.Errorf("site %q: prefix is required", id)
		}
		if site.Plugs.Mode == PlugsList && len(site.Plugs.Names) == 0 {
			return fmt.Errorf("site %q: plugs list is empty (use \"none\" to disable all plugins)", id)
		}
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
