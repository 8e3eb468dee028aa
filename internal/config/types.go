package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration.
type Config struct {
	Include  []string              `yaml:"include,omitempty"`
	Service  ServiceConfig         `yaml:"service"`
	State    StateConfig           `yaml:"state"`
	Dispatch DispatchConfig        `yaml:"dispatch"`
	API      APIConfig             `yaml:"api,omitempty"`
	Redis    RedisConfig           `yaml:"redis,omitempty"`
	Webhooks *WebhooksConfig       `yaml:"webhooks,omitempty"`
	Sites    map[string]SiteConfig `yaml:"sites"`

	// SourceFiles maps each loaded file to its parsed YAML tree.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines lock and ledger storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig defines fan-out and ledger timing.
type DispatchConfig struct {
	// Timeout bounds the plugin fan-out of a single dispatch.
	Timeout time.Duration `yaml:"timeout"`
	// OrphanDelay is how long the ledger waits before checking that a
	// recorded interaction was confirmed as posted.
	OrphanDelay time.Duration `yaml:"orphan_delay"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RedisConfig defines the Redis Streams transport.
type RedisConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password,omitempty"`
	DB             int    `yaml:"db,omitempty"`
	InboundStream  string `yaml:"inbound_stream"`
	OutboundStream string `yaml:"outbound_stream"`
	PostedStream   string `yaml:"posted_stream"`
	Group          string `yaml:"group"`
	Consumer       string `yaml:"consumer"`
}

// WebhooksConfig configures the signed HTTP transport.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint binds one URL path to a site. Messages are POSTed to Path;
// delivery confirmations to Path + "/posted".
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Site            string `yaml:"site"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	// MaxBodySize accepts plain bytes or a KB/MB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// SiteConfig is the per-site configuration handed to plugins.
type SiteConfig struct {
	// ID is the key under sites:, filled in by the loader.
	ID       string         `yaml:"-" json:"id"`
	Prefix   string         `yaml:"prefix" json:"prefix"`
	Plugs    Plugs          `yaml:"plugs" json:"plugs"`
	ServerID string         `yaml:"server_id" json:"server_id"`
	Service  string         `yaml:"service" json:"service"`
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Clone returns a deep copy so concurrent plugin invocations never share
// mutable site state.
func (s SiteConfig) Clone() SiteConfig {
	out := s
	out.Plugs = s.Plugs.clone()
	out.Settings = cloneSettings(s.Settings)
	return out
}

func cloneSettings(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneSettings(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "switchboard",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/switchboard.db",
		},
		Dispatch: DispatchConfig{
			Timeout:     500 * time.Millisecond,
			OrphanDelay: 1000 * time.Millisecond,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			InboundStream:  "switchboard:inbound",
			OutboundStream: "switchboard:outbound",
			PostedStream:   "switchboard:posted",
			Group:          "switchboard",
			Consumer:       "switchboard-1",
		},
		Sites: make(map[string]SiteConfig),
	}
}
