package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/switchboard/internal/config"
)

// FromConfig converts the loaded webhooks section into server config.
func FromConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}

	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, len(wc.Endpoints)),
	}
	for i, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: secret is required", ep.Path)
		}
		maxBody, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		header := ep.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}
		cfg.Endpoints[i] = EndpointConfig{
			Path:            strings.TrimSuffix(ep.Path, "/"),
			Site:            ep.Site,
			Secret:          ep.Secret,
			SignatureHeader: header,
			MaxBodySize:     maxBody,
		}
	}
	return cfg, nil
}

// parseMaxBodySize accepts "65536", "64KB" or "1MB". Empty means the default.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1 << 10
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1 << 20
		upper = strings.TrimSuffix(upper, "MB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if value > (1<<40)/multiplier {
		return 0, fmt.Errorf("size too large")
	}
	return value * multiplier, nil
}
