package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/cellhost/internal/config"
)

// FromGlobalConfig converts the loaded webhooks section, parsing body
// size limits and applying defaults.
func FromGlobalConfig(wc config.WebhooksConfig) (Config, error) {
	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, 0, len(wc.Endpoints)),
	}
	for _, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}
		maxBody, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		header := ep.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}
		cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{
			Path:            ep.Path,
			Cell:            ep.Cell,
			Zome:            ep.Zome,
			Fn:              ep.Fn,
			Secret:          ep.Secret,
			SignatureHeader: header,
			MaxBodySize:     maxBody,
		})
	}
	return cfg, nil
}

// parseMaxBodySize accepts "1048576", "512KB", "1MB" or "1GB". Empty means
// DefaultMaxBodySize.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	units := []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}}

	num := strings.ToUpper(strings.TrimSpace(size))
	mult := int64(1)
	for _, u := range units {
		if strings.HasSuffix(num, u.suffix) {
			num, mult = strings.TrimSuffix(num, u.suffix), u.mult
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if value > (1<<62)/mult {
		return 0, fmt.Errorf("size too large")
	}
	return value * mult, nil
}
