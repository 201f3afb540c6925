package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mattjoyce/cellhost/internal/cell"
)

// Scopes a token may carry.
const (
	ScopeCellsCall = "cells:call"
	ScopeCellsRead = "cells:ro"
	ScopeSignals   = "signals:ro"
	ScopeAll       = "*"
)

var knownScopes = map[string]bool{
	ScopeCellsCall: true,
	ScopeCellsRead: true,
	ScopeSignals:   true,
	ScopeAll:       true,
}

// Validate checks cfg and reports every problem found, not just the first.
func Validate(cfg *Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		fail("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		fail("service.log_format must be json or text (got %q)", f)
	}

	if cfg.Store.Path == "" {
		fail("store.path is required")
	}

	if cfg.Engine.Workers <= 0 {
		fail("engine.workers must be positive")
	}
	if cfg.Engine.PollInterval <= 0 {
		fail("engine.poll_interval must be positive")
	}
	if cfg.Engine.CallTimeout <= 0 {
		fail("engine.call_timeout must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			fail("api.listen is required when the api is enabled")
		}
		if len(cfg.API.Auth.Tokens) == 0 {
			fail("api.auth.tokens must not be empty when the api is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				fail("api.auth.tokens[%d].token is required", i)
			} else if err := unresolved(tok.Token); err != nil {
				fail("api.auth.tokens[%d].token: %w", i, err)
			}
			if len(tok.Scopes) == 0 {
				fail("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			for _, s := range tok.Scopes {
				if !knownScopes[s] {
					fail("api.auth.tokens[%d]: unknown scope %q", i, s)
				}
			}
			for j, a := range tok.Agents {
				if _, err := cell.AgentPubKey(a).Bytes(); err != nil {
					fail("api.auth.tokens[%d].agents[%d]: %w", i, j, err)
				}
			}
		}
	}

	for i, src := range cfg.Clock.Sources {
		if u, err := url.Parse(src); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			fail("clock.sources[%d]: %q is not an http(s) url", i, src)
		}
	}
	if n := len(cfg.Clock.Sources); n > 0 && cfg.Clock.Min > n {
		fail("clock.min (%d) exceeds the number of sources (%d)", cfg.Clock.Min, n)
	}
	if cfg.Clock.RequireAttested && len(cfg.Clock.Sources) == 0 {
		fail("clock.require_attested needs at least one clock source")
	}

	if cfg.Engine.ScheduleTick <= 0 {
		fail("engine.schedule_tick must be positive")
	}

	paths := make(map[string]bool, len(cfg.Webhooks.Endpoints))
	for i, ep := range cfg.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			fail("webhooks.endpoints[%d].path must start with /", i)
		} else if paths[ep.Path] {
			fail("webhooks.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		paths[ep.Path] = true
		if ep.Cell == "" || ep.Zome == "" || ep.Fn == "" {
			fail("webhooks.endpoints[%d] (%s): cell, zome and fn are required", i, ep.Path)
		}
		if ep.Secret == "" {
			fail("webhooks.endpoints[%d] (%s): secret is required", i, ep.Path)
		} else if err := unresolved(ep.Secret); err != nil {
			fail("webhooks.endpoints[%d] (%s).secret: %w", i, ep.Path, err)
		}
	}
	if len(cfg.Webhooks.Endpoints) > 0 && cfg.Webhooks.Listen == "" {
		fail("webhooks.listen is required when endpoints are configured")
	}

	seen := make(map[string]bool, len(cfg.Cells))
	for i, c := range cfg.Cells {
		if c.Name == "" {
			fail("cells[%d].name is required", i)
		} else if seen[c.Name] {
			fail("cells[%d]: duplicate cell name %q", i, c.Name)
		}
		seen[c.Name] = true

		if (c.Path == "") == (c.URL == "") {
			fail("cells[%d] (%s): exactly one of path or url is required", i, c.Name)
		}
		if c.URL != "" && !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			fail("cells[%d] (%s): url must be http or https", i, c.Name)
		}
		if c.Checksum != "" {
			if b, err := hex.DecodeString(c.Checksum); err != nil || len(b) != 32 {
				fail("cells[%d] (%s): checksum must be 64 hex characters", i, c.Name)
			}
		}
		if c.AgentSeed != "" {
			if err := unresolved(c.AgentSeed); err != nil {
				fail("cells[%d] (%s).agent_seed: %w", i, c.Name, err)
			} else if b, err := hex.DecodeString(c.AgentSeed); err != nil || len(b) != 32 {
				fail("cells[%d] (%s): agent_seed must be 64 hex characters", i, c.Name)
			}
		}
		for j, sc := range c.Schedules {
			if sc.Zome == "" || sc.Fn == "" {
				fail("cells[%d].schedules[%d] (%s): zome and fn are required", i, j, c.Name)
			}
			if sc.Every <= 0 {
				fail("cells[%d].schedules[%d] (%s): every must be positive", i, j, c.Name)
			}
			if sc.Jitter < 0 || sc.Jitter >= sc.Every {
				fail("cells[%d].schedules[%d] (%s): jitter must be non-negative and less than every", i, j, c.Name)
			}
			if sc.FailureThreshold < 0 || (sc.FailureThreshold > 0 && sc.ResetAfter <= 0) {
				fail("cells[%d].schedules[%d] (%s): failure_threshold needs a positive reset_after", i, j, c.Name)
			}
		}
	}

	return errors.Join(errs...)
}

func unresolved(v string) error {
	if m := envVarPattern.FindStringSubmatch(v); len(m) > 1 {
		return fmt.Errorf("environment variable ${%s} is not set", m[1])
	}
	return nil
}
