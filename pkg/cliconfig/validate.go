package cliconfig

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var errUnknownKey = errors.New("unknown config key")

func errInvalidValue(raw string) error {
	return fmt.Errorf("invalid value %q", raw)
}

// Validate checks that the configuration is usable.
func (c *BrokerConfig) Validate() error {
	if strings.TrimSpace(c.Bootstrap) == "" {
		return &ConfigError{Key: "bootstrap", Message: "must not be empty"}
	}
	if strings.Contains(c.Bootstrap, "://") {
		return &ConfigError{Key: "bootstrap", Message: "must be host:port without a scheme (use https to switch scheme)"}
	}
	if c.PollIntervalMs < 100 {
		return &ConfigError{Key: "pollIntervalMs", Message: fmt.Sprintf("%d is below the 100ms minimum", c.PollIntervalMs)}
	}
	if c.AutoRespondMs < 0 {
		return &ConfigError{Key: "autoRespondMs", Message: fmt.Sprintf("%d must not be negative", c.AutoRespondMs)}
	}
	if c.RespondTimeoutMs <= 0 {
		return &ConfigError{Key: "respondTimeoutMs", Message: fmt.Sprintf("%d must be positive", c.RespondTimeoutMs)}
	}
	if c.CompletedRetentionMs < 0 {
		return &ConfigError{Key: "completedRetentionMs", Message: fmt.Sprintf("%d must not be negative", c.CompletedRetentionMs)}
	}
	if c.GatewayAddr != "" {
		if _, _, err := net.SplitHostPort(c.GatewayAddr); err != nil {
			return &ConfigError{Key: "gatewayAddr", Message: err.Error()}
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return &ConfigError{Key: "logLevel", Message: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return &ConfigError{Key: "logFormat", Message: fmt.Sprintf("unknown format %q", c.LogFormat)}
	}
	return nil
}
