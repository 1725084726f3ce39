// Package cliconfig provides configuration types and loading for the
// mockbroker CLI.
package cliconfig

import "time"

// BrokerConfig is the complete configuration for the mockbroker CLI.
// Values come from several sources with the following precedence:
// 1. Command-line flags (highest priority)
// 2. Environment variables
// 3. Local config file (.mockbrokerrc.yaml in current directory)
// 4. Global config file (~/.config/mockbroker/config.yaml)
// 5. Default values (lowest priority)
type BrokerConfig struct {
	// Backend settings
	Bootstrap          string `yaml:"bootstrap" json:"bootstrap"`
	HTTPS              bool   `yaml:"https" json:"https"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify" json:"insecureSkipVerify"`

	// Timing, in milliseconds
	PollIntervalMs       int `yaml:"pollIntervalMs" json:"pollIntervalMs"`
	AutoRespondMs        int `yaml:"autoRespondMs" json:"autoRespondMs"`
	RespondTimeoutMs     int `yaml:"respondTimeoutMs" json:"respondTimeoutMs"`
	CompletedRetentionMs int `yaml:"completedRetentionMs" json:"completedRetentionMs"`

	// Operator gateway
	GatewayAddr string `yaml:"gatewayAddr" json:"gatewayAddr"`

	// Logging
	LogLevel  string `yaml:"logLevel" json:"logLevel"`
	LogFormat string `yaml:"logFormat" json:"logFormat"`

	// Decision notifications, disabled when MQTTBroker is empty
	MQTTBroker string `yaml:"mqttBroker,omitempty" json:"mqttBroker,omitempty"`
	MQTTTopic  string `yaml:"mqttTopic,omitempty" json:"mqttTopic,omitempty"`

	// Sources tracks where each value came from.
	Sources map[string]string `yaml:"-" json:"-"`

	// SetFields holds the keys present in a loaded file so explicit false
	// values can be told apart from absent ones.
	SetFields map[string]bool `yaml:"-" json:"-"`
}

// PollInterval returns the discovery interval.
func (c *BrokerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// AutoRespond returns the auto-respond window.
func (c *BrokerConfig) AutoRespond() time.Duration {
	return time.Duration(c.AutoRespondMs) * time.Millisecond
}

// RespondTimeout returns the per-delivery timeout.
func (c *BrokerConfig) RespondTimeout() time.Duration {
	return time.Duration(c.RespondTimeoutMs) * time.Millisecond
}

// Retention returns how long completed decisions stay listed.
func (c *BrokerConfig) Retention() time.Duration {
	return time.Duration(c.CompletedRetentionMs) * time.Millisecond
}

// ConfigSource identifies where a config value originated.
const (
	SourceDefault = "default"
	SourceEnv     = "env"
	SourceGlobal  = "global"
	SourceLocal   = "local"
	SourceFile    = "file"
	SourceFlag    = "flag"
)

// Keys lists every config key in display order.
var Keys = []string{
	"bootstrap",
	"https",
	"insecureSkipVerify",
	"pollIntervalMs",
	"autoRespondMs",
	"respondTimeoutMs",
	"completedRetentionMs",
	"gatewayAddr",
	"logLevel",
	"logFormat",
	"mqttBroker",
	"mqttTopic",
}
