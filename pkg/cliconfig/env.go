package cliconfig

import (
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment variable read by LoadEnvConfig.
const EnvPrefix = "MOCKBROKER_"

// EnvName returns the environment variable for a config key,
// e.g. pollIntervalMs becomes MOCKBROKER_POLL_INTERVAL_MS.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for i, r := range key {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !isUpper(key[i-1]) {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			continue
		}
		b.WriteRune(r - 'a' + 'A')
	}
	return b.String()
}

func isUpper(c byte) bool {
	return c >= 'A' && c <= 'Z'
}

// LoadEnvConfig applies MOCKBROKER_* environment variables to cfg.
func LoadEnvConfig(cfg *BrokerConfig) error {
	env := &BrokerConfig{SetFields: make(map[string]bool)}

	for _, key := range Keys {
		raw, ok := os.LookupEnv(EnvName(key))
		if !ok || raw == "" {
			continue
		}
		if err := env.set(key, raw); err != nil {
			return &ConfigError{Path: EnvName(key), Message: err.Error()}
		}
		env.SetFields[key] = true
	}

	MergeConfig(cfg, env, SourceEnv)
	return nil
}

// Set assigns a config key from its string form and records source.
func (c *BrokerConfig) Set(key, raw, source string) error {
	if err := c.set(key, raw); err != nil {
		return &ConfigError{Key: key, Message: err.Error()}
	}
	if c.Sources == nil {
		c.Sources = make(map[string]string)
	}
	c.Sources[key] = source
	return nil
}

func (c *BrokerConfig) set(key, raw string) error {
	var err error
	switch key {
	case "bootstrap":
		c.Bootstrap = raw
	case "https":
		c.HTTPS, err = strconv.ParseBool(raw)
	case "insecureSkipVerify":
		c.InsecureSkipVerify, err = strconv.ParseBool(raw)
	case "pollIntervalMs":
		c.PollIntervalMs, err = strconv.Atoi(raw)
	case "autoRespondMs":
		c.AutoRespondMs, err = strconv.Atoi(raw)
	case "respondTimeoutMs":
		c.RespondTimeoutMs, err = strconv.Atoi(raw)
	case "completedRetentionMs":
		c.CompletedRetentionMs, err = strconv.Atoi(raw)
	case "gatewayAddr":
		c.GatewayAddr = raw
	case "logLevel":
		c.LogLevel = raw
	case "logFormat":
		c.LogFormat = raw
	case "mqttBroker":
		c.MQTTBroker = raw
	case "mqttTopic":
		c.MQTTTopic = raw
	default:
		return errUnknownKey
	}
	if err != nil {
		return errInvalidValue(raw)
	}
	return nil
}

// Get returns the string form of a config key.
func (c *BrokerConfig) Get(key string) (string, bool) {
	switch key {
	case "bootstrap":
		return c.Bootstrap, true
	case "https":
		return strconv.FormatBool(c.HTTPS), true
	case "insecureSkipVerify":
		return strconv.FormatBool(c.InsecureSkipVerify), true
	case "pollIntervalMs":
		return strconv.Itoa(c.PollIntervalMs), true
	case "autoRespondMs":
		return strconv.Itoa(c.AutoRespondMs), true
	case "respondTimeoutMs":
		return strconv.Itoa(c.RespondTimeoutMs), true
	case "completedRetentionMs":
		return strconv.Itoa(c.CompletedRetentionMs), true
	case "gatewayAddr":
		return c.GatewayAddr, true
	case "logLevel":
		return c.LogLevel, true
	case "logFormat":
		return c.LogFormat, true
	case "mqttBroker":
		return c.MQTTBroker, true
	case "mqttTopic":
		return c.MQTTTopic, true
	}
	return "", false
}
