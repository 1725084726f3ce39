package cliconfig

// DefaultBootstrap is the default discovery address.
const DefaultBootstrap = "localhost:8080"

// DefaultPollIntervalMs is the default discovery interval.
const DefaultPollIntervalMs = 7000

// DefaultAutoRespondMs is the default auto-respond window.
const DefaultAutoRespondMs = 3000

// DefaultRespondTimeoutMs is the default per-delivery timeout.
const DefaultRespondTimeoutMs = 10000

// DefaultCompletedRetentionMs is how long completed decisions stay listed.
const DefaultCompletedRetentionMs = 300000

// DefaultGatewayAddr is the default operator gateway address.
const DefaultGatewayAddr = "127.0.0.1:4300"

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultLogFormat is the default log format.
const DefaultLogFormat = "text"

// NewDefault creates a BrokerConfig with default values.
func NewDefault() *BrokerConfig {
	cfg := &BrokerConfig{
		Bootstrap:            DefaultBootstrap,
		PollIntervalMs:       DefaultPollIntervalMs,
		AutoRespondMs:        DefaultAutoRespondMs,
		RespondTimeoutMs:     DefaultRespondTimeoutMs,
		CompletedRetentionMs: DefaultCompletedRetentionMs,
		GatewayAddr:          DefaultGatewayAddr,
		LogLevel:             DefaultLogLevel,
		LogFormat:            DefaultLogFormat,
		Sources:              make(map[string]string),
	}
	for _, key := range Keys {
		cfg.Sources[key] = SourceDefault
	}
	return cfg
}
