package cliconfig

// MergeConfig merges source config into target, updating sources tracking.
// Only non-zero values from source are applied.
func MergeConfig(target, source *BrokerConfig, sourceType string) {
	if source == nil {
		return
	}
	if target.Sources == nil {
		target.Sources = make(map[string]string)
	}

	if source.Bootstrap != "" {
		target.Bootstrap = source.Bootstrap
		target.Sources["bootstrap"] = sourceType
	}
	if boolIsSet(source, "https") {
		target.HTTPS = source.HTTPS
		target.Sources["https"] = sourceType
	}
	if boolIsSet(source, "insecureSkipVerify") {
		target.InsecureSkipVerify = source.InsecureSkipVerify
		target.Sources["insecureSkipVerify"] = sourceType
	}
	if source.PollIntervalMs != 0 {
		target.PollIntervalMs = source.PollIntervalMs
		target.Sources["pollIntervalMs"] = sourceType
	}
	if source.AutoRespondMs != 0 {
		target.AutoRespondMs = source.AutoRespondMs
		target.Sources["autoRespondMs"] = sourceType
	}
	if source.RespondTimeoutMs != 0 {
		target.RespondTimeoutMs = source.RespondTimeoutMs
		target.Sources["respondTimeoutMs"] = sourceType
	}
	if source.CompletedRetentionMs != 0 {
		target.CompletedRetentionMs = source.CompletedRetentionMs
		target.Sources["completedRetentionMs"] = sourceType
	}
	if source.GatewayAddr != "" {
		target.GatewayAddr = source.GatewayAddr
		target.Sources["gatewayAddr"] = sourceType
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
		target.Sources["logLevel"] = sourceType
	}
	if source.LogFormat != "" {
		target.LogFormat = source.LogFormat
		target.Sources["logFormat"] = sourceType
	}
	if source.MQTTBroker != "" {
		target.MQTTBroker = source.MQTTBroker
		target.Sources["mqttBroker"] = sourceType
	}
	if source.MQTTTopic != "" {
		target.MQTTTopic = source.MQTTTopic
		target.Sources["mqttTopic"] = sourceType
	}
}

// boolIsSet reports whether a boolean field identified by its YAML key was
// explicitly set in the source config. Without SetFields only true counts
// as set.
func boolIsSet(cfg *BrokerConfig, yamlKey string) bool {
	if cfg.SetFields != nil {
		return cfg.SetFields[yamlKey]
	}
	switch yamlKey {
	case "https":
		return cfg.HTTPS
	case "insecureSkipVerify":
		return cfg.InsecureSkipVerify
	}
	return false
}
