package cliconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	// GlobalConfigDir is the directory for global config
	GlobalConfigDir = "mockbroker"
)

// LocalConfigFileNames are the names to search for local config (in order).
var LocalConfigFileNames = []string{".mockbrokerrc.yaml", ".mockbrokerrc.yml"}

// GlobalConfigFileNames are the names to search for global config (in order).
var GlobalConfigFileNames = []string{"config.yaml", "config.yml"}

// FindLocalConfig searches for a local config file in the current directory.
func FindLocalConfig() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for _, name := range LocalConfigFileNames {
		path := filepath.Join(cwd, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// FindGlobalConfig returns the path to the global config file.
// Returns empty string if not found.
func FindGlobalConfig() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		//nolint:nilerr // no config dir means no global config
		return "", nil
	}
	for _, name := range GlobalConfigFileNames {
		path := filepath.Join(configDir, GlobalConfigDir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// LoadConfigFile loads a BrokerConfig from a YAML file.
func LoadConfigFile(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, yamlError(path, err)
	}

	var cfg BrokerConfig
	if err := doc.Decode(&cfg); err != nil {
		return nil, yamlError(path, err)
	}
	cfg.Sources = make(map[string]string)
	cfg.SetFields = make(map[string]bool)
	if len(doc.Content) > 0 && doc.Content[0].Kind == yaml.MappingNode {
		m := doc.Content[0]
		for i := 0; i+1 < len(m.Content); i += 2 {
			cfg.SetFields[m.Content[i].Value] = true
		}
	}
	return &cfg, nil
}

func yamlError(path string, err error) error {
	var te *yaml.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		return &ConfigError{Path: path, Message: te.Errors[0]}
	}
	return &ConfigError{Path: path, Message: err.Error()}
}

// ConfigError represents a configuration error with location info.
type ConfigError struct {
	Path    string
	Key     string
	Line    int
	Column  int
	Message string
}

func (e *ConfigError) Error() string {
	where := e.Path
	if e.Line > 0 {
		where += " (line " + strconv.Itoa(e.Line) + ", column " + strconv.Itoa(e.Column) + ")"
	}
	msg := e.Message
	if e.Key != "" {
		msg = e.Key + ": " + msg
	}
	if where == "" {
		return msg
	}
	return where + ": " + msg
}

// LoadAll loads configuration from every source and merges them.
// Precedence: env > local config > global config > defaults. When path is
// set it replaces the global and local lookup and must exist. Flags are
// applied by the caller.
func LoadAll(path string) (*BrokerConfig, error) {
	cfg := NewDefault()

	if path != "" {
		fileCfg, err := LoadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		MergeConfig(cfg, fileCfg, SourceFile)
	} else {
		if globalPath, err := FindGlobalConfig(); err == nil && globalPath != "" {
			globalCfg, err := LoadConfigFile(globalPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load global config: %w", err)
			}
			MergeConfig(cfg, globalCfg, SourceGlobal)
		}
		if localPath, err := FindLocalConfig(); err == nil && localPath != "" {
			localCfg, err := LoadConfigFile(localPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load local config: %w", err)
			}
			MergeConfig(cfg, localCfg, SourceLocal)
		}
	}

	if err := LoadEnvConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
