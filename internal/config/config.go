// Package config loads and persists the proxy's on-disk state: the main
// configuration file, the optional local API key record, and the per-user
// configuration directory layout. All files are UTF-8 JSON, pretty-printed,
// and written atomically (write-to-temp + rename). A YAML configuration file
// is accepted as an alternative spelling of config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default file names inside the configuration directory.
const (
	ConfigFileName = "config.json"
	AuthFileName   = "auth.json"
	APIKeyFileName = "apikey.json"
)

// ServerConfig holds the local listen address.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Config is the main proxy configuration.
type Config struct {
	// ModelMapping maps client-supplied model ids to upstream model ids.
	// Unknown ids pass through unchanged.
	ModelMapping map[string]string `json:"modelMapping" yaml:"model-mapping"`

	Server ServerConfig `json:"server" yaml:"server"`

	// CacheMessageCount is how many trailing messages receive an ephemeral
	// cache marker on their last content block.
	CacheMessageCount int `json:"cacheMessageCount,omitempty" yaml:"cache-message-count"`

	// Debug enables verbose logging.
	Debug bool `json:"debug,omitempty" yaml:"debug"`

	// LoggingToFile switches log output from stdout to a rotating file under
	// the configuration directory.
	LoggingToFile bool `json:"loggingToFile,omitempty" yaml:"logging-to-file"`

	// ProxyURL routes outbound OAuth and upstream traffic through a proxy.
	ProxyURL string `json:"proxyUrl,omitempty" yaml:"proxy-url"`
}

// Default returns a configuration with the documented defaults filled in.
func Default() *Config {
	return &Config{
		ModelMapping:      map[string]string{},
		Server:            ServerConfig{Host: "127.0.0.1", Port: 8082},
		CacheMessageCount: 3,
	}
}

// Dir resolves the per-user configuration directory. CLAUDE_BRIDGE_HOME
// overrides the default of ~/.claude-bridge.
func Dir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("CLAUDE_BRIDGE_HOME")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".claude-bridge"), nil
}

// Load reads the configuration from path. A missing file yields the defaults,
// not an error, so a fresh install works without any setup. Files ending in
// .yaml or .yml are parsed as YAML; everything else as JSON.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err = json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if cfg.ModelMapping == nil {
		cfg.ModelMapping = map[string]string{}
	}
	if cfg.CacheMessageCount <= 0 {
		cfg.CacheMessageCount = 3
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8082
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	return cfg, nil
}

// Save writes the configuration as pretty-printed JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o600)
}

// MapModel translates a client model id through the mapping table. Unknown
// ids pass through unchanged.
func (c *Config) MapModel(model string) string {
	if mapped, ok := c.ModelMapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it into place, so readers never observe a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
