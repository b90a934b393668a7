// Package config provides configuration parsing and validation for
// cipherline's server and client binaries.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig represents the complete configuration for the message
// relay server.
type ServerConfig struct {
	Listen  ListenConfig  `yaml:"listen"`
	Keys    ServerKeys    `yaml:"keys"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Store   StoreConfig   `yaml:"store"`
}

// ListenConfig configures the TCP address the server accepts connections
// on.
type ListenConfig struct {
	// Address is the host:port the server listens on.
	Address string `yaml:"address"`
}

// ServerKeys locates the RSA keypair the server uses during the one-shot
// session-key exchange (§4.2).
type ServerKeys struct {
	// PrivateKeyPath is a PEM-encoded PKCS#1 or PKCS#8 RSA private key.
	PrivateKeyPath string `yaml:"private_key_path"`

	// PrivateKeyPEM is the PEM content directly; takes precedence over
	// PrivateKeyPath when set.
	PrivateKeyPEM string `yaml:"private_key_pem"`
}

// GetPrivateKeyPEM returns the PEM content, reading from file if
// necessary.
func (k *ServerKeys) GetPrivateKeyPEM() ([]byte, error) {
	if k.PrivateKeyPEM != "" {
		return []byte(k.PrivateKeyPEM), nil
	}
	if k.PrivateKeyPath != "" {
		return os.ReadFile(k.PrivateKeyPath)
	}
	return nil, nil
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// StoreConfig selects and configures the message/client store backend.
type StoreConfig struct {
	// Backend is "memory" or "hashed-memory". hashed-memory wraps the
	// in-memory store with bcrypt password hashing.
	Backend string `yaml:"backend"`

	// BcryptCost is used only when Backend is "hashed-memory".
	BcryptCost int `yaml:"bcrypt_cost"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// ClientConfig represents the complete configuration for a client
// connecting to a cipherline server.
type ClientConfig struct {
	Server     ClientServerConfig `yaml:"server"`
	Credential CredentialConfig   `yaml:"credential"`
	Log        LogConfig          `yaml:"log"`
}

// ClientServerConfig locates the server to dial and the RSA public key
// used to verify it during key exchange.
type ClientServerConfig struct {
	// Address is the server's host:port.
	Address string `yaml:"address"`

	// PublicKeyPath is a PEM-encoded RSA public key.
	PublicKeyPath string `yaml:"public_key_path"`

	// PublicKeyPEM is the PEM content directly; takes precedence over
	// PublicKeyPath when set.
	PublicKeyPEM string `yaml:"public_key_pem"`

	// DialTimeout bounds the initial TCP connect. The key exchange that
	// follows is not covered by it.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// GetPublicKeyPEM returns the PEM content, reading from file if
// necessary.
func (s *ClientServerConfig) GetPublicKeyPEM() ([]byte, error) {
	if s.PublicKeyPEM != "" {
		return []byte(s.PublicKeyPEM), nil
	}
	if s.PublicKeyPath != "" {
		return os.ReadFile(s.PublicKeyPath)
	}
	return nil, nil
}

// CredentialConfig names an on-disk record of this client's assigned id.
type CredentialConfig struct {
	// IDFile is a path for the client id returned by Register. It is
	// parsed from the config but no command reads or writes the file:
	// register prints the new id, and the other commands take --id.
	IDFile string `yaml:"id_file"`
}

// Default returns a ServerConfig with default values.
func Default() *ServerConfig {
	return &ServerConfig{
		Listen: ListenConfig{
			Address: ":8443",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
		Store: StoreConfig{
			Backend:    "hashed-memory",
			BcryptCost: 0, // 0 means bcrypt.DefaultCost
		},
	}
}

// DefaultClient returns a ClientConfig with default values.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		Server: ClientServerConfig{
			Address:     "127.0.0.1:8443",
			DialTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a server configuration file.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadClient reads and parses a client configuration file.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseClient(data)
}

// Parse parses server configuration from YAML bytes.
func Parse(data []byte) (*ServerConfig, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ParseClient parses client configuration from YAML bytes.
func ParseClient(data []byte) (*ClientConfig, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultClient()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their
// values. ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the server configuration for errors.
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.Listen.Address == "" {
		errs = append(errs, "listen.address is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Store.Backend != "memory" && c.Store.Backend != "hashed-memory" {
		errs = append(errs, fmt.Sprintf("invalid store.backend: %s (must be memory or hashed-memory)", c.Store.Backend))
	}
	if c.Store.BcryptCost != 0 && (c.Store.BcryptCost < 4 || c.Store.BcryptCost > 31) {
		errs = append(errs, "store.bcrypt_cost must be between 4 and 31, or 0 for the default")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the client configuration for errors.
func (c *ClientConfig) Validate() error {
	var errs []string

	if c.Server.Address == "" {
		errs = append(errs, "server.address is required")
	}
	if c.Server.DialTimeout <= 0 {
		errs = append(errs, "server.dial_timeout must be positive")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the private key material
// redacted. Safe to log or display to users.
func (c *ServerConfig) Redacted() *ServerConfig {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &ServerConfig{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Keys.PrivateKeyPEM != "" {
		redacted.Keys.PrivateKeyPEM = redactedValue
	}

	return redacted
}

// String returns a string representation of the config, with sensitive
// values redacted. Use StringUnsafe for full output.
func (c *ServerConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive
// values. Use with caution: do not log the output.
func (c *ServerConfig) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
