package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Spool      SpoolConfig       `yaml:"spool"`
	Ink        InkConfig         `yaml:"ink"`
	TreeStore  TreeStoreConfig   `yaml:"tree_store"`
	Recognizer RecognizerConfig  `yaml:"recognizer"`
	Recon      ReconConfig       `yaml:"recon"`
	Auth       AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Spool.Validate(); err != nil {
		return err
	}
	if err := c.Ink.Validate(); err != nil {
		return err
	}
	if err := c.TreeStore.Validate(); err != nil {
		return err
	}
	if err := c.Recognizer.Validate(); err != nil {
		return err
	}
	if err := c.Recon.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SpoolConfig holds the path of the SQLite stroke spool.
type SpoolConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the spool configuration.
func (c *SpoolConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// InkConfig holds the ink drop-directory configuration.
type InkConfig struct {
	// Dir is watched for *.json batch files. Subdirectories are not
	// watched.
	Dir string `yaml:"dir"`
	// KeepProcessed moves ingested files to processed/ instead of
	// removing them.
	KeepProcessed bool `yaml:"keep_processed"`
	// AutoReconcile schedules a debounced pass after each ingested
	// batch.
	AutoReconcile bool `yaml:"auto_reconcile"`
	DebounceMS    int  `yaml:"debounce_ms"`
}

// Validate validates the ink configuration.
func (c *InkConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.DebounceMS, validation.Min(0)),
	)
}

// Debounce returns the watcher debounce window.
func (c *InkConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// TreeStoreConfig holds the outline tree store endpoint.
type TreeStoreConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Validate validates the tree store configuration.
func (c *TreeStoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
	)
}

// RecognizerConfig holds the handwriting recognition endpoint.
type RecognizerConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Validate validates the recognizer configuration.
func (c *RecognizerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
	)
}

// ReconConfig holds reconciliation tunables.
type ReconConfig struct {
	// Tolerance widens line and anchor bounds during matching, in pen
	// y-units.
	Tolerance float64 `yaml:"tolerance"`
	// ChunkSize caps strokes per persisted data chunk. Zero means the
	// codec default.
	ChunkSize    int `yaml:"chunk_size"`
	ChunkDelayMS int `yaml:"chunk_delay_ms"`
	// MaxConcurrent bounds how many pages a full sweep works at once.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Validate validates the reconciliation configuration.
func (c *ReconConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Tolerance, validation.Min(0.0)),
		validation.Field(&c.ChunkSize, validation.Min(0)),
		validation.Field(&c.ChunkDelayMS, validation.Min(0)),
		validation.Field(&c.MaxConcurrent, validation.Min(0)),
	)
}

// ChunkDelay returns the pause between consecutive chunk writes.
func (c *ReconConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMS) * time.Millisecond
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Spool: SpoolConfig{
			Path: "./ansuz.db",
		},
		Ink: InkConfig{
			Dir:           "./ink",
			KeepProcessed: true,
			AutoReconcile: true,
			DebounceMS:    500,
		},
		TreeStore: TreeStoreConfig{
			BaseURL: "http://127.0.0.1:12315",
		},
		Recognizer: RecognizerConfig{
			BaseURL: "http://127.0.0.1:8100",
		},
		Recon: ReconConfig{
			Tolerance:     5,
			ChunkSize:     200,
			ChunkDelayMS:  50,
			MaxConcurrent: 4,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
