package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DEFAULT_CONFIG_PATH = "config.yaml"
	DEFAULT_PROTOCOL    = "http"
	DEFAULT_TRANSPORT   = "http"
	PROTOCOL_GRPC       = "grpc"
)

var (
	// ErrMissingField is returned when a required configuration field is empty
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidConfig is returned when the configuration cannot be decoded
	ErrInvalidConfig = errors.New("invalid config")
)

// FieldError names the configuration field that failed validation
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingField, e.Field)
}

func (e *FieldError) Unwrap() error {
	return ErrMissingField
}

// ConfigLoader defines the interface for loading configuration files
type ConfigLoader interface {
	// Load reads and decodes the virtest configuration from a YAML file
	Load(path string) (*Config, error)
}

// Loader handles loading configuration files
type Loader struct{}

// Ensure Loader implements ConfigLoader
var _ ConfigLoader = (*Loader)(nil)

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and decodes the virtest configuration from a YAML file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a virtest configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields every command needs before synthesis starts.
// Services and observability are checked by the stages that consume them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &FieldError{Field: "manifests"}
	}
	if cfg.Manifests.Path == "" {
		return &FieldError{Field: "manifests.path"}
	}
	if cfg.Manifests.Namespace == "" {
		return &FieldError{Field: "manifests.namespace"}
	}
	return nil
}
