// Package config holds the host-side configuration of a scimcore
// server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("config validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Config represents the server configuration
type Config struct {
	Server          ServerConfig   `yaml:"server"`
	Auth            *AuthConfig    `yaml:"auth,omitempty"`
	ServiceProvider map[string]any `yaml:"serviceProvider,omitempty"`
}

// ServerConfig represents transport-level configuration
type ServerConfig struct {
	BaseURL string `yaml:"baseURL"`
	Port    int    `yaml:"port"`
	TLS     *TLS   `yaml:"tls,omitempty"`
}

// TLS represents TLS configuration
type TLS struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// AuthConfig represents authentication configuration with type-safe config
type AuthConfig struct {
	Type   string      `yaml:"type"` // basic, bearer, none
	Basic  *BasicAuth  `yaml:"basic,omitempty"`
	Bearer *BearerAuth `yaml:"bearer,omitempty"`
}

// BasicAuth represents basic authentication configuration
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BearerAuth represents bearer token authentication configuration
type BearerAuth struct {
	Token string `yaml:"token"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	var errors ValidationErrors

	if err := c.Server.Validate(); err != nil {
		if verrs, ok := err.(ValidationErrors); ok {
			errors = append(errors, verrs...)
		} else if verr, ok := err.(*ValidationError); ok {
			errors = append(errors, *verr)
		} else {
			errors = append(errors, ValidationError{
				Field:   "server",
				Message: err.Error(),
			})
		}
	}

	if c.Auth != nil {
		if err := c.Auth.Validate("auth"); err != nil {
			if verrs, ok := err.(ValidationErrors); ok {
				errors = append(errors, verrs...)
			} else if verr, ok := err.(*ValidationError); ok {
				errors = append(errors, *verr)
			}
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// Validate validates the server configuration
func (s *ServerConfig) Validate() error {
	var errors ValidationErrors

	if s.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "server.baseURL",
			Message: "baseURL cannot be empty",
		})
	} else {
		parsedURL, err := url.Parse(s.BaseURL)
		if err != nil {
			errors = append(errors, ValidationError{
				Field:   "server.baseURL",
				Message: fmt.Sprintf("invalid URL format: %v", err),
			})
		} else {
			if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
				errors = append(errors, ValidationError{
					Field:   "server.baseURL",
					Message: fmt.Sprintf("invalid URL scheme '%s': must be http or https", parsedURL.Scheme),
				})
			}
			if parsedURL.Host == "" {
				errors = append(errors, ValidationError{
					Field:   "server.baseURL",
					Message: "URL must include a host (e.g., http://localhost:8080)",
				})
			}
		}
	}

	if s.Port < 0 || s.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port %d is out of range: must be between 0 and 65535", s.Port),
		})
	}

	if s.TLS != nil && s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			errors = append(errors, ValidationError{
				Field:   "server.tls.certFile",
				Message: "certFile is required when TLS is enabled",
			})
		}
		if s.TLS.KeyFile == "" {
			errors = append(errors, ValidationError{
				Field:   "server.tls.keyFile",
				Message: "keyFile is required when TLS is enabled",
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// Validate validates the authentication configuration
func (a *AuthConfig) Validate(fieldPrefix string) error {
	var errors ValidationErrors

	validTypes := map[string]bool{
		"basic":  true,
		"bearer": true,
		"none":   true,
		"":       true, // empty is treated as none
	}

	if !validTypes[strings.ToLower(a.Type)] {
		errors = append(errors, ValidationError{
			Field:   fmt.Sprintf("%s.type", fieldPrefix),
			Message: fmt.Sprintf("invalid auth type '%s': must be 'basic', 'bearer', or 'none'", a.Type),
		})
	}

	switch strings.ToLower(a.Type) {
	case "basic":
		if a.Basic == nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.basic", fieldPrefix),
				Message: "basic auth configuration is required when type is 'basic'",
			})
		} else {
			if a.Basic.Username == "" {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s.basic.username", fieldPrefix),
					Message: "username cannot be empty for basic auth",
				})
			}
			if a.Basic.Password == "" {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s.basic.password", fieldPrefix),
					Message: "password cannot be empty for basic auth",
				})
			}
		}
	case "bearer":
		if a.Bearer == nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.bearer", fieldPrefix),
				Message: "bearer auth configuration is required when type is 'bearer'",
			})
		} else if a.Bearer.Token == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.bearer.token", fieldPrefix),
				Message: "token cannot be empty for bearer auth",
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8880",
			Port:    8880,
		},
	}
}
