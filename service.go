// Package scimcore exposes a transport binding for the scim protocol
// library: a host registers schema definitions and resource types,
// then serves them over HTTP.
package scimcore

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/marcelom97/scimcore/auth"
	"github.com/marcelom97/scimcore/config"
	"github.com/marcelom97/scimcore/scim"
)

// Service wires configuration, the HTTP server, and the middleware
// chain together.
type Service struct {
	config  *config.Config
	server  *Server
	handler http.Handler
	logger  *slog.Logger
}

// New creates a new Service instance
func New(cfg *config.Config) *Service {
	return &Service{
		config: cfg,
		logger: discardLogger(),
	}
}

// NewWithDefaults creates a new Service with default valid configuration
func NewWithDefaults() *Service {
	return New(config.DefaultConfig())
}

// SetLogger sets the optional logger for the service.
// Pass nil to disable logging (default behavior).
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger == nil {
		s.logger = discardLogger()
	} else {
		s.logger = logger
	}
}

// Initialize validates the configuration, applies the service provider
// feature flags, and builds the HTTP handler over the registered
// resource types. Registration must have happened before this call.
func (s *Service) Initialize() error {
	if err := s.config.Validate(); err != nil {
		s.logger.Error("configuration validation failed", "error", err)
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(scim.RegisteredResourceTypes()) == 0 {
		err := fmt.Errorf("no resource types registered: register at least one via scim.RegisterResourceType() before initialization")
		s.logger.Error("resource type validation failed", "error", err)
		return err
	}
	if s.config.ServiceProvider != nil {
		if err := scim.SetServiceConfig(s.config.ServiceProvider); err != nil {
			return fmt.Errorf("invalid service provider configuration: %w", err)
		}
	}

	s.logger.Info("initializing SCIM service",
		"base_url", s.config.Server.BaseURL,
		"port", s.config.Server.Port,
		"tls_enabled", s.config.Server.TLS != nil && s.config.Server.TLS.Enabled,
	)

	s.server = NewServerWithLogger(s.config.Server.BaseURL, s.logger)

	var handler http.Handler = s.server
	handler = LoggingMiddleware(s.logger)(handler)
	if authenticator := s.authenticator(); authenticator != nil {
		handler = AuthMiddleware(authenticator)(handler)
	}
	s.handler = handler

	typeNames := make([]string, 0)
	for _, rt := range scim.RegisteredResourceTypes() {
		typeNames = append(typeNames, rt.Name)
	}
	s.logger.Info("service initialized successfully",
		"resource_types", typeNames,
		"resource_type_count", len(typeNames),
	)
	return nil
}

// authenticator builds the configured authenticator, or nil when
// authentication is disabled.
func (s *Service) authenticator() auth.Authenticator {
	if s.config.Auth == nil {
		return nil
	}
	switch strings.ToLower(s.config.Auth.Type) {
	case "basic":
		return auth.NewBasicAuthenticator(s.config.Auth.Basic.Username, s.config.Auth.Basic.Password)
	case "bearer":
		return auth.NewBearerAuthenticator(s.config.Auth.Bearer.Token)
	default:
		return nil
	}
}

// Handler returns the HTTP handler for the service.
// Returns an error if the service has not been initialized.
func (s *Service) Handler() (http.Handler, error) {
	if s.handler == nil {
		return nil, fmt.Errorf("service not initialized - call Initialize() first")
	}
	return s.handler, nil
}

// Start starts the HTTP server (blocking)
func (s *Service) Start() error {
	if s.handler == nil {
		if err := s.Initialize(); err != nil {
			s.logger.Error("failed to initialize service", "error", err)
			return err
		}
	}

	if s.config.Server.Port == 0 {
		return fmt.Errorf("port is required for standalone mode - use Handler() for embedded mode")
	}

	addr := fmt.Sprintf(":%d", s.config.Server.Port)

	if s.config.Server.TLS != nil && s.config.Server.TLS.Enabled {
		s.logger.Info("starting SCIM service with TLS",
			"addr", addr,
			"cert_file", s.config.Server.TLS.CertFile,
		)
		err := http.ListenAndServeTLS(
			addr,
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
			s.handler,
		)
		if err != nil {
			s.logger.Error("service stopped", "error", err)
		}
		return err
	}

	s.logger.Info("starting SCIM service", "addr", addr)
	err := http.ListenAndServe(addr, s.handler)
	if err != nil {
		s.logger.Error("service stopped", "error", err)
	}
	return err
}

// Config returns the service configuration
func (s *Service) Config() *config.Config {
	return s.config
}
