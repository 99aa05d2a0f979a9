package scim

import (
	"fmt"
	"strings"
	"sync"
)

// ServiceProviderConfig represents the SCIM service provider configuration
type ServiceProviderConfig struct {
	DocumentationURI      string                 `json:"documentationUri,omitempty"`
	Patch                 SupportedFeature       `json:"patch"`
	Bulk                  BulkFeature            `json:"bulk"`
	Filter                FilterFeature          `json:"filter"`
	ChangePassword        SupportedFeature       `json:"changePassword"`
	Sort                  SupportedFeature       `json:"sort"`
	Etag                  SupportedFeature       `json:"etag"`
	AuthenticationSchemes []AuthenticationScheme `json:"authenticationSchemes"`
}

// SupportedFeature indicates if a feature is supported
type SupportedFeature struct {
	Supported bool `json:"supported"`
}

// BulkFeature describes bulk operation capabilities
type BulkFeature struct {
	Supported      bool `json:"supported"`
	MaxOperations  int  `json:"maxOperations"`
	MaxPayloadSize int  `json:"maxPayloadSize"`
}

// FilterFeature describes filter capabilities
type FilterFeature struct {
	Supported  bool `json:"supported"`
	MaxResults int  `json:"maxResults"`
}

// AuthenticationScheme describes an authentication scheme
type AuthenticationScheme struct {
	Type             string `json:"type"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	SpecURI          string `json:"specUri,omitempty"`
	DocumentationURI string `json:"documentationUri,omitempty"`
	Primary          bool   `json:"primary,omitempty"`
}

// defaultServiceProviderConfig returns the RFC 7643 Section 5 defaults:
// nothing supported, bulk capped at 1000 operations and 1 MiB, filter
// capped at 200 results.
func defaultServiceProviderConfig() ServiceProviderConfig {
	return ServiceProviderConfig{
		Bulk: BulkFeature{
			MaxOperations:  1000,
			MaxPayloadSize: 1048576,
		},
		Filter: FilterFeature{
			MaxResults: 200,
		},
		AuthenticationSchemes: []AuthenticationScheme{},
	}
}

// configStore guards the process-wide feature flags. Consumers only
// ever see copies.
type configStore struct {
	mu  sync.RWMutex
	cfg ServiceProviderConfig
}

var serviceProviderConfig = &configStore{cfg: defaultServiceProviderConfig()}

// ServiceConfig returns an immutable snapshot of the service provider
// configuration.
func ServiceConfig() ServiceProviderConfig {
	serviceProviderConfig.mu.RLock()
	defer serviceProviderConfig.mu.RUnlock()
	return serviceProviderConfig.cfg.copy()
}

func (c ServiceProviderConfig) copy() ServiceProviderConfig {
	dup := c
	dup.AuthenticationSchemes = make([]AuthenticationScheme, len(c.AuthenticationSchemes))
	copy(dup.AuthenticationSchemes, c.AuthenticationSchemes)
	return dup
}

// ResetServiceConfig restores the defaults. Intended for host start-up
// and tests.
func ResetServiceConfig() {
	serviceProviderConfig.mu.Lock()
	defer serviceProviderConfig.mu.Unlock()
	serviceProviderConfig.cfg = defaultServiceProviderConfig()
}

// SetServiceConfig applies a full-object update from a settings map.
func SetServiceConfig(settings map[string]any) error {
	for name, value := range settings {
		if err := SetServiceConfigValue(name, value); err != nil {
			return err
		}
	}
	return nil
}

// SetServiceConfigValue applies one (name, value) update with the
// shorthand rules: a boolean stands for {supported}, a number sets
// bulk.maxOperations or filter.maxResults, an array appends
// authentication schemes and an empty array resets them.
func SetServiceConfigValue(name string, value any) error {
	serviceProviderConfig.mu.Lock()
	defer serviceProviderConfig.mu.Unlock()
	cfg := &serviceProviderConfig.cfg

	switch strings.ToLower(name) {
	case "documentationuri":
		s, ok := value.(string)
		if !ok {
			return ErrInvalidValue("documentationUri expects a string")
		}
		cfg.DocumentationURI = s
	case "patch":
		return setSupported(&cfg.Patch, name, value)
	case "changepassword":
		return setSupported(&cfg.ChangePassword, name, value)
	case "sort":
		return setSupported(&cfg.Sort, name, value)
	case "etag":
		return setSupported(&cfg.Etag, name, value)
	case "bulk":
		switch v := value.(type) {
		case bool:
			cfg.Bulk.Supported = v
		case map[string]any:
			return applyBulk(&cfg.Bulk, v)
		default:
			if n, ok := toNumber(value); ok {
				cfg.Bulk.MaxOperations = int(n)
				cfg.Bulk.Supported = n > 0
				return nil
			}
			return ErrInvalidValue("bulk expects a boolean, number, or object")
		}
	case "filter":
		switch v := value.(type) {
		case bool:
			cfg.Filter.Supported = v
		case map[string]any:
			return applyFilterFeature(&cfg.Filter, v)
		default:
			if n, ok := toNumber(value); ok {
				cfg.Filter.MaxResults = int(n)
				return nil
			}
			return ErrInvalidValue("filter expects a boolean, number, or object")
		}
	case "authenticationschemes":
		schemes, ok := asSlice(value)
		if !ok {
			if scheme, isOne := value.(AuthenticationScheme); isOne {
				cfg.AuthenticationSchemes = append(cfg.AuthenticationSchemes, scheme)
				return nil
			}
			return ErrInvalidValue("authenticationSchemes expects an array")
		}
		if len(schemes) == 0 {
			cfg.AuthenticationSchemes = []AuthenticationScheme{}
			return nil
		}
		for _, raw := range schemes {
			scheme, err := decodeAuthScheme(raw)
			if err != nil {
				return err
			}
			cfg.AuthenticationSchemes = append(cfg.AuthenticationSchemes, scheme)
		}
	default:
		return ErrInvalidValue(fmt.Sprintf("unknown service provider configuration %q", name))
	}
	return nil
}

func setSupported(feature *SupportedFeature, name string, value any) error {
	switch v := value.(type) {
	case bool:
		feature.Supported = v
	case map[string]any:
		supported, ok := v["supported"].(bool)
		if !ok {
			return ErrInvalidValue(fmt.Sprintf("%s.supported expects a boolean", name))
		}
		feature.Supported = supported
	default:
		return ErrInvalidValue(fmt.Sprintf("%s expects a boolean or {supported}", name))
	}
	return nil
}

func applyBulk(feature *BulkFeature, settings map[string]any) error {
	for key, value := range settings {
		switch strings.ToLower(key) {
		case "supported":
			b, ok := value.(bool)
			if !ok {
				return ErrInvalidValue("bulk.supported expects a boolean")
			}
			feature.Supported = b
		case "maxoperations":
			n, ok := toNumber(value)
			if !ok {
				return ErrInvalidValue("bulk.maxOperations expects a number")
			}
			feature.MaxOperations = int(n)
		case "maxpayloadsize":
			n, ok := toNumber(value)
			if !ok {
				return ErrInvalidValue("bulk.maxPayloadSize expects a number")
			}
			feature.MaxPayloadSize = int(n)
		default:
			return ErrInvalidValue(fmt.Sprintf("unknown bulk setting %q", key))
		}
	}
	return nil
}

func applyFilterFeature(feature *FilterFeature, settings map[string]any) error {
	for key, value := range settings {
		switch strings.ToLower(key) {
		case "supported":
			b, ok := value.(bool)
			if !ok {
				return ErrInvalidValue("filter.supported expects a boolean")
			}
			feature.Supported = b
		case "maxresults":
			n, ok := toNumber(value)
			if !ok {
				return ErrInvalidValue("filter.maxResults expects a number")
			}
			feature.MaxResults = int(n)
		default:
			return ErrInvalidValue(fmt.Sprintf("unknown filter setting %q", key))
		}
	}
	return nil
}

func decodeAuthScheme(raw any) (AuthenticationScheme, error) {
	if scheme, ok := raw.(AuthenticationScheme); ok {
		return scheme, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return AuthenticationScheme{}, ErrInvalidValue("authenticationSchemes entries must be objects")
	}
	scheme := AuthenticationScheme{}
	for key, value := range obj {
		s, isString := value.(string)
		switch strings.ToLower(key) {
		case "type":
			scheme.Type = s
		case "name":
			scheme.Name = s
		case "description":
			scheme.Description = s
		case "specuri":
			scheme.SpecURI = s
		case "documentationuri":
			scheme.DocumentationURI = s
		case "primary":
			b, isBool := value.(bool)
			if !isBool {
				return scheme, ErrInvalidValue("authenticationSchemes primary expects a boolean")
			}
			scheme.Primary = b
			continue
		default:
			return scheme, ErrInvalidValue(fmt.Sprintf("unknown authenticationSchemes field %q", key))
		}
		if !isString && strings.ToLower(key) != "primary" {
			return scheme, ErrInvalidValue(fmt.Sprintf("authenticationSchemes %s expects a string", key))
		}
	}
	if scheme.Type == "" || scheme.Name == "" {
		return scheme, ErrInvalidValue("authenticationSchemes entries require type and name")
	}
	return scheme, nil
}
