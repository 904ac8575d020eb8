package idp

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Driver identifies the protocol an identity provider speaks. The set is
// closed: dispatch is a switch, not a plugin lookup.
type Driver string

const (
	DriverLDAP  Driver = "ldap"
	DriverOIDC  Driver = "oidc"
	DriverEntra Driver = "entra"
	DriverSAML  Driver = "saml"
)

// Valid reports whether the driver is one of the supported protocols.
func (d Driver) Valid() bool {
	switch d {
	case DriverLDAP, DriverOIDC, DriverEntra, DriverSAML:
		return true
	}
	return false
}

// Provider is a configured external identity provider.
type Provider struct {
	ID              string                 `json:"id"`
	Key             string                 `json:"key"`
	Name            string                 `json:"name"`
	Driver          Driver                 `json:"driver"`
	Enabled         bool                   `json:"enabled"`
	EvaluationOrder int                    `json:"evaluation_order"`
	Config          map[string]interface{} `json:"config"`
	Meta            map[string]interface{} `json:"meta,omitempty"`
	LastHealthAt    *time.Time             `json:"last_health_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

var (
	keyInvalidChars    = regexp.MustCompile(`[^a-z0-9-]+`)
	driverInvalidChars = regexp.MustCompile(`[^a-z0-9._-]+`)
)

// NormalizeKey lowercases the slug, collapses disallowed runs to a single
// dash, and trims leading/trailing dashes.
func NormalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = keyInvalidChars.ReplaceAllString(k, "-")
	return strings.Trim(k, "-")
}

// NormalizeDriver lowercases the driver name and strips characters outside
// [a-z0-9._-].
func NormalizeDriver(driver string) Driver {
	d := strings.ToLower(strings.TrimSpace(driver))
	return Driver(driverInvalidChars.ReplaceAllString(d, ""))
}

// ConfigString returns a trimmed string value from the provider config map.
func (p *Provider) ConfigString(key string) string {
	return configString(p.Config, key)
}

// ConfigStringDefault returns the config value or def when absent/empty.
func (p *Provider) ConfigStringDefault(key, def string) string {
	if v := p.ConfigString(key); v != "" {
		return v
	}
	return def
}

// ConfigBool interprets common truthy shapes (bool, "true", "1", 1).
func (p *Provider) ConfigBool(key string) bool {
	return configBool(p.Config, key)
}

// EmailAttribute is the claim/attribute used as the user's email.
func (p *Provider) EmailAttribute() string {
	def := "mail"
	if p.Driver == DriverOIDC || p.Driver == DriverEntra {
		def = "email"
	}
	return p.ConfigStringDefault("email_attribute", def)
}

// NameAttribute is the claim/attribute used as the user's display name.
func (p *Provider) NameAttribute() string {
	def := "cn"
	if p.Driver == DriverOIDC || p.Driver == DriverEntra {
		def = "name"
	}
	return p.ConfigStringDefault("name_attribute", def)
}

func configString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	}
	return ""
}

func configBool(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s == "true" || s == "1" || s == "yes" || s == "on"
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

func configStringList(raw interface{}) []string {
	var out []string
	switch v := raw.(type) {
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// ValidateConfig checks the driver-specific required config keys. The config
// map is stored opaque; this is the only shape enforcement.
func ValidateConfig(driver Driver, cfg map[string]interface{}) error {
	required := map[Driver][]string{
		DriverSAML:  nil,
		DriverOIDC:  {"issuer", "client_id", "client_secret"},
		DriverEntra: {"tenant_id", "client_id", "client_secret"},
		DriverLDAP:  {"host", "base_dn"},
	}
	keys, ok := required[driver]
	if !ok {
		return Validationf("driver", "unsupported driver %q", driver)
	}
	for _, k := range keys {
		if configString(cfg, k) == "" {
			return Validationf("config."+k, "%s is required for %s providers", k, driver)
		}
	}
	// SAML providers supply the IdP signing certificate either inline or via
	// a metadata document.
	if driver == DriverSAML && configString(cfg, "certificate") == "" && configString(cfg, "metadata_url") == "" {
		return Validationf("config.certificate", "certificate or metadata_url is required for saml providers")
	}
	return nil
}
