package idp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already normalized", "corp-ldap", "corp-ldap"},
		{"uppercase", "Corp-LDAP", "corp-ldap"},
		{"spaces collapse to dash", "corp  ldap", "corp-ldap"},
		{"punctuation collapses", "corp_ldap!!prod", "corp-ldap-prod"},
		{"leading and trailing trimmed", "--corp--", "corp"},
		{"only invalid characters", "!!!", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeKey(tt.input))
		})
	}
}

func TestNormalizeDriver(t *testing.T) {
	tests := []struct {
		input string
		want  Driver
	}{
		{"LDAP", DriverLDAP},
		{" oidc ", DriverOIDC},
		{"Entra", DriverEntra},
		{"saml!", DriverSAML},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDriver(tt.input), "NormalizeDriver(%q)", tt.input)
	}
}

func TestDriverValid(t *testing.T) {
	for _, d := range []Driver{DriverLDAP, DriverOIDC, DriverEntra, DriverSAML} {
		assert.True(t, d.Valid(), "expected driver %q to be valid", d)
	}
	for _, d := range []Driver{"", "kerberos", "LDAP"} {
		assert.False(t, d.Valid(), "expected driver %q to be invalid", d)
	}
}

func TestProviderConfigAccessors(t *testing.T) {
	p := &Provider{
		Driver: DriverLDAP,
		Config: map[string]interface{}{
			"host":       "  ldap.example.com  ",
			"use_ssl":    "true",
			"start_tls":  false,
			"port":       float64(636),
			"skip":       "no",
			"numeric_on": 1,
		},
	}

	assert.Equal(t, "ldap.example.com", p.ConfigString("host"))
	assert.Empty(t, p.ConfigString("missing"))
	assert.Equal(t, "fallback", p.ConfigStringDefault("missing", "fallback"))
	assert.True(t, p.ConfigBool("use_ssl"), "use_ssl string true should be truthy")
	assert.False(t, p.ConfigBool("start_tls"), "start_tls false should be falsy")
	assert.True(t, p.ConfigBool("port"), "nonzero float should be truthy")
	assert.False(t, p.ConfigBool("skip"), "\"no\" should be falsy")
	assert.True(t, p.ConfigBool("numeric_on"), "int 1 should be truthy")
}

func TestAttributeDefaultsPerDriver(t *testing.T) {
	ldap := &Provider{Driver: DriverLDAP, Config: map[string]interface{}{}}
	assert.Equal(t, "mail", ldap.EmailAttribute())
	assert.Equal(t, "cn", ldap.NameAttribute())

	oidc := &Provider{Driver: DriverOIDC, Config: map[string]interface{}{}}
	assert.Equal(t, "email", oidc.EmailAttribute())
	assert.Equal(t, "name", oidc.NameAttribute())

	custom := &Provider{Driver: DriverOIDC, Config: map[string]interface{}{
		"email_attribute": "upn",
		"name_attribute":  "display_name",
	}}
	assert.Equal(t, "upn", custom.EmailAttribute())
	assert.Equal(t, "display_name", custom.NameAttribute())
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		driver    Driver
		cfg       map[string]interface{}
		wantField string
	}{
		{
			name:   "saml complete",
			driver: DriverSAML,
			cfg:    map[string]interface{}{"certificate": "PEM"},
		},
		{
			name:   "saml metadata url only",
			driver: DriverSAML,
			cfg:    map[string]interface{}{"metadata_url": "https://idp.example.com/metadata"},
		},
		{
			name:      "saml missing certificate and metadata url",
			driver:    DriverSAML,
			cfg:       map[string]interface{}{},
			wantField: "config.certificate",
		},
		{
			name:   "oidc complete",
			driver: DriverOIDC,
			cfg: map[string]interface{}{
				"issuer": "https://idp.example.com", "client_id": "app", "client_secret": "s",
			},
		},
		{
			name:      "oidc missing secret",
			driver:    DriverOIDC,
			cfg:       map[string]interface{}{"issuer": "https://idp.example.com", "client_id": "app"},
			wantField: "config.client_secret",
		},
		{
			name:   "entra complete",
			driver: DriverEntra,
			cfg: map[string]interface{}{
				"tenant_id": "tid", "client_id": "app", "client_secret": "s",
			},
		},
		{
			name:      "entra missing tenant",
			driver:    DriverEntra,
			cfg:       map[string]interface{}{"client_id": "app", "client_secret": "s"},
			wantField: "config.tenant_id",
		},
		{
			name:   "ldap complete",
			driver: DriverLDAP,
			cfg:    map[string]interface{}{"host": "ldap.example.com", "base_dn": "dc=example,dc=com"},
		},
		{
			name:      "ldap blank host",
			driver:    DriverLDAP,
			cfg:       map[string]interface{}{"host": "   ", "base_dn": "dc=example,dc=com"},
			wantField: "config.host",
		},
		{
			name:      "unknown driver",
			driver:    Driver("kerberos"),
			cfg:       map[string]interface{}{},
			wantField: "driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.driver, tt.cfg)
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			var fe *Error
			require.True(t, errors.As(err, &fe), "expected *Error, got %v", err)
			assert.Equal(t, KindValidation, fe.Kind)
			assert.Equal(t, tt.wantField, fe.Field)
		})
	}
}
