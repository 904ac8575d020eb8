package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/Grunticus03/phpGRC-sub000/pkg/audit"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
)

// ExpirySkew is how far past exp an id_token is still accepted, covering
// clock drift between us and the provider.
const ExpirySkew = 60 * time.Second

// Credentials carries one OIDC callback. Either IDToken is set directly,
// or Code plus RedirectURI (and optionally CodeVerifier for PKCE) are
// exchanged at the token endpoint first.
type Credentials struct {
	IDToken      string
	Code         string
	RedirectURI  string
	CodeVerifier string
	Nonce        string

	ClientIP  string
	UserAgent string
}

// Authenticator validates OIDC callbacks for a single provider and
// provisions the resulting user.
type Authenticator struct {
	Provider    *idp.Provider
	Metadata    *MetadataCache
	Provisioner *idp.Provisioner
	Audit       audit.Logger

	now func() time.Time
}

// NewAuthenticator builds an authenticator for one oidc or entra provider.
func NewAuthenticator(p *idp.Provider, metadata *MetadataCache, prov *idp.Provisioner, auditLog audit.Logger) (*Authenticator, error) {
	switch p.Driver {
	case idp.DriverOIDC, idp.DriverEntra:
	default:
		return nil, idp.Configf("provider %q is not an oidc provider", p.Key)
	}
	if err := idp.ValidateConfig(p.Driver, p.Config); err != nil {
		return nil, err
	}
	return &Authenticator{
		Provider:    p,
		Metadata:    metadata,
		Provisioner: prov,
		Audit:       auditLog,
		now:         time.Now,
	}, nil
}

// Issuer returns the configured issuer, deriving the Microsoft login URL
// from the tenant id for entra providers.
func (a *Authenticator) Issuer() string {
	if a.Provider.Driver == idp.DriverEntra {
		tenant := strings.TrimSpace(a.Provider.ConfigString("tenant_id"))
		return fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", tenant)
	}
	return strings.TrimRight(strings.TrimSpace(a.Provider.ConfigString("issuer")), "/")
}

// Authenticate validates the callback, verifies the id_token and provisions
// the user. Failures audit auth.oidc.login.failed; successes auth.oidc.login.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*idp.User, error) {
	user, err := a.authenticate(ctx, creds)
	if err != nil {
		audit.Emit(ctx, a.Audit, audit.Event{
			Action:     audit.ActionOidcLoginFailed,
			Category:   audit.CategoryAuth,
			EntityType: "identity_provider",
			EntityID:   a.Provider.ID,
			IP:         creds.ClientIP,
			UserAgent:  creds.UserAgent,
			Meta:       map[string]interface{}{"provider": a.Provider.Key, "reason": err.Error()},
		})
		return nil, err
	}
	audit.Emit(ctx, a.Audit, audit.Event{
		ActorID:    user.ID,
		Action:     audit.ActionOidcLogin,
		Category:   audit.CategoryAuth,
		EntityType: "user",
		EntityID:   user.ID,
		IP:         creds.ClientIP,
		UserAgent:  creds.UserAgent,
		Meta:       map[string]interface{}{"provider": a.Provider.Key},
	})
	return user, nil
}

func (a *Authenticator) authenticate(ctx context.Context, creds Credentials) (*idp.User, error) {
	if !a.Provider.Enabled {
		return nil, idp.Authf("provider is disabled")
	}

	discovery, err := a.Metadata.Discover(ctx, a.Provider.ID, a.Issuer())
	if err != nil {
		return nil, err
	}

	rawToken := creds.IDToken
	if rawToken == "" {
		if creds.Code == "" {
			return nil, idp.Validationf("code", "either an id_token or an authorization code is required")
		}
		rawToken, err = a.exchangeCode(ctx, discovery, creds)
		if err != nil {
			return nil, err
		}
	}

	claims, err := a.verifyIDToken(ctx, discovery, rawToken, creds.Nonce)
	if err != nil {
		return nil, err
	}

	email := resolveEmail(claims)
	if email == "" {
		return nil, idp.Validationf("email", "id_token contains no usable email claim")
	}
	name := resolveName(claims, email)

	jit := idp.JitFromConfig(a.Provider.Config)
	roles := idp.ResolveRoles(jit, func(claim string) []string {
		return claimValues(claims, claim)
	})

	return a.Provisioner.Provision(ctx, email, name, jit, roles)
}

// exchangeCode redeems an authorization code at the token endpoint and
// returns the id_token from the response.
func (a *Authenticator) exchangeCode(ctx context.Context, discovery *Discovery, creds Credentials) (string, error) {
	if creds.RedirectURI == "" {
		return "", idp.Validationf("redirect_uri", "redirect_uri is required when exchanging a code")
	}

	conf := &oauth2.Config{
		ClientID:     a.Provider.ConfigString("client_id"),
		ClientSecret: a.Provider.ConfigString("client_secret"),
		RedirectURL:  creds.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  discovery.AuthorizationEndpoint,
			TokenURL: discovery.TokenEndpoint,
		},
	}

	// Route the exchange through the bounded client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.Metadata.client)

	var opts []oauth2.AuthCodeOption
	if creds.CodeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", creds.CodeVerifier))
	}
	token, err := conf.Exchange(ctx, creds.Code, opts...)
	if err != nil {
		return "", idp.Authf("authorization code exchange failed").WithCause(err)
	}
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", idp.Authf("token endpoint response contained no id_token")
	}
	return raw, nil
}

// verifyIDToken checks the token signature against the provider's JWKS and
// enforces issuer, audience, expiry and nonce.
func (a *Authenticator) verifyIDToken(ctx context.Context, discovery *Discovery, raw, nonce string) (jwt.MapClaims, error) {
	keys, err := a.Metadata.SigningKeys(ctx, a.Provider.ID, discovery.JWKSURI)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if key, ok := keys[kid]; ok {
			return key, nil
		}
		// kid miss with a single-key set: try the lone key rather than
		// failing on providers that omit kid.
		if len(keys) == 1 {
			for _, key := range keys {
				return key, nil
			}
		}
		return nil, fmt.Errorf("no signing key matches kid %q", kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !token.Valid {
		return nil, idp.Authf("id_token signature verification failed").WithCause(err)
	}

	now := a.now()

	iss, _ := claims["iss"].(string)
	if iss != a.Issuer() {
		return nil, idp.Authf("id_token issuer mismatch")
	}

	if !audienceContains(claims["aud"], a.Provider.ConfigString("client_id")) {
		return nil, idp.Authf("id_token audience does not include this client")
	}

	// exp is optional: the gate applies only when the claim is present.
	if raw, present := claims["exp"]; present {
		exp, ok := numericClaim(raw)
		if !ok {
			return nil, idp.Authf("id_token expiry is malformed")
		}
		if time.Unix(exp, 0).Before(now.Add(-ExpirySkew)) {
			return nil, idp.Authf("id_token is expired")
		}
	}

	if nonce != "" {
		got, _ := claims["nonce"].(string)
		if got != nonce {
			return nil, idp.Authf("id_token nonce mismatch")
		}
	}

	return claims, nil
}

// audienceContains matches aud as either a single string or an array.
func audienceContains(aud interface{}, clientID string) bool {
	switch v := aud.(type) {
	case string:
		return v == clientID
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == clientID {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == clientID {
				return true
			}
		}
	}
	return false
}

func numericClaim(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// resolveEmail prefers email, then preferred_username when it looks like
// an address.
func resolveEmail(claims jwt.MapClaims) string {
	if email, _ := claims["email"].(string); strings.Contains(email, "@") {
		return strings.ToLower(strings.TrimSpace(email))
	}
	if upn, _ := claims["preferred_username"].(string); strings.Contains(upn, "@") {
		return strings.ToLower(strings.TrimSpace(upn))
	}
	return ""
}

// resolveName falls back name, given_name+family_name, then the email.
func resolveName(claims jwt.MapClaims, email string) string {
	if name, _ := claims["name"].(string); strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	given, _ := claims["given_name"].(string)
	family, _ := claims["family_name"].(string)
	full := strings.TrimSpace(strings.TrimSpace(given) + " " + strings.TrimSpace(family))
	if full != "" {
		return full
	}
	return email
}

// claimValues flattens a claim into the string list form the JIT role
// templates match against.
func claimValues(claims jwt.MapClaims, name string) []string {
	v, ok := claims[name]
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	case bool:
		return []string{fmt.Sprintf("%t", val)}
	case float64:
		return []string{strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", val), "0"), ".")}
	}
	return nil
}
