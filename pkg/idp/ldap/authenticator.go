package ldap

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Grunticus03/phpGRC-sub000/pkg/audit"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
)

// DefaultTimeout bounds one directory round trip when the provider does not
// configure its own.
const DefaultTimeout = 10 * time.Second

// Credentials is one username/password login attempt.
type Credentials struct {
	Username string
	Password string

	ClientIP  string
	UserAgent string
}

// Authenticator verifies directory credentials for a single provider and
// provisions the resulting user.
type Authenticator struct {
	Provider    *idp.Provider
	Client      Client
	Provisioner *idp.Provisioner
	Audit       audit.Logger
}

// NewAuthenticator builds an authenticator for one ldap provider.
func NewAuthenticator(p *idp.Provider, client Client, prov *idp.Provisioner, auditLog audit.Logger) (*Authenticator, error) {
	if p.Driver != idp.DriverLDAP {
		return nil, idp.Configf("provider %q is not an ldap provider", p.Key)
	}
	if err := idp.ValidateConfig(p.Driver, p.Config); err != nil {
		return nil, err
	}
	if client == nil {
		client = NewClient()
	}
	return &Authenticator{Provider: p, Client: client, Provisioner: prov, Audit: auditLog}, nil
}

// Authenticate binds the credentials against the directory and provisions
// the user from the returned entry.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*idp.User, error) {
	user, err := a.authenticate(ctx, creds)
	if err != nil {
		audit.Emit(ctx, a.Audit, audit.Event{
			Action:     audit.ActionLoginFailed,
			Category:   audit.CategoryAuth,
			EntityType: "identity_provider",
			EntityID:   a.Provider.ID,
			IP:         creds.ClientIP,
			UserAgent:  creds.UserAgent,
			Meta:       map[string]interface{}{"provider": a.Provider.Key, "username": creds.Username, "reason": err.Error()},
		})
		return nil, err
	}
	audit.Emit(ctx, a.Audit, audit.Event{
		ActorID:    user.ID,
		Action:     audit.ActionLdapLogin,
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
	if strings.TrimSpace(creds.Username) == "" {
		return nil, idp.Validationf("username", "username is required")
	}
	if creds.Password == "" {
		return nil, idp.Validationf("password", "password is required")
	}

	entry, err := a.Client.Authenticate(ctx, a.config(), creds.Username, creds.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil, idp.Authf("invalid username or password")
		}
		return nil, idp.Upstreamf("directory lookup failed").WithCause(err)
	}

	email := a.resolveEmail(entry)
	if email == "" {
		return nil, idp.Validationf("email", "directory entry has no usable email attribute")
	}
	name := a.resolveName(entry, email)

	jit := idp.JitFromConfig(a.Provider.Config)
	roles := idp.ResolveRoles(jit, func(claim string) []string {
		return entry.Attributes[strings.ToLower(claim)]
	})

	return a.Provisioner.Provision(ctx, email, name, jit, roles)
}

// config materializes the wire settings from the provider config map.
func (a *Authenticator) config() Config {
	p := a.Provider
	timeout := DefaultTimeout
	if raw := p.ConfigString("timeout_seconds"); raw != "" {
		if secs, err := time.ParseDuration(raw + "s"); err == nil && secs > 0 {
			timeout = secs
		}
	}
	port := 0
	if raw := p.ConfigString("port"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			port = n
		}
	}
	return Config{
		Host:         p.ConfigString("host"),
		Port:         port,
		UseSSL:       p.ConfigBool("use_ssl"),
		StartTLS:     p.ConfigBool("start_tls"),
		SkipVerify:   p.ConfigBool("skip_verify"),
		BindDN:       p.ConfigString("bind_dn"),
		BindPassword: p.ConfigString("bind_password"),
		BaseDN:       p.ConfigString("base_dn"),
		UserFilter:   p.ConfigString("user_filter"),
		Timeout:      timeout,
	}
}

func (a *Authenticator) resolveEmail(entry *Entry) string {
	attr := strings.ToLower(a.Provider.EmailAttribute())
	candidates := []string{attr, "mail", "email", "userprincipalname"}
	for _, name := range candidates {
		for _, v := range entry.Attributes[name] {
			if strings.Contains(v, "@") {
				return strings.ToLower(strings.TrimSpace(v))
			}
		}
	}
	return ""
}

func (a *Authenticator) resolveName(entry *Entry, email string) string {
	attr := strings.ToLower(a.Provider.NameAttribute())
	for _, name := range []string{attr, "cn", "displayname"} {
		for _, v := range entry.Attributes[name] {
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	given := first(entry.Attributes["givenname"])
	sn := first(entry.Attributes["sn"])
	if full := strings.TrimSpace(given + " " + sn); full != "" {
		return full
	}
	return email
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
