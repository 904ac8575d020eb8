// Package ldap implements the directory-backed authenticator. The actual
// wire protocol sits behind the Client interface so tests can run without
// a directory server.
package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	ldapv3 "github.com/go-ldap/ldap/v3"
)

// ErrInvalidCredentials reports that the directory rejected the bind for
// this username/password pair.
var ErrInvalidCredentials = errors.New("ldap: invalid credentials")

// Entry is the directory record of an authenticated user.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Config carries one provider's connection settings.
type Config struct {
	Host         string
	Port         int
	UseSSL       bool
	StartTLS     bool
	SkipVerify   bool
	BindDN       string
	BindPassword string
	BaseDN       string
	UserFilter   string
	Attributes   []string
	Timeout      time.Duration
}

// Client authenticates a user against a directory and returns their entry.
type Client interface {
	Authenticate(ctx context.Context, cfg Config, username, password string) (*Entry, error)
}

// DialClient is the production Client backed by go-ldap.
type DialClient struct{}

// NewClient returns the production directory client.
func NewClient() *DialClient {
	return &DialClient{}
}

// Authenticate dials the directory, binds the service account, locates the
// user by filter and verifies their password with a second bind.
func (c *DialClient) Authenticate(ctx context.Context, cfg Config, username, password string) (*Entry, error) {
	conn, err := c.dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("ldap dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	} else if cfg.Timeout > 0 {
		conn.SetTimeout(cfg.Timeout)
	}

	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			return nil, fmt.Errorf("ldap service bind: %w", err)
		}
	}

	filter := cfg.UserFilter
	if filter == "" {
		filter = "(|(uid=%s)(sAMAccountName=%s)(mail=%s))"
	}
	filter = expandFilter(filter, ldapv3.EscapeFilter(username))

	attrs := cfg.Attributes
	if len(attrs) == 0 {
		attrs = []string{"dn", "cn", "mail", "email", "displayName", "givenName", "sn", "memberOf"}
	}

	req := ldapv3.NewSearchRequest(
		cfg.BaseDN,
		ldapv3.ScopeWholeSubtree, ldapv3.NeverDerefAliases,
		2, int(cfg.Timeout/time.Second), false,
		filter, attrs, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("ldap search: %w", err)
	}
	if len(res.Entries) == 0 {
		return nil, ErrInvalidCredentials
	}
	if len(res.Entries) > 1 {
		return nil, fmt.Errorf("ldap search: filter matched %d entries", len(res.Entries))
	}

	entry := res.Entries[0]
	if err := conn.Bind(entry.DN, password); err != nil {
		if ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultInvalidCredentials) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("ldap user bind: %w", err)
	}

	out := &Entry{DN: entry.DN, Attributes: make(map[string][]string, len(entry.Attributes))}
	for _, attr := range entry.Attributes {
		out.Attributes[strings.ToLower(attr.Name)] = attr.Values
	}
	return out, nil
}

func (c *DialClient) dial(cfg Config) (*ldapv3.Conn, error) {
	scheme := "ldap"
	port := cfg.Port
	if cfg.UseSSL {
		scheme = "ldaps"
		if port == 0 {
			port = 636
		}
	} else if port == 0 {
		port = 389
	}

	tlsConf := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipVerify,
	}

	var opts []ldapv3.DialOpt
	if cfg.UseSSL {
		opts = append(opts, ldapv3.DialWithTLSConfig(tlsConf))
	}
	conn, err := ldapv3.DialURL(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port), opts...)
	if err != nil {
		return nil, err
	}

	if !cfg.UseSSL && cfg.StartTLS {
		if err := conn.StartTLS(tlsConf); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return conn, nil
}

// expandFilter substitutes every %s placeholder with the escaped username.
func expandFilter(filter, escaped string) string {
	return strings.ReplaceAll(filter, "%s", escaped)
}
