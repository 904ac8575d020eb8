// Package bruteforce implements the failed-login guard. Failures are
// tracked in a shared cache as a window that starts at the first failed
// attempt and resets once the window elapses. Successful logins never
// touch the window. The guard is a pure gate: it counts failures and
// rejects past the threshold without knowing which protocol driver
// handles the login.
package bruteforce

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Grunticus03/phpGRC-sub000/pkg/audit"
	"github.com/Grunticus03/phpGRC-sub000/pkg/cache"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
)

// Strategy selects what a lockout is keyed on.
type Strategy string

const (
	// StrategySession keys attempts on a signed cookie issued on first
	// sight, seeded with the client IP.
	StrategySession Strategy = "session"
	// StrategyIP keys attempts on the client IP alone.
	StrategyIP Strategy = "ip"
)

const (
	// DefaultMaxAttempts is how many failed attempts are tolerated per window.
	DefaultMaxAttempts = 5
	// DefaultWindow is the lockout window length.
	DefaultWindow = 900 * time.Second

	// CookieName carries the session lockout identity.
	CookieName = "grc_attempt"
)

// Options configures a Guard.
type Options struct {
	Strategy    Strategy
	MaxAttempts int
	Window      time.Duration
	// CookieSecret signs the session attempt cookie.
	CookieSecret []byte
}

// Decision is the outcome of one guarded attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Cookie is set when a new session attempt cookie must be issued.
	Cookie *http.Cookie
}

type window struct {
	First int64 `json:"first"`
	Count int   `json:"count"`
}

// Guard enforces the login attempt policy over a shared cache so lockouts
// hold across processes.
type Guard struct {
	cache cache.Cache
	audit audit.Logger
	opts  Options

	now func() time.Time
}

// NewGuard builds a guard. Zero option fields take the package defaults.
func NewGuard(c cache.Cache, auditLog audit.Logger, opts Options) *Guard {
	if opts.Strategy == "" {
		opts.Strategy = StrategySession
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Guard{cache: c, audit: auditLog, opts: opts, now: time.Now}
}

// Strategy reports the configured lockout strategy.
func (g *Guard) Strategy() Strategy {
	return g.opts.Strategy
}

// Check decides whether the request's subject may attempt a login. It never
// writes to the window: a locked subject is rejected before the directory or
// identity provider is touched, an unlocked one passes through untouched.
func (g *Guard) Check(ctx context.Context, r *http.Request, clientIP string) (*Decision, error) {
	subject, cookie := g.subject(r, clientIP)

	now := g.now()
	win, ok, err := g.load(ctx, subject)
	if err != nil {
		return nil, err
	}
	if !ok || now.Sub(time.Unix(win.First, 0)) > g.opts.Window {
		return &Decision{Allowed: true, Remaining: g.opts.MaxAttempts, Cookie: cookie}, nil
	}

	if win.Count >= g.opts.MaxAttempts {
		retry := g.opts.Window - now.Sub(time.Unix(win.First, 0))
		if retry < time.Second {
			retry = time.Second
		}
		return &Decision{Allowed: false, RetryAfter: retry, Cookie: cookie}, nil
	}

	return &Decision{
		Allowed:   true,
		Remaining: g.opts.MaxAttempts - win.Count,
		Cookie:    cookie,
	}, nil
}

// RecordFailure counts one failed authentication against the request's
// subject. The window starts at the first failure; reaching the threshold
// emits a single lockout audit event. Successful logins are never recorded.
func (g *Guard) RecordFailure(ctx context.Context, r *http.Request, clientIP string) error {
	subject, _ := g.subject(r, clientIP)

	now := g.now()
	win, ok, err := g.load(ctx, subject)
	if err != nil {
		return err
	}
	if !ok || now.Sub(time.Unix(win.First, 0)) > g.opts.Window {
		win = window{First: now.Unix(), Count: 0}
	}
	win.Count++

	raw, err := json.Marshal(win)
	if err != nil {
		return err
	}
	if err := g.cache.Put(ctx, g.key(subject), string(raw), g.opts.Window); err != nil {
		return err
	}

	if win.Count == g.opts.MaxAttempts {
		audit.Emit(ctx, g.audit, audit.Event{
			Action:   audit.ActionLoginLocked,
			Category: audit.CategorySecurity,
			IP:       clientIP,
			Meta: map[string]interface{}{
				"strategy": string(g.opts.Strategy),
				"attempts": win.Count,
			},
		})
	}
	return nil
}

// LockedError is the taxonomy error for a rejected attempt.
func (g *Guard) LockedError(d *Decision) error {
	return &idp.Error{
		Kind: idp.KindLocked,
		Msg:  fmt.Sprintf("retry after %d seconds", int(d.RetryAfter/time.Second)),
	}
}

// Headers writes the rate limit response headers for a decision.
func (g *Guard) Headers(w http.ResponseWriter, d *Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.opts.MaxAttempts))
	if d.Allowed {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		return
	}
	w.Header().Set("X-RateLimit-Remaining", "0")
	secs := int(d.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(g.now().Add(d.RetryAfter).Unix(), 10))
}

func (g *Guard) load(ctx context.Context, subject string) (window, bool, error) {
	raw, ok, err := g.cache.Get(ctx, g.key(subject))
	if err != nil || !ok {
		return window{}, false, err
	}
	var win window
	if err := json.Unmarshal([]byte(raw), &win); err != nil || win.First == 0 {
		return window{}, false, nil
	}
	return win, true, nil
}

func (g *Guard) key(subject string) string {
	return fmt.Sprintf("bruteforce:%s:%s", g.opts.Strategy, subject)
}

// subject derives the lockout key for the request. Under the session
// strategy a signed cookie pins the subject; a missing or tampered cookie
// gets a fresh cookie seeded with the client IP.
func (g *Guard) subject(r *http.Request, clientIP string) (string, *http.Cookie) {
	if g.opts.Strategy == StrategyIP {
		return clientIP, nil
	}

	if c, err := r.Cookie(CookieName); err == nil {
		if id, ok := g.verifyCookie(c.Value); ok {
			return id, nil
		}
	}

	return clientIP, &http.Cookie{
		Name:     CookieName,
		Value:    g.signCookie(clientIP),
		Path:     "/",
		MaxAge:   int(g.opts.Window / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	}
}

func (g *Guard) signCookie(id string) string {
	mac := hmac.New(sha256.New, g.opts.CookieSecret)
	mac.Write([]byte(id))
	return id + "." + hex.EncodeToString(mac.Sum(nil))
}

func (g *Guard) verifyCookie(value string) (string, bool) {
	for i := len(value) - 1; i >= 0; i-- {
		if value[i] != '.' {
			continue
		}
		id, sig := value[:i], value[i+1:]
		mac := hmac.New(sha256.New, g.opts.CookieSecret)
		mac.Write([]byte(id))
		want := hex.EncodeToString(mac.Sum(nil))
		if id != "" && hmac.Equal([]byte(sig), []byte(want)) {
			return id, true
		}
		return "", false
	}
	return "", false
}
