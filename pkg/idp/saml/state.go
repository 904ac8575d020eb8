package saml

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Grunticus03/phpGRC-sub000/pkg/cache"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
)

// stateVersion is the current token payload version. Tokens carrying any
// other version are rejected outright.
const stateVersion = 1

const (
	markerPending  = "pending"
	markerConsumed = "consumed"
)

// Key is one HMAC signing key. The first key in the signer's list is the
// primary; later keys are previous keys kept valid through rotation.
type Key struct {
	ID     string
	Secret []byte
}

// StateConfig tunes the signer.
type StateConfig struct {
	TTL                  time.Duration // token lifetime, default 10m
	Skew                 time.Duration // clock tolerance, default 120s
	Issuer               string
	Audience             string
	EnforceClientBinding bool // reject tokens replayed from a different client
}

// StateDescriptor is the federation request state carried in a signed
// RelayState token. It is never persisted server-side beyond the replay marker.
type StateDescriptor struct {
	RequestID    string `json:"request_id"`
	ProviderID   string `json:"provider_id"`
	ProviderKey  string `json:"provider_key"`
	IntendedPath string `json:"intended_path,omitempty"`
	IssuedAt     int64  `json:"issued_at"`
	ClientHash   string `json:"client_hash,omitempty"`
	Issuer       string `json:"issuer"`
	Audience     string `json:"audience"`
	Version      int    `json:"version"`

	// Populated once signed/verified.
	Token        string `json:"-"`
	SignatureKey string `json:"-"`
}

type stateClaims struct {
	ProviderID   string `json:"pvd"`
	ProviderKey  string `json:"pky"`
	IntendedPath string `json:"pth,omitempty"`
	ClientHash   string `json:"cbh,omitempty"`
	Version      int    `json:"ver"`
	jwt.RegisteredClaims
}

// StateSigner issues and validates compact HMAC-signed state tokens with key
// rotation and cache-backed single-use semantics.
type StateSigner struct {
	keys  []Key
	cfg   StateConfig
	cache cache.Cache
	now   func() time.Time
}

// NewStateSigner creates a signer. keys must hold at least the primary key;
// an optional second entry is the previous key accepted through rotation.
func NewStateSigner(keys []Key, cfg StateConfig, c cache.Cache) (*StateSigner, error) {
	if len(keys) == 0 || len(keys[0].Secret) == 0 {
		return nil, idp.Configf("saml state signing key is not configured")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Skew <= 0 {
		cfg.Skew = 120 * time.Second
	}
	return &StateSigner{keys: keys, cfg: cfg, cache: c, now: time.Now}, nil
}

// Issue signs a new state descriptor with the primary key and writes the
// pending replay marker for its request id.
func (s *StateSigner) Issue(ctx context.Context, providerID, providerKey, intendedPath, clientIP, userAgent string) (*StateDescriptor, error) {
	now := s.now().UTC()
	desc := &StateDescriptor{
		RequestID:    "_" + uuid.NewString(),
		ProviderID:   providerID,
		ProviderKey:  providerKey,
		IntendedPath: sanitizeIntendedPath(intendedPath),
		IssuedAt:     now.Unix(),
		Issuer:       s.cfg.Issuer,
		Audience:     s.cfg.Audience,
		Version:      stateVersion,
	}
	if s.cfg.EnforceClientBinding {
		desc.ClientHash = clientHash(s.keys[0].Secret, clientIP, userAgent)
	}

	claims := stateClaims{
		ProviderID:   desc.ProviderID,
		ProviderKey:  desc.ProviderKey,
		IntendedPath: desc.IntendedPath,
		ClientHash:   desc.ClientHash,
		Version:      desc.Version,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       desc.RequestID,
			Issuer:   desc.Issuer,
			Audience: jwt.ClaimStrings{desc.Audience},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.keys[0].ID
	signed, err := token.SignedString(s.keys[0].Secret)
	if err != nil {
		return nil, idp.Internalf("sign state token").WithCause(err)
	}
	desc.Token = signed
	desc.SignatureKey = s.keys[0].ID

	if err := s.cache.Put(ctx, replayKey(desc.RequestID), markerPending, s.cfg.TTL+s.cfg.Skew); err != nil {
		return nil, idp.Upstreamf("failed to record federation request state").WithCause(err)
	}
	return desc, nil
}

// Validate verifies a state token and consumes its replay marker. A second
// call with the same token always fails. Keys are tried in order; the token's
// kid header is never trusted to select one.
func (s *StateSigner) Validate(ctx context.Context, token, clientIP, userAgent string) (*StateDescriptor, error) {
	if token == "" {
		return nil, idp.Authf("missing federation state token")
	}

	var (
		claims      stateClaims
		verifiedKey *Key
	)
	for i := range s.keys {
		key := &s.keys[i]
		c := stateClaims{}
		parsed, err := jwt.ParseWithClaims(token, &c,
			func(*jwt.Token) (interface{}, error) { return key.Secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		)
		if err == nil && parsed.Valid {
			claims = c
			verifiedKey = key
			break
		}
	}
	if verifiedKey == nil {
		return nil, idp.Authf("state token signature verification failed")
	}

	if claims.Version != stateVersion {
		return nil, idp.Authf("state token version mismatch")
	}
	if claims.IssuedAt == nil {
		return nil, idp.Authf("state token missing issue time")
	}

	now := s.now().UTC()
	issued := claims.IssuedAt.Time
	if issued.After(now.Add(s.cfg.Skew)) {
		return nil, idp.Authf("state token issued in the future")
	}
	if issued.Add(s.cfg.TTL + s.cfg.Skew).Before(now) {
		return nil, idp.Authf("state token expired")
	}
	if claims.Issuer != s.cfg.Issuer {
		return nil, idp.Authf("state token issuer mismatch")
	}
	if !containsAudience(claims.Audience, s.cfg.Audience) {
		return nil, idp.Authf("state token audience mismatch")
	}
	if claims.ID == "" {
		return nil, idp.Authf("state token missing request id")
	}

	if s.cfg.EnforceClientBinding {
		// Recompute with the key that actually verified the signature, not the
		// primary: tokens signed pre-rotation bind to the old key.
		expect := clientHash(verifiedKey.Secret, clientIP, userAgent)
		if claims.ClientHash == "" || !hmac.Equal([]byte(expect), []byte(claims.ClientHash)) {
			return nil, idp.Authf("state token client binding mismatch")
		}
	}

	swapped, err := s.cache.CompareAndSwap(ctx, replayKey(claims.ID), markerPending, markerConsumed)
	if err != nil {
		return nil, idp.Upstreamf("failed to check federation request state").WithCause(err)
	}
	if !swapped {
		return nil, idp.Authf("state token already used or unknown")
	}

	return &StateDescriptor{
		RequestID:    claims.ID,
		ProviderID:   claims.ProviderID,
		ProviderKey:  claims.ProviderKey,
		IntendedPath: claims.IntendedPath,
		IssuedAt:     issued.Unix(),
		ClientHash:   claims.ClientHash,
		Issuer:       claims.Issuer,
		Audience:     s.cfg.Audience,
		Version:      claims.Version,
		Token:        token,
		SignatureKey: verifiedKey.ID,
	}, nil
}

func replayKey(requestID string) string {
	return "saml:state:" + requestID
}

func clientHash(secret []byte, ip, ua string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ip + "|" + ua))
	return hex.EncodeToString(mac.Sum(nil))
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// sanitizeIntendedPath keeps only site-relative paths: must start with a
// single slash, so protocol-relative redirects ("//evil.example") are dropped.
func sanitizeIntendedPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return ""
	}
	return p
}
