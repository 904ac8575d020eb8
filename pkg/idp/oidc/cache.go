// Package oidc implements the OpenID Connect authenticator and its
// discovery/JWKS caches. The Entra driver shares this package with an
// issuer derived from the tenant id.
package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Grunticus03/phpGRC-sub000/pkg/cache"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
	"github.com/Grunticus03/phpGRC-sub000/pkg/observability"
)

const (
	// DiscoveryTTL bounds how long a provider's discovery document is served
	// from cache.
	DiscoveryTTL = 3600 * time.Second
	// JWKSTTL bounds how long a provider's signing keys are served from cache.
	JWKSTTL = 900 * time.Second
)

// NewHTTPClient returns the outbound client used for every IdP fetch:
// 5 second connect, 10 second total. No retries; the caller retries the
// whole login.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}

// Discovery is the subset of the openid-configuration document we consume.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`

	// CachedAt distinguishes a cache hit from a fresh fetch.
	CachedAt int64 `json:"_cached_at,omitempty"`
}

// MetadataCache fronts the network fetches for discovery documents and JWKS,
// each cached per provider with their own TTLs. Expiry stampedes are
// tolerated: the cost is one duplicate fetch, not a correctness issue.
type MetadataCache struct {
	cache   cache.Cache
	client  *http.Client
	metrics *observability.Metrics
}

// NewMetadataCache builds a metadata cache over the shared cache capability.
func NewMetadataCache(c cache.Cache, client *http.Client) *MetadataCache {
	if client == nil {
		client = NewHTTPClient()
	}
	return &MetadataCache{cache: c, client: client}
}

// WithMetrics attaches the fetch and cache instruments.
func (m *MetadataCache) WithMetrics(metrics *observability.Metrics) *MetadataCache {
	m.metrics = metrics
	return m
}

func (m *MetadataCache) observeCache(keyType string, hit bool) {
	if m.metrics == nil {
		return
	}
	if hit {
		m.metrics.CacheHitsTotal.WithLabelValues(keyType).Inc()
		return
	}
	m.metrics.CacheMissesTotal.WithLabelValues(keyType).Inc()
}

func (m *MetadataCache) observeFetch(kind string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.MetadataFetchesTotal.WithLabelValues(kind, status).Inc()
	m.metrics.MetadataFetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// Discover returns the provider's openid-configuration, cached for one hour.
func (m *MetadataCache) Discover(ctx context.Context, providerID, issuer string) (*Discovery, error) {
	issuer = strings.TrimRight(strings.TrimSpace(issuer), "/")
	if issuer == "" {
		return nil, idp.Configf("oidc provider has no issuer configured")
	}

	key := "oidc:discovery:" + providerID
	if raw, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		var doc Discovery
		if json.Unmarshal([]byte(raw), &doc) == nil && doc.Issuer != "" {
			m.observeCache("oidc_discovery", true)
			return &doc, nil
		}
	}
	m.observeCache("oidc_discovery", false)

	start := time.Now()
	doc, err := m.fetchDiscovery(ctx, issuer)
	m.observeFetch("discovery", start, err)
	if err != nil {
		return nil, err
	}
	doc.CachedAt = time.Now().Unix()
	if raw, err := json.Marshal(doc); err == nil {
		_ = m.cache.Put(ctx, key, string(raw), DiscoveryTTL)
	}
	return doc, nil
}

// SigningKeys returns the provider's JWKS keyed by kid, cached for 15
// minutes. An empty or malformed key set is a hard failure.
func (m *MetadataCache) SigningKeys(ctx context.Context, providerID, jwksURI string) (map[string]*rsa.PublicKey, error) {
	if jwksURI == "" {
		return nil, idp.Configf("oidc provider discovery document has no jwks_uri")
	}

	key := "oidc:jwks:" + providerID
	if raw, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		if keys, err := parseJWKS([]byte(raw)); err == nil {
			m.observeCache("oidc_jwks", true)
			return keys, nil
		}
		// Corrupt cache entry; fall through to refetch.
		_ = m.cache.Delete(ctx, key)
	}
	m.observeCache("oidc_jwks", false)

	start := time.Now()
	body, err := m.fetch(ctx, jwksURI)
	m.observeFetch("jwks", start, err)
	if err != nil {
		return nil, idp.Upstreamf("failed to fetch signing keys from identity provider").WithCause(err)
	}
	keys, err := parseJWKS(body)
	if err != nil {
		return nil, idp.Configf("identity provider returned an unusable key set: %v", err)
	}
	_ = m.cache.Put(ctx, key, string(body), JWKSTTL)
	return keys, nil
}

func (m *MetadataCache) fetchDiscovery(ctx context.Context, issuer string) (*Discovery, error) {
	body, err := m.fetch(ctx, issuer+"/.well-known/openid-configuration")
	if err != nil {
		return nil, idp.Upstreamf("failed to fetch provider discovery document").WithCause(err)
	}
	var doc Discovery
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, idp.Configf("provider discovery document is not valid JSON")
	}
	if doc.Issuer == "" || doc.JWKSURI == "" {
		return nil, idp.Configf("provider discovery document is missing issuer or jwks_uri")
	}
	return &doc, nil
}

func (m *MetadataCache) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// parseJWKS extracts the RSA signing keys from a JWKS document.
func parseJWKS(raw []byte) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jwks is not valid JSON")
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		pub := &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}
		if pub.E == 0 || pub.N.Sign() == 0 {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks contains no usable RSA signing keys")
	}
	return keys, nil
}
