package saml

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/Grunticus03/phpGRC-sub000/pkg/cache"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
	"github.com/Grunticus03/phpGRC-sub000/pkg/observability"
)

// IdPMetadataTTL bounds how long a parsed IdP EntityDescriptor is served
// from cache.
const IdPMetadataTTL = 3600 * time.Second

// IdPMetadata is the subset of an IdP EntityDescriptor the SP consumes.
type IdPMetadata struct {
	EntityID       string   `json:"entity_id"`
	SSORedirectURL string   `json:"sso_redirect_url,omitempty"`
	SSOPostURL     string   `json:"sso_post_url,omitempty"`
	SLOURL         string   `json:"slo_url,omitempty"`
	// Certificates holds the signing certificates as base64 DER. Multiple
	// entries cover IdP key rollover.
	Certificates []string `json:"certificates"`

	// CachedAt distinguishes a cache hit from a fresh fetch.
	CachedAt int64 `json:"_cached_at,omitempty"`
}

// SSOURL returns the preferred single sign-on endpoint, redirect binding
// first.
func (md *IdPMetadata) SSOURL() string {
	if md.SSORedirectURL != "" {
		return md.SSORedirectURL
	}
	return md.SSOPostURL
}

// IdPMetadataCache fronts the network fetch of IdP metadata documents,
// cached per provider. Expiry stampedes are tolerated: the cost is one
// duplicate fetch, not a correctness issue.
type IdPMetadataCache struct {
	cache   cache.Cache
	client  *http.Client
	metrics *observability.Metrics
}

// NewIdPMetadataCache builds a metadata cache over the shared cache
// capability. A nil client falls back to a 10 second default.
func NewIdPMetadataCache(c cache.Cache, client *http.Client) *IdPMetadataCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &IdPMetadataCache{cache: c, client: client}
}

// WithMetrics attaches the fetch and cache instruments.
func (m *IdPMetadataCache) WithMetrics(metrics *observability.Metrics) *IdPMetadataCache {
	m.metrics = metrics
	return m
}

// Resolve returns the provider's parsed IdP metadata, cached for one hour.
func (m *IdPMetadataCache) Resolve(ctx context.Context, providerID, metadataURL string) (*IdPMetadata, error) {
	if metadataURL == "" {
		return nil, idp.Configf("saml provider has no metadata_url configured")
	}

	key := "saml:metadata:" + providerID
	if raw, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		var md IdPMetadata
		if json.Unmarshal([]byte(raw), &md) == nil && len(md.Certificates) > 0 {
			m.observeCache(true)
			return &md, nil
		}
	}
	m.observeCache(false)

	start := time.Now()
	body, err := m.fetch(ctx, metadataURL)
	m.observeFetch(start, err)
	if err != nil {
		return nil, idp.Upstreamf("failed to fetch identity provider metadata").WithCause(err)
	}
	md, err := ParseIdPMetadata(body)
	if err != nil {
		return nil, idp.Configf("identity provider metadata is unusable: %v", err)
	}
	md.CachedAt = time.Now().Unix()
	if raw, err := json.Marshal(md); err == nil {
		_ = m.cache.Put(ctx, key, string(raw), IdPMetadataTTL)
	}
	return md, nil
}

func (m *IdPMetadataCache) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/samlmetadata+xml, application/xml, text/xml")

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

func (m *IdPMetadataCache) observeCache(hit bool) {
	if m.metrics == nil {
		return
	}
	if hit {
		m.metrics.CacheHitsTotal.WithLabelValues("saml_metadata").Inc()
		return
	}
	m.metrics.CacheMissesTotal.WithLabelValues("saml_metadata").Inc()
}

func (m *IdPMetadataCache) observeFetch(start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.MetadataFetchesTotal.WithLabelValues("saml_metadata", status).Inc()
	m.metrics.MetadataFetchDuration.WithLabelValues("saml_metadata").Observe(time.Since(start).Seconds())
}

// ParseIdPMetadata extracts the signing certificates and endpoints from an
// IdP EntityDescriptor. An EntitiesDescriptor wrapper is unwrapped to its
// first entity.
func ParseIdPMetadata(raw []byte) (*IdPMetadata, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("metadata is not valid XML")
	}

	entity := doc.Root()
	if entity == nil {
		return nil, fmt.Errorf("metadata has no root element")
	}
	if entity.Tag == "EntitiesDescriptor" {
		entity = entity.FindElement("./EntityDescriptor")
		if entity == nil {
			return nil, fmt.Errorf("metadata contains no EntityDescriptor")
		}
	}
	if entity.Tag != "EntityDescriptor" {
		return nil, fmt.Errorf("metadata root is %s, not EntityDescriptor", entity.Tag)
	}

	idpDesc := entity.FindElement("./IDPSSODescriptor")
	if idpDesc == nil {
		return nil, fmt.Errorf("metadata has no IDPSSODescriptor")
	}

	md := &IdPMetadata{EntityID: entity.SelectAttrValue("entityID", "")}

	for _, kd := range idpDesc.FindElements("./KeyDescriptor") {
		// Descriptors without a use attribute cover both signing and
		// encryption.
		if use := kd.SelectAttrValue("use", ""); use != "" && use != "signing" {
			continue
		}
		for _, certEl := range kd.FindElements(".//X509Certificate") {
			cert := compactBase64(certEl.Text())
			if cert != "" {
				md.Certificates = append(md.Certificates, cert)
			}
		}
	}
	if len(md.Certificates) == 0 {
		return nil, fmt.Errorf("metadata contains no signing certificate")
	}

	for _, sso := range idpDesc.FindElements("./SingleSignOnService") {
		location := sso.SelectAttrValue("Location", "")
		switch sso.SelectAttrValue("Binding", "") {
		case bindingHTTPRedirect:
			if md.SSORedirectURL == "" {
				md.SSORedirectURL = location
			}
		case bindingHTTPPost:
			if md.SSOPostURL == "" {
				md.SSOPostURL = location
			}
		}
	}
	if md.SSOURL() == "" {
		return nil, fmt.Errorf("metadata has no usable SingleSignOnService binding")
	}

	for _, slo := range idpDesc.FindElements("./SingleLogoutService") {
		if slo.SelectAttrValue("Binding", "") == bindingHTTPRedirect {
			md.SLOURL = slo.SelectAttrValue("Location", "")
			break
		}
	}

	return md, nil
}

func compactBase64(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
}
