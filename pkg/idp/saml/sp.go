// Package saml implements the service-provider side of SAML 2.0 web SSO:
// outbound AuthnRequest and metadata construction, signed replay-protected
// RelayState tokens, and inbound response validation.
package saml

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
)

const (
	nsProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	nsAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	nsMetadata  = "urn:oasis:names:tc:SAML:2.0:metadata"

	bindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	bindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"

	nameIDFormatEmail = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"

	sigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"

	// samlInstantFormat is the UTC timestamp layout used in IssueInstant and
	// validity attributes.
	samlInstantFormat = "2006-01-02T15:04:05Z"
)

// ServiceProvider holds the SP-side identity for one configured IdP.
type ServiceProvider struct {
	EntityID    string // SP entity id (audience the IdP must address)
	ACSURL      string // assertion consumer service URL
	MetadataURL string

	IdPSSOURL   string // IdP single sign-on endpoint
	IdPIssuer   string
	IdPSLOURL   string
	NameIDFmt   string
	certStore   dsig.X509CertificateStore
	signingKey  *rsa.PrivateKey
	signingCert []byte // DER
	clock       *dsig.Clock
}

// SPOptions are the caller-supplied knobs for building a ServiceProvider.
type SPOptions struct {
	EntityID    string
	ACSURL      string
	MetadataURL string
	SSOURL      string
	IdPIssuer   string
	SLOURL      string
	NameIDFmt   string

	// Certificate is the IdP signing certificate, PEM or raw base64 DER.
	Certificate string
	// ExtraCertificates are additional trusted signing certificates, used
	// across IdP key rollover.
	ExtraCertificates []string

	// SPPrivateKey/SPCertificate optionally enable request signing. PEM.
	SPPrivateKey  string
	SPCertificate string
}

// NewServiceProvider parses the provider certificate material into a ready SP.
func NewServiceProvider(opts SPOptions) (*ServiceProvider, error) {
	if opts.EntityID == "" || opts.ACSURL == "" {
		return nil, idp.Configf("saml service provider entity_id and acs_url are required")
	}
	cert, err := parseCertificate(opts.Certificate)
	if err != nil {
		return nil, idp.Configf("invalid identity provider certificate: %v", err)
	}
	roots := []*x509.Certificate{cert}
	for _, raw := range opts.ExtraCertificates {
		extra, err := parseCertificate(raw)
		if err != nil {
			return nil, idp.Configf("invalid identity provider certificate: %v", err)
		}
		roots = append(roots, extra)
	}

	sp := &ServiceProvider{
		EntityID:    opts.EntityID,
		ACSURL:      opts.ACSURL,
		MetadataURL: opts.MetadataURL,
		IdPSSOURL:   opts.SSOURL,
		IdPIssuer:   opts.IdPIssuer,
		IdPSLOURL:   opts.SLOURL,
		NameIDFmt:   opts.NameIDFmt,
		certStore:   &dsig.MemoryX509CertificateStore{Roots: roots},
	}
	if sp.NameIDFmt == "" {
		sp.NameIDFmt = nameIDFormatEmail
	}

	if opts.SPPrivateKey != "" {
		key, err := parsePrivateKey(opts.SPPrivateKey)
		if err != nil {
			return nil, idp.Configf("invalid service provider private key: %v", err)
		}
		sp.signingKey = key
		if opts.SPCertificate != "" {
			spCert, err := parseCertificate(opts.SPCertificate)
			if err != nil {
				return nil, idp.Configf("invalid service provider certificate: %v", err)
			}
			sp.signingCert = spCert.Raw
		}
	}
	return sp, nil
}

// SPFromProvider derives a ServiceProvider from a registry row plus the
// deployment base URL. The row must carry a hand-pasted certificate; use
// ResolveServiceProvider when the provider points at an IdP metadata URL.
func SPFromProvider(p *idp.Provider, baseURL string) (*ServiceProvider, error) {
	return ResolveServiceProvider(context.Background(), p, baseURL, nil)
}

// ResolveServiceProvider derives a ServiceProvider from a registry row,
// filling certificate and endpoint gaps from the IdP metadata document when
// the provider is configured with metadata_url. Inline config wins over
// fetched metadata.
func ResolveServiceProvider(ctx context.Context, p *idp.Provider, baseURL string, md *IdPMetadataCache) (*ServiceProvider, error) {
	if p.Driver != idp.DriverSAML {
		return nil, idp.Internalf("provider %s is not a saml provider", p.Key)
	}
	base := strings.TrimRight(baseURL, "/")
	opts := SPOptions{
		EntityID:      p.ConfigStringDefault("sp_entity_id", base+"/auth/saml/"+p.Key+"/metadata"),
		ACSURL:        base + "/auth/saml/" + p.Key + "/acs",
		MetadataURL:   base + "/auth/saml/" + p.Key + "/metadata",
		SSOURL:        p.ConfigString("sso_url"),
		IdPIssuer:     p.ConfigString("idp_entity_id"),
		SLOURL:        p.ConfigString("slo_url"),
		NameIDFmt:     p.ConfigString("name_id_format"),
		Certificate:   p.ConfigString("certificate"),
		SPPrivateKey:  p.ConfigString("sp_private_key"),
		SPCertificate: p.ConfigString("sp_certificate"),
	}

	if metadataURL := p.ConfigString("metadata_url"); metadataURL != "" && md != nil {
		fetched, err := md.Resolve(ctx, p.ID, metadataURL)
		if err != nil {
			return nil, err
		}
		if opts.Certificate == "" && len(fetched.Certificates) > 0 {
			opts.Certificate = fetched.Certificates[0]
			opts.ExtraCertificates = fetched.Certificates[1:]
		}
		if opts.SSOURL == "" {
			opts.SSOURL = fetched.SSOURL()
		}
		if opts.IdPIssuer == "" {
			opts.IdPIssuer = fetched.EntityID
		}
		if opts.SLOURL == "" {
			opts.SLOURL = fetched.SLOURL
		}
	}
	return NewServiceProvider(opts)
}

// CanSignRequests reports whether an SP signing key is configured.
func (sp *ServiceProvider) CanSignRequests() bool {
	return sp.signingKey != nil
}

// BuildAuthnRequest constructs the AuthnRequest document for the given
// request id. The binding requested of the IdP is HTTP-POST back to the ACS.
func (sp *ServiceProvider) BuildAuthnRequest(requestID string, isPassive bool) *etree.Document {
	doc := etree.NewDocument()
	root := doc.CreateElement("samlp:AuthnRequest")
	root.CreateAttr("xmlns:samlp", nsProtocol)
	root.CreateAttr("xmlns:saml", nsAssertion)
	root.CreateAttr("ID", requestID)
	root.CreateAttr("Version", "2.0")
	root.CreateAttr("IssueInstant", sp.nowUTC().Format(samlInstantFormat))
	root.CreateAttr("Destination", sp.IdPSSOURL)
	root.CreateAttr("ProtocolBinding", bindingHTTPPost)
	root.CreateAttr("AssertionConsumerServiceURL", sp.ACSURL)
	if isPassive {
		root.CreateAttr("IsPassive", "true")
	}

	issuer := root.CreateElement("saml:Issuer")
	issuer.SetText(sp.EntityID)

	nameIDPolicy := root.CreateElement("samlp:NameIDPolicy")
	nameIDPolicy.CreateAttr("Format", sp.NameIDFmt)
	nameIDPolicy.CreateAttr("AllowCreate", "true")

	return doc
}

// RedirectURL encodes the request for the HTTP-Redirect binding: deflate,
// base64, then query parameters, optionally signed with RSA-SHA256 over
// SAMLRequest&RelayState&SigAlg in that exact order.
func (sp *ServiceProvider) RedirectURL(doc *etree.Document, relayState string) (string, error) {
	if sp.IdPSSOURL == "" {
		return "", idp.Configf("saml provider has no sso_url configured")
	}

	xmlBytes, err := doc.WriteToBytes()
	if err != nil {
		return "", idp.Internalf("serialize authn request").WithCause(err)
	}

	var deflated bytes.Buffer
	writer, err := flate.NewWriter(&deflated, flate.DefaultCompression)
	if err != nil {
		return "", idp.Internalf("compress authn request").WithCause(err)
	}
	if _, err := writer.Write(xmlBytes); err != nil {
		return "", idp.Internalf("compress authn request").WithCause(err)
	}
	if err := writer.Close(); err != nil {
		return "", idp.Internalf("compress authn request").WithCause(err)
	}

	encoded := base64.StdEncoding.EncodeToString(deflated.Bytes())

	query := url.Values{}
	query.Set("SAMLRequest", encoded)
	if relayState != "" {
		query.Set("RelayState", relayState)
	}

	if sp.signingKey != nil {
		// Signature covers the encoded query string in parameter order.
		query.Set("SigAlg", sigAlgRSASHA256)
		signed := "SAMLRequest=" + url.QueryEscape(encoded)
		if relayState != "" {
			signed += "&RelayState=" + url.QueryEscape(relayState)
		}
		signed += "&SigAlg=" + url.QueryEscape(sigAlgRSASHA256)

		digest := sha256.Sum256([]byte(signed))
		sig, err := rsa.SignPKCS1v15(rand.Reader, sp.signingKey, crypto.SHA256, digest[:])
		if err != nil {
			return "", idp.Internalf("sign redirect query").WithCause(err)
		}
		// Rebuild in signing order so the IdP verifies the same byte string.
		return sp.IdPSSOURL + "?" + signed + "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig)), nil
	}

	sep := "?"
	if strings.Contains(sp.IdPSSOURL, "?") {
		sep = "&"
	}
	return sp.IdPSSOURL + sep + query.Encode(), nil
}

// PostForm renders the HTTP-POST binding autosubmit page.
func (sp *ServiceProvider) PostForm(doc *etree.Document, relayState string) ([]byte, error) {
	if sp.IdPSSOURL == "" {
		return nil, idp.Configf("saml provider has no sso_url configured")
	}
	xmlBytes, err := doc.WriteToBytes()
	if err != nil {
		return nil, idp.Internalf("serialize authn request").WithCause(err)
	}
	encoded := base64.StdEncoding.EncodeToString(xmlBytes)

	var b bytes.Buffer
	fmt.Fprintf(&b, `<!DOCTYPE html><html><body onload="document.forms[0].submit()">`)
	fmt.Fprintf(&b, `<form method="post" action="%s">`, html.EscapeString(sp.IdPSSOURL))
	fmt.Fprintf(&b, `<input type="hidden" name="SAMLRequest" value="%s"/>`, html.EscapeString(encoded))
	if relayState != "" {
		fmt.Fprintf(&b, `<input type="hidden" name="RelayState" value="%s"/>`, html.EscapeString(relayState))
	}
	fmt.Fprintf(&b, `<noscript><input type="submit" value="Continue"/></noscript></form></body></html>`)
	return b.Bytes(), nil
}

// Metadata renders the SP EntityDescriptor served to IdP administrators.
func (sp *ServiceProvider) Metadata() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", nsMetadata)
	entity.CreateAttr("entityID", sp.EntityID)

	descriptor := entity.CreateElement("md:SPSSODescriptor")
	descriptor.CreateAttr("protocolSupportEnumeration", nsProtocol)
	descriptor.CreateAttr("AuthnRequestsSigned", boolAttr(sp.signingKey != nil))
	descriptor.CreateAttr("WantAssertionsSigned", "true")

	if len(sp.signingCert) > 0 {
		keyDescriptor := descriptor.CreateElement("md:KeyDescriptor")
		keyDescriptor.CreateAttr("use", "signing")
		keyInfo := keyDescriptor.CreateElement("ds:KeyInfo")
		keyInfo.CreateAttr("xmlns:ds", "http://www.w3.org/2000/09/xmldsig#")
		x509Data := keyInfo.CreateElement("ds:X509Data")
		x509Cert := x509Data.CreateElement("ds:X509Certificate")
		x509Cert.SetText(base64.StdEncoding.EncodeToString(sp.signingCert))
	}

	nameID := descriptor.CreateElement("md:NameIDFormat")
	nameID.SetText(sp.NameIDFmt)

	acs := descriptor.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", bindingHTTPPost)
	acs.CreateAttr("Location", sp.ACSURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	doc.Indent(2)
	return doc.WriteToBytes()
}

func (sp *ServiceProvider) nowUTC() time.Time {
	if sp.clock != nil {
		return sp.clock.Now().UTC()
	}
	return time.Now().UTC()
}

func boolAttr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// parseCertificate accepts PEM or bare base64 DER, the two shapes admins
// paste into provider config.
func parseCertificate(raw string) (*x509.Certificate, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("certificate is empty")
	}
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}
	// Bare base64, possibly with whitespace/newlines.
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, raw)
	der, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("certificate is neither PEM nor base64 DER")
	}
	return x509.ParseCertificate(der)
}

func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(raw)))
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}
