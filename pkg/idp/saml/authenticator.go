package saml

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/Grunticus03/phpGRC-sub000/pkg/audit"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
)

// DefaultClockSkew is the tolerance applied to every SAML validity window.
const DefaultClockSkew = 120 * time.Second

// emailClaimCandidates is the ordered list of claim keys tried when resolving
// the subject's email. First value containing '@' wins.
var emailClaimCandidates = []string{
	"email",
	"mail",
	"emailaddress",
	"user.email",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
	"subject.name_id",
}

// Credentials is the inbound ACS payload.
type Credentials struct {
	SAMLResponse string // base64-encoded Response document
	RequestID    string // expected InResponseTo, from the validated RelayState
	ClientIP     string
	UserAgent    string
}

// Authenticator validates SAML responses for one provider and provisions the
// resulting user.
type Authenticator struct {
	Provider    *idp.Provider
	SP          *ServiceProvider
	Provisioner *idp.Provisioner
	Audit       audit.Logger
	Skew        time.Duration

	now func() time.Time
}

// NewAuthenticator wires a SAML authenticator for the provider.
func NewAuthenticator(provider *idp.Provider, sp *ServiceProvider, provisioner *idp.Provisioner, auditLogger audit.Logger) *Authenticator {
	return &Authenticator{
		Provider:    provider,
		SP:          sp,
		Provisioner: provisioner,
		Audit:       auditLogger,
		Skew:        DefaultClockSkew,
		now:         time.Now,
	}
}

// Authenticate runs the full gate sequence and, on success, JIT-provisions
// the user. Every gate failure aborts with a typed error.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*idp.User, error) {
	claims, err := a.ValidateResponse(creds.SAMLResponse, creds.RequestID)
	if err != nil {
		a.auditFailure(ctx, creds, err)
		return nil, err
	}

	email := claims.ResolveEmail()
	if email == "" {
		err := idp.Authf("saml response did not contain a usable email address")
		a.auditFailure(ctx, creds, err)
		return nil, err
	}

	jit := idp.JitFromConfig(a.Provider.Config)
	roles := idp.ResolveRoles(jit, claims.Get)

	user, err := a.Provisioner.Provision(ctx, email, a.displayName(claims, email), jit, roles)
	if err != nil {
		a.auditFailure(ctx, creds, err)
		return nil, err
	}

	audit.Emit(ctx, a.Audit, audit.Event{
		ActorID:    user.ID,
		Action:     audit.ActionSamlLogin,
		EntityType: "identity_provider",
		EntityID:   a.Provider.ID,
		IP:         creds.ClientIP,
		UserAgent:  creds.UserAgent,
		Meta: map[string]interface{}{
			"provider_key": a.Provider.Key,
			"issuer":       claims.Issuer,
			"subject":      claims.NameID,
		},
	})
	return user, nil
}

// ValidateResponse runs gates 1-6 of the flow: decode, signature, response
// attributes, conditions, subject confirmation, claim extraction. Exposed
// separately so response validation is testable without a user store.
func (a *Authenticator) ValidateResponse(encoded, expectedRequestID string) (*Claims, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, idp.Validationf("SAMLResponse", "SAMLResponse is required")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, idp.Authf("saml response is not valid base64")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, idp.Authf("saml response is not well-formed XML")
	}
	response := doc.Root()
	if response == nil || response.Tag != "Response" {
		return nil, idp.Authf("document is not a saml response")
	}

	assertion, err := a.verifySignature(response)
	if err != nil {
		return nil, err
	}

	if err := a.validateResponseAttributes(response, expectedRequestID); err != nil {
		return nil, err
	}
	if err := a.validateConditions(assertion); err != nil {
		return nil, err
	}
	if err := a.validateSubjectConfirmation(assertion, expectedRequestID); err != nil {
		return nil, err
	}

	return extractClaims(response, assertion), nil
}

// verifySignature accepts a signature on either the Response root or the
// Assertion element, whichever verifies first. The element returned by the
// validator is the authoritative assertion source, which defends against
// signature-wrapping tricks when only the assertion is signed.
func (a *Authenticator) verifySignature(response *etree.Element) (*etree.Element, error) {
	vc := dsig.NewDefaultValidationContext(a.SP.certStore)
	if a.SP.clock != nil {
		vc.Clock = a.SP.clock
	}

	if validated, err := vc.Validate(response); err == nil {
		assertion := validated.FindElement("./Assertion")
		if assertion == nil {
			return nil, idp.Authf("saml response contains no assertion")
		}
		if len(validated.FindElements("./Assertion")) != 1 {
			return nil, idp.Authf("saml response must contain exactly one assertion")
		}
		return assertion, nil
	}

	assertions := response.FindElements("./Assertion")
	if len(assertions) != 1 {
		return nil, idp.Authf("saml response must contain exactly one assertion")
	}
	validated, err := vc.Validate(assertions[0])
	if err != nil {
		return nil, idp.Authf("saml signature verification failed")
	}
	return validated, nil
}

const statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

func (a *Authenticator) validateResponseAttributes(response *etree.Element, expectedRequestID string) error {
	if code := response.FindElement("./Status/StatusCode"); code != nil {
		if v := code.SelectAttrValue("Value", ""); v != "" && v != statusSuccess {
			return idp.Authf("identity provider reported status %s", v)
		}
	}
	if destination := response.SelectAttrValue("Destination", ""); destination != "" {
		if !urlEqual(destination, a.SP.ACSURL) {
			return idp.Authf("saml response destination mismatch")
		}
	}
	if expectedRequestID != "" {
		if inResponseTo := response.SelectAttrValue("InResponseTo", ""); inResponseTo != "" && inResponseTo != expectedRequestID {
			return idp.Authf("saml response does not match the outstanding request")
		}
	}
	return nil
}

func (a *Authenticator) validateConditions(assertion *etree.Element) error {
	conditions := assertion.FindElement("./Conditions")
	if conditions == nil {
		return idp.Authf("saml assertion has no conditions")
	}

	now := a.nowUTC()
	skew := a.skew()

	if nb := conditions.SelectAttrValue("NotBefore", ""); nb != "" {
		t, err := parseSAMLInstant(nb)
		if err != nil {
			return idp.Authf("saml assertion has malformed NotBefore")
		}
		if t.After(now.Add(skew)) {
			return idp.Authf("saml assertion is not yet valid")
		}
	}
	if noa := conditions.SelectAttrValue("NotOnOrAfter", ""); noa != "" {
		t, err := parseSAMLInstant(noa)
		if err != nil {
			return idp.Authf("saml assertion has malformed NotOnOrAfter")
		}
		if !now.Before(t.Add(skew)) {
			return idp.Authf("saml assertion has expired")
		}
	}

	audienceOK := false
	for _, audience := range conditions.FindElements("./AudienceRestriction/Audience") {
		if urlEqual(strings.TrimSpace(audience.Text()), a.SP.EntityID) {
			audienceOK = true
			break
		}
	}
	if !audienceOK {
		return idp.Authf("saml assertion audience does not include this service provider")
	}
	return nil
}

func (a *Authenticator) validateSubjectConfirmation(assertion *etree.Element, expectedRequestID string) error {
	data := assertion.FindElement("./Subject/SubjectConfirmation/SubjectConfirmationData")
	if data == nil {
		return nil
	}

	if recipient := data.SelectAttrValue("Recipient", ""); recipient != "" {
		if !urlEqual(recipient, a.SP.ACSURL) {
			return idp.Authf("saml subject confirmation recipient mismatch")
		}
	}
	if noa := data.SelectAttrValue("NotOnOrAfter", ""); noa != "" {
		t, err := parseSAMLInstant(noa)
		if err != nil {
			return idp.Authf("saml subject confirmation has malformed NotOnOrAfter")
		}
		if !a.nowUTC().Before(t.Add(a.skew())) {
			return idp.Authf("saml subject confirmation has expired")
		}
	}
	if expectedRequestID != "" {
		if irt := data.SelectAttrValue("InResponseTo", ""); irt != "" && irt != expectedRequestID {
			return idp.Authf("saml subject confirmation does not match the outstanding request")
		}
	}
	return nil
}

func (a *Authenticator) displayName(claims *Claims, email string) string {
	for _, key := range []string{a.Provider.NameAttribute(), "displayname", "cn"} {
		if vs := claims.Get(key); len(vs) > 0 {
			return vs[0]
		}
	}
	if given, sn := claims.Get("givenname"), claims.Get("sn"); len(given) > 0 && len(sn) > 0 {
		return given[0] + " " + sn[0]
	}
	return email
}

func (a *Authenticator) auditFailure(ctx context.Context, creds Credentials, cause error) {
	audit.Emit(ctx, a.Audit, audit.Event{
		Action:     audit.ActionLoginFailed,
		Category:   audit.CategorySecurity,
		EntityType: "identity_provider",
		EntityID:   a.Provider.ID,
		IP:         creds.ClientIP,
		UserAgent:  creds.UserAgent,
		Meta: map[string]interface{}{
			"provider_key": a.Provider.Key,
			"driver":       string(idp.DriverSAML),
			"errors":       []string{cause.Error()},
		},
	})
}

func (a *Authenticator) nowUTC() time.Time {
	if a.now != nil {
		return a.now().UTC()
	}
	return time.Now().UTC()
}

func (a *Authenticator) skew() time.Duration {
	if a.Skew > 0 {
		return a.Skew
	}
	return DefaultClockSkew
}

// parseSAMLInstant accepts RFC3339 with or without fractional seconds.
func parseSAMLInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Parse(samlInstantFormat, s)
	}
	return t.UTC(), nil
}

// urlEqual compares two URLs/entity ids ignoring a trailing slash.
func urlEqual(a, b string) bool {
	return strings.TrimRight(strings.TrimSpace(a), "/") == strings.TrimRight(strings.TrimSpace(b), "/")
}
