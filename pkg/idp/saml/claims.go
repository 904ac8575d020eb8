package saml

import (
	"strings"

	"github.com/beevik/etree"
)

// Claims holds the attribute statement of a validated assertion. Values are
// addressable by raw attribute Name, FriendlyName, and their lower-cased
// aliases; repeated values accumulate with case-insensitive dedupe.
type Claims struct {
	NameID string
	Issuer string

	values map[string][]string // keyed lower-case
	keys   map[string]string   // lower-case -> first-seen display key
}

func newClaims() *Claims {
	return &Claims{
		values: make(map[string][]string),
		keys:   make(map[string]string),
	}
}

// Add records a value under the given key.
func (c *Claims) Add(key, value string) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return
	}
	lower := strings.ToLower(key)
	if _, ok := c.keys[lower]; !ok {
		c.keys[lower] = key
	}
	for _, existing := range c.values[lower] {
		if strings.EqualFold(existing, value) {
			return
		}
	}
	c.values[lower] = append(c.values[lower], value)
}

// Get returns the values recorded for a claim, matching case-insensitively.
// Nil means the claim is absent.
func (c *Claims) Get(claim string) []string {
	return c.values[strings.ToLower(strings.TrimSpace(claim))]
}

// ResolveEmail walks the candidate claim keys in order and returns the first
// value containing '@'.
func (c *Claims) ResolveEmail() string {
	for _, key := range emailClaimCandidates {
		for _, v := range c.Get(key) {
			if strings.Contains(v, "@") {
				return v
			}
		}
	}
	return ""
}

// extractClaims pulls NameID, Issuer, and every Attribute/AttributeValue out
// of the validated assertion.
func extractClaims(response, assertion *etree.Element) *Claims {
	claims := newClaims()

	if issuer := response.FindElement("./Issuer"); issuer != nil {
		claims.Issuer = strings.TrimSpace(issuer.Text())
	} else if issuer := assertion.FindElement("./Issuer"); issuer != nil {
		claims.Issuer = strings.TrimSpace(issuer.Text())
	}

	if nameID := assertion.FindElement("./Subject/NameID"); nameID != nil {
		claims.NameID = strings.TrimSpace(nameID.Text())
		claims.Add("subject.name_id", claims.NameID)
	}

	for _, attr := range assertion.FindElements("./AttributeStatement/Attribute") {
		name := attr.SelectAttrValue("Name", "")
		friendly := attr.SelectAttrValue("FriendlyName", "")
		for _, value := range attr.FindElements("./AttributeValue") {
			text := strings.TrimSpace(value.Text())
			if text == "" {
				continue
			}
			if name != "" {
				claims.Add(name, text)
			}
			if friendly != "" && !strings.EqualFold(friendly, name) {
				claims.Add(friendly, text)
			}
		}
	}
	return claims
}
