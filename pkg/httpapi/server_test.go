package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	redis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Grunticus03/phpGRC-sub000/pkg/audit"
	"github.com/Grunticus03/phpGRC-sub000/pkg/bruteforce"
	"github.com/Grunticus03/phpGRC-sub000/pkg/cache"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/ldap"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/oidc"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/saml"
	"github.com/Grunticus03/phpGRC-sub000/pkg/observability"
)

const testBaseURL = "https://grc.example.com"

var providerCols = []string{
	"id", "key", "name", "driver", "enabled", "evaluation_order",
	"config", "meta", "last_health_at", "created_at", "updated_at",
}

type fakeDirectory struct {
	entry *ldap.Entry
	err   error
}

func (f *fakeDirectory) Authenticate(ctx context.Context, cfg ldap.Config, username, password string) (*ldap.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entry, nil
}

type testServer struct {
	*Server
	mock sqlmock.Sqlmock
	dir  *fakeDirectory
	mr   *miniredis.Miniredis
}

func newTestServer(t *testing.T, guardOpts *bruteforce.Options) *testServer {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	shared := cache.NewRedisCache(client, "test")

	signer, err := saml.NewStateSigner(
		[]saml.Key{{ID: "k1", Secret: []byte("state-signing-secret")}},
		saml.StateConfig{Issuer: testBaseURL, Audience: testBaseURL},
		shared,
	)
	require.NoError(t, err)

	var guard *bruteforce.Guard
	if guardOpts != nil {
		guardOpts.CookieSecret = []byte("cookie-secret")
		guard = bruteforce.NewGuard(shared, audit.NopLogger{}, *guardOpts)
	}

	dir := &fakeDirectory{}
	s := &Server{
		Registry:    idp.NewRegistry(db),
		Provisioner: idp.NewProvisioner(db),
		StateSigner: signer,
		Metadata:    oidc.NewMetadataCache(shared, nil),
		LDAPClient:  dir,
		Guard:       guard,
		Audit:       audit.NopLogger{},
		Logger:      observability.NewLogger(observability.ErrorLevel, io.Discard),
		BaseURL:     testBaseURL,
	}
	return &testServer{Server: s, mock: mock, dir: dir, mr: mr}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, path, reader)
	r.RemoteAddr = "10.0.0.5:52000"
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.Routes().ServeHTTP(w, r)
	return w
}

func (ts *testServer) expectProviderLookup(id, key, driver, config string, enabled bool) {
	now := time.Now().UTC()
	ts.mock.ExpectQuery("OR key =").
		WithArgs(key, key).
		WillReturnRows(sqlmock.NewRows(providerCols).
			AddRow(id, key, key, driver, enabled, 1, []byte(config), []byte("{}"), nil, now, now))
}

const ldapConfig = `{"host":"ldap.example.com","base_dn":"dc=example,dc=com"}`

func (ts *testServer) expectProvisionExisting(email, name, userID string) {
	ts.mock.ExpectBegin()
	ts.mock.ExpectQuery("FROM users").
		WithArgs(email).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "created_at", "updated_at"}).
			AddRow(userID, name, email, time.Now(), time.Now()))
	ts.mock.ExpectExec("UPDATE users SET name =").
		WithArgs(name, sqlmock.AnyArg(), userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectExec("DELETE FROM user_roles").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ts.mock.ExpectCommit()
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body),
		"response is not JSON: %q", w.Body.String())
	return body
}

func TestLoginSuccess(t *testing.T) {
	ts := newTestServer(t, &bruteforce.Options{Strategy: bruteforce.StrategyIP})
	ts.dir.entry = &ldap.Entry{
		DN:         "uid=bob,dc=example,dc=com",
		Attributes: map[string][]string{"mail": {"bob@example.com"}, "cn": {"Bob Builder"}},
	}

	ts.expectProviderLookup("prov-1", "corp-ldap", "ldap", ldapConfig, true)
	ts.expectProvisionExisting("bob@example.com", "Bob Builder", "user-1")
	ts.mock.ExpectExec("SET last_health_at =").
		WithArgs(sqlmock.AnyArg(), "prov-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "hunter2", "provider": "corp-ldap",
	})

	require.Equal(t, http.StatusOK, w.Code, "body %s", w.Body.String())
	var resp struct {
		User *idp.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "bad body %q", w.Body.String())
	require.NotNil(t, resp.User)
	assert.Equal(t, "bob@example.com", resp.User.Email)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Remaining"))
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestLoginFallsBackToFirstEnabledDirectory(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dir.entry = &ldap.Entry{
		Attributes: map[string][]string{"mail": {"bob@example.com"}, "cn": {"Bob Builder"}},
	}

	now := time.Now().UTC()
	ts.mock.ExpectQuery("ORDER BY evaluation_order ASC").
		WillReturnRows(sqlmock.NewRows(providerCols).
			AddRow("prov-sso", "corp-saml", "corp-saml", "saml", true, 1, []byte(`{"certificate":"x"}`), []byte("{}"), nil, now, now).
			AddRow("prov-old", "old-ldap", "old-ldap", "ldap", false, 2, []byte(ldapConfig), []byte("{}"), nil, now, now).
			AddRow("prov-dir", "corp-ldap", "corp-ldap", "ldap", true, 3, []byte(ldapConfig), []byte("{}"), nil, now, now))
	ts.expectProvisionExisting("bob@example.com", "Bob Builder", "user-1")
	ts.mock.ExpectExec("SET last_health_at =").
		WithArgs(sqlmock.AnyArg(), "prov-dir").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "hunter2",
	})
	require.Equal(t, http.StatusOK, w.Code, "body %s", w.Body.String())
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestLoginBadCredentialsHidesDetail(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dir.err = ldap.ErrInvalidCredentials

	ts.expectProviderLookup("prov-1", "corp-ldap", "ldap", ldapConfig, true)

	w := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "wrong", "provider": "corp-ldap",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication failed", decodeError(t, w)["error"])
}

func TestLoginUnknownProvider(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.mock.ExpectQuery("OR key =").
		WithArgs("ghost", "ghost").
		WillReturnRows(sqlmock.NewRows(providerCols))

	w := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "pw", "provider": "ghost",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestLoginRejectsBrowserFlowProviders(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.expectProviderLookup("prov-sso", "corp-saml", "saml", `{"certificate":"x"}`, true)

	w := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "pw", "provider": "corp-saml",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decodeError(t, w)["error"], "browser-based")
}

func TestLoginLockoutAfterFailedAttempts(t *testing.T) {
	ts := newTestServer(t, &bruteforce.Options{Strategy: bruteforce.StrategyIP, MaxAttempts: 1})
	ts.dir.err = ldap.ErrInvalidCredentials

	ts.expectProviderLookup("prov-1", "corp-ldap", "ldap", ldapConfig, true)
	w := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "wrong", "provider": "corp-ldap",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code, "failed attempt")
	require.NoError(t, ts.mock.ExpectationsWereMet())

	// The failure was recorded, so the next attempt is rejected before the
	// registry or directory is touched.
	w = ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "pw", "provider": "corp-ldap",
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"), "Retry-After header missing")
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "too many login attempts", decodeError(t, w)["error"])
	assert.NoError(t, ts.mock.ExpectationsWereMet(), "the database was touched during a lockout")
}

func TestLoginSuccessStreakIsNotThrottled(t *testing.T) {
	ts := newTestServer(t, &bruteforce.Options{Strategy: bruteforce.StrategyIP, MaxAttempts: 2})
	ts.dir.entry = &ldap.Entry{
		DN:         "uid=bob,dc=example,dc=com",
		Attributes: map[string][]string{"mail": {"bob@example.com"}, "cn": {"Bob Builder"}},
	}

	// More clean logins than the threshold, all from one subject: none may
	// trip the guard because no failure is ever recorded.
	for i := 0; i < 5; i++ {
		ts.expectProviderLookup("prov-1", "corp-ldap", "ldap", ldapConfig, true)
		ts.expectProvisionExisting("bob@example.com", "Bob Builder", "user-1")
		ts.mock.ExpectExec("SET last_health_at =").
			WithArgs(sqlmock.AnyArg(), "prov-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		w := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
			"username": "bob", "password": "hunter2", "provider": "corp-ldap",
		})
		require.Equal(t, http.StatusOK, w.Code, "login %d body %s", i+1, w.Body.String())
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"), "login %d", i+1)
	}
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestLoginMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("{not json"))
	r.RemoteAddr = "10.0.0.5:52000"
	w := httptest.NewRecorder()
	ts.Routes().ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func samlTestConfig(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	cfg := map[string]interface{}{
		"certificate":   string(certPEM),
		"sso_url":       "https://idp.example.com/sso",
		"idp_entity_id": "https://idp.example.com/metadata",
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return string(raw)
}

func TestSAMLRedirect(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.expectProviderLookup("prov-sso", "corp-saml", "saml", samlTestConfig(t), true)

	w := ts.do(t, http.MethodGet, "/auth/saml/corp-saml/redirect?redirect=/dashboard", nil)
	require.Equal(t, http.StatusFound, w.Code, "body %s", w.Body.String())

	location := w.Header().Get("Location")
	u, err := url.Parse(location)
	require.NoError(t, err, "bad Location %q", location)
	assert.Equal(t, "idp.example.com", u.Host)
	assert.Equal(t, "/sso", u.Path)
	assert.NotEmpty(t, u.Query().Get("SAMLRequest"), "SAMLRequest missing from redirect")

	// The RelayState must be a state token this deployment can validate.
	state, err := ts.StateSigner.Validate(context.Background(),
		u.Query().Get("RelayState"), "10.0.0.5", "")
	require.NoError(t, err, "RelayState did not validate")
	assert.Equal(t, "prov-sso", state.ProviderID)
	assert.Equal(t, "/dashboard", state.IntendedPath)
}

func TestSAMLRedirectDisabledProvider(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.expectProviderLookup("prov-sso", "corp-saml", "saml", samlTestConfig(t), false)

	w := ts.do(t, http.MethodGet, "/auth/saml/corp-saml/redirect", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSAMLACSRejectsForeignStateToken(t *testing.T) {
	ts := newTestServer(t, nil)

	// Token issued for one provider, response posted to another.
	state, err := ts.StateSigner.Issue(context.Background(),
		"prov-other", "other-saml", "", "10.0.0.5", "")
	require.NoError(t, err)
	ts.expectProviderLookup("prov-sso", "corp-saml", "saml", samlTestConfig(t), true)

	form := url.Values{"SAMLResponse": {"ZGVjb3k="}, "RelayState": {state.Token}}
	r := httptest.NewRequest(http.MethodPost, "/auth/saml/corp-saml/acs",
		strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.RemoteAddr = "10.0.0.5:52000"
	w := httptest.NewRecorder()
	ts.Routes().ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code, "body %s", w.Body.String())
	assert.Equal(t, "authentication failed", decodeError(t, w)["error"])
}

func TestSAMLACSRequiresFormFields(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, tt := range []struct {
		name string
		form url.Values
	}{
		{name: "missing SAMLResponse", form: url.Values{"RelayState": {"tok"}}},
		{name: "missing RelayState", form: url.Values{"SAMLResponse": {"ZGVjb3k="}}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/auth/saml/corp-saml/acs",
				strings.NewReader(tt.form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			r.RemoteAddr = "10.0.0.5:52000"
			w := httptest.NewRecorder()
			ts.Routes().ServeHTTP(w, r)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		})
	}
}

func TestSAMLMetadata(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.expectProviderLookup("prov-sso", "corp-saml", "saml", samlTestConfig(t), true)

	w := ts.do(t, http.MethodGet, "/auth/saml/corp-saml/metadata", nil)
	require.Equal(t, http.StatusOK, w.Code, "body %s", w.Body.String())
	assert.Equal(t, "application/samlmetadata+xml", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "EntityDescriptor")
	assert.Contains(t, body, testBaseURL+"/auth/saml/corp-saml/acs")
}

func TestOIDCCallbackRequiresTokenOrCode(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.expectProviderLookup("prov-oidc", "corp-oidc", "oidc",
		`{"issuer":"https://idp.example.com","client_id":"grc-client","client_secret":"shh"}`, true)

	// Seed discovery so no network fetch happens.
	doc, _ := json.Marshal(map[string]interface{}{
		"issuer":   "https://idp.example.com",
		"jwks_uri": "https://idp.example.com/jwks",
	})
	redisClient := redis.NewClient(&redis.Options{Addr: ts.mr.Addr()})
	defer redisClient.Close()
	shared := cache.NewRedisCache(redisClient, "test")
	require.NoError(t, shared.Put(context.Background(), "oidc:discovery:prov-oidc", string(doc), oidc.DiscoveryTTL))

	w := ts.do(t, http.MethodPost, "/auth/oidc/corp-oidc/callback", map[string]string{})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, "body %s", w.Body.String())
	body := decodeError(t, w)
	details, _ := body["details"].(map[string]interface{})
	assert.NotNil(t, details["code"], "details = %v", body["details"])
}

func TestOIDCCallbackWrongProtocolProvider(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.expectProviderLookup("prov-1", "corp-ldap", "ldap", ldapConfig, true)

	w := ts.do(t, http.MethodPost, "/auth/oidc/corp-ldap/callback", map[string]string{"id_token": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAdminListProviders(t *testing.T) {
	ts := newTestServer(t, nil)
	now := time.Now().UTC()
	ts.mock.ExpectQuery("ORDER BY evaluation_order ASC").
		WillReturnRows(sqlmock.NewRows(providerCols).
			AddRow("prov-1", "corp-ldap", "Corp LDAP", "ldap", true, 1, []byte(ldapConfig), []byte("{}"), nil, now, now).
			AddRow("prov-2", "corp-saml", "Corp SSO", "saml", true, 2, []byte(`{"certificate":"x"}`), []byte("{}"), nil, now, now))

	w := ts.do(t, http.MethodGet, "/admin/identity-providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Providers []*idp.Provider `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "bad body %q", w.Body.String())
	require.Len(t, resp.Providers, 2)
	assert.Equal(t, "corp-ldap", resp.Providers[0].Key)
	assert.Equal(t, 2, resp.Providers[1].EvaluationOrder)
}

func TestAdminCreateProvider(t *testing.T) {
	ts := newTestServer(t, nil)
	now := time.Now().UTC()

	ts.mock.ExpectBegin()
	ts.mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	ts.mock.ExpectQuery("WHERE evaluation_order >=").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "evaluation_order"}))
	ts.mock.ExpectQuery("INSERT INTO identity_providers").
		WithArgs(sqlmock.AnyArg(), "corp-ldap", "Corp LDAP", "ldap", true, 1,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	ts.mock.ExpectCommit()

	w := ts.do(t, http.MethodPost, "/admin/identity-providers", map[string]interface{}{
		"key":    "Corp LDAP",
		"name":   "Corp LDAP",
		"driver": "ldap",
		"config": map[string]interface{}{"host": "ldap.example.com", "base_dn": "dc=example,dc=com"},
	})
	require.Equal(t, http.StatusCreated, w.Code, "body %s", w.Body.String())
	var created idp.Provider
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created), "bad body %q", w.Body.String())
	assert.Equal(t, "corp-ldap", created.Key)
	assert.Equal(t, 1, created.EvaluationOrder)
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestAdminCreateProviderValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/admin/identity-providers", map[string]interface{}{
		"key":    "corp-ldap",
		"driver": "ldap",
		"config": map[string]interface{}{"host": "ldap.example.com"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, "body %s", w.Body.String())
	assert.Contains(t, decodeError(t, w)["error"], "base_dn")
	assert.NoError(t, ts.mock.ExpectationsWereMet(), "the database was touched for an invalid payload")
}

func TestAdminGetProviderNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.mock.ExpectQuery("OR key =").
		WithArgs("ghost", "ghost").
		WillReturnRows(sqlmock.NewRows(providerCols))

	w := ts.do(t, http.MethodGet, "/admin/identity-providers/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminUpdateProvider(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.expectProviderLookup("prov-1", "corp-ldap", "ldap", ldapConfig, true)
	ts.mock.ExpectBegin()
	ts.mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("prov-1"))
	ts.mock.ExpectExec("SET name =").
		WithArgs("Renamed Directory", false, 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "prov-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectCommit()

	w := ts.do(t, http.MethodPatch, "/admin/identity-providers/corp-ldap", map[string]interface{}{
		"name":    "Renamed Directory",
		"enabled": false,
	})
	require.Equal(t, http.StatusOK, w.Code, "body %s", w.Body.String())
	var updated idp.Provider
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated), "bad body %q", w.Body.String())
	assert.Equal(t, "Renamed Directory", updated.Name)
	assert.False(t, updated.Enabled)
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestAdminDeleteProvider(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.expectProviderLookup("prov-1", "corp-ldap", "ldap", ldapConfig, true)
	ts.mock.ExpectBegin()
	ts.mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("prov-1"))
	ts.mock.ExpectExec("DELETE FROM identity_providers").
		WithArgs("prov-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectQuery("WHERE evaluation_order >").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "evaluation_order"}))
	ts.mock.ExpectCommit()

	w := ts.do(t, http.MethodDelete, "/admin/identity-providers/corp-ldap", nil)
	require.Equal(t, http.StatusNoContent, w.Code, "body %s", w.Body.String())
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.mock.ExpectQuery("ORDER BY evaluation_order ASC").
		WillReturnRows(sqlmock.NewRows(providerCols))

	w := ts.do(t, http.MethodGet, "/admin/identity-providers", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"), "X-Request-ID header missing")
}
