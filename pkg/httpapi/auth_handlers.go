package httpapi

import (
	"net/http"
	"time"

	"github.com/Grunticus03/phpGRC-sub000/pkg/httputil"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/ldap"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/oidc"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/saml"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Provider optionally pins the login to one provider key; otherwise the
	// first enabled ldap provider in evaluation order is used.
	Provider string `json:"provider,omitempty"`
}

type loginResponse struct {
	User       *idp.User `json:"user"`
	RedirectTo string    `json:"redirect_to,omitempty"`
}

// handleLogin authenticates a username/password pair against the directory.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := httputil.ClientIP(r)
	if !s.guardAttempt(w, r, clientIP) {
		return
	}

	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	provider, err := s.resolveLoginProvider(r, req.Provider)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}

	start := time.Now()
	user, err := s.authenticateByDriver(w, r, provider, req, clientIP)
	s.observeLogin(provider.Driver, provider.Key, start, err)
	if err != nil {
		s.recordAuthFailure(r, clientIP, err)
		httputil.WriteAuthError(w, err)
		return
	}
	if user == nil {
		// The driver handler already wrote the response.
		return
	}

	_ = s.Registry.TouchHealth(r.Context(), provider.ID)
	httputil.WriteSuccess(w, loginResponse{User: user})
}

// authenticateByDriver dispatches a direct credential login. The driver set
// is closed; SAML and OIDC logins arrive on their own callback routes.
func (s *Server) authenticateByDriver(w http.ResponseWriter, r *http.Request, provider *idp.Provider, req loginRequest, clientIP string) (*idp.User, error) {
	switch provider.Driver {
	case idp.DriverLDAP:
		auth, err := ldap.NewAuthenticator(provider, s.LDAPClient, s.Provisioner, s.Audit)
		if err != nil {
			return nil, err
		}
		return auth.Authenticate(r.Context(), ldap.Credentials{
			Username:  req.Username,
			Password:  req.Password,
			ClientIP:  clientIP,
			UserAgent: r.UserAgent(),
		})
	case idp.DriverSAML, idp.DriverOIDC, idp.DriverEntra:
		return nil, idp.Validationf("provider", "provider %q requires a browser-based login flow", provider.Key)
	default:
		return nil, idp.Configf("unsupported driver %q", provider.Driver)
	}
}

// resolveLoginProvider finds the provider for a direct login, preferring the
// requested key and falling back to the first enabled ldap provider in
// evaluation order.
func (s *Server) resolveLoginProvider(r *http.Request, key string) (*idp.Provider, error) {
	if key != "" {
		return s.Registry.FindByIDOrKey(r.Context(), key)
	}
	providers, err := s.Registry.List(r.Context())
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.Enabled && p.Driver == idp.DriverLDAP {
			return p, nil
		}
	}
	return nil, idp.Validationf("provider", "no enabled directory provider is configured")
}

// handleSAMLRedirect starts the SP-initiated flow: issue a signed state
// token, build the AuthnRequest and send the browser to the IdP.
func (s *Server) handleSAMLRedirect(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	provider, err := s.findProvider(r, key, idp.DriverSAML)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}
	if !provider.Enabled {
		httputil.WriteAuthError(w, idp.Authf("provider is disabled"))
		return
	}

	sp, err := saml.ResolveServiceProvider(r.Context(), provider, s.BaseURL, s.SAMLMetadata)
	if err != nil {
		s.Logger.WithProvider(provider.Key).WithError(err).Error("saml service provider resolution failed")
		httputil.WriteAuthError(w, err)
		return
	}

	state, err := s.StateSigner.Issue(r.Context(),
		provider.ID, provider.Key,
		httputil.ParseQueryString(r, "redirect", ""),
		httputil.ClientIP(r), r.UserAgent(),
	)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.StateTokensIssued.Inc()
	}

	doc := sp.BuildAuthnRequest(state.RequestID, false)

	if httputil.ParseQueryString(r, "binding", "") == "post" {
		page, err := sp.PostForm(doc, state.Token)
		if err != nil {
			httputil.WriteAuthError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
		return
	}

	location, err := sp.RedirectURL(doc, state.Token)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// handleSAMLACS consumes the IdP response: validate and consume the
// RelayState token, then run the assertion gate sequence.
func (s *Server) handleSAMLACS(w http.ResponseWriter, r *http.Request) {
	clientIP := httputil.ClientIP(r)
	if !s.guardAttempt(w, r, clientIP) {
		return
	}

	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "invalid form body")
		return
	}
	samlResponse := r.PostFormValue("SAMLResponse")
	relayState := r.PostFormValue("RelayState")
	if samlResponse == "" {
		httputil.WriteValidationError(w, "SAMLResponse is required")
		return
	}
	if relayState == "" {
		httputil.WriteValidationError(w, "RelayState is required")
		return
	}

	state, err := s.StateSigner.Validate(r.Context(), relayState, clientIP, r.UserAgent())
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.StateTokenFailures.WithLabelValues(stateFailureReason(err)).Inc()
		}
		s.recordAuthFailure(r, clientIP, err)
		httputil.WriteAuthError(w, err)
		return
	}

	provider, err := s.findProvider(r, key, idp.DriverSAML)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}
	if state.ProviderID != provider.ID {
		err := idp.Authf("state token was issued for a different provider")
		s.recordAuthFailure(r, clientIP, err)
		httputil.WriteAuthError(w, err)
		return
	}

	sp, err := saml.ResolveServiceProvider(r.Context(), provider, s.BaseURL, s.SAMLMetadata)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}

	start := time.Now()
	auth := saml.NewAuthenticator(provider, sp, s.Provisioner, s.Audit)
	user, err := auth.Authenticate(r.Context(), saml.Credentials{
		SAMLResponse: samlResponse,
		RequestID:    state.RequestID,
		ClientIP:     clientIP,
		UserAgent:    r.UserAgent(),
	})
	s.observeLogin(provider.Driver, provider.Key, start, err)
	if err != nil {
		s.recordAuthFailure(r, clientIP, err)
		httputil.WriteAuthError(w, err)
		return
	}

	_ = s.Registry.TouchHealth(r.Context(), provider.ID)
	httputil.WriteSuccess(w, loginResponse{User: user, RedirectTo: state.IntendedPath})
}

// handleSAMLMetadata serves the SP metadata document for one provider.
func (s *Server) handleSAMLMetadata(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	provider, err := s.findProvider(r, key, idp.DriverSAML)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}

	sp, err := saml.ResolveServiceProvider(r.Context(), provider, s.BaseURL, s.SAMLMetadata)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}
	metadata, err := sp.Metadata()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(metadata)
}

type oidcCallbackRequest struct {
	IDToken      string `json:"id_token,omitempty"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

// handleOIDCCallback finishes an OIDC or Entra login with either an id_token
// or an authorization code.
func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	clientIP := httputil.ClientIP(r)
	if !s.guardAttempt(w, r, clientIP) {
		return
	}

	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	var req oidcCallbackRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	provider, err := s.findProvider(r, key, idp.DriverOIDC, idp.DriverEntra)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}

	auth, err := oidc.NewAuthenticator(provider, s.Metadata, s.Provisioner, s.Audit)
	if err != nil {
		httputil.WriteAuthError(w, err)
		return
	}

	start := time.Now()
	user, err := auth.Authenticate(r.Context(), oidc.Credentials{
		IDToken:      req.IDToken,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		Nonce:        req.Nonce,
		ClientIP:     clientIP,
		UserAgent:    r.UserAgent(),
	})
	s.observeLogin(provider.Driver, provider.Key, start, err)
	if err != nil {
		s.recordAuthFailure(r, clientIP, err)
		httputil.WriteAuthError(w, err)
		return
	}

	_ = s.Registry.TouchHealth(r.Context(), provider.ID)
	httputil.WriteSuccess(w, loginResponse{User: user})
}

// stateFailureReason buckets state validation failures for metrics without
// leaking free-form error text into label values.
func stateFailureReason(err error) string {
	switch idp.KindOf(err) {
	case idp.KindAuth:
		return "rejected"
	case idp.KindValidation, idp.KindConfig:
		return "invalid"
	default:
		return "error"
	}
}
