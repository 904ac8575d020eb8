// Package httpapi exposes the authentication endpoints and the identity
// provider admin surface over gorilla/mux.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Grunticus03/phpGRC-sub000/pkg/audit"
	"github.com/Grunticus03/phpGRC-sub000/pkg/bruteforce"
	"github.com/Grunticus03/phpGRC-sub000/pkg/httputil"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/ldap"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/oidc"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/saml"
	"github.com/Grunticus03/phpGRC-sub000/pkg/observability"
)

// Server holds the wired dependencies for the HTTP surface.
type Server struct {
	Registry    *idp.Registry
	Provisioner *idp.Provisioner
	StateSigner *saml.StateSigner
	Metadata    *oidc.MetadataCache

	// SAMLMetadata resolves IdP metadata documents for providers configured
	// with metadata_url instead of a pasted certificate.
	SAMLMetadata *saml.IdPMetadataCache

	LDAPClient ldap.Client
	Guard      *bruteforce.Guard
	Audit      audit.Logger
	Logger     *observability.Logger
	Metrics    *observability.Metrics

	// BaseURL is the external origin used to build SAML ACS/metadata URLs.
	BaseURL string
}

// Routes builds the application router with the standard middleware chain.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/saml/{key}/redirect", s.handleSAMLRedirect).Methods(http.MethodGet)
	r.HandleFunc("/auth/saml/{key}/acs", s.handleSAMLACS).Methods(http.MethodPost)
	r.HandleFunc("/auth/saml/{key}/metadata", s.handleSAMLMetadata).Methods(http.MethodGet)
	r.HandleFunc("/auth/oidc/{key}/callback", s.handleOIDCCallback).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin/identity-providers").Subrouter()
	admin.HandleFunc("", s.handleListProviders).Methods(http.MethodGet)
	admin.HandleFunc("", s.handleCreateProvider).Methods(http.MethodPost)
	admin.HandleFunc("/{id}", s.handleGetProvider).Methods(http.MethodGet)
	admin.HandleFunc("/{id}", s.handleUpdateProvider).Methods(http.MethodPut, http.MethodPatch)
	admin.HandleFunc("/{id}", s.handleDeleteProvider).Methods(http.MethodDelete)

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.Logger),
		httputil.LoggingMiddleware(s.Logger),
		httputil.MaxBytesMiddleware(1<<20),
	)
	if s.Metrics != nil {
		return chain(observability.HTTPMetricsMiddleware(s.Metrics)(r))
	}
	return chain(r)
}

// findProvider resolves the provider for a login route and checks its driver.
func (s *Server) findProvider(r *http.Request, key string, driver ...idp.Driver) (*idp.Provider, error) {
	p, err := s.Registry.FindByIDOrKey(r.Context(), key)
	if err != nil {
		return nil, err
	}
	for _, d := range driver {
		if p.Driver == d {
			return p, nil
		}
	}
	return nil, idp.Validationf("provider", "provider %q does not use this protocol", p.Key)
}

// guardAttempt runs the brute force gate and writes the rejection when the
// subject is locked out. Returns false when the caller must stop. The gate
// is read-only; failures are recorded after authentication rejects.
func (s *Server) guardAttempt(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if s.Guard == nil {
		return true
	}
	decision, err := s.Guard.Check(r.Context(), r, clientIP)
	if err != nil {
		s.Logger.WithError(err).Error("brute force guard unavailable")
		httputil.WriteInternalError(w, err)
		return false
	}
	if decision.Cookie != nil {
		http.SetCookie(w, decision.Cookie)
	}
	s.Guard.Headers(w, decision)
	if !decision.Allowed {
		if s.Metrics != nil {
			s.Metrics.LockoutsTotal.WithLabelValues(string(s.Guard.Strategy())).Inc()
		}
		httputil.WriteAuthError(w, s.Guard.LockedError(decision))
		return false
	}
	return true
}

// recordAuthFailure counts a rejected credential against the guard window.
// Only authentication failures count; validation and upstream errors do not
// start or extend a lockout.
func (s *Server) recordAuthFailure(r *http.Request, clientIP string, err error) {
	if s.Guard == nil || idp.KindOf(err) != idp.KindAuth {
		return
	}
	if rerr := s.Guard.RecordFailure(r.Context(), r, clientIP); rerr != nil {
		s.Logger.WithError(rerr).Error("brute force guard unavailable")
	}
}

// observeLogin records the outcome of one login attempt.
func (s *Server) observeLogin(driver idp.Driver, providerKey string, start time.Time, err error) {
	if s.Metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.Metrics.LoginAttemptsTotal.WithLabelValues(string(driver), providerKey, outcome).Inc()
	s.Metrics.LoginDuration.WithLabelValues(string(driver)).Observe(time.Since(start).Seconds())
}
