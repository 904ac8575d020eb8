package idp

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validationf("key", "key is required"), http.StatusUnprocessableEntity},
		{Configf("missing certificate"), http.StatusUnprocessableEntity},
		{Authf("signature mismatch"), http.StatusUnauthorized},
		{Upstreamf("idp unreachable"), http.StatusUnauthorized},
		{&Error{Kind: KindLocked, Msg: "retry after 60 seconds"}, http.StatusTooManyRequests},
		{Internalf("broken invariant"), http.StatusInternalServerError},
		{errors.New("untyped"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "HTTPStatus(%v)", tt.err)
	}
}

func TestPublicMessageHidesAuthDetail(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Authf("hmac signature mismatch for key k1"), "authentication failed"},
		{Upstreamf("dial tcp: connection refused"), "authentication failed"},
		{&Error{Kind: KindLocked, Msg: "retry after 60 seconds"}, "too many login attempts"},
		{Internalf("nil provider"), "internal error"},
		{Validationf("key", "key is required"), "key: key is required"},
		{Configf("certificate is not valid PEM"), "certificate is not valid PEM"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PublicMessage(tt.err), "PublicMessage(%v)", tt.err)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Internalf("wrapper").WithCause(cause)
	assert.True(t, errors.Is(err, cause), "expected cause in the chain")
	assert.NotEqual(t, cause.Error(), PublicMessage(err), "cause must not leak into the public message")
}

func TestKindOfWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", Authf("bad token"))
	assert.Equal(t, KindAuth, KindOf(wrapped), "KindOf must see through fmt.Errorf wrapping")
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")), "untyped errors default to internal")
}
