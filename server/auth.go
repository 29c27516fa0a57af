package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/gateway"
)

// ErrUnauthorized is returned by an Authorizer that rejects a request.
var ErrUnauthorized = errors.New("unauthorized")

// Authorizer decides whether a request may call a privileged endpoint.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(r *http.Request) error { return f(r) }

// AllowAll admits every request.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(*http.Request) error { return nil })
}

// BearerToken admits requests carrying "Authorization: Bearer <token>". An
// empty token admits every request.
func BearerToken(token string) Authorizer {
	if token == "" {
		return AllowAll()
	}
	want := []byte(token)
	return AuthorizerFunc(func(r *http.Request) error {
		h := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			return ErrUnauthorized
		}
		return nil
	})
}

func (s *Server) privileged(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Authorize(r); err != nil {
			s.logger.Warn("rejected privileged request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="semgate"`)
			gateway.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	})
}
