package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/aixgo-dev/nexxi/internal/chaterr"
)

type identityKey struct{}

// identityFrom returns the caller identity set by the auth middleware.
func identityFrom(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}

// authMiddleware maps an API key from X-API-Key or Authorization: Bearer to
// its identity. With no keys configured every caller is let through and
// identified by client address.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := ""
		if len(s.cfg.APIKeys) == 0 {
			identity = "ip:" + clientIP(r)
		} else {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			identity = s.lookupKey(key)
			if identity == "" {
				s.writeError(w, r, chaterr.New(chaterr.KindUnauthorized, "A valid API key is required."))
				return
			}
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// lookupKey compares key against every configured key in constant time.
func (s *Server) lookupKey(key string) string {
	if key == "" {
		return ""
	}
	found := ""
	for k, identity := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			found = identity
		}
	}
	return found
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
