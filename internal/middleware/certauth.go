// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"net/http"
)

type ctxKey string

const operatorKey ctxKey = "operator"

// CertAuth is a middleware that enforces mutual TLS authentication.
//
// Every request must present a client certificate. The Common Name (CN) of
// the leaf certificate is stored in the request context and recorded as the
// operator of any pseudonymisation the request triggers.
func CertAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client certificate provided", http.StatusUnauthorized)
			return
		}
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		if cn == "" {
			http.Error(w, "client certificate has no common name", http.StatusUnauthorized)
			return
		}
		ctx := WithOperator(r.Context(), cn)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithOperator returns a copy of ctx carrying operator.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// OperatorFromContext extracts the operator (Common Name from client
// certificate) from the request context. Returns an empty string if not found.
func OperatorFromContext(ctx context.Context) string {
	val := ctx.Value(operatorKey)
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}
