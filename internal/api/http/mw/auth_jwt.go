package mw

import (
	"context"
	"errors"
	"net/http"

	"tokenpulse/internal/security"
	"tokenpulse/pkg/httputil"
)

// Key for subject in ctx
type claimsCtxKey struct{}

type JWTMiddleware struct {
	verifier *security.RS256Verifier
}

func NewJWTMiddleware(v *security.RS256Verifier) (*JWTMiddleware, error) {
	if v == nil {
		return nil, errors.New("JWT verifier cannot be nil")
	}
	return &JWTMiddleware{verifier: v}, nil
}

func (m *JWTMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.verifier.VerifyBearer(r.Header.Get("Authorization"))
		if err != nil {
			_ = httputil.Error(w, r, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
			return
		}

		ctx := context.WithValue(r.Context(), claimsCtxKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Subject of the verified token, empty when the request was not authenticated
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(claimsCtxKey{}).(string); ok {
		return s
	}
	return ""
}
