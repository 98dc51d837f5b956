package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/auth"
	"github.com/example/ec-payments/internal/metrics"
)

// storefront session cookie; API clients send a bearer header instead
const sessionCookie = "access_token"

const (
	identityGuest    = "guest"
	identityCustomer = "customer"
	identityAdmin    = "admin"
	identityExpired  = "expired"
	identityInvalid  = "invalid"
)

type claimsKey struct{}

func tokenFrom(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// Identify attaches storefront claims to the request context when a valid
// token is present. A missing, expired or invalid token leaves the request
// anonymous, and the last two are logged.
func Identify(jwtService *auth.JWTService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityGuest
			if token := tokenFrom(r); token != "" {
				claims, err := jwtService.ValidateAccessToken(token)
				switch {
				case err == nil:
					identity = identityCustomer
					if claims.IsAdmin() {
						identity = identityAdmin
					}
					r = r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims))
				case errors.Is(err, auth.ErrExpiredToken):
					identity = identityExpired
				default:
					identity = identityInvalid
				}
				if err != nil {
					logger.Info("request treated as guest",
						zap.String("identity", identity),
						zap.String("path", r.URL.Path),
						zap.String("request_id", chimw.GetReqID(r.Context())),
					)
				}
			}
			metrics.RecordIdentity(identity)
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext returns the claims attached by Identify.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}
