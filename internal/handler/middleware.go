package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/precise-goals/finvoice/internal/port"
	"github.com/precise-goals/finvoice/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	userIDKey   contextKey = "userID"
	pipelineKey contextKey = "pipeline"
)

// bearerToken returns the Authorization bearer token. Websocket clients
// cannot set headers, so the access_token query parameter is accepted too.
func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}

// IdentityMiddleware verifies the bearer token and injects the user id
// into the request context.
func IdentityMiddleware(verifier port.IdentityVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || token == "" {
				logger.Warn("auth: missing or malformed token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("auth: invalid or expired token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("user.id", userID))
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionMiddleware signs the authenticated user in on first use and
// injects their pipeline into the request context.
func SessionMiddleware(sessions *service.Sessions, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := sessions.SignIn(r.Context(), UserIDFromContext(r.Context()))
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			ctx := context.WithValue(r.Context(), pipelineKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext extracts the authenticated user id from context.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func pipelineFrom(r *http.Request) *service.Pipeline {
	p, _ := r.Context().Value(pipelineKey).(*service.Pipeline)
	return p
}
