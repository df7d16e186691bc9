package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/csrf"
	"go.uber.org/zap"

	"harei/session"
	"harei/utils"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	ClientKey ContextKey = "clientID"

	clientCookie = "harei_client"
)

// NewStructuredLogger logs one line per request through zap.
func NewStructuredLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("Request served",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", utils.GetIPAddress(r)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// NewSecurityHeadersMiddleware sets the baseline response headers. imageOrigin is an
// extra origin allowed to serve background images, e.g. an S3 public URL.
func NewSecurityHeadersMiddleware(imageOrigin string) func(http.Handler) http.Handler {
	imgSrc := "'self' data:"
	if imageOrigin != "" {
		imgSrc += " " + strings.TrimSuffix(imageOrigin, "/")
	}
	policy := "default-src 'self'; img-src " + imgSrc + "; style-src 'self' 'unsafe-inline'; script-src 'self'; connect-src 'self'; frame-ancestors 'none'"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", policy)
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

// ClientMiddleware ensures every browser carries a persistent client id. The id
// namespaces everything the server stores on the browser's behalf.
func ClientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var clientID string
		if cookie, err := r.Cookie(clientCookie); err == nil && uuid.Validate(cookie.Value) == nil {
			clientID = cookie.Value
		} else {
			clientID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     clientCookie,
				Value:    clientID,
				Path:     "/",
				Expires:  utils.GetTime().Add(365 * 24 * time.Hour),
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), ClientKey, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CSRF wraps gorilla/csrf. Plain HTTP requests are marked as such so the
// origin check does not demand a TLS referer during local development.
func CSRF(authKey []byte, secure bool, logger *zap.Logger) func(http.Handler) http.Handler {
	protect := csrf.Protect(
		authKey,
		csrf.Secure(secure),
		csrf.Path("/"),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.FieldName("csrf_token"),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("CSRF check failed", zap.String("path", r.URL.Path), zap.Error(csrf.FailureReason(r)))
			http.Error(w, "Invalid CSRF token", http.StatusForbidden)
		})),
	)
	return func(next http.Handler) http.Handler {
		guarded := protect(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil && !secure {
				r = csrf.PlaintextHTTPRequest(r)
			}
			guarded.ServeHTTP(w, r)
		})
	}
}

// RequireSession runs the session guard before every console route. Pages are
// redirected to the login page; script requests get a 401 carrying the target.
func RequireSession(app App) func(http.Handler) http.Handler {
	logger := app.Logger().With(zap.String("middleware", "RequireSession"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := app.Guard().Check(r.Context(), clientID(r))
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Debug("Session rejected", zap.String("path", r.URL.Path), zap.Error(err))
				app.Inboxes().UnmountClient(clientID(r))
				if wantsJSON(r) {
					respondJSON(w, http.StatusUnauthorized, map[string]string{"redirect": "/login"}, app)
					return
				}
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithToken(r.Context(), token)))
		})
	}
}

func clientID(r *http.Request) string {
	id, _ := r.Context().Value(ClientKey).(string)
	return id
}

func tokenFrom(r *http.Request) string {
	token, _ := session.TokenFrom(r.Context())
	return token
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") ||
		r.Header.Get("X-Requested-With") == "fetch"
}
