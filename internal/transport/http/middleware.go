package httptransport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
)

// PrincipalHeader carries the authenticated principal's id. It is set by the
// auth gateway in front of this service.
const PrincipalHeader = "X-Principal-ID"

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// RequestLogger logs one line per request. Place it after middleware.RequestID.
func RequestLogger(log logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()

			next.ServeHTTP(sw, r)

			log.Info("request",
				"req_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"bytes", sw.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type PrincipalLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.Principal, error)
}

type principalKey struct{}

// Authenticate resolves the principal header into the stored principal and
// puts it on the request context.
func Authenticate(lookup PrincipalLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(PrincipalHeader)
			if raw == "" {
				writeErr(w, http.StatusUnauthorized, "missing "+PrincipalHeader)
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				writeErr(w, http.StatusUnauthorized, "invalid "+PrincipalHeader)
				return
			}

			p, err := lookup.Get(r.Context(), id)
			if errors.Is(err, repository.ErrNotFound) {
				writeErr(w, http.StatusUnauthorized, "unknown principal")
				return
			}
			if err != nil {
				writeErr(w, http.StatusInternalServerError, "internal error")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func principalFrom(ctx context.Context) *entity.Principal {
	p, _ := ctx.Value(principalKey{}).(*entity.Principal)
	return p
}
