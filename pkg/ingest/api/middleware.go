package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request with its status, size and
// duration
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// RouterOption adds routes to the router built by NewRouter
type RouterOption func(chi.Router)

// WithStaticFiles serves the files under dir at prefix. It lets the server
// answer the addresses a filesystem storage backend hands out.
func WithStaticFiles(prefix, dir string) RouterOption {
	prefix = "/" + strings.Trim(prefix, "/")
	return func(r chi.Router) {
		fileServer := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
		r.Get(prefix+"/*", func(w http.ResponseWriter, req *http.Request) {
			if strings.HasSuffix(req.URL.Path, "/") {
				http.NotFound(w, req)
				return
			}
			fileServer.ServeHTTP(w, req)
		})
	}
}

// NewRouter mounts the files endpoints under /files with request ids,
// panic recovery and request logging
func NewRouter(files *FilesHandler, logger *zap.Logger, opts ...RouterOption) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Mount("/files", files.Routes())
	for _, opt := range opts {
		opt(r)
	}
	return r
}
