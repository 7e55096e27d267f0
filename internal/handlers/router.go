package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Brownie44l1/blight-api/internal/logging"
	"github.com/Brownie44l1/blight-api/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// NewRouter wires the endpoints behind request-id, logging/metrics and CORS
// middleware. Every response is logged and counted, including 404s, 405s
// and preflights.
func NewRouter(h *Handler, allowedOrigins []string, m *metrics.Collector) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", h.Root).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/predict", h.Predict).Methods(http.MethodPost)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	return withRequestID(observe(r, h.logger, m, withCORS(r, allowedOrigins)))
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// withCORS allows any method and header for the listed origins. Preflights
// from other origins are refused; plain requests from them get no CORS headers.
func withCORS(next http.Handler, allowedOrigins []string) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		ok := allowed[origin] || allowed["*"]

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if preflight {
			if !ok {
				http.Error(w, "Disallowed CORS origin", http.StatusBadRequest)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT")
			if headers := r.Header.Get("Access-Control-Request-Headers"); headers != "" {
				w.Header().Set("Access-Control-Allow-Headers", headers)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusOK)
			return
		}

		if ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// unmatchedPath labels requests no route matches, keeping arbitrary paths
// out of the metric labels.
const unmatchedPath = "unmatched"

func observe(r *mux.Router, logger *slog.Logger, m *metrics.Collector, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		elapsed := time.Since(start)

		path := routePath(r, req)
		if m != nil {
			m.ObserveRequest(path, req.Method, rec.status, elapsed)
		}
		logger.InfoContext(req.Context(), "request",
			"method", req.Method,
			"path", path,
			"status", rec.status,
			"duration", elapsed,
		)
	})
}

// routePath returns the template of the route req matches. A path that only
// fails on method keeps its own value.
func routePath(r *mux.Router, req *http.Request) string {
	var match mux.RouteMatch
	if r.Match(req, &match) && match.MatchErr == nil && match.Route != nil {
		if tpl, err := match.Route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	if match.MatchErr == mux.ErrMethodMismatch {
		return req.URL.Path
	}
	return unmatchedPath
}
