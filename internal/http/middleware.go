package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/observability"
)

type ctxKey struct{}

const requestIDHeader = "X-Request-ID"

// registerMiddleware installs the chain outermost first. Gorilla only runs
// it for matched routes, so route vars are available to every layer.
func (s *Server) registerMiddleware() {
	s.mux.Use(s.withRecovery, withRequestID, s.withAccessLog)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// withAccessLog records request metrics and writes one log line per request.
// The line names the driver, passenger, ride or websocket party the route
// addresses so a ride can be followed across calls.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		code := strconv.Itoa(rw.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rw.status),
			slog.Int64("bytes", rw.written),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("client_ip", clientIP(r)),
			slog.String("request_id", requestID(r.Context())),
		}
		if key, val := routeEntity(r, route); val != "" {
			attrs = append(attrs, slog.String(key, val))
		}
		s.logger.LogAttrs(r.Context(), levelFor(rw.status), "http_request", attrs...)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			route := routeTemplate(r)
			attrs := []slog.Attr{
				slog.Any("panic", rec),
				slog.String("route", route),
				slog.String("request_id", requestID(r.Context())),
			}
			if key, val := routeEntity(r, route); val != "" {
				attrs = append(attrs, slog.String(key, val))
			}
			s.logger.LogAttrs(r.Context(), slog.LevelError, "handler panicked", attrs...)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
		}()
		next.ServeHTTP(w, r)
	})
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// routeEntity maps the route's path variable to a log key naming what it
// identifies, e.g. /api/v1/rides/{id}/accept yields ride_id.
func routeEntity(r *http.Request, route string) (string, string) {
	vars := mux.Vars(r)
	if id := vars["party_id"]; id != "" {
		return "party_id", id
	}
	id := vars["id"]
	if id == "" {
		return "", ""
	}
	switch {
	case strings.Contains(route, "/drivers/"):
		return "driver_id", id
	case strings.Contains(route, "/passengers/"):
		return "passenger_id", id
	case strings.Contains(route, "/rides/"):
		return "ride_id", id
	}
	return "id", id
}

// statusRecorder captures the status and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.written += int64(n)
	return n, err
}

// Hijack lets websocket upgrades pass through the middleware chain.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
