package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		out = append(out, line)
	}
	return out
}

func accessLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	for _, l := range logLines(t, buf) {
		if l["msg"] == "http_request" {
			return l
		}
	}
	t.Fatalf("no access log line in %q", buf.String())
	return nil
}

func TestAccessLogCarriesRouteEntity(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		route  string
		key    string
		id     string
		status float64
		level  string
	}{
		{"unknown driver", http.MethodGet, "/api/v1/drivers/abc", "/api/v1/drivers/{id}", "driver_id", "abc", 404, "WARN"},
		{"unknown ride", http.MethodGet, "/api/v1/rides/r-9", "/api/v1/rides/{id}", "ride_id", "r-9", 404, "WARN"},
		{"unknown passenger", http.MethodGet, "/api/v1/passengers/p-7", "/api/v1/passengers/{id}", "passenger_id", "p-7", 404, "WARN"},
		{"stats", http.MethodGet, "/api/v1/admin/stats", "/api/v1/admin/stats", "", "", 200, "INFO"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			s, _ := newLoggedTestServer(t, slog.New(slog.NewJSONHandler(&buf, nil)))
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set("X-Request-ID", "req-1")
			s.ServeHTTP(httptest.NewRecorder(), req)

			line := accessLine(t, &buf)
			if line["route"] != tc.route || line["status"] != tc.status || line["level"] != tc.level {
				t.Fatalf("log line %v", line)
			}
			if line["request_id"] != "req-1" {
				t.Fatalf("request id %v", line["request_id"])
			}
			if tc.key != "" && line[tc.key] != tc.id {
				t.Fatalf("%s = %v, want %s", tc.key, line[tc.key], tc.id)
			}
			if b, _ := line["bytes"].(float64); b <= 0 {
				t.Fatalf("bytes = %v", line["bytes"])
			}
		})
	}
}

func TestRecoveryLogsPanicWithRideID(t *testing.T) {
	var buf bytes.Buffer
	s, _ := newLoggedTestServer(t, slog.New(slog.NewJSONHandler(&buf, nil)))
	s.mux.HandleFunc("/debug/rides/{id}/explode", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/rides/r-1/explode", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	decodeInto(t, rec, &body)
	if body.Kind != "internal" {
		t.Fatalf("body %+v", body)
	}

	var panicked map[string]any
	for _, l := range logLines(t, &buf) {
		if l["msg"] == "handler panicked" {
			panicked = l
		}
	}
	if panicked == nil || panicked["ride_id"] != "r-1" || panicked["panic"] != "boom" || panicked["level"] != "ERROR" {
		t.Fatalf("panic line %v", panicked)
	}
}

func TestLevelFor(t *testing.T) {
	for status, want := range map[int]slog.Level{
		200: slog.LevelInfo,
		101: slog.LevelInfo,
		409: slog.LevelWarn,
		503: slog.LevelError,
	} {
		if got := levelFor(status); got != want {
			t.Errorf("levelFor(%d) = %v, want %v", status, got, want)
		}
	}
}
