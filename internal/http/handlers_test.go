package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/marketplace"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/passengers"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

func newTestServer(t *testing.T) (*Server, *events.Bus) {
	t.Helper()
	return newLoggedTestServer(t, logging.Discard())
}

// newLoggedTestServer routes only the HTTP layer's log lines to accessLog.
func newLoggedTestServer(t *testing.T, accessLog *slog.Logger) (*Server, *events.Bus) {
	t.Helper()
	logger := logging.Discard()
	reg := drivers.NewRegistry()
	ledger := wallet.NewLedger(nil)
	bus := events.NewBus(16)
	svc := marketplace.New(marketplace.Deps{
		Drivers:    reg,
		Passengers: passengers.NewRegistry(),
		Rides:      rides.NewEngine(storage.NewMemoryStore(), reg, ledger, rides.DefaultCommissionRate),
		Wallets:    ledger,
		Matcher:    &matcher.Service{Drivers: reg, Logger: logger},
		Bus:        bus,
		Logger:     logger,
	})
	hub := dispatch.NewHub(bus, svc, logger, time.Second)
	t.Cleanup(hub.Close)
	return NewServer(svc, hub, accessLog), bus
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestCompleteRideScenario(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/drivers", map[string]string{"phone": "555", "name": "A"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body=%s", rec.Code, rec.Body)
	}
	var d models.Driver
	decodeInto(t, rec, &d)
	if d.Approval != models.ApprovalPending || d.Online {
		t.Fatalf("fresh driver %+v", d)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/drivers/"+d.ID+"/location", map[string]float64{"lat": 1, "lng": 1})
	decodeInto(t, rec, &d)
	if !d.Online {
		t.Fatalf("driver not online after location update: %+v", d)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/drivers/"+d.ID+"/status", map[string]string{"status": "APPROVED"}); rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides/request", map[string]any{
		"passenger_id": "p1",
		"pickup":       map[string]any{"lat": 1, "lng": 1, "address": "A"},
		"drop":         map[string]any{"lat": 1.1, "lng": 1.1, "address": "B"},
		"fare":         "100",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request status = %d body=%s", rec.Code, rec.Body)
	}
	var ride models.Ride
	decodeInto(t, rec, &ride)
	if ride.Status != models.RideRequested {
		t.Fatalf("ride %+v", ride)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", map[string]string{"driver_id": d.ID})
	decodeInto(t, rec, &ride)
	if ride.Status != models.RideAccepted || ride.DriverID != d.ID {
		t.Fatalf("accepted ride %+v", ride)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil)
	decodeInto(t, rec, &ride)
	if ride.Status != models.RideCompleted {
		t.Fatalf("completed ride %+v", ride)
	}

	var w models.Wallet
	decodeInto(t, do(t, s, http.MethodGet, "/api/v1/drivers/"+d.ID+"/wallet", nil), &w)
	if !w.Balance.Equal(decimal.RequireFromString("-10.00")) || len(w.Transactions) != 1 || w.Transactions[0].Kind != models.Debit {
		t.Fatalf("wallet %+v", w)
	}

	var st models.Stats
	decodeInto(t, do(t, s, http.MethodGet, "/api/v1/admin/stats", nil), &st)
	if st.OnlineDriverCount != 1 || st.TotalRideCount != 1 || !st.TotalRevenue.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("stats %+v", st)
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodPost, "/api/v1/drivers", map[string]string{"phone": "1", "name": "x"})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"duplicate phone", http.MethodPost, "/api/v1/drivers", map[string]string{"phone": "1", "name": "y"}, http.StatusConflict, "conflict"},
		{"unknown driver", http.MethodGet, "/api/v1/drivers/nope", nil, http.StatusNotFound, "not_found"},
		{"complete unknown ride", http.MethodPost, "/api/v1/rides/nope/complete", nil, http.StatusConflict, "invalid_transition"},
		{"bad rating", http.MethodPost, "/api/v1/drivers/nope/rate", map[string]float64{"score": 9}, http.StatusBadRequest, "validation"},
		{"missing pickup", http.MethodPost, "/api/v1/rides/request", map[string]any{"passenger_id": "p", "fare": "10"}, http.StatusBadRequest, "validation"},
		{"settlement disabled", http.MethodPost, "/api/v1/drivers/x/wallet/settle", map[string]string{"amount": "5"}, http.StatusNotImplemented, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.status, rec.Body)
			}
			var body errorBody
			decodeInto(t, rec, &body)
			if body.Kind != tc.kind || body.Error == "" {
				t.Fatalf("body %+v", body)
			}
		})
	}
}

func TestMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/drivers", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestPassengerEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/passengers", map[string]string{"phone": "9", "name": "P"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var p models.Passenger
	decodeInto(t, rec, &p)
	rec = do(t, s, http.MethodGet, "/api/v1/passengers/"+p.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/passengers/ghost", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("ghost status = %d", rec.Code)
	}
}

func TestWebsocketThroughRouter(t *testing.T) {
	s, bus := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/p1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers("p1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(events.Event{Type: events.RideStatusChanged, Key: "r1"}, "p1")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt map[string]any
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatal(err)
	}
	if evt["type"] != string(events.RideStatusChanged) || evt["key"] != "r1" {
		t.Fatalf("event %+v", evt)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz %d %q", rec.Code, rec.Body)
	}
}
