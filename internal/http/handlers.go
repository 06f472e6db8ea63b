package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/marketplace"
	"github.com/example/ride-dispatch/internal/models"
)

const maxBodyBytes = 1 << 20

type Server struct {
	Service *marketplace.Service
	Hub     *dispatch.Hub
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(svc *marketplace.Service, hub *dispatch.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Service: svc, Hub: hub, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/payout", s.handleDriverPayout).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/rate", s.handleRateDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/wallet", s.handleWallet).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/wallet/settle", s.handleSettleWallet).Methods(http.MethodPost)

	api.HandleFunc("/passengers", s.handleRegisterPassenger).Methods(http.MethodPost)
	api.HandleFunc("/passengers/{id}", s.handleGetPassenger).Methods(http.MethodGet)

	api.HandleFunc("/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAcceptRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)

	api.HandleFunc("/admin/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/admin/drivers", s.handleListDrivers).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{party_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type registerRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Service.RegisterDriver(req.Phone, req.Name)
	s.respond(w, http.StatusCreated, d, err)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.Service.GetDriver(mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, d, err)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.ApprovalState `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Service.SetDriverStatus(mux.Vars(r)["id"], req.Status)
	s.respond(w, http.StatusOK, d, err)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req models.Coord
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Service.UpdateDriverLocation(r.Context(), mux.Vars(r)["id"], req.Lat, req.Lng)
	s.respond(w, http.StatusOK, d, err)
}

func (s *Server) handleDriverPayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayoutID string `json:"payout_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Service.SetDriverPayout(mux.Vars(r)["id"], req.PayoutID)
	s.respond(w, http.StatusOK, d, err)
}

func (s *Server) handleRateDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score float64 `json:"score"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Service.RateDriver(mux.Vars(r)["id"], req.Score)
	s.respond(w, http.StatusOK, d, err)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := s.Service.Wallet(mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, wl, err)
}

func (s *Server) handleSettleWallet(w http.ResponseWriter, r *http.Request) {
	var req marketplace.Settlement
	if !s.decode(w, r, &req) {
		return
	}
	wl, err := s.Service.SettleWallet(r.Context(), mux.Vars(r)["id"], req)
	s.respond(w, http.StatusOK, wl, err)
}

func (s *Server) handleRegisterPassenger(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.Service.RegisterPassenger(req.Phone, req.Name)
	s.respond(w, http.StatusCreated, p, err)
}

func (s *Server) handleGetPassenger(w http.ResponseWriter, r *http.Request) {
	p, err := s.Service.GetPassenger(mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, p, err)
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if !s.decode(w, r, &req) {
		return
	}
	ride, err := s.Service.RequestRide(r.Context(), req)
	s.respond(w, http.StatusCreated, ride, err)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Service.GetRide(r.Context(), mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, ride, err)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	ride, err := s.Service.AcceptRide(r.Context(), mux.Vars(r)["id"], req.DriverID)
	s.respond(w, http.StatusOK, ride, err)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Service.CompleteRide(r.Context(), mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, ride, err)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Service.CancelRide(r.Context(), mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, ride, err)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Service.Stats(r.Context())
	s.respond(w, http.StatusOK, st, err)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.Service.ListDrivers(), nil)
}

// handleWS attaches a websocket session for the party in the path. The
// party id is trusted; authentication happens in front of this service.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	party := mux.Vars(r)["party_id"]
	watch := r.URL.Query().Get("watch") == "true"
	s.Hub.ServeWS(w, r, party, watch)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, apperr.Validation("malformed request body: %v", err))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, body any, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, status, body)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if errors.Is(err, marketplace.ErrSettlementDisabled) {
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindConflict, apperr.KindInvalidTransition:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
