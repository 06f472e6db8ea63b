package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096

	MsgDriverLocationUpdate = "driver_location_update"
	MsgAcceptRide           = "accept_ride"
	MsgError                = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Authentication happens in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler executes the operations a connected client may send.
type Handler interface {
	UpdateDriverLocation(ctx context.Context, id string, lat, lng float64) (models.Driver, error)
	AcceptRide(ctx context.Context, rideID, driverID string) (models.Ride, error)
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type locationUpdate struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type acceptRide struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Hub bridges bus subscriptions to websocket connections, one subscription
// per connection keyed by the connected party id.
type Hub struct {
	bus          *events.Bus
	handler      Handler
	logger       *slog.Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewHub(bus *events.Bus, handler Handler, logger *slog.Logger, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{bus: bus, handler: handler, logger: logger, writeTimeout: writeTimeout, sessions: make(map[*Session]struct{})}
}

// Session is one connected client.
type Session struct {
	party string
	conn  *websocket.Conn
	sub   *events.Subscription
	hub   *Hub
	mu    sync.Mutex // serializes writes
	once  sync.Once
}

// ServeWS upgrades the request and blocks reading client messages until the
// connection ends. watch subscribes to every event instead of party's.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, party string, watch bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "party", party, "error", err)
		return
	}
	key := party
	if watch {
		key = events.Watchers
	}
	sub := h.bus.Subscribe(key)
	s := &Session{party: party, conn: conn, sub: sub, hub: h}
	h.add(s)
	h.logger.Info("ws session opened", "party", party, "watch", watch)

	go s.writePump()
	s.readPump(r.Context())
}

// Sessions reports the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	observability.WSSessions.Inc()
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		observability.WSSessions.Dec()
	}
}

func (s *Session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.hub.writeTimeout))
}

func (s *Session) close() {
	s.once.Do(func() {
		s.sub.Close()
		_ = s.conn.Close()
		s.hub.remove(s)
		s.hub.logger.Info("ws session closed", "party", s.party)
	})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case evt, ok := <-s.sub.C:
			if !ok {
				return
			}
			if err := s.send(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context) {
	defer s.close()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("ws read error", "party", s.party, "error", err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = s.send(errorFrame{Type: MsgError, Kind: string(apperr.KindValidation), Message: "malformed message"})
			continue
		}
		if err := s.handle(ctx, msg); err != nil {
			_ = s.send(errorFrame{Type: MsgError, Request: msg.Type, Kind: string(apperr.KindOf(err)), Message: err.Error()})
		}
	}
}

func (s *Session) handle(ctx context.Context, msg inbound) error {
	switch msg.Type {
	case MsgDriverLocationUpdate:
		var m locationUpdate
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return apperr.Validation("bad %s payload: %v", msg.Type, err)
		}
		if m.DriverID == "" {
			m.DriverID = s.party
		}
		_, err := s.hub.handler.UpdateDriverLocation(ctx, m.DriverID, m.Lat, m.Lng)
		return err
	case MsgAcceptRide:
		var m acceptRide
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return apperr.Validation("bad %s payload: %v", msg.Type, err)
		}
		if m.DriverID == "" {
			m.DriverID = s.party
		}
		_, err := s.hub.handler.AcceptRide(ctx, m.RideID, m.DriverID)
		return err
	default:
		return apperr.Validation("unknown message type %q", msg.Type)
	}
}
