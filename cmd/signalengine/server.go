package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/pkg/types"
)

// statusKey identifies one (symbol, strategy) pair in the server's
// status cache.
type statusKey struct {
	Symbol       string
	StrategyName string
}

// statusEntry is the last known tick outcome for one (symbol, strategy)
// pair, kept only so /status/{symbol}/{strategy} has something to
// report; the engine itself has no notion of "current status".
type statusEntry struct {
	Action           types.TickAction  `json:"action"`
	CloseReason      types.CloseReason `json:"closeReason,omitempty"`
	CloseTimestampMs int64             `json:"closeTimestampMs,omitempty"`
	UpdatedAtMs      int64             `json:"updatedAtMs"`
}

// wsClient is one connected monitoring-UI WebSocket connection,
// grounded on the teacher's internal/api.Client (Server.clients +
// readPump/writePump) but stripped of the teacher's request/response
// RPC surface: this server only ever pushes tick events, it never
// accepts commands over the socket.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server is the thin, deliberately peripheral HTTP/WebSocket host
// described in SPEC_FULL.md §6: health, Prometheus metrics, last-known
// status per (symbol, strategy), and a live tick-result feed. Grounded
// on the teacher's internal/api.Server, generalized from one
// trading-backend-shaped API to this engine's three surfaces.
type Server struct {
	logger       *zap.Logger
	host         hostConfig
	bus          *events.Bus
	accumulators *events.AccumulatorSet

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
	status  map[statusKey]statusEntry

	sub *events.Subscription

	published prometheus.Gauge
	delivered prometheus.Gauge
	busErrors prometheus.Gauge
	wsClients prometheus.Gauge
}

// NewServer wires routes and bus subscriptions: the status cache is fed
// from SignalLive/SignalBacktest events, and connected WebSocket clients
// receive every event, independent of which driver
// (backtest/live/walker) produced it. accumulators backs /report/{symbol}/{strategy}, the Report
// Accumulator's one HTTP-reachable surface.
func NewServer(logger *zap.Logger, host hostConfig, bus *events.Bus, accumulators *events.AccumulatorSet, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:       logger,
		host:         host,
		bus:          bus,
		accumulators: accumulators,
		router:       mux.NewRouter(),
		clients:      make(map[string]*wsClient),
		status:       make(map[statusKey]statusEntry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		published: promauto.With(registry).NewGauge(prometheus.GaugeOpts{Name: "signalengine_bus_published_total", Help: "Events published on the engine's event bus."}),
		delivered: promauto.With(registry).NewGauge(prometheus.GaugeOpts{Name: "signalengine_bus_delivered_total", Help: "Events delivered to bus subscribers."}),
		busErrors: promauto.With(registry).NewGauge(prometheus.GaugeOpts{Name: "signalengine_bus_errors_total", Help: "Event handler panics recovered by the bus."}),
		wsClients: promauto.With(registry).NewGauge(prometheus.GaugeOpts{Name: "signalengine_ws_clients", Help: "Connected monitoring WebSocket clients."}),
	}

	s.sub = bus.SubscribeAll(s.onEvent)
	s.setupRoutes(registry)
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/status/{symbol}/{strategy}", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/report/{symbol}/{strategy}", s.handleReport).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the HTTP server until it errors or Stop is called, CORS-
// wrapped exactly as the teacher wraps its router (spec.md names no
// auth boundary, so allowing every origin matches the teacher's
// development default rather than narrowing it without a spec basis).
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host.Host, s.host.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Info("starting signalengine host API", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop closes every WebSocket client and the bus subscription, then
// shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.sub.Unsubscribe()

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.bus.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"timeMs":      time.Now().UnixMilli(),
		"busPublished": stats.Published,
		"busDelivered": stats.Delivered,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := statusKey{Symbol: vars["symbol"], StrategyName: vars["strategy"]}

	s.mu.RLock()
	entry, ok := s.status[key]
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no tick observed yet for this symbol/strategy pair"})
		return
	}
	json.NewEncoder(w).Encode(entry)
}

// handleReport serves the Report Accumulator's view of one (symbol,
// strategy) pair (spec §2 "Event Bus + Report Accumulators"): plain
// text by default (RenderReport), or JSON stats with ?format=json
// (SnapshotStats).
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	acc := s.accumulators.Get(vars["symbol"], vars["strategy"])

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(acc.SnapshotStats())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, acc.RenderReport())
}

// onEvent is the bus handler backing both the status cache and the
// WebSocket broadcast. It runs on the bus's single dedicated
// subscriber goroutine (events.Bus.SubscribeAll), so status updates
// are applied in strict event order.
func (s *Server) onEvent(ev events.Envelope) {
	s.published.Set(float64(s.bus.Stats().Published))
	s.delivered.Set(float64(s.bus.Stats().Delivered))
	s.busErrors.Set(float64(s.bus.Stats().Errors))

	switch ev.Channel {
	case events.ChannelSignalLive, events.ChannelSignalBacktest:
		result, ok := ev.Body.(types.TickResult)
		if !ok {
			break
		}
		key := statusKey{Symbol: ev.Symbol, StrategyName: ev.StrategyName}
		s.mu.Lock()
		s.status[key] = statusEntry{
			Action:           result.Action,
			CloseReason:      result.CloseReason,
			CloseTimestampMs: result.CloseTimestampMs,
			UpdatedAtMs:      ev.TimestampMs,
		}
		s.mu.Unlock()
	}

	payload, err := json.Marshal(struct {
		Channel      events.Channel `json:"channel"`
		Symbol       string         `json:"symbol"`
		StrategyName string         `json:"strategyName"`
		ExchangeName string         `json:"exchangeName"`
		Backtest     bool           `json:"backtest"`
		TimestampMs  int64          `json:"timestampMs"`
		Body         any            `json:"body"`
	}{ev.Channel, ev.Symbol, ev.StrategyName, ev.ExchangeName, ev.Backtest, ev.TimestampMs, ev.Body})
	if err != nil {
		s.logger.Warn("failed to marshal event for websocket broadcast", zap.Error(err))
		return
	}
	s.broadcast(payload)
}

func (s *Server) broadcast(payload []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- payload:
		default:
			// client is too slow to keep up; drop this message for it
			// rather than block the bus's only subscriber goroutine.
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.wsClients.Set(float64(len(s.clients)))

	s.logger.Info("monitoring client connected", zap.String("id", client.id))
	go s.writePump(client)
	go s.readPump(client)
}

// readPump does nothing but keep the connection alive and detect
// disconnects; this server has no inbound command surface (spec.md §1
// names no control-plane-over-websocket requirement).
func (s *Server) readPump(client *wsClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		s.wsClients.Set(float64(len(s.clients)))
		client.conn.Close()
		s.logger.Info("monitoring client disconnected", zap.String("id", client.id))
	}()

	client.conn.SetReadLimit(4096)
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) writePump(client *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
