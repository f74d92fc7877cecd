// Package api exposes the state of a node and its room operations over
// HTTP, with a websocket stream of live updates
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/berrythewa/meshplay/internal/mesh"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxChatLength = 1024
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
)

// PlaybackStatus is the local playback state together with what peers report
type PlaybackStatus struct {
	Local   types.PlaybackState        `json:"local"`
	Track   *types.Track               `json:"track,omitempty"`
	Remotes []types.RemotePlaybackView `json:"remotes"`
}

// ClockStatus is the clock estimate as served to clients
type ClockStatus struct {
	OffsetMs    float64   `json:"offset_ms"`
	RTTMs       float64   `json:"rtt_ms"`
	Samples     int       `json:"samples"`
	LastUpdated time.Time `json:"last_updated"`
	MeshTimeMs  int64     `json:"mesh_time_ms"`
}

// Node is the surface of a running node the server needs
type Node interface {
	Topology() types.Topology
	ClockState() types.ClockState
	MeshTime() int64
	Playback() PlaybackStatus

	CreateRoom(ctx context.Context) (string, error)
	StartScanning(ctx context.Context) error
	JoinRoom(ctx context.Context, id types.PeerID) error
	StopAll()
	SendChat(ctx context.Context, text string) (types.Message, error)

	SubscribeTopology() (<-chan types.Topology, func())
	SubscribeClock() (<-chan types.ClockState, func())
	SubscribeChat() (<-chan types.Inbound, func())
}

// Config holds the listen address
type Config struct {
	Host string
	Port int
}

// Event is one frame of the websocket stream
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Server serves the status API
type Server struct {
	node     Node
	cfg      Config
	logger   *zap.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	conns    sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer creates the server and its routes
func NewServer(node Node, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		node:   node,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "api")),
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/topology", s.handleTopology).Methods(http.MethodGet)
	v1.HandleFunc("/clock", s.handleClock).Methods(http.MethodGet)
	v1.HandleFunc("/playback", s.handlePlayback).Methods(http.MethodGet)
	v1.HandleFunc("/room", s.handleCreateRoom).Methods(http.MethodPost)
	v1.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	v1.HandleFunc("/join/{peer}", s.handleJoin).Methods(http.MethodPost)
	v1.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	v1.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("API server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server and waits for websocket streams to end
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	// Hijacked websocket connections are not tracked by the http server
	s.quitOnce.Do(func() { close(s.quit) })
	defer s.conns.Wait()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}

func (s *Server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Topology())
}

func (s *Server) handleClock(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.clockStatus(s.node.ClockState()))
}

func (s *Server) clockStatus(st types.ClockState) ClockStatus {
	return ClockStatus{
		OffsetMs:    float64(st.Offset) / float64(time.Millisecond),
		RTTMs:       float64(st.RTT) / float64(time.Millisecond),
		Samples:     st.Samples,
		LastUpdated: st.LastUpdated,
		MeshTimeMs:  s.node.MeshTime(),
	}
}

func (s *Server) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Playback())
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	code, err := s.node.CreateRoom(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room": code})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if err := s.node.StartScanning(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scanning"})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	peer := types.PeerID(mux.Vars(r)["peer"])
	if err := s.node.JoinRoom(r.Context(), peer); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "joining", "peer": peer.String()})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.node.StopAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*maxChatLength)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || len(text) > maxChatLength {
		writeError(w, http.StatusBadRequest, fmt.Errorf("text must be 1 to %d bytes", maxChatLength))
		return
	}

	msg, err := s.node.SendChat(r.Context(), text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": msg.ID})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.conns.Add(1)
	defer s.conns.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	topo, stopTopo := s.node.SubscribeTopology()
	defer stopTopo()
	clk, stopClock := s.node.SubscribeClock()
	defer stopClock()
	chat, stopChat := s.node.SubscribeChat()
	defer stopChat()

	// The read side only detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	s.logger.Debug("Websocket client connected", zap.String("remote", r.RemoteAddr))
	for {
		var ev Event
		select {
		case <-closed:
			return
		case <-s.quit:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-r.Context().Done():
			return
		case t, ok := <-topo:
			if !ok {
				return
			}
			ev = Event{Type: "topology", Data: t}
		case c, ok := <-clk:
			if !ok {
				return
			}
			ev = Event{Type: "clock", Data: s.clockStatus(c)}
		case in, ok := <-chat:
			if !ok {
				return
			}
			ev = Event{Type: "chat", Data: chatEvent(in)}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
			continue
		}

		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteJSON(ev); err != nil {
			s.logger.Debug("Websocket client gone", zap.Error(err))
			return
		}
	}
}

// ChatMessage is a chat line as pushed to websocket clients
type ChatMessage struct {
	ID        string       `json:"id"`
	From      types.PeerID `json:"from"`
	Text      string       `json:"text"`
	Timestamp int64        `json:"timestamp"`
}

func chatEvent(in types.Inbound) ChatMessage {
	body, _ := in.Message.Body.(types.Chat)
	return ChatMessage{
		ID:        in.Message.ID,
		From:      in.Message.SenderID,
		Text:      body.Text,
		Timestamp: in.Message.Timestamp,
	}
}

func statusFor(err error) int {
	var meshErr *mesh.MeshError
	if errors.As(err, &meshErr) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
