package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/volte"
)

// FlowProvider exposes the correlated results the server publishes.
type FlowProvider interface {
	CallFlows() []*volte.CallFlow
	FindByFlowID(id string) *volte.CallFlow
	FindByMSISDN(msisdn string) []*volte.CallFlow
	Stats() volte.Stats
}

// Config for the result streaming server.
type Config struct {
	Addr string
	Auth *AuthService
}

// Server publishes correlated call flows: JSON queries over HTTP and a
// websocket channel that pushes flows as correlation runs finish.
type Server struct {
	config   Config
	provider FlowProvider
	server   *http.Server

	wsClients   map[*websocket.Conn]bool
	wsClientsMu sync.RWMutex
	upgrader    websocket.Upgrader

	log *logger.Logger
}

// New creates a server over the given flow provider.
func New(config Config, provider FlowProvider) *Server {
	return &Server{
		config:    config,
		provider:  provider,
		wsClients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Get().WithComponent("web-server"),
	}
}

// Start begins serving; blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/flows", s.requireAuth(s.handleFlows))
	mux.HandleFunc("/api/flows/", s.requireAuth(s.handleFlowByID))
	mux.HandleFunc("/api/summary", s.requireAuth(s.handleSummary))
	mux.HandleFunc("/api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("/ws/flows", s.handleWebsocket)

	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("web server starting", "addr", s.config.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.wsClientsMu.Lock()
	for conn := range s.wsClients {
		conn.Close()
	}
	s.wsClients = make(map[*websocket.Conn]bool)
	s.wsClientsMu.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// BroadcastFlow pushes one flow to every connected websocket client.
func (s *Server) BroadcastFlow(flow *volte.CallFlow) {
	payload, err := json.Marshal(volte.FlowJSON(flow))
	if err != nil {
		s.log.Error("failed to marshal flow for broadcast", err, "flow_id", flow.FlowID)
		return
	}

	s.wsClientsMu.Lock()
	defer s.wsClientsMu.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(s.wsClients, conn)
		}
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.config.Auth == nil {
		http.Error(w, "authentication disabled", http.StatusNotImplemented)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	token, err := s.config.Auth.Login(req.Username, req.Password)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	writeJSON(w, map[string]string{"token": token})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.Auth == nil {
			next(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, _, err := s.config.Auth.ValidateToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	msisdn := r.URL.Query().Get("msisdn")

	var flows []*volte.CallFlow
	if msisdn != "" {
		flows = s.provider.FindByMSISDN(msisdn)
	} else {
		flows = s.provider.CallFlows()
	}

	out := make([]map[string]interface{}, 0, len(flows))
	for _, flow := range flows {
		out = append(out, volte.FlowJSON(flow))
	}
	writeJSON(w, out)
}

func (s *Server) handleFlowByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/flows/")
	flow := s.provider.FindByFlowID(id)
	if flow == nil {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, volte.FlowJSON(flow))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, volte.SummaryJSON(s.provider.CallFlows()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.provider.Stats())
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.config.Auth != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = bearerToken(r)
		}
		if _, _, err := s.config.Auth.ValidateToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", err)
		return
	}

	s.wsClientsMu.Lock()
	s.wsClients[conn] = true
	s.wsClientsMu.Unlock()

	s.log.Debug("websocket client connected", "remote", conn.RemoteAddr().String())

	// Drain the read side to notice disconnects
	go func() {
		defer func() {
			s.wsClientsMu.Lock()
			delete(s.wsClients, conn)
			s.wsClientsMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode error: %v", err), http.StatusInternalServerError)
	}
}
