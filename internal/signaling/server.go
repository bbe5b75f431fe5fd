package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/1ureka/huddle/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var roomPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ServerOptions configures a Server.
type ServerOptions struct {
	PIN      string // empty disables the check
	MaxPeers int    // per room; 0 means unlimited
}

// Server is the rendezvous point: GET /ws/{room} upgrades to the signaling
// WebSocket, GET /healthz reports liveness.
type Server struct {
	opts   ServerOptions
	hub    *Hub
	router *mux.Router

	listener net.Listener
	http     *http.Server
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{opts: opts, hub: NewHub(opts.MaxPeers)}

	r := mux.NewRouter()
	r.Use(logRequests)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/ws/{room}").HandlerFunc(s.handleWS)
	s.router = r

	return s
}

// logRequests logs every request with its status and duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		util.LogDebug("%s %s → %d (%v)", r.Method, r.URL.Path, m.Code, m.Duration)
	})
}

// Handler returns the HTTP handler. The hub must be running (see Run).
func (s *Server) Handler() http.Handler { return s.router }

// Run runs the hub loop until ctx is done.
func (s *Server) Run(ctx context.Context) { s.hub.Run(ctx) }

// Start runs the hub and serves on addr in the background. It returns the
// bound port, which differs from addr when addr names port 0.
func (s *Server) Start(ctx context.Context, addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start signaling server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.router}

	go s.hub.Run(ctx)
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server stopped: %v", err)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Close stops accepting connections and closes the open ones.
func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if !roomPattern.MatchString(room) {
		http.Error(w, "Invalid room", http.StatusBadRequest)
		return
	}
	if s.opts.PIN != "" && r.URL.Query().Get("pin") != s.opts.PIN {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:  s.hub,
		conn: conn,
		id:   uuid.NewString(),
		room: room,
		send: make(chan *Message, sendQueueSize),
	}

	select {
	case s.hub.register <- c:
	case <-s.hub.quit:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
