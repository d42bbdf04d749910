package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/auth"
	"chatrelay/clock"
	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/registry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// ErrAuthentication is returned when a handshake token does not identify the
// requested user.
var ErrAuthentication = errors.New("authentication failed")

// CloseAuthFailed is the close code sent when the handshake is rejected.
const CloseAuthFailed = 4001

type Server struct {
	db       *db.DB
	registry *registry.Registry
	tokens   *auth.Tokens
	clock    *clock.Clock
	config   *ServerConfig
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server

	stopOnce sync.Once
	stop     chan struct{}
}

type ServerConfig struct {
	Addr           string
	WriteTimeout   time.Duration
	MaxMessageSize int64
	UnreadLimit    int
}

func New(database *db.DB, reg *registry.Registry, tokens *auth.Tokens, clk *clock.Clock, config *ServerConfig) *Server {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 64 << 10
	}
	if config.UnreadLimit <= 0 {
		config.UnreadLimit = 100
	}

	return &Server{
		db:       database,
		registry: reg,
		tokens:   tokens,
		clock:    clk,
		config:   config,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		stop: make(chan struct{}),
	}
}

// Router wires the WebSocket endpoint, login and the ops API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/{userID}", s.handleWebSocket)
	r.Post("/auth/login", s.handleLogin)

	r.Route("/ops", func(ops chi.Router) {
		ops.Use(s.requireAdmin)
		ops.Get("/all_users", s.handleAllUsers)
		ops.Get("/user_info_by_login/{login}", s.handleUserInfo)
		ops.Patch("/edit_user/{login}", s.handleEditUser)
		ops.Post("/archive_conversation/{login}", s.handleArchive(true))
		ops.Post("/unarchive_conversation/{login}", s.handleArchive(false))
		ops.Get("/archived_conversations", s.handleArchivedConversations)
		ops.Delete("/conversation/{login}", s.handleDeleteConversation)
		ops.Get("/recent_messages", s.handleRecentMessages)
		ops.Get("/unread_count", s.handleUnreadCount)
		ops.Post("/clear_user_cache", s.handleClearUserCache)
	})

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	log.Printf("Chat relay started on %s", s.config.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every live session. Hijacked
// WebSocket connections are not tracked by http.Server, so the registry
// closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.requestStop()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.registry.Close()
	log.Printf("Server shutdown complete")
	return err
}

// Stopped is closed once a shutdown has been requested.
func (s *Server) Stopped() <-chan struct{} {
	return s.stop
}

func (s *Server) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	live, known, users := s.registry.Stats()
	return "live=" + strconv.Itoa(live) + ",known=" + strconv.Itoa(known) + ",users=" + strings.Join(users, ";")
}

// authenticate resolves the directory record for identity from a bearer token.
func (s *Server) authenticate(ctx context.Context, identity, token string) (*models.User, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if claims.Subject != identity {
		return nil, fmt.Errorf("%w: token subject %q does not match %q", ErrAuthentication, claims.Subject, identity)
	}

	user, err := s.db.GetUser(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return user, nil
}
