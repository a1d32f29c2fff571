package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server represents the friendchat server
type Server struct {
	store       Store
	registry    *Registry
	sessions    *SessionManager
	contacts    *ContactAssembler
	friendships *Friendships
	router      *Router
	metrics     *Metrics
	config      ServerConfig
	origins     originPolicy
	upgrader    websocket.Upgrader

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	connMu    sync.Mutex // Protects closing and wg.Add for connection goroutines
	closing   bool
	startTime time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort          int // Public HTTP port for /ws and /health (0 = disabled)
	TCPPort           int // Line-delimited JSON over TCP (0 = disabled)
	MetricsPort       int // Internal /metrics and /health (0 = disabled)
	SSHPort           int // Password-authenticated SSH carrying the TCP framing (0 = disabled)
	SSHHostKeyPath    string
	AllowedOrigins    []string
	MaxFrameBytes     int
	MaxMessageLength  int
	MaxUsernameLength int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:          8080,
		TCPPort:           0,
		MetricsPort:       9090,
		SSHPort:           0,
		SSHHostKeyPath:    "~/.friendchat/ssh_host_key",
		AllowedOrigins:    []string{"*"},
		MaxFrameBytes:     64 * 1024,
		MaxMessageLength:  4096, // characters
		MaxUsernameLength: 50,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
	}
}

// NewServer wires the coordinator around store. The server takes ownership of
// store and closes it on Stop.
func NewServer(store Store, config ServerConfig) *Server {
	registry := NewRegistry()
	friendships := NewFriendships(store)
	contacts := NewContactAssembler(store, friendships, registry)
	router := NewRouter(store, registry, config.MaxMessageLength)
	sessions := NewSessionManager(store, registry, contacts, router, config)
	metrics := NewMetrics()
	sessions.SetMetrics(metrics)

	s := &Server{
		store:       store,
		registry:    registry,
		sessions:    sessions,
		contacts:    contacts,
		friendships: friendships,
		router:      router,
		metrics:     metrics,
		config:      config,
		origins:     newOriginPolicy(config.AllowedOrigins),
		shutdown:    make(chan struct{}),
		startTime:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Start starts the configured listeners. It returns once they are bound.
func (s *Server) Start() error {
	if s.config.TCPPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.TCPPort)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		logrus.WithField("addr", addr).Info("TCP server listening")
		s.ServeTCP(listener)
	}

	if s.config.SSHPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.SSHPort)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		if err := s.ServeSSH(listener); err != nil {
			listener.Close()
			return err
		}
		logrus.WithField("addr", addr).Info("SSH server listening")
	}

	// Metrics server is internal only and must never be exposed publicly
	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := s.listenHTTP(s.metricsServer, "metrics (/metrics, /health)"); err != nil {
			s.Stop()
			return err
		}
	}

	if s.config.HTTPPort > 0 {
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler:           s.PublicHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := s.listenHTTP(s.httpServer, "public (/ws, /health)"); err != nil {
			s.Stop()
			return err
		}
	}

	return nil
}

func (s *Server) listenHTTP(srv *http.Server, name string) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	logrus.WithField("addr", srv.Addr).Infof("%s HTTP server listening", name)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("addr", srv.Addr).WithError(err).Errorf("%s HTTP server error", name)
		}
	}()
	return nil
}

// PublicHandler serves the client-facing endpoints.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// HealthHandler reports liveness and basic load figures.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    s.sessions.Count(),
		"online_users":   s.registry.Count(),
	})
}

// trackConn registers a connection goroutine with the shutdown wait group.
// It returns false once Stop has begun.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		logrus.Info("Graceful shutdown initiated...")
		close(s.shutdown)

		s.connMu.Lock()
		s.closing = true
		s.connMu.Unlock()

		for _, l := range []net.Listener{s.listener, s.sshListener} {
			if l != nil {
				l.Close()
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv != nil {
				srv.Shutdown(ctx)
			}
		}

		// Hijacked WebSocket, raw TCP and SSH connections are not covered by
		// Shutdown; closing them ends their read loops.
		s.sessions.CloseAll()
		s.wg.Wait()

		if closeErr := s.store.Close(); closeErr != nil {
			logrus.WithError(closeErr).Error("error during store close")
			err = closeErr
		}
		logrus.Info("Graceful shutdown complete")
	})
	return err
}
