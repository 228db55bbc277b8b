// Package server exposes the assistant over a websocket chat gateway.
// Every connection is an independent session served by its own goroutine;
// all sessions share one assistant and one memory manager underneath.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vesperhq/vesper-go/memory"
)

// Responder answers one user message with the caller's capability.
// *assistant.Assistant satisfies it.
type Responder interface {
	Respond(ctx context.Context, text string, cap memory.Capability) (string, error)
}

// Config configures the gateway.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// OwnerToken grants the owner capability when presented as the
	// "token" query parameter on /ws. Empty disables owner access.
	OwnerToken string

	// ResponseTimeout bounds one Respond call (default 2 minutes).
	ResponseTimeout time.Duration
}

// Server is the websocket gateway.
type Server struct {
	cfg       Config
	responder Responder
	log       *zap.SugaredLogger
	upgrader  websocket.Upgrader
}

// New creates a server.
func New(cfg Config, responder Responder, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 2 * time.Minute
	}
	return &Server{
		cfg:       cfg,
		responder: responder,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("[SERVER] listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// capabilityFor grants owner to callers presenting the configured token.
func (s *Server) capabilityFor(r *http.Request) memory.Capability {
	if s.cfg.OwnerToken == "" {
		return memory.CapabilityRegular
	}
	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.OwnerToken)) == 1 {
		return memory.CapabilityOwner
	}
	return memory.CapabilityRegular
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	cap := s.capabilityFor(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("[SERVER] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.log.Infof("[SERVER] session opened from %s (owner=%t)", r.RemoteAddr, cap == memory.CapabilityOwner)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warnf("[SERVER] session read error: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ResponseTimeout)
		reply, err := s.responder.Respond(ctx, string(data), cap)
		cancel()
		if err != nil {
			s.log.Errorf("[SERVER] respond failed: %v", err)
			reply = "Something went wrong handling that message."
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			s.log.Warnf("[SERVER] session write error: %v", err)
			return
		}
	}
}
