package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/hocbridge/internal/agent"
	"github.com/ehrlich-b/hocbridge/internal/logger"
	"github.com/ehrlich-b/hocbridge/internal/protocol"
)

// Options configure the bridge server.
type Options struct {
	// Token is the shared secret clients must present. Empty disables
	// authentication.
	Token string
	// InputRate caps agent input per connection in bytes per second.
	// Zero means unthrottled.
	InputRate int
}

// Server terminates WebSocket clients and routes their messages to
// the agent manager. One instance serves all connections.
type Server struct {
	id        string
	token     string
	inputRate int
	manager   *agent.Manager
}

func New(manager *agent.Manager, opts Options) *Server {
	return &Server{
		id:        uuid.New().String(),
		token:     opts.Token,
		inputRate: opts.InputRate,
		manager:   manager,
	}
}

// Handler returns the HTTP routes: the WebSocket endpoint at /ws and
// a liveness probe at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%d,"agents":%d}`+"\n",
		protocol.Version, len(s.manager.List()))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	newConn(s, ws).run(r.Context())
}

// Run listens on addr and serves until ctx is canceled. A bind
// failure surfaces immediately instead of from the serve goroutine.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("bridge listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
