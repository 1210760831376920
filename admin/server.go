// Package admin is the operational status surface for a running session:
// GET /status (a JSON dump of connection/queue state) and GET /ws (a live
// feed of the session's log lines), grounded on the teacher's
// api/graphql/server.Server shape — same context/cancel/http.Server
// graceful-shutdown structure, with the GraphQL handler replaced by a
// plain mux since no GraphQL schema is in scope here.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jabberd-go/s2s/dispatch"
	"github.com/jabberd-go/s2s/pubsub"
)

const keyServerAddr key = "serverAddr"

type key string

// writeWait bounds how long one websocket frame write may block before the
// slow/dead subscriber is dropped.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the admin HTTP+websocket surface.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan struct{}
	srv    *http.Server
	log    *slog.Logger
}

// NewServer builds a Server bound to addr, reporting eng's Status() on
// GET /status and tailing ps's log stream on GET /ws.
func NewServer(addr string, eng *dispatch.Engine, ps *pubsub.Logger, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.Group("component", "name", "admin"))

	mux := http.NewServeMux()
	mux.HandleFunc("/status", statusHandler(eng))
	mux.HandleFunc("/ws", wsHandler(ps, log))

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan struct{}),
		log:    log,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
			BaseContext: func(l net.Listener) context.Context {
				return context.WithValue(ctx, keyServerAddr, l.Addr().String())
			},
		},
	}
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()

	s.cancel()
	close(s.ch)
	return err
}

// Shutdown gracefully stops the server and waits for Start to return.
func (s *Server) Shutdown() error {
	err := s.srv.Shutdown(s.ctx)

	<-s.ch
	return err
}

func statusHandler(eng *dispatch.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(eng.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func wsHandler(ps *pubsub.Logger, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		lines, unsubscribe := ps.Subscribe()
		defer unsubscribe()

		for line := range lines {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
	}
}
