// Package feed republishes domain events over a WebSocket endpoint for
// external consumers (the mobile client). Subscribers receive every bus
// event as a JSON frame; slow clients are dropped rather than blocking
// delivery.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hqlink/internal/bus"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
	"github.com/nextlevelbuilder/hqlink/pkg/protocol"
)

const (
	writeTimeout    = 10 * time.Second
	clientQueueSize = 64
	subscriberID    = "feed"
)

// Server fans bus events out to connected WebSocket clients.
type Server struct {
	bus      bus.Publisher
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool

	httpServer *http.Server
}

type client struct {
	conn *websocket.Conn
	send chan protocol.Frame
}

// NewServer creates a feed server attached to the bus.
func NewServer(b bus.Publisher) *Server {
	s := &Server{
		bus:     b,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is loopback-bound by default; non-browser mobile
			// clients send no Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Start listens on host:port and serves /feed until ctx is cancelled.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	s.bus.Subscribe(subscriberID, s.broadcast)
	defer s.bus.Unsubscribe(subscriberID)

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("feed server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("feed websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan protocol.Frame, clientQueueSize)}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	slog.Info("feed client connected", "remote", conn.RemoteAddr())

	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop drains the client until it disconnects; inbound frames are
// ignored, the feed is one-way.
func (s *Server) readLoop(c *client) {
	defer s.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for frame := range c.send {
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.drop(c)
			return
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

// broadcast is the bus subscriber: wrap the event in a frame and enqueue to
// every client. A full queue drops the client.
func (s *Server) broadcast(ev bus.Event) {
	frame := protocol.Frame{Event: ev.Name, Timestamp: ids.Now(), Payload: ev.Payload}

	s.mu.Lock()
	var slow []*client
	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		slog.Warn("feed client too slow, dropping", "remote", c.conn.RemoteAddr())
		s.drop(c)
	}
}
