package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/hqlink/internal/bus"
	"github.com/nextlevelbuilder/hqlink/pkg/protocol"
)

func TestFeed_RepublishesEvents(t *testing.T) {
	b := bus.New()
	s := NewServer(b)

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the server to register the client.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.clients) == 1
	}, time.Second, 10*time.Millisecond)

	s.broadcast(bus.Event{
		Name:    protocol.EventMessageSent,
		Payload: map[string]any{"id": "msg-12345678"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame protocol.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, protocol.EventMessageSent, frame.Event)
	require.NotEmpty(t, frame.Timestamp)
	payload := frame.Payload.(map[string]any)
	require.Equal(t, "msg-12345678", payload["id"])
}

func TestFeed_DisconnectedClientRemoved(t *testing.T) {
	b := bus.New()
	s := NewServer(b)

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.clients) == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.clients) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
