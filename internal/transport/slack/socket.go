package slack

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
)

// reconnectDelay paces socket-mode reconnects after a dropped connection.
const reconnectDelay = 3 * time.Second

// Watch opens a socket-mode connection and invokes cb for every inbound
// message event that carries a HIAMP envelope. Blocks until ctx is
// cancelled or Unwatch is called; reconnects on connection loss.
func (t *Transport) Watch(ctx context.Context, cb transport.WatchFunc) error {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return hqerr.New(hqerr.CodeTransportError, "watch already active")
	}
	ctx, cancel := context.WithCancel(ctx)
	t.stop = cancel
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.stop = nil
		t.mu.Unlock()
	}()

	for {
		if err := t.runSocket(ctx, cb); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("slack socket dropped, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// Unwatch stops an active Watch.
func (t *Transport) Unwatch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// socketEnvelope is the socket-mode frame wrapper.
type socketEnvelope struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Payload    struct {
		Event struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Channel  string `json:"channel"`
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts,omitempty"`
			BotID    string `json:"bot_id,omitempty"`
		} `json:"event"`
	} `json:"payload"`
}

func (t *Transport) runSocket(ctx context.Context, cb transport.WatchFunc) error {
	wsURL, err := t.openConnection(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return transport.WrapNetErr(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return transport.WrapNetErr(err)
		}
		var env socketEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("slack socket frame skipped", "error", err)
			continue
		}

		// Every events_api frame must be acked or Slack redelivers.
		if env.EnvelopeID != "" {
			ack, _ := json.Marshal(map[string]string{"envelope_id": env.EnvelopeID})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return transport.WrapNetErr(err)
			}
		}

		switch env.Type {
		case "disconnect":
			return nil // reconnect with a fresh URL
		case "events_api":
			ev := env.Payload.Event
			if ev.Type != "message" || !hiamp.IsEnvelope(ev.Text) {
				continue
			}
			rootTS := ev.ThreadTS
			if rootTS == "" {
				rootTS = ev.TS
			}
			cb(transport.Inbound{
				Text:       ev.Text,
				ThreadRef:  ev.Channel + "/" + rootTS,
				ChannelID:  ev.Channel,
				MessageRef: ev.TS,
			})
		}
	}
}

// openConnection requests a fresh socket-mode URL with the app token.
func (t *Transport) openConnection(ctx context.Context) (string, error) {
	var resp struct {
		apiEnvelope
		URL string `json:"url"`
	}
	// apps.connections.open authenticates with the app-level token, not
	// the bot token.
	if err := t.callWithToken(ctx, t.cfg.AppToken, "apps.connections.open", map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}
