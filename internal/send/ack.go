package send

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/hqlink/internal/bus"
	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
	"github.com/nextlevelbuilder/hqlink/internal/inbox"
	"github.com/nextlevelbuilder/hqlink/internal/threads"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
	"github.com/nextlevelbuilder/hqlink/pkg/protocol"
)

// Receiver is the inbound pipeline fed by a transport watch: parse, store,
// thread, and acknowledge.
type Receiver struct {
	cfg     *config.Config
	tr      transport.Transport
	inbox   *inbox.Store
	threads *threads.Store
	bus     bus.Publisher
}

// NewReceiver builds the inbound pipeline.
func NewReceiver(cfg *config.Config, tr transport.Transport, in *inbox.Store, ts *threads.Store, b bus.Publisher) *Receiver {
	return &Receiver{cfg: cfg, tr: tr, inbox: in, threads: ts, bus: b}
}

// HandleInbound processes one piece of envelope-bearing text from the
// transport. Suitable as a transport.WatchFunc via a closure.
func (r *Receiver) HandleInbound(ctx context.Context, in transport.Inbound) {
	msg, err := hiamp.Parse(in.Text)
	if err != nil {
		slog.Debug("inbound text is not a valid HIAMP message", "error", err)
		return
	}

	cfg := r.cfg.Snapshot()
	toOwner, toWorker, ok := strings.Cut(msg.To, "/")
	if !ok || toOwner != cfg.Identity.Owner {
		return // addressed to some other HQ sharing the channel
	}

	if !r.mayReceive(cfg, toWorker) {
		slog.Warn("inbound message rejected by receive policy", "id", msg.ID, "worker", toWorker)
		r.nack(ctx, msg, in, "worker "+toWorker+" does not accept inter-HQ messages")
		return
	}

	dup, err := r.inbox.Add(toWorker, &inbox.Entry{
		Message:    *msg,
		Raw:        in.Text,
		ReceivedAt: ids.Now(),
		ChannelID:  in.ChannelID,
		ThreadRef:  in.ThreadRef,
		MessageRef: in.MessageRef,
	})
	if err != nil {
		slog.Error("inbox write failed", "id", msg.ID, "error", err)
		return
	}

	if msg.Thread != "" {
		if _, err := r.threads.AppendMessage(msg.Thread, msg); err != nil {
			slog.Warn("thread append failed", "thread", msg.Thread, "error", err)
		} else {
			r.bus.Publish(bus.Event{Name: protocol.EventThreadUpdated, Payload: map[string]any{"thread": msg.Thread}})
		}
	}

	r.bus.Publish(bus.Event{Name: protocol.EventMessageReceived, Payload: map[string]any{
		"id": msg.ID, "from": msg.From, "worker": toWorker, "intent": string(msg.Intent), "duplicate": dup,
	}})
	slog.Info("message received", "id", msg.ID, "from", msg.From, "intent", msg.Intent, "duplicate", dup)

	// Auto-ack: requested mode only, and never ack an acknowledge or error
	// (that is the anti-loop rule).
	if msg.Ack == hiamp.AckRequested && msg.Intent != hiamp.IntentAcknowledge && msg.Intent != hiamp.IntentError {
		r.ack(ctx, msg, in, toWorker)
	}
}

func (r *Receiver) mayReceive(cfg *config.Config, worker string) bool {
	rule, found := cfg.WorkerRule(worker)
	if !found {
		return cfg.Permissions.Default == "allow"
	}
	return rule.Receive
}

// ack emits the automatic acknowledgment as a threaded reply and records it
// in the thread log.
func (r *Receiver) ack(ctx context.Context, msg *hiamp.Message, in transport.Inbound, worker string) {
	cfg := r.cfg.Snapshot()
	ackMsg := &hiamp.Message{
		Version: hiamp.Version,
		ID:      ids.NewMessageID(),
		From:    cfg.Identity.Owner + "/" + worker,
		To:      msg.From,
		Intent:  hiamp.IntentAcknowledge,
		Body:    "Received.",
		Thread:  msg.Thread,
		ReplyTo: msg.ID,
		Ack:     hiamp.AckNone,
	}
	r.reply(ctx, ackMsg, in, protocol.EventAckEmitted)
}

// nack emits a policy rejection as an error-intent reply.
func (r *Receiver) nack(ctx context.Context, msg *hiamp.Message, in transport.Inbound, reason string) {
	cfg := r.cfg.Snapshot()
	_, toWorker, _ := strings.Cut(msg.To, "/")
	errMsg := &hiamp.Message{
		Version: hiamp.Version,
		ID:      ids.NewMessageID(),
		From:    cfg.Identity.Owner + "/" + toWorker,
		To:      msg.From,
		Intent:  hiamp.IntentError,
		Body:    reason,
		Thread:  msg.Thread,
		ReplyTo: msg.ID,
		Ack:     hiamp.AckNone,
	}
	r.reply(ctx, errMsg, in, protocol.EventAckEmitted)
}

// reply dispatches a composed ack or nack against the inbound's thread ref.
// Acks never retry.
func (r *Receiver) reply(ctx context.Context, msg *hiamp.Message, in transport.Inbound, event string) {
	callCtx, cancel := context.WithTimeout(ctx, transport.DefaultCallTimeout)
	defer cancel()

	text := hiamp.Compose(msg)
	if _, err := r.tr.SendReply(callCtx, in.ThreadRef, text); err != nil {
		slog.Warn("ack dispatch failed", "reply-to", msg.ReplyTo, "error", err)
		return
	}
	if msg.Thread != "" {
		if _, err := r.threads.AppendMessage(msg.Thread, msg); err != nil {
			slog.Warn("thread append failed", "thread", msg.Thread, "error", err)
		}
	}
	r.bus.Publish(bus.Event{Name: event, Payload: map[string]any{
		"id": msg.ID, "reply-to": msg.ReplyTo, "intent": string(msg.Intent),
	}})
}
