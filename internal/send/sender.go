// Package send implements the outbound message path: worker permission
// preflight, rate limiting, channel resolution, envelope composition,
// transport dispatch, and thread recording. The ack handler for the
// inbound path lives here too; it posts its replies through the same
// transport directly, without the sender's retrying dispatch.
package send

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/hqlink/internal/bus"
	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
	"github.com/nextlevelbuilder/hqlink/internal/threads"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
	"github.com/nextlevelbuilder/hqlink/pkg/protocol"
)

// retryBaseDelay seeds the exponential backoff on rate-limited dispatch.
const retryBaseDelay = 500 * time.Millisecond

// Request is one outbound send. From may be empty when Worker is set; the
// sender derives "<identity.owner>/<worker>".
type Request struct {
	From      string
	Worker    string
	To        string
	Intent    hiamp.Intent
	Body      string
	Thread    string
	Priority  hiamp.Priority
	Ack       hiamp.AckMode
	Context   string
	Ref       string
	ChannelID string
	ThreadRef string // caller-known transport thread anchor, forces a reply
}

// Result reports a successful dispatch.
type Result struct {
	MessageID   string
	ChannelID   string
	Thread      string
	MessageText string
}

// Sender owns the outbound path. Safe for concurrent use; sends within one
// thread are serialized so message order equals dispatch order.
type Sender struct {
	cfg     *config.Config
	tr      transport.Transport
	threads *threads.Store
	bus     bus.Publisher
	limits  *limiters
	tracer  trace.Tracer

	// memo guards only the maps; it is never held across transport I/O.
	memo         sync.Mutex
	threadChans  map[string]string      // thread id → channel id
	threadRefs   map[string]string      // thread id → transport thread ref
	threadLocks  map[string]*sync.Mutex // per-thread dispatch serialization
}

// New builds a sender.
func New(cfg *config.Config, tr transport.Transport, ts *threads.Store, b bus.Publisher) *Sender {
	return &Sender{
		cfg:         cfg,
		tr:          tr,
		threads:     ts,
		bus:         b,
		limits:      newLimiters(cfg.Snapshot().Security.RateLimiting),
		tracer:      otel.Tracer("hqlink/send"),
		threadChans: make(map[string]string),
		threadRefs:  make(map[string]string),
		threadLocks: make(map[string]*sync.Mutex),
	}
}

// Send runs the full preflight and dispatch for one message.
func (s *Sender) Send(ctx context.Context, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "hiamp.send",
		trace.WithAttributes(attribute.String("hiamp.to", req.To), attribute.String("hiamp.intent", string(req.Intent))))
	defer span.End()

	cfg := s.cfg.Snapshot()

	// Policy gates, in precedence order: kill switch, disabled, permission,
	// address. The code for a multiply-violating call depends only on the
	// violation set.
	if cfg.Security.KillSwitch {
		return nil, hqerr.New(hqerr.CodeKillSwitch, "outbound messaging stopped by kill switch")
	}
	if !cfg.Settings.IsEnabled() {
		return nil, hqerr.New(hqerr.CodeDisabled, "outbound messaging disabled in settings")
	}

	from, worker, err := s.resolveFrom(cfg, req)
	if err != nil {
		return nil, err
	}

	targetPeer, targetWorker, addrErr := splitAddress(req.To)
	permErr := s.checkPermission(cfg, worker, targetPeer, req.Intent)
	if permErr != nil {
		return nil, permErr
	}
	if addrErr != nil {
		return nil, addrErr
	}
	peer, ok := cfg.Peer(targetPeer)
	if !ok {
		return nil, hqerr.Newf(hqerr.CodeInvalidMessage, "unknown peer %q", targetPeer)
	}
	if !peer.HasWorker(targetWorker) {
		return nil, hqerr.Newf(hqerr.CodeInvalidMessage, "peer %q has no worker %q", targetPeer, targetWorker)
	}

	if err := s.limits.allow(targetPeer); err != nil {
		return nil, err
	}

	if len(req.Body) > cfg.Settings.MessageMaxLength {
		return nil, hqerr.Newf(hqerr.CodeInvalidMessage,
			"body exceeds %d bytes", cfg.Settings.MessageMaxLength)
	}

	threadID := req.Thread
	if threadID == "" {
		threadID = ids.NewThreadID()
	}

	// Serialize per thread so transport ordering matches dispatch order.
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	channelID, threadRef, err := s.selectChannel(ctx, req, threadID, targetPeer)
	if err != nil {
		return nil, err
	}

	msg := &hiamp.Message{
		Version:  hiamp.Version,
		ID:       ids.NewMessageID(),
		From:     from,
		To:       req.To,
		Intent:   req.Intent,
		Body:     req.Body,
		Thread:   threadID,
		ReplyTo:  "",
		Priority: req.Priority,
		Ack:      req.Ack,
		Context:  req.Context,
		Ref:      req.Ref,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	text := hiamp.Compose(msg)

	newRef, err := s.dispatch(ctx, cfg, channelID, threadRef, text)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.memo.Lock()
	s.threadChans[threadID] = channelID
	if newRef != "" {
		s.threadRefs[threadID] = newRef
	}
	s.memo.Unlock()

	if _, err := s.threads.AppendMessage(threadID, msg); err != nil {
		slog.Warn("thread append failed after dispatch", "thread", threadID, "error", err)
	}

	s.bus.Publish(bus.Event{Name: protocol.EventMessageSent, Payload: map[string]any{
		"id": msg.ID, "to": req.To, "intent": string(req.Intent), "thread": threadID, "channel": channelID,
	}})
	slog.Info("message sent", "id", msg.ID, "to", req.To, "intent", req.Intent, "thread", threadID)

	return &Result{MessageID: msg.ID, ChannelID: channelID, Thread: threadID, MessageText: text}, nil
}

// resolveFrom derives the sending address and the local worker id.
func (s *Sender) resolveFrom(cfg *config.Config, req Request) (from, worker string, err error) {
	switch {
	case req.From != "":
		from = req.From
	case req.Worker != "":
		from = cfg.Identity.Owner + "/" + req.Worker
	default:
		return "", "", hqerr.New(hqerr.CodeInvalidMessage, "neither from nor worker given")
	}
	if !ids.ValidAddress(from) {
		return "", "", hqerr.Newf(hqerr.CodeInvalidMessage, "bad from address %q", from)
	}
	worker = from[strings.Index(from, "/")+1:]
	return from, worker, nil
}

// checkPermission enforces the worker permission matrix.
func (s *Sender) checkPermission(cfg *config.Config, worker, targetPeer string, intent hiamp.Intent) error {
	rule, found := cfg.WorkerRule(worker)
	if !found {
		if cfg.Permissions.Default == "allow" {
			return nil
		}
		return hqerr.Newf(hqerr.CodePermissionDenied, "worker %q has no send permission", worker)
	}
	if !rule.Send {
		return hqerr.Newf(hqerr.CodePermissionDenied, "worker %q has no send permission", worker)
	}
	if len(rule.AllowedIntents) > 0 && !contains(rule.AllowedIntents, string(intent)) {
		return hqerr.Newf(hqerr.CodePermissionDenied, "worker %q may not send intent %q", worker, intent)
	}
	if len(rule.AllowedPeers) > 0 && !contains(rule.AllowedPeers, targetPeer) && !contains(rule.AllowedPeers, "*") {
		return hqerr.Newf(hqerr.CodePermissionDenied, "worker %q may not address peer %q", worker, targetPeer)
	}
	return nil
}

// selectChannel picks the endpoint: explicit channel id, the thread memo,
// or a fresh resolution keyed on context (falling back to ref).
func (s *Sender) selectChannel(ctx context.Context, req Request, threadID, targetPeer string) (channelID, threadRef string, err error) {
	if req.ThreadRef != "" {
		threadRef = req.ThreadRef
	}
	if req.ChannelID != "" {
		res, err := s.tr.ResolveChannel(ctx, targetPeer, "", req.ChannelID)
		if err != nil {
			return "", "", err
		}
		return res.ChannelID, threadRef, nil
	}

	s.memo.Lock()
	memoChan, haveChan := s.threadChans[threadID]
	if threadRef == "" {
		threadRef = s.threadRefs[threadID]
	}
	s.memo.Unlock()
	if haveChan {
		return memoChan, threadRef, nil
	}

	contextTag := req.Context
	if contextTag == "" {
		contextTag = req.Ref
	}
	res, err := s.tr.ResolveChannel(ctx, targetPeer, contextTag, "")
	if err != nil {
		if hqerr.CodeOf(err) == "" {
			err = hqerr.New(hqerr.CodeChannelResolveFailed, "channel resolution failed").WithDetail(err.Error())
		}
		return "", "", err
	}
	return res.ChannelID, threadRef, nil
}

// dispatch posts the text, retrying idempotent rate-limit failures with
// exponential backoff up to settings.max-retries. Returns the transport
// thread ref of a new root post ("" for replies).
func (s *Sender) dispatch(ctx context.Context, cfg *config.Config, channelID, threadRef, text string) (string, error) {
	maxRetries := cfg.Settings.MaxRetries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", transport.WrapNetErr(ctx.Err())
			case <-time.After(retryBaseDelay << (attempt - 1)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, transport.DefaultCallTimeout)
		var (
			ref string
			err error
		)
		if threadRef != "" {
			_, err = s.tr.SendReply(callCtx, threadRef, text)
		} else {
			var res transport.SendResult
			res, err = s.tr.Send(callCtx, channelID, text)
			ref = res.ThreadRef
		}
		cancel()

		if err == nil {
			return ref, nil
		}
		lastErr = err
		// Only rate limiting is known idempotent-safe to retry.
		if hqerr.CodeOf(err) != hqerr.CodeRateLimited {
			break
		}
	}
	if hqerr.CodeOf(lastErr) == "" {
		lastErr = hqerr.New(hqerr.CodeTransportError, "dispatch failed").WithDetail(lastErr.Error())
	}
	return "", lastErr
}

// ThreadChannel returns the memoized channel for a thread, if any.
func (s *Sender) ThreadChannel(threadID string) (string, bool) {
	s.memo.Lock()
	defer s.memo.Unlock()
	id, ok := s.threadChans[threadID]
	return id, ok
}

func (s *Sender) threadLock(threadID string) *sync.Mutex {
	s.memo.Lock()
	defer s.memo.Unlock()
	l, ok := s.threadLocks[threadID]
	if !ok {
		l = &sync.Mutex{}
		s.threadLocks[threadID] = l
	}
	return l
}

func splitAddress(addr string) (peer, worker string, err error) {
	if !ids.ValidAddress(addr) {
		return "", "", hqerr.Newf(hqerr.CodeInvalidMessage, "bad destination address %q", addr)
	}
	idx := strings.Index(addr, "/")
	return addr[:idx], addr[idx+1:], nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
