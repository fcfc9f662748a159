// Package memory provides an in-process transport used by tests. Messages
// are retained in memory and can be injected to exercise the inbound
// pipeline.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
)

// Posted is one artifact recorded by the transport.
type Posted struct {
	ChannelID string
	ThreadRef string
	Text      string
	Reply     bool
}

// Transport is the in-memory carrier. Zero value is not usable; construct
// with New.
type Transport struct {
	mu       sync.Mutex
	posts    []Posted
	cb       transport.WatchFunc
	resolves int

	// FailWith, when set, makes Send and SendReply fail with this error.
	FailWith error
	// Channel returned by ResolveChannel; defaults to "mem-chan".
	Channel string
}

// New creates an empty in-memory transport.
func New() *Transport {
	return &Transport{Channel: "mem-chan"}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return "memory" }

// ResolveChannel returns the fixed channel and counts invocations.
func (t *Transport) ResolveChannel(ctx context.Context, targetPeer, contextTag, channelID string) (transport.Resolution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolves++
	if channelID != "" {
		return transport.Resolution{ChannelID: channelID, Strategy: "explicit"}, nil
	}
	return transport.Resolution{ChannelID: t.Channel, ChannelName: "memory", Strategy: "dedicated"}, nil
}

// Resolves returns how many times ResolveChannel ran.
func (t *Transport) Resolves() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolves
}

// Send records a root post.
func (t *Transport) Send(ctx context.Context, channelID, text string) (transport.SendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailWith != nil {
		return transport.SendResult{}, t.FailWith
	}
	id := uuid.NewString()
	ref := channelID + "/" + id
	t.posts = append(t.posts, Posted{ChannelID: channelID, ThreadRef: ref, Text: text})
	return transport.SendResult{TransportMessageID: id, ThreadRef: ref}, nil
}

// SendReply records a threaded post.
func (t *Transport) SendReply(ctx context.Context, threadRef, text string) (transport.ReplyResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailWith != nil {
		return transport.ReplyResult{}, t.FailWith
	}
	t.posts = append(t.posts, Posted{ThreadRef: threadRef, Text: text, Reply: true})
	return transport.ReplyResult{TransportMessageID: uuid.NewString()}, nil
}

// Watch registers cb and blocks until ctx is cancelled.
func (t *Transport) Watch(ctx context.Context, cb transport.WatchFunc) error {
	t.mu.Lock()
	if t.cb != nil {
		t.mu.Unlock()
		return hqerr.New(hqerr.CodeTransportError, "watch already active")
	}
	t.cb = cb
	t.mu.Unlock()
	<-ctx.Done()
	t.Unwatch()
	return ctx.Err()
}

// Unwatch clears the registered callback.
func (t *Transport) Unwatch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = nil
}

// Inject delivers text to the active watch callback as if it arrived from
// the wire.
func (t *Transport) Inject(in transport.Inbound) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb != nil {
		cb(in)
	}
}

// FetchReplies returns the recorded reply texts under threadRef, in the
// order they were sent.
func (t *Transport) FetchReplies(ctx context.Context, threadRef string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailWith != nil {
		return nil, t.FailWith
	}
	var out []string
	for _, p := range t.posts {
		if p.Reply && p.ThreadRef == threadRef {
			out = append(out, p.Text)
		}
	}
	return out, nil
}

// Posts returns a copy of everything recorded so far.
func (t *Transport) Posts() []Posted {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Posted, len(t.posts))
	copy(out, t.posts)
	return out
}

var _ transport.Transport = (*Transport)(nil)
