// Package slack implements the chat-room transport over the Slack Web API
// plus a socket-mode event connection for push-delivered inbound messages.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
)

// DefaultAPIBase is the Slack Web API root.
const DefaultAPIBase = "https://slack.com/api"

// Transport is the chat-room style carrier.
type Transport struct {
	cfg      config.SlackConfig
	owner    string // local HQ owner, for per-relationship keys
	apiBase  string
	http     *http.Client
	resolved *transport.TTLCache // strategy key → channel id

	mu      sync.Mutex
	stop    context.CancelFunc
}

// New builds the transport from the slack config block.
func New(cfg *config.Config) *Transport {
	snap := cfg.Snapshot()
	return &Transport{
		cfg:      snap.Slack,
		owner:    snap.Identity.Owner,
		apiBase:  DefaultAPIBase,
		http:     &http.Client{Timeout: transport.DefaultCallTimeout},
		resolved: transport.NewTTLCache(transport.DefaultResolveTTL),
	}
}

// SetAPIBase overrides the Web API root (tests).
func (t *Transport) SetAPIBase(base string) { t.apiBase = strings.TrimRight(base, "/") }

// StartCacheSweeper expires stale resolver cache entries until ctx is
// cancelled.
func (t *Transport) StartCacheSweeper(ctx context.Context) {
	transport.StartSweeper(ctx, transport.DefaultResolveTTL, t.resolved)
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return config.TransportSlack }

// ResolveChannel maps the destination to a channel id per the configured
// strategy. Explicit channelID short-circuits the strategy.
func (t *Transport) ResolveChannel(ctx context.Context, targetPeer, contextTag, channelID string) (transport.Resolution, error) {
	if channelID != "" {
		return transport.Resolution{ChannelID: channelID, Strategy: "explicit"}, nil
	}

	strategy := t.cfg.ChannelStrategy
	if strategy == "" {
		strategy = config.StrategyDedicated
	}

	key := strategy + "|" + targetPeer + "|" + contextTag
	if id, ok := t.resolved.Get(key); ok {
		return transport.Resolution{ChannelID: id, Strategy: strategy}, nil
	}

	var (
		id   string
		name string
		err  error
	)
	switch strategy {
	case config.StrategyDedicated:
		id, name = t.cfg.Channel, "dedicated"
		if id == "" {
			err = hqerr.New(hqerr.CodeChannelResolveFailed, "no dedicated channel configured")
		}
	case config.StrategyPerRelationship:
		id, name, err = t.relationshipChannel(targetPeer)
	case config.StrategyContextual:
		if contextTag == "" {
			err = hqerr.New(hqerr.CodeNoContextMatch, "contextual strategy requires a context tag")
			break
		}
		cc, ok := t.cfg.Contexts[contextTag]
		if !ok {
			err = hqerr.Newf(hqerr.CodeNoContextMatch, "no channel declared for context %q", contextTag)
			break
		}
		id, name = cc.Channel, contextTag
	case config.StrategyDM:
		id, name, err = t.dmChannel(ctx, targetPeer)
	default:
		err = hqerr.Newf(hqerr.CodeChannelResolveFailed, "unknown channel strategy %q", strategy)
	}
	if err != nil {
		return transport.Resolution{}, err
	}

	t.resolved.Put(key, id)
	return transport.Resolution{ChannelID: id, ChannelName: name, Strategy: strategy}, nil
}

// relationshipChannel looks up the channel for the ordered peer pair. Both
// orderings are accepted so one declaration serves either side.
func (t *Transport) relationshipChannel(targetPeer string) (string, string, error) {
	keys := []string{t.owner + "--" + targetPeer, targetPeer + "--" + t.owner}
	pair := []string{t.owner, targetPeer}
	sort.Strings(pair)
	keys = append(keys, pair[0]+"--"+pair[1])
	for _, k := range keys {
		if id, ok := t.cfg.Channels[k]; ok {
			return id, k, nil
		}
	}
	return "", "", hqerr.Newf(hqerr.CodeChannelResolveFailed, "no relationship channel for peer %q", targetPeer)
}

// dmChannel returns the configured DM channel for the peer, opening one
// lazily through the API when the config carries only the peer's bot id.
func (t *Transport) dmChannel(ctx context.Context, targetPeer string) (string, string, error) {
	if id, ok := t.cfg.DMs[targetPeer]; ok {
		return id, "dm:" + targetPeer, nil
	}
	var resp struct {
		apiEnvelope
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := t.call(ctx, "conversations.open", map[string]any{"users": targetPeer}, &resp); err != nil {
		return "", "", hqerr.New(hqerr.CodeChannelResolveFailed, "open dm failed").WithDetail(err.Error())
	}
	return resp.Channel.ID, "dm:" + targetPeer, nil
}

// Send posts a top-level message. The returned thread ref is
// "<channel>/<ts>" so replies can address the same thread.
func (t *Transport) Send(ctx context.Context, channelID, text string) (transport.SendResult, error) {
	var resp struct {
		apiEnvelope
		TS string `json:"ts"`
	}
	err := t.call(ctx, "chat.postMessage", map[string]any{
		"channel": channelID,
		"text":    text,
	}, &resp)
	if err != nil {
		return transport.SendResult{}, err
	}
	return transport.SendResult{
		TransportMessageID: resp.TS,
		ThreadRef:          channelID + "/" + resp.TS,
	}, nil
}

// SendReply posts inside the thread identified by ref ("<channel>/<ts>").
func (t *Transport) SendReply(ctx context.Context, threadRef, text string) (transport.ReplyResult, error) {
	channel, ts, err := splitThreadRef(threadRef)
	if err != nil {
		return transport.ReplyResult{}, err
	}
	var resp struct {
		apiEnvelope
		TS string `json:"ts"`
	}
	err = t.call(ctx, "chat.postMessage", map[string]any{
		"channel":   channel,
		"text":      text,
		"thread_ts": ts,
	}, &resp)
	if err != nil {
		return transport.ReplyResult{}, err
	}
	return transport.ReplyResult{TransportMessageID: resp.TS}, nil
}

// FetchReplies pulls the replies under a thread root. Slack pushes via the
// socket connection, so this is a fallback for reconciliation.
func (t *Transport) FetchReplies(ctx context.Context, threadRef string) ([]string, error) {
	channel, ts, err := splitThreadRef(threadRef)
	if err != nil {
		return nil, err
	}
	var resp struct {
		apiEnvelope
		Messages []struct {
			Text string `json:"text"`
			TS   string `json:"ts"`
		} `json:"messages"`
	}
	err = t.call(ctx, "conversations.replies", map[string]any{
		"channel": channel,
		"ts":      ts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range resp.Messages {
		if m.TS == ts {
			continue // the root itself
		}
		out = append(out, m.Text)
	}
	return out, nil
}

func splitThreadRef(ref string) (channel, ts string, err error) {
	idx := strings.LastIndex(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", hqerr.Newf(hqerr.CodeTransportError, "malformed thread ref %q", ref)
	}
	return ref[:idx], ref[idx+1:], nil
}

// apiEnvelope is the common {ok, error} wrapper of every Web API response.
type apiEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (e apiEnvelope) ok() bool      { return e.OK }
func (e apiEnvelope) apiErr() string { return e.Error }

type apiResponse interface {
	ok() bool
	apiErr() string
}

// call posts a JSON body to one Web API method with the bot token and
// decodes the response. HTTP-level failures map per the shared status
// table; Slack's in-band {"ok":false} errors map by error string.
func (t *Transport) call(ctx context.Context, method string, body map[string]any, out apiResponse) error {
	return t.callWithToken(ctx, t.cfg.BotToken, method, body, out)
}

func (t *Transport) callWithToken(ctx context.Context, token, method string, body map[string]any, out apiResponse) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.http.Do(req)
	if err != nil {
		return transport.WrapNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		code := transport.MapHTTPStatus(resp.StatusCode)
		return hqerr.Newf(code, "slack %s returned %d", method, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transport.WrapNetErr(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return hqerr.New(hqerr.CodeAPIError, "slack response decode failed").WithDetail(err.Error())
	}
	if !out.ok() {
		return mapSlackError(method, out.apiErr())
	}
	return nil
}

func mapSlackError(method, apiErr string) error {
	code := hqerr.CodeAPIError
	switch apiErr {
	case "ratelimited", "rate_limited":
		code = hqerr.CodeRateLimited
	case "not_authed", "invalid_auth", "token_revoked", "missing_scope", "not_in_channel":
		code = hqerr.CodePermissionDenied
	case "channel_not_found", "thread_not_found":
		code = hqerr.CodeChannelResolveFailed
	}
	return hqerr.Newf(code, "slack %s failed: %s", method, apiErr)
}

var _ transport.Transport = (*Transport)(nil)
