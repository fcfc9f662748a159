// Package linear implements the issue-tracker transport against the Linear
// GraphQL API. Issues play the role of conversational anchors: send creates
// a comment on the resolved issue, and the issue id is the thread ref.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
)

// DefaultEndpoint is the Linear GraphQL endpoint.
const DefaultEndpoint = "https://api.linear.app/graphql"

// pollInterval paces the pull-based watch; Linear has no push surface for
// API clients.
const pollInterval = 15 * time.Second

// Transport is the issue-tracker style carrier.
type Transport struct {
	cfg      config.LinearConfig
	endpoint string
	http     *http.Client

	// Independent resolver caches, each with its own TTL.
	contextIssues *transport.TTLCache // context tag → issue UUID
	identifiers   *transport.TTLCache // KEY-N identifier → issue UUID
	teams         *transport.TTLCache // team key → team UUID

	mu       sync.Mutex
	stop     context.CancelFunc
	watched  map[string]bool // issue UUIDs the watch polls
	seen     map[string]bool // comment ids already surfaced
}

// New builds the transport from the linear config block.
func New(cfg *config.Config) *Transport {
	snap := cfg.Snapshot()
	endpoint := snap.Linear.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Transport{
		cfg:           snap.Linear,
		endpoint:      endpoint,
		http:          &http.Client{Timeout: transport.DefaultCallTimeout},
		contextIssues: transport.NewTTLCache(transport.DefaultResolveTTL),
		identifiers:   transport.NewTTLCache(transport.DefaultResolveTTL),
		teams:         transport.NewTTLCache(transport.DefaultResolveTTL),
		watched:       make(map[string]bool),
		seen:          make(map[string]bool),
	}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return config.TransportLinear }

// StartCacheSweeper expires stale resolver cache entries until ctx is
// cancelled.
func (t *Transport) StartCacheSweeper(ctx context.Context) {
	transport.StartSweeper(ctx, transport.DefaultResolveTTL, t.contextIssues, t.identifiers, t.teams)
}

// Send creates a comment on the issue; the issue id is the thread ref.
func (t *Transport) Send(ctx context.Context, channelID, text string) (transport.SendResult, error) {
	commentID, err := t.createComment(ctx, channelID, text)
	if err != nil {
		return transport.SendResult{}, err
	}
	t.track(channelID)
	return transport.SendResult{TransportMessageID: commentID, ThreadRef: channelID}, nil
}

// SendReply adds a comment to the same issue.
func (t *Transport) SendReply(ctx context.Context, threadRef, text string) (transport.ReplyResult, error) {
	commentID, err := t.createComment(ctx, threadRef, text)
	if err != nil {
		return transport.ReplyResult{}, err
	}
	t.track(threadRef)
	return transport.ReplyResult{TransportMessageID: commentID}, nil
}

// FetchReplies returns the comment bodies on the issue.
func (t *Transport) FetchReplies(ctx context.Context, threadRef string) ([]string, error) {
	comments, err := t.issueComments(ctx, threadRef)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(comments))
	for _, c := range comments {
		out = append(out, c.Body)
	}
	return out, nil
}

// Watch polls the tracked issues for new HIAMP-bearing comments. The first
// sweep primes the seen set without surfacing history.
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

	for _, team := range t.cfg.Teams {
		if team.AgentCommsIssueID != "" {
			t.track(team.AgentCommsIssueID)
		}
	}

	t.sweep(ctx, nil) // prime
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.sweep(ctx, cb)
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

func (t *Transport) track(issueID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watched[issueID] = true
}

func (t *Transport) sweep(ctx context.Context, cb transport.WatchFunc) {
	t.mu.Lock()
	issues := make([]string, 0, len(t.watched))
	for id := range t.watched {
		issues = append(issues, id)
	}
	t.mu.Unlock()

	for _, issueID := range issues {
		comments, err := t.issueComments(ctx, issueID)
		if err != nil {
			continue // transient; next sweep retries
		}
		for _, c := range comments {
			t.mu.Lock()
			dup := t.seen[c.ID]
			t.seen[c.ID] = true
			t.mu.Unlock()
			if dup || cb == nil || !hiamp.IsEnvelope(c.Body) {
				continue
			}
			cb(transport.Inbound{
				Text:       c.Body,
				ThreadRef:  issueID,
				ChannelID:  issueID,
				MessageRef: c.ID,
			})
		}
	}
}

type comment struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

func (t *Transport) createComment(ctx context.Context, issueID, body string) (string, error) {
	var resp struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	err := t.graphql(ctx, `mutation($input: CommentCreateInput!) {
		commentCreate(input: $input) { success comment { id } }
	}`, map[string]any{"input": map[string]any{"issueId": issueID, "body": body}}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.CommentCreate.Success {
		return "", hqerr.Newf(hqerr.CodeAPIError, "comment create on %s reported failure", issueID)
	}
	return resp.CommentCreate.Comment.ID, nil
}

func (t *Transport) issueComments(ctx context.Context, issueID string) ([]comment, error) {
	var resp struct {
		Issue struct {
			Comments struct {
				Nodes []comment `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	err := t.graphql(ctx, `query($id: String!) {
		issue(id: $id) { comments { nodes { id body } } }
	}`, map[string]any{"id": issueID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Issue.Comments.Nodes, nil
}

// graphql posts one operation and decodes the data object into out.
func (t *Transport) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", t.cfg.APIKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return transport.WrapNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		code := transport.MapHTTPStatus(resp.StatusCode)
		return hqerr.Newf(code, "linear api returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transport.WrapNetErr(err)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return hqerr.New(hqerr.CodeAPIError, "linear response decode failed").WithDetail(err.Error())
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		return hqerr.New(hqerr.CodeAPIError, "linear api error").WithDetail(strings.Join(msgs, "; "))
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return hqerr.New(hqerr.CodeAPIError, "linear data decode failed").WithDetail(err.Error())
		}
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
