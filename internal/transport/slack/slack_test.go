package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
)

func newTestTransport(t *testing.T, yaml string, handler http.Handler) (*Transport, *httptest.Server) {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tr := New(cfg)
	tr.SetAPIBase(srv.URL)
	return tr, srv
}

const slackYAML = `
identity:
  owner: stefan
  instance-id: stefan-hq
peers:
  - owner: alex
    workers: [backend-dev]
transport: slack
slack:
  bot-token: xoxb-test
  channel-strategy: dedicated
  channel: C0DEDICATED
`

func TestSend_PostsMessage(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	tr, _ := newTestTransport(t, slackYAML, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat.postMessage", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "171.001"})
	}))

	res, err := tr.Send(context.Background(), "C0DEDICATED", "hello")
	require.NoError(t, err)
	require.Equal(t, "171.001", res.TransportMessageID)
	require.Equal(t, "C0DEDICATED/171.001", res.ThreadRef)
	require.Equal(t, "Bearer xoxb-test", gotAuth)
	require.Equal(t, "C0DEDICATED", gotBody["channel"])
	require.Equal(t, "hello", gotBody["text"])
	require.NotContains(t, gotBody, "thread_ts")
}

func TestSendReply_ThreadsUnderRoot(t *testing.T) {
	var gotBody map[string]any
	tr, _ := newTestTransport(t, slackYAML, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "171.002"})
	}))

	res, err := tr.SendReply(context.Background(), "C0DEDICATED/171.001", "a reply")
	require.NoError(t, err)
	require.Equal(t, "171.002", res.TransportMessageID)
	require.Equal(t, "171.001", gotBody["thread_ts"])
}

func TestResolveChannel_Strategies(t *testing.T) {
	yaml := `
identity:
  owner: stefan
  instance-id: stefan-hq
peers:
  - owner: alex
    workers: [backend-dev]
transport: slack
slack:
  bot-token: xoxb-test
  channel-strategy: per-relationship
  channels:
    alex--stefan: C0REL
  contexts:
    hq-cloud:
      channel: C0CTX
  dms:
    alex: D0DM
`
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	tr := New(cfg)

	// Per-relationship: either ordering of the pair matches.
	res, err := tr.ResolveChannel(context.Background(), "alex", "", "")
	require.NoError(t, err)
	require.Equal(t, "C0REL", res.ChannelID)
	require.Equal(t, config.StrategyPerRelationship, res.Strategy)

	// Explicit channel id bypasses the strategy.
	res, err = tr.ResolveChannel(context.Background(), "alex", "", "C0EXPLICIT")
	require.NoError(t, err)
	require.Equal(t, "C0EXPLICIT", res.ChannelID)

	// Unknown peer misses.
	_, err = tr.ResolveChannel(context.Background(), "carol", "", "")
	require.Equal(t, hqerr.CodeChannelResolveFailed, hqerr.CodeOf(err))
}

func TestResolveChannel_Contextual(t *testing.T) {
	yaml := `
identity:
  owner: stefan
  instance-id: stefan-hq
transport: slack
slack:
  bot-token: xoxb-test
  channel-strategy: contextual
  contexts:
    hq-cloud:
      channel: C0CTX
      subscribers: [alex]
`
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	tr := New(cfg)

	res, err := tr.ResolveChannel(context.Background(), "alex", "hq-cloud", "")
	require.NoError(t, err)
	require.Equal(t, "C0CTX", res.ChannelID)

	_, err = tr.ResolveChannel(context.Background(), "alex", "hq-unknown", "")
	require.Equal(t, hqerr.CodeNoContextMatch, hqerr.CodeOf(err))

	_, err = tr.ResolveChannel(context.Background(), "alex", "", "")
	require.Equal(t, hqerr.CodeNoContextMatch, hqerr.CodeOf(err))
}

func TestCall_ErrorMapping(t *testing.T) {
	t.Run("http 429", func(t *testing.T) {
		tr, _ := newTestTransport(t, slackYAML, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		_, err := tr.Send(context.Background(), "C0", "x")
		require.Equal(t, hqerr.CodeRateLimited, hqerr.CodeOf(err))
	})

	t.Run("http 403", func(t *testing.T) {
		tr, _ := newTestTransport(t, slackYAML, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		_, err := tr.Send(context.Background(), "C0", "x")
		require.Equal(t, hqerr.CodePermissionDenied, hqerr.CodeOf(err))
	})

	t.Run("in-band ratelimited", func(t *testing.T) {
		tr, _ := newTestTransport(t, slackYAML, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "ratelimited"})
		}))
		_, err := tr.Send(context.Background(), "C0", "x")
		require.Equal(t, hqerr.CodeRateLimited, hqerr.CodeOf(err))
	})

	t.Run("in-band invalid_auth", func(t *testing.T) {
		tr, _ := newTestTransport(t, slackYAML, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid_auth"})
		}))
		_, err := tr.Send(context.Background(), "C0", "x")
		require.Equal(t, hqerr.CodePermissionDenied, hqerr.CodeOf(err))
	})
}

func TestFetchReplies_SkipsRoot(t *testing.T) {
	tr, _ := newTestTransport(t, slackYAML, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations.replies", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"ts": "171.001", "text": "root"},
				{"ts": "171.002", "text": "first reply"},
				{"ts": "171.003", "text": "second reply"},
			},
		})
	}))

	replies, err := tr.FetchReplies(context.Background(), "C0/171.001")
	require.NoError(t, err)
	require.Equal(t, []string{"first reply", "second reply"}, replies)
}
