package hiamp

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func minimal() *Message {
	return &Message{
		Version: Version,
		ID:      "msg-a1b2c3d4",
		From:    "stefan/architect",
		To:      "alex/backend-dev",
		Intent:  IntentHandoff,
		Body:    "The API contract is ready.",
	}
}

func TestCompose_Shape(t *testing.T) {
	text := Compose(minimal())

	require.True(t, strings.HasPrefix(text, "stefan/architect  →  alex/backend-dev\n"))
	require.Contains(t, text, "\nThe API contract is ready.\n")
	require.Contains(t, text, "\n"+Separator+"\n")

	lines := strings.Split(text, "\n")
	trailer := lines[len(lines)-1]
	matched, err := regexp.MatchString(
		`^hq-msg:v1 \| id:msg-[a-z0-9]{8} \| from:stefan/architect \| to:alex/backend-dev \| intent:handoff$`,
		trailer)
	require.NoError(t, err)
	require.True(t, matched, "trailer %q", trailer)
}

func TestCompose_Separator(t *testing.T) {
	require.Equal(t, 15, strings.Count(Separator, "─"))
	require.Equal(t, strings.Repeat("─", 15), Separator)
}

func TestRoundTrip(t *testing.T) {
	cases := []*Message{
		minimal(),
		{
			Version: Version, ID: "msg-deadbeef99", From: "alex/backend-dev", To: "stefan/architect",
			Intent: IntentRequest, Body: "Need the schema.\nSecond line.",
			Thread: "thr-0a1b2c3d", ReplyTo: "msg-a1b2c3d4",
			Priority: PriorityUrgent, Ack: AckRequested,
			Context: "hq-cloud", Ref: "https://example.com/ticket/9",
		},
		{
			Version: Version, ID: "msg-00000000", From: "a-b/c-d", To: "e/f0",
			Intent: IntentShare, Body: "body with | pipes and: colons",
			Ack: AckNone,
		},
	}
	for _, m := range cases {
		got, err := Parse(Compose(m))
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestParse_TokenOrderFree(t *testing.T) {
	text := "alex/backend-dev  →  stefan/architect\n\nok\n\n" + Separator + "\n" +
		"hq-msg:v1 | thread:thr-12345678 | to:stefan/architect | id:msg-87654321 | intent:inform | from:alex/backend-dev | priority:low"
	m, err := Parse(text)
	require.NoError(t, err)
	require.Equal(t, "msg-87654321", m.ID)
	require.Equal(t, "thr-12345678", m.Thread)
	require.Equal(t, PriorityLow, m.Priority)
	require.Equal(t, "ok", m.Body)
}

func TestParse_ValueWithColons(t *testing.T) {
	m := minimal()
	m.Ref = "https://linear.app/team/issue/ENG-42"
	got, err := Parse(Compose(m))
	require.NoError(t, err)
	require.Equal(t, m.Ref, got.Ref)
}

func TestParse_NotAnEnvelope(t *testing.T) {
	_, err := Parse("just a plain chat message")
	require.Error(t, err)
	require.Contains(t, err.Error(), "INVALID_ENVELOPE")
}

func TestParse_UnknownVersion(t *testing.T) {
	text := "a/b  →  c/d\n\nx\n\n" + Separator + "\nhq-msg:v2 | id:msg-12345678 | from:a/b | to:c/d | intent:inform"
	_, err := Parse(text)
	require.Error(t, err)
	require.Contains(t, err.Error(), "UNKNOWN_VERSION")
}

func TestParse_ValidationFailures(t *testing.T) {
	cases := []struct {
		name, trailer, code string
	}{
		{"bad id", "hq-msg:v1 | id:nope | from:a/b | to:c/d | intent:inform", "BAD_ID"},
		{"bad address", "hq-msg:v1 | id:msg-12345678 | from:Not/ok | to:c/d | intent:inform", "BAD_ADDRESS"},
		{"bad intent", "hq-msg:v1 | id:msg-12345678 | from:a/b | to:c/d | intent:demand", "BAD_INTENT"},
		{"bad thread", "hq-msg:v1 | id:msg-12345678 | from:a/b | to:c/d | intent:inform | thread:short", "BAD_ID"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			text := "a/b  →  c/d\n\nx\n\n" + Separator + "\n" + c.trailer
			_, err := Parse(text)
			require.Error(t, err)
			require.Contains(t, err.Error(), c.code)
		})
	}
}

func TestIsEnvelope(t *testing.T) {
	require.True(t, IsEnvelope(Compose(minimal())))
	require.False(t, IsEnvelope("hello there"))
}

func TestParse_MultilineBodyPreserved(t *testing.T) {
	m := minimal()
	m.Body = "first\n\nthird after a blank"
	got, err := Parse(Compose(m))
	require.NoError(t, err)
	require.Equal(t, m.Body, got.Body)
}
