package inbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
)

func entry(id string) *Entry {
	return &Entry{
		Message: hiamp.Message{
			Version: hiamp.Version, ID: id,
			From: "alex/backend-dev", To: "stefan/architect",
			Intent: hiamp.IntentInform, Body: "hi",
		},
		Raw:        "raw text",
		ReceivedAt: "2026-08-01T10:00:00Z",
		ChannelID:  "C01",
	}
}

func TestAddGetMarkRead(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	dup, err := s.Add("architect", entry("msg-11111111"))
	require.NoError(t, err)
	require.False(t, dup)

	e, err := s.Get("architect", "msg-11111111")
	require.NoError(t, err)
	require.Equal(t, "alex/backend-dev", e.Message.From)
	require.False(t, e.Read)

	require.NoError(t, s.MarkRead("architect", "msg-11111111"))
	e, err = s.Get("architect", "msg-11111111")
	require.NoError(t, err)
	require.True(t, e.Read)
}

func TestAdd_DuplicateOverwrites(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	first := entry("msg-22222222")
	_, err = s.Add("architect", first)
	require.NoError(t, err)

	second := entry("msg-22222222")
	second.Message.Body = "updated"
	dup, err := s.Add("architect", second)
	require.NoError(t, err)
	require.True(t, dup, "second arrival must be flagged as duplicate")

	e, err := s.Get("architect", "msg-22222222")
	require.NoError(t, err)
	require.Equal(t, "updated", e.Message.Body, "later arrival wins")
}

func TestList_OrderAndReadFilter(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	for _, id := range []string{"msg-aaaaaaaa", "msg-bbbbbbbb", "msg-cccccccc"} {
		_, err := s.Add("architect", entry(id))
		require.NoError(t, err)
	}

	// Pin mtimes so enumeration order is deterministic: c oldest, a newest;
	// b ties with a and loses on id.
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "architect", "msg-cccccccc"), base, base))
	newer := base.Add(30 * time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "architect", "msg-aaaaaaaa"), newer, newer))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "architect", "msg-bbbbbbbb"), newer, newer))

	list, err := s.List("architect", true)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "msg-aaaaaaaa", list[0].Message.ID)
	require.Equal(t, "msg-bbbbbbbb", list[1].Message.ID)
	require.Equal(t, "msg-cccccccc", list[2].Message.ID)

	require.NoError(t, s.MarkRead("architect", "msg-bbbbbbbb"))
	unread, err := s.List("architect", false)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	for _, e := range unread {
		require.NotEqual(t, "msg-bbbbbbbb", e.Message.ID)
	}
}

func TestList_UnknownWorkerEmpty(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	list, err := s.List("ghost", true)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestWorkers(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Add("zeta", entry("msg-33333333"))
	require.NoError(t, err)
	_, err = s.Add("alpha", entry("msg-44444444"))
	require.NoError(t, err)

	workers, err := s.Workers()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zeta"}, workers)
}
