// Package threads maintains the per-thread durable log of messages and
// participants. Each thread lives in a single YAML file under the HQ's
// thread-log directory; appends are atomic against crashes.
package threads

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
)

// Thread statuses.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Entry is one message appended to a thread.
type Entry struct {
	ID        string       `yaml:"id"`
	From      string       `yaml:"from"`
	To        string       `yaml:"to"`
	Intent    hiamp.Intent `yaml:"intent"`
	Body      string       `yaml:"body"`
	ReplyTo   string       `yaml:"reply-to,omitempty"`
	Timestamp string       `yaml:"timestamp"`
}

// Thread is the persistent per-thread record. Participants are
// insertion-ordered and unique; Messages are append-only.
type Thread struct {
	ID           string   `yaml:"id"`
	Status       string   `yaml:"status"`
	Participants []string `yaml:"participants"`
	Messages     []Entry  `yaml:"messages"`
	CreatedAt    string   `yaml:"created-at"`
	UpdatedAt    string   `yaml:"updated-at"`
}

// Store reads and writes thread files under a single directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(threadID string) string {
	return filepath.Join(s.dir, threadID)
}

// Load reads a thread by id.
func (s *Store) Load(threadID string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(threadID)
}

func (s *Store) load(threadID string) (*Thread, error) {
	data, err := os.ReadFile(s.path(threadID))
	if err != nil {
		return nil, err
	}
	var t Thread
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, err)
	}
	return &t, nil
}

func (s *Store) save(t *Thread) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(s.path(t.ID), data, 0o644)
}

// AppendMessage appends msg to the thread, creating the thread on first
// message. A reply-to referencing an id absent from the thread is kept
// verbatim (weak reference). Returns the updated thread.
func (s *Store) AppendMessage(threadID string, msg *hiamp.Message) (*Thread, error) {
	if !ids.ValidThreadID(threadID) {
		return nil, fmt.Errorf("bad thread id %q", threadID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(threadID)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		now := ids.Now()
		t = &Thread{ID: threadID, Status: StatusOpen, CreatedAt: now, UpdatedAt: now}
	}

	t.Messages = append(t.Messages, Entry{
		ID:        msg.ID,
		From:      msg.From,
		To:        msg.To,
		Intent:    msg.Intent,
		Body:      msg.Body,
		ReplyTo:   msg.ReplyTo,
		Timestamp: ids.Now(),
	})
	t.addParticipant(msg.From)
	t.addParticipant(msg.To)
	t.UpdatedAt = ids.Now()

	if err := s.save(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Thread) addParticipant(addr string) {
	for _, p := range t.Participants {
		if p == addr {
			return
		}
	}
	t.Participants = append(t.Participants, addr)
}

// Close marks the thread closed.
func (s *Store) Close(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(threadID)
	if err != nil {
		return err
	}
	t.Status = StatusClosed
	t.UpdatedAt = ids.Now()
	return s.save(t)
}

// List returns every thread id in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && ids.ValidThreadID(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
