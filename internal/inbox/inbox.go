// Package inbox persists received messages per local worker and tracks the
// read flag. One file per message id under workspace/inbox/<worker>/.
package inbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
)

// Entry is one delivered message as stored on disk.
type Entry struct {
	Message    hiamp.Message `yaml:"message"`
	Raw        string        `yaml:"raw"` // envelope text as received
	ReceivedAt string        `yaml:"received-at"`
	ChannelID  string        `yaml:"channel-id,omitempty"`  // opaque transport endpoint
	ThreadRef  string        `yaml:"thread-ref,omitempty"`  // transport thread anchor for replies
	MessageRef string        `yaml:"message-ref,omitempty"` // transport-native message reference
	Read       bool          `yaml:"read"`
}

// Store is the per-HQ inbox rooted at a single directory with one
// subdirectory per local worker.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates an inbox store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) entryPath(worker, msgID string) string {
	return filepath.Join(s.dir, worker, msgID)
}

// Add stores an entry keyed by its message id. A second arrival with the
// same id overwrites the first (later timestamp wins); the caller decides
// whether to surface the duplicate.
func (s *Store) Add(worker string, e *Entry) (duplicate bool, err error) {
	if !ids.ValidOwner(worker) {
		return false, fmt.Errorf("bad worker id %q", worker)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.entryPath(worker, e.Message.ID)
	if _, statErr := os.Stat(path); statErr == nil {
		duplicate = true
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return duplicate, err
	}
	data, err := yaml.Marshal(e)
	if err != nil {
		return duplicate, err
	}
	return duplicate, atomicwriter.WriteFile(path, data, 0o644)
}

// Get reads one entry by message id.
func (s *Store) Get(worker, msgID string) (*Entry, error) {
	data, err := os.ReadFile(s.entryPath(worker, msgID))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("inbox entry %s/%s: %w", worker, msgID, err)
	}
	return &e, nil
}

// MarkRead sets the read flag on one entry.
func (s *Store) MarkRead(worker, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.Get(worker, msgID)
	if err != nil {
		return err
	}
	if e.Read {
		return nil
	}
	e.Read = true
	data, err := yaml.Marshal(e)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(s.entryPath(worker, msgID), data, 0o644)
}

// List enumerates a worker's entries, newest first by file mtime, ties
// broken by message id. includeRead controls whether read entries appear.
func (s *Store) List(worker string, includeRead bool) ([]*Entry, error) {
	dir := filepath.Join(s.dir, worker)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type item struct {
		id    string
		mtime time.Time
	}
	var items []item
	for _, d := range dirents {
		if !d.Type().IsRegular() || !ids.ValidMessageID(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		items = append(items, item{id: d.Name(), mtime: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].mtime.Equal(items[j].mtime) {
			return items[i].mtime.After(items[j].mtime)
		}
		return items[i].id < items[j].id
	})

	var out []*Entry
	for _, it := range items {
		e, err := s.Get(worker, it.id)
		if err != nil {
			return nil, err
		}
		if !includeRead && e.Read {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Workers returns the worker ids that have at least one stored entry.
func (s *Store) Workers() ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dirents {
		if d.IsDir() {
			out = append(out, d.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
