package world

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/hqlink/internal/ids"
)

// Transfer log event names.
const (
	EventSent        = "sent"
	EventReceived    = "received"
	EventApproved    = "approved"
	EventRejected    = "rejected"
	EventIntegrated  = "integrated"
	EventQuarantined = "quarantined"
)

// Directions of a transfer.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// LogEntry is one append-only transfer log record.
type LogEntry struct {
	Timestamp       string `json:"timestamp" yaml:"timestamp"`
	Event           string `json:"event" yaml:"event"`
	ID              string `json:"id" yaml:"id"`
	Direction       string `json:"direction" yaml:"direction"`
	Type            string `json:"type" yaml:"type"`
	Peer            string `json:"peer" yaml:"peer"`
	StagedTo        string `json:"staged-to,omitempty" yaml:"staged-to,omitempty"`
	IntegratedTo    string `json:"integrated-to,omitempty" yaml:"integrated-to,omitempty"`
	IntegrationHash string `json:"integration-hash,omitempty" yaml:"integration-hash,omitempty"`
	ApprovedBy      string `json:"approved-by,omitempty" yaml:"approved-by,omitempty"`
	Reason          string `json:"reason,omitempty" yaml:"reason,omitempty"`
	ErrorCode       string `json:"error-code,omitempty" yaml:"error-code,omitempty"`
	ErrorDetail     string `json:"error-detail,omitempty" yaml:"error-detail,omitempty"`
}

// Log is the append-only per-day transfer log. Entries are single-line
// records (JSON is a YAML subset, so the files remain YAML-parseable);
// appends take an advisory file lock for cross-process safety, and the
// in-process mutex serializes concurrent senders.
type Log struct {
	dir string
	mu  sync.Mutex
}

// NewLog creates a log rooted at dir (workspace/world/log).
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Log{dir: dir}, nil
}

func (l *Log) dayPath(t time.Time) string {
	return filepath.Join(l.dir, t.UTC().Format("2006-01-02")+".yaml")
}

// Append writes one entry, stamping the timestamp if unset.
func (l *Log) Append(e LogEntry) error {
	if e.Timestamp == "" {
		e.Timestamp = ids.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.dayPath(time.Now()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	unlock, err := lockFile(f)
	if err != nil {
		return fmt.Errorf("lock transfer log: %w", err)
	}
	defer unlock()

	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadDay returns the entries of one day file. A malformed trailing line
// (a partially appended record) is dropped; malformed interior lines are an
// error.
func (l *Log) ReadDay(day string) ([]LogEntry, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, day+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var out []LogEntry
	for i, line := range lines {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := yaml.Unmarshal([]byte(line), &e); err != nil {
			if i == len(lines)-1 {
				break // torn final record
			}
			return nil, fmt.Errorf("transfer log %s line %d: %w", day, i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadAll returns every entry across all day files, oldest day first.
func (l *Log) ReadAll() ([]LogEntry, error) {
	dirents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var days []string
	for _, d := range dirents {
		name := d.Name()
		if d.Type().IsRegular() && strings.HasSuffix(name, ".yaml") {
			days = append(days, strings.TrimSuffix(name, ".yaml"))
		}
	}
	sort.Strings(days)

	var out []LogEntry
	for _, day := range days {
		entries, err := l.ReadDay(day)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// LastIntegration returns the most recent "integrated" entry whose
// integrated-to matches localPath, if any.
func (l *Log) LastIntegration(localPath string) (*LogEntry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Event == EventIntegrated && entries[i].IntegratedTo == localPath {
			return &entries[i], nil
		}
	}
	return nil, nil
}
