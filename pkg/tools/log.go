package tools

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one tool call record. Result is nil until resolved.
type Entry struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	Result    any            `json:"result,omitempty"`
	Resolved  bool           `json:"resolved"`
	Timestamp time.Time      `json:"timestamp"`
}

// Log is the ordered record of tool calls. Entries are never removed.
type Log struct {
	mu       sync.Mutex
	entries  []*Entry
	byID     map[string]*Entry
	onChange func(Entry)
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{byID: make(map[string]*Entry)}
}

// OnChange registers a hook called after every Begin and Resolve.
func (l *Log) OnChange(fn func(Entry)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Begin records an unresolved call. An empty id is replaced with a
// generated one, which is returned.
func (l *Log) Begin(id, name string, args map[string]any) Entry {
	if id == "" {
		id = uuid.NewString()
	}
	e := &Entry{
		ID:        id,
		Name:      name,
		Args:      maps.Clone(args),
		Timestamp: time.Now(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.byID[id] = e
	snapshot := *e
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
	return snapshot
}

// Resolve sets the result of the most recent call with id. It reports
// whether such a call exists.
func (l *Log) Resolve(id string, result any) bool {
	l.mu.Lock()
	e, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return false
	}
	e.Result = result
	e.Resolved = true
	snapshot := *e
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
	return true
}

// Entries returns a copy of all entries in arrival order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
