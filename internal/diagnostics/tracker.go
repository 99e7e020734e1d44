// Package diagnostics keeps a short history of refresh outcomes per config
// entry for the HTTP API.
package diagnostics

import (
	"sort"
	"sync"
	"time"
)

// DefaultHistorySize is the number of refreshes kept per entry.
const DefaultHistorySize = 20

// RefreshRecord is the outcome of one coordinator refresh.
type RefreshRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs"`
	Periods    int       `json:"periods,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// EntryDiagnostics summarises the refresh history of one entry.
type EntryDiagnostics struct {
	EntryID             string          `json:"entryId"`
	Title               string          `json:"title"`
	Refreshes           int             `json:"refreshes"`
	Failures            int             `json:"failures"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastSuccess         time.Time       `json:"lastSuccess,omitempty"`
	LastFailure         time.Time       `json:"lastFailure,omitempty"`
	SetupAttempts       int             `json:"setupAttempts"`
	History             []RefreshRecord `json:"history"`
}

type entryState struct {
	summary EntryDiagnostics
	ring    []RefreshRecord
	next    int
	count   int
}

// Tracker records refresh outcomes for every entry.
type Tracker struct {
	mu      sync.RWMutex
	size    int
	entries map[string]*entryState
}

// NewTracker creates a tracker keeping size records per entry.
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Tracker{
		size:    size,
		entries: make(map[string]*entryState),
	}
}

// Register starts tracking an entry. Existing history is kept so a reload
// does not lose it.
func (t *Tracker) Register(entryID, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.entries[entryID]; ok {
		st.summary.Title = title
		return
	}
	t.entries[entryID] = &entryState{
		summary: EntryDiagnostics{EntryID: entryID, Title: title},
		ring:    make([]RefreshRecord, t.size),
	}
}

// RecordSetupAttempt counts one setup attempt of an entry.
func (t *Tracker) RecordSetupAttempt(entryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.entries[entryID]; ok {
		st.summary.SetupAttempts++
	}
}

// Record appends a refresh outcome. Unregistered entries are ignored.
func (t *Tracker) Record(entryID string, rec RefreshRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.entries[entryID]
	if !ok {
		return
	}

	st.ring[st.next] = rec
	st.next = (st.next + 1) % len(st.ring)
	if st.count < len(st.ring) {
		st.count++
	}

	st.summary.Refreshes++
	if rec.Success {
		st.summary.ConsecutiveFailures = 0
		st.summary.LastSuccess = rec.Timestamp
	} else {
		st.summary.Failures++
		st.summary.ConsecutiveFailures++
		st.summary.LastFailure = rec.Timestamp
	}
}

// Get returns a copy of an entry's diagnostics, history oldest first.
func (t *Tracker) Get(entryID string) (EntryDiagnostics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.entries[entryID]
	if !ok {
		return EntryDiagnostics{}, false
	}
	return st.snapshot(), true
}

// All returns diagnostics for every tracked entry, ordered by entry ID.
func (t *Tracker) All() []EntryDiagnostics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]EntryDiagnostics, 0, len(t.entries))
	for _, st := range t.entries {
		result = append(result, st.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].EntryID < result[j].EntryID
	})
	return result
}

// Remove forgets an entry.
func (t *Tracker) Remove(entryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, entryID)
}

func (st *entryState) snapshot() EntryDiagnostics {
	out := st.summary
	out.History = make([]RefreshRecord, 0, st.count)

	start := (st.next - st.count + len(st.ring)) % len(st.ring)
	for i := 0; i < st.count; i++ {
		out.History = append(out.History, st.ring[(start+i)%len(st.ring)])
	}
	return out
}
