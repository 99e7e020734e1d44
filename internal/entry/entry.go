// Package entry defines configuration entries: one configured NWS gridpoint,
// its options, validation, and SQLite persistence.
package entry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the schema version stamped on new entries.
const Version = 2

// Source records how an entry was created.
type Source string

const (
	SourceUser   Source = "user"
	SourceImport Source = "import"
)

// Entry is a persisted configuration entry.
type Entry struct {
	EntryID   string    `json:"entry_id"`
	UniqueID  string    `json:"unique_id"`
	Title     string    `json:"title"`
	Version   int       `json:"version"`
	Source    Source    `json:"source"`
	Data      Options   `json:"data"`
	Options   *Options  `json:"options,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an unsaved entry for data.
func New(source Source, data Options) *Entry {
	return &Entry{
		EntryID:  uuid.NewString(),
		UniqueID: UniqueID(data.StationID, data.GridCoords),
		Title:    data.Name,
		Version:  Version,
		Source:   source,
		Data:     data,
	}
}

// UniqueID identifies the gridpoint an entry polls.
func UniqueID(station, grid string) string {
	return fmt.Sprintf("nws-%s-%s", station, grid)
}

// Effective returns the configuration in force: data overlaid with options.
func (e *Entry) Effective() Options {
	if e.Options == nil {
		return e.Data
	}
	return e.Data.merge(*e.Options)
}
