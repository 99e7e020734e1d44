package entry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no entry matches the lookup.
	ErrNotFound = errors.New("config entry not found")

	// ErrAlreadyConfigured is returned when an entry for the same gridpoint
	// exists.
	ErrAlreadyConfigured = errors.New("already_configured")
)

const schema = `CREATE TABLE IF NOT EXISTS config_entries (
	entry_id   TEXT PRIMARY KEY,
	unique_id  TEXT NOT NULL UNIQUE,
	title      TEXT NOT NULL,
	version    INTEGER NOT NULL,
	source     TEXT NOT NULL,
	data       TEXT NOT NULL,
	options    TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// Store persists entries in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the database at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between concurrent setups.
	db.SetMaxOpenConns(1)

	logger = logger.Named("entry_store")

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		logger.Warn("Could not enable WAL mode", zap.Error(err))
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create inserts e. It fails with ErrAlreadyConfigured if the unique ID is
// taken.
func (s *Store) Create(ctx context.Context, e *Entry) error {
	if _, err := s.GetByUniqueID(ctx, e.UniqueID); err == nil {
		return ErrAlreadyConfigured
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode entry data: %w", err)
	}
	options, err := encodeOptions(e.Options)
	if err != nil {
		return err
	}

	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config_entries(entry_id, unique_id, title, version, source, data, options, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.UniqueID, e.Title, e.Version, string(e.Source), string(data), options,
		now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyConfigured
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	s.logger.Info("Created config entry",
		zap.String("entry_id", e.EntryID),
		zap.String("unique_id", e.UniqueID),
		zap.String("source", string(e.Source)))
	return nil
}

// Get returns the entry with entryID.
func (s *Store) Get(ctx context.Context, entryID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE entry_id = ?`, entryID)
	return scanEntry(row)
}

// GetByUniqueID returns the entry polling the gridpoint uniqueID names.
func (s *Store) GetByUniqueID(ctx context.Context, uniqueID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE unique_id = ?`, uniqueID)
	return scanEntry(row)
}

// List returns every entry in creation order.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+` ORDER BY created_at, entry_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// UpdateOptions replaces the options of an entry and returns the updated
// entry. The title follows the effective name.
func (s *Store) UpdateOptions(ctx context.Context, entryID string, opts *Options) (*Entry, error) {
	e, err := s.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeOptions(opts)
	if err != nil {
		return nil, err
	}

	e.Options = opts
	e.Title = e.Effective().Name
	e.UpdatedAt = s.now()

	_, err = s.db.ExecContext(ctx,
		`UPDATE config_entries SET options = ?, title = ?, updated_at = ? WHERE entry_id = ?`,
		encoded, e.Title, e.UpdatedAt.Format(timeFormat), entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to update options: %w", err)
	}

	s.logger.Info("Updated config entry options", zap.String("entry_id", entryID))
	return e, nil
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM config_entries WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.logger.Info("Deleted config entry", zap.String("entry_id", entryID))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Fixed-width timestamps keep ORDER BY created_at chronological.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const selectEntry = `SELECT entry_id, unique_id, title, version, source, data, options, created_at, updated_at FROM config_entries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                    Entry
		source, data         string
		options              sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&e.EntryID, &e.UniqueID, &e.Title, &e.Version, &source, &data, &options, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	e.Source = Source(source)
	if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
		return nil, fmt.Errorf("failed to decode data of entry %s: %w", e.EntryID, err)
	}
	if options.Valid && options.String != "" {
		var opts Options
		if err := json.Unmarshal([]byte(options.String), &opts); err != nil {
			return nil, fmt.Errorf("failed to decode options of entry %s: %w", e.EntryID, err)
		}
		e.Options = &opts
	}
	if t, err := time.Parse(timeFormat, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(timeFormat, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}

func encodeOptions(opts *Options) (interface{}, error) {
	if opts == nil {
		return nil, nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry options: %w", err)
	}
	return string(b), nil
}
