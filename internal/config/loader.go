package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/flow"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const importTimeout = 2 * time.Minute

// EntriesFile is the YAML entries file. Each item uses the option field
// names, for example:
//
//	nwsdetailedforecast:
//	  - api_key: ops@example.com
//	    stationID: LWX
//	    gridCoords: 96,70
//	    nws_detailed_platform: [Sensor, Weather]
type EntriesFile struct {
	Entries []entry.Options `yaml:"nwsdetailedforecast"`
}

// ReadEntriesFile parses path. A missing file yields no entries.
func ReadEntriesFile(path string) (*EntriesFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &EntriesFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entries file: %w", err)
	}

	var file EntriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse entries file: %w", err)
	}
	return &file, nil
}

// Importer runs the import step of the config flow.
type Importer interface {
	Import(ctx context.Context, input entry.Options) (*flow.Result, error)
}

// ImportSummary counts the outcome of one load.
type ImportSummary struct {
	Created int
	Skipped int
	Failed  int
}

// Loader imports entries from the YAML file, once at startup and then daily
// at 00:01 or on demand.
type Loader struct {
	path     string
	importer Importer
	onCreate func(ctx context.Context, e *entry.Entry)
	logger   *zap.Logger

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// NewLoader creates a loader for path. onCreate, if not nil, is called for
// every newly imported entry.
func NewLoader(path string, importer Importer, onCreate func(ctx context.Context, e *entry.Entry), logger *zap.Logger) *Loader {
	return &Loader{
		path:     path,
		importer: importer,
		onCreate: onCreate,
		logger:   logger.Named("config_loader"),
	}
}

// Load imports every entry in the file. Entries already configured are
// skipped; invalid entries are logged and counted as failed.
func (l *Loader) Load(ctx context.Context) (ImportSummary, error) {
	var summary ImportSummary

	file, err := ReadEntriesFile(l.path)
	if err != nil {
		return summary, err
	}
	l.logger.Info("Importing entries", zap.String("path", l.path), zap.Int("entries", len(file.Entries)))

	for i, input := range file.Entries {
		res, err := l.importer.Import(ctx, input)
		if err != nil {
			return summary, fmt.Errorf("failed to import entry %d: %w", i, err)
		}

		switch res.Type {
		case flow.ResultCreateEntry:
			summary.Created++
			if l.onCreate != nil {
				l.onCreate(ctx, res.Entry)
			}
		case flow.ResultAbort:
			summary.Skipped++
			l.logger.Debug("Entry already configured",
				zap.Int("index", i),
				zap.String("station", input.StationID),
				zap.String("grid", input.GridCoords))
		default:
			summary.Failed++
			l.logger.Warn("Invalid entry in entries file",
				zap.Int("index", i),
				zap.Any("errors", res.Errors))
		}
	}

	l.logger.Info("Entries imported",
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// StartAutoReload schedules a daily load at 00:01 local time.
func (l *Loader) StartAutoReload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.scheduler != nil {
		return nil
	}

	s := gocron.NewScheduler(time.Local)
	_, err := s.Every(1).Day().At("00:01").Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), importTimeout)
		defer cancel()

		l.logger.Info("Auto-reloading entries file")
		if _, err := l.Load(ctx); err != nil {
			l.logger.Error("Failed to auto-reload entries file", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule entries reload: %w", err)
	}

	s.StartAsync()
	l.scheduler = s
	l.logger.Info("Started auto-reload scheduler (daily at 00:01)")
	return nil
}

// NextReload returns the time of the next scheduled load, zero if none.
func (l *Loader) NextReload() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.scheduler == nil {
		return time.Time{}
	}
	_, next := l.scheduler.NextRun()
	return next
}

// Stop stops the scheduler.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.scheduler != nil {
		l.scheduler.Stop()
		l.scheduler = nil
		l.logger.Info("Stopped auto-reload scheduler")
	}
}
