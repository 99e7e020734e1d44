// Package flow creates and edits config entries: it validates user input,
// rejects duplicate gridpoints and probes the forecast endpoint before an
// entry is persisted.
package flow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nwsdetailedforecast/internal/entity"
	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/nws"

	"go.uber.org/zap"
)

const probeTimeout = 30 * time.Second

// ResultType is the outcome kind of a flow step.
type ResultType string

const (
	ResultCreateEntry ResultType = "create_entry"
	ResultForm        ResultType = "form"
	ResultAbort       ResultType = "abort"
)

// Form step identifiers.
const (
	StepUser    = "user"
	StepImport  = "import"
	StepOptions = "init"
)

// Error keys reported under errors["base"].
const (
	ErrorPermissionDenied = "Permission Denied"
	errorAPIPrefix        = "API Error: "
	errorUnknownCondition = "unknown_condition"
)

// Result is returned by every step. A form result carries field errors; an
// abort carries a reason; create_entry carries the saved entry.
type Result struct {
	Type   ResultType        `json:"type"`
	StepID string            `json:"step_id,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Entry  *entry.Entry      `json:"entry,omitempty"`
}

// EntryStore is the persistence used by the flow.
type EntryStore interface {
	Create(ctx context.Context, e *entry.Entry) error
	Get(ctx context.Context, entryID string) (*entry.Entry, error)
	List(ctx context.Context) ([]*entry.Entry, error)
	UpdateOptions(ctx context.Context, entryID string, opts *entry.Options) (*entry.Entry, error)
}

// CheckerFactory returns a status checker identifying itself with contact.
type CheckerFactory func(contact string) nws.StatusChecker

// Handler runs config flow steps.
type Handler struct {
	store           EntryStore
	newChecker      CheckerFactory
	defaultLocation string
	logger          *zap.Logger
}

// NewHandler creates a handler. defaultLocation fills an empty location.
func NewHandler(store EntryStore, newChecker CheckerFactory, defaultLocation string, logger *zap.Logger) *Handler {
	return &Handler{
		store:           store,
		newChecker:      newChecker,
		defaultLocation: defaultLocation,
		logger:          logger.Named("config_flow"),
	}
}

// User handles input submitted by a user.
func (h *Handler) User(ctx context.Context, input entry.Options) (*Result, error) {
	return h.create(ctx, entry.SourceUser, StepUser, input)
}

// Import handles an entry read from the YAML file. Missing fields take
// their defaults.
func (h *Handler) Import(ctx context.Context, input entry.Options) (*Result, error) {
	return h.create(ctx, entry.SourceImport, StepImport, input)
}

func (h *Handler) create(ctx context.Context, source entry.Source, step string, input entry.Options) (*Result, error) {
	input.ApplyDefaults(h.defaultLocation)

	if errs := checkOptions(input); len(errs) > 0 {
		return &Result{Type: ResultForm, StepID: step, Errors: errs}, nil
	}

	taken, err := h.gridpointTaken(ctx, nil, input)
	if err != nil {
		return nil, err
	}
	if taken {
		return abortConfigured(), nil
	}

	if base := h.probe(ctx, input); base != "" {
		return &Result{Type: ResultForm, StepID: step, Errors: map[string]string{"base": base}}, nil
	}

	e := entry.New(source, input)
	if err := h.store.Create(ctx, e); err != nil {
		if errors.Is(err, entry.ErrAlreadyConfigured) {
			return abortConfigured(), nil
		}
		return nil, err
	}

	h.logger.Info("Created entry",
		zap.String("entry_id", e.EntryID),
		zap.String("title", e.Title),
		zap.String("source", string(source)))
	return &Result{Type: ResultCreateEntry, Entry: e}, nil
}

// Options validates input merged over the entry's data and stores it as the
// entry's options. The caller reloads the entry. Moving the entry to a
// gridpoint another entry polls aborts; the entry keeps the unique ID it was
// created with so its entities stay registered.
func (h *Handler) Options(ctx context.Context, entryID string, input entry.Options) (*Result, error) {
	e, err := h.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	input.StationID = strings.ToUpper(strings.TrimSpace(input.StationID))
	input.GridCoords = strings.ReplaceAll(input.GridCoords, " ", "")

	candidate := *e
	candidate.Options = &input
	effective := candidate.Effective()
	if errs := checkOptions(effective); len(errs) > 0 {
		return &Result{Type: ResultForm, StepID: StepOptions, Errors: errs}, nil
	}

	taken, err := h.gridpointTaken(ctx, e, effective)
	if err != nil {
		return nil, err
	}
	if taken {
		h.logger.Warn("Options moved entry onto a configured gridpoint",
			zap.String("entry_id", entryID),
			zap.String("station", effective.StationID),
			zap.String("grid", effective.GridCoords))
		return abortConfigured(), nil
	}

	updated, err := h.store.UpdateOptions(ctx, entryID, &input)
	if err != nil {
		return nil, err
	}

	h.logger.Info("Updated entry options", zap.String("entry_id", entryID))
	return &Result{Type: ResultCreateEntry, Entry: updated}, nil
}

// gridpointTaken reports whether an entry other than e claims the gridpoint
// in o, either by unique ID or by the gridpoint its options put in force.
func (h *Handler) gridpointTaken(ctx context.Context, e *entry.Entry, o entry.Options) (bool, error) {
	uniqueID := entry.UniqueID(o.StationID, o.GridCoords)
	entries, err := h.store.List(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range entries {
		if e != nil && other.EntryID == e.EntryID {
			continue
		}
		eff := other.Effective()
		if other.UniqueID == uniqueID || entry.UniqueID(eff.StationID, eff.GridCoords) == uniqueID {
			return true, nil
		}
	}
	return false, nil
}

// checkOptions returns field errors, empty when o is acceptable.
func checkOptions(o entry.Options) map[string]string {
	errs := make(map[string]string)

	if err := o.Validate(); err != nil {
		var verr *entry.ValidationError
		if !errors.As(err, &verr) {
			errs["base"] = err.Error()
			return errs
		}
		for field, rule := range verr.Fields {
			errs[field] = rule
		}
	}

	if unknown := entity.UnknownConditions(o.MonitoredConditions); len(unknown) > 0 {
		errs["monitored_conditions"] = errorUnknownCondition
	}
	return errs
}

// probe requests the forecast once. Only a 403 or a transport failure
// blocks the entry; other statuses are left for the coordinator to retry.
func (h *Handler) probe(ctx context.Context, o entry.Options) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status, err := h.newChecker(o.APIKey).Status(ctx, o.StationID, o.GridCoords)
	if err != nil {
		h.logger.Warn("Forecast probe failed",
			zap.String("station", o.StationID),
			zap.String("grid", o.GridCoords),
			zap.Error(err))
		return errorAPIPrefix + err.Error()
	}
	if status == http.StatusForbidden {
		h.logger.Warn("Forecast probe denied",
			zap.String("station", o.StationID),
			zap.String("grid", o.GridCoords))
		return ErrorPermissionDenied
	}
	if status != http.StatusOK {
		h.logger.Info("Forecast probe returned non-OK status, accepting entry",
			zap.Int("status", status))
	}
	return ""
}

func abortConfigured() *Result {
	return &Result{Type: ResultAbort, Reason: entry.ErrAlreadyConfigured.Error()}
}
