package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nwsdetailedforecast/internal/coordinator"
	"nwsdetailedforecast/internal/diagnostics"
	"nwsdetailedforecast/internal/entity"
	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/flow"
	"nwsdetailedforecast/internal/nws"
	"nwsdetailedforecast/internal/runtime"

	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// EntryStore lists and reads persisted entries.
type EntryStore interface {
	Get(ctx context.Context, entryID string) (*entry.Entry, error)
	List(ctx context.Context) ([]*entry.Entry, error)
}

// Flow runs the user and options steps of the config flow.
type Flow interface {
	User(ctx context.Context, input entry.Options) (*flow.Result, error)
	Options(ctx context.Context, entryID string, input entry.Options) (*flow.Result, error)
}

// Runtime controls loaded entries.
type Runtime interface {
	Setup(ctx context.Context, e *entry.Entry) error
	Reload(ctx context.Context, entryID string) error
	Remove(ctx context.Context, entryID string) error
	RequestRefresh(ctx context.Context, entryID string) error
	Status(entryID string) (runtime.Status, error)
	Forecast(entryID string) (*nws.Forecast, error)
	Entities(entryID string) ([]entity.State, error)
	Tracker() *diagnostics.Tracker
}

// Server provides HTTP API endpoints for managing forecast entries
type Server struct {
	store   EntryStore
	flow    Flow
	runtime Runtime
	logger  *zap.Logger
	server  *http.Server
	mux     *http.ServeMux
}

// NewServer creates a new API server
func NewServer(store EntryStore, flows Flow, rt Runtime, logger *zap.Logger, port int) *Server {
	s := &Server{
		store:   store,
		flow:    flows,
		runtime: rt,
		logger:  logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/entries", s.handleListEntries)
	mux.HandleFunc("POST /api/entries", s.handleCreateEntry)
	mux.HandleFunc("GET /api/entries/{id}", s.handleGetEntry)
	mux.HandleFunc("DELETE /api/entries/{id}", s.handleDeleteEntry)
	mux.HandleFunc("PUT /api/entries/{id}/options", s.handleUpdateOptions)
	mux.HandleFunc("POST /api/entries/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/entries/{id}/forecast", s.handleForecast)
	mux.HandleFunc("GET /api/entries/{id}/entities", s.handleEntities)
	mux.HandleFunc("GET /api/entries/{id}/diagnostics", s.handleDiagnostics)
	s.mux = mux

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// EntryResponse is an entry with its load status. Status is nil for entries
// the runtime does not hold.
type EntryResponse struct {
	Entry  *entry.Entry    `json:"entry"`
	Status *runtime.Status `json:"status,omitempty"`
}

func (s *Server) entryResponse(e *entry.Entry) EntryResponse {
	resp := EntryResponse{Entry: e}
	if status, err := s.runtime.Status(e.EntryID); err == nil {
		resp.Status = &status
	}
	return resp
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, s.entryResponse(e))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.entryResponse(e))
}

// handleCreateEntry runs the user step and sets up the created entry. A
// first refresh failure leaves the entry retrying and is not an error.
func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var input entry.Options
	if !s.decode(w, r, &input) {
		return
	}

	res, err := s.flow.User(r.Context(), input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Type != flow.ResultCreateEntry {
		s.writeJSON(w, resultStatus(res), res)
		return
	}

	if err := s.runtime.Setup(r.Context(), res.Entry); err != nil && !errors.Is(err, coordinator.ErrNotReady) {
		s.logger.Error("Failed to set up created entry",
			zap.String("entry_id", res.Entry.EntryID),
			zap.Error(err))
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	var input entry.Options
	if !s.decode(w, r, &input) {
		return
	}

	id := r.PathValue("id")
	res, err := s.flow.Options(r.Context(), id, input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Type != flow.ResultCreateEntry {
		s.writeJSON(w, resultStatus(res), res)
		return
	}

	if err := s.runtime.Reload(r.Context(), id); err != nil && !errors.Is(err, coordinator.ErrNotReady) {
		s.logger.Error("Failed to reload entry", zap.String("entry_id", id), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.RequestRefresh(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	forecast, err := s.runtime.Forecast(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if forecast == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "forecast not available yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, forecast)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	states, err := s.runtime.Entities(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag, ok := s.runtime.Tracker().Get(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no diagnostics for entry"})
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func resultStatus(res *flow.Result) int {
	switch res.Type {
	case flow.ResultAbort:
		return http.StatusConflict
	case flow.ResultForm:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, entry.ErrNotFound), errors.Is(err, runtime.ErrNotLoaded):
		status = http.StatusNotFound
	case errors.Is(err, runtime.ErrAlreadyLoaded), errors.Is(err, entry.ErrAlreadyConfigured):
		status = http.StatusConflict
	default:
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/api/entries", Method: "GET", Description: "List config entries with their load status"},
	{Path: "/api/entries", Method: "POST", Description: "Create an entry from options JSON and set it up"},
	{Path: "/api/entries/{id}", Method: "GET", Description: "Get one entry"},
	{Path: "/api/entries/{id}", Method: "DELETE", Description: "Unload and remove an entry"},
	{Path: "/api/entries/{id}/options", Method: "PUT", Description: "Update entry options and reload it"},
	{Path: "/api/entries/{id}/refresh", Method: "POST", Description: "Request a forecast refresh"},
	{Path: "/api/entries/{id}/forecast", Method: "GET", Description: "Cached NWS forecast periods"},
	{Path: "/api/entries/{id}/entities", Method: "GET", Description: "Current entity states"},
	{Path: "/api/entries/{id}/diagnostics", Method: "GET", Description: "Recent refresh history"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.Contains(accept, "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>NWS Detailed Forecast API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>NWS Detailed Forecast API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "NWS Detailed Forecast API\n")
		fmt.Fprintf(w, "=========================\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-7s %-32s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "    curl http://localhost%s/api/entries | jq\n", s.server.Addr)
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
