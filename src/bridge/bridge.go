package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"caiyun/src/forecast"
	"caiyun/src/mcp"
	"caiyun/src/orchestrator"
	"caiyun/src/remote"
)

// Forecaster runs one forecast request.
type Forecaster interface {
	Forecast(ctx context.Context, location string, mode orchestrator.Mode) (string, error)
}

// ToolLister lists the tool server's tools.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error)
}

// Snapshot is the last forecast served.
type Snapshot struct {
	Location  string           `json:"location"`
	Mode      string           `json:"mode"`
	Source    forecast.Source  `json:"source"`
	Points    []forecast.Point `json:"points"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Service is a small REST front end over the orchestrator and tool server.
type Service struct {
	forecaster  Forecaster
	tools       ToolLister
	toolURL     string
	defaultMode orchestrator.Mode
	logger      *slog.Logger
	now         func() time.Time
	started     time.Time
	last        atomic.Pointer[Snapshot]

	// OnFailure, if set, is told about every failed forecast.
	OnFailure func(err error, location string, mode orchestrator.Mode)
}

// NewService creates the bridge. mode is used when a request names none.
func NewService(f Forecaster, tools ToolLister, toolURL string, mode orchestrator.Mode, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		forecaster:  f,
		tools:       tools,
		toolURL:     toolURL,
		defaultMode: mode,
		logger:      logger,
		now:         time.Now,
		started:     time.Now(),
	}
}

// Router returns the bridge's routes.
func (s *Service) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", s.statusHandler).Methods("GET")
	router.HandleFunc("/tools", s.listToolsHandler).Methods("GET")
	router.HandleFunc("/forecast/last", s.lastForecastHandler).Methods("GET")
	router.HandleFunc("/forecast/{location}", s.forecastHandler).Methods("GET")
	router.HandleFunc("/", s.usageHandler).Methods("GET")
	return router
}

func (s *Service) usageHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(`# Caiyun Weather REST Bridge

Available endpoints:

- GET /status - Service status
- GET /tools - List the tool server's tools
- GET /forecast/{location}?mode=direct|mcp - 24 hour forecast
- GET /forecast/last - Last forecast served

Examples:
- curl http://127.0.0.1:8090/forecast/北京
- curl http://127.0.0.1:8090/forecast/上海?mode=mcp
`))
}

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	var output strings.Builder
	output.WriteString("# Caiyun Weather Service Status\n\n")
	fmt.Fprintf(&output, "Uptime: %s\n", s.now().Sub(s.started).Truncate(time.Second))
	fmt.Fprintf(&output, "Default mode: %s\n", s.defaultMode)
	fmt.Fprintf(&output, "Tool server: %s\n", s.toolURL)
	if snap := s.last.Load(); snap != nil {
		fmt.Fprintf(&output, "Last forecast: %s (%s, %s) at %s\n", snap.Location, snap.Mode, snap.Source, snap.UpdatedAt.Format(time.RFC3339))
	} else {
		output.WriteString("Last forecast: none\n")
	}
	w.Write([]byte(output.String()))
}

func (s *Service) listToolsHandler(w http.ResponseWriter, r *http.Request) {
	tools, err := s.tools.ListTools(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list tools: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	var output strings.Builder
	output.WriteString("# MCP Tools\n\n")
	fmt.Fprintf(&output, "Server: %s\n", s.toolURL)
	fmt.Fprintf(&output, "Tools: %d\n\n", len(tools))
	for _, tool := range tools {
		fmt.Fprintf(&output, "### %s\n", tool.Name)
		fmt.Fprintf(&output, "**Description:** %s\n\n", tool.Description)
		if tool.InputSchema != nil {
			schema, _ := json.MarshalIndent(tool.InputSchema, "", "  ")
			fmt.Fprintf(&output, "**Input Schema:**\n```json\n%s\n```\n\n", schema)
		}
	}
	w.Write([]byte(output.String()))
}

func (s *Service) forecastHandler(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]
	mode := s.defaultMode
	if q := r.URL.Query().Get("mode"); q != "" {
		m, err := orchestrator.ParseMode(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = m
	}

	payload, err := s.forecaster.Forecast(r.Context(), location, mode)
	if err != nil {
		if s.OnFailure != nil {
			s.OnFailure(err, location, mode)
		}
		if !remote.IsQuotaExhausted(err) {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		// quota exhausted: serve mock data and say so
		mock := forecast.Mock()
		writeJSON(w, http.StatusOK, s.remember(location, mode, mock, err))
		return
	}

	parser := &forecast.Parser{BaseHour: s.now().Hour(), BaseTemp: forecast.DefaultBaseTemp}
	writeJSON(w, http.StatusOK, s.remember(location, mode, parser.Parse(payload), nil))
}

func (s *Service) remember(location string, mode orchestrator.Mode, series forecast.Series, err error) *Snapshot {
	snap := &Snapshot{
		Location:  location,
		Mode:      mode.String(),
		Source:    series.Source,
		Points:    series.Points,
		UpdatedAt: s.now(),
	}
	if err != nil {
		snap.Error = err.Error()
	}
	s.last.Store(snap)
	s.logger.Info("forecast served", "location", location, "mode", snap.Mode, "source", snap.Source, "points", len(snap.Points))
	return snap
}

func (s *Service) lastForecastHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.last.Load()
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no forecast yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}
