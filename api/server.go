// File: api/server.go
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"obvv-backend/logger"
	"obvv-backend/models"
	"obvv-backend/registry"
	"obvv-backend/service"
	"obvv-backend/storage"
)

// Deps are the collaborators of the reconciliation API. Registry and
// Metrics are optional.
type Deps struct {
	Store      storage.LedgerStore
	Reconciler *service.Reconciler
	Archive    *storage.ReportArchive
	Registry   *registry.BoothRegistry
	Metrics    *service.MetricsCollector
	Logger     *zap.SugaredLogger
}

// Server exposes reconciliation over HTTP on the counting host.
type Server struct {
	store      storage.LedgerStore
	reconciler *service.Reconciler
	archive    *storage.ReportArchive
	registry   *registry.BoothRegistry
	metrics    *service.MetricsCollector
	log        *zap.SugaredLogger
	started    time.Time

	// one reconciliation at a time
	mutex sync.Mutex
}

type ReconcileRequest struct {
	BoothIDs []string `json:"booth_ids"`
}

type ReconcileResponse struct {
	ReportFile string         `json:"report_file,omitempty"`
	Report     *models.Report `json:"report"`
}

type BoothInfo struct {
	BoothID    string `json:"booth_id"`
	Label      string `json:"label,omitempty"`
	Stored     bool   `json:"stored"`
	Registered bool   `json:"registered"`
	Active     bool   `json:"active"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Reconciler == nil {
		return nil, errors.New("api server needs a store and a reconciler")
	}
	if deps.Metrics == nil {
		deps.Metrics = service.NewMetricsCollector()
	}
	return &Server{
		store:      deps.Store,
		reconciler: deps.Reconciler,
		archive:    deps.Archive,
		registry:   deps.Registry,
		metrics:    deps.Metrics,
		log:        logger.Or(deps.Logger),
		started:    time.Now(),
	}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/booths", s.handleGetBooths)
	mux.HandleFunc("/api/booths/{id}/verify", s.handleVerifyBooth)
	mux.HandleFunc("/api/reconcile", s.handleReconcile)
	mux.HandleFunc("/api/reports/latest", s.handleLatestReport)
	mux.HandleFunc("/api/metrics", s.handleGetMetrics)
	mux.HandleFunc("/api/metrics/reset", s.handleResetMetrics)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleGetBooths(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stored, err := s.store.ListBooths(r.Context())
	if err != nil {
		s.log.Errorw("failed to list booths", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to list booths"})
		return
	}

	booths := make(map[string]*BoothInfo)
	for _, id := range stored {
		booths[id] = &BoothInfo{BoothID: id, Stored: true}
	}
	if s.registry != nil {
		for _, b := range s.registry.Booths() {
			info, ok := booths[b.BoothID]
			if !ok {
				info = &BoothInfo{BoothID: b.BoothID}
				booths[b.BoothID] = info
			}
			info.Label = b.Label
			info.Registered = true
			info.Active = b.IsActive
		}
	}

	list := make([]BoothInfo, 0, len(booths))
	for _, info := range booths {
		list = append(list, *info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].BoothID < list[j].BoothID })

	writeJSON(w, http.StatusOK, struct {
		Booths []BoothInfo `json:"booths"`
		Count  int         `json:"total_booths"`
	}{
		Booths: list,
		Count:  len(list),
	})
}

func (s *Server) handleVerifyBooth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	boothID := r.PathValue("id")
	if err := storage.ValidateBoothID(boothID); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	check, err := s.reconciler.VerifyBooth(r.Context(), boothID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrUnknownBooth) || errors.Is(err, registry.ErrInactiveBooth) || errors.Is(err, storage.ErrBoothUnreadable) {
			status = http.StatusNotFound
		}
		s.log.Warnw("booth verification failed", "booth_id", boothID, "error", err)
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var (
		report *models.Report
		err    error
	)
	if len(req.BoothIDs) == 0 {
		report, err = s.reconciler.ReconcileAll(r.Context())
	} else {
		report, err = s.reconciler.Reconcile(r.Context(), req.BoothIDs)
	}
	if err != nil {
		s.log.Errorw("reconciliation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	resp := ReconcileResponse{Report: report}
	if s.archive != nil {
		path, err := s.archive.Save(report)
		if err != nil {
			// the report is still returned; only the archive copy is missing
			s.log.Errorw("failed to archive report", "run_id", report.RunID, "error", err)
		} else {
			resp.ReportFile = path
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.archive == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "report archive disabled"})
		return
	}

	report, err := s.archive.Latest()
	if err != nil {
		s.log.Errorw("failed to load latest report", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load latest report"})
		return
	}
	if report == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no reconciliation report yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

// handleResetMetrics clears the counters, e.g. between a rehearsal and the
// real count.
func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.metrics.Reset()
	s.log.Infow("metrics reset")
	writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
