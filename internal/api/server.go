// Package api exposes the sorting cell over HTTP: grab submission, arm
// control, job history, and calibration diagnostics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/marigold-robotics/sortcell/internal/arm"
	"github.com/marigold-robotics/sortcell/internal/config"
	"github.com/marigold-robotics/sortcell/internal/db"
	"github.com/marigold-robotics/sortcell/internal/httputil"
	"github.com/marigold-robotics/sortcell/internal/sequencer"
	"github.com/marigold-robotics/sortcell/internal/version"
	"github.com/marigold-robotics/sortcell/internal/vision"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	seq       *sequencer.Sequencer
	driver    arm.Driver
	store     *db.DB
	cfg       *config.CellConfig
	projector *vision.Projector
}

func NewServer(seq *sequencer.Sequencer, driver arm.Driver, store *db.DB, cfg *config.CellConfig, projector *vision.Projector) *Server {
	return &Server{
		seq:       seq,
		driver:    driver,
		store:     store,
		cfg:       cfg,
		projector: projector,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/arm/grab", s.submitGrab)
	mux.HandleFunc("GET /api/arm/status", s.armStatus)
	mux.HandleFunc("POST /api/arm/home", s.home)
	mux.HandleFunc("POST /api/arm/emergency_stop", s.emergencyStop)
	mux.HandleFunc("POST /api/arm/test_sort/{class}", s.testSort)
	mux.HandleFunc("GET /api/arm/statistics", s.armStatistics)
	mux.HandleFunc("POST /api/arm/reset_stats", s.resetStats)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.showJob)
	mux.HandleFunc("GET /api/stats", s.jobStats)
	mux.HandleFunc("GET /api/calibration/validate", s.validateCalibration)
	mux.HandleFunc("GET /api/calibration/residuals.html", s.residualsChart)
	mux.HandleFunc("GET /api/transform", s.dryRunTransform)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/version", s.showVersion)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	httputil.WriteJSONError(w, status, msg)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// grabRequest is the submission body: the detection plus the view state the
// preview frame was captured under.
type grabRequest struct {
	Detection vision.Detection `json:"detection"`
	View      vision.ViewState `json:"view"`
}

func (s *Server) submitGrab(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req grabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.View.Zoom == 0 {
		req.View.Zoom = 1
	}

	result, _, err := s.seq.SubmitGrab(req.Detection, req.View)
	switch {
	case errors.Is(err, sequencer.ErrEmptyDetection):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case result.Busy:
		// Contention is business as usual, not a server error: 409 with
		// the in-flight job's state so the caller can retry later.
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(result)
		return
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	json.NewEncoder(w).Encode(result)
}

func (s *Server) armStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.seq.Status()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write status")
	}
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	err := s.seq.Home(r.Context())
	var busy *sequencer.BusyError
	switch {
	case errors.As(err, &busy):
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"busy": true, "current_state": busy.State})
		return
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("home failed: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	// Always succeeds from the caller's perspective.
	s.seq.EmergencyStop()
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

func (s *Server) testSort(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	class := r.PathValue("class")

	state, err := s.seq.TestSort(r.Context(), class)
	resp := map[string]any{"state": state}
	if err != nil {
		resp["error"] = err.Error()
		var busy *sequencer.BusyError
		var unknown *sequencer.UnknownClassError
		switch {
		case errors.As(err, &busy):
			w.WriteHeader(http.StatusConflict)
		case errors.As(err, &unknown):
			w.WriteHeader(http.StatusUnprocessableEntity)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) armStatistics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	provider, ok := s.driver.(arm.StatsProvider)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "connected arm does not track statistics")
		return
	}
	if err := json.NewEncoder(w).Encode(provider.Stats()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write statistics")
	}
}

func (s *Server) resetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	provider, ok := s.driver.(arm.StatsProvider)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "connected arm does not track statistics")
		return
	}
	provider.ResetStats()
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "job persistence disabled")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	jobs, err := s.store.RecentJobs(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve jobs: %v", err))
		return
	}
	if jobs == nil {
		jobs = []db.Job{}
	}
	if err := json.NewEncoder(w).Encode(jobs); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write jobs")
	}
}

func (s *Server) showJob(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "job persistence disabled")
		return
	}

	id := r.PathValue("id")
	job, err := s.store.Job(id)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
		return
	}
	events, err := s.store.JobEvents(id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}

	json.NewEncoder(w).Encode(map[string]any{"job": job, "events": events})
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "job persistence disabled")
		return
	}
	stats, err := s.store.Stats()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve stats: %v", err))
		return
	}
	if stats == nil {
		stats = []db.JobStats{}
	}
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) validateCalibration(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	residuals, err := s.projector.Validate()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("validation failed: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"residuals":       residuals,
		"max_residual_mm": vision.MaxResidual(residuals),
	})
}

// dryRunTransform projects a display pixel to robot coordinates without
// moving anything. Useful for calibration spot checks from a browser.
func (s *Server) dryRunTransform(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	q := r.URL.Query()
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	y, errY := strconv.ParseFloat(q.Get("y"), 64)
	if errX != nil || errY != nil {
		s.writeJSONError(w, http.StatusBadRequest, "parameters x and y are required")
		return
	}
	view := vision.ViewState{Zoom: 1}
	if z := q.Get("zoom"); z != "" {
		if zoom, err := strconv.ParseFloat(z, 64); err == nil {
			view.Zoom = zoom
		}
	}
	if ox := q.Get("offset_x"); ox != "" {
		view.OffsetX, _ = strconv.ParseFloat(ox, 64)
	}
	if oy := q.Get("offset_y"); oy != "" {
		view.OffsetY, _ = strconv.ParseFloat(oy, 64)
	}

	robot, err := s.projector.Project(vision.Point{X: x, Y: y}, view)
	if err != nil {
		var oob *vision.OutOfEnvelopeError
		if errors.As(err, &oob) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{
				"error":  err.Error(),
				"target": oob.Target,
			})
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	source := s.projector.ToSourcePixel(vision.Point{X: x, Y: y}, view)
	json.NewEncoder(w).Encode(map[string]any{
		"display": vision.Point{X: x, Y: y},
		"source":  source,
		"robot":   robot,
	})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
	}
}
