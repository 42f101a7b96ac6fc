package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleet-report/internal/auth"
	"fleet-report/internal/db"
	"fleet-report/internal/models"
	"fleet-report/internal/parser"
	"fleet-report/internal/report"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	requestIDHeader = "X-Request-ID"

	defaultPositionLimit = 100
	maxPositionLimit     = 1000
)

// Server represents the API server
type Server struct {
	store    db.Store
	reporter *report.Reporter
	auth     *auth.Manager
	logger   *logrus.Logger
	router   *mux.Router
}

// NewServer creates a new API server
func NewServer(store db.Store, reporter *report.Reporter, authManager *auth.Manager, logger *logrus.Logger) *Server {
	s := &Server{
		store:    store,
		reporter: reporter,
		auth:     authManager,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)

	// Reports
	api.HandleFunc("/reports/summary", s.handleSummaryReport).Methods("GET")

	// Devices
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices", s.handleCreateDevice).Methods("POST")
	api.HandleFunc("/devices/{id:[0-9]+}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{id:[0-9]+}/summary", s.handleDeviceSummary).Methods("GET")

	// Positions
	api.HandleFunc("/positions", s.handleQueryPositions).Methods("GET")
	api.HandleFunc("/positions", s.handleCreatePosition).Methods("POST")
	api.HandleFunc("/positions/batch", s.handleBatchPositions).Methods("POST")

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start),
		}).Info("request")
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeEnvelope(w, status, apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	writeEnvelope(w, http.StatusOK, apiResponse{Success: true, Data: data, Meta: m})
}

// errorStatus maps report and store errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requireAdmin answers 403 unless the caller is an admin.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	admin, err := s.isAdmin(r)
	if err != nil {
		s.respondFailure(w, r, err)
		return false
	}
	if !admin {
		respondError(w, http.StatusForbidden, "admin access required")
		return false
	}
	return true
}

func (s *Server) isAdmin(r *http.Request) (bool, error) {
	userID, _ := auth.UserID(r.Context())
	u, err := s.store.GetUser(r.Context(), userID)
	if errors.Is(err, models.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Admin, nil
}

// checkDevices verifies the caller may read every listed device.
func (s *Server) checkDevices(r *http.Request, deviceIDs ...int64) error {
	userID, _ := auth.UserID(r.Context())
	checked := make(map[int64]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		if checked[id] {
			continue
		}
		checked[id] = true
		if err := s.store.CheckDevice(r.Context(), userID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	respondError(w, status, err.Error())
}

func parseIDs(values []string) ([]int64, error) {
	var ids []int64
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// parseWindow reads the required from/to RFC3339 parameters.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("from must be an RFC3339 timestamp")
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("to must be an RFC3339 timestamp")
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to must not be before from")
	}
	return from, to, nil
}

func wantsCSV(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return strings.EqualFold(f, string(report.FormatCSV))
	}
	return strings.Contains(r.Header.Get("Accept"), report.FormatCSV.ContentType())
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSummaryReport(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	deviceIDs, err := parseIDs(r.URL.Query()["deviceId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deviceId")
		return
	}
	groupIDs, err := parseIDs(r.URL.Query()["groupId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid groupId")
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	format := report.FormatJSON
	if wantsCSV(r) {
		format = report.FormatCSV
	}

	reports, err := s.reporter.Run(r.Context(), models.ReportQuery{
		UserID:    userID,
		DeviceIDs: deviceIDs,
		GroupIDs:  groupIDs,
		From:      from,
		To:        to,
	})
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if format == report.FormatCSV {
		w.Header().Set("Content-Disposition", `attachment; filename="summary.csv"`)
	}
	w.WriteHeader(http.StatusOK)
	if err := format.Write(w, reports); err != nil {
		s.logger.WithError(err).Error("failed to write report")
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	admin, err := s.isAdmin(r)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if !admin {
		readable := make([]models.Device, 0, len(devices))
		for _, d := range devices {
			err := s.checkDevices(r, d.ID)
			if errors.Is(err, models.ErrAccessDenied) {
				continue
			}
			if err != nil {
				s.respondFailure(w, r, err)
				return
			}
			readable = append(readable, d)
		}
		devices = readable
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var d models.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if d.Name == "" || d.UniqueID == "" {
		respondError(w, http.StatusBadRequest, "name and unique_id are required")
		return
	}

	if err := s.store.InsertDevice(r.Context(), &d); err != nil {
		s.respondFailure(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	if err := s.checkDevices(r, id); err != nil {
		s.respondFailure(w, r, err)
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeviceSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID, _ := auth.UserID(r.Context())
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	from, to, err := parseWindow(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rep, err := s.reporter.Summary(r.Context(), userID, id, from, to)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	respondWithMeta(w, rep, &meta{QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleQueryPositions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID, _ := auth.UserID(r.Context())

	q, err := parsePositionQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.UserID = userID

	if q.DeviceID != 0 {
		if err := s.checkDevices(r, q.DeviceID); err != nil {
			s.respondFailure(w, r, err)
			return
		}
	}

	results, err := s.store.QueryPositions(r.Context(), q)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

// parsePositionQuery reads device_id, limit, offset, from and to. The limit
// defaults to 100 and is capped at 1000.
func parsePositionQuery(r *http.Request) (models.PositionQuery, error) {
	params := r.URL.Query()
	q := models.PositionQuery{Limit: defaultPositionLimit}

	if v := params.Get("device_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return q, errors.New("device_id must be a positive integer")
		}
		q.DeviceID = id
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = min(limit, maxPositionLimit)
	}
	if v := params.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
		q.Offset = offset
	}
	if v := params.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.New("from must be an RFC3339 timestamp")
		}
		q.From = t
	}
	if v := params.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.New("to must be an RFC3339 timestamp")
		}
		q.To = t
	}
	return q, nil
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var p models.Position
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if p.FixTime.IsZero() {
		p.FixTime = time.Now().UTC()
	}
	if errs := parser.ValidatePosition(&p); len(errs) > 0 {
		respondError(w, http.StatusBadRequest, errs[0])
		return
	}
	if err := s.checkDevices(r, p.DeviceID); err != nil {
		s.respondFailure(w, r, err)
		return
	}

	if err := s.store.InsertPosition(r.Context(), &p); err != nil {
		s.respondFailure(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleBatchPositions(w http.ResponseWriter, r *http.Request) {
	var records []models.Position
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array")
		return
	}

	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	now := time.Now().UTC()
	deviceIDs := make([]int64, 0, len(records))
	for i := range records {
		if records[i].FixTime.IsZero() {
			records[i].FixTime = now
		}
		if errs := parser.ValidatePosition(&records[i]); len(errs) > 0 {
			respondError(w, http.StatusBadRequest, "record "+strconv.Itoa(i)+": "+errs[0])
			return
		}
		deviceIDs = append(deviceIDs, records[i].DeviceID)
	}
	if err := s.checkDevices(r, deviceIDs...); err != nil {
		s.respondFailure(w, r, err)
		return
	}

	count, err := s.store.InsertPositionBatch(r.Context(), records)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
