// Package web exposes the operator-facing JSON API: patient and monitor
// management, interactive search/book runs, session inspection, and
// scheduler control.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/randevu-watch/internal/appointment"
	"github.com/example/randevu-watch/internal/auth"
	"github.com/example/randevu-watch/internal/db"
	"github.com/example/randevu-watch/internal/dispatch"
	"github.com/example/randevu-watch/internal/runner"
	"github.com/example/randevu-watch/internal/scheduler"
	"github.com/example/randevu-watch/internal/session"
	"github.com/example/randevu-watch/internal/store"
)

type Server struct {
	Auth       *auth.Store
	Patients   *store.Patients
	Monitors   *store.Monitors
	Pool       *session.Pool
	Runner     *runner.Coordinator
	Dispatcher *dispatch.Dispatcher
	Cancels    *runner.CancelRegistry
	Sched      *scheduler.Scheduler
	Log        zerolog.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/patients", s.handlePatientList)
	api.HandleFunc("POST /api/patients", s.handlePatientCreate)
	api.HandleFunc("GET /api/patients/{id}", s.handlePatientGet)
	api.HandleFunc("PUT /api/patients/{id}", s.handlePatientUpdate)
	api.HandleFunc("DELETE /api/patients/{id}", s.handlePatientDelete)
	api.HandleFunc("GET /api/patients/{id}/session", s.handleSessionStatus)
	api.HandleFunc("DELETE /api/patients/{id}/session", s.handleSessionClose)

	api.HandleFunc("GET /api/monitors", s.handleMonitorList)
	api.HandleFunc("POST /api/monitors", s.handleMonitorCreate)
	api.HandleFunc("GET /api/monitors/{id}", s.handleMonitorGet)
	api.HandleFunc("PUT /api/monitors/{id}", s.handleMonitorUpdate)
	api.HandleFunc("DELETE /api/monitors/{id}", s.handleMonitorDelete)
	api.HandleFunc("POST /api/monitors/{id}/active", s.handleMonitorSetActive)
	api.HandleFunc("POST /api/monitors/{id}/cancel", s.handleMonitorCancel)

	api.HandleFunc("POST /api/search", s.handleSearch)
	api.HandleFunc("POST /api/book", s.handleBook)

	api.HandleFunc("GET /api/scheduler", s.handleSchedulerStatus)
	api.HandleFunc("POST /api/scheduler/start", s.handleSchedulerStart)
	api.HandleFunc("POST /api/scheduler/stop", s.handleSchedulerStop)

	mux.Handle("/api/", s.Auth.RequireAuth(api))
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- auth ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	oid, err := s.Auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.errorJSON(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := s.Auth.SetSession(w, r, oid); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- patients ---

type patientPayload struct {
	Name       string `json:"name"`
	NationalID string `json:"national_id"`
	BirthDate  string `json:"birth_date"`
	Phone      string `json:"phone"`
}

type patientView struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	NationalID string `json:"national_id"`
	BirthDate  string `json:"birth_date"`
	Phone      string `json:"phone"`
}

func toPatientView(p store.Patient) patientView {
	return patientView{ID: p.ID, Name: p.Name, NationalID: p.NationalID, BirthDate: p.BirthDate, Phone: p.Phone}
}

func (s *Server) handlePatientList(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Patients.List(r.Context())
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]patientView, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPatientView(p))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePatientCreate(w http.ResponseWriter, r *http.Request) {
	var req patientPayload
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.NationalID == "" || req.BirthDate == "" {
		s.errorJSON(w, http.StatusBadRequest, "name, national_id and birth_date are required")
		return
	}
	p, err := s.Patients.Create(r.Context(), store.Patient{
		Name: req.Name, NationalID: req.NationalID, BirthDate: req.BirthDate, Phone: req.Phone,
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			s.errorJSON(w, http.StatusBadRequest, "a patient with this national id already exists")
			return
		}
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, toPatientView(p))
}

func (s *Server) handlePatientGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPatient(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, toPatientView(p))
}

func (s *Server) handlePatientUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPatient(w, r)
	if !ok {
		return
	}
	var req patientPayload
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	if req.NationalID != "" {
		p.NationalID = req.NationalID
	}
	if req.BirthDate != "" {
		p.BirthDate = req.BirthDate
	}
	if req.Phone != "" {
		p.Phone = req.Phone
	}
	if err := s.Patients.Update(r.Context(), p); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toPatientView(p))
}

func (s *Server) handlePatientDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPatient(w, r)
	if !ok {
		return
	}
	// monitors cascade in the schema; the live session goes through the pool
	if err := s.Patients.Delete(r.Context(), p.ID); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Pool.Close(r.Context(), p.NationalID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- sessions ---

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPatient(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.Pool.GetStatus(r.Context(), p.NationalID))
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPatient(w, r)
	if !ok {
		return
	}
	s.Pool.Close(r.Context(), p.NationalID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- monitors ---

type monitorPayload struct {
	PatientID       int64  `json:"patient_id"`
	SearchText      string `json:"search_text"`
	AppointmentType string `json:"appointment_type"`
	IntervalMinutes int    `json:"interval_minutes"`
	ActionType      string `json:"action_type"`
	DateRange       string `json:"date_range"`
	TimeRange       string `json:"time_range"`
}

type monitorView struct {
	ID              int64      `json:"id"`
	PatientID       int64      `json:"patient_id"`
	SearchText      string     `json:"search_text"`
	AppointmentType string     `json:"appointment_type"`
	IntervalMinutes int        `json:"interval_minutes"`
	IsActive        bool       `json:"is_active"`
	ActionType      string     `json:"action_type"`
	DateRange       string     `json:"date_range"`
	TimeRange       string     `json:"time_range"`
	LastChecked     *time.Time `json:"last_checked"`
}

func toMonitorView(m store.Monitor) monitorView {
	return monitorView{
		ID: m.ID, PatientID: m.PatientID, SearchText: m.SearchText,
		AppointmentType: m.AppointmentType, IntervalMinutes: m.IntervalMinutes,
		IsActive: m.IsActive, ActionType: string(m.ActionType),
		DateRange: m.DateRange, TimeRange: m.TimeRange, LastChecked: m.LastChecked,
	}
}

func (s *Server) handleMonitorList(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Monitors.List(r.Context())
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]monitorView, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMonitorView(m))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMonitorCreate(w http.ResponseWriter, r *http.Request) {
	var req monitorPayload
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.PatientID == 0 || req.SearchText == "" {
		s.errorJSON(w, http.StatusBadRequest, "patient_id and search_text are required")
		return
	}
	if _, err := s.Patients.Get(r.Context(), req.PatientID); err != nil {
		s.errorJSON(w, http.StatusBadRequest, "unknown patient")
		return
	}
	if req.AppointmentType == "" {
		req.AppointmentType = "internet randevu"
	}
	if req.IntervalMinutes <= 0 {
		req.IntervalMinutes = 30
	}
	action := appointment.ActionType(req.ActionType)
	switch action {
	case appointment.ActionNotify, appointment.ActionAskOperator, appointment.ActionAutoBook:
	case "":
		action = appointment.ActionNotify
	default:
		s.errorJSON(w, http.StatusBadRequest, "invalid action_type")
		return
	}

	id, err := s.Monitors.Create(r.Context(), store.Monitor{
		PatientID:       req.PatientID,
		SearchText:      req.SearchText,
		AppointmentType: req.AppointmentType,
		IntervalMinutes: req.IntervalMinutes,
		IsActive:        true,
		ActionType:      action,
		DateRange:       req.DateRange,
		TimeRange:       req.TimeRange,
	})
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	m, err := s.Monitors.Get(r.Context(), id)
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, toMonitorView(m))
}

func (s *Server) handleMonitorGet(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMonitor(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, toMonitorView(m))
}

func (s *Server) handleMonitorUpdate(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMonitor(w, r)
	if !ok {
		return
	}
	var req monitorPayload
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.SearchText != "" {
		m.SearchText = req.SearchText
	}
	if req.AppointmentType != "" {
		m.AppointmentType = req.AppointmentType
	}
	if req.IntervalMinutes > 0 {
		m.IntervalMinutes = req.IntervalMinutes
	}
	if req.ActionType != "" {
		m.ActionType = appointment.ActionType(req.ActionType)
	}
	m.DateRange = req.DateRange
	m.TimeRange = req.TimeRange
	if err := s.Monitors.Update(r.Context(), m); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toMonitorView(m))
}

func (s *Server) handleMonitorDelete(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMonitor(w, r)
	if !ok {
		return
	}
	// abort an in-flight scan before the record disappears
	s.Cancels.Cancel(runner.MonitorKey(m.ID))
	if err := s.Monitors.Delete(r.Context(), m.ID); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMonitorSetActive(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMonitor(w, r)
	if !ok {
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.Monitors.SetActive(r.Context(), m.ID, req.Active); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !req.Active {
		s.Cancels.Cancel(runner.MonitorKey(m.ID))
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMonitorCancel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMonitor(w, r)
	if !ok {
		return
	}
	cancelled := s.Cancels.Cancel(runner.MonitorKey(m.ID))
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// --- runs ---

type runResponse struct {
	Result appointment.RunResult      `json:"result"`
	Steps  []appointment.StatusUpdate `json:"steps"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID       int64  `json:"patient_id"`
		SearchText      string `json:"search_text"`
		AppointmentType string `json:"appointment_type"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	p, err := s.Patients.Get(r.Context(), req.PatientID)
	if err != nil {
		s.errorJSON(w, http.StatusNotFound, "patient not found")
		return
	}
	if req.AppointmentType == "" {
		req.AppointmentType = "internet randevu"
	}

	ctx, done := s.Cancels.Register(r.Context(), runner.IdentityKey(p.NationalID))
	defer done()

	var mu sync.Mutex
	var steps []appointment.StatusUpdate
	res := s.Runner.Run(ctx, runner.Request{
		Identity:      p.NationalID,
		BirthDate:     p.BirthDate,
		Phone:         p.Phone,
		Criteria:      appointment.SearchCriteria{SearchText: req.SearchText, AppointmentType: req.AppointmentType},
		ProbeSubtimes: true,
		Status: func(step, message string) {
			mu.Lock()
			steps = append(steps, appointment.StatusUpdate{Step: step, Message: message})
			mu.Unlock()
		},
	})

	mu.Lock()
	defer mu.Unlock()
	s.writeJSON(w, http.StatusOK, runResponse{Result: res, Steps: steps})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID       int64  `json:"patient_id"`
		SearchText      string `json:"search_text"`
		AppointmentType string `json:"appointment_type"`
		Date            string `json:"date"`
		Hour            string `json:"hour"`
		Subtime         string `json:"subtime"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Date == "" || req.Subtime == "" {
		s.errorJSON(w, http.StatusBadRequest, "date and subtime are required")
		return
	}
	p, err := s.Patients.Get(r.Context(), req.PatientID)
	if err != nil {
		s.errorJSON(w, http.StatusNotFound, "patient not found")
		return
	}
	if req.AppointmentType == "" {
		req.AppointmentType = "internet randevu"
	}

	ctx, done := s.Cancels.Register(r.Context(), runner.IdentityKey(p.NationalID))
	defer done()

	res := s.Dispatcher.Book(ctx, p, req.SearchText, req.AppointmentType, appointment.BookTarget{
		Date: req.Date, Hour: req.Hour, Subtime: req.Subtime,
	})
	s.writeJSON(w, http.StatusOK, runResponse{Result: res})
}

// --- scheduler ---

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": s.Sched.Running()})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	s.Sched.Start()
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.Sched.Stop()
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

// --- helpers ---

func (s *Server) loadPatient(w http.ResponseWriter, r *http.Request) (store.Patient, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, "invalid id")
		return store.Patient{}, false
	}
	p, err := s.Patients.Get(r.Context(), id)
	if err != nil {
		if db.IsNotFound(err) {
			s.errorJSON(w, http.StatusNotFound, "patient not found")
		} else {
			s.errorJSON(w, http.StatusInternalServerError, err.Error())
		}
		return store.Patient{}, false
	}
	return p, true
}

func (s *Server) loadMonitor(w http.ResponseWriter, r *http.Request) (store.Monitor, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, "invalid id")
		return store.Monitor{}, false
	}
	m, err := s.Monitors.Get(r.Context(), id)
	if err != nil {
		if db.IsNotFound(err) {
			s.errorJSON(w, http.StatusNotFound, "monitor not found")
		} else {
			s.errorJSON(w, http.StatusInternalServerError, err.Error())
		}
		return store.Monitor{}, false
	}
	return m, true
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.errorJSON(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.Error().Err(err).Msg("encoding response failed")
	}
}

func (s *Server) errorJSON(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
