package store

import (
	"context"
	"time"

	"github.com/example/randevu-watch/internal/appointment"
	"github.com/example/randevu-watch/internal/db"
)

type Monitor struct {
	ID              int64
	PatientID       int64
	SearchText      string
	AppointmentType string
	IntervalMinutes int
	IsActive        bool
	ActionType      appointment.ActionType
	DateRange       string
	TimeRange       string
	LastChecked     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Due reports whether the monitor should run now. A monitor never checked is
// always due.
func (m Monitor) Due(now time.Time) bool {
	if m.LastChecked == nil {
		return true
	}
	return now.Sub(*m.LastChecked) >= time.Duration(m.IntervalMinutes)*time.Minute
}

type Monitors struct {
	db *db.DB
}

func NewMonitors(d *db.DB) *Monitors {
	return &Monitors{db: d}
}

const monitorCols = `id, patient_id, search_text, appointment_type, interval_minutes,
is_active, action_type, date_range, time_range, last_checked, created_at, updated_at`

func (r *Monitors) Create(ctx context.Context, m Monitor) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO monitors(patient_id, search_text, appointment_type, interval_minutes, is_active, action_type, date_range, time_range)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`,
		m.PatientID, m.SearchText, m.AppointmentType, m.IntervalMinutes, m.IsActive, string(m.ActionType), m.DateRange, m.TimeRange,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Monitors) Get(ctx context.Context, id int64) (Monitor, error) {
	row := r.db.QueryRow(ctx, `SELECT `+monitorCols+` FROM monitors WHERE id=$1`, id)
	return scanMonitor(row)
}

func (r *Monitors) List(ctx context.Context) ([]Monitor, error) {
	return r.list(ctx, `SELECT `+monitorCols+` FROM monitors ORDER BY id`)
}

// ListActive returns every active monitor, the scheduler's working set.
func (r *Monitors) ListActive(ctx context.Context) ([]Monitor, error) {
	return r.list(ctx, `SELECT `+monitorCols+` FROM monitors WHERE is_active ORDER BY id`)
}

// ListActiveByPatient is the auto-booking pre-flight query: everything that
// must be deactivated before a booking attempt for this patient.
func (r *Monitors) ListActiveByPatient(ctx context.Context, patientID int64) ([]Monitor, error) {
	return r.list(ctx, `SELECT `+monitorCols+` FROM monitors WHERE is_active AND patient_id=$1 ORDER BY id`, patientID)
}

func (r *Monitors) SetActive(ctx context.Context, id int64, active bool) error {
	return r.db.Exec(ctx, `UPDATE monitors SET is_active=$2, updated_at=now() WHERE id=$1`, id, active)
}

func (r *Monitors) SetLastChecked(ctx context.Context, id int64, at time.Time) error {
	return r.db.Exec(ctx, `UPDATE monitors SET last_checked=$2, updated_at=now() WHERE id=$1`, id, at)
}

func (r *Monitors) Update(ctx context.Context, m Monitor) error {
	return r.db.Exec(ctx, `
UPDATE monitors SET search_text=$2, appointment_type=$3, interval_minutes=$4,
action_type=$5, date_range=$6, time_range=$7, updated_at=now()
WHERE id=$1`,
		m.ID, m.SearchText, m.AppointmentType, m.IntervalMinutes, string(m.ActionType), m.DateRange, m.TimeRange)
}

func (r *Monitors) Delete(ctx context.Context, id int64) error {
	return r.db.Exec(ctx, `DELETE FROM monitors WHERE id=$1`, id)
}

func (r *Monitors) list(ctx context.Context, sql string, args ...any) ([]Monitor, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMonitor(row db.Row) (Monitor, error) {
	var m Monitor
	var action string
	if err := row.Scan(
		&m.ID, &m.PatientID, &m.SearchText, &m.AppointmentType, &m.IntervalMinutes,
		&m.IsActive, &action, &m.DateRange, &m.TimeRange, &m.LastChecked, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return Monitor{}, db.WrapNotFound(err)
	}
	m.ActionType = appointment.ActionType(action)
	return m, nil
}
