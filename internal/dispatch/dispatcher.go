// Package dispatch turns a completed scan into its configured side effect:
// a notification, an operator choice, or an automatic booking.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/randevu-watch/internal/appointment"
	"github.com/example/randevu-watch/internal/notify"
	"github.com/example/randevu-watch/internal/runner"
	"github.com/example/randevu-watch/internal/session"
	"github.com/example/randevu-watch/internal/store"
)

type Notifier interface {
	Send(ctx context.Context, text string) error
	SendButtons(ctx context.Context, text string, rows [][]notify.Button) error
}

type MonitorStore interface {
	ListActiveByPatient(ctx context.Context, patientID int64) ([]store.Monitor, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

type Booker interface {
	Run(ctx context.Context, req runner.Request) appointment.RunResult
}

type Dispatcher struct {
	Notifier Notifier
	Monitors MonitorStore
	Booker   Booker
	Log      zerolog.Logger

	// test hook
	Now func() time.Time
}

// Dispatch filters the scan's probed slots by the monitor's constraints and
// executes its action. Notification failures are logged, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, m store.Monitor, p store.Patient, res appointment.RunResult) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	filtered := appointment.FilterSlots(res.Probed, m.DateRange, m.TimeRange, now())

	log := d.Log.With().
		Int64("monitor_id", m.ID).
		Str("action", string(m.ActionType)).
		Int("filtered_slots", len(filtered)).
		Logger()
	log.Info().Msg("dispatching scan result")

	switch m.ActionType {
	case appointment.ActionAskOperator:
		d.askOperator(ctx, m, p, filtered, log)
	case appointment.ActionAutoBook:
		d.autoBook(ctx, m, p, filtered, log)
	default:
		d.notifyOnly(ctx, m, p, filtered, res.Alternatives, log)
	}
}

func (d *Dispatcher) notifyOnly(ctx context.Context, m store.Monitor, p store.Patient, filtered []appointment.Slot, alternatives []appointment.Alternative, log zerolog.Logger) {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 <b>Appointment available!</b>\n👤 %s | 🏥 %s\n", p.Name, m.SearchText)

	if len(filtered) > 0 {
		for _, s := range filtered {
			fmt.Fprintf(&b, "\n📅 %s %s: %s", s.Date, s.Hour, strings.Join(s.Subtimes, ", "))
		}
	} else {
		// no structured per-slot data; summarize the raw alternatives
		for _, alt := range alternatives {
			byDate := map[string][]string{}
			var order []string
			for _, s := range alt.Slots {
				if _, seen := byDate[s.Date]; !seen {
					order = append(order, s.Date)
				}
				byDate[s.Date] = append(byDate[s.Date], s.Hour)
			}
			for _, date := range order {
				fmt.Fprintf(&b, "\n📅 %s: %s", date, strings.Join(byDate[date], ", "))
			}
		}
	}

	if err := d.Notifier.Send(ctx, b.String()); err != nil {
		log.Error().Err(err).Msg("notification failed")
	}
}

func (d *Dispatcher) askOperator(ctx context.Context, m store.Monitor, p store.Patient, filtered []appointment.Slot, log zerolog.Logger) {
	if len(filtered) == 0 {
		d.sendPlain(ctx, fmt.Sprintf("🔍 %s | %s\nScan found slots but none matched your filters.", p.Name, m.SearchText), log)
		return
	}

	var rows [][]notify.Button
	for _, s := range filtered {
		for _, st := range s.Subtimes {
			payload := fmt.Sprintf("book|%d|%s|%s|%s", p.ID, s.Date, s.Hour, st)
			if len(payload) > notify.MaxPayloadBytes {
				continue
			}
			rows = append(rows, []notify.Button{{
				Label:   fmt.Sprintf("📅 %s ⏰ %s", s.Date, st),
				Payload: payload,
			}})
		}
	}

	if len(rows) == 0 {
		d.sendPlain(ctx, fmt.Sprintf("🔍 %s | %s\nSlots found but no bookable buttons could be built.", p.Name, m.SearchText), log)
		return
	}

	text := fmt.Sprintf("🩺 <b>Appointments found!</b>\n👤 %s | 🏥 %s\n\nTap a time to book it:", p.Name, m.SearchText)
	if err := d.Notifier.SendButtons(ctx, text, rows); err != nil {
		log.Error().Err(err).Msg("button notification failed")
	}
}

func (d *Dispatcher) autoBook(ctx context.Context, m store.Monitor, p store.Patient, filtered []appointment.Slot, log zerolog.Logger) {
	target, ok := appointment.ChooseAutoBook(filtered)
	if !ok {
		d.sendPlain(ctx, fmt.Sprintf("⚡ %s | %s\nAuto-book: no slot matched your filters.", p.Name, m.SearchText), log)
		return
	}
	d.Book(ctx, p, m.SearchText, m.AppointmentType, target)
}

// Book attempts to book one concrete sub-time for the patient. Every active
// monitor for the patient is deactivated before the booking run so the
// scheduler cannot trigger a concurrent scan mid-booking; on failure exactly
// those monitors are reactivated. Used by auto-book monitors and by
// operator-initiated bookings.
func (d *Dispatcher) Book(ctx context.Context, p store.Patient, searchText, appointmentType string, target appointment.BookTarget) appointment.RunResult {
	log := d.Log.With().
		Int64("patient_id", p.ID).
		Str("identity", session.Mask(p.NationalID)).
		Str("date", target.Date).
		Str("subtime", target.Subtime).
		Logger()

	var deactivated []int64
	active, err := d.Monitors.ListActiveByPatient(ctx, p.ID)
	if err != nil {
		log.Error().Err(err).Msg("listing monitors for pre-booking deactivation failed")
	}
	for _, am := range active {
		if err := d.Monitors.SetActive(ctx, am.ID, false); err != nil {
			log.Error().Err(err).Int64("deactivate_id", am.ID).Msg("deactivating monitor failed")
			continue
		}
		deactivated = append(deactivated, am.ID)
	}

	d.sendPlain(ctx, fmt.Sprintf("⚡ <b>Booking appointment</b>\n👤 %s\n📅 %s ⏰ %s", p.Name, target.Date, target.Subtime), log)

	res := d.Booker.Run(ctx, runner.Request{
		Identity:   p.NationalID,
		BirthDate:  p.BirthDate,
		Phone:      p.Phone,
		Criteria:   appointment.SearchCriteria{SearchText: searchText, AppointmentType: appointmentType},
		BookTarget: &target,
	})

	if res.Booking != nil && res.Booking.Success {
		log.Info().Msg("booking succeeded")
		d.sendPlain(ctx, fmt.Sprintf(
			"✅ <b>Appointment booked!</b>\n👤 %s\n📅 %s ⏰ %s\n📋 %s",
			p.Name, target.Date, target.Subtime, res.Booking.Message), log)
		return res
	}

	reason := res.Err
	if res.Booking != nil && res.Booking.Message != "" {
		reason = res.Booking.Message
	}
	if reason == "" {
		reason = "unknown error"
	}
	log.Warn().Str("reason", reason).Msg("booking failed, reactivating monitors")

	for _, id := range deactivated {
		if err := d.Monitors.SetActive(ctx, id, true); err != nil {
			log.Error().Err(err).Int64("reactivate_id", id).Msg("reactivating monitor failed")
		}
	}
	d.sendPlain(ctx, fmt.Sprintf(
		"❌ <b>Booking failed</b>\n👤 %s\n📅 %s ⏰ %s\nReason: %s\nMonitors re-enabled.",
		p.Name, target.Date, target.Subtime, reason), log)
	return res
}

func (d *Dispatcher) sendPlain(ctx context.Context, text string, log zerolog.Logger) {
	if err := d.Notifier.Send(ctx, text); err != nil {
		log.Error().Err(err).Msg("notification failed")
	}
}
