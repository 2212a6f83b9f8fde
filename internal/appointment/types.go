package appointment

// Status classifies the outcome of one automation run.
type Status string

const (
	StatusAvailable    Status = "AVAILABLE"
	StatusNotAvailable Status = "NOT_AVAILABLE"
	StatusUnknown      Status = "UNKNOWN"
	StatusCancelled    Status = "CANCELLED"
	StatusError        Status = "ERROR"
)

// ActionType is what a monitor does when a scan finds availability.
type ActionType string

const (
	ActionNotify      ActionType = "notify"
	ActionAskOperator ActionType = "ask_operator"
	ActionAutoBook    ActionType = "auto_book"
)

// SearchCriteria identifies what to look for on the portal.
type SearchCriteria struct {
	SearchText      string `json:"search_text"`
	AppointmentType string `json:"appointment_type"`
}

// Slot is one probed calendar cell: a date, the hour block, and the
// bookable sub-times inside it.
type Slot struct {
	Date     string   `json:"date"` // DD.MM.YYYY
	Hour     string   `json:"hour"` // HH:MM
	Subtimes []string `json:"subtimes"`
}

// Alternative is a doctor/clinic the portal offered, with whatever slot
// summary the scan could scrape for it.
type Alternative struct {
	Name  string `json:"name"`
	Slots []Slot `json:"slots,omitempty"`
}

// BookTarget pins one concrete sub-time for a booking run.
type BookTarget struct {
	Date    string `json:"date"`
	Hour    string `json:"hour"`
	Subtime string `json:"subtime"`
}

// BookingOutcome reports a booking attempt inside a run.
type BookingOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StatusUpdate is one progress step emitted during a run.
type StatusUpdate struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

// RunResult is the uniform envelope every run returns, regardless of how
// the run ended.
type RunResult struct {
	Status       Status          `json:"status"`
	Alternatives []Alternative   `json:"alternatives,omitempty"`
	Probed       []Slot          `json:"probed,omitempty"`
	Booking      *BookingOutcome `json:"booking,omitempty"`
	Err          string          `json:"error,omitempty"`
	ExitCode     int             `json:"exit_code"`
}

// Available reports whether the run found at least one usable slot.
func (r RunResult) Available() bool {
	if r.Status != StatusAvailable {
		return false
	}
	if len(r.Probed) > 0 {
		return true
	}
	for _, alt := range r.Alternatives {
		if len(alt.Slots) > 0 {
			return true
		}
	}
	return false
}
