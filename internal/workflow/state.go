package workflow

import (
	"time"

	"github.com/pitabwire/detention-letters/model"
)

// State is where an order ended up after one pass through the Processor.
type State string

// Order states. Pending, Determined, HistoryRecorded and Generated are
// intermediate; an Outcome always carries one of the final four.
const (
	StatePending          State = "pending"
	StateDetermined       State = "determined"
	StateHistoryRecorded  State = "history_recorded"
	StateGenerated        State = "generated"
	StateSent             State = "sent"
	StateMissingRecipient State = "missing_recipient"
	StateNotQualified     State = "not_qualified"
	StateFailed           State = "failed"
)

// Final reports whether s ends processing of an order.
func (s State) Final() bool {
	switch s {
	case StateSent, StateMissingRecipient, StateNotQualified, StateFailed:
		return true
	}
	return false
}

// Outcome describes the processing of one order summary.
type Outcome struct {
	SummaryID   string             `json:"summary_id"`
	OrderNumber string             `json:"order_number"`
	State       State              `json:"state"`
	Closed      bool               `json:"closed"`
	Message     string             `json:"message,omitempty"`
	Letters     []model.LetterType `json:"letters"`
	Generated   []model.LetterType `json:"generated"`
	Attachments []string           `json:"attachments,omitempty"`
	Err         error              `json:"-"`
}

// Summary describes one RunOnce call.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Pending    int       `json:"pending"`
	// Skipped counts orders filtered out by business unit or left
	// unstarted because the run was cancelled.
	Skipped  int       `json:"skipped"`
	Outcomes []Outcome `json:"outcomes"`
	Err      error     `json:"-"`
}

// Count returns how many orders finished in state.
func (s Summary) Count(state State) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

// Result is the run result label used in metrics and logs.
func (s Summary) Result() string {
	if s.Err != nil {
		return "failed"
	}
	return "completed"
}
