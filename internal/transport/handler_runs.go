package transport

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/detention-letters/internal/workflow"
)

// RunLauncher starts processing runs on demand. Launched runs are owned by
// the launcher, not the request; the channel yields the run's summary.
type RunLauncher interface {
	Launch(source string) (<-chan workflow.Summary, error)
}

type runResponse struct {
	Status string   `json:"status"`
	Run    *runView `json:"run,omitempty"`
}

type runView struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Pending    int                    `json:"pending"`
	Skipped    int                    `json:"skipped"`
	Counts     map[workflow.State]int `json:"counts"`
	Outcomes   []outcomeView          `json:"outcomes"`
	Error      string                 `json:"error,omitempty"`
}

type outcomeView struct {
	workflow.Outcome
	Error string `json:"error,omitempty"`
}

func newRunView(sum workflow.Summary) *runView {
	v := &runView{
		RunID:      sum.RunID,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		Pending:    sum.Pending,
		Skipped:    sum.Skipped,
		Counts:     make(map[workflow.State]int),
		Outcomes:   make([]outcomeView, 0, len(sum.Outcomes)),
	}
	if sum.Err != nil {
		v.Error = sum.Err.Error()
	}
	for _, o := range sum.Outcomes {
		v.Counts[o.State]++
		ov := outcomeView{Outcome: o}
		if o.Err != nil {
			ov.Error = o.Err.Error()
		}
		v.Outcomes = append(v.Outcomes, ov)
	}
	return v
}

// handleTriggerRun starts a processing run in the background. By default
// 202 is returned at once; with ?wait=true the request waits for the run
// summary until the handler timeout, after which 202 is returned and the
// run carries on. A run already in progress yields 409.
func handleTriggerRun(runs RunLauncher, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
		logger := logger.With(
			zap.String("subject", SubjectFrom(r.Context())),
			zap.String("correlation_id", CorrelationIDFrom(r.Context())),
			zap.Bool("wait", wait),
		)

		done, err := runs.Launch("http")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if !wait {
			logger.Info("run launched")
			WriteJSON(w, http.StatusAccepted, runResponse{Status: "accepted"})
			return
		}

		select {
		case sum := <-done:
			logger.Info("run completed", zap.String("run_id", sum.RunID))
			WriteJSON(w, http.StatusOK, runResponse{Status: sum.Result(), Run: newRunView(sum)})
		case <-r.Context().Done():
			logger.Info("run still in progress, not waiting")
			WriteJSON(w, http.StatusAccepted, runResponse{Status: "running"})
		}
	}
}
