package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/model"
)

// RunnerOptions tune a Runner. Metrics and Logger may be nil.
type RunnerOptions struct {
	// Workers bounds how many orders are processed at once. Values below
	// one mean sequential processing.
	Workers int
	// BusinessUnit, when set, skips orders from any other unit.
	BusinessUnit string
	// OrderTimeout bounds the processing of a single order.
	OrderTimeout time.Duration
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// Runner executes processing runs over all pending orders.
type Runner struct {
	orders    model.OrderStore
	processor *Processor
	opts      RunnerOptions
	logger    *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(orders model.OrderStore, processor *Processor, opts RunnerOptions) *Runner {
	opts.BusinessUnit = strings.TrimSpace(opts.BusinessUnit)
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{orders: orders, processor: processor, opts: opts, logger: logger}
}

// RunOnce fetches the pending orders and processes each of them. It never
// returns an error: a failed fetch is logged and reported in Summary.Err,
// and per-order failures live in the outcomes.
func (r *Runner) RunOnce(ctx context.Context) (sum Summary) {
	sum = Summary{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	ctx = observability.WithRunID(ctx, sum.RunID)
	ctx, span := observability.StartSpan(ctx, "run", observability.AttrRunID.String(sum.RunID))
	logger := observability.RunLogger(ctx, r.logger)

	defer func() {
		sum.FinishedAt = time.Now().UTC()
		observability.EndSpanWithError(span, sum.Err)
		r.opts.Metrics.RecordRun(sum.Result(), sum.Pending, sum.FinishedAt.Sub(sum.StartedAt))
	}()

	logger.Info("processing run started")

	pending, err := r.orders.PendingOrders(ctx)
	if err != nil {
		sum.Err = err
		logger.Error("failed to fetch pending orders", zap.Error(err))
		return sum
	}
	sum.Pending = len(pending)

	eligible := pending[:0:0]
	for _, o := range pending {
		if r.opts.BusinessUnit != "" && !strings.EqualFold(strings.TrimSpace(o.BusinessUnit), r.opts.BusinessUnit) {
			sum.Skipped++
			logger.Debug("order skipped for business unit",
				append(observability.OrderFields(o), zap.String("business_unit", o.BusinessUnit))...)
			continue
		}
		eligible = append(eligible, o)
	}

	outcomes := make([]Outcome, len(eligible))
	started := make([]bool, len(eligible))
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Workers)
	for i, o := range eligible {
		if ctx.Err() != nil {
			break
		}
		started[i] = true
		g.Go(func() error {
			octx := ctx
			if r.opts.OrderTimeout > 0 {
				var cancel context.CancelFunc
				octx, cancel = context.WithTimeout(ctx, r.opts.OrderTimeout)
				defer cancel()
			}
			outcomes[i] = r.processor.Process(octx, o)
			return nil
		})
	}
	_ = g.Wait()

	for i, ok := range started {
		if !ok {
			sum.Skipped++
			continue
		}
		sum.Outcomes = append(sum.Outcomes, outcomes[i])
	}

	logger.Info("processing run finished",
		zap.Int("pending", sum.Pending),
		zap.Int("skipped", sum.Skipped),
		zap.Int("sent", sum.Count(StateSent)),
		zap.Int("missing_recipient", sum.Count(StateMissingRecipient)),
		zap.Int("not_qualified", sum.Count(StateNotQualified)),
		zap.Int("failed", sum.Count(StateFailed)),
	)
	return sum
}
