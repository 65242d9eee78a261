package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/detention-letters/internal/document"
	"github.com/pitabwire/detention-letters/internal/letters"
	"github.com/pitabwire/detention-letters/internal/mail"
	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/model"
)

// Order status messages that are not shared with the CRM.
const (
	msgAllGenerationsFailed = "Report generation failed for all letters"
	msgSendFailedPrefix     = "Email sending failed: "
	saveSuccessLayout       = "2006-01-02 15:04:05.000"
)

// Deps are the ports a Processor drives.
type Deps struct {
	Orders    model.OrderStore
	History   model.HistoryStore
	Users     model.UserDirectory
	Reports   model.ReportGenerator
	Documents model.DocumentResolver
	Mailer    model.Mailer
}

// Options tune a Processor. Metrics and Logger may be nil.
type Options struct {
	// From is the sender address of every email.
	From    string
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Processor takes one order summary from pending to a final state:
// determine letters, record history, render letters, then mail them or
// raise a missing-recipient alert.
type Processor struct {
	deps    Deps
	engine  *letters.Engine
	from    string
	metrics *observability.Metrics
	logger  *zap.Logger

	now         func() time.Time
	writeReport func(dir, name string, data []byte) (int64, error)
}

// NewProcessor creates a Processor. A nil engine uses the default rules.
func NewProcessor(deps Deps, engine *letters.Engine, opts Options) *Processor {
	if engine == nil {
		engine = letters.NewEngine(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		deps:        deps,
		engine:      engine,
		from:        opts.From,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         time.Now,
		writeReport: document.WriteReport,
	}
}

// letterJob is one letter of an order with its history row and file.
type letterJob struct {
	letter    model.LetterType
	historyID string
	dir       string
	name      string
	generated bool
}

func (j letterJob) path() string { return filepath.Join(j.dir, j.name) }

// Process runs one order to a final state. Failures, including panics, are
// logged and reported in the Outcome; nothing is rolled back.
func (p *Processor) Process(ctx context.Context, summary model.OrderSummary) (out Outcome) {
	out = Outcome{SummaryID: summary.SummaryID, OrderNumber: summary.OrderNumber, State: StatePending}
	logger := observability.RunLogger(ctx, p.logger).With(observability.OrderFields(summary)...)

	ctx, span := observability.StartSpan(ctx, "order.process",
		observability.AttrOrderNumber.String(summary.OrderNumber),
		observability.AttrSummaryID.String(summary.SummaryID),
	)
	defer func() {
		if r := recover(); r != nil {
			out.State = StateFailed
			out.Err = fmt.Errorf("panic processing order %s: %v", summary.OrderNumber, r)
			logger.Error("order processing panicked",
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)
		}
		span.SetAttributes(observability.AttrOrderState.String(string(out.State)))
		observability.EndSpanWithError(span, out.Err)
		p.metrics.RecordOrder(string(out.State))
	}()

	lines, err := p.deps.Orders.ProductLines(ctx, summary.OrderID)
	if err != nil {
		logger.Error("failed to load product lines", zap.Error(err))
		return p.fail(out, fmt.Errorf("load product lines: %w", err))
	}

	out.Letters = p.engine.Determine(lines)
	out.State = StateDetermined
	span.SetAttributes(observability.AttrLetterCount.Int(len(out.Letters)))
	for _, l := range out.Letters {
		p.metrics.RecordLetterDetermined(l.String())
	}
	logger.Debug("letters determined",
		zap.Int("product_lines", len(lines)),
		zap.Stringers("letters", out.Letters),
	)

	if len(out.Letters) == 0 {
		return p.close(ctx, logger, out, StateNotQualified, true, model.StatusNotQualified)
	}

	jobs := p.recordHistory(ctx, logger, summary, out.Letters)
	out.State = StateHistoryRecorded

	p.generate(ctx, logger, summary, jobs)
	out.State = StateGenerated
	for _, j := range jobs {
		if j.generated {
			out.Generated = append(out.Generated, j.letter)
		}
	}

	if !mail.ValidAddress(summary.SoldToEmail) {
		return p.missingRecipient(ctx, logger, summary, jobs, out)
	}
	return p.send(ctx, logger, summary, jobs, out)
}

// recordHistory creates one history row per letter. A row that cannot be
// created is logged and its letter dropped.
func (p *Processor) recordHistory(ctx context.Context, logger *zap.Logger, summary model.OrderSummary, lts []model.LetterType) []letterJob {
	dir := document.AttachmentDir(summary)
	day := p.now()

	jobs := make([]letterJob, 0, len(lts))
	for _, l := range lts {
		name := document.FileName(l, summary.OrderNumber, day)
		id, err := p.deps.History.CreateHistory(ctx, model.NewHistoryRecord{
			SummaryID:      summary.SummaryID,
			OrderID:        summary.OrderID,
			OrderNumber:    summary.OrderNumber,
			LetterType:     l,
			AttachmentPath: dir,
			FileName:       name,
			FromAddress:    p.from,
			SentToAddress:  summary.SoldToEmail,
		})
		if err != nil {
			p.metrics.RecordHistoryWriteError()
			logger.Warn("failed to create history record",
				zap.Stringer("letter", l),
				zap.Error(err),
			)
			continue
		}
		jobs = append(jobs, letterJob{letter: l, historyID: id, dir: dir, name: name})
	}
	return jobs
}

// generate renders and stores each letter, recording the result on its
// history row. A failed letter does not stop the others.
func (p *Processor) generate(ctx context.Context, logger *zap.Logger, summary model.OrderSummary, jobs []letterJob) {
	for i := range jobs {
		j := &jobs[i]
		size, err := p.renderLetter(ctx, summary, j)
		if err != nil {
			logger.Warn("letter generation failed",
				zap.Stringer("letter", j.letter),
				zap.Error(err),
			)
			p.updateGeneration(ctx, logger, j.historyID, false, 0, err.Error())
			continue
		}
		j.generated = true
		p.updateGeneration(ctx, logger, j.historyID, true, size,
			"Report Save Successful at "+p.now().Format(saveSuccessLayout))
	}
}

func (p *Processor) renderLetter(ctx context.Context, summary model.OrderSummary, j *letterJob) (int64, error) {
	data, err := p.deps.Reports.Generate(ctx, summary.OrderID, j.letter, summary.OrderModifiedBy)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("report for %s is empty", j.letter)
	}
	return p.writeReport(j.dir, j.name, data)
}

func (p *Processor) send(ctx context.Context, logger *zap.Logger, summary model.OrderSummary, jobs []letterJob, out Outcome) Outcome {
	if len(out.Generated) == 0 {
		logger.Warn("no letters generated, email not sent")
		return p.close(ctx, logger, out, StateFailed, false, msgAllGenerationsFailed)
	}

	out.Attachments = p.attachments(jobs)
	cc := mail.MergeRecipients(p.ccCandidates(ctx, logger, summary), summary.SoldToEmail)
	msg := mail.LetterMessage(p.from, summary, cc, out.Attachments)

	err := p.deps.Mailer.Send(ctx, msg)
	p.metrics.RecordEmail("letter", err)
	if err != nil {
		message := msgSendFailedPrefix + err.Error()
		logger.Error("failed to send letter email", zap.Error(err))
		p.updateSendStatus(ctx, logger, jobs, true, false, message)
		out.Err = err
		return p.close(ctx, logger, out, StateFailed, false, message)
	}

	logger.Info("letters sent",
		zap.String("to", observability.MaskEmail(summary.SoldToEmail)),
		zap.Int("cc", len(cc)),
		zap.Int("attachments", len(out.Attachments)),
	)
	p.updateSendStatus(ctx, logger, jobs, true, true, model.StatusSuccessful)
	return p.close(ctx, logger, out, StateSent, true, model.StatusSuccessful)
}

func (p *Processor) missingRecipient(ctx context.Context, logger *zap.Logger, summary model.OrderSummary, jobs []letterJob, out Outcome) Outcome {
	logger.Warn("sold-to email missing or invalid",
		zap.String("sold_to", observability.MaskEmail(summary.SoldToEmail)),
	)
	p.updateSendStatus(ctx, logger, jobs, false, false, model.StatusInvalidRecipient)
	out = p.close(ctx, logger, out, StateMissingRecipient, true, model.StatusInvalidRecipient)
	p.notifyModifier(ctx, logger, summary)
	return out
}

// notifyModifier alerts the user who last modified the order. Every failure
// is logged and swallowed.
func (p *Processor) notifyModifier(ctx context.Context, logger *zap.Logger, summary model.OrderSummary) {
	user, err := p.deps.Users.UserByID(ctx, summary.OrderModifiedBy)
	if err != nil {
		logger.Warn("cannot notify order modifier", zap.String("user_id", summary.OrderModifiedBy), zap.Error(err))
		return
	}
	if !mail.ValidAddress(user.Email) {
		logger.Warn("order modifier has no email address", zap.String("user_id", user.UserID))
		return
	}

	err = p.deps.Mailer.Send(ctx, mail.MissingRecipientMessage(p.from, user.Email, summary.OrderNumber))
	p.metrics.RecordEmail("notification", err)
	if err != nil {
		logger.Error("failed to send missing recipient alert", zap.Error(err))
		return
	}
	logger.Info("missing recipient alert sent", zap.String("to", observability.MaskEmail(user.Email)))
}

// ccCandidates returns the modifier's and sales engineer's addresses. A
// lookup failure contributes nothing.
func (p *Processor) ccCandidates(ctx context.Context, logger *zap.Logger, summary model.OrderSummary) []string {
	var cc []string
	if u, err := p.deps.Users.UserByID(ctx, summary.OrderModifiedBy); err == nil {
		cc = append(cc, u.Email)
	} else {
		logger.Debug("order modifier not resolved", zap.Error(err))
	}
	if u, err := p.deps.Users.SalesEngineerByOrderNumber(ctx, summary.OrderNumber); err == nil {
		cc = append(cc, u.Email)
	} else {
		logger.Debug("sales engineer not resolved", zap.Error(err))
	}
	return cc
}

// attachments lists each generated letter followed by its guides. A guide
// shared by two letters is attached once.
func (p *Processor) attachments(jobs []letterJob) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	for _, j := range jobs {
		if !j.generated {
			continue
		}
		add(j.path())
		for _, doc := range p.deps.Documents.DocumentsFor(j.letter) {
			add(doc)
		}
	}
	return out
}

func (p *Processor) updateGeneration(ctx context.Context, logger *zap.Logger, historyID string, ok bool, size int64, message string) {
	if err := p.deps.History.UpdateHistoryGeneration(ctx, historyID, ok, size, message); err != nil {
		p.metrics.RecordHistoryWriteError()
		logger.Warn("failed to update history generation", zap.String("history_id", historyID), zap.Error(err))
	}
}

// updateSendStatus records the delivery result on each history row. With
// onlyGenerated set, rows whose letter failed to render keep their
// generation message.
func (p *Processor) updateSendStatus(ctx context.Context, logger *zap.Logger, jobs []letterJob, onlyGenerated, ok bool, message string) {
	for _, j := range jobs {
		if onlyGenerated && !j.generated {
			continue
		}
		if err := p.deps.History.UpdateHistorySendStatus(ctx, j.historyID, ok, message); err != nil {
			p.metrics.RecordHistoryWriteError()
			logger.Warn("failed to update history send status", zap.String("history_id", j.historyID), zap.Error(err))
		}
	}
}

// close writes the order status and finalises the outcome. A failed status
// write is logged; the outcome still reports the intended state.
func (p *Processor) close(ctx context.Context, logger *zap.Logger, out Outcome, state State, closed bool, message string) Outcome {
	out.State = state
	out.Closed = closed
	out.Message = message
	if err := p.deps.Orders.UpdateOrderStatus(ctx, out.SummaryID, closed, message); err != nil {
		logger.Error("failed to update order status", zap.Error(err))
		if out.Err == nil {
			out.Err = fmt.Errorf("update order status: %w", err)
		}
		return out
	}
	logger.Info("order processed",
		zap.String("state", string(state)),
		zap.Bool("closed", closed),
		zap.Int("letters", len(out.Letters)),
		zap.Int("generated", len(out.Generated)),
	)
	return out
}

func (p *Processor) fail(out Outcome, err error) Outcome {
	out.State = StateFailed
	out.Err = err
	return out
}
