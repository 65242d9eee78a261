package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/detention-letters/internal/document"
	"github.com/pitabwire/detention-letters/internal/letters"
	"github.com/pitabwire/detention-letters/internal/store"
	"github.com/pitabwire/detention-letters/model"
)

const (
	testFrom     = "letters@example.com"
	testDocsDir  = "/srv/documents"
	modifierID   = "user-modifier"
	engineerID   = "user-engineer"
	modifierMail = "pat.modifier@example.com"
	engineerMail = "sam.engineer@example.com"
)

var fixedNow = time.Date(2026, 3, 9, 14, 30, 15, 123_000_000, time.UTC)

// fakeReports renders "%PDF <letter>" unless told to fail or panic.
type fakeReports struct {
	mu      sync.Mutex
	fail    map[model.LetterType]error
	panicOn model.LetterType
	calls   []model.LetterType
	users   []string
}

func (f *fakeReports) Generate(_ context.Context, _ string, letter model.LetterType, userID string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, letter)
	f.users = append(f.users, userID)
	f.mu.Unlock()

	if f.panicOn != model.LetterUnknown && letter == f.panicOn {
		panic("renderer exploded")
	}
	if err := f.fail[letter]; err != nil {
		return nil, err
	}
	return []byte("%PDF " + letter.String()), nil
}

// fakeMailer records messages and optionally fails.
type fakeMailer struct {
	mu   sync.Mutex
	sent []model.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) messages() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.sent...)
}

// failingHistory refuses to create rows for one letter type.
type failingHistory struct {
	model.HistoryStore
	letter model.LetterType
}

func (f failingHistory) CreateHistory(ctx context.Context, rec model.NewHistoryRecord) (string, error) {
	if rec.LetterType == f.letter {
		return "", errors.New("deadlock victim")
	}
	return f.HistoryStore.CreateHistory(ctx, rec)
}

type harness struct {
	store   *store.MemoryStore
	reports *fakeReports
	mailer  *fakeMailer
	proc    *Processor
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(),
		reports: &fakeReports{fail: map[model.LetterType]error{}},
		mailer:  &fakeMailer{},
		dir:     t.TempDir(),
	}
	ctx := context.Background()
	require.NoError(t, h.store.AddUser(ctx, model.User{UserID: modifierID, FullName: "Pat Modifier", Email: modifierMail}))
	require.NoError(t, h.store.AddUser(ctx, model.User{UserID: engineerID, FullName: "Sam Engineer", Email: engineerMail}))
	h.proc = h.newProcessor(h.store)
	return h
}

func (h *harness) newProcessor(history model.HistoryStore) *Processor {
	p := NewProcessor(Deps{
		Orders:    h.store,
		History:   history,
		Users:     h.store,
		Reports:   h.reports,
		Documents: document.NewResolver(testDocsDir),
		Mailer:    h.mailer,
	}, letters.NewEngine(nil), Options{From: testFrom})
	p.now = func() time.Time { return fixedNow }
	return p
}

func (h *harness) addOrder(t *testing.T, number, soldTo string, lines ...model.OrderProductLine) model.OrderSummary {
	t.Helper()
	o := model.OrderSummary{
		OrderID:         "order-" + number,
		OrderNumber:     number,
		OrderName:       "Riverside Detention",
		DocumentPath:    h.dir,
		SoldToEmail:     soldTo,
		OrderModifiedBy: modifierID,
		BusinessUnit:    "Contech Engineered Solutions",
		City:            "Dayton",
		State:           "OH",
	}
	id, err := h.store.AddOrder(context.Background(), o, lines)
	require.NoError(t, err)
	o.SummaryID = id
	require.NoError(t, h.store.AssignSalesEngineer(context.Background(), number, engineerID))
	return o
}

func (h *harness) letterPath(letter model.LetterType, number string) string {
	return filepath.Join(h.dir, document.FileName(letter, number, fixedNow))
}

func (h *harness) history(t *testing.T, summaryID string) map[model.LetterType]model.OrderHistoryRecord {
	t.Helper()
	recs, err := h.store.HistoryRecords(context.Background(), summaryID)
	require.NoError(t, err)
	out := make(map[model.LetterType]model.OrderHistoryRecord, len(recs))
	for _, r := range recs {
		out[r.LetterType] = r
	}
	return out
}

func pl(family, part string) model.OrderProductLine {
	return model.OrderProductLine{ProductFamily: family, PartNumber: part}
}

// threeLetterLines yields CMPDetention, DuroMaxxLargeDiameter and
// CMPLargeDiameter, in that order.
func threeLetterLines() []model.OrderProductLine {
	return []model.OrderProductLine{
		pl("CMP Detention - Voidsaver", "anything"),
		pl("DuroMaxx", "xpg12080"),
		pl("CMP", "dw3xxxxxxxx105"),
	}
}

func doc(name string) string { return filepath.Join(testDocsDir, name) }
