package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/detention-letters/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu             sync.RWMutex
	summaries      map[string]model.OrderSummary       // key: summary ID
	lines          map[string][]model.OrderProductLine // key: order ID
	history        map[string]model.OrderHistoryRecord // key: history ID
	historyOrder   []string
	users          map[string]model.User // key: user ID
	salesEngineers map[string]string     // key: order number, value: user ID

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		summaries:      make(map[string]model.OrderSummary),
		lines:          make(map[string][]model.OrderProductLine),
		history:        make(map[string]model.OrderHistoryRecord),
		users:          make(map[string]model.User),
		salesEngineers: make(map[string]string),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// AddOrder stores a summary and its product lines.
func (s *MemoryStore) AddOrder(_ context.Context, summary model.OrderSummary, lines []model.OrderProductLine) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if summary.SummaryID == "" {
		summary.SummaryID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now()
	}
	s.summaries[summary.SummaryID] = summary
	s.lines[summary.OrderID] = append(s.lines[summary.OrderID], lines...)
	return summary.SummaryID, nil
}

// AddUser stores or replaces a user.
func (s *MemoryStore) AddUser(_ context.Context, user model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.UserID] = user
	return nil
}

// AssignSalesEngineer links an order number to its sales engineer.
func (s *MemoryStore) AssignSalesEngineer(_ context.Context, orderNumber, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.salesEngineers[orderNumber] = userID
	return nil
}

// PendingOrders returns open summaries, oldest first.
func (s *MemoryStore) PendingOrders(_ context.Context) ([]model.OrderSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]model.OrderSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		if !sum.Closed {
			pending = append(pending, sum)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].SummaryID < pending[j].SummaryID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// ProductLines returns the lines of an order in insertion order.
func (s *MemoryStore) ProductLines(_ context.Context, orderID string) ([]model.OrderProductLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.lines[orderID]
	out := make([]model.OrderProductLine, len(lines))
	copy(out, lines)
	return out, nil
}

// UpdateOrderStatus records the outcome of processing a summary.
func (s *MemoryStore) UpdateOrderStatus(_ context.Context, summaryID string, closed bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.summaries[summaryID]
	if !ok {
		return summaryNotFound(summaryID)
	}
	sum.Closed = closed
	sum.Message = message
	s.summaries[summaryID] = sum
	return nil
}

// Order returns a stored summary.
func (s *MemoryStore) Order(summaryID string) (model.OrderSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[summaryID]
	return sum, ok
}

// CreateHistory inserts a history row with generated and sent both false.
func (s *MemoryStore) CreateHistory(_ context.Context, rec model.NewHistoryRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.summaries[rec.SummaryID]; !ok {
		return "", summaryNotFound(rec.SummaryID)
	}
	now := s.now()
	id := uuid.NewString()
	s.history[id] = model.OrderHistoryRecord{
		HistoryID:      id,
		SummaryID:      rec.SummaryID,
		OrderID:        rec.OrderID,
		OrderNumber:    rec.OrderNumber,
		LetterType:     rec.LetterType,
		AttachmentPath: rec.AttachmentPath,
		FileName:       rec.FileName,
		FromAddress:    rec.FromAddress,
		SentToAddress:  rec.SentToAddress,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.historyOrder = append(s.historyOrder, id)
	return id, nil
}

// UpdateHistoryGeneration records the result of rendering a letter.
func (s *MemoryStore) UpdateHistoryGeneration(_ context.Context, historyID string, success bool, size int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.history[historyID]
	if !ok {
		return historyNotFound(historyID)
	}
	rec.Generated = success
	rec.Size = size
	rec.Message = message
	rec.UpdatedAt = s.now()
	s.history[historyID] = rec
	return nil
}

// UpdateHistorySendStatus records the result of delivering a letter.
func (s *MemoryStore) UpdateHistorySendStatus(_ context.Context, historyID string, success bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.history[historyID]
	if !ok {
		return historyNotFound(historyID)
	}
	now := s.now()
	rec.Sent = success
	rec.Message = message
	rec.UpdatedAt = now
	if success {
		rec.SentAt = &now
	}
	s.history[historyID] = rec
	return nil
}

// HistoryRecords returns the history rows of a summary in creation order.
func (s *MemoryStore) HistoryRecords(_ context.Context, summaryID string) ([]model.OrderHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OrderHistoryRecord
	for _, id := range s.historyOrder {
		if rec := s.history[id]; rec.SummaryID == summaryID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UserByID returns a user.
func (s *MemoryStore) UserByID(_ context.Context, userID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return model.User{}, userNotFound(userID)
	}
	return u, nil
}

// SalesEngineerByOrderNumber returns the sales engineer assigned to an order.
func (s *MemoryStore) SalesEngineerByOrderNumber(_ context.Context, orderNumber string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.salesEngineers[orderNumber]
	if !ok {
		return model.User{}, salesEngineerNotFound(orderNumber)
	}
	u, ok := s.users[userID]
	if !ok {
		return model.User{}, userNotFound(userID)
	}
	return u, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored summaries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.summaries)
}
