package model

import "context"

// OrderStore reads pending order summaries and records their final status.
type OrderStore interface {
	PendingOrders(ctx context.Context) ([]OrderSummary, error)
	ProductLines(ctx context.Context, orderID string) ([]OrderProductLine, error)
	UpdateOrderStatus(ctx context.Context, summaryID string, closed bool, message string) error
}

// HistoryStore persists one audit row per (summary, letter type).
type HistoryStore interface {
	CreateHistory(ctx context.Context, rec NewHistoryRecord) (string, error)
	UpdateHistoryGeneration(ctx context.Context, historyID string, success bool, size int64, message string) error
	UpdateHistorySendStatus(ctx context.Context, historyID string, success bool, message string) error
	HistoryRecords(ctx context.Context, summaryID string) ([]OrderHistoryRecord, error)
}

// UserDirectory resolves CRM users. Missing users are reported as a
// NOT_FOUND ErrorEnvelope.
type UserDirectory interface {
	UserByID(ctx context.Context, userID string) (User, error)
	SalesEngineerByOrderNumber(ctx context.Context, orderNumber string) (User, error)
}

// ReportGenerator renders a letter for an order. An error or empty result
// means the letter could not be produced.
type ReportGenerator interface {
	Generate(ctx context.Context, orderID string, letter LetterType, requestingUserID string) ([]byte, error)
}

// DocumentResolver maps a letter type to the static documents sent with it.
type DocumentResolver interface {
	DocumentsFor(letter LetterType) []string
}

// Message is an outbound email.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	HTMLBody    string
	Attachments []string
}

// Mailer delivers a Message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}
