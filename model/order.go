package model

import "time"

// Order status messages written to the summary and to history rows.
const (
	StatusSuccessful       = "Successful"
	StatusNotQualified     = "Not Qualified for Letter"
	StatusInvalidRecipient = "SoldTo Email is not exist or Invalid for Sold to Contact"
)

// OrderProductLine is one ordered product on a sales order.
type OrderProductLine struct {
	ProductFamily string `json:"product_family"`
	PartNumber    string `json:"part_number"`
	Shape         string `json:"shape,omitempty"`
}

// OrderSummary is a sales order queued for letter processing by the CRM.
type OrderSummary struct {
	SummaryID       string    `json:"summary_id"`
	OrderID         string    `json:"order_id"`
	OrderNumber     string    `json:"order_number"`
	OrderName       string    `json:"order_name"`
	OpportunityID   string    `json:"opportunity_id,omitempty"`
	DocumentPath    string    `json:"document_path"`
	SoldToEmail     string    `json:"sold_to_email"`
	OrderModifiedBy string    `json:"order_modified_by"`
	BusinessUnit    string    `json:"business_unit"`
	City            string    `json:"city"`
	State           string    `json:"state"`
	Message         string    `json:"message,omitempty"`
	Closed          bool      `json:"closed"`
	CreatedAt       time.Time `json:"created_at"`
}

// OrderHistoryRecord tracks the generation and delivery of one letter for
// one order summary.
type OrderHistoryRecord struct {
	HistoryID      string     `json:"history_id"`
	SummaryID      string     `json:"summary_id"`
	OrderID        string     `json:"order_id"`
	OrderNumber    string     `json:"order_number"`
	LetterType     LetterType `json:"letter_type"`
	AttachmentPath string     `json:"attachment_path"`
	FileName       string     `json:"file_name"`
	FromAddress    string     `json:"from_address"`
	SentToAddress  string     `json:"sent_to_address"`
	Generated      bool       `json:"generated"`
	Size           int64      `json:"size"`
	Sent           bool       `json:"sent"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	Message        string     `json:"message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewHistoryRecord holds the fields known when a history row is created.
type NewHistoryRecord struct {
	SummaryID      string
	OrderID        string
	OrderNumber    string
	LetterType     LetterType
	AttachmentPath string
	FileName       string
	FromAddress    string
	SentToAddress  string
}

// User is a CRM system user.
type User struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Title    string `json:"title"`
}
