package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/model"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStore is a Store backed by a single SQLite file in WAL mode.
type SQLiteStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// OpenSQLite creates or opens the database at cfg.Path and applies the
// schema. It is safe to call against an existing database.
func OpenSQLite(cfg config.StoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, queryTimeout: cfg.QueryTimeout}, nil
}

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// AddOrder inserts a summary and its product lines in one transaction.
func (s *SQLiteStore) AddOrder(ctx context.Context, summary model.OrderSummary, lines []model.OrderProductLine) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if summary.SummaryID == "" {
		summary.SummaryID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_summaries (
			summary_id, order_id, order_number, order_name, opportunity_id,
			document_path, sold_to_email, order_modified_by, business_unit,
			city, state, message, closed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.SummaryID, summary.OrderID, summary.OrderNumber, summary.OrderName, summary.OpportunityID,
		summary.DocumentPath, summary.SoldToEmail, summary.OrderModifiedBy, summary.BusinessUnit,
		summary.City, summary.State, summary.Message, summary.Closed, summary.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert order summary: %w", err)
	}

	for _, l := range lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_product_lines (order_id, product_family, part_number, shape)
			VALUES (?, ?, ?, ?)`,
			summary.OrderID, l.ProductFamily, l.PartNumber, l.Shape,
		)
		if err != nil {
			return "", fmt.Errorf("insert product line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit order: %w", err)
	}
	return summary.SummaryID, nil
}

// AddUser inserts or replaces a user.
func (s *SQLiteStore) AddUser(ctx context.Context, user model.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, user_name, full_name, email, title)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_name = excluded.user_name,
			full_name = excluded.full_name,
			email = excluded.email,
			title = excluded.title`,
		user.UserID, user.UserName, user.FullName, user.Email, user.Title,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// AssignSalesEngineer links an order number to its sales engineer.
func (s *SQLiteStore) AssignSalesEngineer(ctx context.Context, orderNumber, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_sales_engineers (order_number, user_id) VALUES (?, ?)
		ON CONFLICT(order_number) DO UPDATE SET user_id = excluded.user_id`,
		orderNumber, userID,
	)
	if err != nil {
		return fmt.Errorf("assign sales engineer: %w", err)
	}
	return nil
}

// PendingOrders returns open summaries, oldest first.
func (s *SQLiteStore) PendingOrders(ctx context.Context) ([]model.OrderSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT summary_id, order_id, order_number, order_name, opportunity_id,
		       document_path, sold_to_email, order_modified_by, business_unit,
		       city, state, message, closed, created_at
		FROM order_summaries
		WHERE closed = 0
		ORDER BY created_at ASC, summary_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	defer rows.Close()

	var out []model.OrderSummary
	for rows.Next() {
		var o model.OrderSummary
		if err := rows.Scan(
			&o.SummaryID, &o.OrderID, &o.OrderNumber, &o.OrderName, &o.OpportunityID,
			&o.DocumentPath, &o.SoldToEmail, &o.OrderModifiedBy, &o.BusinessUnit,
			&o.City, &o.State, &o.Message, &o.Closed, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order summary: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ProductLines returns the lines of an order in insertion order.
func (s *SQLiteStore) ProductLines(ctx context.Context, orderID string) ([]model.OrderProductLine, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_family, part_number, shape
		FROM order_product_lines
		WHERE order_id = ?
		ORDER BY line_id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query product lines: %w", err)
	}
	defer rows.Close()

	out := []model.OrderProductLine{}
	for rows.Next() {
		var l model.OrderProductLine
		if err := rows.Scan(&l.ProductFamily, &l.PartNumber, &l.Shape); err != nil {
			return nil, fmt.Errorf("scan product line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateOrderStatus records the outcome of processing a summary.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, summaryID string, closed bool, message string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE order_summaries SET closed = ?, message = ? WHERE summary_id = ?`,
		closed, message, summaryID,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return requireRow(res, summaryNotFound(summaryID))
}

// CreateHistory inserts a history row with generated and sent both false.
func (s *SQLiteStore) CreateHistory(ctx context.Context, rec model.NewHistoryRecord) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	letter, err := rec.LetterType.MarshalText()
	if err != nil {
		return "", fmt.Errorf("insert history record: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_history (
			history_id, summary_id, order_id, order_number, letter_type,
			attachment_path, file_name, from_address, sent_to_address,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.SummaryID, rec.OrderID, rec.OrderNumber, string(letter),
		rec.AttachmentPath, rec.FileName, rec.FromAddress, rec.SentToAddress,
		now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert history record: %w", err)
	}
	return id, nil
}

// UpdateHistoryGeneration records the result of rendering a letter.
func (s *SQLiteStore) UpdateHistoryGeneration(ctx context.Context, historyID string, success bool, size int64, message string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE order_history SET generated = ?, size = ?, message = ?, updated_at = ?
		WHERE history_id = ?`,
		success, size, message, time.Now().UTC(), historyID,
	)
	if err != nil {
		return fmt.Errorf("update history generation: %w", err)
	}
	return requireRow(res, historyNotFound(historyID))
}

// UpdateHistorySendStatus records the result of delivering a letter.
func (s *SQLiteStore) UpdateHistorySendStatus(ctx context.Context, historyID string, success bool, message string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	var sentAt sql.NullTime
	if success {
		sentAt = sql.NullTime{Time: now, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_history SET sent = ?, sent_at = COALESCE(?, sent_at), message = ?, updated_at = ?
		WHERE history_id = ?`,
		success, sentAt, message, now, historyID,
	)
	if err != nil {
		return fmt.Errorf("update history send status: %w", err)
	}
	return requireRow(res, historyNotFound(historyID))
}

// HistoryRecords returns the history rows of a summary in creation order.
func (s *SQLiteStore) HistoryRecords(ctx context.Context, summaryID string) ([]model.OrderHistoryRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT history_id, summary_id, order_id, order_number, letter_type,
		       attachment_path, file_name, from_address, sent_to_address,
		       generated, size, sent, sent_at, message, created_at, updated_at
		FROM order_history
		WHERE summary_id = ?
		ORDER BY seq ASC`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("query history records: %w", err)
	}
	defer rows.Close()

	var out []model.OrderHistoryRecord
	for rows.Next() {
		var (
			r      model.OrderHistoryRecord
			letter string
			sentAt sql.NullTime
		)
		if err := rows.Scan(
			&r.HistoryID, &r.SummaryID, &r.OrderID, &r.OrderNumber, &letter,
			&r.AttachmentPath, &r.FileName, &r.FromAddress, &r.SentToAddress,
			&r.Generated, &r.Size, &r.Sent, &sentAt, &r.Message, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		if r.LetterType, err = model.ParseLetterType(letter); err != nil {
			return nil, fmt.Errorf("scan history record %s: %w", r.HistoryID, err)
		}
		if sentAt.Valid {
			t := sentAt.Time
			r.SentAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UserByID returns a user.
func (s *SQLiteStore) UserByID(ctx context.Context, userID string) (model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var u model.User
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, user_name, full_name, email, title
		FROM users WHERE user_id = ?`, userID,
	).Scan(&u.UserID, &u.UserName, &u.FullName, &u.Email, &u.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, userNotFound(userID)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// SalesEngineerByOrderNumber returns the sales engineer assigned to an order.
func (s *SQLiteStore) SalesEngineerByOrderNumber(ctx context.Context, orderNumber string) (model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var u model.User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.user_id, u.user_name, u.full_name, u.email, u.title
		FROM order_sales_engineers se
		JOIN users u ON u.user_id = se.user_id
		WHERE se.order_number = ?`, orderNumber,
	).Scan(&u.UserID, &u.UserName, &u.FullName, &u.Email, &u.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, salesEngineerNotFound(orderNumber)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query sales engineer: %w", err)
	}
	return u, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
