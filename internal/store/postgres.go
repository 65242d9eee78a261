package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool, queryTimeout time.Duration) *PgStore {
	return &PgStore{pool: pool, queryTimeout: queryTimeout}
}

// OpenPostgres connects a pool sized from cfg and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, cfg config.StoreConfig) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return NewPgStore(pool, cfg.QueryTimeout), nil
}

// Migrate applies the embedded migrations in file name order. Every
// migration is idempotent.
func (s *PgStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PgStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// AddOrder inserts a summary and its product lines in one transaction.
func (s *PgStore) AddOrder(ctx context.Context, summary model.OrderSummary, lines []model.OrderProductLine) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if summary.SummaryID == "" {
		summary.SummaryID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO order_summaries (
				summary_id, order_id, order_number, order_name, opportunity_id,
				document_path, sold_to_email, order_modified_by, business_unit,
				city, state, message, closed, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			summary.SummaryID, summary.OrderID, summary.OrderNumber, summary.OrderName, summary.OpportunityID,
			summary.DocumentPath, summary.SoldToEmail, summary.OrderModifiedBy, summary.BusinessUnit,
			summary.City, summary.State, summary.Message, summary.Closed, summary.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order summary: %w", err)
		}

		batch := &pgx.Batch{}
		for _, l := range lines {
			batch.Queue(`
				INSERT INTO order_product_lines (order_id, product_family, part_number, shape)
				VALUES ($1, $2, $3, $4)`,
				summary.OrderID, l.ProductFamily, l.PartNumber, l.Shape,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert product lines: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return summary.SummaryID, nil
}

// AddUser inserts or replaces a user.
func (s *PgStore) AddUser(ctx context.Context, user model.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, user_name, full_name, email, title)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			user_name = EXCLUDED.user_name,
			full_name = EXCLUDED.full_name,
			email = EXCLUDED.email,
			title = EXCLUDED.title`,
		user.UserID, user.UserName, user.FullName, user.Email, user.Title,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// AssignSalesEngineer links an order number to its sales engineer.
func (s *PgStore) AssignSalesEngineer(ctx context.Context, orderNumber, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_sales_engineers (order_number, user_id) VALUES ($1, $2)
		ON CONFLICT (order_number) DO UPDATE SET user_id = EXCLUDED.user_id`,
		orderNumber, userID,
	)
	if err != nil {
		return fmt.Errorf("assign sales engineer: %w", err)
	}
	return nil
}

// PendingOrders returns open summaries, oldest first.
func (s *PgStore) PendingOrders(ctx context.Context) ([]model.OrderSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT summary_id, order_id, order_number, order_name, opportunity_id,
		       document_path, sold_to_email, order_modified_by, business_unit,
		       city, state, message, closed, created_at
		FROM order_summaries
		WHERE NOT closed
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
func (s *PgStore) ProductLines(ctx context.Context, orderID string) ([]model.OrderProductLine, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT product_family, part_number, shape
		FROM order_product_lines
		WHERE order_id = $1
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
func (s *PgStore) UpdateOrderStatus(ctx context.Context, summaryID string, closed bool, message string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE order_summaries SET closed = $1, message = $2 WHERE summary_id = $3`,
		closed, message, summaryID,
	)
	return pgRequireRow(tag, err, "update order status", summaryNotFound(summaryID))
}

// CreateHistory inserts a history row with generated and sent both false.
func (s *PgStore) CreateHistory(ctx context.Context, rec model.NewHistoryRecord) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	letter, err := rec.LetterType.MarshalText()
	if err != nil {
		return "", fmt.Errorf("insert history record: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO order_history (
			history_id, summary_id, order_id, order_number, letter_type,
			attachment_path, file_name, from_address, sent_to_address,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, rec.SummaryID, rec.OrderID, rec.OrderNumber, string(letter),
		rec.AttachmentPath, rec.FileName, rec.FromAddress, rec.SentToAddress,
		now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return "", summaryNotFound(rec.SummaryID)
		}
		return "", fmt.Errorf("insert history record: %w", err)
	}
	return id, nil
}

// UpdateHistoryGeneration records the result of rendering a letter.
func (s *PgStore) UpdateHistoryGeneration(ctx context.Context, historyID string, success bool, size int64, message string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE order_history SET generated = $1, size = $2, message = $3, updated_at = now()
		WHERE history_id = $4`,
		success, size, message, historyID,
	)
	return pgRequireRow(tag, err, "update history generation", historyNotFound(historyID))
}

// UpdateHistorySendStatus records the result of delivering a letter.
func (s *PgStore) UpdateHistorySendStatus(ctx context.Context, historyID string, success bool, message string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE order_history SET
			sent = $1,
			sent_at = CASE WHEN $1 THEN now() ELSE sent_at END,
			message = $2,
			updated_at = now()
		WHERE history_id = $3`,
		success, message, historyID,
	)
	return pgRequireRow(tag, err, "update history send status", historyNotFound(historyID))
}

// HistoryRecords returns the history rows of a summary in creation order.
func (s *PgStore) HistoryRecords(ctx context.Context, summaryID string) ([]model.OrderHistoryRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT history_id, summary_id, order_id, order_number, letter_type,
		       attachment_path, file_name, from_address, sent_to_address,
		       generated, size, sent, sent_at, message, created_at, updated_at
		FROM order_history
		WHERE summary_id = $1
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
		)
		if err := rows.Scan(
			&r.HistoryID, &r.SummaryID, &r.OrderID, &r.OrderNumber, &letter,
			&r.AttachmentPath, &r.FileName, &r.FromAddress, &r.SentToAddress,
			&r.Generated, &r.Size, &r.Sent, &r.SentAt, &r.Message, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		if r.LetterType, err = model.ParseLetterType(letter); err != nil {
			return nil, fmt.Errorf("scan history record %s: %w", r.HistoryID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UserByID returns a user.
func (s *PgStore) UserByID(ctx context.Context, userID string) (model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var u model.User
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, user_name, full_name, email, title
		FROM users WHERE user_id = $1`, userID,
	).Scan(&u.UserID, &u.UserName, &u.FullName, &u.Email, &u.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, userNotFound(userID)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// SalesEngineerByOrderNumber returns the sales engineer assigned to an order.
func (s *PgStore) SalesEngineerByOrderNumber(ctx context.Context, orderNumber string) (model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var u model.User
	err := s.pool.QueryRow(ctx, `
		SELECT u.user_id, u.user_name, u.full_name, u.email, u.title
		FROM order_sales_engineers se
		JOIN users u ON u.user_id = se.user_id
		WHERE se.order_number = $1`, orderNumber,
	).Scan(&u.UserID, &u.UserName, &u.FullName, &u.Email, &u.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, salesEngineerNotFound(orderNumber)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query sales engineer: %w", err)
	}
	return u, nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func pgRequireRow(tag pgconn.CommandTag, err error, op string, notFound error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}
