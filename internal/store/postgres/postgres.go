package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m.Close is not called: it would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, bool, error) {
	if order.ID == "" || order.OrderCode == "" || len(order.Items) == 0 || !order.AmountsBalanced() {
		return nil, false, store.ErrInvalidOrder
	}

	if order.IdempotencyKey != "" {
		existing, err := s.FindOrderByIdempotency(ctx, order.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	c := order.Customer
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_code, idempotency_key, status, payment_method, payment_status,
			full_name, phone, email, city, district, ward, street_address,
			note, coupon_code, total_amount, shipping_fee, discount_amount, final_amount,
			created_at, paid_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, order.ID, order.OrderCode, nullIfEmpty(order.IdempotencyKey), order.Status, order.PaymentMethod,
		order.PaymentStatus, c.FullName, c.Phone, nullIfEmpty(c.Email), c.City, c.District, c.Ward,
		c.StreetAddress, nullIfEmpty(order.Note), nullIfEmpty(order.CouponCode), order.TotalAmount,
		order.ShippingFee, order.DiscountAmount, order.FinalAmount, order.CreatedAt, nullTime(order.PaidAt))
	if err != nil {
		switch uniqueViolation(err) {
		case "orders_idempotency_key_key":
			// Lost the race against a concurrent submission with the same key.
			_ = pgTx.Rollback()
			existing, lookupErr := s.FindOrderByIdempotency(ctx, order.IdempotencyKey)
			if lookupErr == nil {
				return existing, true, nil
			}
		case "orders_order_code_key":
			return nil, false, store.ErrDuplicateOrderCode
		}
		return nil, false, err
	}

	for i, item := range order.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_ref, product_name, quantity, unit_price_snapshot, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, order.ID, i+1, item.ProductRef, nullIfEmpty(item.ProductName), item.Quantity, item.UnitPriceSnapshot, item.Subtotal)
		if err != nil {
			return nil, false, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}

	created := order
	for i := range created.Items {
		created.Items[i].OrderID = created.ID
	}
	return &created, false, nil
}

func (s *Store) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return s.findOrder(ctx, "id", id)
}

func (s *Store) FindOrderByCode(ctx context.Context, orderCode string) (*domain.Order, error) {
	return s.findOrder(ctx, "order_code", orderCode)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	return s.findOrder(ctx, "idempotency_key", key)
}

func (s *Store) findOrder(ctx context.Context, column string, value string) (*domain.Order, error) {
	if column != "id" && column != "order_code" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var o domain.Order
	var idem, email, note, coupon sql.NullString
	var paidAt sql.NullTime

	query := fmt.Sprintf(`
		SELECT id, order_code, idempotency_key, status, payment_method, payment_status,
			full_name, phone, email, city, district, ward, street_address,
			note, coupon_code, total_amount, shipping_fee, discount_amount, final_amount,
			created_at, paid_at
		FROM orders
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&o.ID,
		&o.OrderCode,
		&idem,
		&o.Status,
		&o.PaymentMethod,
		&o.PaymentStatus,
		&o.Customer.FullName,
		&o.Customer.Phone,
		&email,
		&o.Customer.City,
		&o.Customer.District,
		&o.Customer.Ward,
		&o.Customer.StreetAddress,
		&note,
		&coupon,
		&o.TotalAmount,
		&o.ShippingFee,
		&o.DiscountAmount,
		&o.FinalAmount,
		&o.CreatedAt,
		&paidAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	o.IdempotencyKey = idem.String
	o.Customer.Email = email.String
	o.Note = note.String
	o.CouponCode = coupon.String
	o.CreatedAt = o.CreatedAt.UTC()
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		o.PaidAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_ref, COALESCE(product_name, ''), quantity, unit_price_snapshot, subtotal
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no ASC
	`, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	o.Items = make([]domain.OrderItem, 0, 4)
	for rows.Next() {
		item := domain.OrderItem{OrderID: o.ID}
		if err := rows.Scan(&item.ProductRef, &item.ProductName, &item.Quantity, &item.UnitPriceSnapshot, &item.Subtotal); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &o, nil
}

func (s *Store) RecordSettlement(ctx context.Context, settlement domain.Settlement) (*domain.Settlement, bool, error) {
	if settlement.Provider == "" || settlement.ProviderTxnID == "" {
		return nil, false, store.ErrInvalidOrder
	}
	if settlement.ID == "" {
		settlement.ID = uuid.NewString()
	}
	if settlement.ReceivedAt.IsZero() {
		settlement.ReceivedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if settlement.Outcome == domain.SettlementApplied {
		// The conditional update is the only write to payment_status; it can
		// move unpaid -> paid and nothing else.
		res, err := pgTx.ExecContext(ctx, `
			UPDATE orders
			SET payment_status = 'paid', paid_at = $2
			WHERE order_code = $1 AND payment_status = 'unpaid'
		`, settlement.OrderCode, settlement.ReceivedAt)
		if err != nil {
			return nil, false, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		if affected == 0 {
			var exists bool
			if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_code = $1)`, settlement.OrderCode).Scan(&exists); err != nil {
				return nil, false, err
			}
			if !exists {
				return nil, false, store.ErrNotFound
			}
			settlement.Outcome = domain.SettlementAlreadyPaid
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO settlements (
			id, provider, provider_txn_id, order_code, amount, account_number,
			content, outcome, recorded_by, received_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, settlement.ID, settlement.Provider, settlement.ProviderTxnID, nullIfEmpty(settlement.OrderCode),
		settlement.Amount, nullIfEmpty(settlement.AccountNumber), nullIfEmpty(settlement.Content),
		settlement.Outcome, nullIfEmpty(settlement.RecordedBy), settlement.ReceivedAt)
	if err != nil {
		if uniqueViolation(err) == "settlements_provider_txn_key" {
			// Roll back the status update; the first delivery already owns it.
			_ = pgTx.Rollback()
			existing, lookupErr := s.findSettlement(ctx, settlement.Provider, settlement.ProviderTxnID)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}
	return &settlement, false, nil
}

func (s *Store) ListSettlements(ctx context.Context, orderCode string) ([]domain.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, provider_txn_id, COALESCE(order_code, ''), amount,
			COALESCE(account_number, ''), COALESCE(content, ''), outcome,
			COALESCE(recorded_by, ''), received_at
		FROM settlements
		WHERE order_code = $1
		ORDER BY received_at ASC
	`, orderCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Settlement, 0, 2)
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) findSettlement(ctx context.Context, provider string, txnID string) (*domain.Settlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_txn_id, COALESCE(order_code, ''), amount,
			COALESCE(account_number, ''), COALESCE(content, ''), outcome,
			COALESCE(recorded_by, ''), received_at
		FROM settlements
		WHERE provider = $1 AND provider_txn_id = $2
	`, provider, txnID)
	st, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*domain.Settlement, error) {
	var st domain.Settlement
	if err := row.Scan(
		&st.ID,
		&st.Provider,
		&st.ProviderTxnID,
		&st.OrderCode,
		&st.Amount,
		&st.AccountNumber,
		&st.Content,
		&st.Outcome,
		&st.RecordedBy,
		&st.ReceivedAt,
	); err != nil {
		return nil, err
	}
	st.ReceivedAt = st.ReceivedAt.UTC()
	return &st, nil
}

func (s *Store) FindCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	var c domain.Coupon
	err := s.db.QueryRowContext(ctx, `
		SELECT code, type, value, min_subtotal, max_discount, active
		FROM coupons
		WHERE code = $1
	`, strings.ToUpper(strings.TrimSpace(code))).Scan(&c.Code, &c.Type, &c.Value, &c.MinSubtotal, &c.MaxDiscount, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) PutCoupon(ctx context.Context, c domain.Coupon) error {
	code := strings.ToUpper(strings.TrimSpace(c.Code))
	if code == "" {
		return store.ErrInvalidOrder
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupons (code, type, value, min_subtotal, max_discount, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			min_subtotal = EXCLUDED.min_subtotal,
			max_discount = EXCLUDED.max_discount,
			active = EXCLUDED.active
	`, code, string(c.Type), c.Value, c.MinSubtotal, c.MaxDiscount, c.Active)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidOrder
	}
	if user.Role == "" {
		user.Role = domain.RoleAdmin
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if uniqueViolation(err) != "" {
			return store.ErrInvalidOrder
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidOrder
	}
	res, err := s.db.ExecContext(ctx, `UPDATE app_users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// uniqueViolation returns the violated constraint name, or "" when err is not a 23505.
func uniqueViolation(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "" {
			return "unknown"
		}
		return pgErr.ConstraintName
	}
	return ""
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
