// Package repository содержит реализации хранилища сервиса бронирования: в PostgreSQL и в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/activity-booking/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// isRetryable сообщает, можно ли повторить транзакцию целиком.
// Бизнес-ошибки модели никогда не повторяются.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции. При взаимоблокировке или ошибке сериализации
// транзакция повторяется, поэтому fn должна быть повторно выполнимой.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(Store) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgStore{q: tx, lock: true}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) reader() *pgStore {
	return &pgStore{q: r.pool}
}

// GetLedger возвращает баланс родителя за период.
func (r *PostgresRepository) GetLedger(ctx context.Context, parentID string, year, month int) (*model.CreditLedger, error) {
	return r.reader().GetLedger(ctx, parentID, year, month)
}

// GetBooking возвращает бронирование по идентификатору.
func (r *PostgresRepository) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	return r.reader().GetBooking(ctx, id)
}

// GetWaitlistEntry возвращает запись листа ожидания по идентификатору.
func (r *PostgresRepository) GetWaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	return r.reader().GetWaitlistEntry(ctx, id)
}

// ListBookingsByParent возвращает бронирования родителя, новые первыми.
func (r *PostgresRepository) ListBookingsByParent(ctx context.Context, parentID string) ([]*model.Booking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE parent_id = $1
		 ORDER BY created_at DESC, id`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select bookings: %w", err)
	}
	defer rows.Close()

	var res []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListWaitlistByParent возвращает записи листа ожидания родителя, новые первыми.
func (r *PostgresRepository) ListWaitlistByParent(ctx context.Context, parentID string) ([]*model.WaitlistEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM waitlist_entries
		 WHERE parent_id = $1
		 ORDER BY created_at DESC, id`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select waitlist entries: %w", err)
	}
	return collectEntries(rows)
}

// ListDueOffers возвращает уведомлённые записи с истёкшим сроком подтверждения.
func (r *PostgresRepository) ListDueOffers(ctx context.Context, now time.Time) ([]DueOffer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, slot_id, position
		 FROM waitlist_entries
		 WHERE status = $1 AND expires_at <= $2
		 ORDER BY slot_id, position`,
		string(model.WaitlistStatusNotified), now,
	)
	if err != nil {
		return nil, fmt.Errorf("select due offers: %w", err)
	}
	defer rows.Close()

	var res []DueOffer
	for rows.Next() {
		var d DueOffer
		if err := rows.Scan(&d.EntryID, &d.SlotID, &d.Position); err != nil {
			return nil, fmt.Errorf("scan due offer: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// pgStore реализует Store поверх транзакции или пула. Внутри транзакции
// чтения выполняются с FOR UPDATE: строка баланса сериализует операции
// одного родителя, строка слота сериализует операции над его очередью.
type pgStore struct {
	q    querier
	lock bool
}

func (s *pgStore) forUpdate() string {
	if s.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (s *pgStore) GetLedger(ctx context.Context, parentID string, year, month int) (*model.CreditLedger, error) {
	var l model.CreditLedger
	err := s.q.QueryRow(ctx,
		`SELECT parent_id, period_year, period_month, allocated, used, expires_at, updated_at
		 FROM credit_ledgers
		 WHERE parent_id = $1 AND period_year = $2 AND period_month = $3`+s.forUpdate(),
		parentID, year, month,
	).Scan(&l.ParentID, &l.PeriodYear, &l.PeriodMonth, &l.Allocated, &l.Used, &l.ExpiresAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledgerNotFound(parentID, year, month)
		}
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	return &l, nil
}

func (s *pgStore) SaveLedger(ctx context.Context, l *model.CreditLedger) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO credit_ledgers (parent_id, period_year, period_month, allocated, used, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (parent_id, period_year, period_month) DO UPDATE
		 SET allocated = EXCLUDED.allocated,
		     used = EXCLUDED.used,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at`,
		l.ParentID, l.PeriodYear, l.PeriodMonth, l.Allocated, l.Used, l.ExpiresAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

func (s *pgStore) GetSlot(ctx context.Context, slotID string) (*model.SlotCapacity, error) {
	var sc model.SlotCapacity
	err := s.q.QueryRow(ctx,
		`SELECT id, activity_id, starts_at, total_capacity, booked_count, held_count, updated_at
		 FROM slots
		 WHERE id = $1`+s.forUpdate(),
		slotID,
	).Scan(&sc.SlotID, &sc.ActivityID, &sc.StartsAt, &sc.TotalCapacity, &sc.BookedCount, &sc.HeldCount, &sc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("slot %s: %w", slotID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return &sc, nil
}

func (s *pgStore) SaveSlot(ctx context.Context, sc *model.SlotCapacity) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO slots (id, activity_id, starts_at, total_capacity, booked_count, held_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET activity_id = EXCLUDED.activity_id,
		     starts_at = EXCLUDED.starts_at,
		     total_capacity = EXCLUDED.total_capacity,
		     booked_count = EXCLUDED.booked_count,
		     held_count = EXCLUDED.held_count,
		     updated_at = EXCLUDED.updated_at`,
		sc.SlotID, sc.ActivityID, sc.StartsAt, sc.TotalCapacity, sc.BookedCount, sc.HeldCount, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save slot: %w", err)
	}
	return nil
}

const bookingColumns = `id, parent_id, activity_id, slot_id, child_ids, credits_cost, status, scheduled_at,
	cancellation_reason, period_year, period_month, waitlist_entry_id, created_at, updated_at`

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var (
		b       model.Booking
		status  string
		entryID *string
	)
	err := row.Scan(&b.ID, &b.ParentID, &b.ActivityID, &b.SlotID, &b.ChildIDs, &b.CreditsCost, &status,
		&b.ScheduledAt, &b.CancellationReason, &b.PeriodYear, &b.PeriodMonth, &entryID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	if entryID != nil {
		b.WaitlistEntryID = *entryID
	}
	return &b, nil
}

func (s *pgStore) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	b, err := scanBooking(s.q.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`+s.forUpdate(),
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("booking %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (s *pgStore) SaveBooking(ctx context.Context, b *model.Booking) error {
	var entryID *string
	if b.WaitlistEntryID != "" {
		entryID = &b.WaitlistEntryID
	}

	_, err := s.q.Exec(ctx,
		`INSERT INTO bookings (`+bookingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status,
		     cancellation_reason = EXCLUDED.cancellation_reason,
		     updated_at = EXCLUDED.updated_at`,
		b.ID, b.ParentID, b.ActivityID, b.SlotID, b.ChildIDs, b.CreditsCost, string(b.Status), b.ScheduledAt,
		b.CancellationReason, b.PeriodYear, b.PeriodMonth, entryID, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save booking: %w", err)
	}
	return nil
}

const entryColumns = `id, parent_id, activity_id, slot_id, child_ids, credits_cost, position, status,
	notified_at, expires_at, created_at`

func scanEntry(row pgx.Row) (*model.WaitlistEntry, error) {
	var (
		e      model.WaitlistEntry
		status string
	)
	err := row.Scan(&e.ID, &e.ParentID, &e.ActivityID, &e.SlotID, &e.ChildIDs, &e.CreditsCost, &e.Position,
		&status, &e.NotifiedAt, &e.ExpiresAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.WaitlistStatus(status)
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*model.WaitlistEntry, error) {
	defer rows.Close()

	var res []*model.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waitlist entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (s *pgStore) GetWaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	e, err := scanEntry(s.q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM waitlist_entries WHERE id = $1`+s.forUpdate(),
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("waitlist entry %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get waitlist entry: %w", err)
	}
	return e, nil
}

func (s *pgStore) ListSlotWaitlist(ctx context.Context, slotID string) ([]*model.WaitlistEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM waitlist_entries
		 WHERE slot_id = $1
		 ORDER BY position`+s.forUpdate(),
		slotID,
	)
	if err != nil {
		return nil, fmt.Errorf("select slot waitlist: %w", err)
	}
	return collectEntries(rows)
}

func (s *pgStore) SaveWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO waitlist_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET position = EXCLUDED.position,
		     status = EXCLUDED.status,
		     notified_at = EXCLUDED.notified_at,
		     expires_at = EXCLUDED.expires_at`,
		e.ID, e.ParentID, e.ActivityID, e.SlotID, e.ChildIDs, e.CreditsCost, e.Position, string(e.Status),
		e.NotifiedAt, e.ExpiresAt, e.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("waitlist position %d for slot %s taken: %w", e.Position, e.SlotID, model.ErrInvalidState)
		}
		return fmt.Errorf("save waitlist entry: %w", err)
	}
	return nil
}

func (s *pgStore) DeleteWaitlistEntry(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM waitlist_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete waitlist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("waitlist entry %s: %w", id, model.ErrNotFound)
	}
	return nil
}
