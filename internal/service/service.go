// Package service реализует бизнес-логику бронирования занятий: баланс кредитов,
// жизненный цикл бронирований и лист ожидания.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/activity-booking/internal/metrics"
	"github.com/mmeshcher/activity-booking/internal/model"
	"github.com/mmeshcher/activity-booking/internal/repository"
	"github.com/mmeshcher/activity-booking/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	repository.Reader
	Close() error
	InTx(ctx context.Context, fn func(repository.Store) error) error
}

// Notifier принимает уведомления без ожидания доставки.
type Notifier interface {
	Dispatch(e model.Event)
}

const (
	// DefaultRefundCutoff задаёт минимальный срок до начала занятия для полного возврата кредитов.
	DefaultRefundCutoff = 48 * time.Hour
	// DefaultConfirmationWindow задаёт срок подтверждения места, предложенного из листа ожидания.
	DefaultConfirmationWindow = 4 * time.Hour
	// DefaultSweepInterval задаёт период проверки просроченных предложений.
	DefaultSweepInterval = time.Minute
)

// Options задаёт параметры политик сервиса.
type Options struct {
	RefundCutoff       time.Duration
	ConfirmationWindow time.Duration
	SweepInterval      time.Duration
	// Now возвращает текущее время; по умолчанию time.Now.
	Now func() time.Time
}

// Service координирует баланс кредитов, бронирования и лист ожидания.
// Каждая операция выполняется в одной транзакции хранилища.
type Service struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger
	opts     Options
}

// NewService создаёт новый сервис с указанным репозиторием и получателем уведомлений.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	if opts.RefundCutoff <= 0 {
		opts.RefundCutoff = DefaultRefundCutoff
	}
	if opts.ConfirmationWindow <= 0 {
		opts.ConfirmationWindow = DefaultConfirmationWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// notify отправляет уведомления уже после фиксации транзакции.
func (s *Service) notify(events []model.Event) {
	if s.notifier == nil {
		return
	}
	for _, e := range events {
		s.notifier.Dispatch(e)
	}
}

// OpenPeriod создаёт или обновляет баланс родителя за расчётный период.
// Выделение не может быть меньше уже израсходованных кредитов.
func (s *Service) OpenPeriod(ctx context.Context, parentID string, year, month, allocated int, expiresAt time.Time) (*model.CreditLedger, error) {
	if !validation.IsValidID(parentID) {
		return nil, fmt.Errorf("parent id %q: %w", parentID, model.ErrInvalidArgument)
	}
	if month < 1 || month > 12 || year < 1 {
		return nil, fmt.Errorf("period %d-%d: %w", year, month, model.ErrInvalidArgument)
	}
	if allocated < 0 {
		return nil, fmt.Errorf("allocated %d must not be negative: %w", allocated, model.ErrInvalidArgument)
	}
	if expiresAt.IsZero() {
		expiresAt = time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	}

	now := s.now()
	var ledger *model.CreditLedger

	err := s.repo.InTx(ctx, func(st repository.Store) error {
		l, err := st.GetLedger(ctx, parentID, year, month)
		switch {
		case errors.Is(err, model.ErrNotFound):
			l = &model.CreditLedger{ParentID: parentID, PeriodYear: year, PeriodMonth: month}
		case err != nil:
			return err
		}

		if allocated < l.Used {
			return fmt.Errorf("allocated %d below used %d: %w", allocated, l.Used, model.ErrInvalidState)
		}

		l.Allocated = allocated
		l.ExpiresAt = expiresAt.UTC()
		l.UpdatedAt = now
		ledger = l
		return st.SaveLedger(ctx, l)
	})
	if err != nil {
		return nil, fmt.Errorf("open period: %w", err)
	}

	return ledger, nil
}

// GetLedger возвращает баланс родителя за текущий расчётный период.
func (s *Service) GetLedger(ctx context.Context, parentID string) (*model.CreditLedger, error) {
	year, month := model.PeriodOf(s.now())
	return s.repo.GetLedger(ctx, parentID, year, month)
}

// UpsertSlot создаёт слот или меняет его вместимость. Увеличение вместимости
// предлагает освободившиеся места листу ожидания.
func (s *Service) UpsertSlot(ctx context.Context, slotID, activityID string, totalCapacity int, startsAt time.Time) (*model.SlotCapacity, error) {
	if !validation.IsValidID(slotID) || !validation.IsValidID(activityID) {
		return nil, fmt.Errorf("slot %q of activity %q: %w", slotID, activityID, model.ErrInvalidArgument)
	}
	if totalCapacity < 0 || startsAt.IsZero() {
		return nil, fmt.Errorf("slot capacity %d at %v: %w", totalCapacity, startsAt, model.ErrInvalidArgument)
	}

	now := s.now()
	var (
		slot   *model.SlotCapacity
		events []model.Event
	)

	err := s.repo.InTx(ctx, func(st repository.Store) error {
		events = events[:0]

		sc, err := st.GetSlot(ctx, slotID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			sc = &model.SlotCapacity{SlotID: slotID, ActivityID: activityID, StartsAt: startsAt.UTC()}
		case err != nil:
			return err
		default:
			if sc.ActivityID != activityID {
				return fmt.Errorf("slot %s belongs to activity %s: %w", slotID, sc.ActivityID, model.ErrInvalidState)
			}
			if !sc.StartsAt.Equal(startsAt) && sc.BookedCount+sc.HeldCount > 0 {
				return fmt.Errorf("reschedule slot %s with bookings: %w", slotID, model.ErrInvalidState)
			}
		}

		if totalCapacity < sc.BookedCount+sc.HeldCount {
			return fmt.Errorf("capacity %d below occupied %d: %w", totalCapacity, sc.BookedCount+sc.HeldCount, model.ErrInvalidState)
		}

		sc.TotalCapacity = totalCapacity
		sc.StartsAt = startsAt.UTC()
		sc.UpdatedAt = now

		notified, err := s.promote(ctx, st, sc, now)
		if err != nil {
			return err
		}
		for _, e := range notified {
			events = append(events, model.WaitlistEvent(e, now))
		}

		slot = sc
		return st.SaveSlot(ctx, sc)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert slot: %w", err)
	}

	s.notify(events)
	return slot, nil
}

// GetBooking возвращает бронирование по идентификатору.
func (s *Service) GetBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	return s.repo.GetBooking(ctx, bookingID)
}

// ListBookings возвращает бронирования родителя.
func (s *Service) ListBookings(ctx context.Context, parentID string) ([]*model.Booking, error) {
	return s.repo.ListBookingsByParent(ctx, parentID)
}

// GetWaitlistEntry возвращает запись листа ожидания по идентификатору.
func (s *Service) GetWaitlistEntry(ctx context.Context, entryID string) (*model.WaitlistEntry, error) {
	return s.repo.GetWaitlistEntry(ctx, entryID)
}

// ListWaitlist возвращает записи листа ожидания родителя.
func (s *Service) ListWaitlist(ctx context.Context, parentID string) ([]*model.WaitlistEntry, error) {
	return s.repo.ListWaitlistByParent(ctx, parentID)
}

// releaseSpot освобождает забронированное (held == false) или удерживаемое место слота.
// Счётчик не опускается ниже нуля, а такое расхождение логируется и учитывается в метрике.
func (s *Service) releaseSpot(slot *model.SlotCapacity, held bool, ref string) {
	counter, value := "booked", &slot.BookedCount
	if held {
		counter, value = "held", &slot.HeldCount
	}

	if *value <= 0 {
		metrics.SlotDiscrepancies.WithLabelValues(counter).Inc()
		s.logger.Warn("slot counter already zero, release clamped",
			zap.String("slotID", slot.SlotID),
			zap.String("counter", counter),
			zap.String("ref", ref),
		)
		return
	}
	*value--
}

// currentLedger возвращает баланс текущего периода; отсутствие баланса означает нехватку кредитов.
func currentLedger(ctx context.Context, st repository.Store, parentID string, now time.Time) (*model.CreditLedger, error) {
	year, month := model.PeriodOf(now)
	l, err := st.GetLedger(ctx, parentID, year, month)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("no credit ledger for %04d-%02d: %w", year, month, model.ErrInsufficientCredits)
	}
	return l, err
}

// slotForActivity возвращает слот, проверяя его принадлежность занятию.
func slotForActivity(ctx context.Context, st repository.Store, slotID, activityID string) (*model.SlotCapacity, error) {
	slot, err := st.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot.ActivityID != activityID {
		return nil, fmt.Errorf("slot %s of activity %s: %w", slotID, activityID, model.ErrNotFound)
	}
	return slot, nil
}
