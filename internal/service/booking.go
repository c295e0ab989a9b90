package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/activity-booking/internal/metrics"
	"github.com/mmeshcher/activity-booking/internal/model"
	"github.com/mmeshcher/activity-booking/internal/repository"
	"github.com/mmeshcher/activity-booking/internal/validation"
)

// CreateBooking бронирует свободное место в слоте, списывая кредиты с баланса текущего периода.
func (s *Service) CreateBooking(ctx context.Context, req model.BookingRequest) (*model.Booking, error) {
	if err := validation.ValidateBookingRequest(req); err != nil {
		return nil, err
	}

	now := s.now()
	var booking *model.Booking

	err := s.repo.InTx(ctx, func(st repository.Store) error {
		ledger, err := currentLedger(ctx, st, req.ParentID, now)
		if err != nil {
			return err
		}
		if !ledger.CanAfford(req.CreditsCost, now) {
			return fmt.Errorf("cost %d, remaining %d: %w", req.CreditsCost, ledger.Remaining(), model.ErrInsufficientCredits)
		}

		slot, err := slotForActivity(ctx, st, req.SlotID, req.ActivityID)
		if err != nil {
			return err
		}
		if slot.AvailableSpots() <= 0 {
			return fmt.Errorf("slot %s: %w", slot.SlotID, model.ErrSlotFull)
		}

		booking, err = s.book(ctx, st, ledger, slot, req, "", now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	metrics.BookingsCreated.WithLabelValues("direct").Inc()
	s.notify([]model.Event{model.BookingEvent(booking)})
	return booking, nil
}

// book списывает кредиты, занимает место и сохраняет подтверждённое бронирование.
// Наличие свободного места проверяет вызывающий.
func (s *Service) book(ctx context.Context, st repository.Store, ledger *model.CreditLedger, slot *model.SlotCapacity, req model.BookingRequest, entryID string, now time.Time) (*model.Booking, error) {
	if !slot.StartsAt.After(now) {
		return nil, fmt.Errorf("slot %s already started: %w", slot.SlotID, model.ErrInvalidState)
	}

	if err := ledger.Debit(req.CreditsCost, now); err != nil {
		return nil, err
	}
	ledger.UpdatedAt = now

	slot.BookedCount++
	slot.UpdatedAt = now

	b := &model.Booking{
		ID:              uuid.NewString(),
		ParentID:        req.ParentID,
		ActivityID:      req.ActivityID,
		SlotID:          req.SlotID,
		ChildIDs:        append([]string(nil), req.ChildIDs...),
		CreditsCost:     req.CreditsCost,
		Status:          model.BookingStatusConfirmed,
		ScheduledAt:     slot.StartsAt,
		PeriodYear:      ledger.PeriodYear,
		PeriodMonth:     ledger.PeriodMonth,
		WaitlistEntryID: entryID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := st.SaveLedger(ctx, ledger); err != nil {
		return nil, err
	}
	if err := st.SaveSlot(ctx, slot); err != nil {
		return nil, err
	}
	if err := st.SaveBooking(ctx, b); err != nil {
		return nil, err
	}

	return b, nil
}

// refundFor возвращает число кредитов к возврату при отмене в момент now:
// полная стоимость, если до начала занятия больше RefundCutoff, иначе ноль.
func (s *Service) refundFor(b *model.Booking, now time.Time) int {
	if b.ScheduledAt.Sub(now) > s.opts.RefundCutoff {
		return b.CreditsCost
	}
	return 0
}

// CancelBooking отменяет бронирование, возвращает кредиты по правилу возврата
// и предлагает освободившееся место листу ожидания.
func (s *Service) CancelBooking(ctx context.Context, bookingID, reason string) (*model.CancelResult, error) {
	now := s.now()
	var (
		result *model.CancelResult
		events []model.Event
	)

	err := s.repo.InTx(ctx, func(st repository.Store) error {
		events = events[:0]

		b, err := st.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}

		refund := s.refundFor(b, now)
		if err := b.Cancel(reason, now); err != nil {
			return err
		}

		ledger, err := st.GetLedger(ctx, b.ParentID, b.PeriodYear, b.PeriodMonth)
		if err != nil {
			return err
		}
		if overflow := ledger.Credit(refund); overflow > 0 {
			metrics.LedgerDiscrepancies.Inc()
			s.logger.Warn("refund exceeds used credits, ledger clamped",
				zap.String("parentID", ledger.ParentID),
				zap.Int("periodYear", ledger.PeriodYear),
				zap.Int("periodMonth", ledger.PeriodMonth),
				zap.String("bookingID", b.ID),
				zap.Int("refund", refund),
				zap.Int("overflow", overflow),
			)
		}
		ledger.UpdatedAt = now
		if ledger.Expired(now) {
			refund = 0
		}

		slot, err := st.GetSlot(ctx, b.SlotID)
		if err != nil {
			return err
		}
		s.releaseSpot(slot, false, b.ID)
		slot.UpdatedAt = now

		notified, err := s.promote(ctx, st, slot, now)
		if err != nil {
			return err
		}

		if err := st.SaveBooking(ctx, b); err != nil {
			return err
		}
		if err := st.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		if err := st.SaveSlot(ctx, slot); err != nil {
			return err
		}

		events = append(events, model.BookingEvent(b))
		for _, e := range notified {
			events = append(events, model.WaitlistEvent(e, now))
		}

		result = &model.CancelResult{Booking: b, Refunded: refund}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel booking %s: %w", bookingID, err)
	}

	if result.Refunded > 0 {
		metrics.BookingsCancelled.WithLabelValues("full").Inc()
		metrics.CreditsRefunded.Add(float64(result.Refunded))
	} else {
		metrics.BookingsCancelled.WithLabelValues("forfeited").Inc()
	}
	s.notify(events)
	return result, nil
}

// RecordAttendance отмечает посещение подтверждённого бронирования. Кредиты остаются списанными.
func (s *Service) RecordAttendance(ctx context.Context, bookingID string, attended bool) (*model.Booking, error) {
	now := s.now()
	var booking *model.Booking

	err := s.repo.InTx(ctx, func(st repository.Store) error {
		b, err := st.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := b.RecordAttendance(attended, now); err != nil {
			return err
		}
		booking = b
		return st.SaveBooking(ctx, b)
	})
	if err != nil {
		return nil, fmt.Errorf("record attendance %s: %w", bookingID, err)
	}

	metrics.AttendanceRecorded.WithLabelValues(string(booking.Status)).Inc()
	s.notify([]model.Event{model.BookingEvent(booking)})
	return booking, nil
}
