package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/activity-booking/internal/metrics"
	"github.com/mmeshcher/activity-booking/internal/model"
	"github.com/mmeshcher/activity-booking/internal/repository"
	"github.com/mmeshcher/activity-booking/internal/validation"
)

// JoinWaitlist ставит родителя в конец очереди на заполненный слот.
func (s *Service) JoinWaitlist(ctx context.Context, req model.BookingRequest) (*model.WaitlistEntry, error) {
	if err := validation.ValidateBookingRequest(req); err != nil {
		return nil, err
	}

	now := s.now()
	var entry *model.WaitlistEntry

	err := s.repo.InTx(ctx, func(st repository.Store) error {
		slot, err := slotForActivity(ctx, st, req.SlotID, req.ActivityID)
		if err != nil {
			return err
		}
		if slot.AvailableSpots() > 0 {
			return fmt.Errorf("slot %s has %d free spots, book directly: %w", slot.SlotID, slot.AvailableSpots(), model.ErrInvalidState)
		}

		queue, err := st.ListSlotWaitlist(ctx, slot.SlotID)
		if err != nil {
			return err
		}
		for _, e := range queue {
			active := e.Status == model.WaitlistStatusWaiting || e.Status == model.WaitlistStatusNotified
			if active && e.ParentID == req.ParentID {
				return fmt.Errorf("parent already queued for slot %s: %w", slot.SlotID, model.ErrInvalidState)
			}
		}

		entry = &model.WaitlistEntry{
			ID:          uuid.NewString(),
			ParentID:    req.ParentID,
			ActivityID:  req.ActivityID,
			SlotID:      req.SlotID,
			ChildIDs:    append([]string(nil), req.ChildIDs...),
			CreditsCost: req.CreditsCost,
			Position:    len(queue) + 1,
			Status:      model.WaitlistStatusWaiting,
			CreatedAt:   now,
		}
		return st.SaveWaitlistEntry(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("join waitlist: %w", err)
	}

	return entry, nil
}

// LeaveWaitlist удаляет ожидающую запись и сдвигает вперёд всех, кто стоял за ней.
func (s *Service) LeaveWaitlist(ctx context.Context, entryID string) error {
	err := s.repo.InTx(ctx, func(st repository.Store) error {
		e, err := st.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if e.Status != model.WaitlistStatusWaiting {
			return fmt.Errorf("leave waitlist in status %s: %w", e.Status, model.ErrInvalidState)
		}

		queue, err := st.ListSlotWaitlist(ctx, e.SlotID)
		if err != nil {
			return err
		}
		if err := st.DeleteWaitlistEntry(ctx, e.ID); err != nil {
			return err
		}

		for _, shifted := range model.ClosePositionGap(queue, e.Position) {
			if err := st.SaveWaitlistEntry(ctx, shifted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("leave waitlist %s: %w", entryID, err)
	}

	return nil
}

// promote предлагает каждое свободное место слота очередной ожидающей записи
// в порядке позиций и удерживает место за ней. Начавшийся слот не предлагается,
// а срок подтверждения не выходит за начало занятия. Слот сохраняет вызывающий.
func (s *Service) promote(ctx context.Context, st repository.Store, slot *model.SlotCapacity, now time.Time) ([]*model.WaitlistEntry, error) {
	if slot.AvailableSpots() <= 0 || !slot.StartsAt.After(now) {
		return nil, nil
	}

	deadline := now.Add(s.opts.ConfirmationWindow)
	if slot.StartsAt.Before(deadline) {
		deadline = slot.StartsAt
	}

	queue, err := st.ListSlotWaitlist(ctx, slot.SlotID)
	if err != nil {
		return nil, err
	}

	var notified []*model.WaitlistEntry
	for _, e := range queue {
		if slot.AvailableSpots() <= 0 {
			break
		}
		if e.Status != model.WaitlistStatusWaiting {
			continue
		}

		if err := e.Notify(now, deadline); err != nil {
			return nil, err
		}
		if err := st.SaveWaitlistEntry(ctx, e); err != nil {
			return nil, err
		}
		slot.HeldCount++
		notified = append(notified, e)
	}

	if len(notified) > 0 {
		slot.UpdatedAt = now
		metrics.WaitlistPromotions.Add(float64(len(notified)))
	}
	return notified, nil
}

// expireOrPass закрывает предложение места: по истечении срока или по явному отказу.
// Удержанное место предлагается следующей ожидающей записи, а если очередь
// пуста, возвращается в свободную продажу. Возвращает false, если срок ещё не истёк
// и отказа не было.
func (s *Service) expireOrPass(ctx context.Context, st repository.Store, e *model.WaitlistEntry, pass bool, now time.Time) (bool, []model.Event, error) {
	if e.Status != model.WaitlistStatusNotified {
		return false, nil, fmt.Errorf("expire waitlist entry in status %s: %w", e.Status, model.ErrInvalidState)
	}
	if !pass && !e.OfferExpired(now) {
		return false, nil, nil
	}

	if err := e.Expire(); err != nil {
		return false, nil, err
	}
	if err := st.SaveWaitlistEntry(ctx, e); err != nil {
		return false, nil, err
	}

	slot, err := st.GetSlot(ctx, e.SlotID)
	if err != nil {
		return false, nil, err
	}
	s.releaseSpot(slot, true, e.ID)
	slot.UpdatedAt = now

	notified, err := s.promote(ctx, st, slot, now)
	if err != nil {
		return false, nil, err
	}
	if err := st.SaveSlot(ctx, slot); err != nil {
		return false, nil, err
	}

	events := []model.Event{model.WaitlistEvent(e, now)}
	for _, n := range notified {
		events = append(events, model.WaitlistEvent(n, now))
	}
	return true, events, nil
}

func expiryReason(pass bool) string {
	if pass {
		return "pass"
	}
	return "timeout"
}

// ConfirmSpot подтверждает предложенное место и создаёт бронирование по цене записи.
// Если кредитов не хватает, запись остаётся уведомлённой до истечения срока или отказа.
// Просроченное предложение закрывается, а вызывающий получает model.ErrInvalidState.
func (s *Service) ConfirmSpot(ctx context.Context, entryID string) (*model.Booking, error) {
	now := s.now()
	var (
		booking *model.Booking
		expired bool
		events  []model.Event
	)

	err := s.repo.InTx(ctx, func(st repository.Store) error {
		booking, expired, events = nil, false, events[:0]

		e, err := st.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if e.Status != model.WaitlistStatusNotified {
			return fmt.Errorf("confirm waitlist entry in status %s: %w", e.Status, model.ErrInvalidState)
		}

		if e.OfferExpired(now) {
			var closed []model.Event
			expired, closed, err = s.expireOrPass(ctx, st, e, false, now)
			events = append(events, closed...)
			return err
		}

		ledger, err := currentLedger(ctx, st, e.ParentID, now)
		if err != nil {
			return err
		}
		if !ledger.CanAfford(e.CreditsCost, now) {
			return fmt.Errorf("cost %d, remaining %d: %w", e.CreditsCost, ledger.Remaining(), model.ErrInsufficientCredits)
		}

		slot, err := st.GetSlot(ctx, e.SlotID)
		if err != nil {
			return err
		}
		s.releaseSpot(slot, true, e.ID)

		req := model.BookingRequest{
			ParentID:    e.ParentID,
			ActivityID:  e.ActivityID,
			SlotID:      e.SlotID,
			ChildIDs:    e.ChildIDs,
			CreditsCost: e.CreditsCost,
		}
		b, err := s.book(ctx, st, ledger, slot, req, e.ID, now)
		if err != nil {
			return err
		}

		if err := e.Convert(now); err != nil {
			return err
		}
		if err := st.SaveWaitlistEntry(ctx, e); err != nil {
			return err
		}

		booking = b
		events = append(events, model.WaitlistEvent(e, now), model.BookingEvent(b))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm spot %s: %w", entryID, err)
	}

	s.notify(events)
	if expired {
		metrics.WaitlistExpired.WithLabelValues(expiryReason(false)).Inc()
		return nil, fmt.Errorf("confirm spot %s: offer expired: %w", entryID, model.ErrInvalidState)
	}

	metrics.BookingsCreated.WithLabelValues("waitlist").Inc()
	return booking, nil
}

// PassSpot фиксирует отказ от предложенного места.
func (s *Service) PassSpot(ctx context.Context, entryID string) (*model.WaitlistEntry, error) {
	now := s.now()
	var (
		entry  *model.WaitlistEntry
		events []model.Event
	)

	err := s.repo.InTx(ctx, func(st repository.Store) error {
		e, err := st.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		_, events, err = s.expireOrPass(ctx, st, e, true, now)
		entry = e
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pass spot %s: %w", entryID, err)
	}

	metrics.WaitlistExpired.WithLabelValues(expiryReason(true)).Inc()
	s.notify(events)
	return entry, nil
}

// ExpireDue закрывает все предложения с истёкшим сроком. Записи каждого слота
// обрабатываются в одной транзакции в порядке позиций, поэтому следующая
// ожидающая запись получает предложение в том же проходе.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()

	due, err := s.repo.ListDueOffers(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due offers: %w", err)
	}

	var (
		bySlot [][]repository.DueOffer
		errs   []error
		total  int
	)
	for i, d := range due {
		if i == 0 || due[i-1].SlotID != d.SlotID {
			bySlot = append(bySlot, nil)
		}
		bySlot[len(bySlot)-1] = append(bySlot[len(bySlot)-1], d)
	}

	for _, offers := range bySlot {
		var (
			expired int
			events  []model.Event
		)

		err := s.repo.InTx(ctx, func(st repository.Store) error {
			expired, events = 0, events[:0]

			for _, d := range offers {
				e, err := st.GetWaitlistEntry(ctx, d.EntryID)
				if err != nil {
					return err
				}
				// Запись могли подтвердить или отклонить после выборки.
				if e.Status != model.WaitlistStatusNotified {
					continue
				}

				closed, evs, err := s.expireOrPass(ctx, st, e, false, now)
				if err != nil {
					return err
				}
				if closed {
					expired++
					events = append(events, evs...)
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Error("expire waitlist offers error", zap.Error(err), zap.String("slotID", offers[0].SlotID))
			errs = append(errs, err)
			continue
		}

		total += expired
		metrics.WaitlistExpired.WithLabelValues(expiryReason(false)).Add(float64(expired))
		s.notify(events)
	}

	return total, errors.Join(errs...)
}

// RunExpirySweep периодически закрывает просроченные предложения до отмены контекста.
func (s *Service) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireDue(ctx)
			if err != nil {
				s.logger.Error("expiry sweep error", zap.Error(err))
			}
			if n > 0 {
				s.logger.Info("expired waitlist offers", zap.Int("count", n))
			}
		}
	}
}
