// Package model содержит доменные сущности сервиса бронирования занятий.
package model

import (
	"fmt"
	"time"
)

// BookingStatus описывает статус бронирования.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "PENDING"
	BookingStatusConfirmed BookingStatus = "CONFIRMED"
	BookingStatusCancelled BookingStatus = "CANCELLED"
	BookingStatusCompleted BookingStatus = "COMPLETED"
	BookingStatusNoShow    BookingStatus = "NO_SHOW"
)

// Booking описывает бронирование слота занятия для одного или нескольких детей.
type Booking struct {
	ID                 string
	ParentID           string
	ActivityID         string
	SlotID             string
	ChildIDs           []string
	CreditsCost        int
	Status             BookingStatus
	ScheduledAt        time.Time
	CancellationReason string
	// PeriodYear и PeriodMonth указывают баланс, с которого списаны кредиты.
	PeriodYear      int
	PeriodMonth     int
	WaitlistEntryID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HoldsCredits сообщает, удерживаются ли кредиты бронирования на балансе с возможностью возврата.
func (b *Booking) HoldsCredits() bool {
	return b.Status == BookingStatusPending || b.Status == BookingStatusConfirmed
}

// Cancel переводит бронирование в статус CANCELLED.
func (b *Booking) Cancel(reason string, now time.Time) error {
	if !b.HoldsCredits() {
		return fmt.Errorf("cancel booking in status %s: %w", b.Status, ErrInvalidState)
	}
	b.Status = BookingStatusCancelled
	b.CancellationReason = reason
	b.UpdatedAt = now
	return nil
}

// RecordAttendance отмечает посещение: COMPLETED, если ребёнок пришёл, иначе NO_SHOW.
func (b *Booking) RecordAttendance(attended bool, now time.Time) error {
	if b.Status != BookingStatusConfirmed {
		return fmt.Errorf("record attendance in status %s: %w", b.Status, ErrInvalidState)
	}
	if attended {
		b.Status = BookingStatusCompleted
	} else {
		b.Status = BookingStatusNoShow
	}
	b.UpdatedAt = now
	return nil
}

// Clone возвращает независимую копию бронирования.
func (b *Booking) Clone() *Booking {
	c := *b
	c.ChildIDs = append([]string(nil), b.ChildIDs...)
	return &c
}

// WaitlistStatus описывает статус записи в листе ожидания.
type WaitlistStatus string

const (
	WaitlistStatusWaiting   WaitlistStatus = "WAITING"
	WaitlistStatusNotified  WaitlistStatus = "NOTIFIED"
	WaitlistStatusExpired   WaitlistStatus = "EXPIRED"
	WaitlistStatusConverted WaitlistStatus = "CONVERTED"
)

// WaitlistEntry описывает место родителя в очереди на заполненный слот.
type WaitlistEntry struct {
	ID          string
	ParentID    string
	ActivityID  string
	SlotID      string
	ChildIDs    []string
	CreditsCost int
	// Position задаёт место в очереди слота, начиная с 1.
	Position   int
	Status     WaitlistStatus
	NotifiedAt *time.Time
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Notify предлагает освободившееся место: запись ждёт подтверждения до now+window.
func (e *WaitlistEntry) Notify(now, expiresAt time.Time) error {
	if e.Status != WaitlistStatusWaiting {
		return fmt.Errorf("notify waitlist entry in status %s: %w", e.Status, ErrInvalidState)
	}
	if !expiresAt.After(now) {
		return fmt.Errorf("offer deadline %v not after %v: %w", expiresAt, now, ErrInvalidArgument)
	}
	notifiedAt := now
	e.Status = WaitlistStatusNotified
	e.NotifiedAt = &notifiedAt
	e.ExpiresAt = &expiresAt
	return nil
}

// OfferExpired сообщает, истёк ли срок подтверждения предложенного места.
func (e *WaitlistEntry) OfferExpired(now time.Time) bool {
	return e.Status == WaitlistStatusNotified && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Expire закрывает предложение места без бронирования.
func (e *WaitlistEntry) Expire() error {
	if e.Status != WaitlistStatusNotified {
		return fmt.Errorf("expire waitlist entry in status %s: %w", e.Status, ErrInvalidState)
	}
	e.Status = WaitlistStatusExpired
	return nil
}

// Convert отмечает, что предложенное место подтверждено и превращено в бронирование.
func (e *WaitlistEntry) Convert(now time.Time) error {
	if e.Status != WaitlistStatusNotified {
		return fmt.Errorf("convert waitlist entry in status %s: %w", e.Status, ErrInvalidState)
	}
	if e.OfferExpired(now) {
		return fmt.Errorf("convert waitlist entry: offer expired: %w", ErrInvalidState)
	}
	e.Status = WaitlistStatusConverted
	return nil
}

// Clone возвращает независимую копию записи.
func (e *WaitlistEntry) Clone() *WaitlistEntry {
	c := *e
	c.ChildIDs = append([]string(nil), e.ChildIDs...)
	if e.NotifiedAt != nil {
		v := *e.NotifiedAt
		c.NotifiedAt = &v
	}
	if e.ExpiresAt != nil {
		v := *e.ExpiresAt
		c.ExpiresAt = &v
	}
	return &c
}

// ClosePositionGap сдвигает на одну позицию вперёд записи очереди, стоявшие за
// удалённой позицией removed, и возвращает изменённые записи по возрастанию позиции.
// entries должны быть упорядочены по позиции.
func ClosePositionGap(entries []*WaitlistEntry, removed int) []*WaitlistEntry {
	var shifted []*WaitlistEntry
	for _, e := range entries {
		if e.Position > removed {
			e.Position--
			shifted = append(shifted, e)
		}
	}
	return shifted
}

// SlotCapacity описывает вместимость конкретного слота занятия.
type SlotCapacity struct {
	SlotID        string
	ActivityID    string
	StartsAt      time.Time
	TotalCapacity int
	BookedCount   int
	// HeldCount считает места, удерживаемые за уведомлёнными записями листа ожидания.
	HeldCount int
	UpdatedAt time.Time
}

// AvailableSpots возвращает число мест, доступных для прямого бронирования.
func (s *SlotCapacity) AvailableSpots() int {
	return s.TotalCapacity - s.BookedCount - s.HeldCount
}

// BookingRequest содержит параметры бронирования или постановки в лист ожидания.
type BookingRequest struct {
	ParentID    string
	ActivityID  string
	SlotID      string
	ChildIDs    []string
	CreditsCost int
}

// CancelResult содержит отменённое бронирование и кредиты, вернувшиеся в доступный баланс.
// Возврат на баланс истёкшего периода уменьшает его Used, но Refunded при этом равен нулю:
// потратить эти кредиты уже нельзя.
type CancelResult struct {
	Booking  *Booking
	Refunded int
}
