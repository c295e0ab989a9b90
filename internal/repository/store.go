package repository

import (
	"context"
	"time"

	"github.com/mmeshcher/activity-booking/internal/model"
)

// Store описывает операции с данными внутри одной транзакции.
// Методы Get* внутри транзакции блокируют прочитанную запись до её завершения.
// Отсутствие записи сообщается ошибкой, обёрнутой вокруг model.ErrNotFound.
type Store interface {
	GetLedger(ctx context.Context, parentID string, year, month int) (*model.CreditLedger, error)
	SaveLedger(ctx context.Context, l *model.CreditLedger) error

	GetSlot(ctx context.Context, slotID string) (*model.SlotCapacity, error)
	SaveSlot(ctx context.Context, s *model.SlotCapacity) error

	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	SaveBooking(ctx context.Context, b *model.Booking) error

	GetWaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error)
	// ListSlotWaitlist возвращает все записи очереди слота по возрастанию позиции.
	ListSlotWaitlist(ctx context.Context, slotID string) ([]*model.WaitlistEntry, error)
	SaveWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error
	DeleteWaitlistEntry(ctx context.Context, id string) error
}

// DueOffer указывает запись листа ожидания с истёкшим сроком подтверждения.
type DueOffer struct {
	EntryID  string
	SlotID   string
	Position int
}

// Reader описывает чтение данных вне транзакции.
type Reader interface {
	GetLedger(ctx context.Context, parentID string, year, month int) (*model.CreditLedger, error)
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	GetWaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error)
	ListBookingsByParent(ctx context.Context, parentID string) ([]*model.Booking, error)
	ListWaitlistByParent(ctx context.Context, parentID string) ([]*model.WaitlistEntry, error)
	// ListDueOffers возвращает уведомлённые записи с expires_at <= now,
	// упорядоченные по слоту и позиции.
	ListDueOffers(ctx context.Context, now time.Time) ([]DueOffer, error)
}
