package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/activity-booking/internal/model"
)

type ledgerKey struct {
	parentID string
	year     int
	month    int
}

func keyOf(l *model.CreditLedger) ledgerKey {
	return ledgerKey{parentID: l.ParentID, year: l.PeriodYear, month: l.PeriodMonth}
}

// MemoryRepository хранит данные в памяти процесса. Транзакции сериализуются
// одним мьютексом, изменения транзакции применяются только при её успешном завершении.
type MemoryRepository struct {
	mu       sync.RWMutex
	ledgers  map[ledgerKey]*model.CreditLedger
	slots    map[string]*model.SlotCapacity
	bookings map[string]*model.Booking
	entries  map[string]*model.WaitlistEntry
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		ledgers:  make(map[ledgerKey]*model.CreditLedger),
		slots:    make(map[string]*model.SlotCapacity),
		bookings: make(map[string]*model.Booking),
		entries:  make(map[string]*model.WaitlistEntry),
	}
}

// Close ничего не освобождает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// InTx выполняет fn атомарно: при ошибке ни одно изменение не сохраняется.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(Store) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		base:     r,
		ledgers:  make(map[ledgerKey]*model.CreditLedger),
		slots:    make(map[string]*model.SlotCapacity),
		bookings: make(map[string]*model.Booking),
		entries:  make(map[string]*model.WaitlistEntry),
		deleted:  make(map[string]struct{}),
	}

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// GetLedger возвращает баланс родителя за период.
func (r *MemoryRepository) GetLedger(ctx context.Context, parentID string, year, month int) (*model.CreditLedger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.ledgers[ledgerKey{parentID: parentID, year: year, month: month}]
	if !ok {
		return nil, ledgerNotFound(parentID, year, month)
	}
	c := *l
	return &c, nil
}

// GetBooking возвращает бронирование по идентификатору.
func (r *MemoryRepository) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, model.ErrNotFound)
	}
	return b.Clone(), nil
}

// GetWaitlistEntry возвращает запись листа ожидания по идентификатору.
func (r *MemoryRepository) GetWaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("waitlist entry %s: %w", id, model.ErrNotFound)
	}
	return e.Clone(), nil
}

// ListBookingsByParent возвращает бронирования родителя, новые первыми; при равном времени по ID.
func (r *MemoryRepository) ListBookingsByParent(ctx context.Context, parentID string) ([]*model.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []*model.Booking
	for _, b := range r.bookings {
		if b.ParentID == parentID {
			res = append(res, b.Clone())
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// ListWaitlistByParent возвращает записи листа ожидания родителя, новые первыми; при равном времени по ID.
func (r *MemoryRepository) ListWaitlistByParent(ctx context.Context, parentID string) ([]*model.WaitlistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []*model.WaitlistEntry
	for _, e := range r.entries {
		if e.ParentID == parentID {
			res = append(res, e.Clone())
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// ListDueOffers возвращает уведомлённые записи с истёкшим сроком подтверждения.
func (r *MemoryRepository) ListDueOffers(ctx context.Context, now time.Time) ([]DueOffer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []DueOffer
	for _, e := range r.entries {
		if e.OfferExpired(now) {
			res = append(res, DueOffer{EntryID: e.ID, SlotID: e.SlotID, Position: e.Position})
		}
	}
	sortDueOffers(res)
	return res, nil
}

func sortDueOffers(offers []DueOffer) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].SlotID != offers[j].SlotID {
			return offers[i].SlotID < offers[j].SlotID
		}
		return offers[i].Position < offers[j].Position
	})
}

func ledgerNotFound(parentID string, year, month int) error {
	return fmt.Errorf("credit ledger %s %04d-%02d: %w", parentID, year, month, model.ErrNotFound)
}

// memoryTx накапливает изменения поверх MemoryRepository до фиксации.
type memoryTx struct {
	base     *MemoryRepository
	ledgers  map[ledgerKey]*model.CreditLedger
	slots    map[string]*model.SlotCapacity
	bookings map[string]*model.Booking
	entries  map[string]*model.WaitlistEntry
	deleted  map[string]struct{}
}

func (tx *memoryTx) GetLedger(ctx context.Context, parentID string, year, month int) (*model.CreditLedger, error) {
	key := ledgerKey{parentID: parentID, year: year, month: month}
	l, ok := tx.ledgers[key]
	if !ok {
		l, ok = tx.base.ledgers[key]
	}
	if !ok {
		return nil, ledgerNotFound(parentID, year, month)
	}
	c := *l
	return &c, nil
}

func (tx *memoryTx) SaveLedger(ctx context.Context, l *model.CreditLedger) error {
	c := *l
	tx.ledgers[keyOf(l)] = &c
	return nil
}

func (tx *memoryTx) GetSlot(ctx context.Context, slotID string) (*model.SlotCapacity, error) {
	s, ok := tx.slots[slotID]
	if !ok {
		s, ok = tx.base.slots[slotID]
	}
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", slotID, model.ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (tx *memoryTx) SaveSlot(ctx context.Context, s *model.SlotCapacity) error {
	c := *s
	tx.slots[s.SlotID] = &c
	return nil
}

func (tx *memoryTx) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	b, ok := tx.bookings[id]
	if !ok {
		b, ok = tx.base.bookings[id]
	}
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, model.ErrNotFound)
	}
	return b.Clone(), nil
}

func (tx *memoryTx) SaveBooking(ctx context.Context, b *model.Booking) error {
	tx.bookings[b.ID] = b.Clone()
	return nil
}

func (tx *memoryTx) entry(id string) (*model.WaitlistEntry, bool) {
	if _, gone := tx.deleted[id]; gone {
		return nil, false
	}
	if e, ok := tx.entries[id]; ok {
		return e, true
	}
	e, ok := tx.base.entries[id]
	return e, ok
}

func (tx *memoryTx) GetWaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	e, ok := tx.entry(id)
	if !ok {
		return nil, fmt.Errorf("waitlist entry %s: %w", id, model.ErrNotFound)
	}
	return e.Clone(), nil
}

func (tx *memoryTx) ListSlotWaitlist(ctx context.Context, slotID string) ([]*model.WaitlistEntry, error) {
	seen := make(map[string]struct{})
	var res []*model.WaitlistEntry

	collect := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if e, ok := tx.entry(id); ok && e.SlotID == slotID {
			res = append(res, e.Clone())
		}
	}
	for id := range tx.entries {
		collect(id)
	}
	for id := range tx.base.entries {
		collect(id)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Position < res[j].Position
	})
	return res, nil
}

func (tx *memoryTx) SaveWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error {
	delete(tx.deleted, e.ID)
	tx.entries[e.ID] = e.Clone()
	return nil
}

func (tx *memoryTx) DeleteWaitlistEntry(ctx context.Context, id string) error {
	if _, ok := tx.entry(id); !ok {
		return fmt.Errorf("waitlist entry %s: %w", id, model.ErrNotFound)
	}
	delete(tx.entries, id)
	tx.deleted[id] = struct{}{}
	return nil
}

func (tx *memoryTx) commit() {
	r := tx.base
	for k, l := range tx.ledgers {
		r.ledgers[k] = l
	}
	for id, s := range tx.slots {
		r.slots[id] = s
	}
	for id, b := range tx.bookings {
		r.bookings[id] = b
	}
	for id := range tx.deleted {
		delete(r.entries, id)
	}
	for id, e := range tx.entries {
		r.entries[id] = e
	}
}
