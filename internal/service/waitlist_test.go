package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/activity-booking/internal/model"
	"github.com/mmeshcher/activity-booking/internal/repository"
)

// fullSlot создаёт слот и заполняет его бронированиями родителя "booker".
func (f *fixture) fullSlot(t *testing.T, slotID string, capacity int) []*model.Booking {
	t.Helper()

	f.openLedger(t, "booker", 100, 0)
	f.slot(t, slotID, capacity, 72*time.Hour)

	bookings := make([]*model.Booking, 0, capacity)
	for i := 0; i < capacity; i++ {
		b, err := f.svc.CreateBooking(context.Background(), request("booker", slotID, 1))
		require.NoError(t, err)
		bookings = append(bookings, b)
	}
	return bookings
}

func (f *fixture) join(t *testing.T, parentID, slotID string, cost int) *model.WaitlistEntry {
	t.Helper()

	e, err := f.svc.JoinWaitlist(context.Background(), request(parentID, slotID, cost))
	require.NoError(t, err)
	return e
}

func (f *fixture) entry(t *testing.T, id string) *model.WaitlistEntry {
	t.Helper()

	e, err := f.svc.GetWaitlistEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (f *fixture) slotState(t *testing.T, slotID string) *model.SlotCapacity {
	t.Helper()

	var slot *model.SlotCapacity
	require.NoError(t, f.repo.InTx(context.Background(), func(st repository.Store) error {
		var err error
		slot, err = st.GetSlot(context.Background(), slotID)
		return err
	}))
	return slot
}

func (f *fixture) positions(t *testing.T, slotID string) []int {
	t.Helper()

	var res []int
	require.NoError(t, f.repo.InTx(context.Background(), func(st repository.Store) error {
		queue, err := st.ListSlotWaitlist(context.Background(), slotID)
		for _, e := range queue {
			res = append(res, e.Position)
		}
		return err
	}))
	return res
}

func TestWaitlist_PromotionOnCancel_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookings := f.fullSlot(t, "slot-1", 10)

	first := f.join(t, "parent-a", "slot-1", 2)
	second := f.join(t, "parent-b", "slot-1", 2)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, model.WaitlistStatusWaiting, first.Status)
	assert.Equal(t, model.WaitlistStatusWaiting, second.Status)

	_, err := f.svc.CancelBooking(ctx, bookings[0].ID, "")
	require.NoError(t, err)

	slot := f.slotState(t, "slot-1")
	assert.Equal(t, 9, slot.BookedCount)
	assert.Equal(t, 1, slot.HeldCount)
	assert.Equal(t, 0, slot.AvailableSpots())

	promoted := f.entry(t, first.ID)
	assert.Equal(t, model.WaitlistStatusNotified, promoted.Status)
	require.NotNil(t, promoted.ExpiresAt)
	assert.Equal(t, testNow.Add(4*time.Hour), *promoted.ExpiresAt)
	assert.Equal(t, model.WaitlistStatusWaiting, f.entry(t, second.ID).Status)

	assert.Contains(t, f.notifier.types(), model.EventWaitlistNotified)

	_, err = f.svc.CreateBooking(ctx, request("booker", "slot-1", 1))
	assert.ErrorIs(t, err, model.ErrSlotFull)
}

func TestWaitlist_PromotesLowestPositionOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookings := f.fullSlot(t, "slot-1", 2)
	entries := []*model.WaitlistEntry{
		f.join(t, "parent-a", "slot-1", 1),
		f.join(t, "parent-b", "slot-1", 1),
		f.join(t, "parent-c", "slot-1", 1),
	}

	_, err := f.svc.CancelBooking(ctx, bookings[1].ID, "")
	require.NoError(t, err)

	assert.Equal(t, model.WaitlistStatusNotified, f.entry(t, entries[0].ID).Status)
	assert.Equal(t, model.WaitlistStatusWaiting, f.entry(t, entries[1].ID).Status)
	assert.Equal(t, model.WaitlistStatusWaiting, f.entry(t, entries[2].ID).Status)
}

func TestJoinWaitlist_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openLedger(t, "booker", 10, 0)
	f.slot(t, "open-slot", 2, 72*time.Hour)

	_, err := f.svc.JoinWaitlist(ctx, request("parent-a", "open-slot", 1))
	assert.ErrorIs(t, err, model.ErrInvalidState)

	f.fullSlot(t, "full-slot", 1)
	f.join(t, "parent-a", "full-slot", 1)

	_, err = f.svc.JoinWaitlist(ctx, request("parent-a", "full-slot", 1))
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = f.svc.JoinWaitlist(ctx, request("parent-a", "missing", 1))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLeaveWaitlist_KeepsPositionsContiguous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fullSlot(t, "slot-1", 1)

	var entries []*model.WaitlistEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, f.join(t, fmt.Sprintf("parent-%d", i), "slot-1", 1))
	}

	require.NoError(t, f.svc.LeaveWaitlist(ctx, entries[1].ID))
	assert.Equal(t, []int{1, 2, 3, 4}, f.positions(t, "slot-1"))
	assert.Equal(t, 2, f.entry(t, entries[2].ID).Position)
	assert.Equal(t, 4, f.entry(t, entries[4].ID).Position)

	require.NoError(t, f.svc.LeaveWaitlist(ctx, entries[4].ID))
	require.NoError(t, f.svc.LeaveWaitlist(ctx, entries[0].ID))
	assert.Equal(t, []int{1, 2}, f.positions(t, "slot-1"))

	late := f.join(t, "parent-late", "slot-1", 1)
	assert.Equal(t, 3, late.Position)
	assert.Equal(t, []int{1, 2, 3}, f.positions(t, "slot-1"))

	err := f.svc.LeaveWaitlist(ctx, entries[0].ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLeaveWaitlist_OnlyWhileWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookings := f.fullSlot(t, "slot-1", 1)
	e := f.join(t, "parent-a", "slot-1", 1)

	_, err := f.svc.CancelBooking(ctx, bookings[0].ID, "")
	require.NoError(t, err)

	err = f.svc.LeaveWaitlist(ctx, e.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.Equal(t, model.WaitlistStatusNotified, f.entry(t, e.ID).Status)
}

func TestConfirmSpot_CreatesBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookings := f.fullSlot(t, "slot-1", 3)
	f.openLedger(t, "parent-a", 10, 0)
	e := f.join(t, "parent-a", "slot-1", 3)

	_, err := f.svc.CancelBooking(ctx, bookings[0].ID, "")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	b, err := f.svc.ConfirmSpot(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusConfirmed, b.Status)
	assert.Equal(t, 3, b.CreditsCost)
	assert.Equal(t, e.ID, b.WaitlistEntryID)
	assert.Equal(t, []string{"parent-a-kid"}, b.ChildIDs)

	assert.Equal(t, model.WaitlistStatusConverted, f.entry(t, e.ID).Status)
	assert.Equal(t, 3, f.ledger(t, "parent-a").Used)

	slot := f.slotState(t, "slot-1")
	assert.Equal(t, 3, slot.BookedCount)
	assert.Equal(t, 0, slot.HeldCount)

	_, err = f.svc.ConfirmSpot(ctx, e.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestConfirmSpot_InsufficientCreditsKeepsOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookings := f.fullSlot(t, "slot-1", 1)
	f.openLedger(t, "parent-a", 2, 0)
	e := f.join(t, "parent-a", "slot-1", 3)

	_, err := f.svc.CancelBooking(ctx, bookings[0].ID, "")
	require.NoError(t, err)

	_, err = f.svc.ConfirmSpot(ctx, e.ID)
	assert.ErrorIs(t, err, model.ErrInsufficientCredits)

	assert.Equal(t, model.WaitlistStatusNotified, f.entry(t, e.ID).Status)
	assert.Equal(t, 0, f.ledger(t, "parent-a").Used)
	assert.Equal(t, 1, f.slotState(t, "slot-1").HeldCount)

	_, err = f.svc.OpenPeriod(ctx, "parent-a", 2026, 10, 5, time.Time{})
	require.NoError(t, err)

	_, err = f.svc.ConfirmSpot(ctx, e.ID)
	require.NoError(t, err)
}

func TestConfirmSpot_AfterDeadlineExpiresLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookings := f.fullSlot(t, "slot-1", 1)
	f.openLedger(t, "parent-a", 10, 0)
	first := f.join(t, "parent-a", "slot-1", 1)
	second := f.join(t, "parent-b", "slot-1", 1)

	_, err := f.svc.CancelBooking(ctx, bookings[0].ID, "")
	require.NoError(t, err)

	f.clock.Advance(4 * time.Hour)

	_, err = f.svc.ConfirmSpot(ctx, first.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	assert.Equal(t, model.WaitlistStatusExpired, f.entry(t, first.ID).Status)
	next := f.entry(t, second.ID)
	assert.Equal(t, model.WaitlistStatusNotified, next.Status)
	assert.Equal(t, testNow.Add(8*time.Hour), *next.ExpiresAt)
	assert.Equal(t, 0, f.ledger(t, "parent-a").Used)
	assert.Equal(t, 1, f.slotState(t, "slot-1").HeldCount)
}

func TestPassSpot_ReoffersToNextWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookings := f.fullSlot(t, "slot-1", 1)
	first := f.join(t, "parent-a", "slot-1", 1)
	second := f.join(t, "parent-b", "slot-1", 1)

	_, err := f.svc.PassSpot(ctx, first.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = f.svc.CancelBooking(ctx, bookings[0].ID, "")
	require.NoError(t, err)

	passed, err := f.svc.PassSpot(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WaitlistStatusExpired, passed.Status)
	assert.Equal(t, model.WaitlistStatusNotified, f.entry(t, second.ID).Status)

	_, err = f.svc.PassSpot(ctx, second.ID)
	require.NoError(t, err)

	slot := f.slotState(t, "slot-1")
	assert.Equal(t, 0, slot.HeldCount)
	assert.Equal(t, 1, slot.AvailableSpots())
}

func TestExpireDue_CascadesInOnePass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bookings := f.fullSlot(t, "slot-1", 2)
	entries := []*model.WaitlistEntry{
		f.join(t, "parent-a", "slot-1", 1),
		f.join(t, "parent-b", "slot-1", 1),
		f.join(t, "parent-c", "slot-1", 1),
		f.join(t, "parent-d", "slot-1", 1),
	}

	_, err := f.svc.CancelBooking(ctx, bookings[0].ID, "")
	require.NoError(t, err)
	_, err = f.svc.CancelBooking(ctx, bookings[1].ID, "")
	require.NoError(t, err)

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(4 * time.Hour)

	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, model.WaitlistStatusExpired, f.entry(t, entries[0].ID).Status)
	assert.Equal(t, model.WaitlistStatusExpired, f.entry(t, entries[1].ID).Status)
	assert.Equal(t, model.WaitlistStatusNotified, f.entry(t, entries[2].ID).Status)
	assert.Equal(t, model.WaitlistStatusNotified, f.entry(t, entries[3].ID).Status)
	assert.Equal(t, 2, f.slotState(t, "slot-1").HeldCount)
	assert.Equal(t, []int{1, 2, 3, 4}, f.positions(t, "slot-1"))

	f.clock.Advance(4 * time.Hour)

	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	slot := f.slotState(t, "slot-1")
	assert.Equal(t, 0, slot.HeldCount)
	assert.Equal(t, 2, slot.AvailableSpots())
}

func TestUpsertSlot_CapacityIncreasePromotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fullSlot(t, "slot-1", 1)
	first := f.join(t, "parent-a", "slot-1", 1)
	second := f.join(t, "parent-b", "slot-1", 1)
	third := f.join(t, "parent-c", "slot-1", 1)

	slot, err := f.svc.UpsertSlot(ctx, "slot-1", "swim", 3, testNow.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, slot.HeldCount)
	assert.Equal(t, 0, slot.AvailableSpots())

	assert.Equal(t, model.WaitlistStatusNotified, f.entry(t, first.ID).Status)
	assert.Equal(t, model.WaitlistStatusNotified, f.entry(t, second.ID).Status)
	assert.Equal(t, model.WaitlistStatusWaiting, f.entry(t, third.ID).Status)
}

func TestRunExpirySweep_StopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.svc.RunExpirySweep(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunExpirySweep did not return after context cancellation")
	}
}

func TestListWaitlist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fullSlot(t, "slot-1", 1)
	f.slot(t, "slot-2", 1, 72*time.Hour)
	_, err := f.svc.CreateBooking(ctx, request("booker", "slot-2", 1))
	require.NoError(t, err)

	f.join(t, "parent-a", "slot-1", 1)
	f.clock.Advance(time.Minute)
	latest := f.join(t, "parent-a", "slot-2", 1)

	entries, err := f.svc.ListWaitlist(ctx, "parent-a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, latest.ID, entries[0].ID)
}

func TestCancelBooking_AfterSlotStartDoesNotPromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openLedger(t, "booker", 10, 0)
	f.slot(t, "slot-1", 1, time.Hour)
	b, err := f.svc.CreateBooking(ctx, request("booker", "slot-1", 1))
	require.NoError(t, err)
	e := f.join(t, "parent-a", "slot-1", 1)

	f.clock.Advance(2 * time.Hour)

	_, err = f.svc.CancelBooking(ctx, b.ID, "")
	require.NoError(t, err)

	assert.Equal(t, model.WaitlistStatusWaiting, f.entry(t, e.ID).Status)
	slot := f.slotState(t, "slot-1")
	assert.Equal(t, 0, slot.BookedCount)
	assert.Equal(t, 0, slot.HeldCount)
	assert.NotContains(t, f.notifier.types(), model.EventWaitlistNotified)
}

func TestPromotion_DeadlineCappedAtSlotStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openLedger(t, "booker", 10, 0)
	f.slot(t, "slot-1", 1, 3*time.Hour)
	b, err := f.svc.CreateBooking(ctx, request("booker", "slot-1", 1))
	require.NoError(t, err)
	first := f.join(t, "parent-a", "slot-1", 1)
	second := f.join(t, "parent-b", "slot-1", 1)

	_, err = f.svc.CancelBooking(ctx, b.ID, "")
	require.NoError(t, err)

	promoted := f.entry(t, first.ID)
	assert.Equal(t, model.WaitlistStatusNotified, promoted.Status)
	require.NotNil(t, promoted.ExpiresAt)
	assert.Equal(t, testNow.Add(3*time.Hour), *promoted.ExpiresAt)

	f.clock.Advance(3 * time.Hour)

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, model.WaitlistStatusExpired, f.entry(t, first.ID).Status)
	assert.Equal(t, model.WaitlistStatusWaiting, f.entry(t, second.ID).Status)
	assert.Equal(t, 0, f.slotState(t, "slot-1").HeldCount)
}

func TestExpireOrPass_HeldUnderflowIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	core, logs := observer.New(zapcore.WarnLevel)
	svc := NewService(f.repo, f.notifier, zap.New(core), Options{Now: f.clock.Now})

	bookings := f.fullSlot(t, "slot-1", 1)
	e := f.join(t, "parent-a", "slot-1", 1)
	_, err := svc.CancelBooking(ctx, bookings[0].ID, "")
	require.NoError(t, err)

	require.NoError(t, f.repo.InTx(ctx, func(st repository.Store) error {
		slot, err := st.GetSlot(ctx, "slot-1")
		if err != nil {
			return err
		}
		slot.HeldCount = 0
		return st.SaveSlot(ctx, slot)
	}))

	_, err = svc.PassSpot(ctx, e.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, f.slotState(t, "slot-1").HeldCount)
	clamped := logs.FilterMessage("slot counter already zero, release clamped").All()
	require.Len(t, clamped, 1)
	assert.Equal(t, "held", clamped[0].ContextMap()["counter"])
	assert.Equal(t, e.ID, clamped[0].ContextMap()["ref"])
}
