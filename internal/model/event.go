package model

import "time"

// EventType описывает тип уведомления для родителя.
type EventType string

const (
	EventBookingConfirmed  EventType = "booking.confirmed"
	EventBookingCancelled  EventType = "booking.cancelled"
	EventBookingCompleted  EventType = "booking.completed"
	EventBookingNoShow     EventType = "booking.no_show"
	EventWaitlistNotified  EventType = "waitlist.notified"
	EventWaitlistExpired   EventType = "waitlist.expired"
	EventWaitlistConverted EventType = "waitlist.converted"
)

// Event описывает уведомление об изменении бронирования или записи листа ожидания.
type Event struct {
	Type       EventType  `json:"type"`
	ParentID   string     `json:"parent_id"`
	SlotID     string     `json:"slot_id"`
	BookingID  string     `json:"booking_id,omitempty"`
	EntryID    string     `json:"entry_id,omitempty"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// BookingEvent строит уведомление о смене статуса бронирования.
func BookingEvent(b *Booking) Event {
	var t EventType
	switch b.Status {
	case BookingStatusCancelled:
		t = EventBookingCancelled
	case BookingStatusCompleted:
		t = EventBookingCompleted
	case BookingStatusNoShow:
		t = EventBookingNoShow
	default:
		t = EventBookingConfirmed
	}
	return Event{
		Type:       t,
		ParentID:   b.ParentID,
		SlotID:     b.SlotID,
		BookingID:  b.ID,
		Status:     string(b.Status),
		OccurredAt: b.UpdatedAt,
	}
}

// WaitlistEvent строит уведомление о смене статуса записи листа ожидания.
func WaitlistEvent(e *WaitlistEntry, now time.Time) Event {
	var t EventType
	switch e.Status {
	case WaitlistStatusExpired:
		t = EventWaitlistExpired
	case WaitlistStatusConverted:
		t = EventWaitlistConverted
	default:
		t = EventWaitlistNotified
	}
	return Event{
		Type:       t,
		ParentID:   e.ParentID,
		SlotID:     e.SlotID,
		EntryID:    e.ID,
		Status:     string(e.Status),
		ExpiresAt:  e.ExpiresAt,
		OccurredAt: now,
	}
}
