// Package metrics содержит Prometheus-метрики сервиса бронирования.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "booking"

// BookingsCreated считает созданные бронирования по источнику: direct или waitlist.
var BookingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "bookings_created_total",
	Help:      "Bookings created, by source.",
}, []string{"source"})

// BookingsCancelled считает отмены по исходу возврата: full или forfeited.
var BookingsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "bookings_cancelled_total",
	Help:      "Cancelled bookings, by refund outcome.",
}, []string{"refund"})

// CreditsRefunded считает кредиты, возвращённые на балансы при отменах.
var CreditsRefunded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "credits_refunded_total",
	Help:      "Credits returned to ledgers by cancellations.",
})

// AttendanceRecorded считает отметки посещения по итоговому статусу.
var AttendanceRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "attendance_recorded_total",
	Help:      "Attendance records, by resulting booking status.",
}, []string{"status"})

// WaitlistPromotions считает записи листа ожидания, получившие предложение места.
var WaitlistPromotions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "waitlist_promotions_total",
	Help:      "Waitlist entries notified of a freed spot.",
})

// WaitlistExpired считает закрытые без бронирования предложения: timeout или pass.
var WaitlistExpired = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "waitlist_expired_total",
	Help:      "Waitlist offers closed without booking, by reason.",
}, []string{"reason"})

// LedgerDiscrepancies считает возвраты, превысившие списанные кредиты.
var LedgerDiscrepancies = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ledger_discrepancies_total",
	Help:      "Refunds clamped because they exceeded used credits.",
})

// SlotDiscrepancies считает освобождения мест при нулевом счётчике слота.
var SlotDiscrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "slot_discrepancies_total",
	Help:      "Spot releases clamped because the slot counter was already zero, by counter.",
}, []string{"counter"})

// NotificationsDropped считает уведомления, не поставленные в очередь доставки.
var NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "notifications_dropped_total",
	Help:      "Notifications dropped because the delivery queue was full.",
})

// NotificationsFailed считает уведомления, которые не удалось доставить.
var NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "notifications_failed_total",
	Help:      "Notifications that failed delivery after retries.",
})
