package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/activity-booking/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса бронирования.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/parent", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/ledger", h.GetLedger)

		r.Post("/bookings", h.CreateBooking)
		r.Get("/bookings", h.GetBookings)
		r.Post("/bookings/{id}/cancel", h.CancelBooking)

		r.Post("/waitlist", h.JoinWaitlist)
		r.Get("/waitlist", h.GetWaitlist)
		r.Delete("/waitlist/{id}", h.LeaveWaitlist)
		r.Post("/waitlist/{id}/confirm", h.ConfirmSpot)
		r.Post("/waitlist/{id}/pass", h.PassSpot)
	})

	r.Route("/api/staff", func(r chi.Router) {
		r.Use(custommiddleware.StaffMiddleware(h.staffToken))

		r.Put("/parents/{parentID}/ledger", h.OpenPeriod)
		r.Post("/parents/{parentID}/session", h.IssueSession)
		r.Put("/slots/{slotID}", h.UpsertSlot)
		r.Post("/bookings/{id}/attendance", h.RecordAttendance)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
