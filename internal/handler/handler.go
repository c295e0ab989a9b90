// Package handler содержит HTTP-обработчики API сервиса бронирования занятий.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/activity-booking/internal/middleware"
	"github.com/mmeshcher/activity-booking/internal/model"
	"github.com/mmeshcher/activity-booking/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	OpenPeriod(ctx context.Context, parentID string, year, month, allocated int, expiresAt time.Time) (*model.CreditLedger, error)
	GetLedger(ctx context.Context, parentID string) (*model.CreditLedger, error)
	UpsertSlot(ctx context.Context, slotID, activityID string, totalCapacity int, startsAt time.Time) (*model.SlotCapacity, error)

	CreateBooking(ctx context.Context, req model.BookingRequest) (*model.Booking, error)
	CancelBooking(ctx context.Context, bookingID, reason string) (*model.CancelResult, error)
	RecordAttendance(ctx context.Context, bookingID string, attended bool) (*model.Booking, error)
	GetBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	ListBookings(ctx context.Context, parentID string) ([]*model.Booking, error)

	JoinWaitlist(ctx context.Context, req model.BookingRequest) (*model.WaitlistEntry, error)
	LeaveWaitlist(ctx context.Context, entryID string) error
	ConfirmSpot(ctx context.Context, entryID string) (*model.Booking, error)
	PassSpot(ctx context.Context, entryID string) (*model.WaitlistEntry, error)
	GetWaitlistEntry(ctx context.Context, entryID string) (*model.WaitlistEntry, error)
	ListWaitlist(ctx context.Context, parentID string) ([]*model.WaitlistEntry, error)
}

// Handler реализует HTTP-обработчики API сервиса бронирования.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	staffToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, staffToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		staffToken:     staffToken,
	}
}

type bookingRequest struct {
	ActivityID  string   `json:"activity_id"`
	SlotID      string   `json:"slot_id"`
	ChildIDs    []string `json:"child_ids"`
	CreditsCost int      `json:"credits_cost"`
}

type bookingResponse struct {
	ID                 string   `json:"id"`
	ActivityID         string   `json:"activity_id"`
	SlotID             string   `json:"slot_id"`
	ChildIDs           []string `json:"child_ids"`
	CreditsCost        int      `json:"credits_cost"`
	Status             string   `json:"status"`
	ScheduledAt        string   `json:"scheduled_at"`
	CancellationReason string   `json:"cancellation_reason,omitempty"`
	WaitlistEntryID    string   `json:"waitlist_entry_id,omitempty"`
	CreatedAt          string   `json:"created_at"`
}

func newBookingResponse(b *model.Booking) bookingResponse {
	return bookingResponse{
		ID:                 b.ID,
		ActivityID:         b.ActivityID,
		SlotID:             b.SlotID,
		ChildIDs:           b.ChildIDs,
		CreditsCost:        b.CreditsCost,
		Status:             string(b.Status),
		ScheduledAt:        b.ScheduledAt.Format(time.RFC3339),
		CancellationReason: b.CancellationReason,
		WaitlistEntryID:    b.WaitlistEntryID,
		CreatedAt:          b.CreatedAt.Format(time.RFC3339),
	}
}

type waitlistResponse struct {
	ID          string   `json:"id"`
	ActivityID  string   `json:"activity_id"`
	SlotID      string   `json:"slot_id"`
	ChildIDs    []string `json:"child_ids"`
	CreditsCost int      `json:"credits_cost"`
	Position    int      `json:"position"`
	Status      string   `json:"status"`
	NotifiedAt  string   `json:"notified_at,omitempty"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

func newWaitlistResponse(e *model.WaitlistEntry) waitlistResponse {
	resp := waitlistResponse{
		ID:          e.ID,
		ActivityID:  e.ActivityID,
		SlotID:      e.SlotID,
		ChildIDs:    e.ChildIDs,
		CreditsCost: e.CreditsCost,
		Position:    e.Position,
		Status:      string(e.Status),
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
	if e.NotifiedAt != nil {
		resp.NotifiedAt = e.NotifiedAt.Format(time.RFC3339)
	}
	if e.ExpiresAt != nil {
		resp.ExpiresAt = e.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

type slotResponse struct {
	SlotID         string `json:"slot_id"`
	ActivityID     string `json:"activity_id"`
	StartsAt       string `json:"starts_at"`
	TotalCapacity  int    `json:"total_capacity"`
	BookedCount    int    `json:"booked_count"`
	HeldCount      int    `json:"held_count"`
	AvailableSpots int    `json:"available_spots"`
}

// writeJSON кодирует ответ в JSON с указанным статусом.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// writeError переводит доменную ошибку в HTTP-статус. Неизвестные ошибки логируются.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var status int
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrSlotFull):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidArgument):
		status = http.StatusUnprocessableEntity
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// parentID извлекает родителя из контекста; при отсутствии отвечает 401.
func parentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.GetParentIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

// GetLedger возвращает баланс текущего родителя за текущий период.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	pid, ok := parentID(w, r)
	if !ok {
		return
	}

	ledger, err := h.service.GetLedger(r.Context(), pid)
	if err != nil {
		h.writeError(w, err, "get ledger error", zap.String("parentID", pid))
		return
	}

	h.writeJSON(w, http.StatusOK, ledger.Summary())
}

// CreateBooking бронирует место для детей текущего родителя.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	pid, ok := parentID(w, r)
	if !ok {
		return
	}

	var req bookingRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.service.CreateBooking(r.Context(), model.BookingRequest{
		ParentID:    pid,
		ActivityID:  req.ActivityID,
		SlotID:      req.SlotID,
		ChildIDs:    req.ChildIDs,
		CreditsCost: req.CreditsCost,
	})
	if err != nil {
		h.writeError(w, err, "create booking error", zap.String("parentID", pid), zap.String("slotID", req.SlotID))
		return
	}

	h.writeJSON(w, http.StatusCreated, newBookingResponse(b))
}

// GetBookings возвращает бронирования текущего родителя.
func (h *Handler) GetBookings(w http.ResponseWriter, r *http.Request) {
	pid, ok := parentID(w, r)
	if !ok {
		return
	}

	bookings, err := h.service.ListBookings(r.Context(), pid)
	if err != nil {
		h.writeError(w, err, "list bookings error", zap.String("parentID", pid))
		return
	}

	if len(bookings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		resp = append(resp, newBookingResponse(b))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	Booking  bookingResponse `json:"booking"`
	Refunded int             `json:"refunded"`
}

// CancelBooking отменяет бронирование текущего родителя.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	pid, ok := parentID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.service.GetBooking(r.Context(), id)
	if err == nil && b.ParentID != pid {
		err = model.ErrNotFound
	}
	if err != nil {
		h.writeError(w, err, "get booking error", zap.String("bookingID", id))
		return
	}

	res, err := h.service.CancelBooking(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err, "cancel booking error", zap.String("bookingID", id))
		return
	}

	h.writeJSON(w, http.StatusOK, cancelResponse{
		Booking:  newBookingResponse(res.Booking),
		Refunded: res.Refunded,
	})
}

// JoinWaitlist ставит текущего родителя в очередь на заполненный слот.
func (h *Handler) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	pid, ok := parentID(w, r)
	if !ok {
		return
	}

	var req bookingRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	e, err := h.service.JoinWaitlist(r.Context(), model.BookingRequest{
		ParentID:    pid,
		ActivityID:  req.ActivityID,
		SlotID:      req.SlotID,
		ChildIDs:    req.ChildIDs,
		CreditsCost: req.CreditsCost,
	})
	if err != nil {
		h.writeError(w, err, "join waitlist error", zap.String("parentID", pid), zap.String("slotID", req.SlotID))
		return
	}

	h.writeJSON(w, http.StatusCreated, newWaitlistResponse(e))
}

// GetWaitlist возвращает записи листа ожидания текущего родителя.
func (h *Handler) GetWaitlist(w http.ResponseWriter, r *http.Request) {
	pid, ok := parentID(w, r)
	if !ok {
		return
	}

	entries, err := h.service.ListWaitlist(r.Context(), pid)
	if err != nil {
		h.writeError(w, err, "list waitlist error", zap.String("parentID", pid))
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]waitlistResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, newWaitlistResponse(e))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ownEntry проверяет, что запись листа ожидания принадлежит текущему родителю.
// Чужая запись неотличима от отсутствующей.
func (h *Handler) ownEntry(w http.ResponseWriter, r *http.Request) (string, bool) {
	pid, ok := parentID(w, r)
	if !ok {
		return "", false
	}
	id := chi.URLParam(r, "id")

	e, err := h.service.GetWaitlistEntry(r.Context(), id)
	if err == nil && e.ParentID != pid {
		err = model.ErrNotFound
	}
	if err != nil {
		h.writeError(w, err, "get waitlist entry error", zap.String("entryID", id))
		return "", false
	}
	return id, true
}

// LeaveWaitlist удаляет ожидающую запись текущего родителя.
func (h *Handler) LeaveWaitlist(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownEntry(w, r)
	if !ok {
		return
	}

	if err := h.service.LeaveWaitlist(r.Context(), id); err != nil {
		h.writeError(w, err, "leave waitlist error", zap.String("entryID", id))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ConfirmSpot подтверждает предложенное место и возвращает созданное бронирование.
func (h *Handler) ConfirmSpot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownEntry(w, r)
	if !ok {
		return
	}

	b, err := h.service.ConfirmSpot(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "confirm spot error", zap.String("entryID", id))
		return
	}

	h.writeJSON(w, http.StatusCreated, newBookingResponse(b))
}

// PassSpot отказывается от предложенного места.
func (h *Handler) PassSpot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownEntry(w, r)
	if !ok {
		return
	}

	e, err := h.service.PassSpot(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "pass spot error", zap.String("entryID", id))
		return
	}

	h.writeJSON(w, http.StatusOK, newWaitlistResponse(e))
}

type ledgerRequest struct {
	Year      int        `json:"year"`
	Month     int        `json:"month"`
	Allocated int        `json:"allocated"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// OpenPeriod выделяет родителю кредиты на расчётный период.
func (h *Handler) OpenPeriod(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "parentID")

	var req ledgerRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var expiresAt time.Time
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	ledger, err := h.service.OpenPeriod(r.Context(), pid, req.Year, req.Month, req.Allocated, expiresAt)
	if err != nil {
		h.writeError(w, err, "open period error", zap.String("parentID", pid))
		return
	}

	h.writeJSON(w, http.StatusOK, ledger.Summary())
}

// IssueSession выдаёт cookie сессии родителя. Вызывается персоналом после
// проверки личности во внешней системе.
func (h *Handler) IssueSession(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "parentID")
	if !validation.IsValidID(pid) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	h.authMiddleware.SetAuthCookie(w, pid)
	w.WriteHeader(http.StatusNoContent)
}

type slotRequest struct {
	ActivityID    string    `json:"activity_id"`
	TotalCapacity int       `json:"total_capacity"`
	StartsAt      time.Time `json:"starts_at"`
}

// UpsertSlot создаёт слот или меняет его вместимость.
func (h *Handler) UpsertSlot(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")

	var req slotRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	slot, err := h.service.UpsertSlot(r.Context(), slotID, req.ActivityID, req.TotalCapacity, req.StartsAt)
	if err != nil {
		h.writeError(w, err, "upsert slot error", zap.String("slotID", slotID))
		return
	}

	h.writeJSON(w, http.StatusOK, slotResponse{
		SlotID:         slot.SlotID,
		ActivityID:     slot.ActivityID,
		StartsAt:       slot.StartsAt.Format(time.RFC3339),
		TotalCapacity:  slot.TotalCapacity,
		BookedCount:    slot.BookedCount,
		HeldCount:      slot.HeldCount,
		AvailableSpots: slot.AvailableSpots(),
	})
}

type attendanceRequest struct {
	Attended *bool `json:"attended"`
}

// RecordAttendance отмечает посещение занятия по бронированию.
func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req attendanceRequest
	if err := decodeJSON(r, &req); err != nil || req.Attended == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.service.RecordAttendance(r.Context(), id, *req.Attended)
	if err != nil {
		h.writeError(w, err, "record attendance error", zap.String("bookingID", id))
		return
	}

	h.writeJSON(w, http.StatusOK, newBookingResponse(b))
}
