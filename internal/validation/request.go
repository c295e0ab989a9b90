// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"

	"github.com/mmeshcher/activity-booking/internal/model"
)

const maxIDLength = 64

// IsValidID проверяет идентификатор: непустой, не длиннее 64 символов,
// только латинские буквы, цифры, '-' и '_'.
func IsValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}

	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return false
		}
	}

	return true
}

// ValidateChildIDs проверяет, что список детей непуст, корректен и без повторов.
func ValidateChildIDs(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("child ids must not be empty: %w", model.ErrInvalidArgument)
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if !IsValidID(id) {
			return fmt.Errorf("child id %q: %w", id, model.ErrInvalidArgument)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate child id %q: %w", id, model.ErrInvalidArgument)
		}
		seen[id] = struct{}{}
	}

	return nil
}

// ValidateBookingRequest проверяет запрос на бронирование или постановку в лист ожидания.
func ValidateBookingRequest(req model.BookingRequest) error {
	if !IsValidID(req.ParentID) {
		return fmt.Errorf("parent id %q: %w", req.ParentID, model.ErrInvalidArgument)
	}
	if !IsValidID(req.ActivityID) {
		return fmt.Errorf("activity id %q: %w", req.ActivityID, model.ErrInvalidArgument)
	}
	if !IsValidID(req.SlotID) {
		return fmt.Errorf("slot id %q: %w", req.SlotID, model.ErrInvalidArgument)
	}
	if req.CreditsCost < 1 {
		return fmt.Errorf("credits cost %d must be at least 1: %w", req.CreditsCost, model.ErrInvalidArgument)
	}
	return ValidateChildIDs(req.ChildIDs)
}
