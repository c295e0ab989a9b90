package validation

import (
	"errors"
	"testing"

	"github.com/mmeshcher/activity-booking/internal/model"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{name: "uuid", id: "0b8f2c1e-8f5a-4f0e-9a53-5f1d2a7f9c11", valid: true},
		{name: "slug with underscore", id: "swim_class-7", valid: true},
		{name: "empty", id: "", valid: false},
		{name: "space", id: "slot 1", valid: false},
		{name: "path separator", id: "a/b", valid: false},
		{name: "too long", id: string(make([]byte, 65)), valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidID(tt.id); got != tt.valid {
				t.Fatalf("IsValidID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestValidateBookingRequest(t *testing.T) {
	valid := model.BookingRequest{
		ParentID:    "parent-1",
		ActivityID:  "swim",
		SlotID:      "swim-mon-10",
		ChildIDs:    []string{"kid-1", "kid-2"},
		CreditsCost: 2,
	}

	tests := []struct {
		name    string
		mutate  func(r *model.BookingRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *model.BookingRequest) {}},
		{name: "no children", mutate: func(r *model.BookingRequest) { r.ChildIDs = nil }, wantErr: true},
		{name: "duplicate child", mutate: func(r *model.BookingRequest) { r.ChildIDs = []string{"kid-1", "kid-1"} }, wantErr: true},
		{name: "zero cost", mutate: func(r *model.BookingRequest) { r.CreditsCost = 0 }, wantErr: true},
		{name: "missing slot", mutate: func(r *model.BookingRequest) { r.SlotID = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			req.ChildIDs = append([]string(nil), valid.ChildIDs...)
			tt.mutate(&req)

			err := ValidateBookingRequest(req)
			if tt.wantErr {
				if !errors.Is(err, model.ErrInvalidArgument) {
					t.Fatalf("expected ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
