package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(allocated, used int, expiresAt time.Time) *CreditLedger {
	return &CreditLedger{
		ParentID:    "parent-1",
		PeriodYear:  2026,
		PeriodMonth: 10,
		Allocated:   allocated,
		Used:        used,
		ExpiresAt:   expiresAt,
	}
}

func TestCreditLedger_CanAfford(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	endOfMonth := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		ledger *CreditLedger
		cost   int
		want   bool
	}{
		{name: "enough remaining", ledger: newLedger(10, 3, endOfMonth), cost: 7, want: true},
		{name: "one short", ledger: newLedger(10, 3, endOfMonth), cost: 8, want: false},
		{name: "expired period", ledger: newLedger(10, 0, now), cost: 1, want: false},
		{name: "no expiry set", ledger: newLedger(5, 0, time.Time{}), cost: 5, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ledger.CanAfford(tt.cost, now))
		})
	}
}

func TestCreditLedger_DebitNeverOverdraws(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	l := newLedger(4, 0, now.Add(time.Hour))

	require.NoError(t, l.Debit(3, now))
	err := l.Debit(2, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientCredits))
	assert.Equal(t, 3, l.Used)

	require.NoError(t, l.Debit(1, now))
	assert.Equal(t, l.Allocated, l.Used)
	assert.Equal(t, 0, l.Remaining())

	assert.ErrorIs(t, l.Debit(0, now), ErrInvalidArgument)
}

func TestCreditLedger_CreditClampsAtZero(t *testing.T) {
	l := newLedger(10, 3, time.Time{})

	assert.Equal(t, 0, l.Credit(2))
	assert.Equal(t, 1, l.Used)

	overflow := l.Credit(4)
	assert.Equal(t, 3, overflow)
	assert.Equal(t, 0, l.Used)

	assert.Equal(t, 0, l.Credit(0))
}

func TestCreditLedger_UsagePercentage(t *testing.T) {
	assert.Equal(t, 30, newLedger(10, 3, time.Time{}).UsagePercentage())
	assert.Equal(t, 67, newLedger(3, 2, time.Time{}).UsagePercentage())
	assert.Equal(t, 0, newLedger(0, 0, time.Time{}).UsagePercentage())

	s := newLedger(8, 2, time.Time{}).Summary()
	assert.Equal(t, 6, s.Remaining)
	assert.Equal(t, 25, s.UsagePercentage)
}

func TestPeriodOf(t *testing.T) {
	y, m := PeriodOf(time.Date(2026, 3, 31, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600)))
	assert.Equal(t, 2026, y)
	assert.Equal(t, 4, m)
}
