package model

import (
	"fmt"
	"math"
	"time"
)

// CreditLedger хранит выделенные и израсходованные кредиты родителя за расчётный период.
type CreditLedger struct {
	ParentID    string
	PeriodYear  int
	PeriodMonth int
	Allocated   int
	Used        int
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}

// PeriodOf возвращает год и месяц расчётного периода, в который попадает момент t.
func PeriodOf(t time.Time) (int, int) {
	t = t.UTC()
	return t.Year(), int(t.Month())
}

// Remaining возвращает остаток кредитов.
func (l *CreditLedger) Remaining() int {
	return l.Allocated - l.Used
}

// UsagePercentage возвращает долю израсходованных кредитов в процентах, округлённую до целого.
func (l *CreditLedger) UsagePercentage() int {
	if l.Allocated <= 0 {
		return 0
	}
	return int(math.Round(float64(l.Used) / float64(l.Allocated) * 100))
}

// Expired сообщает, сгорели ли кредиты периода к моменту now.
func (l *CreditLedger) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// CanAfford сообщает, можно ли списать cost кредитов в момент now.
func (l *CreditLedger) CanAfford(cost int, now time.Time) bool {
	return !l.Expired(now) && l.Remaining() >= cost
}

// Debit списывает cost кредитов. Вызывающий обязан предварительно проверить CanAfford.
func (l *CreditLedger) Debit(cost int, now time.Time) error {
	if cost <= 0 {
		return fmt.Errorf("debit %d credits: %w", cost, ErrInvalidArgument)
	}
	if !l.CanAfford(cost, now) {
		return fmt.Errorf("debit %d credits, remaining %d: %w", cost, l.Remaining(), ErrInsufficientCredits)
	}
	l.Used += cost
	return nil
}

// Credit возвращает amount кредитов. Used не опускается ниже нуля;
// результат равен части возврата, не нашедшей покрытия в Used.
// Ненулевой результат означает нарушение учёта (например, двойной возврат).
func (l *CreditLedger) Credit(amount int) int {
	if amount <= 0 {
		return 0
	}
	if amount > l.Used {
		overflow := amount - l.Used
		l.Used = 0
		return overflow
	}
	l.Used -= amount
	return 0
}

// LedgerSummary описывает баланс для отображения клиенту.
type LedgerSummary struct {
	PeriodYear      int       `json:"period_year"`
	PeriodMonth     int       `json:"period_month"`
	Allocated       int       `json:"allocated"`
	Used            int       `json:"used"`
	Remaining       int       `json:"remaining"`
	UsagePercentage int       `json:"usage_percentage"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Summary собирает LedgerSummary; производные величины считаются только здесь.
func (l *CreditLedger) Summary() LedgerSummary {
	return LedgerSummary{
		PeriodYear:      l.PeriodYear,
		PeriodMonth:     l.PeriodMonth,
		Allocated:       l.Allocated,
		Used:            l.Used,
		Remaining:       l.Remaining(),
		UsagePercentage: l.UsagePercentage(),
		ExpiresAt:       l.ExpiresAt,
	}
}
