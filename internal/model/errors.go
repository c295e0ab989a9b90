package model

import "errors"

// Ошибки бизнес-правил. Все они означают отказ в операции без изменения состояния
// и не подлежат повторной попытке.
var (
	// ErrInsufficientCredits возвращается, если остатка кредитов не хватает на бронирование.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrSlotFull возвращается при попытке бронирования слота без свободных мест.
	ErrSlotFull = errors.New("slot is full")
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState возвращается, если текущий статус записи запрещает операцию.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidArgument возвращается при некорректных входных данных.
	ErrInvalidArgument = errors.New("invalid argument")
)
