package engine

import (
	"fmt"

	"fundarb/internal/models"
)

// ============================================================
// Машина состояний арбитража
// ============================================================
//
// PENDING → ACTIVE → CLOSING → CLOSED
// PENDING → CLOSING (таймаут/провал валидации)
//
// Переходы строго монотонны, CLOSED - поглощающее состояние.

// validTransitions - разрешённые переходы
var validTransitions = map[string][]string{
	models.StatePending: {models.StateActive, models.StateClosing},
	models.StateActive:  {models.StateClosing},
	models.StateClosing: {models.StateClosed},
	models.StateClosed:  {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition переводит арбитраж в новое состояние
//
// Ошибка на недопустимом переходе; мутация только под актором движка.
func Transition(a *models.Arbitrage, to, reason string) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("invalid transition %s → %s for %s", a.State, to, a.Token)
	}
	a.State = to
	if to == models.StateClosing && a.CloseReason == "" {
		a.CloseReason = reason
	}
	return nil
}
