package utils

import "time"

// Утилиты расчётных календарей funding.
//
// Биржи рассчитывают funding в фиксированные часы UTC
// (стандартно 00:00/08:00/16:00, Hyperliquid - каждый час).
// Все вычисления строго в UTC.

// NextSettlement возвращает ближайший момент расчёта строго после t
//
// hoursUTC - часы расчёта в сутках (отсортированность не требуется,
// дубликаты допустимы). Пустой список - расчётов нет, возвращается
// нулевое время.
func NextSettlement(t time.Time, hoursUTC []int) time.Time {
	if len(hoursUTC) == 0 {
		return time.Time{}
	}

	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	best := time.Time{}
	for _, h := range hoursUTC {
		if h < 0 || h > 23 {
			continue
		}
		slot := day.Add(time.Duration(h) * time.Hour)
		if !slot.After(t) {
			slot = slot.AddDate(0, 0, 1)
		}
		if best.IsZero() || slot.Before(best) {
			best = slot
		}
	}
	return best
}

// PrevSettlement возвращает последний момент расчёта не позже t
func PrevSettlement(t time.Time, hoursUTC []int) time.Time {
	if len(hoursUTC) == 0 {
		return time.Time{}
	}

	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	best := time.Time{}
	for _, h := range hoursUTC {
		if h < 0 || h > 23 {
			continue
		}
		slot := day.Add(time.Duration(h) * time.Hour)
		if slot.After(t) {
			slot = slot.AddDate(0, 0, -1)
		}
		if slot.After(best) {
			best = slot
		}
	}
	return best
}

// TimeToSettlement возвращает время до ближайшего расчёта
func TimeToSettlement(t time.Time, hoursUTC []int) time.Duration {
	next := NextSettlement(t, hoursUTC)
	if next.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return next.Sub(t.UTC())
}

// SinceSettlement возвращает время с последнего расчёта
func SinceSettlement(t time.Time, hoursUTC []int) time.Duration {
	prev := PrevSettlement(t, hoursUTC)
	if prev.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return t.UTC().Sub(prev)
}

// DayStartFrom возвращает начало суток (00:00:00 UTC) для указанного
// времени - граница агрегации дневного PnL
func DayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
