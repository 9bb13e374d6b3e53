package engine

import (
	"fundarb/internal/models"
)

// ============================================================
// Book - таблица живых арбитражей + архив закрытых
// ============================================================
//
// Владелец - актор движка, синхронизации нет намеренно: любая
// мутация происходит только в тике. Читатели вне актора получают
// снапшоты через Engine.
//
// Инварианты:
// - не более одного живого арбитража на токен
// - архив не длиннее archiveCap записей на токен (старые вытесняются)

const defaultArchiveCap = 10

type book struct {
	live       map[string]*models.Arbitrage   // token → живой арбитраж
	archive    map[string][]*models.Arbitrage // token → закрытые (новые в конце)
	archiveCap int
}

func newBook() *book {
	return &book{
		live:       make(map[string]*models.Arbitrage),
		archive:    make(map[string][]*models.Arbitrage),
		archiveCap: defaultArchiveCap,
	}
}

// get возвращает живой арбитраж токена
func (b *book) get(token string) (*models.Arbitrage, bool) {
	a, ok := b.live[token]
	return a, ok
}

// insert добавляет живой арбитраж; false если токен уже занят
func (b *book) insert(a *models.Arbitrage) bool {
	if _, exists := b.live[a.Token]; exists {
		return false
	}
	b.live[a.Token] = a
	return true
}

// close переносит арбитраж из живой таблицы в архив
func (b *book) close(token string) {
	a, ok := b.live[token]
	if !ok {
		return
	}
	delete(b.live, token)

	arch := append(b.archive[token], a)
	if len(arch) > b.archiveCap {
		arch = arch[len(arch)-b.archiveCap:]
	}
	b.archive[token] = arch
}

// inState возвращает живые арбитражи в указанном состоянии
func (b *book) inState(state string) []*models.Arbitrage {
	out := make([]*models.Arbitrage, 0)
	for _, a := range b.live {
		if a.State == state {
			out = append(out, a)
		}
	}
	return out
}

// countTouching считает живые арбитражи, задействующие биржу
func (b *book) countTouching(venueName string) int {
	n := 0
	for _, a := range b.live {
		if a.Touches(venueName) {
			n++
		}
	}
	return n
}

// snapshotLive возвращает глубокие копии живых арбитражей
func (b *book) snapshotLive() []*models.Arbitrage {
	out := make([]*models.Arbitrage, 0, len(b.live))
	for _, a := range b.live {
		out = append(out, a.Snapshot())
	}
	return out
}

// snapshotArchive возвращает глубокие копии архива токена
func (b *book) snapshotArchive(token string) []*models.Arbitrage {
	arch := b.archive[token]
	out := make([]*models.Arbitrage, 0, len(arch))
	for _, a := range arch {
		out = append(out, a.Snapshot())
	}
	return out
}

// counts возвращает количества по состояниям
func (b *book) counts() (pending, active, closing int) {
	for _, a := range b.live {
		switch a.State {
		case models.StatePending:
			pending++
		case models.StateActive:
			active++
		case models.StateClosing:
			closing++
		}
	}
	return
}
