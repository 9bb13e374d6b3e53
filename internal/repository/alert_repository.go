package repository

import (
	"context"
	"database/sql"
	"time"

	"fundarb/internal/alert"
)

// AlertRepository - журнал алертов в таблице alert_journal
//
// Персистентный след операторских событий: дашборд показывает
// последние алерты после перезапуска процесса.
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository создаёт репозиторий
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// JournalEntry - строка журнала
type JournalEntry struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Token     string    `json:"token,omitempty"`
	Venue     string    `json:"venue,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Save записывает алерт в журнал
func (r *AlertRepository) Save(ctx context.Context, a alert.Alert) error {
	query := `
		INSERT INTO alert_journal (type, severity, token, venue, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		a.Type,
		string(a.Severity),
		a.Token,
		a.Venue,
		a.Message,
		a.Time,
	)
	return err
}

// Recent возвращает последние записи журнала
func (r *AlertRepository) Recent(ctx context.Context, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, type, severity, token, venue, message, created_at
		FROM alert_journal
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		entry := &JournalEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Type,
			&entry.Severity,
			&entry.Token,
			&entry.Venue,
			&entry.Message,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Purge удаляет записи старше указанного возраста
func (r *AlertRepository) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM alert_journal WHERE created_at < $1`
	res, err := r.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DBSink адаптирует журнал под alert.Sink
type DBSink struct {
	repo *AlertRepository
}

// NewDBSink создаёт сток алертов поверх журнала
func NewDBSink(repo *AlertRepository) *DBSink { return &DBSink{repo: repo} }

func (s *DBSink) Name() string { return "db" }

// Send реализует alert.Sink
func (s *DBSink) Send(ctx context.Context, a alert.Alert) error {
	return s.repo.Save(ctx, a)
}
