package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/models"
)

// Ошибки репозитория арбитражей
var (
	ErrArbitrageNotFound = errors.New("arbitrage record not found")
)

// ClosedArbitrage - персистентная запись закрытого арбитража
type ClosedArbitrage struct {
	ID            int64           `json:"id"`
	Token         string          `json:"token"`
	Pair          string          `json:"pair"`
	LongVenue     string          `json:"long_venue"`
	ShortVenue    string          `json:"short_venue"`
	NotionalQuote decimal.Decimal `json:"notional_quote"`
	Leverage      decimal.Decimal `json:"leverage"`
	ExecutorsPnl  decimal.Decimal `json:"executors_pnl"`
	FundingPnl    decimal.Decimal `json:"funding_pnl"`
	TotalPnl      decimal.Decimal `json:"total_pnl"`
	CloseReason   string          `json:"close_reason"`
	Demo          bool            `json:"demo"`
	EntryTime     time.Time       `json:"entry_time"`
	CloseTime     time.Time       `json:"close_time"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ArbitrageRepository - работа с таблицей closed_arbitrages
type ArbitrageRepository struct {
	db *sql.DB
}

// NewArbitrageRepository создаёт репозиторий
func NewArbitrageRepository(db *sql.DB) *ArbitrageRepository {
	return &ArbitrageRepository{db: db}
}

// SaveClosed записывает закрытый арбитраж
//
// Денежные поля сериализуются строками: Postgres NUMERIC без потери
// точности decimal.
func (r *ArbitrageRepository) SaveClosed(ctx context.Context, a *models.Arbitrage) (*ClosedArbitrage, error) {
	executors := a.ExecutorsPnl()
	funding := a.FundingPnl()

	rec := &ClosedArbitrage{
		Token:         a.Token,
		Pair:          a.Pair.Symbol(),
		LongVenue:     a.LongVenue,
		ShortVenue:    a.ShortVenue,
		NotionalQuote: a.NotionalQuote,
		Leverage:      a.Leverage,
		ExecutorsPnl:  executors,
		FundingPnl:    funding,
		TotalPnl:      executors.Add(funding),
		CloseReason:   a.CloseReason,
		Demo:          a.Demo,
		EntryTime:     a.EntryTime,
		CreatedAt:     time.Now().UTC(),
	}
	if a.CloseTime != nil {
		rec.CloseTime = *a.CloseTime
	} else {
		rec.CloseTime = rec.CreatedAt
	}

	query := `
		INSERT INTO closed_arbitrages
			(token, pair, long_venue, short_venue, notional_quote, leverage,
			 executors_pnl, funding_pnl, total_pnl, close_reason, demo,
			 entry_time, close_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		rec.Token,
		rec.Pair,
		rec.LongVenue,
		rec.ShortVenue,
		rec.NotionalQuote.String(),
		rec.Leverage.String(),
		rec.ExecutorsPnl.String(),
		rec.FundingPnl.String(),
		rec.TotalPnl.String(),
		rec.CloseReason,
		rec.Demo,
		rec.EntryTime,
		rec.CloseTime,
		rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByToken возвращает последние закрытые арбитражи токена
func (r *ArbitrageRepository) ListByToken(ctx context.Context, token string, limit int) ([]*ClosedArbitrage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, token, pair, long_venue, short_venue, notional_quote, leverage,
		       executors_pnl, funding_pnl, total_pnl, close_reason, demo,
		       entry_time, close_time, created_at
		FROM closed_arbitrages
		WHERE token = $1
		ORDER BY close_time DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClosedArbitrages(rows)
}

// GetByID возвращает запись по идентификатору
func (r *ArbitrageRepository) GetByID(ctx context.Context, id int64) (*ClosedArbitrage, error) {
	query := `
		SELECT id, token, pair, long_venue, short_venue, notional_quote, leverage,
		       executors_pnl, funding_pnl, total_pnl, close_reason, demo,
		       entry_time, close_time, created_at
		FROM closed_arbitrages
		WHERE id = $1`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanClosedArbitrages(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrArbitrageNotFound
	}
	return records[0], nil
}

// TotalPnl возвращает суммарный PnL закрытых арбитражей с момента since
func (r *ArbitrageRepository) TotalPnl(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(total_pnl), 0)
		FROM closed_arbitrages
		WHERE close_time >= $1 AND demo = false`

	var raw string
	if err := r.db.QueryRowContext(ctx, query, since).Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func scanClosedArbitrages(rows *sql.Rows) ([]*ClosedArbitrage, error) {
	var records []*ClosedArbitrage
	for rows.Next() {
		rec := &ClosedArbitrage{}
		var notional, leverage, executors, funding, total string
		err := rows.Scan(
			&rec.ID,
			&rec.Token,
			&rec.Pair,
			&rec.LongVenue,
			&rec.ShortVenue,
			&notional,
			&leverage,
			&executors,
			&funding,
			&total,
			&rec.CloseReason,
			&rec.Demo,
			&rec.EntryTime,
			&rec.CloseTime,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if rec.NotionalQuote, err = decimal.NewFromString(notional); err != nil {
			return nil, err
		}
		if rec.Leverage, err = decimal.NewFromString(leverage); err != nil {
			return nil, err
		}
		if rec.ExecutorsPnl, err = decimal.NewFromString(executors); err != nil {
			return nil, err
		}
		if rec.FundingPnl, err = decimal.NewFromString(funding); err != nil {
			return nil, err
		}
		if rec.TotalPnl, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
