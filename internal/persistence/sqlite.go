package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/atlas-desktop/fx-signal-engine/pkg/utils"
)

// SQLiteStore is the default, zero-dependency-on-external-services backend.
// Indexed columns support filtering; the full trade record is kept as JSON
// so the schema can absorb new Trade fields without a migration. Quality
// samples and rejections are stored as plain columns only.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a sqlite database at path and
// ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			broker TEXT NOT NULL,
			status TEXT NOT NULL,
			open_time DATETIME NOT NULL,
			final_pnl REAL NOT NULL DEFAULT 0,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades(pair)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE TABLE IF NOT EXISTS quality_samples (
			pair TEXT NOT NULL,
			score REAL NOT NULL,
			status TEXT NOT NULL,
			assessed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quality_pair_time ON quality_samples(pair, assessed_at)`,
		`CREATE TABLE IF NOT EXISTS rejections (
			pair TEXT NOT NULL,
			reason TEXT NOT NULL,
			category TEXT NOT NULL,
			at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_pair_time ON rejections(pair, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *types.Trade) error {
	body, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("persistence: marshal trade: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trades (id, pair, broker, status, open_time, final_pnl, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pair=excluded.pair, broker=excluded.broker, status=excluded.status,
			final_pnl=excluded.final_pnl, body=excluded.body`,
		trade.ID, trade.Pair, string(trade.Broker), string(trade.Status),
		trade.OpenTime, trade.FinalPnL.InexactFloat64(), string(body))
	if err != nil {
		return fmt.Errorf("persistence: save trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTrade(ctx context.Context, trade *types.Trade) error {
	return s.SaveTrade(ctx, trade)
}

func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM trades WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("persistence: trade %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get trade: %w", err)
	}
	var trade types.Trade
	if err := json.Unmarshal([]byte(body), &trade); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal trade: %w", err)
	}
	return &trade, nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, filter TradeFilter) ([]*types.Trade, error) {
	query := `SELECT body FROM trades WHERE 1=1`
	var args []any
	if filter.Pair != "" {
		query += ` AND pair = ?`
		args = append(args, filter.Pair)
	}
	if filter.Broker != "" {
		query += ` AND broker = ?`
		args = append(args, string(filter.Broker))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND open_time >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY open_time DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list trades: %w", err)
	}
	defer rows.Close()

	var out []*types.Trade
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("persistence: scan trade: %w", err)
		}
		var trade types.Trade
		if err := json.Unmarshal([]byte(body), &trade); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal trade: %w", err)
		}
		out = append(out, &trade)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveQualitySample(ctx context.Context, sample QualitySample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quality_samples (pair, score, status, assessed_at) VALUES (?, ?, ?, ?)`,
		sample.Pair, sample.Score, sample.Status, sample.AssessedAt)
	if err != nil {
		return fmt.Errorf("persistence: save quality sample: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListQualityHistory(ctx context.Context, pair string, limit int) ([]QualitySample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, score, status, assessed_at FROM quality_samples
		WHERE pair = ? ORDER BY assessed_at DESC LIMIT ?`, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: list quality history: %w", err)
	}
	defer rows.Close()

	var out []QualitySample
	for rows.Next() {
		var qs QualitySample
		if err := rows.Scan(&qs.Pair, &qs.Score, &qs.Status, &qs.AssessedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan quality sample: %w", err)
		}
		out = append(out, qs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PerformanceBreakdown(ctx context.Context, pair string) (PerformanceBreakdown, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT final_pnl FROM trades WHERE pair = ? AND status = 'closed'`, pair)
	if err != nil {
		return PerformanceBreakdown{}, fmt.Errorf("persistence: performance breakdown: %w", err)
	}
	defer rows.Close()

	pb := PerformanceBreakdown{Pair: pair}
	var pnls []decimal.Decimal
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return PerformanceBreakdown{}, fmt.Errorf("persistence: scan pnl: %w", err)
		}
		pb.TradeCount++
		pb.NetPnL += pnl
		if pnl >= 0 {
			pb.Wins++
			pb.GrossProfit += pnl
		} else {
			pb.Losses++
			pb.GrossLoss += -pnl
		}
		pnls = append(pnls, decimal.NewFromFloat(pnl))
	}
	if err := rows.Err(); err != nil {
		return PerformanceBreakdown{}, err
	}
	if pb.TradeCount > 0 {
		pb.WinRate, _ = utils.CalculateWinRate(pnls).Float64()
		pb.AveragePnL = pb.NetPnL / float64(pb.TradeCount)
	}
	if pb.GrossLoss > 0 {
		pb.ProfitFactor, _ = utils.CalculateProfitFactor(pnls).Float64()
	}
	pb.SharpeRatio, _ = utils.CalculateSharpeRatio(pnls, decimal.Zero, 252).Float64()
	return pb, nil
}

func (s *SQLiteStore) SaveRejection(ctx context.Context, rec RejectionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejections (pair, reason, category, at) VALUES (?, ?, ?, ?)`,
		rec.Pair, rec.Reason, rec.Category, rec.At)
	if err != nil {
		return fmt.Errorf("persistence: save rejection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRejections(ctx context.Context, pair string, limit int) ([]RejectionRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows *sql.Rows
	var err error
	if pair == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT pair, reason, category, at FROM rejections ORDER BY at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT pair, reason, category, at FROM rejections WHERE pair = ? ORDER BY at DESC LIMIT ?`, pair, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: list rejections: %w", err)
	}
	defer rows.Close()

	var out []RejectionRecord
	for rows.Next() {
		var rec RejectionRecord
		if err := rows.Scan(&rec.Pair, &rec.Reason, &rec.Category, &rec.At); err != nil {
			return nil, fmt.Errorf("persistence: scan rejection: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
