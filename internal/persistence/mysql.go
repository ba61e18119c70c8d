package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/atlas-desktop/fx-signal-engine/pkg/utils"
)

// MySQLStore is the opt-in backend for deployments that already run a MySQL
// fleet and want trade history alongside it rather than a standalone sqlite
// file. Schema mirrors SQLiteStore's: indexed columns plus a JSON body.
type MySQLStore struct {
	db *gorm.DB
}

type tradeRow struct {
	ID       string `gorm:"primaryKey;size:64"`
	Pair     string `gorm:"index;size:32"`
	Broker   string `gorm:"index;size:16"`
	Status   string `gorm:"index;size:16"`
	OpenTime time.Time
	FinalPnL float64
	Body     string `gorm:"type:text"`
}

func (tradeRow) TableName() string { return "trades" }

type qualitySampleRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Pair       string `gorm:"index:idx_quality_pair_time;size:32"`
	Score      float64
	Status     string    `gorm:"size:16"`
	AssessedAt time.Time `gorm:"index:idx_quality_pair_time"`
}

func (qualitySampleRow) TableName() string { return "quality_samples" }

type rejectionRow struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	Pair     string    `gorm:"index:idx_rejection_pair_time;size:32"`
	Reason   string    `gorm:"size:128"`
	Category string    `gorm:"size:64"`
	At       time.Time `gorm:"index:idx_rejection_pair_time"`
}

func (rejectionRow) TableName() string { return "rejections" }

// NewMySQLStore opens a MySQL connection via dsn and migrates the schema,
// retrying with backoff since the fleet isn't always reachable on the first
// attempt right after a deploy.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := utils.Retry(utils.DefaultRetryConfig(), func() (*gorm.DB, error) {
		return gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: open mysql: %w", err)
	}
	if err := db.AutoMigrate(&tradeRow{}, &qualitySampleRow{}, &rejectionRow{}); err != nil {
		return nil, fmt.Errorf("persistence: migrate mysql: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) SaveTrade(ctx context.Context, trade *types.Trade) error {
	body, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("persistence: marshal trade: %w", err)
	}
	row := tradeRow{
		ID: trade.ID, Pair: trade.Pair, Broker: string(trade.Broker),
		Status: string(trade.Status), OpenTime: trade.OpenTime,
		FinalPnL: trade.FinalPnL.InexactFloat64(), Body: string(body),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *MySQLStore) UpdateTrade(ctx context.Context, trade *types.Trade) error {
	return s.SaveTrade(ctx, trade)
}

func (s *MySQLStore) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	var row tradeRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("persistence: get trade: %w", err)
	}
	var trade types.Trade
	if err := json.Unmarshal([]byte(row.Body), &trade); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal trade: %w", err)
	}
	return &trade, nil
}

func (s *MySQLStore) ListTrades(ctx context.Context, filter TradeFilter) ([]*types.Trade, error) {
	q := s.db.WithContext(ctx).Model(&tradeRow{})
	if filter.Pair != "" {
		q = q.Where("pair = ?", filter.Pair)
	}
	if filter.Broker != "" {
		q = q.Where("broker = ?", string(filter.Broker))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		q = q.Where("open_time >= ?", filter.Since)
	}
	q = q.Order("open_time DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []tradeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("persistence: list trades: %w", err)
	}
	out := make([]*types.Trade, 0, len(rows))
	for _, row := range rows {
		var trade types.Trade
		if err := json.Unmarshal([]byte(row.Body), &trade); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal trade: %w", err)
		}
		out = append(out, &trade)
	}
	return out, nil
}

func (s *MySQLStore) SaveQualitySample(ctx context.Context, sample QualitySample) error {
	row := qualitySampleRow{Pair: sample.Pair, Score: sample.Score, Status: sample.Status, AssessedAt: sample.AssessedAt}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *MySQLStore) ListQualityHistory(ctx context.Context, pair string, limit int) ([]QualitySample, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []qualitySampleRow
	if err := s.db.WithContext(ctx).Where("pair = ?", pair).
		Order("assessed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("persistence: list quality history: %w", err)
	}
	out := make([]QualitySample, 0, len(rows))
	for _, row := range rows {
		out = append(out, QualitySample{Pair: row.Pair, Score: row.Score, Status: row.Status, AssessedAt: row.AssessedAt})
	}
	return out, nil
}

func (s *MySQLStore) PerformanceBreakdown(ctx context.Context, pair string) (PerformanceBreakdown, error) {
	var rows []tradeRow
	if err := s.db.WithContext(ctx).Where("pair = ? AND status = ?", pair, string(types.TradeStatusClosed)).Find(&rows).Error; err != nil {
		return PerformanceBreakdown{}, fmt.Errorf("persistence: performance breakdown: %w", err)
	}
	pb := PerformanceBreakdown{Pair: pair}
	pnls := make([]decimal.Decimal, 0, len(rows))
	for _, row := range rows {
		pb.TradeCount++
		pb.NetPnL += row.FinalPnL
		if row.FinalPnL >= 0 {
			pb.Wins++
			pb.GrossProfit += row.FinalPnL
		} else {
			pb.Losses++
			pb.GrossLoss += -row.FinalPnL
		}
		pnls = append(pnls, decimal.NewFromFloat(row.FinalPnL))
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

func (s *MySQLStore) SaveRejection(ctx context.Context, rec RejectionRecord) error {
	row := rejectionRow{Pair: rec.Pair, Reason: rec.Reason, Category: rec.Category, At: rec.At}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *MySQLStore) ListRejections(ctx context.Context, pair string, limit int) ([]RejectionRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	q := s.db.WithContext(ctx).Model(&rejectionRow{})
	if pair != "" {
		q = q.Where("pair = ?", pair)
	}
	var rows []rejectionRow
	if err := q.Order("at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("persistence: list rejections: %w", err)
	}
	out := make([]RejectionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, RejectionRecord{Pair: row.Pair, Reason: row.Reason, Category: row.Category, At: row.At})
	}
	return out, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
