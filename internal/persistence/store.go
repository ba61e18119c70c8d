// Package persistence is the engine's storage adapter boundary: trade
// history, data-quality metrics, performance breakdown, and rejection audit
// are written and read only through the Store interface here, so the
// schema stays opaque to the core packages. Two SQL backends implement it
// (sqlite.go default, mysql.go opt-in).
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

// RejectionRecord is one persisted non-ENTER decision-gate outcome.
type RejectionRecord struct {
	Pair     string    `json:"pair"`
	Reason   string    `json:"reason"`
	Category string    `json:"category"`
	At       time.Time `json:"at"`
}

// QualitySample is one persisted data-quality score for a pair at a point
// in time, used to reconstruct trend history beyond the in-memory guard.
type QualitySample struct {
	Pair       string    `json:"pair"`
	Score      float64   `json:"score"`
	Status     string    `json:"status"`
	AssessedAt time.Time `json:"assessedAt"`
}

// PerformanceBreakdown is an aggregated rollup over a pair's closed trades.
type PerformanceBreakdown struct {
	Pair         string  `json:"pair"`
	TradeCount   int     `json:"tradeCount"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"winRate"`
	GrossProfit  float64 `json:"grossProfit"`
	GrossLoss    float64 `json:"grossLoss"`
	ProfitFactor float64 `json:"profitFactor"`
	NetPnL       float64 `json:"netPnl"`
	AveragePnL   float64 `json:"averagePnl"`
	SharpeRatio  float64 `json:"sharpeRatio"`
}

// TradeFilter narrows ListTrades; zero values mean "no filter" on that
// field.
type TradeFilter struct {
	Pair   string
	Broker types.Broker
	Status types.TradeStatus
	Since  time.Time
	Limit  int
}

// Store is the persistence boundary every backend implements.
type Store interface {
	// Trade history
	SaveTrade(ctx context.Context, trade *types.Trade) error
	UpdateTrade(ctx context.Context, trade *types.Trade) error
	GetTrade(ctx context.Context, id string) (*types.Trade, error)
	ListTrades(ctx context.Context, filter TradeFilter) ([]*types.Trade, error)

	// Data quality metrics
	SaveQualitySample(ctx context.Context, sample QualitySample) error
	ListQualityHistory(ctx context.Context, pair string, limit int) ([]QualitySample, error)

	// Performance breakdown
	PerformanceBreakdown(ctx context.Context, pair string) (PerformanceBreakdown, error)

	// Rejection audit
	SaveRejection(ctx context.Context, rec RejectionRecord) error
	ListRejections(ctx context.Context, pair string, limit int) ([]RejectionRecord, error)

	Close() error
}

// Open constructs the configured backend from a persistence config
// ("sqlite" default, "mysql" opt-in).
func Open(cfg types.PersistenceConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "./data/fx-signal-engine.db"
		}
		return NewSQLiteStore(path)
	case "mysql":
		if cfg.MySQLDSN == "" {
			return nil, fmt.Errorf("persistence: mysql driver selected but MySQLDSN is empty")
		}
		return NewMySQLStore(cfg.MySQLDSN)
	default:
		return nil, fmt.Errorf("persistence: unknown driver %q", cfg.Driver)
	}
}
