package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreSaveAndGetTrade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := &types.Trade{
		ID:         "t1",
		Pair:       "EURUSD",
		Direction:  types.DirectionBuy,
		EntryPrice: decimal.NewFromFloat(1.10),
		Status:     types.TradeStatusOpen,
		OpenTime:   time.Now(),
	}
	require.NoError(t, s.SaveTrade(ctx, trade))

	got, err := s.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, trade.Pair, got.Pair)
	assert.Equal(t, types.TradeStatusOpen, got.Status)
}

func TestSQLiteStoreUpdateTradeOnClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := &types.Trade{ID: "t2", Pair: "GBPUSD", Status: types.TradeStatusOpen, OpenTime: time.Now()}
	require.NoError(t, s.SaveTrade(ctx, trade))

	trade.Status = types.TradeStatusClosed
	trade.FinalPnL = decimal.NewFromFloat(42.5)
	require.NoError(t, s.UpdateTrade(ctx, trade))

	got, err := s.GetTrade(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusClosed, got.Status)
	assert.True(t, got.FinalPnL.Equal(decimal.NewFromFloat(42.5)))
}

func TestSQLiteStoreListTradesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTrade(ctx, &types.Trade{ID: "a", Pair: "EURUSD", Status: types.TradeStatusOpen, OpenTime: time.Now()}))
	require.NoError(t, s.SaveTrade(ctx, &types.Trade{ID: "b", Pair: "USDJPY", Status: types.TradeStatusClosed, OpenTime: time.Now()}))

	open, err := s.ListTrades(ctx, TradeFilter{Status: types.TradeStatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].ID)

	eur, err := s.ListTrades(ctx, TradeFilter{Pair: "EURUSD"})
	require.NoError(t, err)
	require.Len(t, eur, 1)
}

func TestSQLiteStorePerformanceBreakdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTrade(ctx, &types.Trade{
		ID: "w1", Pair: "EURUSD", Status: types.TradeStatusClosed,
		OpenTime: time.Now(), FinalPnL: decimal.NewFromFloat(100),
	}))
	require.NoError(t, s.SaveTrade(ctx, &types.Trade{
		ID: "l1", Pair: "EURUSD", Status: types.TradeStatusClosed,
		OpenTime: time.Now(), FinalPnL: decimal.NewFromFloat(-40),
	}))

	pb, err := s.PerformanceBreakdown(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 2, pb.TradeCount)
	assert.Equal(t, 1, pb.Wins)
	assert.Equal(t, 1, pb.Losses)
	assert.InDelta(t, 60.0, pb.NetPnL, 0.001)
	assert.InDelta(t, 2.5, pb.ProfitFactor, 0.001)
}

func TestSQLiteStoreRejectionAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRejection(ctx, RejectionRecord{Pair: "EURUSD", Reason: "spread too wide", Category: "liquidity", At: time.Now()}))
	require.NoError(t, s.SaveRejection(ctx, RejectionRecord{Pair: "EURUSD", Reason: "news blackout", Category: "news", At: time.Now()}))

	recs, err := s.ListRejections(ctx, "EURUSD", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSQLiteStoreQualityHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveQualitySample(ctx, QualitySample{Pair: "EURUSD", Score: 90, Status: "healthy", AssessedAt: time.Now()}))
	hist, err := s.ListQualityHistory(ctx, "EURUSD", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 90.0, hist[0].Score)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(types.PersistenceConfig{Driver: "postgres"})
	assert.Error(t, err)
}

func TestOpenSQLiteConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "db.sqlite")
	store, err := Open(types.PersistenceConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		// modernc.org/sqlite cannot create the parent dir itself.
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		store, err = Open(types.PersistenceConfig{Driver: "sqlite", SQLitePath: path})
	}
	require.NoError(t, err)
	defer store.Close()
}
