package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

type staticPositions []domain.Position

func (p staticPositions) Positions() []domain.Position { return p }

type recordingArchiver struct {
	records []domain.DailyPnL
	trades  []domain.Trade
}

func (a *recordingArchiver) ArchiveDailyPnL(_ context.Context, _ time.Time, recs []domain.DailyPnL) (int64, error) {
	a.records = append(a.records, recs...)
	return int64(len(recs)), nil
}

func (a *recordingArchiver) ArchiveTrades(_ context.Context, _ time.Time, trades []domain.Trade) (int64, error) {
	a.trades = append(a.trades, trades...)
	return int64(len(trades)), nil
}

func TestBuildDailyPnL(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	trades := []domain.Trade{
		{IsEntry: true, Price: 100},
		{RealizedPnL: 300},
		{RealizedPnL: -100},
		{RealizedPnL: 0},
	}

	t.Run("first day", func(t *testing.T) {
		rec := BuildDailyPnL("s1", day, trades, decimal.NewFromInt(50), domain.DailyPnL{})
		assert.Equal(t, 200.0, rec.RealizedPnL)
		assert.Equal(t, 50.0, rec.UnrealizedPnL)
		assert.Equal(t, 250.0, rec.TotalPnL)
		assert.Equal(t, 3, rec.TotalTrades)
		assert.Equal(t, 1, rec.WinningTrades)
		assert.Equal(t, 1, rec.LosingTrades)
		assert.Equal(t, 300.0, rec.GrossProfit)
		assert.Equal(t, 100.0, rec.GrossLoss)
		assert.Equal(t, 250.0, rec.CumulativePnL)
		assert.Equal(t, 250.0, rec.PeakPnL)
		assert.Zero(t, rec.Drawdown)
	})

	t.Run("chained drawdown", func(t *testing.T) {
		prev := domain.DailyPnL{CumulativePnL: 1000, PeakPnL: 1200, MaxDrawdown: 200, MaxDrawdownPct: 16.6667}
		losing := []domain.Trade{{RealizedPnL: -400}}
		rec := BuildDailyPnL("s1", day, losing, decimal.Zero, prev)
		assert.Equal(t, 600.0, rec.CumulativePnL)
		assert.Equal(t, 1200.0, rec.PeakPnL)
		assert.Equal(t, 600.0, rec.Drawdown)
		assert.Equal(t, 50.0, rec.DrawdownPct)
		assert.Equal(t, 600.0, rec.MaxDrawdown)
		assert.Equal(t, 50.0, rec.MaxDrawdownPct)
	})

	t.Run("recovery keeps max drawdown", func(t *testing.T) {
		prev := domain.DailyPnL{CumulativePnL: 600, PeakPnL: 1200, MaxDrawdown: 600, MaxDrawdownPct: 50}
		rec := BuildDailyPnL("s1", day, []domain.Trade{{RealizedPnL: 900}}, decimal.Zero, prev)
		assert.Equal(t, 1500.0, rec.CumulativePnL)
		assert.Equal(t, 1500.0, rec.PeakPnL)
		assert.Zero(t, rec.Drawdown)
		assert.Equal(t, 600.0, rec.MaxDrawdown)
	})
}

func TestPnLService_SnapshotChainsFromPreviousDay(t *testing.T) {
	ctx := context.Background()
	loc := time.UTC
	strategies := memstore.NewStrategyStore()
	trades := memstore.NewTradeStore()
	daily := memstore.NewDailyPnLStore()
	require.NoError(t, strategies.Upsert(ctx, domain.Strategy{ID: "s1", Active: true}))

	yesterday := time.Date(2026, 3, 1, 0, 0, 0, 0, loc)
	require.NoError(t, daily.Upsert(ctx, domain.DailyPnL{StrategyID: "s1", Date: yesterday, CumulativePnL: 500, PeakPnL: 500}))

	today := time.Date(2026, 3, 2, 15, 35, 0, 0, loc)
	require.NoError(t, trades.Insert(ctx, domain.Trade{StrategyID: "s1", RealizedPnL: 120, ExecutedAt: today.Add(-time.Hour)}))
	require.NoError(t, trades.Insert(ctx, domain.Trade{StrategyID: "s1", RealizedPnL: 999, ExecutedAt: yesterday.Add(10 * time.Hour)}))

	archiver := &recordingArchiver{}
	svc := NewPnLService(strategies, trades, daily,
		staticPositions{{StrategyID: "s1", UnrealizedPnL: 30}}, loc, discardLogger()).WithArchiver(archiver)

	recs, err := svc.Snapshot(ctx, today)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 120.0, recs[0].RealizedPnL)
	assert.Equal(t, 150.0, recs[0].TotalPnL)
	assert.Equal(t, 650.0, recs[0].CumulativePnL)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, loc), recs[0].Date)

	// rerunning the same day replaces the record rather than chaining twice
	recs, err = svc.Snapshot(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 650.0, recs[0].CumulativePnL)

	history, err := svc.History(ctx, "s1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	assert.Len(t, archiver.records, 2)
	assert.Len(t, archiver.trades, 2)
}
