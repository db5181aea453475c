package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// Archiver writes each market day's PnL snapshot and trade journal as JSONL
// objects under archive/<kind>/YYYY/MM/YYYY-MM-DD.jsonl. Reruns for the same
// day overwrite the object.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader // optional, for reads back
	audit  domain.AuditStore // optional
}

// NewArchiver creates an Archiver. reader and audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, reader: reader, audit: audit}
}

type dailyPnLRecord struct {
	StrategyID     string  `json:"strategy_id"`
	Date           string  `json:"date"`
	RealizedPnL    float64 `json:"realized_pnl"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	TotalPnL       float64 `json:"total_pnl"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	CumulativePnL  float64 `json:"cumulative_pnl"`
	PeakPnL        float64 `json:"peak_pnl"`
	Drawdown       float64 `json:"drawdown"`
	DrawdownPct    float64 `json:"drawdown_pct"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

type tradeRecord struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	OrderID     string    `json:"order_id"`
	StrategyID  string    `json:"strategy_id"`
	Symbol      string    `json:"symbol"`
	Exchange    string    `json:"exchange"`
	Action      string    `json:"action"`
	Quantity    int64     `json:"quantity"`
	Price       float64   `json:"price"`
	IsEntry     bool      `json:"is_entry"`
	RealizedPnL float64   `json:"realized_pnl"`
	ExitReason  string    `json:"exit_reason,omitempty"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// ArchiveDailyPnL uploads the day's snapshot records.
func (a *Archiver) ArchiveDailyPnL(ctx context.Context, day time.Time, records []domain.DailyPnL) (int64, error) {
	rows := make([]dailyPnLRecord, len(records))
	for i, r := range records {
		rows[i] = dailyPnLRecord{
			StrategyID:     r.StrategyID,
			Date:           r.Date.Format(time.DateOnly),
			RealizedPnL:    r.RealizedPnL,
			UnrealizedPnL:  r.UnrealizedPnL,
			TotalPnL:       r.TotalPnL,
			TotalTrades:    r.TotalTrades,
			WinningTrades:  r.WinningTrades,
			LosingTrades:   r.LosingTrades,
			GrossProfit:    r.GrossProfit,
			GrossLoss:      r.GrossLoss,
			CumulativePnL:  r.CumulativePnL,
			PeakPnL:        r.PeakPnL,
			Drawdown:       r.Drawdown,
			DrawdownPct:    r.DrawdownPct,
			MaxDrawdown:    r.MaxDrawdown,
			MaxDrawdownPct: r.MaxDrawdownPct,
		}
	}
	return archive(ctx, a, "daily_pnl", day, rows)
}

// ArchiveTrades uploads the day's trade journal.
func (a *Archiver) ArchiveTrades(ctx context.Context, day time.Time, trades []domain.Trade) (int64, error) {
	rows := make([]tradeRecord, len(trades))
	for i, t := range trades {
		rows[i] = tradeRecord{
			ID:          t.ID,
			PositionID:  t.PositionID,
			OrderID:     t.OrderID,
			StrategyID:  t.StrategyID,
			Symbol:      t.Symbol,
			Exchange:    t.Exchange,
			Action:      string(t.Action),
			Quantity:    t.Quantity,
			Price:       t.Price,
			IsEntry:     t.IsEntry,
			RealizedPnL: t.RealizedPnL,
			ExitReason:  string(t.ExitReason),
			ExecutedAt:  t.ExecutedAt.UTC(),
		}
	}
	return archive(ctx, a, "trades", day, rows)
}

// ListArchives returns the archived objects of a kind ("daily_pnl" or
// "trades").
func (a *Archiver) ListArchives(ctx context.Context, kind string) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: archive reader not configured")
	}
	return a.reader.List(ctx, "archive/"+kind+"/")
}

// LoadDailyPnL reads back the strategy ids and totals archived for day.
func (a *Archiver) LoadDailyPnL(ctx context.Context, day time.Time) (map[string]float64, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: archive reader not configured")
	}
	body, err := a.reader.Get(ctx, archivePath("daily_pnl", day))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	out := make(map[string]float64)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var rec dailyPnLRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("s3blob: decode daily pnl line: %w", err)
		}
		out[rec.StrategyID] = rec.TotalPnL
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read daily pnl: %w", err)
	}
	return out, nil
}

func archive[T any](ctx context.Context, a *Archiver, kind string, day time.Time, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, day)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(rows))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":  path,
			"count": count,
			"day":   day.Format(time.DateOnly),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath builds the object key, e.g.
//
//	archive/daily_pnl/2026/03/2026-03-02.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, day.Format("2006/01"), day.Format(time.DateOnly))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
