package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

// memBucket is an in-memory BlobWriter and BlobReader.
type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBucket() *memBucket { return &memBucket{objects: make(map[string][]byte)} }

func (b *memBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[path] = raw
	b.mu.Unlock()
	return nil
}

func (b *memBucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *memBucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, raw := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(raw))})
		}
	}
	return out, nil
}

func (b *memBucket) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func TestArchiveDailyPnLRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket()
	audit := memstore.NewAuditStore()
	a := NewArchiver(bucket, bucket, audit)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	n, err := a.ArchiveDailyPnL(ctx, day, []domain.DailyPnL{
		{StrategyID: "s1", Date: day, TotalPnL: 650},
		{StrategyID: "s2", Date: day, TotalPnL: -120.5},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	raw := bucket.objects["archive/daily_pnl/2026/03/2026-03-02.jsonl"]
	require.NotEmpty(t, raw)
	assert.Equal(t, 2, bytes.Count(raw, []byte("\n")))
	assert.Contains(t, string(raw), `"date":"2026-03-02"`)

	totals, err := a.LoadDailyPnL(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"s1": 650, "s2": -120.5}, totals)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.daily_pnl", entries[0].Event)
}

func TestArchiveTradesAndListing(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket()
	a := NewArchiver(bucket, bucket, nil)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	n, err := a.ArchiveTrades(ctx, day, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bucket.objects)

	n, err = a.ArchiveTrades(ctx, day, []domain.Trade{{ID: "t1", Symbol: "INFY", Action: domain.ActionSell, ExitReason: domain.ExitReasonStoploss}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	infos, err := a.ListArchives(ctx, "trades")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "archive/trades/2026/03/2026-03-02.jsonl", infos[0].Path)

	_, err = a.LoadDailyPnL(ctx, day)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
