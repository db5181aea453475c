package executor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/algobot/internal/domain"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDedup(window time.Duration) (*WebhookDedup, *manualClock) {
	clk := &manualClock{t: time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)}
	d := NewWebhookDedup(window)
	d.now = clk.now
	return d, clk
}

func TestWebhookDedup_WithinWindow(t *testing.T) {
	d, clk := newTestDedup(5 * time.Second)

	first := d.IsDuplicate("s1", "INFY", domain.ActionBuy)
	clk.advance(2 * time.Second)
	second := d.IsDuplicate("s1", "INFY", domain.ActionBuy)

	assert.Equal(t, []bool{false, true}, []bool{first, second})
}

func TestWebhookDedup_BeyondWindow(t *testing.T) {
	d, clk := newTestDedup(5 * time.Second)

	first := d.IsDuplicate("s1", "INFY", domain.ActionBuy)
	clk.advance(6 * time.Second)
	second := d.IsDuplicate("s1", "INFY", domain.ActionBuy)

	assert.Equal(t, []bool{false, false}, []bool{first, second})
}

func TestWebhookDedup_DuplicateDoesNotRefresh(t *testing.T) {
	d, clk := newTestDedup(5 * time.Second)

	assert.False(t, d.IsDuplicate("s1", "INFY", domain.ActionBuy))
	clk.advance(4 * time.Second)
	assert.True(t, d.IsDuplicate("s1", "INFY", domain.ActionBuy))
	clk.advance(2 * time.Second) // 6s after the first, 2s after the duplicate
	assert.False(t, d.IsDuplicate("s1", "INFY", domain.ActionBuy))
}

func TestWebhookDedup_KeyComponents(t *testing.T) {
	d, _ := newTestDedup(5 * time.Second)

	assert.False(t, d.IsDuplicate("s1", "INFY", domain.ActionBuy))
	assert.False(t, d.IsDuplicate("s1", "INFY", domain.ActionSell))
	assert.False(t, d.IsDuplicate("s2", "INFY", domain.ActionBuy))
	assert.False(t, d.IsDuplicate("s1", "TCS", domain.ActionBuy))
}

func TestWebhookDedup_SweepAboveThreshold(t *testing.T) {
	d, clk := newTestDedup(time.Second)

	for i := 0; i < dedupSweepThreshold; i++ {
		d.IsDuplicate("s1", fmt.Sprintf("SYM%d", i), domain.ActionBuy)
	}
	clk.advance(3 * time.Second)
	d.IsDuplicate("s1", "FRESH", domain.ActionBuy)

	assert.Equal(t, 1, d.Len())
}

func TestWebhookDedup_Cleanup(t *testing.T) {
	d, clk := newTestDedup(time.Second)
	d.IsDuplicate("s1", "INFY", domain.ActionBuy)
	clk.advance(1500 * time.Millisecond)
	d.Cleanup()
	assert.Equal(t, 1, d.Len(), "entries within 2x window survive")
	clk.advance(time.Second)
	d.Cleanup()
	assert.Equal(t, 0, d.Len())
}
