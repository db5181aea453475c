package memstore

import (
	"context"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// Bus is an in-process domain.SignalBus. Channel names containing '*' are
// matched as glob patterns, like Redis PSUBSCRIBE.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan []byte
	streams map[string][][]byte
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][][]byte),
	}
}

// Publish delivers payload to every matching subscriber. Slow subscribers
// drop messages rather than block the publisher.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for pattern, chans := range b.subs {
		if ok, _ := path.Match(pattern, channel); !ok && pattern != channel {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

// Subscribe returns a channel that receives messages until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 256)

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[channel]
		for i, c := range chans {
			if c == ch {
				b.subs[channel] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// StreamAppend records payload on a durable in-memory stream.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

// StreamRead returns up to count entries after lastID. IDs are 1-based
// sequence numbers; "0" or "" reads from the start.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if lastID != "" {
		if n, err := strconv.Atoi(lastID); err == nil {
			start = n
		}
	}
	entries := b.streams[stream]
	var out []domain.StreamMessage
	for i := start; i < len(entries) && (count <= 0 || len(out) < count); i++ {
		out = append(out, domain.StreamMessage{ID: strconv.Itoa(i + 1), Payload: entries[i]})
	}
	return out, nil
}
