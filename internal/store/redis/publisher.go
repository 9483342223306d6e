// Package redis mirrors lifecycle events into a Redis stream for external
// consumers. Writes go through a circuit breaker; while it is open events
// are buffered locally and flushed when Redis recovers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-squareoff/internal/circuit"
	"trading-squareoff/internal/events"
)

const defaultStreamMaxLen = 50000

// Config configures the stream publisher.
type Config struct {
	Addr      string // e.g. "localhost:6379"
	Password  string
	DB        int
	Stream    string // e.g. "squareoff:events"
	MaxLen    int64  // approximate stream trim length
	MaxBuffer int    // buffered events kept while the breaker is open
}

// streamClient is the subset of the Redis client the publisher uses.
type streamClient interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *goredis.XMessageSliceCmd
}

// Publisher writes events to a Redis stream.
type Publisher struct {
	client streamClient
	rdb    *goredis.Client
	stream string
	maxLen int64
	cb     *circuit.Breaker

	mu     sync.Mutex
	buffer []events.Event
	maxBuf int

	// Callbacks (optional, for metrics)
	OnPublish func()
	OnBuffer  func()
	OnFlush   func(count int)
}

// New connects to Redis and returns a publisher guarded by cb.
func New(cfg Config, cb *circuit.Breaker) (*Publisher, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("redis connected", "addr", cfg.Addr, "stream", cfg.Stream)

	p := newPublisher(rdb, cfg, cb)
	p.rdb = rdb
	return p, nil
}

func newPublisher(c streamClient, cfg Config, cb *circuit.Breaker) *Publisher {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultStreamMaxLen
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10000
	}
	if cfg.Stream == "" {
		cfg.Stream = "squareoff:events"
	}
	p := &Publisher{
		client: c,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		cb:     cb,
		maxBuf: cfg.MaxBuffer,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to circuit.State) {
		if prev != nil {
			prev(name, from, to)
		}
		if to == circuit.StateClosed {
			go p.flush(context.Background())
		}
	}
	return p
}

// Client returns the underlying Redis client for health checks. Nil when
// the publisher was built without a real connection.
func (p *Publisher) Client() *goredis.Client { return p.rdb }

// Run writes events from ch until ctx is cancelled or ch is closed.
func (p *Publisher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.Write(ctx, ev)
		}
	}
}

// Write publishes one event. Failures buffer the event instead of losing it.
func (p *Publisher) Write(ctx context.Context, ev events.Event) {
	err := p.cb.Execute(func() error { return p.xadd(ctx, ev) })
	if err == nil {
		if p.OnPublish != nil {
			p.OnPublish()
		}
		return
	}
	if !errors.Is(err, circuit.ErrOpen) {
		slog.Warn("redis event write failed, buffering", "kind", ev.Kind, "err", err)
	}
	p.bufferEvent(ev)
}

func (p *Publisher) xadd(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"kind": string(ev.Kind), "data": data},
	}).Err()
}

func (p *Publisher) bufferEvent(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, ev)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered events in order. Events that fail again stay
// buffered, ahead of anything buffered meanwhile.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	flushed := 0
	for i, ev := range toFlush {
		if err := p.xadd(ctx, ev); err != nil {
			p.mu.Lock()
			p.buffer = append(append([]events.Event(nil), toFlush[i:]...), p.buffer...)
			p.mu.Unlock()
			slog.Warn("redis flush interrupted", "flushed", flushed, "remaining", len(toFlush)-i, "err", err)
			break
		}
		flushed++
	}
	if flushed > 0 {
		slog.Info("redis buffered events flushed", "count", flushed)
		if p.OnFlush != nil {
			p.OnFlush(flushed)
		}
	}
}

// PendingCount returns the number of buffered events.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Recent returns up to n most recent events from the stream, newest first.
func (p *Publisher) Recent(ctx context.Context, n int64) ([]events.Event, error) {
	msgs, err := p.client.XRevRangeN(ctx, p.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrevrange: %w", err)
	}
	out := make([]events.Event, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["data"].(string)
		var ev events.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			slog.Warn("redis event decode failed", "id", m.ID, "err", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	if p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}
