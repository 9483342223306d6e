package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-squareoff/internal/circuit"
	"trading-squareoff/internal/events"
)

type fakeStream struct {
	mu   sync.Mutex
	down bool
	msgs []goredis.XMessage
}

func (f *fakeStream) XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewStringResult("", errors.New("connection refused"))
	}
	values := a.Values.(map[string]any)
	f.msgs = append(f.msgs, goredis.XMessage{
		ID:     "0-1",
		Values: map[string]any{"kind": values["kind"], "data": string(values["data"].([]byte))},
	})
	return goredis.NewStringResult("0-1", nil)
}

func (f *fakeStream) XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *goredis.XMessageSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []goredis.XMessage
	for i := len(f.msgs) - 1; i >= 0 && int64(len(out)) < count; i-- {
		out = append(out, f.msgs[i])
	}
	return goredis.NewXMessageSliceCmdResult(out, nil)
}

func (f *fakeStream) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type manualTime struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualTime) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualTime) advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

func TestPublisher_WritesAndReadsBack(t *testing.T) {
	fs := &fakeStream{}
	p := newPublisher(fs, Config{Stream: "test"}, circuit.New("redis", 3, time.Second))
	ctx := context.Background()

	p.Write(ctx, events.Event{Kind: events.ExitScheduled, PositionID: "P1"})
	p.Write(ctx, events.Event{Kind: events.ExitCompleted, PositionID: "P1"})

	recent, err := p.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Kind != events.ExitCompleted {
		t.Errorf("expected newest first, got %+v", recent)
	}
}

func TestPublisher_BuffersWhileDownAndFlushesOnRecovery(t *testing.T) {
	fs := &fakeStream{down: true}
	mt := &manualTime{t: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
	cb := circuit.New("redis", 2, 10*time.Second).WithClock(mt.now)

	flushed := make(chan int, 1)
	p := newPublisher(fs, Config{}, cb)
	p.OnFlush = func(n int) { flushed <- n }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		p.Write(ctx, events.Event{Kind: events.OrderPolled})
	}
	if cb.State() != circuit.StateOpen {
		t.Fatalf("expected breaker open, got %v", cb.State())
	}
	if p.PendingCount() != 4 {
		t.Fatalf("expected 4 buffered, got %d", p.PendingCount())
	}

	fs.setDown(false)
	mt.advance(11 * time.Second)
	p.Write(ctx, events.Event{Kind: events.OrderConfirmed})

	select {
	case n := <-flushed:
		if n != 4 {
			t.Errorf("expected 4 flushed, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffer was not flushed")
	}
	if fs.count() != 5 || p.PendingCount() != 0 {
		t.Errorf("expected 5 stream entries and empty buffer, got %d/%d", fs.count(), p.PendingCount())
	}
}

func TestPublisher_BufferDropsOldest(t *testing.T) {
	fs := &fakeStream{down: true}
	p := newPublisher(fs, Config{MaxBuffer: 2}, circuit.New("redis", 100, time.Second))
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		p.Write(ctx, events.Event{Kind: events.OrderPolled, OrderID: id})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) != 2 || p.buffer[0].OrderID != "B" {
		b, _ := json.Marshal(p.buffer)
		t.Errorf("expected [B C], got %s", b)
	}
}
