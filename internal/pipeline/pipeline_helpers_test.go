package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/apitrail/internal/domain"
)

var errCollectorDown = errors.New("collector unavailable")

// fakeDeliverer записывает пачки и позволяет управлять исходом доставки.
type fakeDeliverer struct {
	mu      sync.Mutex
	batches [][]domain.Record

	// outcome возвращает результат для n-го вызова (с нуля). nil — всегда успех.
	outcome func(n int) error
	// release, если задан, держит Send до закрытия/записи в канал.
	release chan struct{}
	// started получает сигнал при входе в Send.
	started chan struct{}
	panicOn int
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{started: make(chan struct{}, 64), panicOn: -1}
}

func (f *fakeDeliverer) Send(ctx context.Context, batch []domain.Record) error {
	f.mu.Lock()
	n := len(f.batches)
	cp := make([]domain.Record, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	release := f.release
	f.mu.Unlock()

	f.started <- struct{}{}

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n == f.panicOn {
		panic("sink exploded")
	}
	if f.outcome != nil {
		return f.outcome(n)
	}
	return nil
}

func (f *fakeDeliverer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeDeliverer) batch(i int) []domain.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func rec(name string) domain.Record {
	return domain.Record{ServiceName: "test", Method: "GET", URL: "/" + name, StatusCode: 200}
}

func recs(names ...string) []domain.Record {
	out := make([]domain.Record, 0, len(names))
	for _, n := range names {
		out = append(out, rec(n))
	}
	return out
}

func names(batch []domain.Record) []string {
	out := make([]string, 0, len(batch))
	for _, r := range batch {
		out = append(out, r.URL[1:])
	}
	return out
}

func equalNames(t *testing.T, got []domain.Record, want ...string) {
	t.Helper()
	g := names(got)
	if len(g) != len(want) {
		t.Fatalf("got %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("got %v, want %v", g, want)
		}
	}
}

func waitStarted(t *testing.T, f *fakeDeliverer) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("deliverer was not called")
	}
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Flushing() {
		if time.Now().After(deadline) {
			t.Fatal("flush state never returned to idle")
		}
		time.Sleep(time.Millisecond)
	}
}
