package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"leaguebot/internal/league"
	"leaguebot/internal/storage"
	logx "leaguebot/pkg/logx"
)

type captureSink struct {
	mu    sync.Mutex
	got   []Notification
	ready chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{ready: make(chan struct{}, 64)}
}

func (c *captureSink) Deliver(_ context.Context, n Notification) error {
	c.mu.Lock()
	c.got = append(c.got, n)
	c.mu.Unlock()
	c.ready <- struct{}{}
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *captureSink) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for c.count() < n {
		select {
		case <-deadline:
			t.Fatalf("delivered %d notifications, want %d", c.count(), n)
		case <-c.ready:
		}
	}
}

func note(entryID string) Notification {
	return Notification{
		EntryID: entryID, Tick: 1, Phase: league.PhaseRegular,
		TeamA: "a", TeamB: "b", ScoreA: 100, ScoreB: 90, Winner: "a",
	}
}

func TestPublishDelivers(t *testing.T) {
	t.Parallel()
	sink := newCaptureSink()
	s := New(Config{Enabled: true, RatePerSec: 100}, sink, storage.NewMemory(), logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Publish(context.Background(), note("1:a:b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sink.waitFor(t, 1)
	if sink.got[0].Winner != "a" {
		t.Fatalf("delivered %+v", sink.got[0])
	}
}

func TestPublishSuppressesReplay(t *testing.T) {
	t.Parallel()
	sink := newCaptureSink()
	s := New(Config{Enabled: true, RatePerSec: 100}, sink, storage.NewMemory(), logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx := context.Background()
	if err := s.Publish(ctx, note("1:a:b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sink.waitFor(t, 1)

	// same entry again: the dedup window swallows it
	if err := s.Publish(ctx, note("1:a:b")); err != nil {
		t.Fatalf("replay Publish: %v", err)
	}
	if err := s.Publish(ctx, note("2:c:d")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sink.waitFor(t, 2)

	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 2 {
		t.Fatalf("deliveries = %d, want 2", got)
	}
}

func TestDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()

	first := newCaptureSink()
	s1 := New(Config{Enabled: true, RatePerSec: 100}, first, store, logx.Nop())
	s1.Start(ctx)
	if err := s1.Publish(ctx, note("1:a:b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	first.waitFor(t, 1)
	s1.Stop(ctx)

	// A restarted service shares the persisted window and stays quiet.
	second := newCaptureSink()
	s2 := New(Config{Enabled: true, RatePerSec: 100}, second, store, logx.Nop())
	s2.Start(ctx)
	defer s2.Stop(ctx)

	if err := s2.Publish(ctx, note("1:a:b")); err != nil {
		t.Fatalf("replay Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := second.count(); got != 0 {
		t.Fatalf("replay delivered %d notifications after restart", got)
	}
}

func TestPublishDisabledIsNoop(t *testing.T) {
	t.Parallel()
	sink := newCaptureSink()
	s := New(Config{Enabled: false}, sink, storage.NewMemory(), logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Publish(context.Background(), note("1:a:b")); err != nil {
		t.Fatalf("Publish on disabled notifier: %v", err)
	}
	if sink.count() != 0 {
		t.Fatal("disabled notifier delivered")
	}
}

func TestPublishQueueFull(t *testing.T) {
	t.Parallel()
	// one queue slot and a blocked sink: the second publish must not block
	block := make(chan struct{})
	defer close(block)
	blocked := SinkFunc(func(context.Context, Notification) error {
		<-block
		return nil
	})
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1, RatePerSec: 100}, blocked, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx := context.Background()
	// fill the worker plus the queue slot
	_ = s.Publish(ctx, note("1:a:b"))
	_ = s.Publish(ctx, note("2:c:d"))

	err := s.Publish(ctx, note("3:e:f"))
	for i := 0; err == nil && i < 10; i++ {
		// the worker may still be draining the first item; keep pushing
		time.Sleep(10 * time.Millisecond)
		err = s.Publish(ctx, note("3:e:f"))
	}
	if err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}
