package generation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inkframe/backend/pkg/logger"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(3, 10, logger.NewNop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var ran atomic.Int32
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		if err := p.TrySubmit(func(context.Context) {
			ran.Add(1)
			done <- struct{}{}
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d", i)
		}
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := ran.Load(); got != 10 {
		t.Fatalf("expected 10 tasks to run, got %d", got)
	}
	if err := p.TrySubmit(func(context.Context) {}); err == nil {
		t.Fatalf("expected submit on stopped pool to fail")
	}
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1, logger.NewNop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.TrySubmit(func(context.Context) {
		close(started)
		<-release
	})
	<-started

	if err := p.TrySubmit(func(context.Context) {}); err != nil {
		t.Fatalf("queue slot should be free: %v", err)
	}
	if !p.Saturated() {
		t.Fatalf("expected pool to report saturation")
	}
	if err := p.TrySubmit(func(context.Context) {}); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(release)
	_ = p.Stop(context.Background())
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool(1, 4, logger.NewNop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	_ = p.TrySubmit(func(context.Context) { panic("boom") })
	done := make(chan struct{})
	_ = p.TrySubmit(func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive panic")
	}
}

func TestPoolStopCancelsInFlightOnDeadline(t *testing.T) {
	p := NewPool(1, 1, logger.NewNop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := make(chan struct{})
	canceled := make(chan struct{})
	_ = p.TrySubmit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}
	select {
	case <-canceled:
	default:
		t.Fatalf("in-flight task was not cancelled")
	}
}
