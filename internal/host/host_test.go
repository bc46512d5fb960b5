package host

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/transcriber/internal/notify"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
	err     error
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return r.err
}

func (r *recordingNotifier) all() []notify.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notice(nil), r.notices...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLeases_BeginEndAndWaitIdle(t *testing.T) {
	h := New(discardLogger(), &recordingNotifier{}, "Transcriber")

	if err := h.WaitIdle(context.Background()); err != nil {
		t.Fatalf("fresh host should be idle: %v", err)
	}

	a := h.BeginLongRunningWork("a")
	b := h.BeginLongRunningWork("b")
	if a == 0 || a == b {
		t.Fatalf("tokens must be unique and non-zero: %d %d", a, b)
	}
	if h.Active() != 2 {
		t.Fatalf("active = %d", h.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitIdle with held leases err = %v", err)
	}

	h.EndLongRunningWork(a)
	h.EndLongRunningWork(a) // double release is ignored
	if h.Active() != 1 {
		t.Fatalf("active = %d", h.Active())
	}

	done := make(chan error, 1)
	go func() { done <- h.WaitIdle(context.Background()) }()
	h.EndLongRunningWork(b)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitIdle: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("WaitIdle did not return after last release")
	}

	// Idle can be re-entered.
	c := h.BeginLongRunningWork("c")
	if h.Active() != 1 {
		t.Fatalf("active = %d", h.Active())
	}
	h.EndLongRunningWork(c)
	if err := h.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestNotify_SendsInBackground(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("offline")}
	h := New(discardLogger(), rec, "Transcriber")

	d := 12.0
	h.Notify(true, &d)
	h.Notify(false, nil)
	if err := h.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("notices = %d", len(got))
	}
	var ok, failed int
	for _, n := range got {
		if n.Title != "Transcriber" {
			t.Fatalf("title = %q", n.Title)
		}
		if n.Success {
			ok++
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("ok=%d failed=%d", ok, failed)
	}
}
