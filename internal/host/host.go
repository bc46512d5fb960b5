package host

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/transcriber/internal/coordinator"
	"github.com/jo-hoe/transcriber/internal/notify"
)

var _ coordinator.Host = (*Host)(nil)

type lease struct {
	name  string
	since time.Time
}

// Host keeps the process alive while jobs hold leases and sends notices in the background.
type Host struct {
	log           *slog.Logger
	notifier      notify.Notifier
	title         string
	notifyTimeout time.Duration
	now           func() time.Time

	mu     sync.Mutex
	next   coordinator.LeaseToken
	leases map[coordinator.LeaseToken]lease
	idle   chan struct{} // closed while no lease is held

	sending sync.WaitGroup
}

// New builds a Host. title heads every notice.
func New(logger *slog.Logger, notifier notify.Notifier, title string) *Host {
	idle := make(chan struct{})
	close(idle)
	return &Host{
		log:           logger,
		notifier:      notifier,
		title:         title,
		notifyTimeout: 30 * time.Second,
		now:           func() time.Time { return time.Now().UTC() },
		leases:        make(map[coordinator.LeaseToken]lease),
		idle:          idle,
	}
}

// BeginLongRunningWork registers a lease. Tokens are never zero.
func (h *Host) BeginLongRunningWork(name string) coordinator.LeaseToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	token := h.next
	if len(h.leases) == 0 {
		h.idle = make(chan struct{})
	}
	h.leases[token] = lease{name: name, since: h.now()}
	h.log.Debug("lease acquired", "lease", token, "name", name)
	return token
}

// EndLongRunningWork releases a lease. Unknown or already released tokens are ignored.
func (h *Host) EndLongRunningWork(token coordinator.LeaseToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.leases[token]
	if !ok {
		h.log.Warn("release of unknown lease", "lease", token)
		return
	}
	delete(h.leases, token)
	h.log.Debug("lease released", "lease", token, "name", l.name, "held", h.now().Sub(l.since))
	if len(h.leases) == 0 {
		close(h.idle)
	}
}

// Active is the number of leases currently held.
func (h *Host) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.leases)
}

// WaitIdle blocks until no lease is held or ctx ends.
func (h *Host) WaitIdle(ctx context.Context) error {
	h.mu.Lock()
	idle := h.idle
	h.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a completion notice without blocking the caller.
func (h *Host) Notify(success bool, durationSeconds *float64) {
	n := notify.NewNotice(h.title, success, durationSeconds, h.now())
	h.sending.Add(1)
	go func() {
		defer h.sending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.notifyTimeout)
		defer cancel()
		if err := h.notifier.Send(ctx, n); err != nil {
			h.log.Warn("notification failed", "err", err)
		}
	}()
}

// Flush waits for in-flight notices until ctx ends.
func (h *Host) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sending.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
