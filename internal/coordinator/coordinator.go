package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/transcriber/internal/backend"
	"github.com/jo-hoe/transcriber/internal/common"
	"github.com/jo-hoe/transcriber/internal/jobs"
	"github.com/jo-hoe/transcriber/internal/media"
	"github.com/jo-hoe/transcriber/internal/util"
)

var (
	ErrInvalidSource     = errors.New("invalid source")
	ErrJobInProgress     = errors.New("another transcription is in progress")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobFinished       = errors.New("job already finished")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Detail strings set on jobs that end without a backend message.
const (
	DetailCancelled       = backend.MsgCancelled
	DetailNoSpeech        = "No speech was detected in this audio."
	DetailPartial         = "Some of the audio couldn't be transcribed."
	DetailInvalidTimeline = "The server returned a transcript we couldn't read."
	DetailNotQueued       = "Couldn't start right now. Try again in a moment."
)

// subscriberBuffer holds every transition a job can emit, so fan-out never blocks.
const subscriberBuffer = 8

// LeaseToken identifies one long-running-work lease.
type LeaseToken uint64

// Host is the process host: it keeps work alive while a job runs and delivers completion notices.
type Host interface {
	BeginLongRunningWork(name string) LeaseToken
	EndLongRunningWork(token LeaseToken)
	Notify(success bool, durationSeconds *float64)
}

// RecordSaver persists finished transcripts.
type RecordSaver interface {
	Save(rec jobs.Record) error
}

// Options wires the coordinator's collaborators.
type Options struct {
	Backend         backend.Client
	Media           media.Adapter
	Store           RecordSaver
	Journal         jobs.Journal // optional
	Host            Host         // optional
	DefaultLanguage string
	QueueCapacity   int
	HistorySize     int
	Now             func() time.Time
}

type entry struct {
	job       jobs.Job
	history   []jobs.Transition
	subs      map[int]chan jobs.Transition
	done      chan struct{}
	settled   bool
	cancel    context.CancelFunc
	lease     LeaseToken
	leaseHeld bool
	cancelled bool
	log       *slog.Logger
}

// Coordinator runs at most one transcription job at a time through the lifecycle state machine.
type Coordinator struct {
	log         *slog.Logger
	backend     backend.Client
	media       media.Adapter
	store       RecordSaver
	journal     jobs.Journal
	host        Host
	defaultLang string
	historySize int
	now         func() time.Time
	queue       *jobs.Queue
	stat        func(string) (os.FileInfo, error)

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	activeID string
	nextSub  int
}

// New builds a coordinator. Call Start before StartJob.
func New(logger *slog.Logger, opts Options) *Coordinator {
	c := &Coordinator{
		log:         logger,
		backend:     opts.Backend,
		media:       opts.Media,
		store:       opts.Store,
		journal:     opts.Journal,
		host:        opts.Host,
		defaultLang: strings.TrimSpace(opts.DefaultLanguage),
		historySize: opts.HistorySize,
		now:         opts.Now,
		stat:        os.Stat,
		entries:     make(map[string]*entry),
	}
	if c.host == nil {
		c.host = noopHost{}
	}
	if c.defaultLang == "" {
		c.defaultLang = common.DefaultLanguage
	}
	if c.historySize <= 0 {
		c.historySize = common.DefaultHistorySize
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	// One worker: jobs never run concurrently.
	c.queue = jobs.NewQueue(logger, opts.QueueCapacity, 1)
	return c
}

// Start launches the job worker.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.queue.Start(ctx, &runner{c: c})
}

// Shutdown stops the worker and cancels the job in flight. Jobs the worker never
// reached are failed as cancelled so their leases are released.
func (c *Coordinator) Shutdown(deadline time.Duration) {
	c.queue.Shutdown(deadline)

	c.mu.Lock()
	var pending []string
	for id, e := range c.entries {
		if !e.job.State.IsTerminal() {
			pending = append(pending, id)
		}
	}
	c.mu.Unlock()
	for _, id := range pending {
		if err := c.Cancel(id); err != nil {
			c.log.Warn("cancel on shutdown failed", "job_id", id, "err", err)
		}
	}
}

// StartJob validates src and begins a job in preparing.
// On error, ownership of src.Release stays with the caller.
func (c *Coordinator) StartJob(src jobs.Source, language string) (string, error) {
	if err := c.validateSource(src); err != nil {
		return "", err
	}
	lang := strings.TrimSpace(language)
	if lang == "" {
		lang = c.defaultLang
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[c.activeID]; ok && cur.job.State.IsActive() {
		return "", fmt.Errorf("%w: %s", ErrJobInProgress, c.activeID)
	}

	now := c.now()
	job := jobs.Job{
		ID:          util.NewID(),
		CreatedAt:   now,
		UpdatedAt:   now,
		SourceKind:  src.Kind,
		LanguageTag: lang,
		State:       jobs.StatePreparing,
	}
	if d := strings.TrimSpace(src.Descriptor); d != "" {
		job.SourceDescriptor = &d
	}
	if src.Kind == jobs.SourceRemoteURL {
		job.Platform = jobs.DetectPlatform(src.Descriptor)
	}

	e := &entry{
		job:  job,
		subs: make(map[int]chan jobs.Transition),
		done: make(chan struct{}),
		log:  c.log.With("job_id", job.ID),
		history: []jobs.Transition{{
			JobID: job.ID,
			Seq:   1,
			From:  jobs.StateIdle,
			To:    jobs.StatePreparing,
			At:    now,
		}},
	}

	if c.journal != nil {
		if err := c.journal.CreateJob(&job); err != nil {
			e.log.Warn("journal create failed", "err", err)
		}
	}
	if err := c.queue.Enqueue(jobs.WorkItem{Job: job.Clone(), Source: src, Cleanup: src.Release}); err != nil {
		if c.journal != nil {
			if jerr := c.journal.Finish(job.ID, jobs.Outcome{State: jobs.StateFailed, ErrorDetail: DetailNotQueued, CompletedAt: c.now()}); jerr != nil {
				e.log.Warn("journal finish failed", "err", jerr)
			}
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	e.lease = c.host.BeginLongRunningWork("transcription " + job.ID)
	e.leaseHeld = true
	c.entries[job.ID] = e
	c.order = append(c.order, job.ID)
	c.activeID = job.ID
	c.pruneLocked()

	e.log.Info("job started", "source_kind", job.SourceKind, "language", lang, "platform", job.Platform)
	return job.ID, nil
}

func (c *Coordinator) validateSource(src jobs.Source) error {
	switch src.Kind {
	case jobs.SourceRemoteURL:
		raw := strings.TrimSpace(src.Descriptor)
		if raw == "" {
			return fmt.Errorf("%w: url is empty", ErrInvalidSource)
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidSource, raw)
		}
		return nil
	case jobs.SourceImportedFile, jobs.SourceMicrophone:
		if strings.TrimSpace(src.Path) == "" {
			return fmt.Errorf("%w: media path is empty", ErrInvalidSource)
		}
		info, err := c.stat(src.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: media path is a directory", ErrInvalidSource)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidSource, src.Kind)
	}
}

// pruneLocked drops the oldest settled jobs beyond the history size.
func (c *Coordinator) pruneLocked() {
	excess := len(c.order) - c.historySize
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		e := c.entries[id]
		if excess > 0 && id != c.activeID && e.settled {
			delete(c.entries, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

// Cancel fails a running job with "cancelled" and aborts its network I/O.
// Cancelling a finished job is a no-op.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return ErrJobNotFound
	}
	if e.job.State.IsTerminal() {
		c.mu.Unlock()
		return nil
	}
	e.cancelled = true
	s, err := c.finishLocked(e, jobs.StateFailed, DetailCancelled, nil)
	if e.cancel != nil {
		e.cancel()
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	e.log.Info("job cancelled")
	c.settle(e, s)
	return nil
}

// Observe replays every transition of the job so far and then streams live ones.
// The channel closes once the job is terminal and its side effects have settled, or when ctx ends.
func (c *Coordinator) Observe(ctx context.Context, id string) (<-chan jobs.Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	ch := make(chan jobs.Transition, subscriberBuffer)
	for _, t := range e.history {
		ch <- t
	}
	if e.settled {
		close(ch)
		return ch, nil
	}
	c.nextSub++
	key := c.nextSub
	e.subs[key] = ch
	go func() {
		select {
		case <-ctx.Done():
		case <-e.done:
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := e.subs[key]; ok {
			delete(e.subs, key)
			close(sub)
		}
	}()
	return ch, nil
}

// Job returns a snapshot of a known job.
func (c *Coordinator) Job(id string) (jobs.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return jobs.Job{}, false
	}
	return e.job.Clone(), true
}

// Current returns the most recently started job, finished or not.
func (c *Coordinator) Current() (jobs.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.activeID]
	if !ok {
		return jobs.Job{}, false
	}
	return e.job.Clone(), true
}

// State is the state of the current job, or idle when none was started.
func (c *Coordinator) State() jobs.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[c.activeID]; ok {
		return e.job.State
	}
	return jobs.StateIdle
}

// advance moves a running job forward. It fails with ErrJobFinished once the job is terminal.
func (c *Coordinator) advance(id string, to jobs.State, mutate func(*jobs.Job)) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return ErrJobNotFound
	}
	if e.job.State.IsTerminal() {
		c.mu.Unlock()
		return ErrJobFinished
	}
	if !jobs.CanTransition(e.job.State, to) {
		from := e.job.State
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if mutate != nil {
		mutate(&e.job)
	}
	c.transitionLocked(e, to, "")
	c.mu.Unlock()

	e.log.Debug("job advanced", "state", to)
	if c.journal != nil {
		if err := c.journal.UpdateState(id, to, c.now()); err != nil {
			e.log.Warn("journal update failed", "err", err)
		}
	}
	return nil
}

// update mutates job fields without a transition while the job is running.
func (c *Coordinator) update(id string, mutate func(*jobs.Job)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && !e.job.State.IsTerminal() {
		mutate(&e.job)
		e.job.UpdatedAt = c.now()
	}
}

// attach binds the per-job cancel func. It refuses when the job already finished.
func (c *Coordinator) attach(id string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.job.State.IsTerminal() {
		return false
	}
	e.cancel = cancel
	return true
}

// finish moves a job to a terminal state once; later calls return ErrJobFinished.
func (c *Coordinator) finish(id string, to jobs.State, detail string, mutate func(*jobs.Job)) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return ErrJobNotFound
	}
	s, err := c.finishLocked(e, to, detail, mutate)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.settle(e, s)
	return nil
}

// settlement carries what the terminal side effects need, captured under the lock.
type settlement struct {
	record    jobs.Record
	lease     LeaseToken
	release   bool
	cancelled bool
}

func (c *Coordinator) finishLocked(e *entry, to jobs.State, detail string, mutate func(*jobs.Job)) (settlement, error) {
	if e.job.State.IsTerminal() {
		return settlement{}, ErrJobFinished
	}
	if !jobs.CanTransition(e.job.State, to) && to != jobs.StateFailed {
		return settlement{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, e.job.State, to)
	}
	if mutate != nil {
		mutate(&e.job)
	}
	if !to.HasTranscript() {
		e.job.Segments = nil
	}
	e.job.ErrorDetail = ""
	if to == jobs.StateFailed || to == jobs.StatePartial {
		e.job.ErrorDetail = detail
	}
	c.transitionLocked(e, to, e.job.ErrorDetail)

	s := settlement{
		record:    e.job.Record(),
		lease:     e.lease,
		release:   e.leaseHeld,
		cancelled: e.cancelled,
	}
	e.leaseHeld = false
	return s, nil
}

// transitionLocked applies the state change and fans it out to subscribers.
func (c *Coordinator) transitionLocked(e *entry, to jobs.State, detail string) {
	now := c.now()
	t := jobs.Transition{
		JobID:       e.job.ID,
		Seq:         len(e.history) + 1,
		From:        e.job.State,
		To:          to,
		At:          now,
		ErrorDetail: detail,
	}
	e.job.State = to
	e.job.UpdatedAt = now
	e.history = append(e.history, t)
	for key, ch := range e.subs {
		select {
		case ch <- t:
		default:
			e.log.Warn("dropping slow subscriber", "subscriber", key)
			delete(e.subs, key)
			close(ch)
		}
	}
}

// settle runs terminal side effects in order: lease, store, journal, notify. Then observers are closed.
func (c *Coordinator) settle(e *entry, s settlement) {
	rec := s.record
	if s.release {
		c.host.EndLongRunningWork(s.lease)
	}
	if rec.State.HasTranscript() && c.store != nil {
		if err := c.store.Save(rec); err != nil {
			e.log.Error("saving transcript failed", "err", err)
		}
	}
	if c.journal != nil {
		out := jobs.Outcome{
			State:           rec.State,
			ErrorDetail:     rec.ErrorDetail,
			DurationSeconds: rec.DurationSeconds,
			SegmentCount:    len(rec.Segments),
			CompletedAt:     c.now(),
		}
		if err := c.journal.Finish(rec.ID, out); err != nil {
			e.log.Warn("journal finish failed", "err", err)
		}
	}
	if !s.cancelled {
		c.host.Notify(rec.State.HasTranscript(), rec.DurationSeconds)
	}
	e.log.Info("job finished", "state", rec.State, "segments", len(rec.Segments), "detail", rec.ErrorDetail)

	c.mu.Lock()
	e.settled = true
	close(e.done)
	for key, ch := range e.subs {
		delete(e.subs, key)
		close(ch)
	}
	c.pruneLocked()
	c.mu.Unlock()
}

type noopHost struct{}

func (noopHost) BeginLongRunningWork(string) LeaseToken { return 0 }
func (noopHost) EndLongRunningWork(LeaseToken)          {}
func (noopHost) Notify(bool, *float64)                  {}
