package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/transcriber/internal/backend"
	"github.com/jo-hoe/transcriber/internal/jobs"
	"github.com/jo-hoe/transcriber/internal/media"
)

type fakeBackend struct {
	mu        sync.Mutex
	filenames []string
	urls      []string
	langs     []string
	respond   func(ctx context.Context) (*backend.Result, error)
}

func (f *fakeBackend) setRespond(fn func(context.Context) (*backend.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeBackend) record(filename, url, lang string) func(context.Context) (*backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if filename != "" {
		f.filenames = append(f.filenames, filename)
	}
	if url != "" {
		f.urls = append(f.urls, url)
	}
	f.langs = append(f.langs, lang)
	return f.respond
}

func (f *fakeBackend) TranscribeURL(ctx context.Context, url, lang string) (*backend.Result, error) {
	return f.record("", url, lang)(ctx)
}

func (f *fakeBackend) TranscribeFile(ctx context.Context, r io.Reader, filename, lang string) (*backend.Result, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return f.record(filename, "", lang)(ctx)
}

func (f *fakeBackend) Health(context.Context) error { return nil }

func (f *fakeBackend) snapshot() (filenames, urls, langs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.filenames...), append([]string(nil), f.urls...), append([]string(nil), f.langs...)
}

func respondWith(res *backend.Result, err error) func(context.Context) (*backend.Result, error) {
	return func(context.Context) (*backend.Result, error) { return res, err }
}

// blockUntilCancelled signals entered and then waits for the job context to end.
func blockUntilCancelled(entered chan<- struct{}) func(context.Context) (*backend.Result, error) {
	return func(ctx context.Context) (*backend.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type fakeMedia struct {
	acquire      func(ctx context.Context, src jobs.Source) (media.Media, error)
	extractErr   error
	extractCalls atomic.Int32
	cleanups     atomic.Int32
}

func (f *fakeMedia) Acquire(ctx context.Context, src jobs.Source) (media.Media, error) {
	if f.acquire != nil {
		return f.acquire(ctx, src)
	}
	if src.Kind == jobs.SourceRemoteURL {
		return media.Media{URL: strings.TrimSpace(src.Descriptor), Filename: src.Descriptor}, nil
	}
	return media.Media{Path: src.Path, Filename: filepath.Base(src.Path), MimeType: "audio/wav"}, nil
}

func (f *fakeMedia) ExtractAudio(ctx context.Context, videoPath string) (string, func() error, error) {
	f.extractCalls.Add(1)
	if f.extractErr != nil {
		return "", nil, f.extractErr
	}
	dir, err := os.MkdirTemp("", "extract-test-*")
	if err != nil {
		return "", nil, err
	}
	out := filepath.Join(dir, "audio_16k.wav")
	if err := os.WriteFile(out, []byte("RIFF"), 0o644); err != nil {
		return "", nil, err
	}
	return out, func() error {
		f.cleanups.Add(1)
		return os.RemoveAll(dir)
	}, nil
}

type memSaver struct {
	mu   sync.Mutex
	recs []jobs.Record
}

func (m *memSaver) Save(rec jobs.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memSaver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type countingHost struct {
	begins      atomic.Int32
	ends        atomic.Int32
	notifies    atomic.Int32
	lastSuccess atomic.Bool
}

func (h *countingHost) BeginLongRunningWork(string) LeaseToken {
	return LeaseToken(h.begins.Add(1))
}

func (h *countingHost) EndLongRunningWork(LeaseToken) { h.ends.Add(1) }

func (h *countingHost) Notify(success bool, _ *float64) {
	h.lastSuccess.Store(success)
	h.notifies.Add(1)
}

type harness struct {
	c     *Coordinator
	b     *fakeBackend
	m     *fakeMedia
	host  *countingHost
	saver *memSaver
}

func newHarness(t *testing.T, respond func(context.Context) (*backend.Result, error)) *harness {
	t.Helper()
	h := &harness{
		b:     &fakeBackend{respond: respond},
		m:     &fakeMedia{},
		host:  &countingHost{},
		saver: &memSaver{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.c = New(logger, Options{
		Backend: h.b,
		Media:   h.m,
		Store:   h.saver,
		Host:    h.host,
	})
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.c.Shutdown(time.Second) })
	return h
}

func writeMedia(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("RIFF....WAVEfmt "), 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return p
}

func fileSource(t *testing.T) jobs.Source {
	return jobs.Source{Kind: jobs.SourceImportedFile, Descriptor: "memo.m4a", Path: writeMedia(t, "memo.m4a")}
}

// waitTransitions observes id until its channel closes.
func waitTransitions(t *testing.T, c *Coordinator, id string) []jobs.Transition {
	t.Helper()
	ch, err := c.Observe(context.Background(), id)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	var out []jobs.Transition
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tr, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, tr)
		case <-timeout:
			t.Fatalf("timed out waiting for job %s, got %v", id, out)
		}
	}
}

func states(ts []jobs.Transition) []jobs.State {
	out := make([]jobs.State, 0, len(ts))
	for _, tr := range ts {
		out = append(out, tr.To)
	}
	return out
}

func equalStates(a, b []jobs.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ptr(f float64) *float64 { return &f }

func TestStartJob_FileCompletes(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{
		Segments: []backend.RawSegment{{Start: 0, End: 5, Text: " hi "}},
		Language: "en",
		Duration: ptr(5.2),
	}, nil))

	id, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	got := states(waitTransitions(t, h.c, id))
	want := []jobs.State{jobs.StatePreparing, jobs.StateListening, jobs.StateStructuring, jobs.StateComplete}
	if !equalStates(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}

	job, ok := h.c.Job(id)
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	if len(job.Segments) != 1 || job.Segments[0].Text != "hi" || job.Segments[0].EndSeconds != 5 {
		t.Fatalf("segments = %+v", job.Segments)
	}
	if job.DurationSeconds == nil || *job.DurationSeconds != 5.2 {
		t.Fatalf("duration = %v", job.DurationSeconds)
	}
	if job.ErrorDetail != "" {
		t.Fatalf("unexpected detail %q", job.ErrorDetail)
	}
	if h.saver.count() != 1 {
		t.Fatalf("saved %d records, want 1", h.saver.count())
	}
	if h.host.begins.Load() != 1 || h.host.ends.Load() != 1 {
		t.Fatalf("leases begin=%d end=%d", h.host.begins.Load(), h.host.ends.Load())
	}
	if h.host.notifies.Load() != 1 || !h.host.lastSuccess.Load() {
		t.Fatalf("expected one success notification")
	}
	filenames, _, langs := h.b.snapshot()
	if len(filenames) != 1 || filenames[0] != "memo.m4a" {
		t.Fatalf("uploaded = %v", filenames)
	}
	if langs[0] != "en" {
		t.Fatalf("lang = %q, want default en", langs[0])
	}
	if h.c.State() != jobs.StateComplete {
		t.Fatalf("State() = %s", h.c.State())
	}
}

func TestStartJob_ServerErrorFails(t *testing.T) {
	h := newHarness(t, respondWith(nil, &backend.ServerError{StatusCode: 500, Body: "boom"}))

	id, err := h.c.StartJob(fileSource(t), "de")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	ts := waitTransitions(t, h.c, id)
	last := ts[len(ts)-1]
	if last.To != jobs.StateFailed || last.ErrorDetail != "Server error (500). Try again later." {
		t.Fatalf("last transition = %+v", last)
	}
	job, _ := h.c.Job(id)
	if len(job.Segments) != 0 {
		t.Fatalf("failed job must not carry segments")
	}
	if strings.Contains(job.ErrorDetail, "boom") {
		t.Fatalf("raw backend body leaked into detail %q", job.ErrorDetail)
	}
	if h.saver.count() != 0 {
		t.Fatalf("failed jobs are not stored")
	}
	if h.host.ends.Load() != 1 || h.host.notifies.Load() != 1 || h.host.lastSuccess.Load() {
		t.Fatalf("expected released lease and one failure notification")
	}
}

func TestCancel_DuringListening(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, blockUntilCancelled(entered))

	id, err := h.c.StartJob(fileSource(t), "en")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("backend never called")
	}
	if h.c.State() != jobs.StateListening {
		t.Fatalf("state = %s, want listening", h.c.State())
	}

	if err := h.c.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	job, _ := h.c.Job(id)
	if job.State != jobs.StateFailed || job.ErrorDetail != DetailCancelled {
		t.Fatalf("job = %s %q", job.State, job.ErrorDetail)
	}
	ts := waitTransitions(t, h.c, id)
	if ts[len(ts)-1].To != jobs.StateFailed {
		t.Fatalf("last state = %s", ts[len(ts)-1].To)
	}

	// A second cancel is a no-op.
	if err := h.c.Cancel(id); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	h.c.Shutdown(time.Second)
	if h.host.begins.Load() != 1 || h.host.ends.Load() != 1 {
		t.Fatalf("lease begin=%d end=%d", h.host.begins.Load(), h.host.ends.Load())
	}
	if h.host.notifies.Load() != 0 {
		t.Fatalf("cancelled jobs are not notified")
	}
	job, _ = h.c.Job(id)
	if job.ErrorDetail != DetailCancelled {
		t.Fatalf("late backend error overwrote detail: %q", job.ErrorDetail)
	}
}

func TestCancel_DuringPreparing(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{}, nil))
	acquiring := make(chan struct{})
	h.m.acquire = func(ctx context.Context, src jobs.Source) (media.Media, error) {
		close(acquiring)
		<-ctx.Done()
		return media.Media{}, ctx.Err()
	}

	id, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	<-acquiring
	if err := h.c.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := states(waitTransitions(t, h.c, id))
	if !equalStates(got, []jobs.State{jobs.StatePreparing, jobs.StateFailed}) {
		t.Fatalf("states = %v", got)
	}
	if filenames, urls, _ := h.b.snapshot(); len(filenames)+len(urls) != 0 {
		t.Fatalf("backend must not be called after cancel")
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{}, nil))
	if err := h.c.Cancel("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartJob_RejectsWhileActive(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, blockUntilCancelled(entered))

	first, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	<-entered
	if _, err := h.c.StartJob(fileSource(t), ""); !errors.Is(err, ErrJobInProgress) {
		t.Fatalf("second StartJob err = %v, want ErrJobInProgress", err)
	}
	if cur, _ := h.c.Current(); cur.ID != first {
		t.Fatalf("current = %s, want %s", cur.ID, first)
	}

	if err := h.c.Cancel(first); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.b.setRespond(respondWith(&backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 1, Text: "ok"}}}, nil))

	second, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob after cancel: %v", err)
	}
	waitTransitions(t, h.c, second)
	if job, _ := h.c.Job(second); job.State != jobs.StateComplete {
		t.Fatalf("second job = %s", job.State)
	}
}

func TestStartJob_InvalidSource(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{}, nil))
	dir := t.TempDir()
	cases := map[string]jobs.Source{
		"empty url":    {Kind: jobs.SourceRemoteURL, Descriptor: "  "},
		"ftp url":      {Kind: jobs.SourceRemoteURL, Descriptor: "ftp://example.com/a.mp3"},
		"no path":      {Kind: jobs.SourceImportedFile, Descriptor: "a.mp3"},
		"missing file": {Kind: jobs.SourceMicrophone, Path: filepath.Join(dir, "missing.m4a")},
		"directory":    {Kind: jobs.SourceImportedFile, Path: dir},
		"unknown kind": {Kind: "fax", Path: writeMedia(t, "x.wav")},
	}
	for name, src := range cases {
		if _, err := h.c.StartJob(src, ""); !errors.Is(err, ErrInvalidSource) {
			t.Fatalf("%s: err = %v, want ErrInvalidSource", name, err)
		}
	}
	if h.c.State() != jobs.StateIdle {
		t.Fatalf("state = %s, want idle", h.c.State())
	}
	if h.host.begins.Load() != 0 {
		t.Fatalf("no lease may be taken for rejected sources")
	}
}

func TestObserve_ReplaysHistoryAndCloses(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 2, Text: "a"}}}, nil))
	id, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	live := waitTransitions(t, h.c, id)
	replay := waitTransitions(t, h.c, id)
	if len(live) != len(replay) {
		t.Fatalf("replay has %d transitions, live had %d", len(replay), len(live))
	}
	for i, tr := range replay {
		if tr.Seq != i+1 || tr.JobID != id {
			t.Fatalf("transition %d = %+v", i, tr)
		}
		if i > 0 && tr.From != replay[i-1].To {
			t.Fatalf("transition %d does not chain: %+v after %+v", i, tr, replay[i-1])
		}
	}
	if replay[0].From != jobs.StateIdle {
		t.Fatalf("first transition must leave idle")
	}
	if _, err := h.c.Observe(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Observe unknown err = %v", err)
	}
}

func TestObserve_ContextEndsSubscription(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, blockUntilCancelled(entered))
	id, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.c.Observe(ctx, id)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if err := h.c.Cancel(id); err != nil {
					t.Fatalf("Cancel: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("subscription not closed after context cancel")
		}
	}
}

func TestStartJob_VideoExtractsAudio(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 3, Text: "video"}}}, nil))
	h.m.acquire = func(ctx context.Context, src jobs.Source) (media.Media, error) {
		return media.Media{Path: src.Path, Filename: "talk.mov", MimeType: "video/quicktime", IsVideo: true, DurationSeconds: ptr(3.5)}, nil
	}

	src := jobs.Source{Kind: jobs.SourceImportedFile, Descriptor: "talk.mov", Path: writeMedia(t, "talk.mov")}
	id, err := h.c.StartJob(src, "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	got := states(waitTransitions(t, h.c, id))
	want := []jobs.State{jobs.StatePreparing, jobs.StateExtractingAudio, jobs.StateListening, jobs.StateStructuring, jobs.StateComplete}
	if !equalStates(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	filenames, _, _ := h.b.snapshot()
	if len(filenames) != 1 || filenames[0] != "talk.wav" {
		t.Fatalf("uploaded = %v, want talk.wav", filenames)
	}
	if h.m.extractCalls.Load() != 1 {
		t.Fatalf("extract calls = %d", h.m.extractCalls.Load())
	}
	// Cleanup runs on the worker after the terminal transition.
	h.c.Shutdown(time.Second)
	if h.m.cleanups.Load() != 1 {
		t.Fatalf("extracted audio cleanups = %d", h.m.cleanups.Load())
	}
	job, _ := h.c.Job(id)
	if job.DurationSeconds == nil || *job.DurationSeconds != 3.5 {
		t.Fatalf("duration should fall back to probe, got %v", job.DurationSeconds)
	}
}

func TestStartJob_RemoteURL(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 4, Text: "clip"}}}, nil))
	id, err := h.c.StartJob(jobs.Source{Kind: jobs.SourceRemoteURL, Descriptor: "https://www.tiktok.com/@a/video/1"}, "fr")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitTransitions(t, h.c, id)
	job, _ := h.c.Job(id)
	if job.Platform != jobs.PlatformTikTok {
		t.Fatalf("platform = %q", job.Platform)
	}
	if job.SourceDescriptor == nil || *job.SourceDescriptor != "https://www.tiktok.com/@a/video/1" {
		t.Fatalf("descriptor = %v", job.SourceDescriptor)
	}
	_, urls, langs := h.b.snapshot()
	if len(urls) != 1 || langs[0] != "fr" {
		t.Fatalf("urls = %v langs = %v", urls, langs)
	}
	if job.DurationSeconds == nil || *job.DurationSeconds != 4 {
		t.Fatalf("duration should fall back to last segment end, got %v", job.DurationSeconds)
	}
}

func TestStructure_TerminalStates(t *testing.T) {
	cases := []struct {
		name       string
		res        *backend.Result
		wantState  jobs.State
		wantDetail string
	}{
		{
			name:       "no speech",
			res:        &backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 1, Text: "   "}}},
			wantState:  jobs.StateFailed,
			wantDetail: DetailNoSpeech,
		},
		{
			name:       "partial with message",
			res:        &backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 1, Text: "half"}}, Partial: true, Error: "chunk 2 failed"},
			wantState:  jobs.StatePartial,
			wantDetail: "chunk 2 failed",
		},
		{
			name:       "partial without message",
			res:        &backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 1, Text: "half"}}, Partial: true},
			wantState:  jobs.StatePartial,
			wantDetail: DetailPartial,
		},
		{
			name:       "partial without speech",
			res:        &backend.Result{Partial: true},
			wantState:  jobs.StateFailed,
			wantDetail: DetailNoSpeech,
		},
		{
			name:       "inverted segment",
			res:        &backend.Result{Segments: []backend.RawSegment{{Start: 5, End: 2, Text: "bad"}}},
			wantState:  jobs.StateFailed,
			wantDetail: DetailInvalidTimeline,
		},
		{
			name:       "backend refused",
			res:        nil,
			wantState:  jobs.StateFailed,
			wantDetail: "Not today",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var respond func(context.Context) (*backend.Result, error)
			if tc.res == nil {
				respond = respondWith(nil, &backend.TranscriptionFailedError{Message: "Not today"})
			} else {
				respond = respondWith(tc.res, nil)
			}
			h := newHarness(t, respond)
			id, err := h.c.StartJob(fileSource(t), "")
			if err != nil {
				t.Fatalf("StartJob: %v", err)
			}
			waitTransitions(t, h.c, id)
			job, _ := h.c.Job(id)
			if job.State != tc.wantState || job.ErrorDetail != tc.wantDetail {
				t.Fatalf("job = %s %q, want %s %q", job.State, job.ErrorDetail, tc.wantState, tc.wantDetail)
			}
			if job.State.HasTranscript() != (len(job.Segments) > 0) {
				t.Fatalf("segments present=%v in state %s", len(job.Segments) > 0, job.State)
			}
			wantSaved := 0
			if job.State.HasTranscript() {
				wantSaved = 1
			}
			if h.saver.count() != wantSaved {
				t.Fatalf("saved = %d, want %d", h.saver.count(), wantSaved)
			}
		})
	}
}

func TestShutdown_CancelsRunningJob(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, blockUntilCancelled(entered))
	id, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	<-entered
	h.c.Shutdown(time.Second)

	job, _ := h.c.Job(id)
	if job.State != jobs.StateFailed || job.ErrorDetail != DetailCancelled {
		t.Fatalf("job = %s %q", job.State, job.ErrorDetail)
	}
	if h.host.ends.Load() != 1 {
		t.Fatalf("lease not released")
	}
	if _, err := h.c.StartJob(fileSource(t), ""); err == nil {
		t.Fatalf("StartJob after shutdown should fail")
	}
}

func TestReconcileDuration(t *testing.T) {
	segs := []jobs.Segment{{StartSeconds: 0, EndSeconds: 9, Text: "x"}}
	if got := reconcileDuration(ptr(12), ptr(10), segs); got != 12 {
		t.Fatalf("backend duration wins, got %v", got)
	}
	if got := reconcileDuration(ptr(0), ptr(10), segs); got != 10 {
		t.Fatalf("probe used when backend is zero, got %v", got)
	}
	if got := reconcileDuration(nil, nil, segs); got != 9 {
		t.Fatalf("last segment end used, got %v", got)
	}
	if got := reconcileDuration(nil, nil, nil); got != 0 {
		t.Fatalf("empty = %v", got)
	}
}

func TestUserDetail(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"unsupported": {&media.AcquisitionError{Reason: "text/plain", Err: media.ErrUnsupportedMedia}, media.MsgUnsupportedMedia},
		"acquire":     {&media.AcquisitionError{Reason: "media not readable"}, media.MsgAcquisitionFailed},
		"extract":     {&media.ExtractionError{Message: "ffmpeg failed", ExitCode: 1}, media.MsgExtractionFailed},
		"unreachable": {backend.ErrUnreachableServer, backend.MsgUnreachable},
	}
	for name, tc := range cases {
		if got := userDetail(tc.err); got != tc.want {
			t.Fatalf("%s: got %q, want %q", name, got, tc.want)
		}
	}
}

func videoMedia(ctx context.Context, src jobs.Source) (media.Media, error) {
	return media.Media{Path: src.Path, Filename: "talk.mov", MimeType: "video/quicktime", IsVideo: true}, nil
}

func TestStartJob_ExtractionFailureFails(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 1, Text: "never"}}}, nil))
	h.m.acquire = videoMedia
	h.m.extractErr = &media.ExtractionError{Message: "no audio stream", ExitCode: 1}

	src := jobs.Source{Kind: jobs.SourceImportedFile, Descriptor: "talk.mov", Path: writeMedia(t, "talk.mov")}
	id, err := h.c.StartJob(src, "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	ts := waitTransitions(t, h.c, id)
	got := states(ts)
	want := []jobs.State{jobs.StatePreparing, jobs.StateExtractingAudio, jobs.StateFailed}
	if !equalStates(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	if detail := ts[len(ts)-1].ErrorDetail; detail != media.MsgExtractionFailed {
		t.Fatalf("detail = %q", detail)
	}
	if filenames, urls, _ := h.b.snapshot(); len(filenames)+len(urls) != 0 {
		t.Fatalf("backend must not be called when extraction fails")
	}
	if h.saver.count() != 0 {
		t.Fatalf("failed jobs are not stored")
	}
	if h.host.begins.Load() != 1 || h.host.ends.Load() != 1 {
		t.Fatalf("lease begin=%d end=%d", h.host.begins.Load(), h.host.ends.Load())
	}
	if h.host.notifies.Load() != 1 || h.host.lastSuccess.Load() {
		t.Fatalf("expected one failure notification")
	}
	if h.c.State() != jobs.StateFailed {
		t.Fatalf("State() = %s", h.c.State())
	}
}

func TestStartJob_AcquisitionFailureFails(t *testing.T) {
	h := newHarness(t, respondWith(&backend.Result{}, nil))
	h.m.acquire = func(ctx context.Context, src jobs.Source) (media.Media, error) {
		return media.Media{}, &media.AcquisitionError{Reason: "media not readable", Err: os.ErrPermission}
	}

	id, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	ts := waitTransitions(t, h.c, id)
	if got := states(ts); !equalStates(got, []jobs.State{jobs.StatePreparing, jobs.StateFailed}) {
		t.Fatalf("states = %v", got)
	}
	job, _ := h.c.Job(id)
	if job.ErrorDetail != media.MsgAcquisitionFailed {
		t.Fatalf("detail = %q", job.ErrorDetail)
	}
	if h.m.extractCalls.Load() != 0 {
		t.Fatalf("extraction must not run after a failed acquisition")
	}
	if h.host.ends.Load() != 1 || h.saver.count() != 0 {
		t.Fatalf("lease end=%d saved=%d", h.host.ends.Load(), h.saver.count())
	}
}

func TestCancel_LateBackendSuccessIsDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	// The backend ignores cancellation and answers only after the job was cancelled.
	h := newHarness(t, func(context.Context) (*backend.Result, error) {
		close(entered)
		<-release
		return &backend.Result{Segments: []backend.RawSegment{{Start: 0, End: 2, Text: "too late"}}}, nil
	})

	id, err := h.c.StartJob(fileSource(t), "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	<-entered
	if err := h.c.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)
	// Wait for the worker to consume the late answer.
	h.c.Shutdown(2 * time.Second)

	job, _ := h.c.Job(id)
	if job.State != jobs.StateFailed || job.ErrorDetail != DetailCancelled {
		t.Fatalf("job = %s %q, want failed %q", job.State, job.ErrorDetail, DetailCancelled)
	}
	if len(job.Segments) != 0 {
		t.Fatalf("cancelled job picked up %d segments", len(job.Segments))
	}
	ts := waitTransitions(t, h.c, id)
	if got := states(ts); !equalStates(got, []jobs.State{jobs.StatePreparing, jobs.StateListening, jobs.StateFailed}) {
		t.Fatalf("states = %v", got)
	}
	if h.saver.count() != 0 {
		t.Fatalf("saved %d records after cancel", h.saver.count())
	}
	if h.host.ends.Load() != 1 || h.host.notifies.Load() != 0 {
		t.Fatalf("lease end=%d notifies=%d", h.host.ends.Load(), h.host.notifies.Load())
	}
}
