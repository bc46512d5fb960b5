package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jo-hoe/transcriber/internal/backend"
	"github.com/jo-hoe/transcriber/internal/jobs"
	"github.com/jo-hoe/transcriber/internal/media"
)

// runner executes queued jobs through preparing, extraction, listening and structuring.
type runner struct {
	c *Coordinator
}

var _ jobs.Processor = (*runner)(nil)

// Process drives one job. Returning nil means the job reached a terminal state,
// even a failed one; errors are reserved for broken invariants.
func (r *runner) Process(ctx context.Context, item jobs.WorkItem) error {
	c := r.c
	id := item.Job.ID
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !c.attach(id, cancel) {
		// Cancelled while queued.
		return nil
	}
	log := c.log.With("job_id", id)

	m, err := c.media.Acquire(ctx, item.Source)
	if err != nil {
		return r.fail(ctx, id, err)
	}
	if m.DurationSeconds != nil {
		d := *m.DurationSeconds
		c.update(id, func(j *jobs.Job) { j.DurationSeconds = &d })
	}

	uploadPath := m.Path
	if m.IsVideo {
		if err := c.advance(id, jobs.StateExtractingAudio, nil); err != nil {
			return ignoreFinished(err)
		}
		audioPath, cleanup, err := c.media.ExtractAudio(ctx, m.Path)
		if err != nil {
			return r.fail(ctx, id, err)
		}
		defer func() {
			if err := cleanup(); err != nil {
				log.Warn("removing extracted audio failed", "err", err)
			}
		}()
		uploadPath = audioPath
	}

	if err := c.advance(id, jobs.StateListening, nil); err != nil {
		return ignoreFinished(err)
	}
	res, err := r.transcribe(ctx, item.Job, m, uploadPath)
	if err != nil {
		return r.fail(ctx, id, err)
	}

	if err := c.advance(id, jobs.StateStructuring, nil); err != nil {
		return ignoreFinished(err)
	}
	return ignoreFinished(r.structure(id, res))
}

func (r *runner) transcribe(ctx context.Context, job jobs.Job, m media.Media, uploadPath string) (*backend.Result, error) {
	if m.URL != "" {
		return r.c.backend.TranscribeURL(ctx, m.URL, job.LanguageTag)
	}
	f, err := os.Open(uploadPath) // #nosec G304 - path was produced by acquisition or extraction
	if err != nil {
		return nil, &media.AcquisitionError{Reason: "media not readable", Err: err}
	}
	defer func() { _ = f.Close() }()
	filename := m.Filename
	if uploadPath != m.Path {
		// Extracted audio is WAV whatever the original container was.
		filename = strings.TrimSuffix(filename, extOf(filename)) + ".wav"
	}
	return r.c.backend.TranscribeFile(ctx, f, filename, job.LanguageTag)
}

// structure validates the backend transcript and picks the terminal state.
func (r *runner) structure(id string, res *backend.Result) error {
	c := r.c
	if res == nil {
		res = &backend.Result{}
	}
	segs, err := jobs.NormalizeSegments(res.ToSegments())
	if err != nil {
		c.log.Warn("backend transcript rejected", "job_id", id, "err", err)
		return c.finish(id, jobs.StateFailed, DetailInvalidTimeline, nil)
	}
	if len(segs) == 0 {
		return c.finish(id, jobs.StateFailed, DetailNoSpeech, nil)
	}

	lang := strings.TrimSpace(res.Language)
	fill := func(j *jobs.Job) {
		j.Segments = segs
		if lang != "" {
			j.LanguageTag = lang
		}
		d := reconcileDuration(res.Duration, j.DurationSeconds, segs)
		j.DurationSeconds = &d
	}

	if res.Partial {
		detail := strings.TrimSpace(res.Error)
		if detail == "" {
			detail = DetailPartial
		}
		return c.finish(id, jobs.StatePartial, detail, fill)
	}
	return c.finish(id, jobs.StateComplete, "", fill)
}

// reconcileDuration prefers the backend, then the local probe, then the last segment end.
func reconcileDuration(fromBackend, probed *float64, segs []jobs.Segment) float64 {
	if fromBackend != nil && *fromBackend > 0 {
		return *fromBackend
	}
	if probed != nil && *probed > 0 {
		return *probed
	}
	if len(segs) > 0 {
		return segs[len(segs)-1].EndSeconds
	}
	return 0
}

// fail maps err to a user-facing detail and fails the job.
func (r *runner) fail(ctx context.Context, id string, err error) error {
	detail := userDetail(err)
	if ctx.Err() != nil {
		detail = DetailCancelled
	}
	r.c.log.Warn("job step failed", "job_id", id, "err", err)
	return ignoreFinished(r.c.finish(id, jobs.StateFailed, detail, nil))
}

func userDetail(err error) string {
	var acq *media.AcquisitionError
	var ext *media.ExtractionError
	switch {
	case errors.Is(err, media.ErrUnsupportedMedia):
		return media.MsgUnsupportedMedia
	case errors.As(err, &acq):
		return media.MsgAcquisitionFailed
	case errors.As(err, &ext):
		return media.MsgExtractionFailed
	default:
		return backend.UserMessage(err)
	}
}

func ignoreFinished(err error) error {
	if err == nil || errors.Is(err, ErrJobFinished) {
		return nil
	}
	return fmt.Errorf("run job: %w", err)
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 && !strings.ContainsAny(name[i:], `/\`) {
		return name[i:]
	}
	return ""
}
