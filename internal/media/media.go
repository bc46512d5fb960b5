package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/jo-hoe/transcriber/internal/jobs"
)

// Media is an acquired source ready for upload.
type Media struct {
	Path            string // local file; empty for remote URLs
	URL             string // remote URL; empty for local files
	Filename        string // name reported to the backend
	MimeType        string
	IsVideo         bool // a container whose audio must be extracted first
	DurationSeconds *float64
}

// Adapter turns a job source into uploadable media.
type Adapter interface {
	// Acquire validates the source and probes what it can. Probe failures are not errors.
	Acquire(ctx context.Context, src jobs.Source) (Media, error)
	// ExtractAudio writes a mono 16 kHz WAV into a private temp dir; cleanup removes it.
	ExtractAudio(ctx context.Context, videoPath string) (audioPath string, cleanup func() error, err error)
}

// ErrUnsupportedMedia marks content that is neither audio nor video.
var ErrUnsupportedMedia = errors.New("unsupported media type")

// AcquisitionError reports a source that cannot be used.
type AcquisitionError struct {
	Reason string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return "acquire media: " + e.Reason
	}
	return fmt.Sprintf("acquire media: %s: %v", e.Reason, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ExtractionError reports a failed ffmpeg run.
type ExtractionError struct {
	Message  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract audio: %s (exit=%d)", e.Message, e.ExitCode)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// User-facing messages for media failures.
const (
	MsgAcquisitionFailed = "We couldn't open that media. Try another file or link."
	MsgUnsupportedMedia  = "That file doesn't look like audio or video."
	MsgExtractionFailed  = "We couldn't pull the audio out of that video."
)
