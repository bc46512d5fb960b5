package backend

import (
	"context"
	"io"

	"github.com/jo-hoe/transcriber/internal/jobs"
)

// Client talks to the remote transcription service.
type Client interface {
	// TranscribeURL asks the backend to fetch and transcribe media at url.
	TranscribeURL(ctx context.Context, url, lang string) (*Result, error)
	// TranscribeFile uploads media read from r under filename.
	TranscribeFile(ctx context.Context, r io.Reader, filename, lang string) (*Result, error)
	// Health reports whether the backend answers its health endpoint.
	Health(ctx context.Context) error
}

// RawSegment is a segment as sent by the backend.
type RawSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is a successful backend response.
type Result struct {
	FullText string       `json:"full_text,omitempty"`
	Segments []RawSegment `json:"segments,omitempty"`
	Language string       `json:"language,omitempty"`
	Duration *float64     `json:"duration,omitempty"`
	Partial  bool         `json:"partial,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// ToSegments converts backend segments to domain segments without reordering.
func (r *Result) ToSegments() []jobs.Segment {
	if r == nil {
		return nil
	}
	out := make([]jobs.Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		out = append(out, jobs.Segment{StartSeconds: s.Start, EndSeconds: s.End, Text: s.Text})
	}
	return out
}
