package jobs

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// State represents the lifecycle state of a transcription job.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateExtractingAudio State = "extracting_audio"
	StateListening       State = "listening"
	StateStructuring     State = "structuring"
	StateComplete        State = "complete"
	StateFailed          State = "failed"
	StatePartial         State = "partial"
)

// transitions lists the allowed forward edges. Terminal states have none.
var transitions = map[State][]State{
	StateIdle:            {StatePreparing},
	StatePreparing:       {StateExtractingAudio, StateListening, StateFailed},
	StateExtractingAudio: {StateListening, StateFailed},
	StateListening:       {StateStructuring, StateFailed},
	StateStructuring:     {StateComplete, StatePartial, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed || s == StatePartial
}

// IsActive reports whether a job in this state still holds the coordinator.
func (s State) IsActive() bool {
	return s != StateIdle && !s.IsTerminal()
}

// HasTranscript reports whether a job in this state carries segments.
func (s State) HasTranscript() bool {
	return s == StateComplete || s == StatePartial
}

// DisplayText is the headline shown to users for a state.
func (s State) DisplayText() string {
	switch s {
	case StateIdle:
		return "Ready"
	case StatePreparing:
		return "Preparing audio..."
	case StateExtractingAudio:
		return "Extracting audio..."
	case StateListening:
		return "Transcribing..."
	case StateStructuring:
		return "Structuring transcript..."
	case StateComplete:
		return "Transcription complete"
	case StateFailed:
		return "Couldn't finish right now"
	case StatePartial:
		return "We saved what we could"
	default:
		return string(s)
	}
}

// SubtitleText is the secondary line shown under DisplayText.
func (s State) SubtitleText() string {
	switch s {
	case StateListening, StateStructuring:
		return "You can leave this screen. We'll keep working."
	case StateComplete:
		return "Tap Share to send or save."
	case StatePartial:
		return "You can share this now or try again later."
	case StateFailed:
		return "Your audio is safe. Try again when you're ready."
	default:
		return ""
	}
}

// SourceKind identifies where the media of a job came from.
type SourceKind string

const (
	SourceMicrophone   SourceKind = "microphone"
	SourceImportedFile SourceKind = "importedFile"
	SourceRemoteURL    SourceKind = "remoteURL"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceMicrophone, SourceImportedFile, SourceRemoteURL:
		return true
	}
	return false
}

// Label is the capitalized form used in export filenames.
func (k SourceKind) Label() string {
	switch k {
	case SourceMicrophone:
		return "Microphone"
	case SourceImportedFile:
		return "ImportedFile"
	case SourceRemoteURL:
		return "RemoteURL"
	default:
		return "Unknown"
	}
}

// Source is the input of a new job.
type Source struct {
	Kind       SourceKind
	Descriptor string       // filename or URL; empty for live recordings
	Path       string       // local media path for recordings and imported files
	Release    func() error // optional cleanup of Path once the run ends
}

// Segment is one time-aligned piece of transcript text.
type Segment struct {
	StartSeconds float64 `json:"startSeconds"`
	EndSeconds   float64 `json:"endSeconds"`
	Text         string  `json:"text"`
}

// StartTime returns the start as M:SS.
func (s Segment) StartTime() string { return FormatTime(s.StartSeconds) }

// EndTime returns the end as M:SS.
func (s Segment) EndTime() string { return FormatTime(s.EndSeconds) }

// Timestamp returns "start - end".
func (s Segment) Timestamp() string { return s.StartTime() + " - " + s.EndTime() }

var (
	ErrSegmentNegativeStart    = errors.New("segment starts before zero")
	ErrSegmentNegativeDuration = errors.New("segment ends before it starts")
)

// Validate checks timing only; empty text is handled by NormalizeSegments.
func (s Segment) Validate() error {
	if s.StartSeconds < 0 {
		return ErrSegmentNegativeStart
	}
	if s.EndSeconds < s.StartSeconds {
		return ErrSegmentNegativeDuration
	}
	return nil
}

// NormalizeSegments trims text, drops blank segments and validates timing.
// Order is preserved as given.
func NormalizeSegments(in []Segment) ([]Segment, error) {
	out := make([]Segment, 0, len(in))
	for i, seg := range in {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			continue
		}
		if err := seg.Validate(); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		out = append(out, seg)
	}
	return out, nil
}

// maxFormatSeconds caps FormatTime input so the int conversion stays defined.
const maxFormatSeconds = math.MaxInt32

// FormatTime renders seconds as M:SS with seconds truncated.
func FormatTime(seconds float64) string {
	switch {
	case !(seconds >= 0): // negative or NaN
		seconds = 0
	case seconds > maxFormatSeconds:
		seconds = maxFormatSeconds
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// Job is the mutable state of one transcription attempt.
type Job struct {
	ID               string
	CreatedAt        time.Time
	SourceKind       SourceKind
	SourceDescriptor *string
	Platform         Platform
	DurationSeconds  *float64
	LanguageTag      string
	State            State
	Segments         []Segment
	ErrorDetail      string
	UpdatedAt        time.Time
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j Job) Clone() Job {
	out := j
	if j.SourceDescriptor != nil {
		v := *j.SourceDescriptor
		out.SourceDescriptor = &v
	}
	if j.DurationSeconds != nil {
		v := *j.DurationSeconds
		out.DurationSeconds = &v
	}
	if j.Segments != nil {
		out.Segments = append([]Segment(nil), j.Segments...)
	}
	return out
}

// Record freezes a terminal job for persistence.
func (j Job) Record() Record {
	c := j.Clone()
	return Record{
		ID:               c.ID,
		CreatedAt:        c.CreatedAt,
		SourceKind:       c.SourceKind,
		SourceDescriptor: c.SourceDescriptor,
		Platform:         c.Platform,
		DurationSeconds:  c.DurationSeconds,
		LanguageTag:      c.LanguageTag,
		State:            c.State,
		Segments:         c.Segments,
		ErrorDetail:      c.ErrorDetail,
	}
}

// Record is the persisted, immutable snapshot of a finished job.
type Record struct {
	ID               string     `json:"id"`
	CreatedAt        time.Time  `json:"createdAt"`
	SourceKind       SourceKind `json:"sourceKind"`
	SourceDescriptor *string    `json:"sourceDescriptor"`
	Platform         Platform   `json:"platform,omitempty"`
	DurationSeconds  *float64   `json:"durationSeconds"`
	LanguageTag      string     `json:"languageTag"`
	State            State      `json:"state"`
	Segments         []Segment  `json:"segments"`
	ErrorDetail      string     `json:"errorDetail,omitempty"`
}

// DurationString returns M:SS, or an em dash when unknown.
func (r Record) DurationString() string {
	if r.DurationSeconds == nil {
		return "—"
	}
	return FormatTime(*r.DurationSeconds)
}

// SourceLabel is the human-facing origin of the record.
func (r Record) SourceLabel() string {
	if r.SourceDescriptor != nil && *r.SourceDescriptor != "" {
		return *r.SourceDescriptor
	}
	return "Recording"
}

// Preview returns the first 50 characters of the transcript.
func (r Record) Preview() string {
	if len(r.Segments) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		parts = append(parts, s.Text)
	}
	text := []rune(strings.Join(parts, " "))
	if len(text) <= 50 {
		return string(text)
	}
	return string(text[:50]) + "..."
}

// Transition is one observed state change of a job.
type Transition struct {
	JobID       string    `json:"job_id"`
	Seq         int       `json:"seq"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	At          time.Time `json:"at"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

// JournalEntry is one row of the job journal.
type JournalEntry struct {
	ID              string
	SourceKind      SourceKind
	Source          string
	Language        string
	State           State
	ErrorDetail     *string
	DurationSeconds *float64
	SegmentCount    int
	CreatedAt       time.Time
	StartedAt       *time.Time // entered listening
	CompletedAt     *time.Time
	ProcessingTime  *time.Duration
}

// Outcome summarizes a terminal job for the journal.
type Outcome struct {
	State           State
	ErrorDetail     string
	DurationSeconds *float64
	SegmentCount    int
	CompletedAt     time.Time
}

// Journal records every job attempt, including failures the record store never keeps.
type Journal interface {
	CreateJob(job *Job) error
	UpdateState(id string, state State, at time.Time) error
	Finish(id string, out Outcome) error
	GetJob(id string) (*JournalEntry, error)
	ListJobs(limit int) ([]JournalEntry, error)
	Close() error
}
