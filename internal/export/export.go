package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/transcriber/internal/common"
	"github.com/jo-hoe/transcriber/internal/jobs"
)

// EmptyTranscript is returned as plain text when a record has no segments.
const EmptyTranscript = "No transcript available"

const (
	dateLayout     = "Jan 2, 2006 at 3:04 PM"
	filenameLayout = "2006-01-02_1504"
)

// Format names accepted by Render.
const (
	FormatText     = "text"
	FormatTXT      = "txt"
	FormatMarkdown = "md"
)

var ErrUnknownFormat = errors.New("unknown export format")

// PlainText renders one "M:SS  text" line per segment.
func PlainText(rec jobs.Record) string {
	if len(rec.Segments) == 0 {
		return EmptyTranscript
	}
	var b strings.Builder
	for i, seg := range rec.Segments {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(seg.StartTime())
		b.WriteString("  ")
		b.WriteString(seg.Text)
	}
	return b.String()
}

// TextDocument renders the body of the .txt share file.
func TextDocument(rec jobs.Record) string {
	var b strings.Builder
	b.WriteString("TRANSCRIPTION\n")
	fmt.Fprintf(&b, "%s — %s\n\n", rec.SourceLabel(), rec.CreatedAt.Format(dateLayout))
	if len(rec.Segments) == 0 {
		b.WriteString(EmptyTranscript + "\n")
		return b.String()
	}
	for _, seg := range rec.Segments {
		fmt.Fprintf(&b, "%s  %s\n", seg.StartTime(), seg.Text)
	}
	return b.String()
}

// Markdown renders a titled document with a metadata block and one bullet per segment.
func Markdown(rec jobs.Record) string {
	var b strings.Builder
	b.WriteString("# Transcription\n\n")
	fmt.Fprintf(&b, "**Source:** %s  \n", rec.SourceLabel())
	fmt.Fprintf(&b, "**Date:** %s  \n", rec.CreatedAt.Format(dateLayout))
	fmt.Fprintf(&b, "**Duration:** %s  \n", rec.DurationString())
	fmt.Fprintf(&b, "**Language:** %s\n\n", rec.LanguageTag)
	b.WriteString("---\n\n")
	if len(rec.Segments) == 0 {
		b.WriteString("_" + EmptyTranscript + "_\n")
		return b.String()
	}
	for _, seg := range rec.Segments {
		fmt.Fprintf(&b, "- **%s** — %s\n", seg.StartTime(), seg.Text)
	}
	return b.String()
}

// Render returns the body and content type for one of the named formats.
func Render(rec jobs.Record, format string) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		return PlainText(rec), common.ContentTypeText, nil
	case FormatTXT:
		return TextDocument(rec), common.ContentTypeText, nil
	case FormatMarkdown, "markdown":
		return Markdown(rec), common.ContentTypeMD, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// BaseFilename is Transcribe_<YYYY-MM-DD_HHMM>_<SourceKind> without extension.
func BaseFilename(rec jobs.Record) string {
	return fmt.Sprintf("Transcribe_%s_%s", rec.CreatedAt.Format(filenameLayout), rec.SourceKind.Label())
}

// ArtifactKind distinguishes inline text from written files.
type ArtifactKind string

const (
	ArtifactText ArtifactKind = "text"
	ArtifactFile ArtifactKind = "file"
)

// Artifact is one shareable item.
type Artifact struct {
	Kind        ArtifactKind `json:"kind"`
	Name        string       `json:"name"`
	ContentType string       `json:"content_type"`
	Text        string       `json:"text,omitempty"`
	Path        string       `json:"path,omitempty"`
}

// Exporter writes share files below a base directory.
type Exporter struct {
	log       *slog.Logger
	dir       string
	mkdirAll  func(string, os.FileMode) error
	writeFile func(string, []byte, os.FileMode) error
}

// NewExporter builds an exporter writing below dir.
func NewExporter(logger *slog.Logger, dir string) *Exporter {
	return &Exporter{
		log:       logger,
		dir:       dir,
		mkdirAll:  os.MkdirAll,
		writeFile: os.WriteFile,
	}
}

// NewExporterForTests creates an exporter with injectable filesystem funcs.
func NewExporterForTests(
	logger *slog.Logger,
	dir string,
	mkdirAll func(string, os.FileMode) error,
	writeFile func(string, []byte, os.FileMode) error,
) *Exporter {
	return &Exporter{log: logger, dir: dir, mkdirAll: mkdirAll, writeFile: writeFile}
}

// ShareArtifacts returns the plain text first, then the .txt and .md files that could be written.
// Files land in <dir>/<record id>/ so records created in the same minute do not collide.
func (e *Exporter) ShareArtifacts(rec jobs.Record) []Artifact {
	base := BaseFilename(rec)
	out := []Artifact{{
		Kind:        ArtifactText,
		Name:        base,
		ContentType: common.ContentTypeText,
		Text:        PlainText(rec),
	}}

	dir := filepath.Join(e.dir, rec.ID)
	if err := e.mkdirAll(dir, 0o750); err != nil {
		e.log.Warn("export dir unavailable; sharing text only", "id", rec.ID, "err", err)
		return out
	}

	files := []struct {
		ext         string
		contentType string
		body        string
	}{
		{".txt", common.ContentTypeText, TextDocument(rec)},
		{".md", common.ContentTypeMD, Markdown(rec)},
	}
	for _, f := range files {
		name := base + f.ext
		path := filepath.Join(dir, name)
		if err := e.writeFile(path, []byte(f.body), 0o640); err != nil {
			e.log.Warn("export file failed", "id", rec.ID, "file", name, "err", err)
			continue
		}
		out = append(out, Artifact{Kind: ArtifactFile, Name: name, ContentType: f.contentType, Path: path})
	}
	return out
}
