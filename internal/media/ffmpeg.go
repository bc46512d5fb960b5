package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/jo-hoe/transcriber/internal/common"
	"github.com/jo-hoe/transcriber/internal/config"
	"github.com/jo-hoe/transcriber/internal/jobs"
)

var _ Adapter = (*FFmpegAdapter)(nil)

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true, ".avi": true, ".mkv": true, ".webm": true,
}

var audioExtensions = map[string]bool{
	".mp3": true, ".m4a": true, ".wav": true, ".aac": true, ".ogg": true, ".opus": true, ".flac": true, ".webm": true, ".amr": true,
}

// commandResult is one process execution outcome.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// FFmpegAdapter acquires local and remote sources, probing and extracting with ffmpeg tools.
type FFmpegAdapter struct {
	log         *slog.Logger
	ffmpegPath  string
	ffprobePath string
	workDir     string
	runner      commandRunner
	stat        func(string) (os.FileInfo, error)
	detectFile  func(string) (*mimetype.MIME, error)
	mkdirAll    func(string, os.FileMode) error
	mkdirTemp   func(string, string) (string, error)
	removeAll   func(string) error
}

// NewFFmpegAdapter builds an adapter using real OS dependencies.
func NewFFmpegAdapter(logger *slog.Logger, cfg config.MediaConfig) *FFmpegAdapter {
	return &FFmpegAdapter{
		log:         logger,
		ffmpegPath:  firstNonEmpty(cfg.FFmpegPath, common.FFmpegExecutable),
		ffprobePath: firstNonEmpty(cfg.FFprobePath, common.FFprobeExecutable),
		workDir:     cfg.WorkDir,
		runner:      &execRunner{},
		stat:        os.Stat,
		detectFile:  mimetype.DetectFile,
		mkdirAll:    os.MkdirAll,
		mkdirTemp:   os.MkdirTemp,
		removeAll:   os.RemoveAll,
	}
}

// Acquire validates the source. Local files are sniffed and probed for duration.
func (a *FFmpegAdapter) Acquire(ctx context.Context, src jobs.Source) (Media, error) {
	switch src.Kind {
	case jobs.SourceRemoteURL:
		return acquireURL(src.Descriptor)
	case jobs.SourceMicrophone, jobs.SourceImportedFile:
		return a.acquireFile(ctx, src)
	default:
		return Media{}, &AcquisitionError{Reason: fmt.Sprintf("unknown source kind %q", src.Kind)}
	}
}

func acquireURL(raw string) (Media, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Media{}, &AcquisitionError{Reason: "invalid url", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Media{}, &AcquisitionError{Reason: "url must be http(s) with a host"}
	}
	return Media{URL: u.String(), Filename: raw}, nil
}

func (a *FFmpegAdapter) acquireFile(ctx context.Context, src jobs.Source) (Media, error) {
	if strings.TrimSpace(src.Path) == "" {
		return Media{}, &AcquisitionError{Reason: "no media path"}
	}
	info, err := a.stat(src.Path)
	if err != nil {
		return Media{}, &AcquisitionError{Reason: "media not readable", Err: err}
	}
	if info.IsDir() {
		return Media{}, &AcquisitionError{Reason: "media path is a directory"}
	}
	if info.Size() == 0 {
		return Media{}, &AcquisitionError{Reason: "media file is empty"}
	}

	ext := strings.ToLower(filepath.Ext(firstNonEmpty(src.Descriptor, src.Path)))
	mimeType := common.ContentTypeOctet
	if mt, err := a.detectFile(src.Path); err == nil {
		mimeType = mt.String()
	} else {
		a.log.Debug("mime sniff failed", "path", src.Path, "err", err)
	}
	if !isMediaType(mimeType) && !audioExtensions[ext] && !videoExtensions[ext] {
		return Media{}, &AcquisitionError{Reason: mimeType, Err: ErrUnsupportedMedia}
	}

	m := Media{
		Path:     src.Path,
		Filename: filepath.Base(firstNonEmpty(src.Descriptor, src.Path)),
		MimeType: mimeType,
	}
	// Recordings are audio-only even when the container says video (browser webm).
	if src.Kind == jobs.SourceImportedFile {
		m.IsVideo = strings.HasPrefix(mimeType, "video/") || (videoExtensions[ext] && !audioExtensions[ext])
	}

	if d, err := a.probeDuration(ctx, src.Path); err != nil {
		a.log.Debug("duration probe failed", "path", src.Path, "err", err)
	} else {
		m.DurationSeconds = &d
	}
	a.log.Debug("media acquired", "file", m.Filename, "mime", m.MimeType, "size", humanize.IBytes(uint64(info.Size())), "video", m.IsVideo)
	return m, nil
}

// isMediaType accepts audio/*, video/* and unknown binary content.
func isMediaType(mimeType string) bool {
	return strings.HasPrefix(mimeType, "audio/") ||
		strings.HasPrefix(mimeType, "video/") ||
		strings.HasPrefix(mimeType, common.ContentTypeOctet)
}

func (a *FFmpegAdapter) probeDuration(ctx context.Context, path string) (float64, error) {
	res, err := a.runner.Run(ctx, a.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe exit=%d: %w", res.ExitCode, err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("ffprobe duration %q unparsable", strings.TrimSpace(res.Stdout))
	}
	return d, nil
}

// ExtractAudio converts videoPath into a mono 16 kHz PCM WAV.
func (a *FFmpegAdapter) ExtractAudio(ctx context.Context, videoPath string) (string, func() error, error) {
	if a.workDir != "" {
		if err := a.mkdirAll(a.workDir, 0o750); err != nil {
			return "", nil, &ExtractionError{Message: "cannot create work dir", Err: err}
		}
	}
	tempDir, err := a.mkdirTemp(a.workDir, "extract-*")
	if err != nil {
		return "", nil, &ExtractionError{Message: "cannot create temp dir", Err: err}
	}
	cleanup := func() error { return a.removeAll(tempDir) }

	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	out := filepath.Join(tempDir, base+"_audio_16k.wav")
	res, err := a.runner.Run(ctx, a.ffmpegPath, buildExtractArgs(videoPath, out)...)
	if err != nil {
		_ = cleanup()
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", nil, &ExtractionError{
			Message:  "ffmpeg failed",
			ExitCode: res.ExitCode,
			Stderr:   tail(res.Stderr, 400),
			Err:      err,
		}
	}
	return out, cleanup, nil
}

func buildExtractArgs(inputPath, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outputPath,
	}
}

// NewFFmpegAdapterForTests creates an adapter with injectable dependencies.
func NewFFmpegAdapterForTests(
	logger *slog.Logger,
	workDir string,
	runner commandRunner,
	stat func(string) (os.FileInfo, error),
	detectFile func(string) (*mimetype.MIME, error),
) *FFmpegAdapter {
	a := NewFFmpegAdapter(logger, config.MediaConfig{WorkDir: workDir})
	if runner != nil {
		a.runner = runner
	}
	if stat != nil {
		a.stat = stat
	}
	if detectFile != nil {
		a.detectFile = detectFile
	}
	return a
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
