package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jo-hoe/transcriber/internal/backend"
	"github.com/jo-hoe/transcriber/internal/config"
)

var _ backend.Client = (*Client)(nil)

// secondsPerSentence paces the fabricated segments.
const secondsPerSentence = 4.0

// Client is an offline backend that splits configured text into timed segments.
type Client struct {
	delay    time.Duration
	text     string
	language string
}

// New creates a mock backend.
func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay, text: cfg.Text, language: cfg.Language}
}

func (c *Client) TranscribeURL(ctx context.Context, url, lang string) (*backend.Result, error) {
	if strings.TrimSpace(url) == "" {
		return nil, &backend.TranscriptionFailedError{Message: "No URL provided"}
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.result(lang, "url "+url), nil
}

func (c *Client) TranscribeFile(ctx context.Context, r io.Reader, filename, lang string) (*backend.Result, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if n == 0 {
		return nil, errors.New("media is empty")
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.result(lang, "file "+filename), nil
}

func (c *Client) Health(ctx context.Context) error {
	return ctx.Err()
}

func (c *Client) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) result(lang, origin string) *backend.Result {
	sentences := splitSentences(c.text)
	if len(sentences) == 0 {
		sentences = []string{"Mock transcript of " + origin + "."}
	}
	segs := make([]backend.RawSegment, 0, len(sentences))
	for i, s := range sentences {
		start := float64(i) * secondsPerSentence
		segs = append(segs, backend.RawSegment{Start: start, End: start + secondsPerSentence, Text: s})
	}
	language := c.language
	if language == "" {
		language = lang
	}
	duration := float64(len(segs)) * secondsPerSentence
	return &backend.Result{
		FullText: strings.Join(sentences, " "),
		Segments: segs,
		Language: language,
		Duration: &duration,
	}
}

func splitSentences(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f+".")
		}
	}
	return out
}
