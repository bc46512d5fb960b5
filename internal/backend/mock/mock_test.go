package mock

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jo-hoe/transcriber/internal/config"
)

func TestMockBackend_TranscribeFile(t *testing.T) {
	c := New(config.MockSettings{Text: "Hello there. How are you?"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.TranscribeFile(ctx, bytes.NewBufferString("fakeaudio"), "a.wav", "en")
	if err != nil {
		t.Fatalf("TranscribeFile error: %v", err)
	}
	segs := res.ToSegments()
	if len(segs) != 2 || segs[0].Text != "Hello there." || segs[1].StartSeconds != 4 {
		t.Fatalf("unexpected segments: %+v", segs)
	}
	if res.Language != "en" || res.Duration == nil || *res.Duration != 8 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMockBackend_EmptyInputs(t *testing.T) {
	c := New(config.MockSettings{})
	if _, err := c.TranscribeFile(context.Background(), bytes.NewReader(nil), "a.wav", "en"); err == nil {
		t.Fatalf("expected error for empty media")
	}
	if _, err := c.TranscribeURL(context.Background(), " ", "en"); err == nil {
		t.Fatalf("expected error for empty url")
	}
	res, err := c.TranscribeURL(context.Background(), "https://example.com/a.mp3", "fr")
	if err != nil {
		t.Fatalf("TranscribeURL: %v", err)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected fallback segment, got %+v", res.Segments)
	}
}

func TestMockBackend_RespectsContextCancel(t *testing.T) {
	c := New(config.MockSettings{Delay: 200 * time.Millisecond, Text: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.TranscribeURL(ctx, "https://example.com/a", "en")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
}
