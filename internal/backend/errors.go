package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrInvalidEndpoint   = errors.New("invalid backend endpoint")
	ErrUnreachableServer = errors.New("backend unreachable")
	ErrInvalidResponse   = errors.New("invalid backend response")
)

// ServerError is a non-2xx answer from the backend.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Body)
}

// TranscriptionFailedError is a 2xx answer with success=false.
type TranscriptionFailedError struct {
	Message string
}

func (e *TranscriptionFailedError) Error() string {
	if e.Message == "" {
		return "transcription failed"
	}
	return "transcription failed: " + e.Message
}

// User-facing messages. Stable so clients can match on them.
const (
	MsgInvalidEndpoint     = "Invalid server URL. Check your network settings."
	MsgUnreachable         = "Could not reach the server. Is it running?"
	MsgTimeout             = "The request timed out. The media may be too long, try a shorter one."
	MsgInvalidResponse     = "The server sent a response we couldn't read."
	MsgTranscriptionFailed = "Transcription failed."
	MsgCancelled           = "cancelled"
)

// UserMessage maps a client error to a message safe to show end users.
// Raw transport detail never appears in the result.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var srv *ServerError
	var failed *TranscriptionFailedError
	switch {
	case errors.Is(err, context.Canceled):
		return MsgCancelled
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return MsgTimeout
	case errors.Is(err, ErrInvalidEndpoint):
		return MsgInvalidEndpoint
	case errors.As(err, &srv):
		return fmt.Sprintf("Server error (%d). Try again later.", srv.StatusCode)
	case errors.As(err, &failed):
		if failed.Message != "" {
			return failed.Message
		}
		return MsgTranscriptionFailed
	case errors.Is(err, ErrInvalidResponse):
		return MsgInvalidResponse
	default:
		return MsgUnreachable
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
