package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jo-hoe/transcriber/internal/backend"
	"github.com/jo-hoe/transcriber/internal/common"
	"github.com/jo-hoe/transcriber/internal/config"
)

var _ backend.Client = (*Client)(nil)

const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"

	fieldLang = "lang"
	fieldFile = "file"

	// mimetype needs at most this many leading bytes.
	sniffLimit        = 3072
	errorSnippetLimit = 400
)

// Client implements backend.Client over the transcription service HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client from backend settings.
// RequestTimeout bounds the wait for response headers; ResourceTimeout bounds the whole exchange.
func New(cfg config.BackendConfig) *Client {
	return &Client{
		httpClient: newHTTPClient(cfg.RequestTimeout, cfg.ResourceTimeout),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
	}
}

func newHTTPClient(requestTimeout, resourceTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = requestTimeout
	return &http.Client{Timeout: resourceTimeout, Transport: tr}
}

type urlRequest struct {
	URL  string `json:"url"`
	Lang string `json:"lang"`
}

type transcribeResponse struct {
	Success  bool                 `json:"success"`
	FullText string               `json:"full_text"`
	Segments []backend.RawSegment `json:"segments"`
	Language string               `json:"language"`
	Duration *float64             `json:"duration"`
	Partial  bool                 `json:"partial"`
	Error    string               `json:"error"`
}

// TranscribeURL posts {url, lang} as JSON.
func (c *Client) TranscribeURL(ctx context.Context, mediaURL, lang string) (*backend.Result, error) {
	u, err := c.endpoint(common.BackendPathTranscribeURL)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(urlRequest{URL: mediaURL, Lang: lang})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidEndpoint, err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	return c.do(ctx, req)
}

// TranscribeFile streams a multipart form with lang and file fields.
func (c *Client) TranscribeFile(ctx context.Context, r io.Reader, filename, lang string) (*backend.Result, error) {
	u, err := c.endpoint(common.BackendPathTranscribeFile)
	if err != nil {
		return nil, err
	}

	head := make([]byte, sniffLimit)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read media: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, errors.New("media is empty")
	}
	partType := partContentType(head, filename)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, io.MultiReader(bytes.NewReader(head), r), filename, partType, lang))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidEndpoint, err)
	}
	req.Header.Set(headerContentType, mw.FormDataContentType())
	return c.do(ctx, req)
}

func writeForm(mw *multipart.Writer, media io.Reader, filename, partType, lang string) error {
	if err := mw.WriteField(fieldLang, lang); err != nil {
		return err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldFile, filepath.Base(filename)))
	h.Set(headerContentType, partType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, media); err != nil {
		return err
	}
	return mw.Close()
}

// partContentType sniffs the media and falls back to audio/<ext>.
func partContentType(head []byte, filename string) string {
	mt := mimetype.Detect(head)
	if mt.Is(common.ContentTypeOctet) || mt.Is("text/plain") {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
		if ext != "" {
			return "audio/" + ext
		}
		return common.ContentTypeOctet
	}
	return mt.String()
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	u, err := c.endpoint(common.BackendPathHealth)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrInvalidEndpoint, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", backend.ErrUnreachableServer, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorSnippetLimit))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &backend.ServerError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) endpoint(path string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return "", fmt.Errorf("%w: %q", backend.ErrInvalidEndpoint, c.baseURL)
	}
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrInvalidEndpoint, err)
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*backend.Result, error) {
	req.Header.Set(headerAccept, common.ContentTypeJSON)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", backend.ErrUnreachableServer, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read body: %w", backend.ErrUnreachableServer, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &backend.ServerError{StatusCode: resp.StatusCode, Body: truncate(string(respBytes), errorSnippetLimit)}
	}

	var out transcribeResponse
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidResponse, err)
	}
	if !out.Success {
		return nil, &backend.TranscriptionFailedError{Message: strings.TrimSpace(out.Error)}
	}
	return &backend.Result{
		FullText: out.FullText,
		Segments: out.Segments,
		Language: out.Language,
		Duration: out.Duration,
		Partial:  out.Partial,
		Error:    out.Error,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
