package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/jo-hoe/transcriber/internal/common"
)

var (
	ErrNoFile          = errors.New("no file provided")
	ErrTooLarge        = errors.New("upload too large")
	ErrUnsupportedType = errors.New("unsupported content type")
)

// mediaExtensions covers containers clients commonly upload without a usable content type.
var mediaExtensions = map[string]string{
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".flac": "audio/flac",
	".caf":  "audio/x-caf",
	".webm": "video/webm",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
}

// Uploader handles storing temporary uploads on disk.
type Uploader struct {
	baseDir string
}

// Upload is a media file stored by the Uploader.
type Upload struct {
	Path     string
	Filename string // client-provided name, base only
	MimeType string
	Size     int64
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// Dir is where uploads are written.
func (u *Uploader) Dir() string { return u.baseDir }

// SaveMultipartMedia stores an uploaded audio or video file to disk.
// The caller should always invoke the cleanup function when the file is no longer needed.
func (u *Uploader) SaveMultipartMedia(fileHeader *multipart.FileHeader, maxBytes int64) (Upload, func() error, error) {
	if fileHeader == nil {
		return Upload{}, nil, ErrNoFile
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return Upload{}, nil, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge,
			humanize.IBytes(uint64(fileHeader.Size)), humanize.IBytes(uint64(maxBytes)))
	}
	src, err := fileHeader.Open()
	if err != nil {
		return Upload{}, nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()
	return u.Save(src, fileHeader.Filename, fileHeader.Header.Get("Content-Type"), maxBytes)
}

// Save stores r as an upload. declaredType is the client's content type, used only when sniffing is inconclusive.
func (u *Uploader) Save(r io.Reader, filename, declaredType string, maxBytes int64) (Upload, func() error, error) {
	if err := os.MkdirAll(u.baseDir, 0o755); err != nil {
		return Upload{}, nil, fmt.Errorf("ensure uploads dir: %w", err)
	}

	dstPath := filepath.Join(u.baseDir, randomHex(16)+".part")
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Upload{}, nil, fmt.Errorf("create tmp file: %w", err)
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("copy upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("%w: limit is %s", ErrTooLarge, humanize.IBytes(uint64(maxBytes)))
	}
	if n == 0 {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("%w: empty file", ErrNoFile)
	}

	mt, err := mimetype.DetectFile(dstPath)
	if err != nil {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("detect content type: %w", err)
	}
	mimeType, ext := resolveType(mt, declaredType, filename)
	if !isAllowedMediaMime(mimeType) {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	finalPath := strings.TrimSuffix(dstPath, ".part") + ext
	if err := os.Rename(dstPath, finalPath); err != nil {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("finalize upload: %w", err)
	}

	name := ""
	if strings.TrimSpace(filename) != "" {
		name = filepath.Base(filename)
	}
	cleanup := func() error {
		if err := os.Remove(finalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return Upload{
		Path:     finalPath,
		Filename: name,
		MimeType: mimeType,
		Size:     n,
	}, cleanup, nil
}

// resolveType prefers the sniffed type. Some clients send application/octet-stream,
// so an inconclusive sniff falls back to the declared type, then the extension.
func resolveType(mt *mimetype.MIME, declaredType, filename string) (string, string) {
	sniffed := mt.String()
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	if sniffed != common.ContentTypeOctet {
		return sniffed, pickExtension(mt.Extension(), filename)
	}
	candidate := strings.ToLower(strings.TrimSpace(declaredType))
	if candidate == "" || candidate == common.ContentTypeOctet {
		ext := strings.ToLower(filepath.Ext(filename))
		candidate = mediaExtensions[ext]
		if candidate == "" {
			candidate = mime.TypeByExtension(ext)
		}
	}
	if i := strings.Index(candidate, ";"); i >= 0 {
		candidate = candidate[:i]
	}
	if candidate == "" {
		candidate = common.ContentTypeOctet
	}
	return candidate, pickExtension("", filename)
}

func isAllowedMediaMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	return strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/")
}

func pickExtension(sniffed, original string) string {
	if sniffed != "" {
		return sniffed
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" || len(ext) > 6 {
		return ".bin"
	}
	return ext
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
