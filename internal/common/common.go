package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON    = "application/json"
	ContentTypeText    = "text/plain; charset=utf-8"
	ContentTypeMD      = "text/markdown; charset=utf-8"
	ContentTypeSSE     = "text/event-stream"
	ContentTypeMPForm  = "multipart/form-data"
	ContentTypeOctet   = "application/octet-stream"
	DefaultUploadField = "file"
)

// API paths
const (
	PathHealthz     = "/healthz"
	PathJobs        = "/v1/jobs"
	PathTranscripts = "/v1/transcripts"
)

// Backend paths
const (
	BackendPathTranscribeURL  = "/transcribe"
	BackendPathTranscribeFile = "/transcribe_file"
	BackendPathHealth         = "/health"
)

// Defaults and limits
const (
	DefaultQueueCapacity   = 4
	DefaultWorkerCount     = 1
	DefaultHistorySize     = 32
	DefaultLanguage        = "en"
	AutoLanguage           = "auto"
	SQLiteBusyTimeoutMS    = 5000
	DefaultJournalListSize = 50
)

// External tools
const (
	FFmpegExecutable  = "ffmpeg"
	FFprobeExecutable = "ffprobe"
)

// Subdirectory names
const (
	UploadsDirName     = "uploads"
	TranscriptsDirName = "transcriptions"
	ExportsDirName     = "exports"
	WorkDirName        = "work"
)

// Notification status strings
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
