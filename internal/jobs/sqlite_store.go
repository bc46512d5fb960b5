package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/transcriber/internal/common"

	_ "modernc.org/sqlite"
)

// ErrJournalNotFound is returned by GetJob for unknown ids.
var ErrJournalNotFound = errors.New("job not found")

// SQLiteJournal implements Journal on a local SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcription_jobs (
		id TEXT PRIMARY KEY,
		source_kind TEXT NOT NULL,
		source TEXT,
		language TEXT NOT NULL,
		state TEXT NOT NULL,
		error_detail TEXT,
		duration REAL,
		segment_count INTEGER NOT NULL DEFAULT 0,
		processing_ms INTEGER,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transcription_jobs_created ON transcription_jobs (created_at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) CreateJob(job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	var src *string
	if job.SourceDescriptor != nil && *job.SourceDescriptor != "" {
		src = job.SourceDescriptor
	}

	_, err := s.db.Exec(
		`INSERT INTO transcription_jobs (id, source_kind, source, language, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.SourceKind), src, job.LanguageTag, string(job.State), formatTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateState records a non-terminal state. Entering listening also stamps started_at.
func (s *SQLiteJournal) UpdateState(id string, state State, at time.Time) error {
	if state == StateListening {
		_, err := s.db.Exec(`UPDATE transcription_jobs SET state = ?, started_at = ? WHERE id = ? AND completed_at IS NULL`,
			string(state), formatTime(at), id)
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`UPDATE transcription_jobs SET state = ? WHERE id = ? AND completed_at IS NULL`, string(state), id)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return nil
}

// Finish stores the terminal outcome. Processing time is measured from created_at.
func (s *SQLiteJournal) Finish(id string, out Outcome) error {
	if !out.State.IsTerminal() {
		return fmt.Errorf("finish with non-terminal state %q", out.State)
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = time.Now().UTC()
	}
	var created string
	if err := s.db.QueryRow(`SELECT created_at FROM transcription_jobs WHERE id = ?`, id).Scan(&created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJournalNotFound
		}
		return fmt.Errorf("finish job: %w", err)
	}
	var processing *int64
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		ms := out.CompletedAt.Sub(t).Milliseconds()
		processing = &ms
	}
	var detail *string
	if out.ErrorDetail != "" {
		detail = &out.ErrorDetail
	}

	_, err := s.db.Exec(`UPDATE transcription_jobs
		SET state = ?, error_detail = ?, duration = ?, segment_count = ?, processing_ms = ?, completed_at = ?
		WHERE id = ?`,
		string(out.State), detail, out.DurationSeconds, out.SegmentCount, processing, formatTime(out.CompletedAt), id,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, source_kind, source, language, state, error_detail, duration, segment_count,
	processing_ms, created_at, started_at, completed_at FROM transcription_jobs`

func (s *SQLiteJournal) GetJob(id string) (*JournalEntry, error) {
	row := s.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJournalNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return entry, nil
}

// ListJobs returns the newest entries first.
func (s *SQLiteJournal) ListJobs(limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = common.DefaultJournalListSize
	}
	rows, err := s.db.Query(selectColumns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*JournalEntry, error) {
	var e JournalEntry
	var kind, state string
	var src, detail, created, started, completed sql.NullString
	var duration sql.NullFloat64
	var processing sql.NullInt64

	if err := row.Scan(
		&e.ID,
		&kind,
		&src,
		&e.Language,
		&state,
		&detail,
		&duration,
		&e.SegmentCount,
		&processing,
		&created,
		&started,
		&completed,
	); err != nil {
		return nil, err
	}

	e.SourceKind = SourceKind(kind)
	e.State = State(state)
	if src.Valid {
		e.Source = src.String
	}
	if detail.Valid {
		v := detail.String
		e.ErrorDetail = &v
	}
	if duration.Valid {
		v := duration.Float64
		e.DurationSeconds = &v
	}
	if processing.Valid {
		v := time.Duration(processing.Int64) * time.Millisecond
		e.ProcessingTime = &v
	}
	if created.Valid {
		if t, err := time.Parse(time.RFC3339Nano, created.String); err == nil {
			e.CreatedAt = t
		}
	}
	if started.Valid {
		if t, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			e.StartedAt = &t
		}
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			e.CompletedAt = &t
		}
	}
	return &e, nil
}

// timeLayout is fixed width so that created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}
