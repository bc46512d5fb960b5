package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jo-hoe/transcriber/internal/common"
	"github.com/jo-hoe/transcriber/internal/jobs"
)

// ErrPersistence wraps every filesystem or encoding failure of the store.
var ErrPersistence = errors.New("transcript persistence failed")

const bucketLayout = "2006-01-02"

// FileStore keeps one JSON file per record under <root>/<YYYY-MM-DD>/<id>.json
// and an in-memory index sorted by creation time, newest first.
type FileStore struct {
	log  *slog.Logger
	root string

	mu    sync.RWMutex
	index []jobs.Record
	paths map[string]string
}

// NewFileStore creates the store under storageDir/transcriptions and loads the index.
func NewFileStore(logger *slog.Logger, storageDir string) (*FileStore, error) {
	root := filepath.Join(storageDir, common.TranscriptsDirName)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("%w: ensure root: %v", ErrPersistence, err)
	}
	s := &FileStore{
		log:   logger,
		root:  root,
		paths: make(map[string]string),
	}
	if _, err := s.LoadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the directory holding the date buckets.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) pathFor(rec jobs.Record) string {
	bucket := rec.CreatedAt.UTC().Format(bucketLayout)
	return filepath.Join(s.root, bucket, rec.ID+".json")
}

// Save writes rec and replaces any index entry with the same id.
func (s *FileStore) Save(rec jobs.Record) error {
	if rec.ID == "" || strings.ContainsAny(rec.ID, `/\`) || rec.ID == "." || rec.ID == ".." {
		return fmt.Errorf("%w: invalid record id %q", ErrPersistence, rec.ID)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.pathFor(rec)
	if err := writeFileAtomic(dst, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, rec.ID, err)
	}
	if old, ok := s.paths[rec.ID]; ok && old != dst {
		if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to remove stale transcript file", "id", rec.ID, "path", old, "err", err)
		}
	}
	s.paths[rec.ID] = dst

	replaced := false
	for i := range s.index {
		if s.index[i].ID == rec.ID {
			s.index[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.index = append(s.index, rec)
	}
	sortRecords(s.index)
	return nil
}

// LoadAll rebuilds the index from disk. Unreadable files are skipped and logged.
func (s *FileStore) LoadAll() ([]jobs.Record, error) {
	buckets, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: read root: %v", ErrPersistence, err)
	}

	var records []jobs.Record
	paths := make(map[string]string)
	for _, bucket := range buckets {
		if !bucket.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, bucket.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.log.Warn("skipping unreadable transcript bucket", "path", dir, "err", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			rec, err := readRecord(path)
			if err != nil {
				s.log.Warn("skipping undecodable transcript", "path", path, "err", err)
				continue
			}
			if prev, dup := paths[rec.ID]; dup {
				s.log.Warn("duplicate transcript id on disk", "id", rec.ID, "kept", prev, "ignored", path)
				continue
			}
			paths[rec.ID] = path
			records = append(records, rec)
		}
	}
	sortRecords(records)

	s.mu.Lock()
	s.index = records
	s.paths = paths
	s.mu.Unlock()

	return cloneRecords(records), nil
}

// Delete removes the record if present. Unknown ids are not an error.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.paths[id]
	if !ok {
		path = s.findOnDisk(id)
	}
	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: delete %s: %v", ErrPersistence, id, err)
		}
	}
	delete(s.paths, id)
	for i := range s.index {
		if s.index[i].ID == id {
			s.index = append(s.index[:i], s.index[i+1:]...)
			break
		}
	}
	return nil
}

// findOnDisk scans buckets for a record the index does not know about.
func (s *FileStore) findOnDisk(id string) string {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return ""
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "*", id+".json"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return matches[0]
}

// Get returns a record from the index.
func (s *FileStore) Get(id string) (jobs.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.index {
		if rec.ID == id {
			return rec, true
		}
	}
	return jobs.Record{}, false
}

// List returns the index, newest first.
func (s *FileStore) List() []jobs.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.index)
}

func readRecord(path string) (jobs.Record, error) {
	var rec jobs.Record
	data, err := os.ReadFile(path) // #nosec G304 - path comes from directory listing under the store root
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	if rec.ID == "" {
		return rec, errors.New("record has no id")
	}
	return rec, nil
}

func writeFileAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func sortRecords(recs []jobs.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func cloneRecords(in []jobs.Record) []jobs.Record {
	out := make([]jobs.Record, len(in))
	copy(out, in)
	return out
}
