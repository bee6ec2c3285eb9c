// Package jobregistry persists per-job records under the job log directory.
package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store persists and loads JobMetadata from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/metadata.json
//	<root>/<job_id>/logs.txt
//	<root>/<job_id>/stats.jsonl
//	<root>/<job_id>/started
//	<root>/<job_id>/cancelled
//
// Root is the configured job log directory.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) MetadataPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "metadata.json")
}

func (s *Store) LogPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "logs.txt")
}

func (s *Store) StatsPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stats.jsonl")
}

// CancelMarkerPath is written when cancellation is requested, so the request
// survives a restart of the control loop.
func (s *Store) CancelMarkerPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "cancelled")
}

// StartedMarkerPath is written just before the job's container is started.
// A job with this marker and no container has lost its container.
func (s *Store) StartedMarkerPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "started")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job log root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// EnsureJobDir creates the per-job directory.
func (s *Store) EnsureJobDir(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.JobDir(jobID), 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return nil
}

// Write atomically replaces the job's metadata file.
func (s *Store) Write(meta *JobMetadata) error {
	if meta == nil {
		return fmt.Errorf("job metadata is nil")
	}
	jobID := strings.TrimSpace(meta.JobID)
	if err := s.EnsureJobDir(jobID); err != nil {
		return err
	}
	jobDir := s.JobDir(jobID)

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "metadata.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metadata file: %w", err)
	}

	if err := os.Rename(tmpName, s.MetadataPath(jobID)); err != nil {
		return fmt.Errorf("rename metadata file: %w", err)
	}
	return nil
}

// Exists reports whether metadata has been written for the job.
func (s *Store) Exists(jobID string) bool {
	return fileExists(s.MetadataPath(jobID))
}

func (s *Store) Get(jobID string) (*JobMetadata, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.MetadataPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("metadata.json is empty")
	}

	var meta JobMetadata
	if err := json.Unmarshal([]byte(trimmed), &meta); err != nil {
		return nil, fmt.Errorf("parse metadata.json: %w", err)
	}
	if meta.JobID == "" {
		meta.JobID = jobID
	}
	return &meta, nil
}

// List returns all readable metadata records, newest first. Job directories
// without metadata (jobs still running) are skipped.
func (s *Store) List() ([]JobMetadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job log root: %w", err)
	}

	out := make([]JobMetadata, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *m)
	}

	sort.Slice(out, func(i, j int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[j]))
	})

	return out, nil
}

// MarkCancelled persists a cancellation request.
func (s *Store) MarkCancelled(jobID string) error {
	return s.writeMarker(jobID, s.CancelMarkerPath(jobID))
}

// CancelRequested reports whether a cancellation request was persisted.
func (s *Store) CancelRequested(jobID string) bool {
	return fileExists(s.CancelMarkerPath(jobID))
}

// MarkStarted records that the job's container has been (or is being)
// started.
func (s *Store) MarkStarted(jobID string) error {
	return s.writeMarker(jobID, s.StartedMarkerPath(jobID))
}

// Started reports whether MarkStarted ran for the job in any process.
func (s *Store) Started(jobID string) bool {
	return fileExists(s.StartedMarkerPath(jobID))
}

func (s *Store) writeMarker(jobID, p string) error {
	if err := s.EnsureJobDir(jobID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return os.WriteFile(p, []byte(now+"\n"), 0644)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func jobSortTime(m JobMetadata) time.Time {
	if t := m.FinishedAt(); !t.IsZero() {
		return t
	}
	return m.CompletedAt.UTC()
}
