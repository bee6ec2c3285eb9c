package jobregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3leaps/jobrunner/pkg/jobdef"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	meta := &JobMetadata{
		JobID:  "job-1",
		Repo:   "https://github.com/example/study",
		Commit: "abc123",
		User:   "alice",
		ContainerMetadata: ContainerMetadata{
			State: ContainerState{ExitCode: 0, StartedAt: "2026-01-19T12:00:00.5Z", FinishedAt: "2026-01-19T12:05:00Z"},
			Config: ContainerConfig{Labels: map[string]string{
				LabelJobID:     "job-1",
				LabelWorkspace: "ws",
				LabelAction:    "generate_cohort",
			}},
		},
		Outputs:             map[string]jobdef.PrivacyTier{"output/a.csv": jobdef.TierModeratelySensitive},
		Level4ExcludedFiles: map[string]string{},
	}

	if err := s.Write(meta); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if !s.Exists("job-1") {
		t.Fatalf("Exists() = false after Write")
	}

	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Commit != "abc123" || got.User != "alice" {
		t.Fatalf("fields not persisted: %+v", got)
	}
	if got.Workspace() != "ws" || got.Action() != "generate_cohort" {
		t.Fatalf("labels not persisted: workspace=%q action=%q", got.Workspace(), got.Action())
	}
	if got.Outputs["output/a.csv"] != jobdef.TierModeratelySensitive {
		t.Fatalf("outputs not persisted: %+v", got.Outputs)
	}
	want := time.Date(2026, 1, 19, 12, 0, 0, 500000000, time.UTC)
	if !got.StartedAt().Equal(want) {
		t.Fatalf("StartedAt() = %v, want %v", got.StartedAt(), want)
	}
}

func TestStore_WriteRequiresJobID(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Write(&JobMetadata{}); err == nil {
		t.Fatalf("expected error for empty job id")
	}
	if err := s.Write(nil); err == nil {
		t.Fatalf("expected error for nil metadata")
	}
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	older := &JobMetadata{JobID: "job-1", ContainerMetadata: ContainerMetadata{State: ContainerState{FinishedAt: "2026-01-19T12:00:00Z"}}}
	newer := &JobMetadata{JobID: "job-2", ContainerMetadata: ContainerMetadata{State: ContainerState{FinishedAt: "2026-01-19T13:00:00Z"}}}
	for _, m := range []*JobMetadata{older, newer} {
		if err := s.Write(m); err != nil {
			t.Fatalf("Write %s: %v", m.JobID, err)
		}
	}

	// A running job has a directory but no metadata yet.
	if err := s.EnsureJobDir("job-3"); err != nil {
		t.Fatalf("EnsureJobDir: %v", err)
	}
	// Corrupt metadata is skipped.
	if err := s.EnsureJobDir("job-4"); err != nil {
		t.Fatalf("EnsureJobDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "job-4", "metadata.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("write corrupt metadata: %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(list))
	}
	if list[0].JobID != "job-2" || list[1].JobID != "job-1" {
		t.Fatalf("unexpected order: %q, %q", list[0].JobID, list[1].JobID)
	}
}

func TestStore_ListMissingRoot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing"))
	list, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}

func TestStore_CancelMarker(t *testing.T) {
	s := NewStore(t.TempDir())
	if s.CancelRequested("job-1") {
		t.Fatalf("unexpected cancel marker")
	}
	if err := s.MarkCancelled("job-1"); err != nil {
		t.Fatalf("MarkCancelled() error: %v", err)
	}
	if !s.CancelRequested("job-1") {
		t.Fatalf("cancel marker not persisted")
	}
	if s.Exists("job-1") {
		t.Fatalf("cancel marker must not look like finalized metadata")
	}
}

func TestStore_StartedMarker(t *testing.T) {
	s := NewStore(t.TempDir())
	if s.Started("job-1") {
		t.Fatalf("unexpected started marker")
	}
	if err := s.MarkStarted("job-1"); err != nil {
		t.Fatalf("MarkStarted() error: %v", err)
	}
	if !s.Started("job-1") {
		t.Fatalf("started marker not persisted")
	}
	if s.CancelRequested("job-1") || s.Exists("job-1") {
		t.Fatalf("started marker must not look like a cancel request or metadata")
	}
	if !NewStore(s.RootDir()).Started("job-1") {
		t.Fatalf("started marker not visible to another store")
	}
}
