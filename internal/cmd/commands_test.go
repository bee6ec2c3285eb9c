package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobrunner/internal/config"
	"github.com/3leaps/jobrunner/pkg/docker"
	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
	"github.com/3leaps/jobrunner/pkg/manifest"
	"github.com/3leaps/jobrunner/pkg/outputs"
	"github.com/3leaps/jobrunner/pkg/proc"
)

const testRepo = "https://github.com/example/study"

type finishedJob struct {
	id        string
	workspace string
	action    string
	finished  time.Time
	outputs   map[string]jobdef.PrivacyTier
	excluded  map[string]string
}

func writeFinishedJob(t *testing.T, root string, j finishedJob) *jobregistry.JobMetadata {
	t.Helper()
	meta := &jobregistry.JobMetadata{
		JobID:     j.id,
		RequestID: "req-" + j.id,
		Repo:      testRepo,
		Commit:    "abc123",
		User:      "researcher",
		State:     "FINALIZED",
		ContainerMetadata: jobregistry.ContainerMetadata{
			State: jobregistry.ContainerState{
				Status:     "exited",
				StartedAt:  j.finished.Add(-90 * time.Second).Format(time.RFC3339Nano),
				FinishedAt: j.finished.Format(time.RFC3339Nano),
			},
			Config: jobregistry.ContainerConfig{
				Image: "python:latest",
				Labels: map[string]string{
					jobregistry.LabelJobID:     j.id,
					jobregistry.LabelWorkspace: j.workspace,
					jobregistry.LabelAction:    j.action,
				},
			},
		},
		Outputs:             j.outputs,
		Level4ExcludedFiles: j.excluded,
		CompletedAt:         j.finished,
	}
	require.NoError(t, jobregistry.NewStore(filepath.Join(root, "logs")).Write(meta))
	return meta
}

func workspaceDir(root, workspace string) string {
	return filepath.Join(root, "high", "workspaces", workspace)
}

func TestJobsList(t *testing.T) {
	root := testEnv(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	writeFinishedJob(t, root, finishedJob{id: "job-older-0001", workspace: "alpha", action: "generate", finished: now.Add(-time.Hour)})
	writeFinishedJob(t, root, finishedJob{id: "job-newer-0002", workspace: "beta", action: "describe", finished: now,
		outputs: map[string]jobdef.PrivacyTier{"output/t.csv": jobdef.TierModeratelySensitive}})

	out, err := execute(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "FINALIZED")
	assert.Contains(t, out, "1m30s")
	newer := strings.Index(out, "job-newer-00")
	older := strings.Index(out, "job-older-00")
	require.True(t, newer >= 0 && older >= 0, out)
	assert.Less(t, newer, older, "newest first")

	out, err = execute(t, "jobs", "list", "--workspace", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "job-older-00")
	assert.NotContains(t, out, "job-newer-00")

	out, err = execute(t, "jobs", "list", "--json")
	require.NoError(t, err)
	var decoded []jobregistry.JobMetadata
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Len(t, decoded, 2)
}

func TestJobsList_Empty(t *testing.T) {
	testEnv(t)
	out, err := execute(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")
}

func TestJobsShow_ResolvesPrefix(t *testing.T) {
	root := testEnv(t)
	now := time.Now().UTC()
	writeFinishedJob(t, root, finishedJob{id: "aaaa-1111", workspace: "alpha", action: "generate", finished: now,
		outputs:  map[string]jobdef.PrivacyTier{"output/big.csv": jobdef.TierModeratelySensitive},
		excluded: map[string]string{"output/big.csv": outputs.RowMessage(9000, 3, 5000)}})
	writeFinishedJob(t, root, finishedJob{id: "aaaa-2222", workspace: "alpha", action: "generate", finished: now})

	out, err := execute(t, "jobs", "show", "aaaa-1")
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=aaaa-1111")
	assert.Contains(t, out, "workspace=alpha")
	assert.Contains(t, out, "action=generate")
	assert.Contains(t, out, "output=output/big.csv tier=moderately_sensitive")
	assert.Contains(t, out, "excluded=output/big.csv")

	_, err = execute(t, "jobs", "show", "aaaa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = execute(t, "jobs", "show", "zzzz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestJobsLogs_Tail(t *testing.T) {
	root := testEnv(t)
	writeFinishedJob(t, root, finishedJob{id: "job-logs", workspace: "alpha", action: "generate", finished: time.Now()})
	store := jobregistry.NewStore(filepath.Join(root, "logs"))
	require.NoError(t, os.WriteFile(store.LogPath("job-logs"), []byte("one\ntwo\nthree\nfour\n"), 0644))

	out, err := execute(t, "jobs", "logs", "job-logs", "--tail", "2")
	require.NoError(t, err)
	assert.Equal(t, "three\nfour\n", out)

	out, err = execute(t, "jobs", "logs", "job-logs", "--tail", "0")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", out)
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want []string
	}{
		{name: "fewer lines than n", in: "a\nb\n", n: 5, want: []string{"a", "b"}},
		{name: "exact tail", in: "a\nb\nc\nd\n", n: 2, want: []string{"c", "d"}},
		{name: "zero", in: "a\n", n: 0, want: nil},
		{name: "no trailing newline", in: "a\nb\nc", n: 1, want: []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tailLines(strings.NewReader(tt.in), tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCancel(t *testing.T) {
	root := testEnv(t)
	store := jobregistry.NewStore(filepath.Join(root, "logs"))

	out, err := execute(t, "cancel", "job-running")
	require.NoError(t, err)
	assert.Contains(t, out, "cancel_requested=true")
	assert.True(t, store.CancelRequested("job-running"))

	writeFinishedJob(t, root, finishedJob{id: "job-done", workspace: "alpha", action: "generate", finished: time.Now()})
	_, err = execute(t, "cancel", "job-done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finished")
	assert.False(t, store.CancelRequested("job-done"))
}

func TestLoadJob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace: alpha
action: generate
image: python:latest
study:
  git_repo_url: https://github.com/example/study
  commit: abc123
output_spec:
  output/*.csv: moderately_sensitive
`), 0644))

	job, err := loadJob(path, "")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID, "id generated")
	assert.Equal(t, job.ID, job.RequestID)

	job, err = loadJob(path, " fixed-id ")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", job.ID)

	require.NoError(t, os.WriteFile(path, []byte("workspace: alpha\n"), 0644))
	_, err = loadJob(path, "")
	require.ErrorIs(t, err, jobdef.ErrInvalidDefinition)
}

func writeManifest(t *testing.T, root, workspace string, m *manifest.Manifest) *manifest.Store {
	t.Helper()
	store := manifest.NewStore(manifest.Layout{})
	require.NoError(t, store.Write(workspaceDir(root, workspace), m))
	return store
}

func intPtr(n int) *int { return &n }

func TestManifestShow(t *testing.T) {
	root := testEnv(t)
	m := manifest.New("alpha", testRepo)
	m.Outputs["output/table.csv"] = &manifest.OutputRecord{
		Action: "describe", JobID: "job-1", PrivacyTier: jobdef.TierModeratelySensitive,
		RowCount: intPtr(1234), ColCount: intPtr(5),
	}
	m.Outputs["output/cohort.csv"] = &manifest.OutputRecord{
		Action: "old_action", JobID: "job-0", PrivacyTier: jobdef.TierHighlySensitive, OutOfDateAction: true,
	}
	writeManifest(t, root, "alpha", m)

	out, err := execute(t, "manifest", "show", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "workspace=alpha")
	assert.Contains(t, out, "outputs[moderately_sensitive]=1")
	assert.Contains(t, out, "outputs[highly_sensitive]=1")
	assert.Contains(t, out, "out_of_date=1")
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "stale-action")

	out, err = execute(t, "manifest", "show", "alpha", "--json")
	require.NoError(t, err)
	var decoded manifest.Manifest
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Len(t, decoded.Outputs, 2)

	_, err = execute(t, "manifest", "show", "missing")
	require.ErrorIs(t, err, manifest.ErrManifestNotFound)
}

func TestManifestBackfill(t *testing.T) {
	root := testEnv(t)
	store := writeManifest(t, root, "alpha", manifest.New("alpha", testRepo))
	wsDir := workspaceDir(root, "alpha")

	require.NoError(t, os.MkdirAll(filepath.Join(wsDir, "output"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wsDir, "output", "a.csv"), []byte("x,y\n1,2\n3,4\n5,6\n"), 0644))

	writeFinishedJob(t, root, finishedJob{id: "job-hist", workspace: "alpha", action: "generate", finished: time.Now(),
		outputs: map[string]jobdef.PrivacyTier{
			"output/a.csv":   jobdef.TierModeratelySensitive,
			"output/big.csv": jobdef.TierModeratelySensitive,
		},
		excluded: map[string]string{"output/big.csv": outputs.RowMessage(9000, 3, 5000)},
	})

	out, err := execute(t, "manifest", "backfill", "alpha", "job-hist", "--actions", "generate,describe")
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=job-hist added=2")

	m, err := store.Read(wsDir)
	require.NoError(t, err)
	a := m.Outputs["output/a.csv"]
	require.NotNil(t, a)
	require.NotNil(t, a.RowCount)
	assert.Equal(t, 3, *a.RowCount)
	assert.Equal(t, 2, *a.ColCount)
	assert.True(t, a.OutOfDateOutput)
	assert.False(t, a.OutOfDateAction)

	big := m.Outputs["output/big.csv"]
	require.NotNil(t, big)
	assert.True(t, big.Excluded)
	require.NotNil(t, big.RowCount)
	assert.Equal(t, 9000, *big.RowCount)

	assert.FileExists(t, store.Path(wsDir)+"job-hist"+manifest.BackupSuffix)

	before, err := os.ReadFile(store.Path(wsDir))
	require.NoError(t, err)
	out, err = execute(t, "manifest", "backfill", "alpha", "job-hist", "--actions", "generate")
	require.NoError(t, err)
	assert.Contains(t, out, "added=0")
	after, err := os.ReadFile(store.Path(wsDir))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestManifestBackfill_GoneAction(t *testing.T) {
	root := testEnv(t)
	store := writeManifest(t, root, "alpha", manifest.New("alpha", testRepo))
	writeFinishedJob(t, root, finishedJob{id: "job-gone", workspace: "alpha", action: "removed", finished: time.Now(),
		outputs: map[string]jobdef.PrivacyTier{"output/x.png": jobdef.TierModeratelySensitive}})

	_, err := execute(t, "manifest", "backfill", "alpha", "job-gone", "--actions", "generate")
	require.NoError(t, err)

	m, err := store.Read(workspaceDir(root, "alpha"))
	require.NoError(t, err)
	rec := m.Outputs["output/x.png"]
	require.NotNil(t, rec)
	assert.True(t, rec.OutOfDateAction)
	assert.False(t, rec.OutOfDateOutput)
	assert.Nil(t, rec.RowCount)
}

func TestManifestBackfill_Rejects(t *testing.T) {
	root := testEnv(t)
	writeFinishedJob(t, root, finishedJob{id: "job-other", workspace: "other", action: "generate", finished: time.Now(),
		outputs: map[string]jobdef.PrivacyTier{"output/x.csv": jobdef.TierModeratelySensitive}})

	_, err := execute(t, "manifest", "backfill", "alpha", "job-other", "--actions", "generate")
	require.ErrorIs(t, err, manifest.ErrManifestNotFound)

	store := writeManifest(t, root, "alpha", manifest.New("alpha", testRepo))
	_, err = execute(t, "manifest", "backfill", "alpha", "job-other", "--actions", "generate")
	require.Error(t, err)
	var mismatch *manifest.WorkspaceMismatchError
	require.ErrorAs(t, err, &mismatch)

	m, err := store.Read(workspaceDir(root, "alpha"))
	require.NoError(t, err)
	assert.Empty(t, m.Outputs)
}

func TestManifestReconcileActions(t *testing.T) {
	root := testEnv(t)
	m := manifest.New("alpha", testRepo)
	m.Outputs["output/old.csv"] = &manifest.OutputRecord{Action: "old_action", PrivacyTier: jobdef.TierModeratelySensitive}
	m.Outputs["output/kept.csv"] = &manifest.OutputRecord{Action: "describe", PrivacyTier: jobdef.TierModeratelySensitive,
		OutOfDateAction: true, OutOfDateOutput: true}
	m.Outputs["output/fresh.csv"] = &manifest.OutputRecord{Action: "describe", PrivacyTier: jobdef.TierModeratelySensitive}
	store := writeManifest(t, root, "alpha", m)
	wsDir := workspaceDir(root, "alpha")

	out, err := execute(t, "manifest", "reconcile-actions", "alpha", "--actions", "describe")
	require.NoError(t, err)
	assert.Contains(t, out, "changed=2")

	got, err := store.Read(wsDir)
	require.NoError(t, err)
	assert.True(t, got.Outputs["output/old.csv"].OutOfDateAction)
	assert.False(t, got.Outputs["output/kept.csv"].OutOfDateAction)
	assert.True(t, got.Outputs["output/kept.csv"].OutOfDateOutput, "output flag untouched")
	assert.False(t, got.Outputs["output/fresh.csv"].OutOfDateAction)

	backups, err := filepath.Glob(store.Path(wsDir) + "*" + manifest.BackupSuffix)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestManifestReconcileActions_NeedsRepo(t *testing.T) {
	root := testEnv(t)
	writeManifest(t, root, "alpha", manifest.New("alpha", ""))

	_, err := execute(t, "manifest", "reconcile-actions", "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--repo")
}

// scriptedDocker answers container runtime invocations from canned output.
type scriptedDocker struct {
	mu    sync.Mutex
	calls []string
}

func (s *scriptedDocker) Run(_ context.Context, args []string, _ proc.Options) (*proc.Result, error) {
	joined := strings.Join(args, " ")
	s.mu.Lock()
	s.calls = append(s.calls, joined)
	s.mu.Unlock()

	switch {
	case strings.Contains(joined, " container ls "):
		return &proc.Result{Args: args, Stdout: []byte("os-job-1\n")}, nil
	case strings.Contains(joined, " volume ls "):
		return &proc.Result{Args: args, Stdout: []byte("os-volume-1\n")}, nil
	case strings.Contains(joined, " inspect "):
		stderr := []byte("Error: No such object")
		return &proc.Result{Args: args, ExitCode: 1, Stderr: stderr}, proc.Classify(args, 1, nil, stderr)
	}
	return &proc.Result{Args: args}, nil
}

func (s *scriptedDocker) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func useScriptedDocker(t *testing.T) *scriptedDocker {
	t.Helper()
	s := &scriptedDocker{}
	orig := newRunner
	newRunner = func(*config.Config) proc.Runner { return s }
	t.Cleanup(func() { newRunner = orig })
	return s
}

func TestCleanup(t *testing.T) {
	testEnv(t)

	t.Run("dry run", func(t *testing.T) {
		s := useScriptedDocker(t)
		out, err := execute(t, "cleanup", "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, out, "container=os-job-1")
		assert.Contains(t, out, "volume=os-volume-1")
		assert.Contains(t, out, "would_remove=2")
		for _, c := range s.commands() {
			assert.NotContains(t, c, " rm ")
		}
	})

	t.Run("remove", func(t *testing.T) {
		s := useScriptedDocker(t)
		out, err := execute(t, "cleanup")
		require.NoError(t, err)
		assert.Contains(t, out, "removed_containers=1")
		assert.Contains(t, out, "removed_volumes=1")
		assert.Contains(t, s.commands(), docker.DefaultBinary+" container rm --force os-job-1")
		assert.Contains(t, s.commands(), docker.DefaultBinary+" volume rm --force os-volume-1")
	})
}

func TestStatus_UnknownJob(t *testing.T) {
	dir := testEnv(t)
	useScriptedDocker(t)

	path := filepath.Join(dir, "job.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "id": "job-status",
  "workspace": "alpha",
  "action": "generate",
  "image": "python:latest",
  "study": {"git_repo_url": "https://github.com/example/study", "commit": "abc123"}
}`), 0644))

	out, err := execute(t, "status", path)
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=job-status")
	assert.Contains(t, out, "state=UNKNOWN")
}
