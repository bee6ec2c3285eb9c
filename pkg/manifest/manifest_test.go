package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
	"github.com/3leaps/jobrunner/pkg/outputs"
)

func intPtr(v int) *int { return &v }

func testMetadata(jobID, workspace, action string, outs map[string]jobdef.PrivacyTier, excluded map[string]string) *jobregistry.JobMetadata {
	return &jobregistry.JobMetadata{
		JobID:  jobID,
		Repo:   "https://github.com/example/study",
		Commit: "abc123",
		User:   "alice",
		ContainerMetadata: jobregistry.ContainerMetadata{
			Config: jobregistry.ContainerConfig{Labels: map[string]string{
				jobregistry.LabelJobID:     jobID,
				jobregistry.LabelWorkspace: workspace,
				jobregistry.LabelAction:    action,
			}},
		},
		Outputs:             outs,
		Level4ExcludedFiles: excluded,
	}
}

func TestStore_ReadWrite(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{})

	_, err := s.Read(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifestNotFound))

	m := New("ws", "https://github.com/example/study")
	m.Outputs["output/a.csv"] = &OutputRecord{Action: "a", PrivacyTier: jobdef.TierModeratelySensitive, RowCount: intPtr(3), ColCount: intPtr(2)}
	require.NoError(t, s.Write(dir, m))

	assert.FileExists(t, filepath.Join(dir, "metadata", "manifest.json"))

	got, err := s.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "ws", got.Workspace)
	require.Contains(t, got.Outputs, "output/a.csv")
	assert.Equal(t, 3, *got.Outputs["output/a.csv"].RowCount)

	entries, err := os.ReadDir(filepath.Join(dir, "metadata"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestStore_NullCountsPersistAsNull(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{})
	m := New("ws", "")
	m.Outputs["output/a.csv"] = &OutputRecord{Action: "a", PrivacyTier: jobdef.TierHighlySensitive}
	require.NoError(t, s.Write(dir, m))

	b, err := os.ReadFile(s.Path(dir))
	require.NoError(t, err)
	var raw struct {
		Outputs map[string]map[string]any `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal(b, &raw))
	rec := raw.Outputs["output/a.csv"]
	assert.Contains(t, rec, "row_count")
	assert.Nil(t, rec["row_count"])
}

func TestStore_Backup(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{})

	p, err := s.Backup(dir, "job-1")
	require.NoError(t, err)
	assert.Empty(t, p)

	require.NoError(t, s.Write(dir, New("ws", "")))
	p, err = s.Backup(dir, "job-1")
	require.NoError(t, err)
	assert.Equal(t, s.Path(dir)+"job-1.bu", p)
	assert.FileExists(t, p)
}

func TestStore_UpdateCreates(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{MetadataDir: "meta", Name: "m.json"})

	m, err := s.Update(dir, "ws", func(m *Manifest) error {
		m.Outputs["a.txt"] = &OutputRecord{Action: "a", PrivacyTier: jobdef.TierHighlySensitive}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ws", m.Workspace)
	assert.FileExists(t, filepath.Join(dir, "meta", "m.json"))
}

func TestStore_UpdateErrorLeavesManifest(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{})
	require.NoError(t, s.Write(dir, New("ws", "")))

	boom := errors.New("boom")
	_, err := s.Update(dir, "ws", func(m *Manifest) error {
		m.Outputs["a.txt"] = &OutputRecord{}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Read(dir)
	require.NoError(t, err)
	assert.Empty(t, got.Outputs)
}

func TestStore_ConcurrentUpdatesSerialize(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(dir, "ws", func(m *Manifest) error {
				m.Outputs[filepath.Join("out", string(rune('a'+i)))] = &OutputRecord{PrivacyTier: jobdef.TierHighlySensitive}
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Read(dir)
	require.NoError(t, err)
	assert.Len(t, got.Outputs, 16, "no update may be lost")
}

func TestStore_ReconcileRequiresManifest(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{})

	_, err := s.Reconcile(dir, "job-1", func(*Manifest) error { return nil })
	assert.True(t, errors.Is(err, ErrManifestNotFound))
	assert.NoFileExists(t, s.Path(dir))

	require.NoError(t, s.Write(dir, New("ws", "")))
	_, err = s.Reconcile(dir, "job-1", func(m *Manifest) error {
		m.Outputs["x"] = &OutputRecord{PrivacyTier: jobdef.TierHighlySensitive}
		return nil
	})
	require.NoError(t, err)

	backup, err := os.ReadFile(s.Path(dir) + "job-1.bu")
	require.NoError(t, err)
	assert.NotContains(t, string(backup), `"x"`, "backup holds the prior version")
}

func TestStore_SchemaValidation(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{})

	m := New("ws", "")
	m.Outputs["output/a.csv"] = &OutputRecord{Action: "a", PrivacyTier: "public"}
	err := s.Write(dir, m)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.NoFileExists(t, s.Path(dir), "invalid manifest is never written")

	negative := -1
	m.Outputs["output/a.csv"] = &OutputRecord{Action: "a", PrivacyTier: jobdef.TierHighlySensitive, RowCount: &negative}
	assert.ErrorIs(t, Validate(m), ErrValidationFailed)

	m.Outputs["output/a.csv"].RowCount = nil
	require.NoError(t, Validate(m))
	require.NoError(t, s.Write(dir, m))

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"workspace":"ws","outputs":{},"extra":true}`},
		{name: "missing outputs", body: `{"workspace":"ws"}`},
		{name: "record missing tier", body: `{"outputs":{"a.csv":{"action":"a","out_of_date_action":false,"out_of_date_output":false}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(s.Path(dir), []byte(tt.body), 0644))
			_, err := s.Read(dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
			var verrs ValidationErrors
			assert.ErrorAs(t, err, &verrs)
		})
	}
}

func TestCheckWorkspace(t *testing.T) {
	m := New("ws", "")
	assert.NoError(t, CheckWorkspace(m, testMetadata("j", "ws", "a", nil, nil)))

	err := CheckWorkspace(m, testMetadata("j", "other", "a", nil, nil))
	var mismatch *WorkspaceMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "other", mismatch.Actual)
}

func TestBackfill_ExactlyOneFlag(t *testing.T) {
	meta := testMetadata("job-1", "ws", "generate_cohort", map[string]jobdef.PrivacyTier{
		"output/a.csv": jobdef.TierModeratelySensitive,
		"output/b.csv": jobdef.TierHighlySensitive,
	}, nil)

	tests := []struct {
		name    string
		actions ActionSet
		action  bool
		output  bool
	}{
		{name: "action removed", actions: NewActionSet("other"), action: true, output: false},
		{name: "action current", actions: NewActionSet("generate_cohort"), action: false, output: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New("ws", "")
			added := Backfill(m, meta, tt.actions, nil)
			assert.Equal(t, []string{"output/a.csv", "output/b.csv"}, added)
			for _, rec := range m.Outputs {
				assert.Equal(t, tt.action, rec.OutOfDateAction)
				assert.Equal(t, tt.output, rec.OutOfDateOutput)
				assert.NotEqual(t, rec.OutOfDateAction, rec.OutOfDateOutput)
				assert.Equal(t, "job-1", rec.JobID)
				assert.Equal(t, "abc123", rec.Commit)
			}
		})
	}
}

func TestBackfill_NeverOverwrites(t *testing.T) {
	m := New("ws", "")
	existing := &OutputRecord{JobID: "newer", Action: "a", RowCount: intPtr(9)}
	m.Outputs["output/a.csv"] = existing

	meta := testMetadata("older", "ws", "a", map[string]jobdef.PrivacyTier{
		"output/a.csv": jobdef.TierModeratelySensitive,
		"output/b.csv": jobdef.TierModeratelySensitive,
	}, nil)

	added := Backfill(m, meta, NewActionSet("a"), nil)
	assert.Equal(t, []string{"output/b.csv"}, added)
	assert.Same(t, existing, m.Outputs["output/a.csv"])
	assert.Equal(t, "newer", m.Outputs["output/a.csv"].JobID)
}

func TestBackfill_Idempotent(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Layout{})
	require.NoError(t, s.Write(dir, New("ws", "")))

	meta := testMetadata("job-1", "ws", "a", map[string]jobdef.PrivacyTier{
		"output/a.csv": jobdef.TierModeratelySensitive,
	}, nil)

	apply := func() []byte {
		_, err := s.Reconcile(dir, meta.JobID, func(m *Manifest) error {
			if err := CheckWorkspace(m, meta); err != nil {
				return err
			}
			Backfill(m, meta, NewActionSet("a"), nil)
			return nil
		})
		require.NoError(t, err)
		b, err := os.ReadFile(s.Path(dir))
		require.NoError(t, err)
		return b
	}

	first := apply()
	second := apply()
	assert.Equal(t, string(first), string(second))
}

func TestBackfill_RowLimitCounts(t *testing.T) {
	msg := outputs.RowMessage(6000, 4, 5000)
	meta := testMetadata("job-1", "ws", "a",
		map[string]jobdef.PrivacyTier{"output/tall.csv": jobdef.TierModeratelySensitive},
		map[string]string{"output/tall.csv": msg})

	fromMeta := RecordsFromMetadata(meta, "")
	rec := fromMeta["output/tall.csv"]
	require.NotNil(t, rec)
	assert.True(t, rec.Excluded)
	assert.Nil(t, rec.RowCount)
	assert.Nil(t, rec.ColCount)

	// No high-privacy copy available: counts come from the message.
	m := New("ws", "")
	Backfill(m, meta, NewActionSet("a"), WorkspaceCounter(t.TempDir()))
	got := m.Outputs["output/tall.csv"]
	require.NotNil(t, got.RowCount)
	assert.Equal(t, 6000, *got.RowCount)
	assert.Equal(t, 4, *got.ColCount)
}

func TestWorkspaceCounter_RescansCSV(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "output"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output", "a.csv"), []byte("x,y\n1,2\n3,4\n"), 0644))

	count := WorkspaceCounter(dir)
	rows, cols := count("output/a.csv", &OutputRecord{})
	require.NotNil(t, rows)
	assert.Equal(t, 2, *rows)
	assert.Equal(t, 2, *cols)

	rows, cols = count("output/missing.csv", &OutputRecord{})
	assert.Nil(t, rows)
	assert.Nil(t, cols)

	rows, _ = count("output/plot.png", &OutputRecord{})
	assert.Nil(t, rows)
}

func TestReconcileActions(t *testing.T) {
	m := New("ws", "")
	m.Outputs["old.csv"] = &OutputRecord{Action: "old_action"}
	m.Outputs["current.csv"] = &OutputRecord{Action: "in_project"}
	m.Outputs["corrected.csv"] = &OutputRecord{Action: "in_project", OutOfDateAction: true}
	m.Outputs["stale.csv"] = &OutputRecord{Action: "in_project", OutOfDateOutput: true}

	changed := ReconcileActions(m, NewActionSet("in_project"))
	assert.Equal(t, []string{"corrected.csv", "old.csv"}, changed)

	assert.True(t, m.Outputs["old.csv"].OutOfDateAction)
	assert.False(t, m.Outputs["current.csv"].OutOfDateAction)
	assert.False(t, m.Outputs["corrected.csv"].OutOfDateAction)

	assert.True(t, m.Outputs["stale.csv"].OutOfDateOutput, "out_of_date_output is never modified")
	assert.False(t, m.Outputs["old.csv"].OutOfDateOutput)

	assert.Empty(t, ReconcileActions(m, NewActionSet("in_project")))
}

func TestMergeRun(t *testing.T) {
	m := New("ws", "")
	m.Outputs["output/kept.csv"] = &OutputRecord{Action: "a", JobID: "old", OutOfDateAction: true}
	m.Outputs["output/dropped.csv"] = &OutputRecord{Action: "a", JobID: "old"}
	m.Outputs["output/other.csv"] = &OutputRecord{Action: "b", JobID: "old"}

	MergeRun(m, Run{
		JobID:  "new",
		Repo:   "repo",
		Commit: "def456",
		Action: "a",
		Outputs: []outputs.Output{
			{Path: "output/kept.csv", Tier: jobdef.TierModeratelySensitive, RowCount: intPtr(1), ColCount: intPtr(2)},
			{Path: "output/new.csv", Tier: jobdef.TierHighlySensitive},
		},
	})

	kept := m.Outputs["output/kept.csv"]
	assert.Equal(t, "new", kept.JobID)
	assert.False(t, kept.OutOfDate())
	assert.Equal(t, 1, *kept.RowCount)

	assert.False(t, m.Outputs["output/new.csv"].OutOfDate())

	dropped := m.Outputs["output/dropped.csv"]
	assert.True(t, dropped.OutOfDateOutput)
	assert.False(t, dropped.OutOfDateAction)

	assert.False(t, m.Outputs["output/other.csv"].OutOfDate())
	assert.Equal(t, "repo", m.Repo)
}

func TestTierCounts(t *testing.T) {
	m := New("ws", "")
	m.Outputs["a"] = &OutputRecord{PrivacyTier: jobdef.TierHighlySensitive}
	m.Outputs["b"] = &OutputRecord{PrivacyTier: jobdef.TierHighlySensitive}
	m.Outputs["c"] = &OutputRecord{PrivacyTier: jobdef.TierMinimallySensitive}
	assert.Equal(t, map[jobdef.PrivacyTier]int{
		jobdef.TierHighlySensitive:    2,
		jobdef.TierMinimallySensitive: 1,
	}, TierCounts(m))
}
