package manifest

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
	"github.com/3leaps/jobrunner/pkg/outputs"
)

// CountFunc recomputes row and column counts for an output. It returns nil
// counts when they cannot be determined.
type CountFunc func(path string, rec *OutputRecord) (rows, cols *int)

// ActionSet is the set of action names in a project definition.
type ActionSet map[string]struct{}

// NewActionSet builds an ActionSet from names.
func NewActionSet(names ...string) ActionSet {
	set := make(ActionSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func (s ActionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// CheckWorkspace fails when meta was produced in a different workspace than m.
func CheckWorkspace(m *Manifest, meta *jobregistry.JobMetadata) error {
	if ws := meta.Workspace(); ws != m.Workspace {
		return &WorkspaceMismatchError{JobID: meta.JobID, Expected: m.Workspace, Actual: ws}
	}
	return nil
}

// RecordsFromMetadata builds output records from job metadata alone. Row and
// column counts are not persisted in metadata, so they are always nil here.
// Both staleness flags are false.
func RecordsFromMetadata(meta *jobregistry.JobMetadata, repo string) map[string]*OutputRecord {
	if repo == "" {
		repo = meta.Repo
	}
	out := make(map[string]*OutputRecord, len(meta.Outputs))
	for p, tier := range meta.Outputs {
		msg, excluded := meta.Level4ExcludedFiles[p]
		out[p] = &OutputRecord{
			Repo:        repo,
			Commit:      meta.Commit,
			Action:      meta.Action(),
			JobID:       meta.JobID,
			RequestID:   meta.RequestID,
			User:        meta.User,
			PrivacyTier: tier,
			Excluded:    excluded,
			Message:     msg,
		}
	}
	return out
}

// Backfill adds the outputs of a historical job that m does not yet record.
// Existing entries are never modified, so repeated backfills are idempotent.
// Each added record has exactly one staleness flag set: OutOfDateAction when
// the producing action is gone, OutOfDateOutput otherwise.
//
// The caller is expected to have checked the workspace with CheckWorkspace.
// Backfill returns the paths it added, sorted.
func Backfill(m *Manifest, meta *jobregistry.JobMetadata, actions ActionSet, count CountFunc) []string {
	m.ensure()
	current := actions.Has(meta.Action())

	records := RecordsFromMetadata(meta, m.Repo)
	paths := make([]string, 0, len(records))
	for p := range records {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var added []string
	for _, p := range paths {
		if _, exists := m.Outputs[p]; exists {
			continue
		}
		rec := records[p]
		if count != nil {
			rec.RowCount, rec.ColCount = count(p, rec)
		}
		rec.OutOfDateAction = !current
		rec.OutOfDateOutput = current
		m.Outputs[p] = rec
		added = append(added, p)
	}
	return added
}

// ReconcileActions recomputes OutOfDateAction for every entry against the
// current action set. OutOfDateOutput is never touched. It returns the paths
// whose flag changed, sorted.
func ReconcileActions(m *Manifest, actions ActionSet) []string {
	var changed []string
	for _, p := range m.Paths() {
		rec := m.Outputs[p]
		stale := !actions.Has(rec.Action)
		if rec.OutOfDateAction != stale {
			rec.OutOfDateAction = stale
			changed = append(changed, p)
		}
	}
	return changed
}

// Run describes a finished job whose outputs are merged into the manifest.
type Run struct {
	JobID     string
	RequestID string
	Repo      string
	Commit    string
	Action    string
	User      string
	Outputs   []outputs.Output
}

// MergeRun records the outputs of a just-finalized job. Its outputs become
// current entries with both flags cleared. Entries from earlier runs of the
// same action that this run did not regenerate are marked OutOfDateOutput.
func MergeRun(m *Manifest, run Run) {
	m.ensure()
	if m.Repo == "" {
		m.Repo = run.Repo
	}

	produced := make(map[string]struct{}, len(run.Outputs))
	for _, o := range run.Outputs {
		produced[o.Path] = struct{}{}
		m.Outputs[o.Path] = &OutputRecord{
			Repo:        run.Repo,
			Commit:      run.Commit,
			Action:      run.Action,
			JobID:       run.JobID,
			RequestID:   run.RequestID,
			User:        run.User,
			PrivacyTier: o.Tier,
			RowCount:    o.RowCount,
			ColCount:    o.ColCount,
			Excluded:    o.Excluded,
			Message:     o.Message,
		}
	}

	for p, rec := range m.Outputs {
		if rec.Action != run.Action {
			continue
		}
		if _, ok := produced[p]; ok {
			continue
		}
		rec.OutOfDateOutput = true
		rec.OutOfDateAction = false
	}
}

// WorkspaceCounter recomputes counts for backfill. CSV files still present in
// the high-privacy workspace are re-scanned; excluded files fall back to the
// counts embedded in their exclusion message.
func WorkspaceCounter(workspaceDir string) CountFunc {
	return func(p string, rec *OutputRecord) (*int, *int) {
		if !outputs.IsCSV(p) {
			return nil, nil
		}
		full := filepath.Join(workspaceDir, filepath.FromSlash(p))
		if _, err := os.Stat(full); err == nil {
			rows, cols, err := outputs.CountCSV(full)
			if err == nil {
				return &rows, &cols
			}
		}
		if rec.Excluded {
			if rows, cols, ok := outputs.ParseExclusionCounts(rec.Message); ok {
				return &rows, &cols
			}
		}
		return nil, nil
	}
}

// TierCounts summarizes a manifest by privacy tier.
func TierCounts(m *Manifest) map[jobdef.PrivacyTier]int {
	out := make(map[jobdef.PrivacyTier]int)
	for _, rec := range m.Outputs {
		out[rec.PrivacyTier]++
	}
	return out
}
