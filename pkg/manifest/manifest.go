// Package manifest maintains the per-workspace output manifest.
//
// The manifest records, for every output path ever published into a
// workspace, which job produced it and whether it is still current. It is
// updated when a job finalizes and can be rebuilt from historical job
// metadata (Backfill) and re-checked against the current action list
// (ReconcileActions).
//
// Example manifest.json:
//
//	{
//	  "workspace": "my-study",
//	  "repo": "https://github.com/example/my-study",
//	  "outputs": {
//	    "output/cohort.csv": {
//	      "repo": "https://github.com/example/my-study",
//	      "commit": "abc123",
//	      "action": "generate_cohort",
//	      "job_id": "a1b2c3",
//	      "privacy_tier": "moderately_sensitive",
//	      "row_count": 120,
//	      "col_count": 4,
//	      "excluded": false,
//	      "out_of_date_action": false,
//	      "out_of_date_output": false
//	    }
//	  }
//	}
package manifest

import (
	"fmt"
	"sort"

	"github.com/3leaps/jobrunner/pkg/jobdef"
)

// Manifest is the output manifest of one workspace.
type Manifest struct {
	Workspace string `json:"workspace"`
	Repo      string `json:"repo,omitempty"`

	// Outputs is keyed by slash-separated path relative to the workspace.
	Outputs map[string]*OutputRecord `json:"outputs"`
}

// OutputRecord describes one output file.
type OutputRecord struct {
	Repo      string `json:"repo"`
	Commit    string `json:"commit"`
	Action    string `json:"action"`
	JobID     string `json:"job_id"`
	RequestID string `json:"job_request_id,omitempty"`
	User      string `json:"user"`

	PrivacyTier jobdef.PrivacyTier `json:"privacy_tier"`

	// RowCount and ColCount are nil when unknown.
	RowCount *int `json:"row_count"`
	ColCount *int `json:"col_count"`

	Excluded bool   `json:"excluded"`
	Message  string `json:"message,omitempty"`

	// OutOfDateAction is set when the producing action no longer exists.
	OutOfDateAction bool `json:"out_of_date_action"`
	// OutOfDateOutput is set when a later run of the same action did not
	// regenerate this output.
	OutOfDateOutput bool `json:"out_of_date_output"`
}

// New returns an empty manifest for a workspace.
func New(workspace, repo string) *Manifest {
	return &Manifest{
		Workspace: workspace,
		Repo:      repo,
		Outputs:   make(map[string]*OutputRecord),
	}
}

// Paths returns the recorded output paths in sorted order.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Outputs))
	for p := range m.Outputs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// OutOfDate reports whether either staleness flag is set.
func (r *OutputRecord) OutOfDate() bool {
	return r.OutOfDateAction || r.OutOfDateOutput
}

func (m *Manifest) ensure() {
	if m.Outputs == nil {
		m.Outputs = make(map[string]*OutputRecord)
	}
}

// WorkspaceMismatchError is returned when job metadata belongs to a different
// workspace than the manifest being updated.
type WorkspaceMismatchError struct {
	JobID    string
	Expected string
	Actual   string
}

func (e *WorkspaceMismatchError) Error() string {
	return fmt.Sprintf("job %s belongs to workspace %q, not %q", e.JobID, e.Actual, e.Expected)
}
