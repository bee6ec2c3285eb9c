package jobregistry

import (
	"time"

	"github.com/3leaps/jobrunner/pkg/jobdef"
)

// Container labels the executor sets and metadata readers rely on.
const (
	LabelJobID     = "job"
	LabelWorkspace = "workspace"
	LabelAction    = "action"
)

// ContainerState mirrors the State section of container inspection.
type ContainerState struct {
	Status     string `json:"Status,omitempty"`
	ExitCode   int    `json:"ExitCode"`
	OOMKilled  bool   `json:"OOMKilled"`
	StartedAt  string `json:"StartedAt,omitempty"`
	FinishedAt string `json:"FinishedAt,omitempty"`
}

// ContainerConfig mirrors the Config section of container inspection.
type ContainerConfig struct {
	Image  string            `json:"Image,omitempty"`
	Labels map[string]string `json:"Labels,omitempty"`
}

// ContainerMetadata is the persisted copy of the container inspection taken
// at finalize.
type ContainerMetadata struct {
	State  ContainerState  `json:"State"`
	Config ContainerConfig `json:"Config"`
	Args   []string        `json:"Args,omitempty"`
}

// Metrics aggregates sampled resource usage over a job's run.
type Metrics struct {
	CPUPeak   float64 `json:"cpu_peak"`
	CPUMean   float64 `json:"cpu_mean"`
	MemMBPeak float64 `json:"mem_mb_peak"`
	MemMBMean float64 `json:"mem_mb_mean"`
}

// JobMetadata is the record written once at finalize.
//
// NOTE: the field names are part of the stable on-disk contract; historical
// metadata files are read back by manifest reconciliation.
type JobMetadata struct {
	JobID     string `json:"job_id"`
	RequestID string `json:"job_request_id,omitempty"`
	Repo      string `json:"repo,omitempty"`
	Commit    string `json:"commit"`
	User      string `json:"user"`

	// State is the executor state the job ended in.
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`

	ContainerMetadata ContainerMetadata `json:"container_metadata"`
	JobMetrics        Metrics           `json:"job_metrics"`

	ExitCode  int  `json:"exit_code"`
	OOMKilled bool `json:"oom_killed"`
	Cancelled bool `json:"cancelled"`

	// Outputs maps every matched output path to its tier.
	Outputs map[string]jobdef.PrivacyTier `json:"outputs"`

	// Level4ExcludedFiles maps excluded medium-privacy outputs to the reason
	// they were excluded.
	Level4ExcludedFiles map[string]string `json:"level4_excluded_files"`

	CompletedAt time.Time `json:"completed_at"`
}

// Workspace returns the workspace label recorded on the container.
func (m *JobMetadata) Workspace() string {
	return m.ContainerMetadata.Config.Labels[LabelWorkspace]
}

// Action returns the action label recorded on the container.
func (m *JobMetadata) Action() string {
	return m.ContainerMetadata.Config.Labels[LabelAction]
}

// ActionRef returns a stand-in naming this job's action and study version.
func (m *JobMetadata) ActionRef() jobdef.ActionStub {
	return jobdef.ActionStub{
		Action: m.Action(),
		Study:  jobdef.Study{RepoURL: m.Repo, Commit: m.Commit},
	}
}

// StartedAt parses the container start time. A zero time is returned when it
// was not recorded.
func (m *JobMetadata) StartedAt() time.Time {
	return parseRuntimeTime(m.ContainerMetadata.State.StartedAt)
}

// FinishedAt parses the container finish time.
func (m *JobMetadata) FinishedAt() time.Time {
	return parseRuntimeTime(m.ContainerMetadata.State.FinishedAt)
}

func parseRuntimeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t.UTC()
}
