// Package jobdef defines the immutable description of a job handed to the
// executor by the scheduler.
//
// A JobDefinition is created once and read-only thereafter. Components that
// only need to know which action of which study a job belongs to accept the
// narrower ActionRef capability instead of a full JobDefinition.
package jobdef

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// PrivacyTier classifies an output's sensitivity. It controls which storage
// area an output is copied into.
type PrivacyTier string

const (
	// TierHighlySensitive outputs only ever reach the high-privacy workspace.
	TierHighlySensitive PrivacyTier = "highly_sensitive"

	// TierModeratelySensitive outputs are also published, subject to limits,
	// to the medium-privacy workspace for review.
	TierModeratelySensitive PrivacyTier = "moderately_sensitive"

	// TierMinimallySensitive outputs are treated like moderately sensitive
	// ones for publishing.
	TierMinimallySensitive PrivacyTier = "minimally_sensitive"
)

// Valid reports whether t is a known tier.
func (t PrivacyTier) Valid() bool {
	switch t {
	case TierHighlySensitive, TierModeratelySensitive, TierMinimallySensitive:
		return true
	default:
		return false
	}
}

// MediumPrivacy reports whether outputs of this tier are published to the
// medium-privacy workspace.
func (t PrivacyTier) MediumPrivacy() bool {
	return t == TierModeratelySensitive || t == TierMinimallySensitive
}

// Study identifies the version of the research repository a job runs.
type Study struct {
	RepoURL string `json:"git_repo_url" yaml:"git_repo_url"`
	Commit  string `json:"commit" yaml:"commit"`
	Branch  string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// Default output limits.
const (
	DefaultMaxFileSize int64 = 16 * 1024 * 1024
	DefaultMaxCSVRows        = 5000
)

// DefaultAllowedExtensions is the permitted set of file extensions for outputs
// published to the medium-privacy workspace.
var DefaultAllowedExtensions = []string{
	".csv", ".html", ".jpeg", ".jpg", ".json", ".log", ".md", ".png", ".svg", ".txt",
}

// OutputLimits bounds what may be published to the medium-privacy workspace.
type OutputLimits struct {
	// MaxFileSize in bytes. Zero means DefaultMaxFileSize.
	MaxFileSize int64 `json:"max_file_size,omitempty" yaml:"max_file_size,omitempty"`

	// MaxCSVRows is the maximum number of data rows in a CSV output.
	// Zero means DefaultMaxCSVRows.
	MaxCSVRows int `json:"max_csv_rows,omitempty" yaml:"max_csv_rows,omitempty"`

	// AllowedExtensions lists permitted extensions including the leading dot.
	// Empty means DefaultAllowedExtensions.
	AllowedExtensions []string `json:"allowed_extensions,omitempty" yaml:"allowed_extensions,omitempty"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (l OutputLimits) WithDefaults() OutputLimits {
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = DefaultMaxFileSize
	}
	if l.MaxCSVRows <= 0 {
		l.MaxCSVRows = DefaultMaxCSVRows
	}
	if len(l.AllowedExtensions) == 0 {
		l.AllowedExtensions = append([]string(nil), DefaultAllowedExtensions...)
	}
	return l
}

// ExtensionAllowed reports whether the extension of p is permitted.
// Comparison is case-insensitive.
func (l OutputLimits) ExtensionAllowed(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, allowed := range l.WithDefaults().AllowedExtensions {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if !strings.HasPrefix(allowed, ".") {
			allowed = "." + allowed
		}
		if ext == allowed {
			return true
		}
	}
	return false
}

// JobDefinition describes one job.
type JobDefinition struct {
	ID        string    `json:"id" yaml:"id"`
	RequestID string    `json:"job_request_id" yaml:"job_request_id"`
	TaskID    string    `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Study     Study     `json:"study" yaml:"study"`
	Workspace string    `json:"workspace" yaml:"workspace"`
	Action    string    `json:"action" yaml:"action"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	User      string    `json:"created_by" yaml:"created_by"`

	Image       string `json:"image" yaml:"image"`
	ImageDigest string `json:"image_sha,omitempty" yaml:"image_sha,omitempty"`

	Args        []string          `json:"args" yaml:"args"`
	Inputs      []string          `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	InputJobIDs []string          `json:"input_job_ids,omitempty" yaml:"input_job_ids,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// OutputSpec maps a relative output path (or glob pattern) to its tier.
	OutputSpec map[string]PrivacyTier `json:"output_spec" yaml:"output_spec"`

	AllowDatabaseAccess bool         `json:"allow_database_access" yaml:"allow_database_access"`
	Limits              OutputLimits `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// ActionRef is the capability of naming an action within a specific study
// version. It is all a project-definition lookup needs.
type ActionRef interface {
	ActionName() string
	StudyRef() Study
}

// ActionName implements ActionRef.
func (j *JobDefinition) ActionName() string { return j.Action }

// StudyRef implements ActionRef.
func (j *JobDefinition) StudyRef() Study { return j.Study }

// ImageRef returns the image reference to run, pinned to the digest when one
// is known.
func (j *JobDefinition) ImageRef() string {
	if j.ImageDigest == "" {
		return j.Image
	}
	image := j.Image
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	return image + "@" + j.ImageDigest
}

// OutputPatterns returns the output_spec keys in sorted order.
func (j *JobDefinition) OutputPatterns() []string {
	out := make([]string, 0, len(j.OutputSpec))
	for p := range j.OutputSpec {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// EnvKeys returns the environment variable names in sorted order.
func (j *JobDefinition) EnvKeys() []string {
	out := make([]string, 0, len(j.Env))
	for k := range j.Env {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ErrInvalidDefinition is returned by Validate.
var ErrInvalidDefinition = errors.New("invalid job definition")

// Validate checks the fields the executor relies on.
func (j *JobDefinition) Validate() error {
	var problems []string
	if strings.TrimSpace(j.ID) == "" {
		problems = append(problems, "id is required")
	} else if strings.ContainsAny(j.ID, "/\\ \t\n") {
		problems = append(problems, "id must not contain path separators or whitespace")
	}
	if strings.TrimSpace(j.Workspace) == "" {
		problems = append(problems, "workspace is required")
	}
	if strings.TrimSpace(j.Action) == "" {
		problems = append(problems, "action is required")
	}
	if strings.TrimSpace(j.Image) == "" {
		problems = append(problems, "image is required")
	}
	for p, tier := range j.OutputSpec {
		if !tier.Valid() {
			problems = append(problems, fmt.Sprintf("output %q: unknown privacy tier %q", p, tier))
		}
		if !isRelative(p) {
			problems = append(problems, fmt.Sprintf("output %q: must be a relative path inside the workspace", p))
		}
	}
	for _, in := range j.Inputs {
		if !isRelative(in) {
			problems = append(problems, fmt.Sprintf("input %q: must be a relative path inside the workspace", in))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
}

func isRelative(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// ActionStub is a stand-in carrying only what a project-definition lookup
// needs. It is used when reconciling historical data, where no full job
// definition exists.
type ActionStub struct {
	Action string
	Study  Study
}

// ActionName implements ActionRef.
func (s ActionStub) ActionName() string { return s.Action }

// StudyRef implements ActionRef.
func (s ActionStub) StudyRef() Study { return s.Study }
