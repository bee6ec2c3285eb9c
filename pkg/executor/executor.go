// Package executor drives one job at a time through its container lifecycle.
//
// A job moves PREPARING -> PREPARED -> EXECUTING -> EXECUTED -> FINALIZING ->
// FINALIZED, or to ERROR from any non-terminal state. Prepare, Execute and
// Finalize are synchronous and bounded by the runtime client's timeout.
// GetStatus never waits for a container to finish, so one control loop can
// poll many jobs.
//
// Each job owns a container and volume named from its id; concurrent jobs
// never share runtime resources.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobrunner/pkg/docker"
	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
	"github.com/3leaps/jobrunner/pkg/manifest"
	"github.com/3leaps/jobrunner/pkg/netpolicy"
	"github.com/3leaps/jobrunner/pkg/outputs"
)

// DatabaseURLEnv is set in the container environment for jobs with database
// access.
const DatabaseURLEnv = "DATABASE_URL"

// Runtime is the container runtime the executor drives. *docker.Client
// implements it.
type Runtime interface {
	CreateVolume(ctx context.Context, volume string, labels map[string]string) error
	VolumeExists(ctx context.Context, volume string) (bool, error)
	CopyToVolume(ctx context.Context, volume, src, dest string) error
	CopyFromVolume(ctx context.Context, volume, src, dest string) error
	DeleteVolume(ctx context.Context, volume string) error

	Run(ctx context.Context, spec docker.RunSpec) error
	Inspect(ctx context.Context, name string) (*docker.ContainerInfo, error)
	Kill(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	WriteLogs(ctx context.Context, name, dest string, maxLines int) error
	Stats(ctx context.Context, name string) (*docker.StatsSample, error)
}

var _ Runtime = (*docker.Client)(nil)

// Checkouts places a study's code at dest before inputs are staged.
type Checkouts interface {
	Checkout(ctx context.Context, study jobdef.Study, dest string) error
}

// Config holds the executor's host layout and container settings.
type Config struct {
	HighPrivacyDir   string
	MediumPrivacyDir string
	JobLogDir        string

	// LogMaxLines caps the captured container log tail; 0 captures all.
	LogMaxLines int

	CPUs   string
	Memory string

	Network     netpolicy.Policy
	DatabaseURL string

	// Limits fills output limits a job leaves unset.
	Limits jobdef.OutputLimits

	ManifestLayout manifest.Layout
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithCheckouts sets the study checkout collaborator.
func WithCheckouts(c Checkouts) Option {
	return func(e *Executor) { e.checkouts = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs jobs against a container runtime.
type Executor struct {
	cfg       Config
	rt        Runtime
	jobs      *jobregistry.Store
	manifests *manifest.Store
	checkouts Checkouts
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	states  map[string]State
	cancels map[string]bool
}

// New creates an Executor.
func New(cfg Config, rt Runtime, opts ...Option) *Executor {
	e := &Executor{
		cfg:       cfg,
		rt:        rt,
		jobs:      jobregistry.NewStore(cfg.JobLogDir),
		manifests: manifest.NewStore(cfg.ManifestLayout),
		log:       zap.NewNop(),
		now:       time.Now,
		states:    make(map[string]State),
		cancels:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Jobs returns the job metadata store.
func (e *Executor) Jobs() *jobregistry.Store {
	return e.jobs
}

// Manifests returns the manifest store.
func (e *Executor) Manifests() *manifest.Store {
	return e.manifests
}

// HighPrivacyWorkspace returns the high-privacy directory of a workspace.
func (e *Executor) HighPrivacyWorkspace(workspace string) string {
	return filepath.Join(e.cfg.HighPrivacyDir, "workspaces", workspace)
}

// MediumPrivacyWorkspace returns the medium-privacy directory of a workspace,
// or "" when no medium-privacy storage is configured.
func (e *Executor) MediumPrivacyWorkspace(workspace string) string {
	if e.cfg.MediumPrivacyDir == "" {
		return ""
	}
	return filepath.Join(e.cfg.MediumPrivacyDir, "workspaces", workspace)
}

func (e *Executor) state(jobID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[jobID]
}

func (e *Executor) setState(jobID string, s State) {
	e.mu.Lock()
	prev := e.states[jobID]
	e.states[jobID] = s
	e.mu.Unlock()
	if prev != s {
		e.log.Debug("Job state changed", zap.String("job_id", jobID),
			zap.String("from", string(prev)), zap.String("state", string(s)))
	}
}

// advance moves the job to next if allowed from its tracked state.
func (e *Executor) advance(jobID string, next State) error {
	e.mu.Lock()
	cur := e.states[jobID]
	if !CanTransition(cur, next) {
		e.mu.Unlock()
		return &TransitionError{JobID: jobID, From: orUnknown(cur), To: next}
	}
	e.states[jobID] = next
	e.mu.Unlock()
	e.log.Debug("Job state changed", zap.String("job_id", jobID),
		zap.String("from", string(cur)), zap.String("state", string(next)))
	return nil
}

func orUnknown(s State) State {
	if s == "" {
		return StateUnknown
	}
	return s
}

func (e *Executor) labels(job *jobdef.JobDefinition) map[string]string {
	return map[string]string{
		jobregistry.LabelJobID:     job.ID,
		jobregistry.LabelWorkspace: job.Workspace,
		jobregistry.LabelAction:    job.Action,
	}
}

// Prepare creates the job's volume and copies its code and inputs into it.
// A missing input is a *PrepareError.
func (e *Executor) Prepare(ctx context.Context, job *jobdef.JobDefinition) error {
	if err := job.Validate(); err != nil {
		return &PrepareError{JobID: job.ID, Reason: "invalid job definition", Err: err}
	}
	if err := e.advance(job.ID, StatePreparing); err != nil {
		return err
	}
	log := e.log.With(zap.String("job_id", job.ID), zap.String("workspace", job.Workspace))

	if err := e.prepare(ctx, job); err != nil {
		e.setState(job.ID, StateError)
		if cerr := e.rt.DeleteVolume(context.WithoutCancel(ctx), docker.VolumeName(job.ID)); cerr != nil {
			log.Warn("Failed to remove volume after prepare failure", zap.Error(cerr))
		}
		log.Error("Prepare failed", zap.Error(err))
		return err
	}

	e.setState(job.ID, StatePrepared)
	log.Info("Prepared job", zap.String("volume", docker.VolumeName(job.ID)))
	return nil
}

func (e *Executor) prepare(ctx context.Context, job *jobdef.JobDefinition) error {
	stage, err := os.MkdirTemp("", "jobrunner-"+job.ID+"-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(stage) }()

	if e.checkouts != nil {
		if err := e.checkouts.Checkout(ctx, job.Study, stage); err != nil {
			return &PrepareError{JobID: job.ID, Reason: "checkout " + job.Study.Commit, Err: err}
		}
	}

	workspace := e.HighPrivacyWorkspace(job.Workspace)
	for _, input := range job.Inputs {
		src := filepath.Join(workspace, filepath.FromSlash(input))
		if _, err := os.Stat(src); err != nil {
			return &PrepareError{JobID: job.ID, Input: input, Reason: "not found in workspace", Err: err}
		}
		if err := copyTree(src, filepath.Join(stage, filepath.FromSlash(input))); err != nil {
			return &PrepareError{JobID: job.ID, Input: input, Reason: "copy failed", Err: err}
		}
	}

	volume := docker.VolumeName(job.ID)
	if err := e.rt.CreateVolume(ctx, volume, e.labels(job)); err != nil {
		return err
	}
	if err := e.rt.CopyToVolume(ctx, volume, stage+string(filepath.Separator)+".", "."); err != nil {
		return err
	}
	return e.jobs.EnsureJobDir(job.ID)
}

// Execute starts the job's container detached and returns once it runs.
func (e *Executor) Execute(ctx context.Context, job *jobdef.JobDefinition) error {
	if e.state(job.ID) == "" {
		if _, err := e.GetStatus(ctx, job); err != nil {
			return err
		}
	}
	if cur := e.state(job.ID); cur != StatePrepared {
		return &TransitionError{JobID: job.ID, From: orUnknown(cur), To: StateExecuting}
	}
	log := e.log.With(zap.String("job_id", job.ID), zap.String("action", job.Action))

	if err := e.execute(ctx, job); err != nil {
		e.setState(job.ID, StateError)
		log.Error("Execute failed", zap.Error(err))
		return err
	}
	e.setState(job.ID, StateExecuting)
	log.Info("Started job container", zap.String("container", docker.ContainerName(job.ID)))
	return nil
}

func (e *Executor) execute(ctx context.Context, job *jobdef.JobDefinition) error {
	netArgs, err := e.cfg.Network.Args(ctx, job.AllowDatabaseAccess, e.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("network policy: %w", err)
	}

	env := make(map[string]string, len(job.Env)+1)
	for k, v := range job.Env {
		env[k] = v
	}
	if job.AllowDatabaseAccess && e.cfg.DatabaseURL != "" {
		env[DatabaseURLEnv] = e.cfg.DatabaseURL
	}

	// A started job without a container has lost it.
	if err := e.jobs.MarkStarted(job.ID); err != nil {
		return fmt.Errorf("record job start: %w", err)
	}
	return e.rt.Run(ctx, docker.RunSpec{
		Name:        docker.ContainerName(job.ID),
		Image:       job.ImageRef(),
		Args:        job.Args,
		Volume:      docker.VolumeName(job.ID),
		Env:         env,
		NetworkArgs: netArgs,
		CPUs:        e.cfg.CPUs,
		Memory:      e.cfg.Memory,
		Labels:      e.labels(job),
	})
}

// GetStatus reports the job's current state without waiting. It is safe to
// call concurrently. A pending cancellation is acted on here.
//
// A container that disappears after execution started is reported as ERROR,
// also when execution was started by another process.
func (e *Executor) GetStatus(ctx context.Context, job *jobdef.JobDefinition) (State, error) {
	id := job.ID
	if e.jobs.Exists(id) {
		return e.finishedState(id), nil
	}

	tracked := e.state(id)
	switch tracked {
	case StatePreparing, StateFinalizing, StateError:
		return tracked, nil
	}

	name := docker.ContainerName(id)
	info, err := e.rt.Inspect(ctx, name)
	if err != nil {
		if !docker.IsNotFound(err) {
			return orUnknown(tracked), err
		}
		return e.statusWithoutContainer(ctx, id, tracked)
	}

	if !info.State.Running {
		e.setState(id, StateExecuted)
		return StateExecuted, nil
	}

	if e.cancelRequested(id) {
		if err := e.rt.Kill(ctx, name); err != nil {
			return StateExecuting, err
		}
		e.log.Info("Killed cancelled job", zap.String("job_id", id), zap.String("container", name))
		e.setState(id, StateExecuting)
		return StateExecuting, nil
	}

	e.sample(ctx, id, name)
	e.setState(id, StateExecuting)
	return StateExecuting, nil
}

func (e *Executor) statusWithoutContainer(ctx context.Context, id string, tracked State) (State, error) {
	if tracked == StateExecuting || tracked == StateExecuted || e.jobs.Started(id) {
		e.log.Warn("Job container disappeared", zap.String("job_id", id))
		e.setState(id, StateError)
		return StateError, nil
	}

	exists, err := e.rt.VolumeExists(ctx, docker.VolumeName(id))
	if err != nil {
		return orUnknown(tracked), err
	}
	if exists {
		e.setState(id, StatePrepared)
		return StatePrepared, nil
	}
	if tracked == StatePrepared {
		e.setState(id, StateError)
		return StateError, nil
	}
	return StateUnknown, nil
}

func (e *Executor) finishedState(id string) State {
	meta, err := e.jobs.Get(id)
	if err != nil || meta.State == "" {
		return StateFinalized
	}
	return State(meta.State)
}

func (e *Executor) sample(ctx context.Context, id, name string) {
	s, err := e.rt.Stats(ctx, name)
	if err != nil {
		e.log.Debug("Stats sample failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if err := AppendSample(e.jobs.StatsPath(id), s); err != nil {
		e.log.Debug("Failed to record stats sample", zap.String("job_id", id), zap.Error(err))
	}
}

// Cancel requests cancellation. The container is killed on the next
// GetStatus or Finalize; the job then finalizes with the cancelled flag set.
func (e *Executor) Cancel(jobID string) error {
	e.mu.Lock()
	e.cancels[jobID] = true
	e.mu.Unlock()
	if err := e.jobs.MarkCancelled(jobID); err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}
	e.log.Info("Cancellation requested", zap.String("job_id", jobID))
	return nil
}

func (e *Executor) cancelRequested(jobID string) bool {
	e.mu.Lock()
	c := e.cancels[jobID]
	e.mu.Unlock()
	return c || e.jobs.CancelRequested(jobID)
}

// Finalize collects the results of an exited (or cancelled) job: logs,
// metrics, outputs and metadata, then merges its outputs into the workspace
// manifest and removes its container and volume.
//
// Any failure moves the job to ERROR; cleanup is still attempted and, when
// the container could be inspected, metadata is written with the error.
// Finalizing an already finalized job returns its stored metadata. A job in
// ERROR without metadata, such as one whose container was removed, is
// recorded and cleaned up.
func (e *Executor) Finalize(ctx context.Context, job *jobdef.JobDefinition) (*jobregistry.JobMetadata, error) {
	id := job.ID
	status, err := e.GetStatus(ctx, job)
	if err != nil {
		return nil, err
	}

	cancelled := e.cancelRequested(id)
	switch {
	case status == StateFinalized:
		return e.jobs.Get(id)
	case status == StateExecuted:
	case status == StateExecuting && cancelled:
		// GetStatus has already killed it.
	case status == StateError && !e.jobs.Exists(id):
		return e.abandon(ctx, job, cancelled)
	default:
		return nil, &TransitionError{JobID: id, From: status, To: StateFinalizing}
	}
	e.setState(id, StateFinalizing)

	log := e.log.With(zap.String("job_id", id), zap.String("workspace", job.Workspace), zap.String("action", job.Action))

	meta, ferr := e.finalize(ctx, job, cancelled)
	if cerr := e.Cleanup(context.WithoutCancel(ctx), job); cerr != nil {
		log.Warn("Cleanup failed", zap.Error(cerr))
		if ferr == nil {
			ferr = cerr
		}
	}

	final := StateFinalized
	if ferr != nil {
		final = StateError
	}
	if meta != nil {
		meta.State = string(final)
		if ferr != nil {
			meta.Error = ferr.Error()
		}
		meta.CompletedAt = e.now().UTC()
		if werr := e.jobs.Write(meta); werr != nil && ferr == nil {
			ferr = fmt.Errorf("write job metadata: %w", werr)
			final = StateError
		}
	}

	e.setState(id, final)
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()

	if ferr != nil {
		log.Error("Finalize failed", zap.Error(ferr))
		return meta, ferr
	}
	log.Info("Finalized job",
		zap.Int("exit_code", meta.ExitCode),
		zap.Bool("cancelled", meta.Cancelled),
		zap.Int("outputs", len(meta.Outputs)),
		zap.Int("excluded", len(meta.Level4ExcludedFiles)))
	return meta, nil
}

// abandon records a job that failed before it could be finalized, typically
// because its container vanished, and releases what it still holds. For a
// cancelled job the missing container is the expected outcome and no error
// is returned.
func (e *Executor) abandon(ctx context.Context, job *jobdef.JobDefinition, cancelled bool) (*jobregistry.JobMetadata, error) {
	id := job.ID
	name := docker.ContainerName(id)
	log := e.log.With(zap.String("job_id", id), zap.String("workspace", job.Workspace), zap.String("action", job.Action))

	meta := &jobregistry.JobMetadata{
		JobID:     id,
		RequestID: job.RequestID,
		Repo:      job.Study.RepoURL,
		Commit:    job.Study.Commit,
		User:      job.User,
		State:     string(StateError),
		ContainerMetadata: jobregistry.ContainerMetadata{
			Config: jobregistry.ContainerConfig{Image: job.ImageRef(), Labels: e.labels(job)},
			Args:   job.Args,
		},
		Cancelled:           cancelled,
		Outputs:             map[string]jobdef.PrivacyTier{},
		Level4ExcludedFiles: map[string]string{},
	}

	ferr := fmt.Errorf("%w: %s", ErrContainerNotFound, name)
	gone := true
	if info, err := e.rt.Inspect(ctx, name); err == nil {
		meta.ContainerMetadata = containerMetadata(info)
		meta.ExitCode = info.State.ExitCode
		meta.OOMKilled = info.State.OOMKilled
		ferr = fmt.Errorf("job %s failed before it was finalized", id)
		gone = false
	}

	clean := true
	if cerr := e.Cleanup(context.WithoutCancel(ctx), job); cerr != nil {
		log.Warn("Cleanup failed", zap.Error(cerr))
		ferr = errors.Join(ferr, cerr)
		clean = false
	}
	meta.Error = ferr.Error()
	meta.CompletedAt = e.now().UTC()
	if werr := e.jobs.Write(meta); werr != nil {
		ferr = errors.Join(ferr, fmt.Errorf("write job metadata: %w", werr))
		clean = false
	}

	e.setState(id, StateError)
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()

	if cancelled && gone && clean {
		log.Info("Recorded cancelled job without container")
		return meta, nil
	}
	log.Error("Job abandoned", zap.Error(ferr))
	return meta, ferr
}

func (e *Executor) finalize(ctx context.Context, job *jobdef.JobDefinition, cancelled bool) (*jobregistry.JobMetadata, error) {
	id := job.ID
	name := docker.ContainerName(id)

	info, err := e.rt.Inspect(ctx, name)
	if err != nil {
		if docker.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return nil, err
	}

	meta := &jobregistry.JobMetadata{
		JobID:               id,
		RequestID:           job.RequestID,
		Repo:                job.Study.RepoURL,
		Commit:              job.Study.Commit,
		User:                job.User,
		ContainerMetadata:   containerMetadata(info),
		ExitCode:            info.State.ExitCode,
		OOMKilled:           info.State.OOMKilled,
		Cancelled:           cancelled,
		Outputs:             map[string]jobdef.PrivacyTier{},
		Level4ExcludedFiles: map[string]string{},
	}

	if err := e.jobs.EnsureJobDir(id); err != nil {
		return meta, err
	}
	if err := e.rt.WriteLogs(ctx, name, e.jobs.LogPath(id), e.cfg.LogMaxLines); err != nil {
		return meta, err
	}

	samples, err := LoadSamples(e.jobs.StatsPath(id))
	if err != nil {
		e.log.Debug("Failed to load stats samples", zap.String("job_id", id), zap.Error(err))
	}
	meta.JobMetrics = Aggregate(samples)

	if cancelled {
		return meta, nil
	}

	res, err := e.collectOutputs(ctx, job)
	if err != nil {
		return meta, err
	}
	meta.Outputs = res.Matched()
	meta.Level4ExcludedFiles = res.Excluded()

	_, err = e.manifests.Update(e.HighPrivacyWorkspace(job.Workspace), job.Workspace, func(m *manifest.Manifest) error {
		manifest.MergeRun(m, manifest.Run{
			JobID:     id,
			RequestID: job.RequestID,
			Repo:      job.Study.RepoURL,
			Commit:    job.Study.Commit,
			Action:    job.Action,
			User:      job.User,
			Outputs:   res.Outputs,
		})
		return nil
	})
	if err != nil {
		return meta, fmt.Errorf("update manifest: %w", err)
	}
	return meta, nil
}

func (e *Executor) collectOutputs(ctx context.Context, job *jobdef.JobDefinition) (*outputs.Result, error) {
	tmp, err := os.MkdirTemp("", "jobrunner-"+job.ID+"-out-")
	if err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	extracted := filepath.Join(tmp, "workspace")
	if err := e.rt.CopyFromVolume(ctx, docker.VolumeName(job.ID), ".", extracted); err != nil {
		return nil, err
	}

	res, err := outputs.New(e.limitsFor(job)).Classify(extracted, job.OutputSpec)
	if err != nil {
		return nil, err
	}
	if err := outputs.Publish(res, extracted, e.HighPrivacyWorkspace(job.Workspace), e.MediumPrivacyWorkspace(job.Workspace)); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Executor) limitsFor(job *jobdef.JobDefinition) jobdef.OutputLimits {
	l := job.Limits
	if l.MaxFileSize == 0 {
		l.MaxFileSize = e.cfg.Limits.MaxFileSize
	}
	if l.MaxCSVRows == 0 {
		l.MaxCSVRows = e.cfg.Limits.MaxCSVRows
	}
	if len(l.AllowedExtensions) == 0 {
		l.AllowedExtensions = e.cfg.Limits.AllowedExtensions
	}
	return l.WithDefaults()
}

// Cleanup removes the job's container and volume. Absent resources are not an
// error.
func (e *Executor) Cleanup(ctx context.Context, job *jobdef.JobDefinition) error {
	var errs []error
	if err := e.rt.RemoveContainer(ctx, docker.ContainerName(job.ID)); err != nil {
		errs = append(errs, err)
	}
	if err := e.rt.DeleteVolume(ctx, docker.VolumeName(job.ID)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func containerMetadata(info *docker.ContainerInfo) jobregistry.ContainerMetadata {
	return jobregistry.ContainerMetadata{
		State: jobregistry.ContainerState{
			Status:     info.State.Status,
			ExitCode:   info.State.ExitCode,
			OOMKilled:  info.State.OOMKilled,
			StartedAt:  info.State.StartedAt,
			FinishedAt: info.State.FinishedAt,
		},
		Config: jobregistry.ContainerConfig{
			Image:  info.Config.Image,
			Labels: info.Config.Labels,
		},
		Args: info.Args,
	}
}

// copyTree copies a file or directory tree from src to dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
