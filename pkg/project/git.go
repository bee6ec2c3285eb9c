package project

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/proc"
)

// ErrRefNotFound indicates a branch or ref does not exist on the remote.
var ErrRefNotFound = errors.New("git ref not found")

// ActionSource returns the action names defined at a study version.
type ActionSource interface {
	CurrentActionNames(ctx context.Context, ref jobdef.ActionRef) (map[string]struct{}, error)
}

// CommitResolver resolves a branch of a repository to a commit.
type CommitResolver interface {
	ResolveCommit(ctx context.Context, repoURL, branch string) (string, error)
}

// Git runs git through a proc.Runner against local clones kept under
// CloneRoot, one per repository.
type Git struct {
	Runner    proc.Runner
	Binary    string
	CloneRoot string
}

// NewGit creates a git collaborator.
func NewGit(runner proc.Runner, cloneRoot string) *Git {
	return &Git{Runner: runner, Binary: "git", CloneRoot: cloneRoot}
}

var (
	_ ActionSource   = (*Git)(nil)
	_ CommitResolver = (*Git)(nil)
)

func (g *Git) run(ctx context.Context, args ...string) (*proc.Result, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	full := append([]string{bin}, args...)
	return g.Runner.Run(ctx, full, proc.Options{
		Check: true,
		Env:   map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	})
}

// ClonePath returns the local clone directory for a repository URL. The
// directory is keyed by a sha256 of the URL without scheme, trailing slash or
// ".git" suffix; the repository's base name is kept as a readable prefix.
func (g *Git) ClonePath(repoURL string) string {
	key := normalizeRepoURL(repoURL)
	sum := sha256.Sum256([]byte(key))
	base := path.Base(key)
	if base == "." || base == "/" || base == "" {
		base = "repo"
	}
	return filepath.Join(g.CloneRoot, base+"-"+hex.EncodeToString(sum[:])+".git")
}

func normalizeRepoURL(repoURL string) string {
	u := strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(repoURL), "/"), ".git")
	u = strings.TrimPrefix(u, "https://")
	return strings.TrimPrefix(u, "http://")
}

// ResolveCommit resolves branch to a commit sha via ls-remote.
func (g *Git) ResolveCommit(ctx context.Context, repoURL, branch string) (string, error) {
	res, err := g.run(ctx, "ls-remote", "--exit-code", repoURL, "refs/heads/"+branch)
	if err != nil {
		if ce, ok := proc.AsCommandError(err); ok && ce.ExitCode == 2 {
			return "", fmt.Errorf("%w: %s %s", ErrRefNotFound, repoURL, branch)
		}
		return "", fmt.Errorf("resolve %s %s: %w", repoURL, branch, err)
	}
	return parseLsRemote(res.Stdout)
}

func parseLsRemote(out []byte) (string, error) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 1 && len(fields[0]) >= 7 {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("%w: empty ls-remote output", ErrRefNotFound)
}

// fetch makes sure commit is present in the local clone.
func (g *Git) fetch(ctx context.Context, repoURL, commit string) (string, error) {
	clone := g.ClonePath(repoURL)
	if _, err := os.Stat(clone); err != nil {
		if err := os.MkdirAll(g.CloneRoot, 0755); err != nil {
			return "", fmt.Errorf("create clone root: %w", err)
		}
		if _, err := g.run(ctx, "init", "--bare", "--quiet", clone); err != nil {
			return "", fmt.Errorf("init clone for %s: %w", repoURL, err)
		}
	}
	if _, err := g.run(ctx, "-C", clone, "cat-file", "-e", commit+"^{commit}"); err == nil {
		return clone, nil
	}
	if _, err := g.run(ctx, "-C", clone, "fetch", "--quiet", "--depth", "1", repoURL, commit); err != nil {
		return "", fmt.Errorf("fetch %s from %s: %w", commit, repoURL, err)
	}
	return clone, nil
}

// Definition reads the project definition at a study's commit.
func (g *Git) Definition(ctx context.Context, study jobdef.Study) (*Definition, error) {
	clone, err := g.fetch(ctx, study.RepoURL, study.Commit)
	if err != nil {
		return nil, err
	}
	res, err := g.run(ctx, "-C", clone, "show", study.Commit+":"+FileName)
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", FileName, study.Commit, err)
	}
	return Parse(res.Stdout)
}

// CurrentActionNames returns the actions defined at ref's study version.
func (g *Git) CurrentActionNames(ctx context.Context, ref jobdef.ActionRef) (map[string]struct{}, error) {
	def, err := g.Definition(ctx, ref.StudyRef())
	if err != nil {
		return nil, err
	}
	return def.ActionNames(), nil
}

// Checkout writes the study's files at its commit into dest.
func (g *Git) Checkout(ctx context.Context, study jobdef.Study, dest string) error {
	clone, err := g.fetch(ctx, study.RepoURL, study.Commit)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create checkout dir: %w", err)
	}
	if _, err := g.run(ctx, "--git-dir", clone, "--work-tree", dest, "checkout", "--force", study.Commit, "--", "."); err != nil {
		return fmt.Errorf("checkout %s: %w", study.Commit, err)
	}
	return nil
}
