package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/proc"
)

const sampleProject = `
version: "3.0"
actions:
  generate_cohort:
    run: cohort-extractor:latest generate_cohort
    outputs:
      highly_sensitive:
        cohort: output/input.csv
  describe:
    run: python:latest analysis/describe.py
    needs: [generate_cohort]
    outputs:
      moderately_sensitive:
        table: output/table.csv
        plots: output/*.png
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(sampleProject))
	require.NoError(t, err)

	assert.Equal(t, "3.0", def.Version)
	assert.Equal(t, []string{"describe", "generate_cohort"}, def.SortedActionNames())
	assert.Contains(t, def.ActionNames(), "describe")

	spec, err := def.OutputSpec("describe")
	require.NoError(t, err)
	assert.Equal(t, map[string]jobdef.PrivacyTier{
		"output/table.csv": jobdef.TierModeratelySensitive,
		"output/*.png":     jobdef.TierModeratelySensitive,
	}, spec)

	_, err = def.OutputSpec("missing")
	assert.ErrorIs(t, err, ErrInvalidProject)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "not yaml", data: "actions: [unterminated"},
		{name: "unknown need", data: "actions:\n  a:\n    run: x\n    needs: [b]\n"},
		{name: "unknown tier", data: "actions:\n  a:\n    run: x\n    outputs:\n      secret:\n        o: out.csv\n"},
		{name: "empty action", data: "actions:\n  a:\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidProject)
		})
	}
}

func TestParse_NoActions(t *testing.T) {
	def, err := Parse([]byte("version: \"3.0\"\n"))
	require.NoError(t, err)
	assert.Empty(t, def.ActionNames())
}

type scriptedRunner struct {
	calls   [][]string
	respond func(args []string) (*proc.Result, error)
}

func (r *scriptedRunner) Run(_ context.Context, args []string, opts proc.Options) (*proc.Result, error) {
	r.calls = append(r.calls, args)
	if opts.Env["GIT_TERMINAL_PROMPT"] != "0" {
		return nil, errors.New("git must not prompt")
	}
	return r.respond(args)
}

func (r *scriptedRunner) commands() []string {
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func TestResolveCommit(t *testing.T) {
	r := &scriptedRunner{respond: func(args []string) (*proc.Result, error) {
		return &proc.Result{Args: args, Stdout: []byte("0123456789abcdef\trefs/heads/main\n")}, nil
	}}
	g := NewGit(r, t.TempDir())

	sha, err := g.ResolveCommit(context.Background(), "https://github.com/example/study", "main")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", sha)
	assert.Equal(t, []string{"git ls-remote --exit-code https://github.com/example/study refs/heads/main"}, r.commands())
}

func TestResolveCommit_MissingBranch(t *testing.T) {
	r := &scriptedRunner{respond: func(args []string) (*proc.Result, error) {
		return &proc.Result{Args: args, ExitCode: 2}, proc.Classify(args, 2, nil, nil)
	}}
	_, err := NewGit(r, t.TempDir()).ResolveCommit(context.Background(), "https://github.com/example/study", "nope")
	assert.ErrorIs(t, err, ErrRefNotFound)
}

func TestCurrentActionNames(t *testing.T) {
	root := t.TempDir()
	r := &scriptedRunner{respond: func(args []string) (*proc.Result, error) {
		joined := strings.Join(args, " ")
		switch {
		case strings.Contains(joined, " init --bare "):
			return &proc.Result{Args: args}, os.MkdirAll(args[len(args)-1], 0755)
		case strings.Contains(joined, " cat-file "):
			return &proc.Result{Args: args, ExitCode: 1}, proc.Classify(args, 1, nil, []byte("fatal: not a valid object"))
		case strings.Contains(joined, " show abc123:project.yaml"):
			return &proc.Result{Args: args, Stdout: []byte(sampleProject)}, nil
		default:
			return &proc.Result{Args: args}, nil
		}
	}}
	g := NewGit(r, root)
	study := jobdef.Study{RepoURL: "https://github.com/example/study", Commit: "abc123"}

	names, err := g.CurrentActionNames(context.Background(), jobdef.ActionStub{Action: "describe", Study: study})
	require.NoError(t, err)
	assert.Contains(t, names, "generate_cohort")
	assert.Contains(t, names, "describe")

	clone := g.ClonePath(study.RepoURL)
	assert.Equal(t, root, filepath.Dir(clone))
	assert.Equal(t, []string{
		"git init --bare --quiet " + clone,
		"git -C " + clone + " cat-file -e abc123^{commit}",
		"git -C " + clone + " fetch --quiet --depth 1 https://github.com/example/study abc123",
		"git -C " + clone + " show abc123:project.yaml",
	}, r.commands())
}

func TestCheckout(t *testing.T) {
	root := t.TempDir()
	clone := NewGit(nil, root).ClonePath("https://github.com/example/study")
	require.NoError(t, os.MkdirAll(clone, 0755))

	r := &scriptedRunner{respond: func(args []string) (*proc.Result, error) {
		return &proc.Result{Args: args}, nil
	}}
	dest := filepath.Join(t.TempDir(), "stage")
	err := NewGit(r, root).Checkout(context.Background(), jobdef.Study{RepoURL: "https://github.com/example/study.git", Commit: "abc123"}, dest)
	require.NoError(t, err)

	assert.DirExists(t, dest)
	assert.Equal(t, []string{
		"git -C " + clone + " cat-file -e abc123^{commit}",
		"git --git-dir " + clone + " --work-tree " + dest + " checkout --force abc123 -- .",
	}, r.commands())
}

func TestClonePath(t *testing.T) {
	g := NewGit(nil, "/var/lib/jobrunner/repos")

	nested := g.ClonePath("https://host/a/b")
	flat := g.ClonePath("https://host/a__b")
	assert.NotEqual(t, nested, flat)
	assert.Equal(t, "/var/lib/jobrunner/repos", filepath.Dir(nested))
	assert.True(t, strings.HasPrefix(filepath.Base(nested), "b-"))
	assert.True(t, strings.HasSuffix(nested, ".git"))

	same := []string{
		"https://github.com/example/study",
		"https://github.com/example/study.git",
		"https://github.com/example/study/",
		"http://github.com/example/study",
	}
	for _, u := range same {
		assert.Equal(t, g.ClonePath(same[0]), g.ClonePath(u), u)
	}
	assert.NotEqual(t, g.ClonePath("https://github.com/example/study"), g.ClonePath("https://github.com/other/study"))
}

func TestParseLsRemote(t *testing.T) {
	_, err := parseLsRemote(nil)
	assert.ErrorIs(t, err, ErrRefNotFound)
}
