// Package project reads study project definitions and resolves study
// versions through git.
//
// A project definition (project.yaml) names the actions a study can run:
//
//	version: "3.0"
//	actions:
//	  generate_cohort:
//	    run: cohort-extractor:latest generate_cohort
//	    outputs:
//	      highly_sensitive:
//	        cohort: output/input.csv
//	  describe:
//	    run: python:latest analysis/describe.py
//	    needs: [generate_cohort]
//	    outputs:
//	      moderately_sensitive:
//	        table: output/table.csv
package project

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobrunner/pkg/jobdef"
)

// FileName is the project definition's name at the repository root.
const FileName = "project.yaml"

// ErrInvalidProject indicates the project definition cannot be used.
var ErrInvalidProject = errors.New("invalid project definition")

// Definition is a parsed project definition.
type Definition struct {
	Version string             `yaml:"version"`
	Actions map[string]*Action `yaml:"actions"`
}

// Action is one named action.
type Action struct {
	Run   string   `yaml:"run"`
	Needs []string `yaml:"needs,omitempty"`

	// Outputs maps tier -> output name -> path or pattern.
	Outputs map[jobdef.PrivacyTier]map[string]string `yaml:"outputs,omitempty"`
}

// Parse parses and checks a project definition.
func Parse(data []byte) (*Definition, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidProject)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	if def.Actions == nil {
		def.Actions = map[string]*Action{}
	}
	for name, a := range def.Actions {
		if a == nil {
			return nil, fmt.Errorf("%w: action %q is empty", ErrInvalidProject, name)
		}
		for _, need := range a.Needs {
			if _, ok := def.Actions[need]; !ok {
				return nil, fmt.Errorf("%w: action %q needs unknown action %q", ErrInvalidProject, name, need)
			}
		}
		for tier := range a.Outputs {
			if !tier.Valid() {
				return nil, fmt.Errorf("%w: action %q: unknown privacy tier %q", ErrInvalidProject, name, tier)
			}
		}
	}
	return &def, nil
}

// ActionNames returns the set of defined action names.
func (d *Definition) ActionNames() map[string]struct{} {
	out := make(map[string]struct{}, len(d.Actions))
	for name := range d.Actions {
		out[name] = struct{}{}
	}
	return out
}

// SortedActionNames returns the action names in sorted order.
func (d *Definition) SortedActionNames() []string {
	out := make([]string, 0, len(d.Actions))
	for name := range d.Actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OutputSpec flattens an action's outputs into path -> tier.
func (d *Definition) OutputSpec(action string) (map[string]jobdef.PrivacyTier, error) {
	a, ok := d.Actions[action]
	if !ok {
		return nil, fmt.Errorf("%w: no action %q", ErrInvalidProject, action)
	}
	out := make(map[string]jobdef.PrivacyTier)
	for tier, named := range a.Outputs {
		for _, p := range named {
			out[p] = tier
		}
	}
	return out, nil
}
