// Package outputs decides what happens to the files a job produced.
//
// Each file matched by a job's output specification is copied to the
// high-privacy workspace. Files whose tier allows review are also published to
// the medium-privacy workspace, subject to the job's output limits:
//
//  1. A disallowed file extension fails the whole job (ExtensionError). This
//     is a violation of the declared contract, not a data issue.
//  2. A file larger than the size limit is excluded and replaced by a message
//     file at the same path plus MessageSuffix.
//  3. A CSV file with more data rows than the row limit is excluded the same
//     way; otherwise its row and column counts are recorded.
package outputs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"

	"github.com/3leaps/jobrunner/pkg/jobdef"
)

// MessageSuffix is appended to an excluded output's path to name its
// placeholder message file.
const MessageSuffix = ".txt"

// ErrDisallowedExtension indicates an output's file type is not permitted.
var ErrDisallowedExtension = errors.New("output file type not permitted")

// ExtensionError is returned when a medium-privacy output has an extension
// outside the permitted set. The job must fail.
type ExtensionError struct {
	Path    string
	Allowed []string
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("%s: %s (allowed: %s)", e.Path, ErrDisallowedExtension, strings.Join(e.Allowed, ", "))
}

func (e *ExtensionError) Is(target error) bool {
	return target == ErrDisallowedExtension
}

// IsExtensionError returns true if err is a disallowed-extension failure.
func IsExtensionError(err error) bool {
	return errors.Is(err, ErrDisallowedExtension)
}

// Output is one produced file and its classification.
type Output struct {
	// Path is slash-separated and relative to the workspace root.
	Path    string
	Pattern string
	Tier    jobdef.PrivacyTier
	Size    int64

	RowCount *int
	ColCount *int

	Excluded bool
	Message  string
}

// Result is the classification of all outputs of one job.
type Result struct {
	// Outputs are sorted by Path.
	Outputs []Output
}

// Matched returns path -> tier for every output.
func (r *Result) Matched() map[string]jobdef.PrivacyTier {
	out := make(map[string]jobdef.PrivacyTier, len(r.Outputs))
	for _, o := range r.Outputs {
		out[o.Path] = o.Tier
	}
	return out
}

// Excluded returns path -> message for every excluded output.
func (r *Result) Excluded() map[string]string {
	out := make(map[string]string)
	for _, o := range r.Outputs {
		if o.Excluded {
			out[o.Path] = o.Message
		}
	}
	return out
}

// Classifier applies output limits.
type Classifier struct {
	Limits jobdef.OutputLimits
}

// New creates a classifier; zero limits take defaults.
func New(limits jobdef.OutputLimits) *Classifier {
	return &Classifier{Limits: limits.WithDefaults()}
}

// Classify matches the output specification against the files under root and
// classifies each match. It performs no writes.
func (c *Classifier) Classify(root string, spec map[string]jobdef.PrivacyTier) (*Result, error) {
	limits := c.Limits.WithDefaults()
	fsys := os.DirFS(root)

	patterns := make([]string, 0, len(spec))
	for p := range spec {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	byPath := make(map[string]*Output)
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid output pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("match output pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			tier := spec[pattern]
			if existing, ok := byPath[m]; ok {
				// Overlapping patterns: the more sensitive tier wins.
				if sensitivity(tier) > sensitivity(existing.Tier) {
					existing.Tier = tier
					existing.Pattern = pattern
				}
				continue
			}
			byPath[m] = &Output{Path: m, Pattern: pattern, Tier: tier}
		}
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		o := byPath[p]
		if o.Tier.MediumPrivacy() && !limits.ExtensionAllowed(p) {
			return nil, &ExtensionError{Path: p, Allowed: limits.AllowedExtensions}
		}
	}

	res := &Result{Outputs: make([]Output, 0, len(paths))}
	for _, p := range paths {
		o := byPath[p]
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(p)))
		if err != nil {
			return nil, fmt.Errorf("stat output %s: %w", p, err)
		}
		o.Size = info.Size()

		if o.Tier.MediumPrivacy() && o.Size > limits.MaxFileSize {
			o.Excluded = true
			o.Message = SizeMessage(o.Size, limits.MaxFileSize)
			res.Outputs = append(res.Outputs, *o)
			continue
		}

		if IsCSV(p) && o.Size <= limits.MaxFileSize {
			rows, cols, err := CountCSV(filepath.Join(root, filepath.FromSlash(p)))
			if err != nil {
				return nil, fmt.Errorf("count rows in %s: %w", p, err)
			}
			if o.Tier.MediumPrivacy() && rows > limits.MaxCSVRows {
				o.Excluded = true
				o.Message = RowMessage(rows, cols, limits.MaxCSVRows)
			} else {
				o.RowCount, o.ColCount = &rows, &cols
			}
		}
		res.Outputs = append(res.Outputs, *o)
	}
	return res, nil
}

func sensitivity(t jobdef.PrivacyTier) int {
	switch t {
	case jobdef.TierHighlySensitive:
		return 3
	case jobdef.TierModeratelySensitive:
		return 2
	case jobdef.TierMinimallySensitive:
		return 1
	default:
		return 0
	}
}

// IsCSV reports whether p names a CSV file.
func IsCSV(p string) bool {
	return strings.EqualFold(path.Ext(p), ".csv")
}

// SizeMessage explains a size-limit exclusion.
func SizeMessage(size, limit int64) string {
	return fmt.Sprintf("File size of %s is larger than the limit of %s. "+
		"This file has been excluded from the medium privacy workspace.",
		humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit)))
}

// RowMessage explains a row-limit exclusion. The counts are embedded so they
// can be recovered later from the message alone.
func RowMessage(rows, cols, limit int) string {
	return fmt.Sprintf("File has %d rows and %d columns, which exceeds the limit of %d rows. "+
		"This file has been excluded from the medium privacy workspace.", rows, cols, limit)
}

var rowMessageRE = regexp.MustCompile(`File has (\d+) rows and (\d+) columns`)

// ParseExclusionCounts recovers row and column counts from a RowMessage.
func ParseExclusionCounts(message string) (rows, cols int, ok bool) {
	m := rowMessageRE.FindStringSubmatch(message)
	if m == nil {
		return 0, 0, false
	}
	rows, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	cols, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return rows, cols, true
}
