package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/jobrunner/pkg/proc"
)

// StatsSample is one point-in-time resource reading for a container.
type StatsSample struct {
	Time       time.Time `json:"time"`
	CPUPercent float64   `json:"cpu_percentage"`
	MemMB      float64   `json:"memory_used_mb"`
}

// rawStats is the JSON line printed by `stats --format '{{json .}}'`.
type rawStats struct {
	Name     string `json:"Name"`
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
}

// Stats samples a running container once.
func (c *Client) Stats(ctx context.Context, name string) (*StatsSample, error) {
	res, err := c.run(ctx, []string{"stats", "--no-stream", "--no-trunc", "--format", "{{json .}}", name}, proc.Options{})
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("stats %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("stats %s: %w", name, err)
	}
	lines := splitLines(res.Stdout)
	if len(lines) == 0 {
		return nil, fmt.Errorf("stats %s: empty output", name)
	}
	sample, err := ParseStats([]byte(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", name, err)
	}
	sample.Time = time.Now().UTC()
	return sample, nil
}

// ParseStats parses one JSON stats line, e.g.
//
//	{"CPUPerc":"12.50%","MemUsage":"100MiB / 1.944GiB"}
func ParseStats(line []byte) (*StatsSample, error) {
	var raw rawStats
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}

	cpu := strings.TrimSuffix(strings.TrimSpace(raw.CPUPerc), "%")
	sample := &StatsSample{}
	if cpu != "" && cpu != "--" {
		v, err := strconv.ParseFloat(cpu, 64)
		if err != nil {
			return nil, fmt.Errorf("parse cpu %q: %w", raw.CPUPerc, err)
		}
		sample.CPUPercent = v
	}

	used, _, _ := strings.Cut(raw.MemUsage, "/")
	used = strings.TrimSpace(used)
	if used != "" && used != "--" {
		b, err := humanize.ParseBytes(used)
		if err != nil {
			return nil, fmt.Errorf("parse memory %q: %w", raw.MemUsage, err)
		}
		sample.MemMB = float64(b) / (1024 * 1024)
	}
	return sample, nil
}

// ManagedResources lists everything carrying the management label.
type ManagedResources struct {
	Containers []string
	Volumes    []string
}

// ListManaged enumerates labelled containers and volumes.
func (c *Client) ListManaged(ctx context.Context) (*ManagedResources, error) {
	filter := "label=" + c.opts.ManagementLabel

	cres, err := c.run(ctx, []string{"container", "ls", "--all", "--filter", filter, "--format", "{{.Names}}"}, proc.Options{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	vres, err := c.run(ctx, []string{"volume", "ls", "--filter", filter, "--format", "{{.Name}}"}, proc.Options{})
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	return &ManagedResources{Containers: splitLines(cres.Stdout), Volumes: splitLines(vres.Stdout)}, nil
}

// RemoveManaged removes every labelled container, then every labelled
// volume, and returns what was removed. It stops at the first failure.
func (c *Client) RemoveManaged(ctx context.Context) (*ManagedResources, error) {
	found, err := c.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	removed := &ManagedResources{}
	for _, name := range found.Containers {
		if err := c.RemoveContainer(ctx, name); err != nil {
			return removed, err
		}
		removed.Containers = append(removed.Containers, name)
	}
	for _, name := range found.Volumes {
		if err := c.DeleteVolume(ctx, name); err != nil {
			return removed, err
		}
		removed.Volumes = append(removed.Volumes, name)
	}
	return removed, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
