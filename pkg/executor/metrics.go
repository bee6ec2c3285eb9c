package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/jobrunner/pkg/docker"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
)

// AppendSample appends one stats sample to a JSON-lines file.
func AppendSample(p string, s *docker.StatsSample) error {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadSamples reads a JSON-lines stats file. A missing file has no samples;
// unparseable lines are skipped.
func LoadSamples(p string) ([]docker.StatsSample, error) {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open stats: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []docker.StatsSample
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var s docker.StatsSample
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	return out, nil
}

// Aggregate computes peak and mean usage over samples.
func Aggregate(samples []docker.StatsSample) jobregistry.Metrics {
	var m jobregistry.Metrics
	if len(samples) == 0 {
		return m
	}
	var cpuSum, memSum float64
	for _, s := range samples {
		cpuSum += s.CPUPercent
		memSum += s.MemMB
		if s.CPUPercent > m.CPUPeak {
			m.CPUPeak = s.CPUPercent
		}
		if s.MemMB > m.MemMBPeak {
			m.MemMBPeak = s.MemMB
		}
	}
	n := float64(len(samples))
	m.CPUMean = cpuSum / n
	m.MemMBMean = memSum / n
	return m
}
