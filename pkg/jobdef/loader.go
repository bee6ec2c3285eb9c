package jobdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a job definition from a YAML or JSON file and validates it.
//
// The format is chosen by extension; unknown extensions are parsed as YAML,
// which also accepts JSON.
func Load(path string) (*JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job definition not found: %s", path)
		}
		return nil, fmt.Errorf("read job definition: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a job definition. path is only used for
// format detection.
func LoadFromBytes(data []byte, path string) (*JobDefinition, error) {
	job, err := Decode(data, path)
	if err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// Decode checks a job definition against the schema and parses it. Required
// fields are not enforced, for callers that fill in fields such as the id
// before calling Validate.
func Decode(data []byte, path string) (*JobDefinition, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("job definition is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var job JobDefinition
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("invalid JSON in job definition: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("invalid YAML in job definition: %w", err)
	}
	return &job, nil
}

func toJSON(data []byte, path string) ([]byte, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in job definition: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in job definition: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert job definition to JSON: %w", err)
	}
	return jsonData, nil
}
