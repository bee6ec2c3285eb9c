package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrManifestNotFound indicates the workspace has no manifest yet.
var ErrManifestNotFound = errors.New("manifest not found")

// Default layout inside a workspace directory.
const (
	DefaultMetadataDir = "metadata"
	DefaultName        = "manifest.json"
	BackupSuffix       = ".bu"
)

// Layout locates the manifest inside a workspace directory.
type Layout struct {
	MetadataDir string `json:"metadata_dir" yaml:"metadata_dir" mapstructure:"metadata_dir"`
	Name        string `json:"name" yaml:"name" mapstructure:"name"`
}

// WithDefaults fills empty fields.
func (l Layout) WithDefaults() Layout {
	if strings.TrimSpace(l.MetadataDir) == "" {
		l.MetadataDir = DefaultMetadataDir
	}
	if strings.TrimSpace(l.Name) == "" {
		l.Name = DefaultName
	}
	return l
}

// Store reads and writes workspace manifests.
type Store struct {
	layout Layout
}

func NewStore(layout Layout) *Store {
	return &Store{layout: layout.WithDefaults()}
}

// Path returns the manifest file for a workspace directory.
func (s *Store) Path(workspaceDir string) string {
	return filepath.Join(workspaceDir, s.layout.MetadataDir, s.layout.Name)
}

func (s *Store) lockPath(workspaceDir string) string {
	return s.Path(workspaceDir) + ".lock"
}

// Read loads a manifest. ErrManifestNotFound is returned when none exists and
// ValidationErrors when the file does not match the manifest schema.
func (s *Store) Read(workspaceDir string) (*Manifest, error) {
	p := s.Path(workspaceDir)
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, p)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, fmt.Errorf("manifest file is empty: %s", p)
	}

	if err := ValidateRaw(b); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", p, err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", p, err)
	}
	m.ensure()
	return &m, nil
}

// Write validates and atomically replaces the manifest. An invalid manifest
// leaves the file untouched.
func (s *Store) Write(workspaceDir string, m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	m.ensure()

	p := s.Path(workspaceDir)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := ValidateRaw(b); err != nil {
		return err
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, s.layout.Name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// Backup copies the current manifest to <path><suffix>.bu and returns the
// backup path. An absent manifest is not an error; the returned path is empty.
func (s *Store) Backup(workspaceDir, suffix string) (string, error) {
	src := s.Path(workspaceDir)
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = in.Close() }()

	dst := src + suffix + BackupSuffix
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("create manifest backup: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("write manifest backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close manifest backup: %w", err)
	}
	return dst, nil
}

// Update applies fn to the workspace manifest under an exclusive lock and
// writes the result. A missing manifest starts empty for the named workspace.
// The manifest is left untouched when fn returns an error.
func (s *Store) Update(workspaceDir, workspace string, fn func(*Manifest) error) (*Manifest, error) {
	return s.update(workspaceDir, workspace, true, "", fn)
}

// Reconcile is Update for repair tooling: the manifest must already exist,
// and it is backed up with backupSuffix before fn runs.
func (s *Store) Reconcile(workspaceDir, backupSuffix string, fn func(*Manifest) error) (*Manifest, error) {
	return s.update(workspaceDir, "", false, backupSuffix, fn)
}

func (s *Store) update(workspaceDir, workspace string, create bool, backupSuffix string, fn func(*Manifest) error) (*Manifest, error) {
	if create {
		if err := os.MkdirAll(filepath.Dir(s.Path(workspaceDir)), 0755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
	} else if _, err := os.Stat(filepath.Dir(s.Path(workspaceDir))); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, s.Path(workspaceDir))
	}

	unlock, err := lockFile(s.lockPath(workspaceDir))
	if err != nil {
		return nil, fmt.Errorf("lock manifest: %w", err)
	}
	defer unlock()

	m, err := s.Read(workspaceDir)
	if err != nil {
		if !create || !errors.Is(err, ErrManifestNotFound) {
			return nil, err
		}
		m = New(workspace, "")
	}
	if m.Workspace == "" {
		m.Workspace = workspace
	}

	if backupSuffix != "" {
		if _, err := s.Backup(workspaceDir, backupSuffix); err != nil {
			return nil, err
		}
	}

	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.Write(workspaceDir, m); err != nil {
		return nil, err
	}
	return m, nil
}
