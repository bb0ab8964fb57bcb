// Package artifacts implements the executor's ArtifactLister: a thin
// filesystem view over each run's isolated and shared output folders, used
// by the artifact_exists quality gate (spec 4.2).
package artifacts

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
)

// FilesystemStore roots every run's artifacts under <BaseDir>/<runID>/.
// Steps marked Storage.Shared write into a "shared" subfolder visible to
// every step in the run; steps marked Storage.Isolated write into
// "steps/<stepID>" instead. ListArtifacts reports both, relative to the
// run root, which is what QualityGate.ArtifactPath patterns match against.
type FilesystemStore struct {
	BaseDir string
}

// New creates a FilesystemStore rooted at baseDir, creating it if absent.
func New(baseDir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &FilesystemStore{BaseDir: baseDir}, nil
}

// RunDir returns the root folder for one run's artifacts.
func (f *FilesystemStore) RunDir(runID string) string {
	return filepath.Join(f.BaseDir, runID)
}

// StepDir returns the isolated output folder for one step within a run.
func (f *FilesystemStore) StepDir(runID, stepID string) string {
	return filepath.Join(f.RunDir(runID), "steps", stepID)
}

// SharedDir returns the run-wide shared output folder.
func (f *FilesystemStore) SharedDir(runID string) string {
	return filepath.Join(f.RunDir(runID), "shared")
}

// ListArtifacts walks the run's root folder and returns every regular
// file's path relative to it, using forward slashes so doublestar patterns
// match consistently across platforms.
func (f *FilesystemStore) ListArtifacts(ctx context.Context, runID string) ([]string, error) {
	root := f.RunDir(runID)
	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return paths, nil
}
