package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gh-nvat/virtest/src/pkg/manifest"
)

// RunnerDelete removes a previously applied manifest set from the configured namespace
type RunnerDelete struct {
	*RunnerBase
}

// make RunnerDelete implement RunnerInterface
var _ RunnerInterface = (*RunnerDelete)(nil)

func NewRunnerDelete(ctx context.Context, options *Options, components Components) (*RunnerDelete, error) {
	base, err := NewRunnerBase(ctx, options, components)
	if err != nil {
		return nil, err
	}
	return &RunnerDelete{RunnerBase: base}, nil
}

func (r *RunnerDelete) Process() error {
	logger.Info("Delete: starting...")

	if r.Config == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	index, err := r.deleteSet()
	if err != nil {
		return err
	}

	if err := r.Reconcile(OPERATION_DELETE, index, nil); err != nil {
		return err
	}

	logger.Info("Delete: done.")
	return nil
}

// deleteSet replays the manifest persisted by the last apply, falling back to a fresh synthesis
func (r *RunnerDelete) deleteSet() (*manifest.Index, error) {
	path := filepath.Join(r.workDir(), MANIFEST_FILE_NAME)
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		objs, err := manifest.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read persisted manifest %s: %w", path, err)
		}
		index := manifest.NewIndex()
		for _, obj := range objs {
			index.Put(obj)
		}
		logger.WithField("filePath", path).WithField("manifests", index.Len()).Info("Replaying persisted manifest")
		return index, nil
	case errors.Is(err, os.ErrNotExist):
		logger.WithField("filePath", path).Info("No persisted manifest, synthesizing")
		synthesis, err := r.Synthesize()
		if err != nil {
			return nil, err
		}
		return synthesis.Index, nil
	default:
		return nil, fmt.Errorf("failed to open persisted manifest: %w", err)
	}
}
