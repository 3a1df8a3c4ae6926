package kustomize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/kustomize/api/krusty"
	"sigs.k8s.io/kustomize/kyaml/filesys"
)

var (
	KUSTOMIZE_FILE_NAMES = []string{"kustomization.yaml", "kustomization.yml", "Kustomization"}
)

// KustomizeBuilder defines the interface for rendering kustomize directories
type KustomizeBuilder interface {
	// Build renders the kustomization rooted at path into a multi-document YAML stream
	Build(ctx context.Context, path string) ([]byte, error)
	// IsKustomization reports whether dir directly holds a kustomization file
	IsKustomization(dir string) bool
}

// Builder renders kustomizations in-process with krusty
type Builder struct {
	fs filesys.FileSystem
}

// Ensure Builder implements KustomizeBuilder
var _ KustomizeBuilder = (*Builder)(nil)

// NewBuilder creates a new kustomize builder reading from disk
func NewBuilder() *Builder {
	return &Builder{fs: filesys.MakeFsOnDisk()}
}

// Build renders the kustomization rooted at path into a multi-document YAML stream
func (b *Builder) Build(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kustomizer := krusty.MakeKustomizer(krusty.MakeDefaultOptions())
	resMap, err := kustomizer.Run(b.fs, path)
	if err != nil {
		return nil, fmt.Errorf("kustomize build failed for %s: %w", path, err)
	}

	output, err := resMap.AsYaml()
	if err != nil {
		return nil, fmt.Errorf("failed to encode kustomize output for %s: %w", path, err)
	}
	return output, nil
}

// IsKustomization reports whether dir directly holds a kustomization file
func (b *Builder) IsKustomization(dir string) bool {
	for _, name := range KUSTOMIZE_FILE_NAMES {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}
