package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gh-nvat/virtest/src/pkg/kustomize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
)

const decoderBufferSize = 4096

var (
	MANIFEST_EXTENSIONS = []string{".yaml", ".yml"}

	// ErrInvalidPath is returned when a manifest path is neither a file nor a directory
	ErrInvalidPath = errors.New("invalid manifest path")
)

var logger = log.WithFields(log.Fields{
	"package": "manifest",
})

// ManifestStore defines the interface for loading manifests into an index
type ManifestStore interface {
	// Load reads a manifest file or directory tree into a new index
	Load(ctx context.Context, path string) (*Index, error)
}

// Store loads manifests from disk
type Store struct {
	builder kustomize.KustomizeBuilder
}

// Ensure Store implements ManifestStore
var _ ManifestStore = (*Store)(nil)

// NewStore creates a manifest store. Directories holding a kustomization are rendered with builder.
func NewStore(builder kustomize.KustomizeBuilder) *Store {
	return &Store{builder: builder}
}

// Load reads a manifest file or directory tree into a new index.
// Directory entries are read concurrently and merged in lexicographic path order,
// so a (kind, name) collision across files resolves to the lexicographically last file.
func (s *Store) Load(ctx context.Context, path string) (*Index, error) {
	logger.WithField("path", path).Info("Load: starting...")

	objs, err := s.walk(ctx, path, true, nil)
	if err != nil {
		return nil, err
	}

	index := NewIndex()
	for _, obj := range objs {
		if index.Has(obj.GetKind(), obj.GetName()) {
			logger.WithField("kind", obj.GetKind()).WithField("name", obj.GetName()).Warn("Load: duplicate manifest, later file wins")
		}
		index.Put(obj)
	}

	logger.WithField("count", index.Len()).Info("Load: done.")
	return index, nil
}

// walk returns the manifests under path in deterministic order. ancestors holds the
// resolved paths of the directories above path, so a symlink back into one is skipped.
func (s *Store) walk(ctx context.Context, path string, root bool, ancestors []string) ([]*unstructured.Unstructured, error) {
	info, err := os.Stat(path)
	if err != nil {
		if root {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPath, path, err)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	switch {
	case info.Mode().IsRegular():
		if !hasManifestExtension(path) {
			return nil, nil
		}
		return s.readFile(path)
	case info.IsDir():
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		for _, ancestor := range ancestors {
			if ancestor == resolved {
				logger.WithField("path", path).Warn("Load: directory cycle, skipping")
				return nil, nil
			}
		}
		if s.builder != nil && s.builder.IsKustomization(path) {
			return s.buildKustomization(ctx, path)
		}
		return s.readDir(ctx, path, append(ancestors[:len(ancestors):len(ancestors)], resolved))
	default:
		if root {
			return nil, fmt.Errorf("%w: %s is neither a file nor a directory", ErrInvalidPath, path)
		}
		return nil, nil
	}
}

func (s *Store) readDir(ctx context.Context, dir string, ancestors []string) ([]*unstructured.Unstructured, error) {
	// os.ReadDir returns entries sorted by filename
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	results := make([][]*unstructured.Unstructured, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		g.Go(func() error {
			objs, err := s.walk(gctx, filepath.Join(dir, entry.Name()), false, ancestors)
			if err != nil {
				return err
			}
			results[i] = objs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var objs []*unstructured.Unstructured
	for _, result := range results {
		objs = append(objs, result...)
	}
	return objs, nil
}

func (s *Store) readFile(path string) ([]*unstructured.Unstructured, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	objs, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	logger.WithField("path", path).WithField("count", len(objs)).Debug("Read manifest file")
	return objs, nil
}

func (s *Store) buildKustomization(ctx context.Context, dir string) ([]*unstructured.Unstructured, error) {
	output, err := s.builder.Build(ctx, dir)
	if err != nil {
		return nil, err
	}

	objs, err := Decode(bytes.NewReader(output))
	if err != nil {
		return nil, fmt.Errorf("failed to parse kustomize output of %s: %w", dir, err)
	}
	logger.WithField("path", dir).WithField("count", len(objs)).Debug("Built kustomization")
	return objs, nil
}

// Decode parses a multi-document YAML or JSON stream. Documents without a kind are skipped.
func Decode(r io.Reader) ([]*unstructured.Unstructured, error) {
	decoder := utilyaml.NewYAMLOrJSONDecoder(r, decoderBufferSize)

	var objs []*unstructured.Unstructured
	for {
		var raw json.RawMessage
		err := decoder.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		var typeMeta struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &typeMeta); err != nil || typeMeta.Kind == "" {
			continue
		}

		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(raw); err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func hasManifestExtension(path string) bool {
	ext := filepath.Ext(path)
	for _, allowed := range MANIFEST_EXTENSIONS {
		if ext == allowed {
			return true
		}
	}
	return false
}
