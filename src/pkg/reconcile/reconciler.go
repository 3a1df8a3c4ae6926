// Package reconcile applies and deletes a synthesized manifest set against a cluster.
// Each resource is reconciled on its own: one failure is recorded and the batch goes on.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/gh-nvat/virtest/src/pkg/manifest"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	ACTION_CREATED  = "created"
	ACTION_REPLACED = "replaced"
	ACTION_DELETED  = "deleted"
	ACTION_ABSENT   = "absent"
	ACTION_FAILED   = "failed"
)

// CLUSTER_SCOPED_KINDS are kinds that never get a namespace set
var CLUSTER_SCOPED_KINDS = map[string]bool{
	"Namespace":                true,
	"ClusterRole":              true,
	"ClusterRoleBinding":       true,
	"CustomResourceDefinition": true,
	"PersistentVolume":         true,
	"StorageClass":             true,
	"PriorityClass":            true,
}

var ErrNamespaceNotFound = errors.New("namespace not found")

var logger = log.WithFields(log.Fields{
	"package": "reconcile",
})

// Cluster is the control plane the reconciler writes to
type Cluster interface {
	NamespaceExists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, obj *unstructured.Unstructured) error
	// Replace overwrites the live object with obj
	Replace(ctx context.Context, obj *unstructured.Unstructured) error
	Delete(ctx context.Context, obj *unstructured.Unstructured) error
}

// Result is the outcome of reconciling one resource
type Result struct {
	Kind      string
	Name      string
	Namespace string
	Action    string
	Err       error
}

// Results lists outcomes in reconciliation order
type Results []Result

// Err aggregates every failed resource into one error, nil if none failed
func (r Results) Err() error {
	var err error
	for _, res := range r {
		if res.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s/%s: %w", res.Kind, res.Name, res.Err))
		}
	}
	return err
}

// Count returns the number of results with the given action
func (r Results) Count(action string) int {
	n := 0
	for _, res := range r {
		if res.Action == action {
			n++
		}
	}
	return n
}

// ManifestReconciler defines the interface for reconciling an index against a cluster
type ManifestReconciler interface {
	Apply(ctx context.Context, index *manifest.Index, namespace string) (Results, error)
	Delete(ctx context.Context, index *manifest.Index, namespace string) (Results, error)
}

// Reconciler reconciles manifests one at a time
type Reconciler struct {
	cluster Cluster
}

// Ensure Reconciler implements ManifestReconciler
var _ ManifestReconciler = (*Reconciler)(nil)

// NewReconciler creates a new reconciler writing to cluster
func NewReconciler(cluster Cluster) *Reconciler {
	return &Reconciler{cluster: cluster}
}

// Apply creates every manifest in namespace, replacing those that already exist.
// The returned error is only set when the batch could not start; per-resource
// failures are in Results.
func (r *Reconciler) Apply(ctx context.Context, index *manifest.Index, namespace string) (Results, error) {
	logger.WithField("namespace", namespace).Info("Apply: starting...")

	if err := r.checkNamespace(ctx, namespace); err != nil {
		return nil, err
	}

	objs := index.Ordered()
	results := make(Results, 0, len(objs))
	for _, obj := range objs {
		results = append(results, r.apply(ctx, target(obj, namespace)))
	}

	logger.WithFields(log.Fields{
		"created":  results.Count(ACTION_CREATED),
		"replaced": results.Count(ACTION_REPLACED),
		"failed":   results.Count(ACTION_FAILED),
	}).Info("Apply: done.")
	return results, nil
}

// Delete removes every manifest from namespace in reverse reconciliation order.
// Resources already gone are reported as absent.
func (r *Reconciler) Delete(ctx context.Context, index *manifest.Index, namespace string) (Results, error) {
	logger.WithField("namespace", namespace).Info("Delete: starting...")

	if err := r.checkNamespace(ctx, namespace); err != nil {
		return nil, err
	}

	objs := index.Ordered()
	results := make(Results, 0, len(objs))
	for i := len(objs) - 1; i >= 0; i-- {
		results = append(results, r.delete(ctx, target(objs[i], namespace)))
	}

	logger.WithFields(log.Fields{
		"deleted": results.Count(ACTION_DELETED),
		"absent":  results.Count(ACTION_ABSENT),
		"failed":  results.Count(ACTION_FAILED),
	}).Info("Delete: done.")
	return results, nil
}

func (r *Reconciler) checkNamespace(ctx context.Context, namespace string) error {
	exists, err := r.cluster.NamespaceExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("failed to look up namespace %q: %w", namespace, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNamespaceNotFound, namespace)
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, obj *unstructured.Unstructured) Result {
	res := newResult(obj)

	err := r.cluster.Create(ctx, obj)
	switch {
	case err == nil:
		res.Action = ACTION_CREATED
	case apierrors.IsAlreadyExists(err):
		if err := r.cluster.Replace(ctx, obj); err != nil {
			res.Action, res.Err = ACTION_FAILED, fmt.Errorf("failed to replace: %w", err)
		} else {
			res.Action = ACTION_REPLACED
		}
	default:
		res.Action, res.Err = ACTION_FAILED, fmt.Errorf("failed to create: %w", err)
	}

	logResult(res)
	return res
}

func (r *Reconciler) delete(ctx context.Context, obj *unstructured.Unstructured) Result {
	res := newResult(obj)

	err := r.cluster.Delete(ctx, obj)
	switch {
	case err == nil:
		res.Action = ACTION_DELETED
	case apierrors.IsNotFound(err):
		res.Action = ACTION_ABSENT
	default:
		res.Action, res.Err = ACTION_FAILED, fmt.Errorf("failed to delete: %w", err)
	}

	logResult(res)
	return res
}

// target returns a copy of obj placed in namespace. The index itself is never modified.
func target(obj *unstructured.Unstructured, namespace string) *unstructured.Unstructured {
	out := obj.DeepCopy()
	if !CLUSTER_SCOPED_KINDS[out.GetKind()] {
		out.SetNamespace(namespace)
	}
	return out
}

func newResult(obj *unstructured.Unstructured) Result {
	return Result{
		Kind:      obj.GetKind(),
		Name:      obj.GetName(),
		Namespace: obj.GetNamespace(),
	}
}

func logResult(res Result) {
	entry := logger.WithFields(log.Fields{
		"kind":      res.Kind,
		"name":      res.Name,
		"namespace": res.Namespace,
	})
	switch res.Action {
	case ACTION_FAILED:
		entry.WithError(res.Err).Error("Failed to reconcile resource")
	case ACTION_ABSENT:
		entry.Warn("Resource already absent, skipped delete")
	default:
		entry.Infof("Resource %s", res.Action)
	}
}
