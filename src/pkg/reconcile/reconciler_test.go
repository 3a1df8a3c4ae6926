package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gh-nvat/virtest/src/pkg/manifest"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// fakeCluster keeps objects in memory and records every call
type fakeCluster struct {
	namespaces map[string]bool
	objects    map[string]*unstructured.Unstructured
	fail       map[string]error
	calls      []string
}

var _ Cluster = (*fakeCluster)(nil)

func newFakeCluster(namespaces ...string) *fakeCluster {
	c := &fakeCluster{
		namespaces: make(map[string]bool),
		objects:    make(map[string]*unstructured.Unstructured),
		fail:       make(map[string]error),
	}
	for _, ns := range namespaces {
		c.namespaces[ns] = true
	}
	return c
}

func key(obj *unstructured.Unstructured) string {
	return obj.GetKind() + "/" + obj.GetNamespace() + "/" + obj.GetName()
}

func (c *fakeCluster) NamespaceExists(ctx context.Context, name string) (bool, error) {
	return c.namespaces[name], nil
}

func (c *fakeCluster) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	c.calls = append(c.calls, "create "+key(obj))
	if err := c.fail[obj.GetName()]; err != nil {
		return err
	}
	if _, ok := c.objects[key(obj)]; ok {
		return apierrors.NewAlreadyExists(schema.GroupResource{Resource: obj.GetKind()}, obj.GetName())
	}
	c.objects[key(obj)] = obj.DeepCopy()
	return nil
}

func (c *fakeCluster) Replace(ctx context.Context, obj *unstructured.Unstructured) error {
	c.calls = append(c.calls, "replace "+key(obj))
	c.objects[key(obj)] = obj.DeepCopy()
	return nil
}

func (c *fakeCluster) Delete(ctx context.Context, obj *unstructured.Unstructured) error {
	c.calls = append(c.calls, "delete "+key(obj))
	if err := c.fail[obj.GetName()]; err != nil {
		return err
	}
	if _, ok := c.objects[key(obj)]; !ok {
		return apierrors.NewNotFound(schema.GroupResource{Resource: obj.GetKind()}, obj.GetName())
	}
	delete(c.objects, key(obj))
	return nil
}

func newObj(kind, name string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       kind,
		"metadata":   map[string]interface{}{"name": name},
	}}
	return obj
}

func testIndex() *manifest.Index {
	index := manifest.NewIndex()
	index.Put(newObj("Deployment", "orders"))
	index.Put(newObj("Service", "orders"))
	index.Put(newObj("ConfigMap", "mountebank"))
	index.Put(newObj("ClusterRoleBinding", "otelcol-agent"))
	return index
}

func actions(results Results) []string {
	var out []string
	for _, res := range results {
		out = append(out, res.Action+" "+res.Kind+"/"+res.Name)
	}
	return out
}

func TestApply(t *testing.T) {
	cluster := newFakeCluster("perf")
	index := testIndex()

	results, err := NewReconciler(cluster).Apply(context.Background(), index, "perf")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := results.Err(); err != nil {
		t.Fatalf("Results.Err() = %v", err)
	}

	want := []string{
		"created ConfigMap/mountebank",
		"created ClusterRoleBinding/otelcol-agent",
		"created Service/orders",
		"created Deployment/orders",
	}
	if diff := cmp.Diff(want, actions(results)); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	if _, ok := cluster.objects["Service/perf/orders"]; !ok {
		t.Error("Service not created in target namespace")
	}
	if _, ok := cluster.objects["ClusterRoleBinding//otelcol-agent"]; !ok {
		t.Error("cluster scoped resource should not get a namespace")
	}
	if obj, _ := index.Get("Service", "orders"); obj.GetNamespace() != "" {
		t.Errorf("index manifest mutated, namespace = %q", obj.GetNamespace())
	}
}

func TestApply_Idempotent(t *testing.T) {
	cluster := newFakeCluster("perf")
	reconciler := NewReconciler(cluster)

	first, err := reconciler.Apply(context.Background(), testIndex(), "perf")
	if err != nil {
		t.Fatal(err)
	}
	state := make(map[string]*unstructured.Unstructured)
	for k, v := range cluster.objects {
		state[k] = v.DeepCopy()
	}

	second, err := reconciler.Apply(context.Background(), testIndex(), "perf")
	if err != nil {
		t.Fatal(err)
	}

	if first.Count(ACTION_CREATED) != 4 {
		t.Errorf("first apply created %d, want 4", first.Count(ACTION_CREATED))
	}
	if second.Count(ACTION_CREATED) != 0 || second.Count(ACTION_REPLACED) != 4 {
		t.Errorf("second apply = %v, want only replaces", actions(second))
	}
	if diff := cmp.Diff(state, cluster.objects); diff != "" {
		t.Errorf("cluster state changed by second apply (-first +second):\n%s", diff)
	}
}

func TestApply_NamespaceNotFound(t *testing.T) {
	cluster := newFakeCluster("default")

	results, err := NewReconciler(cluster).Apply(context.Background(), testIndex(), "perf")
	if !errors.Is(err, ErrNamespaceNotFound) {
		t.Fatalf("Apply() error = %v, want ErrNamespaceNotFound", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
	if len(cluster.calls) != 0 {
		t.Errorf("cluster calls = %v, want none", cluster.calls)
	}
}

func TestApply_FailureIsolation(t *testing.T) {
	cluster := newFakeCluster("perf")
	cluster.fail["mountebank"] = apierrors.NewForbidden(schema.GroupResource{Resource: "configmaps"}, "mountebank", errors.New("quota exceeded"))

	results, err := NewReconciler(cluster).Apply(context.Background(), testIndex(), "perf")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if got := results.Count(ACTION_FAILED); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := results.Count(ACTION_CREATED); got != 3 {
		t.Errorf("created = %d, want 3", got)
	}

	aggregated := results.Err()
	if aggregated == nil {
		t.Fatal("Results.Err() = nil, want failure")
	}
	if errs := multierr.Errors(aggregated); len(errs) != 1 {
		t.Errorf("aggregated %d errors, want 1", len(errs))
	}
	if !strings.Contains(aggregated.Error(), "ConfigMap/mountebank") {
		t.Errorf("error %q does not name the resource", aggregated)
	}
	if !apierrors.IsForbidden(errors.Unwrap(errors.Unwrap(multierr.Errors(aggregated)[0]))) {
		t.Errorf("underlying API error lost: %v", aggregated)
	}
}

func TestDelete(t *testing.T) {
	cluster := newFakeCluster("perf")
	reconciler := NewReconciler(cluster)
	if _, err := reconciler.Apply(context.Background(), testIndex(), "perf"); err != nil {
		t.Fatal(err)
	}
	delete(cluster.objects, "Service/perf/orders")
	cluster.fail["mountebank"] = errors.New("connection reset")

	results, err := reconciler.Delete(context.Background(), testIndex(), "perf")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	want := []string{
		"deleted Deployment/orders",
		"absent Service/orders",
		"deleted ClusterRoleBinding/otelcol-agent",
		"failed ConfigMap/mountebank",
	}
	if diff := cmp.Diff(want, actions(results)); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if results.Err() == nil {
		t.Error("Results.Err() = nil, want the failed delete")
	}
}

func TestDelete_NamespaceNotFound(t *testing.T) {
	cluster := newFakeCluster()

	_, err := NewReconciler(cluster).Delete(context.Background(), testIndex(), "perf")
	if !errors.Is(err, ErrNamespaceNotFound) {
		t.Fatalf("Delete() error = %v, want ErrNamespaceNotFound", err)
	}
	if len(cluster.calls) != 0 {
		t.Errorf("cluster calls = %v, want none", cluster.calls)
	}
}
