package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/kustomize"
	"github.com/gh-nvat/virtest/src/pkg/manifest"
	"github.com/gh-nvat/virtest/src/pkg/mockserver"
	"github.com/gh-nvat/virtest/src/pkg/observability"
	"github.com/gh-nvat/virtest/src/pkg/policy"
	"github.com/gh-nvat/virtest/src/pkg/reconcile"
	"github.com/gh-nvat/virtest/src/pkg/virtualservice"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const appManifests = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: orders
spec:
  replicas: 1
  selector:
    matchLabels:
      app: orders
  template:
    metadata:
      labels:
        app: orders
    spec:
      containers:
        - name: orders
          image: orders:1.0
---
apiVersion: v1
kind: Service
metadata:
  name: orders
spec:
  selector:
    app: orders
  ports:
    - name: http
      port: 80
      targetPort: 8080
`

const testConfig = `manifests:
  path: ./manifests
  namespace: perf
services:
  orders:
    deployment-component:
      name: orders
    service-component:
      name: orders
    virtual-service:
      enabled: true
      port: 9000
      proxy:
        service-name: orders-real
        auto-create: true
`

// memoryCluster stores applied objects keyed by kind/namespace/name
type memoryCluster struct {
	namespaces map[string]bool
	objects    map[string]*unstructured.Unstructured
}

var _ reconcile.Cluster = (*memoryCluster)(nil)

func newMemoryCluster(namespaces ...string) *memoryCluster {
	c := &memoryCluster{
		namespaces: make(map[string]bool),
		objects:    make(map[string]*unstructured.Unstructured),
	}
	for _, ns := range namespaces {
		c.namespaces[ns] = true
	}
	return c
}

func objectKey(obj *unstructured.Unstructured) string {
	return obj.GetKind() + "/" + obj.GetNamespace() + "/" + obj.GetName()
}

func (c *memoryCluster) NamespaceExists(ctx context.Context, name string) (bool, error) {
	return c.namespaces[name], nil
}

func (c *memoryCluster) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	if _, ok := c.objects[objectKey(obj)]; ok {
		return apierrors.NewAlreadyExists(schema.GroupResource{Resource: obj.GetKind()}, obj.GetName())
	}
	c.objects[objectKey(obj)] = obj.DeepCopy()
	return nil
}

func (c *memoryCluster) Replace(ctx context.Context, obj *unstructured.Unstructured) error {
	c.objects[objectKey(obj)] = obj.DeepCopy()
	return nil
}

func (c *memoryCluster) Delete(ctx context.Context, obj *unstructured.Unstructured) error {
	if _, ok := c.objects[objectKey(obj)]; !ok {
		return apierrors.NewNotFound(schema.GroupResource{Resource: obj.GetKind()}, obj.GetName())
	}
	delete(c.objects, objectKey(obj))
	return nil
}

func (c *memoryCluster) keys() []string {
	keys := make([]string, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// setupProject writes a config and manifests into a temp dir and returns its path
func setupProject(t *testing.T, cfg string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.DEFAULT_CONFIG_PATH), cfg)
	writeFile(t, filepath.Join(dir, "manifests", "app.yaml"), appManifests)
	return dir
}

func testComponents(dir string, cluster reconcile.Cluster) Components {
	return Components{
		Store:       manifest.NewStore(kustomize.NewBuilder()),
		Synthesizer: virtualservice.NewSynthesizer(),
		Generator:   mockserver.NewGenerator(dir),
		Injector:    observability.NewInjector(),
		Evaluator:   policy.NewEvaluator(),
		Reconciler:  reconcile.NewReconciler(cluster),
	}
}

func TestRunnerApply(t *testing.T) {
	dir := setupProject(t, testConfig)
	cluster := newMemoryCluster("perf")

	r, err := NewRunnerApply(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)
	require.NoError(t, r.Process())

	require.Equal(t, []string{
		"ConfigMap/perf/mountebank",
		"Deployment/perf/mountebank",
		"Deployment/perf/orders",
		"Service/perf/orders",
		"Service/perf/orders-real",
	}, cluster.keys())

	svc := cluster.objects["Service/perf/orders"]
	selector, _, _ := unstructured.NestedStringMap(svc.Object, "spec", "selector")
	require.Equal(t, map[string]string{mockserver.MOCK_SERVER_SELECTOR_KEY: mockserver.MOCK_SERVER_SELECTOR_VALUE}, selector)

	workDir := filepath.Join(dir, DEFAULT_WORK_DIR)
	persisted, err := os.ReadFile(filepath.Join(workDir, MANIFEST_FILE_NAME))
	require.NoError(t, err)
	require.Contains(t, string(persisted), "name: orders-real")

	mbConfig, err := os.ReadFile(filepath.Join(workDir, MOCK_CONFIG_FILE_NAME))
	require.NoError(t, err)
	require.Contains(t, string(mbConfig), `"to": "http://orders-real:8080"`)

	report, err := os.ReadFile(filepath.Join(workDir, REPORT_FILE_NAME))
	require.NoError(t, err)
	require.Contains(t, string(report), "# virtest apply: `perf`")
	require.Contains(t, string(report), "| Service | orders-real | CREATED |")

	// a second apply replaces everything in place
	r, err = NewRunnerApply(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)
	require.NoError(t, r.Process())
	require.Len(t, cluster.keys(), 5)

	report, err = os.ReadFile(filepath.Join(workDir, REPORT_FILE_NAME))
	require.NoError(t, err)
	require.Contains(t, string(report), "| Service | orders-real | REPLACED |")
}

func TestRunnerApply_RemovesStaleMockConfig(t *testing.T) {
	dir := setupProject(t, testConfig)
	cluster := newMemoryCluster("perf")
	mbConfig := filepath.Join(dir, DEFAULT_WORK_DIR, MOCK_CONFIG_FILE_NAME)

	r, err := NewRunnerApply(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)
	require.NoError(t, r.Process())
	require.FileExists(t, mbConfig)

	// the same project with virtualization switched off
	writeFile(t, filepath.Join(dir, config.DEFAULT_CONFIG_PATH), strings.Replace(testConfig, "enabled: true", "enabled: false", 1))
	r, err = NewRunnerApply(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)
	require.NoError(t, r.Process())
	require.NoFileExists(t, mbConfig)

	persisted, err := os.ReadFile(filepath.Join(dir, DEFAULT_WORK_DIR, MANIFEST_FILE_NAME))
	require.NoError(t, err)
	require.NotContains(t, string(persisted), "mountebank")
}

func TestRunnerApply_NamespaceNotFound(t *testing.T) {
	dir := setupProject(t, testConfig)
	cluster := newMemoryCluster("default")

	r, err := NewRunnerApply(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)

	err = r.Process()
	require.True(t, errors.Is(err, reconcile.ErrNamespaceNotFound), "got %v", err)
	require.Empty(t, cluster.keys())
}

func TestRunnerApply_InvalidConfig(t *testing.T) {
	dir := setupProject(t, "manifests:\n  path: ./manifests\nservices: {}\n")

	r, err := NewRunnerApply(context.Background(), &Options{BaseDir: dir}, testComponents(dir, newMemoryCluster("perf")))
	require.NoError(t, err)

	err = r.Process()
	var fieldErr *config.FieldError
	require.True(t, errors.As(err, &fieldErr), "got %v", err)
	require.Equal(t, "manifests.namespace", fieldErr.Field)
}

func TestRunnerApply_PolicyDenied(t *testing.T) {
	dir := setupProject(t, strings.Replace(testConfig, "  namespace: perf\n", "  namespace: perf\n  policies-path: ./policies\n", 1))
	writeFile(t, filepath.Join(dir, "policies", "proxy.rego"), `package virtest

deny[msg] {
	input.kind == "Service"
	input.metadata.name == "orders-real"
	msg := "proxy services are not allowed"
}
`)
	cluster := newMemoryCluster("perf")

	r, err := NewRunnerApply(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)

	err = r.Process()
	require.True(t, errors.Is(err, policy.ErrPolicyDenied), "got %v", err)
	require.Contains(t, err.Error(), "proxy.rego: Service/orders-real: proxy services are not allowed")
	require.Empty(t, cluster.keys())

	// the denied manifest is still persisted for inspection
	_, err = os.Stat(filepath.Join(dir, DEFAULT_WORK_DIR, MANIFEST_FILE_NAME))
	require.NoError(t, err)
}

func TestRunnerDelete(t *testing.T) {
	dir := setupProject(t, testConfig)
	cluster := newMemoryCluster("perf")

	apply, err := NewRunnerApply(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)
	require.NoError(t, apply.Process())
	require.Len(t, cluster.keys(), 5)

	del, err := NewRunnerDelete(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)
	require.NoError(t, del.Process())
	require.Empty(t, cluster.keys())

	report, err := os.ReadFile(filepath.Join(dir, DEFAULT_WORK_DIR, REPORT_FILE_NAME))
	require.NoError(t, err)
	require.Contains(t, string(report), "# virtest delete: `perf`")
	require.Contains(t, string(report), "| ConfigMap | mountebank | DELETED |")
}

func TestRunnerDelete_ReplaysPersistedManifest(t *testing.T) {
	dir := setupProject(t, testConfig)
	writeFile(t, filepath.Join(dir, DEFAULT_WORK_DIR, MANIFEST_FILE_NAME), `apiVersion: v1
kind: ConfigMap
metadata:
  name: leftover
`)

	cluster := newMemoryCluster("perf")
	leftover := &unstructured.Unstructured{}
	leftover.SetKind("ConfigMap")
	leftover.SetNamespace("perf")
	leftover.SetName("leftover")
	require.NoError(t, cluster.Create(context.Background(), leftover))

	r, err := NewRunnerDelete(context.Background(), &Options{BaseDir: dir}, testComponents(dir, cluster))
	require.NoError(t, err)
	require.NoError(t, r.Process())
	require.Empty(t, cluster.keys())

	report, err := os.ReadFile(filepath.Join(dir, DEFAULT_WORK_DIR, REPORT_FILE_NAME))
	require.NoError(t, err)
	require.Contains(t, string(report), "| ConfigMap | leftover | DELETED |")
	require.NotContains(t, string(report), "mountebank")
}

func TestRunnerDelete_NothingApplied(t *testing.T) {
	dir := setupProject(t, testConfig)

	r, err := NewRunnerDelete(context.Background(), &Options{BaseDir: dir}, testComponents(dir, newMemoryCluster("perf")))
	require.NoError(t, err)
	require.NoError(t, r.Process())

	report, err := os.ReadFile(filepath.Join(dir, DEFAULT_WORK_DIR, REPORT_FILE_NAME))
	require.NoError(t, err)
	require.Contains(t, string(report), "| Deployment | mountebank | ABSENT |")
}

type fakeRetriever struct {
	cfg   *config.Config
	files []string
	err   error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, cfg *config.Config) ([]string, error) {
	f.cfg = cfg
	return f.files, f.err
}

func TestRunnerProxyResult(t *testing.T) {
	dir := setupProject(t, testConfig)
	retriever := &fakeRetriever{files: []string{filepath.Join(dir, "orders-proxy-result.json")}}

	r, err := NewRunnerProxyResult(context.Background(), &Options{BaseDir: dir}, Components{}, retriever)
	require.NoError(t, err)
	require.NoError(t, r.Process())
	require.Equal(t, "perf", retriever.cfg.Manifests.Namespace)
	require.Equal(t, retriever.files, r.Files)

	retriever.err = errors.New("port-forward failed")
	r, err = NewRunnerProxyResult(context.Background(), &Options{BaseDir: dir}, Components{}, retriever)
	require.NoError(t, err)
	require.EqualError(t, r.Process(), "port-forward failed")

	_, err = NewRunnerProxyResult(context.Background(), &Options{}, Components{}, nil)
	require.Error(t, err)
}

func TestRetrieverOptions(t *testing.T) {
	require.Equal(t, ".", RetrieverOptions(&Options{}).OutputDir)
	require.Equal(t, "/work", RetrieverOptions(&Options{BaseDir: "/work"}).OutputDir)

	got := RetrieverOptions(&Options{BaseDir: "/work", OutputDir: "/out", LocalPort: 3535})
	require.Equal(t, "/out", got.OutputDir)
	require.Equal(t, 3535, got.LocalPort)
}
