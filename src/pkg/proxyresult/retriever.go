// Package proxyresult saves the responses the mock server recorded while proxying,
// turning them into imposter files that replay without the real backend.
package proxyresult

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/mockserver"
	"github.com/gh-nvat/virtest/src/pkg/reconcile"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
)

const (
	DEFAULT_LOCAL_PORT = mockserver.MOCK_SERVER_ADMIN_PORT
	RESULT_FILE_SUFFIX = "-proxy-result.json"

	localHost = "127.0.0.1"
)

// RECORDING_FIELDS are imposter fields describing the recording session, dropped from saved results
var RECORDING_FIELDS = []string{"numberOfRequests", "requests", "_links"}

var ErrMockServerNotFound = errors.New("mock server pods not found")

var logger = log.WithFields(log.Fields{
	"package": "proxyresult",
})

// Cluster finds the mock server pod
type Cluster interface {
	NamespaceExists(ctx context.Context, name string) (bool, error)
	ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error)
}

// Forwarder opens a tunnel from localPort to podPort of pod
type Forwarder func(ctx context.Context, namespace, pod string, localPort, podPort int) (io.Closer, error)

// Options configures a Retriever
type Options struct {
	// LocalPort is the local end of the port-forward to the mock server admin API
	LocalPort int
	// OutputDir receives the result files
	OutputDir string
	// RetryMax bounds retries of each admin API request
	RetryMax int
}

// Retriever downloads recorded imposters from the mock server
type Retriever struct {
	cluster Cluster
	forward Forwarder
	http    *retryablehttp.Client
	options Options
}

// NewRetriever creates a retriever
func NewRetriever(cluster Cluster, forward Forwarder, options Options) *Retriever {
	if options.LocalPort == 0 {
		options.LocalPort = DEFAULT_LOCAL_PORT
	}
	if options.RetryMax == 0 {
		options.RetryMax = 3
	}

	client := retryablehttp.NewClient()
	client.RetryMax = options.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = &retryableHTTPLogrusWrapper{logger: logger}

	return &Retriever{
		cluster: cluster,
		forward: forward,
		http:    client,
		options: options,
	}
}

// Retrieve saves the recorded result of every virtualized entry with proxy.save-result
// and returns the written file paths. All results are fetched before any file is written.
func (r *Retriever) Retrieve(ctx context.Context, cfg *config.Config) ([]string, error) {
	logger.Info("Retrieve: starting...")

	entries := toSave(cfg)
	if len(entries) == 0 {
		logger.Info("No services require saving proxy result")
		return nil, nil
	}

	namespace := cfg.Manifests.Namespace
	if namespace == "" {
		return nil, &config.FieldError{Field: "manifests.namespace"}
	}
	exists, err := r.cluster.NamespaceExists(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to look up namespace %q: %w", namespace, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", reconcile.ErrNamespaceNotFound, namespace)
	}

	pods, err := r.cluster.ListPods(ctx, namespace, mockserver.MOCK_SERVER_LABEL_SELECTOR)
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, fmt.Errorf("%w: namespace %s, selector %s", ErrMockServerNotFound, namespace, mockserver.MOCK_SERVER_LABEL_SELECTOR)
	}

	tunnel, err := r.forward(ctx, namespace, pods[0].Name, r.options.LocalPort, mockserver.MOCK_SERVER_ADMIN_PORT)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := tunnel.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close port-forward")
		}
	}()

	results := make([][]byte, len(entries))
	for i, entry := range entries {
		imposter, err := r.fetch(ctx, entry.VirtualService.PortValue())
		if err != nil {
			return nil, fmt.Errorf("failed to fetch proxy result of service %q: %w", entry.Name, err)
		}
		results[i], err = json.MarshalIndent(Clean(entry, imposter), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode proxy result of service %q: %w", entry.Name, err)
		}
	}

	var written []string
	for i, entry := range entries {
		path := filepath.Join(r.options.OutputDir, entry.Name+RESULT_FILE_SUFFIX)
		if err := os.WriteFile(path, results[i], 0644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
		logger.WithField("service", entry.Name).WithField("file", path).Info("Saved proxy result")
	}

	logger.WithField("files", len(written)).Info("Retrieve: done.")
	return written, nil
}

func (r *Retriever) fetch(ctx context.Context, port int) (map[string]interface{}, error) {
	url := fmt.Sprintf("http://%s:%d/imposters/%d", localHost, r.options.LocalPort, port)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mock server returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var imposter map[string]interface{}
	if err := decoder.Decode(&imposter); err != nil {
		return nil, fmt.Errorf("failed to decode imposter: %w", err)
	}
	return imposter, nil
}

// Clean turns a recorded imposter into a replayable one. Recording details are dropped;
// for auto-created proxies recording is turned off and the leading proxy stub removed,
// so only the recorded responses remain.
func Clean(entry config.ServiceEntry, imposter map[string]interface{}) map[string]interface{} {
	for _, field := range RECORDING_FIELDS {
		delete(imposter, field)
	}

	vs := entry.VirtualService
	if vs.Proxy != nil && vs.Proxy.AutoCreate {
		imposter["recordRequests"] = false
		if stubs, ok := imposter["stubs"].([]interface{}); ok && len(stubs) > 0 {
			imposter["stubs"] = stubs[1:]
		}
	}

	if vs.Grpc != nil {
		imposter["options"] = mockserver.GrpcOptions()
		imposter["services"] = map[string]mockserver.ProtoService{
			vs.Grpc.ProtoServiceName: {File: mockserver.ProtoFileName(entry.Name)},
		}
	}
	return imposter
}

func toSave(cfg *config.Config) []config.ServiceEntry {
	var entries []config.ServiceEntry
	for _, entry := range cfg.Virtualized() {
		if proxy := entry.VirtualService.Proxy; proxy != nil && proxy.SaveResult {
			entries = append(entries, entry)
		}
	}
	return entries
}
