// Package mockserver produces the mountebank Deployment and the ConfigMap
// holding its imposters and proto files.
package mockserver

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/manifest"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

var (
	ErrMissingGrpcFields = errors.New("grpc virtual service requires protofile-path and proto-service-name")
	ErrMalformedImposter = errors.New("malformed imposter file")
)

//go:embed templates/mountebank-deployment.yaml
var deploymentTemplate []byte

var logger = log.WithFields(log.Fields{
	"package": "mockserver",
})

// Output is what the generator added to the index
type Output struct {
	// Config is the mountebank config file stored under CONFIG_FILE_KEY
	Config []byte
	// Imposters is the number of imposters in Config
	Imposters int
}

// ConfigGenerator defines the interface for generating mock server manifests
type ConfigGenerator interface {
	// Generate adds the mock server Deployment and ConfigMap to index
	Generate(index *manifest.Index, services config.Services, backendPorts map[string]int64) (*Output, error)
}

// Generator builds mock server manifests from service entries
type Generator struct {
	baseDir  string
	readFile func(string) ([]byte, error)
}

// Ensure Generator implements ConfigGenerator
var _ ConfigGenerator = (*Generator)(nil)

// NewGenerator creates a generator resolving relative imposter and proto paths against baseDir
func NewGenerator(baseDir string) *Generator {
	return &Generator{
		baseDir:  baseDir,
		readFile: os.ReadFile,
	}
}

// Generate inserts the mock server Deployment and merges the imposters ConfigMap into index.
// It does nothing when no service entry is virtualized. Files are read before the index is
// touched, so a failure leaves the index unmodified.
func (g *Generator) Generate(index *manifest.Index, services config.Services, backendPorts map[string]int64) (*Output, error) {
	entries := (&config.Config{Services: services}).Virtualized()
	if len(entries) == 0 {
		logger.Info("Generate: no virtual services, skipping mock server")
		return nil, nil
	}

	logger.Info("Generate: starting...")

	deployment, err := DeploymentManifests()
	if err != nil {
		return nil, err
	}

	data := make(map[string]interface{})
	imposters := make([]json.RawMessage, 0, len(entries))

	for _, entry := range entries {
		vs := entry.VirtualService

		if vs.Grpc != nil {
			proto, err := g.readProto(entry)
			if err != nil {
				return nil, err
			}
			data[ProtoFileName(entry.Name)] = string(proto)
		}

		imposter, err := g.imposter(entry, backendPorts)
		if err != nil {
			return nil, err
		}
		if imposter == nil {
			logger.WithField("service", entry.Name).Warn("No imposter path and auto-create disabled, service has no imposter")
			continue
		}
		imposters = append(imposters, imposter)
	}

	document, err := json.MarshalIndent(Document{Imposters: imposters}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode mock server config: %w", err)
	}
	data[CONFIG_FILE_KEY] = string(document)

	for _, obj := range deployment {
		index.Put(obj)
	}
	index.Merge(configMap(data))

	logger.WithField("imposters", len(imposters)).Info("Generate: done.")
	return &Output{Config: document, Imposters: len(imposters)}, nil
}

func (g *Generator) readProto(entry config.ServiceEntry) ([]byte, error) {
	grpc := entry.VirtualService.Grpc
	if grpc.ProtofilePath == "" || grpc.ProtoServiceName == "" {
		return nil, fmt.Errorf("%w: service %q", ErrMissingGrpcFields, entry.Name)
	}
	proto, err := g.readFile(g.resolve(grpc.ProtofilePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read proto file for service %q: %w", entry.Name, err)
	}
	return proto, nil
}

// imposter returns the imposter of an entry: the user file when a path is set,
// else a recording proxy when auto-create is on, else nil.
func (g *Generator) imposter(entry config.ServiceEntry, backendPorts map[string]int64) (json.RawMessage, error) {
	vs := entry.VirtualService

	if vs.Path != "" {
		raw, err := g.readFile(g.resolve(vs.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to read imposter file for service %q: %w", entry.Name, err)
		}
		raw = bytes.TrimSpace(raw)
		var probe map[string]interface{}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedImposter, vs.Path, err)
		}
		return json.RawMessage(raw), nil
	}

	if vs.Proxy == nil || !vs.Proxy.AutoCreate {
		return nil, nil
	}

	port := vs.PortValue()
	backend, ok := backendPorts[entry.Name]
	if !ok {
		backend = int64(port)
	}

	imposter := NewProxyImposter(vs.ProtocolOrDefault(), port, ProxyTarget(vs, backend))
	if vs.Grpc != nil {
		imposter.Services = map[string]ProtoService{
			vs.Grpc.ProtoServiceName: {File: ProtoFileName(entry.Name)},
		}
		imposter.Options = GrpcOptions()
	}

	raw, err := json.Marshal(imposter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode imposter for service %q: %w", entry.Name, err)
	}
	return raw, nil
}

func (g *Generator) resolve(path string) string {
	if filepath.IsAbs(path) || g.baseDir == "" {
		return path
	}
	return filepath.Join(g.baseDir, path)
}

// ProxyTarget returns the address the mock server proxies to. gRPC targets carry no scheme.
func ProxyTarget(vs *config.VirtualService, backendPort int64) string {
	if vs.IsGrpc() {
		return fmt.Sprintf("%s:%d", vs.Proxy.ServiceName, backendPort)
	}
	return fmt.Sprintf("%s://%s:%d", vs.TransportOrDefault(), vs.Proxy.ServiceName, backendPort)
}

// DeploymentManifests decodes the bundled mock server Deployment
func DeploymentManifests() ([]*unstructured.Unstructured, error) {
	objs, err := manifest.Decode(bytes.NewReader(deploymentTemplate))
	if err != nil {
		return nil, fmt.Errorf("failed to decode mock server deployment: %w", err)
	}
	return objs, nil
}

func configMap(data map[string]interface{}) *unstructured.Unstructured {
	cm := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"name": MOCK_SERVER_NAME,
			"labels": map[string]interface{}{
				MOCK_SERVER_SELECTOR_KEY: MOCK_SERVER_SELECTOR_VALUE,
			},
		},
		"data": data,
	}}
	return cm
}
