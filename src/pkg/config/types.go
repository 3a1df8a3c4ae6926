package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config represents the complete virtest configuration file
type Config struct {
	Manifests     ManifestsConfig      `yaml:"manifests"`
	Services      Services             `yaml:"services"`
	Observability *ObservabilityConfig `yaml:"observability,omitempty"`
}

// ManifestsConfig points at the base manifests and the target namespace
type ManifestsConfig struct {
	Path         string `yaml:"path"`
	Namespace    string `yaml:"namespace"`
	PoliciesPath string `yaml:"policies-path,omitempty"`
}

// Services keeps service entries in the order they are declared in the file.
type Services []ServiceEntry

// ServiceEntry is the virtualization config of one logical service
type ServiceEntry struct {
	// Name is the mapping key of the entry, not a field of the YAML body
	Name string `yaml:"-"`

	DeploymentComponent *DeploymentComponent `yaml:"deployment-component,omitempty"`
	ServiceComponent    *ServiceComponent    `yaml:"service-component,omitempty"`
	VirtualService      *VirtualService      `yaml:"virtual-service,omitempty"`
}

// DeploymentComponent references a Deployment that may be dropped from the manifests
type DeploymentComponent struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// ServiceComponent references the Service being virtualized
type ServiceComponent struct {
	Name string `yaml:"name"`
}

// VirtualService describes how traffic to a service is intercepted by the mock server
type VirtualService struct {
	Enabled   *bool        `yaml:"enabled,omitempty"`
	Port      *int         `yaml:"port,omitempty"`
	Protocol  string       `yaml:"protocol,omitempty"`
	Transport string       `yaml:"transport,omitempty"`
	Path      string       `yaml:"path,omitempty"`
	Grpc      *GrpcConfig  `yaml:"grpc,omitempty"`
	Proxy     *ProxyConfig `yaml:"proxy,omitempty"`
}

// GrpcConfig holds the proto definition used to decode gRPC traffic
type GrpcConfig struct {
	ProtofilePath    string `yaml:"protofile-path,omitempty"`
	ProtoServiceName string `yaml:"proto-service-name,omitempty"`
}

// ProxyConfig describes the route from the mock server back to the real backend
type ProxyConfig struct {
	ServiceName string `yaml:"service-name,omitempty"`
	AutoCreate  bool   `yaml:"auto-create,omitempty"`
	SaveResult  bool   `yaml:"save-result,omitempty"`
}

// ObservabilityConfig gates deployment of the telemetry agent
type ObservabilityConfig struct {
	Deploy       *bool               `yaml:"deploy,omitempty"`
	GrafanaCloud *GrafanaCloudConfig `yaml:"grafana-cloud,omitempty"`
	TestID       string              `yaml:"test-id,omitempty"`
}

// GrafanaCloudConfig holds the OTLP credentials of the telemetry agent
type GrafanaCloudConfig struct {
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	OtlpEndpoint string `yaml:"otlp-endpoint,omitempty"`
}

// UnmarshalYAML decodes the services mapping while preserving declaration order.
func (s *Services) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: services must be a mapping, got line %d", ErrInvalidConfig, value.Line)
	}

	entries := make(Services, 0, len(value.Content)/2)
	seen := make(map[string]bool, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, body := value.Content[i], value.Content[i+1]

		if seen[key.Value] {
			return fmt.Errorf("%w: service %q declared twice (line %d)", ErrInvalidConfig, key.Value, key.Line)
		}
		seen[key.Value] = true

		entry := ServiceEntry{}
		if err := body.Decode(&entry); err != nil {
			return fmt.Errorf("failed to decode service %q: %w", key.Value, err)
		}
		entry.Name = key.Value
		entries = append(entries, entry)
	}

	*s = entries
	return nil
}

// MarshalYAML writes the services back as an ordered mapping.
func (s Services) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, entry := range s {
		body := &yaml.Node{}
		if err := body.Encode(entry); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: entry.Name},
			body,
		)
	}
	return node, nil
}

// Get returns the entry with the given name.
func (s Services) Get(name string) (ServiceEntry, bool) {
	for _, entry := range s {
		if entry.Name == name {
			return entry, true
		}
	}
	return ServiceEntry{}, false
}

// IsEnabled reports whether the deployment stays in the manifests. Omitted means kept.
func (d *DeploymentComponent) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// IsEnabled reports whether the service is virtualized. Omitted means not virtualized.
func (v *VirtualService) IsEnabled() bool {
	return v != nil && v.Enabled != nil && *v.Enabled
}

// PortValue returns the declared port, 0 when unspecified.
func (v *VirtualService) PortValue() int {
	if v == nil || v.Port == nil {
		return 0
	}
	return *v.Port
}

// ProtocolOrDefault returns the imposter protocol, http when unspecified.
func (v *VirtualService) ProtocolOrDefault() string {
	if v.Protocol == "" {
		return DEFAULT_PROTOCOL
	}
	return v.Protocol
}

// TransportOrDefault returns the proxy scheme, http when unspecified.
func (v *VirtualService) TransportOrDefault() string {
	if v.Transport == "" {
		return DEFAULT_TRANSPORT
	}
	return v.Transport
}

// IsGrpc reports whether the virtual service carries gRPC traffic, either by protocol
// or by a grpc block.
func (v *VirtualService) IsGrpc() bool {
	return v != nil && (v.Grpc != nil || v.ProtocolOrDefault() == PROTOCOL_GRPC)
}

// IsDeployEnabled reports whether observability components are requested.
func (o *ObservabilityConfig) IsDeployEnabled() bool {
	return o != nil && o.Deploy != nil && *o.Deploy
}

// Virtualized returns the entries with virtual-service enabled, in declaration order.
func (c *Config) Virtualized() []ServiceEntry {
	var entries []ServiceEntry
	for _, entry := range c.Services {
		if entry.VirtualService.IsEnabled() {
			entries = append(entries, entry)
		}
	}
	return entries
}
