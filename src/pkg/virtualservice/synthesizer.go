// Package virtualservice rewires Service manifests so traffic to a virtualized
// service lands on the mock server, and adds a proxy Service the mock server
// uses to reach the real backend.
package virtualservice

import (
	"errors"
	"fmt"

	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/manifest"
	"github.com/gh-nvat/virtest/src/pkg/mockserver"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	KIND_DEPLOYMENT = "Deployment"
	KIND_SERVICE    = "Service"

	MAX_PORT = 65535
)

var (
	ErrInvalidComponentRef = errors.New("invalid deployment component reference")
	ErrMissingServiceRef   = errors.New("missing service component name")
	ErrServiceNotFound     = errors.New("service not found")
	ErrMissingPort         = errors.New("virtual service port not specified")
	ErrInvalidPort         = errors.New("virtual service port out of range")
	ErrDuplicatePort       = errors.New("duplicate virtual service port")
	ErrProxyNameCollision  = errors.New("proxy service name must differ from service component name")
)

var logger = log.WithFields(log.Fields{
	"package": "virtualservice",
})

// Result describes what the synthesizer claimed for the mock server
type Result struct {
	// Ports are the claimed virtual service ports in declaration order
	Ports []int
	// BackendPorts maps a service entry to the port its real backend listens on
	BackendPorts map[string]int64
}

// HasVirtualServices reports whether any port was claimed
func (r *Result) HasVirtualServices() bool {
	return r != nil && len(r.Ports) > 0
}

// ServiceSynthesizer defines the interface for rewiring Service manifests
type ServiceSynthesizer interface {
	// Synthesize mutates index according to services
	Synthesize(index *manifest.Index, services config.Services) (*Result, error)
}

// Synthesizer rewires Service manifests through the mock server
type Synthesizer struct{}

// Ensure Synthesizer implements ServiceSynthesizer
var _ ServiceSynthesizer = (*Synthesizer)(nil)

// NewSynthesizer creates a new virtual service synthesizer
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize reads Deployment and Service manifests, removes disabled Deployments,
// replaces virtualized Services and inserts proxy Services.
// Every entry is checked before the index is touched, so a configuration error
// leaves the index unmodified.
func (s *Synthesizer) Synthesize(index *manifest.Index, services config.Services) (*Result, error) {
	logger.Info("Synthesize: starting...")

	ports, err := s.check(index, services)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Ports:        ports,
		BackendPorts: make(map[string]int64),
	}

	for _, entry := range services {
		if dc := entry.DeploymentComponent; dc != nil && !dc.IsEnabled() {
			index.Remove(KIND_DEPLOYMENT, dc.Name)
			logger.WithField("service", entry.Name).WithField("deployment", dc.Name).Info("Removed disabled deployment")
		}

		vs := entry.VirtualService
		if !vs.IsEnabled() {
			continue
		}

		serviceName := entry.ServiceComponent.Name
		original, _ := index.Get(KIND_SERVICE, serviceName)
		virtualPort := int64(vs.PortValue())

		result.BackendPorts[entry.Name] = backendPort(original, virtualPort)

		index.Put(rewireToMockServer(original, virtualPort))
		logger.WithField("service", entry.Name).WithField("port", virtualPort).Info("Routed service through mock server")

		if vs.Proxy != nil {
			index.Put(proxyService(original, vs.Proxy.ServiceName, virtualPort))
			logger.WithField("service", entry.Name).WithField("proxy", vs.Proxy.ServiceName).Info("Created proxy service")
		}
	}

	logger.WithField("ports", result.Ports).Info("Synthesize: done.")
	return result, nil
}

// check validates every entry against the index without mutating it and returns the claimed ports.
func (s *Synthesizer) check(index *manifest.Index, services config.Services) ([]int, error) {
	removed := make(map[string]bool)
	claimed := make(map[int]string)
	var ports []int

	for _, entry := range services {
		if dc := entry.DeploymentComponent; dc != nil {
			if dc.Name == "" || removed[dc.Name] || !index.Has(KIND_DEPLOYMENT, dc.Name) {
				return nil, fmt.Errorf("%w: service %q references deployment %q", ErrInvalidComponentRef, entry.Name, dc.Name)
			}
			if !dc.IsEnabled() {
				removed[dc.Name] = true
			}
		}

		vs := entry.VirtualService
		if !vs.IsEnabled() {
			continue
		}

		if entry.ServiceComponent == nil || entry.ServiceComponent.Name == "" {
			return nil, fmt.Errorf("%w: service %q", ErrMissingServiceRef, entry.Name)
		}
		serviceName := entry.ServiceComponent.Name
		if !index.Has(KIND_SERVICE, serviceName) {
			return nil, fmt.Errorf("%w: service %q references Service %q", ErrServiceNotFound, entry.Name, serviceName)
		}

		port := vs.PortValue()
		switch {
		case port == 0:
			return nil, fmt.Errorf("%w: service %q", ErrMissingPort, entry.Name)
		case port < 0 || port > MAX_PORT:
			return nil, fmt.Errorf("%w: service %q declares port %d", ErrInvalidPort, entry.Name, port)
		}
		if owner, ok := claimed[port]; ok {
			return nil, fmt.Errorf("%w: service %q declares port %d already claimed by %q, please choose a different port",
				ErrDuplicatePort, entry.Name, port, owner)
		}
		claimed[port] = entry.Name
		ports = append(ports, port)

		if proxy := vs.Proxy; proxy != nil {
			if proxy.ServiceName == "" {
				return nil, &config.FieldError{Field: fmt.Sprintf("services.%s.virtual-service.proxy.service-name", entry.Name)}
			}
			if proxy.ServiceName == serviceName {
				return nil, fmt.Errorf("%w: service %q uses %q for both", ErrProxyNameCollision, entry.Name, serviceName)
			}
		}
	}
	return ports, nil
}

// rewireToMockServer returns a copy of svc whose single port forwards to the virtual port
// and whose selector targets the mock server.
func rewireToMockServer(svc *unstructured.Unstructured, virtualPort int64) *unstructured.Unstructured {
	rewired := svc.DeepCopy()

	front := virtualPort
	first, ok := firstPort(svc)
	if ok {
		if port, ok := first["port"].(int64); ok {
			front = port
		}
	}

	entry := map[string]interface{}{
		"port":       front,
		"targetPort": virtualPort,
	}
	copyPortIdentity(first, entry)

	_ = unstructured.SetNestedSlice(rewired.Object, []interface{}{entry}, "spec", "ports")
	_ = unstructured.SetNestedStringMap(rewired.Object, map[string]string{
		mockserver.MOCK_SERVER_SELECTOR_KEY: mockserver.MOCK_SERVER_SELECTOR_VALUE,
	}, "spec", "selector")
	return rewired
}

// proxyService returns a copy of svc renamed to name, exposing the virtual port and
// forwarding to the original backend target port.
func proxyService(svc *unstructured.Unstructured, name string, virtualPort int64) *unstructured.Unstructured {
	proxy := svc.DeepCopy()
	proxy.SetName(name)

	var target interface{} = virtualPort
	first, ok := firstPort(svc)
	if ok {
		if targetPort, ok := first["targetPort"]; ok {
			target = targetPort
		} else if port, ok := first["port"].(int64); ok {
			target = port
		}
	}

	entry := map[string]interface{}{
		"port":       virtualPort,
		"targetPort": target,
	}
	copyPortIdentity(first, entry)
	_ = unstructured.SetNestedSlice(proxy.Object, []interface{}{entry}, "spec", "ports")

	// a fixed cluster IP belongs to the original Service
	if clusterIP, _, _ := unstructured.NestedString(proxy.Object, "spec", "clusterIP"); clusterIP != "None" {
		unstructured.RemoveNestedField(proxy.Object, "spec", "clusterIP")
		unstructured.RemoveNestedField(proxy.Object, "spec", "clusterIPs")
	}
	return proxy
}

// backendPort returns the port the real backend listens on: the first numeric
// targetPort, else the first port, else the virtual port.
func backendPort(svc *unstructured.Unstructured, virtualPort int64) int64 {
	first, ok := firstPort(svc)
	if !ok {
		return virtualPort
	}
	if targetPort, ok := first["targetPort"].(int64); ok {
		return targetPort
	}
	if port, ok := first["port"].(int64); ok {
		return port
	}
	return virtualPort
}

func firstPort(svc *unstructured.Unstructured) (map[string]interface{}, bool) {
	ports, found, err := unstructured.NestedSlice(svc.Object, "spec", "ports")
	if err != nil || !found || len(ports) == 0 {
		return nil, false
	}
	first, ok := ports[0].(map[string]interface{})
	return first, ok
}

func copyPortIdentity(from, to map[string]interface{}) {
	for _, key := range []string{"name", "protocol"} {
		if value, ok := from[key].(string); ok && value != "" {
			to[key] = value
		}
	}
}
