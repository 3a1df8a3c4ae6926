// Package observability adds the telemetry agent manifests to a synthesized index.
package observability

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/manifest"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	ENV_TEST_RUN_ID   = "TEST_RUN_ID"
	ENV_K8S_NAMESPACE = "K8S_NAMESPACE"

	SECRET_USERNAME_KEY      = "username"
	SECRET_PASSWORD_KEY      = "password"
	SECRET_OTLP_ENDPOINT_KEY = "otlp-endpoint"
)

var (
	ErrMissingCredentials = errors.New("grafana cloud username and password are required for observability")
	ErrMissingTestID      = errors.New("test id is required for observability")
)

//go:embed templates/otelcol-agent.yaml
var agentTemplate []byte

var logger = log.WithFields(log.Fields{
	"package": "observability",
})

// ObservabilityInjector defines the interface for adding telemetry manifests
type ObservabilityInjector interface {
	// Inject merges the patched telemetry agent manifests into index
	Inject(index *manifest.Index, obs *config.ObservabilityConfig, namespace string) error
}

// Injector patches the bundled telemetry agent template
type Injector struct {
	template []byte
}

// Ensure Injector implements ObservabilityInjector
var _ ObservabilityInjector = (*Injector)(nil)

// NewInjector creates an injector using the bundled otel collector agent template
func NewInjector() *Injector {
	return &Injector{template: agentTemplate}
}

// Inject does nothing unless obs requests deployment. Credentials and test id are
// checked before the index is touched.
func (i *Injector) Inject(index *manifest.Index, obs *config.ObservabilityConfig, namespace string) error {
	if !obs.IsDeployEnabled() {
		return nil
	}

	logger.Info("Inject: starting...")

	creds := obs.GrafanaCloud
	if creds == nil || creds.Username == "" || creds.Password == "" {
		return ErrMissingCredentials
	}
	if obs.TestID == "" {
		return ErrMissingTestID
	}

	objs, err := manifest.Decode(bytes.NewReader(i.template))
	if err != nil {
		return fmt.Errorf("failed to decode observability template: %w", err)
	}

	for _, obj := range objs {
		var err error
		switch obj.GetKind() {
		case "Secret":
			err = patchSecret(obj, creds)
		case "DaemonSet":
			err = patchDaemonSet(obj, obs.TestID, namespace)
		case "ClusterRoleBinding":
			err = patchClusterRoleBinding(obj, namespace)
		}
		if err != nil {
			return fmt.Errorf("failed to patch %s/%s: %w", obj.GetKind(), obj.GetName(), err)
		}
	}

	for _, obj := range objs {
		index.Merge(obj)
	}

	logger.WithField("test-id", obs.TestID).WithField("manifests", len(objs)).Info("Inject: done.")
	return nil
}

func patchSecret(obj *unstructured.Unstructured, creds *config.GrafanaCloudConfig) error {
	values := map[string]string{
		SECRET_USERNAME_KEY:      creds.Username,
		SECRET_PASSWORD_KEY:      creds.Password,
		SECRET_OTLP_ENDPOINT_KEY: creds.OtlpEndpoint,
	}
	for key, value := range values {
		encoded := base64.StdEncoding.EncodeToString([]byte(value))
		if err := unstructured.SetNestedField(obj.Object, encoded, "data", key); err != nil {
			return err
		}
	}
	return nil
}

// patchDaemonSet sets the run id and namespace on the first container, adding the variables if absent.
func patchDaemonSet(obj *unstructured.Unstructured, testID, namespace string) error {
	containers, found, err := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	if err != nil {
		return err
	}
	if !found || len(containers) == 0 {
		return errors.New("daemonset has no containers")
	}
	first, ok := containers[0].(map[string]interface{})
	if !ok {
		return errors.New("daemonset container is not an object")
	}

	env, _ := first["env"].([]interface{})
	env = setEnv(env, ENV_TEST_RUN_ID, testID)
	env = setEnv(env, ENV_K8S_NAMESPACE, namespace)
	first["env"] = env

	return unstructured.SetNestedSlice(obj.Object, containers, "spec", "template", "spec", "containers")
}

func setEnv(env []interface{}, name, value string) []interface{} {
	for _, item := range env {
		if v, ok := item.(map[string]interface{}); ok && v["name"] == name {
			v["value"] = value
			delete(v, "valueFrom")
			return env
		}
	}
	return append(env, map[string]interface{}{"name": name, "value": value})
}

func patchClusterRoleBinding(obj *unstructured.Unstructured, namespace string) error {
	subjects, found, err := unstructured.NestedSlice(obj.Object, "subjects")
	if err != nil || !found {
		return err
	}
	for _, item := range subjects {
		if subject, ok := item.(map[string]interface{}); ok {
			subject["namespace"] = namespace
		}
	}
	return unstructured.SetNestedSlice(obj.Object, subjects, "subjects")
}
