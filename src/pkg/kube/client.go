// Package kube talks to the cluster the synthesized manifests are reconciled against.
package kube

import (
	"context"
	"fmt"

	"github.com/gh-nvat/virtest/src/pkg/reconcile"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
)

var logger = log.WithFields(log.Fields{
	"package": "kube",
})

// Client wraps a controller-runtime client for object writes and a clientset for pods
type Client struct {
	client    client.Client
	clientset kubernetes.Interface
	config    *rest.Config
}

// Ensure Client implements reconcile.Cluster
var _ reconcile.Cluster = (*Client)(nil)

// NewClient connects using the kubeconfig resolution of controller-runtime
// (--kubeconfig, KUBECONFIG, in-cluster, ~/.kube/config).
func NewClient() (*Client, error) {
	cfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	c, err := client.New(cfg, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	logger.WithField("host", cfg.Host).Debug("Connected to cluster")
	return NewClientFrom(c, clientset, cfg), nil
}

// NewClientFrom builds a Client from existing clients
func NewClientFrom(c client.Client, clientset kubernetes.Interface, cfg *rest.Config) *Client {
	return &Client{
		client:    c,
		clientset: clientset,
		config:    cfg,
	}
}

func (c *Client) NamespaceExists(ctx context.Context, name string) (bool, error) {
	err := c.client.Get(ctx, client.ObjectKey{Name: name}, &corev1.Namespace{})
	switch {
	case err == nil:
		return true, nil
	case apierrors.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	return c.client.Create(ctx, obj)
}

// Replace overwrites the live object, carrying over its resource version
func (c *Client) Replace(ctx context.Context, obj *unstructured.Unstructured) error {
	live := &unstructured.Unstructured{}
	live.SetGroupVersionKind(obj.GroupVersionKind())
	if err := c.client.Get(ctx, client.ObjectKeyFromObject(obj), live); err != nil {
		return err
	}
	desired := obj.DeepCopy()
	desired.SetResourceVersion(live.GetResourceVersion())
	return c.client.Update(ctx, desired)
}

func (c *Client) Delete(ctx context.Context, obj *unstructured.Unstructured) error {
	return c.client.Delete(ctx, obj)
}

// ListPods returns the pods in namespace matching selector
func (c *Client) ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods in %s: %w", namespace, err)
	}
	return pods.Items, nil
}
