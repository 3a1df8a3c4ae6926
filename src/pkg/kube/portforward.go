package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

// Forward is an open port-forward to a pod
type Forward struct {
	LocalPort int

	stop   chan struct{}
	done   chan error
	output io.Closer
	once   sync.Once
}

// Close stops forwarding and waits for the tunnel to shut down
func (f *Forward) Close() error {
	var err error
	f.once.Do(func() {
		close(f.stop)
		err = <-f.done
		_ = f.output.Close()
	})
	return err
}

// PortForward forwards localPort to podPort of pod and returns once the tunnel is ready
func (c *Client) PortForward(ctx context.Context, namespace, pod string, localPort, podPort int) (*Forward, error) {
	if c.config == nil {
		return nil, errors.New("port-forward requires a rest config")
	}

	transport, upgrader, err := spdy.RoundTripperFor(c.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create spdy transport: %w", err)
	}
	url := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward").
		URL()
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, url)

	output := logger.WithField("pod", pod).WriterLevel(log.DebugLevel)
	stop := make(chan struct{})
	ready := make(chan struct{})
	ports := []string{fmt.Sprintf("%d:%d", localPort, podPort)}

	forwarder, err := portforward.New(dialer, ports, stop, ready, output, output)
	if err != nil {
		_ = output.Close()
		return nil, fmt.Errorf("failed to create port-forward: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- forwarder.ForwardPorts()
	}()

	select {
	case <-ready:
	case err := <-done:
		_ = output.Close()
		return nil, fmt.Errorf("failed to port-forward %s/%s: %w", namespace, pod, err)
	case <-ctx.Done():
		close(stop)
		<-done
		_ = output.Close()
		return nil, ctx.Err()
	}

	logger.WithFields(log.Fields{
		"pod":        pod,
		"local-port": localPort,
		"pod-port":   podPort,
	}).Info("Port-forward ready")

	return &Forward{
		LocalPort: localPort,
		stop:      stop,
		done:      done,
		output:    output,
	}, nil
}
