/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/transport/spdy"

	"github.com/gpudev/orchestrator/pkg/errors"
)

// PodLogs returns the last tail lines of the pod's first container.
func (c *Client) PodLogs(ctx context.Context, podName string, tail int64) (string, error) {
	request := c.kube.CoreV1().Pods(c.namespace).GetLogs(podName, &corev1.PodLogOptions{
		TailLines: &tail,
	})
	stream, err := request.Stream(ctx)
	if err != nil {
		return "", errors.FromKubernetes(fmt.Errorf("streaming logs of pod %s, %w", podName, err))
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("reading logs of pod %s, %w", podName, err)
	}
	return string(data), nil
}

// Exec runs a command in the pod's first container and returns stdout and
// stderr. Websocket is tried first with SPDY as the fallback, mirroring
// kubectl's transport selection.
func (c *Client) Exec(ctx context.Context, podName string, command ...string) (string, string, error) {
	request := c.kube.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Name(podName).
		Namespace(c.namespace).
		SubResource("exec")
	request.VersionedParams(&corev1.PodExecOptions{
		Stdout:    true,
		Stderr:    true,
		Container: containerName,
		Command:   command,
	}, scheme.ParameterCodec)

	spdyExecutor, err := remotecommand.NewSPDYExecutor(c.config, http.MethodPost, request.URL())
	if err != nil {
		return "", "", fmt.Errorf("initializing spdy executor, %w", err)
	}
	websocketExecutor, err := remotecommand.NewWebSocketExecutor(c.config, http.MethodGet, request.URL().String())
	if err != nil {
		return "", "", fmt.Errorf("initializing websocket executor, %w", err)
	}
	executor, err := remotecommand.NewFallbackExecutor(websocketExecutor, spdyExecutor, func(err error) bool {
		return httpstream.IsUpgradeFailure(err) || httpstream.IsHTTPSProxyError(err)
	})
	if err != nil {
		return "", "", fmt.Errorf("initializing command executor, %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("executing %q in pod %s, %w", command, podName, err)
	}
	return stdout.String(), stderr.String(), nil
}

// VerifyHTTP port-forwards to the pod and probes an HTTP path, confirming the
// process inside answers before the port is published externally.
func (c *Client) VerifyHTTP(ctx context.Context, podName string, port int32, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	u := c.kube.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Namespace(c.namespace).
		Name(podName).
		SubResource("portforward").
		URL()
	transport, upgrader, err := spdy.RoundTripperFor(c.config)
	if err != nil {
		return fmt.Errorf("building port-forward transport, %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, u)

	readyChan := make(chan struct{}, 1)
	fw, err := portforward.New(dialer, []string{fmt.Sprintf("0:%d", port)}, ctx.Done(), readyChan, io.Discard, io.Discard)
	if err != nil {
		return fmt.Errorf("building port forwarder for pod %s, %w", podName, err)
	}
	errChan := make(chan error, 1)
	go func() {
		errChan <- fw.ForwardPorts()
	}()
	select {
	case err := <-errChan:
		return fmt.Errorf("forwarding port %d of pod %s, %w", port, podName, err)
	case <-ctx.Done():
		return errors.DeadlineExceededf("port_forward_timeout", "port-forward to pod %s did not become ready", podName)
	case <-readyChan:
	}
	ports, err := fw.GetPorts()
	if err != nil || len(ports) == 0 {
		return fmt.Errorf("resolving local forward port for pod %s, %w", podName, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d%s", ports[0].Local, path), nil)
	if err != nil {
		return fmt.Errorf("building probe request, %w", err)
	}
	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		return fmt.Errorf("probing pod %s port %d, %w", podName, port, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("pod %s port %d answered %d", podName, port, resp.StatusCode)
	}
	return nil
}
