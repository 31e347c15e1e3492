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

// Package cluster is the typed façade over the Kubernetes API used by the
// orchestrator: GPU node inventory, workload pods and their NodePort services,
// one-shot worker jobs, and pod-level plumbing (logs, exec, port-forward).
package cluster

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/utils"
)

// NodeInfo is the neutral view of one GPU node.
type NodeInfo struct {
	Name            string
	IP              string
	InstanceID      string
	InstanceType    string
	GPUType         string
	AllocatableGPUs int64
	Ready           bool
	Schedulable     bool
}

// Workload is the created pod/service pair for a reservation.
type Workload struct {
	PodName     string
	ServiceName string
	SSHNodePort int32
}

// Interface is the orchestrator's view of the cluster. All object names are
// relative to the configured workload namespace.
type Interface interface {
	ListGPUNodes(ctx context.Context, gpuType string) ([]NodeInfo, error)
	NodeGPUUsage(ctx context.Context, nodeName string) (int64, error)
	CountWorkloadPods(ctx context.Context, gpuType string) (int, error)
	ResolveNode(ctx context.Context, nodeName string) (*NodeInfo, error)

	CreateWorkload(ctx context.Context, spec *WorkloadSpec) (*Workload, error)
	WaitForWorkloadScheduled(ctx context.Context, name string) (*corev1.Pod, error)
	WaitForWorkloadReady(ctx context.Context, name string, timeout time.Duration) (*corev1.Pod, error)
	DeleteWorkload(ctx context.Context, name string) error
	DeleteService(ctx context.Context, name string) error
	EnsureNotebookPort(ctx context.Context, serviceName string) (int32, error)
	RemoveNotebookPort(ctx context.Context, serviceName string) error

	CreateWorkerJob(ctx context.Context, spec *JobSpec) (*batchv1.Job, error)
	GetJob(ctx context.Context, name string) (*batchv1.Job, error)
	ListWorkerJobs(ctx context.Context) ([]batchv1.Job, error)
	DeleteJob(ctx context.Context, name string) error
	WorkerJobLogs(ctx context.Context, jobName string, tail int64) (string, error)

	PodLogs(ctx context.Context, podName string, tail int64) (string, error)
	Exec(ctx context.Context, podName string, command ...string) (string, string, error)
	VerifyHTTP(ctx context.Context, podName string, port int32, path string) error
}

// Client implements Interface over a typed clientset. The rest config is kept
// for the exec and port-forward subresources, which bypass the clientset.
type Client struct {
	kube      kubernetes.Interface
	config    *rest.Config
	namespace string
}

func NewClient(kube kubernetes.Interface, config *rest.Config, namespace string) *Client {
	return &Client{kube: kube, config: config, namespace: namespace}
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) ListGPUNodes(ctx context.Context, gpuType string) ([]NodeInfo, error) {
	nodes, err := c.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", v1.NodeLabelGPUType, gpuType),
	})
	if err != nil {
		return nil, errors.FromKubernetes(fmt.Errorf("listing %s nodes, %w", gpuType, err))
	}
	out := make([]NodeInfo, 0, len(nodes.Items))
	for i := range nodes.Items {
		out = append(out, nodeInfo(&nodes.Items[i]))
	}
	return out, nil
}

func (c *Client) ResolveNode(ctx context.Context, nodeName string) (*NodeInfo, error) {
	node, err := c.kube.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return nil, errors.FromKubernetes(fmt.Errorf("getting node %s, %w", nodeName, err))
	}
	info := nodeInfo(node)
	return &info, nil
}

func nodeInfo(node *corev1.Node) NodeInfo {
	info := NodeInfo{
		Name:         node.Name,
		InstanceType: node.Labels[corev1.LabelInstanceTypeStable],
		GPUType:      node.Labels[v1.NodeLabelGPUType],
		Schedulable:  !node.Spec.Unschedulable,
	}
	if gpus, ok := node.Status.Allocatable[corev1.ResourceName(v1.ResourceNvidiaGPU)]; ok {
		info.AllocatableGPUs = gpus.Value()
	}
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			info.Ready = cond.Status == corev1.ConditionTrue
		}
	}
	// External IP preferred for SSH; internal is the fallback inside the VPC.
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeExternalIP {
			info.IP = addr.Address
			break
		}
		if addr.Type == corev1.NodeInternalIP && info.IP == "" {
			info.IP = addr.Address
		}
	}
	if node.Spec.ProviderID != "" {
		if id, err := utils.ParseInstanceID(node.Spec.ProviderID); err == nil {
			info.InstanceID = id
		}
	}
	return info
}

// NodeGPUUsage sums the GPU requests of every live pod bound to the node.
// Succeeded and Failed pods hold no devices and are excluded server-side.
func (c *Client) NodeGPUUsage(ctx context.Context, nodeName string) (int64, error) {
	pods, err := c.kube.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s,status.phase!=%s,status.phase!=%s",
			nodeName, corev1.PodSucceeded, corev1.PodFailed),
	})
	if err != nil {
		return 0, errors.FromKubernetes(fmt.Errorf("listing pods on node %s, %w", nodeName, err))
	}
	var used int64
	for i := range pods.Items {
		used += GPURequest(&pods.Items[i])
	}
	return used, nil
}

// GPURequest returns the pod's total GPU request across containers. Extended
// resources cannot be overcommitted, so requests equal limits.
func GPURequest(pod *corev1.Pod) int64 {
	var total int64
	for _, container := range pod.Spec.Containers {
		if q, ok := container.Resources.Requests[corev1.ResourceName(v1.ResourceNvidiaGPU)]; ok {
			total += q.Value()
		}
	}
	return total
}

// CountWorkloadPods counts live workload pods of a given type, the observed
// side of CPU slot accounting.
func (c *Client) CountWorkloadPods(ctx context.Context, gpuType string) (int, error) {
	pods, err := c.kube.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%s,%s=%s",
			v1.LabelApp, v1.LabelAppValue,
			v1.LabelComponent, v1.ComponentWorkload,
			v1.LabelGPUType, utils.LabelValue(gpuType)),
		FieldSelector: fmt.Sprintf("status.phase!=%s,status.phase!=%s", corev1.PodSucceeded, corev1.PodFailed),
	})
	if err != nil {
		return 0, errors.FromKubernetes(fmt.Errorf("counting %s workload pods, %w", gpuType, err))
	}
	return len(pods.Items), nil
}
