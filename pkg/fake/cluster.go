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

package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/errors"
)

// ExecResult scripts the outcome of an exec keyed by the command's first
// token.
type ExecResult struct {
	Stdout string
	Stderr string
	Err    error
}

// Cluster is an in-memory cluster facade. Node inventory, job state, and
// exec results are scripted by tests through the exported fields.
type Cluster struct {
	mu sync.Mutex

	Nodes            []cluster.NodeInfo
	GPUUsage         map[string]int64 // node name -> GPUs requested by live pods
	WorkloadPodCount map[string]int   // gpu type -> observed workload pods

	CreatedWorkloads []*cluster.WorkloadSpec
	DeletedWorkloads []string
	DeletedServices  []string
	NotebookPorts    map[string]int32
	Jobs             map[string]*batchv1.Job
	JobSpecs         map[string]*cluster.JobSpec
	JobLogs          map[string]string
	PodLogContent    map[string]string
	ExecResults      map[string]ExecResult
	ExecCalls        [][]string
	VerifyHTTPCalls  []string

	// ScheduledNode is the node every workload lands on; defaults to the
	// first seeded node.
	ScheduledNode string
	nextNodePort  int32

	CreateWorkloadError AtomicError
	WaitScheduledError  AtomicError
	WaitReadyError      AtomicError
	DeleteWorkloadError AtomicError
	CreateJobError      AtomicError
	NotebookPortError   AtomicError
	ExecError           AtomicError
	VerifyHTTPError     AtomicError
}

func NewCluster() *Cluster {
	c := &Cluster{}
	c.Reset()
	return c
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (c *Cluster) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Nodes = nil
	c.GPUUsage = map[string]int64{}
	c.WorkloadPodCount = map[string]int{}
	c.CreatedWorkloads = nil
	c.DeletedWorkloads = nil
	c.DeletedServices = nil
	c.NotebookPorts = map[string]int32{}
	c.Jobs = map[string]*batchv1.Job{}
	c.JobSpecs = map[string]*cluster.JobSpec{}
	c.JobLogs = map[string]string{}
	c.PodLogContent = map[string]string{}
	c.ExecResults = map[string]ExecResult{}
	c.ExecCalls = nil
	c.VerifyHTTPCalls = nil
	c.ScheduledNode = ""
	c.nextNodePort = 30000
	c.CreateWorkloadError.Reset()
	c.WaitScheduledError.Reset()
	c.WaitReadyError.Reset()
	c.DeleteWorkloadError.Reset()
	c.CreateJobError.Reset()
	c.NotebookPortError.Reset()
	c.ExecError.Reset()
	c.VerifyHTTPError.Reset()
}

// AddNode seeds a ready, schedulable GPU node.
func (c *Cluster) AddNode(name, gpuType string, allocatable int64) cluster.NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := cluster.NodeInfo{
		Name:            name,
		IP:              fmt.Sprintf("10.0.0.%d", len(c.Nodes)+1),
		InstanceID:      InstanceID(),
		InstanceType:    "p5.48xlarge",
		GPUType:         gpuType,
		AllocatableGPUs: allocatable,
		Ready:           true,
		Schedulable:     true,
	}
	c.Nodes = append(c.Nodes, node)
	return node
}

func (c *Cluster) ListGPUNodes(_ context.Context, gpuType string) ([]cluster.NodeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Filter(c.Nodes, func(n cluster.NodeInfo, _ int) bool { return n.GPUType == gpuType }), nil
}

func (c *Cluster) NodeGPUUsage(_ context.Context, nodeName string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.GPUUsage[nodeName], nil
}

func (c *Cluster) CountWorkloadPods(_ context.Context, gpuType string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WorkloadPodCount[gpuType], nil
}

func (c *Cluster) ResolveNode(_ context.Context, nodeName string) (*cluster.NodeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := lo.Find(c.Nodes, func(n cluster.NodeInfo) bool { return n.Name == nodeName })
	if !ok {
		return nil, errors.Newf(errors.KindOrchestratorPermanent, "workload_not_found", "node %s not found", nodeName)
	}
	return &node, nil
}

func (c *Cluster) CreateWorkload(_ context.Context, spec *cluster.WorkloadSpec) (*cluster.Workload, error) {
	if err := c.CreateWorkloadError.Get(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreatedWorkloads = append(c.CreatedWorkloads, spec)
	c.nextNodePort++
	return &cluster.Workload{
		PodName:     spec.Name,
		ServiceName: spec.Name,
		SSHNodePort: c.nextNodePort,
	}, nil
}

func (c *Cluster) WaitForWorkloadScheduled(_ context.Context, name string) (*corev1.Pod, error) {
	if err := c.WaitScheduledError.Get(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec:       corev1.PodSpec{NodeName: c.scheduledNodeLocked()},
	}, nil
}

func (c *Cluster) WaitForWorkloadReady(_ context.Context, name string, _ time.Duration) (*corev1.Pod, error) {
	if err := c.WaitReadyError.Get(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec:       corev1.PodSpec{NodeName: c.scheduledNodeLocked()},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			PodIP:      "10.1.0.1",
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}, nil
}

func (c *Cluster) scheduledNodeLocked() string {
	if c.ScheduledNode != "" {
		return c.ScheduledNode
	}
	if len(c.Nodes) > 0 {
		return c.Nodes[0].Name
	}
	return "node-1"
}

func (c *Cluster) DeleteWorkload(_ context.Context, name string) error {
	if err := c.DeleteWorkloadError.Get(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeletedWorkloads = append(c.DeletedWorkloads, name)
	return nil
}

func (c *Cluster) DeleteService(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeletedServices = append(c.DeletedServices, name)
	return nil
}

func (c *Cluster) EnsureNotebookPort(_ context.Context, serviceName string) (int32, error) {
	if err := c.NotebookPortError.Get(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if port, ok := c.NotebookPorts[serviceName]; ok {
		return port, nil
	}
	c.nextNodePort++
	c.NotebookPorts[serviceName] = c.nextNodePort
	return c.nextNodePort, nil
}

func (c *Cluster) RemoveNotebookPort(_ context.Context, serviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.NotebookPorts, serviceName)
	return nil
}

func (c *Cluster) CreateWorkerJob(_ context.Context, spec *cluster.JobSpec) (*batchv1.Job, error) {
	if err := c.CreateJobError.Get(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	name := cluster.WorkerJobName(spec.MessageID)
	if _, ok := c.Jobs[name]; ok {
		return nil, errors.Newf(errors.KindConflict, "workload_conflict", "job %s already exists", name)
	}
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, CreationTimestamp: metav1.Now()},
	}
	c.Jobs[name] = job
	c.JobSpecs[name] = spec
	return job, nil
}

func (c *Cluster) GetJob(_ context.Context, name string) (*batchv1.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.Jobs[name]
	if !ok {
		return nil, errors.Newf(errors.KindOrchestratorPermanent, "workload_not_found", "job %s not found", name)
	}
	return job.DeepCopy(), nil
}

func (c *Cluster) ListWorkerJobs(_ context.Context) ([]batchv1.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []batchv1.Job
	for _, job := range c.Jobs {
		out = append(out, *job.DeepCopy())
	}
	return out, nil
}

func (c *Cluster) DeleteJob(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Jobs, name)
	return nil
}

func (c *Cluster) WorkerJobLogs(_ context.Context, jobName string, _ int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.JobLogs[jobName], nil
}

// CompleteJob marks a seeded job as succeeded.
func (c *Cluster) CompleteJob(name string) {
	c.setJobCondition(name, batchv1.JobComplete)
}

// FailJob marks a seeded job as failed.
func (c *Cluster) FailJob(name string) {
	c.setJobCondition(name, batchv1.JobFailed)
}

func (c *Cluster) setJobCondition(name string, cond batchv1.JobConditionType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.Jobs[name]; ok {
		job.Status.Conditions = append(job.Status.Conditions, batchv1.JobCondition{
			Type:   cond,
			Status: corev1.ConditionTrue,
		})
	}
}

func (c *Cluster) PodLogs(_ context.Context, podName string, _ int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PodLogContent[podName], nil
}

func (c *Cluster) Exec(_ context.Context, podName string, command ...string) (string, string, error) {
	if err := c.ExecError.Get(); err != nil {
		return "", "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExecCalls = append(c.ExecCalls, append([]string{podName}, command...))
	if len(command) > 0 {
		if result, ok := c.ExecResults[command[0]]; ok {
			return result.Stdout, result.Stderr, result.Err
		}
	}
	return "", "", nil
}

func (c *Cluster) VerifyHTTP(_ context.Context, podName string, port int32, path string) error {
	if err := c.VerifyHTTPError.Get(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.VerifyHTTPCalls = append(c.VerifyHTTPCalls, fmt.Sprintf("%s:%d%s", podName, port, path))
	return nil
}

// ExecCommandLines renders recorded exec calls for assertions.
func (c *Cluster) ExecCommandLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(c.ExecCalls, func(call []string, _ int) string { return strings.Join(call, " ") })
}

var _ cluster.Interface = (*Cluster)(nil)
