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
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/yaml"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/utils"
)

const (
	containerName = "dev"
	devHostPath   = "/dev"

	// notebookPortName marks the service port added and removed by the
	// notebook toggle.
	notebookPortName = "notebook"
	sshPortName      = "ssh"

	readyPollInterval = 5 * time.Second
)

// WorkloadName is deterministic per reservation so a rerun after a crash
// finds the partial workload by name. Also the subdomain for notebook URLs.
func WorkloadName(reservationID string) string {
	short := strings.ReplaceAll(reservationID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s-%s", v1.WorkloadNamePrefix, strings.ToLower(short))
}

// permanentWaitingReasons are container states that will not resolve on their
// own; waiting longer cannot help.
var permanentWaitingReasons = map[string]bool{
	"ErrImagePull":         true,
	"ImagePullBackOff":     true,
	"InvalidImageName":     true,
	"CrashLoopBackOff":     true,
	"CreateContainerError": true,
}

// WorkloadSpec describes one reservation's workload pod and service.
type WorkloadSpec struct {
	Name        string
	Reservation *v1.Reservation
	GPUType     *v1.GPUType
	Image       string

	// DiskDevice is the block device the entrypoint mounts; set only when a
	// disk volume will be attached to the node.
	DiskDevice    string
	NotebookToken string

	// Multinode gang coordinates; TotalNodes <= 1 means single-node.
	MasterAddr string
	NodeRank   int
	TotalNodes int

	// TemplateOverride is an optional YAML pod used as the base object.
	// Identity labels, placement, resources, and the container contract are
	// stamped over it.
	TemplateOverride []byte
}

func (c *Client) CreateWorkload(ctx context.Context, spec *WorkloadSpec) (*Workload, error) {
	pod, err := buildPod(spec, c.namespace)
	if err != nil {
		return nil, err
	}
	if _, err := c.kube.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, errors.FromKubernetes(fmt.Errorf("creating workload pod %s, %w", spec.Name, err))
	}
	service, err := c.kube.CoreV1().Services(c.namespace).Create(ctx, buildService(spec, c.namespace), metav1.CreateOptions{})
	if err != nil {
		return nil, errors.FromKubernetes(fmt.Errorf("creating workload service %s, %w", spec.Name, err))
	}
	workload := &Workload{PodName: pod.Name, ServiceName: service.Name}
	for _, port := range service.Spec.Ports {
		if port.Name == sshPortName {
			workload.SSHNodePort = port.NodePort
		}
	}
	return workload, nil
}

func buildPod(spec *WorkloadSpec, namespace string) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	if len(spec.TemplateOverride) > 0 {
		if err := yaml.Unmarshal(spec.TemplateOverride, pod); err != nil {
			return nil, errors.Validationf("invalid_pod_template", "parsing pod template override: %s", err)
		}
	}
	r := spec.Reservation
	pod.Name = spec.Name
	pod.Namespace = namespace
	pod.Labels = lo.Assign(pod.Labels, map[string]string{
		v1.LabelApp:           v1.LabelAppValue,
		v1.LabelComponent:     v1.ComponentWorkload,
		v1.LabelReservationID: utils.LabelValue(r.ReservationID),
		v1.LabelUserID:        utils.LabelValue(r.UserID),
		v1.LabelGPUType:       utils.LabelValue(r.GPUType),
	})
	pod.Spec.NodeSelector = lo.Assign(pod.Spec.NodeSelector, map[string]string{
		v1.NodeLabelGPUType: spec.GPUType.Name,
	})
	pod.Spec.RestartPolicy = corev1.RestartPolicyNever
	if pod.Spec.TerminationGracePeriodSeconds == nil {
		pod.Spec.TerminationGracePeriodSeconds = lo.ToPtr(int64(30))
	}
	if r.GPUCount > 0 {
		pod.Spec.Tolerations = append(pod.Spec.Tolerations, corev1.Toleration{
			Key:      v1.ResourceNvidiaGPU,
			Operator: corev1.TolerationOpExists,
		})
	}
	if len(pod.Spec.Containers) == 0 {
		pod.Spec.Containers = []corev1.Container{{Name: containerName}}
	}
	container := &pod.Spec.Containers[0]
	if container.Image == "" {
		container.Image = spec.Image
	}
	container.Resources = buildResources(spec.GPUType, r.GPUCount)
	container.Ports = []corev1.ContainerPort{{Name: sshPortName, ContainerPort: v1.SSHPort}}
	if r.NotebookEnabled {
		container.Ports = append(container.Ports, corev1.ContainerPort{Name: notebookPortName, ContainerPort: v1.NotebookPort})
	}
	container.Env = append(container.Env, workloadEnv(spec)...)
	if spec.DiskDevice != "" {
		// The entrypoint formats and mounts the attached device itself, which
		// needs the host's /dev and privilege.
		container.SecurityContext = &corev1.SecurityContext{Privileged: lo.ToPtr(true)}
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{Name: "host-dev", MountPath: devHostPath})
		pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
			Name: "host-dev",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: devHostPath},
			},
		})
	}
	return pod, nil
}

// buildResources converts a GPU request into the proportional CPU and memory
// share of the node. CPU-only types are granted one slot's worth. Requests
// equal limits so workload pods get guaranteed QoS.
func buildResources(gpuType *v1.GPUType, gpuCount int) corev1.ResourceRequirements {
	var cpuMillis, memMiB int64
	if gpuType.IsCPUOnly() {
		cpuMillis = int64(float64(gpuType.CPUs) / v1.CPUSlotsPerNode * 1000)
		memMiB = int64(float64(gpuType.MemoryGB) / v1.CPUSlotsPerNode * 1024)
	} else {
		cpuMillis = int64(gpuType.CPUPerGPU() * float64(gpuCount) * 1000)
		memMiB = int64(gpuType.MemoryPerGPU() * float64(gpuCount) * 1024)
	}
	list := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuMillis, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(memMiB*1024*1024, resource.BinarySI),
	}
	if gpuCount > 0 {
		list[corev1.ResourceName(v1.ResourceNvidiaGPU)] = *resource.NewQuantity(int64(gpuCount), resource.DecimalSI)
	}
	return corev1.ResourceRequirements{Requests: list, Limits: list}
}

func workloadEnv(spec *WorkloadSpec) []corev1.EnvVar {
	r := spec.Reservation
	env := []corev1.EnvVar{
		{Name: v1.EnvWorkloadUser, Value: r.UserID},
		{Name: v1.EnvWorkloadReservationID, Value: r.ReservationID},
		{Name: v1.EnvWorkloadGPUCount, Value: strconv.Itoa(r.GPUCount)},
		{Name: v1.EnvWorkloadNotebook, Value: strconv.FormatBool(r.NotebookEnabled)},
	}
	if r.DiskName != "" {
		env = append(env, corev1.EnvVar{Name: v1.EnvWorkloadDiskName, Value: r.DiskName})
	}
	if spec.DiskDevice != "" {
		env = append(env, corev1.EnvVar{Name: v1.EnvWorkloadDiskDevice, Value: spec.DiskDevice})
	}
	if spec.NotebookToken != "" {
		env = append(env, corev1.EnvVar{Name: v1.EnvWorkloadNotebookToken, Value: spec.NotebookToken})
	}
	if spec.TotalNodes > 1 {
		env = append(env,
			corev1.EnvVar{Name: v1.EnvWorkloadMasterAddr, Value: spec.MasterAddr},
			corev1.EnvVar{Name: v1.EnvWorkloadNodeRank, Value: strconv.Itoa(spec.NodeRank)},
			corev1.EnvVar{Name: v1.EnvWorkloadNumNodes, Value: strconv.Itoa(spec.TotalNodes)},
		)
	}
	return env
}

func buildService(spec *WorkloadSpec, namespace string) *corev1.Service {
	ports := []corev1.ServicePort{{
		Name:       sshPortName,
		Port:       v1.SSHPort,
		TargetPort: intstr.FromInt32(v1.SSHPort),
	}}
	if spec.Reservation.NotebookEnabled {
		ports = append(ports, corev1.ServicePort{
			Name:       notebookPortName,
			Port:       v1.NotebookPort,
			TargetPort: intstr.FromInt32(v1.NotebookPort),
		})
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels: map[string]string{
				v1.LabelApp:           v1.LabelAppValue,
				v1.LabelReservationID: utils.LabelValue(spec.Reservation.ReservationID),
			},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{v1.LabelReservationID: utils.LabelValue(spec.Reservation.ReservationID)},
			Ports:    ports,
		},
	}
}

// WaitForWorkloadScheduled blocks until the pod is bound to a node; the
// caller bounds the wait through ctx. Needed before volume attach, which
// targets the chosen node's instance.
func (c *Client) WaitForWorkloadScheduled(ctx context.Context, name string) (*corev1.Pod, error) {
	var scheduled *corev1.Pod
	err := wait.PollUntilContextCancel(ctx, readyPollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := c.kube.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, errors.FromKubernetes(fmt.Errorf("getting workload pod %s, %w", name, err))
		}
		if pod.Status.Phase == corev1.PodFailed {
			return false, errors.Newf(errors.KindOrchestratorPermanent, "workload_failed", "workload pod %s failed before scheduling: %s", name, pod.Status.Reason)
		}
		if pod.Spec.NodeName == "" {
			return false, nil
		}
		scheduled = pod
		return true, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return nil, errors.DeadlineExceededf("scheduling_timeout", "workload pod %s was not scheduled in time", name)
		}
		return nil, err
	}
	return scheduled, nil
}

// WaitForWorkloadReady polls until the pod reports Ready. Unrecoverable
// container states fail fast instead of burning the whole timeout.
func (c *Client) WaitForWorkloadReady(ctx context.Context, name string, timeout time.Duration) (*corev1.Pod, error) {
	var ready *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, readyPollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := c.kube.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, errors.FromKubernetes(fmt.Errorf("getting workload pod %s, %w", name, err))
		}
		switch pod.Status.Phase {
		case corev1.PodFailed, corev1.PodSucceeded:
			return false, errors.Newf(errors.KindOrchestratorPermanent, "workload_failed", "workload pod %s terminated: %s %s", name, pod.Status.Reason, pod.Status.Message)
		}
		for _, status := range pod.Status.ContainerStatuses {
			if waiting := status.State.Waiting; waiting != nil && permanentWaitingReasons[waiting.Reason] {
				return false, errors.Newf(errors.KindOrchestratorPermanent, "image_pull_failure", "workload pod %s container %s: %s, %s", name, status.Name, waiting.Reason, waiting.Message)
			}
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				ready = pod
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return nil, errors.DeadlineExceededf("readiness_timeout", "workload pod %s did not become ready within %s", name, timeout)
		}
		return nil, err
	}
	return ready, nil
}

func (c *Client) DeleteWorkload(ctx context.Context, name string) error {
	err := c.kube.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: lo.ToPtr(int64(30)),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.FromKubernetes(fmt.Errorf("deleting workload pod %s, %w", name, err))
	}
	return nil
}

func (c *Client) DeleteService(ctx context.Context, name string) error {
	err := c.kube.CoreV1().Services(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.FromKubernetes(fmt.Errorf("deleting workload service %s, %w", name, err))
	}
	return nil
}

// EnsureNotebookPort adds the notebook port to the workload service if absent
// and returns the NodePort the API server assigned.
func (c *Client) EnsureNotebookPort(ctx context.Context, serviceName string) (int32, error) {
	services := c.kube.CoreV1().Services(c.namespace)
	service, err := services.Get(ctx, serviceName, metav1.GetOptions{})
	if err != nil {
		return 0, errors.FromKubernetes(fmt.Errorf("getting workload service %s, %w", serviceName, err))
	}
	for _, port := range service.Spec.Ports {
		if port.Name == notebookPortName {
			return port.NodePort, nil
		}
	}
	service.Spec.Ports = append(service.Spec.Ports, corev1.ServicePort{
		Name:       notebookPortName,
		Port:       v1.NotebookPort,
		TargetPort: intstr.FromInt32(v1.NotebookPort),
	})
	updated, err := services.Update(ctx, service, metav1.UpdateOptions{})
	if err != nil {
		return 0, errors.FromKubernetes(fmt.Errorf("adding notebook port to service %s, %w", serviceName, err))
	}
	for _, port := range updated.Spec.Ports {
		if port.Name == notebookPortName {
			return port.NodePort, nil
		}
	}
	return 0, fmt.Errorf("service %s has no notebook port after update", serviceName)
}

func (c *Client) RemoveNotebookPort(ctx context.Context, serviceName string) error {
	services := c.kube.CoreV1().Services(c.namespace)
	service, err := services.Get(ctx, serviceName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return errors.FromKubernetes(fmt.Errorf("getting workload service %s, %w", serviceName, err))
	}
	kept := lo.Filter(service.Spec.Ports, func(p corev1.ServicePort, _ int) bool {
		return p.Name != notebookPortName
	})
	if len(kept) == len(service.Spec.Ports) {
		return nil
	}
	service.Spec.Ports = kept
	if _, err := services.Update(ctx, service, metav1.UpdateOptions{}); err != nil {
		return errors.FromKubernetes(fmt.Errorf("removing notebook port from service %s, %w", serviceName, err))
	}
	return nil
}
