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
	"time"

	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
)

// JobSpec describes one one-shot worker job. The message is pinned into the
// job environment so the worker process never touches the queue for reads;
// redelivery after a crash is the visibility timeout's job.
type JobSpec struct {
	MessageID   int64
	MessageBody []byte
	Image       string
	// ActiveDeadlineSeconds mirrors the message visibility window so an
	// orphaned job cannot outlive its claim on the message.
	ActiveDeadlineSeconds int64
	ServiceAccount        string
	// Env carries the poller's effective configuration into the worker; the
	// message variables are appended last and win on name collision.
	Env []corev1.EnvVar
}

// WorkerJobName is deterministic per message so a crashed poller respawning
// the same message collides with the live job instead of double-processing.
func WorkerJobName(messageID int64) string {
	return fmt.Sprintf("%s-%d", v1.WorkerJobPrefix, messageID)
}

func (c *Client) CreateWorkerJob(ctx context.Context, spec *JobSpec) (*batchv1.Job, error) {
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkerJobName(spec.MessageID),
			Namespace: c.namespace,
			Labels: map[string]string{
				v1.LabelApp:       v1.LabelAppValue,
				v1.LabelComponent: v1.ComponentWorker,
				v1.LabelMessageID: strconv.FormatInt(spec.MessageID, 10),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            lo.ToPtr(int32(0)),
			ActiveDeadlineSeconds:   lo.ToPtr(spec.ActiveDeadlineSeconds),
			TTLSecondsAfterFinished: lo.ToPtr(int32(3600)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						v1.LabelApp:       v1.LabelAppValue,
						v1.LabelComponent: v1.ComponentWorker,
						v1.LabelMessageID: strconv.FormatInt(spec.MessageID, 10),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: spec.ServiceAccount,
					Containers: []corev1.Container{{
						Name:  "worker",
						Image: spec.Image,
						Env: append(spec.Env,
							corev1.EnvVar{Name: v1.EnvMessageID, Value: strconv.FormatInt(spec.MessageID, 10)},
							corev1.EnvVar{Name: v1.EnvMessageBody, Value: string(spec.MessageBody)},
						),
					}},
				},
			},
		},
	}
	created, err := c.kube.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, errors.FromKubernetes(fmt.Errorf("creating worker job for message %d, %w", spec.MessageID, err))
	}
	return created, nil
}

func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	job, err := c.kube.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.FromKubernetes(fmt.Errorf("getting job %s, %w", name, err))
	}
	return job, nil
}

// ListWorkerJobs returns every worker job in the namespace, finished or not.
// The poller uses this for crash recovery and the tracked-worker sweep.
func (c *Client) ListWorkerJobs(ctx context.Context) ([]batchv1.Job, error) {
	jobs, err := c.kube.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%s", v1.LabelApp, v1.LabelAppValue, v1.LabelComponent, v1.ComponentWorker),
	})
	if err != nil {
		return nil, errors.FromKubernetes(fmt.Errorf("listing worker jobs, %w", err))
	}
	return jobs.Items, nil
}

func (c *Client) DeleteJob(ctx context.Context, name string) error {
	err := c.kube.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: lo.ToPtr(metav1.DeletePropagationBackground),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.FromKubernetes(fmt.Errorf("deleting job %s, %w", name, err))
	}
	return nil
}

// WorkerJobLogs fetches the tail of the job's pod log for failure reporting.
func (c *Client) WorkerJobLogs(ctx context.Context, jobName string, tail int64) (string, error) {
	pods, err := c.kube.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", batchv1.JobNameLabel, jobName),
	})
	if err != nil {
		return "", errors.FromKubernetes(fmt.Errorf("listing pods of job %s, %w", jobName, err))
	}
	if len(pods.Items) == 0 {
		return "", nil
	}
	return c.PodLogs(ctx, pods.Items[0].Name, tail)
}

// JobFinished reports whether the job reached a terminal condition, and which.
func JobFinished(job *batchv1.Job) (finished bool, failed bool) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return true, false
		case batchv1.JobFailed:
			return true, true
		}
	}
	return false, false
}

// JobDuration measures a finished job from its start time to its terminal
// condition. Failed jobs never get a completion time, so the condition's
// transition time stands in for both outcomes.
func JobDuration(job *batchv1.Job) (time.Duration, bool) {
	if job.Status.StartTime == nil {
		return 0, false
	}
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		if cond.Type == batchv1.JobComplete || cond.Type == batchv1.JobFailed {
			return cond.LastTransitionTime.Sub(job.Status.StartTime.Time), true
		}
	}
	return 0, false
}
