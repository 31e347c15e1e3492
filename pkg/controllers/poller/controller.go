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

package poller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	reconcile "github.com/awslabs/operatorpkg/reconciler"
	"github.com/awslabs/operatorpkg/singleton"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	corev1 "k8s.io/api/core/v1"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/store"
	"github.com/gpudev/orchestrator/pkg/store/queue"
)

// failureLogTail bounds the log excerpt pulled from a failed worker.
const failureLogTail = 20

// Controller pulls queue messages and runs each one in an isolated worker
// job. The message body travels in the job environment, so the worker never
// reads the queue; the visibility window doubles as the job deadline, and
// redelivery after the window is the only retry path.
type Controller struct {
	queue        queue.Queue
	reservations store.ReservationStore
	cluster      cluster.Interface

	// tracked maps message id to worker job name for every dispatch this
	// instance believes is in flight.
	tracked   map[int64]string
	recovered bool
}

func NewController(q queue.Queue, reservations store.ReservationStore, cluster cluster.Interface) *Controller {
	return &Controller{
		queue:        q,
		reservations: reservations,
		cluster:      cluster,
		tracked:      map[int64]string{},
	}
}

func (c *Controller) Reconcile(ctx context.Context) (reconcile.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("controller", "poller"))
	opts := options.FromContext(ctx)

	// After a restart the in-flight view is rebuilt from the jobs that
	// survived us.
	if !c.recovered {
		if err := c.restoreTracking(ctx); err != nil {
			return reconcile.Result{}, fmt.Errorf("restoring worker tracking, %w", err)
		}
		c.recovered = true
	}
	if err := c.sweepWorkers(ctx); err != nil {
		return reconcile.Result{}, fmt.Errorf("sweeping workers, %w", err)
	}
	if len(c.tracked) >= opts.MaxConcurrentJobs {
		log.FromContext(ctx).V(1).Info("worker ceiling reached, backing off", "active", len(c.tracked))
		return reconcile.Result{RequeueAfter: 2 * opts.PollInterval()}, nil
	}
	messages, err := c.queue.Read(ctx, opts.VisibilityTimeout(), min(opts.BatchSize, opts.MaxConcurrentJobs-len(c.tracked)))
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("reading queue, %w", err)
	}
	errs := make([]error, len(messages))
	for i, msg := range messages {
		errs[i] = c.dispatch(ctx, msg, opts)
	}
	workersActive.Set(float64(len(c.tracked)))
	if err := multierr.Combine(errs...); err != nil {
		return reconcile.Result{}, fmt.Errorf("dispatching messages, %w", err)
	}
	return reconcile.Result{RequeueAfter: opts.PollInterval()}, nil
}

func (c *Controller) dispatch(ctx context.Context, msg *queue.Message, opts *options.Options) error {
	// Decoding is best effort here. The worker owns validation; the poller
	// only needs the retry metadata and the reservation pointer, and a body
	// too broken to decode still burns down its read budget.
	parsed, _ := v1.UnmarshalMessage(msg.Body)
	if budgetExhausted(msg, parsed, opts.MaxRetries) {
		return c.deadLetter(ctx, msg, parsed)
	}
	return c.spawnWorker(ctx, msg, parsed, opts)
}

// budgetExhausted honors both the queue's delivery count and the retry count
// the producer stamped into the payload, whichever is higher.
func budgetExhausted(msg *queue.Message, parsed *v1.Message, maxRetries int) bool {
	reads := msg.ReadCount
	budget := maxRetries
	if parsed != nil && parsed.Metadata != nil {
		reads = max(reads, parsed.Metadata.RetryCount)
		if parsed.Metadata.MaxRetries > 0 {
			budget = parsed.Metadata.MaxRetries
		}
	}
	return reads >= budget
}

func (c *Controller) deadLetter(ctx context.Context, msg *queue.Message, parsed *v1.Message) error {
	if err := c.queue.Archive(ctx, msg.ID); err != nil {
		return fmt.Errorf("archiving message %d, %w", msg.ID, err)
	}
	messagesArchived.WithLabelValues(messageType(parsed)).Inc()
	log.FromContext(ctx).Info("dead-lettered message after retries lapsed", "message-id", msg.ID, "read-count", msg.ReadCount)
	if parsed == nil || parsed.Type != v1.MessageReservationCreate || parsed.ReservationID == "" {
		return nil
	}
	// The create never stuck. Fail its reservation so the requester is not
	// left staring at a queued row; launched reservations are out of scope
	// for this path and the From guard keeps them untouched.
	err := c.reservations.UpdateReservationStatus(ctx, parsed.ReservationID, store.StatusUpdate{
		Status:         v1.StatusFailed,
		DetailedStatus: "failed",
		Message:        fmt.Sprintf("gave up after %d deliveries", msg.ReadCount),
		FailureReason:  "max_retries_exceeded",
		From:           []v1.Status{v1.StatusQueued, v1.StatusPending, v1.StatusPreparing},
	})
	if err != nil {
		log.FromContext(ctx).V(1).Info("could not fail reservation of dead-lettered message",
			"message-id", msg.ID, "reservation-id", parsed.ReservationID, "error", err)
	}
	return nil
}

func (c *Controller) spawnWorker(ctx context.Context, msg *queue.Message, parsed *v1.Message, opts *options.Options) error {
	spec := &cluster.JobSpec{
		MessageID:             msg.ID,
		MessageBody:           msg.Body,
		Image:                 opts.WorkerImage,
		ActiveDeadlineSeconds: int64(opts.VisibilityTimeout() / time.Second),
		ServiceAccount:        opts.WorkerServiceAccount,
		Env:                   workerEnv(opts),
	}
	job, err := c.cluster.CreateWorkerJob(ctx, spec)
	if errors.IsKind(err, errors.KindConflict) {
		return c.adoptExisting(ctx, msg, spec)
	}
	if err != nil {
		return fmt.Errorf("creating worker job for message %d, %w", msg.ID, err)
	}
	c.tracked[msg.ID] = job.Name
	messagesDispatched.WithLabelValues(messageType(parsed)).Inc()
	log.FromContext(ctx).Info("dispatched message to worker", "message-id", msg.ID, "job", job.Name, "read-count", msg.ReadCount)
	return nil
}

// workerEnv hands the poller's effective configuration down to the worker,
// flag overrides included.
func workerEnv(opts *options.Options) []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "CLUSTER_NAME", Value: opts.ClusterName},
		{Name: "WORKER_NAMESPACE", Value: opts.WorkerNamespace},
		{Name: "WORKLOAD_IMAGE", Value: opts.WorkloadImage},
		{Name: "CLUSTER_DOMAIN", Value: opts.ClusterDomain},
		{Name: "DATABASE_URL", Value: opts.DatabaseURL},
		{Name: "QUEUE_NAME", Value: opts.QueueName},
		{Name: "PRIMARY_AVAILABILITY_ZONE", Value: opts.PrimaryAvailabilityZone},
		{Name: "CONTENT_BUCKET", Value: opts.ContentBucket},
		{Name: "NOTIFICATION_QUEUE", Value: opts.NotificationQueue},
		{Name: "MAX_RESERVATION_HOURS", Value: strconv.Itoa(opts.MaxReservationHours)},
		{Name: "DEFAULT_TIMEOUT_HOURS", Value: strconv.FormatFloat(opts.DefaultTimeoutHours, 'f', -1, 64)},
		{Name: "MIN_CLI_VERSION", Value: opts.MinCLIVersion},
		{Name: "READINESS_TIMEOUT_MINUTES", Value: strconv.Itoa(opts.ReadinessTimeoutMinutes)},
		{Name: "POLL_INTERVAL_SECONDS", Value: strconv.Itoa(opts.PollIntervalSeconds)},
		{Name: "VISIBILITY_TIMEOUT_SECONDS", Value: strconv.Itoa(opts.VisibilityTimeoutSeconds)},
		{Name: "LOG_LEVEL", Value: opts.LogLevel},
	}
}

// adoptExisting resolves a name collision with a job from an earlier run.
// A live twin is adopted rather than duplicated; a finished one is replaced,
// since redelivery means its outcome never reached the queue.
func (c *Controller) adoptExisting(ctx context.Context, msg *queue.Message, spec *cluster.JobSpec) error {
	name := cluster.WorkerJobName(msg.ID)
	existing, err := c.cluster.GetJob(ctx, name)
	if err != nil {
		return fmt.Errorf("getting worker job %s, %w", name, err)
	}
	if finished, _ := cluster.JobFinished(existing); !finished {
		c.tracked[msg.ID] = name
		log.FromContext(ctx).Info("adopted live worker for redelivered message", "message-id", msg.ID, "job", name)
		return nil
	}
	if err := c.cluster.DeleteJob(ctx, name); err != nil {
		return fmt.Errorf("deleting finished worker job %s, %w", name, err)
	}
	job, err := c.cluster.CreateWorkerJob(ctx, spec)
	if err != nil {
		return fmt.Errorf("recreating worker job for message %d, %w", msg.ID, err)
	}
	c.tracked[msg.ID] = job.Name
	return nil
}

// sweepWorkers drops terminal jobs from tracking, pulling a log tail from the
// failed ones for the record. The queue side needs no help here: a worker
// deletes its message on success, and an abandoned message resurfaces on its
// own once the visibility window lapses.
func (c *Controller) sweepWorkers(ctx context.Context) error {
	var errs []error
	for msgID, name := range c.tracked {
		job, err := c.cluster.GetJob(ctx, name)
		if err != nil {
			if errors.ReasonOf(err) == "workload_not_found" {
				delete(c.tracked, msgID)
				continue
			}
			errs = append(errs, fmt.Errorf("getting worker job %s, %w", name, err))
			continue
		}
		finished, failed := cluster.JobFinished(job)
		if !finished {
			continue
		}
		if d, ok := cluster.JobDuration(job); ok {
			workerDuration.WithLabelValues(lo.Ternary(failed, "failed", "succeeded")).Observe(d.Seconds())
		}
		if failed {
			tail, logErr := c.cluster.WorkerJobLogs(ctx, name, failureLogTail)
			if logErr != nil {
				tail = fmt.Sprintf("<logs unavailable: %s>", logErr)
			}
			log.FromContext(ctx).Info("worker job failed", "message-id", msgID, "job", name, "logs", tail)
			workerFailures.Inc()
		}
		delete(c.tracked, msgID)
	}
	workersActive.Set(float64(len(c.tracked)))
	return multierr.Combine(errs...)
}

func (c *Controller) restoreTracking(ctx context.Context) error {
	jobs, err := c.cluster.ListWorkerJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing worker jobs, %w", err)
	}
	for i := range jobs {
		if finished, _ := cluster.JobFinished(&jobs[i]); finished {
			continue
		}
		id, ok := messageID(jobs[i].Name)
		if !ok {
			continue
		}
		c.tracked[id] = jobs[i].Name
	}
	if len(c.tracked) > 0 {
		log.FromContext(ctx).Info("recovered in-flight workers", "count", len(c.tracked))
	}
	return nil
}

// messageID recovers the message id a worker job was dispatched for from the
// deterministic job name.
func messageID(jobName string) (int64, bool) {
	suffix, ok := strings.CutPrefix(jobName, v1.WorkerJobPrefix+"-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func messageType(parsed *v1.Message) string {
	if parsed == nil || parsed.Type == "" {
		return "unknown"
	}
	return string(parsed.Type)
}

func (c *Controller) Register(_ context.Context, m manager.Manager) error {
	return controllerruntime.NewControllerManagedBy(m).
		Named("poller").
		WatchesRawSource(singleton.Source()).
		Complete(singleton.AsReconciler(c))
}
