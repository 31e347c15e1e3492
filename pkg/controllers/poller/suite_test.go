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

package poller_test

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/cluster"
	"github.com/gpudev/orchestrator/pkg/controllers/poller"
	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/operator/options"
	"github.com/gpudev/orchestrator/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment
var controller *poller.Controller

func TestPoller(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Poller")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
	controller = poller.NewController(env.Queue, env.Store, env.Cluster)
})

func send(msg *v1.Message) int64 {
	GinkgoHelper()
	id, err := env.Queue.Send(ctx, msg)
	Expect(err).ToNot(HaveOccurred())
	return id
}

var _ = Describe("Dispatch", func() {
	It("should spawn one worker job per message", func() {
		id := send(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice"}))

		result := test.ExpectSingletonReconciled(ctx, controller)
		Expect(result.RequeueAfter).To(Equal(5 * time.Second))

		job, err := env.Cluster.GetJob(ctx, cluster.WorkerJobName(id))
		Expect(err).ToNot(HaveOccurred())
		Expect(job.Name).To(Equal("gpu-dev-worker-1"))
		// The message stays claimed, not deleted; completion is the
		// worker's call to make.
		Expect(env.Queue.Len()).To(Equal(1))
	})
	It("should hand its configuration and deadline to the worker", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{
			WorkerServiceAccount: lo.ToPtr("gpu-dev-worker"),
		}))
		id := send(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice"}))

		test.ExpectSingletonReconciled(ctx, controller)

		spec := env.Cluster.JobSpecs[cluster.WorkerJobName(id)]
		Expect(spec).ToNot(BeNil())
		Expect(spec.Image).To(Equal("gpu-dev/worker:latest"))
		Expect(spec.ServiceAccount).To(Equal("gpu-dev-worker"))
		Expect(spec.ActiveDeadlineSeconds).To(Equal(int64(900)))
		Expect(spec.Env).To(ContainElements(
			corev1.EnvVar{Name: "CLUSTER_NAME", Value: test.DefaultClusterName},
			corev1.EnvVar{Name: "DATABASE_URL", Value: "postgres://localhost:5432/gpu_dev_test"},
			corev1.EnvVar{Name: "VISIBILITY_TIMEOUT_SECONDS", Value: "900"},
		))
	})
	It("should not redeliver a message while its worker runs", func() {
		send(test.Message(test.MessageOptions{ReservationID: "res-1", UserID: "alice"}))

		test.ExpectSingletonReconciled(ctx, controller)
		test.ExpectSingletonReconciled(ctx, controller)

		jobs, err := env.Cluster.ListWorkerJobs(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
	})
	It("should stop reading at the concurrency ceiling and back off", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{
			BatchSize:         lo.ToPtr(5),
			MaxConcurrentJobs: lo.ToPtr(2),
		}))
		for i := 0; i < 3; i++ {
			send(test.Message(test.MessageOptions{UserID: "alice"}))
		}

		result := test.ExpectSingletonReconciled(ctx, controller)
		Expect(result.RequeueAfter).To(Equal(5 * time.Second))
		jobs, err := env.Cluster.ListWorkerJobs(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(jobs).To(HaveLen(2))

		// At the ceiling the next pass reads nothing and doubles the poll
		// interval.
		result = test.ExpectSingletonReconciled(ctx, controller)
		Expect(result.RequeueAfter).To(Equal(10 * time.Second))
		jobs, err = env.Cluster.ListWorkerJobs(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(jobs).To(HaveLen(2))
	})
	It("should free ceiling capacity when a worker finishes", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{
			BatchSize:         lo.ToPtr(5),
			MaxConcurrentJobs: lo.ToPtr(2),
		}))
		first := send(test.Message(test.MessageOptions{UserID: "alice"}))
		send(test.Message(test.MessageOptions{UserID: "bob"}))
		third := send(test.Message(test.MessageOptions{UserID: "carol"}))
		test.ExpectSingletonReconciled(ctx, controller)

		// The first worker completes and deletes its message.
		env.Cluster.CompleteJob(cluster.WorkerJobName(first))
		Expect(env.Queue.Delete(ctx, first)).To(Succeed())

		test.ExpectSingletonReconciled(ctx, controller)
		_, err := env.Cluster.GetJob(ctx, cluster.WorkerJobName(third))
		Expect(err).ToNot(HaveOccurred())
	})
	It("should fail the reconcile when the queue cannot be read", func() {
		env.Queue.ReadError.Set(errors.Newf(errors.KindInternal, "db_unavailable", "connection refused"))
		test.ExpectSingletonReconcileFailed(ctx, controller)
	})
})

var _ = Describe("Retries", func() {
	It("should dead-letter a message past its read budget and fail the reservation", func() {
		env.Store.Reservations["res-1"] = test.Reservation(test.ReservationOptions{ReservationID: "res-1", UserID: "alice"})
		send(test.Message(test.MessageOptions{
			ReservationID: "res-1",
			UserID:        "alice",
			Metadata:      &v1.Metadata{RetryCount: 3},
		}))

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Queue.Len()).To(Equal(0))
		Expect(env.Queue.ArchivedLen()).To(Equal(1))
		jobs, err := env.Cluster.ListWorkerJobs(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(jobs).To(BeEmpty())

		r := env.Store.Reservations["res-1"]
		Expect(r.Status).To(Equal(v1.StatusFailed))
		Expect(r.FailureReason).To(Equal("max_retries_exceeded"))
	})
	It("should honor a tighter retry budget stamped into the payload", func() {
		send(test.Message(test.MessageOptions{
			UserID:   "alice",
			Metadata: &v1.Metadata{MaxRetries: 1},
		}))

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Queue.ArchivedLen()).To(Equal(1))
	})
	It("should leave a launched reservation alone when its stale create dead-letters", func() {
		env.Store.Reservations["res-1"] = test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1", UserID: "alice"})
		send(test.Message(test.MessageOptions{
			ReservationID: "res-1",
			UserID:        "alice",
			Metadata:      &v1.Metadata{RetryCount: 3},
		}))

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Queue.ArchivedLen()).To(Equal(1))
		Expect(env.Store.Reservations["res-1"].Status).To(Equal(v1.StatusActive))
	})
	It("should not fail a reservation over a dead-lettered cancel", func() {
		env.Store.Reservations["res-1"] = test.ActiveReservation(env.Clock.Now(), test.ReservationOptions{ReservationID: "res-1", UserID: "alice"})
		send(test.Message(test.MessageOptions{
			Type:          v1.MessageReservationCancel,
			ReservationID: "res-1",
			UserID:        "alice",
			Metadata:      &v1.Metadata{RetryCount: 3},
		}))

		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Queue.ArchivedLen()).To(Equal(1))
		Expect(env.Store.Reservations["res-1"].Status).To(Equal(v1.StatusActive))
	})
	It("should archive an undecodable body once its reads lapse", func() {
		id, err := env.Queue.Send(ctx, test.Message(test.MessageOptions{UserID: "alice"}))
		Expect(err).ToNot(HaveOccurred())
		env.Queue.CorruptBody(id)

		// Three lapses of the visibility window burn the read budget.
		for i := 0; i < 2; i++ {
			test.ExpectSingletonReconciled(ctx, controller)
			env.Cluster.FailJob(cluster.WorkerJobName(id))
			env.Clock.Step(16 * time.Minute)
		}
		test.ExpectSingletonReconciled(ctx, controller)

		Expect(env.Queue.Len()).To(Equal(0))
		Expect(env.Queue.ArchivedLen()).To(Equal(1))
	})
})

var _ = Describe("Recovery", func() {
	It("should count surviving workers against the ceiling after a restart", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{MaxConcurrentJobs: lo.ToPtr(1)}))
		_, err := env.Cluster.CreateWorkerJob(ctx, &cluster.JobSpec{MessageID: 7})
		Expect(err).ToNot(HaveOccurred())
		send(test.Message(test.MessageOptions{UserID: "alice"}))

		restarted := poller.NewController(env.Queue, env.Store, env.Cluster)
		result := test.ExpectSingletonReconciled(ctx, restarted)

		Expect(result.RequeueAfter).To(Equal(10 * time.Second))
		jobs, err := env.Cluster.ListWorkerJobs(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
	})
	It("should ignore finished workers when rebuilding tracking", func() {
		ctx = options.ToContext(context.Background(), test.Options(test.OptionsFields{MaxConcurrentJobs: lo.ToPtr(1)}))
		_, err := env.Cluster.CreateWorkerJob(ctx, &cluster.JobSpec{MessageID: 7})
		Expect(err).ToNot(HaveOccurred())
		env.Cluster.CompleteJob(cluster.WorkerJobName(7))
		id := send(test.Message(test.MessageOptions{UserID: "alice"}))

		restarted := poller.NewController(env.Queue, env.Store, env.Cluster)
		test.ExpectSingletonReconciled(ctx, restarted)

		_, err = env.Cluster.GetJob(ctx, cluster.WorkerJobName(id))
		Expect(err).ToNot(HaveOccurred())
	})
	It("should adopt the live twin when a tracked message is redelivered elsewhere", func() {
		id := send(test.Message(test.MessageOptions{UserID: "alice"}))
		test.ExpectSingletonReconciled(ctx, controller)

		// A second instance sees the redelivery after the visibility window
		// lapses while the original worker is still running.
		env.Clock.Step(16 * time.Minute)
		other := poller.NewController(env.Queue, env.Store, env.Cluster)
		test.ExpectSingletonReconciled(ctx, other)

		jobs, err := env.Cluster.ListWorkerJobs(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].Name).To(Equal(cluster.WorkerJobName(id)))
	})
	It("should replace a failed worker when its message comes back", func() {
		id := send(test.Message(test.MessageOptions{UserID: "alice"}))
		test.ExpectSingletonReconciled(ctx, controller)
		env.Cluster.FailJob(cluster.WorkerJobName(id))

		env.Clock.Step(16 * time.Minute)
		test.ExpectSingletonReconciled(ctx, controller)

		job, err := env.Cluster.GetJob(ctx, cluster.WorkerJobName(id))
		Expect(err).ToNot(HaveOccurred())
		Expect(job.Status.Conditions).To(BeEmpty())
	})
})
